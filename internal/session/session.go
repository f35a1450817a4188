// Package session provides a typed identifier for each accepted TCP
// session. The Connection Manager attaches it to its debug log line for
// a closed session, alongside the sensor_id carried on the wire (which
// is not unique across sessions or reconnects of the same sensor node).
package session

import "go.jetify.com/typeid"

// Prefix is used to define the session typeid prefix.
type Prefix struct{}

// Prefix returns the session id prefix "sess".
func (Prefix) Prefix() string { return "sess" }

// ID is a typed session identifier.
type ID struct {
	typeid.TypeID[Prefix]
}

// NewID returns a new session ID.
func NewID() (ID, error) {
	return typeid.New[ID]()
}
