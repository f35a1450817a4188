// Package measurement defines the immutable value produced by a sensor
// node and its wire encoding.
package measurement

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// IDSize, ValueSize and TimestampSize are the fixed widths of the three
// fields as they appear on the wire, read and written independently and
// in this order, with no framing, header or version byte.
const (
	IDSize        = 2
	ValueSize     = 8
	TimestampSize = 8
)

// byteOrder is the fixed wire byte order for all three fields. Sender
// and receiver must agree on representation; a sensor node built against
// a different byte order will silently produce garbage values.
var byteOrder = binary.LittleEndian

// Measurement is an immutable reading from a single sensor node.
type Measurement struct {
	SensorID  uint16
	Value     float64
	Timestamp int64
}

func (m Measurement) String() string {
	return fmt.Sprintf("sensor=%d value=%f ts=%d", m.SensorID, m.Value, m.Timestamp)
}

// ReadID reads just the sensor_id field from r.
func ReadID(r io.Reader) (uint16, error) {
	var buf [IDSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return byteOrder.Uint16(buf[:]), nil
}

// ReadValue reads just the value field from r.
func ReadValue(r io.Reader) (float64, error) {
	var buf [ValueSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return math.Float64frombits(byteOrder.Uint64(buf[:])), nil
}

// ReadTimestamp reads just the timestamp field from r.
func ReadTimestamp(r io.Reader) (int64, error) {
	var buf [TimestampSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int64(byteOrder.Uint64(buf[:])), nil
}

// Encode writes m to w as three fixed-width fields, in field order, with
// no framing.
func Encode(w io.Writer, m Measurement) error {
	var buf [IDSize + ValueSize + TimestampSize]byte
	byteOrder.PutUint16(buf[0:IDSize], m.SensorID)
	byteOrder.PutUint64(buf[IDSize:IDSize+ValueSize], math.Float64bits(m.Value))
	byteOrder.PutUint64(buf[IDSize+ValueSize:], uint64(m.Timestamp))
	_, err := w.Write(buf[:])
	return err
}
