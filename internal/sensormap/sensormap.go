// Package sensormap loads the sensor-to-room map: a whitespace separated
// text file of "room_id sensor_id" pairs, one per line, each a 16-bit
// unsigned decimal. Loaded once at startup and thereafter immutable.
package sensormap

import (
	"bufio"
	"fmt"
	"os"
)

// Map is an immutable sensor_id -> room_id lookup.
type Map map[uint16]uint16

// Load reads path and builds a Map. Loading stops at the first line that
// isn't a valid "room_id sensor_id" pair, discarding nothing parsed
// before it; trailing malformed input terminates loading rather than
// failing it.
func Load(path string) (Map, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sensormap: open %s: %w", path, err)
	}
	defer f.Close()

	m := Map{}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var room, sensor uint16
		if _, err := fmt.Sscanf(scanner.Text(), "%d %d", &room, &sensor); err != nil {
			break
		}
		m[sensor] = room
	}

	return m, nil
}

// RoomID returns the room for sensorID and whether it is known.
func (m Map) RoomID(sensorID uint16) (uint16, bool) {
	room, ok := m[sensorID]
	return room, ok
}
