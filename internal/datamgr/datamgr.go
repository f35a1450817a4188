// Package datamgr implements the Data Manager: it consumes measurements
// from the Shared Buffer at the DM reader position, maintains a
// fixed-length running-average window per known sensor, and emits one
// event each time the running average moves into the cold or hot zone
// from a different zone. A move back into the normal zone emits nothing.
package datamgr

import (
	"github.com/sensorgateway/gateway/internal/gatewaylog"
	"github.com/sensorgateway/gateway/internal/measurement"
	"github.com/sensorgateway/gateway/internal/metrics"
	"github.com/sensorgateway/gateway/internal/sbuffer"
	"github.com/sensorgateway/gateway/internal/sensormap"
)

// WindowLength is the fixed length of the running-average window (W).
const WindowLength = 5

// Thresholds holds the zone boundaries. Min must be less than Max.
type Thresholds struct {
	Min float64
	Max float64
}

func (t Thresholds) zone(avg float64) int {
	switch {
	case avg < t.Min:
		return -1
	case avg > t.Max:
		return 1
	default:
		return 0
	}
}

// sensorRecord is the per-sensor state, touched only by the Data
// Manager's own goroutine, so no synchronization is required.
type sensorRecord struct {
	roomID     uint16
	window     [WindowLength]float64
	count      int
	writeIndex int
	runningAvg float64
	lastTS     int64
	lastZone   int
}

func (s *sensorRecord) update(m measurement.Measurement) {
	s.window[s.writeIndex] = m.Value
	s.writeIndex = (s.writeIndex + 1) % WindowLength
	s.lastTS = m.Timestamp

	if s.count < WindowLength {
		s.count++
	}

	if s.count == WindowLength {
		var sum float64
		for _, v := range s.window {
			sum += v
		}
		s.runningAvg = sum / WindowLength
	}
}

// Manager is the Data Manager.
type Manager struct {
	buffer     *sbuffer.Buffer
	log        *gatewaylog.Sink
	metrics    *metrics.Registry
	thresholds Thresholds
	sensors    map[uint16]*sensorRecord
}

// New creates a Data Manager over sensors (already loaded and
// immutable), consuming from buffer and logging through log.
func New(buffer *sbuffer.Buffer, sensors sensormap.Map, thresholds Thresholds, log *gatewaylog.Sink, reg *metrics.Registry) *Manager {
	m := &Manager{
		buffer:     buffer,
		log:        log,
		metrics:    reg,
		thresholds: thresholds,
		sensors:    make(map[uint16]*sensorRecord, len(sensors)),
	}
	for sensorID, roomID := range sensors {
		m.sensors[sensorID] = &sensorRecord{roomID: roomID}
	}
	return m
}

// Run consumes measurements until the Shared Buffer returns END, then
// emits a terminal event and returns.
func (m *Manager) Run() {
	for {
		meas, ok := m.buffer.Remove(sbuffer.ReaderDM)
		if !ok {
			m.log.Event("Data manager stopped")
			return
		}

		m.metrics.MeasurementsConsumed(sbuffer.ReaderDM).Inc()

		rec, known := m.sensors[meas.SensorID]
		if !known {
			m.log.Event("Received sensor data with invalid sensor node ID %d", meas.SensorID)
			m.metrics.InvalidSensorIDs.Inc()
			continue
		}

		rec.update(meas)

		if rec.count < WindowLength {
			continue
		}

		zone := m.thresholds.zone(rec.runningAvg)
		if zone != rec.lastZone && zone != 0 {
			switch zone {
			case -1:
				m.log.Event("Sensor node %d reports it's too cold (avg temp = %g)", meas.SensorID, rec.runningAvg)
				m.metrics.ZoneEvents("cold").Inc()
			case 1:
				m.log.Event("Sensor node %d reports it's too hot (avg temp = %g)", meas.SensorID, rec.runningAvg)
				m.metrics.ZoneEvents("hot").Inc()
			}
		}
		rec.lastZone = zone
	}
}
