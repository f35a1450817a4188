// Package storagemgr implements the Storage Manager: it consumes
// measurements from the Shared Buffer at the SM reader position and
// appends each one, best-effort, to a CSV file.
package storagemgr

import (
	"fmt"
	"os"

	"github.com/sensorgateway/gateway/internal/gatewaylog"
	"github.com/sensorgateway/gateway/internal/metrics"
	"github.com/sensorgateway/gateway/internal/sbuffer"
)

// Manager is the Storage Manager.
type Manager struct {
	buffer  *sbuffer.Buffer
	log     *gatewaylog.Sink
	metrics *metrics.Registry
	path    string

	// Verbose, when true, logs a per-insertion success event. At the
	// pipeline's expected throughput an event per row would make the
	// async logger sink the bottleneck, so it defaults to false.
	Verbose bool
}

// New creates a Storage Manager that will append to path.
func New(buffer *sbuffer.Buffer, path string, log *gatewaylog.Sink, reg *metrics.Registry) *Manager {
	return &Manager{buffer: buffer, log: log, metrics: reg, path: path}
}

// Run creates (truncating) the CSV file, consumes measurements until the
// Shared Buffer returns END, writing one line per measurement, then
// closes the file and returns. Individual write failures are logged and
// do not stop the Storage Manager; open/close failures are fatal to it.
func (m *Manager) Run() error {
	f, err := os.Create(m.path)
	if err != nil {
		return fmt.Errorf("storagemgr: create %s: %w", m.path, err)
	}
	m.log.Event("A new %s file has been created", m.path)

	for {
		meas, ok := m.buffer.Remove(sbuffer.ReaderSM)
		if !ok {
			break
		}

		m.metrics.MeasurementsConsumed(sbuffer.ReaderSM).Inc()

		if _, err := fmt.Fprintf(f, "%d,%f,%d\n", meas.SensorID, meas.Value, meas.Timestamp); err != nil {
			m.log.Event("SM insert_sensor failed (id=%d)", meas.SensorID)
			m.metrics.CSVWriteFailures.Inc()
			continue
		}
		if m.Verbose {
			m.log.Event("Data insertion from sensor %d succeeded", meas.SensorID)
		}
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("storagemgr: close %s: %w", m.path, err)
	}
	m.log.Event("The %s file has been closed", m.path)

	return nil
}
