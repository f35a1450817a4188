package storagemgr

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensorgateway/gateway/internal/gatewaylog"
	"github.com/sensorgateway/gateway/internal/measurement"
	"github.com/sensorgateway/gateway/internal/metrics"
	"github.com/sensorgateway/gateway/internal/sbuffer"
)

func TestRunWritesCSVLines(t *testing.T) {
	buf := sbuffer.New()
	csvPath := filepath.Join(t.TempDir(), "data.csv")
	logPath := filepath.Join(t.TempDir(), "gateway.log")

	log, err := gatewaylog.Open(logPath, false)
	require.NoError(t, err)

	mgr := New(buf, csvPath, log, metrics.New())

	done := make(chan struct{})
	var runErr error
	go func() {
		defer close(done)
		runErr = mgr.Run()
	}()

	require.NoError(t, buf.Insert(measurement.Measurement{SensorID: 101, Value: 21.5, Timestamp: 1000}))
	require.NoError(t, buf.Insert(measurement.Measurement{SensorID: 202, Value: 19.0, Timestamp: 1001}))
	buf.Close()
	<-done
	log.Close()

	require.NoError(t, runErr)

	data, err := os.ReadFile(csvPath)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "101,21.500000,1000", lines[0])
	assert.Equal(t, "202,19.000000,1001", lines[1])
}

func TestRunEmptyStreamProducesEmptyFile(t *testing.T) {
	buf := sbuffer.New()
	csvPath := filepath.Join(t.TempDir(), "data.csv")
	logPath := filepath.Join(t.TempDir(), "gateway.log")

	log, err := gatewaylog.Open(logPath, false)
	require.NoError(t, err)

	mgr := New(buf, csvPath, log, metrics.New())

	done := make(chan struct{})
	go func() {
		defer close(done)
		require.NoError(t, mgr.Run())
	}()

	buf.Close()
	<-done
	log.Close()

	data, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	assert.Empty(t, data)
}
