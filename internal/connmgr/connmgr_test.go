package connmgr

import (
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensorgateway/gateway/internal/gatewaylog"
	"github.com/sensorgateway/gateway/internal/measurement"
	"github.com/sensorgateway/gateway/internal/metrics"
	"github.com/sensorgateway/gateway/internal/sbuffer"
)

func newTestLog(t *testing.T) *gatewaylog.Sink {
	t.Helper()
	path := t.TempDir() + "/gateway.log"
	s, err := gatewaylog.Open(path, false)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func writeRecord(t *testing.T, conn net.Conn, m measurement.Measurement) {
	t.Helper()
	require.NoError(t, measurement.Encode(conn, m))
}

// freePort picks an ephemeral port up front, since Manager.Run takes a
// concrete port number rather than ":0" listen semantics.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestQuotaStopsAcceptingNewSessions(t *testing.T) {
	buf := sbuffer.New()
	log := newTestLog(t)
	port := freePort(t)

	mgr := New(Config{Port: port, MaxConn: 1, IdleTimeout: time.Second}, buf, log, metrics.New())

	runDone := make(chan error, 1)
	go func() { runDone <- mgr.Run() }()

	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)

	writeRecord(t, conn, measurement.Measurement{SensorID: 1, Value: 1, Timestamp: 1})
	conn.Close()

	require.NoError(t, <-runDone)

	_, ok := buf.Remove(sbuffer.ReaderDM)
	assert.True(t, ok)
	_, ok = buf.Remove(sbuffer.ReaderDM)
	assert.False(t, ok)
}

func TestExtraConnectionAfterQuotaIsRefused(t *testing.T) {
	buf := sbuffer.New()
	logPath := t.TempDir() + "/gateway.log"
	log, err := gatewaylog.Open(logPath, false)
	require.NoError(t, err)
	port := freePort(t)

	reg := metrics.New()

	// A long accept poll keeps the loop blocked in the same Accept call
	// across the first session's completion, so the extra connection is
	// accepted there and hits the quota re-check instead of the loop
	// exiting first.
	mgr := New(Config{
		Port:        port,
		MaxConn:     1,
		IdleTimeout: time.Second,
		AcceptPoll:  2 * time.Second,
	}, buf, log, reg)

	runDone := make(chan error, 1)
	go func() { runDone <- mgr.Run() }()

	var conn net.Conn
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)

	writeRecord(t, conn, measurement.Measurement{SensorID: 1, Value: 1, Timestamp: 1})
	conn.Close()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(reg.SessionsServed) == 1
	}, time.Second, time.Millisecond)

	extra, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
	require.NoError(t, err)
	defer extra.Close()

	require.NoError(t, <-runDone)

	assert.Equal(t, float64(1), testutil.ToFloat64(reg.SessionsRefused))

	// The refused connection is closed by the gateway without any data.
	extra.SetReadDeadline(time.Now().Add(time.Second))
	var one [1]byte
	_, err = extra.Read(one[:])
	assert.Error(t, err)

	log.Close()
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Connection refused: Max number of clients (1) already served")
}

func TestIdleTimeoutClosesSession(t *testing.T) {
	buf := sbuffer.New()
	log := newTestLog(t)
	port := freePort(t)

	reg := metrics.New()
	mgr := New(Config{Port: port, MaxConn: 1, IdleTimeout: 50 * time.Millisecond}, buf, log, reg)

	runDone := make(chan error, 1)
	go func() { runDone <- mgr.Run() }()

	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, <-runDone)

	_, ok := buf.Remove(sbuffer.ReaderDM)
	assert.False(t, ok)
}

func TestSessionStreamsMultipleRecords(t *testing.T) {
	buf := sbuffer.New()
	log := newTestLog(t)
	port := freePort(t)

	mgr := New(Config{Port: port, MaxConn: 1, IdleTimeout: time.Second}, buf, log, metrics.New())

	runDone := make(chan error, 1)
	go func() { runDone <- mgr.Run() }()

	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)

	writeRecord(t, conn, measurement.Measurement{SensorID: 9, Value: 3.5, Timestamp: 100})
	writeRecord(t, conn, measurement.Measurement{SensorID: 9, Value: 4.5, Timestamp: 101})
	conn.Close()

	require.NoError(t, <-runDone)

	first, ok := buf.Remove(sbuffer.ReaderDM)
	require.True(t, ok)
	assert.Equal(t, uint16(9), first.SensorID)
	assert.Equal(t, 3.5, first.Value)

	second, ok := buf.Remove(sbuffer.ReaderDM)
	require.True(t, ok)
	assert.Equal(t, 4.5, second.Value)

	_, ok = buf.Remove(sbuffer.ReaderDM)
	assert.False(t, ok)
}
