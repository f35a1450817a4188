// Package connmgr implements the Connection Manager: it accepts TCP
// client sessions, ingests each session's measurement stream into the
// Shared Buffer, counts completed sessions against a quota, and closes
// the Shared Buffer once the quota is met and every session has
// finished.
package connmgr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/sensorgateway/gateway/internal/gatewaylog"
	"github.com/sensorgateway/gateway/internal/measurement"
	"github.com/sensorgateway/gateway/internal/metrics"
	"github.com/sensorgateway/gateway/internal/netutil"
	"github.com/sensorgateway/gateway/internal/sbuffer"
	"github.com/sensorgateway/gateway/internal/session"
)

// AcceptPollInterval is the bounded wait on the listening socket between
// accept attempts; it's what lets the accept loop notice that its quota
// has been met without an additional signalling path.
const AcceptPollInterval = 200 * time.Millisecond

// Config configures a Manager.
type Config struct {
	Port        int
	MaxConn     int
	IdleTimeout time.Duration

	// AcceptPoll overrides AcceptPollInterval when positive.
	AcceptPoll time.Duration
}

// completionState is the connection-completion state shared by the
// Manager and its per-session readers: active is the number of readers
// still running, served is the number that have terminated. served is
// monotone non-decreasing; active never goes negative; on shutdown
// active == 0.
type completionState struct {
	mu     sync.Mutex
	cond   *sync.Cond
	active int
	served int
}

func newCompletionState() *completionState {
	s := &completionState{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *completionState) quotaMet(max int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.served >= max
}

// tryAdmit increments active if the quota has not been reached under the
// same lock as the check, making the quota test race-free.
func (s *completionState) tryAdmit(max int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.served >= max {
		return false
	}
	s.active++
	return true
}

func (s *completionState) complete() {
	s.mu.Lock()
	s.active--
	s.served++
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *completionState) waitIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.active > 0 {
		s.cond.Wait()
	}
}

// Manager is the Connection Manager.
type Manager struct {
	cfg     Config
	buffer  *sbuffer.Buffer
	log     *gatewaylog.Sink
	metrics *metrics.Registry

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a Connection Manager over buffer.
func New(cfg Config, buffer *sbuffer.Buffer, log *gatewaylog.Sink, reg *metrics.Registry) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Second
	}
	if cfg.AcceptPoll <= 0 {
		cfg.AcceptPoll = AcceptPollInterval
	}
	return &Manager{cfg: cfg, buffer: buffer, log: log, metrics: reg, stopCh: make(chan struct{})}
}

// Stop asks the accept loop to stop admitting new sessions at its next
// poll, short-circuiting the quota wait. Already-admitted sessions are
// still drained before Run returns. Safe to call more than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Manager) stopRequested() bool {
	select {
	case <-m.stopCh:
		return true
	default:
		return false
	}
}

// Run opens the listening socket, accepts sessions until MaxConn
// sessions have completed or Stop is called, waits for any
// still-in-flight session readers to finish, then closes the Shared
// Buffer and returns. Listener failures are fatal and still close the
// Shared Buffer on the way out, so downstream consumers are not left
// blocked forever.
func (m *Manager) Run() error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(context.Background(), "tcp", fmt.Sprintf(":%d", m.cfg.Port))
	if err != nil {
		m.buffer.Close()
		return fmt.Errorf("connmgr: listen: %w", err)
	}

	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		m.buffer.Close()
		return errors.New("connmgr: expected a TCP listener")
	}

	slog.Info("listening", "port", m.cfg.Port, "max_conn", m.cfg.MaxConn)

	state := newCompletionState()
	var wg sync.WaitGroup

	for !state.quotaMet(m.cfg.MaxConn) && !m.stopRequested() {
		conn, err := netutil.AcceptWithPoll(tcpLn, m.cfg.AcceptPoll)
		if err != nil {
			if errors.Is(err, netutil.ErrPollTimeout) {
				continue
			}
			slog.Error("accept failed", "err", err)
			break
		}

		if !state.tryAdmit(m.cfg.MaxConn) {
			m.log.Event("Connection refused: Max number of clients (%d) already served", m.cfg.MaxConn)
			m.metrics.SessionsRefused.Inc()
			conn.Close()
			continue
		}

		m.metrics.ActiveSessions.Inc()

		wg.Add(1)
		go func() {
			defer wg.Done()
			m.handleSession(conn, state)
		}()
	}

	tcpLn.Close()

	state.waitIdle()
	wg.Wait()

	m.buffer.Close()

	return nil
}

// handleSession is the per-session reader. The sensor id becomes known
// on the first successfully received record; streaming continues until
// peer close, a receive failure, an idle timeout, or a Shared Buffer
// insert failure, and every one of those ends funnels through the same
// cleanup.
func (m *Manager) handleSession(conn net.Conn, state *completionState) {
	defer func() {
		conn.Close()
		state.complete()
		m.metrics.ActiveSessions.Dec()
		m.metrics.SessionsServed.Inc()
	}()

	sid, err := session.NewID()
	if err != nil {
		slog.Error("failed to allocate session id", "err", err)
		return
	}

	var (
		haveID   bool
		sensorID uint16
		timedOut bool
	)

	for {
		id, tErr, err := readIDField(conn, m.cfg.IdleTimeout)
		if tErr {
			timedOut = true
			break
		}
		if err != nil {
			break
		}

		value, tErr, err := readValueField(conn, m.cfg.IdleTimeout)
		if tErr {
			timedOut = true
			break
		}
		if err != nil {
			break
		}

		ts, tErr, err := readTimestampField(conn, m.cfg.IdleTimeout)
		if tErr {
			timedOut = true
			break
		}
		if err != nil {
			break
		}

		if !haveID {
			haveID = true
			sensorID = id
			m.log.Event("Sensor node %d has opened a new connection", sensorID)
		}

		insErr := m.buffer.Insert(measurement.Measurement{SensorID: id, Value: value, Timestamp: ts})
		if insErr != nil {
			break
		}
	}

	if haveID {
		if timedOut {
			m.log.Event("Sensor node %d time out", sensorID)
			m.metrics.SessionsTimedOut.Inc()
		}
		m.log.Event("Sensor node %d has closed the connection", sensorID)
		slog.Debug("session closed", "session", sid, "sensor_id", sensorID, "timed_out", timedOut)
	}
}

// readIDField waits up to timeout for the sensor_id field to become
// available on conn, via netutil's bounded per-field read, then decodes
// it the same way the wire codec decodes any other sensor_id field.
func readIDField(conn net.Conn, timeout time.Duration) (uint16, bool, error) {
	var buf [measurement.IDSize]byte
	timedOut, err := netutil.ReadField(conn, buf[:], timeout)
	if err != nil {
		return 0, timedOut, classifyEOF(err)
	}
	id, err := measurement.ReadID(bytes.NewReader(buf[:]))
	return id, false, err
}

func readValueField(conn net.Conn, timeout time.Duration) (float64, bool, error) {
	var buf [measurement.ValueSize]byte
	timedOut, err := netutil.ReadField(conn, buf[:], timeout)
	if err != nil {
		return 0, timedOut, classifyEOF(err)
	}
	v, err := measurement.ReadValue(bytes.NewReader(buf[:]))
	return v, false, err
}

func readTimestampField(conn net.Conn, timeout time.Duration) (int64, bool, error) {
	var buf [measurement.TimestampSize]byte
	timedOut, err := netutil.ReadField(conn, buf[:], timeout)
	if err != nil {
		return 0, timedOut, classifyEOF(err)
	}
	ts, err := measurement.ReadTimestamp(bytes.NewReader(buf[:]))
	return ts, false, err
}

func classifyEOF(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return io.EOF
	}
	return err
}
