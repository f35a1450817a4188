// Package netutil is a thin adapter over the stdlib TCP socket, giving
// the Connection Manager the two bounded-wait primitives it needs: a
// polled accept (so the accept loop can notice its own quota) and a
// per-field idle-read timeout.
package netutil

import (
	"errors"
	"net"
	"time"
)

// ErrPollTimeout is returned by AcceptWithPoll when no connection
// arrived within the poll interval. It is not a failure; the caller
// should re-check its own termination condition and poll again.
var ErrPollTimeout = errors.New("netutil: accept poll timed out")

// AcceptWithPoll waits up to interval for a new connection on l. It
// realizes the ~200ms bounded readability wait on the listening socket:
// it lets the accept loop notice that its quota has been reached without
// a separate signalling path, instead of blocking in Accept forever.
func AcceptWithPoll(l *net.TCPListener, interval time.Duration) (net.Conn, error) {
	if err := l.SetDeadline(time.Now().Add(interval)); err != nil {
		return nil, err
	}

	conn, err := l.Accept()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, ErrPollTimeout
		}
		return nil, err
	}

	return conn, nil
}

// ReadField reads exactly len(buf) bytes from conn, waiting up to
// timeout for the whole field (one read deadline covers every read of
// the field). If the deadline expires before the field is complete,
// timedOut is true and err wraps the deadline error.
// A clean peer close before any bytes of this field arrive is reported
// as io.EOF via err, with timedOut false.
func ReadField(conn net.Conn, buf []byte, timeout time.Duration) (timedOut bool, err error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return false, err
	}

	n, err := readFull(conn, buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return true, err
		}
		return false, err
	}
	if n != len(buf) {
		return false, errShortRead
	}

	return false, nil
}

var errShortRead = errors.New("netutil: short read")

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
