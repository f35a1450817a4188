// Package gatewaylog implements the gateway's asynchronous event-logging
// channel: a fixed-size-record sink, backed by a single consumer
// goroutine, that appends sequenced, timestamped lines to a log file.
//
// Writers never block on file I/O directly: each event is queued as a
// fixed-size record on a buffered channel and a single goroutine owns
// the file, so records are written atomically without per-write
// locking. The sink is a scoped, initialize-once, tear-down-once
// resource, not an ambient global.
package gatewaylog

import (
	"bytes"
	"fmt"
	"os"
	"time"
)

// MsgMax is the fixed record size. Every queued message is truncated or
// zero-padded to this size before being written.
const MsgMax = 256

// QueueDepth bounds how many pending records the sink will hold before
// Event starts blocking its caller. A slow logger must not apply
// backpressure to the pipeline's producers; this is generous enough in
// practice that Event should not block.
const QueueDepth = 1024

// Sink is the async logger sink. The zero value is not usable; use Open.
type Sink struct {
	records chan [MsgMax]byte
	done    chan struct{}
}

// Open creates the log file (or appends to it if append is true) and
// starts the consumer goroutine. The caller must call Close exactly
// once when done.
func Open(path string, append bool) (*Sink, error) {
	flags := os.O_CREATE | os.O_WRONLY
	if append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("gatewaylog: open %s: %w", path, err)
	}

	s := &Sink{
		records: make(chan [MsgMax]byte, QueueDepth),
		done:    make(chan struct{}),
	}

	go s.run(f)

	return s, nil
}

func (s *Sink) run(f *os.File) {
	defer close(s.done)
	defer f.Close()

	var seq uint64
	for rec := range s.records {
		seq++
		msg := bytes.TrimRight(rec[:], "\x00")
		fmt.Fprintf(f, "%d %d %s\n", seq, time.Now().Unix(), msg)
	}
}

// Event queues a formatted event for the consumer goroutine to write. It
// never blocks on file I/O itself; messages longer than MsgMax-1 bytes
// are truncated.
func (s *Sink) Event(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)

	var rec [MsgMax]byte
	copy(rec[:MsgMax-1], msg)

	s.records <- rec
}

// Close stops accepting new events, waits for the consumer goroutine to
// drain the queue and close the file, then returns.
func (s *Sink) Close() {
	close(s.records)
	<-s.done
}
