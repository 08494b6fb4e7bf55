// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package rtu

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/grid-x/serial"
)

const (
	// Default timeouts
	serialPollInterval = 10 * time.Millisecond
	serialIdleTimeout  = 60 * time.Second
	// bounds flushing a line that never goes quiet
	serialMaxFlushReads = 16
)

// serialPort has configuration and I/O controller.
type serialPort struct {
	// Serial port configuration. Timeout bounds a single read and so sets
	// how precisely response timeouts are honoured.
	serial.Config

	Logger      *slog.Logger
	IdleTimeout time.Duration

	mu sync.Mutex
	// port is platform-dependent data structure for serial port.
	port         io.ReadWriteCloser
	lastActivity time.Time
	closeTimer   *time.Timer
	rx           rxBuffer
}

// Connect opens the port.
func (mb *serialPort) Connect() (err error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	return mb.connect()
}

// connect connects to the serial port if it is not connected. Caller must hold the mutex.
func (mb *serialPort) connect() error {
	if mb.port == nil {
		// A zero timeout makes reads block until data arrives.
		if mb.Config.Timeout <= 0 {
			mb.Config.Timeout = serialPollInterval
		}
		port, err := serial.Open(&mb.Config)
		if err != nil {
			return fmt.Errorf("rtu: could not open %s: %w", mb.Config.Address, err)
		}
		mb.port = port
		mb.rx.reset()
	}
	return nil
}

// Close closes the port.
func (mb *serialPort) Close() (err error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	return mb.close()
}

// close closes the serial port if it is connected. Caller must hold the mutex.
func (mb *serialPort) close() (err error) {
	if mb.port != nil {
		err = mb.port.Close()
		mb.port = nil
	}
	return
}

// Write sends b on the line. Caller must hold the mutex.
func (mb *serialPort) Write(b []byte) (int, error) {
	if mb.port == nil {
		return 0, io.ErrClosedPipe
	}
	return mb.port.Write(b)
}

// Poll returns the next received byte. Caller must hold the mutex.
func (mb *serialPort) Poll(timeout time.Duration) (byte, error) {
	if b, ok := mb.rx.next(); ok {
		return b, nil
	}
	if mb.port == nil {
		return 0, io.ErrClosedPipe
	}
	deadline := time.Now().Add(timeout)
	for {
		n, err := mb.rx.fill(mb.port)
		if n > 0 {
			b, _ := mb.rx.next()
			return b, nil
		}
		if err != nil && !errors.Is(err, serial.ErrTimeout) {
			return 0, err
		}
		if !time.Now().Before(deadline) {
			return 0, ErrPollTimeout
		}
	}
}

// flush discards buffered bytes and whatever is waiting on the line, such as
// an answer that arrived after its exchange gave up. Caller must hold the mutex.
func (mb *serialPort) flush() {
	mb.rx.reset()
	if mb.port == nil {
		return
	}
	count := 0
	for i := 0; i < serialMaxFlushReads; i++ {
		n, err := mb.rx.fill(mb.port)
		count += n
		if err != nil || n == 0 {
			break
		}
	}
	mb.rx.reset()
	if count > 0 {
		mb.logf("rtu: discarded stale bytes", "count", count)
	}
}

func (mb *serialPort) logf(msg string, args ...any) {
	if mb.Logger != nil {
		mb.Logger.Debug(msg, args...)
	}
}

func (mb *serialPort) startCloseTimer() {
	if mb.IdleTimeout <= 0 {
		return
	}
	if mb.closeTimer == nil {
		mb.closeTimer = time.AfterFunc(mb.IdleTimeout, mb.closeIdle)
	} else {
		mb.closeTimer.Reset(mb.IdleTimeout)
	}
}

// closeIdle closes the connection if last activity is passed behind IdleTimeout.
func (mb *serialPort) closeIdle() {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.IdleTimeout <= 0 {
		return
	}

	if idle := time.Since(mb.lastActivity); idle >= mb.IdleTimeout {
		mb.logf("rtu: closing connection due to idle timeout", "idle", idle)
		mb.close()
	}
}

// rxBuffer holds bytes read in bulk until the response reader takes them one at a time.
type rxBuffer struct {
	buf        [rtuMaxSize]byte
	head, tail int
}

func (q *rxBuffer) next() (byte, bool) {
	if q.head >= q.tail {
		return 0, false
	}
	b := q.buf[q.head]
	q.head++
	return b, true
}

// fill replaces the drained buffer with whatever r returns.
func (q *rxBuffer) fill(r io.Reader) (int, error) {
	n, err := r.Read(q.buf[:])
	if n < 0 {
		n = 0
	}
	q.head, q.tail = 0, n
	return n, err
}

func (q *rxBuffer) reset() {
	q.head, q.tail = 0, 0
}
