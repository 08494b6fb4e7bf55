// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package rtu

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

const (
	tcpDialTimeout = 10 * time.Second
	tcpIdleTimeout = 60 * time.Second
	// An expired deadline fails reads before the socket is looked at, so
	// flushing needs a deadline slightly in the future.
	tcpFlushTimeout = time.Millisecond
)

// RTUOverTCPClientHandler implements Packager and Transporter interface for
// RTU frames tunnelled unchanged through a TCP connection, as offered by
// serial device servers.
type RTUOverTCPClientHandler struct {
	rtuPackager
	rtuTCPTransporter
}

// NewRTUOverTCPClientHandler allocates and initializes a RTUOverTCPClientHandler.
func NewRTUOverTCPClientHandler(address string) *RTUOverTCPClientHandler {
	handler := &RTUOverTCPClientHandler{}
	handler.Address = address
	handler.DialTimeout = tcpDialTimeout
	handler.IdleTimeout = tcpIdleTimeout
	handler.Timeouts = DefaultTimeouts
	return handler
}

// RTUOverTCPClient creates RTU over TCP client with default handler and given connect string.
func RTUOverTCPClient(address string) Client {
	handler := NewRTUOverTCPClientHandler(address)
	return NewClient(handler)
}

// rtuTCPTransporter implements Transporter interface.
type rtuTCPTransporter struct {
	// Connect string
	Address string
	// Connect timeout
	DialTimeout time.Duration
	// Idle timeout to close the connection
	IdleTimeout time.Duration
	// Transmission logger
	Logger *slog.Logger

	exchangeSettings

	// TCP connection
	mu           sync.Mutex
	conn         net.Conn
	closeTimer   *time.Timer
	lastActivity time.Time
}

// Send sends the request and reads the response from the same connection.
func (mb *rtuTCPTransporter) Send(ctx context.Context, aduRequest []byte) (aduResponse []byte, err error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	// Establish a new connection if not connected
	if err = mb.connect(ctx); err != nil {
		return
	}
	// Answers to requests that already timed out would be taken for the
	// response to this one.
	if _, err = mb.flushAll(); err != nil && !isTimeout(err) {
		mb.logf("rtu: reconnect", "err", err)
		mb.close()
		if err = mb.connect(ctx); err != nil {
			return
		}
	}
	// Set timer to close when idle
	mb.lastActivity = time.Now()
	mb.startCloseTimer()

	port := &connPort{conn: mb.conn, writeDeadline: mb.writeDeadline(ctx, aduRequest)}
	aduResponse, err = mb.exchange(ctx, port, aduRequest, 0, mb.Logger)
	mb.dropBroken(err)
	return
}

// Broadcast writes the request without reading.
func (mb *rtuTCPTransporter) Broadcast(ctx context.Context, aduRequest []byte) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if err := mb.connect(ctx); err != nil {
		return err
	}
	mb.lastActivity = time.Now()
	mb.startCloseTimer()
	port := &connPort{conn: mb.conn, writeDeadline: mb.writeDeadline(ctx, aduRequest)}
	err := mb.broadcast(ctx, port, aduRequest, mb.Logger)
	mb.dropBroken(err)
	return err
}

// Connect establishes a new connection to the address in Address.
// Connect and Close are exported so that multiple requests can be done with one session
func (mb *rtuTCPTransporter) Connect() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	return mb.connect(context.Background())
}

func (mb *rtuTCPTransporter) connect(ctx context.Context) error {
	if mb.conn == nil {
		dialer := net.Dialer{Timeout: mb.DialTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", mb.Address)
		if err != nil {
			return err
		}
		mb.conn = conn
	}
	return nil
}

func (mb *rtuTCPTransporter) startCloseTimer() {
	if mb.IdleTimeout <= 0 {
		return
	}
	if mb.closeTimer == nil {
		mb.closeTimer = time.AfterFunc(mb.IdleTimeout, mb.closeIdle)
	} else {
		mb.closeTimer.Reset(mb.IdleTimeout)
	}
}

// Close closes current connection.
func (mb *rtuTCPTransporter) Close() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	return mb.close()
}

func (mb *rtuTCPTransporter) logf(msg string, args ...any) {
	if mb.Logger != nil {
		mb.Logger.Debug(msg, args...)
	}
}

// close closes current connection. Caller must hold the mutex before calling this method.
func (mb *rtuTCPTransporter) close() (err error) {
	if mb.conn != nil {
		err = mb.conn.Close()
		mb.conn = nil
	}
	return
}

// dropBroken closes a connection that was closed by the peer or may hold a
// partly written request. Caller must hold the mutex.
func (mb *rtuTCPTransporter) dropBroken(err error) {
	if err != nil && (isClosed(err) || isTimeout(err)) {
		mb.logf("rtu: close connection", "err", err)
		mb.close()
	}
}

// closeIdle closes the connection if last activity is passed behind IdleTimeout.
func (mb *rtuTCPTransporter) closeIdle() {
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

// flushAll implements a nearly non-blocking read flush. Be warned it resets
// the read deadline.
func (mb *rtuTCPTransporter) flushAll() (int, error) {
	if err := mb.conn.SetReadDeadline(time.Now().Add(tcpFlushTimeout)); err != nil {
		return 0, err
	}

	count := 0
	buffer := make([]byte, 1024)

	for {
		n, err := mb.conn.Read(buffer)

		if err != nil {
			return count + n, err
		} else if n > 0 {
			count = count + n
		} else {
			// didn't flush any new bytes, return
			return count, err
		}
	}
}

// connPort reads a net.Conn one byte at a time using read deadlines.
type connPort struct {
	conn net.Conn
	// writeDeadline keeps a stalled tunnel from blocking a request forever.
	writeDeadline time.Time
	rx            rxBuffer
}

func (p *connPort) Write(b []byte) (int, error) {
	if err := p.conn.SetWriteDeadline(p.writeDeadline); err != nil {
		return 0, err
	}
	return p.conn.Write(b)
}

func (p *connPort) Poll(timeout time.Duration) (byte, error) {
	if b, ok := p.rx.next(); ok {
		return b, nil
	}
	if err := p.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	for {
		n, err := p.rx.fill(p.conn)
		if n > 0 {
			b, _ := p.rx.next()
			return b, nil
		}
		if isTimeout(err) {
			return 0, ErrPollTimeout
		}
		if err != nil {
			return 0, err
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed)
}
