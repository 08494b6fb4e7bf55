package rtu

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serveSlave accepts one connection and answers every 8 byte request with
// the next entry of responses after its delay.
func serveSlave(t *testing.T, ln net.Listener, responses []delayedFrame) {
	t.Helper()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		request := make([]byte, rtuRequestMinSize)
		for _, response := range responses {
			if _, err := io.ReadFull(conn, request); err != nil {
				return
			}
			time.Sleep(response.delay)
			if _, err := conn.Write(response.frame); err != nil {
				return
			}
		}
		// hold the connection until the client goes away
		_, _ = io.Copy(io.Discard, conn)
	}()
}

type delayedFrame struct {
	delay time.Duration
	frame []byte
}

func newTCPTestHandler(t *testing.T, responses ...delayedFrame) *RTUOverTCPClientHandler {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	serveSlave(t, ln, responses)

	handler := NewRTUOverTCPClientHandler(ln.Addr().String())
	handler.IdleTimeout = 0
	handler.Timeouts = Timeouts{Byte: 50 * time.Millisecond, Exchange: 500 * time.Millisecond}
	t.Cleanup(func() { handler.Close() })
	return handler
}

func TestRTUOverTCPClient(t *testing.T) {
	noise := append([]byte{0xFF, 0x00}, withCRC(0x21, 0x03, 0x02, 0x00, 0x09)...)
	handler := newTCPTestHandler(t, delayedFrame{
		frame: append(noise, withCRC(0x20, 0x03, 0x04, 0x00, 0x07, 0x00, 0x08)...),
	})
	client := NewClient(handler)

	values, err := client.ReadMultiple(context.Background(), 0x20, FuncCodeReadHoldingRegisters, 0x000A, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint16{7, 8}, values)
}

func TestRTUOverTCPFlushesLateResponse(t *testing.T) {
	handler := newTCPTestHandler(t,
		delayedFrame{delay: 150 * time.Millisecond, frame: withCRC(0x20, 0x03, 0x02, 0x00, 0x01)},
		delayedFrame{frame: withCRC(0x20, 0x03, 0x02, 0x00, 0x02)},
	)
	client := NewClient(handler)
	ctx := context.Background()

	_, err := client.ReadSingle(ctx, 0x20, FuncCodeReadHoldingRegisters, 0x000A)
	require.ErrorIs(t, err, ErrReceiveTimeout)

	// let the late answer arrive before the next request
	time.Sleep(200 * time.Millisecond)
	value, err := client.ReadSingle(ctx, 0x20, FuncCodeReadHoldingRegisters, 0x000A)
	require.NoError(t, err)
	assert.Equal(t, uint16(2), value)
}

func TestRTUOverTCPBroadcast(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		request := make([]byte, rtuRequestMinSize)
		if _, err := io.ReadFull(conn, request); err == nil {
			received <- request
		}
	}()

	handler := NewRTUOverTCPClientHandler(ln.Addr().String())
	defer handler.Close()
	client := NewClient(handler)

	value, err := client.WriteSingle(context.Background(), BroadcastAddress, FuncCodeWriteSingleCoil, 0x0001, 0xFF00)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xFF00), value)

	select {
	case request := <-received:
		assert.Equal(t, withCRC(0x00, 0x05, 0x00, 0x01, 0xFF, 0x00), request)
	case <-time.After(time.Second):
		t.Fatal("broadcast not received")
	}
}

func TestRTUOverTCPCloseIdle(t *testing.T) {
	handler := newTCPTestHandler(t, delayedFrame{frame: withCRC(0x20, 0x06, 0x00, 0x01, 0x00, 0x02)})
	handler.IdleTimeout = 100 * time.Millisecond
	client := NewClient(handler)

	_, err := client.WriteSingle(context.Background(), 0x20, FuncCodeWriteSingleRegister, 0x0001, 0x0002)
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	handler.mu.Lock()
	defer handler.mu.Unlock()
	if handler.conn != nil {
		t.Fatalf("connection is not closed: %+v", handler.conn)
	}
}

func TestConnPortPoll(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_, _ = server.Write([]byte{0x01, 0x02})
	}()

	port := &connPort{conn: client}
	for _, want := range []byte{0x01, 0x02} {
		b, err := port.Poll(100 * time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, want, b)
	}

	start := time.Now()
	_, err := port.Poll(20 * time.Millisecond)
	assert.ErrorIs(t, err, ErrPollTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	server.Close()
	_, err = port.Poll(20 * time.Millisecond)
	assert.ErrorIs(t, err, io.ErrClosedPipe)
	assert.True(t, isClosed(err))
}

func TestConnPortWriteDeadline(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	// nobody reads from server, so the write stalls
	port := &connPort{conn: client, writeDeadline: time.Now().Add(20 * time.Millisecond)}
	start := time.Now()
	_, err := port.Write(withCRC(0x20, 0x03, 0x00, 0x0A, 0x00, 0x01))
	assert.True(t, isTimeout(err), "%v", err)
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestWriteDeadline(t *testing.T) {
	s := exchangeSettings{
		Timeouts: Timeouts{Byte: 10 * time.Millisecond, Exchange: time.Second},
		FunctionTimeouts: map[FunctionCode]Timeouts{
			FuncCodeWriteMultipleRegisters: {Byte: 10 * time.Millisecond, Exchange: 5 * time.Second},
		},
	}
	request := withCRC(0x20, 0x03, 0x00, 0x0A, 0x00, 0x01)

	d := time.Until(s.writeDeadline(context.Background(), request))
	assert.InDelta(t, float64(time.Second), float64(d), float64(50*time.Millisecond))

	d = time.Until(s.writeDeadline(context.Background(), withCRC(0x20, 0x10, 0x00, 0x0A, 0x00, 0x01, 0x02, 0x00, 0x07)))
	assert.InDelta(t, float64(5*time.Second), float64(d), float64(50*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	d = time.Until(s.writeDeadline(ctx, request))
	assert.LessOrEqual(t, d, 100*time.Millisecond)
}

func TestRTUOverTCPReconnectsAfterClose(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		request := make([]byte, rtuRequestMinSize)
		// the first connection is dropped without an answer
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		_, _ = io.ReadFull(conn, request)
		conn.Close()

		conn, err = ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if _, err := io.ReadFull(conn, request); err != nil {
			return
		}
		_, _ = conn.Write(withCRC(0x20, 0x03, 0x02, 0x00, 0x07))
		_, _ = io.Copy(io.Discard, conn)
	}()

	handler := NewRTUOverTCPClientHandler(ln.Addr().String())
	handler.IdleTimeout = 0
	handler.Timeouts = Timeouts{Byte: 200 * time.Millisecond, Exchange: time.Second}
	defer handler.Close()
	client := NewClient(handler)
	ctx := context.Background()

	_, err = client.ReadSingle(ctx, 0x20, FuncCodeReadHoldingRegisters, 0x000A)
	require.ErrorIs(t, err, io.EOF)
	handler.mu.Lock()
	assert.Nil(t, handler.conn)
	handler.mu.Unlock()

	value, err := client.ReadSingle(ctx, 0x20, FuncCodeReadHoldingRegisters, 0x000A)
	require.NoError(t, err)
	assert.Equal(t, uint16(7), value)
}
