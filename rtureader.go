// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package rtu

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

const (
	stateSlaveID = 1 << iota
	stateFunctionCode
	stateByteCount
	stateEcho
	stateRemainder
)

// frameReader picks the response to one request out of the received byte
// stream. Bytes that cannot start or continue that response are skipped.
type frameReader struct {
	slaveID  byte
	function FunctionCode
	// expect is the byte count of a read response or the register echoed
	// by a write response.
	expect uint16

	state int
	buf   [rtuMaxSize]byte
	n     int
	size  int
}

// newFrameReader prepares a reader for the response to aduRequest, which
// must hold at least rtuRequestMinSize bytes.
func newFrameReader(aduRequest []byte) *frameReader {
	r := &frameReader{
		slaveID:  aduRequest[0],
		function: FunctionCode(aduRequest[1]),
		state:    stateSlaveID,
	}
	if r.function.isRead() {
		r.expect = 2 * binary.BigEndian.Uint16(aduRequest[4:])
	} else {
		r.expect = binary.BigEndian.Uint16(aduRequest[2:])
	}
	return r
}

// push feeds one received byte and reports whether a whole frame is collected.
func (r *frameReader) push(b byte) bool {
	switch r.state {
	case stateSlaveID:
		if b == r.slaveID {
			r.buf[0] = b
			r.n = 1
			r.state = stateFunctionCode
		}
	case stateFunctionCode:
		if FunctionCode(b&^exceptionFlag) != r.function {
			r.resync(b)
			return false
		}
		r.append(b)
		switch {
		case b&exceptionFlag != 0:
			r.size = rtuExceptionSize
			r.state = stateRemainder
		case r.function.isRead():
			r.state = stateByteCount
		default:
			r.state = stateEcho
		}
	case stateByteCount:
		if uint16(b) != r.expect {
			r.resync(b)
			return false
		}
		r.append(b)
		r.size = rtuReadOverhead + int(b)
		r.state = stateRemainder
	case stateEcho:
		r.append(b)
		if r.n == 4 {
			if binary.BigEndian.Uint16(r.buf[2:]) != r.expect {
				r.resync()
				return false
			}
			r.size = rtuWriteResponseSize
			r.state = stateRemainder
		}
	case stateRemainder:
		r.append(b)
		return r.n == r.size
	}
	return false
}

func (r *frameReader) append(b byte) {
	r.buf[r.n] = b
	r.n++
}

// resync drops the first collected byte and replays the others followed by
// pending, so a frame starting inside a rejected header is still found.
func (r *frameReader) resync(pending ...byte) {
	var replay [8]byte
	n := copy(replay[:], r.buf[1:r.n])
	n += copy(replay[n:], pending)

	r.state = stateSlaveID
	r.n = 0
	r.size = 0
	for _, b := range replay[:n] {
		r.push(b)
	}
}

// frame returns the bytes collected so far.
func (r *frameReader) frame() []byte {
	return r.buf[:r.n]
}

func (r *frameReader) timeout() error {
	return &Error{FunctionCode: r.function, ExceptionCode: ExceptionCodeReceiveTimeout}
}

// validate checks a complete frame and turns exception responses into errors.
func (r *frameReader) validate() ([]byte, error) {
	frame := r.frame()
	length := len(frame)

	var crc crc
	crc.reset().pushBytes(frame[:length-2])
	checksum := uint16(frame[length-1])<<8 | uint16(frame[length-2])
	if checksum != crc.value() {
		return nil, fmt.Errorf("rtu: response crc '%#04x' does not match expected '%#04x': %w",
			checksum, crc.value(), &Error{FunctionCode: r.function, ExceptionCode: ExceptionCodeCRCError})
	}
	if frame[1]&exceptionFlag != 0 {
		return nil, &Error{FunctionCode: r.function, ExceptionCode: ExceptionCode(frame[2])}
	}
	aduResponse := make([]byte, length)
	copy(aduResponse, frame)
	return aduResponse, nil
}

// readResponse polls port until r holds a complete frame. The first byte may
// take t.Byte plus transmit, every later one t.Byte. The whole read never
// outlasts t.Exchange plus transmit, nor the deadline of ctx.
func readResponse(ctx context.Context, port Port, r *frameReader, t Timeouts, transmit time.Duration) ([]byte, error) {
	deadline := time.Now().Add(t.Exchange + transmit)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	wait := t.Byte + transmit
	for {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, r.timeout()
		}
		b, err := port.Poll(min(wait, remaining))
		if errors.Is(err, ErrPollTimeout) {
			return nil, r.timeout()
		}
		if err != nil {
			return nil, fmt.Errorf("rtu: read response: %w", err)
		}
		wait = t.Byte
		if r.push(b) {
			return r.validate()
		}
	}
}
