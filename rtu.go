// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

/*
Package rtu provides a master for MODBUS RTU over a serial line or a raw TCP tunnel.
*/
package rtu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// FunctionCode identifies the operation requested from a slave.
type FunctionCode byte

const (
	// FuncCodeReadCoils for bit wise access
	FuncCodeReadCoils FunctionCode = 0x01
	// FuncCodeReadDiscreteInputs for bit wise access
	FuncCodeReadDiscreteInputs FunctionCode = 0x02
	// FuncCodeReadHoldingRegisters 16-bit wise access
	FuncCodeReadHoldingRegisters FunctionCode = 0x03
	// FuncCodeWriteSingleCoil for bit wise access
	FuncCodeWriteSingleCoil FunctionCode = 0x05
	// FuncCodeWriteSingleRegister 16-bit wise access
	FuncCodeWriteSingleRegister FunctionCode = 0x06
	// FuncCodeWriteMultipleCoils for bit wise access
	FuncCodeWriteMultipleCoils FunctionCode = 0x0F
	// FuncCodeWriteMultipleRegisters 16-bit wise access
	FuncCodeWriteMultipleRegisters FunctionCode = 0x10
)

// exceptionFlag is set on the echoed function code of an exception response.
const exceptionFlag = 0x80

func (fc FunctionCode) String() string {
	switch fc {
	case FuncCodeReadCoils:
		return "read coils"
	case FuncCodeReadDiscreteInputs:
		return "read discrete inputs"
	case FuncCodeReadHoldingRegisters:
		return "read holding registers"
	case FuncCodeWriteSingleCoil:
		return "write single coil"
	case FuncCodeWriteSingleRegister:
		return "write single register"
	case FuncCodeWriteMultipleCoils:
		return "write multiple coils"
	case FuncCodeWriteMultipleRegisters:
		return "write multiple registers"
	}
	return fmt.Sprintf("function 0x%02x", byte(fc))
}

// isRead reports whether responses to fc carry a byte count instead of an echo.
func (fc FunctionCode) isRead() bool {
	return fc >= FuncCodeReadCoils && fc <= FuncCodeReadHoldingRegisters
}

// ExceptionCode is either returned by a slave or synthesized by the master
// when an exchange fails locally.
type ExceptionCode byte

const (
	// ExceptionCodeIllegalFunction error code
	ExceptionCodeIllegalFunction ExceptionCode = 1
	// ExceptionCodeIllegalDataAddress error code
	ExceptionCodeIllegalDataAddress ExceptionCode = 2
	// ExceptionCodeIllegalDataValue error code
	ExceptionCodeIllegalDataValue ExceptionCode = 3
	// ExceptionCodeSlaveDeviceFailure error code
	ExceptionCodeSlaveDeviceFailure ExceptionCode = 4

	// ExceptionCodeCRCError is reported when a complete response fails its checksum.
	ExceptionCodeCRCError ExceptionCode = 8
	// ExceptionCodeReceiveTimeout is reported when no valid response arrived in time.
	// Transport failures while receiving map to it as well.
	ExceptionCodeReceiveTimeout ExceptionCode = 9
	// ExceptionCodeMemoryError is reported when a request does not fit a frame.
	ExceptionCodeMemoryError ExceptionCode = 10
	// ExceptionCodeInvalidDeviceID is reported for addresses a request cannot be sent to.
	ExceptionCodeInvalidDeviceID ExceptionCode = 11
)

// Local reports whether the code was produced by the master rather than a slave.
func (code ExceptionCode) Local() bool {
	return code >= ExceptionCodeCRCError
}

func (code ExceptionCode) String() string {
	switch code {
	case ExceptionCodeIllegalFunction:
		return "illegal function"
	case ExceptionCodeIllegalDataAddress:
		return "illegal data address"
	case ExceptionCodeIllegalDataValue:
		return "illegal data value"
	case ExceptionCodeSlaveDeviceFailure:
		return "slave device failure"
	case ExceptionCodeCRCError:
		return "crc error"
	case ExceptionCodeReceiveTimeout:
		return "receive timeout"
	case ExceptionCodeMemoryError:
		return "memory error"
	case ExceptionCodeInvalidDeviceID:
		return "invalid device id"
	}
	return "unknown"
}

const (
	// BroadcastAddress is accepted by every slave and never answered.
	BroadcastAddress byte = 0
	// MaxAddress is the highest individual slave address.
	MaxAddress byte = 0xF7
)

// Error implements error interface.
type Error struct {
	FunctionCode  FunctionCode
	ExceptionCode ExceptionCode
}

// Error converts known exception code to error message.
func (e *Error) Error() string {
	if e.FunctionCode == 0 {
		return fmt.Sprintf("rtu: exception '%v' (%s)", byte(e.ExceptionCode), e.ExceptionCode)
	}
	return fmt.Sprintf("rtu: exception '%v' (%s), function '%v'", byte(e.ExceptionCode), e.ExceptionCode, byte(e.FunctionCode&^exceptionFlag))
}

// Is matches another *Error by exception code. A target without a function
// code matches any function.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.FunctionCode != 0 && t.FunctionCode != e.FunctionCode {
		return false
	}
	return t.ExceptionCode == e.ExceptionCode
}

var (
	// ErrCRC is returned when a response frame fails its checksum.
	ErrCRC = &Error{ExceptionCode: ExceptionCodeCRCError}
	// ErrReceiveTimeout is returned when no matching response completed in time.
	ErrReceiveTimeout = &Error{ExceptionCode: ExceptionCodeReceiveTimeout}
	// ErrMemory is returned when a request exceeds the frame or quantity limits.
	ErrMemory = &Error{ExceptionCode: ExceptionCodeMemoryError}
	// ErrInvalidAddress is returned for device addresses above MaxAddress and
	// for reads addressed to BroadcastAddress.
	ErrInvalidAddress = &Error{ExceptionCode: ExceptionCodeInvalidDeviceID}

	// ErrIllegalFunction matches slave exception 1.
	ErrIllegalFunction = &Error{ExceptionCode: ExceptionCodeIllegalFunction}
	// ErrIllegalDataAddress matches slave exception 2.
	ErrIllegalDataAddress = &Error{ExceptionCode: ExceptionCodeIllegalDataAddress}
	// ErrIllegalDataValue matches slave exception 3.
	ErrIllegalDataValue = &Error{ExceptionCode: ExceptionCodeIllegalDataValue}
	// ErrSlaveDeviceFailure matches slave exception 4.
	ErrSlaveDeviceFailure = &Error{ExceptionCode: ExceptionCodeSlaveDeviceFailure}

	// ErrUnsupportedFunction is returned when an operation is asked to use a
	// function code it cannot carry.
	ErrUnsupportedFunction = errors.New("rtu: unsupported function code")
)

// ExceptionCodeOf maps an error returned by a Client to its numeric code.
// It returns 0 for nil. Errors that carry no code are reported as
// ExceptionCodeReceiveTimeout, since they come from the transport.
func ExceptionCodeOf(err error) ExceptionCode {
	if err == nil {
		return 0
	}
	var rtuErr *Error
	if errors.As(err, &rtuErr) {
		return rtuErr.ExceptionCode
	}
	if errors.Is(err, ErrUnsupportedFunction) {
		return ExceptionCodeIllegalFunction
	}
	return ExceptionCodeReceiveTimeout
}

// ProtocolDataUnit (PDU) is independent of underlying communication layers.
type ProtocolDataUnit struct {
	FunctionCode FunctionCode
	Data         []byte
}

// Packager specifies the communication layer.
type Packager interface {
	Encode(slaveID byte, pdu *ProtocolDataUnit) (adu []byte, err error)
	Decode(adu []byte) (pdu *ProtocolDataUnit, err error)
	Verify(aduRequest []byte, aduResponse []byte) (err error)
}

// Transporter specifies the transport layer.
type Transporter interface {
	// Send writes the request and waits for the matching response.
	Send(ctx context.Context, aduRequest []byte) (aduResponse []byte, err error)
	// Broadcast writes the request without waiting for any answer.
	Broadcast(ctx context.Context, aduRequest []byte) error
}

// Connector exposes the underlying handler capability for open/connect and close the transport channel.
type Connector interface {
	Connect() error
	Close() error
}

// ErrPollTimeout is returned by Port.Poll when the line stayed silent.
var ErrPollTimeout = errors.New("rtu: no byte within poll timeout")

// Port is the byte channel an exchange runs on.
type Port interface {
	io.Writer
	// Poll returns the next received byte, waiting at most timeout for it.
	// It returns ErrPollTimeout if nothing arrived.
	Poll(timeout time.Duration) (byte, error)
}

// Timeouts bound how long a response may take.
type Timeouts struct {
	// Byte is the longest silence allowed before the next byte of a response.
	Byte time.Duration
	// Exchange caps the whole response, however busy the line is.
	Exchange time.Duration
}

// DefaultTimeouts are used by new handlers.
var DefaultTimeouts = Timeouts{
	Byte:     100 * time.Millisecond,
	Exchange: time.Second,
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Byte <= 0 {
		t.Byte = DefaultTimeouts.Byte
	}
	if t.Exchange <= 0 {
		t.Exchange = DefaultTimeouts.Exchange
	}
	return t
}
