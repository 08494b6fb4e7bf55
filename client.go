// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package rtu

import (
	"context"
	"encoding/binary"
	"fmt"
)

const (
	maxReadQuantity  = 125
	maxWriteQuantity = 123
)

// ClientHandler is the interface that groups the Packager and Transporter methods.
type ClientHandler interface {
	Packager
	Transporter
	Connector
}

type client struct {
	packager    Packager
	transporter Transporter
}

// NewClient creates a new client with given backend handler.
func NewClient(handler ClientHandler) Client {
	return &client{packager: handler, transporter: handler}
}

// NewClient2 creates a new client with given backend packager and transporter.
func NewClient2(packager Packager, transporter Transporter) Client {
	return &client{packager: packager, transporter: transporter}
}

// ReadSingle reads one word, see ReadMultiple.
func (mb *client) ReadSingle(ctx context.Context, address byte, fc FunctionCode, register uint16) (uint16, error) {
	values, err := mb.ReadMultiple(ctx, address, fc, register, 1)
	if err != nil {
		return 0, err
	}
	return values[0], nil
}

// Request:
//
//	Function code         : 1 byte (0x01, 0x02 or 0x03)
//	Starting address      : 2 bytes
//	Quantity              : 2 bytes
//
// Response:
//
//	Function code         : 1 byte
//	Byte count            : 1 byte (2 x quantity)
//	Values                : 2 x quantity bytes
func (mb *client) ReadMultiple(ctx context.Context, address byte, fc FunctionCode, register, count uint16) ([]uint16, error) {
	if err := checkAddress(address, false); err != nil {
		return nil, err
	}
	if !fc.isRead() {
		return nil, fmt.Errorf("%w: %v does not read", ErrUnsupportedFunction, fc)
	}
	if count < 1 || count > maxReadQuantity {
		return nil, fmt.Errorf("rtu: quantity '%v' must be between '%v' and '%v': %w", count, 1, maxReadQuantity, ErrMemory)
	}
	request := ProtocolDataUnit{
		FunctionCode: fc,
		Data:         dataBlock(register, count),
	}
	response, err := mb.send(ctx, address, &request)
	if err != nil {
		return nil, err
	}
	byteCount := int(response.Data[0])
	length := len(response.Data) - 1
	if byteCount != length {
		return nil, fmt.Errorf("rtu: response data size '%v' does not match count '%v'", length, byteCount)
	}
	if length != 2*int(count) {
		return nil, fmt.Errorf("rtu: response data size '%v' does not match quantity '%v'", length, count)
	}
	return words(response.Data[1:]), nil
}

// Request:
//
//	Function code         : 1 byte (0x05 or 0x06)
//	Register address      : 2 bytes
//	Value                 : 2 bytes
//
// Response:
//
//	Function code         : 1 byte
//	Register address      : 2 bytes
//	Value                 : 2 bytes
func (mb *client) WriteSingle(ctx context.Context, address byte, fc FunctionCode, register, value uint16) (uint16, error) {
	if err := checkAddress(address, true); err != nil {
		return 0, err
	}
	if fc != FuncCodeWriteSingleCoil && fc != FuncCodeWriteSingleRegister {
		return 0, fmt.Errorf("%w: %v does not write a single value", ErrUnsupportedFunction, fc)
	}
	request := ProtocolDataUnit{
		FunctionCode: fc,
		Data:         dataBlock(register, value),
	}
	if address == BroadcastAddress {
		if err := mb.broadcast(ctx, &request); err != nil {
			return 0, err
		}
		return value, nil
	}
	response, err := mb.send(ctx, address, &request)
	if err != nil {
		return 0, err
	}
	// Fixed response length
	if len(response.Data) != 4 {
		return 0, fmt.Errorf("rtu: response data size '%v' does not match expected '%v'", len(response.Data), 4)
	}
	respValue := binary.BigEndian.Uint16(response.Data)
	if register != respValue {
		return 0, fmt.Errorf("rtu: response address '%v' does not match request '%v'", respValue, register)
	}
	return binary.BigEndian.Uint16(response.Data[2:]), nil
}

// Request:
//
//	Function code         : 1 byte (0x0F or 0x10)
//	Starting address      : 2 bytes
//	Quantity              : 2 bytes
//	Byte count            : 1 byte (2 x quantity)
//	Values                : 2 x quantity bytes
//
// Response:
//
//	Function code         : 1 byte
//	Starting address      : 2 bytes
//	Quantity              : 2 bytes
func (mb *client) WriteMultiple(ctx context.Context, address byte, fc FunctionCode, register uint16, values []uint16) error {
	if err := checkAddress(address, true); err != nil {
		return err
	}
	if fc != FuncCodeWriteMultipleCoils && fc != FuncCodeWriteMultipleRegisters {
		return fmt.Errorf("%w: %v does not write multiple values", ErrUnsupportedFunction, fc)
	}
	quantity := len(values)
	if quantity < 1 || quantity > maxWriteQuantity {
		return fmt.Errorf("rtu: quantity '%v' must be between '%v' and '%v': %w", quantity, 1, maxWriteQuantity, ErrMemory)
	}
	request := ProtocolDataUnit{
		FunctionCode: fc,
		Data:         dataBlockSuffix(dataBlock(values...), register, uint16(quantity)),
	}
	if address == BroadcastAddress {
		return mb.broadcast(ctx, &request)
	}
	response, err := mb.send(ctx, address, &request)
	if err != nil {
		return err
	}
	// Fixed response length
	if len(response.Data) != 4 {
		return fmt.Errorf("rtu: response data size '%v' does not match expected '%v'", len(response.Data), 4)
	}
	respValue := binary.BigEndian.Uint16(response.Data)
	if register != respValue {
		return fmt.Errorf("rtu: response address '%v' does not match request '%v'", respValue, register)
	}
	respValue = binary.BigEndian.Uint16(response.Data[2:])
	if uint16(quantity) != respValue {
		return fmt.Errorf("rtu: response quantity '%v' does not match request '%v'", respValue, quantity)
	}
	return nil
}

// ReadCoilBit reads the coil word at register and reports bit position.
func (mb *client) ReadCoilBit(ctx context.Context, address byte, register uint16, position uint8) (bool, error) {
	return mb.readBit(ctx, address, FuncCodeReadCoils, register, position)
}

// ReadDiscreteInputBit reads the discrete input word at register and reports bit position.
func (mb *client) ReadDiscreteInputBit(ctx context.Context, address byte, register uint16, position uint8) (bool, error) {
	return mb.readBit(ctx, address, FuncCodeReadDiscreteInputs, register, position)
}

func (mb *client) readBit(ctx context.Context, address byte, fc FunctionCode, register uint16, position uint8) (bool, error) {
	if position > 15 {
		return false, fmt.Errorf("rtu: bit position '%v' must not be bigger than '%v'", position, 15)
	}
	value, err := mb.ReadSingle(ctx, address, fc, register)
	if err != nil {
		return false, err
	}
	return value&(1<<position) != 0, nil
}

// Helpers

// send sends request and checks possible exception in the response.
func (mb *client) send(ctx context.Context, address byte, request *ProtocolDataUnit) (*ProtocolDataUnit, error) {
	aduRequest, err := mb.packager.Encode(address, request)
	if err != nil {
		return nil, err
	}
	aduResponse, err := mb.transporter.Send(ctx, aduRequest)
	if err != nil {
		return nil, err
	}
	if err := mb.packager.Verify(aduRequest, aduResponse); err != nil {
		return nil, err
	}
	response, err := mb.packager.Decode(aduResponse)
	if err != nil {
		return nil, err
	}
	// Check correct function code returned (exception)
	if response.FunctionCode != request.FunctionCode {
		return nil, responseError(response)
	}
	if len(response.Data) == 0 {
		// Empty response
		return nil, fmt.Errorf("rtu: response data is empty")
	}
	return response, nil
}

// broadcast sends request to every slave without waiting for an answer.
func (mb *client) broadcast(ctx context.Context, request *ProtocolDataUnit) error {
	aduRequest, err := mb.packager.Encode(BroadcastAddress, request)
	if err != nil {
		return err
	}
	return mb.transporter.Broadcast(ctx, aduRequest)
}

// checkAddress rejects addresses no request can be sent to. Broadcast is
// only allowed where no response is expected.
func checkAddress(address byte, broadcast bool) error {
	if address > MaxAddress {
		return fmt.Errorf("rtu: slave id '%v' must not be bigger than '%v': %w", address, MaxAddress, ErrInvalidAddress)
	}
	if address == BroadcastAddress && !broadcast {
		return fmt.Errorf("rtu: broadcast requests are never answered: %w", ErrInvalidAddress)
	}
	return nil
}

// dataBlock creates a sequence of uint16 data.
func dataBlock(value ...uint16) []byte {
	data := make([]byte, 2*len(value))
	for i, v := range value {
		binary.BigEndian.PutUint16(data[i*2:], v)
	}
	return data
}

// dataBlockSuffix creates a sequence of uint16 data and append the suffix plus its length.
func dataBlockSuffix(suffix []byte, value ...uint16) []byte {
	length := 2 * len(value)
	data := make([]byte, length+1+len(suffix))
	for i, v := range value {
		binary.BigEndian.PutUint16(data[i*2:], v)
	}
	data[length] = uint8(len(suffix))
	copy(data[length+1:], suffix)
	return data
}

// words splits big endian data into uint16 values.
func words(data []byte) []uint16 {
	values := make([]uint16, len(data)/2)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return values
}

func responseError(response *ProtocolDataUnit) error {
	mbError := &Error{FunctionCode: response.FunctionCode &^ exceptionFlag}
	if len(response.Data) > 0 {
		mbError.ExceptionCode = ExceptionCode(response.Data[0])
	}
	return mbError
}
