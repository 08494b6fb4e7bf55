// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package rtu

import "context"

// Client declares the operations a master runs against slaves on one line.
// Every operation addresses a single slave, or all of them for writes to
// BroadcastAddress.
type Client interface {
	// ReadSingle reads one coil, discrete input or holding register word
	// and returns its value.
	ReadSingle(ctx context.Context, address byte, fc FunctionCode, register uint16) (value uint16, err error)
	// ReadMultiple reads from 1 to 125 contiguous words starting at register.
	ReadMultiple(ctx context.Context, address byte, fc FunctionCode, register, count uint16) (values []uint16, err error)
	// WriteSingle writes one coil or holding register and returns the value
	// echoed by the slave.
	WriteSingle(ctx context.Context, address byte, fc FunctionCode, register, value uint16) (echoed uint16, err error)
	// WriteMultiple writes from 1 to 123 contiguous words starting at register.
	WriteMultiple(ctx context.Context, address byte, fc FunctionCode, register uint16, values []uint16) (err error)

	// ReadCoilBit reads the coil word at register and reports bit position.
	ReadCoilBit(ctx context.Context, address byte, register uint16, position uint8) (bool, error)
	// ReadDiscreteInputBit reads the discrete input word at register and
	// reports bit position.
	ReadDiscreteInputBit(ctx context.Context, address byte, register uint16, position uint8) (bool, error)
}
