// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package rtu

import (
	"github.com/sigurn/crc16"
)

var crcTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// Checksum returns the CRC-16/MODBUS of b. The low byte is transmitted first.
func Checksum(b []byte) uint16 {
	return crc16.Checksum(b, crcTable)
}

// ComputeCRC returns the checksum of b with its bytes swapped, so that
// writing the high byte then the low byte of the result yields wire order.
func ComputeCRC(b []byte) uint16 {
	sum := Checksum(b)
	return sum<<8 | sum>>8
}

// crc accumulates a checksum over several slices.
type crc struct {
	sum uint16
}

func (crc *crc) reset() *crc {
	crc.sum = crc16.Init(crcTable)
	return crc
}

func (crc *crc) pushBytes(bs []byte) *crc {
	crc.sum = crc16.Update(crc.sum, bs, crcTable)
	return crc
}

func (crc *crc) value() uint16 {
	return crc16.Complete(crc.sum, crcTable)
}
