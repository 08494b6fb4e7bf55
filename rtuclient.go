// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package rtu

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"
)

const (
	rtuMinSize = 4
	rtuMaxSize = 256

	rtuExceptionSize     = 5
	rtuWriteResponseSize = 8
	// address, function, byte count and crc around the values of a read response
	rtuReadOverhead = 5
	// every request this package builds carries at least a register and a value
	rtuRequestMinSize = 8
)

// RTUClientHandler implements Packager and Transporter interface.
type RTUClientHandler struct {
	rtuPackager
	rtuSerialTransporter
}

// NewRTUClientHandler allocates and initializes a RTUClientHandler.
func NewRTUClientHandler(device string) *RTUClientHandler {
	handler := &RTUClientHandler{}
	handler.Address = device
	handler.BaudRate = 9600
	handler.DataBits = 8
	handler.Parity = "N"
	handler.StopBits = 1
	handler.Timeout = serialPollInterval
	handler.IdleTimeout = serialIdleTimeout
	handler.Timeouts = DefaultTimeouts
	return handler
}

// RTUClient creates RTU client with default handler and given device path.
func RTUClient(device string) Client {
	handler := NewRTUClientHandler(device)
	return NewClient(handler)
}

// BuildFrame assembles a request frame:
//
//	Slave Address   : 1 byte
//	Function        : 1 byte
//	Data            : 0 up to 252 bytes
//	CRC             : 2 byte, low byte first
func BuildFrame(address byte, fc FunctionCode, payload []byte) ([]byte, error) {
	if address > MaxAddress {
		return nil, fmt.Errorf("rtu: slave id '%v' must not be bigger than '%v': %w", address, MaxAddress, ErrInvalidAddress)
	}
	length := len(payload) + 4
	if length > rtuMaxSize {
		return nil, fmt.Errorf("rtu: length of data '%v' must not be bigger than '%v': %w", length, rtuMaxSize, ErrMemory)
	}
	adu := make([]byte, length)

	adu[0] = address
	adu[1] = byte(fc)
	copy(adu[2:], payload)

	// Append crc
	var crc crc
	crc.reset().pushBytes(adu[0 : length-2])
	checksum := crc.value()

	adu[length-1] = byte(checksum >> 8)
	adu[length-2] = byte(checksum)
	return adu, nil
}

// rtuPackager implements Packager interface.
type rtuPackager struct{}

// Encode encodes PDU in an RTU frame addressed to slaveID.
func (mb *rtuPackager) Encode(slaveID byte, pdu *ProtocolDataUnit) (adu []byte, err error) {
	return BuildFrame(slaveID, pdu.FunctionCode, pdu.Data)
}

// Verify verifies response length, slave id and function code.
func (mb *rtuPackager) Verify(aduRequest []byte, aduResponse []byte) (err error) {
	length := len(aduResponse)
	// Minimum size (including address, function and CRC)
	if length < rtuMinSize {
		err = fmt.Errorf("rtu: response length '%v' does not meet minimum '%v'", length, rtuMinSize)
		return
	}
	// Slave address must match
	if aduResponse[0] != aduRequest[0] {
		err = fmt.Errorf("rtu: response slave id '%v' does not match request '%v'", aduResponse[0], aduRequest[0])
		return
	}
	if aduResponse[1]&^exceptionFlag != aduRequest[1] {
		err = fmt.Errorf("rtu: response function '%v' does not match request '%v'", aduResponse[1], aduRequest[1])
		return
	}
	return
}

// Decode extracts PDU from RTU frame and verify CRC.
func (mb *rtuPackager) Decode(adu []byte) (pdu *ProtocolDataUnit, err error) {
	length := len(adu)
	if length < rtuMinSize {
		err = fmt.Errorf("rtu: response length '%v' does not meet minimum '%v'", length, rtuMinSize)
		return
	}
	// Calculate checksum
	var crc crc
	crc.reset().pushBytes(adu[0 : length-2])
	checksum := uint16(adu[length-1])<<8 | uint16(adu[length-2])
	if checksum != crc.value() {
		err = fmt.Errorf("rtu: response crc '%#04x' does not match expected '%#04x': %w",
			checksum, crc.value(), &Error{FunctionCode: FunctionCode(adu[1] &^ exceptionFlag), ExceptionCode: ExceptionCodeCRCError})
		return
	}
	// Function code & data
	pdu = &ProtocolDataUnit{}
	pdu.FunctionCode = FunctionCode(adu[1])
	pdu.Data = adu[2 : length-2]
	return
}

// exchangeSettings holds what the serial and TCP transporters share.
type exchangeSettings struct {
	// Timeouts applies to every function without an entry in FunctionTimeouts.
	Timeouts         Timeouts
	FunctionTimeouts map[FunctionCode]Timeouts
	// Metrics is optional.
	Metrics *Metrics
}

func (s *exchangeSettings) timeoutsFor(fc FunctionCode) Timeouts {
	if t, ok := s.FunctionTimeouts[fc]; ok {
		return t.withDefaults()
	}
	return s.Timeouts.withDefaults()
}

// writeDeadline is when writing aduRequest has to be done: the exchange
// budget of its function, or the deadline of ctx if that comes first.
func (s *exchangeSettings) writeDeadline(ctx context.Context, aduRequest []byte) time.Time {
	t := s.Timeouts.withDefaults()
	if len(aduRequest) > 1 {
		t = s.timeoutsFor(FunctionCode(aduRequest[1]))
	}
	deadline := time.Now().Add(t.Exchange)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return deadline
}

// exchange writes the request to port and waits for its response. transmit
// is added to the wait for the first byte to cover the time both frames
// spend on the line.
func (s *exchangeSettings) exchange(ctx context.Context, port Port, aduRequest []byte, transmit time.Duration, logger *slog.Logger) (aduResponse []byte, err error) {
	if len(aduRequest) < rtuRequestMinSize {
		return nil, fmt.Errorf("rtu: request length '%v' does not meet minimum '%v'", len(aduRequest), rtuRequestMinSize)
	}
	if err = ctx.Err(); err != nil {
		return nil, err
	}
	fc := FunctionCode(aduRequest[1])
	start := time.Now()
	defer func() {
		s.Metrics.observe(fc, err, time.Since(start))
	}()

	logFrame(logger, "rtu: send", aduRequest)
	if _, err = port.Write(aduRequest); err != nil {
		return nil, fmt.Errorf("rtu: write request: %w", err)
	}
	aduResponse, err = readResponse(ctx, port, newFrameReader(aduRequest), s.timeoutsFor(fc), transmit)
	if err != nil {
		if logger != nil {
			logger.Debug("rtu: no response", "slave", aduRequest[0], "function", fc, "err", err)
		}
		return nil, err
	}
	logFrame(logger, "rtu: recv", aduResponse)
	return aduResponse, nil
}

// broadcast writes the request and returns without reading.
func (s *exchangeSettings) broadcast(ctx context.Context, port Port, aduRequest []byte, logger *slog.Logger) (err error) {
	if len(aduRequest) < rtuMinSize {
		return fmt.Errorf("rtu: request length '%v' does not meet minimum '%v'", len(aduRequest), rtuMinSize)
	}
	if err = ctx.Err(); err != nil {
		return err
	}
	fc := FunctionCode(aduRequest[1])
	start := time.Now()
	defer func() {
		s.Metrics.observeBroadcast(fc, err, time.Since(start))
	}()

	logFrame(logger, "rtu: broadcast", aduRequest)
	if _, err = port.Write(aduRequest); err != nil {
		return fmt.Errorf("rtu: write broadcast: %w", err)
	}
	return nil
}

func logFrame(logger *slog.Logger, msg string, frame []byte) {
	if logger != nil {
		logger.Debug(msg, "frame", hex.EncodeToString(frame))
	}
}

// rtuSerialTransporter implements Transporter interface.
type rtuSerialTransporter struct {
	serialPort
	exchangeSettings
}

// Send writes the request and reads the response under the port lock.
func (mb *rtuSerialTransporter) Send(ctx context.Context, aduRequest []byte) (aduResponse []byte, err error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	// Make sure port is connected
	if err = mb.connect(); err != nil {
		return
	}
	// Start the timer to close when idle
	mb.lastActivity = time.Now()
	mb.startCloseTimer()

	// Leftovers belong to an exchange that already gave up.
	mb.flush()
	transmit := mb.calculateDelay(len(aduRequest) + calculateResponseLength(aduRequest))
	aduResponse, err = mb.exchange(ctx, &mb.serialPort, aduRequest, transmit, mb.Logger)
	return
}

// Broadcast writes the request to every slave on the line.
func (mb *rtuSerialTransporter) Broadcast(ctx context.Context, aduRequest []byte) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if err := mb.connect(); err != nil {
		return err
	}
	mb.lastActivity = time.Now()
	mb.startCloseTimer()
	return mb.broadcast(ctx, &mb.serialPort, aduRequest, mb.Logger)
}

// charDuration is the time one 11 bit character spends on the line.
func (mb *rtuSerialTransporter) charDuration() time.Duration {
	if mb.BaudRate <= 0 {
		return 750 * time.Microsecond
	}
	return time.Duration(float64(time.Second) / float64(mb.BaudRate) * 11)
}

// frameDelay is the silent interval of 3.5 characters that separates frames.
// See MODBUS over Serial Line - Specification and Implementation Guide (page 13).
func (mb *rtuSerialTransporter) frameDelay() time.Duration {
	if mb.BaudRate <= 0 || mb.BaudRate > 19200 {
		return 1750 * time.Microsecond
	}
	return mb.charDuration() * 7 / 2
}

// calculateDelay roughly calculates time needed to transmit chars plus the next frame gap.
func (mb *rtuSerialTransporter) calculateDelay(chars int) time.Duration {
	return mb.charDuration()*time.Duration(chars) + mb.frameDelay()
}

// calculateResponseLength returns the frame size a well-behaved slave answers adu with.
func calculateResponseLength(adu []byte) int {
	length := rtuMinSize
	if len(adu) < rtuRequestMinSize {
		return length
	}
	switch fc := FunctionCode(adu[1]); {
	case fc.isRead():
		count := int(binary.BigEndian.Uint16(adu[4:]))
		length = rtuReadOverhead + 2*count
	case fc == FuncCodeWriteSingleCoil,
		fc == FuncCodeWriteSingleRegister,
		fc == FuncCodeWriteMultipleCoils,
		fc == FuncCodeWriteMultipleRegisters:
		length = rtuWriteResponseSize
	}
	return length
}
