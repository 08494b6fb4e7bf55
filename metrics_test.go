package rtu

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsObserveExchanges(t *testing.T) {
	replies := [][]byte{
		withCRC(0x20, 0x03, 0x02, 0x00, 0x07),
		withCRC(0x20, 0x83, 0x02),
		nil,
	}
	line := &lineMock{reply: func([]byte) []byte {
		if len(replies) == 0 {
			return nil
		}
		r := replies[0]
		replies = replies[1:]
		return r
	}}
	client, handler := newLineClient(line)
	handler.Timeouts = Timeouts{Byte: 20 * time.Millisecond, Exchange: 100 * time.Millisecond}
	handler.Metrics = NewMetrics("test")
	ctx := context.Background()

	_, err := client.ReadSingle(ctx, 0x20, FuncCodeReadHoldingRegisters, 0x0001)
	require.NoError(t, err)
	_, err = client.ReadSingle(ctx, 0x20, FuncCodeReadHoldingRegisters, 0x0001)
	require.ErrorIs(t, err, ErrIllegalDataAddress)
	_, err = client.ReadSingle(ctx, 0x20, FuncCodeReadHoldingRegisters, 0x0001)
	require.ErrorIs(t, err, ErrReceiveTimeout)
	_, err = client.WriteSingle(ctx, BroadcastAddress, FuncCodeWriteSingleRegister, 0x0001, 0x0002)
	require.NoError(t, err)

	m := handler.Metrics
	assert.Equal(t, 1.0, testutil.ToFloat64(m.exchanges.WithLabelValues("0x03", OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.exchanges.WithLabelValues("0x03", OutcomeException)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.exchanges.WithLabelValues("0x03", OutcomeTimeout)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.exchanges.WithLabelValues("0x06", OutcomeBroadcast)))
	assert.Equal(t, 2, testutil.CollectAndCount(m.duration))
}

func TestMetricsRegister(t *testing.T) {
	m := NewMetrics("rtu")
	m.observe(FuncCodeReadCoils, nil, time.Millisecond)

	registry := prometheus.NewRegistry()
	require.NoError(t, registry.Register(m))
	assert.Equal(t, 2, testutil.CollectAndCount(m))

	problems, err := testutil.CollectAndLint(m)
	require.NoError(t, err)
	assert.Empty(t, problems)
}

func TestMetricsNil(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.observe(FuncCodeReadCoils, nil, time.Millisecond)
		m.observeBroadcast(FuncCodeWriteSingleCoil, nil, time.Millisecond)
	})
}

func TestOutcomeOf(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, OutcomeSuccess},
		{ErrCRC, OutcomeCRC},
		{fmt.Errorf("wrapped: %w", ErrReceiveTimeout), OutcomeTimeout},
		{&Error{FunctionCode: FuncCodeReadCoils, ExceptionCode: ExceptionCodeSlaveDeviceFailure}, OutcomeException},
		{ErrMemory, OutcomeFailed},
		{errors.New("device removed"), OutcomeFailed},
		{context.Canceled, OutcomeFailed},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, outcomeOf(tc.err), "%v", tc.err)
	}
}
