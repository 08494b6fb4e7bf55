// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package rtu

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels
const (
	OutcomeSuccess   = "success"
	OutcomeBroadcast = "broadcast"
	OutcomeException = "exception"
	OutcomeCRC       = "crc_error"
	OutcomeTimeout   = "timeout"
	OutcomeFailed    = "failed"
)

// Metrics counts exchanges and their durations. It implements
// prometheus.Collector and is not registered anywhere by itself.
type Metrics struct {
	exchanges *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// NewMetrics creates exchange metrics under namespace.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchanges_total",
			Help:      "The total number of request frames sent, by function code and outcome",
		}, []string{"function", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "exchange_duration_seconds",
			Help:      "Time from writing a request until its response was complete or abandoned",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"function"}),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.exchanges.Describe(ch)
	m.duration.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.exchanges.Collect(ch)
	m.duration.Collect(ch)
}

func (m *Metrics) observe(fc FunctionCode, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	function := functionLabel(fc)
	m.exchanges.WithLabelValues(function, outcomeOf(err)).Inc()
	m.duration.WithLabelValues(function).Observe(elapsed.Seconds())
}

func (m *Metrics) observeBroadcast(fc FunctionCode, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := OutcomeBroadcast
	if err != nil {
		outcome = OutcomeFailed
	}
	function := functionLabel(fc)
	m.exchanges.WithLabelValues(function, outcome).Inc()
	m.duration.WithLabelValues(function).Observe(elapsed.Seconds())
}

func functionLabel(fc FunctionCode) string {
	return fmt.Sprintf("0x%02x", byte(fc))
}

func outcomeOf(err error) string {
	if err == nil {
		return OutcomeSuccess
	}
	var rtuErr *Error
	if !errors.As(err, &rtuErr) {
		return OutcomeFailed
	}
	switch rtuErr.ExceptionCode {
	case ExceptionCodeCRCError:
		return OutcomeCRC
	case ExceptionCodeReceiveTimeout:
		return OutcomeTimeout
	}
	if !rtuErr.ExceptionCode.Local() {
		return OutcomeException
	}
	return OutcomeFailed
}
