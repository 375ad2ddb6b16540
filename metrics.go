// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcmux

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	connectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rpcmux",
			Name:      "connects_total",
			Help:      "Connection attempts by binding and result.",
		},
		[]string{"binding", "result"},
	)
	evictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rpcmux",
			Name:      "evictions_total",
			Help:      "Connection handles removed from the cache.",
		},
		[]string{"binding", "reason"},
	)
	callsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rpcmux",
			Name:      "calls_total",
			Help:      "Outbound calls by shape.",
		},
		[]string{"shape"},
	)
	pendingCalls = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "rpcmux",
			Name:      "pending_calls",
			Help:      "Registered calls awaiting frames.",
		},
	)
	cancelsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rpcmux",
			Name:      "cancels_total",
			Help:      "CANCEL frames emitted by callers.",
		},
	)
	droppedFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rpcmux",
			Name:      "dropped_frames_total",
			Help:      "Inbound frames dropped without delivery.",
		},
		[]string{"reason"},
	)
	sessionsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "rpcmux",
			Name:      "sessions",
			Help:      "Live server sessions.",
		},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		connectsTotal, evictionsTotal, callsTotal, pendingCalls,
		cancelsTotal, droppedFrames, sessionsGauge,
	}
}

// RegisterMetrics registers the transport collectors on reg, or on the
// default registerer when reg is nil. The collectors are process-wide, so
// every registry sees the same series; registering on a registry that
// already has them is not an error.
func RegisterMetrics(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

func recordConnect(binding string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	connectsTotal.WithLabelValues(binding, result).Inc()
}

func recordDrop(reason string) {
	droppedFrames.WithLabelValues(reason).Inc()
}
