// Package gwmetrics exposes gateway-level counters as Prometheus metrics,
// the same supporting role transport's EndpointStats/collect.go plays for
// aistore's object streams. Every gateway creates and updates its own
// *Metrics; they are exported only once Register adds them to a registry.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package gwmetrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics mirrors the STATUS message's {execqsize, numchannels, numexecuting}
// triple as live gauges, plus frame/byte throughput counters.
type Metrics struct {
	ExecQSize    prometheus.Gauge
	NumChannels  prometheus.Gauge
	NumExecuting prometheus.Gauge

	FramesSent     prometheus.Counter
	FramesReceived prometheus.Counter
	BytesSent      prometheus.Counter
	BytesReceived  prometheus.Counter
}

// New builds a Metrics set labeled by the owning gateway's role/id, e.g.
// New("slave", "<slave>").
func New(role, id string) *Metrics {
	labels := prometheus.Labels{"role": role, "gateway": id}
	return &Metrics{
		ExecQSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "execnet",
			Name:        "exec_queue_size",
			Help:        "Number of pending CHANNEL_EXEC items waiting to run.",
			ConstLabels: labels,
		}),
		NumChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "execnet",
			Name:        "channels_open",
			Help:        "Number of channels currently tracked by the factory.",
			ConstLabels: labels,
		}),
		NumExecuting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "execnet",
			Name:        "channels_executing",
			Help:        "Number of channels currently bound to a running exec body.",
			ConstLabels: labels,
		}),
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "execnet",
			Name:        "frames_sent_total",
			Help:        "Frames written to the transport.",
			ConstLabels: labels,
		}),
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "execnet",
			Name:        "frames_received_total",
			Help:        "Frames read from the transport.",
			ConstLabels: labels,
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "execnet",
			Name:        "bytes_sent_total",
			Help:        "Raw bytes written to the transport.",
			ConstLabels: labels,
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "execnet",
			Name:        "bytes_received_total",
			Help:        "Raw bytes read from the transport.",
			ConstLabels: labels,
		}),
	}
}

// Register adds every collector in m to reg. Call once per gateway.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.ExecQSize, m.NumChannels, m.NumExecuting,
		m.FramesSent, m.FramesReceived, m.BytesSent, m.BytesReceived,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
