// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package perf

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricsSubSystemRTC     = "rtc"
	metricsSubSystemWS      = "ws"
	metricsSubSystemHub     = "hub"
	metricsSubSystemCropper = "cropper"
)

type Metrics struct {
	registry *prometheus.Registry

	RTPPacketCounters      *prometheus.CounterVec
	RTPPacketBytesCounters *prometheus.CounterVec
	RTCSessions            prometheus.Gauge
	RTCConnStateCounters   *prometheus.CounterVec
	RTCErrorCounters       *prometheus.CounterVec

	WSConnections     prometheus.Gauge
	WSMessageCounters *prometheus.CounterVec

	RosterSize           prometheus.Gauge
	RegionUpdateCounters *prometheus.CounterVec
	CropperFrameCounters *prometheus.CounterVec
}

func NewMetrics(namespace string, registry *prometheus.Registry) *Metrics {
	var m Metrics

	if registry != nil {
		m.registry = registry
	} else {
		m.registry = prometheus.NewRegistry()
		m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{
			Namespace: namespace,
		}))
		m.registry.MustRegister(collectors.NewGoCollector())
	}

	m.RTPPacketCounters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemRTC,
			Name:      "rtp_packets_total",
			Help:      "Total number of sent/received RTP packets",
		},
		[]string{"direction", "type"},
	)
	m.registry.MustRegister(m.RTPPacketCounters)

	m.RTPPacketBytesCounters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemRTC,
			Name:      "rtp_bytes_total",
			Help:      "Total number of sent/received RTP packet bytes",
		},
		[]string{"direction", "type"},
	)
	m.registry.MustRegister(m.RTPPacketBytesCounters)

	m.RTCSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemRTC,
			Name:      "sessions_total",
			Help:      "Total number of active viewer sessions",
		},
	)
	m.registry.MustRegister(m.RTCSessions)

	m.RTCConnStateCounters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemRTC,
			Name:      "conn_states_total",
			Help:      "Total number of viewer session state transitions",
		},
		[]string{"type"},
	)
	m.registry.MustRegister(m.RTCConnStateCounters)

	m.RTCErrorCounters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemRTC,
			Name:      "errors_total",
			Help:      "Total number of RTC related errors",
		},
		[]string{"type"},
	)
	m.registry.MustRegister(m.RTCErrorCounters)

	m.WSConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemWS,
			Name:      "connections_total",
			Help:      "Total number of active WebSocket connections",
		},
	)
	m.registry.MustRegister(m.WSConnections)

	m.WSMessageCounters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemWS,
			Name:      "messages_total",
			Help:      "Total number of sent/received WebSocket messages",
		},
		[]string{"type", "direction"},
	)
	m.registry.MustRegister(m.WSMessageCounters)

	m.RosterSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemHub,
			Name:      "roster_size",
			Help:      "Number of viewer records currently known to the registry",
		},
	)
	m.registry.MustRegister(m.RosterSize)

	m.RegionUpdateCounters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemHub,
			Name:      "region_updates_total",
			Help:      "Total number of region updates, by outcome (applied, coalesced, rejected)",
		},
		[]string{"outcome"},
	)
	m.registry.MustRegister(m.RegionUpdateCounters)

	m.CropperFrameCounters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemCropper,
			Name:      "frames_total",
			Help:      "Total number of cropped frames, by outcome (produced, dropped)",
		},
		[]string{"outcome"},
	)
	m.registry.MustRegister(m.CropperFrameCounters)

	return &m
}

func (m *Metrics) IncRTCSessions() {
	m.RTCSessions.Inc()
}

func (m *Metrics) DecRTCSessions() {
	m.RTCSessions.Dec()
}

func (m *Metrics) IncRTCConnState(state string) {
	m.RTCConnStateCounters.With(prometheus.Labels{"type": state}).Inc()
}

func (m *Metrics) IncRTCErrors(errType string) {
	m.RTCErrorCounters.With(prometheus.Labels{"type": errType}).Inc()
}

func (m *Metrics) IncRTPPackets(direction, trackType string) {
	m.RTPPacketCounters.With(prometheus.Labels{"direction": direction, "type": trackType}).Inc()
}

func (m *Metrics) AddRTPPacketBytes(direction, trackType string, value int) {
	m.RTPPacketBytesCounters.With(prometheus.Labels{"direction": direction, "type": trackType}).Add(float64(value))
}

func (m *Metrics) IncWSConnections() {
	m.WSConnections.Inc()
}

func (m *Metrics) DecWSConnections() {
	m.WSConnections.Dec()
}

func (m *Metrics) IncWSMessages(msgType, direction string) {
	m.WSMessageCounters.With(prometheus.Labels{"type": msgType, "direction": direction}).Inc()
}

func (m *Metrics) SetRosterSize(size int) {
	m.RosterSize.Set(float64(size))
}

func (m *Metrics) IncRegionUpdates(outcome string) {
	m.RegionUpdateCounters.With(prometheus.Labels{"outcome": outcome}).Inc()
}

func (m *Metrics) IncCropperFrames(outcome string) {
	m.CropperFrameCounters.With(prometheus.Labels{"outcome": outcome}).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
