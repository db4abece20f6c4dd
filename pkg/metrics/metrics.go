// Package metrics exports mesh node statistics to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"

	"github.com/kabili207/meshstack/pkg/mesh"
)

const DefaultNamespace = "meshnode"

// Metrics mirrors mesh.Stats snapshots into Prometheus collectors. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	counters map[string]prometheus.Counter
	last     map[string]uint64

	utilization   prometheus.Gauge
	avgRTT        prometheus.Gauge
	neighbors     prometheus.Gauge
	routes        prometheus.Gauge
	rebroadcasts  prometheus.Gauge
	queueDepth    prometheus.Gauge
	breakerState  *prometheus.GaugeVec
	eventsHandled *prometheus.CounterVec
}

var _ mesh.StatsObserver = (*Metrics)(nil)

type Option func(*options)

type options struct {
	namespace string
	registry  prometheus.Registerer
}

func WithNamespace(ns string) Option {
	return func(o *options) {
		if ns != "" {
			o.namespace = ns
		}
	}
}

// WithRegistry overrides the default Prometheus registerer.
func WithRegistry(reg prometheus.Registerer) Option {
	return func(o *options) {
		if reg != nil {
			o.registry = reg
		}
	}
}

type counterDef struct {
	name string
	help string
	get  func(mesh.Stats) uint64
}

var counterDefs = []counterDef{
	{"packets_tx_total", "Frames handed to the radio.", func(s mesh.Stats) uint64 { return s.PacketsTx }},
	{"packets_rx_total", "Frames accepted from the radio.", func(s mesh.Stats) uint64 { return s.PacketsRx }},
	{"packets_forwarded_total", "Packets rebroadcast for other nodes.", func(s mesh.Stats) uint64 { return s.PacketsForwarded }},
	{"duplicates_dropped_total", "Packets dropped as already seen.", func(s mesh.Stats) uint64 { return s.DuplicatesDropped }},
	{"hop_limit_exceeded_total", "Packets that arrived with no hops left.", func(s mesh.Stats) uint64 { return s.HopLimitExceeded }},
	{"queue_drops_total", "Packets rejected by a full transmit queue.", func(s mesh.Stats) uint64 { return s.QueueDrops }},
	{"acks_sent_total", "Acknowledgements sent.", func(s mesh.Stats) uint64 { return s.AcksSent }},
	{"acks_received_total", "Acknowledgements received.", func(s mesh.Stats) uint64 { return s.AcksReceived }},
	{"ack_timeouts_total", "Packets that ran out of retries.", func(s mesh.Stats) uint64 { return s.AckTimeouts }},
	{"retransmissions_total", "Unacknowledged packets sent again.", func(s mesh.Stats) uint64 { return s.Retransmissions }},
	{"bytes_tx_total", "Bytes handed to the radio.", func(s mesh.Stats) uint64 { return s.BytesTx }},
	{"bytes_rx_total", "Bytes accepted from the radio.", func(s mesh.Stats) uint64 { return s.BytesRx }},
	{"invalid_packets_total", "Frames that failed to decode.", func(s mesh.Stats) uint64 { return s.InvalidPackets }},
	{"decrypt_failures_total", "Frames no channel key could decrypt.", func(s mesh.Stats) uint64 { return s.DecryptFailures }},
	{"phy_errors_total", "Radio transmit failures.", func(s mesh.Stats) uint64 { return s.PhyErrors }},
}

func New(opts ...Option) *Metrics {
	o := options{namespace: DefaultNamespace, registry: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}
	factory := promauto.With(o.registry)
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{Namespace: o.namespace, Name: name, Help: help})
	}

	m := &Metrics{
		counters:     make(map[string]prometheus.Counter, len(counterDefs)),
		last:         make(map[string]uint64, len(counterDefs)),
		utilization:  gauge("channel_utilization_ratio", "Fraction of the utilization window spent transmitting."),
		avgRTT:       gauge("ack_rtt_average_milliseconds", "Mean round trip of acknowledged packets."),
		neighbors:    gauge("neighbors", "Neighbors heard within the neighbor timeout."),
		routes:       gauge("routes", "Entries in the next hop routing table."),
		rebroadcasts: gauge("pending_rebroadcasts", "Packets waiting for their rebroadcast delay."),
		queueDepth:   gauge("tx_queue_depth", "Frames waiting in the transmit queue."),
		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: o.namespace,
			Name:      "radio_breaker_state",
			Help:      "1 for the current state of the radio transmit circuit breaker.",
		}, []string{"state"}),
		eventsHandled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Name:      "events_total",
			Help:      "Application events raised by the node, by type.",
		}, []string{"type"}),
	}
	for _, def := range counterDefs {
		m.counters[def.name] = factory.NewCounter(prometheus.CounterOpts{
			Namespace: o.namespace,
			Name:      def.name,
			Help:      def.help,
		})
	}
	return m
}

// ObserveStats adds the growth of every counter since the previous snapshot
// and sets the gauges.
func (m *Metrics) ObserveStats(s mesh.Stats) {
	if m == nil {
		return
	}
	for _, def := range counterDefs {
		v := def.get(s)
		if prev := m.last[def.name]; v > prev {
			m.counters[def.name].Add(float64(v - prev))
		}
		m.last[def.name] = v
	}
	m.utilization.Set(float64(s.ChannelUtilization))
	m.avgRTT.Set(float64(s.AvgRTTMillis))
	m.neighbors.Set(float64(s.NeighborCount))
	m.routes.Set(float64(s.RouteCount))
	m.rebroadcasts.Set(float64(s.PendingRebroadcast))
	m.queueDepth.Set(float64(s.QueueDepth))
}

func (m *Metrics) ObserveBreaker(state gobreaker.State) {
	if m == nil {
		return
	}
	for _, st := range []gobreaker.State{gobreaker.StateClosed, gobreaker.StateHalfOpen, gobreaker.StateOpen} {
		v := 0.0
		if st == state {
			v = 1
		}
		m.breakerState.WithLabelValues(st.String()).Set(v)
	}
}

// HandleEvent counts node events. Register it with Node.AddEventHandler.
func (m *Metrics) HandleEvent(event any) {
	if m == nil {
		return
	}
	m.eventsHandled.WithLabelValues(eventType(event)).Inc()
}

func eventType(event any) string {
	switch event.(type) {
	case *mesh.MessageEvent:
		return "message"
	case *mesh.NodeInfoEvent:
		return "nodeinfo"
	case *mesh.PositionEvent:
		return "position"
	case *mesh.TelemetryEvent:
		return "telemetry"
	case *mesh.AckEvent:
		return "ack"
	case *mesh.AckTimeoutEvent:
		return "ack_timeout"
	case *mesh.TracerouteEvent:
		return "traceroute"
	default:
		return "other"
	}
}
