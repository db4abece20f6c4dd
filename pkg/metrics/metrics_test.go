package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kabili207/meshstack/pkg/mesh"
)

func TestObserveStatsAddsDeltas(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(WithRegistry(reg), WithNamespace("test"))

	m.ObserveStats(mesh.Stats{PacketsTx: 3, BytesTx: 120, NeighborCount: 2, ChannelUtilization: 0.25})
	m.ObserveStats(mesh.Stats{PacketsTx: 5, BytesTx: 200, NeighborCount: 1, ChannelUtilization: 0.5})

	assert.Equal(t, 5.0, testutil.ToFloat64(m.counters["packets_tx_total"]))
	assert.Equal(t, 200.0, testutil.ToFloat64(m.counters["bytes_tx_total"]))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.neighbors))
	assert.Equal(t, 0.5, testutil.ToFloat64(m.utilization))

	// A node restart resets the snapshot; counters never go backwards.
	m.ObserveStats(mesh.Stats{PacketsTx: 1})
	assert.Equal(t, 5.0, testutil.ToFloat64(m.counters["packets_tx_total"]))
	m.ObserveStats(mesh.Stats{PacketsTx: 2})
	assert.Equal(t, 6.0, testutil.ToFloat64(m.counters["packets_tx_total"]))
}

func TestObserveBreaker(t *testing.T) {
	m := New(WithRegistry(prometheus.NewRegistry()))
	m.ObserveBreaker(gobreaker.StateOpen)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.breakerState.WithLabelValues("open")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.breakerState.WithLabelValues("closed")))

	m.ObserveBreaker(gobreaker.StateClosed)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.breakerState.WithLabelValues("open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.breakerState.WithLabelValues("closed")))
}

func TestHandleEvent(t *testing.T) {
	m := New(WithRegistry(prometheus.NewRegistry()))
	m.HandleEvent(&mesh.MessageEvent{Message: "hi"})
	m.HandleEvent(&mesh.MessageEvent{Message: "again"})
	m.HandleEvent(&mesh.AckTimeoutEvent{})
	m.HandleEvent("unexpected")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.eventsHandled.WithLabelValues("message")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsHandled.WithLabelValues("ack_timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsHandled.WithLabelValues("other")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveStats(mesh.Stats{PacketsTx: 1})
		m.ObserveBreaker(gobreaker.StateOpen)
		m.HandleEvent(&mesh.AckEvent{})
	})
}

func TestServerExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(WithRegistry(reg))
	m.ObserveStats(mesh.Stats{AcksSent: 4})

	srv := NewServer(":0", reg, zerolog.Nop())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "meshnode_acks_sent_total 4"))

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
