package traceroute

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/kabili207/meshstack/pkg/meshid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(id meshid.NodeID, clk clock.Clock) *Manager {
	return NewManager(id, DefaultConfig(), clk, zerolog.Nop())
}

func TestRequestEncoding(t *testing.T) {
	req := NewRequest(42, 1, 10, 5)
	req.AddHop(2)
	req.AddHop(3)

	b := req.Marshal()
	assert.Len(t, b, 16+4*3)

	got, ok := UnmarshalRequest(b)
	require.True(t, ok)
	assert.Equal(t, req, got)

	_, ok = UnmarshalRequest(b[:15])
	assert.False(t, ok)
	_, ok = UnmarshalRequest(b[:20])
	assert.False(t, ok, "route shorter than its declared length")
}

func TestReplyEncoding(t *testing.T) {
	reply := &Reply{
		RequestID:   7,
		Source:      1,
		Destination: 3,
		Route:       []meshid.NodeID{1, 2, 3},
		Reached:     true,
	}
	reply.AddSignalQuality(-80, 7.5)

	got, ok := UnmarshalReply(reply.Marshal())
	require.True(t, ok)
	assert.Equal(t, reply, got)
}

func TestRoutingPayload(t *testing.T) {
	req := NewRequest(1, 1, 2, 3)
	gotReq, gotReply, ok := ParseRoutingPayload(req.RoutingPayload())
	require.True(t, ok)
	assert.Nil(t, gotReply)
	assert.Equal(t, req, gotReq)

	reply := ReplyFromRequest(req, false)
	gotReq, gotReply, ok = ParseRoutingPayload(reply.RoutingPayload())
	require.True(t, ok)
	assert.Nil(t, gotReq)
	assert.Equal(t, reply.Route, gotReply.Route)

	_, _, ok = ParseRoutingPayload([]byte{9, 1, 2})
	assert.False(t, ok)
	_, _, ok = ParseRoutingPayload(nil)
	assert.False(t, ok)
}

func TestStartTrace(t *testing.T) {
	m := newManager(1, clock.NewMock())

	req := m.StartTrace(10)
	assert.Equal(t, uint32(1), req.RequestID)
	assert.Equal(t, []meshid.NodeID{1}, req.Route)
	assert.Equal(t, uint8(10), req.MaxHops)
	assert.Equal(t, 1, m.PendingCount())

	assert.Equal(t, uint32(2), m.StartTrace(10).RequestID)
}

func TestTraceReachesDestination(t *testing.T) {
	clk := clock.NewMock()
	origin := newManager(1, clk)
	relay := newManager(5, clk)
	dest := newManager(10, clk)

	req := origin.StartTrace(10)

	resp := relay.HandleRequest(req, -70, 9)
	require.Equal(t, ActionForward, resp.Action)
	assert.Equal(t, []meshid.NodeID{1, 5}, resp.Request.Route)

	clk.Add(50 * time.Millisecond)
	resp = dest.HandleRequest(resp.Request, -90, 3.5)
	require.Equal(t, ActionReply, resp.Action)
	assert.True(t, resp.Reply.Reached)
	assert.Equal(t, []meshid.NodeID{1, 5, 10}, resp.Reply.Route)

	clk.Add(50 * time.Millisecond)
	result, ok := origin.HandleReply(resp.Reply)
	require.True(t, ok)
	assert.True(t, result.Reached)
	assert.Equal(t, 3, result.HopCount())
	require.NotNil(t, result.TotalRTT)
	assert.Equal(t, 100*time.Millisecond, *result.TotalRTT)
	assert.Equal(t, 0, origin.PendingCount())
	assert.Len(t, origin.Completed(), 1)

	last := result.Hops[2]
	assert.Equal(t, meshid.NodeID(10), last.NodeID)
	require.NotNil(t, last.RSSI)
	assert.Equal(t, float32(-90), *last.RSSI)
	assert.Nil(t, result.Hops[0].RSSI)

	out := result.Format()
	assert.Contains(t, out, "Traceroute from 00000001 to 0000000a")
	assert.Contains(t, out, "Destination reached in 100.0ms")
	assert.Contains(t, result.RouteString(), "0xa (3.50dB)")

	_, ok = origin.HandleReply(resp.Reply)
	assert.False(t, ok, "second reply for the same trace")
}

func TestReplyRelayedAlongRoute(t *testing.T) {
	clk := clock.NewMock()
	origin := newManager(1, clk)
	relays := []*Manager{newManager(2, clk), newManager(3, clk)}
	dest := newManager(4, clk)
	bystander := newManager(9, clk)

	req := origin.StartTrace(4)
	for _, r := range relays {
		resp := r.HandleRequest(req, 0, 0)
		require.Equal(t, ActionForward, resp.Action)
		req = resp.Request
	}
	resp := dest.HandleRequest(req, -80, 6)
	require.Equal(t, ActionReply, resp.Action)
	reply := resp.Reply

	assert.False(t, dest.RelayReply(reply), "replier already sent it")
	assert.False(t, bystander.RelayReply(reply), "not on the route")
	assert.False(t, origin.RelayReply(reply), "initiator consumes it")
	for _, r := range relays {
		assert.True(t, r.RelayReply(reply))
		assert.False(t, r.RelayReply(reply), "relayed once")
	}

	result, ok := origin.HandleReply(reply)
	require.True(t, ok)
	assert.Equal(t, 4, result.HopCount())
}

func TestTraceHandledOnce(t *testing.T) {
	relay := newManager(5, clock.NewMock())
	req := NewRequest(3, 1, 10, 10)

	assert.Equal(t, ActionForward, relay.HandleRequest(req, 0, 0).Action)

	again := NewRequest(3, 1, 10, 10)
	assert.Equal(t, ActionIgnore, relay.HandleRequest(again, 0, 0).Action)

	other := NewRequest(3, 2, 10, 10)
	assert.Equal(t, ActionForward, relay.HandleRequest(other, 0, 0).Action, "same id from another source")
}

func TestTraceMaxHops(t *testing.T) {
	relay := newManager(5, clock.NewMock())
	req := NewRequest(1, 1, 10, 2)
	req.AddHop(2)

	resp := relay.HandleRequest(req, 0, 0)
	require.Equal(t, ActionReply, resp.Action)
	assert.False(t, resp.Reply.Reached)
	assert.Equal(t, []meshid.NodeID{1, 2, 5}, resp.Reply.Route)
}

func TestTraceTimeout(t *testing.T) {
	clk := clock.NewMock()
	m := newManager(1, clk)
	m.StartTrace(10)

	clk.Add(29 * time.Second)
	assert.Empty(t, m.CheckTimeouts())

	clk.Add(2 * time.Second)
	timedOut := m.CheckTimeouts()
	require.Len(t, timedOut, 1)
	assert.False(t, timedOut[0].Reached)
	assert.Equal(t, 0, m.PendingCount())
	assert.Contains(t, timedOut[0].Format(), "Destination NOT reached")

	m.ClearCompleted()
	assert.Empty(t, m.Completed())
}

func TestAvgRTTPerHop(t *testing.T) {
	a, b := 10*time.Millisecond, 30*time.Millisecond
	r := Result{Hops: []Hop{{RTT: &a}, {}, {RTT: &b}}}
	avg, ok := r.AvgRTTPerHop()
	require.True(t, ok)
	assert.Equal(t, 20*time.Millisecond, avg)

	_, ok = Result{}.AvgRTTPerHop()
	assert.False(t, ok)
}
