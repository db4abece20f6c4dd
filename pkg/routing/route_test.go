package routing

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/kabili207/meshstack/pkg/meshid"
	"github.com/kabili207/meshstack/pkg/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoutingTable(t *testing.T) {
	clk := clock.NewMock()
	table := NewTable(DefaultRouteTimeout, 10, clk)

	table.Update(DirectRoute(1))
	table.Update(ViaRoute(2, 3, 2, 0.7))
	assert.Equal(t, 2, table.Len())

	r, ok := table.Get(1)
	require.True(t, ok)
	assert.Equal(t, meshid.NodeID(1), r.NextHop)
	assert.Equal(t, uint8(1), r.HopCount)
	assert.Equal(t, float32(1), r.Quality)

	r, ok = table.Get(2)
	require.True(t, ok)
	assert.Equal(t, meshid.NodeID(3), r.NextHop)
	assert.Equal(t, clk.Now(), r.LastUpdated)
}

func TestRoutingTableReplacement(t *testing.T) {
	clk := clock.NewMock()
	table := NewTable(time.Minute, 10, clk)

	require.True(t, table.Update(ViaRoute(9, 1, 3, 0.5)))

	assert.False(t, table.Update(ViaRoute(9, 2, 4, 0.99)), "more hops never wins")
	assert.False(t, table.Update(ViaRoute(9, 2, 3, 0.4)), "same hops, worse quality")
	assert.True(t, table.Update(ViaRoute(9, 2, 3, 0.6)), "same hops, better quality")
	assert.True(t, table.Update(ViaRoute(9, 3, 2, 0.1)), "fewer hops wins")

	r, _ := table.Get(9)
	assert.Equal(t, meshid.NodeID(3), r.NextHop)

	clk.Add(2 * time.Minute)
	_, ok := table.Get(9)
	assert.False(t, ok)
	assert.True(t, table.Update(ViaRoute(9, 4, 5, 0.1)), "expired routes are superseded")
	r, ok = table.Get(9)
	require.True(t, ok)
	assert.Equal(t, meshid.NodeID(4), r.NextHop)
}

func TestRoutingTableEviction(t *testing.T) {
	clk := clock.NewMock()
	table := NewTable(time.Minute, 3, clk)

	table.Update(ViaRoute(1, 10, 1, 0.9))
	table.Update(ViaRoute(2, 10, 4, 0.4)) // 0.1 per hop
	table.Update(ViaRoute(3, 10, 2, 0.6))
	table.Update(ViaRoute(4, 10, 1, 0.5))

	assert.Equal(t, 3, table.Len())
	_, ok := table.Get(2)
	assert.False(t, ok, "worst quality per hop is evicted")

	// An expired route goes first regardless of its score.
	clk.Add(30 * time.Second)
	table.Update(ViaRoute(5, 10, 1, 0.1))
	clk.Add(45 * time.Second)
	table.Update(ViaRoute(6, 10, 8, 0.01))
	_, ok = table.Get(5)
	assert.True(t, ok)
	_, ok = table.Get(6)
	assert.True(t, ok)
}

func TestRoutingTablePrune(t *testing.T) {
	clk := clock.NewMock()
	table := NewTable(time.Minute, 10, clk)

	table.Update(DirectRoute(1))
	clk.Add(40 * time.Second)
	table.Update(DirectRoute(2))
	clk.Add(30 * time.Second)

	assert.Len(t, table.All(), 1)
	assert.Equal(t, 2, table.Len())
	assert.Equal(t, 1, table.Prune())
	assert.Equal(t, 1, table.Len())

	assert.True(t, table.Touch(2))
	assert.False(t, table.Touch(1))
	_, ok := table.Remove(2)
	assert.True(t, ok)
}

func TestHopsTraveled(t *testing.T) {
	h := packet.BroadcastHeader(1, 3, 1)
	assert.Equal(t, uint8(1), HopsTraveled(h))

	h.HopLimit = 1
	assert.Equal(t, uint8(3), HopsTraveled(h))

	// No hop start on the wire: assume one hop.
	h.Flags.SetHopStart(0)
	assert.Equal(t, uint8(1), HopsTraveled(h))
}

func TestNextHopRouter(t *testing.T) {
	clk := clock.NewMock()
	self := meshid.NodeID(0x100)
	router := NewNextHopRouter(self, DefaultRouteTimeout, DefaultMaxRoutes, clk)

	source := meshid.NodeID(0x200)
	via := meshid.NodeID(0x300)

	_, ok := router.NextHop(source)
	assert.False(t, ok)

	pkt := packet.NewBroadcast(source, 1, []byte("Test"), 3)
	pkt.Header.HopLimit = 2
	require.True(t, router.LearnRoute(pkt, via, 0.9))

	hop, ok := router.NextHop(source)
	require.True(t, ok)
	assert.Equal(t, via, hop.NodeID)
	assert.InDelta(t, 0.9, hop.Quality, 0.0001)

	route, ok := router.GetRoute(source)
	require.True(t, ok)
	assert.Equal(t, uint8(2), route.HopCount)
	assert.Equal(t, 1, router.RouteCount())
	assert.Len(t, router.Routes(), 1)

	own := packet.NewBroadcast(self, 2, nil, 3)
	assert.False(t, router.LearnRoute(own, via, 1))
	assert.Equal(t, 1, router.RouteCount())
}

func TestNextHopFollowsLastRelay(t *testing.T) {
	clk := clock.NewMock()
	router := NewNextHopRouter(1, DefaultRouteTimeout, DefaultMaxRoutes, clk)
	source := meshid.NodeID(50)

	for i, relay := range []meshid.NodeID{10, 11, 12} {
		pkt := packet.NewBroadcast(source, uint16(i+1), nil, 3)
		pkt.Header.HopLimit = 2
		// Equal hop counts, each observation a little better than the last.
		router.LearnRoute(pkt, relay, 0.5+0.1*float32(i))

		hop, ok := router.NextHop(source)
		require.True(t, ok)
		assert.Equal(t, relay, hop.NodeID)
	}
}

func TestRouteDirect(t *testing.T) {
	clk := clock.NewMock()
	router := NewNextHopRouter(1, time.Minute, DefaultMaxRoutes, clk)

	pkt := packet.NewDirect(1, 2, 7, []byte("hi"))
	pkt.Header.Flags.SetWantAck(false)
	out, ok := router.RouteDirect(pkt)
	assert.False(t, ok)
	assert.True(t, out.Header.Flags.WantAck(), "flood fallback asks for an ack")

	seen := packet.NewBroadcast(2, 1, nil, 3)
	router.LearnRoute(seen, 2, 0.8)

	clk.Add(50 * time.Second)
	_, ok = router.RouteDirect(pkt)
	assert.True(t, ok)

	// The lookup refreshed the route.
	clk.Add(50 * time.Second)
	_, ok = router.GetRoute(2)
	assert.True(t, ok)

	clk.Add(2 * time.Minute)
	assert.Equal(t, 1, router.Prune())
}
