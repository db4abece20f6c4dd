package routing

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/kabili207/meshstack/pkg/meshid"
	"github.com/kabili207/meshstack/pkg/packet"
)

// NextHop is where to send a packet for a destination.
type NextHop struct {
	NodeID  meshid.NodeID
	Channel uint8
	Quality float32
}

// NextHopRouter learns unicast routes by watching traffic go by.
type NextHopRouter struct {
	nodeID meshid.NodeID
	routes *Table
}

func NewNextHopRouter(nodeID meshid.NodeID, timeout time.Duration, maxRoutes int, clk clock.Clock) *NextHopRouter {
	return &NextHopRouter{
		nodeID: nodeID,
		routes: NewTable(timeout, maxRoutes, clk),
	}
}

// HopsTraveled is how far a packet came, counting the last hop. Packets
// without a recorded hop start are treated as one hop away.
func HopsTraveled(h packet.Header) uint8 {
	hopStart := max(h.Flags.HopStart(), h.HopLimit)
	return hopStart - h.HopLimit + 1
}

// LearnRoute records that the source of pkt is reachable through from.
// Our own packets echoed back are ignored.
func (r *NextHopRouter) LearnRoute(pkt *packet.Packet, from meshid.NodeID, quality float32) bool {
	source := pkt.Header.Source
	if source == r.nodeID {
		return false
	}
	return r.routes.Update(ViaRoute(source, from, HopsTraveled(pkt.Header), quality))
}

func (r *NextHopRouter) NextHop(destination meshid.NodeID) (NextHop, bool) {
	route, ok := r.routes.Get(destination)
	if !ok {
		return NextHop{}, false
	}
	return NextHop{NodeID: route.NextHop, Quality: route.Quality}, true
}

// RouteDirect returns true when a live route to the destination exists,
// refreshing it. Otherwise it sets want_ack on pkt and returns false so the
// caller falls back to flooding.
func (r *NextHopRouter) RouteDirect(pkt *packet.Packet) (*packet.Packet, bool) {
	if r.routes.Touch(pkt.Header.Destination) {
		return pkt, true
	}
	pkt.Header.Flags.SetWantAck(true)
	return pkt, false
}

func (r *NextHopRouter) RouteCount() int {
	return r.routes.Len()
}

func (r *NextHopRouter) GetRoute(destination meshid.NodeID) (Route, bool) {
	return r.routes.Get(destination)
}

func (r *NextHopRouter) Routes() []Route {
	return r.routes.All()
}

func (r *NextHopRouter) Prune() int {
	return r.routes.Prune()
}
