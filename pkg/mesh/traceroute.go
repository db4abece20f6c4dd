package mesh

import (
	"github.com/kabili207/meshstack/pkg/meshid"
	"github.com/kabili207/meshstack/pkg/packet"
	"github.com/kabili207/meshstack/pkg/traceroute"
)

// StartTrace sends a route discovery request toward destination and returns
// its request ID. The result arrives as a TracerouteEvent.
func (n *Node) StartTrace(destination meshid.NodeID) (uint32, error) {
	if destination.IsBroadcast() || destination == n.nodeID {
		return 0, &Error{Kind: KindNodeNotFound, Node: destination, Detail: "cannot trace to this address"}
	}
	req := n.traces.StartTrace(destination)
	// Requests only ever go one hop; each relay re-originates them.
	if err := n.sendRouting(req.RoutingPayload(), 0); err != nil {
		return 0, err
	}
	n.log.Debug().
		Stringer("to", destination).
		Uint32("request_id", req.RequestID).
		Msg("Started traceroute")
	return req.RequestID, nil
}

func (n *Node) sendRouting(payload []byte, hopLimit uint8) error {
	_, err := n.sendBroadcast(packet.TypeRouting, payload, hopLimit)
	return err
}

func (n *Node) TraceroutesPending() int {
	return n.traces.PendingCount()
}

// CompletedTraceroutes returns finished traces and forgets them.
func (n *Node) CompletedTraceroutes() []traceroute.Result {
	out := n.traces.Completed()
	n.traces.ClearCompleted()
	return out
}

func (n *Node) handleRouting(pkt *packet.Packet, evt MeshEvent) {
	req, reply, ok := traceroute.ParseRoutingPayload(pkt.Payload)
	if !ok {
		n.log.Debug().
			Stringer("from", evt.From).
			Uint16("packet_id", evt.PacketID).
			Msg("Ignoring unknown routing payload")
		return
	}

	if req != nil {
		resp := n.traces.HandleRequest(req, evt.RSSI, evt.SNR)
		var err error
		switch resp.Action {
		case traceroute.ActionForward:
			err = n.sendRouting(resp.Request.RoutingPayload(), 0)
		case traceroute.ActionReply:
			err = n.sendRouting(resp.Reply.RoutingPayload(), 0)
		}
		if err != nil {
			n.log.Warn().Err(err).
				Uint32("request_id", req.RequestID).
				Msg("Failed to send traceroute")
		}
		return
	}

	// Replies walk the recorded route backwards, one hop per relay, so a
	// trace is not bounded by the packet hop limit.
	if n.traces.RelayReply(reply) {
		if err := n.sendRouting(reply.RoutingPayload(), 0); err != nil {
			n.log.Warn().Err(err).
				Uint32("request_id", reply.RequestID).
				Msg("Failed to relay traceroute reply")
		}
		return
	}

	result, ok := n.traces.HandleReply(reply)
	if !ok {
		return
	}
	n.notifyEvent(&TracerouteEvent{Result: result})
}
