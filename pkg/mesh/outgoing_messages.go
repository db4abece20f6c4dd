package mesh

import (
	"errors"
	"fmt"
	"time"

	"github.com/kabili207/meshstack/pkg/mac"
	"github.com/kabili207/meshstack/pkg/meshid"
	"github.com/kabili207/meshstack/pkg/packet"
	"github.com/kabili207/meshstack/pkg/telemetry"
)

func (n *Node) channel(idx uint8) channelState {
	if int(idx) < len(n.channels) {
		return n.channels[idx]
	}
	return n.channels[0]
}

// queuePacket encrypts a copy of pkt for its channel and hands the frame to
// the MAC.
func (n *Node) queuePacket(pkt *packet.Packet) error {
	out := pkt.Clone()
	out.RxRSSI, out.RxSNR, out.RxTime = nil, nil, nil

	if ch := n.channel(out.Header.Channel); ch.crypto != nil && !out.Header.Flags.Encrypted() {
		if err := ch.crypto.EncryptPacket(out); err != nil {
			return newError(KindCryptoError, err)
		}
	}
	if size := out.EncodedLen(); size > n.cfg.MaxPacketSize {
		return &Error{
			Kind:   KindInvalidPacket,
			Detail: fmt.Sprintf("frame of %d bytes exceeds max packet size %d", size, n.cfg.MaxPacketSize),
		}
	}

	frame := out.Encode()
	var err error
	if out.Header.Flags.Priority() {
		err = n.mac.QueueTxPriority(frame)
	} else {
		err = n.mac.QueueTx(frame)
	}
	if errors.Is(err, mac.ErrQueueFull) {
		n.stats.QueueDrops++
		return newError(KindQueueFull, err)
	} else if err != nil {
		return newError(KindPhyError, err)
	}

	n.log.Debug().
		Stringer("from", out.Header.Source).
		Stringer("to", out.Header.Destination).
		Uint16("packet_id", out.Header.PacketID).
		Stringer("type", out.Type).
		Uint8("hop_limit", out.Header.HopLimit).
		Msg("Queued packet")
	return nil
}

// Forward sends pkt into the mesh. Packets we originate are remembered so
// their echoes are dropped, and unicast ones asking for an ack are tracked
// for retransmission.
func (n *Node) Forward(pkt *packet.Packet) error {
	if pkt.Header.Source == n.nodeID {
		n.flood.MarkSeen(pkt)
	}
	if err := n.queuePacket(pkt); err != nil {
		return err
	}
	if n.wantsTracking(pkt) {
		n.trackAck(pkt)
	}
	return nil
}

func (n *Node) wantsTracking(pkt *packet.Packet) bool {
	h := pkt.Header
	return n.cfg.AckEnabled &&
		h.Source == n.nodeID &&
		!h.IsBroadcast() &&
		h.Flags.WantAck() &&
		pkt.Type != packet.TypeAck
}

func (n *Node) trackAck(pkt *packet.Packet) {
	if len(n.pendingAcks) >= DefaultMaxPendingAcks {
		n.log.Warn().
			Uint16("packet_id", pkt.Header.PacketID).
			Msg("Too many packets awaiting acknowledgement, not tracking")
		return
	}
	now := n.clock.Now()
	n.pendingAcks[pkt.Header.PacketID] = &pendingAck{
		pkt:      pkt.Clone(),
		sentAt:   now,
		deadline: now.Add(n.cfg.AckTimeout),
	}
}

func (n *Node) sendBroadcast(typ packet.Type, payload []byte, hopLimit uint8) (uint16, error) {
	id := n.ids.Next()
	pkt, err := packet.New(packet.BroadcastHeader(n.nodeID, hopLimit, id), typ, payload)
	if err != nil {
		return 0, newError(KindInvalidPacket, err)
	}
	return id, n.Forward(pkt)
}

// Broadcast floods a text payload to every node.
func (n *Node) Broadcast(payload []byte) (uint16, error) {
	return n.sendBroadcast(packet.TypeText, payload, n.cfg.HopLimit)
}

// SendDirect sends a text payload to one node. Without a learned route the
// packet is flooded with want_ack set.
func (n *Node) SendDirect(destination meshid.NodeID, payload []byte) (uint16, error) {
	if destination.IsBroadcast() {
		return n.Broadcast(payload)
	}
	return n.sendDirect(destination, packet.TypeText, payload)
}

func (n *Node) sendDirect(destination meshid.NodeID, typ packet.Type, payload []byte) (uint16, error) {
	id := n.ids.Next()
	h := packet.DirectHeader(n.nodeID, destination, id)
	h.HopLimit = n.cfg.HopLimit
	h.Flags.SetHopStart(n.cfg.HopLimit)
	pkt, err := packet.New(h, typ, payload)
	if err != nil {
		return 0, newError(KindInvalidPacket, err)
	}

	pkt, routed := n.nextHop.RouteDirect(pkt)
	if !routed {
		n.log.Debug().
			Stringer("to", destination).
			Uint16("packet_id", id).
			Msg("No known route, flooding direct packet")
	}
	if !n.cfg.AckEnabled {
		pkt.Header.Flags.SetWantAck(false)
	}
	return id, n.Forward(pkt)
}

// SendText broadcasts or sends directly depending on destination.
func (n *Node) SendText(destination meshid.NodeID, text string) (uint16, error) {
	if destination.IsBroadcast() {
		return n.Broadcast([]byte(text))
	}
	return n.SendDirect(destination, []byte(text))
}

func (n *Node) SendNodeInfo() (uint16, error) {
	payload, err := n.NodeInfo().Marshal()
	if err != nil {
		return 0, newError(KindInvalidPacket, err)
	}
	n.lastNodeInfo = n.clock.Now()
	return n.sendBroadcast(packet.TypeNodeInfo, payload, n.cfg.HopLimit)
}

// SendPosition broadcasts the position set with SetPosition.
func (n *Node) SendPosition() (uint16, error) {
	if n.position == nil {
		return 0, &Error{Kind: KindOther, Detail: "no position set"}
	}
	now := n.clock.Now()
	payload, err := packet.EncodePosition(*n.position, now)
	if err != nil {
		return 0, newError(KindInvalidPacket, err)
	}
	n.lastPosition = now
	return n.sendBroadcast(packet.TypePosition, payload, n.cfg.HopLimit)
}

func (n *Node) SendTelemetry(t *telemetry.Telemetry) (uint16, error) {
	payload, err := t.Marshal()
	if err != nil {
		return 0, newError(KindInvalidPacket, err)
	}
	return n.sendBroadcast(packet.TypeTelemetry, payload, n.cfg.HopLimit)
}

func (n *Node) sendAck(to meshid.NodeID, ackedID uint16, channel uint8) {
	ack := packet.NewAck(n.nodeID, to, n.ids.Next(), ackedID)
	ack.Header.HopLimit = n.cfg.HopLimit
	ack.Header.Flags.SetHopStart(n.cfg.HopLimit)
	ack.Header.Flags.SetPriority(true)
	ack.Header.Channel = channel
	if err := n.Forward(ack); err != nil {
		n.log.Warn().Err(err).
			Stringer("to", to).
			Uint16("packet_id", ackedID).
			Msg("Failed to queue acknowledgement")
		return
	}
	n.stats.AcksSent++
}

// ProcessTx moves due rebroadcasts into the MAC queue and returns the next
// frame to put on air, if the MAC allows it now.
func (n *Node) ProcessTx(channelBusy bool) ([]byte, bool) {
	n.drainRebroadcasts()

	decision := n.mac.CanTransmit(channelBusy)
	switch decision.Kind {
	case mac.TransmitNow:
	case mac.MaxBackoffExceeded:
		n.log.Debug().Int("queued", n.mac.QueueDepth()).Msg("Channel access kept failing, restarting backoff")
		return nil, false
	default:
		return nil, false
	}
	return n.startTx()
}

// ForceTx returns the next queued frame without waiting for the MAC.
func (n *Node) ForceTx() ([]byte, bool) {
	n.drainRebroadcasts()
	return n.startTx()
}

func (n *Node) drainRebroadcasts() {
	for {
		pkt, ok := n.flood.PendingRebroadcast()
		if !ok {
			return
		}
		if err := n.queuePacket(pkt); err != nil {
			n.log.Warn().Err(err).
				Stringer("from", pkt.Header.Source).
				Uint16("packet_id", pkt.Header.PacketID).
				Msg("Dropped rebroadcast")
			continue
		}
		n.stats.PacketsForwarded++
	}
}

func (n *Node) startTx() ([]byte, bool) {
	frame, ok := n.mac.StartTx()
	if !ok {
		return nil, false
	}
	n.stats.PacketsTx++
	n.stats.BytesTx += uint64(len(frame))
	return frame, true
}

// TxComplete tells the MAC the last frame finished after airtime.
func (n *Node) TxComplete(airtime time.Duration) {
	n.mac.TxComplete(airtime)
}

// TxFailed reports that the radio could not send the last frame.
func (n *Node) TxFailed(err error) {
	n.stats.PhyErrors++
	n.mac.TxComplete(0)
	n.log.Warn().Err(err).Msg("Radio failed to transmit frame")
}

// Collision reports that the last transmission collided.
func (n *Node) Collision() {
	n.mac.Collision()
}
