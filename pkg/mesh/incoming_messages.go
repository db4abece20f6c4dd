package mesh

import (
	"github.com/kabili207/meshstack/pkg/meshid"
	"github.com/kabili207/meshstack/pkg/neighbor"
	"github.com/kabili207/meshstack/pkg/packet"
	"github.com/kabili207/meshstack/pkg/routing"
	"github.com/kabili207/meshstack/pkg/telemetry"
	"github.com/rs/zerolog"
)

// ReceiveBytes decodes and decrypts a frame from the radio and runs it
// through OnReceive. It returns the packet if it was meant for this node.
// Frames that do not decode are noise on a shared channel; they are counted
// in Stats.InvalidPackets and dropped without an error.
func (n *Node) ReceiveBytes(frame []byte, rssi, snr float32) (*packet.Packet, error) {
	pkt, ok := packet.Decode(frame)
	if !ok {
		n.stats.InvalidPackets++
		n.log.Trace().Int("length", len(frame)).Msg("Dropped undecodable frame")
		return nil, nil
	}

	if pkt.Header.Flags.Encrypted() {
		if !n.decrypt(pkt) {
			n.stats.DecryptFailures++
			n.log.Debug().
				Stringer("from", pkt.Header.Source).
				Uint16("packet_id", pkt.Header.PacketID).
				Msg("No channel could decrypt packet")
			return nil, &Error{Kind: KindCryptoError, Node: pkt.Header.Source, Detail: "no matching channel key"}
		}
	} else if n.allChannelsEncrypted() {
		n.stats.InvalidPackets++
		return nil, &Error{Kind: KindInvalidPacket, Node: pkt.Header.Source, Detail: "plaintext packet on encrypted channels"}
	}

	return n.OnReceive(pkt, rssi, snr), nil
}

// decrypt tries every channel key in order and records which one matched.
func (n *Node) decrypt(pkt *packet.Packet) bool {
	for i, ch := range n.channels {
		if ch.crypto == nil {
			continue
		}
		attempt := pkt.Clone()
		if err := ch.crypto.DecryptPacket(attempt); err != nil {
			continue
		}
		*pkt = *attempt
		pkt.Header.Channel = uint8(i)
		return true
	}
	return false
}

func (n *Node) allChannelsEncrypted() bool {
	for _, ch := range n.channels {
		if ch.crypto == nil {
			return false
		}
	}
	return true
}

// OnReceive handles a decoded, decrypted packet. Returns the packet when it
// should be delivered locally, nil otherwise.
func (n *Node) OnReceive(pkt *packet.Packet, rssi, snr float32) *packet.Packet {
	now := n.clock.Now()
	pkt.SetRxMetadata(rssi, snr, now)
	h := pkt.Header

	log := n.log.With().
		Stringer("from", h.Source).
		Stringer("to", h.Destination).
		Uint16("packet_id", h.PacketID).
		Stringer("type", pkt.Type).
		Logger()

	if h.Source != n.nodeID {
		if routing.HopsTraveled(h) == 1 {
			n.neighbors.Update(h.Source, rssi, snr)
		}
		// The last relay is not on the wire, so the source is the best next hop
		// we know of.
		quality := neighbor.NewLinkQuality(rssi, snr).QualityScore()
		if nb, ok := n.neighbors.Get(h.Source); ok {
			quality = nb.LinkQuality.QualityScore()
		}
		n.nextHop.LearnRoute(pkt, h.Source, quality)
	}

	duplicate := n.flood.IsDuplicate(pkt)
	local, scheduled := n.flood.ProcessIncoming(pkt, rssi, snr)
	n.stats.PacketsRx++
	n.stats.BytesRx += uint64(pkt.EncodedLen())

	if duplicate {
		n.stats.DuplicatesDropped++
		// Our earlier ack may have been lost.
		if h.Destination == n.nodeID && h.Flags.WantAck() && pkt.Type != packet.TypeAck {
			n.sendAck(h.Source, h.PacketID, h.Channel)
		}
		return nil
	}

	if !scheduled && h.HopLimit == 0 && h.Flags.HopStart() > 0 &&
		h.Source != n.nodeID && !pkt.IsForNode(n.nodeID) {
		n.stats.HopLimitExceeded++
		log.Trace().Msg("Hop limit exhausted, not relaying")
	}

	if local == nil {
		return nil
	}

	log.Debug().
		Float32("rssi", rssi).
		Float32("snr", snr).
		Uint8("hop_limit", h.HopLimit).
		Msg("Received packet")

	evt := MeshEvent{
		PacketID: h.PacketID,
		From:     h.Source,
		To:       h.Destination,
		HopLimit: h.HopLimit,
		RSSI:     rssi,
		SNR:      snr,
		RxTime:   now,
	}
	n.handlePayload(local, evt, log)

	if h.Destination == n.nodeID && h.Flags.WantAck() && pkt.Type != packet.TypeAck {
		n.sendAck(h.Source, h.PacketID, h.Channel)
	}

	if len(n.rxQueue) >= DefaultRxQueueSize {
		n.rxQueue = n.rxQueue[1:]
	}
	n.rxQueue = append(n.rxQueue, local)
	return local
}

func (n *Node) handlePayload(pkt *packet.Packet, evt MeshEvent, log zerolog.Logger) {
	source := pkt.Header.Source
	switch pkt.Type {
	case packet.TypeText:
		n.notifyEvent(&MessageEvent{MeshEvent: evt, Message: string(pkt.Payload)})

	case packet.TypeNodeInfo:
		info, err := neighbor.UnmarshalNodeInfo(source, pkt.Payload)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to decode node info")
			return
		}
		if prev, ok := n.neighbors.Get(source); ok {
			if info.Position == nil {
				info.Position = prev.Info.Position
			}
			n.neighbors.UpdateInfo(source, info)
		}
		log.Debug().
			Str("short_name", info.ShortName).
			Str("long_name", info.LongName).
			Msg("Received node info")
		n.notifyEvent(&NodeInfoEvent{MeshEvent: evt, Info: info})

	case packet.TypePosition:
		pos, ok := packet.DecodePosition(pkt.Payload)
		if !ok {
			log.Warn().Msg("Failed to decode position")
			return
		}
		if nb, ok := n.neighbors.Get(source); ok {
			nb.Info.Position = &pos
			n.neighbors.UpdateInfo(source, nb.Info)
		}
		n.notifyEvent(&PositionEvent{MeshEvent: evt, Position: pos})

	case packet.TypeTelemetry:
		tel, err := telemetry.Unmarshal(pkt.Payload)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to decode telemetry")
			return
		}
		n.neighbors.UpdateTelemetry(source, tel)
		n.notifyEvent(&TelemetryEvent{MeshEvent: evt, Telemetry: tel})

	case packet.TypeAck:
		n.stats.AcksReceived++
		if ackedID, ok := pkt.AckedID(); ok {
			n.handleAck(source, ackedID, evt)
		}

	case packet.TypeRouting:
		n.handleRouting(pkt, evt)
	}
}

func (n *Node) handleAck(from meshid.NodeID, ackedID uint16, evt MeshEvent) {
	pa, ok := n.pendingAcks[ackedID]
	if !ok || pa.pkt.Header.Destination != from {
		return
	}
	delete(n.pendingAcks, ackedID)

	rtt := n.clock.Since(pa.sentAt)
	ms := float32(rtt.Microseconds()) / 1000
	n.rtt.add(ms)
	n.neighbors.RecordRTT(from, ms)
	n.log.Debug().
		Stringer("from", from).
		Uint16("packet_id", ackedID).
		Dur("rtt", rtt).
		Msg("Packet acknowledged")
	n.notifyEvent(&AckEvent{MeshEvent: evt, AckedID: ackedID, RTT: rtt})
}
