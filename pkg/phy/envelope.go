package phy

import (
	"encoding/binary"

	"github.com/kabili207/meshstack/pkg/packet"
	pb "github.com/meshnet-gophers/meshtastic-go/meshtastic"
)

const frameCheckSize = 2

// wrapFrame carries a raw frame in the Encrypted variant of a MeshPacket so
// it can ride the Meshtastic UDP and MQTT transports. Routing fields are
// copied from the frame header when it decodes. The frame is followed by a
// CRC-16 so receivers can tell our frames from regular Meshtastic traffic
// sharing the group or topic.
func wrapFrame(frame []byte) *pb.MeshPacket {
	body := make([]byte, len(frame), len(frame)+frameCheckSize)
	copy(body, frame)
	body = binary.BigEndian.AppendUint16(body, packet.CRC16CCITT(frame))
	mp := &pb.MeshPacket{
		PayloadVariant: &pb.MeshPacket_Encrypted{Encrypted: body},
	}
	if h, ok := packet.DecodeHeader(frame); ok {
		mp.From = uint32(h.Source)
		mp.To = uint32(h.Destination)
		mp.Id = uint32(h.PacketID)
		mp.HopLimit = uint32(h.HopLimit)
		mp.HopStart = uint32(h.Flags.HopStart())
		mp.WantAck = h.Flags.WantAck()
		mp.ViaMqtt = h.Flags.ViaMQTT()
		mp.Channel = uint32(h.Channel)
	}
	return mp
}

// unwrapFrame returns the raw frame and the receive quality recorded by the
// gateway, if any. Packets that are too short or fail the frame check are
// rejected.
func unwrapFrame(mp *pb.MeshPacket) (rxFrame, bool) {
	body := mp.GetEncrypted()
	if len(body) < packet.HeaderSize+frameCheckSize {
		return rxFrame{}, false
	}
	frame := body[:len(body)-frameCheckSize]
	if binary.BigEndian.Uint16(body[len(frame):]) != packet.CRC16CCITT(frame) {
		return rxFrame{}, false
	}
	return rxFrame{
		data: frame,
		rssi: float32(mp.GetRxRssi()),
		snr:  mp.GetRxSnr(),
	}, true
}
