package packet

import (
	"encoding/binary"

	"github.com/kabili207/meshstack/pkg/meshid"
)

// HeaderSize is the length of the encoded header:
// [dest:4][src:4][packet_id:2 BE][hop_limit:1][flags:1]
const HeaderSize = 12

// DefaultHopLimit is used for direct packets and by the broadcast factories.
const DefaultHopLimit = 3

type Header struct {
	Destination meshid.NodeID
	Source      meshid.NodeID
	PacketID    uint16
	HopLimit    uint8
	Flags       Flags
	// Channel index on the radio. Not part of the minimal wire format.
	Channel uint8
}

// BroadcastHeader addresses every node, recording hopLimit as the hop start.
func BroadcastHeader(source meshid.NodeID, hopLimit uint8, id uint16) Header {
	h := Header{
		Destination: meshid.BROADCAST_ID,
		Source:      source,
		PacketID:    id,
		HopLimit:    hopLimit,
	}
	h.Flags.SetHopStart(hopLimit)
	return h
}

// DirectHeader addresses a single node and asks for an acknowledgement.
func DirectHeader(source, destination meshid.NodeID, id uint16) Header {
	h := Header{
		Destination: destination,
		Source:      source,
		PacketID:    id,
		HopLimit:    DefaultHopLimit,
	}
	h.Flags.SetWantAck(true)
	h.Flags.SetHopStart(DefaultHopLimit)
	return h
}

func (h Header) IsBroadcast() bool {
	return h.Destination.IsBroadcast()
}

// AppendTo appends the 12 byte wire form of h to b.
func (h Header) AppendTo(b []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(h.Destination))
	b = binary.BigEndian.AppendUint32(b, uint32(h.Source))
	b = binary.BigEndian.AppendUint16(b, h.PacketID)
	return append(b, h.HopLimit, uint8(h.Flags))
}

func (h Header) Bytes() []byte {
	return h.AppendTo(make([]byte, 0, HeaderSize))
}

// DecodeHeader reads a header from the front of b. It reports false when b is
// too short.
func DecodeHeader(b []byte) (Header, bool) {
	if len(b) < HeaderSize {
		return Header{}, false
	}
	return Header{
		Destination: meshid.NodeID(binary.BigEndian.Uint32(b[0:4])),
		Source:      meshid.NodeID(binary.BigEndian.Uint32(b[4:8])),
		PacketID:    binary.BigEndian.Uint16(b[8:10]),
		HopLimit:    b[10],
		Flags:       Flags(b[11]),
	}, true
}
