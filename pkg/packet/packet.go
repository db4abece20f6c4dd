package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/kabili207/meshstack/pkg/meshid"
)

// MaxPayloadSize is the largest payload that fits in a LoRa frame after the
// header, type byte and MIC.
const MaxPayloadSize = 237

// MICSize is the length of the trailing message integrity code.
const MICSize = 4

var ErrPayloadTooLarge = errors.New("packet: payload too large")

type Type uint8

const (
	TypeText      Type = 0
	TypePosition  Type = 1
	TypeNodeInfo  Type = 2
	TypeRouting   Type = 3
	TypeAck       Type = 4
	TypeTelemetry Type = 5
	TypeChannel   Type = 6
	TypeAdmin     Type = 7
	TypeCustom    Type = 255
)

// TypeFromByte maps unknown values to TypeCustom.
func TypeFromByte(b byte) Type {
	if b <= byte(TypeAdmin) {
		return Type(b)
	}
	return TypeCustom
}

func (t Type) String() string {
	switch t {
	case TypeText:
		return "text"
	case TypePosition:
		return "position"
	case TypeNodeInfo:
		return "node_info"
	case TypeRouting:
		return "routing"
	case TypeAck:
		return "ack"
	case TypeTelemetry:
		return "telemetry"
	case TypeChannel:
		return "channel"
	case TypeAdmin:
		return "admin"
	default:
		return "custom"
	}
}

// Key identifies a packet for duplicate suppression. It is not bound to the
// payload, so a spoofed (source, id) pair suppresses the genuine packet.
type Key struct {
	Source   meshid.NodeID
	PacketID uint16
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d", k.Source, k.PacketID)
}

// Uint64 packs the key the same way the packet cache keys entries.
func (k Key) Uint64() uint64 {
	return (uint64(k.Source) << 32) | uint64(k.PacketID)
}

type Packet struct {
	Header  Header
	Type    Type
	Payload []byte
	MIC     *[MICSize]byte

	// Reception metadata, filled in on receive
	RxRSSI *float32
	RxSNR  *float32
	RxTime *time.Time
}

// New builds a packet and rejects payloads over MaxPayloadSize.
func New(header Header, typ Type, payload []byte) (*Packet, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: max(%d) sent(%d)", ErrPayloadTooLarge, MaxPayloadSize, len(payload))
	}
	return &Packet{
		Header:  header,
		Type:    typ,
		Payload: append([]byte(nil), payload...),
	}, nil
}

// NewBroadcast creates a text broadcast. Payloads over MaxPayloadSize are truncated.
func NewBroadcast(source meshid.NodeID, id uint16, payload []byte, hopLimit uint8) *Packet {
	return &Packet{
		Header:  BroadcastHeader(source, hopLimit, id),
		Type:    TypeText,
		Payload: clampPayload(payload),
	}
}

// NewDirect creates a text packet for one node with want_ack set.
func NewDirect(source, destination meshid.NodeID, id uint16, payload []byte) *Packet {
	return &Packet{
		Header:  DirectHeader(source, destination, id),
		Type:    TypeText,
		Payload: clampPayload(payload),
	}
}

// NewAck acknowledges ackedID. The payload is the acked id, big-endian.
func NewAck(source, destination meshid.NodeID, id uint16, ackedID uint16) *Packet {
	h := DirectHeader(source, destination, id)
	h.Flags.SetWantAck(false)
	return &Packet{
		Header:  h,
		Type:    TypeAck,
		Payload: binary.BigEndian.AppendUint16(nil, ackedID),
	}
}

// AckedID returns the packet id carried by an Ack payload.
func (p *Packet) AckedID() (uint16, bool) {
	if p.Type != TypeAck || len(p.Payload) < 2 {
		return 0, false
	}
	return binary.BigEndian.Uint16(p.Payload), true
}

// NewTyped creates a broadcast carrying an already encoded payload of the given type.
func NewTyped(source meshid.NodeID, id uint16, typ Type, payload []byte, hopLimit uint8) (*Packet, error) {
	return New(BroadcastHeader(source, hopLimit, id), typ, payload)
}

func clampPayload(payload []byte) []byte {
	if len(payload) > MaxPayloadSize {
		payload = payload[:MaxPayloadSize]
	}
	return append([]byte(nil), payload...)
}

func (p *Packet) DedupKey() Key {
	return Key{Source: p.Header.Source, PacketID: p.Header.PacketID}
}

// IsForNode reports whether the packet is broadcast or addressed to id.
func (p *Packet) IsForNode(id meshid.NodeID) bool {
	return p.Header.Destination.IsBroadcast() || p.Header.Destination == id
}

// DecrementHopLimit returns false, leaving the packet untouched, when the hop
// limit is already zero. Callers drop the packet in that case.
func (p *Packet) DecrementHopLimit() bool {
	if p.Header.HopLimit == 0 {
		return false
	}
	p.Header.HopLimit--
	return true
}

func (p *Packet) SetRxMetadata(rssi, snr float32, at time.Time) {
	p.RxRSSI = &rssi
	p.RxSNR = &snr
	p.RxTime = &at
}

// Clone returns a deep copy.
func (p *Packet) Clone() *Packet {
	c := *p
	c.Payload = append([]byte(nil), p.Payload...)
	if p.MIC != nil {
		mic := *p.MIC
		c.MIC = &mic
	}
	if p.RxRSSI != nil {
		v := *p.RxRSSI
		c.RxRSSI = &v
	}
	if p.RxSNR != nil {
		v := *p.RxSNR
		c.RxSNR = &v
	}
	if p.RxTime != nil {
		v := *p.RxTime
		c.RxTime = &v
	}
	return &c
}

// EncodedLen is the size of Encode's output.
func (p *Packet) EncodedLen() int {
	n := HeaderSize + 1 + len(p.Payload)
	if p.Header.Flags.Encrypted() && p.MIC != nil {
		n += MICSize
	}
	return n
}

// Encode serializes the packet: header, type byte, payload and, for encrypted
// packets, the MIC.
func (p *Packet) Encode() []byte {
	b := make([]byte, 0, p.EncodedLen())
	b = p.Header.AppendTo(b)
	b = append(b, byte(p.Type))
	b = append(b, p.Payload...)
	if p.Header.Flags.Encrypted() && p.MIC != nil {
		b = append(b, p.MIC[:]...)
	}
	return b
}

// Decode parses a frame. Truncated input is reported with false rather than
// an error since it is usually radio noise.
func Decode(b []byte) (*Packet, bool) {
	if len(b) < HeaderSize+1 {
		return nil, false
	}
	header, ok := DecodeHeader(b)
	if !ok {
		return nil, false
	}

	p := &Packet{
		Header: header,
		Type:   TypeFromByte(b[HeaderSize]),
	}

	body := b[HeaderSize+1:]
	if header.Flags.Encrypted() && len(body) >= MICSize {
		var mic [MICSize]byte
		copy(mic[:], body[len(body)-MICSize:])
		p.MIC = &mic
		body = body[:len(body)-MICSize]
	}
	if len(body) > MaxPayloadSize {
		return nil, false
	}
	p.Payload = append([]byte(nil), body...)
	return p, true
}
