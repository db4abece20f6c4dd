package traceroute

import (
	"encoding/binary"
	"math"

	"github.com/kabili207/meshstack/pkg/meshid"
	"github.com/kabili207/meshstack/pkg/packet"
)

const (
	fixedLen = 16

	kindRequest byte = 1
	kindReply   byte = 2
)

// Longest route that still fits a reply with one signal report in a packet.
const maxRouteLen = (packet.MaxPayloadSize - 1 - fixedLen - 8) / 4

// Request travels from the initiator toward the destination, collecting the
// IDs of the nodes it passes.
type Request struct {
	RequestID         uint32
	Source            meshid.NodeID
	Destination       meshid.NodeID
	HopCount          uint8
	MaxHops           uint8
	Route             []meshid.NodeID
	WantSignalQuality bool
}

func NewRequest(requestID uint32, source, destination meshid.NodeID, maxHops uint8) *Request {
	return &Request{
		RequestID:         requestID,
		Source:            source,
		Destination:       destination,
		MaxHops:           maxHops,
		Route:             []meshid.NodeID{source},
		WantSignalQuality: true,
	}
}

func (r *Request) AddHop(id meshid.NodeID) {
	r.HopCount++
	r.Route = append(r.Route, id)
}

func (r *Request) MaxHopsReached() bool {
	return r.HopCount >= r.MaxHops || len(r.Route) >= maxRouteLen
}

// Marshal uses little-endian fields: request id, source, destination, hop
// count, max hops, signal quality flag, route length, then the route.
func (r *Request) Marshal() []byte {
	b := make([]byte, 0, fixedLen+4*len(r.Route))
	b = binary.LittleEndian.AppendUint32(b, r.RequestID)
	b = binary.LittleEndian.AppendUint32(b, uint32(r.Source))
	b = binary.LittleEndian.AppendUint32(b, uint32(r.Destination))
	b = append(b, r.HopCount, r.MaxHops, boolByte(r.WantSignalQuality), byte(len(r.Route)))
	for _, id := range r.Route {
		b = binary.LittleEndian.AppendUint32(b, uint32(id))
	}
	return b
}

// UnmarshalRequest returns false for truncated input.
func UnmarshalRequest(b []byte) (*Request, bool) {
	if len(b) < fixedLen {
		return nil, false
	}
	routeLen := int(b[15])
	if len(b) < fixedLen+routeLen*4 {
		return nil, false
	}
	r := &Request{
		RequestID:         binary.LittleEndian.Uint32(b[0:4]),
		Source:            meshid.NodeID(binary.LittleEndian.Uint32(b[4:8])),
		Destination:       meshid.NodeID(binary.LittleEndian.Uint32(b[8:12])),
		HopCount:          b[12],
		MaxHops:           b[13],
		WantSignalQuality: b[14] != 0,
		Route:             readRoute(b[fixedLen:], routeLen),
	}
	return r, true
}

// SignalQuality is how a hop heard the request.
type SignalQuality struct {
	RSSI float32
	SNR  float32
}

// Reply carries the collected route back to the initiator. Signal reports
// describe the last len(SignalQuality) hops of the route.
type Reply struct {
	RequestID     uint32
	Source        meshid.NodeID
	Destination   meshid.NodeID
	Route         []meshid.NodeID
	SignalQuality []SignalQuality
	Reached       bool
}

func ReplyFromRequest(req *Request, reached bool) *Reply {
	return &Reply{
		RequestID:   req.RequestID,
		Source:      req.Source,
		Destination: req.Destination,
		Route:       append([]meshid.NodeID(nil), req.Route...),
		Reached:     reached,
	}
}

func (r *Reply) AddSignalQuality(rssi, snr float32) {
	r.SignalQuality = append(r.SignalQuality, SignalQuality{RSSI: rssi, SNR: snr})
}

func (r *Reply) Marshal() []byte {
	b := make([]byte, 0, fixedLen+4*len(r.Route)+8*len(r.SignalQuality))
	b = binary.LittleEndian.AppendUint32(b, r.RequestID)
	b = binary.LittleEndian.AppendUint32(b, uint32(r.Source))
	b = binary.LittleEndian.AppendUint32(b, uint32(r.Destination))
	b = append(b, boolByte(r.Reached), byte(len(r.Route)), byte(len(r.SignalQuality)), 0)
	for _, id := range r.Route {
		b = binary.LittleEndian.AppendUint32(b, uint32(id))
	}
	for _, sq := range r.SignalQuality {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(sq.RSSI))
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(sq.SNR))
	}
	return b
}

func UnmarshalReply(b []byte) (*Reply, bool) {
	if len(b) < fixedLen {
		return nil, false
	}
	routeLen := int(b[13])
	sqLen := int(b[14])
	if len(b) < fixedLen+routeLen*4+sqLen*8 {
		return nil, false
	}
	r := &Reply{
		RequestID:   binary.LittleEndian.Uint32(b[0:4]),
		Source:      meshid.NodeID(binary.LittleEndian.Uint32(b[4:8])),
		Destination: meshid.NodeID(binary.LittleEndian.Uint32(b[8:12])),
		Reached:     b[12] != 0,
		Route:       readRoute(b[fixedLen:], routeLen),
	}
	off := fixedLen + routeLen*4
	for range sqLen {
		r.SignalQuality = append(r.SignalQuality, SignalQuality{
			RSSI: math.Float32frombits(binary.LittleEndian.Uint32(b[off:])),
			SNR:  math.Float32frombits(binary.LittleEndian.Uint32(b[off+4:])),
		})
		off += 8
	}
	return r, true
}

// RoutingPayload frames a request for a Routing packet.
func (r *Request) RoutingPayload() []byte {
	return append([]byte{kindRequest}, r.Marshal()...)
}

func (r *Reply) RoutingPayload() []byte {
	return append([]byte{kindReply}, r.Marshal()...)
}

// ParseRoutingPayload returns whichever message a Routing packet carries.
func ParseRoutingPayload(b []byte) (*Request, *Reply, bool) {
	if len(b) == 0 {
		return nil, nil, false
	}
	switch b[0] {
	case kindRequest:
		req, ok := UnmarshalRequest(b[1:])
		return req, nil, ok
	case kindReply:
		rep, ok := UnmarshalReply(b[1:])
		return nil, rep, ok
	default:
		return nil, nil, false
	}
}

func readRoute(b []byte, n int) []meshid.NodeID {
	route := make([]meshid.NodeID, n)
	for i := range route {
		route[i] = meshid.NodeID(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return route
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
