package packet

import (
	"time"

	"github.com/kabili207/meshstack/pkg/meshid"
	pb "github.com/meshnet-gophers/meshtastic-go/meshtastic"
	"google.golang.org/protobuf/proto"
)

// EncodePosition encodes pos as a Meshtastic Position message.
func EncodePosition(pos meshid.Position, at time.Time) ([]byte, error) {
	latI := int32(pos.Latitude * 1e7)
	lonI := int32(pos.Longitude * 1e7)
	altI := int32(pos.Altitude)

	msg := pb.Position{
		Time:          uint32(at.Unix()),
		LatitudeI:     &latI,
		LongitudeI:    &lonI,
		Altitude:      &altI,
		PrecisionBits: pos.PrecisionBits(),
	}
	return proto.Marshal(&msg)
}

// DecodePosition reads a Position message. Messages without coordinates are
// reported with false.
func DecodePosition(payload []byte) (meshid.Position, bool) {
	var msg pb.Position
	if err := proto.Unmarshal(payload, &msg); err != nil {
		return meshid.Position{}, false
	}
	if msg.LatitudeI == nil || msg.LongitudeI == nil {
		return meshid.Position{}, false
	}
	pos := meshid.Position{
		Latitude:  float64(msg.GetLatitudeI()) * 1e-7,
		Longitude: float64(msg.GetLongitudeI()) * 1e-7,
		Altitude:  float32(msg.GetAltitude()),
	}
	return pos, true
}

// NewPosition creates a position broadcast with hop start recorded.
func NewPosition(source meshid.NodeID, id uint16, pos meshid.Position, at time.Time) (*Packet, error) {
	payload, err := EncodePosition(pos, at)
	if err != nil {
		return nil, err
	}
	return New(BroadcastHeader(source, DefaultHopLimit, id), TypePosition, payload)
}
