package mesh

import (
	"time"

	"github.com/kabili207/meshstack/pkg/meshid"
	"github.com/kabili207/meshstack/pkg/neighbor"
	"github.com/kabili207/meshstack/pkg/telemetry"
	"github.com/kabili207/meshstack/pkg/traceroute"
)

type EventFunc func(event any)

// MeshEvent is common to every event about a received packet.
type MeshEvent struct {
	PacketID uint16
	From     meshid.NodeID
	To       meshid.NodeID
	HopLimit uint8
	RSSI     float32
	SNR      float32
	RxTime   time.Time
}

func (e MeshEvent) IsDM() bool {
	return !e.To.IsBroadcast()
}

type MessageEvent struct {
	MeshEvent
	Message string
}

type NodeInfoEvent struct {
	MeshEvent
	Info neighbor.NodeInfo
}

type PositionEvent struct {
	MeshEvent
	Position meshid.Position
}

type TelemetryEvent struct {
	MeshEvent
	Telemetry *telemetry.Telemetry
}

// AckEvent reports that a packet we sent was acknowledged.
type AckEvent struct {
	MeshEvent
	AckedID uint16
	RTT     time.Duration
}

// AckTimeoutEvent reports a packet that ran out of retries.
type AckTimeoutEvent struct {
	PacketID    uint16
	Destination meshid.NodeID
	Err         error
}

type TracerouteEvent struct {
	Result traceroute.Result
}
