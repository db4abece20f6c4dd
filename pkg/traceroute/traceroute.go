// Package traceroute discovers the path to a node by sending a request that
// every relay stamps with its ID.
package traceroute

import (
	"encoding/binary"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bits-and-blooms/bloom/v3"
	"github.com/kabili207/meshstack/pkg/meshid"
	"github.com/rs/zerolog"
)

const seenCapacity = 1024

type Config struct {
	MaxHops              uint8         `yaml:"max_hops"`
	Timeout              time.Duration `yaml:"timeout"`
	ProbesPerHop         uint8         `yaml:"probes_per_hop"`
	IncludeSignalQuality bool          `yaml:"include_signal_quality"`
}

func DefaultConfig() Config {
	return Config{
		MaxHops:              10,
		Timeout:              30 * time.Second,
		ProbesPerHop:         1,
		IncludeSignalQuality: true,
	}
}

type Action int

const (
	// Forward the stamped request onward.
	ActionForward Action = iota
	// Send the reply back to the initiator.
	ActionReply
	// This node already handled the request.
	ActionIgnore
)

type Response struct {
	Action  Action
	Request *Request
	Reply   *Reply
}

// Manager plays all three roles for one node: it starts traces, stamps and
// answers requests, and collects replies.
type Manager struct {
	nodeID        meshid.NodeID
	cfg           Config
	pending       map[uint32]*Result
	completed     []Result
	nextRequestID uint32
	clock         clock.Clock
	log           zerolog.Logger

	seen      *bloom.BloomFilter
	seenCount uint
}

func NewManager(nodeID meshid.NodeID, cfg Config, clk clock.Clock, log zerolog.Logger) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		nodeID:        nodeID,
		cfg:           cfg,
		pending:       make(map[uint32]*Result),
		nextRequestID: 1,
		clock:         clk,
		log:           log.With().Str("component", "traceroute").Logger(),
		seen:          bloom.NewWithEstimates(seenCapacity, 0.001),
	}
}

// StartTrace registers a pending trace and returns the request to send.
func (m *Manager) StartTrace(destination meshid.NodeID) *Request {
	id := m.nextRequestID
	m.nextRequestID++
	if m.nextRequestID == 0 {
		m.nextRequestID = 1
	}

	m.pending[id] = &Result{
		RequestID:   id,
		Source:      m.nodeID,
		Destination: destination,
		StartedAt:   m.clock.Now(),
	}
	req := NewRequest(id, m.nodeID, destination, m.cfg.MaxHops)
	req.WantSignalQuality = m.cfg.IncludeSignalQuality
	m.markSeen(kindRequest, req.Source, req.RequestID)
	return req
}

// markSeen returns true if the (kind, source, request ID) triple was already
// recorded. Requests and replies share the filter under different kinds.
func (m *Manager) markSeen(kind byte, source meshid.NodeID, requestID uint32) bool {
	var key [9]byte
	key[0] = kind
	binary.BigEndian.PutUint32(key[1:5], uint32(source))
	binary.BigEndian.PutUint32(key[5:9], requestID)
	if m.seen.TestAndAdd(key[:]) {
		return true
	}
	m.seenCount++
	if m.seenCount >= seenCapacity {
		m.seen.ClearAll()
		m.seenCount = 0
	}
	return false
}

// HandleRequest stamps req with this node and decides what happens next.
// Each request is handled once; later copies are ignored.
func (m *Manager) HandleRequest(req *Request, rssi, snr float32) Response {
	if m.markSeen(kindRequest, req.Source, req.RequestID) {
		return Response{Action: ActionIgnore}
	}
	req.AddHop(m.nodeID)

	log := m.log.With().
		Stringer("from", req.Source).
		Stringer("to", req.Destination).
		Uint32("request_id", req.RequestID).
		Logger()

	if req.Destination == m.nodeID {
		reply := ReplyFromRequest(req, true)
		if req.WantSignalQuality {
			reply.AddSignalQuality(rssi, snr)
		}
		log.Debug().Int("hops", len(req.Route)).Msg("Traceroute request reached us")
		m.markSeen(kindReply, reply.Source, reply.RequestID)
		return Response{Action: ActionReply, Reply: reply}
	}

	if req.MaxHopsReached() {
		log.Debug().Uint8("max_hops", req.MaxHops).Msg("Traceroute hop limit reached")
		m.markSeen(kindReply, req.Source, req.RequestID)
		return Response{Action: ActionReply, Reply: ReplyFromRequest(req, false)}
	}

	return Response{Action: ActionForward, Request: req}
}

// RelayReply reports whether this node should re-send reply one hop back
// toward the initiator. Only nodes on the recorded route relay, and each
// does so once per trace. The initiator never relays.
func (m *Manager) RelayReply(reply *Reply) bool {
	if reply.Source == m.nodeID || !onReturnPath(reply.Route, m.nodeID) {
		return false
	}
	return !m.markSeen(kindReply, reply.Source, reply.RequestID)
}

func onReturnPath(route []meshid.NodeID, id meshid.NodeID) bool {
	for i := 1; i < len(route); i++ {
		if route[i] == id {
			return true
		}
	}
	return false
}

// HandleReply completes the matching pending trace. Replies for unknown or
// already finished requests return false.
func (m *Manager) HandleReply(reply *Reply) (Result, bool) {
	pending, ok := m.pending[reply.RequestID]
	if !ok || reply.Source != m.nodeID {
		return Result{}, false
	}
	delete(m.pending, reply.RequestID)

	now := m.clock.Now()
	total := now.Sub(pending.StartedAt)
	result := *pending
	result.Reached = reply.Reached
	result.CompletedAt = &now
	result.TotalRTT = &total

	// Signal reports line up with the tail of the route.
	sqOffset := len(reply.Route) - len(reply.SignalQuality)
	for i, id := range reply.Route {
		hop := Hop{HopNumber: uint8(i + 1), NodeID: id}
		if j := i - sqOffset; j >= 0 && j < len(reply.SignalQuality) {
			sq := reply.SignalQuality[j]
			hop.RSSI, hop.SNR = &sq.RSSI, &sq.SNR
		}
		result.Hops = append(result.Hops, hop)
	}

	m.completed = append(m.completed, result)
	m.log.Info().
		Stringer("to", result.Destination).
		Bool("reached", result.Reached).
		Str("route", result.RouteString()).
		Msg("Traceroute completed")
	return result, true
}

// CheckTimeouts closes traces that waited longer than the timeout. They are
// reported as not reached.
func (m *Manager) CheckTimeouts() []Result {
	now := m.clock.Now()
	var timedOut []Result
	for id, r := range m.pending {
		if now.Sub(r.StartedAt) <= m.cfg.Timeout {
			continue
		}
		delete(m.pending, id)
		res := *r
		res.Reached = false
		res.CompletedAt = &now
		timedOut = append(timedOut, res)
		m.completed = append(m.completed, res)
		m.log.Debug().Stringer("to", res.Destination).Uint32("request_id", id).Msg("Traceroute timed out")
	}
	return timedOut
}

func (m *Manager) PendingCount() int {
	return len(m.pending)
}

func (m *Manager) Completed() []Result {
	return m.completed
}

func (m *Manager) ClearCompleted() {
	m.completed = nil
}
