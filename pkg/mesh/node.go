// Package mesh ties the protocol layers together into a Node: framing,
// crypto, flooding, next-hop learning, CSMA, acknowledgements, traceroute and
// periodic announcements.
package mesh

import (
	"math/rand/v2"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/kabili207/meshstack/pkg/mac"
	"github.com/kabili207/meshstack/pkg/meshid"
	"github.com/kabili207/meshstack/pkg/neighbor"
	"github.com/kabili207/meshstack/pkg/packet"
	"github.com/kabili207/meshstack/pkg/routing"
	"github.com/kabili207/meshstack/pkg/telemetry"
	"github.com/kabili207/meshstack/pkg/traceroute"
	"github.com/rs/zerolog"
	"go.mau.fi/util/ptr"
)

const DefaultRxQueueSize = 64

// Network is the routing view of a node.
type Network interface {
	NodeID() meshid.NodeID
	DiscoverNeighbors() []neighbor.Neighbor
	Neighbors() []neighbor.Neighbor
	Route(destination meshid.NodeID) (routing.Route, bool)
	Forward(pkt *packet.Packet) error
	OnReceive(pkt *packet.Packet, rssi, snr float32) *packet.Packet
	Broadcast(payload []byte) (uint16, error)
	SendDirect(destination meshid.NodeID, payload []byte) (uint16, error)
	Stats() Stats
	Tick(elapsed time.Duration)
}

var _ Network = (*Node)(nil)

type pendingAck struct {
	pkt      *packet.Packet
	sentAt   time.Time
	deadline time.Time
	retries  uint8
}

// Node is a single mesh participant. It never touches a radio itself: frames
// go in through ReceiveBytes and come out of ProcessTx. Not safe for
// concurrent use; see Runner.
type Node struct {
	nodeID   meshid.NodeID
	cfg      Config
	channels []channelState

	mac       *mac.Layer
	flood     *routing.FloodRouter
	nextHop   *routing.NextHopRouter
	neighbors *neighbor.Table
	traces    *traceroute.Manager
	ids       *packet.IDSource

	pendingAcks map[uint16]*pendingAck
	rxQueue     []*packet.Packet

	stats  Stats
	rtt    rttAverage
	uptime time.Duration

	position    *meshid.Position
	device      telemetry.DeviceMetrics
	environment *telemetry.EnvironmentMetrics
	power       *telemetry.PowerMetrics

	lastNodeInfo    time.Time
	lastPosition    time.Time
	lastDevice      time.Time
	lastEnvironment time.Time
	lastPower       time.Time
	lastHost        time.Time

	eventHandlers []EventFunc
	clock         clock.Clock
	log           zerolog.Logger
}

// NewNode validates cfg and builds a node. A zero NodeID is replaced with a
// random one. A nil clock means wall time and a nil rng is seeded from it.
func NewNode(cfg Config, clk clock.Clock, rng *rand.Rand, logger zerolog.Logger) (*Node, error) {
	if clk == nil {
		clk = clock.New()
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(uint64(clk.Now().UnixNano()), 0))
	}
	if cfg.NodeID == 0 {
		cfg.NodeID = meshid.RandomNodeID(rng)
	}
	if err := cfg.Validate(); err != nil {
		return nil, &Error{Kind: KindOther, Detail: "invalid config", Err: err}
	}
	channels, err := buildChannels(cfg.PrimaryChannel, cfg.SecondaryChannels, cfg.EncryptionEnabled)
	if err != nil {
		return nil, newError(KindCryptoError, err)
	}

	log := logger.With().Stringer("node", cfg.NodeID).Logger()

	csma := cfg.Csma
	if limit := cfg.Region.DutyCycleLimit(); csma.TargetUtilization <= 0 || csma.TargetUtilization > limit {
		csma.TargetUtilization = limit
	}
	flood := cfg.Flood
	flood.DefaultHopLimit = cfg.HopLimit

	n := &Node{
		nodeID:      cfg.NodeID,
		cfg:         cfg,
		channels:    channels,
		mac:         mac.New(csma, clk, rng),
		flood:       routing.NewFloodRouter(cfg.NodeID, flood, clk, rng, log),
		nextHop:     routing.NewNextHopRouter(cfg.NodeID, cfg.RouteTimeout, cfg.MaxRoutes, clk),
		neighbors:   neighbor.NewTable(cfg.NeighborTimeout, cfg.MaxNeighbors, clk),
		traces:      traceroute.NewManager(cfg.NodeID, cfg.Traceroute, clk, log),
		ids:         packet.NewIDSource(rng),
		pendingAcks: make(map[uint16]*pendingAck),
		clock:       clk,
		log:         log,
	}
	log.Info().
		Str("region", cfg.Region.String()).
		Str("channel", cfg.PrimaryChannel.Name).
		Bool("encrypted", cfg.EncryptionEnabled && channels[0].crypto != nil).
		Msg("Mesh node created")
	return n, nil
}

func (n *Node) NodeID() meshid.NodeID {
	return n.nodeID
}

func (n *Node) Config() Config {
	return n.cfg
}

func (n *Node) AddEventHandler(handler EventFunc) {
	n.eventHandlers = append(n.eventHandlers, handler)
}

func (n *Node) notifyEvent(event any) {
	for _, handler := range n.eventHandlers {
		handler(event)
	}
}

// NodeInfo is this node's own announcement.
func (n *Node) NodeInfo() neighbor.NodeInfo {
	info := neighbor.NewNodeInfo(n.nodeID, n.cfg.ShortName, n.cfg.LongName)
	info.HardwareModel = n.cfg.HardwareModel
	info.IsRouter = n.cfg.IsRouter
	info.Position = n.position
	if n.device.BatteryLevel != nil {
		info.BatteryLevel = ptr.Ptr(uint8(min(*n.device.BatteryLevel, 100)))
	}
	return info
}

func (n *Node) Neighbors() []neighbor.Neighbor {
	return n.neighbors.Active()
}

// DiscoverNeighbors announces this node if it has not done so recently and
// returns the neighbors heard so far.
func (n *Node) DiscoverNeighbors() []neighbor.Neighbor {
	if n.lastNodeInfo.IsZero() || n.clock.Since(n.lastNodeInfo) >= DefaultNodeInfoInterval {
		if _, err := n.SendNodeInfo(); err != nil {
			n.log.Warn().Err(err).Msg("Failed to announce node info")
		}
	}
	return n.neighbors.Active()
}

// Route is the known path to destination. Direct neighbors always win over
// learned routes.
func (n *Node) Route(destination meshid.NodeID) (routing.Route, bool) {
	if nb, ok := n.neighbors.Get(destination); ok && !n.clock.Now().After(nb.LastSeen.Add(n.cfg.NeighborTimeout)) {
		return routing.DirectRoute(destination), true
	}
	return n.nextHop.GetRoute(destination)
}

func (n *Node) Stats() Stats {
	s := n.stats
	s.ChannelUtilization = n.mac.ChannelUtilization()
	s.AvgRTTMillis = n.rtt.mean
	s.NeighborCount = len(n.neighbors.Active())
	s.RouteCount = n.nextHop.RouteCount()
	s.PendingRebroadcast = n.flood.PendingCount()
	s.QueueDepth = n.mac.QueueDepth()
	return s
}

// Receive drains packets delivered to this node.
func (n *Node) Receive() []*packet.Packet {
	out := n.rxQueue
	n.rxQueue = nil
	return out
}

func (n *Node) SetPosition(pos meshid.Position) {
	n.position = &pos
}

func (n *Node) Position() (meshid.Position, bool) {
	if n.position == nil {
		return meshid.Position{}, false
	}
	return *n.position, true
}

// SetBatteryLevel takes a percentage; values over 100 are clamped.
func (n *Node) SetBatteryLevel(level uint32) {
	n.device.BatteryLevel = ptr.Ptr(min(level, 100))
}

func (n *Node) SetVoltage(volts float32) {
	n.device.Voltage = &volts
}

func (n *Node) SetAirUtilTx(percent float32) {
	n.device.AirUtilTx = &percent
}

// SetEnvironmentMetrics enables periodic environment telemetry.
func (n *Node) SetEnvironmentMetrics(m telemetry.EnvironmentMetrics) {
	n.environment = &m
}

// SetPowerMetrics enables periodic power telemetry.
func (n *Node) SetPowerMetrics(m telemetry.PowerMetrics) {
	n.power = &m
}

// DeviceMetrics is the current device report, with uptime and channel
// utilization filled in.
func (n *Node) DeviceMetrics() telemetry.DeviceMetrics {
	m := n.device
	m.UptimeSeconds = ptr.Ptr(uint32(n.uptime / time.Second))
	m.ChannelUtilization = ptr.Ptr(n.mac.ChannelUtilizationCached() * 100)
	return m
}

// Uptime is the sum of the elapsed time passed to Tick.
func (n *Node) Uptime() time.Duration {
	return n.uptime
}

// Airtime is the time on air of a frame of size bytes with the primary
// channel's modem preset.
func (n *Node) Airtime(size int) time.Duration {
	return n.cfg.PrimaryChannel.Preset.Airtime(size)
}

func (n *Node) MACState() mac.ChannelState {
	return n.mac.State()
}

func (n *Node) ContentionWindow() uint32 {
	return n.mac.ContentionWindow()
}

func (n *Node) PendingAcks() int {
	return len(n.pendingAcks)
}

// Tick does periodic housekeeping: pruning, traceroute and ack timeouts, and
// scheduled announcements.
func (n *Node) Tick(elapsed time.Duration) {
	n.uptime += elapsed

	if pruned := n.neighbors.PruneStale(); pruned > 0 {
		n.log.Debug().Int("count", pruned).Msg("Pruned stale neighbors")
	}
	if pruned := n.nextHop.Prune(); pruned > 0 {
		n.log.Debug().Int("count", pruned).Msg("Pruned expired routes")
	}

	for _, res := range n.traces.CheckTimeouts() {
		n.notifyEvent(&TracerouteEvent{Result: res})
	}

	n.checkAckTimeouts()
	n.sendPeriodic()
}

func due(last time.Time, interval time.Duration, now time.Time) bool {
	return interval > 0 && (last.IsZero() || now.Sub(last) >= interval)
}

func (n *Node) sendPeriodic() {
	now := n.clock.Now()
	tcfg := n.cfg.Telemetry

	if due(n.lastNodeInfo, n.cfg.NodeInfoInterval, now) {
		if _, err := n.SendNodeInfo(); err != nil {
			n.log.Warn().Err(err).Msg("Failed to send node info")
		}
	}
	if n.cfg.PositionEnabled && n.position != nil && due(n.lastPosition, n.cfg.PositionInterval, now) {
		if _, err := n.SendPosition(); err != nil {
			n.log.Warn().Err(err).Msg("Failed to send position")
		}
	}
	if due(n.lastDevice, tcfg.DeviceUpdateInterval, now) {
		n.lastDevice = now
		n.sendTelemetry(telemetry.NewDevice(now, n.DeviceMetrics()))
	}
	if n.environment != nil && due(n.lastEnvironment, tcfg.EnvironmentUpdateInterval, now) {
		n.lastEnvironment = now
		n.sendTelemetry(telemetry.NewEnvironment(now, *n.environment))
	}
	if n.power != nil && due(n.lastPower, tcfg.PowerUpdateInterval, now) {
		n.lastPower = now
		n.sendTelemetry(telemetry.NewPower(now, *n.power))
	}
	if due(n.lastHost, tcfg.HostUpdateInterval, now) {
		n.lastHost = now
		host, err := telemetry.CollectHost(now)
		if err != nil {
			n.log.Warn().Err(err).Msg("Failed to collect host metrics")
			return
		}
		n.sendTelemetry(host)
	}
}

func (n *Node) sendTelemetry(t *telemetry.Telemetry) {
	if _, err := n.SendTelemetry(t); err != nil {
		n.log.Warn().Err(err).Stringer("kind", t.Kind()).Msg("Failed to send telemetry")
	}
}

func (n *Node) checkAckTimeouts() {
	now := n.clock.Now()
	for id, pa := range n.pendingAcks {
		if now.Before(pa.deadline) {
			continue
		}
		if pa.retries < n.cfg.MaxRetries {
			pa.retries++
			pa.deadline = now.Add(n.cfg.AckTimeout)
			n.stats.Retransmissions++
			n.log.Debug().
				Stringer("to", pa.pkt.Header.Destination).
				Uint16("packet_id", id).
				Uint8("attempt", pa.retries).
				Msg("Retransmitting unacknowledged packet")
			if err := n.queuePacket(pa.pkt); err != nil {
				n.log.Warn().Err(err).Uint16("packet_id", id).Msg("Failed to requeue retransmission")
			}
			continue
		}
		delete(n.pendingAcks, id)
		n.stats.AckTimeouts++
		dest := pa.pkt.Header.Destination
		n.log.Info().
			Stringer("to", dest).
			Uint16("packet_id", id).
			Msg("Gave up waiting for acknowledgement")
		n.notifyEvent(&AckTimeoutEvent{
			PacketID:    id,
			Destination: dest,
			Err:         &Error{Kind: KindAckTimeout, Node: dest},
		})
	}
}
