package routing

import (
	"math/rand/v2"
	"slices"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/kabili207/meshstack/pkg/meshid"
	"github.com/kabili207/meshstack/pkg/packet"
	"github.com/rs/zerolog"
	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"
)

type FloodConfig struct {
	// Scaled by the SNR factor; the strongest receivers wait this long.
	BaseDelay time.Duration
	// Upper bound of the uniform jitter added to every rebroadcast.
	MaxJitter       time.Duration
	DefaultHopLimit uint8
	DedupTTL        time.Duration
	DedupSize       int
	// Scheduled rebroadcasts beyond this are dropped.
	MaxPending int
	// Relay unicast packets for other nodes as well as broadcasts.
	RelayDirect bool
	// Relays allowed per source within RelayRateWindow. Zero disables the limit.
	RelayRateLimit  int
	RelayRateWindow time.Duration
}

func DefaultFloodConfig() FloodConfig {
	return FloodConfig{
		BaseDelay:       200 * time.Millisecond,
		MaxJitter:       100 * time.Millisecond,
		DefaultHopLimit: packet.DefaultHopLimit,
		DedupTTL:        DefaultDedupTTL,
		DedupSize:       DefaultDedupSize,
		MaxPending:      64,
		RelayRateWindow: time.Minute,
	}
}

type pendingRebroadcast struct {
	pkt    *packet.Packet
	fireAt time.Time
}

// FloodRouter implements managed flooding: every node relays a broadcast once,
// after a delay that favors distant receivers, and gives up its turn if it
// hears someone else relay first.
type FloodRouter struct {
	nodeID meshid.NodeID
	cfg    FloodConfig
	dedup  *DuplicateCache
	clock  clock.Clock
	rng    *rand.Rand
	log    zerolog.Logger

	// Sorted by fireAt.
	pending []pendingRebroadcast
	// Counts per key in pending. heard only tracks keys present here.
	pendingKeys map[packet.Key]int
	heard       map[packet.Key]struct{}

	limiter *limiter.TokenBucket
}

func NewFloodRouter(nodeID meshid.NodeID, cfg FloodConfig, clk clock.Clock, rng *rand.Rand, log zerolog.Logger) *FloodRouter {
	if clk == nil {
		clk = clock.New()
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(uint64(nodeID), uint64(clk.Now().UnixNano())))
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultFloodConfig().MaxPending
	}
	f := &FloodRouter{
		nodeID:      nodeID,
		cfg:         cfg,
		dedup:       NewDuplicateCache(cfg.DedupTTL, cfg.DedupSize, clk),
		clock:       clk,
		rng:         rng,
		log:         log.With().Str("component", "flood").Logger(),
		pendingKeys: make(map[packet.Key]int),
		heard:       make(map[packet.Key]struct{}),
	}
	if cfg.RelayRateLimit > 0 {
		window := cfg.RelayRateWindow
		if window <= 0 {
			window = time.Minute
		}
		lim, err := newRelayLimiter(cfg.RelayRateLimit, window)
		if err != nil {
			f.log.Err(err).
				Int("rate_limit", cfg.RelayRateLimit).
				Dur("window", window).
				Msg("Relay rate limiting disabled")
		} else {
			f.limiter = lim
		}
	}
	return f
}

// newRelayLimiter allows rate relays per source within window.
func newRelayLimiter(rate int, window time.Duration) (*limiter.TokenBucket, error) {
	return limiter.NewTokenBucket(
		limiter.Config{
			Rate:     int64(rate),
			Duration: window,
			Burst:    int64(rate),
		},
		store.NewMemoryStore(window),
	)
}

// RebroadcastDelay maps SNR in [-20,30] dB onto [0,BaseDelay] and adds jitter,
// so weaker receivers, which are usually further away, relay first.
func (f *FloodRouter) RebroadcastDelay(snr float32) time.Duration {
	snrFactor := min(max((snr+20)/50, 0), 1)
	var jitter time.Duration
	if f.cfg.MaxJitter > 0 {
		jitter = time.Duration(f.rng.Int64N(int64(f.cfg.MaxJitter) + 1))
	}
	return jitter + time.Duration(float64(snrFactor)*float64(f.cfg.BaseDelay))
}

// MarkSeen records a packet we originated so echoes of it are dropped.
func (f *FloodRouter) MarkSeen(pkt *packet.Packet) {
	f.dedup.CheckAndAdd(pkt.Header.Source, pkt.Header.PacketID)
}

// IsDuplicate reports whether pkt was already seen, without recording it.
func (f *FloodRouter) IsDuplicate(pkt *packet.Packet) bool {
	return f.dedup.IsDuplicate(pkt.Header.Source, pkt.Header.PacketID)
}

func (f *FloodRouter) eligible(pkt *packet.Packet) bool {
	h := pkt.Header
	if h.HopLimit == 0 || h.Source == f.nodeID {
		return false
	}
	if h.IsBroadcast() {
		return true
	}
	return f.cfg.RelayDirect && h.Destination != f.nodeID
}

// ProcessIncoming runs a received packet through duplicate suppression. It
// returns the packet for local delivery when it is new and addressed to us or
// to everyone, and reports whether a rebroadcast was scheduled.
func (f *FloodRouter) ProcessIncoming(pkt *packet.Packet, rssi, snr float32) (local *packet.Packet, scheduled bool) {
	key := pkt.DedupKey()
	log := f.log.With().
		Stringer("from", pkt.Header.Source).
		Stringer("to", pkt.Header.Destination).
		Uint16("packet_id", pkt.Header.PacketID).
		Logger()

	if !f.dedup.CheckAndAdd(key.Source, key.PacketID) {
		if f.pendingKeys[key] > 0 {
			f.heard[key] = struct{}{}
			log.Debug().Msg("Heard rebroadcast, cancelling ours")
		} else {
			log.Trace().Msg("Ignoring duplicate packet")
		}
		return nil, false
	}

	if pkt.IsForNode(f.nodeID) {
		local = pkt.Clone()
	}

	if !f.eligible(pkt) {
		return local, false
	}
	if f.limiter != nil && !f.limiter.Allow(key.Source.String()) {
		log.Debug().Msg("Relay rate limit reached for source")
		return local, false
	}
	if len(f.pending) >= f.cfg.MaxPending {
		log.Warn().Int("pending", len(f.pending)).Msg("Rebroadcast queue full, dropping relay")
		return local, false
	}

	relay := pkt.Clone()
	relay.RxRSSI, relay.RxSNR, relay.RxTime = nil, nil, nil
	relay.DecrementHopLimit()

	delay := f.RebroadcastDelay(snr)
	f.schedule(relay, f.clock.Now().Add(delay))
	log.Debug().
		Dur("delay", delay).
		Uint8("hop_limit", relay.Header.HopLimit).
		Msg("Scheduled rebroadcast")
	return local, true
}

func (f *FloodRouter) schedule(pkt *packet.Packet, fireAt time.Time) {
	i, _ := slices.BinarySearchFunc(f.pending, fireAt, func(p pendingRebroadcast, t time.Time) int {
		if p.fireAt.After(t) {
			return 1
		}
		return -1
	})
	f.pending = slices.Insert(f.pending, i, pendingRebroadcast{pkt: pkt, fireAt: fireAt})
	f.pendingKeys[pkt.DedupKey()]++
}

func (f *FloodRouter) pop() *packet.Packet {
	p := f.pending[0]
	f.pending = slices.Delete(f.pending, 0, 1)
	key := p.pkt.DedupKey()
	f.pendingKeys[key]--
	remaining := f.pendingKeys[key]
	if remaining <= 0 {
		delete(f.pendingKeys, key)
	}
	if _, cancelled := f.heard[key]; cancelled {
		if remaining <= 0 {
			delete(f.heard, key)
		}
		return nil
	}
	return p.pkt
}

// PendingRebroadcast returns the next due rebroadcast. Entries whose packet
// was heard from another relay in the meantime are discarded.
func (f *FloodRouter) PendingRebroadcast() (*packet.Packet, bool) {
	now := f.clock.Now()
	for len(f.pending) > 0 && !f.pending[0].fireAt.After(now) {
		if pkt := f.pop(); pkt != nil {
			return pkt, true
		}
		f.log.Debug().Msg("Dropped cancelled rebroadcast")
	}
	return nil, false
}

// NextDue is when the earliest scheduled rebroadcast fires.
func (f *FloodRouter) NextDue() (time.Time, bool) {
	if len(f.pending) == 0 {
		return time.Time{}, false
	}
	return f.pending[0].fireAt, true
}

func (f *FloodRouter) HasPending() bool {
	return len(f.pending) > 0
}

func (f *FloodRouter) PendingCount() int {
	return len(f.pending)
}

// CreateBroadcast builds a text broadcast from this node. The caller supplies
// the packet id.
func (f *FloodRouter) CreateBroadcast(id uint16, payload []byte) *packet.Packet {
	return packet.NewBroadcast(f.nodeID, id, payload, f.cfg.DefaultHopLimit)
}

func (f *FloodRouter) ClearPending() {
	f.pending = nil
	clear(f.pendingKeys)
	clear(f.heard)
}

func (f *FloodRouter) DedupLen() int {
	return f.dedup.Len()
}
