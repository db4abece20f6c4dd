package mesh

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/kabili207/meshstack/pkg/phy"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

const (
	PollInterval = 10 * time.Millisecond
	TickInterval = time.Second

	submitQueueSize = 16
)

// StatsObserver receives a snapshot of the node after every tick.
type StatsObserver interface {
	ObserveStats(Stats)
	ObserveBreaker(gobreaker.State)
}

// Runner drives a Node from a radio. It is the only goroutine that should
// touch the node while Run is active.
type Runner struct {
	node     *Node
	radio    phy.Radio
	breaker  *gobreaker.CircuitBreaker
	clock    clock.Clock
	log      zerolog.Logger
	lastTick time.Time
	observer StatsObserver
	calls    chan func(*Node)
}

func NewRunner(node *Node, radio phy.Radio, clk clock.Clock, logger zerolog.Logger) *Runner {
	if clk == nil {
		clk = clock.New()
	}
	log := logger.With().Str("component", "runner").Stringer("node", node.NodeID()).Logger()
	r := &Runner{
		node:     node,
		radio:    radio,
		clock:    clk,
		log:      log,
		lastTick: clk.Now(),
		calls:    make(chan func(*Node), submitQueueSize),
	}
	// A radio that keeps failing is left alone for a while instead of being
	// hammered every poll.
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "radio-tx",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Stringer("from", from).
				Stringer("to", to).
				Msg("Radio transmit breaker changed state")
		},
	})
	return r
}

func (r *Runner) SetObserver(o StatsObserver) {
	r.observer = o
}

// Submit schedules fn to run against the node on the runner's goroutine
// during the next Poll. It reports false when the queue is full.
func (r *Runner) Submit(fn func(*Node)) bool {
	select {
	case r.calls <- fn:
		return true
	default:
		return false
	}
}

// Run polls until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	ticker := r.clock.Ticker(PollInterval)
	defer ticker.Stop()

	r.log.Info().Msg("Mesh runner started")
	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("Mesh runner stopped")
			return nil
		case <-ticker.C:
			r.Poll()
		}
	}
}

// Poll does one iteration: run submitted calls, receive everything pending,
// tick once a second, then transmit at most one frame.
func (r *Runner) Poll() {
	for drained := false; !drained; {
		select {
		case fn := <-r.calls:
			fn(r.node)
		default:
			drained = true
		}
	}

	for {
		frame, ok := r.radio.Receive()
		if !ok {
			break
		}
		if _, err := r.node.ReceiveBytes(frame, r.radio.RSSI(), r.radio.SNR()); err != nil {
			r.log.Debug().Err(err).Int("length", len(frame)).Msg("Dropped received frame")
		}
	}

	now := r.clock.Now()
	if elapsed := now.Sub(r.lastTick); elapsed >= TickInterval {
		r.lastTick = now
		r.node.Tick(elapsed)
		if r.observer != nil {
			r.observer.ObserveStats(r.node.Stats())
			r.observer.ObserveBreaker(r.breaker.State())
		}
	}

	frame, ok := r.node.ProcessTx(r.radio.ChannelBusy())
	if !ok {
		return
	}
	_, err := r.breaker.Execute(func() (any, error) {
		return nil, r.radio.Transmit(frame)
	})
	if err != nil {
		r.node.TxFailed(newError(KindPhyError, err))
		return
	}
	r.node.TxComplete(r.node.Airtime(len(frame)))
}

func (r *Runner) BreakerState() gobreaker.State {
	return r.breaker.State()
}
