package mac

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/benbjohnson/clock"
)

var (
	ErrQueueFull     = errors.New("mac: transmit queue full")
	ErrAccessTimeout = errors.New("mac: channel access timeout")
	ErrCollision     = errors.New("mac: collision detected")
)

type ChannelState int

const (
	StateIdle ChannelState = iota
	StateBusy
	StateBackoff
	StateTransmitting
	StateReceiving
)

func (s ChannelState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateBackoff:
		return "backoff"
	case StateTransmitting:
		return "transmitting"
	case StateReceiving:
		return "receiving"
	default:
		return fmt.Sprintf("ChannelState(%d)", int(s))
	}
}

type DecisionKind int

const (
	TransmitNow DecisionKind = iota
	WaitDifs
	Backoff
	AlreadyTransmitting
	NothingToSend
	DutyCycleLimit
	MaxBackoffExceeded
)

// Decision is the answer to CanTransmit. Slots is only set for Backoff.
type Decision struct {
	Kind  DecisionKind
	Slots uint32
}

func (d Decision) String() string {
	switch d.Kind {
	case TransmitNow:
		return "transmit_now"
	case WaitDifs:
		return "wait_difs"
	case Backoff:
		return fmt.Sprintf("backoff(%d)", d.Slots)
	case AlreadyTransmitting:
		return "already_transmitting"
	case NothingToSend:
		return "nothing_to_send"
	case DutyCycleLimit:
		return "duty_cycle_limit"
	case MaxBackoffExceeded:
		return "max_backoff_exceeded"
	default:
		return fmt.Sprintf("Decision(%d)", int(d.Kind))
	}
}

type backoffState struct {
	contentionWindow uint32
	remainingSlots   uint32
	attempts         uint8
	active           bool
	// Idle time is counted in whole slots from here.
	anchor time.Time
}

func (b *backoffState) reset(cwMin uint32) {
	*b = backoffState{contentionWindow: cwMin}
}

// Layer is a CSMA/CA state machine. It never sleeps; the owner polls
// CanTransmit and reports radio events. Not safe for concurrent use.
type Layer struct {
	cfg          CsmaConfig
	state        ChannelState
	utilization  *ChannelUtilization
	backoff      backoffState
	queue        [][]byte
	stateChanged time.Time
	clock        clock.Clock
	rng          *rand.Rand
}

func New(cfg CsmaConfig, clk clock.Clock, rng *rand.Rand) *Layer {
	if clk == nil {
		clk = clock.New()
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(uint64(clk.Now().UnixNano()), 0))
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultCsmaConfig().QueueSize
	}
	if cfg.CWMax == 0 {
		cfg.CWMax = max(cfg.CWMin, 1)
	}
	if cfg.SlotTime <= 0 {
		cfg.SlotTime = DefaultCsmaConfig().SlotTime
	}
	return &Layer{
		cfg:          cfg,
		state:        StateIdle,
		utilization:  NewChannelUtilization(DefaultUtilizationWindow, clk),
		backoff:      backoffState{contentionWindow: cfg.CWMin},
		stateChanged: clk.Now(),
		clock:        clk,
		rng:          rng,
	}
}

func (m *Layer) Config() CsmaConfig {
	return m.cfg
}

// QueueTx appends a frame for transmission.
func (m *Layer) QueueTx(frame []byte) error {
	if len(m.queue) >= m.cfg.QueueSize {
		return ErrQueueFull
	}
	m.queue = append(m.queue, frame)
	return nil
}

// QueueTxPriority puts a frame ahead of everything already queued.
func (m *Layer) QueueTxPriority(frame []byte) error {
	if len(m.queue) >= m.cfg.QueueSize {
		return ErrQueueFull
	}
	m.queue = append([][]byte{frame}, m.queue...)
	return nil
}

func (m *Layer) startBackoff(now time.Time) {
	util := m.utilization.Utilization()
	cw := uint32(float32(m.cfg.CWMin) * (1 + 10*util))
	m.backoff.contentionWindow = min(max(cw, 1), m.cfg.CWMax)
	m.backoff.remainingSlots = uint32(m.rng.IntN(int(m.backoff.contentionWindow)))
	m.backoff.attempts++
	m.backoff.active = true
	m.backoff.anchor = now
}

// consumeSlots counts whole idle slots since the anchor and moves the anchor
// past them.
func (m *Layer) consumeSlots(now time.Time) {
	elapsed := now.Sub(m.backoff.anchor)
	if elapsed <= 0 {
		return
	}
	slots := uint64(elapsed / m.cfg.SlotTime)
	if slots >= uint64(m.backoff.remainingSlots) {
		m.backoff.remainingSlots = 0
		m.backoff.anchor = now
		return
	}
	m.backoff.remainingSlots -= uint32(slots)
	m.backoff.anchor = m.backoff.anchor.Add(time.Duration(slots) * m.cfg.SlotTime)
}

func (m *Layer) readyDecision() Decision {
	if len(m.queue) == 0 {
		return Decision{Kind: NothingToSend}
	}
	return Decision{Kind: TransmitNow}
}

// CanTransmit advances the state machine for the current channel reading and
// says what the owner should do.
func (m *Layer) CanTransmit(channelBusy bool) Decision {
	now := m.clock.Now()

	if m.state == StateTransmitting {
		return Decision{Kind: AlreadyTransmitting}
	}

	if channelBusy {
		if m.state == StateBackoff {
			m.consumeSlots(now)
		}
		if m.state != StateReceiving {
			m.setState(StateBusy)
		}
		if len(m.queue) == 0 {
			return Decision{Kind: NothingToSend}
		}
		if !m.backoff.active {
			m.startBackoff(now)
		}
		return Decision{Kind: Backoff, Slots: m.backoff.remainingSlots}
	}

	switch m.state {
	case StateBusy, StateReceiving:
		if len(m.queue) == 0 {
			m.setState(StateIdle)
			return Decision{Kind: NothingToSend}
		}
		if !m.backoff.active {
			m.startBackoff(now)
		}
		// Resume counting from the moment the channel went quiet.
		m.backoff.anchor = now
		m.setState(StateBackoff)
		return Decision{Kind: Backoff, Slots: m.backoff.remainingSlots}

	case StateBackoff:
		m.consumeSlots(now)
		if m.backoff.remainingSlots > 0 {
			return Decision{Kind: Backoff, Slots: m.backoff.remainingSlots}
		}
		if m.backoff.attempts >= m.cfg.MaxBackoffAttempts {
			m.backoff.reset(m.cfg.CWMin)
			m.setState(StateIdle)
			return Decision{Kind: MaxBackoffExceeded}
		}
		m.backoff.active = false
		m.setState(StateIdle)
		if m.utilization.Utilization() >= m.cfg.TargetUtilization {
			return Decision{Kind: DutyCycleLimit}
		}
		return m.readyDecision()

	default:
		if m.utilization.Utilization() >= m.cfg.TargetUtilization {
			return Decision{Kind: DutyCycleLimit}
		}
		if now.Sub(m.stateChanged) < m.cfg.DIFS {
			return Decision{Kind: WaitDifs}
		}
		return m.readyDecision()
	}
}

// StartTx pops the next frame and enters Transmitting.
func (m *Layer) StartTx() ([]byte, bool) {
	if len(m.queue) == 0 {
		return nil, false
	}
	frame := m.queue[0]
	m.queue[0] = nil
	m.queue = m.queue[1:]
	m.setState(StateTransmitting)
	m.backoff.reset(m.cfg.CWMin)
	return frame, true
}

// TxComplete records the airtime of the frame just sent.
func (m *Layer) TxComplete(airtime time.Duration) {
	m.utilization.Record(airtime)
	m.setState(StateIdle)
}

func (m *Layer) RxStart() {
	m.setState(StateReceiving)
}

func (m *Layer) RxComplete(airtime time.Duration) {
	m.utilization.Record(airtime)
	m.setState(StateIdle)
}

// Collision doubles the contention window and draws a fresh backoff.
func (m *Layer) Collision() {
	now := m.clock.Now()
	m.backoff.contentionWindow = min(max(m.backoff.contentionWindow, 1)*2, m.cfg.CWMax)
	m.backoff.remainingSlots = uint32(m.rng.IntN(int(m.backoff.contentionWindow)))
	m.backoff.attempts++
	m.backoff.active = true
	m.backoff.anchor = now
	m.setState(StateBackoff)
}

func (m *Layer) ChannelUtilization() float32 {
	return m.utilization.Utilization()
}

func (m *Layer) ChannelUtilizationCached() float32 {
	return m.utilization.Cached()
}

func (m *Layer) State() ChannelState {
	return m.state
}

func (m *Layer) QueueDepth() int {
	return len(m.queue)
}

func (m *Layer) ContentionWindow() uint32 {
	return m.backoff.contentionWindow
}

func (m *Layer) ClearQueue() {
	m.queue = nil
}

func (m *Layer) setState(s ChannelState) {
	if m.state != s {
		m.state = s
		m.stateChanged = m.clock.Now()
	}
}
