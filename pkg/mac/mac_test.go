package mac

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLayer(cfg CsmaConfig) (*Layer, *clock.Mock) {
	clk := clock.NewMock()
	return New(cfg, clk, rand.New(rand.NewPCG(1, 2))), clk
}

func TestCsmaConfigDefaults(t *testing.T) {
	cfg := DefaultCsmaConfig()
	assert.Less(t, cfg.CWMin, cfg.CWMax)
	assert.Greater(t, cfg.TargetUtilization, float32(0))
	assert.Less(t, cfg.TargetUtilization, float32(1))
	assert.Equal(t, 50*time.Millisecond, cfg.DIFS)
	assert.Equal(t, 16, cfg.QueueSize)
}

func TestIdleChannelTransmitsAfterDifs(t *testing.T) {
	m, clk := newTestLayer(DefaultCsmaConfig())
	require.NoError(t, m.QueueTx([]byte{1, 2, 3}))

	assert.Equal(t, WaitDifs, m.CanTransmit(false).Kind)

	clk.Add(50 * time.Millisecond)
	assert.Equal(t, Decision{Kind: TransmitNow}, m.CanTransmit(false))

	frame, ok := m.StartTx()
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, frame)
	assert.Equal(t, StateTransmitting, m.State())
	assert.Equal(t, AlreadyTransmitting, m.CanTransmit(false).Kind)
	assert.Equal(t, AlreadyTransmitting, m.CanTransmit(true).Kind)

	m.TxComplete(10 * time.Millisecond)
	assert.Equal(t, StateIdle, m.State())
	assert.Equal(t, 0, m.QueueDepth())
}

func TestNothingToSend(t *testing.T) {
	m, clk := newTestLayer(DefaultCsmaConfig())
	clk.Add(time.Second)
	assert.Equal(t, NothingToSend, m.CanTransmit(false).Kind)

	_, ok := m.StartTx()
	assert.False(t, ok)

	assert.Equal(t, NothingToSend, m.CanTransmit(true).Kind)
	assert.Equal(t, StateBusy, m.State())
	assert.Equal(t, NothingToSend, m.CanTransmit(false).Kind)
	assert.Equal(t, StateIdle, m.State())
}

func TestBusyChannelBacksOff(t *testing.T) {
	m, _ := newTestLayer(DefaultCsmaConfig())
	require.NoError(t, m.QueueTx([]byte{1}))

	d := m.CanTransmit(true)
	require.Equal(t, Backoff, d.Kind)
	assert.Less(t, d.Slots, uint32(16))
	assert.Equal(t, StateBusy, m.State())
}

func TestBackoffFreezesWhileBusy(t *testing.T) {
	cfg := DefaultCsmaConfig()
	cfg.CWMin = 64
	m, clk := newTestLayer(cfg)
	require.NoError(t, m.QueueTx([]byte{1}))

	m.backoff.active = true
	m.backoff.attempts = 1
	m.backoff.contentionWindow = 64
	m.backoff.remainingSlots = 20
	m.setState(StateBusy)

	// Channel goes quiet: counting starts.
	d := m.CanTransmit(false)
	require.Equal(t, Backoff, d.Kind)
	assert.Equal(t, uint32(20), d.Slots)
	assert.Equal(t, StateBackoff, m.State())

	clk.Add(55 * time.Millisecond)
	d = m.CanTransmit(false)
	assert.Equal(t, uint32(15), d.Slots)

	// The half slot left over is not lost or double counted.
	clk.Add(5 * time.Millisecond)
	assert.Equal(t, uint32(14), m.CanTransmit(false).Slots)

	// Busy for a long time: nothing is consumed.
	d = m.CanTransmit(true)
	assert.Equal(t, uint32(14), d.Slots)
	clk.Add(time.Second)
	assert.Equal(t, uint32(14), m.CanTransmit(true).Slots)

	assert.Equal(t, uint32(14), m.CanTransmit(false).Slots)
	clk.Add(140 * time.Millisecond)
	assert.Equal(t, TransmitNow, m.CanTransmit(false).Kind)
	assert.Equal(t, StateIdle, m.State())
}

func TestBackoffRunsToTransmit(t *testing.T) {
	m, clk := newTestLayer(DefaultCsmaConfig())
	require.NoError(t, m.QueueTx([]byte{1}))

	m.CanTransmit(true)
	var d Decision
	for range 100 {
		d = m.CanTransmit(false)
		if d.Kind != Backoff {
			break
		}
		clk.Add(10 * time.Millisecond)
	}
	assert.Equal(t, TransmitNow, d.Kind)
	_, ok := m.StartTx()
	assert.True(t, ok)
	assert.Equal(t, uint32(16), m.ContentionWindow(), "a send resets the window")
}

func TestMaxBackoffExceeded(t *testing.T) {
	cfg := DefaultCsmaConfig()
	cfg.MaxBackoffAttempts = 2
	m, clk := newTestLayer(cfg)
	require.NoError(t, m.QueueTx([]byte{1}))

	m.CanTransmit(true) // attempt 1
	m.Collision()       // attempt 2

	var d Decision
	for range 1000 {
		d = m.CanTransmit(false)
		if d.Kind != Backoff {
			break
		}
		clk.Add(10 * time.Millisecond)
	}
	assert.Equal(t, MaxBackoffExceeded, d.Kind)
	assert.Equal(t, 1, m.QueueDepth(), "the frame stays queued")
	assert.Equal(t, StateIdle, m.State())
	assert.Equal(t, uint32(16), m.ContentionWindow())
}

func TestCollisionDoublesWindow(t *testing.T) {
	m, _ := newTestLayer(DefaultCsmaConfig())
	require.NoError(t, m.QueueTx([]byte{1}))

	m.Collision()
	assert.Equal(t, uint32(32), m.ContentionWindow())
	assert.Equal(t, StateBackoff, m.State())

	for range 10 {
		m.Collision()
	}
	assert.Equal(t, uint32(256), m.ContentionWindow())
	assert.Less(t, m.CanTransmit(true).Slots, uint32(256))
}

func TestQueueFull(t *testing.T) {
	cfg := DefaultCsmaConfig()
	cfg.QueueSize = 2
	m, _ := newTestLayer(cfg)

	require.NoError(t, m.QueueTx([]byte{1}))
	require.NoError(t, m.QueueTx([]byte{2}))
	assert.ErrorIs(t, m.QueueTx([]byte{3}), ErrQueueFull)
	assert.ErrorIs(t, m.QueueTxPriority([]byte{3}), ErrQueueFull)

	m.ClearQueue()
	assert.Equal(t, 0, m.QueueDepth())
}

func TestPriorityFramesGoFirst(t *testing.T) {
	m, _ := newTestLayer(DefaultCsmaConfig())
	require.NoError(t, m.QueueTx([]byte{1}))
	require.NoError(t, m.QueueTxPriority([]byte{9}))

	frame, _ := m.StartTx()
	assert.Equal(t, []byte{9}, frame)
}

func TestReceiveRecordsAirtime(t *testing.T) {
	m, _ := newTestLayer(DefaultCsmaConfig())
	m.RxStart()
	assert.Equal(t, StateReceiving, m.State())
	m.RxComplete(6 * time.Second)
	assert.Equal(t, StateIdle, m.State())
	assert.InDelta(t, 0.1, m.ChannelUtilization(), 0.0001)
	assert.InDelta(t, 0.1, m.ChannelUtilizationCached(), 0.0001)

	require.NoError(t, m.QueueTx([]byte{1}))
	assert.Equal(t, DutyCycleLimit, m.CanTransmit(false).Kind)
}

// With a saturated queue the node never spends more than its target share of
// time on the air, give or take one frame per window.
func TestDutyCycleBound(t *testing.T) {
	cfg := DefaultCsmaConfig()
	cfg.TargetUtilization = 0.1
	m, clk := newTestLayer(cfg)

	const (
		airtime = 250 * time.Millisecond
		total   = 10 * time.Minute
	)
	start := clk.Now()
	var onAir time.Duration
	for clk.Since(start) < total {
		for m.QueueDepth() < 4 {
			require.NoError(t, m.QueueTx([]byte{0}))
		}
		// Jump straight to the next moment the decision can change.
		switch d := m.CanTransmit(false); d.Kind {
		case TransmitNow:
			_, ok := m.StartTx()
			require.True(t, ok)
			clk.Add(airtime)
			m.TxComplete(airtime)
			onAir += airtime
		case WaitDifs:
			clk.Add(cfg.DIFS)
		case Backoff:
			clk.Add(time.Duration(d.Slots) * cfg.SlotTime)
		default:
			clk.Add(time.Second)
		}
	}

	fraction := onAir.Seconds() / clk.Since(start).Seconds()
	tolerance := airtime.Seconds() / DefaultUtilizationWindow.Seconds()
	assert.LessOrEqual(t, fraction, 0.1+tolerance)
	assert.Greater(t, fraction, 0.05, "the node still gets to send")
}
