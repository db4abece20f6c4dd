package mac

import (
	"time"

	"github.com/benbjohnson/clock"
)

const (
	DefaultUtilizationWindow = time.Minute

	utilizationRefresh = 100 * time.Millisecond
)

type airtimeSample struct {
	at       time.Time
	duration time.Duration
}

// ChannelUtilization is the share of a sliding window spent on the air.
type ChannelUtilization struct {
	history    []airtimeSample
	window     time.Duration
	cached     float32
	lastUpdate time.Time
	clock      clock.Clock
}

func NewChannelUtilization(window time.Duration, clk clock.Clock) *ChannelUtilization {
	if clk == nil {
		clk = clock.New()
	}
	return &ChannelUtilization{
		window:     window,
		clock:      clk,
		lastUpdate: clk.Now(),
	}
}

// Record adds airtime, either ours or another node's.
func (u *ChannelUtilization) Record(d time.Duration) {
	u.history = append(u.history, airtimeSample{at: u.clock.Now(), duration: d})
	u.refresh()
}

// Utilization returns the current value, recomputing it at most every 100ms.
func (u *ChannelUtilization) Utilization() float32 {
	if u.clock.Since(u.lastUpdate) > utilizationRefresh {
		u.refresh()
	}
	return u.cached
}

// Cached returns the last computed value without touching the window.
func (u *ChannelUtilization) Cached() float32 {
	return u.cached
}

func (u *ChannelUtilization) refresh() {
	now := u.clock.Now()
	cutoff := now.Add(-u.window)
	i := 0
	for i < len(u.history) && u.history[i].at.Before(cutoff) {
		i++
	}
	u.history = u.history[i:]

	var total time.Duration
	for _, s := range u.history {
		total += s.duration
	}
	u.cached = float32(total.Seconds() / u.window.Seconds())
	u.lastUpdate = now
}
