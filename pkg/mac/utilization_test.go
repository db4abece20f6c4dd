package mac

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

func TestChannelUtilization(t *testing.T) {
	clk := clock.NewMock()
	util := NewChannelUtilization(time.Minute, clk)

	util.Record(100 * time.Millisecond)
	util.Record(100 * time.Millisecond)

	u := util.Utilization()
	assert.Greater(t, u, float32(0))
	assert.Less(t, u, float32(1))
	assert.InDelta(t, 0.2/60, u, 1e-6)
}

func TestChannelUtilizationWindow(t *testing.T) {
	clk := clock.NewMock()
	util := NewChannelUtilization(time.Minute, clk)

	util.Record(6 * time.Second)
	clk.Add(30 * time.Second)
	util.Record(3 * time.Second)
	assert.InDelta(t, 0.15, util.Utilization(), 1e-6)

	clk.Add(31 * time.Second)
	assert.InDelta(t, 0.05, util.Utilization(), 1e-6)

	clk.Add(time.Minute)
	assert.Zero(t, util.Utilization())
}

func TestChannelUtilizationCache(t *testing.T) {
	clk := clock.NewMock()
	util := NewChannelUtilization(time.Minute, clk)

	util.Record(6 * time.Second)
	clk.Add(59*time.Second + 950*time.Millisecond)
	util.Record(0)
	assert.InDelta(t, 0.1, util.Cached(), 1e-6)

	// The first sample has aged out but the value is not recomputed yet.
	clk.Add(100 * time.Millisecond)
	assert.InDelta(t, 0.1, util.Utilization(), 1e-6)

	clk.Add(time.Millisecond)
	assert.Zero(t, util.Utilization())
}
