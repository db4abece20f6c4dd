package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/util/ptr"
)

func TestDeviceMetricsThresholds(t *testing.T) {
	m := DeviceMetrics{
		BatteryLevel:       ptr.Ptr[uint32](15),
		ChannelUtilization: ptr.Ptr[float32](35),
	}
	assert.True(t, m.IsBatteryLow(20))
	assert.False(t, m.IsBatteryLow(10))
	assert.True(t, m.IsChannelCongested(25))
	assert.False(t, m.IsChannelCongested(50))

	m.BatteryLevel = ptr.Ptr[uint32](101)
	assert.False(t, m.IsBatteryLow(20), "external power is never low")

	var empty DeviceMetrics
	assert.False(t, empty.IsBatteryLow(100))
	assert.False(t, empty.IsChannelCongested(0))
}

func TestHeatIndex(t *testing.T) {
	_, ok := EnvironmentMetrics{}.HeatIndex()
	assert.False(t, ok)

	cool := EnvironmentMetrics{Temperature: ptr.Ptr[float32](20), RelativeHumidity: ptr.Ptr[float32](80)}
	hi, ok := cool.HeatIndex()
	require.True(t, ok)
	assert.Equal(t, float32(20), hi)

	dry := EnvironmentMetrics{Temperature: ptr.Ptr[float32](35), RelativeHumidity: ptr.Ptr[float32](20)}
	hi, _ = dry.HeatIndex()
	assert.Equal(t, float32(35), hi)

	// 32°C at 70% RH feels like roughly 41°C.
	muggy := EnvironmentMetrics{Temperature: ptr.Ptr[float32](32), RelativeHumidity: ptr.Ptr[float32](70)}
	hi, ok = muggy.HeatIndex()
	require.True(t, ok)
	assert.InDelta(t, 40.9, hi, 1.0)
	assert.Greater(t, hi, float32(32))
}

func TestPowerMetrics(t *testing.T) {
	pm := PowerMetrics{Channels: []PowerChannel{
		{Channel: 1, Voltage: ptr.Ptr[float32](5), Current: ptr.Ptr[float32](100)},
		{Channel: 2, Voltage: ptr.Ptr[float32](3.3), Current: ptr.Ptr[float32](50)},
		{Channel: 3, Voltage: ptr.Ptr[float32](12)},
	}}
	p, ok := pm.Channels[0].PowerMilliwatts()
	require.True(t, ok)
	assert.InDelta(t, 500, p, 0.001)
	_, ok = pm.Channels[2].PowerMilliwatts()
	assert.False(t, ok)
	assert.InDelta(t, 665, pm.TotalPowerMilliwatts(), 0.01)
}

func TestTelemetryPayload(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)

	dev := NewDevice(at, DeviceMetrics{
		BatteryLevel:  ptr.Ptr[uint32](85),
		Voltage:       ptr.Ptr[float32](4.1),
		UptimeSeconds: ptr.Ptr[uint32](3600),
	})
	assert.Equal(t, KindDevice, dev.Kind())
	payload, err := dev.Marshal()
	require.NoError(t, err)
	got, err := Unmarshal(payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(1_700_000_000), got.Time)
	require.NotNil(t, got.Device)
	assert.Equal(t, uint32(85), *got.Device.BatteryLevel)
	assert.Nil(t, got.Device.ChannelUtilization)

	env := NewEnvironment(at, EnvironmentMetrics{Temperature: ptr.Ptr[float32](22.5), IAQ: ptr.Ptr[uint32](50)})
	payload, err = env.Marshal()
	require.NoError(t, err)
	got, err = Unmarshal(payload)
	require.NoError(t, err)
	assert.Equal(t, KindEnvironment, got.Kind())
	assert.Equal(t, float32(22.5), *got.Environment.Temperature)
	assert.Equal(t, uint32(50), *got.Environment.IAQ)

	pwr := NewPower(at, PowerMetrics{Channels: []PowerChannel{
		{Channel: 2, Voltage: ptr.Ptr[float32](3.3), Current: ptr.Ptr[float32](10)},
	}})
	payload, err = pwr.Marshal()
	require.NoError(t, err)
	got, err = Unmarshal(payload)
	require.NoError(t, err)
	require.Len(t, got.Power.Channels, 1)
	assert.Equal(t, uint8(2), got.Power.Channels[0].Channel)
}

func TestTelemetryWithoutVariant(t *testing.T) {
	_, err := (&Telemetry{Time: 1}).Marshal()
	assert.ErrorIs(t, err, ErrNoVariant)

	_, err = Unmarshal([]byte{0x0d, 1, 0, 0, 0})
	assert.ErrorIs(t, err, ErrNoVariant)
}

func TestConfigDefaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 900*time.Second, cfg.DeviceUpdateInterval)
	assert.Equal(t, 900*time.Second, cfg.EnvironmentUpdateInterval)
	assert.Zero(t, cfg.PowerUpdateInterval)

	assert.Equal(t, time.Minute, AllEnabled(time.Minute).PowerUpdateInterval)
	assert.Zero(t, DeviceOnly(time.Minute).EnvironmentUpdateInterval)
}

func TestCollectHost(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tel, err := CollectHost(now)
	require.NoError(t, err)
	assert.Equal(t, KindHost, tel.Kind())
	assert.Equal(t, uint32(now.Unix()), tel.Time)
	require.NotNil(t, tel.Host)
	assert.Positive(t, tel.Host.FreememBytes)

	payload, err := tel.Marshal()
	require.NoError(t, err)
	got, err := Unmarshal(payload)
	require.NoError(t, err)
	require.NotNil(t, got.Host)
	assert.Equal(t, tel.Host.FreememBytes, got.Host.FreememBytes)
}
