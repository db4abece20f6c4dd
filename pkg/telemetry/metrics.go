package telemetry

// DeviceMetrics describes the health of the radio itself. Every field is
// optional; nil means the node did not report it.
type DeviceMetrics struct {
	BatteryLevel       *uint32  `yaml:"battery_level,omitempty"`
	Voltage            *float32 `yaml:"voltage,omitempty"`
	ChannelUtilization *float32 `yaml:"channel_utilization,omitempty"`
	AirUtilTx          *float32 `yaml:"air_util_tx,omitempty"`
	UptimeSeconds      *uint32  `yaml:"uptime_seconds,omitempty"`
}

// IsBatteryLow reports whether a known battery level is under threshold.
// Levels above 100 mean external power and are never low.
func (m DeviceMetrics) IsBatteryLow(threshold uint32) bool {
	if m.BatteryLevel == nil {
		return false
	}
	lvl := *m.BatteryLevel
	return lvl <= 100 && lvl < threshold
}

// IsChannelCongested reports whether the reported channel utilization
// (a percentage) exceeds threshold.
func (m DeviceMetrics) IsChannelCongested(threshold float32) bool {
	return m.ChannelUtilization != nil && *m.ChannelUtilization > threshold
}

// EnvironmentMetrics carries attached sensor readings.
type EnvironmentMetrics struct {
	Temperature        *float32 `yaml:"temperature,omitempty"`
	RelativeHumidity   *float32 `yaml:"relative_humidity,omitempty"`
	BarometricPressure *float32 `yaml:"barometric_pressure,omitempty"`
	GasResistance      *float32 `yaml:"gas_resistance,omitempty"`
	IAQ                *uint32  `yaml:"iaq,omitempty"`
	Distance           *float32 `yaml:"distance,omitempty"`
	Lux                *float32 `yaml:"lux,omitempty"`
	UVIndex            *float32 `yaml:"uv_index,omitempty"`
	WindSpeed          *float32 `yaml:"wind_speed,omitempty"`
	WindDirection      *uint32  `yaml:"wind_direction,omitempty"`
	Weight             *float32 `yaml:"weight,omitempty"`
}

// HeatIndex returns the apparent temperature in Celsius using the NWS
// Rothfusz regression. Below 27°C or 40% humidity the regression does not
// apply and the dry temperature is returned. The second return is false when
// either input is missing.
func (m EnvironmentMetrics) HeatIndex() (float32, bool) {
	if m.Temperature == nil || m.RelativeHumidity == nil {
		return 0, false
	}
	t := float64(*m.Temperature)
	rh := float64(*m.RelativeHumidity)
	if t < 27 || rh < 40 {
		return float32(t), true
	}

	f := t*9/5 + 32
	hi := -42.379 +
		2.04901523*f +
		10.14333127*rh -
		0.22475541*f*rh -
		0.00683783*f*f -
		0.05481717*rh*rh +
		0.00122874*f*f*rh +
		0.00085282*f*rh*rh -
		0.00000199*f*f*rh*rh
	return float32((hi - 32) * 5 / 9), true
}

// PowerChannel is one monitored supply rail.
type PowerChannel struct {
	Channel uint8    `yaml:"channel"`
	Voltage *float32 `yaml:"voltage,omitempty"`
	Current *float32 `yaml:"current,omitempty"` // milliamps
}

// PowerMilliwatts is voltage × current, when both are known.
func (c PowerChannel) PowerMilliwatts() (float32, bool) {
	if c.Voltage == nil || c.Current == nil {
		return 0, false
	}
	return *c.Voltage * *c.Current, true
}

// PowerMetrics groups up to three monitored rails.
type PowerMetrics struct {
	Channels []PowerChannel `yaml:"channels"`
}

// TotalPowerMilliwatts sums the rails that report both voltage and current.
func (m PowerMetrics) TotalPowerMilliwatts() float32 {
	var total float32
	for _, ch := range m.Channels {
		if p, ok := ch.PowerMilliwatts(); ok {
			total += p
		}
	}
	return total
}

// HostMetrics describes the machine a software node runs on.
type HostMetrics struct {
	UptimeSeconds  uint32
	FreememBytes   uint64
	Diskfree1Bytes uint64
	// Load averages scaled by 100.
	Load1  uint32
	Load5  uint32
	Load15 uint32
}
