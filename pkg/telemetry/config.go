package telemetry

import "time"

// Config holds broadcast intervals. A zero interval disables that kind.
type Config struct {
	DeviceUpdateInterval      time.Duration `yaml:"device_update_interval"`
	EnvironmentUpdateInterval time.Duration `yaml:"environment_update_interval"`
	PowerUpdateInterval       time.Duration `yaml:"power_update_interval"`
	// Host metrics of the machine running the node, collected on demand.
	HostUpdateInterval time.Duration `yaml:"host_update_interval"`
}

func DefaultConfig() Config {
	return Config{
		DeviceUpdateInterval:      15 * time.Minute,
		EnvironmentUpdateInterval: 15 * time.Minute,
	}
}

// AllEnabled reports every kind at the same interval.
func AllEnabled(interval time.Duration) Config {
	return Config{
		DeviceUpdateInterval:      interval,
		EnvironmentUpdateInterval: interval,
		PowerUpdateInterval:       interval,
	}
}

func DeviceOnly(interval time.Duration) Config {
	return Config{DeviceUpdateInterval: interval}
}
