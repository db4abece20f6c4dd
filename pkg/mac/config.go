package mac

import "time"

// CsmaConfig tunes channel access.
type CsmaConfig struct {
	CWMin              uint32        `yaml:"cw_min"`
	CWMax              uint32        `yaml:"cw_max"`
	SlotTime           time.Duration `yaml:"slot_time"`
	MaxBackoffAttempts uint8         `yaml:"max_backoff_attempts"`
	DIFS               time.Duration `yaml:"difs"`
	// Fraction of airtime this node may use before it stops transmitting.
	TargetUtilization float32 `yaml:"target_utilization"`
	// RSSI in dBm above which channel activity detection reports busy.
	CADThreshold float32 `yaml:"cad_threshold"`
	QueueSize    int     `yaml:"queue_size"`
}

func DefaultCsmaConfig() CsmaConfig {
	return CsmaConfig{
		CWMin:              16,
		CWMax:              256,
		SlotTime:           10 * time.Millisecond,
		MaxBackoffAttempts: 7,
		DIFS:               50 * time.Millisecond,
		TargetUtilization:  0.1,
		CADThreshold:       -115,
		QueueSize:          16,
	}
}
