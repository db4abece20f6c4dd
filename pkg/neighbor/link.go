package neighbor

// Weight given to a new rssi/snr sample.
const emaAlpha = 0.3

// LinkQuality tracks the radio link to a single neighbor.
type LinkQuality struct {
	RSSI            float32
	SNR             float32
	PDR             float32
	AvgRTTMillis    *float32
	PacketsReceived uint32
	PacketsSent     uint32
}

// DefaultLinkQuality is the floor used before anything has been heard.
func DefaultLinkQuality() LinkQuality {
	return LinkQuality{RSSI: -120, SNR: -20}
}

func NewLinkQuality(rssi, snr float32) LinkQuality {
	return LinkQuality{
		RSSI:            rssi,
		SNR:             snr,
		PDR:             1,
		PacketsReceived: 1,
	}
}

// Update folds a new sample into the moving averages.
func (lq *LinkQuality) Update(rssi, snr float32) {
	lq.RSSI = emaAlpha*rssi + (1-emaAlpha)*lq.RSSI
	lq.SNR = emaAlpha*snr + (1-emaAlpha)*lq.SNR
	lq.PacketsReceived++
}

// RecordRTT folds a round-trip sample into AvgRTTMillis.
func (lq *LinkQuality) RecordRTT(ms float32) {
	if lq.AvgRTTMillis == nil {
		lq.AvgRTTMillis = &ms
		return
	}
	avg := emaAlpha*ms + (1-emaAlpha)**lq.AvgRTTMillis
	lq.AvgRTTMillis = &avg
}

// QualityScore blends normalized RSSI (-120..-40 dBm), SNR (-20..30 dB) and
// delivery ratio into [0,1].
func (lq LinkQuality) QualityScore() float32 {
	rssiNorm := clamp01((lq.RSSI + 120) / 80)
	snrNorm := clamp01((lq.SNR + 20) / 50)
	return rssiNorm*0.3 + snrNorm*0.4 + lq.PDR*0.3
}

func clamp01(v float32) float32 {
	return min(max(v, 0), 1)
}
