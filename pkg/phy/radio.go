// Package phy defines the capability interface the mesh stack needs from a
// packet radio, and the transports that implement it.
package phy

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrFrequencyOutOfRange = errors.New("phy: frequency out of range")
	ErrTxPowerOutOfRange   = errors.New("phy: tx power out of range")
	ErrNotRunning          = errors.New("phy: transport not running")
)

const (
	MinFrequencyHz uint64 = 137_000_000
	MaxFrequencyHz uint64 = 1_020_000_000
	MinTxPowerDBm  int8   = -4
	MaxTxPowerDBm  int8   = 30

	DefaultFrequencyHz uint64 = 906_000_000
	DefaultTxPowerDBm  int8   = 20
)

// Radio is a half-duplex packet radio. RSSI and SNR describe the frame most
// recently returned by Receive.
type Radio interface {
	ChannelBusy() bool
	RSSI() float32
	SNR() float32
	Transmit(frame []byte) error
	Receive() ([]byte, bool)
	// StartCAD runs channel activity detection and reports whether a
	// preamble was heard.
	StartCAD() bool
	Frequency() uint64
	SetFrequency(hz uint64) error
	TxPower() int8
	SetTxPower(dbm int8) error
}

type Source string

const (
	SourceMedium Source = "medium"
	SourceUDP    Source = "udp"
	SourceMQTT   Source = "mqtt"
)

// Tuning holds the frequency and power settings shared by every Radio
// implementation.
type Tuning struct {
	mu          sync.RWMutex
	frequencyHz uint64
	txPowerDBm  int8
}

func NewTuning() *Tuning {
	return &Tuning{frequencyHz: DefaultFrequencyHz, txPowerDBm: DefaultTxPowerDBm}
}

func (t *Tuning) Frequency() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.frequencyHz
}

func (t *Tuning) SetFrequency(hz uint64) error {
	if hz < MinFrequencyHz || hz > MaxFrequencyHz {
		return fmt.Errorf("%w: %d Hz", ErrFrequencyOutOfRange, hz)
	}
	t.mu.Lock()
	t.frequencyHz = hz
	t.mu.Unlock()
	return nil
}

func (t *Tuning) TxPower() int8 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.txPowerDBm
}

func (t *Tuning) SetTxPower(dbm int8) error {
	if dbm < MinTxPowerDBm || dbm > MaxTxPowerDBm {
		return fmt.Errorf("%w: %d dBm", ErrTxPowerOutOfRange, dbm)
	}
	t.mu.Lock()
	t.txPowerDBm = dbm
	t.mu.Unlock()
	return nil
}

type rxFrame struct {
	data []byte
	rssi float32
	snr  float32
}

// signal remembers the quality of the last frame handed out.
type signal struct {
	mu   sync.RWMutex
	rssi float32
	snr  float32
}

func newSignal() *signal {
	return &signal{rssi: -120, snr: -20}
}

func (s *signal) set(rssi, snr float32) {
	s.mu.Lock()
	s.rssi, s.snr = rssi, snr
	s.mu.Unlock()
}

func (s *signal) RSSI() float32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rssi
}

func (s *signal) SNR() float32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snr
}
