package phy

import "errors"

// Multi presents several transports as one radio. Frames are transmitted
// on every transport and received from each in turn, so a node can sit on
// the LAN multicast group and an MQTT broker at once.
type Multi struct {
	*signal
	radios []Radio
	next   int
}

var _ Radio = (*Multi)(nil)

func NewMulti(radios ...Radio) *Multi {
	return &Multi{signal: newSignal(), radios: radios}
}

func (m *Multi) Radios() []Radio {
	return m.radios
}

func (m *Multi) ChannelBusy() bool {
	for _, r := range m.radios {
		if r.ChannelBusy() {
			return true
		}
	}
	return false
}

func (m *Multi) StartCAD() bool {
	for _, r := range m.radios {
		if r.StartCAD() {
			return true
		}
	}
	return false
}

// Transmit fails only when no transport accepted the frame.
func (m *Multi) Transmit(frame []byte) error {
	if len(m.radios) == 0 {
		return ErrNotRunning
	}
	var errs []error
	for _, r := range m.radios {
		if err := r.Transmit(frame); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == len(m.radios) {
		return errors.Join(errs...)
	}
	return nil
}

func (m *Multi) Receive() ([]byte, bool) {
	for range m.radios {
		r := m.radios[m.next]
		m.next = (m.next + 1) % len(m.radios)
		if frame, ok := r.Receive(); ok {
			m.set(r.RSSI(), r.SNR())
			return frame, true
		}
	}
	return nil, false
}

func (m *Multi) Frequency() uint64 {
	if len(m.radios) == 0 {
		return DefaultFrequencyHz
	}
	return m.radios[0].Frequency()
}

func (m *Multi) SetFrequency(hz uint64) error {
	for _, r := range m.radios {
		if err := r.SetFrequency(hz); err != nil {
			return err
		}
	}
	return nil
}

func (m *Multi) TxPower() int8 {
	if len(m.radios) == 0 {
		return DefaultTxPowerDBm
	}
	return m.radios[0].TxPower()
}

func (m *Multi) SetTxPower(dbm int8) error {
	for _, r := range m.radios {
		if err := r.SetTxPower(dbm); err != nil {
			return err
		}
	}
	return nil
}
