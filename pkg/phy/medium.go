package phy

import (
	"math/rand/v2"
	"sync"

	"github.com/kabili207/meshstack/pkg/meshid"
)

// Link describes how one radio hears another.
type Link struct {
	RSSI float32
	SNR  float32
	// Loss is the probability in [0,1] that a frame is dropped.
	Loss float64
}

type linkKey struct {
	from, to meshid.NodeID
}

// Medium is an in-memory shared channel. A frame transmitted by one attached
// radio is delivered to every radio that has a link from the sender.
type Medium struct {
	mu          sync.Mutex
	radios      map[meshid.NodeID]*MediumRadio
	links       map[linkKey]Link
	defaultLink *Link
	rng         *rand.Rand
	delivered   uint64
	dropped     uint64
}

func NewMedium(rng *rand.Rand) *Medium {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Medium{
		radios: make(map[meshid.NodeID]*MediumRadio),
		links:  make(map[linkKey]Link),
		rng:    rng,
	}
}

// Attach adds a radio for id, replacing any previous one.
func (m *Medium) Attach(id meshid.NodeID) *MediumRadio {
	r := &MediumRadio{
		Tuning: NewTuning(),
		signal: newSignal(),
		id:     id,
		medium: m,
	}
	m.mu.Lock()
	m.radios[id] = r
	m.mu.Unlock()
	return r
}

func (m *Medium) Detach(id meshid.NodeID) {
	m.mu.Lock()
	delete(m.radios, id)
	m.mu.Unlock()
}

// Connect links a and b in both directions.
func (m *Medium) Connect(a, b meshid.NodeID, link Link) {
	m.mu.Lock()
	m.links[linkKey{a, b}] = link
	m.links[linkKey{b, a}] = link
	m.mu.Unlock()
}

// SetLink sets the one-way link from -> to.
func (m *Medium) SetLink(from, to meshid.NodeID, link Link) {
	m.mu.Lock()
	m.links[linkKey{from, to}] = link
	m.mu.Unlock()
}

func (m *Medium) Disconnect(a, b meshid.NodeID) {
	m.mu.Lock()
	delete(m.links, linkKey{a, b})
	delete(m.links, linkKey{b, a})
	m.mu.Unlock()
}

// SetDefaultLink makes every pair without an explicit link connected with
// the given quality. A nil link removes the default.
func (m *Medium) SetDefaultLink(link *Link) {
	m.mu.Lock()
	m.defaultLink = link
	m.mu.Unlock()
}

// Stats returns the number of frames delivered and lost to link loss.
func (m *Medium) Stats() (delivered, dropped uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.delivered, m.dropped
}

func (m *Medium) link(from, to meshid.NodeID) (Link, bool) {
	if l, ok := m.links[linkKey{from, to}]; ok {
		return l, true
	}
	if m.defaultLink != nil {
		return *m.defaultLink, true
	}
	return Link{}, false
}

func (m *Medium) transmit(from meshid.NodeID, frame []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.radios {
		if id == from {
			continue
		}
		l, ok := m.link(from, id)
		if !ok {
			continue
		}
		if l.Loss > 0 && m.rng.Float64() < l.Loss {
			m.dropped++
			continue
		}
		r.deliver(rxFrame{data: append([]byte(nil), frame...), rssi: l.RSSI, snr: l.SNR})
		m.delivered++
	}
}

// MediumRadio is one node's view of a Medium.
type MediumRadio struct {
	*Tuning
	*signal

	id     meshid.NodeID
	medium *Medium

	mu          sync.Mutex
	inbox       []rxFrame
	busy        bool
	transmitted [][]byte
}

var _ Radio = (*MediumRadio)(nil)

func (r *MediumRadio) ID() meshid.NodeID {
	return r.id
}

func (r *MediumRadio) deliver(f rxFrame) {
	r.mu.Lock()
	r.inbox = append(r.inbox, f)
	r.mu.Unlock()
}

// SetChannelBusy forces the carrier-sense result.
func (r *MediumRadio) SetChannelBusy(busy bool) {
	r.mu.Lock()
	r.busy = busy
	r.mu.Unlock()
}

func (r *MediumRadio) ChannelBusy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.busy
}

func (r *MediumRadio) StartCAD() bool {
	return r.ChannelBusy()
}

func (r *MediumRadio) Transmit(frame []byte) error {
	r.mu.Lock()
	r.transmitted = append(r.transmitted, append([]byte(nil), frame...))
	r.mu.Unlock()
	r.medium.transmit(r.id, frame)
	return nil
}

func (r *MediumRadio) Receive() ([]byte, bool) {
	r.mu.Lock()
	if len(r.inbox) == 0 {
		r.mu.Unlock()
		return nil, false
	}
	f := r.inbox[0]
	r.inbox = r.inbox[1:]
	r.mu.Unlock()

	r.set(f.rssi, f.snr)
	return f.data, true
}

// Pending is the number of frames waiting in the inbox.
func (r *MediumRadio) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inbox)
}

// Transmitted returns every frame this radio has sent.
func (r *MediumRadio) Transmitted() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.transmitted...)
}
