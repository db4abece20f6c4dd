package phy

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kabili207/meshstack/pkg/meshid"
	pb "github.com/meshnet-gophers/meshtastic-go/meshtastic"
	"github.com/rs/zerolog"
	"google.golang.org/protobuf/proto"
)

const (
	MulticastIP   = "224.0.0.69"
	MulticastPort = 4403

	maxReconnectDelay = 30 * time.Second
	defaultRxBuffer   = 64
)

// UDP exchanges frames with other nodes over the Meshtastic LAN multicast
// group. The network is never reported busy.
type UDP struct {
	*Tuning
	*signal

	nodeID       meshid.NodeID
	group        *net.UDPAddr
	conn         *net.UDPConn
	rx           chan rxFrame
	running      atomic.Bool
	stopChan     chan struct{}
	waitGroup    sync.WaitGroup
	reconnectMux sync.Mutex
	logger       zerolog.Logger
}

var _ Radio = (*UDP)(nil)

// NewUDP creates a transport for nodeID. Frames sent by nodeID itself are
// filtered out on receive. An empty addr selects the standard group.
func NewUDP(nodeID meshid.NodeID, addr string, logger zerolog.Logger) (*UDP, error) {
	group := &net.UDPAddr{IP: net.ParseIP(MulticastIP), Port: MulticastPort}
	if addr != "" {
		var err error
		if group, err = net.ResolveUDPAddr("udp", addr); err != nil {
			return nil, err
		}
	}
	return &UDP{
		Tuning:   NewTuning(),
		signal:   newSignal(),
		nodeID:   nodeID,
		group:    group,
		rx:       make(chan rxFrame, defaultRxBuffer),
		stopChan: make(chan struct{}),
		logger:   logger.With().Str("transport", string(SourceUDP)).Logger(),
	}, nil
}

// Start begins listening to multicast packets
func (h *UDP) Start() {
	if h.running.Load() {
		return
	}
	h.running.Store(true)
	h.stopChan = make(chan struct{})

	h.waitGroup.Add(1)
	go h.listenWithReconnect()
}

// Stop halts the listener and cleans up
func (h *UDP) Stop() {
	if !h.running.Load() {
		return
	}
	h.running.Store(false)
	close(h.stopChan)
	h.closeConn()
	h.waitGroup.Wait()
}

func (h *UDP) ChannelBusy() bool { return false }
func (h *UDP) StartCAD() bool    { return false }

// Transmit sends a frame to the multicast group
func (h *UDP) Transmit(frame []byte) error {
	data, err := proto.Marshal(wrapFrame(frame))
	if err != nil {
		return err
	}

	conn, err := net.DialUDP("udp", nil, h.group)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.Write(data)
	return err
}

func (h *UDP) Receive() ([]byte, bool) {
	select {
	case f := <-h.rx:
		h.set(f.rssi, f.snr)
		return f.data, true
	default:
		return nil, false
	}
}

func (h *UDP) listenWithReconnect() {
	defer h.waitGroup.Done()
	delay := 1 * time.Second

	for h.running.Load() {
		err := h.setupSocket()
		if err != nil {
			h.logger.Warn().Err(err).Msg("UDP setup failed")
			if !h.sleep(delay) {
				return
			}
			delay = min(delay*2, maxReconnectDelay)
			continue
		}

		h.logger.Info().Str("addr", h.group.String()).Msg("Listening for UDP multicast")
		if h.listenLoop() == nil || !h.running.Load() {
			return
		}

		h.logger.Warn().Dur("retry_in", delay).Msg("UDP listener restarting")
		h.closeConn()
		if !h.sleep(delay) {
			return
		}
		delay = min(delay*2, maxReconnectDelay)
	}
}

// sleep waits for d, returning false if the handler was stopped first.
func (h *UDP) sleep(d time.Duration) bool {
	select {
	case <-h.stopChan:
		return false
	case <-time.After(d):
		return true
	}
}

func (h *UDP) listenLoop() error {
	h.reconnectMux.Lock()
	conn := h.conn
	h.reconnectMux.Unlock()
	if conn == nil {
		return ErrNotRunning
	}

	buf := make([]byte, 2048)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-h.stopChan:
				return nil
			default:
			}
			h.logger.Error().Err(err).Msg("Read error")
			return err
		}

		h.handleDatagram(buf[:n])
	}
}

// handleDatagram queues the frame carried by one multicast datagram. Our own
// transmissions looped back by the group are skipped.
func (h *UDP) handleDatagram(data []byte) {
	msg := &pb.MeshPacket{}
	if err := proto.Unmarshal(data, msg); err != nil {
		h.logger.Warn().Err(err).Msg("Unmarshal error")
		return
	}
	if meshid.NodeID(msg.From) == h.nodeID {
		return
	}
	f, ok := unwrapFrame(msg)
	if !ok {
		h.logger.Debug().Uint32("from", msg.From).Msg("Ignoring packet without a raw frame")
		return
	}
	select {
	case h.rx <- f:
	default:
		h.logger.Warn().Msg("Receive buffer full, dropping frame")
	}
}

// setupSocket joins multicast group and prepares socket
func (h *UDP) setupSocket() error {
	h.reconnectMux.Lock()
	defer h.reconnectMux.Unlock()

	conn, err := net.ListenMulticastUDP("udp", nil, h.group)
	if err != nil {
		return err
	}
	if err := conn.SetReadBuffer(2048); err != nil {
		h.logger.Warn().Err(err).Msg("SetReadBuffer failed")
	}
	h.conn = conn
	return nil
}

// closeConn safely closes socket
func (h *UDP) closeConn() {
	h.reconnectMux.Lock()
	defer h.reconnectMux.Unlock()
	if h.conn != nil {
		_ = h.conn.Close()
		h.conn = nil
	}
}
