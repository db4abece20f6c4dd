package phy

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/kabili207/meshstack/pkg/meshid"
	pb "github.com/meshnet-gophers/meshtastic-go/meshtastic"
	"github.com/meshnet-gophers/meshtastic-go/mqtt"
	"github.com/rs/zerolog"
	slogzerolog "github.com/samber/slog-zerolog/v2"
	"google.golang.org/protobuf/proto"
)

type MQTTConfig struct {
	URI       string `yaml:"uri"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	RootTopic string `yaml:"root_topic"`
}

type StateEvent int

const (
	EventStarted StateEvent = iota
	EventRestarted
	EventConnectionLost
)

// MQTT bridges frames through a Meshtastic MQTT broker, wrapped in service
// envelopes on the channel topic.
type MQTT struct {
	*Tuning
	*signal

	client              *mqtt.Client
	nodeID              meshid.NodeID
	log                 zerolog.Logger
	rx                  chan rxFrame
	previouslyConnected atomic.Bool

	stateLock sync.RWMutex
	stateFunc func(StateEvent)

	channelLock     sync.RWMutex
	channel         string
	pendingChannels []string
}

var _ Radio = (*MQTT)(nil)

// NewMQTT builds a transport publishing on channel. The MQTT client's own
// slog output is routed into logger at info level.
func NewMQTT(nodeID meshid.NodeID, cfg MQTTConfig, channel string, logger zerolog.Logger) *MQTT {
	client := mqtt.NewClient(cfg.URI, cfg.Username, cfg.Password, cfg.RootTopic)
	// The MQTT client is very noisy at debug
	client.SetLogger(slog.New(slogzerolog.Option{Level: slog.LevelInfo, Logger: &logger}.NewZerologHandler()))

	m := &MQTT{
		Tuning:          NewTuning(),
		signal:          newSignal(),
		client:          client,
		nodeID:          nodeID,
		log:             logger.With().Str("transport", string(SourceMQTT)).Logger(),
		rx:              make(chan rxFrame, defaultRxBuffer),
		channel:         channel,
		pendingChannels: []string{channel},
	}

	client.SetOnConnectHandler(m.onMqttConnected)
	client.SetReconnectingHandler(m.onMqttReconnecting)
	client.SetConnectionLostHandler(m.onMqttConnectionLost)
	return m
}

func (m *MQTT) Start() error {
	if !m.client.IsConnected() {
		return m.client.Connect()
	}
	return nil
}

func (m *MQTT) Stop() {
	m.client.Disconnect()
}

func (m *MQTT) IsConnected() bool {
	return m.client.IsConnected()
}

// SetStateHandler registers a callback for connection state changes.
func (m *MQTT) SetStateHandler(fn func(StateEvent)) {
	m.stateLock.Lock()
	m.stateFunc = fn
	m.stateLock.Unlock()
}

// AddChannel subscribes to another channel. Channels added while
// disconnected are subscribed on the next connect.
func (m *MQTT) AddChannel(channelName string) {
	if m.client.IsConnected() {
		m.client.Handle(channelName, m.handleMQTTMessage)
		return
	}
	m.channelLock.Lock()
	m.pendingChannels = append(m.pendingChannels, channelName)
	m.channelLock.Unlock()
}

func (m *MQTT) ChannelBusy() bool { return false }
func (m *MQTT) StartCAD() bool    { return false }

func (m *MQTT) Transmit(frame []byte) error {
	if !m.client.IsConnected() {
		return ErrNotRunning
	}
	env := pb.ServiceEnvelope{
		ChannelId: m.channel,
		GatewayId: m.nodeID.String(),
		Packet:    wrapFrame(frame),
	}
	rawEnv, err := proto.Marshal(&env)
	if err != nil {
		return err
	}
	return m.client.Publish(&mqtt.Message{
		Topic:   fmt.Sprintf("%s/%s", m.client.GetFullTopicForChannel(m.channel), m.nodeID),
		Payload: rawEnv,
	})
}

func (m *MQTT) Receive() ([]byte, bool) {
	select {
	case f := <-m.rx:
		m.set(f.rssi, f.snr)
		return f.data, true
	default:
		return nil, false
	}
}

func (m *MQTT) handleMQTTMessage(msg mqtt.Message) {
	var env pb.ServiceEnvelope
	if err := proto.Unmarshal(msg.Payload, &env); err != nil {
		m.log.Err(err).Msg("failed unmarshalling to service envelope")
		return
	}
	// Skip our own publishes and copies of our frames from other gateways.
	gateway, _ := meshid.ParseNodeID(env.GatewayId)
	if gateway == m.nodeID || meshid.NodeID(env.GetPacket().GetFrom()) == m.nodeID {
		return
	}
	f, ok := unwrapFrame(env.GetPacket())
	if !ok {
		return
	}
	select {
	case m.rx <- f:
	default:
		m.log.Warn().Stringer("gateway", gateway).Msg("Receive buffer full, dropping frame")
	}
}

func (m *MQTT) onMqttConnected() {
	m.log.Debug().
		Str("topic", m.client.TopicRoot()).
		Msg("Connected to MQTT broker")
	isReconnect := m.markConnected()

	m.channelLock.Lock()
	for _, name := range m.pendingChannels {
		m.client.Handle(name, m.handleMQTTMessage)
	}
	m.pendingChannels = []string{}
	m.channelLock.Unlock()

	if isReconnect {
		m.emitStateEvent(EventRestarted)
	} else {
		m.emitStateEvent(EventStarted)
	}
}

func (m *MQTT) onMqttReconnecting() {
	m.log.Info().
		Str("topic", m.client.TopicRoot()).
		Msg("Reconnecting to MQTT broker")
}

func (m *MQTT) onMqttConnectionLost(err error) {
	m.log.Err(err).Msg("Lost connection to MQTT broker")
	m.emitStateEvent(EventConnectionLost)
}

// markConnected records a successful connect and reports whether an earlier
// one happened. Paho runs connect callbacks on its own goroutines.
func (m *MQTT) markConnected() bool {
	return m.previouslyConnected.Swap(true)
}

func (m *MQTT) emitStateEvent(e StateEvent) {
	m.stateLock.RLock()
	fn := m.stateFunc
	m.stateLock.RUnlock()
	if fn != nil {
		fn(e)
	}
}
