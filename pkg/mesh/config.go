package mesh

import (
	"errors"
	"fmt"
	"time"

	"github.com/kabili207/meshstack/pkg/mac"
	"github.com/kabili207/meshstack/pkg/meshid"
	"github.com/kabili207/meshstack/pkg/neighbor"
	"github.com/kabili207/meshstack/pkg/packet"
	"github.com/kabili207/meshstack/pkg/routing"
	"github.com/kabili207/meshstack/pkg/telemetry"
	"github.com/kabili207/meshstack/pkg/traceroute"
)

const (
	DefaultMaxPacketSize    = 256
	DefaultNodeInfoInterval = 15 * time.Minute
	DefaultPositionInterval = 15 * time.Minute
	DefaultAckTimeout       = 5 * time.Second
	DefaultMaxRetries       = 3
	DefaultMaxPendingAcks   = 32
)

// Config is everything a Node needs. Start from DefaultConfig.
type Config struct {
	// Zero picks a random ID.
	NodeID        meshid.NodeID
	ShortName     string
	LongName      string
	HardwareModel uint8
	IsRouter      bool

	Region            Region
	PrimaryChannel    ChannelConfig
	SecondaryChannels []ChannelConfig
	EncryptionEnabled bool

	HopLimit      uint8
	MaxPacketSize int

	NodeInfoInterval time.Duration
	PositionEnabled  bool
	PositionInterval time.Duration
	Telemetry        telemetry.Config

	NeighborTimeout time.Duration
	MaxNeighbors    int
	RouteTimeout    time.Duration
	MaxRoutes       int

	AckEnabled bool
	AckTimeout time.Duration
	MaxRetries uint8

	Flood routing.FloodConfig
	// Csma.TargetUtilization of zero follows the region's duty cycle limit.
	// Larger values are capped at that limit.
	Csma       mac.CsmaConfig
	Traceroute traceroute.Config
}

func DefaultConfig() Config {
	return Config{
		ShortName:        "NODE",
		LongName:         "Mesh Node",
		HardwareModel:    0xFF,
		Region:           RegionUS,
		PrimaryChannel:   DefaultChannelConfig(),
		HopLimit:         packet.DefaultHopLimit,
		MaxPacketSize:    DefaultMaxPacketSize,
		NodeInfoInterval: DefaultNodeInfoInterval,
		PositionInterval: DefaultPositionInterval,
		Telemetry:        telemetry.DefaultConfig(),
		NeighborTimeout:  neighbor.DefaultTimeout,
		MaxNeighbors:     neighbor.DefaultMaxEntries,
		RouteTimeout:     routing.DefaultRouteTimeout,
		MaxRoutes:        routing.DefaultMaxRoutes,
		AckEnabled:       true,
		AckTimeout:       DefaultAckTimeout,
		MaxRetries:       DefaultMaxRetries,
		Flood:            routing.DefaultFloodConfig(),
		Csma:             defaultCsmaConfig(),
		Traceroute:       traceroute.DefaultConfig(),
	}
}

func defaultCsmaConfig() mac.CsmaConfig {
	cfg := mac.DefaultCsmaConfig()
	cfg.TargetUtilization = 0
	return cfg
}

// Validate reports the first problem that would stop a node from starting.
func (c Config) Validate() error {
	if c.NodeID.IsBroadcast() {
		return errors.New("node id cannot be the broadcast address")
	}
	if len(c.ShortName) > neighbor.MaxShortNameLen {
		return fmt.Errorf("short name must be at most %d bytes", neighbor.MaxShortNameLen)
	}
	if len(c.LongName) > neighbor.MaxLongNameLen {
		return fmt.Errorf("long name must be at most %d bytes", neighbor.MaxLongNameLen)
	}
	if c.HopLimit > meshid.MAX_HOPS {
		return fmt.Errorf("hop limit must be at most %d", meshid.MAX_HOPS)
	}
	if c.MaxPacketSize < packet.HeaderSize+1 {
		return fmt.Errorf("max packet size %d is smaller than a header", c.MaxPacketSize)
	}
	if c.PrimaryChannel.Name == "" {
		return errors.New("primary channel needs a name")
	}
	if len(c.SecondaryChannels) > MaxSecondaryChannels {
		return fmt.Errorf("at most %d secondary channels", MaxSecondaryChannels)
	}
	for _, ch := range append([]ChannelConfig{c.PrimaryChannel}, c.SecondaryChannels...) {
		if _, err := ch.Def(); err != nil {
			return err
		}
	}
	return nil
}
