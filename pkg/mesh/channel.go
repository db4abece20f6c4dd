package mesh

import (
	"fmt"

	"github.com/kabili207/meshstack/pkg/crypto"
	"github.com/kabili207/meshstack/pkg/meshid"
)

const MaxSecondaryChannels = 7

// ChannelConfig describes one channel. PSK is base64; empty or "AA=="
// leaves the channel unencrypted and "AQ==" selects the default key.
type ChannelConfig struct {
	Name     string      `yaml:"name"`
	PSK      string      `yaml:"psk"`
	Preset   ModemPreset `yaml:"-"`
	Uplink   bool        `yaml:"uplink"`
	Downlink bool        `yaml:"downlink"`
}

func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{Name: LongFast.String(), Preset: LongFast}
}

// DefaultKeyChannel is the public channel encrypted with the well known key.
func DefaultKeyChannel(preset ModemPreset) ChannelConfig {
	return ChannelConfig{Name: preset.String(), PSK: "AQ==", Preset: preset}
}

func (c ChannelConfig) Def() (meshid.ChannelDef, error) {
	return meshid.NewChannelDef(c.Name, c.PSK)
}

func (c ChannelConfig) IsEncrypted() bool {
	def, err := c.Def()
	return err == nil && def.IsEncrypted()
}

func (c ChannelConfig) ChannelHash() uint8 {
	return crypto.ChannelHash(c.Name)
}

// channelState is a channel ready for use on the wire.
type channelState struct {
	cfg ChannelConfig
	// nil when the channel is unencrypted
	crypto *crypto.Context
}

func buildChannels(primary ChannelConfig, secondary []ChannelConfig, encrypt bool) ([]channelState, error) {
	if len(secondary) > MaxSecondaryChannels {
		return nil, fmt.Errorf("at most %d secondary channels, got %d", MaxSecondaryChannels, len(secondary))
	}
	all := append([]ChannelConfig{primary}, secondary...)
	states := make([]channelState, 0, len(all))
	for _, cfg := range all {
		def, err := cfg.Def()
		if err != nil {
			return nil, err
		}
		st := channelState{cfg: cfg}
		if encrypt {
			if st.crypto, err = crypto.ContextForChannel(def); err != nil {
				return nil, fmt.Errorf("channel %q: %w", cfg.Name, err)
			}
		}
		states = append(states, st)
	}
	return states, nil
}
