package mesh

import (
	"fmt"
	"math"
	"time"

	"github.com/iancoleman/strcase"
	pb "github.com/meshnet-gophers/meshtastic-go/meshtastic"
)

const (
	SyncWord       = 0x2B
	PreambleLength = 16
)

// ModemPreset is a named set of LoRa modulation parameters.
type ModemPreset pb.Config_LoRaConfig_ModemPreset

const (
	LongFast     = ModemPreset(pb.Config_LoRaConfig_LONG_FAST)
	LongSlow     = ModemPreset(pb.Config_LoRaConfig_LONG_SLOW)
	LongModerate = ModemPreset(pb.Config_LoRaConfig_LONG_MODERATE)
	MediumFast   = ModemPreset(pb.Config_LoRaConfig_MEDIUM_FAST)
	MediumSlow   = ModemPreset(pb.Config_LoRaConfig_MEDIUM_SLOW)
	ShortFast    = ModemPreset(pb.Config_LoRaConfig_SHORT_FAST)
	ShortSlow    = ModemPreset(pb.Config_LoRaConfig_SHORT_SLOW)
)

type LoRaParams struct {
	SpreadingFactor uint8
	BandwidthHz     uint32
	// Denominator of the 4/x coding rate.
	CodingRate uint8
}

var presetParams = map[ModemPreset]LoRaParams{
	LongFast:     {11, 250_000, 5},
	LongSlow:     {12, 125_000, 8},
	LongModerate: {11, 125_000, 8},
	MediumFast:   {9, 250_000, 5},
	MediumSlow:   {10, 250_000, 5},
	ShortFast:    {7, 250_000, 5},
	ShortSlow:    {8, 250_000, 5},
}

// ParseModemPreset accepts the channel style name ("LongFast") or the
// protobuf enum name ("LONG_FAST").
func ParseModemPreset(name string) (ModemPreset, error) {
	v, ok := pb.Config_LoRaConfig_ModemPreset_value[strcase.ToScreamingSnake(name)]
	if !ok {
		return 0, fmt.Errorf("unknown modem preset %q", name)
	}
	p := ModemPreset(v)
	if _, ok := presetParams[p]; !ok {
		return 0, fmt.Errorf("unsupported modem preset %q", name)
	}
	return p, nil
}

func (p ModemPreset) Params() LoRaParams {
	if params, ok := presetParams[p]; ok {
		return params
	}
	return presetParams[LongFast]
}

// String gives the name used for the default channel, e.g. "LongFast".
func (p ModemPreset) String() string {
	return strcase.ToCamel(pb.Config_LoRaConfig_ModemPreset(p).String())
}

// Airtime estimates the time on air of a frame of n bytes with an explicit
// header and CRC.
func (p ModemPreset) Airtime(n int) time.Duration {
	params := p.Params()
	sf := float64(params.SpreadingFactor)
	symbol := math.Pow(2, sf) / float64(params.BandwidthHz)

	de := 0.0
	if symbol > 0.016 {
		de = 1
	}
	preamble := (PreambleLength + 4.25) * symbol
	payloadSymbols := 8 + max(math.Ceil((8*float64(n)-4*sf+28+16)/(4*(sf-2*de)))*float64(params.CodingRate), 0)
	return time.Duration((preamble + payloadSymbols*symbol) * float64(time.Second))
}

// Region is a regulatory frequency plan.
type Region pb.Config_LoRaConfig_RegionCode

const (
	RegionUnset = Region(pb.Config_LoRaConfig_UNSET)
	RegionUS    = Region(pb.Config_LoRaConfig_US)
	RegionEU    = Region(pb.Config_LoRaConfig_EU_868)
	RegionCN    = Region(pb.Config_LoRaConfig_CN)
	RegionJP    = Region(pb.Config_LoRaConfig_JP)
	RegionANZ   = Region(pb.Config_LoRaConfig_ANZ)
	RegionKR    = Region(pb.Config_LoRaConfig_KR)
	RegionTW    = Region(pb.Config_LoRaConfig_TW)
	RegionIN    = Region(pb.Config_LoRaConfig_IN)
)

type frequencyRange struct {
	start, end uint64
}

var regionRanges = map[Region]frequencyRange{
	RegionUS:    {902_000_000, 928_000_000},
	RegionEU:    {863_000_000, 870_000_000},
	RegionUnset: {863_000_000, 870_000_000},
	RegionCN:    {470_000_000, 510_000_000},
	RegionJP:    {920_000_000, 925_000_000},
	RegionANZ:   {915_000_000, 928_000_000},
	RegionKR:    {920_000_000, 923_000_000},
	RegionTW:    {920_000_000, 925_000_000},
	RegionIN:    {865_000_000, 867_000_000},
}

// ParseRegion accepts protobuf region codes ("EU_868") and "EU" as a
// shorthand for the 868 MHz plan.
func ParseRegion(name string) (Region, error) {
	key := strcase.ToScreamingSnake(name)
	if key == "EU" {
		return RegionEU, nil
	}
	v, ok := pb.Config_LoRaConfig_RegionCode_value[key]
	if !ok {
		return 0, fmt.Errorf("unknown region %q", name)
	}
	r := Region(v)
	if _, ok := regionRanges[r]; !ok {
		return 0, fmt.Errorf("unsupported region %q", name)
	}
	return r, nil
}

func (r Region) String() string {
	return pb.Config_LoRaConfig_RegionCode(r).String()
}

// FrequencyRange returns the band edges in Hz.
func (r Region) FrequencyRange() (start, end uint64) {
	fr, ok := regionRanges[r]
	if !ok {
		fr = regionRanges[RegionUnset]
	}
	return fr.start, fr.end
}

func (r Region) PrimaryFrequency() uint64 {
	start, end := r.FrequencyRange()
	return (start + end) / 2
}

// DutyCycleLimit is the fraction of time a node may transmit.
func (r Region) DutyCycleLimit() float32 {
	if r == RegionEU {
		return 0.01
	}
	return 1
}
