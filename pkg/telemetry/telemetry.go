package telemetry

import (
	"errors"
	"time"

	pb "github.com/meshnet-gophers/meshtastic-go/meshtastic"
	"google.golang.org/protobuf/proto"
)

var ErrNoVariant = errors.New("telemetry carries no metrics")

type Kind int

const (
	KindNone Kind = iota
	KindDevice
	KindEnvironment
	KindPower
	KindHost
)

func (k Kind) String() string {
	switch k {
	case KindDevice:
		return "device"
	case KindEnvironment:
		return "environment"
	case KindPower:
		return "power"
	case KindHost:
		return "host"
	default:
		return "none"
	}
}

// Telemetry is a timestamped report holding exactly one kind of metrics.
type Telemetry struct {
	Time        uint32
	Device      *DeviceMetrics
	Environment *EnvironmentMetrics
	Power       *PowerMetrics
	Host        *HostMetrics
}

func NewDevice(at time.Time, m DeviceMetrics) *Telemetry {
	return &Telemetry{Time: uint32(at.Unix()), Device: &m}
}

func NewEnvironment(at time.Time, m EnvironmentMetrics) *Telemetry {
	return &Telemetry{Time: uint32(at.Unix()), Environment: &m}
}

func NewPower(at time.Time, m PowerMetrics) *Telemetry {
	return &Telemetry{Time: uint32(at.Unix()), Power: &m}
}

func (t *Telemetry) Kind() Kind {
	switch {
	case t.Device != nil:
		return KindDevice
	case t.Environment != nil:
		return KindEnvironment
	case t.Power != nil:
		return KindPower
	case t.Host != nil:
		return KindHost
	default:
		return KindNone
	}
}

// ToProto converts t into the Meshtastic Telemetry message.
func (t *Telemetry) ToProto() (*pb.Telemetry, error) {
	msg := &pb.Telemetry{Time: t.Time}
	switch t.Kind() {
	case KindDevice:
		d := t.Device
		msg.Variant = &pb.Telemetry_DeviceMetrics{
			DeviceMetrics: &pb.DeviceMetrics{
				BatteryLevel:       d.BatteryLevel,
				Voltage:            d.Voltage,
				ChannelUtilization: d.ChannelUtilization,
				AirUtilTx:          d.AirUtilTx,
				UptimeSeconds:      d.UptimeSeconds,
			},
		}
	case KindEnvironment:
		e := t.Environment
		msg.Variant = &pb.Telemetry_EnvironmentMetrics{
			EnvironmentMetrics: &pb.EnvironmentMetrics{
				Temperature:        e.Temperature,
				RelativeHumidity:   e.RelativeHumidity,
				BarometricPressure: e.BarometricPressure,
				GasResistance:      e.GasResistance,
				Iaq:                e.IAQ,
				Distance:           e.Distance,
				Lux:                e.Lux,
				UvLux:              e.UVIndex,
				WindSpeed:          e.WindSpeed,
				WindDirection:      e.WindDirection,
				Weight:             e.Weight,
			},
		}
	case KindPower:
		pm := &pb.PowerMetrics{}
		for _, ch := range t.Power.Channels {
			switch ch.Channel {
			case 1:
				pm.Ch1Voltage, pm.Ch1Current = ch.Voltage, ch.Current
			case 2:
				pm.Ch2Voltage, pm.Ch2Current = ch.Voltage, ch.Current
			case 3:
				pm.Ch3Voltage, pm.Ch3Current = ch.Voltage, ch.Current
			}
		}
		msg.Variant = &pb.Telemetry_PowerMetrics{PowerMetrics: pm}
	case KindHost:
		h := t.Host
		msg.Variant = &pb.Telemetry_HostMetrics{
			HostMetrics: &pb.HostMetrics{
				UptimeSeconds:  h.UptimeSeconds,
				FreememBytes:   h.FreememBytes,
				Diskfree1Bytes: h.Diskfree1Bytes,
				Load1:          h.Load1,
				Load5:          h.Load5,
				Load15:         h.Load15,
			},
		}
	default:
		return nil, ErrNoVariant
	}
	return msg, nil
}

// FromProto converts a Meshtastic Telemetry message. Variants this package
// does not model produce ErrNoVariant.
func FromProto(msg *pb.Telemetry) (*Telemetry, error) {
	t := &Telemetry{Time: msg.GetTime()}
	switch v := msg.Variant.(type) {
	case *pb.Telemetry_DeviceMetrics:
		d := v.DeviceMetrics
		t.Device = &DeviceMetrics{
			BatteryLevel:       d.BatteryLevel,
			Voltage:            d.Voltage,
			ChannelUtilization: d.ChannelUtilization,
			AirUtilTx:          d.AirUtilTx,
			UptimeSeconds:      d.UptimeSeconds,
		}
	case *pb.Telemetry_EnvironmentMetrics:
		e := v.EnvironmentMetrics
		t.Environment = &EnvironmentMetrics{
			Temperature:        e.Temperature,
			RelativeHumidity:   e.RelativeHumidity,
			BarometricPressure: e.BarometricPressure,
			GasResistance:      e.GasResistance,
			IAQ:                e.Iaq,
			Distance:           e.Distance,
			Lux:                e.Lux,
			UVIndex:            e.UvLux,
			WindSpeed:          e.WindSpeed,
			WindDirection:      e.WindDirection,
			Weight:             e.Weight,
		}
	case *pb.Telemetry_PowerMetrics:
		p := v.PowerMetrics
		pm := &PowerMetrics{}
		rails := []PowerChannel{
			{Channel: 1, Voltage: p.Ch1Voltage, Current: p.Ch1Current},
			{Channel: 2, Voltage: p.Ch2Voltage, Current: p.Ch2Current},
			{Channel: 3, Voltage: p.Ch3Voltage, Current: p.Ch3Current},
		}
		for _, r := range rails {
			if r.Voltage != nil || r.Current != nil {
				pm.Channels = append(pm.Channels, r)
			}
		}
		t.Power = pm
	case *pb.Telemetry_HostMetrics:
		h := v.HostMetrics
		t.Host = &HostMetrics{
			UptimeSeconds:  h.GetUptimeSeconds(),
			FreememBytes:   h.GetFreememBytes(),
			Diskfree1Bytes: h.GetDiskfree1Bytes(),
			Load1:          h.GetLoad1(),
			Load5:          h.GetLoad5(),
			Load15:         h.GetLoad15(),
		}
	default:
		return nil, ErrNoVariant
	}
	return t, nil
}

// Marshal encodes t as a Telemetry packet payload.
func (t *Telemetry) Marshal() ([]byte, error) {
	msg, err := t.ToProto()
	if err != nil {
		return nil, err
	}
	return proto.Marshal(msg)
}

func Unmarshal(payload []byte) (*Telemetry, error) {
	var msg pb.Telemetry
	if err := proto.Unmarshal(payload, &msg); err != nil {
		return nil, err
	}
	return FromProto(&msg)
}
