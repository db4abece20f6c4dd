package packet

// Flags is the one-byte header bitfield.
//
//	bit 0     want_ack
//	bit 1     via_mqtt
//	bits 2-4  hop_start
//	bit 5     encrypted
//	bit 6     priority
//	bit 7     reserved
type Flags uint8

const (
	FlagWantAck   Flags = 1 << 0
	FlagViaMQTT   Flags = 1 << 1
	FlagEncrypted Flags = 1 << 5
	FlagPriority  Flags = 1 << 6

	hopStartShift       = 2
	hopStartMask  Flags = 0x07 << hopStartShift
)

func (f Flags) has(bit Flags) bool {
	return f&bit != 0
}

func (f *Flags) set(bit Flags, on bool) {
	if on {
		*f |= bit
	} else {
		*f &^= bit
	}
}

func (f Flags) WantAck() bool   { return f.has(FlagWantAck) }
func (f Flags) ViaMQTT() bool   { return f.has(FlagViaMQTT) }
func (f Flags) Encrypted() bool { return f.has(FlagEncrypted) }
func (f Flags) Priority() bool  { return f.has(FlagPriority) }

func (f *Flags) SetWantAck(on bool)   { f.set(FlagWantAck, on) }
func (f *Flags) SetViaMQTT(on bool)   { f.set(FlagViaMQTT, on) }
func (f *Flags) SetEncrypted(on bool) { f.set(FlagEncrypted, on) }
func (f *Flags) SetPriority(on bool)  { f.set(FlagPriority, on) }

// HopStart is the hop limit the packet was originally sent with.
func (f Flags) HopStart() uint8 {
	return uint8((f & hopStartMask) >> hopStartShift)
}

// SetHopStart stores the low three bits of hops.
func (f *Flags) SetHopStart(hops uint8) {
	*f = (*f &^ hopStartMask) | (Flags(hops&0x07) << hopStartShift)
}
