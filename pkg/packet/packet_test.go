package packet

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/kabili207/meshstack/pkg/meshid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlags(t *testing.T) {
	var f Flags
	assert.False(t, f.WantAck())
	assert.False(t, f.Encrypted())

	f.SetWantAck(true)
	assert.True(t, f.WantAck())

	f.SetEncrypted(true)
	assert.True(t, f.Encrypted())

	f.SetHopStart(5)
	assert.Equal(t, uint8(5), f.HopStart())
	assert.True(t, f.WantAck(), "hop start must not clobber other bits")
	assert.True(t, f.Encrypted())

	f.SetHopStart(0xff)
	assert.Equal(t, uint8(7), f.HopStart())
	assert.Equal(t, Flags(0), f&0x80, "reserved bit stays clear")

	f.SetViaMQTT(true)
	f.SetPriority(true)
	assert.True(t, f.ViaMQTT())
	assert.True(t, f.Priority())
	f.SetWantAck(false)
	assert.False(t, f.WantAck())
}

func TestHeaderRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	for range 500 {
		h := Header{
			Destination: meshid.NodeID(rng.Uint32()),
			Source:      meshid.NodeID(rng.Uint32()),
			PacketID:    uint16(rng.UintN(1 << 16)),
			HopLimit:    uint8(rng.UintN(256)),
			Flags:       Flags(rng.UintN(256)),
		}
		b := h.Bytes()
		require.Len(t, b, HeaderSize)
		got, ok := DecodeHeader(b)
		require.True(t, ok)
		assert.Equal(t, h, got)
	}
}

func TestBroadcastHeaderRoundTrip(t *testing.T) {
	source := meshid.NodeIDFromBytes([4]byte{0x11, 0x22, 0x33, 0x44})
	h := BroadcastHeader(source, 3, 42)

	got, ok := DecodeHeader(h.Bytes())
	require.True(t, ok)
	assert.Equal(t, source, got.Source)
	assert.Equal(t, uint8(3), got.HopLimit)
	assert.True(t, got.Destination.IsBroadcast())
	assert.Equal(t, uint8(3), got.Flags.HopStart())
}

func TestWireLayout(t *testing.T) {
	h := Header{
		Destination: 0x01020304,
		Source:      0x05060708,
		PacketID:    0x090a,
		HopLimit:    2,
		Flags:       FlagWantAck,
	}
	p := &Packet{Header: h, Type: TypeTelemetry, Payload: []byte{0xaa, 0xbb}}
	assert.Equal(t, []byte{
		0x01, 0x02, 0x03, 0x04,
		0x05, 0x06, 0x07, 0x08,
		0x09, 0x0a,
		0x02,
		0x01,
		0x05,
		0xaa, 0xbb,
	}, p.Encode())
}

func TestBroadcastPacket(t *testing.T) {
	source := meshid.NodeID(0xcafe)
	p := NewBroadcast(source, 1, []byte("Hello mesh!"), 3)

	assert.True(t, p.Header.IsBroadcast())
	assert.Equal(t, uint8(3), p.Header.HopLimit)
	assert.Equal(t, []byte("Hello mesh!"), p.Payload)
	assert.Equal(t, TypeText, p.Type)
}

func TestDirectPacket(t *testing.T) {
	p := NewDirect(1, 2, 9, []byte("Direct message"))

	assert.False(t, p.Header.IsBroadcast())
	assert.True(t, p.Header.Flags.WantAck())
	assert.Equal(t, meshid.NodeID(2), p.Header.Destination)
	assert.Equal(t, uint8(DefaultHopLimit), p.Header.HopLimit)
}

func TestAckPacket(t *testing.T) {
	p := NewAck(2, 1, 10, 0xbeef)
	assert.Equal(t, TypeAck, p.Type)
	assert.False(t, p.Header.Flags.WantAck())
	id, ok := p.AckedID()
	require.True(t, ok)
	assert.Equal(t, uint16(0xbeef), id)

	_, ok = NewBroadcast(1, 1, nil, 3).AckedID()
	assert.False(t, ok)
}

func TestPacketRoundTrip(t *testing.T) {
	p := NewDirect(0x11223344, 0x55667788, 0x1234, []byte("payload"))
	p.Type = TypeAdmin

	got, ok := Decode(p.Encode())
	require.True(t, ok)
	assert.Equal(t, p.Header, got.Header)
	assert.Equal(t, TypeAdmin, got.Type)
	assert.Equal(t, p.Payload, got.Payload)
	assert.Nil(t, got.MIC)
}

func TestEncryptedPacketCarriesMIC(t *testing.T) {
	p := NewBroadcast(1, 2, []byte{1, 2, 3}, 3)
	p.Header.Flags.SetEncrypted(true)
	p.MIC = &[MICSize]byte{0xde, 0xad, 0xbe, 0xef}

	b := p.Encode()
	require.Len(t, b, HeaderSize+1+3+MICSize)

	got, ok := Decode(b)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, got.Payload)
	require.NotNil(t, got.MIC)
	assert.Equal(t, *p.MIC, *got.MIC)
}

func TestMICOnlyStrippedWhenEncrypted(t *testing.T) {
	p := NewBroadcast(1, 2, []byte{1, 2, 3, 4, 5, 6}, 3)
	got, ok := Decode(p.Encode())
	require.True(t, ok)
	assert.Len(t, got.Payload, 6)
	assert.Nil(t, got.MIC)
}

func TestDecodeTruncated(t *testing.T) {
	for n := range HeaderSize + 1 {
		_, ok := Decode(make([]byte, n))
		assert.False(t, ok, "length %d", n)
	}
	_, ok := Decode(make([]byte, HeaderSize+1))
	assert.True(t, ok)

	_, ok = Decode(make([]byte, HeaderSize+1+MaxPayloadSize+1))
	assert.False(t, ok)
}

func TestUnknownTypeDecodesAsCustom(t *testing.T) {
	b := NewBroadcast(1, 1, nil, 1).Encode()
	b[HeaderSize] = 42
	got, ok := Decode(b)
	require.True(t, ok)
	assert.Equal(t, TypeCustom, got.Type)
}

func TestPayloadLimit(t *testing.T) {
	_, err := New(BroadcastHeader(1, 3, 1), TypeText, make([]byte, MaxPayloadSize+1))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	p := NewBroadcast(1, 1, make([]byte, 300), 3)
	assert.Len(t, p.Payload, MaxPayloadSize)
}

func TestDedupKeyAndAddressing(t *testing.T) {
	source := meshid.NodeIDFromBytes([4]byte{0x11, 0x22, 0x33, 0x44})
	p1 := NewBroadcast(source, 5, []byte("Test"), 3)
	p2 := NewBroadcast(source, 6, []byte("Test"), 3)

	assert.Equal(t, p1.DedupKey().Source, p2.DedupKey().Source)
	assert.NotEqual(t, p1.DedupKey(), p2.DedupKey())
	assert.Equal(t, uint64(0x11223344_00000005), p1.DedupKey().Uint64())

	assert.True(t, p1.IsForNode(99))
	d := NewDirect(1, 2, 1, nil)
	assert.True(t, d.IsForNode(2))
	assert.False(t, d.IsForNode(3))
}

func TestDecrementHopLimit(t *testing.T) {
	p := NewBroadcast(1, 1, nil, 2)
	assert.True(t, p.DecrementHopLimit())
	assert.True(t, p.DecrementHopLimit())
	assert.False(t, p.DecrementHopLimit())
	assert.Equal(t, uint8(0), p.Header.HopLimit)
}

func TestCloneIsDeep(t *testing.T) {
	p := NewBroadcast(1, 1, []byte{1}, 3)
	p.SetRxMetadata(-80, 5, time.Unix(100, 0))
	c := p.Clone()
	c.Payload[0] = 9
	*c.RxRSSI = -1
	assert.Equal(t, byte(1), p.Payload[0])
	assert.Equal(t, float32(-80), *p.RxRSSI)
}

func TestIDSourceSkipsZero(t *testing.T) {
	s := &IDSource{current: 0xfffe}
	assert.Equal(t, uint16(0xffff), s.Next())
	assert.Equal(t, uint16(1), s.Next())
	assert.Equal(t, uint16(2), s.Next())

	seeded := NewIDSource(rand.New(rand.NewPCG(3, 4)))
	first := seeded.Next()
	assert.Equal(t, first+1, seeded.Next())
}

func TestCRC16(t *testing.T) {
	assert.Equal(t, uint16(0x29B1), CRC16CCITT([]byte("123456789")))
}

func TestPositionPayload(t *testing.T) {
	pos := meshid.Position{Latitude: 37.7749, Longitude: -122.4194, Altitude: 30}
	p, err := NewPosition(1, 7, pos, time.Unix(1700000000, 0))
	require.NoError(t, err)
	assert.Equal(t, TypePosition, p.Type)
	assert.Equal(t, uint8(3), p.Header.Flags.HopStart())

	got, ok := DecodePosition(p.Payload)
	require.True(t, ok)
	assert.InDelta(t, pos.Latitude, got.Latitude, 1e-6)
	assert.InDelta(t, pos.Longitude, got.Longitude, 1e-6)
	assert.Equal(t, float32(30), got.Altitude)

	_, ok = DecodePosition([]byte{0xff, 0xff})
	assert.False(t, ok)
}
