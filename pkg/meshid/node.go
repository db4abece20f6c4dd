package meshid

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"net"
)

// NodeID is the 4-byte address of a mesh node. The wire form is big-endian.
type NodeID uint32

// NodeIDFromBytes builds a NodeID from its big-endian wire bytes.
func NodeIDFromBytes(b [4]byte) NodeID {
	return NodeID(binary.BigEndian.Uint32(b[:]))
}

// RandomNodeID picks an ID that is neither broadcast nor unknown.
func RandomNodeID(rng *rand.Rand) NodeID {
	for {
		id := NodeID(rng.Uint32())
		if id != BROADCAST_ID && id != UNKNOWN_ID && id != BROADCAST_ID_NO_LORA {
			return id
		}
	}
}

func (n NodeID) String() string {
	return fmt.Sprintf("!%08x", uint32(n))
}

func (n NodeID) Uint32() uint32 {
	return uint32(n)
}

// Bytes returns the big-endian wire representation.
func (n NodeID) Bytes() [4]byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(n))
	return b
}

func (n NodeID) IsBroadcast() bool {
	return n == BROADCAST_ID
}

func (n NodeID) IsUnknown() bool {
	return n == UNKNOWN_ID
}

// ToMacAddress converts this NodeID into a byte representation of
// an EUI48 mac address.
// Note: the generated address is always marked as locally administered.
func (n NodeID) ToMacAddress() net.HardwareAddr {
	a := n.Bytes()
	return net.HardwareAddr{0xA, 0, a[0], a[1], a[2], a[3]}
}

// GetDefaultNodeNames returns the default long and short name for an unnamed node
func (n NodeID) GetDefaultNodeNames() (longName, shortName string) {
	name := n.String()
	shortName = name[len(name)-4:]
	longName = fmt.Sprintf("Meshtastic %s", shortName)
	return
}
