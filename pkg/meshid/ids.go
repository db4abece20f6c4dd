package meshid

import (
	"strconv"
	"strings"
)

const (
	// Node ID used for broadcasting
	BROADCAST_ID NodeID = 0xffffffff
	// Placeholder for a node whose identity is not known yet
	UNKNOWN_ID NodeID = 0
	// Node ID used for broadcasting exclusively over MQTT or BLE mesh
	BROADCAST_ID_NO_LORA NodeID = 1

	// The hop_start field is three bits wide, so nothing above this fits on the wire
	MAX_HOPS = 7
)

// ParseNodeID accepts both the bare hex form and the "!"-prefixed form.
func ParseNodeID(nodeID string) (NodeID, error) {
	v, _ := strings.CutPrefix(nodeID, "!")
	packet64, err := strconv.ParseUint(v, 16, 32)
	if err != nil {
		return UNKNOWN_ID, err
	}
	return NodeID(uint32(packet64)), nil
}
