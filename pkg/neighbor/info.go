package neighbor

import (
	"fmt"
	"unicode/utf8"

	"github.com/kabili207/meshstack/pkg/meshid"
	pb "github.com/meshnet-gophers/meshtastic-go/meshtastic"
	"go.mau.fi/util/ptr"
	"google.golang.org/protobuf/proto"
)

const (
	MaxShortNameLen = 4
	MaxLongNameLen  = 40
)

// NodeInfo is what a node announces about itself.
type NodeInfo struct {
	ID              meshid.NodeID
	ShortName       string
	LongName        string
	HardwareModel   uint8
	FirmwareVersion string
	Position        *meshid.Position
	BatteryLevel    *uint8
	IsRouter        bool
}

// NewNodeInfo truncates names to what fits in a NodeInfo broadcast.
func NewNodeInfo(id meshid.NodeID, shortName, longName string) NodeInfo {
	return NodeInfo{
		ID:        id,
		ShortName: truncate(shortName, MaxShortNameLen),
		LongName:  truncate(longName, MaxLongNameLen),
	}
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

// Marshal encodes the announcement as a Meshtastic User message.
func (n NodeInfo) Marshal() ([]byte, error) {
	user := pb.User{
		Id:        n.ID.String(),
		LongName:  n.LongName,
		ShortName: n.ShortName,
		HwModel:   pb.HardwareModel(n.HardwareModel),
		Role:      pb.Config_DeviceConfig_CLIENT,
		Macaddr:   n.ID.ToMacAddress(),
	}
	if n.IsRouter {
		user.Role = pb.Config_DeviceConfig_ROUTER
		user.IsUnmessagable = ptr.Ptr(true)
	}
	return proto.Marshal(&user)
}

// UnmarshalNodeInfo decodes a User message. The sender ID is taken from the
// packet source rather than the payload, which can be spoofed freely.
func UnmarshalNodeInfo(source meshid.NodeID, payload []byte) (NodeInfo, error) {
	var user pb.User
	if err := proto.Unmarshal(payload, &user); err != nil {
		return NodeInfo{}, fmt.Errorf("failed to decode node info: %w", err)
	}
	info := NewNodeInfo(source, user.ShortName, user.LongName)
	if hw := user.GetHwModel(); hw >= 0 && hw <= 0xff {
		info.HardwareModel = uint8(hw)
	}
	switch user.GetRole() {
	case pb.Config_DeviceConfig_ROUTER, pb.Config_DeviceConfig_REPEATER:
		info.IsRouter = true
	}
	return info, nil
}
