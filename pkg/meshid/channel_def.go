package meshid

import (
	"bytes"
	"encoding/base64"
	"fmt"

	"github.com/meshnet-gophers/meshtastic-go/radio"
	"go.mau.fi/util/ptr"
)

// ChannelDef names a channel and carries its pre-shared key.
// A nil key means the channel is not encrypted.
type ChannelDef interface {
	GetName() string
	GetKeyString() string
	GetKeyBytes() []byte
	IsEncrypted() bool
}

type channelDefImpl struct {
	name     string
	key      *string
	keyBytes []byte
}

// NewChannelDef parses a base64 PSK. The one byte short form is expanded
// from the default key, and "AA==" (index 0) disables encryption.
func NewChannelDef(name string, key string) (ChannelDef, error) {
	var keyBytes []byte
	if key != "" {
		parsed, err := radio.ParseKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse key for channel %q: %w", name, err)
		}
		keyBytes = parsed
		if len(keyBytes) == 1 {
			keyBytes = expandShortPSK(keyBytes)
		}
		switch len(keyBytes) {
		case 0, 16, 32:
		default:
			return nil, fmt.Errorf("channel %q: key must be 1, 16 or 32 bytes, got %d", name, len(keyBytes))
		}
	}
	return &channelDefImpl{
		name:     name,
		key:      tryCompactKey(keyBytes),
		keyBytes: keyBytes,
	}, nil
}

func tryCompactKey(keyBytes []byte) *string {
	kbLen := len(keyBytes)
	dkLen := len(radio.DefaultKey)

	if kbLen == 0 {
		return nil
	}

	encoded := keyBytes
	if kbLen == dkLen && bytes.Equal(keyBytes[:kbLen-1], radio.DefaultKey[:dkLen-1]) {
		encoded = keyBytes[kbLen-1:]
	}

	return ptr.Ptr(base64.StdEncoding.EncodeToString(encoded))
}

// expandShortPSK converts a short-form PSK into a full-length PSK derived from the default key.
func expandShortPSK(input []byte) []byte {
	if len(input) != 1 {
		return nil
	}

	pskIndex := input[0]

	if pskIndex == 0 {
		return nil // encryption off
	}

	psk := make([]byte, len(radio.DefaultKey))
	copy(psk, radio.DefaultKey)

	// Bump the last byte of the PSK if needed
	psk[len(psk)-1] += pskIndex - 1

	return psk
}

func (c *channelDefImpl) GetName() string {
	return c.name
}

func (c *channelDefImpl) GetKeyString() string {
	if c.key == nil {
		return ""
	}
	return *c.key
}

func (c *channelDefImpl) GetKeyBytes() []byte {
	return c.keyBytes
}

func (c *channelDefImpl) IsEncrypted() bool {
	return len(c.keyBytes) > 0
}
