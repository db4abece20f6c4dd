// Package crypto implements channel encryption: AES-256-CTR over the payload
// with a truncated HMAC-SHA256 tag over header and ciphertext.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kabili207/meshstack/pkg/meshid"
	"github.com/kabili207/meshstack/pkg/packet"
	"github.com/meshnet-gophers/meshtastic-go/radio"
)

var (
	ErrInvalidKeyLength  = errors.New("crypto: invalid key length")
	ErrInvalidDataLength = errors.New("crypto: invalid data length")
	ErrMICMismatch       = errors.New("crypto: MIC verification failed")
	ErrEncryptionFailed  = errors.New("crypto: encryption failed")
	ErrDecryptionFailed  = errors.New("crypto: decryption failed")
)

const keyDerivationMagic = "Meshtastic"

var nonceBase = [8]byte{0, 1, 2, 3, 4, 5, 6, 7}

// DefaultPSK is the well-known key of the default channel.
func DefaultPSK() []byte {
	return append([]byte(nil), radio.DefaultKey...)
}

// ChannelKey is the AES-256 key derived for one channel.
type ChannelKey struct {
	key         [32]byte
	channelName string
}

// NewChannelKey derives SHA-256(name || psk || "Meshtastic").
func NewChannelKey(channelName string, psk []byte) ChannelKey {
	h := sha256.New()
	h.Write([]byte(channelName))
	h.Write(psk)
	h.Write([]byte(keyDerivationMagic))
	var k ChannelKey
	copy(k.key[:], h.Sum(nil))
	k.channelName = channelName
	return k
}

func NewDefaultChannelKey(channelName string) ChannelKey {
	return NewChannelKey(channelName, radio.DefaultKey)
}

// ChannelKeyFromRaw uses key as is. It must be 32 bytes.
func ChannelKeyFromRaw(key []byte, channelName string) (ChannelKey, error) {
	if len(key) != 32 {
		return ChannelKey{}, fmt.Errorf("%w: %d", ErrInvalidKeyLength, len(key))
	}
	k := ChannelKey{channelName: channelName}
	copy(k.key[:], key)
	return k, nil
}

func (k ChannelKey) Bytes() [32]byte {
	return k.key
}

func (k ChannelKey) ChannelName() string {
	return k.channelName
}

// ChannelHash is the first byte of SHA-256 over the channel name.
func (k ChannelKey) ChannelHash() uint8 {
	return ChannelHash(k.channelName)
}

func ChannelHash(channelName string) uint8 {
	sum := sha256.Sum256([]byte(channelName))
	return sum[0]
}

// String never prints key material.
func (k ChannelKey) String() string {
	return fmt.Sprintf("ChannelKey{%s: [REDACTED]}", k.channelName)
}

// Context encrypts and decrypts payloads for one channel.
type Context struct {
	key   ChannelKey
	block cipher.Block
}

func NewContext(key ChannelKey) (*Context, error) {
	block, err := aes.NewCipher(key.key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKeyLength, err)
	}
	return &Context{key: key, block: block}, nil
}

// ContextForChannel builds a context from a channel definition. Channels
// without a key get nil.
func ContextForChannel(ch meshid.ChannelDef) (*Context, error) {
	if !ch.IsEncrypted() {
		return nil, nil
	}
	return NewContext(NewChannelKey(ch.GetName(), ch.GetKeyBytes()))
}

func (c *Context) ChannelHash() uint8 {
	return c.key.ChannelHash()
}

func (c *Context) Key() ChannelKey {
	return c.key
}

// makeNonce lays out source (LE), packet id (LE) and the fixed tail.
func makeNonce(source meshid.NodeID, packetID uint32) [aes.BlockSize]byte {
	var nonce [aes.BlockSize]byte
	binary.LittleEndian.PutUint32(nonce[0:4], uint32(source))
	binary.LittleEndian.PutUint32(nonce[4:8], packetID)
	for i, b := range nonceBase {
		nonce[8+i] = b ^ byte(i)
	}
	return nonce
}

func (c *Context) keystream(data []byte, source meshid.NodeID, packetID uint32) []byte {
	nonce := makeNonce(source, packetID)
	out := make([]byte, len(data))
	cipher.NewCTR(c.block, nonce[:]).XORKeyStream(out, data)
	return out
}

func (c *Context) mic(header, payload []byte) [packet.MICSize]byte {
	mac := hmac.New(sha256.New, c.key.key[:])
	mac.Write(header)
	mac.Write(payload)
	var tag [packet.MICSize]byte
	copy(tag[:], mac.Sum(nil))
	return tag
}

// Encrypt returns the ciphertext and the MIC over header || ciphertext.
func (c *Context) Encrypt(plaintext []byte, source meshid.NodeID, packetID uint32, header []byte) ([]byte, [packet.MICSize]byte) {
	ciphertext := c.keystream(plaintext, source, packetID)
	return ciphertext, c.mic(header, ciphertext)
}

// Decrypt checks the MIC before touching the ciphertext.
func (c *Context) Decrypt(ciphertext []byte, source meshid.NodeID, packetID uint32, header []byte, mic [packet.MICSize]byte) ([]byte, error) {
	expected := c.mic(header, ciphertext)
	if !hmac.Equal(expected[:], mic[:]) {
		return nil, ErrMICMismatch
	}
	return c.keystream(ciphertext, source, packetID), nil
}

// EncryptPacket encrypts the payload in place and sets the encrypted flag.
// The flag is set first so the MIC covers the header as it goes on the wire.
// Already encrypted packets are left alone.
func (c *Context) EncryptPacket(p *packet.Packet) error {
	if p.Header.Flags.Encrypted() {
		return nil
	}
	p.Header.Flags.SetEncrypted(true)
	ciphertext, mic := c.Encrypt(p.Payload, p.Header.Source, uint32(p.Header.PacketID), p.Header.Bytes())
	p.Payload = ciphertext
	p.MIC = &mic
	return nil
}

// DecryptPacket reverses EncryptPacket. Plain packets are left alone.
func (c *Context) DecryptPacket(p *packet.Packet) error {
	if !p.Header.Flags.Encrypted() {
		return nil
	}
	if p.MIC == nil {
		return ErrMICMismatch
	}
	plaintext, err := c.Decrypt(p.Payload, p.Header.Source, uint32(p.Header.PacketID), p.Header.Bytes(), *p.MIC)
	if err != nil {
		return err
	}
	p.Payload = plaintext
	p.MIC = nil
	p.Header.Flags.SetEncrypted(false)
	return nil
}
