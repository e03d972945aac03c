// Package tlscrypt implements the pre-shared control-channel wrapper.
// Control packets are encrypted and authenticated with a locally
// provisioned static key before the TLS layer ever parses them, which
// makes the handshake opaque on the wire and lets us discard forged or
// replayed packets without perturbing the TLS state machine.
package tlscrypt

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
)

const (
	// staticKeyPEMHeader marks the beginning of a static key block.
	staticKeyPEMHeader = "-----BEGIN OpenVPN Static key V1-----"

	// staticKeyPEMFooter marks the end of a static key block.
	staticKeyPEMFooter = "-----END OpenVPN Static key V1-----"

	// StaticKeySize is the size in bytes of the provisioned static key.
	StaticKeySize = 256

	// keySlotSize is the size of each of the four key slots the static
	// key splits into.
	keySlotSize = 64

	// cipherKeyBytes is how much of a cipher slot AES-256 consumes.
	cipherKeyBytes = 32

	// hmacKeyBytes is how much of an auth slot HMAC-SHA256 consumes.
	hmacKeyBytes = 32
)

// ErrStaticKeyParse indicates the static key material is malformed.
var ErrStaticKeyParse = errors.New("tlscrypt: cannot parse static key")

// KeyDirection selects how the static key halves map to the send and
// receive directions. The two peers must configure complementary values
// (or both bidirectional).
type KeyDirection int

const (
	// KeyDirectionBidirectional uses the same keys for both directions.
	KeyDirectionBidirectional = KeyDirection(iota)

	// KeyDirectionNormal sends with the first half, receives with the
	// second. Conventionally the server side.
	KeyDirectionNormal

	// KeyDirectionInverse sends with the second half, receives with the
	// first. Conventionally the client side.
	KeyDirectionInverse
)

// keySlot is a single 64-byte slot of pre-shared key material.
type keySlot [keySlotSize]byte

// StaticKey is the parsed 2048-bit pre-shared key. It holds four 64-byte
// slots: two cipher keys and two HMAC keys, one pair per direction.
// The material is immutable after construction and must be wiped with
// [StaticKey.Zero] when the owning wrapper goes away.
type StaticKey struct {
	slots [4]keySlot
}

// ParseStaticKey parses an OpenVPN "Static key V1" block: a PEM-style
// armor around 512 hex characters, with optional comment lines before
// the header. Returns [ErrStaticKeyParse] on malformed input.
func ParseStaticKey(data []byte) (*StaticKey, error) {
	text := string(data)
	start := strings.Index(text, staticKeyPEMHeader)
	end := strings.Index(text, staticKeyPEMFooter)
	if start < 0 || end < 0 || end < start {
		return nil, fmt.Errorf("%w: missing key armor", ErrStaticKeyParse)
	}
	body := text[start+len(staticKeyPEMHeader) : end]

	hexKey := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		default:
			return r
		}
	}, body)

	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrStaticKeyParse, err)
	}
	if len(raw) != StaticKeySize {
		return nil, fmt.Errorf("%w: got %d bytes of key material, need %d",
			ErrStaticKeyParse, len(raw), StaticKeySize)
	}

	sk := &StaticKey{}
	for i := range sk.slots {
		copy(sk.slots[i][:], raw[i*keySlotSize:(i+1)*keySlotSize])
	}
	zeroBytes(raw)
	return sk, nil
}

// LoadStaticKey reads and parses a static key from a file.
func LoadStaticKey(path string) (*StaticKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrStaticKeyParse, err)
	}
	defer zeroBytes(data)
	return ParseStaticKey(data)
}

// directionKeys holds the derived per-direction key material: the four
// keys the wrapper actually uses.
type directionKeys struct {
	encryptCipher [cipherKeyBytes]byte
	encryptHMAC   [hmacKeyBytes]byte
	decryptCipher [cipherKeyBytes]byte
	decryptHMAC   [hmacKeyBytes]byte
}

// split derives the four wrapper keys from the static key according to
// the key direction. The first half of the static key is (cipher, hmac)
// slots 0 and 1; the second half is slots 2 and 3.
func (sk *StaticKey) split(dir KeyDirection) (*directionKeys, error) {
	var send, recv int
	switch dir {
	case KeyDirectionBidirectional:
		send, recv = 0, 0
	case KeyDirectionNormal:
		send, recv = 0, 2
	case KeyDirectionInverse:
		send, recv = 2, 0
	default:
		return nil, fmt.Errorf("%w: unknown key direction %d", ErrStaticKeyParse, dir)
	}
	dk := &directionKeys{}
	copy(dk.encryptCipher[:], sk.slots[send][:cipherKeyBytes])
	copy(dk.encryptHMAC[:], sk.slots[send+1][:hmacKeyBytes])
	copy(dk.decryptCipher[:], sk.slots[recv][:cipherKeyBytes])
	copy(dk.decryptHMAC[:], sk.slots[recv+1][:hmacKeyBytes])
	return dk, nil
}

// Zero wipes the key material. The static key is unusable afterwards.
func (sk *StaticKey) Zero() {
	for i := range sk.slots {
		zeroBytes(sk.slots[i][:])
	}
}

// zero wipes the derived direction keys.
func (dk *directionKeys) zero() {
	zeroBytes(dk.encryptCipher[:])
	zeroBytes(dk.encryptHMAC[:])
	zeroBytes(dk.decryptCipher[:])
	zeroBytes(dk.decryptHMAC[:])
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
