package tlscrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/Blyss1987/openvpn/internal/bytesx"
	"github.com/Blyss1987/openvpn/internal/model"
	"github.com/Blyss1987/openvpn/internal/replay"
	"github.com/Blyss1987/openvpn/internal/runtimex"
	"github.com/Blyss1987/openvpn/internal/wire"
)

var (
	// ErrAuthenticationFailed indicates the frame tag did not validate.
	// Returned before any decryption is attempted.
	ErrAuthenticationFailed = errors.New("tlscrypt: bad packet digest")

	// ErrReplayDropped indicates the replay window rejected the frame.
	// Such frames are expected on an open network (retransmission races,
	// attackers) and must be dropped without perturbing the session.
	ErrReplayDropped = errors.New("tlscrypt: replay protection dropped frame")

	// ErrWrapperClosed indicates the wrapper's keys were already wiped.
	ErrWrapperClosed = errors.New("tlscrypt: wrapper is closed")
)

// timeNow is the time source; overridable in tests.
var timeNow = time.Now

// Wrapper encrypts and authenticates control-channel packets with the
// pre-shared static key. One instance is bound to one tunnel session and
// requires single-writer access per direction, enforced by the caller.
type Wrapper struct {
	// keys is the derived per-direction key material.
	keys *directionKeys

	// encBlock and decBlock are the AES-256 block ciphers for the send
	// and receive directions.
	encBlock cipher.Block
	decBlock cipher.Block

	logger model.Logger
	closed bool
}

// Unwrapped is the result of successfully unwrapping a frame.
type Unwrapped struct {
	// Opcode and KeyID come from the authenticated frame header.
	Opcode model.Opcode
	KeyID  model.KeyID

	// SessionID is the peer's session identifier.
	SessionID model.SessionID

	// PacketID is the replay identifier consumed by the frame.
	PacketID model.PacketID

	// Timestamp is the long-form replay timestamp.
	Timestamp model.PacketTimestamp

	// Plaintext is the decrypted payload, handed upward to the TLS layer.
	Plaintext []byte
}

// NewWrapper derives the per-direction keys from the static key and
// returns a wrapper ready for use. The static key itself may be wiped by
// the caller afterwards; the wrapper keeps its own copies until closed.
func NewWrapper(sk *StaticKey, dir KeyDirection, logger model.Logger) (*Wrapper, error) {
	runtimex.Assert(sk != nil, "passed nil static key")
	keys, err := sk.split(dir)
	if err != nil {
		return nil, err
	}
	encBlock, err := aes.NewCipher(keys.encryptCipher[:])
	if err != nil {
		keys.zero()
		return nil, err
	}
	decBlock, err := aes.NewCipher(keys.decryptCipher[:])
	if err != nil {
		keys.zero()
		return nil, err
	}
	return &Wrapper{
		keys:     keys,
		encBlock: encBlock,
		decBlock: decBlock,
		logger:   logger,
	}, nil
}

// Wrap consumes the next outbound packet identifier and produces the wire
// frame for the given control payload: the tag is computed over header,
// replay identifier and ciphertext, and the cipher runs in CTR mode with
// a nonce derived deterministically from the identifiers. No random IV is
// transmitted; identifier uniqueness supplies nonce uniqueness, which is
// why identifier exhaustion is fatal rather than wrapped.
//
// The returned packet id equals the one embedded in the frame. A
// [replay.ErrExhausted] failure must propagate up and force a rekey.
func (w *Wrapper) Wrap(
	opcode model.Opcode,
	keyID model.KeyID,
	sessionID model.SessionID,
	payload []byte,
	send *replay.SendSequence,
) ([]byte, model.PacketID, error) {
	if w.closed {
		return nil, 0, ErrWrapperClosed
	}

	id, err := send.Next()
	if err != nil {
		return nil, 0, err
	}

	f := &wire.Frame{
		Opcode:    opcode,
		KeyID:     keyID,
		SessionID: sessionID,
		PacketID:  id,
		Timestamp: model.PacketTimestamp(timeNow().Unix()),
	}

	f.Ciphertext = make([]byte, len(payload))
	ctr := cipher.NewCTR(w.encBlock, nonceFor(f))
	ctr.XORKeyStream(f.Ciphertext, payload)

	mac := hmac.New(sha256.New, w.keys.encryptHMAC[:])
	mac.Write(f.Header())
	mac.Write(f.ReplayID())
	mac.Write(f.Ciphertext)
	mac.Sum(f.Tag[:0])

	raw, err := f.Marshal()
	if err != nil {
		return nil, 0, err
	}
	return raw, id, nil
}

// Unwrap authenticates, replay-checks and decrypts a received frame.
//
// The tag is recomputed from the claimed header, replay identifier and
// ciphertext and compared in constant time before anything else is
// trusted; a mismatch fails with [ErrAuthenticationFailed] and no
// decryption is attempted. A frame whose identifier the replay window
// rejects fails with an error wrapping [ErrReplayDropped] and produces
// no plaintext; callers drop such frames silently.
func (w *Wrapper) Unwrap(raw []byte, recv *replay.Window) (*Unwrapped, error) {
	if w.closed {
		return nil, ErrWrapperClosed
	}

	f, err := wire.Unmarshal(raw)
	if err != nil {
		return nil, err
	}

	mac := hmac.New(sha256.New, w.keys.decryptHMAC[:])
	mac.Write(f.Header())
	mac.Write(f.ReplayID())
	mac.Write(f.Ciphertext)
	want := mac.Sum(nil)
	if !hmac.Equal(want, f.Tag[:]) {
		return nil, ErrAuthenticationFailed
	}

	if verdict := recv.CheckAndRecord(f.PacketID, f.Timestamp); verdict != replay.Accepted {
		return nil, fmt.Errorf("%w: id=%d verdict=%s", ErrReplayDropped, f.PacketID, verdict)
	}

	plaintext := make([]byte, len(f.Ciphertext))
	ctr := cipher.NewCTR(w.decBlock, nonceFor(f))
	ctr.XORKeyStream(plaintext, f.Ciphertext)

	return &Unwrapped{
		Opcode:    f.Opcode,
		KeyID:     f.KeyID,
		SessionID: f.SessionID,
		PacketID:  f.PacketID,
		Timestamp: f.Timestamp,
		Plaintext: plaintext,
	}, nil
}

// nonceFor derives the CTR nonce from the frame identifiers: session id,
// packet id and the low timestamp bytes. Unique per packet per direction
// because the packet id never repeats within a key's lifetime.
func nonceFor(f *wire.Frame) []byte {
	var nonce [16]byte
	copy(nonce[0:8], f.SessionID[:])
	bytesx.PutUint32(nonce[8:12], uint32(f.PacketID))
	bytesx.PutUint32(nonce[12:16], uint32(f.Timestamp))
	return nonce[:]
}

// Close wipes the wrapper's key material. Safe to call more than once;
// every exit path of the owning session must end up here.
func (w *Wrapper) Close() {
	if w.closed {
		return
	}
	w.closed = true
	w.keys.zero()
	w.encBlock = nil
	w.decBlock = nil
}
