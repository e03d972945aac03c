package session

import (
	"sync/atomic"
	"time"

	"github.com/Blyss1987/openvpn/internal/model"
	"github.com/Blyss1987/openvpn/internal/replay"
)

// Key slot constants matching OpenVPN's ssl_common.h
const (
	// KS_PRIMARY is the primary (active) key slot
	KS_PRIMARY = 0
	// KS_LAME_DUCK is the retiring key slot
	KS_LAME_DUCK = 1
	// KS_SIZE is the number of key slots per session
	KS_SIZE = 2
)

// DefaultTransitionWindow is how long a lame duck key stays alive after a
// soft reset. This corresponds to OpenVPN's --tran-window option.
const DefaultTransitionWindow = 60 * time.Second

// KeyState represents one key epoch with its sequencing state. Each epoch
// owns four independent sequencer instances: control and data traffic never
// share an identifier space, and neither do the two directions.
type KeyState struct {
	// KeyID is the 3-bit key ID (0-7) used in packet headers
	KeyID model.KeyID

	// ControlSend allocates outgoing control-channel packet ids.
	ControlSend *replay.SendSequence

	// ControlRecv is the anti-replay window for incoming control packets.
	ControlRecv *replay.Window

	// DataSend allocates outgoing data-channel packet ids.
	DataSend *replay.SendSequence

	// DataRecv is the anti-replay window for incoming data packets.
	DataRecv *replay.Window

	// EstablishedTime is when this epoch became the primary.
	EstablishedTime time.Time

	// MustDie is the absolute time when this key must be destroyed.
	// Set when the key moves to the lame duck slot:
	// MustDie = now + transition_window. Zero while primary.
	MustDie time.Time

	// packetsRead is the number of packets accepted under this key.
	// Accessed atomically: the two channel workers update the same
	// epoch from separate goroutines.
	packetsRead atomic.Int64

	// packetsWritten is the number of packets sent under this key.
	// Accessed atomically, see packetsRead.
	packetsWritten atomic.Int64
}

func newKeyState(keyID model.KeyID, now time.Time, windowOpts []replay.WindowOption) *KeyState {
	// the short form reserves packet id zero as invalid
	dataOpts := append(append([]replay.WindowOption{}, windowOpts...), replay.WithRejectZeroID())
	return &KeyState{
		KeyID:           keyID,
		ControlSend:     replay.NewSendSequence(),
		ControlRecv:     replay.NewWindow(windowOpts...),
		DataSend:        replay.NewSendSequence(),
		DataRecv:        replay.NewWindow(dataOpts...),
		EstablishedTime: now,
	}
}

// IsLameDuck returns true once the key has been displaced by a soft reset.
func (ks *KeyState) IsLameDuck() bool {
	return ks != nil && !ks.MustDie.IsZero()
}

// IsExpired returns true if the key has passed its must_die time.
func (ks *KeyState) IsExpired(now time.Time) bool {
	if ks == nil || ks.MustDie.IsZero() {
		return false
	}
	return now.After(ks.MustDie)
}

// AddPackets increments the packet counters.
func (ks *KeyState) AddPackets(read, written int64) {
	if ks == nil {
		return
	}
	ks.packetsRead.Add(read)
	ks.packetsWritten.Add(written)
}

// PacketCounts returns the packet counters.
func (ks *KeyState) PacketCounts() (read, written int64) {
	if ks == nil {
		return 0, 0
	}
	return ks.packetsRead.Load(), ks.packetsWritten.Load()
}
