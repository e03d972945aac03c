// Package replay implements replay protection for the control and data
// channels. It follows OpenVPN's packet_id mechanism: a monotonic send-side
// counter that must never wrap, and a receive-side sliding window over the
// packet-id space implemented as a fixed ring of bits.
//
// Each security association owns independent instances per direction (and
// per rekey epoch); instances require single-writer access enforced by the
// caller, mirroring how the session manager serializes access to its state.
package replay

import (
	"errors"
	"fmt"
	"time"

	"github.com/Blyss1987/openvpn/internal/model"
)

const (
	// DefaultWindowWidth is the default width, in packet IDs, of the
	// receive-side sliding window.
	DefaultWindowWidth = 128

	// maxWindowWidth bounds the window so memory stays fixed and small.
	// This is a deliberate memory/security tradeoff: IDs that fall out of
	// the window are treated as consumed.
	maxWindowWidth = 65536

	// DefaultTimeTolerance is the default tolerance for the long-form
	// timestamp cross-check. Mirrors OpenVPN's DEFAULT_TIME_BACKTRACK.
	DefaultTimeTolerance = 15 * time.Second

	// wrapTrigger is the send-side threshold past which the owner should
	// start renegotiating keys, before exhaustion turns fatal. Mirrors
	// OpenVPN's PACKET_ID_WRAP_TRIGGER.
	wrapTrigger = model.PacketID(0xFF000000)
)

// ErrExhausted is returned by [SendSequence.Next] when the 32-bit packet-id
// space for the direction is exhausted. This is fatal for the direction:
// the identifier doubles as the nonce input for the channel wrapper, so a
// silent wraparound would reuse nonces. The caller must force a rekey.
var ErrExhausted = errors.New("replay: packet id space exhausted")

// Verdict is the outcome of a receive-side replay check.
type Verdict int

const (
	// Accepted means the packet id was never seen and has been recorded.
	Accepted = Verdict(iota)

	// Duplicate means the packet id was already seen within the window.
	Duplicate

	// TooOld means the packet id fell below the window.
	TooOld

	// Stale means the long-form timestamp failed the staleness cross-check.
	Stale
)

// String implements fmt.Stringer.
func (v Verdict) String() string {
	switch v {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	case TooOld:
		return "too-old"
	case Stale:
		return "stale"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// SendSequence assigns outbound packet identifiers for one direction of a
// security association. The zero value is invalid; construct with
// [NewSendSequence].
type SendSequence struct {
	// next is the identifier the next call to Next will return.
	next model.PacketID

	// exhausted latches once the id space ran out.
	exhausted bool
}

// NewSendSequence returns a sequence whose first assigned id is 1; id zero
// is reserved as invalid on the wire, matching OpenVPN.
func NewSendSequence() *SendSequence {
	return NewSendSequenceAt(1)
}

// NewSendSequenceAt returns a sequence whose next assigned id is the given
// one. Used when a direction resumes after the hard-reset exchange already
// consumed the initial identifiers, and to exercise near-exhaustion paths.
func NewSendSequenceAt(next model.PacketID) *SendSequence {
	if next == 0 {
		next = 1
	}
	return &SendSequence{next: next}
}

// Next returns the next outbound packet identifier. It fails with
// [ErrExhausted] when the id space would wrap; once exhausted it keeps
// failing for the lifetime of the sequence.
func (s *SendSequence) Next() (model.PacketID, error) {
	if s.exhausted || s.next == model.MaxPacketID {
		s.exhausted = true
		return 0, ErrExhausted
	}
	id := s.next
	s.next++
	return id, nil
}

// NearWrap returns true once the assigned ids crossed the renegotiation
// trigger threshold. Callers use this to start a soft reset early so fresh
// keys are ready before Next turns fatal.
func (s *SendSequence) NearWrap() bool {
	return s.exhausted || s.next >= wrapTrigger
}

// Remaining returns how many identifiers are still assignable.
func (s *SendSequence) Remaining() uint32 {
	if s.exhausted {
		return 0
	}
	return uint32(model.MaxPacketID - s.next)
}

// Window is the receive-side sliding window for one direction of a
// security association. It records which of the last N packet ids have
// been seen using a fixed ring of bits; ids below the window base are
// rejected regardless of whether they were ever seen.
//
// The zero value is invalid; construct with [NewWindow].
type Window struct {
	// baseID is the lowest id the window still tracks. The window covers
	// [baseID, baseID+width).
	baseID model.PacketID

	// width is the number of ids tracked, fixed at construction.
	width uint32

	// bits is the ring of seen-bits, indexed by id modulo width.
	bits []uint64

	// lastSeenTime is the highest long-form timestamp accepted so far.
	lastSeenTime model.PacketTimestamp

	// timeTolerance is the staleness tolerance for the long form; zero
	// disables the timestamp cross-check (short form).
	timeTolerance time.Duration

	// rejectZero rejects packet id zero, which the short form reserves
	// as invalid.
	rejectZero bool
}

// WindowOption is a functional option for configuring a [Window].
type WindowOption func(*Window)

// WithWindowWidth sets the window width in packet ids, capped so memory
// stays bounded.
func WithWindowWidth(width uint32) WindowOption {
	return func(w *Window) {
		if width == 0 {
			width = DefaultWindowWidth
		}
		if width > maxWindowWidth {
			width = maxWindowWidth
		}
		w.width = width
	}
}

// WithTimeTolerance enables the long-form staleness cross-check with the
// given tolerance. A received timestamp more than the tolerance behind the
// highest accepted timestamp is rejected as [Stale] even when its id would
// pass the window test. This guards against id-space replay across peer
// restarts, where the counter resets; it complements the id window rather
// than replacing it.
func WithTimeTolerance(tolerance time.Duration) WindowOption {
	return func(w *Window) {
		w.timeTolerance = tolerance
	}
}

// WithRejectZeroID makes the window reject packet id zero. The data
// channel (short form) reserves id zero as invalid.
func WithRejectZeroID() WindowOption {
	return func(w *Window) {
		w.rejectZero = true
	}
}

// NewWindow creates a receive window with the default width of
// [DefaultWindowWidth] ids, no timestamp cross-check, and id zero allowed.
func NewWindow(opts ...WindowOption) *Window {
	w := &Window{width: DefaultWindowWidth}
	for _, opt := range opts {
		opt(w)
	}
	w.bits = make([]uint64, (w.width+63)/64)
	return w
}

// CheckAndRecord performs the replay test for a received packet id and,
// for the long form, its timestamp (pass zero to skip the time check).
// On [Accepted] the id is recorded; every other verdict leaves the window
// unchanged. This is the only operation that mutates the window.
func (w *Window) CheckAndRecord(id model.PacketID, timestamp model.PacketTimestamp) Verdict {
	if w.rejectZero && id == 0 {
		return TooOld
	}

	// Long-form staleness cross-check. Monotonic with respect to the
	// highest timestamp accepted, not the local clock.
	if w.timeTolerance > 0 && timestamp > 0 && w.lastSeenTime > 0 {
		tolerance := model.PacketTimestamp(w.timeTolerance / time.Second)
		if timestamp+tolerance < w.lastSeenTime {
			return Stale
		}
	}

	switch {
	case id < w.baseID:
		// Below the window. Ids in the gap left behind by an earlier
		// slide were implicitly consumed, so the bit state is irrelevant.
		return TooOld

	case uint32(id-w.baseID) < w.width:
		// Inside the window: test and set the bit.
		if w.getBit(id) {
			return Duplicate
		}
		w.setBit(id)

	default:
		// Ahead of the window: slide forward so id becomes the newest
		// tracked entry, discarding bits that fall out of range.
		w.slideTo(id)
		w.setBit(id)
	}

	if timestamp > w.lastSeenTime {
		w.lastSeenTime = timestamp
	}
	return Accepted
}

// slideTo advances the window so that id is its newest entry, clearing the
// ring positions that now refer to not-yet-seen ids.
func (w *Window) slideTo(id model.PacketID) {
	newBase := id - model.PacketID(w.width) + 1
	diff := uint32(newBase - w.baseID)
	if diff >= w.width {
		// The jump cleared the whole window.
		for i := range w.bits {
			w.bits[i] = 0
		}
		w.baseID = newBase
		return
	}
	// Clear the positions being reused for the new top of the window:
	// ids [oldBase+width, newBase+width). Count diff steps instead of
	// comparing ids so the bound cannot wrap when id is the maximum.
	start := w.baseID + model.PacketID(w.width)
	for i := uint32(0); i < diff; i++ {
		w.clearBit(start + model.PacketID(i))
	}
	w.baseID = newBase
}

func (w *Window) getBit(id model.PacketID) bool {
	slot := uint32(id) % w.width
	return w.bits[slot/64]&(uint64(1)<<(slot%64)) != 0
}

func (w *Window) setBit(id model.PacketID) {
	slot := uint32(id) % w.width
	w.bits[slot/64] |= uint64(1) << (slot % 64)
}

func (w *Window) clearBit(id model.PacketID) {
	slot := uint32(id) % w.width
	w.bits[slot/64] &^= uint64(1) << (slot % 64)
}

// BaseID returns the lowest id the window still tracks.
func (w *Window) BaseID() model.PacketID {
	return w.baseID
}

// Width returns the window width in packet ids.
func (w *Window) Width() uint32 {
	return w.width
}

// LastSeenTime returns the highest long-form timestamp accepted so far.
func (w *Window) LastSeenTime() model.PacketTimestamp {
	return w.lastSeenTime
}

// Reset clears the window back to its initial state.
func (w *Window) Reset() {
	w.baseID = 0
	w.lastSeenTime = 0
	for i := range w.bits {
		w.bits[i] = 0
	}
}
