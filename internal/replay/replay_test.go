package replay

import (
	"testing"
	"time"

	"github.com/Blyss1987/openvpn/internal/model"
)

func TestSendSequence_StartsAtOne(t *testing.T) {
	s := NewSendSequence()
	id, err := s.Next()
	if err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if id != 1 {
		t.Errorf("expected first id=1, got %d", id)
	}
}

func TestSendSequence_Monotonic(t *testing.T) {
	s := NewSendSequence()
	var prev model.PacketID
	for i := 0; i < 1000; i++ {
		id, err := s.Next()
		if err != nil {
			t.Fatalf("expected nil, got %v", err)
		}
		if id <= prev {
			t.Fatalf("id %d not greater than previous %d", id, prev)
		}
		prev = id
	}
}

func TestSendSequence_Exhaustion(t *testing.T) {
	s := &SendSequence{next: model.MaxPacketID - 1}

	id, err := s.Next()
	if err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if id != model.MaxPacketID-1 {
		t.Errorf("expected id=%d, got %d", model.MaxPacketID-1, id)
	}

	// the next call would need to assign MaxPacketID, which is reserved
	if _, err := s.Next(); err != ErrExhausted {
		t.Errorf("expected ErrExhausted, got %v", err)
	}

	// exhaustion latches
	if _, err := s.Next(); err != ErrExhausted {
		t.Errorf("expected ErrExhausted on repeat, got %v", err)
	}
	if got := s.Remaining(); got != 0 {
		t.Errorf("expected Remaining=0, got %d", got)
	}
}

func TestSendSequence_NearWrap(t *testing.T) {
	s := NewSendSequence()
	if s.NearWrap() {
		t.Error("fresh sequence should not be near wrap")
	}
	s.next = 0xFF000000
	if !s.NearWrap() {
		t.Error("expected NearWrap at trigger threshold")
	}
}

func TestWindow_FirstPacketAlwaysAccepted(t *testing.T) {
	for _, id := range []model.PacketID{0, 1, 500, 0xFFFFFFF0} {
		w := NewWindow()
		if got := w.CheckAndRecord(id, 0); got != Accepted {
			t.Errorf("first packet id=%d: expected Accepted, got %s", id, got)
		}
	}
}

func TestWindow_StrictlyIncreasingAlwaysAccepted(t *testing.T) {
	w := NewWindow()
	for id := model.PacketID(1); id <= 1000; id++ {
		if got := w.CheckAndRecord(id, 0); got != Accepted {
			t.Fatalf("id=%d: expected Accepted, got %s", id, got)
		}
	}
}

func TestWindow_DuplicateWithinWindow(t *testing.T) {
	w := NewWindow()
	for id := model.PacketID(1); id <= 50; id++ {
		w.CheckAndRecord(id, 0)
	}
	for id := model.PacketID(1); id <= 50; id++ {
		if got := w.CheckAndRecord(id, 0); got != Duplicate {
			t.Errorf("id=%d: expected Duplicate, got %s", id, got)
		}
	}
}

func TestWindow_OutOfOrderWithinWindow(t *testing.T) {
	w := NewWindow(WithWindowWidth(16))
	w.CheckAndRecord(10, 0)
	// ids 1..9 were never seen and base is still low enough
	for id := model.PacketID(1); id < 10; id++ {
		if got := w.CheckAndRecord(id, 0); got != Accepted {
			t.Errorf("id=%d: expected Accepted, got %s", id, got)
		}
	}
}

func TestWindow_TooOldBelowBase(t *testing.T) {
	w := NewWindow(WithWindowWidth(8))
	w.CheckAndRecord(100, 0) // base slides to 93
	if got := w.BaseID(); got != 93 {
		t.Fatalf("expected base=93, got %d", got)
	}
	for _, id := range []model.PacketID{0, 1, 50, 92} {
		if got := w.CheckAndRecord(id, 0); got != TooOld {
			t.Errorf("id=%d: expected TooOld, got %s", id, got)
		}
	}
}

func TestWindow_SlideAdvancesBase(t *testing.T) {
	// accepting base + width + k advances base by k+1
	for k := uint32(0); k < 5; k++ {
		w := NewWindow(WithWindowWidth(8))
		w.CheckAndRecord(0, 0) // base stays 0
		id := model.PacketID(8 + k)
		if got := w.CheckAndRecord(id, 0); got != Accepted {
			t.Fatalf("k=%d: expected Accepted, got %s", k, got)
		}
		if got := w.BaseID(); got != model.PacketID(k+1) {
			t.Errorf("k=%d: expected base=%d, got %d", k, k+1, got)
		}
	}
}

func TestWindow_SlideInvalidatesGap(t *testing.T) {
	w := NewWindow(WithWindowWidth(8))
	w.CheckAndRecord(0, 0)
	// jump far ahead: everything between old base and the new one is
	// implicitly consumed even though it was never marked
	w.CheckAndRecord(1000, 0)
	for _, id := range []model.PacketID{1, 2, 500, 992} {
		if got := w.CheckAndRecord(id, 0); got != TooOld {
			t.Errorf("id=%d: expected TooOld, got %s", id, got)
		}
	}
	// ids inside the new window but unseen are still acceptable
	if got := w.CheckAndRecord(995, 0); got != Accepted {
		t.Errorf("id=995: expected Accepted, got %s", got)
	}
}

func TestWindow_SlideToTopOfIDSpace(t *testing.T) {
	// sliding to the very last id must still clear the ring positions
	// of the ids that fall out, even though newBase+width wraps
	w := NewWindow(WithWindowWidth(8))
	if got := w.CheckAndRecord(model.MaxPacketID-4, 0); got != Accepted {
		t.Fatalf("expected Accepted, got %s", got)
	}
	// this one falls out of the window on the next slide, and its ring
	// position aliases an id near the top
	if got := w.CheckAndRecord(model.MaxPacketID-10, 0); got != Accepted {
		t.Fatalf("expected Accepted, got %s", got)
	}
	if got := w.CheckAndRecord(model.MaxPacketID, 0); got != Accepted {
		t.Fatalf("expected Accepted, got %s", got)
	}
	if got := w.BaseID(); got != model.MaxPacketID-7 {
		t.Fatalf("expected base=%d, got %d", model.PacketID(model.MaxPacketID-7), got)
	}
	// MaxPacketID-2 shares its ring position with the dropped
	// MaxPacketID-10 and was never seen
	if got := w.CheckAndRecord(model.MaxPacketID-2, 0); got != Accepted {
		t.Errorf("expected Accepted, got %s", got)
	}
}

// The scenario from the design discussion: width 8, base 0, feed
// [0,1,2,1,9]; after id 9 the base is 2 so id 1 is below the window.
func TestWindow_Scenario(t *testing.T) {
	w := NewWindow(WithWindowWidth(8))

	feed := []model.PacketID{0, 1, 2, 1, 9}
	want := []Verdict{Accepted, Accepted, Accepted, Duplicate, Accepted}
	for i, id := range feed {
		if got := w.CheckAndRecord(id, 0); got != want[i] {
			t.Fatalf("step %d id=%d: expected %s, got %s", i, id, want[i], got)
		}
	}
	if got := w.BaseID(); got != 2 {
		t.Errorf("expected base=2, got %d", got)
	}
	if got := w.CheckAndRecord(1, 0); got != TooOld {
		t.Errorf("id=1 after slide: expected TooOld, got %s", got)
	}
}

func TestWindow_RejectZeroID(t *testing.T) {
	w := NewWindow(WithRejectZeroID())
	if got := w.CheckAndRecord(0, 0); got != TooOld {
		t.Errorf("expected TooOld for id=0, got %s", got)
	}
	if got := w.CheckAndRecord(1, 0); got != Accepted {
		t.Errorf("expected Accepted for id=1, got %s", got)
	}
}

func TestWindow_StaleTimestamp(t *testing.T) {
	w := NewWindow(WithTimeTolerance(DefaultTimeTolerance))
	now := model.PacketTimestamp(time.Now().Unix())

	if got := w.CheckAndRecord(1, now); got != Accepted {
		t.Fatalf("expected Accepted, got %s", got)
	}

	// same epoch, slightly older timestamp: inside tolerance
	if got := w.CheckAndRecord(2, now-5); got != Accepted {
		t.Errorf("expected Accepted within tolerance, got %s", got)
	}

	// a counter reset across a peer restart replays an old id with an
	// old timestamp: the time cross-check rejects it even though the id
	// would pass the window test
	if got := w.CheckAndRecord(3, now-3600); got != Stale {
		t.Errorf("expected Stale, got %s", got)
	}
	if got := w.LastSeenTime(); got != now {
		t.Errorf("expected lastSeenTime=%d, got %d", now, got)
	}
}

func TestWindow_TimestampAdvances(t *testing.T) {
	w := NewWindow(WithTimeTolerance(DefaultTimeTolerance))
	w.CheckAndRecord(1, 1000)
	w.CheckAndRecord(2, 2000)
	if got := w.LastSeenTime(); got != 2000 {
		t.Errorf("expected lastSeenTime=2000, got %d", got)
	}
}

func TestWindow_Reset(t *testing.T) {
	w := NewWindow(WithWindowWidth(8), WithTimeTolerance(DefaultTimeTolerance))
	w.CheckAndRecord(100, 5000)
	w.Reset()
	if w.BaseID() != 0 || w.LastSeenTime() != 0 {
		t.Errorf("expected pristine window after Reset")
	}
	if got := w.CheckAndRecord(1, 0); got != Accepted {
		t.Errorf("expected Accepted after Reset, got %s", got)
	}
}

func TestWindow_WidthCapAndDefault(t *testing.T) {
	w := NewWindow(WithWindowWidth(0))
	if got := w.Width(); got != DefaultWindowWidth {
		t.Errorf("expected default width, got %d", got)
	}
	w = NewWindow(WithWindowWidth(1 << 20))
	if got := w.Width(); got != 65536 {
		t.Errorf("expected capped width 65536, got %d", got)
	}
}
