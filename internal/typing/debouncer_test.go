package typing

import (
	"sync"
	"testing"
	"time"
)

// recorder captures emitted frames in order, safe for the timer goroutine.
type recorder struct {
	mu     sync.Mutex
	frames []string
}

func (r *recorder) emit(frame string) {
	r.mu.Lock()
	r.frames = append(r.frames, frame)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.frames))
	copy(out, r.frames)
	return out
}

// waitFrames polls until the recorder holds n frames or the deadline passes.
func waitFrames(t *testing.T, r *recorder, n int, deadline time.Duration) []string {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if frames := r.snapshot(); len(frames) >= n {
			return frames
		}
		time.Sleep(2 * time.Millisecond)
	}
	return r.snapshot()
}

// ---------------------------------------------------------------------------
// Test: a rapid burst yields exactly one TYPE and one trailing STOP
// ---------------------------------------------------------------------------

func TestDebouncer_SingleBurst(t *testing.T) {
	rec := &recorder{}
	d := NewDebouncer(30*time.Millisecond, rec.emit)

	for i := 0; i < 10; i++ {
		d.Keystroke("bob")
	}

	frames := waitFrames(t, rec, 2, time.Second)
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d: %v", len(frames), frames)
	}
	if frames[0] != "TYPE|bob" {
		t.Errorf("expected first frame TYPE|bob, got %q", frames[0])
	}
	if frames[1] != "STOP|bob" {
		t.Errorf("expected trailing frame STOP|bob, got %q", frames[1])
	}
}

// ---------------------------------------------------------------------------
// Test: keystrokes within the quiet period keep the burst alive
// ---------------------------------------------------------------------------

func TestDebouncer_RearmExtendsBurst(t *testing.T) {
	rec := &recorder{}
	d := NewDebouncer(50*time.Millisecond, rec.emit)

	d.Keystroke("bob")
	time.Sleep(25 * time.Millisecond)
	d.Keystroke("bob")
	time.Sleep(25 * time.Millisecond)

	// The second keystroke rearmed the timer, so no STOP yet.
	if frames := rec.snapshot(); len(frames) != 1 {
		t.Fatalf("expected only the TYPE frame so far, got %v", frames)
	}

	frames := waitFrames(t, rec, 2, time.Second)
	if len(frames) != 2 || frames[1] != "STOP|bob" {
		t.Fatalf("expected TYPE then STOP, got %v", frames)
	}
}

// ---------------------------------------------------------------------------
// Test: Cancel ends the burst silently and the timer never fires
// ---------------------------------------------------------------------------

func TestDebouncer_CancelSuppressesTimer(t *testing.T) {
	rec := &recorder{}
	d := NewDebouncer(20*time.Millisecond, rec.emit)

	d.Keystroke("bob")
	d.Cancel()

	if d.Active() {
		t.Errorf("expected burst to be inactive after Cancel")
	}

	time.Sleep(60 * time.Millisecond)
	frames := rec.snapshot()
	if len(frames) != 1 || frames[0] != "TYPE|bob" {
		t.Fatalf("expected only the TYPE frame, got %v", frames)
	}
}

// ---------------------------------------------------------------------------
// Test: a new burst after STOP emits a fresh TYPE frame
// ---------------------------------------------------------------------------

func TestDebouncer_NewBurstAfterQuiet(t *testing.T) {
	rec := &recorder{}
	d := NewDebouncer(20*time.Millisecond, rec.emit)

	d.Keystroke("bob")
	waitFrames(t, rec, 2, time.Second)

	d.Keystroke("bob")
	frames := waitFrames(t, rec, 4, time.Second)
	if len(frames) != 4 {
		t.Fatalf("expected 4 frames across two bursts, got %v", frames)
	}
	want := []string{"TYPE|bob", "STOP|bob", "TYPE|bob", "STOP|bob"}
	for i, w := range want {
		if frames[i] != w {
			t.Errorf("frame[%d]: expected %q, got %q", i, w, frames[i])
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Cancel after the burst already ended is a no-op
// ---------------------------------------------------------------------------

func TestDebouncer_CancelIdle(t *testing.T) {
	rec := &recorder{}
	d := NewDebouncer(20*time.Millisecond, rec.emit)

	d.Cancel()
	d.Cancel()

	time.Sleep(40 * time.Millisecond)
	if frames := rec.snapshot(); len(frames) != 0 {
		t.Fatalf("expected no frames, got %v", frames)
	}
}
