// Package typing converts raw keystroke activity into rate-limited typing
// notifications: one TYPE frame at the start of a burst and one STOP frame
// once the quiet period elapses without further keystrokes.
package typing

import (
	"sync"
	"time"

	"github.com/duochat/chat-app/internal/protocol"
)

// DefaultQuietPeriod is the inactivity window after which a typing burst is
// considered over.
const DefaultQuietPeriod = 800 * time.Millisecond

// Debouncer tracks the local user's typing burst for a single conversation.
// Frames are emitted through the injected emit function; at most one timer
// is live at a time, and rearming cancels the previous one.
type Debouncer struct {
	mu     sync.Mutex
	quiet  time.Duration
	emit   func(frame string)
	timer  *time.Timer
	gen    uint64 // invalidates stale timer callbacks
	active bool
}

// NewDebouncer creates a Debouncer with the given quiet period. A zero or
// negative quiet period falls back to DefaultQuietPeriod.
func NewDebouncer(quiet time.Duration, emit func(frame string)) *Debouncer {
	if quiet <= 0 {
		quiet = DefaultQuietPeriod
	}
	return &Debouncer{quiet: quiet, emit: emit}
}

// Keystroke records typing activity addressed to the given peer. The first
// keystroke of a burst emits a TYPE frame; every keystroke rearms the
// single-shot quiet timer whose expiry emits the trailing STOP frame.
func (d *Debouncer) Keystroke(peer string) {
	d.mu.Lock()

	start := !d.active
	d.active = true
	d.gen++
	gen := d.gen

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.quiet, func() {
		d.expire(gen, peer)
	})
	d.mu.Unlock()

	if start {
		d.emit(protocol.EncodeStartTyping(peer))
	}
}

// Cancel disarms the pending timer and ends the burst without emitting.
// The send path emits its own STOP frame alongside the message, so Cancel
// only guarantees the timer cannot add a redundant one; it is also the
// disposal hook when the channel closes.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.active = false
}

// Active reports whether a typing burst is currently in progress.
func (d *Debouncer) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// expire runs in the timer goroutine. The generation check drops callbacks
// from timers that were rearmed or cancelled after firing.
func (d *Debouncer) expire(gen uint64, peer string) {
	d.mu.Lock()
	if gen != d.gen || !d.active {
		d.mu.Unlock()
		return
	}
	d.active = false
	d.timer = nil
	d.mu.Unlock()

	d.emit(protocol.EncodeStopTyping(peer))
}
