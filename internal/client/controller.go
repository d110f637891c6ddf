// Package client implements the chat session controller: it owns the
// channel to the relay, decodes inbound frames into state transitions, and
// turns user actions into outbound frames. All mutation funnels through one
// mutex, so the model behaves as a single logical thread regardless of
// which goroutine (read pump, typing timer, UI) drives it.
package client

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/duochat/chat-app/internal/conversation"
	"github.com/duochat/chat-app/internal/protocol"
	"github.com/duochat/chat-app/internal/typing"
)

// Session lifecycle phases.
const (
	PhaseIdle       = "idle"
	PhaseConnecting = "connecting"
	PhaseOpen       = "open"
	PhaseClosed     = "closed"
)

// Channel is an already-open bidirectional text channel to the relay.
// Writes are fire-and-forget; a write failure is fatal to the session.
// No handler callback fires before Start is called.
type Channel interface {
	Start()
	Send(raw string) error
	Close() error
}

// Handlers are the callbacks a Dialer wires into the transport it opens.
type Handlers struct {
	OnOpen      func()
	OnClose     func()
	OnError     func(err error)
	OnTextFrame func(raw string)
}

// Dialer opens a channel for the given username. Once started, the channel
// invokes the handlers from a single reader goroutine: OnOpen once when the
// transport is ready, then OnTextFrame per inbound frame, and finally
// OnClose or OnError exactly once.
type Dialer interface {
	Dial(username string, h Handlers) (Channel, error)
}

// Config holds controller tuning options.
type Config struct {
	QuietPeriod time.Duration    // typing debounce window; 0 means the default
	OnDiscard   func(raw string) // observes dropped malformed/unknown frames

	// OnUpdate observes model changes. It is invoked off the controller
	// lock, so it may call Snapshot and the action methods freely.
	OnUpdate func(conversation.Snapshot)
}

// Controller drives a single chat session through the
// idle -> connecting -> open -> closed lifecycle. A new Join may follow a
// close; at most one channel is live at a time.
type Controller struct {
	dialer    Dialer
	config    Config
	mu        sync.Mutex
	phase     string
	state     *conversation.State
	debouncer *typing.Debouncer
	channel   Channel
}

// New creates a Controller in the idle phase.
func New(dialer Dialer, config Config) *Controller {
	return &Controller{
		dialer: dialer,
		config: config,
		phase:  PhaseIdle,
		state:  conversation.New(""),
	}
}

// Join opens a session for the given username. It rejects empty usernames
// and double-joins; after a close the next Join starts a fresh cycle. The
// selected peer carries over from the previous session.
func (c *Controller) Join(username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return fmt.Errorf("client: username must not be empty")
	}

	c.mu.Lock()
	if c.phase == PhaseConnecting || c.phase == PhaseOpen {
		c.mu.Unlock()
		return fmt.Errorf("client: session already active (phase=%s)", c.phase)
	}

	peer := c.state.Peer()
	c.phase = PhaseConnecting
	c.state = conversation.New(username)
	c.state.SelectPeer(peer)
	c.debouncer = typing.NewDebouncer(c.config.QuietPeriod, c.sendFrame)
	c.mu.Unlock()

	ch, err := c.dialer.Dial(username, Handlers{
		OnOpen:      c.handleOpen,
		OnClose:     c.handleClosed,
		OnError:     func(err error) { c.handleError(err) },
		OnTextFrame: c.handleFrame,
	})
	if err != nil {
		c.mu.Lock()
		c.phase = PhaseClosed
		c.mu.Unlock()
		return fmt.Errorf("client: dial: %w", err)
	}

	// Leave may have closed the session while the dial was in flight. The
	// late channel must not be stored or started, or it would feed frames
	// into whatever session comes next.
	c.mu.Lock()
	if c.phase != PhaseConnecting {
		c.mu.Unlock()
		_ = ch.Close()
		return fmt.Errorf("client: session closed during dial")
	}
	c.channel = ch
	c.mu.Unlock()

	ch.Start()
	return nil
}

// SelectPeer switches the conversation to a new peer, resetting the typing
// indicator and ending any local typing burst addressed to the old peer.
func (c *Controller) SelectPeer(peer string) {
	c.mu.Lock()
	deb := c.debouncer
	c.state.SelectPeer(strings.TrimSpace(peer))
	snap := c.state.Snapshot()
	c.mu.Unlock()

	if deb != nil {
		deb.Cancel()
	}
	c.notify(snap)
}

// SendMessage submits a message to the selected peer. Empty input or a
// session that is not open makes the action not happen; no error surfaces.
// The message appears in the log only once the relay echoes it back with
// its assigned id.
func (c *Controller) SendMessage(text string) {
	c.mu.Lock()
	if c.phase != PhaseOpen {
		c.mu.Unlock()
		return
	}
	frames := c.state.Send(text)
	deb := c.debouncer
	c.mu.Unlock()

	if len(frames) == 0 {
		return
	}

	// Sending implies typing ended; the STOP frame is already part of the
	// send frames, so the timer only needs disarming.
	if deb != nil {
		deb.Cancel()
	}
	c.sendFrames(frames)
}

// Keystroke reports local typing activity. The debouncer turns a burst of
// calls into one TYPE frame and one trailing STOP frame.
func (c *Controller) Keystroke() {
	c.mu.Lock()
	peer := c.state.Peer()
	open := c.phase == PhaseOpen
	deb := c.debouncer
	c.mu.Unlock()

	if !open || peer == "" || deb == nil {
		return
	}
	deb.Keystroke(peer)
}

// Leave closes the session deliberately. Safe to call in any phase.
func (c *Controller) Leave() {
	c.handleClosed()
}

// Phase returns the current lifecycle phase.
func (c *Controller) Phase() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Snapshot returns the presentation view of the session model.
func (c *Controller) Snapshot() conversation.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Snapshot()
}

// handleOpen transitions connecting -> open when the transport is ready.
func (c *Controller) handleOpen() {
	c.mu.Lock()
	if c.phase != PhaseConnecting {
		c.mu.Unlock()
		return
	}
	c.phase = PhaseOpen
	c.state.SetConnected(true)
	snap := c.state.Snapshot()
	c.mu.Unlock()

	c.notify(snap)
}

// handleFrame decodes one inbound frame and applies it to the model.
// Frames the codec rejects are dropped; the discard hook observes them.
func (c *Controller) handleFrame(raw string) {
	c.mu.Lock()
	if c.phase != PhaseOpen {
		c.mu.Unlock()
		return
	}

	ev, ok := protocol.Decode(raw)
	if !ok {
		c.mu.Unlock()
		if c.config.OnDiscard != nil {
			c.config.OnDiscard(raw)
		}
		return
	}

	frames := c.state.Apply(ev)
	snap := c.state.Snapshot()
	c.mu.Unlock()

	c.sendFrames(frames)
	c.notify(snap)
}

// handleError logs the transport error and takes the same terminal path as
// a close — the lifecycle does not distinguish the two.
func (c *Controller) handleError(err error) {
	log.Printf("[client] transport error: %v", err)
	c.handleClosed()
}

// handleClosed is the single terminal path for close, error and write
// failure. It resets the relay-owned state and disposes the typing timer so
// no STOP frame is emitted on a dead channel.
func (c *Controller) handleClosed() {
	c.mu.Lock()
	if c.phase == PhaseClosed || c.phase == PhaseIdle {
		c.mu.Unlock()
		return
	}
	c.phase = PhaseClosed
	c.state.Disconnect()
	ch := c.channel
	deb := c.debouncer
	c.channel = nil
	snap := c.state.Snapshot()
	c.mu.Unlock()

	if deb != nil {
		deb.Cancel()
	}
	if ch != nil {
		_ = ch.Close()
	}
	c.notify(snap)
}

// sendFrame serializes one outbound frame onto the channel. A write failure
// terminates the session.
func (c *Controller) sendFrame(frame string) {
	c.mu.Lock()
	ch := c.channel
	open := c.phase == PhaseOpen
	c.mu.Unlock()

	if !open || ch == nil {
		return
	}
	if err := ch.Send(frame); err != nil {
		log.Printf("[client] send failed: %v", err)
		c.handleClosed()
	}
}

// sendFrames serializes outbound frames in the order produced.
func (c *Controller) sendFrames(frames []string) {
	for _, f := range frames {
		c.sendFrame(f)
	}
}

func (c *Controller) notify(snap conversation.Snapshot) {
	if c.config.OnUpdate != nil {
		c.config.OnUpdate(snap)
	}
}
