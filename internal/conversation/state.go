// Package conversation holds the authoritative in-memory model of a chat
// session: the message log, the presence set, the typing indicator and the
// connection flag. Every transition is a total function — duplicate,
// out-of-order and malformed events degrade to no-ops, never to errors.
//
// The model is not goroutine-safe on its own; the session controller owns it
// and serializes all transitions.
package conversation

import (
	"strings"
	"time"

	"github.com/duochat/chat-app/internal/protocol"
)

// Delivery states for a message in the log. A message only ever moves
// StateSent -> StateSeen, never back.
const (
	StateSent = "sent"
	StateSeen = "seen"
)

// Message is one entry in the conversation log. The id is assigned by the
// relay and is unique within the conversation; the log holds at most one
// entry per id.
type Message struct {
	ID         int64
	Sender     string
	Text       string
	State      string
	ReceivedAt time.Time
}

// Snapshot is the immutable view handed to the presentation layer.
type Snapshot struct {
	LocalUser   string
	Peer        string
	Messages    []Message
	ActiveTyper string // "" when nobody is typing
	PeerOnline  bool
	Connected   bool
}

// State is the mutable session model. Transitions return the outbound
// frames they require as side effects; the caller serializes them onto the
// channel in order.
type State struct {
	localUser string
	peer      string
	messages  []Message
	index     map[int64]int // message id -> position in messages
	presence  map[string]bool
	typer     string
	connected bool
	draft     string
}

// New creates an empty session model for the given local user.
func New(localUser string) *State {
	return &State{
		localUser: localUser,
		index:     make(map[int64]int),
		presence:  make(map[string]bool),
	}
}

// Apply dispatches a decoded inbound event to its transition and returns
// any outbound frames the transition produced.
func (s *State) Apply(ev protocol.Event) []string {
	switch e := ev.(type) {
	case protocol.MessageReceived:
		return s.applyMessage(e)
	case protocol.ReadReceipt:
		s.applyRead(e)
	case protocol.TypingStarted:
		s.applyTypingStarted(e)
	case protocol.TypingStopped:
		s.applyTypingStopped(e)
	case protocol.PresenceChanged:
		s.applyPresence(e)
	}
	return nil
}

// applyMessage appends a newly relayed message to the log. Redelivery of an
// already-known id is a no-op. Messages from the peer are acknowledged with
// a SEEN frame immediately.
func (s *State) applyMessage(e protocol.MessageReceived) []string {
	if e.ID == protocol.InvalidID {
		return nil
	}
	if _, exists := s.index[e.ID]; exists {
		return nil
	}

	s.index[e.ID] = len(s.messages)
	s.messages = append(s.messages, Message{
		ID:         e.ID,
		Sender:     e.Sender,
		Text:       e.Text,
		State:      StateSent,
		ReceivedAt: time.Now(),
	})

	if e.Sender != s.localUser {
		return []string{protocol.EncodeSeen(e.ID)}
	}
	return nil
}

// applyRead flips the referenced message to seen. Unknown ids (a receipt
// racing ahead of its message) and already-seen messages are no-ops.
func (s *State) applyRead(e protocol.ReadReceipt) {
	pos, ok := s.index[e.ID]
	if !ok {
		return
	}
	if s.messages[pos].State != StateSeen {
		s.messages[pos].State = StateSeen
	}
}

// applyTypingStarted sets the typing indicator, but only for the currently
// selected peer — typing streams from other users sharing the connection
// are ignored.
func (s *State) applyTypingStarted(e protocol.TypingStarted) {
	if e.User != "" && e.User == s.peer {
		s.typer = e.User
	}
}

// applyTypingStopped clears the indicator if the stop came from the
// currently selected peer.
func (s *State) applyTypingStopped(e protocol.TypingStopped) {
	if e.User == s.peer {
		s.typer = ""
	}
}

// applyPresence upserts the presence entry for a user.
func (s *State) applyPresence(e protocol.PresenceChanged) {
	if e.User == "" {
		return
	}
	s.presence[e.User] = e.Online
}

// Send validates a local send and returns the outbound frames for it: the
// message itself followed by a STOP frame, since sending ends the typing
// burst. The log is not touched — the relay's echo is the id-assigning
// authority and is the only thing that appends. Empty or whitespace-only
// receiver or text rejects the action with no frames and no state change.
func (s *State) Send(text string) []string {
	if strings.TrimSpace(s.peer) == "" || strings.TrimSpace(text) == "" {
		return nil
	}
	s.draft = ""
	return []string{
		protocol.EncodeSend(s.peer, text),
		protocol.EncodeStopTyping(s.peer),
	}
}

// SetDraft stores the in-progress message text.
func (s *State) SetDraft(text string) {
	s.draft = text
}

// Draft returns the in-progress message text.
func (s *State) Draft() string {
	return s.draft
}

// SelectPeer switches the conversation to a new peer. The typing indicator
// resets; the presence set and the message log survive — the derived
// peer-online flag is recomputed by lookup and the presentation layer
// filters the log by peer.
func (s *State) SelectPeer(peer string) {
	s.peer = peer
	s.typer = ""
}

// Peer returns the currently selected conversation peer.
func (s *State) Peer() string {
	return s.peer
}

// LocalUser returns the local user's name.
func (s *State) LocalUser() string {
	return s.localUser
}

// PeerOnline reports the selected peer's presence. A peer with no STATUS
// event yet reads as offline, never online.
func (s *State) PeerOnline() bool {
	if s.peer == "" {
		return false
	}
	return s.presence[s.peer]
}

// SetConnected records the transport-level connection status.
func (s *State) SetConnected(connected bool) {
	s.connected = connected
}

// Disconnect resets everything the relay is the source of truth for: the
// connection flag, the typing indicator and the whole presence set. The
// message log is kept for the session.
func (s *State) Disconnect() {
	s.connected = false
	s.typer = ""
	s.presence = make(map[string]bool)
}

// Snapshot returns an immutable copy of the model for rendering.
func (s *State) Snapshot() Snapshot {
	msgs := make([]Message, len(s.messages))
	copy(msgs, s.messages)
	return Snapshot{
		LocalUser:   s.localUser,
		Peer:        s.peer,
		Messages:    msgs,
		ActiveTyper: s.typer,
		PeerOnline:  s.PeerOnline(),
		Connected:   s.connected,
	}
}
