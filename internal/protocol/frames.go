// Package protocol defines the pipe-delimited text frame format exchanged
// between the chat client and the relay. A frame is a single UTF-8 text
// message whose fields are separated by "|"; the first field is a tag from a
// closed set that identifies the event type.
package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Delimiter separates the fields of a frame.
const Delimiter = "|"

// Client -> server frame tags.
const (
	TagSend        = "MSG"  // MSG|{receiver}|{text}
	TagStartTyping = "TYPE" // TYPE|{receiver}
	TagStopTyping  = "STOP" // STOP|{receiver}
	TagSeen        = "SEEN" // SEEN|{messageId}
)

// Server -> client frame tags.
const (
	TagMessage = "MSG"    // MSG|{id}|{sender}|{receiver}|{text}[|{status}]
	TagStatus  = "STATUS" // STATUS|{user}|{online|offline}
	TagRead    = "READ"   // READ|{messageId}
	TagTyping  = "TYPING" // TYPING|{user}
	TagStop    = "STOP"   // STOP|{user}
)

// InvalidID is the sentinel returned when a numeric frame field does not
// parse as an integer. Consumers must reject transitions carrying it.
const InvalidID int64 = -1

// ---------------------------------------------------------------------------
// Inbound events
// ---------------------------------------------------------------------------

// Event is a decoded inbound frame. The concrete types below are the only
// implementations.
type Event interface {
	event()
}

// MessageReceived is a chat message relayed by the server, in either
// direction (the server echoes the sender's own messages back with the
// assigned id).
type MessageReceived struct {
	ID       int64
	Sender   string
	Receiver string
	Text     string
}

// ReadReceipt reports that the message with the given id has been read by
// its recipient.
type ReadReceipt struct {
	ID int64
}

// TypingStarted reports that the named user began typing.
type TypingStarted struct {
	User string
}

// TypingStopped reports that the named user stopped typing.
type TypingStopped struct {
	User string
}

// PresenceChanged reports a change in a remote user's online state.
type PresenceChanged struct {
	User   string
	Online bool
}

func (MessageReceived) event() {}
func (ReadReceipt) event()     {}
func (TypingStarted) event()   {}
func (TypingStopped) event()   {}
func (PresenceChanged) event() {}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

// EncodeSend builds the outbound frame carrying a chat message. The callers
// guarantee a non-empty receiver and text.
func EncodeSend(receiver, text string) string {
	return TagSend + Delimiter + receiver + Delimiter + text
}

// EncodeStartTyping builds the frame announcing the local user began typing.
func EncodeStartTyping(receiver string) string {
	return TagStartTyping + Delimiter + receiver
}

// EncodeStopTyping builds the frame announcing the local user stopped typing.
func EncodeStopTyping(receiver string) string {
	return TagStopTyping + Delimiter + receiver
}

// EncodeSeen builds the frame acknowledging receipt of the given message.
func EncodeSeen(messageID int64) string {
	return TagSeen + Delimiter + strconv.FormatInt(messageID, 10)
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

// Decode parses a raw inbound frame into a typed event. It returns ok=false
// for unknown tags and frames with fewer fields than the tag requires; such
// frames are discarded by callers, never surfaced as errors. Numeric fields
// that fail to parse yield InvalidID rather than a decode failure.
func Decode(raw string) (Event, bool) {
	parts := strings.Split(raw, Delimiter)
	if len(parts) == 0 || parts[0] == "" {
		return nil, false
	}

	switch parts[0] {
	case TagStatus:
		if len(parts) < 3 {
			return nil, false
		}
		return PresenceChanged{User: parts[1], Online: parts[2] == "online"}, true

	case TagRead:
		if len(parts) < 2 {
			return nil, false
		}
		return ReadReceipt{ID: parseID(parts[1])}, true

	case TagTyping:
		if len(parts) < 2 {
			return nil, false
		}
		return TypingStarted{User: parts[1]}, true

	case TagStop:
		if len(parts) < 2 {
			return nil, false
		}
		return TypingStopped{User: parts[1]}, true

	case TagMessage:
		// MSG|id|sender|receiver|text with an optional trailing status field
		// appended by the relay on the sender's own history; the field is
		// ignored — read state is driven exclusively by READ frames.
		if len(parts) < 5 {
			return nil, false
		}
		return MessageReceived{
			ID:       parseID(parts[1]),
			Sender:   parts[2],
			Receiver: parts[3],
			Text:     parts[4],
		}, true
	}

	return nil, false
}

// parseID converts a frame field to a message id, mapping parse failures to
// the InvalidID sentinel.
func parseID(field string) int64 {
	id, err := strconv.ParseInt(field, 10, 64)
	if err != nil {
		return InvalidID
	}
	return id
}

// ---------------------------------------------------------------------------
// Relay-side helpers
// ---------------------------------------------------------------------------

// FormatMessage builds the server -> client frame for a stored message.
// The status suffix ("✔" or "✔✔") is appended only on the copy delivered to
// the message's sender; the receiver's copy carries an empty suffix.
func FormatMessage(id int64, sender, receiver, text, status string) string {
	return fmt.Sprintf("MSG|%d|%s|%s|%s|%s", id, sender, receiver, text, status)
}

// FormatStatus builds the presence broadcast frame for a user.
func FormatStatus(user string, online bool) string {
	state := "offline"
	if online {
		state = "online"
	}
	return TagStatus + Delimiter + user + Delimiter + state
}

// FormatRead builds the read receipt frame pushed to a message's sender.
func FormatRead(messageID int64) string {
	return TagRead + Delimiter + strconv.FormatInt(messageID, 10)
}

// FormatTyping builds the typing notification forwarded to a receiver.
func FormatTyping(user string) string {
	return TagTyping + Delimiter + user
}

// FormatStopTyping builds the stop-typing notification forwarded to a
// receiver.
func FormatStopTyping(user string) string {
	return TagStop + Delimiter + user
}
