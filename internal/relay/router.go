package relay

import (
	"context"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/duochat/chat-app/internal/history"
	"github.com/duochat/chat-app/internal/metrics"
	"github.com/duochat/chat-app/internal/protocol"
)

// HistoryStore is the persistence surface the router needs. Implemented by
// history.Store; tests substitute an in-memory fake.
type HistoryStore interface {
	Save(ctx context.Context, sender, receiver, body string) (int64, error)
	MarkRead(ctx context.Context, id int64) (sender string, updated bool, err error)
	ListFor(ctx context.Context, user string) ([]history.Message, error)
	UnreadFor(ctx context.Context, user string) ([]history.Message, error)
	MarkAllReadFor(ctx context.Context, user string) error
}

// PresenceStore is the shared online registry. Implemented by presence.Store.
type PresenceStore interface {
	SetOnline(ctx context.Context, user string) error
	SetOffline(ctx context.Context, user string) error
	Refresh(ctx context.Context, user string) error
	IsOnline(ctx context.Context, user string) (bool, error)
}

// Broker relays frames and presence events between relay instances.
// Implemented by messaging.NATSClient. A nil Broker runs the relay in
// single-instance mode: remote delivery is skipped.
type Broker interface {
	PublishFrame(user string, frame string) error
	SubscribeFrames(user string, handler func(frame string)) error
	UnsubscribeFrames(user string) error
	PublishPresence(frame string) error
	SubscribePresence(handler func(frame string)) error
}

// MessageLimiter throttles message sends per user. Implemented by
// ratelimit.Limiter; nil disables limiting.
type MessageLimiter interface {
	AllowMessage(ctx context.Context, user string) bool
}

// Router owns frame routing: inbound client frames to storage and
// delivery, connect-time history replay, and presence fan-out.
type Router struct {
	registry *Registry
	history  HistoryStore
	presence PresenceStore
	broker   Broker
	limiter  MessageLimiter
}

// NewRouter wires a Router. broker may be nil for single-instance
// deployments.
func NewRouter(registry *Registry, hist HistoryStore, pres PresenceStore, broker Broker) *Router {
	return &Router{
		registry: registry,
		history:  hist,
		presence: pres,
		broker:   broker,
	}
}

// SetLimiter installs a per-user message rate limiter. Must be called
// before Start.
func (rt *Router) SetLimiter(limiter MessageLimiter) {
	rt.limiter = limiter
}

// Start subscribes to cross-instance presence broadcasts. Presence
// transitions are idempotent upserts on the client, so receiving our own
// broadcast back is harmless.
func (rt *Router) Start() error {
	if rt.broker == nil {
		return nil
	}
	return rt.broker.SubscribePresence(func(frame string) {
		user := statusUser(frame)
		rt.registry.Broadcast(frame, user)
	})
}

// HandleConnect runs the connect sequence for a freshly upgraded
// connection: mark online, announce presence, subscribe for directed
// frames, replay history, and flush pending read receipts. Storage errors
// are logged; the connection stays usable.
func (rt *Router) HandleConnect(ctx context.Context, conn *Conn) {
	user := conn.User

	if err := rt.presence.SetOnline(ctx, user); err != nil {
		log.Printf("[relay] set online user=%s: %v", user, err)
	}

	status := protocol.FormatStatus(user, true)
	rt.registry.Broadcast(status, user)
	if rt.broker != nil {
		if err := rt.broker.PublishPresence(status); err != nil {
			log.Printf("[relay] publish presence user=%s: %v", user, err)
		}
		if err := rt.broker.SubscribeFrames(user, func(frame string) {
			if c := rt.registry.Get(user); c != nil {
				if err := c.WriteFrame(frame); err == nil {
					metrics.FramesTotal.WithLabelValues("delivered").Inc()
				}
			}
		}); err != nil {
			log.Printf("[relay] subscribe frames user=%s: %v", user, err)
		}
	}

	rt.replayHistory(ctx, conn)
	rt.flushUnread(ctx, conn)
}

// replayHistory sends the user's stored conversation as MSG frames. The
// user's own messages carry the tick suffix; inbound ones do not — the
// client treats a replayed inbound message like a live one and acks it.
func (rt *Router) replayHistory(ctx context.Context, conn *Conn) {
	msgs, err := rt.history.ListFor(ctx, conn.User)
	if err != nil {
		log.Printf("[relay] history replay user=%s: %v", conn.User, err)
		return
	}
	for _, m := range msgs {
		suffix := ""
		if m.Sender == conn.User {
			if m.Read {
				suffix = "✔✔"
			} else {
				suffix = "✔"
			}
		}
		_ = conn.WriteFrame(protocol.FormatMessage(m.ID, m.Sender, m.Receiver, m.Body, suffix))
		// Read state on the client is driven by READ frames alone; the
		// suffix on the replayed copy is presentational. Follow a read own
		// message with its receipt so a reconnecting sender recovers it.
		if m.Sender == conn.User && m.Read {
			_ = conn.WriteFrame(protocol.FormatRead(m.ID))
		}
	}
}

// flushUnread marks the user's unread inbound messages read (a replayed
// message has by definition been rendered) and pushes READ receipts to
// each sender.
func (rt *Router) flushUnread(ctx context.Context, conn *Conn) {
	unread, err := rt.history.UnreadFor(ctx, conn.User)
	if err != nil {
		log.Printf("[relay] unread scan user=%s: %v", conn.User, err)
		return
	}
	if len(unread) == 0 {
		return
	}
	if err := rt.history.MarkAllReadFor(ctx, conn.User); err != nil {
		log.Printf("[relay] mark all read user=%s: %v", conn.User, err)
		return
	}
	for _, m := range unread {
		rt.deliver(ctx, m.Sender, protocol.FormatRead(m.ID))
	}
}

// HandleFrame routes one inbound client frame. Unknown tags and short or
// invalid frames are dropped and counted, never answered.
func (rt *Router) HandleFrame(ctx context.Context, conn *Conn, raw string) {
	metrics.FramesTotal.WithLabelValues("inbound").Inc()
	start := time.Now()
	defer func() {
		metrics.DeliveryLatency.Observe(time.Since(start).Seconds())
	}()

	parts := strings.Split(raw, protocol.Delimiter)
	user := conn.User

	switch parts[0] {
	case protocol.TagStartTyping: // TYPE|receiver
		if len(parts) < 2 {
			break
		}
		rt.deliver(ctx, parts[1], protocol.FormatTyping(user))
		return

	case protocol.TagStopTyping: // STOP|receiver
		if len(parts) < 2 {
			break
		}
		rt.deliver(ctx, parts[1], protocol.FormatStopTyping(user))
		return

	case protocol.TagSend: // MSG|receiver|text
		if len(parts) < 3 {
			break
		}
		receiver := parts[1]
		// Rejoin so an embedded delimiter reaches validation instead of
		// silently truncating the text.
		text := strings.Join(parts[2:], protocol.Delimiter)
		if err := ValidateUsername(receiver); err != nil {
			break
		}
		if err := ValidateText(text); err != nil {
			break
		}
		if rt.limiter != nil && !rt.limiter.AllowMessage(ctx, user) {
			break
		}
		rt.storeAndEcho(ctx, conn, receiver, text)
		return

	case protocol.TagSeen: // SEEN|messageId
		if len(parts) < 2 {
			break
		}
		rt.acknowledge(ctx, parts[1])
		return
	}

	metrics.FramesDiscarded.Inc()
}

// storeAndEcho persists a message, echoes it to the sender with the single
// tick, and delivers the receiver's copy. The message is not marked read on
// delivery — the receiving client acknowledges with SEEN once it has the
// message, and only then does the sender get a READ receipt.
func (rt *Router) storeAndEcho(ctx context.Context, conn *Conn, receiver, text string) {
	user := conn.User

	id, err := rt.history.Save(ctx, user, receiver, text)
	if err != nil {
		log.Printf("[relay] store message sender=%s receiver=%s: %v", user, receiver, err)
		return
	}
	metrics.MessagesStored.Inc()

	rt.deliver(ctx, receiver, protocol.FormatMessage(id, user, receiver, text, ""))

	if err := conn.WriteFrame(protocol.FormatMessage(id, user, receiver, text, "✔")); err != nil {
		log.Printf("[relay] echo to sender=%s failed: %v", user, err)
	}
}

// acknowledge handles a SEEN frame: flip the row to read and push READ|id
// to the sender. MarkRead is idempotent, so redelivered SEEN frames
// produce no duplicate receipt.
func (rt *Router) acknowledge(ctx context.Context, idField string) {
	id, ok := parseFrameID(idField)
	if !ok {
		metrics.FramesDiscarded.Inc()
		return
	}

	sender, updated, err := rt.history.MarkRead(ctx, id)
	if err != nil {
		log.Printf("[relay] mark read id=%d: %v", id, err)
		return
	}
	if updated {
		rt.deliver(ctx, sender, protocol.FormatRead(id))
	}
}

// HandleDisconnect tears a connection down: registry removal, offline
// presence, STATUS fan-out. A connection that was already evicted by a
// newer one for the same user does nothing.
func (rt *Router) HandleDisconnect(ctx context.Context, conn *Conn) {
	if !rt.registry.Remove(conn) {
		return
	}
	user := conn.User

	if rt.broker != nil {
		if err := rt.broker.UnsubscribeFrames(user); err != nil {
			log.Printf("[relay] unsubscribe frames user=%s: %v", user, err)
		}
	}
	if err := rt.presence.SetOffline(ctx, user); err != nil {
		log.Printf("[relay] set offline user=%s: %v", user, err)
	}

	status := protocol.FormatStatus(user, false)
	rt.registry.Broadcast(status, user)
	if rt.broker != nil {
		if err := rt.broker.PublishPresence(status); err != nil {
			log.Printf("[relay] publish presence user=%s: %v", user, err)
		}
	}
}

// deliver writes a frame to the user's local connection, or hands it to
// the broker when the user is connected to another instance. Frames for
// offline users are dropped; history replay covers them on reconnect.
func (rt *Router) deliver(ctx context.Context, user, frame string) {
	if c := rt.registry.Get(user); c != nil {
		if err := c.WriteFrame(frame); err == nil {
			metrics.FramesTotal.WithLabelValues("delivered").Inc()
		}
		return
	}

	if rt.broker == nil {
		return
	}
	online, err := rt.presence.IsOnline(ctx, user)
	if err != nil {
		log.Printf("[relay] presence lookup user=%s: %v", user, err)
		return
	}
	if !online {
		return
	}
	if err := rt.broker.PublishFrame(user, frame); err != nil {
		log.Printf("[relay] relay frame user=%s: %v", user, err)
		return
	}
	metrics.FramesTotal.WithLabelValues("relayed").Inc()
}

// RefreshPresence extends the TTL on a connected user's presence entry.
// Called from the server's heartbeat loop.
func (rt *Router) RefreshPresence(ctx context.Context, user string) {
	if err := rt.presence.Refresh(ctx, user); err != nil {
		log.Printf("[relay] presence refresh user=%s: %v", user, err)
	}
}

// parseFrameID parses a numeric frame field.
func parseFrameID(field string) (int64, bool) {
	id, err := strconv.ParseInt(field, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// statusUser extracts the user field from a STATUS frame.
func statusUser(frame string) string {
	parts := strings.Split(frame, protocol.Delimiter)
	if len(parts) < 2 || parts[0] != protocol.TagStatus {
		return ""
	}
	return parts[1]
}
