package relay

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/duochat/chat-app/internal/history"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

// fakeHistory is an in-memory HistoryStore.
type fakeHistory struct {
	mu   sync.Mutex
	next int64
	msgs []*history.Message
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{next: 1}
}

func (f *fakeHistory) Save(_ context.Context, sender, receiver, body string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.msgs = append(f.msgs, &history.Message{
		ID: id, Sender: sender, Receiver: receiver, Body: body, CreatedAt: time.Now(),
	})
	return id, nil
}

func (f *fakeHistory) MarkRead(_ context.Context, id int64) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.msgs {
		if m.ID == id && !m.Read {
			m.Read = true
			return m.Sender, true, nil
		}
	}
	return "", false, nil
}

func (f *fakeHistory) ListFor(_ context.Context, user string) ([]history.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []history.Message
	for _, m := range f.msgs {
		if m.Sender == user || m.Receiver == user {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (f *fakeHistory) UnreadFor(_ context.Context, user string) ([]history.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []history.Message
	for _, m := range f.msgs {
		if m.Receiver == user && !m.Read {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (f *fakeHistory) MarkAllReadFor(_ context.Context, user string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.msgs {
		if m.Receiver == user {
			m.Read = true
		}
	}
	return nil
}

// fakePresence is an in-memory PresenceStore. The remote set simulates
// users connected to another instance.
type fakePresence struct {
	mu     sync.Mutex
	online map[string]bool
	remote map[string]bool
}

func newFakePresence() *fakePresence {
	return &fakePresence{online: make(map[string]bool), remote: make(map[string]bool)}
}

func (f *fakePresence) SetOnline(_ context.Context, user string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online[user] = true
	return nil
}

func (f *fakePresence) SetOffline(_ context.Context, user string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.online, user)
	return nil
}

func (f *fakePresence) Refresh(_ context.Context, _ string) error { return nil }

func (f *fakePresence) IsOnline(_ context.Context, user string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online[user] || f.remote[user], nil
}

// fakeBroker records cross-instance traffic.
type fakeBroker struct {
	mu       sync.Mutex
	frames   map[string][]string // user -> relayed frames
	presence []string
	subs     map[string]func(string)
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{frames: make(map[string][]string), subs: make(map[string]func(string))}
}

func (f *fakeBroker) PublishFrame(user, frame string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames[user] = append(f.frames[user], frame)
	return nil
}

func (f *fakeBroker) SubscribeFrames(user string, handler func(string)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[user] = handler
	return nil
}

func (f *fakeBroker) UnsubscribeFrames(user string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, user)
	return nil
}

func (f *fakeBroker) PublishPresence(frame string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presence = append(f.presence, frame)
	return nil
}

func (f *fakeBroker) SubscribePresence(_ func(string)) error { return nil }

func (f *fakeBroker) framesFor(user string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.frames[user]))
	copy(out, f.frames[user])
	return out
}

// ---------------------------------------------------------------------------
// Test connections over net.Pipe
// ---------------------------------------------------------------------------

// testClient holds a registered Conn and collects the frames delivered to
// its client end of the pipe.
type testClient struct {
	conn   *Conn
	mu     sync.Mutex
	frames []string
}

func newTestClient(user string) *testClient {
	serverEnd, clientEnd := net.Pipe()
	tc := &testClient{
		conn: &Conn{ID: uuid.New().String(), User: user, NetConn: serverEnd, CreatedAt: time.Now()},
	}
	go func() {
		for {
			data, err := wsutil.ReadServerText(clientEnd)
			if err != nil {
				return
			}
			tc.mu.Lock()
			tc.frames = append(tc.frames, string(data))
			tc.mu.Unlock()
		}
	}()
	return tc
}

func (tc *testClient) snapshot() []string {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	out := make([]string, len(tc.frames))
	copy(out, tc.frames)
	return out
}

// waitFrames polls until the client has received n frames.
func (tc *testClient) waitFrames(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if frames := tc.snapshot(); len(frames) >= n {
			return frames
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d frames, got %v", n, tc.snapshot())
	return nil
}

func newTestRouter(broker Broker) (*Router, *Registry, *fakeHistory, *fakePresence) {
	registry := NewRegistry()
	hist := newFakeHistory()
	pres := newFakePresence()
	return NewRouter(registry, hist, pres, broker), registry, hist, pres
}

func connect(rt *Router, registry *Registry, user string) *testClient {
	tc := newTestClient(user)
	registry.Add(tc.conn)
	rt.HandleConnect(context.Background(), tc.conn)
	return tc
}

// ---------------------------------------------------------------------------
// Test: connecting announces presence to the other local users
// ---------------------------------------------------------------------------

func TestHandleConnect_PresenceBroadcast(t *testing.T) {
	rt, registry, _, pres := newTestRouter(nil)

	alice := connect(rt, registry, "alice")
	_ = connect(rt, registry, "bob")

	frames := alice.waitFrames(t, 1)
	if frames[0] != "STATUS|bob|online" {
		t.Errorf("expected STATUS|bob|online, got %q", frames[0])
	}

	online, _ := pres.IsOnline(context.Background(), "bob")
	if !online {
		t.Errorf("expected bob marked online")
	}
}

// ---------------------------------------------------------------------------
// Test: a message is stored, echoed with a tick, and delivered plain
// ---------------------------------------------------------------------------

func TestHandleFrame_MessageRouting(t *testing.T) {
	rt, registry, hist, _ := newTestRouter(nil)

	alice := connect(rt, registry, "alice")
	bob := connect(rt, registry, "bob")

	rt.HandleFrame(context.Background(), alice.conn, "MSG|bob|hi")

	// bob sees his copy without the status suffix.
	bobFrames := bob.waitFrames(t, 1)
	if bobFrames[len(bobFrames)-1] != "MSG|1|alice|bob|hi|" {
		t.Errorf("expected receiver copy MSG|1|alice|bob|hi|, got %v", bobFrames)
	}

	aliceFrames := alice.waitFrames(t, 2)
	if aliceFrames[len(aliceFrames)-1] != "MSG|1|alice|bob|hi|✔" {
		t.Errorf("expected sender echo with single tick, got %v", aliceFrames)
	}

	msgs, _ := hist.ListFor(context.Background(), "bob")
	if len(msgs) != 1 || msgs[0].Read {
		t.Errorf("expected one stored unread message, got %+v", msgs)
	}
}

// ---------------------------------------------------------------------------
// Test: SEEN marks read once and pushes a single READ to the sender
// ---------------------------------------------------------------------------

func TestHandleFrame_SeenAcknowledgement(t *testing.T) {
	rt, registry, hist, _ := newTestRouter(nil)

	alice := connect(rt, registry, "alice")
	bob := connect(rt, registry, "bob")

	rt.HandleFrame(context.Background(), alice.conn, "MSG|bob|hi")
	bob.waitFrames(t, 1)

	rt.HandleFrame(context.Background(), bob.conn, "SEEN|1")
	rt.HandleFrame(context.Background(), bob.conn, "SEEN|1") // redelivery

	aliceFrames := alice.waitFrames(t, 3)
	if aliceFrames[len(aliceFrames)-1] != "READ|1" {
		t.Fatalf("expected READ|1 pushed to sender, got %v", aliceFrames)
	}

	// The duplicate SEEN must not generate a second receipt.
	time.Sleep(20 * time.Millisecond)
	count := 0
	for _, f := range alice.snapshot() {
		if f == "READ|1" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected exactly one READ|1, got %d", count)
	}

	msgs, _ := hist.ListFor(context.Background(), "bob")
	if !msgs[0].Read {
		t.Errorf("expected message marked read")
	}
}

// ---------------------------------------------------------------------------
// Test: typing frames are forwarded with the sender's name
// ---------------------------------------------------------------------------

func TestHandleFrame_TypingForwarding(t *testing.T) {
	rt, registry, _, _ := newTestRouter(nil)

	alice := connect(rt, registry, "alice")
	bob := connect(rt, registry, "bob")

	rt.HandleFrame(context.Background(), alice.conn, "TYPE|bob")
	rt.HandleFrame(context.Background(), alice.conn, "STOP|bob")

	frames := bob.waitFrames(t, 2)
	if frames[len(frames)-2] != "TYPING|alice" || frames[len(frames)-1] != "STOP|alice" {
		t.Errorf("expected TYPING|alice then STOP|alice, got %v", frames)
	}
}

// ---------------------------------------------------------------------------
// Test: unknown tags, short frames and invalid payloads are dropped
// ---------------------------------------------------------------------------

func TestHandleFrame_DiscardsMalformed(t *testing.T) {
	rt, registry, hist, _ := newTestRouter(nil)
	alice := connect(rt, registry, "alice")

	for _, raw := range []string{
		"BOGUS|x",
		"MSG|bob", // missing text
		"MSG||hi", // empty receiver
		"SEEN|notanumber",
		"TYPE",
	} {
		rt.HandleFrame(context.Background(), alice.conn, raw)
	}

	if msgs, _ := hist.ListFor(context.Background(), "alice"); len(msgs) != 0 {
		t.Errorf("expected nothing stored, got %+v", msgs)
	}
}

// ---------------------------------------------------------------------------
// Test: history replay on connect, with connect-time read receipts
// ---------------------------------------------------------------------------

func TestHandleConnect_HistoryReplay(t *testing.T) {
	rt, registry, _, _ := newTestRouter(nil)

	alice := connect(rt, registry, "alice")
	// alice messages bob while he is offline.
	rt.HandleFrame(context.Background(), alice.conn, "MSG|bob|hello")
	rt.HandleFrame(context.Background(), alice.conn, "MSG|bob|you there?")
	alice.waitFrames(t, 2)

	bob := connect(rt, registry, "bob")

	// bob receives his history: inbound copies without the suffix.
	bobFrames := bob.waitFrames(t, 2)
	if bobFrames[0] != "MSG|1|alice|bob|hello|" || bobFrames[1] != "MSG|2|alice|bob|you there?|" {
		t.Fatalf("unexpected replay: %v", bobFrames)
	}

	// The replay marked them read: alice gets both receipts (after her
	// STATUS|bob|online frame).
	aliceFrames := alice.waitFrames(t, 5)
	got := map[string]bool{}
	for _, f := range aliceFrames {
		got[f] = true
	}
	if !got["READ|1"] || !got["READ|2"] {
		t.Errorf("expected READ|1 and READ|2 pushed to alice, got %v", aliceFrames)
	}
}

// ---------------------------------------------------------------------------
// Test: replayed own messages carry the tick suffix
// ---------------------------------------------------------------------------

func TestHandleConnect_ReplayOwnMessages(t *testing.T) {
	rt, registry, hist, _ := newTestRouter(nil)

	alice := connect(rt, registry, "alice")
	rt.HandleFrame(context.Background(), alice.conn, "MSG|bob|hi")
	alice.waitFrames(t, 1)

	// Mark it read, then reconnect alice.
	hist.MarkRead(context.Background(), 1)
	registry.Remove(alice.conn)

	alice2 := connect(rt, registry, "alice")
	frames := alice2.waitFrames(t, 2)
	if frames[0] != "MSG|1|alice|bob|hi|✔✔" {
		t.Errorf("expected replayed own message with double tick, got %v", frames)
	}
	if frames[1] != "READ|1" {
		t.Errorf("expected replay to recover the read receipt, got %v", frames)
	}
}

// ---------------------------------------------------------------------------
// Test: disconnect broadcasts offline; an evicted connection does not
// ---------------------------------------------------------------------------

func TestHandleDisconnect(t *testing.T) {
	rt, registry, _, pres := newTestRouter(nil)

	alice := connect(rt, registry, "alice")
	bob := connect(rt, registry, "bob")

	rt.HandleDisconnect(context.Background(), bob.conn)

	frames := alice.waitFrames(t, 2)
	if frames[len(frames)-1] != "STATUS|bob|offline" {
		t.Errorf("expected STATUS|bob|offline, got %v", frames)
	}
	if online, _ := pres.IsOnline(context.Background(), "bob"); online {
		t.Errorf("expected bob offline")
	}

	// A stale connection replaced by a newer one must not broadcast.
	carol := connect(rt, registry, "carol")
	old := carol.conn
	carol2 := newTestClient("carol")
	registry.Add(carol2.conn)
	rt.HandleDisconnect(context.Background(), old)
	if online, _ := pres.IsOnline(context.Background(), "carol"); !online {
		t.Errorf("expected carol still online after stale disconnect")
	}
}

// ---------------------------------------------------------------------------
// Test: a rate-limited sender's message is dropped, not stored
// ---------------------------------------------------------------------------

type denyLimiter struct{}

func (denyLimiter) AllowMessage(_ context.Context, _ string) bool { return false }

func TestHandleFrame_RateLimited(t *testing.T) {
	rt, registry, hist, _ := newTestRouter(nil)
	rt.SetLimiter(denyLimiter{})

	alice := connect(rt, registry, "alice")
	_ = connect(rt, registry, "bob")

	rt.HandleFrame(context.Background(), alice.conn, "MSG|bob|hi")

	if msgs, _ := hist.ListFor(context.Background(), "bob"); len(msgs) != 0 {
		t.Errorf("expected limited message dropped, got %+v", msgs)
	}
}

// ---------------------------------------------------------------------------
// Test: delivery to a user on another instance goes through the broker
// ---------------------------------------------------------------------------

func TestDeliver_RemoteUser(t *testing.T) {
	broker := newFakeBroker()
	rt, registry, _, pres := newTestRouter(broker)
	pres.remote["bob"] = true // bob is connected elsewhere

	alice := connect(rt, registry, "alice")
	rt.HandleFrame(context.Background(), alice.conn, "MSG|bob|hi")

	relayed := broker.framesFor("bob")
	if len(relayed) != 1 || relayed[0] != "MSG|1|alice|bob|hi|" {
		t.Errorf("expected receiver copy relayed through the broker, got %v", relayed)
	}

	// The sender still gets a local echo.
	frames := alice.waitFrames(t, 1)
	if frames[len(frames)-1] != "MSG|1|alice|bob|hi|✔" {
		t.Errorf("expected local echo, got %v", frames)
	}
}
