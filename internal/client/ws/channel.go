// Package ws provides the WebSocket channel used by the session controller,
// built on gobwas/ws like the relay itself.
package ws

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/duochat/chat-app/internal/client"
)

// DefaultDialTimeout bounds the WebSocket handshake.
const DefaultDialTimeout = 10 * time.Second

// Dialer opens WebSocket channels against a relay instance.
type Dialer struct {
	BaseURL string        // e.g. "ws://localhost:8080"
	Timeout time.Duration // handshake timeout; 0 means DefaultDialTimeout
}

// Dial connects to the relay's /ws/{username} endpoint. The returned channel
// stays silent until Start is called, at which point the read pump begins
// delivering handler callbacks from a single goroutine.
func (d Dialer) Dial(username string, h client.Handlers) (client.Channel, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}

	endpoint := strings.TrimRight(d.BaseURL, "/") + "/ws/" + url.PathEscape(username)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	conn, _, _, err := ws.Dial(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("ws: dial %s: %w", endpoint, err)
	}

	return &channel{
		conn:     conn,
		handlers: h,
		done:     make(chan struct{}),
	}, nil
}

// channel is a live WebSocket connection with a write mutex serializing
// outbound frames, mirroring the relay's connection type.
type channel struct {
	conn      net.Conn
	handlers  client.Handlers
	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

// Start announces readiness and launches the read pump.
func (c *channel) Start() {
	go c.readLoop()
}

// Send writes one text frame. Goroutine-safe.
func (c *channel) Send(raw string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientMessage(c.conn, ws.OpText, []byte(raw))
}

// Close shuts the connection down. Safe to call multiple times; the read
// pump reports the resulting read error as a clean close.
func (c *channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// readLoop delivers OnOpen, then one OnTextFrame per inbound text frame,
// and finally OnClose (intentional shutdown) or OnError (transport fault).
func (c *channel) readLoop() {
	c.handlers.OnOpen()

	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				c.handlers.OnClose()
			default:
				c.handlers.OnError(err)
			}
			return
		}
		c.handlers.OnTextFrame(string(data))
	}
}
