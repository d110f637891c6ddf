// Package relay implements the chat relay server: it upgrades HTTP
// connections to WebSocket, binds each one to a username, and routes the
// pipe-delimited text frames between clients, storage and other relay
// instances.
package relay

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/duochat/chat-app/internal/metrics"
)

// ServerConfig holds tunable parameters for the relay server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	MaxConnections int           // hard cap on total connections
	PingInterval   time.Duration // heartbeat ping cadence
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		MaxConnections: 10000,
		PingInterval:   30 * time.Second,
	}
}

// ConnectLimiter throttles connection attempts per user. Implemented by
// ratelimit.Limiter; nil disables limiting.
type ConnectLimiter interface {
	AllowConnect(ctx context.Context, user string) bool
}

// Server accepts WebSocket connections on /ws/{username} and runs one read
// goroutine per connection, feeding frames to the Router.
type Server struct {
	config     ServerConfig
	registry   *Registry
	router     *Router
	limiter    ConnectLimiter
	httpServer *http.Server
	done       chan struct{}
	startedAt  time.Time
}

// NewServer creates a Server over the given registry and router.
func NewServer(config ServerConfig, registry *Registry, router *Router) *Server {
	return &Server{
		config:   config,
		registry: registry,
		router:   router,
		done:     make(chan struct{}),
	}
}

// SetConnectLimiter installs a per-user connection rate limiter. Must be
// called before Start.
func (s *Server) SetConnectLimiter(limiter ConnectLimiter) {
	s.limiter = limiter
}

// Start begins accepting connections. It blocks on ListenAndServe; the
// heartbeat loop runs in the background until Shutdown.
func (s *Server) Start() error {
	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/", s.handleUpgrade)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	go s.heartbeatLoop()

	log.Printf("[relay] listening on %s (max_conns=%d)", s.config.ListenAddr, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("relay: http server error: %w", err)
	}
	return nil
}

// Shutdown stops accepting new connections and closes the active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.done)

	for _, c := range s.registry.All() {
		_ = c.Close()
	}

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// handleUpgrade validates the username from the path, upgrades the HTTP
// connection and hands it to a read goroutine. A reconnect for an already
// connected user evicts the previous channel.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.registry.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	raw := strings.TrimPrefix(r.URL.Path, "/ws/")
	username, err := url.PathUnescape(raw)
	if err != nil {
		http.Error(w, "bad username", http.StatusBadRequest)
		return
	}
	if err := ValidateUsername(username); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.limiter != nil && !s.limiter.AllowConnect(r.Context(), username) {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("[relay] upgrade failed: %v", err)
		return
	}

	conn := &Conn{
		ID:        uuid.New().String(),
		User:      username,
		NetConn:   netConn,
		CreatedAt: time.Now(),
	}

	if prev := s.registry.Add(conn); prev != nil {
		log.Printf("[relay] evicting previous connection user=%s conn=%s", prev.User, prev.ID)
		_ = prev.Close()
	}
	metrics.ConnectionsTotal.Set(float64(s.registry.Count()))

	log.Printf("[relay] connected user=%s conn=%s", username, conn.ID)
	go s.readLoop(conn)
}

// readLoop drives one connection: the connect sequence, then one router
// call per inbound text frame until the connection dies.
func (s *Server) readLoop(conn *Conn) {
	ctx := context.Background()

	s.router.HandleConnect(ctx, conn)

	for {
		data, err := wsutil.ReadClientText(conn.NetConn)
		if err != nil {
			break
		}
		s.router.HandleFrame(ctx, conn, string(data))
	}

	_ = conn.Close()
	s.router.HandleDisconnect(ctx, conn)
	metrics.ConnectionsTotal.Set(float64(s.registry.Count()))
	log.Printf("[relay] disconnected user=%s conn=%s", conn.User, conn.ID)
}

// heartbeatLoop periodically pings every connection and refreshes presence
// TTLs. A failed ping write closes the connection, which unblocks its read
// loop and runs the normal disconnect path.
func (s *Server) heartbeatLoop() {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			for _, c := range s.registry.All() {
				if err := c.WritePing(); err != nil {
					log.Printf("[relay] heartbeat ping failed user=%s: %v", c.User, err)
					_ = c.Close()
					continue
				}
				s.router.RefreshPresence(context.Background(), c.User)
			}
		}
	}
}

// handleHealth reports basic liveness information.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "ok\nconnections: %d\nuptime: %s\n",
		s.registry.Count(), time.Since(s.startedAt).Round(time.Second))
}
