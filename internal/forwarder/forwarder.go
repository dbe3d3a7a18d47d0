// Package forwarder implements spec.md §4.9's pub/sub forwarder
// boundary: a WebSocket bridge over coordination.Store's pub/sub,
// gating subscriptions with JWT-verified subscriber tokens and
// throttling per-subscriber fan-out with a token bucket.
package forwarder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"chomp/internal/auth"
	"chomp/internal/cache"
	"chomp/internal/logging"
	"chomp/internal/ratelimit"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

// defaultPingInterval/defaultPingTimeout implement spec.md §6's
// --ws_ping_interval/--ws_ping_timeout keepalive flags when the caller
// leaves them at zero.
const (
	defaultPingInterval = 30 * time.Second
	defaultPingTimeout  = 60 * time.Second
)

// Server bridges coordination.Store.Subscribe to WebSocket clients.
type Server struct {
	cache    *cache.Cache
	tokens   *auth.TokenService
	limiter  *ratelimit.Limiter
	upgrader websocket.Upgrader

	pingInterval time.Duration
	pingTimeout  time.Duration
	logger       *slog.Logger
}

// Config bundles Server's tunables. PingInterval/PingTimeout default to
// defaultPingInterval/defaultPingTimeout when zero. Limiter may be nil,
// in which case fan-out is never throttled.
type Config struct {
	Cache        *cache.Cache
	Tokens       *auth.TokenService
	Limiter      *ratelimit.Limiter
	PingInterval time.Duration
	PingTimeout  time.Duration
	Logger       *slog.Logger
}

// NewServer returns a Server ready to handle WebSocket upgrade requests.
func NewServer(cfg Config) *Server {
	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	pingTimeout := cfg.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = defaultPingTimeout
	}
	return &Server{
		cache:        cfg.Cache,
		tokens:       cfg.Tokens,
		limiter:      cfg.Limiter,
		upgrader:     websocket.Upgrader{},
		pingInterval: pingInterval,
		pingTimeout:  pingTimeout,
		logger:       logging.Default(cfg.Logger).With("component", "forwarder"),
	}
}

// ServeHTTP upgrades the request to a WebSocket connection and bridges
// every requested topic to it, rejecting the request up front if the
// bearer token is missing, invalid, or does not permit one of the
// requested topics.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	topics := splitTopics(r.URL.Query().Get("topics"))
	if len(topics) == 0 {
		http.Error(w, "topics query parameter is required", http.StatusBadRequest)
		return
	}

	claims, err := s.authenticate(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	for _, topic := range topics {
		if !claims.AllowsTopic(topic) {
			http.Error(w, fmt.Sprintf("token does not permit topic %q", topic), http.StatusForbidden)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	s.serve(conn, claims.Username(), topics)
}

func (s *Server) authenticate(r *http.Request) (*auth.Claims, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if authHeader := r.Header.Get("Authorization"); authHeader != "" {
			token, _ = strings.CutPrefix(authHeader, "Bearer ")
		}
	}
	if token == "" {
		return nil, fmt.Errorf("missing subscriber token")
	}
	claims, err := s.tokens.Verify(token)
	if err != nil {
		return nil, fmt.Errorf("invalid subscriber token: %w", err)
	}
	return claims, nil
}

// serve runs the connection's lifetime: one subscription goroutine per
// topic (spec.md §4.9), a fan-in writer goroutine serializing writes to
// conn (gorilla requires a single writer per connection), the ping/pong
// keepalive loop, and a reader goroutine that only exists to notice the
// client closing the connection. It blocks until the connection or its
// context ends.
func (s *Server) serve(conn *websocket.Conn, user string, topics []string) {
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := make(chan []byte, 64)
	var subs sync.WaitGroup
	for _, topic := range topics {
		topic := topic
		subs.Add(1)
		go func() {
			defer subs.Done()
			s.forwardTopic(ctx, topic, user, out)
		}()
	}
	go func() {
		subs.Wait()
		close(out)
	}()

	go func() {
		defer cancel()
		s.readPump(conn)
	}()

	s.writePump(ctx, conn, out)
}

// readPump discards inbound frames (this connection is subscribe-only)
// but must keep reading so gorilla dispatches pong frames to
// SetPongHandler; it returns once the client disconnects.
func (s *Server) readPump(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(s.pingTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.pingTimeout))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the connection's sole writer: it drains out to the
// client and sends a ping every pingInterval, per spec.md §6's
// --ws_ping_interval flag.
func (s *Server) writePump(ctx context.Context, conn *websocket.Conn, out <-chan []byte) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-out:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// forwardTopic subscribes to one topic and pushes every delivered
// message onto out, throttled by the server's rate limiter, until ctx
// is cancelled or the coordination-store subscription ends.
func (s *Server) forwardTopic(ctx context.Context, topic, user string, out chan<- []byte) {
	msgs, err := s.cache.Subscribe(ctx, topic)
	if err != nil {
		s.logger.Warn("subscribe failed", "topic", topic, "error", err)
		return
	}
	for msg := range msgs {
		if s.limiter != nil && !s.limiter.Allow(topic, user) {
			continue
		}
		// msg.Payload is msgpack-encoded (cache.Cache.Publish's wire
		// format); decode and re-encode as JSON for the WebSocket client.
		var data any
		if err := msgpack.Unmarshal(msg.Payload, &data); err != nil {
			s.logger.Warn("decode message failed", "topic", topic, "error", err)
			continue
		}
		payload, err := json.Marshal(envelope{Topic: msg.Topic, Data: data})
		if err != nil {
			s.logger.Warn("encode message failed", "topic", topic, "error", err)
			continue
		}
		select {
		case out <- payload:
		case <-ctx.Done():
			return
		default:
			s.logger.Warn("subscriber too slow, dropping message", "topic", topic, "user", user)
		}
	}
}

// envelope is the JSON frame delivered to WebSocket subscribers.
type envelope struct {
	Topic string `json:"topic"`
	Data  any    `json:"data"`
}

func splitTopics(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
