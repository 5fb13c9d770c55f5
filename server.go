package realtime

import (
	"context"
	"net"
	"net/http"

	"github.com/gorilla/websocket"
)

// Server upgrades HTTP requests into hub connections. It is a plain
// http.Handler so it mounts on any mux; the gin adaptor wraps it for gin
// routers.
type Server struct {
	hub   *Hub
	admin *Admin
	auth  Authenticator
	log   Logger
	cfg   Config

	upgrader websocket.Upgrader

	// ipThrottle caps connection attempts per client address once the
	// control plane engages throttling.
	ipThrottle *KeyedLimiter
}

func NewServer(ctx context.Context, opts ...Option) *Server {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	hub := NewHub(ctx, cfg)

	auth := cfg.Authenticator
	if auth == nil {
		// Development fallback; production callers install their own.
		auth = AuthenticatorFunc(func(r *http.Request) (UserID, error) {
			id := r.URL.Query().Get("user_id")
			if id == "" {
				return "", ErrUnauthorized
			}
			return UserID(id), nil
		})
	}

	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	return &Server{
		hub:        hub,
		admin:      NewAdmin(hub),
		auth:       auth,
		log:        cfg.Logger,
		cfg:        cfg,
		ipThrottle: NewKeyedLimiter(cfg.Pool.ThrottleRate, cfg.Pool.ThrottleBurst),
		upgrader: websocket.Upgrader{
			ReadBufferSize:    cfg.ReadBufferSize,
			WriteBufferSize:   cfg.WriteBufferSize,
			EnableCompression: cfg.Compression,
			CheckOrigin:       checkOrigin,
		},
	}
}

func (s *Server) Hub() *Hub     { return s.hub }
func (s *Server) Admin() *Admin { return s.admin }

func (s *Server) GracefulShutdown(ctx context.Context) error {
	return s.hub.GracefulShutdown(ctx)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.Authenticate(r)
	if err != nil || userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if s.hub.pools.ThrottlingEnabled() && !s.ipThrottle.Allow(clientIP(r)) {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		s.log.Warn("upgrade failed", "user_id", userID, "err", err)
		return
	}

	var c *Conn
	tr := newWSTransport(ws, s.cfg.Heartbeat, func() {
		if c != nil {
			c.touch()
		}
	})
	c = newConn(userID, tr, s.hub, s.cfg.Queue, s.cfg.Heartbeat)

	if err := s.hub.Attach(c); err != nil {
		s.log.Warn("attach rejected", "user_id", userID, "err", err)
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
