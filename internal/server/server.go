// Package server exposes the relay over HTTP and WebSocket and owns the
// process lifecycle of the HTTP listener and the optional framed relay.
package server

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/danmuck/nfcrelay/internal/auth"
	"github.com/danmuck/nfcrelay/internal/bridge"
	"github.com/danmuck/nfcrelay/internal/node"
	"github.com/danmuck/nfcrelay/internal/observability"
	"github.com/danmuck/nfcrelay/internal/relay"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type Server struct {
	cfg ServiceConfig

	hub      *bridge.Hub
	relay    *relay.Relay
	auth     auth.Validator
	limiter  *clientLimiter
	router   *gin.Engine
	upgrader websocket.Upgrader
	appeared time.Time

	connsMu sync.Mutex
	conns   map[*websocket.Conn]struct{}
}

var _ node.Node = (*Server)(nil)

func New(cfg ServiceConfig) *Server {
	cfg = cfg.WithDefaults()
	observability.RegisterMetrics()

	r := gin.New()
	r.Use(observability.Recovery(log.Logger))
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(cfg.ServerName))
	r.Use(cors.New(corsConfig(cfg.CORSOrigins)))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		cfg:      cfg,
		hub:      bridge.NewHub(cfg.Session),
		relay:    relay.New(cfg.Relay),
		auth:     auth.ForToken(cfg.APIKey),
		router:   r,
		upgrader: makeUpgrader(cfg.CORSOrigins),
		appeared: time.Now(),
		conns:    make(map[*websocket.Conn]struct{}),
	}
	if cfg.RateLimit > 0 {
		s.limiter = newClientLimiter(cfg.RateLimit, cfg.RateBurst)
	}
	s.RegisterRoutes()
	return s
}

func (s *Server) NodeID() string {
	return s.cfg.ServerName
}

func (s *Server) Kind() string {
	return "relay"
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

func (s *Server) Hub() *bridge.Hub {
	return s.hub
}

func (s *Server) Relay() *relay.Relay {
	return s.relay
}

func (s *Server) Config() ServiceConfig {
	return s.cfg
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}
	if allowAllOrigins(origins) {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	return cfg
}

func allowAllOrigins(origins []string) bool {
	if len(origins) == 0 {
		return true
	}
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}

func makeUpgrader(origins []string) websocket.Upgrader {
	allowAll := allowAllOrigins(origins)
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			// Devices are not browsers and send no Origin.
			return origin == "" || allowed[origin]
		},
	}
}

// requireAuth rejects a request before any handler mutates state.
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		err := auth.CheckHeader(s.auth, c.GetHeader("Authorization"))
		switch {
		case err == nil:
			c.Next()
		case errors.Is(err, auth.ErrMissingToken):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Missing or invalid token"})
		default:
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"detail": "Invalid API token"})
		}
	}
}

func (s *Server) rateLimit() gin.HandlerFunc {
	if s.limiter == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return s.limiter.Middleware()
}

func (s *Server) trackConn(conn *websocket.Conn) {
	s.connsMu.Lock()
	s.conns[conn] = struct{}{}
	s.connsMu.Unlock()
}

func (s *Server) untrackConn(conn *websocket.Conn) {
	s.connsMu.Lock()
	delete(s.conns, conn)
	s.connsMu.Unlock()
}

func (s *Server) closeAllConns() {
	s.connsMu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.connsMu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
}
