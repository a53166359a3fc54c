package server

import (
	"strings"
	"time"

	"github.com/danmuck/nfcrelay/internal/bridge"
	"github.com/danmuck/nfcrelay/internal/pairing"
	"github.com/danmuck/nfcrelay/internal/protocol/session"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// WebSocket close codes sent when a duplex connection is refused.
const (
	CloseMissingParams = 4000
	CloseUnknownRole   = 4001
	CloseBadToken      = 4003
)

func (s *Server) handleDuplex(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Str("remote", c.Request.RemoteAddr).Err(err).Msg("websocket upgrade failed")
		return
	}
	s.trackConn(conn)
	defer s.untrackConn(conn)
	defer conn.Close()

	q := c.Request.URL.Query()
	sessionID := strings.TrimSpace(q.Get("session_id"))
	rawRole := strings.TrimSpace(q.Get("role"))
	if sessionID == "" || rawRole == "" {
		s.refuse(conn, CloseMissingParams, "session_id and role required")
		return
	}
	if err := s.auth.Validate(q.Get("token")); err != nil {
		s.refuse(conn, CloseBadToken, "invalid token")
		return
	}
	role, err := pairing.ParseRole(rawRole)
	if err != nil {
		s.refuse(conn, CloseUnknownRole, "unknown role")
		return
	}

	peer := s.hub.Connect(sessionID, role, c.Request.RemoteAddr)
	defer s.hub.Disconnect(peer)
	s.serveDuplex(conn, peer)
}

func (s *Server) refuse(conn *websocket.Conn, code int, reason string) {
	log.Warn().Int("code", code).Str("reason", reason).Msg("duplex refused")
	deadline := time.Now().Add(s.cfg.Session.WriteTimeout)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}

// serveDuplex runs the write loop in its own goroutine and the read loop on
// the caller's. Either side ending stops the other.
func (s *Server) serveDuplex(conn *websocket.Conn, peer *bridge.Peer) {
	cfg := s.cfg.Session
	conn.SetReadLimit(cfg.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(cfg.SessionDeadAfter))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(cfg.SessionDeadAfter))
	})

	stop := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(conn, peer, stop)
	}()

	s.readLoop(conn, peer)
	close(stop)
	<-writerDone
}

func (s *Server) readLoop(conn *websocket.Conn, peer *bridge.Peer) {
	cfg := s.cfg.Session
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Str("session", peer.SessionID).Str("role", peer.Role.String()).Err(err).Msg("duplex read ended")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(cfg.SessionDeadAfter))

		env, err := session.DecodeEnvelope(raw, cfg.MaxMessageBytes)
		if err != nil {
			log.Warn().Str("session", peer.SessionID).Str("role", peer.Role.String()).Err(err).Msg("message ignored")
			continue
		}
		if err := s.hub.HandleMessage(peer, env); err != nil {
			log.Warn().Str("session", peer.SessionID).Err(err).Msg("message ignored")
		}
	}
}

func (s *Server) writeLoop(conn *websocket.Conn, peer *bridge.Peer, stop <-chan struct{}) {
	cfg := s.cfg.Session
	ticker := time.NewTicker(cfg.HeartbeatInterval)
	defer ticker.Stop()
	// Unblocks the read loop when the writer gives up first.
	defer conn.Close()

	for {
		select {
		case env := <-peer.Outbox.C():
			raw, err := session.EncodeEnvelope(env)
			if err != nil {
				log.Error().Str("session", peer.SessionID).Err(err).Msg("encode envelope")
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				log.Debug().Str("session", peer.SessionID).Err(err).Msg("duplex write failed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(cfg.WriteTimeout)); err != nil {
				return
			}
		case <-peer.Outbox.Done():
			msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "superseded")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(cfg.WriteTimeout))
			return
		case <-stop:
			return
		}
	}
}
