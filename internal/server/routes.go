package server

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/danmuck/nfcrelay/internal/bridge"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type apduRequest struct {
	SessionID   string `json:"session_id"`
	CommandAPDU string `json:"command_apdu"`
}

type ndefRecord struct {
	RecordType string `json:"record_type"`
	Lang       string `json:"lang,omitempty"`
	Text       string `json:"text,omitempty"`
	URI        string `json:"uri,omitempty"`
}

type tagEventRequest struct {
	SessionID   string       `json:"session_id"`
	Type        string       `json:"type"`
	TagID       string       `json:"tag_id,omitempty"`
	Tech        []string     `json:"tech,omitempty"`
	NDEFRecords []ndefRecord `json:"ndef_records,omitempty"`
}

var errInvalidNDEF = errors.New("server: invalid ndef record")

func (s *Server) RegisterRoutes() {
	r := s.router

	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "online",
			"server":  s.cfg.ServerName,
			"version": s.cfg.Version,
		})
	})

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.appeared).String(),
			"service": s.cfg.ServerName,
			"version": s.cfg.Version,
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ready":    true,
			"uptime":   time.Since(s.appeared).String(),
			"sessions": len(s.hub.Registry().Sessions()),
			"duplex":   s.hub.Outboxes().Count(),
			"relay":    s.relay.State(),
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/", s.rateLimit(), s.requireAuth())
	api.POST("/tag/event", s.handleTagEvent)
	api.POST("/apdu", s.handleAPDU)
	api.GET("/session/status", s.handleSessionStatus)
	api.GET("/session/roles", s.handleSessionRoles)

	r.GET("/ws", s.handleDuplex)
}

func (s *Server) handleTagEvent(c *gin.Context) {
	var req tagEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid request body"})
		return
	}
	if err := normalizeNDEF(req.NDEFRecords); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}

	res, err := s.hub.SubmitEvent(req.SessionID, req.Type, c.Request.RemoteAddr)
	if err != nil {
		respondError(c, err)
		return
	}
	if req.TagID != "" || len(req.Tech) > 0 || len(req.NDEFRecords) > 0 {
		log.Info().
			Str("session", strings.TrimSpace(req.SessionID)).
			Str("tag_id", req.TagID).
			Strs("tech", req.Tech).
			Int("ndef_records", len(req.NDEFRecords)).
			Msg("tag details")
	}

	var role any
	if res.Mapped {
		role = res.Role.String()
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "role": role, "paired": res.Paired})
}

func (s *Server) handleAPDU(c *gin.Context) {
	var req apduRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid request body"})
		return
	}
	res, err := s.hub.Submit(c.Request.Context(), req.SessionID, req.CommandAPDU)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"response_apdu": res.ResponseAPDU,
		"status":        "ok",
		"paired":        res.Paired,
	})
}

func (s *Server) handleSessionStatus(c *gin.Context) {
	sessionID, ok := sessionQuery(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"status":     s.hub.PairingStatus(sessionID),
		"clients":    len(s.hub.Registry().Roles(sessionID)),
	})
}

func (s *Server) handleSessionRoles(c *gin.Context) {
	sessionID, ok := sessionQuery(c)
	if !ok {
		return
	}
	out := gin.H{}
	for role, client := range s.hub.Registry().Roles(sessionID) {
		out[role.String()] = client
	}
	c.JSON(http.StatusOK, out)
}

func sessionQuery(c *gin.Context) (string, bool) {
	sessionID := strings.TrimSpace(c.Query("session_id"))
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "session_id cannot be empty"})
		return "", false
	}
	return sessionID, true
}

func respondError(c *gin.Context, err error) {
	if errors.Is(err, bridge.ErrValidation) {
		detail := strings.TrimPrefix(err.Error(), bridge.ErrValidation.Error()+": ")
		c.JSON(http.StatusBadRequest, gin.H{"detail": detail})
		return
	}
	log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
}

// normalizeNDEF trims record URIs in place and rejects ones that are not
// absolute http(s) URLs.
func normalizeNDEF(records []ndefRecord) error {
	for i := range records {
		uri := strings.TrimSpace(records[i].URI)
		records[i].URI = uri
		if uri == "" {
			continue
		}
		u, err := url.Parse(uri)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errInvalidNDEF
		}
	}
	return nil
}
