package server

import (
	"strings"

	"github.com/danmuck/nfcrelay/internal/protocol/session"
	"github.com/danmuck/nfcrelay/internal/relay"
)

// ServiceConfig is the relay service configuration.
type ServiceConfig struct {
	Addr        string
	RelayAddr   string
	APIKey      string
	ServerName  string
	Version     string
	CORSOrigins []string
	// RateLimit is requests per second per client on the HTTP API; 0 disables.
	RateLimit float64
	RateBurst int
	Session   session.Config
	Relay     relay.Config
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Addr:        ":8000",
		RelayAddr:   "",
		APIKey:      "",
		ServerName:  "NFC Remote Server",
		Version:     "1.0.0",
		CORSOrigins: []string{"*"},
		RateLimit:   10,
		RateBurst:   50,
		Session:     session.DefaultConfig(),
		Relay:       relay.DefaultConfig(),
	}
}

// WithDefaults fills empty fields from DefaultServiceConfig.
func (c ServiceConfig) WithDefaults() ServiceConfig {
	def := DefaultServiceConfig()
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = def.Addr
	}
	if strings.TrimSpace(c.ServerName) == "" {
		c.ServerName = def.ServerName
	}
	if strings.TrimSpace(c.Version) == "" {
		c.Version = def.Version
	}
	if len(c.CORSOrigins) == 0 {
		c.CORSOrigins = def.CORSOrigins
	}
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		c.RateBurst = max(1, int(c.RateLimit))
	}
	c.Session = c.Session.WithDefaults()
	if c.Relay.Limits.MaxPayloadBytes == 0 {
		c.Relay = def.Relay
	}
	return c
}
