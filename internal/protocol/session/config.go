package session

import "time"

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// TLSConfig enables TLS on the HTTP/WebSocket listener.
type TLSConfig struct {
	Enabled  bool
	CertFile string
	KeyFile  string
}

// Config defines duplex transport and bridge defaults.
type Config struct {
	CommandTimeout    time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	SessionDeadAfter  time.Duration
	OutboxCapacity    int
	MaxMessageBytes   int64
	Backoff           BackoffConfig
	TLS               TLSConfig
}

// DefaultConfig returns the relay defaults. CommandTimeout is the fixed wait
// for a tag answer before "6F00" is substituted.
func DefaultConfig() Config {
	return Config{
		CommandTimeout:    8 * time.Second,
		WriteTimeout:      10 * time.Second,
		HeartbeatInterval: 20 * time.Second,
		SessionDeadAfter:  60 * time.Second,
		OutboxCapacity:    64,
		MaxMessageBytes:   64 * 1024,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     10 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero values from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = def.CommandTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.SessionDeadAfter <= 0 {
		c.SessionDeadAfter = def.SessionDeadAfter
	}
	if c.SessionDeadAfter <= c.HeartbeatInterval {
		c.SessionDeadAfter = 3 * c.HeartbeatInterval
	}
	if c.OutboxCapacity <= 0 {
		c.OutboxCapacity = def.OutboxCapacity
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = def.MaxMessageBytes
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = def.Backoff
	}
	return c
}
