// Package config describes the relay config.toml file: its keys, a commented
// template, and strict validation of hand-edited files.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danmuck/nfcrelay/internal/logging"
	"github.com/danmuck/nfcrelay/internal/server"
	"github.com/pelletier/go-toml/v2"
)

var ErrConfigExists = errors.New("config: file already exists")

// RelayFile is the relay config.toml key mapping. Durations are Go duration
// strings such as "8s".
type RelayFile struct {
	Addr              string   `toml:"addr" comment:"HTTP and WebSocket listen address"`
	RelayAddr         string   `toml:"relay_addr" comment:"framed TCP relay listen address; empty disables it"`
	APIKey            string   `toml:"api_key" comment:"shared bearer token; empty disables authentication"`
	ServerName        string   `toml:"server_name"`
	Version           string   `toml:"version"`
	CommandTimeout    string   `toml:"command_timeout" comment:"wait for a tag answer before 6F00 is returned"`
	OutboxCapacity    int      `toml:"outbox_capacity" comment:"queued messages per duplex connection"`
	HeartbeatInterval string   `toml:"heartbeat_interval"`
	SessionDeadAfter  string   `toml:"session_dead_after"`
	WriteTimeout      string   `toml:"write_timeout"`
	MaxMessageBytes   int64    `toml:"max_message_bytes"`
	MaxFrameBytes     uint32   `toml:"max_frame_bytes"`
	CORSOrigins       []string `toml:"cors_origins"`
	RateLimit         float64  `toml:"rate_limit" comment:"requests per second per client; 0 disables"`
	RateBurst         int      `toml:"rate_burst"`
	TLSEnabled        bool     `toml:"tls_enabled"`
	TLSCertFile       string   `toml:"tls_cert_file"`
	TLSKeyFile        string   `toml:"tls_key_file"`
	LogLevel          string   `toml:"log_level" comment:"trace, debug, info, warn, error or disabled"`
	LogFile           string   `toml:"log_file"`
	LogMaxSizeMB      int      `toml:"log_max_size_mb"`
	LogMaxBackups     int      `toml:"log_max_backups"`
}

// DefaultRelayFile mirrors the runtime defaults.
func DefaultRelayFile() RelayFile {
	svc := server.DefaultServiceConfig()
	logCfg := logging.DefaultConfig(logging.ProfileRuntime)
	return RelayFile{
		Addr:              svc.Addr,
		RelayAddr:         svc.RelayAddr,
		APIKey:            svc.APIKey,
		ServerName:        svc.ServerName,
		Version:           svc.Version,
		CommandTimeout:    svc.Session.CommandTimeout.String(),
		OutboxCapacity:    svc.Session.OutboxCapacity,
		HeartbeatInterval: svc.Session.HeartbeatInterval.String(),
		SessionDeadAfter:  svc.Session.SessionDeadAfter.String(),
		WriteTimeout:      svc.Session.WriteTimeout.String(),
		MaxMessageBytes:   svc.Session.MaxMessageBytes,
		MaxFrameBytes:     svc.Relay.Limits.MaxPayloadBytes,
		CORSOrigins:       svc.CORSOrigins,
		RateLimit:         svc.RateLimit,
		RateBurst:         svc.RateBurst,
		LogLevel:          logCfg.Level.String(),
		LogFile:           "nfc_server.log",
		LogMaxSizeMB:      logCfg.MaxSizeMB,
		LogMaxBackups:     logCfg.MaxBackups,
	}
}

// Render encodes f as commented TOML.
func Render(f RelayFile) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("# nfcrelay relayctl configuration\n\n")
	enc := toml.NewEncoder(&buf)
	enc.SetIndentTables(true)
	if err := enc.Encode(f); err != nil {
		return nil, fmt.Errorf("config render failed: %w", err)
	}
	return buf.Bytes(), nil
}

func WriteTemplate(path string, overwrite bool) error {
	data, err := Render(DefaultRelayFile())
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrConfigExists, path)
		}
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate strictly decodes path: unknown keys and malformed values fail.
func Validate(path string) (RelayFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RelayFile{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	var out RelayFile
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return RelayFile{}, fmt.Errorf("config parse failed (%s): %s", path, strict.String())
		}
		return RelayFile{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if err := ValidateRelayFile(out); err != nil {
		return RelayFile{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return out, nil
}

func ValidateRelayFile(f RelayFile) error {
	for key, raw := range map[string]string{
		"command_timeout":    f.CommandTimeout,
		"heartbeat_interval": f.HeartbeatInterval,
		"session_dead_after": f.SessionDeadAfter,
		"write_timeout":      f.WriteTimeout,
	} {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		if d, err := time.ParseDuration(strings.TrimSpace(raw)); err != nil || d <= 0 {
			return fmt.Errorf("%s must be a positive duration, got %q", key, raw)
		}
	}
	if f.LogLevel != "" {
		if _, ok := logging.ParseLevel(f.LogLevel); !ok {
			return fmt.Errorf("unknown log_level %q", f.LogLevel)
		}
	}
	if f.RateLimit < 0 {
		return fmt.Errorf("rate_limit cannot be negative")
	}
	if f.TLSEnabled && (strings.TrimSpace(f.TLSCertFile) == "" || strings.TrimSpace(f.TLSKeyFile) == "") {
		return fmt.Errorf("tls_cert_file and tls_key_file are required when tls_enabled is true")
	}
	return nil
}
