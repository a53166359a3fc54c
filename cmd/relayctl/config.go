package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/nfcrelay/internal/config"
	"github.com/danmuck/nfcrelay/internal/logging"
	"github.com/danmuck/nfcrelay/internal/server"
	"github.com/joho/godotenv"
)

const (
	envAPIKey = "NFCRELAY_API_KEY"
	envPort   = "PORT"
)

type runtimeConfig struct {
	Service server.ServiceConfig
	Log     logging.Config
}

func defaultRuntimeConfig() runtimeConfig {
	logCfg := logging.DefaultConfig(logging.ProfileRuntime)
	logCfg.File = "nfc_server.log"
	return runtimeConfig{
		Service: server.DefaultServiceConfig(),
		Log:     logCfg,
	}
}

// loadEnvFile loads path into the process environment. A missing file is not
// an error; variables already set win.
func loadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// relayctl loader for TOML config with default overlay. An empty path yields
// the defaults.
func loadRuntimeConfig(path string) (runtimeConfig, error) {
	cfg := defaultRuntimeConfig()
	if strings.TrimSpace(path) == "" {
		cfg.Service = cfg.Service.WithDefaults()
		return cfg, nil
	}

	var raw config.RelayFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return runtimeConfig{}, fmt.Errorf("load relay config: %w", err)
	}

	svc := &cfg.Service
	if meta.IsDefined("addr") {
		svc.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("relay_addr") {
		svc.RelayAddr = strings.TrimSpace(raw.RelayAddr)
	}
	if meta.IsDefined("api_key") {
		svc.APIKey = strings.TrimSpace(raw.APIKey)
	}
	if meta.IsDefined("server_name") {
		svc.ServerName = strings.TrimSpace(raw.ServerName)
	}
	if meta.IsDefined("version") {
		svc.Version = strings.TrimSpace(raw.Version)
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"command_timeout", raw.CommandTimeout, &svc.Session.CommandTimeout},
		{"heartbeat_interval", raw.HeartbeatInterval, &svc.Session.HeartbeatInterval},
		{"session_dead_after", raw.SessionDeadAfter, &svc.Session.SessionDeadAfter},
		{"write_timeout", raw.WriteTimeout, &svc.Session.WriteTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil || v <= 0 {
			return runtimeConfig{}, fmt.Errorf("load relay config: %s must be a positive duration, got %q", d.key, d.raw)
		}
		*d.dst = v
	}
	if meta.IsDefined("outbox_capacity") {
		svc.Session.OutboxCapacity = raw.OutboxCapacity
	}
	if meta.IsDefined("max_message_bytes") {
		svc.Session.MaxMessageBytes = raw.MaxMessageBytes
	}
	if meta.IsDefined("max_frame_bytes") {
		svc.Relay.Limits.MaxPayloadBytes = raw.MaxFrameBytes
	}
	if meta.IsDefined("cors_origins") {
		svc.CORSOrigins = trimAll(raw.CORSOrigins)
	}
	if meta.IsDefined("rate_limit") {
		if raw.RateLimit < 0 {
			return runtimeConfig{}, fmt.Errorf("load relay config: rate_limit cannot be negative")
		}
		svc.RateLimit = raw.RateLimit
	}
	if meta.IsDefined("rate_burst") {
		svc.RateBurst = raw.RateBurst
	}
	if meta.IsDefined("tls_enabled") {
		svc.Session.TLS.Enabled = raw.TLSEnabled
	}
	if meta.IsDefined("tls_cert_file") {
		svc.Session.TLS.CertFile = strings.TrimSpace(raw.TLSCertFile)
	}
	if meta.IsDefined("tls_key_file") {
		svc.Session.TLS.KeyFile = strings.TrimSpace(raw.TLSKeyFile)
	}

	if meta.IsDefined("log_level") {
		lvl, ok := logging.ParseLevel(raw.LogLevel)
		if !ok {
			return runtimeConfig{}, fmt.Errorf("load relay config: unknown log_level %q", raw.LogLevel)
		}
		cfg.Log.Level = lvl
	}
	if meta.IsDefined("log_file") {
		cfg.Log.File = strings.TrimSpace(raw.LogFile)
	}
	if meta.IsDefined("log_max_size_mb") {
		cfg.Log.MaxSizeMB = raw.LogMaxSizeMB
	}
	if meta.IsDefined("log_max_backups") {
		cfg.Log.MaxBackups = raw.LogMaxBackups
	}

	cfg.Service = cfg.Service.WithDefaults()
	return cfg, nil
}

// applyEnvOverrides lets the environment win over the file for the settings a
// hosted deployment sets. Log settings are read by the logging package itself.
func applyEnvOverrides(cfg *runtimeConfig) error {
	if v, ok := os.LookupEnv(envAPIKey); ok {
		cfg.Service.APIKey = strings.TrimSpace(v)
	}
	if v := strings.TrimSpace(os.Getenv(envPort)); v != "" {
		if strings.Trim(v, "0123456789") != "" {
			return fmt.Errorf("relayctl: invalid %s %q", envPort, v)
		}
		cfg.Service.Addr = ":" + v
	}
	return nil
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
