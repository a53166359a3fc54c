package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		raw  string
		want zerolog.Level
		ok   bool
	}{
		{raw: "", want: zerolog.InfoLevel, ok: false},
		{raw: "DEBUG", want: zerolog.DebugLevel, ok: true},
		{raw: " warning ", want: zerolog.WarnLevel, ok: true},
		{raw: "off", want: zerolog.Disabled, ok: true},
		{raw: "loud", want: zerolog.InfoLevel, ok: false},
	}
	for _, tc := range tests {
		got, ok := ParseLevel(tc.raw)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("ParseLevel(%q) = (%v,%v), want (%v,%v)", tc.raw, got, ok, tc.want, tc.ok)
		}
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvLogNoColor, "true")
	t.Setenv(EnvLogFile, "relay.log")
	cfg := DefaultConfig(ProfileRuntime)
	ApplyEnvOverrides(&cfg)
	if cfg.Level != zerolog.ErrorLevel {
		t.Fatalf("unexpected level: %v", cfg.Level)
	}
	if !cfg.NoColor {
		t.Fatalf("expected no color")
	}
	if cfg.File != "relay.log" {
		t.Fatalf("unexpected file: %q", cfg.File)
	}
	if cfg.MaxSizeMB != 1 || cfg.MaxBackups != 5 {
		t.Fatalf("unexpected rotation defaults: %+v", cfg)
	}
}

func TestNewWritesAtConfiguredLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: zerolog.WarnLevel, NoColor: true}, &buf)
	logger.Info().Msg("hidden")
	logger.Warn().Str("session", "s1").Msg("visible")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line should be filtered: %q", out)
	}
	if !strings.Contains(out, "visible") || !strings.Contains(out, "session=s1") {
		t.Fatalf("missing warn line: %q", out)
	}
}
