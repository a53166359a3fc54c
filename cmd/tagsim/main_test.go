package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/nfcrelay/internal/pairing"
	"github.com/danmuck/nfcrelay/internal/protocol/session"
	"github.com/danmuck/nfcrelay/internal/server"
	"github.com/danmuck/nfcrelay/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialURL(t *testing.T) {
	testlog.Start(t)
	got, err := dialURL(options{ServerURL: "wss://relay.example/ws", SessionID: "abc", Token: "k"})
	require.NoError(t, err)
	assert.Contains(t, got, "session_id=abc")
	assert.Contains(t, got, "role=tag")
	assert.Contains(t, got, "token=k")
	assert.NotContains(t, redact(got), "token=k")

	_, err = dialURL(options{ServerURL: "https://relay.example/ws"})
	assert.Error(t, err)
}

func TestSimulatorAnswersRelayCommands(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	cfg := server.DefaultServiceConfig()
	cfg.APIKey = "secret"
	cfg.RateLimit = 0
	srv := server.New(cfg)
	ts := httptest.NewServer(srv.HTTPRouter())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, options{
			ServerURL: "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
			SessionID: "abc",
			Token:     "secret",
			Reply:     "6A82",
			Backoff:   session.DefaultConfig().Backoff,
		})
	}()

	require.Eventually(t, func() bool {
		return srv.Hub().Outboxes().Has("abc", pairing.RoleTag)
	}, 3*time.Second, 10*time.Millisecond)

	raw, _ := json.Marshal(gin.H{"session_id": "abc", "command_apdu": "00B0000000"})
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/apdu", bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "6A82", body["response_apdu"])

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatalf("simulator did not stop")
	}
}
