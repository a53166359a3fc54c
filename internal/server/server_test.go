package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/nfcrelay/internal/pairing"
	"github.com/danmuck/nfcrelay/internal/protocol/session"
	"github.com/danmuck/nfcrelay/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, mutate func(*ServiceConfig)) (*Server, *httptest.Server) {
	t.Helper()
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	cfg := DefaultServiceConfig()
	cfg.RateLimit = 0
	cfg.Session.CommandTimeout = 2 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	s := New(cfg)
	ts := httptest.NewServer(s.HTTPRouter())
	t.Cleanup(func() {
		s.closeAllConns()
		ts.Close()
	})
	return s, ts
}

func doJSON(t *testing.T, method, url string, body any, header http.Header) (int, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func wsURL(ts *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?" + query
}

func dialDuplex(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, query), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) session.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var env session.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

// answerAll replies to every apdu_request with reply, echoing call_id.
func answerAll(conn *websocket.Conn, reply string) {
	go func() {
		for {
			var env session.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			if env.Type == session.TypeAPDURequest {
				_ = conn.WriteJSON(session.NewAPDUResponse(env.CallID, reply))
			}
		}
	}()
}

func TestStatusEndpoints(t *testing.T) {
	_, ts := newTestServer(t, nil)

	code, body := doJSON(t, http.MethodGet, ts.URL+"/status", nil, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "online", body["status"])
	assert.Equal(t, "NFC Remote Server", body["server"])
	assert.Equal(t, "1.0.0", body["version"])

	code, body = doJSON(t, http.MethodGet, ts.URL+"/ping", nil, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	code, body = doJSON(t, http.MethodGet, ts.URL+"/ready", nil, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["ready"])

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPDUWithoutTagReturnsNotFound(t *testing.T) {
	_, ts := newTestServer(t, nil)

	code, body := doJSON(t, http.MethodPost, ts.URL+"/apdu", gin.H{
		"session_id":   "abc",
		"command_apdu": "00A4040007A0000002471001",
	}, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "6A82", body["response_apdu"])
	assert.Equal(t, false, body["paired"])
	assert.Equal(t, "ok", body["status"])
}

func TestAPDUValidation(t *testing.T) {
	_, ts := newTestServer(t, nil)

	code, body := doJSON(t, http.MethodPost, ts.URL+"/apdu", gin.H{"session_id": " ", "command_apdu": "00"}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "session_id cannot be empty", body["detail"])

	code, _ = doJSON(t, http.MethodPost, ts.URL+"/apdu", gin.H{"session_id": "abc", "command_apdu": "  "}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAuthRejectsBeforeMutation(t *testing.T) {
	s, ts := newTestServer(t, func(cfg *ServiceConfig) { cfg.APIKey = "secret" })
	_, err := s.Hub().SubmitEvent("abc", "READER_MODE", "test")
	require.NoError(t, err)
	body := gin.H{"session_id": "abc", "command_apdu": "00B0000000"}

	code, _ := doJSON(t, http.MethodPost, ts.URL+"/apdu", body, nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = doJSON(t, http.MethodPost, ts.URL+"/apdu", body, http.Header{"Authorization": {"Bearer wrong"}})
	assert.Equal(t, http.StatusForbidden, code)
	_, recorded := s.Hub().Registry().LastCommand("abc")
	assert.False(t, recorded)

	code, _ = doJSON(t, http.MethodPost, ts.URL+"/apdu", body, http.Header{"Authorization": {"Bearer secret"}})
	assert.Equal(t, http.StatusOK, code)
	last, recorded := s.Hub().Registry().LastCommand("abc")
	assert.True(t, recorded)
	assert.Equal(t, "00B0000000", last)
}

func TestTagEventPairsSession(t *testing.T) {
	_, ts := newTestServer(t, nil)

	code, body := doJSON(t, http.MethodPost, ts.URL+"/tag/event", gin.H{"session_id": "abc", "type": "READER_MODE"}, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "reader", body["role"])
	assert.Equal(t, false, body["paired"])

	code, body = doJSON(t, http.MethodPost, ts.URL+"/tag/event", gin.H{
		"session_id": "abc",
		"type":       "card_emulation",
		"tag_id":     "04A224B2",
		"tech":       []string{"IsoDep", "NfcA"},
		"ndef_records": []gin.H{
			{"record_type": "U", "uri": "  https://example.com/x  "},
		},
	}, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "tag", body["role"])
	assert.Equal(t, true, body["paired"])

	code, body = doJSON(t, http.MethodPost, ts.URL+"/tag/event", gin.H{"session_id": "abc", "type": "FIELD_OFF"}, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Nil(t, body["role"])
	assert.Equal(t, true, body["paired"])

	code, body = doJSON(t, http.MethodGet, ts.URL+"/session/status?session_id=abc", nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "paired", body["status"])
	assert.EqualValues(t, 2, body["clients"])

	code, body = doJSON(t, http.MethodGet, ts.URL+"/session/roles?session_id=abc", nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "reader")
	assert.Contains(t, body, "tag")
}

func TestTagEventRejectsBadInput(t *testing.T) {
	_, ts := newTestServer(t, nil)

	code, body := doJSON(t, http.MethodPost, ts.URL+"/tag/event", gin.H{"session_id": "", "type": "READER_MODE"}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "session_id cannot be empty", body["detail"])

	code, _ = doJSON(t, http.MethodPost, ts.URL+"/tag/event", gin.H{
		"session_id":   "abc",
		"type":         "TAG",
		"ndef_records": []gin.H{{"record_type": "U", "uri": "not a url"}},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = doJSON(t, http.MethodGet, ts.URL+"/session/status", nil, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestDuplexRefusalCloseCodes(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *ServiceConfig) { cfg.APIKey = "secret" })

	cases := []struct {
		query string
		code  int
	}{
		{query: "role=tag&token=secret", code: CloseMissingParams},
		{query: "session_id=abc&token=secret", code: CloseMissingParams},
		{query: "session_id=abc&role=tag&token=nope", code: CloseBadToken},
		{query: "session_id=abc&role=tag", code: CloseBadToken},
		{query: "session_id=abc&role=observer&token=secret", code: CloseUnknownRole},
	}
	for _, tc := range cases {
		conn := dialDuplex(t, ts, tc.query)
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		_, _, err := conn.ReadMessage()
		assert.True(t, websocket.IsCloseError(err, tc.code), "query %q: got %v", tc.query, err)
	}
}

func TestDuplexCommandRoundTrip(t *testing.T) {
	s, ts := newTestServer(t, nil)

	tag := dialDuplex(t, ts, "session_id=abc&role=emulation")
	hello := readEnvelope(t, tag)
	assert.Equal(t, session.StatusConnected, hello.Status)
	assert.Equal(t, "tag", hello.Role)

	reader := dialDuplex(t, ts, "session_id=abc&role=READER_MODE")
	assert.Equal(t, "reader", readEnvelope(t, reader).Role)
	answerAll(tag, "6F00DEADBEEF9000")

	code, body := doJSON(t, http.MethodPost, ts.URL+"/apdu", gin.H{
		"session_id":   "abc",
		"command_apdu": "00B0000000",
	}, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "6F00DEADBEEF9000", body["response_apdu"])
	assert.Equal(t, true, body["paired"])

	// The live reader sees the same answer.
	notice := readEnvelope(t, reader)
	assert.Equal(t, session.TypeAPDUResponse, notice.Type)
	assert.Equal(t, "6F00DEADBEEF9000", notice.ResponseAPDU)
	assert.Equal(t, pairing.StatusPaired, s.Hub().PairingStatus("abc"))
}

func TestDuplexReaderRequestReachesTag(t *testing.T) {
	_, ts := newTestServer(t, nil)

	reader := dialDuplex(t, ts, "session_id=abc&role=reader")
	readEnvelope(t, reader)

	require.NoError(t, reader.WriteJSON(session.Envelope{Type: session.TypeAPDURequest, CommandAPDU: "00B0000000"}))
	assert.Equal(t, session.StatusNotFound, readEnvelope(t, reader).ResponseAPDU)

	tag := dialDuplex(t, ts, "session_id=abc&role=tag")
	readEnvelope(t, tag)
	require.NoError(t, reader.WriteJSON(session.Envelope{Type: session.TypeAPDURequest, CommandAPDU: "00B0000000", CallID: "r-1"}))
	req := readEnvelope(t, tag)
	assert.Equal(t, session.TypeAPDURequest, req.Type)
	assert.Equal(t, "00B0000000", req.CommandAPDU)
	assert.Equal(t, "r-1", req.CallID)

	require.NoError(t, tag.WriteJSON(session.NewAPDUResponse(req.CallID, "9000")))
	resp := readEnvelope(t, reader)
	assert.Equal(t, "9000", resp.ResponseAPDU)
	assert.Equal(t, "r-1", resp.CallID)
}

func TestDuplexMalformedMessagesAreIgnored(t *testing.T) {
	_, ts := newTestServer(t, nil)

	tag := dialDuplex(t, ts, "session_id=abc&role=tag")
	readEnvelope(t, tag)
	require.NoError(t, tag.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, tag.WriteJSON(gin.H{"type": "mystery"}))
	answerAll(tag, "9000")

	code, body := doJSON(t, http.MethodPost, ts.URL+"/apdu", gin.H{"session_id": "abc", "command_apdu": "00"}, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "9000", body["response_apdu"])
}

func TestAPDUTimesOutWhenTagIsSilent(t *testing.T) {
	s, ts := newTestServer(t, func(cfg *ServiceConfig) { cfg.Session.CommandTimeout = 100 * time.Millisecond })

	tag := dialDuplex(t, ts, "session_id=abc&role=tag")
	readEnvelope(t, tag)

	code, body := doJSON(t, http.MethodPost, ts.URL+"/apdu", gin.H{"session_id": "abc", "command_apdu": "00"}, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "6F00", body["response_apdu"])
	assert.Zero(t, s.Hub().Correlator().Len())
}

func TestTagDisconnectTearsDownSession(t *testing.T) {
	s, ts := newTestServer(t, nil)

	tag := dialDuplex(t, ts, "session_id=abc&role=tag")
	readEnvelope(t, tag)
	require.True(t, s.Hub().Outboxes().Has("abc", pairing.RoleTag))

	require.NoError(t, tag.Close())
	require.Eventually(t, func() bool {
		_, known := s.Hub().Registry().Get("abc")
		return !known && !s.Hub().Outboxes().Has("abc", pairing.RoleTag)
	}, 3*time.Second, 10*time.Millisecond)
}

func TestSecondTagSupersedesFirst(t *testing.T) {
	s, ts := newTestServer(t, nil)

	first := dialDuplex(t, ts, "session_id=abc&role=tag")
	readEnvelope(t, first)
	second := dialDuplex(t, ts, "session_id=abc&role=tag")
	readEnvelope(t, second)

	require.NoError(t, first.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := first.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)

	answerAll(second, "9000")
	code, body := doJSON(t, http.MethodPost, ts.URL+"/apdu", gin.H{"session_id": "abc", "command_apdu": "00"}, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "9000", body["response_apdu"])
	assert.True(t, s.Hub().Outboxes().Has("abc", pairing.RoleTag))
}

func TestRateLimitPerClient(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *ServiceConfig) {
		cfg.RateLimit = 0.001
		cfg.RateBurst = 1
	})

	code, _ := doJSON(t, http.MethodGet, ts.URL+"/session/status?session_id=abc", nil, nil)
	assert.Equal(t, http.StatusOK, code)
	code, body := doJSON(t, http.MethodGet, ts.URL+"/session/status?session_id=abc", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "rate limit exceeded", body["detail"])

	// Health endpoints are not limited.
	code, _ = doJSON(t, http.MethodGet, ts.URL+"/ping", nil, nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestServeStopsOnContextCancel(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	s := New(DefaultServiceConfig())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/ping")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(shutdownGrace + time.Second):
		t.Fatalf("serve did not stop")
	}
}

func TestRunRejectsIncompleteTLS(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultServiceConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.Session.TLS.Enabled = true
	s := New(cfg)
	assert.ErrorIs(t, s.Run(context.Background()), session.ErrTLSCertFileRequired)
}
