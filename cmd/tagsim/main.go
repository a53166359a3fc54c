package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/nfcrelay/internal/logging"
	"github.com/danmuck/nfcrelay/internal/observability"
	"github.com/danmuck/nfcrelay/internal/protocol/session"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type options struct {
	ServerURL string
	SessionID string
	Token     string
	Reply     string
	Backoff   session.BackoffConfig
}

func main() {
	opts := options{Backoff: session.DefaultConfig().Backoff}
	flag.StringVar(&opts.ServerURL, "server", "ws://127.0.0.1:8000/ws", "relay WebSocket endpoint")
	flag.StringVar(&opts.SessionID, "session", "nfc_log_session", "session id to join")
	flag.StringVar(&opts.Token, "token", os.Getenv("NFCRELAY_API_KEY"), "shared token")
	flag.StringVar(&opts.Reply, "reply", "9000", "status word answered to every command")
	flag.Parse()

	observability.InitLogger("tagsim", logging.DefaultConfig(logging.ProfileRuntime))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "tagsim: %v\n", err)
		os.Exit(1)
	}
}

// run keeps a tag connection alive until ctx ends, reconnecting with backoff.
func run(ctx context.Context, opts options) error {
	endpoint, err := dialURL(opts)
	if err != nil {
		return err
	}
	rc := session.NewReconnector(opts.Backoff, time.Now().UnixNano())
	for {
		connected, err := serveOnce(ctx, endpoint, opts.Reply)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			rc.Reset()
		}
		delay := rc.Next()
		log.Warn().Err(err).Dur("retry_in", delay).Int("attempt", rc.Attempts()).Msg("tag connection lost")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func dialURL(opts options) (string, error) {
	u, err := url.Parse(strings.TrimSpace(opts.ServerURL))
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("server url must use ws or wss, got %q", u.Scheme)
	}
	q := u.Query()
	q.Set("session_id", opts.SessionID)
	q.Set("role", "tag")
	if opts.Token != "" {
		q.Set("token", opts.Token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// serveOnce answers commands on one connection. It reports whether the
// connection was established.
func serveOnce(ctx context.Context, endpoint, reply string) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	stopClose := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stopClose()

	log.Info().Str("endpoint", redact(endpoint)).Msg("tag connected")
	return true, answer(conn, reply)
}

// answer replies to every apdu_request with reply, echoing its call id.
func answer(conn *websocket.Conn, reply string) error {
	for {
		var env session.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}
		switch {
		case env.Status == session.StatusConnected:
			log.Info().Str("role", env.Role).Msg("relay acknowledged")
		case env.Type == session.TypeAPDURequest:
			log.Info().Str("call_id", env.CallID).Str("command", env.CommandAPDU).Str("reply", reply).Msg("command")
			if err := conn.WriteJSON(session.NewAPDUResponse(env.CallID, reply)); err != nil {
				return err
			}
		default:
			log.Debug().Interface("message", env).Msg("ignored")
		}
	}
}

func redact(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	q := u.Query()
	if q.Has("token") {
		q.Set("token", "***")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
