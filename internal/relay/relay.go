// Package relay pairs raw TCP connections and pumps length-prefixed frames
// between them without inspecting their contents.
package relay

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/danmuck/nfcrelay/internal/observability"
	"github.com/danmuck/nfcrelay/internal/protocol/frame"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrPairActive = errors.New("relay: pair already active")
	ErrClosed     = errors.New("relay: closed")
)

// State of the pairing pool.
type State string

const (
	StateAwaitingPeers State = "awaiting_peers"
	StateRelaying      State = "relaying"
)

type Config struct {
	Limits frame.Limits
}

func DefaultConfig() Config {
	return Config{Limits: frame.DefaultLimits()}
}

// Relay holds at most two connections. Once two are admitted every frame one
// side sends is written unmodified to the other. Any failure on either side
// closes both and empties the pool. A lone waiting connection that hangs up
// is dropped before it can be paired.
type Relay struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	pool     []*peer
	relaying bool
	closed   bool

	wg sync.WaitGroup
}

// peer is one admitted connection. reader is shared by the liveness watch and
// the pump so bytes sent before pairing are not lost.
type peer struct {
	conn    net.Conn
	reader  *bufio.Reader
	watched chan struct{}
}

func New(cfg Config) *Relay {
	if cfg.Limits.MaxPayloadBytes == 0 {
		cfg.Limits = frame.DefaultLimits()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{cfg: cfg, ctx: ctx, cancel: cancel}
}

// Serve accepts connections on ln until ctx ends or ln fails. The relay is
// closed when Serve returns.
func (r *Relay) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer ln.Close()
	go func() {
		<-ctx.Done()
		r.Close()
		_ = ln.Close()
	}()

	log.Info().Str("addr", ln.Addr().String()).Msg("relay listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if err := r.Admit(conn); err != nil {
			log.Warn().Str("remote", conn.RemoteAddr().String()).Err(err).Msg("relay peer rejected")
		}
	}
}

// Admit adds conn to the pool. A connection arriving while a pair is held is
// closed immediately.
func (r *Relay) Admit(conn net.Conn) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	if len(r.pool) >= 2 {
		r.mu.Unlock()
		_ = conn.Close()
		return ErrPairActive
	}
	p := &peer{conn: conn, reader: bufio.NewReader(conn)}
	r.pool = append(r.pool, p)
	log.Info().Str("remote", conn.RemoteAddr().String()).Int("pool", len(r.pool)).Msg("relay peer admitted")
	if len(r.pool) < 2 {
		p.watched = make(chan struct{})
		r.mu.Unlock()
		go r.watch(p)
		return nil
	}
	a, b := r.pool[0], r.pool[1]
	r.relaying = true
	r.wg.Add(1)
	r.mu.Unlock()

	observability.RecordRelayPair()
	go r.run(a, b)
	return nil
}

// watch drops p if it hangs up while waiting alone. It returns once p sends
// data or pairing interrupts it with a read deadline.
func (r *Relay) watch(p *peer) {
	defer close(p.watched)
	_, err := p.reader.Peek(1)
	if err == nil || errors.Is(err, os.ErrDeadlineExceeded) {
		return
	}
	r.mu.Lock()
	dropped := !r.relaying && len(r.pool) == 1 && r.pool[0] == p
	if dropped {
		r.pool = nil
	}
	r.mu.Unlock()
	if dropped {
		_ = p.conn.Close()
		log.Info().Str("remote", p.conn.RemoteAddr().String()).Err(err).Msg("waiting relay peer left")
	}
}

func (r *Relay) run(a, b *peer) {
	defer r.wg.Done()
	if a.watched != nil {
		_ = a.conn.SetReadDeadline(time.Now())
		<-a.watched
		_ = a.conn.SetReadDeadline(time.Time{})
	}
	log.Info().
		Str("a", a.conn.RemoteAddr().String()).
		Str("b", b.conn.RemoteAddr().String()).
		Msg("relay pair formed")

	g, ctx := errgroup.WithContext(r.ctx)
	g.Go(func() error { return r.pump(a, b.conn) })
	g.Go(func() error { return r.pump(b, a.conn) })
	g.Go(func() error {
		<-ctx.Done()
		_ = a.conn.Close()
		_ = b.conn.Close()
		return nil
	})
	err := g.Wait()

	r.mu.Lock()
	r.pool = nil
	r.relaying = false
	r.mu.Unlock()

	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		log.Warn().Err(err).Msg("relay pair torn down")
		return
	}
	log.Info().Msg("relay pair closed")
}

// pump always returns a non-nil error so the group tears the pair down.
func (r *Relay) pump(src *peer, dst net.Conn) error {
	for {
		f, err := frame.ReadFrame(src.reader, r.cfg.Limits)
		if err != nil {
			return err
		}
		if _, err := dst.Write(f.Bytes()); err != nil {
			return err
		}
		observability.RecordRelayFrame(len(f.Bytes()))
	}
}

func (r *Relay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.relaying {
		return StateRelaying
	}
	return StateAwaitingPeers
}

// Waiting reports how many connections are held.
func (r *Relay) Waiting() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pool)
}

// Close tears down any pair, drops a waiting peer and rejects new ones.
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	var waiting *peer
	if !r.relaying && len(r.pool) == 1 {
		waiting = r.pool[0]
		r.pool = nil
	}
	r.mu.Unlock()

	r.cancel()
	if waiting != nil {
		_ = waiting.conn.Close()
	}
	r.wg.Wait()
}
