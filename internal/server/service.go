package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const shutdownGrace = 5 * time.Second

// Run listens on the configured addresses and blocks until ctx ends or a
// listener fails.
func (s *Server) Run(ctx context.Context) error {
	if err := s.cfg.Session.ValidateServerTransport(); err != nil {
		return err
	}
	ln, err := s.listen()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Serve(gctx, ln)
	})
	if addr := strings.TrimSpace(s.cfg.RelayAddr); addr != "" {
		rln, err := net.Listen("tcp", addr)
		if err != nil {
			_ = ln.Close()
			return err
		}
		g.Go(func() error {
			return s.relay.Serve(gctx, rln)
		})
	}
	return g.Wait()
}

// Serve handles HTTP and WebSocket traffic on ln until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		// Hijacked WebSocket connections are not closed by Shutdown.
		s.closeAllConns()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http shutdown")
		}
	}()

	log.Info().
		Str("addr", ln.Addr().String()).
		Str("server", s.cfg.ServerName).
		Str("version", s.cfg.Version).
		Bool("auth", s.cfg.APIKey != "").
		Bool("tls", s.cfg.Session.TLS.Enabled).
		Msg("relay server listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) listen() (net.Listener, error) {
	if !s.cfg.Session.TLS.Enabled {
		return net.Listen("tcp", s.cfg.Addr)
	}
	tlsCfg, err := s.serverTLSConfig()
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", s.cfg.Addr, tlsCfg)
}

func (s *Server) serverTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(s.cfg.Session.TLS.CertFile, s.cfg.Session.TLS.KeyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}, nil
}
