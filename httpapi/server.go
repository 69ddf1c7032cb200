// Package httpapi implements the HTTP surface (C7): translation between
// wire JSON payloads and the core path generation, peek and verify calls.
// Handlers contain no business logic beyond request/response shaping.
package httpapi

import (
	"crypto/tls"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/linecaptcha/lineserver/config"
	"github.com/linecaptcha/lineserver/logger"
	"github.com/linecaptcha/lineserver/metrics"
	"github.com/linecaptcha/lineserver/peek"
	"github.com/linecaptcha/lineserver/store"
	"github.com/linecaptcha/lineserver/token"
	"github.com/linecaptcha/lineserver/verify"
)

// Server bundles the core components behind the four public endpoints.
type Server struct {
	Config  *config.Config
	Store   store.Store
	Signer  *token.Signer
	Peek    *peek.Oracle
	Verify  *verify.Engine
	Metrics *metrics.Metrics
	Logger  *logger.Logger
	Now     func() time.Time

	seedSource seedFunc
}

// seedFunc generates an opaque seed for a new challenge. Exposed as a field
// so tests can supply a deterministic sequence.
type seedFunc func() string

// New wires a Server from its components with a real wall-clock and a seed
// source of 16 random bytes, hex-encoded.
func New(cfg *config.Config, s store.Store, signer *token.Signer, m *metrics.Metrics, log *logger.Logger) *Server {
	return &Server{
		Config:     cfg,
		Store:      s,
		Signer:     signer,
		Peek:       peek.New(s, signer, cfg),
		Verify:     verify.New(s, signer, cfg),
		Metrics:    m,
		Logger:     log,
		Now:        time.Now,
		seedSource: randomSeed,
	}
}

// Handler returns the http.Handler implementing every endpoint, wrapped
// with compression and CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/captcha/line/new", s.handleNew)
	mux.HandleFunc("/captcha/line/peek", s.handlePeek)
	mux.HandleFunc("/captcha/line/verify", s.handleVerify)
	mux.HandleFunc("/health", s.handleHealth)

	return withCORS(withCompression(mux))
}

// ListenAndServe starts a plain-text server on the configured address, for
// deployments where TLS is terminated upstream. http2.ConfigureServer only
// takes effect over TLS, so clients of this listener speak HTTP/1.1 (h2c is
// not enabled); ListenAndServeTLS serves h2.
func (s *Server) ListenAndServe() error {
	srv := &http.Server{
		Addr:         s.Config.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	if err := http2.ConfigureServer(srv, &http2.Server{}); err != nil {
		return err
	}
	return srv.ListenAndServe()
}

// ListenAndServeTLS is the TLS counterpart of ListenAndServe, used when this
// process terminates TLS itself rather than behind a reverse proxy.
func (s *Server) ListenAndServeTLS(certFile, keyFile string) error {
	srv := &http.Server{
		Addr:         s.Config.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
		TLSConfig:    &tls.Config{MinVersion: tls.VersionTLS12},
	}
	if err := http2.ConfigureServer(srv, &http2.Server{}); err != nil {
		return err
	}
	return srv.ListenAndServeTLS(certFile, keyFile)
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
