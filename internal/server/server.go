// Package server exposes the accessories, the session registry and the
// health endpoints over HTTP/1.1 and, when TLS is configured, HTTP/3.
package server

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof on the default mux
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"github.com/zsiec/doorway/internal/config"
	"github.com/zsiec/doorway/internal/device"
	"github.com/zsiec/doorway/internal/errors"
	"github.com/zsiec/doorway/internal/health"
	"github.com/zsiec/doorway/internal/hub"
	"github.com/zsiec/doorway/internal/logger"
	"github.com/zsiec/doorway/internal/registry"
	"github.com/zsiec/doorway/internal/snapshot"
)

const (
	healthInterval = 30 * time.Second

	// defaultStreamAck bounds how long a stream request waits for the
	// controller's acknowledgement. A start is acknowledged once the
	// transcoder is ready.
	defaultStreamAck = 30 * time.Second
)

// Accessory is the part of a doorbell the API serves.
type Accessory interface {
	Name() string
	MotionDetected() bool
	Visitor() (snapshot.VisitorSnapshot, bool)
	Sessions() []string
	PrepareStream(ctx context.Context, req hub.PrepareRequest) (hub.PrepareResponse, error)
	HandleStreamRequest(req hub.StreamRequest, cb hub.StreamCallback)
	HandleSnapshotRequest(ctx context.Context, width, height int, cb hub.SnapshotCallback)
	HandleEvent(ev device.Event)
}

// Server is the doorway HTTP API.
type Server struct {
	config       *config.ServerConfig
	router       *mux.Router
	httpServer   *http.Server
	http3Server  *http3.Server
	logger       logger.Logger
	healthMgr    *health.Manager
	errorHandler *errors.ErrorHandler
	registry     registry.Registry
	streamAck    time.Duration

	accessories map[string]Accessory
	order       []string

	listenMu sync.Mutex
	addr     net.Addr
}

// New builds the server and its routes. Accessories are served in the
// order given.
func New(cfg *config.ServerConfig, log logger.Logger, healthMgr *health.Manager, reg registry.Registry, accessories []Accessory) *Server {
	log = logger.WithComponent(logger.OrNull(log), "server")
	if healthMgr == nil {
		healthMgr = health.NewManager(log)
	}

	s := &Server{
		config:       cfg,
		router:       mux.NewRouter(),
		logger:       log,
		healthMgr:    healthMgr,
		errorHandler: errors.NewErrorHandler(log),
		registry:     reg,
		streamAck:    defaultStreamAck,
		accessories:  make(map[string]Accessory, len(accessories)),
	}
	for _, a := range accessories {
		s.accessories[a.Name()] = a
		s.order = append(s.order, a.Name())
	}

	s.setupRoutes()
	return s
}

// Start serves until ctx is done or a listener fails.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.HTTPPort))
	if err != nil {
		return fmt.Errorf("failed to listen on HTTP port: %w", err)
	}
	s.listenMu.Lock()
	s.addr = ln.Addr()
	s.listenMu.Unlock()

	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	go s.healthMgr.StartPeriodicChecks(ctx, healthInterval)

	errCh := make(chan error, 2)

	if s.config.HTTP3Enabled() {
		if err := s.startHTTP3(errCh); err != nil {
			_ = ln.Close()
			return err
		}
	}

	s.logger.WithField("port", s.config.HTTPPort).Info("Starting HTTP server")
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		s.shutdown()
		return err
	case <-ctx.Done():
		return s.shutdown()
	}
}

func (s *Server) startHTTP3(errCh chan<- error) error {
	cert, err := tls.LoadX509KeyPair(s.config.TLSCertFile, s.config.TLSKeyFile)
	if err != nil {
		return fmt.Errorf("failed to load TLS certificates: %w", err)
	}

	s.http3Server = &http3.Server{
		Addr:    fmt.Sprintf(":%d", s.config.HTTP3Port),
		Handler: s.router,
		TLSConfig: http3.ConfigureTLSConfig(&tls.Config{
			MinVersion:   tls.VersionTLS13,
			Certificates: []tls.Certificate{cert},
		}),
		QUICConfig: &quic.Config{
			MaxIncomingStreams: s.config.MaxIncomingStreams,
			MaxIdleTimeout:     s.config.MaxIdleTimeout,
		},
	}

	s.logger.WithField("port", s.config.HTTP3Port).Info("Starting HTTP/3 server")
	go func() {
		if err := s.http3Server.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP/3 server: %w", err)
		}
	}()
	return nil
}

func (s *Server) shutdown() error {
	s.logger.Info("Shutting down HTTP servers")

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	var errs []error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP server: %w", err))
		}
	}
	// http3.Server has no graceful shutdown in this version.
	if s.http3Server != nil {
		if err := s.http3Server.Close(); err != nil {
			errs = append(errs, fmt.Errorf("HTTP/3 server: %w", err))
		}
	}

	if err := stderrors.Join(errs...); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	s.logger.Info("HTTP servers shutdown complete")
	return nil
}

// Addr returns the bound HTTP address once Start is listening.
func (s *Server) Addr() net.Addr {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	return s.addr
}

// RegisterRoutes adds route handlers to the router.
func (s *Server) RegisterRoutes(register func(*mux.Router)) {
	register(s.router)
}

// Handler returns the routed handler with all middleware.
func (s *Server) Handler() http.Handler {
	return s.router
}
