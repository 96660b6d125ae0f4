package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"realtime-chat/internal/auth"
	"realtime-chat/internal/hub"
	"realtime-chat/internal/storage"
)

// Server defines fields used in HTTP processing
type Server struct {
	logger          *zap.SugaredLogger
	httpServer      *http.Server
	hub             *hub.Hub
	h               handler
	shutdownTimeout time.Duration
	afterShutdown   []func()
}

// NewServer wires the HTTP endpoints and the WebSocket gateway and returns a
// Server instance configured by the provided options
func NewServer(logger *zap.SugaredLogger, store *storage.Store, authSvc *auth.Service, verifier *auth.Verifier, h *hub.Hub, opts ...Option) (*Server, error) {
	srv := &Server{
		logger: logger,
		hub:    h,
		h: handler{
			logger:   logger,
			store:    store,
			authSvc:  authSvc,
			verifier: verifier,
			hub:      h,
			parsers:  parsers{},
		},
	}

	mux := http.NewServeMux()
	mux.Handle("/signup", enforcePOSTJSON(http.HandlerFunc(srv.h.signup)))
	mux.Handle("/login", enforcePOSTJSON(http.HandlerFunc(srv.h.login)))
	mux.Handle("/userChats", http.HandlerFunc(srv.h.userChats))
	mux.Handle("/ws", http.HandlerFunc(srv.h.serveWS))
	mux.Handle("/health", http.HandlerFunc(srv.h.health))

	cfg := &config{
		httpServer: &http.Server{
			Addr:    "0.0.0.0:4000",
			Handler: logRequest(mux, logger),
		},
		shutdownTimeout: 10 * time.Second,
	}

	for _, opt := range opts {
		opt.apply(cfg)
	}

	srv.httpServer = cfg.httpServer
	srv.shutdownTimeout = cfg.shutdownTimeout
	srv.afterShutdown = cfg.afterShutdown

	return srv, nil
}

// Start calls ListenAndServe on http.Server instance inside Server struct
// and implements graceful shutdown via goroutine waiting for signals
func (s *Server) Start() error {
	idleConnsClosed := make(chan struct{})

	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		s.logger.Info("Shutting down HTTP server")

		ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Errorf("srv.Shutdown: %v", err)
		}
		s.logger.Info("HTTP server is stopped")

		s.hub.Shutdown(ctx)

		close(idleConnsClosed)
	}()

	s.logger.Infof("Starting HTTP server on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("s.httpServer.ListenAndServe: %v", err)
	}

	<-idleConnsClosed

	s.logger.Info("Closing store")
	s.h.store.Close()
	s.logger.Info("Store is closed")

	for _, f := range s.afterShutdown {
		f()
	}

	return nil
}
