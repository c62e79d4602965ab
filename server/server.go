// Copyright 2020 The Nivlheim Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server wires the HTTP endpoints onto two listeners: the
// public one that clients talk to, possibly with its own TLS
// termination, and a worker listener bound to loopback for queue
// processing and metrics.
package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/unioslo/nivlheim"
	"github.com/unioslo/nivlheim/internal/enroll"
	"github.com/unioslo/nivlheim/internal/ingest"
	"github.com/unioslo/nivlheim/internal/reqinfo"
	"github.com/unioslo/nivlheim/internal/session"
)

const shutdownTimeout = 5 * time.Second

// Handlers bundles the components the server routes requests to.
type Handlers struct {
	Enroller *enroll.Enroller
	Guard    *session.Guard
	Ingestor *ingest.Ingestor
}

// Server runs the public and worker HTTP listeners.
type Server struct {
	cfg      *nivlheim.Config
	handlers Handlers
	log      *zap.Logger
}

// New creates a Server. The handlers must all be set.
func New(cfg *nivlheim.Config, h Handlers, logger *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		handlers: h,
		log:      logger.Named("server"),
	}
}

// Routes builds the public router. The /secure/ subtree requires a
// client certificate, matching what the front server enforces when it
// terminates TLS for us.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/reqcert", s.handlers.Enroller.HandleReqCert)
	r.Route("/secure", func(r chi.Router) {
		r.Use(requireClientCert)
		r.Get("/renewcert", s.handlers.Enroller.HandleRenewCert)
		r.Get("/ping", s.handlers.Guard.HandlePing)
		r.Post("/post", s.handlers.Ingestor.HandlePost)
	})
	return r
}

// WorkerRoutes builds the loopback-only router.
func (s *Server) WorkerRoutes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/processarchive", s.handlers.Ingestor.HandleProcess)
	r.Post("/processarchive", s.handlers.Ingestor.HandleProcess)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Run serves both listeners until ctx is canceled, then shuts them
// down gracefully. Leftover queue entries from a previous run are
// processed in the background once the listeners are up.
func (s *Server) Run(ctx context.Context) error {
	public := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(s.log),
	}
	worker := &http.Server{
		Addr:              s.cfg.WorkerListen,
		Handler:           s.WorkerRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(s.log),
	}

	tlsCfg, err := s.tlsConfig()
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ln, err := net.Listen("tcp", public.Addr)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", public.Addr, err)
		}
		if tlsCfg != nil {
			ln = tls.NewListener(ln, tlsCfg)
			s.log.Info("listening with TLS", zap.String("address", public.Addr))
		} else {
			s.log.Info("listening without TLS, expecting a front server",
				zap.String("address", public.Addr))
		}
		if err := public.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		s.log.Info("worker endpoint listening", zap.String("address", worker.Addr))
		if err := worker.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		s.handlers.Ingestor.ProcessQueue(ctx)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		s.log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		werr := worker.Shutdown(shutdownCtx)
		perr := public.Shutdown(shutdownCtx)
		if perr != nil {
			return perr
		}
		return werr
	})
	return g.Wait()
}

// tlsConfig builds the listener TLS setup, or returns nil when no
// certificate is configured and a front server terminates TLS.
// Client certificates are requested but not required here; the
// /secure/ subtree rejects requests that arrived without one.
func (s *Server) tlsConfig() (*tls.Config, error) {
	if s.cfg.TLS.CertFile == "" && s.cfg.TLS.KeyFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading server certificate: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		ClientAuth:   tls.VerifyClientCertIfGiven,
	}
	if s.cfg.TLS.ClientCAFile != "" {
		pem, err := os.ReadFile(s.cfg.TLS.ClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("loading client CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", s.cfg.TLS.ClientCAFile)
		}
		cfg.ClientCAs = pool
	}
	return cfg, nil
}

func requireClientCert(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cert, err := reqinfo.PeerCertificate(r)
		if err != nil || cert == nil {
			http.Error(w, "A valid client certificate is required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote", reqinfo.PeerIP(r)),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)))
	})
}
