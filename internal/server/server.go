/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/loqalabs/loqa-voice/internal/api"
	"github.com/loqalabs/loqa-voice/internal/assets"
	"github.com/loqalabs/loqa-voice/internal/auth"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/delivery"
	"github.com/loqalabs/loqa-voice/internal/engine"
	"github.com/loqalabs/loqa-voice/internal/health"
	"github.com/loqalabs/loqa-voice/internal/logging"
	"github.com/loqalabs/loqa-voice/internal/mailer"
	"github.com/loqalabs/loqa-voice/internal/messaging"
	"github.com/loqalabs/loqa-voice/internal/registry"
	"github.com/loqalabs/loqa-voice/internal/storage"
	"github.com/loqalabs/loqa-voice/internal/synthesis"
	"github.com/loqalabs/loqa-voice/internal/transcode"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

// Options overrides external collaborators. Nil fields use the
// implementations built from the configuration.
type Options struct {
	Synthesizer engine.Synthesizer
	Transcoder  transcode.Transcoder
	Mailer      mailer.Transport
}

// Server is the HTTP front of the voice pipeline
type Server struct {
	cfg    *config.Config
	router chi.Router
	server *http.Server

	db           *storage.Database
	nats         *messaging.NATSService
	orchestrator *synthesis.Orchestrator
	ffmpeg       *transcode.FFmpeg
	monitor      *health.Monitor

	// Server context for background checks
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a server from the configuration
func New(cfg *config.Config) (*Server, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a server with the given collaborators
func NewWithOptions(cfg *config.Config, opts Options) (*Server, error) {
	db, err := storage.NewDatabase(storage.DatabaseConfig{Path: cfg.Storage.DBPath})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{cfg: cfg, db: db, ctx: ctx, cancel: cancel}
	if err := s.configureComponents(opts); err != nil {
		cancel()
		if s.orchestrator != nil {
			s.orchestrator.Close()
		}
		if s.nats != nil {
			s.nats.Close()
		}
		_ = db.Close()
		return nil, err
	}

	s.server = &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// configureComponents builds the services and the router
func (s *Server) configureComponents(opts Options) error {
	assetStore, err := assets.NewStore(assets.Config{
		StagingDir: s.cfg.Storage.StagingDir,
		VoicesDir:  s.cfg.Storage.VoicesDir,
		OutputsDir: s.cfg.Storage.OutputsDir,
	})
	if err != nil {
		return fmt.Errorf("failed to prepare storage roots: %w", err)
	}

	events := s.connectEvents()

	synthesizer := opts.Synthesizer
	if synthesizer == nil {
		client, err := engine.NewClient(s.cfg.Engine)
		if err != nil {
			return fmt.Errorf("failed to create synthesis engine client: %w", err)
		}
		synthesizer = client
	}

	s.ffmpeg = transcode.NewFFmpeg(s.cfg.Transcode)
	transcoder := opts.Transcoder
	if transcoder == nil {
		if !s.ffmpeg.Available() {
			logging.LogWarn("ffmpeg not found, format conversion will fail",
				zap.String("ffmpeg_path", s.cfg.Transcode.FFmpegPath))
		}
		transcoder = s.ffmpeg
	}

	mail := opts.Mailer
	if mail == nil {
		mail = mailer.New(s.cfg.Mail)
	}

	models := registry.New(storage.NewVoiceModelsStore(s.db), assetStore, transcoder, events)
	s.orchestrator = synthesis.New(synthesis.Config{
		PublicBaseURL: s.cfg.Server.PublicBaseURL,
		DefaultVoices: s.cfg.Engine.DefaultVoices,
	}, models, synthesizer, storage.NewSynthesisRecordsStore(s.db), events)

	handler, err := api.New(api.Options{
		Registry:         models,
		Synthesis:        s.orchestrator,
		Delivery:         delivery.New(assetStore, transcoder, mail),
		Assets:           assetStore,
		MaxUploadBytes:   s.cfg.Server.MaxUploadBytes,
		ConvertPerMinute: s.cfg.RateLimit.ConvertPerMinute,
		ConvertBurst:     s.cfg.RateLimit.ConvertBurst,
		Debug:            s.cfg.Server.Debug,
	})
	if err != nil {
		return err
	}

	s.monitor = health.NewMonitor(health.Probes{
		Database:   s.db,
		EngineURL:  s.cfg.Engine.URL,
		Events:     s.eventsConnected,
		Transcoder: s.ffmpeg.Available,
	})
	s.monitor.SetDegradationCallback(s.handleDegradation)

	s.routes(handler, auth.NewVerifier(s.cfg.Auth.JWTSecret))

	logging.Sugar.Infow("🔧 Components configured",
		"engine_url", s.cfg.Engine.URL,
		"voices_dir", s.cfg.Storage.VoicesDir,
		"outputs_dir", s.cfg.Storage.OutputsDir,
		"mail_enabled", s.cfg.Mail.Enabled(),
		"nats_url", s.cfg.NATS.URL)
	return nil
}

// connectEvents returns the NATS publisher, or a no-op publisher when NATS
// is not configured or unreachable
func (s *Server) connectEvents() messaging.Publisher {
	if s.cfg.NATS.URL == "" {
		return messaging.NoopPublisher{}
	}

	ns := messaging.NewNATSService(s.cfg.NATS)
	if err := ns.Connect(); err != nil {
		logging.LogWarn("Event publishing disabled", zap.Error(err))
		return messaging.NoopPublisher{}
	}

	s.nats = ns
	return ns
}

func (s *Server) eventsConnected() bool {
	return s.nats != nil && s.nats.IsConnected()
}

// routes sets up HTTP routing
func (s *Server) routes(handler *api.Handler, verifier *auth.Verifier) {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	handler.AttachPublic(r)

	r.Route("/api", func(r chi.Router) {
		r.Use(verifier.Middleware)
		handler.Attach(r)
	})

	s.router = r
}

// Start serves HTTP until Stop is called
func (s *Server) Start() error {
	go s.monitor.Start(s.ctx)

	logging.Sugar.Infow("🚀 Loqa Voice starting",
		"addr", s.server.Addr,
		"public_base_url", s.cfg.Server.PublicBaseURL)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server and releases its resources
func (s *Server) Stop() error {
	logging.Sugar.Infow("🛑 Shutting down Loqa Voice")

	// Stop background checks
	s.cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown failed: %w", err))
	}

	// Record writes still in flight belong to requests already answered
	s.orchestrator.Close()

	if s.nats != nil {
		s.nats.Close()
	}

	if err := s.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("database close failed: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}

	logging.Sugar.Infow("✅ Loqa Voice shut down successfully")
	return nil
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleHealth reports liveness, database reachability and the last
// dependency check
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := s.monitor.Status()
	if status.CheckedAt.IsZero() {
		status = s.monitor.Check(ctx)
	}

	body := map[string]interface{}{
		"status":     "ok",
		"timestamp":  time.Now().UTC(),
		"database":   "ok",
		"engine":     status.Dependencies.Engine,
		"events":     s.eventsConnected(),
		"transcoder": s.ffmpeg.Available(),
		"degraded":   status.Degraded,
		"runtime":    status.Runtime,
		"checked_at": status.CheckedAt,
	}
	if status.Degraded {
		body["degradation_reason"] = status.Reason
	}

	code := http.StatusOK
	if err := s.db.Ping(ctx); err != nil {
		body["status"] = "degraded"
		body["database"] = "unreachable"
		code = http.StatusServiceUnavailable
		logging.LogError(err, "Health check database ping failed")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.LogError(err, "Failed to write health response")
	}
}

// handleDegradation handles a dependency becoming unavailable
func (s *Server) handleDegradation(reason string) {
	logging.Sugar.Warnw("⚠️ Voice pipeline degraded",
		"reason", reason)
}

// requestLogger logs one line per request
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		startTime := time.Now()

		next.ServeHTTP(ww, r)

		logging.LogHTTPRequest(r.Method, r.URL.Path, ww.Status(),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(startTime)),
		)
	})
}
