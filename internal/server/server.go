// Copyright 2026 Tom Barlow
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

// Package server is the HTTP surface: a JWT-authenticated control API
// and a separate unauthenticated public listener for webhook ingestion.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"github.com/tombee/switchboard/internal/config"
	"github.com/tombee/switchboard/internal/connector"
	"github.com/tombee/switchboard/internal/log"
	"github.com/tombee/switchboard/internal/queue"
	"github.com/tombee/switchboard/internal/quota"
	"github.com/tombee/switchboard/internal/registry"
	"github.com/tombee/switchboard/internal/store"
	"github.com/tombee/switchboard/pkg/workflow"
)

// Store is the persistence surface the control API needs.
type Store interface {
	SaveWorkflow(ctx context.Context, wf *store.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*store.Workflow, error)
	ListWorkflows(ctx context.Context, orgID string) ([]*store.Workflow, error)
	ListConnections(ctx context.Context, orgID, connectorID string) ([]*store.Connection, error)
	ListWebhookTriggers(ctx context.Context, orgID string) ([]*store.Trigger, error)
	GetTrigger(ctx context.Context, id string) (*store.Trigger, error)
	SetTriggerActive(ctx context.Context, id string, active bool) error
	DeleteTrigger(ctx context.Context, id string) error
	GetOrganization(ctx context.Context, id string) (*store.Organization, error)
	GetExecution(ctx context.Context, id string) (*workflow.ExecutionRecord, error)
}

// Enqueuer admits workflow runs onto the execution queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, req *queue.RunRequest) (string, error)
	Health(ctx context.Context) queue.Health
}

// Runner previews executions without side effects.
type Runner interface {
	DryRun(ctx context.Context, wf *store.Workflow, req *queue.RunRequest) (*workflow.ExecutionRecord, error)
}

// Connectors answers capability lookups.
type Connectors interface {
	ListConnectors(filter registry.Filter) []registry.Info
	Definition(connectorID string) (*connector.Definition, bool)
	FunctionByType(nodeType string) (registry.FunctionRef, bool)
}

// Exporter streams usage exports.
type Exporter interface {
	ExportUsage(ctx context.Context, req quota.ExportRequest, w io.Writer) error
}

// Auditor records administrative actions.
type Auditor interface {
	Record(ctx context.Context, orgID, actor, action, subject string, detail map[string]any)
}

// Deps are the services the control API fronts.
type Deps struct {
	Store      Store
	Queue      Enqueuer
	Runner     Runner
	Connectors Connectors
	Exporter   Exporter
	Audit      Auditor

	// Metrics serves GET /metrics when non-nil.
	Metrics http.Handler
}

// Server is the control API listener.
type Server struct {
	cfg      config.ServerConfig
	gitSHA   string
	deps     Deps
	logger   *slog.Logger
	auth     *authenticator
	validate *validator.Validate
	http     *http.Server
}

// New builds the control server.
func New(cfg config.ServerConfig, gitSHA string, deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		gitSHA:   gitSHA,
		deps:     deps,
		logger:   log.WithComponent(logger, "server"),
		auth:     &authenticator{cfg: cfg.Auth},
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	return s
}

// Handler builds the chi router. Exposed for httptest.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(s.cfg.CORS.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.CORS.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/health", s.handleHealth)
	r.Get("/health/app", s.handleLiveness)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(s.auth.middleware)

		r.Post("/workflows/validate", s.handleValidateWorkflow)
		r.Post("/flows/save", s.handleSaveFlow)
		r.Post("/executions", s.handleEnqueue)
		r.Post("/executions/dry-run", s.handleDryRun)
		r.Get("/executions/{id}", s.handleGetExecution)
		r.Get("/connectors", s.handleListConnectors)
		r.Get("/functions/{appId}", s.handleListFunctions)
		r.Get("/connections", s.handleListConnections)

		r.Group(func(r chi.Router) {
			r.Use(requireAdmin)
			r.Get("/webhooks/admin/listeners", s.handleListListeners)
			r.Post("/webhooks/admin/listeners/{id}/deactivate", s.handleDeactivateListener)
			r.Delete("/webhooks/admin/listeners/{id}", s.handleDeleteListener)
			r.Get("/usage/export", s.handleUsageExport)
		})
	})
	return r
}

// Run serves until the context is cancelled, then drains within the
// configured shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("control api listening", slog.String("addr", s.cfg.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
