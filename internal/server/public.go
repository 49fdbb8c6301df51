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

	"github.com/tombee/switchboard/internal/config"
	"github.com/tombee/switchboard/internal/log"
	"github.com/tombee/switchboard/internal/server/httputil"
	"github.com/tombee/switchboard/internal/webhook"
)

// defaultMaxWebhookBody bounds webhook payloads when the limit is not
// configured.
const defaultMaxWebhookBody = 1 << 20

// Ingestor processes webhook deliveries.
type Ingestor interface {
	Ingest(ctx context.Context, webhookID string, r *http.Request, body []byte) (*webhook.Result, error)
}

// PublicServer is the unauthenticated webhook listener. It runs on its
// own port so the control API can sit behind stricter network policy.
type PublicServer struct {
	cfg      config.PublicAPIConfig
	ingestor Ingestor
	logger   *slog.Logger
	maxBody  int64
	http     *http.Server
}

// NewPublic builds the public listener.
func NewPublic(cfg config.PublicAPIConfig, ingestor Ingestor, maxBody int64, logger *slog.Logger) *PublicServer {
	if maxBody <= 0 {
		maxBody = defaultMaxWebhookBody
	}
	s := &PublicServer{
		cfg:      cfg,
		ingestor: ingestor,
		logger:   log.WithComponent(logger, "public"),
		maxBody:  maxBody,
	}
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the public router. Exposed for httptest.
func (s *PublicServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/api/webhooks/{webhookId}", s.handleWebhook)
	return r
}

func (s *PublicServer) handleWebhook(w http.ResponseWriter, r *http.Request) {
	webhookID := chi.URLParam(r, "webhookId")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		httputil.WriteError(w, http.StatusBadRequest, "reading body failed")
		return
	}

	res, err := s.ingestor.Ingest(r.Context(), webhookID, r, body)
	if err != nil {
		s.logger.Error("webhook ingestion failed",
			slog.String(log.WebhookIDKey, webhookID), log.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}

	payload := map[string]any{"status": res.Status}
	if res.Reason != "" {
		payload["reason"] = string(res.Reason)
	}
	httputil.WriteJSON(w, res.HTTPStatus, payload)
}

// Run serves until the context is cancelled.
func (s *PublicServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("public listener listening", slog.String("addr", s.cfg.Addr))
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
