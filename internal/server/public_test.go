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
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/switchboard/internal/config"
	"github.com/tombee/switchboard/internal/store"
	"github.com/tombee/switchboard/internal/webhook"
)

type fakeIngestor struct {
	result *webhook.Result
	body   []byte
}

func (f *fakeIngestor) Ingest(_ context.Context, _ string, _ *http.Request, body []byte) (*webhook.Result, error) {
	f.body = body
	return f.result, nil
}

func newPublicFixture(result *webhook.Result, maxBody int64) (*PublicServer, *fakeIngestor) {
	ing := &fakeIngestor{result: result}
	srv := NewPublic(config.PublicAPIConfig{Enabled: true, Addr: "127.0.0.1:0"},
		ing, maxBody, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return srv, ing
}

func TestPublicWebhookAccepted(t *testing.T) {
	srv, ing := newPublicFixture(&webhook.Result{
		Status:     store.WebhookAccepted,
		HTTPStatus: http.StatusOK,
	}, 0)

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/hook-1", strings.NewReader(`{"a":1}`))
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"accepted"}`, rr.Body.String())
	assert.Equal(t, `{"a":1}`, string(ing.body))
}

func TestPublicWebhookRejectedCarriesReason(t *testing.T) {
	srv, _ := newPublicFixture(&webhook.Result{
		Status:     store.WebhookRejected,
		HTTPStatus: http.StatusUnauthorized,
		Reason:     webhook.ReasonSignatureMismatch,
	}, 0)

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/hook-1", strings.NewReader("{}"))
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Body.String(), "SIGNATURE_MISMATCH")
}

func TestPublicWebhookBodyLimit(t *testing.T) {
	srv, _ := newPublicFixture(&webhook.Result{
		Status:     store.WebhookAccepted,
		HTTPStatus: http.StatusOK,
	}, 16)

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/hook-1",
		strings.NewReader(strings.Repeat("x", 64)))
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestPublicHealth(t *testing.T) {
	srv, _ := newPublicFixture(nil, 0)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
}
