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

// Package httputil has the response helpers shared by the control and
// public listeners.
package httputil

import (
	"encoding/json"
	"log/slog"
	"net/http"

	sberrors "github.com/tombee/switchboard/pkg/errors"
)

// WriteJSON writes a JSON response with the given status code and data.
// If encoding fails, it logs the error.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to write JSON response", slog.Any("error", err))
	}
}

// WriteError writes a JSON error response with the given status code
// and message.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{
		"error": message,
	})
}

// WriteTypedError maps a typed platform error onto its HTTP status and
// stable code. Admission errors carry their own status mapping; quota
// rejections include the resource and limit details the caller needs.
func WriteTypedError(w http.ResponseWriter, err error) {
	var adm *sberrors.AdmissionError
	if sberrors.As(err, &adm) {
		body := map[string]any{
			"error": adm.Error(),
			"code":  string(adm.Code),
		}
		if adm.Resource != "" {
			body["resource"] = adm.Resource
			body["current"] = adm.Current
			body["limit"] = adm.Limit
		}
		if adm.RetryAfter > 0 {
			body["retryAfterSeconds"] = int(adm.RetryAfter.Seconds())
		}
		WriteJSON(w, adm.HTTPStatus(), body)
		return
	}

	var verr *sberrors.ValidationError
	if sberrors.As(err, &verr) {
		body := map[string]any{
			"error": verr.Message,
			"field": verr.Field,
		}
		if verr.Suggestion != "" {
			body["suggestion"] = verr.Suggestion
		}
		WriteJSON(w, http.StatusBadRequest, body)
		return
	}

	var nf *sberrors.NotFoundError
	if sberrors.As(err, &nf) {
		WriteError(w, http.StatusNotFound, nf.Error())
		return
	}

	WriteError(w, http.StatusInternalServerError, "internal error")
}
