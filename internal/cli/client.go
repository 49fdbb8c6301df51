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

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// apiClient is a thin JSON client for the daemon control API.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(opts *rootOptions) *apiClient {
	return &apiClient{
		base:  strings.TrimRight(opts.apiURL, "/"),
		token: opts.token,
		http:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *apiClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contacting daemon at %s: %w", c.base, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return err
	}
	if res.StatusCode >= http.StatusBadRequest {
		return apiError(res.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

// apiError extracts the daemon's error payload when present.
func apiError(status int, body []byte) error {
	var payload struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		if payload.Code != "" {
			return fmt.Errorf("%s (%s)", payload.Error, payload.Code)
		}
		return fmt.Errorf("%s", payload.Error)
	}
	return fmt.Errorf("daemon returned HTTP %d", status)
}
