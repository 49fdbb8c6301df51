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
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestHelpEmitsCommandMetadataAsJSON(t *testing.T) {
	out, err := runCommand(t, "help", "validate", "--json")
	require.NoError(t, err)

	var resp struct {
		Command struct {
			Name  string `json:"name"`
			Usage string `json:"usage"`
		} `json:"command"`
		GlobalFlags []struct {
			Name string `json:"name"`
		} `json:"global_flags"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "validate", resp.Command.Name)
	assert.NotEmpty(t, resp.GlobalFlags)
}

func TestValidateAcceptsWellFormedGraph(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.json")
	graph := `{
		"nodes": [
			{"id": "t1", "type": "trigger.slack.message_posted"},
			{"id": "a1", "type": "action.slack.send_message"}
		],
		"edges": [{"source": "t1", "target": "a1"}]
	}`
	require.NoError(t, os.WriteFile(path, []byte(graph), 0o600))

	out, err := runCommand(t, "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "is valid")
}

func TestValidateRejectsGraphWithoutTrigger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.json")
	graph := `{
		"nodes": [{"id": "a1", "type": "action.slack.send_message"}],
		"edges": []
	}`
	require.NoError(t, os.WriteFile(path, []byte(graph), 0o600))

	_, err := runCommand(t, "validate", path)
	require.Error(t, err)
}

func TestInitWritesConfigNonInteractively(t *testing.T) {
	path := filepath.Join(t.TempDir(), "switchboard.yaml")

	_, err := runCommand(t, "init",
		"--output", path,
		"--listen", ":9090",
		"--store", "memory",
		"--queue", "memory",
		"--region", "eu")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var cfg map[string]any
	require.NoError(t, yaml.Unmarshal(data, &cfg))
	server, ok := cfg["server"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, ":9090", server["addr"])
	assert.Equal(t, "eu", cfg["default_organization_region"])
}

func TestInitRefusesOverwriteWithoutForce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "switchboard.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: :1\n"), 0o600))

	_, err := runCommand(t, "init", "--output", path)
	require.Error(t, err)

	_, err = runCommand(t, "init", "--output", path, "--force")
	require.NoError(t, err)
}

func TestTokenMintsVerifiableJWT(t *testing.T) {
	t.Setenv("SWITCHBOARD_JWT_SECRET", "cli-test-secret")

	out, err := runCommand(t, "token", "--org", "org-1", "--user", "user-1", "--role", "admin")
	require.NoError(t, err)

	raw := bytes.TrimSpace([]byte(out))
	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(string(raw), claims, func(*jwt.Token) (any, error) {
		return []byte("cli-test-secret"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims["sub"])
	assert.Equal(t, "org-1", claims["org_id"])
	assert.Equal(t, "admin", claims["role"])
}

func TestTokenRejectsUnknownRole(t *testing.T) {
	t.Setenv("SWITCHBOARD_JWT_SECRET", "cli-test-secret")

	_, err := runCommand(t, "token", "--org", "org-1", "--user", "user-1", "--role", "superuser")
	require.Error(t, err)
}

func TestStatusRendersHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health/app", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"status": "ok",
			"gitSha": "abc123",
			"time": "2026-08-25T00:00:00Z",
			"queue": {"healthy": true, "durable": true, "mode": "redis", "ready": 3}
		}`))
	}))
	defer srv.Close()

	out, err := runCommand(t, "status", "--api", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "abc123")
	assert.Contains(t, out, "redis")
	assert.Contains(t, out, "3 ready")
}

func TestConnectorsRendersTable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/connectors", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"connectors": [
			{"id": "slack", "name": "Slack", "version": "1.2.0",
			 "availability": "stable", "runtime": "native", "functions": 4}
		]}`))
	}))
	defer srv.Close()

	out, err := runCommand(t, "connectors", "--api", srv.URL, "--token", "tok")
	require.NoError(t, err)
	assert.Contains(t, out, "slack")
	assert.Contains(t, out, "stable")
}
