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

package registry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tombee/switchboard/internal/connector"
)

func writeManifest(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

const slackManifest = `{
  "id": "slack",
  "name": "Slack",
  "availability": "stable",
  "tier": "free",
  "baseUrl": "https://slack.com/api",
  "auth": {"type": "bearer"},
  "functions": [
    {"id": "send_message", "role": "action", "endpoint": {"method": "POST", "path": "/chat.postMessage"}},
    {"id": "new_message", "role": "trigger", "dedupeKey": "ts", "endpoint": {"method": "GET", "path": "/conversations.history"}}
  ]
}`

const salesforceManifest = `{
  "id": "salesforce",
  "name": "Salesforce",
  "availability": "stable",
  "tier": "enterprise",
  "baseUrl": "https://login.salesforce.com",
  "auth": {"type": "oauth2"},
  "functions": [
    {"id": "create_lead", "role": "action", "endpoint": {"method": "POST", "path": "/services/data/leads"}}
  ]
}`

// aspirational: declares stable but has no baseUrl and no client.
const vaporManifest = `{
  "id": "vaporware",
  "name": "Vaporware",
  "availability": "stable",
  "functions": []
}`

func newTestRegistry(t *testing.T, dir string) *Registry {
	t.Helper()
	r, err := New(Options{Dir: dir, GenericEnabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return r
}

func TestRegistry_LoadAndLookup(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "slack.json", slackManifest)

	r := newTestRegistry(t, dir)
	if err := r.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	ref, ok := r.FunctionByType("action.slack.send_message")
	if !ok {
		t.Fatal("FunctionByType(action.slack.send_message) not found")
	}
	if ref.ConnectorID != "slack" || ref.Function.ID != "send_message" {
		t.Errorf("ref = %+v", ref)
	}

	if _, ok := r.FunctionByType("trigger.slack.new_message"); !ok {
		t.Error("trigger node type not indexed")
	}
	if _, ok := r.FunctionByType("action.slack.missing"); ok {
		t.Error("unknown function resolved")
	}
}

func TestRegistry_AutoRegistersGenericClient(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "slack.json", slackManifest)

	r := newTestRegistry(t, dir)
	if err := r.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	ctor, ok := r.APIClient("slack")
	if !ok {
		t.Fatal("APIClient(slack) not available for stable baseUrl connector")
	}
	client, err := ctor(connector.Bundle{"token": "t"})
	if err != nil {
		t.Fatalf("constructor error = %v", err)
	}
	if client == nil {
		t.Fatal("constructor returned nil client")
	}
	if rt := r.RuntimeFor("slack"); rt != RuntimeFallback {
		t.Errorf("RuntimeFor(slack) = %s, want %s", rt, RuntimeFallback)
	}
}

func TestRegistry_StartupParityFatal(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "vapor.json", vaporManifest)

	r := newTestRegistry(t, dir)
	err := r.Load()
	if err == nil {
		t.Fatal("Load() accepted a stable manifest without any client")
	}
	if !strings.Contains(err.Error(), "vaporware") {
		t.Errorf("parity error does not list offender: %v", err)
	}
}

func TestRegistry_ReloadDowngradesInsteadOfFailing(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "slack.json", slackManifest)

	r := newTestRegistry(t, dir)
	if err := r.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Manifest drift after startup: stable declared, no client possible.
	writeManifest(t, dir, "vapor.json", vaporManifest)
	if err := r.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	infos := r.ListConnectors(Filter{})
	var vapor *Info
	for i := range infos {
		if infos[i].ID == "vaporware" {
			vapor = &infos[i]
		}
	}
	if vapor == nil {
		t.Fatal("reloaded manifest missing from listing")
	}
	if vapor.Availability != connector.AvailabilityExperimental {
		t.Errorf("resolved availability = %s, want experimental downgrade", vapor.Availability)
	}
	if vapor.Declared != connector.AvailabilityStable {
		t.Errorf("declared availability = %s, want stable", vapor.Declared)
	}
	if _, ok := r.APIClient("vaporware"); ok {
		t.Error("APIClient available for downgraded connector")
	}
}

func TestRegistry_TierGating(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "slack.json", slackManifest)
	writeManifest(t, dir, "salesforce.json", salesforceManifest)

	r := newTestRegistry(t, dir)
	if err := r.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	free := r.ListConnectors(Filter{Plan: "free"})
	if len(free) != 1 || free[0].ID != "slack" {
		t.Errorf("free plan listing = %+v, want slack only", free)
	}

	enterprise := r.ListConnectors(Filter{Plan: "enterprise"})
	if len(enterprise) != 2 {
		t.Errorf("enterprise plan listing = %d connectors, want 2", len(enterprise))
	}

	// Per-org override grants access regardless of tier.
	overridden := r.ListConnectors(Filter{Plan: "free", Overrides: map[string]bool{"salesforce": true}})
	if len(overridden) != 2 {
		t.Errorf("override listing = %d connectors, want 2", len(overridden))
	}

	// pro and professional rank equally.
	pro := r.ListConnectors(Filter{Plan: "pro"})
	professional := r.ListConnectors(Filter{Plan: "professional"})
	if len(pro) != len(professional) {
		t.Errorf("pro = %d, professional = %d, want equal", len(pro), len(professional))
	}
}

func TestRegistry_HiddenConnectors(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "internal.json", `{
	  "id": "internal_tools",
	  "name": "Internal Tools",
	  "availability": "beta",
	  "hidden": true,
	  "baseUrl": "https://internal.example.com",
	  "functions": [{"id": "ping", "endpoint": {"method": "GET", "path": "/ping"}}]
	}`)

	r := newTestRegistry(t, dir)
	if err := r.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if got := r.ListConnectors(Filter{}); len(got) != 0 {
		t.Errorf("hidden connector listed: %+v", got)
	}
	if got := r.ListConnectors(Filter{IncludeHidden: true}); len(got) != 1 {
		t.Errorf("IncludeHidden listing = %d, want 1", len(got))
	}
}

func TestRegistry_SchemaRejectsBadManifest(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "bad.json", `{"id": "UPPER", "name": "Bad"}`)

	r := newTestRegistry(t, dir)
	if err := r.Load(); err == nil {
		t.Error("Load() accepted manifest violating the schema")
	}
}

func TestRegistry_NativeClientWins(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "slack.json", slackManifest)

	r := newTestRegistry(t, dir)
	native := func(bundle connector.Bundle) (connector.Client, error) { return nil, nil }
	r.RegisterClient("slack", native)
	if err := r.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if rt := r.RuntimeFor("slack"); rt != RuntimeNative {
		t.Errorf("RuntimeFor(slack) = %s, want native", rt)
	}
	if _, ok := r.APIClient("slack"); !ok {
		t.Error("APIClient(slack) unavailable despite native binding")
	}
}

func TestRegistry_NodeCatalogOrdering(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "slack.json", slackManifest)
	writeManifest(t, dir, "beta.json", `{
	  "id": "drafty",
	  "name": "Drafty",
	  "availability": "beta",
	  "functions": [{"id": "draft", "endpoint": {"method": "POST", "path": "/draft"}}]
	}`)

	r := newTestRegistry(t, dir)
	if err := r.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	catalog := r.NodeCatalog()
	if len(catalog) != 2 {
		t.Fatalf("catalog size = %d, want 2", len(catalog))
	}
	// slack executes (fallback runtime); drafty has no path and sorts last.
	if catalog[0].ID != "slack" {
		t.Errorf("catalog[0] = %s, want slack (implementation first)", catalog[0].ID)
	}
	if len(catalog[0].Actions) != 1 || len(catalog[0].Triggers) != 1 {
		t.Errorf("slack catalog split = %d actions %d triggers", len(catalog[0].Actions), len(catalog[0].Triggers))
	}
	if catalog[0].Actions[0].Type != "action.slack.send_message" {
		t.Errorf("catalog type = %q", catalog[0].Actions[0].Type)
	}
}

func TestRegistry_AppsScriptGating(t *testing.T) {
	manifest := `{
	  "id": "sheets",
	  "name": "Google Sheets",
	  "availability": "beta",
	  "appsScript": true,
	  "functions": [{"id": "append_row", "endpoint": {"method": "POST", "path": "/append"}}]
	}`

	dir := t.TempDir()
	writeManifest(t, dir, "sheets.json", manifest)

	disabled := newTestRegistry(t, dir)
	if err := disabled.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if rt := disabled.RuntimeFor("sheets"); rt != RuntimeUnavailable {
		t.Errorf("RuntimeFor(sheets) without flag = %s, want unavailable", rt)
	}

	enabled, err := New(Options{Dir: dir, AppsScriptFlags: map[string]bool{"sheets": true}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := enabled.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if rt := enabled.RuntimeFor("sheets"); rt != RuntimeNative {
		t.Errorf("RuntimeFor(sheets) with flag = %s, want native", rt)
	}
}
