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
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/tombee/switchboard/internal/connector"
	"github.com/tombee/switchboard/internal/log"
	"github.com/tombee/switchboard/internal/store"
)

// Runtime describes how a connector's functions execute.
type Runtime string

const (
	// RuntimeNative means a Go client (or an enabled Apps Script
	// bridge) is bound for the connector.
	RuntimeNative Runtime = "native"

	// RuntimeFallback means the generic HTTP client serves the
	// connector from its manifest endpoints.
	RuntimeFallback Runtime = "fallback"

	// RuntimeUnavailable means no execution path exists.
	RuntimeUnavailable Runtime = "unavailable"
)

// Options configures a Registry.
type Options struct {
	// Dir is the connectors directory searched for *.json manifests.
	Dir string

	// GenericEnabled allows auto-binding manifest-only connectors to
	// the generic HTTP client.
	GenericEnabled bool

	// AppsScriptFlags enables Apps Script bridge connectors per id.
	AppsScriptFlags map[string]bool

	// Client settings forwarded to generic client construction.
	ClientTimeout    time.Duration
	MaxResponseBytes int64
	BlockedHosts     []string
	Recorder         connector.Recorder

	Logger *slog.Logger
}

// FunctionRef resolves a node type string to its declaration.
type FunctionRef struct {
	Type        string
	ConnectorID string
	Function    *connector.FunctionSpec
	Definition  *connector.Definition
}

// Info is a listing row for one connector.
type Info struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Description  string                 `json:"description,omitempty"`
	Version      string                 `json:"version,omitempty"`
	Availability connector.Availability `json:"availability"`
	Declared     connector.Availability `json:"declaredAvailability,omitempty"`
	Tier         string                 `json:"tier,omitempty"`
	Hidden       bool                   `json:"hidden,omitempty"`
	Categories   []string               `json:"categories,omitempty"`
	Runtime      Runtime                `json:"runtime"`
	Functions    int                    `json:"functions"`
}

// Filter narrows ListConnectors output for one caller.
type Filter struct {
	// Plan is the caller organization's pricing tier. Empty means no
	// tier gating (operator listings).
	Plan string

	// Overrides grants access to specific connectors regardless of
	// tier, keyed by connector id.
	Overrides map[string]bool

	// IncludeHidden includes connectors flagged hidden.
	IncludeHidden bool

	// Availabilities restricts results when non-empty.
	Availabilities []connector.Availability
}

type entry struct {
	def      *connector.Definition
	declared connector.Availability
	resolved connector.Availability
	runtime  Runtime
	source   string
}

// Registry loads connector manifests and answers capability lookups.
type Registry struct {
	opts   Options
	logger *slog.Logger
	schema *jsonschema.Schema

	mu        sync.RWMutex
	entries   map[string]*entry
	functions map[string]FunctionRef
	natives   map[string]connector.Constructor

	watcher *watcher
}

// New builds an empty registry. Call RegisterClient for native
// bindings, then Load.
func New(opts Options) (*Registry, error) {
	schema, err := compileManifestSchema()
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		opts:      opts,
		logger:    log.WithComponent(logger, "registry"),
		schema:    schema,
		entries:   make(map[string]*entry),
		functions: make(map[string]FunctionRef),
		natives:   make(map[string]connector.Constructor),
	}, nil
}

// RegisterClient binds a native client constructor to a connector id.
// Bindings must be registered before Load for parity checking.
func (r *Registry) RegisterClient(connectorID string, ctor connector.Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.natives[connectorID] = ctor
}

// Load reads every manifest and replaces the registry state. Startup
// semantics: a manifest that declares stable availability without a
// client binding is fatal, with every offender listed.
func (r *Registry) Load() error {
	return r.load(true)
}

// Reload re-reads manifests without the fatal parity rule; offenders
// are downgraded and logged so a running daemon survives manifest
// drift. A diff summary is logged.
func (r *Registry) Reload() error {
	return r.load(false)
}

func (r *Registry) load(strict bool) error {
	paths, err := doublestar.FilepathGlob(filepath.Join(r.opts.Dir, "**", "*.json"))
	if err != nil {
		return fmt.Errorf("glob connectors dir %s: %w", r.opts.Dir, err)
	}
	sort.Strings(paths)

	defs := make(map[string]*entry, len(paths))
	var parityViolations []string

	for _, path := range paths {
		def, err := r.loadManifest(path)
		if err != nil {
			if strict {
				return err
			}
			r.logger.Warn("skipping invalid connector manifest", log.String("path", path), log.Error(err))
			continue
		}

		if existing, dup := defs[def.ID]; dup {
			err := fmt.Errorf("connector id %q declared by both %s and %s", def.ID, existing.source, path)
			if strict {
				return err
			}
			r.logger.Warn("skipping duplicate connector manifest", log.Error(err))
			continue
		}

		e := r.resolve(def, path)
		if e.declared == connector.AvailabilityStable && !r.hasClient(def) {
			parityViolations = append(parityViolations, fmt.Sprintf("%s (%s)", def.ID, path))
		}
		defs[def.ID] = e
	}

	if strict && len(parityViolations) > 0 {
		sort.Strings(parityViolations)
		return fmt.Errorf("connectors declared stable without a bound client: %s", strings.Join(parityViolations, ", "))
	}

	functions := make(map[string]FunctionRef)
	for _, e := range defs {
		for i := range e.def.Functions {
			fn := &e.def.Functions[i]
			nodeType := e.def.FunctionType(fn)
			functions[nodeType] = FunctionRef{
				Type:        nodeType,
				ConnectorID: e.def.ID,
				Function:    fn,
				Definition:  e.def,
			}
		}
	}

	r.mu.Lock()
	previous := r.entries
	r.entries = defs
	r.functions = functions
	r.mu.Unlock()

	if !strict {
		r.logDiff(previous, defs)
	}
	r.logger.Info("connector manifests loaded",
		log.Int("connectors", len(defs)),
		log.Int("functions", len(functions)))
	return nil
}

func (r *Registry) loadManifest(path string) (*connector.Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("manifest %s is not valid JSON: %w", path, err)
	}
	if err := r.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("manifest %s failed schema validation: %w", path, err)
	}

	var def connector.Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", path, err)
	}
	if def.Availability == "" {
		def.Availability = connector.AvailabilityExperimental
	}
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return &def, nil
}

// hasClient reports whether any execution path exists for def.
func (r *Registry) hasClient(def *connector.Definition) bool {
	r.mu.RLock()
	_, native := r.natives[def.ID]
	r.mu.RUnlock()
	if native {
		return true
	}
	if def.AppsScript && r.opts.AppsScriptFlags[def.ID] {
		return true
	}
	return r.opts.GenericEnabled && def.SupportsGenericClient()
}

// resolve computes effective availability and runtime for a manifest.
// No client caps availability at experimental whatever was declared.
func (r *Registry) resolve(def *connector.Definition, source string) *entry {
	declared := def.Availability

	r.mu.RLock()
	_, native := r.natives[def.ID]
	r.mu.RUnlock()

	runtime := RuntimeUnavailable
	switch {
	case native:
		runtime = RuntimeNative
	case def.AppsScript && r.opts.AppsScriptFlags[def.ID]:
		runtime = RuntimeNative
	case r.opts.GenericEnabled && def.SupportsGenericClient():
		runtime = RuntimeFallback
	}

	resolved := declared
	if runtime == RuntimeUnavailable {
		switch declared {
		case connector.AvailabilityStable, connector.AvailabilityBeta:
			resolved = connector.AvailabilityExperimental
		}
	}

	return &entry{
		def:      def,
		declared: declared,
		resolved: resolved,
		runtime:  runtime,
		source:   source,
	}
}

// availabilityOrder ranks implementation status for catalog ordering.
var availabilityOrder = map[connector.Availability]int{
	connector.AvailabilityStable:       0,
	connector.AvailabilityBeta:         1,
	connector.AvailabilityExperimental: 2,
	connector.AvailabilityDeprecated:   3,
}

// ListConnectors returns listing rows after availability, hidden, and
// tier filtering.
func (r *Registry) ListConnectors(filter Filter) []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Info
	for _, e := range r.entries {
		if e.def.Hidden && !filter.IncludeHidden {
			continue
		}
		if len(filter.Availabilities) > 0 && !containsAvailability(filter.Availabilities, e.resolved) {
			continue
		}
		if filter.Plan != "" && !tierAllows(filter.Plan, e.def.Tier, filter.Overrides[e.def.ID]) {
			continue
		}
		out = append(out, Info{
			ID:           e.def.ID,
			Name:         e.def.Name,
			Description:  e.def.Description,
			Version:      e.def.Version,
			Availability: e.resolved,
			Declared:     e.declared,
			Tier:         e.def.Tier,
			Hidden:       e.def.Hidden,
			Categories:   e.def.Categories,
			Runtime:      e.runtime,
			Functions:    len(e.def.Functions),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if availabilityOrder[out[i].Availability] != availabilityOrder[out[j].Availability] {
			return availabilityOrder[out[i].Availability] < availabilityOrder[out[j].Availability]
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// tierAllows gates a connector tier against an organization plan. An
// explicit per-org override always grants access, as does a connector
// with no declared tier.
func tierAllows(plan, tier string, override bool) bool {
	if override || tier == "" {
		return true
	}
	tierRank, known := store.PlanRank(tier)
	if !known {
		return true
	}
	planRank, known := store.PlanRank(plan)
	if !known {
		planRank = 0
	}
	return planRank >= tierRank
}

func containsAvailability(haystack []connector.Availability, needle connector.Availability) bool {
	for _, a := range haystack {
		if a == needle {
			return true
		}
	}
	return false
}

// APIClient returns a client constructor only for connectors whose
// resolved availability is stable. Workflow execution paths that may
// run beta connectors use ClientFor instead.
func (r *Registry) APIClient(connectorID string) (connector.Constructor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[connectorID]
	if !ok || e.resolved != connector.AvailabilityStable {
		return nil, false
	}
	return r.constructorLocked(e)
}

// ClientFor returns the execution path for a connector at any
// availability, with the runtime kind.
func (r *Registry) ClientFor(connectorID string) (connector.Constructor, Runtime, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[connectorID]
	if !ok {
		return nil, RuntimeUnavailable, fmt.Errorf("connector %q is not registered", connectorID)
	}
	ctor, bound := r.constructorLocked(e)
	if !bound {
		return nil, RuntimeUnavailable, fmt.Errorf("connector %q has no execution path", connectorID)
	}
	return ctor, e.runtime, nil
}

func (r *Registry) constructorLocked(e *entry) (connector.Constructor, bool) {
	if ctor, ok := r.natives[e.def.ID]; ok {
		return ctor, true
	}
	if e.runtime == RuntimeFallback || (e.runtime == RuntimeNative && e.def.AppsScript) {
		def := e.def
		opts := connector.GenericOptions{
			Timeout:          r.opts.ClientTimeout,
			MaxResponseBytes: r.opts.MaxResponseBytes,
			BlockedHosts:     r.opts.BlockedHosts,
			Recorder:         r.opts.Recorder,
			Logger:           r.logger,
		}
		return func(bundle connector.Bundle) (connector.Client, error) {
			return connector.NewGenericClient(def, bundle, opts)
		}, def.SupportsGenericClient()
	}
	return nil, false
}

// FunctionByType resolves a node type string ("action.slack.
// send_message") to its declaration in O(1).
func (r *Registry) FunctionByType(nodeType string) (FunctionRef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ref, ok := r.functions[nodeType]
	return ref, ok
}

// RuntimeFor reports the execution path kind for a connector.
func (r *Registry) RuntimeFor(connectorID string) Runtime {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[connectorID]; ok {
		return e.runtime
	}
	return RuntimeUnavailable
}

// Definition returns the loaded manifest for a connector.
func (r *Registry) Definition(connectorID string) (*connector.Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[connectorID]; ok {
		return e.def, true
	}
	return nil, false
}

// CatalogFunction is one callable entry in the node catalog.
type CatalogFunction struct {
	ID          string          `json:"id"`
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	Type        string          `json:"type"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// CatalogConnector aggregates a connector for the visual builder.
type CatalogConnector struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Availability connector.Availability `json:"availability"`
	Runtime      Runtime                `json:"runtime"`
	Tier         string                 `json:"tier,omitempty"`
	Categories   []string               `json:"categories,omitempty"`
	Actions      []CatalogFunction      `json:"actions,omitempty"`
	Triggers     []CatalogFunction      `json:"triggers,omitempty"`
}

// NodeCatalog returns the builder catalog, implementation status
// first: connectors that actually run sort before aspirational ones.
func (r *Registry) NodeCatalog() []CatalogConnector {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]CatalogConnector, 0, len(r.entries))
	for _, e := range r.entries {
		if e.def.Hidden {
			continue
		}
		row := CatalogConnector{
			ID:           e.def.ID,
			Name:         e.def.Name,
			Availability: e.resolved,
			Runtime:      e.runtime,
			Tier:         e.def.Tier,
			Categories:   e.def.Categories,
		}
		for i := range e.def.Functions {
			fn := &e.def.Functions[i]
			cf := CatalogFunction{
				ID:          fn.ID,
				Name:        fn.Name,
				Description: fn.Description,
				Type:        e.def.FunctionType(fn),
				Parameters:  fn.Parameters,
			}
			if fn.IsTrigger() {
				row.Triggers = append(row.Triggers, cf)
			} else {
				row.Actions = append(row.Actions, cf)
			}
		}
		sortCatalogFunctions(row.Actions)
		sortCatalogFunctions(row.Triggers)
		out = append(out, row)
	}

	sort.Slice(out, func(i, j int) bool {
		ri := runtimeOrder(out[i].Runtime)
		rj := runtimeOrder(out[j].Runtime)
		if ri != rj {
			return ri < rj
		}
		if availabilityOrder[out[i].Availability] != availabilityOrder[out[j].Availability] {
			return availabilityOrder[out[i].Availability] < availabilityOrder[out[j].Availability]
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func runtimeOrder(rt Runtime) int {
	switch rt {
	case RuntimeNative:
		return 0
	case RuntimeFallback:
		return 1
	default:
		return 2
	}
}

func sortCatalogFunctions(fns []CatalogFunction) {
	sort.Slice(fns, func(i, j int) bool { return fns[i].ID < fns[j].ID })
}

// logDiff summarizes what a reload changed.
func (r *Registry) logDiff(before, after map[string]*entry) {
	var added, removed, changed int
	for id, e := range after {
		prev, ok := before[id]
		if !ok {
			added++
			continue
		}
		if prev.resolved != e.resolved || prev.runtime != e.runtime {
			changed++
		}
	}
	for id := range before {
		if _, ok := after[id]; !ok {
			removed++
		}
	}
	r.logger.Info("connector manifests reloaded",
		log.Int("added", added),
		log.Int("removed", removed),
		log.Int("changed", changed))
}

// Close stops the manifest watcher if one is running.
func (r *Registry) Close() error {
	if r.watcher != nil {
		return r.watcher.stop()
	}
	return nil
}
