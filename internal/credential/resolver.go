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

// Package credential resolves the credentials a node executes with.
//
// Resolution is inline-first: explicit credential attributes on the node
// win over a stored connection reference. On the connection path the
// resolver is the only component that sees plaintext credentials; it
// unseals the stored ciphertext, refreshes OAuth2 tokens when they are
// near expiry, and attaches the organization's network policy plus
// opaque org/user identifiers onto the bundle so the connector client
// can enforce egress constraints. Plaintext never reaches logs.
package credential

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/tombee/switchboard/internal/connector"
	"github.com/tombee/switchboard/internal/secrets"
	"github.com/tombee/switchboard/internal/store"
	sberrors "github.com/tombee/switchboard/pkg/errors"
)

// Credential sources.
const (
	SourceInline     = "inline"
	SourceConnection = "connection"
)

// refreshSkew refreshes OAuth2 tokens this long before their expiry so
// a token cannot lapse mid-request.
const refreshSkew = 5 * time.Minute

// Store is the persistence surface the resolver needs.
type Store interface {
	GetConnection(ctx context.Context, orgID, id string) (*store.Connection, error)
	UpdateConnection(ctx context.Context, conn *store.Connection) error
	GetOrganization(ctx context.Context, id string) (*store.Organization, error)
}

// Definitions supplies connector auth declarations, used to locate the
// token endpoint for OAuth2 refresh. The registry satisfies this.
type Definitions interface {
	Definition(connectorID string) (*connector.Definition, bool)
}

// Request identifies what a node needs resolved.
type Request struct {
	OrganizationID string
	UserID         string

	// ConnectorID scopes OAuth2 refresh to the connector's declared
	// token endpoint. Optional for inline resolution.
	ConnectorID string

	// ConnectionID references a stored connection. Ignored when Inline
	// is non-empty.
	ConnectionID string

	// Inline holds explicit credential attributes from the node.
	Inline map[string]any
}

// Resolution is a successful credential resolution.
type Resolution struct {
	// Credentials is the bundle handed to the connector client. On the
	// connection path it carries the reserved policy and identity keys.
	Credentials connector.Bundle

	// Source is SourceInline or SourceConnection.
	Source string

	// ConnectionID is set on the connection path.
	ConnectionID string

	// AdditionalConfig is connection-scoped client configuration
	// (region, instance URL, API version overrides).
	AdditionalConfig map[string]any
}

// Resolver resolves node credentials. Safe for concurrent use.
type Resolver struct {
	store  Store
	sealer *secrets.Sealer
	defs   Definitions
	logger *slog.Logger

	// refreshes collapses concurrent refreshes of the same connection
	// into one token endpoint round trip.
	refreshes singleflight.Group

	now func() time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithDefinitions supplies connector manifests for OAuth2 refresh.
func WithDefinitions(defs Definitions) Option {
	return func(r *Resolver) { r.defs = defs }
}

// WithClock overrides the resolver's clock.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// NewResolver builds a resolver over the given store and sealer.
func NewResolver(st Store, sealer *secrets.Sealer, logger *slog.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		store:  st,
		sealer: sealer,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve produces the credential bundle for a node, or a typed
// *errors.CredentialError describing why it cannot.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Resolution, error) {
	if len(req.Inline) > 0 {
		bundle := make(connector.Bundle, len(req.Inline))
		for k, v := range req.Inline {
			bundle[k] = v
		}
		return &Resolution{Credentials: bundle, Source: SourceInline}, nil
	}

	if req.ConnectionID == "" {
		return nil, &sberrors.CredentialError{Reason: sberrors.CredentialMissingConnection}
	}
	if req.OrganizationID == "" {
		return nil, &sberrors.CredentialError{Reason: sberrors.CredentialMissingOrganization, ConnectionID: req.ConnectionID}
	}

	conn, err := r.store.GetConnection(ctx, req.OrganizationID, req.ConnectionID)
	if err != nil {
		var nf *sberrors.NotFoundError
		if sberrors.As(err, &nf) {
			return nil, &sberrors.CredentialError{
				Reason:       sberrors.CredentialConnectionNotFound,
				ConnectionID: req.ConnectionID,
				Cause:        err,
			}
		}
		return nil, &sberrors.CredentialError{
			Reason:       sberrors.CredentialServiceUnavailable,
			ConnectionID: req.ConnectionID,
			Cause:        err,
		}
	}

	if conn.Status == store.ConnectionRevoked {
		return nil, &sberrors.CredentialError{
			Reason:       sberrors.CredentialUnauthenticated,
			ConnectionID: conn.ID,
		}
	}

	creds, err := r.sealer.OpenCredentials(conn.Ciphertext)
	if err != nil {
		// Corrupt or foreign-key ciphertext cannot recover; the user
		// must re-authenticate the connection.
		return nil, &sberrors.CredentialError{
			Reason:       sberrors.CredentialUnauthenticated,
			ConnectionID: conn.ID,
			Cause:        err,
		}
	}

	creds, err = r.maybeRefresh(ctx, req, conn, creds)
	if err != nil {
		return nil, err
	}

	org, err := r.store.GetOrganization(ctx, req.OrganizationID)
	if err != nil {
		var nf *sberrors.NotFoundError
		if sberrors.As(err, &nf) {
			return nil, &sberrors.CredentialError{
				Reason:       sberrors.CredentialMissingOrganization,
				ConnectionID: conn.ID,
				Cause:        err,
			}
		}
		return nil, &sberrors.CredentialError{
			Reason:       sberrors.CredentialServiceUnavailable,
			ConnectionID: conn.ID,
			Cause:        err,
		}
	}

	bundle := connector.Bundle(creds)
	if len(org.Security.AllowedDomains) > 0 || len(org.Security.AllowedIPRanges) > 0 {
		bundle[connector.PolicyKey] = &connector.NetworkPolicy{
			AllowedDomains:  org.Security.AllowedDomains,
			AllowedIPRanges: org.Security.AllowedIPRanges,
		}
	}
	bundle[connector.OrganizationKey] = req.OrganizationID
	if req.UserID != "" {
		bundle[connector.UserKey] = req.UserID
	}

	return &Resolution{
		Credentials:      bundle,
		Source:           SourceConnection,
		ConnectionID:     conn.ID,
		AdditionalConfig: conn.AdditionalConfig,
	}, nil
}

// maybeRefresh refreshes an OAuth2 access token when the connector
// declares oauth2 auth, a refresh token is stored, and the access token
// is within refreshSkew of expiry. The refreshed credentials are
// re-sealed and persisted; a persist failure is logged but does not
// fail resolution since the refreshed token is still good.
func (r *Resolver) maybeRefresh(ctx context.Context, req Request, conn *store.Connection, creds map[string]any) (map[string]any, error) {
	spec := r.authSpec(req.ConnectorID, conn.ConnectorID)
	if spec == nil || spec.Type != "oauth2" || spec.TokenURL == "" {
		return creds, nil
	}
	refreshToken := stringValue(creds, "refreshToken", "refresh_token")
	if refreshToken == "" {
		return creds, nil
	}
	expiry, hasExpiry := tokenExpiry(creds)
	if hasExpiry && expiry.After(r.now().Add(refreshSkew)) {
		return creds, nil
	}

	refreshed, err, _ := r.refreshes.Do(conn.ID, func() (any, error) {
		return r.refresh(ctx, spec, conn, creds, refreshToken)
	})
	if err != nil {
		if isAuthRejection(err) {
			return nil, &sberrors.CredentialError{
				Reason:       sberrors.CredentialUnauthenticated,
				ConnectionID: conn.ID,
				Cause:        err,
			}
		}
		return nil, &sberrors.CredentialError{
			Reason:       sberrors.CredentialServiceUnavailable,
			ConnectionID: conn.ID,
			Cause:        err,
		}
	}
	return refreshed.(map[string]any), nil
}

func (r *Resolver) refresh(ctx context.Context, spec *connector.AuthSpec, conn *store.Connection, creds map[string]any, refreshToken string) (map[string]any, error) {
	cfg := &oauth2.Config{
		ClientID:     stringValue(creds, "clientId", "client_id"),
		ClientSecret: stringValue(creds, "clientSecret", "client_secret"),
		Endpoint:     oauth2.Endpoint{TokenURL: spec.TokenURL},
		Scopes:       spec.Scopes,
	}
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := src.Token()
	if err != nil {
		return nil, err
	}

	updated := make(map[string]any, len(creds)+3)
	for k, v := range creds {
		updated[k] = v
	}
	updated["accessToken"] = token.AccessToken
	if token.RefreshToken != "" {
		// Providers that rotate refresh tokens return a new one.
		updated["refreshToken"] = token.RefreshToken
	}
	if !token.Expiry.IsZero() {
		updated["expiresAt"] = token.Expiry.UTC().Format(time.RFC3339)
	}

	sealed, err := r.sealer.SealCredentials(updated)
	if err != nil {
		return nil, err
	}
	conn.Ciphertext = sealed
	conn.UpdatedAt = r.now().UTC()
	if err := r.store.UpdateConnection(ctx, conn); err != nil {
		// The in-memory token is valid; losing the persist only costs
		// an extra refresh next resolution.
		r.logger.Warn("persisting refreshed connection failed",
			slog.String("connection_id", conn.ID),
			slog.String("connector_id", conn.ConnectorID),
			slog.String("error", err.Error()))
	} else {
		r.logger.Debug("refreshed oauth2 token",
			slog.String("connection_id", conn.ID),
			slog.String("connector_id", conn.ConnectorID))
	}
	return updated, nil
}

func (r *Resolver) authSpec(requestConnector, connectionConnector string) *connector.AuthSpec {
	if r.defs == nil {
		return nil
	}
	id := requestConnector
	if id == "" {
		id = connectionConnector
	}
	if id == "" {
		return nil
	}
	def, ok := r.defs.Definition(id)
	if !ok {
		return nil
	}
	return def.Auth
}

// tokenExpiry reads the stored access token expiry: RFC3339 string or
// unix seconds.
func tokenExpiry(creds map[string]any) (time.Time, bool) {
	v, ok := creds["expiresAt"]
	if !ok {
		v, ok = creds["expires_at"]
	}
	if !ok {
		return time.Time{}, false
	}
	switch t := v.(type) {
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	case float64:
		return time.Unix(int64(t), 0), true
	case int64:
		return time.Unix(t, 0), true
	case int:
		return time.Unix(int64(t), 0), true
	default:
		return time.Time{}, false
	}
}

// isAuthRejection reports whether a token endpoint error means the
// grant itself is dead (re-auth required) rather than a transient
// outage.
func isAuthRejection(err error) bool {
	var retrieve *oauth2.RetrieveError
	if sberrors.As(err, &retrieve) {
		return retrieve.Response != nil && retrieve.Response.StatusCode >= 400 && retrieve.Response.StatusCode < 500
	}
	return false
}

func stringValue(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
