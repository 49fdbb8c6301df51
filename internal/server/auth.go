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
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tombee/switchboard/internal/config"
	"github.com/tombee/switchboard/internal/server/httputil"
	"github.com/tombee/switchboard/internal/store"
	sberrors "github.com/tombee/switchboard/pkg/errors"
)

// Principal is the authenticated caller extracted from the bearer
// token.
type Principal struct {
	UserID         string
	OrganizationID string
	Role           string
}

// IsAdmin reports whether the principal holds an administrative role.
func (p Principal) IsAdmin() bool {
	return p.Role == store.RoleOwner || p.Role == store.RoleAdmin
}

// Claims is the JWT payload. Subject carries the user id.
type Claims struct {
	jwt.RegisteredClaims
	OrganizationID string `json:"org_id"`
	Role           string `json:"role,omitempty"`
}

type principalKey struct{}

// PrincipalFrom returns the authenticated principal, if any.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// withPrincipal stores the principal on the request context.
func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// NewToken mints a signed bearer token for a principal. The CLI and
// tests use this; production deployments usually bring tokens from an
// external issuer sharing the secret.
func NewToken(cfg config.AuthConfig, p Principal, now time.Time) (string, error) {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		OrganizationID: p.OrganizationID,
		Role:           p.Role,
	}
	if cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{cfg.Audience}
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.JWTSecret))
}

// authenticator validates bearer tokens on the control API.
type authenticator struct {
	cfg config.AuthConfig
}

// parse validates a raw token string and returns the principal.
func (a *authenticator) parse(raw string) (Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return []byte(a.cfg.JWTSecret), nil
	}, opts...)
	if err != nil {
		return Principal{}, &sberrors.AdmissionError{Code: sberrors.CodeUnauthenticated}
	}
	if claims.Subject == "" {
		return Principal{}, &sberrors.AdmissionError{Code: sberrors.CodeUnauthenticated}
	}
	if claims.OrganizationID == "" {
		return Principal{}, &sberrors.AdmissionError{Code: sberrors.CodeOrganizationRequired}
	}
	return Principal{
		UserID:         claims.Subject,
		OrganizationID: claims.OrganizationID,
		Role:           claims.Role,
	}, nil
}

// middleware authenticates every request and injects the principal.
func (a *authenticator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		scheme, raw, found := strings.Cut(header, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") || raw == "" {
			httputil.WriteTypedError(w, &sberrors.AdmissionError{Code: sberrors.CodeUnauthenticated})
			return
		}
		p, err := a.parse(strings.TrimSpace(raw))
		if err != nil {
			httputil.WriteTypedError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
	})
}

// requireAdmin gates operator endpoints on the owner/admin roles.
func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if !ok {
			httputil.WriteTypedError(w, &sberrors.AdmissionError{Code: sberrors.CodeUnauthenticated})
			return
		}
		if !p.IsAdmin() {
			httputil.WriteTypedError(w, &sberrors.AdmissionError{Code: sberrors.CodeForbidden})
			return
		}
		next.ServeHTTP(w, r)
	})
}
