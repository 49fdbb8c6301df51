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

package connector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
)

// applyAuth authenticates a request from the credential bundle
// according to the connector's auth declaration. aws_sigv4 is handled
// separately because signing needs the final body hash.
func applyAuth(req *http.Request, spec *AuthSpec, bundle Bundle) error {
	if spec == nil {
		// No declaration: a bare token still implies bearer.
		if token := bundle.String("token"); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		return nil
	}

	switch spec.Type {
	case "bearer", "":
		token := firstNonEmpty(bundle.String("token"), bundle.String("accessToken"), bundle.String("access_token"))
		if token == "" {
			return fmt.Errorf("bearer auth requires a token credential")
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return nil

	case "oauth2":
		// The credential resolver refreshes tokens before the bundle
		// reaches a client; by this point a bearer token must exist.
		token := firstNonEmpty(bundle.String("accessToken"), bundle.String("access_token"), bundle.String("token"))
		if token == "" {
			return fmt.Errorf("oauth2 auth requires a refreshed access token")
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return nil

	case "basic":
		username := bundle.String("username")
		password := bundle.String("password")
		if username == "" {
			return fmt.Errorf("basic auth requires username")
		}
		if password == "" {
			return fmt.Errorf("basic auth requires password")
		}
		req.SetBasicAuth(username, password)
		return nil

	case "api_key":
		value := firstNonEmpty(bundle.String("apiKey"), bundle.String("api_key"), bundle.String("key"))
		if value == "" {
			return fmt.Errorf("api_key auth requires an apiKey credential")
		}
		if spec.Prefix != "" {
			value = spec.Prefix + value
		}
		if spec.In == "query" {
			param := spec.Param
			if param == "" {
				param = "api_key"
			}
			q := req.URL.Query()
			q.Set(param, value)
			req.URL.RawQuery = q.Encode()
			return nil
		}
		header := spec.Header
		if header == "" {
			header = "X-Api-Key"
		}
		if err := sanitizeHeaderValue(header, value); err != nil {
			return err
		}
		req.Header.Set(header, value)
		return nil

	case "aws_sigv4":
		// Signed after the body is final; nothing to do here.
		return nil

	default:
		return fmt.Errorf("unsupported auth type: %s", spec.Type)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// awsSigner signs requests for aws_sigv4 connectors. Static bundle
// credentials win; otherwise the default AWS chain is loaded once and
// cached for the client's lifetime.
type awsSigner struct {
	service string
	region  string

	mu      sync.Mutex
	signer  *v4.Signer
	chain   aws.CredentialsProvider
	cached  aws.Credentials
	fetched time.Time
}

func newAWSSigner(spec *AuthSpec) (*awsSigner, error) {
	if spec.Service == "" {
		return nil, fmt.Errorf("aws_sigv4 auth requires service")
	}
	if spec.Region == "" {
		return nil, fmt.Errorf("aws_sigv4 auth requires region")
	}
	return &awsSigner{
		service: spec.Service,
		region:  spec.Region,
		signer:  v4.NewSigner(),
	}, nil
}

// Sign computes the payload hash and signs the request in place.
func (s *awsSigner) Sign(ctx context.Context, req *http.Request, body []byte, bundle Bundle) error {
	creds, err := s.credentials(ctx, bundle)
	if err != nil {
		return err
	}

	hash := sha256.Sum256(body)
	payloadHash := hex.EncodeToString(hash[:])
	req.Header.Set("X-Amz-Content-Sha256", payloadHash)

	return s.signer.SignHTTP(ctx, creds, req, payloadHash, s.service, s.region, time.Now())
}

func (s *awsSigner) credentials(ctx context.Context, bundle Bundle) (aws.Credentials, error) {
	accessKey := firstNonEmpty(bundle.String("accessKeyId"), bundle.String("access_key_id"))
	secretKey := firstNonEmpty(bundle.String("secretAccessKey"), bundle.String("secret_access_key"))
	if accessKey != "" && secretKey != "" {
		return aws.Credentials{
			AccessKeyID:     accessKey,
			SecretAccessKey: secretKey,
			SessionToken:    firstNonEmpty(bundle.String("sessionToken"), bundle.String("session_token")),
		}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.chain == nil {
		cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(s.region))
		if err != nil {
			return aws.Credentials{}, fmt.Errorf("load AWS configuration: %w", err)
		}
		s.chain = cfg.Credentials
	}

	// Cache chain credentials for up to an hour, respecting an earlier
	// provider-declared expiry.
	if !s.fetched.IsZero() && time.Since(s.fetched) < time.Hour {
		if s.cached.Expires.IsZero() || time.Now().Before(s.cached.Expires) {
			return s.cached, nil
		}
	}

	creds, err := s.chain.Retrieve(ctx)
	if err != nil {
		return aws.Credentials{}, fmt.Errorf("resolve AWS credentials: %w", err)
	}
	s.cached = creds
	s.fetched = time.Now()
	return creds, nil
}

// normalizeAuthType maps manifest aliases onto canonical auth types.
func normalizeAuthType(t string) string {
	switch strings.ToLower(t) {
	case "apikey", "api-key":
		return "api_key"
	case "oauth", "oauth2_client":
		return "oauth2"
	case "sigv4", "aws":
		return "aws_sigv4"
	default:
		return strings.ToLower(t)
	}
}
