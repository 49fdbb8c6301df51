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

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// manifestSchema is the JSON schema every connector manifest must
// satisfy before it is decoded. Structural rules the schema cannot
// express (duplicate function ids, endpoint method presence) live in
// Definition.Validate.
const manifestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "name"],
  "properties": {
    "id": {"type": "string", "pattern": "^[a-z][a-z0-9_-]*$"},
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "version": {"type": "string"},
    "provider": {"type": "string"},
    "availability": {"enum": ["stable", "beta", "experimental", "deprecated"]},
    "tier": {"enum": ["free", "starter", "pro", "professional", "enterprise", "enterprise_plus"]},
    "hidden": {"type": "boolean"},
    "categories": {"type": "array", "items": {"type": "string"}},
    "baseUrl": {"type": "string", "pattern": "^https?://"},
    "appsScript": {"type": "boolean"},
    "auth": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {"enum": ["api_key", "apikey", "api-key", "bearer", "basic", "oauth2", "oauth", "oauth2_client", "aws_sigv4", "sigv4", "aws"]},
        "header": {"type": "string"},
        "prefix": {"type": "string"},
        "in": {"enum": ["header", "query"]},
        "param": {"type": "string"},
        "service": {"type": "string"},
        "region": {"type": "string"}
      }
    },
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "rateLimit": {
      "type": "object",
      "properties": {
        "requestsPerSecond": {"type": "number", "exclusiveMinimum": 0},
        "burst": {"type": "integer", "minimum": 1}
      }
    },
    "test": {"$ref": "#/$defs/endpoint"},
    "functions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id"],
        "properties": {
          "id": {"type": "string", "pattern": "^[a-z][a-z0-9_]*$"},
          "name": {"type": "string"},
          "description": {"type": "string"},
          "role": {"enum": ["action", "trigger"]},
          "endpoint": {"$ref": "#/$defs/endpoint"},
          "parameters": {"type": "object"},
          "dedupeKey": {"type": "string"}
        }
      }
    }
  },
  "$defs": {
    "endpoint": {
      "type": "object",
      "properties": {
        "method": {"enum": ["GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"]},
        "path": {"type": "string"},
        "query": {"type": "object", "additionalProperties": {"type": "string"}},
        "headers": {"type": "object", "additionalProperties": {"type": "string"}},
        "bodyParams": {"type": "array", "items": {"type": "string"}},
        "itemsPath": {"type": "string"}
      }
    }
  }
}`

// compileManifestSchema builds the validator once per registry.
func compileManifestSchema() (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal([]byte(manifestSchema), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal manifest schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("manifest.json", doc); err != nil {
		return nil, fmt.Errorf("add manifest schema resource: %w", err)
	}
	schema, err := compiler.Compile("manifest.json")
	if err != nil {
		return nil, fmt.Errorf("compile manifest schema: %w", err)
	}
	return schema, nil
}
