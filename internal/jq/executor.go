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

// Package jq evaluates jq programs for transform nodes. Programs run in
// a goroutine under a hard deadline and both input and serialized output
// are size-capped so a workflow cannot amplify a payload unboundedly.
package jq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/itchyny/gojq"
)

const (
	// DefaultTimeout bounds a single program evaluation.
	DefaultTimeout = time.Second

	// DefaultMaxBytes caps both the marshaled input handed to a program
	// and the marshaled output it produces.
	DefaultMaxBytes = 10 << 20

	programCacheSize = 256
)

// ErrTimeout is returned when a program exceeds its evaluation deadline.
type ErrTimeout struct {
	Timeout time.Duration
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("jq evaluation exceeded %v", e.Timeout)
}

// ErrTooLarge is returned when input or output exceeds the byte cap.
type ErrTooLarge struct {
	What  string
	Size  int64
	Limit int64
}

func (e *ErrTooLarge) Error() string {
	return fmt.Sprintf("jq %s size %d bytes exceeds limit %d bytes", e.What, e.Size, e.Limit)
}

// Executor compiles and runs jq programs with timeout and size limits.
// Compiled programs are cached; the same transform node evaluates its
// program once per process, not once per execution.
type Executor struct {
	timeout  time.Duration
	maxBytes int64
	programs *lru.Cache[string, *gojq.Code]
}

// NewExecutor builds an executor. Zero values fall back to the package
// defaults.
func NewExecutor(timeout time.Duration, maxBytes int64) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	cache, _ := lru.New[string, *gojq.Code](programCacheSize)
	return &Executor{
		timeout:  timeout,
		maxBytes: maxBytes,
		programs: cache,
	}
}

// Execute runs program against data. An empty program is the identity.
// A program yielding one value returns that value; multiple values are
// collected into an array; zero values return nil.
func (e *Executor) Execute(ctx context.Context, program string, data any) (any, error) {
	if program == "" {
		return data, nil
	}

	if err := e.checkSize("input", data); err != nil {
		return nil, err
	}

	code, err := e.compile(program)
	if err != nil {
		return nil, err
	}

	evalCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resultCh := make(chan any, 1)
	errCh := make(chan error, 1)

	go func() {
		iter := code.RunWithContext(evalCtx, data)
		var results []any
		for {
			v, ok := iter.Next()
			if !ok {
				break
			}
			if err, isErr := v.(error); isErr {
				errCh <- fmt.Errorf("jq: %w", err)
				return
			}
			results = append(results, v)
		}
		switch len(results) {
		case 0:
			resultCh <- nil
		case 1:
			resultCh <- results[0]
		default:
			resultCh <- results
		}
	}()

	select {
	case result := <-resultCh:
		if err := e.checkSize("output", result); err != nil {
			return nil, err
		}
		return result, nil
	case err := <-errCh:
		return nil, err
	case <-evalCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ErrTimeout{Timeout: e.timeout}
	}
}

// Validate compiles program without running it. Used by workflow
// validation so transform syntax errors surface before activation.
func (e *Executor) Validate(program string) error {
	if program == "" {
		return nil
	}
	_, err := e.compile(program)
	return err
}

func (e *Executor) compile(program string) (*gojq.Code, error) {
	if code, ok := e.programs.Get(program); ok {
		return code, nil
	}
	query, err := gojq.Parse(program)
	if err != nil {
		return nil, fmt.Errorf("invalid jq expression: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("jq compilation failed: %w", err)
	}
	e.programs.Add(program, code)
	return code, nil
}

func (e *Executor) checkSize(what string, data any) error {
	if data == nil {
		return nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal jq %s: %w", what, err)
	}
	if int64(len(raw)) > e.maxBytes {
		return &ErrTooLarge{What: what, Size: int64(len(raw)), Limit: e.maxBytes}
	}
	return nil
}
