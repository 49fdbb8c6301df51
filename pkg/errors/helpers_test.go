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

package errors_test

import (
	"errors"
	"testing"

	sberrors "github.com/tombee/switchboard/pkg/errors"
)

func TestWrap(t *testing.T) {
	base := errors.New("disk full")
	wrapped := sberrors.Wrap(base, "persisting outbox record")

	if wrapped == nil {
		t.Fatal("expected non-nil wrapped error")
	}
	if wrapped.Error() != "persisting outbox record: disk full" {
		t.Errorf("unexpected message: %q", wrapped.Error())
	}
	if !errors.Is(wrapped, base) {
		t.Error("expected wrapped error to match base via errors.Is")
	}
}

func TestWrapNil(t *testing.T) {
	if got := sberrors.Wrap(nil, "context"); got != nil {
		t.Errorf("Wrap(nil) = %v, want nil", got)
	}
}

func TestWrapf(t *testing.T) {
	base := errors.New("no such table")
	wrapped := sberrors.Wrapf(base, "querying %s", "executions")

	if wrapped.Error() != "querying executions: no such table" {
		t.Errorf("unexpected message: %q", wrapped.Error())
	}
	if !errors.Is(wrapped, base) {
		t.Error("expected wrapped error to match base via errors.Is")
	}
}

func TestWrapfNil(t *testing.T) {
	if got := sberrors.Wrapf(nil, "querying %s", "executions"); got != nil {
		t.Errorf("Wrapf(nil) = %v, want nil", got)
	}
}

func TestIsAndAs(t *testing.T) {
	notFound := &sberrors.NotFoundError{Resource: "connection", ID: "conn-1"}
	wrapped := sberrors.Wrap(notFound, "resolving credentials")

	var target *sberrors.NotFoundError
	if !sberrors.As(wrapped, &target) {
		t.Fatal("expected As to locate NotFoundError")
	}
	if target.ID != "conn-1" {
		t.Errorf("expected ID conn-1, got %q", target.ID)
	}

	sentinel := sberrors.New("sentinel")
	if !sberrors.Is(sberrors.Wrap(sentinel, "ctx"), sentinel) {
		t.Error("expected Is to match wrapped sentinel")
	}
}

func TestUnwrap(t *testing.T) {
	base := sberrors.New("base")
	wrapped := sberrors.Wrap(base, "layer")

	if got := sberrors.Unwrap(wrapped); !errors.Is(got, base) {
		t.Errorf("Unwrap() = %v, want %v", got, base)
	}
}
