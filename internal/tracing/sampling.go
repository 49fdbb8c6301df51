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

package tracing

import (
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// newSampler builds the head sampler from config. Error spans bypass
// the ratio when AlwaysSampleErrors is set so failures stay visible at
// low sample rates.
func newSampler(cfg Config) sdktrace.Sampler {
	if cfg.SampleRate >= 1.0 {
		return sdktrace.AlwaysSample()
	}

	var base sdktrace.Sampler
	if cfg.SampleRate <= 0 {
		base = sdktrace.NeverSample()
	} else {
		base = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	if cfg.AlwaysSampleErrors {
		return &errorAwareSampler{base: base}
	}
	return base
}

// errorAwareSampler wraps a base sampler to always sample error spans.
type errorAwareSampler struct {
	base sdktrace.Sampler
}

// ShouldSample samples spans whose start attributes flag an error and
// defers to the base sampler otherwise.
func (s *errorAwareSampler) ShouldSample(params sdktrace.SamplingParameters) sdktrace.SamplingResult {
	for _, attr := range params.Attributes {
		errored := (attr.Key == "error" && attr.Value.AsBool()) ||
			(attr.Key == "switchboard.status" && attr.Value.AsString() == "failed")
		if errored {
			return sdktrace.SamplingResult{
				Decision:   sdktrace.RecordAndSample,
				Tracestate: trace.SpanContextFromContext(params.ParentContext).TraceState(),
			}
		}
	}
	return s.base.ShouldSample(params)
}

// Description identifies the sampler in provider diagnostics.
func (s *errorAwareSampler) Description() string {
	return "ErrorAwareSampler{base=" + s.base.Description() + "}"
}
