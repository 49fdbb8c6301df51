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

package quota

import (
	"time"

	sberrors "github.com/tombee/switchboard/pkg/errors"
)

// ProrationInput describes a mid-period plan activation.
type ProrationInput struct {
	PriceCents     int64     `json:"priceCents"`
	PeriodStart    time.Time `json:"periodStart"`
	PeriodEnd      time.Time `json:"periodEnd"`
	ActivationDate time.Time `json:"activationDate"`
}

// CalculateProratedCharge charges the remaining whole days of the
// billing period at the period's daily rate:
//
//	charge = priceCents * (periodEnd - activation) / (periodEnd - periodStart)
//
// measured in days. Activation before the period start charges the full
// price; activation on or after the period end charges nothing.
func CalculateProratedCharge(in ProrationInput) (int64, error) {
	if in.PriceCents < 0 {
		return 0, &sberrors.ValidationError{Field: "priceCents", Message: "price must be non-negative"}
	}
	if !in.PeriodEnd.After(in.PeriodStart) {
		return 0, &sberrors.ValidationError{Field: "periodEnd", Message: "period end must be after period start"}
	}

	totalDays := daysBetween(in.PeriodStart, in.PeriodEnd)
	if totalDays <= 0 {
		return 0, &sberrors.ValidationError{Field: "periodEnd", Message: "billing period must span at least one day"}
	}

	remainingDays := daysBetween(in.ActivationDate, in.PeriodEnd)
	if remainingDays >= totalDays {
		return in.PriceCents, nil
	}
	if remainingDays <= 0 {
		return 0, nil
	}
	return in.PriceCents * int64(remainingDays) / int64(totalDays), nil
}

// daysBetween counts whole days from a to b, truncating partial days.
func daysBetween(a, b time.Time) int {
	return int(b.Sub(a) / (24 * time.Hour))
}
