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

	"github.com/tombee/switchboard/internal/store"
)

// UsageLimits are the per-plan monthly metering ceilings. They sit
// beside the execution limits in store.QuotaLimits: executions gate
// admission, these gate metered API consumption.
type UsageLimits struct {
	APICalls     int64
	Tokens       int64
	WorkflowRuns int64
	StorageBytes int64
}

// usageLadder is the default metering ladder per plan tier.
var usageLadder = map[string]UsageLimits{
	store.PlanFree: {
		APICalls:     1000,
		Tokens:       100000,
		WorkflowRuns: 500,
		StorageBytes: 100 << 20,
	},
	store.PlanStarter: {
		APICalls:     10000,
		Tokens:       1000000,
		WorkflowRuns: 5000,
		StorageBytes: 1 << 30,
	},
	store.PlanPro: {
		APICalls:     100000,
		Tokens:       10000000,
		WorkflowRuns: 50000,
		StorageBytes: 10 << 30,
	},
	store.PlanEnterprise: {
		APICalls:     1000000,
		Tokens:       100000000,
		WorkflowRuns: 1000000,
		StorageBytes: 100 << 30,
	},
	store.PlanEnterprisePlus: {
		APICalls:     10000000,
		Tokens:       1000000000,
		WorkflowRuns: 10000000,
		StorageBytes: 1 << 40,
	},
}

// LimitsFor returns the metering ladder entry for a plan. Unknown plans
// fall back to the free tier; "professional" aliases "pro".
func LimitsFor(plan string) UsageLimits {
	if plan == store.PlanProfessional {
		plan = store.PlanPro
	}
	if limits, ok := usageLadder[plan]; ok {
		return limits
	}
	return usageLadder[store.PlanFree]
}

// planPriceCents is the monthly list price per plan, used for prorated
// charges when the caller does not override the price.
var planPriceCents = map[string]int64{
	store.PlanFree:           0,
	store.PlanStarter:        2900,
	store.PlanPro:            9900,
	store.PlanProfessional:   9900,
	store.PlanEnterprise:     49900,
	store.PlanEnterprisePlus: 199900,
}

// PriceFor returns the monthly list price of a plan in cents.
func PriceFor(plan string) int64 {
	return planPriceCents[plan]
}

// regionZones maps organization residency regions onto the timezone in
// which their billing month rolls over.
var regionZones = map[string]string{
	"us": "America/New_York",
	"eu": "Europe/Berlin",
	"ap": "Asia/Singapore",
	"au": "Australia/Sydney",
}

// regionLocation resolves a residency region to its rollover timezone.
// Unknown regions roll over in UTC.
func regionLocation(region string) *time.Location {
	if zone, ok := regionZones[region]; ok {
		if loc, err := time.LoadLocation(zone); err == nil {
			return loc
		}
	}
	return time.UTC
}

// monthWindow returns the calendar-month period containing now in the
// given region's timezone. The start is the first millisecond of the
// month.
func monthWindow(now time.Time, region string) (start, end time.Time) {
	loc := regionLocation(region)
	local := now.In(loc)
	start = time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 1, 0)
}
