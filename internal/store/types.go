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

package store

import (
	"encoding/json"
	"time"
)

// Plan tiers in ascending rank order. Connector tier gating compares
// plan ranks, so the order here is load-bearing.
const (
	PlanFree           = "free"
	PlanStarter        = "starter"
	PlanPro            = "pro"
	PlanProfessional   = "professional"
	PlanEnterprise     = "enterprise"
	PlanEnterprisePlus = "enterprise_plus"
)

// planRanks maps plan tiers to their gating rank.
var planRanks = map[string]int{
	PlanFree:           0,
	PlanStarter:        1,
	PlanPro:            2,
	PlanProfessional:   2,
	PlanEnterprise:     3,
	PlanEnterprisePlus: 4,
}

// PlanRank returns the gating rank of a plan tier and whether the plan
// is known. "pro" and "professional" are aliases at the same rank.
func PlanRank(plan string) (int, bool) {
	rank, ok := planRanks[plan]
	return rank, ok
}

// planLimits is the default quota ladder. Quota documents are seeded
// from it and may be overridden per organization afterwards.
var planLimits = map[string]QuotaLimits{
	PlanFree: {
		MaxWorkflows:            5,
		MaxExecutionsPerMonth:   500,
		MaxConcurrentExecutions: 2,
		MaxExecutionsPerMinute:  10,
		MaxStorageBytes:         100 << 20,
		MaxUsers:                3,
	},
	PlanStarter: {
		MaxWorkflows:            25,
		MaxExecutionsPerMonth:   5000,
		MaxConcurrentExecutions: 5,
		MaxExecutionsPerMinute:  30,
		MaxStorageBytes:         1 << 30,
		MaxUsers:                10,
	},
	PlanPro: {
		MaxWorkflows:            100,
		MaxExecutionsPerMonth:   50000,
		MaxConcurrentExecutions: 20,
		MaxExecutionsPerMinute:  120,
		MaxStorageBytes:         10 << 30,
		MaxUsers:                50,
	},
	PlanEnterprise: {
		MaxWorkflows:            1000,
		MaxExecutionsPerMonth:   1000000,
		MaxConcurrentExecutions: 100,
		MaxExecutionsPerMinute:  600,
		MaxStorageBytes:         100 << 30,
		MaxUsers:                500,
	},
	PlanEnterprisePlus: {
		MaxWorkflows:            10000,
		MaxExecutionsPerMonth:   10000000,
		MaxConcurrentExecutions: 500,
		MaxExecutionsPerMinute:  3000,
		MaxStorageBytes:         1 << 40,
		MaxUsers:                5000,
	},
}

// DefaultLimits returns the quota ladder entry for a plan. Unknown
// plans fall back to the free tier; "professional" aliases "pro".
func DefaultLimits(plan string) QuotaLimits {
	if plan == PlanProfessional {
		plan = PlanPro
	}
	if limits, ok := planLimits[plan]; ok {
		return limits
	}
	return planLimits[PlanFree]
}

// Organization statuses.
const (
	OrgStatusTrial     = "trial"
	OrgStatusActive    = "active"
	OrgStatusSuspended = "suspended"
)

// SecuritySettings holds an organization's network and session policy.
type SecuritySettings struct {
	// AllowedDomains restricts outbound connector hosts when non-empty.
	AllowedDomains []string `json:"allowedDomains,omitempty"`
	// AllowedIPRanges restricts outbound connector IPs when non-empty.
	AllowedIPRanges []string `json:"allowedIpRanges,omitempty"`
	RequireMFA      bool     `json:"requireMfa,omitempty"`
	// SessionTimeout bounds interactive sessions. Zero means no limit.
	SessionTimeout time.Duration `json:"sessionTimeout,omitempty"`
}

// ComplianceSettings holds data residency constraints.
type ComplianceSettings struct {
	DataResidency string `json:"dataResidency,omitempty"`
}

// Organization is the tenant root.
type Organization struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	Plan         string             `json:"plan"`
	Region       string             `json:"region"`
	Status       string             `json:"status"`
	FeatureFlags map[string]bool    `json:"featureFlags,omitempty"`
	Security     SecuritySettings   `json:"security"`
	Compliance   ComplianceSettings `json:"compliance"`
	CreatedAt    time.Time          `json:"createdAt"`
	UpdatedAt    time.Time          `json:"updatedAt"`
}

// Membership roles.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
	RoleViewer = "viewer"
)

// Member links a user to an organization. At most one membership per
// user carries IsDefault.
type Member struct {
	OrganizationID string    `json:"organizationId"`
	UserID         string    `json:"userId"`
	Role           string    `json:"role"`
	IsDefault      bool      `json:"isDefault,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// RoleAssignment grants a role scoped to a resource, refining the
// organization-wide membership role.
type RoleAssignment struct {
	OrganizationID string    `json:"organizationId"`
	UserID         string    `json:"userId"`
	Role           string    `json:"role"`
	Scope          string    `json:"scope"`
	CreatedAt      time.Time `json:"createdAt"`
}

// QuotaLimits are the per-plan resource ceilings.
type QuotaLimits struct {
	MaxWorkflows            int   `json:"maxWorkflows"`
	MaxExecutionsPerMonth   int   `json:"maxExecutionsPerMonth"`
	MaxConcurrentExecutions int   `json:"maxConcurrentExecutions"`
	MaxExecutionsPerMinute  int   `json:"maxExecutionsPerMinute"`
	MaxStorageBytes         int64 `json:"maxStorageBytes"`
	MaxUsers                int   `json:"maxUsers"`
}

// QuotaUsage is the usage snapshot tracked against QuotaLimits.
// ConcurrentExecutions is never negative; window counters reset at
// period rollover.
type QuotaUsage struct {
	Workflows                 int   `json:"workflows"`
	ExecutionsThisMonth       int   `json:"executionsThisMonth"`
	ConcurrentExecutions      int   `json:"concurrentExecutions"`
	ExecutionsInCurrentWindow int   `json:"executionsInCurrentWindow"`
	StorageBytes              int64 `json:"storageBytes"`
	Users                     int   `json:"users"`
}

// OrganizationQuota is the quota document for one organization's
// current billing period.
type OrganizationQuota struct {
	OrganizationID string      `json:"organizationId"`
	PeriodStart    time.Time   `json:"periodStart"`
	PeriodEnd      time.Time   `json:"periodEnd"`
	Limits         QuotaLimits `json:"limits"`
	Usage          QuotaUsage  `json:"usage"`
	// WindowStart anchors the per-minute execution window.
	WindowStart time.Time `json:"windowStart"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Connection statuses.
const (
	ConnectionActive  = "active"
	ConnectionError   = "error"
	ConnectionRevoked = "revoked"
)

// Connection stores a user's credentials for one connector. Credentials
// are sealed by the secrets layer before they reach the store and are
// decrypted only inside the credential resolver.
type Connection struct {
	ID               string         `json:"id"`
	OrganizationID   string         `json:"organizationId"`
	UserID           string         `json:"userId"`
	ConnectorID      string         `json:"connectorId"`
	Name             string         `json:"name,omitempty"`
	Ciphertext       []byte         `json:"-"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	AdditionalConfig map[string]any `json:"additionalConfig,omitempty"`
	Status           string         `json:"status"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// Workflow is a stored workflow document. Graph is kept as raw JSON so
// builder-only keys survive a save/load round trip.
type Workflow struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organizationId"`
	UserID         string          `json:"userId,omitempty"`
	Name           string          `json:"name"`
	Graph          json.RawMessage `json:"graph"`
	Variables      map[string]any  `json:"variables,omitempty"`
	Active         bool            `json:"active"`
	Version        int             `json:"version"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Trigger kinds.
const (
	TriggerKindWebhook   = "webhook"
	TriggerKindPolling   = "polling"
	TriggerKindScheduled = "scheduled"
)

// Trigger is a persisted trigger registration. For webhook triggers the
// ID doubles as the public webhook identifier. DedupeTokens is a
// bounded FIFO ring (default capacity 500) of seen event tokens.
type Trigger struct {
	ID             string         `json:"id"`
	WorkflowID     string         `json:"workflowId"`
	OrganizationID string         `json:"organizationId"`
	UserID         string         `json:"userId,omitempty"`
	NodeID         string         `json:"nodeId"`
	Kind           string         `json:"kind"`
	AppID          string         `json:"appId,omitempty"`
	TriggerID      string         `json:"triggerId,omitempty"`
	ConnectionID   string         `json:"connectionId,omitempty"`
	// Secret is the webhook signing secret reference for webhook
	// triggers. Resolved through the secrets layer, never logged.
	Secret string `json:"-"`
	// Provider selects the signature scheme for webhook triggers.
	Provider     string         `json:"provider,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	DedupeTokens []string       `json:"-"`
	Active       bool           `json:"active"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// PollingState is the scheduler-owned state of one polling trigger.
type PollingState struct {
	TriggerID      string `json:"triggerId"`
	OrganizationID string `json:"organizationId"`
	WorkflowID     string `json:"workflowId"`
	// Interval between polls.
	Interval time.Duration `json:"interval"`
	// DedupeKey names the payload field used for dedupe tokens. Empty
	// falls back to event hashing.
	DedupeKey  string     `json:"dedupeKey,omitempty"`
	Partition  int        `json:"partition"`
	LastPollAt *time.Time `json:"lastPollAt,omitempty"`
	NextPollAt time.Time  `json:"nextPollAt"`
	// Runtime carries poll-method state such as cursors.
	Runtime   map[string]any `json:"runtime,omitempty"`
	Active    bool           `json:"active"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Webhook log statuses.
const (
	WebhookAccepted  = "accepted"
	WebhookDuplicate = "duplicate"
	WebhookFiltered  = "filtered"
	WebhookRejected  = "rejected"
)

// WebhookLog records one webhook delivery outcome.
type WebhookLog struct {
	ID             string    `json:"id"`
	WebhookID      string    `json:"webhookId"`
	OrganizationID string    `json:"organizationId"`
	Provider       string    `json:"provider,omitempty"`
	EventHash      string    `json:"eventHash,omitempty"`
	Status         string    `json:"status"`
	Reason         string    `json:"reason,omitempty"`
	ReceivedAt     time.Time `json:"receivedAt"`
}

// Outbox statuses.
const (
	OutboxPending    = "pending"
	OutboxDispatched = "dispatched"
	OutboxFailed     = "failed"
)

// OutboxRecord is one trigger event awaiting dispatch to the execution
// queue. Payload holds the canonical queue run request JSON.
type OutboxRecord struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organizationId"`
	WorkflowID     string          `json:"workflowId"`
	TriggerID      string          `json:"triggerId,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Status         string          `json:"status"`
	Attempts       int             `json:"attempts"`
	NextAttemptAt  time.Time       `json:"nextAttemptAt"`
	ClaimedUntil   *time.Time      `json:"claimedUntil,omitempty"`
	LastError      string          `json:"lastError,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	LastAttemptAt  *time.Time      `json:"lastAttemptAt,omitempty"`
	DispatchedAt   *time.Time      `json:"dispatchedAt,omitempty"`
}

// UsageTracking is the per-user monthly usage counter row.
type UsageTracking struct {
	OrganizationID     string    `json:"organizationId"`
	UserID             string    `json:"userId"`
	Year               int       `json:"year"`
	Month              int       `json:"month"`
	APICalls           int64     `json:"apiCalls"`
	TokensUsed         int64     `json:"tokensUsed"`
	WorkflowRuns       int64     `json:"workflowRuns"`
	StorageUsed        int64     `json:"storageUsed"`
	EstimatedCostCents int64     `json:"estimatedCostCents"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// UsageDelta is an atomic increment applied to a UsageTracking row.
type UsageDelta struct {
	OrganizationID string
	UserID         string
	Year           int
	Month          int
	APICalls       int64
	TokensUsed     int64
	WorkflowRuns   int64
	StorageUsed    int64
	CostCents      int64
}

// AuditEntry is one append-only audit record.
type AuditEntry struct {
	ID             int64          `json:"id"`
	OrganizationID string         `json:"organizationId"`
	Actor          string         `json:"actor"`
	Action         string         `json:"action"`
	Subject        string         `json:"subject,omitempty"`
	Detail         map[string]any `json:"detail,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// OrganizationFilter restricts organization listings.
type OrganizationFilter struct {
	Plan   string
	Status string
	Limit  int
}

// ExecutionFilter restricts execution listings.
type ExecutionFilter struct {
	OrganizationID string
	WorkflowID     string
	Status         string
	Limit          int
	Offset         int
}

// UsageFilter restricts usage listings for export.
type UsageFilter struct {
	OrganizationID string
	// Plan filters by the owning organization's plan tier.
	Plan  string
	Start time.Time
	End   time.Time
}

// AuditFilter restricts audit listings.
type AuditFilter struct {
	OrganizationID string
	Action         string
	Limit          int
}
