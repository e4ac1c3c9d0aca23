package storage

import "time"

// Platform is one provider endpoint. System platforms (IsSys) are shared by
// every tenant and have no owner; private platforms belong to exactly one user.
type Platform struct {
	ID        int64
	Name      string
	BaseURL   string
	OwnerID   *string
	IsSys     bool
	EncAPIKey *string
	Hidden    bool
	CreatedAt time.Time
}

// Model is one selectable model under a platform. ExtraParamsJSON is an opaque
// parameter bag forwarded verbatim to the chat backend.
type Model struct {
	ID              int64
	PlatformID      int64
	ModelName       string
	DisplayName     string
	ExtraParamsJSON *string
	Hidden          bool
	CreatedAt       time.Time
}

// SysPlatformKey is a user-supplied credential override for a system platform.
// A row exists only when the user has explicitly set a key.
type SysPlatformKey struct {
	ID         int64
	UserID     string
	PlatformID int64
	EncAPIKey  string
}

// UsageSelection maps (user, usage key) to the platform/model the user picked
// for that purpose. Exactly one row per pair.
type UsageSelection struct {
	ID         int64
	UserID     string
	UsageKey   string
	UsageLabel string
	PlatformID int64
	ModelID    int64
	CreatedAt  time.Time
}

// AgentBinding routes a named agent either through a usage slot or directly at
// a platform/model pair.
type AgentBinding struct {
	ID         int64
	UserID     string
	AgentName  string
	TargetType string // "usage" or "direct"
	UsageKey   *string
	PlatformID *int64
	ModelID    *int64
}

// UsageEntry is one append-only ledger row per model invocation.
type UsageEntry struct {
	ID               int64
	UserID           string
	ModelID          int64
	Agent            string
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	Success          bool
	CreatedAt        time.Time
}

// UsageTotals is the summed view over a set of ledger rows.
type UsageTotals struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	Requests         int64
	Errors           int64
}

// ModelUsage is per-model aggregated usage, joined with catalog names where the
// model row still exists.
type ModelUsage struct {
	ModelID      int64
	ModelName    string
	DisplayName  string
	PlatformName string
	UsageTotals
}

// AgentUsage is per-agent aggregated usage.
type AgentUsage struct {
	Agent string
	UsageTotals
}

// UsagePoint is one raw ledger data point used for timeline bucketing.
type UsagePoint struct {
	At     time.Time
	Tokens int64
}
