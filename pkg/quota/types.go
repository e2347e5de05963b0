package quota

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Priority ranks a request's urgency.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityNormal   Priority = "NORMAL"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// ParsePriority normalizes a priority name. Empty input means NORMAL.
func ParsePriority(raw string) (Priority, error) {
	switch Priority(strings.ToUpper(strings.TrimSpace(raw))) {
	case "", PriorityNormal:
		return PriorityNormal, nil
	case PriorityLow:
		return PriorityLow, nil
	case PriorityHigh:
		return PriorityHigh, nil
	case PriorityCritical:
		return PriorityCritical, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPriority, raw)
}

// Source names the budget that pays for a request.
type Source string

const (
	SourcePersonal       Source = "personal"
	SourceTeamPool       Source = "team_pool"
	SourcePriorityBypass Source = "priority_bypass"
	SourceVacationShare  Source = "vacation_share"
	SourceNone           Source = "none"
)

// ParseSource accepts only the known source tags.
func ParseSource(raw string) (Source, error) {
	switch source := Source(strings.ToLower(strings.TrimSpace(raw))); source {
	case SourcePersonal, SourceTeamPool, SourcePriorityBypass, SourceVacationShare, SourceNone:
		return source, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidSource, raw)
}

// String returns the wire tag.
func (source Source) String() string {
	return string(source)
}

// HolderStatus is the directory's availability flag for a holder.
type HolderStatus string

const (
	HolderActive    HolderStatus = "active"
	HolderVacation  HolderStatus = "vacation"
	HolderSuspended HolderStatus = "suspended"
)

// Holder is a user with a personal quota.
type Holder struct {
	ID            string
	Status        HolderStatus
	PersonalQuota decimal.Decimal
	UsedTokens    decimal.Decimal
	WalletID      string
}

// PersonalAvailable returns the unspent personal quota, never below zero.
func (holder Holder) PersonalAvailable() decimal.Decimal {
	return nonNegative(holder.PersonalQuota.Sub(holder.UsedTokens))
}

// Team is a shared pool a holder belongs to.
type Team struct {
	ID                      string
	Name                    string
	CommonPool              decimal.Decimal
	UsedPool                decimal.Decimal
	VacationSharePercentage decimal.Decimal
}

// AvailablePool returns the unspent pool, never below zero.
func (team Team) AvailablePool() decimal.Decimal {
	return nonNegative(team.CommonPool.Sub(team.UsedPool))
}

// TeamState is a team together with whether another member is on vacation.
type TeamState struct {
	Team              Team
	OtherMemberAbsent bool
}

// Policy holds the organisation-wide switches the cascade honours.
type Policy struct {
	AllowPriorityBypass  bool
	AllowVacationSharing bool
}

// PolicySource loads the current organisation policy.
type PolicySource interface {
	LoadPolicy(ctx context.Context) (Policy, error)
}

// StaticPolicy is a PolicySource that always returns the same Policy.
type StaticPolicy Policy

// LoadPolicy returns the fixed policy.
func (policy StaticPolicy) LoadPolicy(context.Context) (Policy, error) {
	return Policy(policy), nil
}

// Directory is the read-mostly view of holders and teams that the engine needs.
type Directory interface {
	GetHolder(ctx context.Context, holderID string) (Holder, error)
	// ListHolderTeams returns teams in membership order; the first is the holder's primary team.
	ListHolderTeams(ctx context.Context, holderID string) ([]Team, error)
	CountAbsentMembers(ctx context.Context, teamID string, excludeHolderID string) (int64, error)
	// AddHolderUsage and AddTeamPoolUsage must increment in a single statement.
	AddHolderUsage(ctx context.Context, holderID string, amount decimal.Decimal) error
	AddTeamPoolUsage(ctx context.Context, teamID string, amount decimal.Decimal) error
}

// CheckRequest asks whether a holder may spend an estimated cost.
type CheckRequest struct {
	HolderID      string
	Priority      Priority
	EstimatedCost decimal.Decimal
}

// CheckResult is the cascade decision. It is computed fresh per check and never stored.
type CheckResult struct {
	Allowed          bool                  `json:"allowed"`
	Source           Source                `json:"source"`
	Available        decimal.Decimal       `json:"available"`
	Message          string                `json:"message"`
	RequiresApproval bool                  `json:"requires_approval"`
	Approval         *ApprovalInstructions `json:"approval_instructions,omitempty"`
	TeamID           string                `json:"team_id,omitempty"`
	Priority         Priority              `json:"priority"`
	EstimatedCost    decimal.Decimal       `json:"estimated_cost"`
}

// ApprovalInstructions tells a denied caller how to request more budget.
type ApprovalInstructions struct {
	Process        string     `json:"process"`
	Steps          []string   `json:"steps"`
	Endpoint       string     `json:"endpoint"`
	Method         string     `json:"method"`
	RequiredFields []string   `json:"required_fields"`
	OptionalFields []string   `json:"optional_fields"`
	CurrentQuota   QuotaState `json:"current_quota"`
}

// QuotaState is the caller's numeric quota position at denial time.
type QuotaState struct {
	PersonalQuota decimal.Decimal `json:"personal_quota"`
	UsedTokens    decimal.Decimal `json:"used_tokens"`
	Available     decimal.Decimal `json:"available"`
	RequestedCost decimal.Decimal `json:"requested_cost"`
}

// DeductRequest records spend against the source a check selected.
type DeductRequest struct {
	HolderID string
	Cost     decimal.Decimal
	Source   Source
	TeamID   string
}

// DeductResult reports where the spend landed.
type DeductResult struct {
	HolderID string
	Source   Source
	TeamID   string
	Amount   decimal.Decimal
}

func nonNegative(value decimal.Decimal) decimal.Decimal {
	if value.IsNegative() {
		return decimal.Zero
	}
	return value
}
