// Package quota decides which budget pays for a request and records the spend.
//
// A check walks a fixed cascade: the holder's personal quota, then the team
// pools through a priority bypass, then the vacation-shared part of team pools,
// and finally a denial that carries approval instructions.
package quota

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// DefaultApprovalEndpoint is where denied callers submit approval requests.
	DefaultApprovalEndpoint = "/api/v1/approvals"

	approvalProcessName = "quota_increase_request"
	approvalMethod      = "POST"

	messagePersonal       = "using personal quota"
	messagePriorityBypass = "personal quota exhausted; critical request drawing on team pool"
	messageVacationShare  = "personal quota exhausted; drawing on vacation-shared team pool"
	messageDenied         = "quota exceeded; submit an approval request to continue"
	messageSuspended      = "holder is suspended"
)

var percentDivisor = decimal.NewFromInt(100)

// Engine runs quota checks and deductions against a Directory.
type Engine struct {
	directory        Directory
	approvalEndpoint string
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithApprovalEndpoint overrides the approval submission path in denials.
func WithApprovalEndpoint(endpoint string) EngineOption {
	return func(engine *Engine) {
		if trimmed := strings.TrimSpace(endpoint); trimmed != "" {
			engine.approvalEndpoint = trimmed
		}
	}
}

// NewEngine wires an Engine.
func NewEngine(directory Directory, options ...EngineOption) (*Engine, error) {
	if directory == nil {
		return nil, fmt.Errorf("%w: directory dependency is nil", ErrInvalidEngineConfig)
	}
	engine := &Engine{directory: directory, approvalEndpoint: DefaultApprovalEndpoint}
	for _, option := range options {
		if option != nil {
			option(engine)
		}
	}
	return engine, nil
}

// Check loads the holder's state and evaluates the cascade under the given policy.
func (engine *Engine) Check(ctx context.Context, policy Policy, request CheckRequest) (CheckResult, error) {
	holderID := strings.TrimSpace(request.HolderID)
	if holderID == "" {
		return CheckResult{}, ErrInvalidHolderID
	}
	if !request.EstimatedCost.IsPositive() {
		return CheckResult{}, fmt.Errorf("%w: estimated cost must be positive", ErrInvalidCost)
	}
	if request.Priority == "" {
		request.Priority = PriorityNormal
	}
	holder, err := engine.directory.GetHolder(ctx, holderID)
	if err != nil {
		return CheckResult{}, err
	}
	teams, err := engine.directory.ListHolderTeams(ctx, holderID)
	if err != nil {
		return CheckResult{}, err
	}
	states := make([]TeamState, 0, len(teams))
	for _, team := range teams {
		state := TeamState{Team: team}
		if policy.AllowVacationSharing {
			absent, err := engine.directory.CountAbsentMembers(ctx, team.ID, holderID)
			if err != nil {
				return CheckResult{}, err
			}
			state.OtherMemberAbsent = absent > 0
		}
		states = append(states, state)
	}
	return engine.Evaluate(policy, holder, states, request), nil
}

// Evaluate is the pure cascade. Teams are considered in the order given.
func (engine *Engine) Evaluate(policy Policy, holder Holder, teams []TeamState, request CheckRequest) CheckResult {
	cost := request.EstimatedCost
	personal := holder.PersonalAvailable()
	result := CheckResult{Priority: request.Priority, EstimatedCost: cost}

	if holder.Status == HolderSuspended {
		result.Source = SourceNone
		result.Available = decimal.Zero
		result.Message = messageSuspended
		return result
	}

	if personal.GreaterThanOrEqual(cost) {
		result.Allowed = true
		result.Source = SourcePersonal
		result.Available = personal
		result.Message = messagePersonal
		return result
	}

	if request.Priority == PriorityCritical && policy.AllowPriorityBypass {
		pool := decimal.Zero
		for _, state := range teams {
			pool = pool.Add(state.Team.AvailablePool())
		}
		if pool.IsPositive() && pool.GreaterThanOrEqual(cost) {
			result.Allowed = true
			result.Source = SourcePriorityBypass
			result.Available = pool
			result.Message = messagePriorityBypass
			result.TeamID = bypassTeam(teams, cost)
			return result
		}
	}

	if policy.AllowVacationSharing {
		shared := decimal.Zero
		firstContributor := ""
		for _, state := range teams {
			if !state.OtherMemberAbsent {
				continue
			}
			share := state.Team.AvailablePool().Mul(state.Team.VacationSharePercentage).Div(percentDivisor)
			if !share.IsPositive() {
				continue
			}
			shared = shared.Add(share)
			if firstContributor == "" {
				firstContributor = state.Team.ID
			}
		}
		if shared.IsPositive() && shared.GreaterThanOrEqual(cost) {
			result.Allowed = true
			result.Source = SourceVacationShare
			result.Available = shared
			result.Message = messageVacationShare
			result.TeamID = firstContributor
			return result
		}
	}

	result.Source = SourceNone
	result.Available = personal
	result.Message = messageDenied
	result.RequiresApproval = true
	result.Approval = engine.approvalInstructions(holder, cost)
	return result
}

// Deduct charges cost to the source a check selected.
func (engine *Engine) Deduct(ctx context.Context, request DeductRequest) (DeductResult, error) {
	holderID := strings.TrimSpace(request.HolderID)
	if holderID == "" {
		return DeductResult{}, ErrInvalidHolderID
	}
	if request.Cost.IsNegative() {
		return DeductResult{}, fmt.Errorf("%w: cost must not be negative", ErrInvalidCost)
	}
	result := DeductResult{HolderID: holderID, Source: request.Source, Amount: request.Cost}

	switch request.Source {
	case SourcePersonal:
		if request.Cost.IsZero() {
			return result, nil
		}
		if err := engine.directory.AddHolderUsage(ctx, holderID, request.Cost); err != nil {
			return DeductResult{}, err
		}
		return result, nil
	case SourceTeamPool, SourcePriorityBypass, SourceVacationShare:
		teamID, err := engine.resolveTeam(ctx, holderID, strings.TrimSpace(request.TeamID))
		if err != nil {
			return DeductResult{}, err
		}
		result.TeamID = teamID
		if request.Cost.IsZero() {
			return result, nil
		}
		if err := engine.directory.AddTeamPoolUsage(ctx, teamID, request.Cost); err != nil {
			return DeductResult{}, err
		}
		return result, nil
	case SourceNone:
		return DeductResult{}, ErrNoBudgetSource
	default:
		return DeductResult{}, fmt.Errorf("%w: %q", ErrInvalidSource, request.Source)
	}
}

func (engine *Engine) resolveTeam(ctx context.Context, holderID string, explicitTeamID string) (string, error) {
	teams, err := engine.directory.ListHolderTeams(ctx, holderID)
	if err != nil {
		return "", err
	}
	if explicitTeamID != "" {
		for _, team := range teams {
			if team.ID == explicitTeamID {
				return team.ID, nil
			}
		}
		return "", fmt.Errorf("%w: %s", ErrTeamNotMember, explicitTeamID)
	}
	if len(teams) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoTeamForDeduction, holderID)
	}
	return teams[0].ID, nil
}

func (engine *Engine) approvalInstructions(holder Holder, cost decimal.Decimal) *ApprovalInstructions {
	return &ApprovalInstructions{
		Process: approvalProcessName,
		Steps: []string{
			"Prepare a justification for the additional budget",
			"Submit the request to the approval endpoint with the required fields",
			"Wait for a team lead or administrator to approve",
			"Retry the original request once the quota is raised",
		},
		Endpoint:       engine.approvalEndpoint,
		Method:         approvalMethod,
		RequiredFields: []string{"requested_amount", "justification", "priority"},
		OptionalFields: []string{"team_id", "project", "deadline"},
		CurrentQuota: QuotaState{
			PersonalQuota: holder.PersonalQuota,
			UsedTokens:    holder.UsedTokens,
			Available:     holder.PersonalAvailable(),
			RequestedCost: cost,
		},
	}
}

func bypassTeam(teams []TeamState, cost decimal.Decimal) string {
	for _, state := range teams {
		if state.Team.AvailablePool().GreaterThanOrEqual(cost) {
			return state.Team.ID
		}
	}
	for _, state := range teams {
		if state.Team.AvailablePool().IsPositive() {
			return state.Team.ID
		}
	}
	return ""
}
