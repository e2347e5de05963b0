package quota

import "errors"

// Error values returned by the cascade engine.
var (
	ErrInvalidPriority     = errors.New("invalid priority")
	ErrInvalidSource       = errors.New("invalid budget source")
	ErrInvalidHolderID     = errors.New("invalid holder id")
	ErrInvalidCost         = errors.New("invalid cost")
	ErrUnknownHolder       = errors.New("unknown holder")
	ErrUnknownTeam         = errors.New("unknown team")
	ErrTeamNotMember       = errors.New("holder is not a member of team")
	ErrNoTeamForDeduction  = errors.New("holder belongs to no team to charge")
	ErrNoBudgetSource      = errors.New("no budget source to charge")
	ErrInvalidEngineConfig = errors.New("invalid engine config")
)
