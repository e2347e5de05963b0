package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/MarkoPoloResearchLab/quotagate/internal/provider"
	"github.com/MarkoPoloResearchLab/quotagate/pkg/credit"
	"github.com/MarkoPoloResearchLab/quotagate/pkg/quota"
	"github.com/MarkoPoloResearchLab/quotagate/pkg/wallet"
)

// Status is the terminal state of a completion request.
type Status string

const (
	StatusCompleted      Status = "completed"
	StatusDenied         Status = "denied"
	StatusWalletLimited  Status = "wallet_limited"
	StatusUpstreamFailed Status = "upstream_failed"
)

// MeteringMode selects how the estimate is held against the wallet before the call.
type MeteringMode string

const (
	// MeteringReserve holds the estimate and settles to the actual cost.
	MeteringReserve MeteringMode = "reserve"
	// MeteringDeduct charges the estimate up front and adjusts afterwards.
	MeteringDeduct MeteringMode = "deduct"
)

// ParseMeteringMode accepts reserve or deduct; empty means reserve.
func ParseMeteringMode(raw string) (MeteringMode, error) {
	switch MeteringMode(raw) {
	case "", MeteringReserve:
		return MeteringReserve, nil
	case MeteringDeduct:
		return MeteringDeduct, nil
	}
	return "", fmt.Errorf("%w: unknown metering mode %q", ErrInvalidConfig, raw)
}

var (
	ErrInvalidConfig  = errors.New("invalid gateway config")
	ErrInvalidRequest = errors.New("invalid completion request")
)

// CompletionRequest is one governed chat completion.
type CompletionRequest struct {
	// RequestID is generated when empty. Retrying a request with the same id
	// never double charges.
	RequestID string
	HolderID  string
	TeamID    string
	Priority  quota.Priority
	Model     string
	Messages  []provider.Message
	MaxTokens int64
}

// Outcome is what happened to a completion request. Denials and wallet limits
// are outcomes, not errors.
type Outcome struct {
	RequestID string
	Status    Status
	Check     quota.CheckResult
	Estimate  credit.Cost
	Actual    credit.Cost
	Response  provider.Response
	// Limit is set when Status is StatusWalletLimited.
	Limit     *wallet.LimitExceededError
	WalletID  string
	Deduction quota.DeductResult
	Attempts  int
	// LedgerError is set when the call succeeded but recording the spend failed.
	// The response is still returned.
	LedgerError error
}

// UpstreamError is returned when the provider failed after every retry.
type UpstreamError struct {
	RequestID string
	Attempts  int
	Err       error
}

func (upstreamError *UpstreamError) Error() string {
	return fmt.Sprintf("request %s: provider failed after %d attempt(s): %v", upstreamError.RequestID, upstreamError.Attempts, upstreamError.Err)
}

func (upstreamError *UpstreamError) Unwrap() error {
	return upstreamError.Err
}

// StatusCode is the upstream HTTP status, zero when the failure was not an HTTP response.
func (upstreamError *UpstreamError) StatusCode() int {
	var providerError *provider.Error
	if errors.As(upstreamError.Err, &providerError) {
		return providerError.StatusCode
	}
	return 0
}

// RequestLog is the persisted record of one gateway request.
type RequestLog struct {
	RequestID        string
	HolderID         string
	TeamID           string
	WalletID         string
	Model            string
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	EstimatedCredits decimal.Decimal
	ActualCredits    decimal.Decimal
	Source           quota.Source
	CostSource       credit.CostSource
	Status           Status
	Error            string
	Attempts         int
	Latency          time.Duration
	CreatedAt        time.Time
}

// RequestLogger persists request logs. Failures are logged by the gateway and
// never fail the request.
type RequestLogger interface {
	LogRequest(ctx context.Context, entry RequestLog) error
}
