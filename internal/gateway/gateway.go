// Package gateway sequences one governed completion: estimate, policy, quota
// cascade, wallet hold, provider call with retry, settlement and quota deduction.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/quotagate/internal/logging"
	"github.com/MarkoPoloResearchLab/quotagate/internal/metrics"
	"github.com/MarkoPoloResearchLab/quotagate/internal/provider"
	"github.com/MarkoPoloResearchLab/quotagate/pkg/credit"
	"github.com/MarkoPoloResearchLab/quotagate/pkg/quota"
	"github.com/MarkoPoloResearchLab/quotagate/pkg/wallet"
)

const (
	// maxRequestIDLength leaves room for the idempotency key prefixes.
	maxRequestIDLength = 96

	keyPrefixReserve = "reserve:"
	keyPrefixDeduct  = "deduct:"
	keyPrefixSettle  = "settle:"
	keyPrefixAdjust  = "adjust:"
	keyPrefixRefund  = "refund:"

	releaseReasonUpstream = "upstream failure"

	attemptOutcomeSuccess   = "success"
	attemptOutcomeRetryable = "retryable_error"
	attemptOutcomeFatal     = "fatal_error"
)

var ErrDuplicateRequest = errors.New("request id already used")

// Quota is the part of the cascade engine the gateway drives.
type Quota interface {
	Check(ctx context.Context, policy quota.Policy, request quota.CheckRequest) (quota.CheckResult, error)
	Deduct(ctx context.Context, request quota.DeductRequest) (quota.DeductResult, error)
}

// Ledger is the part of the wallet service the gateway drives.
type Ledger interface {
	Deduct(ctx context.Context, request wallet.DeductRequest) (wallet.Receipt, error)
	Refund(ctx context.Context, request wallet.RefundRequest) (wallet.Receipt, error)
	Reserve(ctx context.Context, request wallet.ReserveRequest) (wallet.Receipt, error)
	Settle(ctx context.Context, request wallet.SettleRequest) (wallet.Receipt, error)
	Release(ctx context.Context, request wallet.ReleaseRequest) (wallet.Receipt, error)
}

// HolderLookup resolves the wallet linked to a holder.
type HolderLookup interface {
	GetHolder(ctx context.Context, holderID string) (quota.Holder, error)
}

// Dependencies are the collaborators every gateway needs.
type Dependencies struct {
	Calculator *credit.Calculator
	Quota      Quota
	Policies   quota.PolicySource
	Holders    HolderLookup
	Ledger     Ledger
	Provider   provider.Client
}

// Gateway runs governed completions.
type Gateway struct {
	calculator     *credit.Calculator
	quota          Quota
	policies       quota.PolicySource
	holders        HolderLookup
	ledger         Ledger
	provider       provider.Client
	mode           MeteringMode
	retry          RetryPolicy
	reservationTTL time.Duration
	requestTimeout time.Duration
	requestLogger  RequestLogger
	logger         *zap.Logger
	metrics        *metrics.Collectors
	now            func() time.Time
	newID          func() string
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithMeteringMode selects reserve (default) or deduct metering.
func WithMeteringMode(mode MeteringMode) Option {
	return func(gateway *Gateway) {
		gateway.mode = mode
	}
}

// WithRetryPolicy replaces the default provider retry policy.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(gateway *Gateway) {
		gateway.retry = policy
	}
}

// WithReservationTTL sets the hold lifetime; zero uses the ledger default.
func WithReservationTTL(ttl time.Duration) Option {
	return func(gateway *Gateway) {
		gateway.reservationTTL = ttl
	}
}

// WithRequestTimeout bounds the provider call including retries.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(gateway *Gateway) {
		gateway.requestTimeout = timeout
	}
}

func WithRequestLogger(requestLogger RequestLogger) Option {
	return func(gateway *Gateway) {
		gateway.requestLogger = requestLogger
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(gateway *Gateway) {
		if logger != nil {
			gateway.logger = logger
		}
	}
}

func WithMetrics(collectors *metrics.Collectors) Option {
	return func(gateway *Gateway) {
		gateway.metrics = collectors
	}
}

func WithClock(now func() time.Time) Option {
	return func(gateway *Gateway) {
		if now != nil {
			gateway.now = now
		}
	}
}

func WithIDGenerator(generate func() string) Option {
	return func(gateway *Gateway) {
		if generate != nil {
			gateway.newID = generate
		}
	}
}

// New validates dependencies and builds a Gateway.
func New(dependencies Dependencies, options ...Option) (*Gateway, error) {
	switch {
	case dependencies.Calculator == nil:
		return nil, fmt.Errorf("%w: calculator is required", ErrInvalidConfig)
	case dependencies.Quota == nil:
		return nil, fmt.Errorf("%w: quota engine is required", ErrInvalidConfig)
	case dependencies.Policies == nil:
		return nil, fmt.Errorf("%w: policy source is required", ErrInvalidConfig)
	case dependencies.Holders == nil:
		return nil, fmt.Errorf("%w: holder lookup is required", ErrInvalidConfig)
	case dependencies.Ledger == nil:
		return nil, fmt.Errorf("%w: ledger is required", ErrInvalidConfig)
	case dependencies.Provider == nil:
		return nil, fmt.Errorf("%w: provider client is required", ErrInvalidConfig)
	}
	gateway := &Gateway{
		calculator: dependencies.Calculator,
		quota:      dependencies.Quota,
		policies:   dependencies.Policies,
		holders:    dependencies.Holders,
		ledger:     dependencies.Ledger,
		provider:   dependencies.Provider,
		mode:       MeteringReserve,
		retry:      DefaultRetryPolicy(),
		logger:     zap.NewNop(),
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
	}
	for _, option := range options {
		if option != nil {
			option(gateway)
		}
	}
	if _, err := ParseMeteringMode(string(gateway.mode)); err != nil {
		return nil, err
	}
	if err := gateway.retry.Validate(); err != nil {
		return nil, err
	}
	return gateway, nil
}

// hold is the wallet charge taken before the provider call.
type hold struct {
	walletID      wallet.WalletID
	reservationID wallet.TransactionID
	amount        decimal.Decimal
}

// Complete runs one governed completion. Denials and wallet limits come back
// as outcomes with a nil error; a provider failure after every retry returns
// *UpstreamError once the wallet hold has been released or refunded.
func (gateway *Gateway) Complete(ctx context.Context, request CompletionRequest) (Outcome, error) {
	started := gateway.now()
	requestID, err := gateway.resolveRequestID(request.RequestID)
	if err != nil {
		return Outcome{}, err
	}
	outcome := Outcome{RequestID: requestID.String()}
	if err := validateRequest(request); err != nil {
		return outcome, err
	}
	priority := request.Priority
	if priority == "" {
		priority = quota.PriorityNormal
	}

	logger := gateway.logger.With(
		zap.String("request_id", requestID.String()),
		zap.String("holder_id", request.HolderID),
		zap.String("model", request.Model),
	)
	ctx = logging.WithContext(ctx, logger)

	promptParts := make([]string, 0, len(request.Messages))
	for _, message := range request.Messages {
		promptParts = append(promptParts, message.Content)
	}
	estimate := gateway.calculator.EstimateCost(request.Model, credit.EstimateTokens(promptParts, request.MaxTokens))
	outcome.Estimate = estimate
	record := RequestLog{
		RequestID:        requestID.String(),
		HolderID:         request.HolderID,
		TeamID:           request.TeamID,
		Model:            request.Model,
		EstimatedCredits: estimate.Credits,
		CreatedAt:        started,
	}

	policy, err := gateway.policies.LoadPolicy(ctx)
	if err != nil {
		return outcome, fmt.Errorf("load policy: %w", err)
	}
	check, err := gateway.quota.Check(ctx, policy, quota.CheckRequest{
		HolderID:      request.HolderID,
		Priority:      priority,
		EstimatedCost: estimate.Credits,
	})
	if err != nil {
		return outcome, err
	}
	outcome.Check = check
	record.Source = check.Source
	if !check.Allowed {
		outcome.Status = StatusDenied
		logger.Info("completion denied by quota", zap.String("message", check.Message), zap.Bool("requires_approval", check.RequiresApproval))
		gateway.finish(ctx, logger, &outcome, &record, started, nil)
		return outcome, nil
	}

	holder, err := gateway.holders.GetHolder(ctx, request.HolderID)
	if err != nil {
		return outcome, err
	}
	held, err := gateway.holdEstimate(ctx, logger, holder.WalletID, requestID, estimate)
	var limitError *wallet.LimitExceededError
	if errors.As(err, &limitError) {
		outcome.Status = StatusWalletLimited
		outcome.Limit = limitError
		outcome.WalletID = holder.WalletID
		record.WalletID = holder.WalletID
		logger.Info("completion denied by wallet limit", zap.String("scope", string(limitError.Scope)), zap.String("limited_wallet", limitError.WalletID.String()))
		gateway.finish(ctx, logger, &outcome, &record, started, limitError)
		return outcome, nil
	}
	if err != nil {
		return outcome, err
	}
	if held != nil {
		outcome.WalletID = held.walletID.String()
		record.WalletID = held.walletID.String()
	}

	response, attempts, err := gateway.forward(ctx, request)
	outcome.Attempts = attempts
	record.Attempts = attempts
	if err != nil {
		upstreamError := &UpstreamError{RequestID: requestID.String(), Attempts: attempts, Err: err}
		gateway.compensate(context.WithoutCancel(ctx), logger, held, requestID)
		outcome.Status = StatusUpstreamFailed
		logger.Warn("provider failed", zap.Int("attempts", attempts), zap.Error(err))
		gateway.finish(ctx, logger, &outcome, &record, started, upstreamError)
		return outcome, upstreamError
	}
	outcome.Response = response

	actual := gateway.actualCost(logger, request.Model, response, estimate.TotalTokens)
	outcome.Actual = actual

	ledgerCtx := context.WithoutCancel(ctx)
	var ledgerErrors []error
	if err := gateway.settle(ledgerCtx, held, requestID, actual.Credits); err != nil {
		logger.Error("wallet settlement failed", zap.Error(err))
		ledgerErrors = append(ledgerErrors, err)
	}
	teamID := request.TeamID
	if teamID == "" {
		teamID = check.TeamID
	}
	deduction, err := gateway.quota.Deduct(ledgerCtx, quota.DeductRequest{
		HolderID: request.HolderID,
		Cost:     actual.Credits,
		Source:   check.Source,
		TeamID:   teamID,
	})
	if err != nil {
		logger.Error("quota deduction failed", zap.String("source", check.Source.String()), zap.Error(err))
		ledgerErrors = append(ledgerErrors, err)
	}
	outcome.Deduction = deduction
	outcome.LedgerError = errors.Join(ledgerErrors...)
	outcome.Status = StatusCompleted
	if deduction.TeamID != "" {
		record.TeamID = deduction.TeamID
	}
	gateway.finish(ctx, logger, &outcome, &record, started, outcome.LedgerError)
	return outcome, nil
}

func (gateway *Gateway) resolveRequestID(raw string) (wallet.RequestID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		trimmed = gateway.newID()
	}
	if len(trimmed) > maxRequestIDLength {
		return wallet.RequestID{}, fmt.Errorf("%w: request id longer than %d characters", ErrInvalidRequest, maxRequestIDLength)
	}
	return wallet.NewRequestID(trimmed)
}

func validateRequest(request CompletionRequest) error {
	if strings.TrimSpace(request.HolderID) == "" {
		return fmt.Errorf("%w: holder id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(request.Model) == "" {
		return fmt.Errorf("%w: model is required", ErrInvalidRequest)
	}
	if len(request.Messages) == 0 {
		return fmt.Errorf("%w: at least one message is required", ErrInvalidRequest)
	}
	if request.MaxTokens < 0 {
		return fmt.Errorf("%w: max_tokens must not be negative", ErrInvalidRequest)
	}
	return nil
}

// holdEstimate reserves or deducts the estimate. It returns nil when the
// holder has no wallet.
func (gateway *Gateway) holdEstimate(ctx context.Context, logger *zap.Logger, rawWalletID string, requestID wallet.RequestID, estimate credit.Cost) (*hold, error) {
	if strings.TrimSpace(rawWalletID) == "" {
		logger.Debug("holder has no wallet, skipping ledger")
		return nil, nil
	}
	walletID, err := wallet.NewWalletID(rawWalletID)
	if err != nil {
		return nil, err
	}

	var receipt wallet.Receipt
	switch gateway.mode {
	case MeteringDeduct:
		key, keyErr := wallet.NewIdempotencyKey(keyPrefixDeduct + requestID.String())
		if keyErr != nil {
			return nil, keyErr
		}
		receipt, err = gateway.ledger.Deduct(ctx, wallet.DeductRequest{
			WalletID:       walletID,
			Amount:         estimate.Credits,
			RequestID:      requestID,
			IdempotencyKey: key,
			Description:    "completion estimate " + estimate.Model,
		})
	default:
		key, keyErr := wallet.NewIdempotencyKey(keyPrefixReserve + requestID.String())
		if keyErr != nil {
			return nil, keyErr
		}
		receipt, err = gateway.ledger.Reserve(ctx, wallet.ReserveRequest{
			WalletID:       walletID,
			Amount:         estimate.Credits,
			RequestID:      requestID,
			TTL:            gateway.reservationTTL,
			IdempotencyKey: key,
			Description:    "completion hold " + estimate.Model,
		})
	}
	if err != nil {
		return nil, err
	}
	if receipt.Replayed {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, requestID.String())
	}
	if receipt.SoftLimitWarning {
		logger.Warn("wallet soft limit reached",
			zap.String("wallet_id", walletID.String()),
			zap.String("available", receipt.Wallet.Available().String()),
		)
	}
	return &hold{walletID: walletID, reservationID: receipt.Transaction.ID, amount: estimate.Credits}, nil
}

func (gateway *Gateway) forward(ctx context.Context, request CompletionRequest) (provider.Response, int, error) {
	if gateway.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, gateway.requestTimeout)
		defer cancel()
	}
	providerRequest := provider.Request{
		Model:     request.Model,
		Messages:  request.Messages,
		MaxTokens: request.MaxTokens,
		User:      request.HolderID,
	}
	var response provider.Response
	attempts, err := gateway.retry.Do(ctx, func(attemptCtx context.Context) error {
		result, forwardErr := gateway.provider.Forward(attemptCtx, providerRequest)
		gateway.observeAttempt(forwardErr)
		if forwardErr != nil {
			return forwardErr
		}
		response = result
		return nil
	})
	return response, attempts, err
}

// actualCost prices the call from reported usage. A response without usage is
// charged at the estimate's token count.
func (gateway *Gateway) actualCost(logger *zap.Logger, model string, response provider.Response, estimatedTokens int64) credit.Cost {
	promptTokens := response.Usage.PromptTokens
	completionTokens := response.Usage.CompletionTokens
	if promptTokens == 0 && completionTokens == 0 {
		promptTokens = response.Usage.TotalTokens
		if promptTokens == 0 {
			promptTokens = estimatedTokens
		}
	}
	var report *credit.ProviderReport
	if response.ReportedCostUSD != "" {
		report = &credit.ProviderReport{CostUSD: response.ReportedCostUSD}
	}
	cost := gateway.calculator.CalculateCost(model, promptTokens, completionTokens, report)
	if report != nil && cost.FallbackReason != nil {
		logger.Warn("provider cost ignored", zap.String("reported", response.ReportedCostUSD), zap.Error(cost.FallbackReason))
	}
	return cost
}

func (gateway *Gateway) settle(ctx context.Context, held *hold, requestID wallet.RequestID, actual decimal.Decimal) error {
	if held == nil {
		return nil
	}
	if gateway.mode != MeteringDeduct {
		key, err := wallet.NewIdempotencyKey(keyPrefixSettle + requestID.String())
		if err != nil {
			return err
		}
		_, err = gateway.ledger.Settle(ctx, wallet.SettleRequest{
			ReservationID:  held.reservationID,
			ActualCost:     actual,
			IdempotencyKey: key,
		})
		return err
	}

	key, err := wallet.NewIdempotencyKey(keyPrefixAdjust + requestID.String())
	if err != nil {
		return err
	}
	difference := actual.Sub(held.amount)
	switch {
	case difference.IsPositive():
		_, err = gateway.ledger.Deduct(ctx, wallet.DeductRequest{
			WalletID:       held.walletID,
			Amount:         difference,
			RequestID:      requestID,
			IdempotencyKey: key,
			Description:    "completion adjustment",
		})
	case difference.IsNegative():
		_, err = gateway.ledger.Refund(ctx, wallet.RefundRequest{
			WalletID:          held.walletID,
			Amount:            difference.Neg(),
			OriginalRequestID: requestID,
			IdempotencyKey:    key,
			Description:       "completion adjustment",
		})
	}
	return err
}

// compensate returns the hold after a provider failure. Both paths are
// idempotent on the request id.
func (gateway *Gateway) compensate(ctx context.Context, logger *zap.Logger, held *hold, requestID wallet.RequestID) {
	if held == nil {
		return
	}
	var err error
	if gateway.mode == MeteringDeduct {
		key, keyErr := wallet.NewIdempotencyKey(keyPrefixRefund + requestID.String())
		if keyErr != nil {
			logger.Error("refund key invalid", zap.Error(keyErr))
			return
		}
		_, err = gateway.ledger.Refund(ctx, wallet.RefundRequest{
			WalletID:          held.walletID,
			Amount:            held.amount,
			OriginalRequestID: requestID,
			IdempotencyKey:    key,
			Description:       releaseReasonUpstream,
		})
	} else {
		_, err = gateway.ledger.Release(ctx, wallet.ReleaseRequest{
			ReservationID: held.reservationID,
			Reason:        releaseReasonUpstream,
		})
	}
	if err != nil {
		logger.Error("wallet hold not returned", zap.String("wallet_id", held.walletID.String()), zap.Error(err))
	}
}

func (gateway *Gateway) finish(ctx context.Context, logger *zap.Logger, outcome *Outcome, record *RequestLog, started time.Time, failure error) {
	record.Status = outcome.Status
	record.Attempts = outcome.Attempts
	record.PromptTokens = outcome.Response.Usage.PromptTokens
	record.CompletionTokens = outcome.Response.Usage.CompletionTokens
	record.TotalTokens = outcome.Response.Usage.TotalTokens
	record.Latency = gateway.now().Sub(started)
	if outcome.Status == StatusCompleted {
		record.ActualCredits = outcome.Actual.Credits
		record.CostSource = outcome.Actual.Source
	}
	if failure != nil {
		record.Error = failure.Error()
	}

	if gateway.requestLogger != nil {
		if err := gateway.requestLogger.LogRequest(context.WithoutCancel(ctx), *record); err != nil {
			logger.Error("request log write failed", zap.Error(err))
		}
	}

	if gateway.metrics != nil {
		source := outcome.Check.Source.String()
		gateway.metrics.GatewayRequestsTotal.WithLabelValues(string(outcome.Status), source).Inc()
		if outcome.Status == StatusCompleted {
			gateway.metrics.CreditsChargedTotal.WithLabelValues(source, string(outcome.Actual.Source)).Add(outcome.Actual.Credits.InexactFloat64())
		}
	}
	if outcome.Status == StatusCompleted {
		logger.Info("completion finished",
			zap.String("source", outcome.Check.Source.String()),
			zap.String("credits", outcome.Actual.Credits.String()),
			zap.String("cost_source", string(outcome.Actual.Source)),
			zap.Int("attempts", outcome.Attempts),
			zap.Duration("latency", record.Latency),
		)
	}
}

func (gateway *Gateway) observeAttempt(err error) {
	if gateway.metrics == nil {
		return
	}
	outcome := attemptOutcomeSuccess
	switch {
	case err == nil:
	case provider.IsRetryable(err):
		outcome = attemptOutcomeRetryable
	default:
		outcome = attemptOutcomeFatal
	}
	gateway.metrics.ProviderAttemptsTotal.WithLabelValues(outcome).Inc()
}
