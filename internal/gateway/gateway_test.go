package gateway_test

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/MarkoPoloResearchLab/quotagate/internal/gateway"
	"github.com/MarkoPoloResearchLab/quotagate/internal/metrics"
	"github.com/MarkoPoloResearchLab/quotagate/internal/provider"
	"github.com/MarkoPoloResearchLab/quotagate/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/quotagate/pkg/credit"
	"github.com/MarkoPoloResearchLab/quotagate/pkg/quota"
	"github.com/MarkoPoloResearchLab/quotagate/pkg/wallet"
)

type providerResult struct {
	response provider.Response
	err      error
}

// scriptedProvider replays results in order and repeats the last one.
type scriptedProvider struct {
	mutex    sync.Mutex
	results  []providerResult
	requests []provider.Request
}

func (scripted *scriptedProvider) Forward(_ context.Context, request provider.Request) (provider.Response, error) {
	scripted.mutex.Lock()
	defer scripted.mutex.Unlock()
	index := len(scripted.requests)
	scripted.requests = append(scripted.requests, request)
	if index >= len(scripted.results) {
		index = len(scripted.results) - 1
	}
	result := scripted.results[index]
	return result.response, result.err
}

func (scripted *scriptedProvider) Calls() int {
	scripted.mutex.Lock()
	defer scripted.mutex.Unlock()
	return len(scripted.requests)
}

type fixture struct {
	gateway    *gateway.Gateway
	wallets    *wallet.Service
	directory  *gormstore.Directory
	requests   *gormstore.RequestLogStore
	calculator *credit.Calculator
	provider   *scriptedProvider
	collectors *metrics.Collectors
}

func okResponse(costUSD string) providerResult {
	return providerResult{response: provider.Response{
		ID:              "chatcmpl-1",
		Model:           "gpt-4o-mini",
		Content:         "hello back",
		FinishReason:    "stop",
		Usage:           provider.Usage{PromptTokens: 20, CompletionTokens: 40, TotalTokens: 60},
		ReportedCostUSD: costUSD,
	}}
}

func upstreamFailure(statusCode int) providerResult {
	return providerResult{err: &provider.Error{
		StatusCode: statusCode,
		Message:    http.StatusText(statusCode),
		Retryable:  provider.RetryableStatus(statusCode),
	}}
}

func newFixture(test *testing.T, results []providerResult, options ...gateway.Option) *fixture {
	test.Helper()
	return newFixtureWithPolicy(test, quota.Policy{}, results, options...)
}

func newFixtureWithPolicy(test *testing.T, policy quota.Policy, results []providerResult, options ...gateway.Option) *fixture {
	test.Helper()
	ctx := context.Background()
	db, err := gorm.Open(sqlite.Open(filepath.Join(test.TempDir(), "gateway.db")), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(test, err)
	sqlDB, err := db.DB()
	require.NoError(test, err)
	sqlDB.SetMaxOpenConns(1)
	test.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(test, gormstore.AutoMigrate(db))

	wallets, err := wallet.NewService(gormstore.New(db), func() time.Time { return time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC) })
	require.NoError(test, err)
	_, err = wallets.CreateWallet(ctx, wallet.WalletSpec{ID: "wallet-alice", Kind: wallet.KindUser, Name: "Alice", HardLimit: decimal.NewFromInt(500)})
	require.NoError(test, err)
	_, err = wallets.CreateWallet(ctx, wallet.WalletSpec{ID: "wallet-tiny", Kind: wallet.KindUser, Name: "Tiny", HardLimit: decimal.RequireFromString("0.001")})
	require.NoError(test, err)

	directory := gormstore.NewDirectory(db)
	holders := []quota.Holder{
		{ID: "alice", PersonalQuota: decimal.NewFromInt(1000), WalletID: "wallet-alice"},
		{ID: "broke", PersonalQuota: decimal.Zero},
		{ID: "teamed", PersonalQuota: decimal.Zero},
		{ID: "tiny", PersonalQuota: decimal.NewFromInt(1000), WalletID: "wallet-tiny"},
		{ID: "walletless", PersonalQuota: decimal.NewFromInt(1000)},
	}
	for _, holder := range holders {
		require.NoError(test, directory.UpsertHolder(ctx, holder))
	}
	require.NoError(test, directory.UpsertTeam(ctx, quota.Team{ID: "eng", Name: "Engineering", CommonPool: decimal.NewFromInt(1000)}, "teamed"))

	engine, err := quota.NewEngine(directory)
	require.NoError(test, err)
	calculator, err := credit.NewCalculator(credit.DefaultRateTable())
	require.NoError(test, err)

	scripted := &scriptedProvider{results: results}
	requests := gormstore.NewRequestLogStore(db)
	collectors := metrics.NewCollectors(prometheus.NewRegistry())
	defaults := []gateway.Option{
		gateway.WithRequestLogger(requests),
		gateway.WithMetrics(collectors),
		gateway.WithRetryPolicy(gateway.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}),
	}
	governed, err := gateway.New(gateway.Dependencies{
		Calculator: calculator,
		Quota:      engine,
		Policies:   quota.StaticPolicy(policy),
		Holders:    directory,
		Ledger:     wallets,
		Provider:   scripted,
	}, append(defaults, options...)...)
	require.NoError(test, err)

	return &fixture{
		gateway:    governed,
		wallets:    wallets,
		directory:  directory,
		requests:   requests,
		calculator: calculator,
		provider:   scripted,
		collectors: collectors,
	}
}

func completion(holderID string, requestID string) gateway.CompletionRequest {
	return gateway.CompletionRequest{
		RequestID: requestID,
		HolderID:  holderID,
		Model:     "gpt-4o-mini",
		Messages:  []provider.Message{{Role: provider.RoleUser, Content: "hello there"}},
		MaxTokens: 100,
	}
}

func walletBalances(test *testing.T, service *wallet.Service, id string) wallet.Wallet {
	test.Helper()
	walletID, err := wallet.NewWalletID(id)
	require.NoError(test, err)
	stored, err := service.GetWallet(context.Background(), walletID)
	require.NoError(test, err)
	return stored
}

func TestCompleteReserveModeSettlesActualCost(test *testing.T) {
	test.Parallel()
	env := newFixture(test, []providerResult{okResponse("0.0123")})
	ctx := context.Background()

	outcome, err := env.gateway.Complete(ctx, completion("alice", "req-ok"))
	require.NoError(test, err)
	require.NoError(test, outcome.LedgerError)

	assert.Equal(test, gateway.StatusCompleted, outcome.Status)
	assert.Equal(test, quota.SourcePersonal, outcome.Check.Source)
	assert.Equal(test, credit.CostSourceProvider, outcome.Actual.Source)
	assert.True(test, outcome.Actual.Credits.Equal(decimal.RequireFromString("12.3")), "actual credits %s", outcome.Actual.Credits)
	assert.Equal(test, 1, outcome.Attempts)
	assert.Equal(test, "hello back", outcome.Response.Content)
	assert.Equal(test, "alice", env.provider.requests[0].User)

	stored := walletBalances(test, env.wallets, "wallet-alice")
	assert.True(test, stored.Used.Equal(decimal.RequireFromString("12.3")), "wallet used %s", stored.Used)
	assert.True(test, stored.Reserved.IsZero(), "wallet reserved %s", stored.Reserved)

	holder, err := env.directory.GetHolder(ctx, "alice")
	require.NoError(test, err)
	assert.True(test, holder.UsedTokens.Equal(decimal.RequireFromString("12.3")), "holder used %s", holder.UsedTokens)

	logs, err := env.requests.ListRequests(ctx, "alice", 10)
	require.NoError(test, err)
	require.Len(test, logs, 1)
	assert.Equal(test, gateway.StatusCompleted, logs[0].Status)
	assert.Equal(test, "wallet-alice", logs[0].WalletID)
	assert.Equal(test, int64(60), logs[0].TotalTokens)
	assert.True(test, logs[0].EstimatedCredits.Equal(outcome.Estimate.Credits))

	assert.Equal(test, 1.0, testutil.ToFloat64(env.collectors.GatewayRequestsTotal.WithLabelValues("completed", "personal")))
	assert.Equal(test, 1.0, testutil.ToFloat64(env.collectors.ProviderAttemptsTotal.WithLabelValues("success")))
}

func TestCompleteEstimateUsesTokenHeuristic(test *testing.T) {
	test.Parallel()
	env := newFixture(test, []providerResult{okResponse("")})
	request := completion("alice", "req-estimate")

	outcome, err := env.gateway.Complete(context.Background(), request)
	require.NoError(test, err)

	expected := env.calculator.EstimateCost(request.Model, credit.EstimateTokens([]string{"hello there"}, request.MaxTokens))
	assert.True(test, outcome.Estimate.Credits.Equal(expected.Credits))
	assert.Equal(test, credit.CostSourceRateTable, outcome.Actual.Source)
	assert.ErrorIs(test, outcome.Actual.FallbackReason, credit.ErrNoReportedCost)
}

func TestCompleteWithoutUsageChargesEstimate(test *testing.T) {
	test.Parallel()
	bare := okResponse("")
	bare.response.Usage = provider.Usage{}
	env := newFixture(test, []providerResult{bare})

	outcome, err := env.gateway.Complete(context.Background(), completion("alice", "req-bare"))
	require.NoError(test, err)

	assert.Equal(test, outcome.Estimate.TotalTokens, outcome.Actual.TotalTokens)
	assert.True(test, outcome.Actual.Credits.Equal(outcome.Estimate.Credits), "actual %s estimate %s", outcome.Actual.Credits, outcome.Estimate.Credits)
}

func TestCompleteQuotaDenialSkipsProvider(test *testing.T) {
	test.Parallel()
	env := newFixture(test, []providerResult{okResponse("0.01")})
	ctx := context.Background()

	outcome, err := env.gateway.Complete(ctx, completion("broke", "req-denied"))
	require.NoError(test, err)

	assert.Equal(test, gateway.StatusDenied, outcome.Status)
	assert.False(test, outcome.Check.Allowed)
	assert.Equal(test, quota.SourceNone, outcome.Check.Source)
	assert.True(test, outcome.Check.RequiresApproval)
	require.NotNil(test, outcome.Check.Approval)
	assert.Equal(test, 0, env.provider.Calls())

	logs, err := env.requests.ListRequests(ctx, "broke", 10)
	require.NoError(test, err)
	require.Len(test, logs, 1)
	assert.Equal(test, gateway.StatusDenied, logs[0].Status)
}

func TestCompleteWalletLimitSkipsProvider(test *testing.T) {
	test.Parallel()
	env := newFixture(test, []providerResult{okResponse("0.01")})

	outcome, err := env.gateway.Complete(context.Background(), completion("tiny", "req-limited"))
	require.NoError(test, err)

	assert.Equal(test, gateway.StatusWalletLimited, outcome.Status)
	require.NotNil(test, outcome.Limit)
	assert.Equal(test, wallet.LimitScopeHard, outcome.Limit.Scope)
	assert.Equal(test, "wallet-tiny", outcome.Limit.WalletID.String())
	assert.Equal(test, 0, env.provider.Calls())

	stored := walletBalances(test, env.wallets, "wallet-tiny")
	assert.True(test, stored.Used.IsZero() && stored.Reserved.IsZero())
}

func TestCompleteUpstreamFailureReleasesReservation(test *testing.T) {
	test.Parallel()
	env := newFixture(test, []providerResult{upstreamFailure(http.StatusServiceUnavailable)})
	ctx := context.Background()

	outcome, err := env.gateway.Complete(ctx, completion("alice", "req-down"))
	var upstreamError *gateway.UpstreamError
	require.ErrorAs(test, err, &upstreamError)
	assert.Equal(test, 3, upstreamError.Attempts)
	assert.Equal(test, http.StatusServiceUnavailable, upstreamError.StatusCode())
	assert.Equal(test, gateway.StatusUpstreamFailed, outcome.Status)
	assert.Equal(test, 3, env.provider.Calls())

	stored := walletBalances(test, env.wallets, "wallet-alice")
	assert.True(test, stored.Used.IsZero(), "wallet used %s", stored.Used)
	assert.True(test, stored.Reserved.IsZero(), "wallet reserved %s", stored.Reserved)

	entries, err := env.wallets.Transactions(ctx, stored.ID, wallet.TransactionFilter{})
	require.NoError(test, err)
	require.Len(test, entries, 2)
	assert.Equal(test, wallet.TransactionReservation, entries[0].Type)
	assert.Equal(test, wallet.TransactionRelease, entries[1].Type)

	holder, err := env.directory.GetHolder(ctx, "alice")
	require.NoError(test, err)
	assert.True(test, holder.UsedTokens.IsZero())

	logs, err := env.requests.ListRequests(ctx, "alice", 10)
	require.NoError(test, err)
	require.Len(test, logs, 1)
	assert.Equal(test, gateway.StatusUpstreamFailed, logs[0].Status)
	assert.Equal(test, 3, logs[0].Attempts)
	assert.NotEmpty(test, logs[0].Error)
	assert.Equal(test, 3.0, testutil.ToFloat64(env.collectors.ProviderAttemptsTotal.WithLabelValues("retryable_error")))
}

func TestCompleteFatalUpstreamErrorIsNotRetried(test *testing.T) {
	test.Parallel()
	env := newFixture(test, []providerResult{upstreamFailure(http.StatusBadRequest)})

	_, err := env.gateway.Complete(context.Background(), completion("alice", "req-bad"))
	var upstreamError *gateway.UpstreamError
	require.ErrorAs(test, err, &upstreamError)
	assert.Equal(test, 1, upstreamError.Attempts)
	assert.Equal(test, 1, env.provider.Calls())
}

func TestCompleteRecoversAfterTransientFailure(test *testing.T) {
	test.Parallel()
	env := newFixture(test, []providerResult{upstreamFailure(http.StatusTooManyRequests), okResponse("0.002")})

	outcome, err := env.gateway.Complete(context.Background(), completion("alice", "req-flaky"))
	require.NoError(test, err)
	assert.Equal(test, gateway.StatusCompleted, outcome.Status)
	assert.Equal(test, 2, outcome.Attempts)

	stored := walletBalances(test, env.wallets, "wallet-alice")
	assert.True(test, stored.Used.Equal(decimal.NewFromInt(2)), "wallet used %s", stored.Used)
}

func TestCompleteDeductModeAdjustsToActual(test *testing.T) {
	test.Parallel()
	env := newFixture(test, []providerResult{okResponse("0.00002")}, gateway.WithMeteringMode(gateway.MeteringDeduct))
	ctx := context.Background()

	outcome, err := env.gateway.Complete(ctx, completion("alice", "req-deduct"))
	require.NoError(test, err)
	require.NoError(test, outcome.LedgerError)

	stored := walletBalances(test, env.wallets, "wallet-alice")
	assert.True(test, stored.Used.Equal(decimal.RequireFromString("0.02")), "wallet used %s", stored.Used)

	entries, err := env.wallets.Transactions(ctx, stored.ID, wallet.TransactionFilter{})
	require.NoError(test, err)
	require.Len(test, entries, 2)
	assert.Equal(test, wallet.TransactionDeduction, entries[0].Type)
	assert.Equal(test, wallet.TransactionRefund, entries[1].Type)
	assert.Equal(test, "adjust:req-deduct", entries[1].IdempotencyKey)
}

func TestCompleteDeductModeRefundsOnUpstreamFailure(test *testing.T) {
	test.Parallel()
	env := newFixture(test, []providerResult{upstreamFailure(http.StatusBadGateway)}, gateway.WithMeteringMode(gateway.MeteringDeduct))

	_, err := env.gateway.Complete(context.Background(), completion("alice", "req-deduct-down"))
	var upstreamError *gateway.UpstreamError
	require.ErrorAs(test, err, &upstreamError)

	stored := walletBalances(test, env.wallets, "wallet-alice")
	assert.True(test, stored.Used.IsZero(), "wallet used %s", stored.Used)
}

func TestCompleteWithoutPersonalQuotaIsDeniedByDefault(test *testing.T) {
	test.Parallel()
	env := newFixture(test, []providerResult{okResponse("0.005")})
	request := completion("teamed", "req-team-denied")
	request.Priority = quota.PriorityCritical

	outcome, err := env.gateway.Complete(context.Background(), request)
	require.NoError(test, err)
	assert.Equal(test, gateway.StatusDenied, outcome.Status)
	assert.Equal(test, quota.SourceNone, outcome.Check.Source)
	assert.Equal(test, 0, env.provider.Calls())
}

func TestCompletePriorityBypassChargesTeamPool(test *testing.T) {
	test.Parallel()
	env := newFixtureWithPolicy(test, quota.Policy{AllowPriorityBypass: true}, []providerResult{okResponse("0.005")})
	ctx := context.Background()
	request := completion("teamed", "req-team")
	request.Priority = quota.PriorityCritical

	outcome, err := env.gateway.Complete(ctx, request)
	require.NoError(test, err)
	assert.Equal(test, gateway.StatusCompleted, outcome.Status)
	assert.Equal(test, quota.SourcePriorityBypass, outcome.Check.Source)
	assert.Equal(test, "eng", outcome.Deduction.TeamID)
	assert.Empty(test, outcome.WalletID)

	teams, err := env.directory.ListHolderTeams(ctx, "teamed")
	require.NoError(test, err)
	require.Len(test, teams, 1)
	assert.True(test, teams[0].UsedPool.Equal(decimal.NewFromInt(5)), "team used %s", teams[0].UsedPool)
}

func TestCompleteWithoutWalletChargesQuotaOnly(test *testing.T) {
	test.Parallel()
	env := newFixture(test, []providerResult{okResponse("0.001")})
	ctx := context.Background()

	outcome, err := env.gateway.Complete(ctx, completion("walletless", ""))
	require.NoError(test, err)
	assert.NotEmpty(test, outcome.RequestID)
	assert.Empty(test, outcome.WalletID)

	holder, err := env.directory.GetHolder(ctx, "walletless")
	require.NoError(test, err)
	assert.True(test, holder.UsedTokens.Equal(decimal.NewFromInt(1)))
}

func TestCompleteRejectsReusedRequestID(test *testing.T) {
	test.Parallel()
	env := newFixture(test, []providerResult{okResponse("0.001")})
	ctx := context.Background()

	_, err := env.gateway.Complete(ctx, completion("alice", "req-once"))
	require.NoError(test, err)
	_, err = env.gateway.Complete(ctx, completion("alice", "req-once"))
	assert.ErrorIs(test, err, gateway.ErrDuplicateRequest)
	assert.Equal(test, 1, env.provider.Calls())

	stored := walletBalances(test, env.wallets, "wallet-alice")
	assert.True(test, stored.Used.Equal(decimal.NewFromInt(1)), "wallet used %s", stored.Used)
}

func TestCompleteValidatesRequest(test *testing.T) {
	test.Parallel()
	env := newFixture(test, []providerResult{okResponse("0.001")})
	testCases := []struct {
		name    string
		mutate  func(*gateway.CompletionRequest)
		wantErr error
	}{
		{name: "missing holder", mutate: func(request *gateway.CompletionRequest) { request.HolderID = " " }, wantErr: gateway.ErrInvalidRequest},
		{name: "missing model", mutate: func(request *gateway.CompletionRequest) { request.Model = "" }, wantErr: gateway.ErrInvalidRequest},
		{name: "no messages", mutate: func(request *gateway.CompletionRequest) { request.Messages = nil }, wantErr: gateway.ErrInvalidRequest},
		{name: "unknown holder", mutate: func(request *gateway.CompletionRequest) { request.HolderID = "ghost" }, wantErr: quota.ErrUnknownHolder},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			request := completion("alice", "")
			testCase.mutate(&request)
			_, err := env.gateway.Complete(context.Background(), request)
			assert.True(test, errors.Is(err, testCase.wantErr), "got %v", err)
		})
	}
	assert.Equal(test, 0, env.provider.Calls())
}

func TestNewRejectsMissingDependencies(test *testing.T) {
	test.Parallel()
	_, err := gateway.New(gateway.Dependencies{})
	assert.ErrorIs(test, err, gateway.ErrInvalidConfig)
}
