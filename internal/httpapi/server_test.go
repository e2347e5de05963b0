package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/MarkoPoloResearchLab/quotagate/internal/gateway"
	"github.com/MarkoPoloResearchLab/quotagate/internal/httpapi"
	"github.com/MarkoPoloResearchLab/quotagate/internal/metrics"
	"github.com/MarkoPoloResearchLab/quotagate/internal/provider"
	"github.com/MarkoPoloResearchLab/quotagate/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/quotagate/pkg/credit"
	"github.com/MarkoPoloResearchLab/quotagate/pkg/quota"
	"github.com/MarkoPoloResearchLab/quotagate/pkg/ratelimit"
	"github.com/MarkoPoloResearchLab/quotagate/pkg/wallet"
)

const (
	testSigningKey = "test-signing-key"
	testIssuer     = "quotagate-test"
	testRole       = "admin"
)

var ledgerNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

type stubCompleter struct {
	outcome  gateway.Outcome
	err      error
	requests []gateway.CompletionRequest
}

func (stub *stubCompleter) Complete(_ context.Context, request gateway.CompletionRequest) (gateway.Outcome, error) {
	stub.requests = append(stub.requests, request)
	return stub.outcome, stub.err
}

type harness struct {
	handler    http.Handler
	completer  *stubCompleter
	wallets    *wallet.Service
	collectors *metrics.Collectors
}

func newHarness(test *testing.T, requestsPerWindow int) *harness {
	test.Helper()
	ctx := context.Background()
	db, err := gorm.Open(sqlite.Open(filepath.Join(test.TempDir(), "httpapi.db")), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(test, err)
	sqlDB, err := db.DB()
	require.NoError(test, err)
	sqlDB.SetMaxOpenConns(1)
	test.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(test, gormstore.AutoMigrate(db))

	wallets, err := wallet.NewService(gormstore.New(db), func() time.Time { return ledgerNow })
	require.NoError(test, err)

	directory := gormstore.NewDirectory(db)
	require.NoError(test, directory.UpsertHolder(ctx, quota.Holder{ID: "alice", PersonalQuota: decimal.NewFromInt(100)}))
	require.NoError(test, directory.UpsertHolder(ctx, quota.Holder{ID: "broke", PersonalQuota: decimal.Zero}))
	engine, err := quota.NewEngine(directory)
	require.NoError(test, err)
	calculator, err := credit.NewCalculator(credit.DefaultRateTable())
	require.NoError(test, err)

	limiter, err := ratelimit.NewLocalLimiter(ratelimit.Config{RequestsPerWindow: requestsPerWindow, Window: time.Minute})
	require.NoError(test, err)
	collectors := metrics.NewCollectors(prometheus.NewRegistry())
	completer := &stubCompleter{}

	server, err := httpapi.New(httpapi.Config{
		AdminEnabled:    true,
		AdminSigningKey: testSigningKey,
		AdminIssuer:     testIssuer,
		AdminRole:       testRole,
	}, httpapi.Dependencies{
		Gateway:    completer,
		Calculator: calculator,
		Quota:      engine,
		Policies:   quota.StaticPolicy{},
		Wallets:    wallets,
		Requests:   gormstore.NewRequestLogStore(db),
		Limiter:    limiter,
		Metrics:    collectors,
	})
	require.NoError(test, err)
	return &harness{handler: server.Handler(), completer: completer, wallets: wallets, collectors: collectors}
}

func (env *harness) do(test *testing.T, method string, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	test.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(test, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	for name, value := range headers {
		request.Header.Set(name, value)
	}
	recorder := httptest.NewRecorder()
	env.handler.ServeHTTP(recorder, request)
	return recorder
}

func (env *harness) admin(test *testing.T, method string, path string, body any) *httptest.ResponseRecorder {
	test.Helper()
	return env.do(test, method, path, body, map[string]string{"Authorization": "Bearer " + signToken(test, testRole, testIssuer, time.Hour)})
}

func signToken(test *testing.T, role string, issuer string, ttl time.Duration) string {
	test.Helper()
	now := time.Now()
	claims := httpapi.AdminClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   "operator",
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningKey))
	require.NoError(test, err)
	return token
}

type envelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeEnvelope(test *testing.T, recorder *httptest.ResponseRecorder) envelope {
	test.Helper()
	var decoded envelope
	require.NoError(test, json.Unmarshal(recorder.Body.Bytes(), &decoded), recorder.Body.String())
	return decoded
}

func decodeJSON(test *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	test.Helper()
	decoded := map[string]any{}
	require.NoError(test, json.Unmarshal(recorder.Body.Bytes(), &decoded), recorder.Body.String())
	return decoded
}

func completionBody(holderID string) map[string]any {
	return map[string]any{
		"holder_id":  holderID,
		"model":      "gpt-4o-mini",
		"messages":   []map[string]string{{"role": "user", "content": "hello there"}},
		"max_tokens": 100,
	}
}

func TestHealthAndDocsBypassRateLimit(test *testing.T) {
	test.Parallel()
	env := newHarness(test, 1)

	for attempt := 0; attempt < 3; attempt++ {
		recorder := env.do(test, http.MethodGet, "/healthz", nil, nil)
		require.Equal(test, http.StatusOK, recorder.Code)
		assert.Empty(test, recorder.Header().Get("X-RateLimit-Limit"))
	}
	docs := env.do(test, http.MethodGet, "/docs", nil, nil)
	require.Equal(test, http.StatusOK, docs.Code)
	assert.Contains(test, docs.Body.String(), "/v1/chat/completions")
	assert.Contains(test, docs.Body.String(), "/admin/wallets/:id/top-up")
	assert.NotEmpty(test, docs.Header().Get("X-Request-ID"))

	metricsResponse := env.do(test, http.MethodGet, "/metrics", nil, nil)
	require.Equal(test, http.StatusOK, metricsResponse.Code)
	assert.Contains(test, metricsResponse.Body.String(), "quotagate_http_requests_total")
}

func TestCompletionReturnsContentAndCharge(test *testing.T) {
	test.Parallel()
	env := newHarness(test, 10)
	env.completer.outcome = gateway.Outcome{
		RequestID: "req-1",
		Status:    gateway.StatusCompleted,
		Check:     quota.CheckResult{Allowed: true, Source: quota.SourcePersonal},
		Actual:    credit.Cost{Credits: decimal.RequireFromString("12.3"), Source: credit.CostSourceProvider},
		Response: provider.Response{
			Model:        "gpt-4o-mini",
			Content:      "hello back",
			FinishReason: "stop",
			Usage:        provider.Usage{PromptTokens: 20, CompletionTokens: 40, TotalTokens: 60},
		},
		Attempts: 1,
	}

	body := completionBody("alice")
	body["priority"] = "critical"
	recorder := env.do(test, http.MethodPost, "/v1/chat/completions", body, map[string]string{"X-Request-ID": "req-1"})
	require.Equal(test, http.StatusOK, recorder.Code, recorder.Body.String())

	decoded := decodeJSON(test, recorder)
	assert.Equal(test, "hello back", decoded["content"])
	assert.Equal(test, "12.3", decoded["credits"])
	assert.Equal(test, "personal", decoded["source"])
	assert.Equal(test, "provider_reported", decoded["cost_source"])
	assert.Equal(test, "10", recorder.Header().Get("X-RateLimit-Limit"))
	assert.Equal(test, "9", recorder.Header().Get("X-RateLimit-Remaining"))

	require.Len(test, env.completer.requests, 1)
	forwarded := env.completer.requests[0]
	assert.Equal(test, "req-1", forwarded.RequestID)
	assert.Equal(test, quota.PriorityCritical, forwarded.Priority)
	assert.Equal(test, int64(100), forwarded.MaxTokens)
	assert.Equal(test, 1.0, testutil.ToFloat64(env.collectors.RateLimitDecisions.WithLabelValues("allowed")))
}

func TestCompletionOutcomesMapToStatusCodes(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name       string
		outcome    gateway.Outcome
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name: "quota denial",
			outcome: gateway.Outcome{Status: gateway.StatusDenied, Check: quota.CheckResult{
				Source:           quota.SourceNone,
				Message:          "quota exceeded; submit an approval request to continue",
				RequiresApproval: true,
			}},
			wantStatus: http.StatusPaymentRequired,
			wantCode:   "quota_exceeded",
		},
		{
			name: "wallet limit",
			outcome: gateway.Outcome{Status: gateway.StatusWalletLimited, Limit: &wallet.LimitExceededError{
				Scope:     wallet.LimitScopeHard,
				HardLimit: decimal.NewFromInt(1),
				Requested: decimal.NewFromInt(5),
			}},
			wantStatus: http.StatusPaymentRequired,
			wantCode:   "limit_exceeded",
		},
		{
			name:       "upstream failure",
			err:        &gateway.UpstreamError{RequestID: "req-x", Attempts: 3, Err: &provider.Error{StatusCode: 503, Retryable: true}},
			wantStatus: http.StatusBadGateway,
			wantCode:   "upstream_failed",
		},
		{
			name:       "duplicate request",
			err:        gateway.ErrDuplicateRequest,
			wantStatus: http.StatusConflict,
			wantCode:   "conflict",
		},
		{
			name:       "unknown holder",
			err:        quota.ErrUnknownHolder,
			wantStatus: http.StatusNotFound,
			wantCode:   "not_found",
		},
		{
			name:       "unexpected failure",
			err:        errors.New("database is on fire"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   "internal_error",
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			env := newHarness(test, 10)
			env.completer.outcome = testCase.outcome
			env.completer.err = testCase.err

			recorder := env.do(test, http.MethodPost, "/v1/chat/completions", completionBody("alice"), nil)
			require.Equal(test, testCase.wantStatus, recorder.Code, recorder.Body.String())
			decoded := decodeEnvelope(test, recorder)
			assert.Equal(test, testCase.wantCode, decoded.Error.Code)
			assert.NotContains(test, decoded.Error.Message, "on fire")
		})
	}
}

func TestCompletionDenialCarriesCheckResult(test *testing.T) {
	test.Parallel()
	env := newHarness(test, 10)
	env.completer.outcome = gateway.Outcome{Status: gateway.StatusDenied, Check: quota.CheckResult{
		Source:           quota.SourceNone,
		RequiresApproval: true,
		Approval:         &quota.ApprovalInstructions{Endpoint: quota.DefaultApprovalEndpoint, Method: "POST"},
	}}

	recorder := env.do(test, http.MethodPost, "/v1/chat/completions", completionBody("broke"), nil)
	require.Equal(test, http.StatusPaymentRequired, recorder.Code)
	details := decodeEnvelope(test, recorder).Error.Details
	assert.Equal(test, "none", details["source"])
	assert.Equal(test, true, details["requires_approval"])
	approval, ok := details["approval_instructions"].(map[string]any)
	require.True(test, ok)
	assert.Equal(test, quota.DefaultApprovalEndpoint, approval["endpoint"])
}

func TestCompletionRejectsBadPayloads(test *testing.T) {
	test.Parallel()
	env := newHarness(test, 10)

	missingModel := completionBody("alice")
	delete(missingModel, "model")
	recorder := env.do(test, http.MethodPost, "/v1/chat/completions", missingModel, nil)
	require.Equal(test, http.StatusBadRequest, recorder.Code)
	assert.Equal(test, "invalid_payload", decodeEnvelope(test, recorder).Error.Code)

	badPriority := completionBody("alice")
	badPriority["priority"] = "urgent"
	recorder = env.do(test, http.MethodPost, "/v1/chat/completions", badPriority, nil)
	require.Equal(test, http.StatusBadRequest, recorder.Code)
	assert.Equal(test, "validation_error", decodeEnvelope(test, recorder).Error.Code)
	assert.Empty(test, env.completer.requests)
}

func TestRateLimitRejectsWithRetryAfter(test *testing.T) {
	test.Parallel()
	env := newHarness(test, 2)
	headers := map[string]string{"X-API-Key": "team-key"}
	body := map[string]any{"model": "gpt-4o-mini", "messages": []map[string]string{{"role": "user", "content": "hi"}}}

	for attempt := 0; attempt < 2; attempt++ {
		recorder := env.do(test, http.MethodPost, "/v1/quota/estimate", body, headers)
		require.Equal(test, http.StatusOK, recorder.Code)
	}
	rejected := env.do(test, http.MethodPost, "/v1/quota/estimate", body, headers)
	require.Equal(test, http.StatusTooManyRequests, rejected.Code)
	assert.Equal(test, "0", rejected.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(test, rejected.Header().Get("Retry-After"))
	decoded := decodeEnvelope(test, rejected)
	assert.Equal(test, "rate_limited", decoded.Error.Code)
	assert.Greater(test, decoded.Error.Details["retry_after"], 0.0)

	other := env.do(test, http.MethodPost, "/v1/quota/estimate", body, map[string]string{"X-API-Key": "other-key"})
	assert.Equal(test, http.StatusOK, other.Code)
	assert.Equal(test, 1.0, testutil.ToFloat64(env.collectors.RateLimitDecisions.WithLabelValues("rejected")))
}

func TestEstimateUsesRateTable(test *testing.T) {
	test.Parallel()
	env := newHarness(test, 10)

	recorder := env.do(test, http.MethodPost, "/v1/quota/estimate", map[string]any{
		"model":      "gpt-4o-mini",
		"messages":   []map[string]string{{"role": "user", "content": "hello there"}},
		"max_tokens": 100,
	}, nil)
	require.Equal(test, http.StatusOK, recorder.Code, recorder.Body.String())
	decoded := decodeJSON(test, recorder)
	assert.Equal(test, 103.0, decoded["estimated_tokens"])
	assert.Equal(test, "0.0618", decoded["credits"])
}

func TestCheckRunsCascadeWithoutSpending(test *testing.T) {
	test.Parallel()
	env := newHarness(test, 10)

	allowed := env.do(test, http.MethodPost, "/v1/quota/check", map[string]any{"holder_id": "alice", "estimated_cost": "5"}, nil)
	require.Equal(test, http.StatusOK, allowed.Code, allowed.Body.String())
	decoded := decodeJSON(test, allowed)
	assert.Equal(test, true, decoded["allowed"])
	assert.Equal(test, "personal", decoded["source"])

	denied := env.do(test, http.MethodPost, "/v1/quota/check", map[string]any{"holder_id": "broke", "estimated_cost": "5"}, nil)
	require.Equal(test, http.StatusOK, denied.Code)
	decoded = decodeJSON(test, denied)
	assert.Equal(test, false, decoded["allowed"])
	assert.Equal(test, true, decoded["requires_approval"])

	unknown := env.do(test, http.MethodPost, "/v1/quota/check", map[string]any{"holder_id": "ghost", "estimated_cost": "5"}, nil)
	assert.Equal(test, http.StatusNotFound, unknown.Code)

	zeroCost := env.do(test, http.MethodPost, "/v1/quota/check", map[string]any{"holder_id": "alice"}, nil)
	assert.Equal(test, http.StatusBadRequest, zeroCost.Code)
}

func TestAdminRoutesRequireSignedRoleToken(test *testing.T) {
	test.Parallel()
	env := newHarness(test, 50)
	testCases := []struct {
		name       string
		headers    map[string]string
		wantStatus int
	}{
		{name: "missing token", wantStatus: http.StatusUnauthorized},
		{name: "garbage token", headers: map[string]string{"Authorization": "Bearer not-a-jwt"}, wantStatus: http.StatusUnauthorized},
		{name: "wrong issuer", headers: map[string]string{"Authorization": "Bearer " + signToken(test, testRole, "someone-else", time.Hour)}, wantStatus: http.StatusUnauthorized},
		{name: "expired", headers: map[string]string{"Authorization": "Bearer " + signToken(test, testRole, testIssuer, -time.Minute)}, wantStatus: http.StatusUnauthorized},
		{name: "wrong role", headers: map[string]string{"Authorization": "Bearer " + signToken(test, "viewer", testIssuer, time.Hour)}, wantStatus: http.StatusForbidden},
		{name: "valid", headers: map[string]string{"Authorization": "Bearer " + signToken(test, testRole, testIssuer, time.Hour)}, wantStatus: http.StatusOK},
	}
	for _, testCase := range testCases {
		recorder := env.do(test, http.MethodGet, "/admin/wallets", nil, testCase.headers)
		assert.Equal(test, testCase.wantStatus, recorder.Code, testCase.name)
	}
}

func TestAdminWalletLifecycle(test *testing.T) {
	test.Parallel()
	env := newHarness(test, 50)

	created := env.admin(test, http.MethodPost, "/admin/wallets", map[string]any{
		"id":         "wallet-eng",
		"kind":       "team",
		"name":       "Engineering",
		"hard_limit": "100",
	})
	require.Equal(test, http.StatusCreated, created.Code, created.Body.String())
	assert.Equal(test, "100", decodeJSON(test, created)["available"])

	duplicate := env.admin(test, http.MethodPost, "/admin/wallets", map[string]any{"id": "wallet-eng", "kind": "team", "name": "Again"})
	require.Equal(test, http.StatusConflict, duplicate.Code)

	badKind := env.admin(test, http.MethodPost, "/admin/wallets", map[string]any{"kind": "galaxy", "name": "Odd"})
	require.Equal(test, http.StatusBadRequest, badKind.Code)

	unknown := env.admin(test, http.MethodGet, "/admin/wallets/none", nil)
	require.Equal(test, http.StatusNotFound, unknown.Code)
	assert.Equal(test, "not_found", decodeEnvelope(test, unknown).Error.Code)

	updated := env.admin(test, http.MethodPatch, "/admin/wallets/wallet-eng", map[string]any{"name": "Platform", "soft_warning_percent": "80"})
	require.Equal(test, http.StatusOK, updated.Code, updated.Body.String())
	assert.Equal(test, "Platform", decodeJSON(test, updated)["name"])

	toppedUp := env.admin(test, http.MethodPost, "/admin/wallets/wallet-eng/top-up", map[string]any{"amount": "50", "idempotency_key": "topup-1"})
	require.Equal(test, http.StatusOK, toppedUp.Code, toppedUp.Body.String())
	receipt := decodeJSON(test, toppedUp)
	assert.Equal(test, "150", receipt["wallet"].(map[string]any)["hard_limit"])

	replayed := env.admin(test, http.MethodPost, "/admin/wallets/wallet-eng/top-up", map[string]any{"amount": "50", "idempotency_key": "topup-1"})
	require.Equal(test, http.StatusOK, replayed.Code)
	assert.Equal(test, true, decodeJSON(test, replayed)["replayed"])

	suspended := env.admin(test, http.MethodPost, "/admin/wallets/wallet-eng/suspend", nil)
	require.Equal(test, http.StatusOK, suspended.Code)
	assert.Equal(test, "suspended", decodeJSON(test, suspended)["status"])

	activated := env.admin(test, http.MethodPost, "/admin/wallets/wallet-eng/activate", nil)
	require.Equal(test, http.StatusOK, activated.Code)
	assert.Equal(test, "active", decodeJSON(test, activated)["status"])

	transactions := env.admin(test, http.MethodGet, "/admin/wallets/wallet-eng/transactions?type=top_up", nil)
	require.Equal(test, http.StatusOK, transactions.Code, transactions.Body.String())
	listed, ok := decodeJSON(test, transactions)["transactions"].([]any)
	require.True(test, ok)
	assert.Len(test, listed, 1)

	badType := env.admin(test, http.MethodGet, "/admin/wallets/wallet-eng/transactions?type=spend", nil)
	assert.Equal(test, http.StatusBadRequest, badType.Code)

	verify := env.admin(test, http.MethodGet, "/admin/wallets/wallet-eng/verify", nil)
	require.Equal(test, http.StatusOK, verify.Code)
	assert.Equal(test, true, decodeJSON(test, verify)["consistent"])

	closed := env.admin(test, http.MethodDelete, "/admin/wallets/wallet-eng", nil)
	require.Equal(test, http.StatusOK, closed.Code)
	assert.Equal(test, "closed", decodeJSON(test, closed)["status"])

	list := env.admin(test, http.MethodGet, "/admin/wallets?status=closed", nil)
	require.Equal(test, http.StatusOK, list.Code)
	wallets, ok := decodeJSON(test, list)["wallets"].([]any)
	require.True(test, ok)
	assert.Len(test, wallets, 1)
}

func TestAdminChargebackFormats(test *testing.T) {
	test.Parallel()
	env := newHarness(test, 50)
	ctx := context.Background()

	_, err := env.wallets.CreateWallet(ctx, wallet.WalletSpec{ID: "wallet-ops", Kind: wallet.KindTeam, Name: "Ops", HardLimit: decimal.NewFromInt(100)})
	require.NoError(test, err)
	walletID, err := wallet.NewWalletID("wallet-ops")
	require.NoError(test, err)
	requestID, err := wallet.NewRequestID("req-chargeback")
	require.NoError(test, err)
	key, err := wallet.NewIdempotencyKey("deduct:req-chargeback")
	require.NoError(test, err)
	_, err = env.wallets.Deduct(ctx, wallet.DeductRequest{WalletID: walletID, Amount: decimal.NewFromInt(7), RequestID: requestID, IdempotencyKey: key})
	require.NoError(test, err)

	asJSON := env.admin(test, http.MethodGet, "/admin/chargeback?from=2026-03-01&to=2026-04-01", nil)
	require.Equal(test, http.StatusOK, asJSON.Code, asJSON.Body.String())
	report := decodeJSON(test, asJSON)
	assert.Equal(test, "7", report["total"])
	lines, ok := report["lines"].([]any)
	require.True(test, ok)
	require.Len(test, lines, 1)

	asCSV := env.admin(test, http.MethodGet, "/admin/chargeback?from=2026-03-01&to=2026-04-01&format=csv", nil)
	require.Equal(test, http.StatusOK, asCSV.Code)
	assert.Contains(test, asCSV.Header().Get("Content-Type"), "text/csv")
	rows := strings.Split(strings.TrimSpace(asCSV.Body.String()), "\n")
	require.Len(test, rows, 2)
	assert.True(test, strings.HasPrefix(rows[0], "wallet_id,name"))
	assert.True(test, strings.HasPrefix(rows[1], "wallet-ops,Ops"))

	badFormat := env.admin(test, http.MethodGet, "/admin/chargeback?from=2026-03-01&to=2026-04-01&format=xml", nil)
	assert.Equal(test, http.StatusBadRequest, badFormat.Code)
	badDate := env.admin(test, http.MethodGet, "/admin/chargeback?from=March&to=2026-04-01", nil)
	assert.Equal(test, http.StatusBadRequest, badDate.Code)
	inverted := env.admin(test, http.MethodGet, "/admin/chargeback?from=2026-04-01&to=2026-03-01", nil)
	assert.Equal(test, http.StatusBadRequest, inverted.Code)
}

func TestNewRejectsMissingDependencies(test *testing.T) {
	test.Parallel()
	_, err := httpapi.New(httpapi.Config{}, httpapi.Dependencies{})
	require.ErrorIs(test, err, httpapi.ErrInvalidServerConfig)
}
