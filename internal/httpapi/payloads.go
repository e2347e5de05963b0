package httpapi

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/MarkoPoloResearchLab/quotagate/internal/gateway"
	"github.com/MarkoPoloResearchLab/quotagate/internal/provider"
	"github.com/MarkoPoloResearchLab/quotagate/pkg/credit"
	"github.com/MarkoPoloResearchLab/quotagate/pkg/quota"
	"github.com/MarkoPoloResearchLab/quotagate/pkg/wallet"
)

type completionRequest struct {
	RequestID string             `json:"request_id"`
	HolderID  string             `json:"holder_id" binding:"required"`
	TeamID    string             `json:"team_id"`
	Priority  string             `json:"priority"`
	Model     string             `json:"model" binding:"required"`
	Messages  []provider.Message `json:"messages" binding:"required"`
	MaxTokens int64              `json:"max_tokens"`
}

type completionResponse struct {
	RequestID    string            `json:"request_id"`
	Status       gateway.Status    `json:"status"`
	Model        string            `json:"model"`
	Content      string            `json:"content"`
	FinishReason string            `json:"finish_reason"`
	Usage        provider.Usage    `json:"usage"`
	Credits      decimal.Decimal   `json:"credits"`
	CostSource   credit.CostSource `json:"cost_source"`
	Source       quota.Source      `json:"source"`
	TeamID       string            `json:"team_id,omitempty"`
	Attempts     int               `json:"attempts"`

	// LedgerWarning is set when the response was delivered but recording the spend failed.
	LedgerWarning string `json:"ledger_warning,omitempty"`
}

type estimateRequest struct {
	Model     string             `json:"model" binding:"required"`
	Messages  []provider.Message `json:"messages"`
	MaxTokens int64              `json:"max_tokens"`
}

type estimateResponse struct {
	Model           string          `json:"model"`
	RateKey         string          `json:"rate_key"`
	USDPer1K        decimal.Decimal `json:"usd_per_1k"`
	EstimatedTokens int64           `json:"estimated_tokens"`
	Credits         decimal.Decimal `json:"credits"`
}

type checkRequest struct {
	HolderID      string          `json:"holder_id" binding:"required"`
	Priority      string          `json:"priority"`
	EstimatedCost decimal.Decimal `json:"estimated_cost"`

	// Model and Messages price the check when EstimatedCost is omitted.
	Model     string             `json:"model"`
	Messages  []provider.Message `json:"messages"`
	MaxTokens int64              `json:"max_tokens"`
}

type walletRequest struct {
	ID                 string          `json:"id"`
	Kind               string          `json:"kind" binding:"required"`
	Name               string          `json:"name" binding:"required"`
	OwnerRef           string          `json:"owner_ref"`
	Currency           string          `json:"currency"`
	HardLimit          decimal.Decimal `json:"hard_limit"`
	OverdraftEnabled   bool            `json:"overdraft_enabled"`
	OverdraftPercent   decimal.Decimal `json:"overdraft_percent"`
	SoftWarningPercent decimal.Decimal `json:"soft_warning_percent"`
	AutoReset          bool            `json:"auto_reset"`
	ResetDay           int             `json:"reset_day"`
	ParentID           string          `json:"parent_id"`
}

type walletUpdateRequest struct {
	Name               *string          `json:"name"`
	HardLimit          *decimal.Decimal `json:"hard_limit"`
	OverdraftEnabled   *bool            `json:"overdraft_enabled"`
	OverdraftPercent   *decimal.Decimal `json:"overdraft_percent"`
	SoftWarningPercent *decimal.Decimal `json:"soft_warning_percent"`
	AutoReset          *bool            `json:"auto_reset"`
	ResetDay           *int             `json:"reset_day"`
	ParentID           *string          `json:"parent_id"`
}

type topUpRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key" binding:"required"`
	Description    string          `json:"description"`
}

type walletPayload struct {
	ID                 string          `json:"id"`
	Kind               wallet.Kind     `json:"kind"`
	Status             wallet.Status   `json:"status"`
	Name               string          `json:"name"`
	OwnerRef           string          `json:"owner_ref,omitempty"`
	Currency           string          `json:"currency"`
	HardLimit          decimal.Decimal `json:"hard_limit"`
	EffectiveLimit     decimal.Decimal `json:"effective_limit"`
	Used               decimal.Decimal `json:"used"`
	Reserved           decimal.Decimal `json:"reserved"`
	Available          decimal.Decimal `json:"available"`
	OverdraftEnabled   bool            `json:"overdraft_enabled"`
	OverdraftPercent   decimal.Decimal `json:"overdraft_percent"`
	SoftWarningPercent decimal.Decimal `json:"soft_warning_percent"`
	SoftWarning        bool            `json:"soft_warning"`
	AutoReset          bool            `json:"auto_reset"`
	ResetDay           int             `json:"reset_day,omitempty"`
	ParentID           string          `json:"parent_id,omitempty"`
	LastResetAt        *time.Time      `json:"last_reset_at,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	ClosedAt           *time.Time      `json:"closed_at,omitempty"`
}

func newWalletPayload(record wallet.Wallet) walletPayload {
	return walletPayload{
		ID:                 record.ID.String(),
		Kind:               record.Kind,
		Status:             record.Status,
		Name:               record.Name,
		OwnerRef:           record.OwnerRef,
		Currency:           record.Currency,
		HardLimit:          record.HardLimit,
		EffectiveLimit:     record.EffectiveLimit(),
		Used:               record.Used,
		Reserved:           record.Reserved,
		Available:          record.Available(),
		OverdraftEnabled:   record.OverdraftEnabled,
		OverdraftPercent:   record.OverdraftPercent,
		SoftWarningPercent: record.SoftWarningPercent,
		SoftWarning:        record.SoftWarningReached(),
		AutoReset:          record.AutoReset,
		ResetDay:           record.ResetDay,
		ParentID:           record.ParentID.String(),
		LastResetAt:        record.LastResetAt,
		CreatedAt:          record.CreatedAt,
		UpdatedAt:          record.UpdatedAt,
		ClosedAt:           record.ClosedAt,
	}
}

type transactionPayload struct {
	ID             string                 `json:"id"`
	Sequence       int64                  `json:"sequence"`
	WalletID       string                 `json:"wallet_id"`
	Type           wallet.TransactionType `json:"type"`
	Amount         decimal.Decimal        `json:"amount"`
	ReleasedAmount decimal.Decimal        `json:"released_amount"`
	BalanceBefore  decimal.Decimal        `json:"balance_before"`
	BalanceAfter   decimal.Decimal        `json:"balance_after"`
	RequestID      string                 `json:"request_id,omitempty"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
	ReservationID  string                 `json:"reservation_id,omitempty"`
	ExpiresAt      *time.Time             `json:"expires_at,omitempty"`
	Description    string                 `json:"description,omitempty"`
	Metadata       string                 `json:"metadata"`
	CreatedAt      time.Time              `json:"created_at"`
}

func newTransactionPayload(transaction wallet.Transaction) transactionPayload {
	return transactionPayload{
		ID:             transaction.ID.String(),
		Sequence:       transaction.Sequence,
		WalletID:       transaction.WalletID.String(),
		Type:           transaction.Type,
		Amount:         transaction.Amount,
		ReleasedAmount: transaction.ReleasedAmount,
		BalanceBefore:  transaction.BalanceBefore,
		BalanceAfter:   transaction.BalanceAfter,
		RequestID:      transaction.RequestID,
		IdempotencyKey: transaction.IdempotencyKey,
		ReservationID:  transaction.ReservationID,
		ExpiresAt:      transaction.ExpiresAt,
		Description:    transaction.Description,
		Metadata:       transaction.Metadata.String(),
		CreatedAt:      transaction.CreatedAt,
	}
}

type receiptPayload struct {
	Transaction      transactionPayload `json:"transaction"`
	Wallet           walletPayload      `json:"wallet"`
	Replayed         bool               `json:"replayed"`
	SoftLimitWarning bool               `json:"soft_limit_warning"`
}

func newReceiptPayload(receipt wallet.Receipt) receiptPayload {
	return receiptPayload{
		Transaction:      newTransactionPayload(receipt.Transaction),
		Wallet:           newWalletPayload(receipt.Wallet),
		Replayed:         receipt.Replayed,
		SoftLimitWarning: receipt.SoftLimitWarning,
	}
}

type limitPayload struct {
	Scope          wallet.LimitScope `json:"scope"`
	WalletID       string            `json:"wallet_id"`
	HardLimit      decimal.Decimal   `json:"hard_limit"`
	EffectiveLimit decimal.Decimal   `json:"effective_limit"`
	Used           decimal.Decimal   `json:"used"`
	Reserved       decimal.Decimal   `json:"reserved"`
	Requested      decimal.Decimal   `json:"requested"`
	Available      decimal.Decimal   `json:"available"`
}

func newLimitPayload(limitError *wallet.LimitExceededError) limitPayload {
	return limitPayload{
		Scope:          limitError.Scope,
		WalletID:       limitError.WalletID.String(),
		HardLimit:      limitError.HardLimit,
		EffectiveLimit: limitError.EffectiveLimit,
		Used:           limitError.Used,
		Reserved:       limitError.Reserved,
		Requested:      limitError.Requested,
		Available:      limitError.Available,
	}
}

type verifyPayload struct {
	WalletID         string          `json:"wallet_id"`
	Consistent       bool            `json:"consistent"`
	TransactionCount int             `json:"transaction_count"`
	StoredUsed       decimal.Decimal `json:"stored_used"`
	StoredReserved   decimal.Decimal `json:"stored_reserved"`
	ReplayedUsed     decimal.Decimal `json:"replayed_used"`
	ReplayedReserved decimal.Decimal `json:"replayed_reserved"`
}

type chargebackLinePayload struct {
	WalletID         string          `json:"wallet_id"`
	Name             string          `json:"name"`
	Kind             wallet.Kind     `json:"kind"`
	OwnerRef         string          `json:"owner_ref,omitempty"`
	Currency         string          `json:"currency"`
	Deductions       decimal.Decimal `json:"deductions"`
	Settlements      decimal.Decimal `json:"settlements"`
	Refunds          decimal.Decimal `json:"refunds"`
	NetSpend         decimal.Decimal `json:"net_spend"`
	TransactionCount int             `json:"transaction_count"`
}

type chargebackPayload struct {
	From        time.Time               `json:"from"`
	To          time.Time               `json:"to"`
	GeneratedAt time.Time               `json:"generated_at"`
	Total       decimal.Decimal         `json:"total"`
	Lines       []chargebackLinePayload `json:"lines"`
}

func newChargebackPayload(report wallet.ChargebackReport) chargebackPayload {
	lines := make([]chargebackLinePayload, 0, len(report.Lines))
	for _, line := range report.Lines {
		lines = append(lines, chargebackLinePayload{
			WalletID:         line.WalletID.String(),
			Name:             line.Name,
			Kind:             line.Kind,
			OwnerRef:         line.OwnerRef,
			Currency:         line.Currency,
			Deductions:       line.Deductions,
			Settlements:      line.Settlements,
			Refunds:          line.Refunds,
			NetSpend:         line.NetSpend,
			TransactionCount: line.TransactionCount,
		})
	}
	return chargebackPayload{
		From:        report.From,
		To:          report.To,
		GeneratedAt: report.GeneratedAt,
		Total:       report.Total,
		Lines:       lines,
	}
}

type requestLogPayload struct {
	RequestID        string            `json:"request_id"`
	HolderID         string            `json:"holder_id"`
	TeamID           string            `json:"team_id,omitempty"`
	WalletID         string            `json:"wallet_id,omitempty"`
	Model            string            `json:"model"`
	PromptTokens     int64             `json:"prompt_tokens"`
	CompletionTokens int64             `json:"completion_tokens"`
	TotalTokens      int64             `json:"total_tokens"`
	EstimatedCredits decimal.Decimal   `json:"estimated_credits"`
	ActualCredits    decimal.Decimal   `json:"actual_credits"`
	Source           quota.Source      `json:"source"`
	CostSource       credit.CostSource `json:"cost_source,omitempty"`
	Status           gateway.Status    `json:"status"`
	Error            string            `json:"error,omitempty"`
	Attempts         int               `json:"attempts"`
	LatencyMS        int64             `json:"latency_ms"`
	CreatedAt        time.Time         `json:"created_at"`
}

func newRequestLogPayload(entry gateway.RequestLog) requestLogPayload {
	return requestLogPayload{
		RequestID:        entry.RequestID,
		HolderID:         entry.HolderID,
		TeamID:           entry.TeamID,
		WalletID:         entry.WalletID,
		Model:            entry.Model,
		PromptTokens:     entry.PromptTokens,
		CompletionTokens: entry.CompletionTokens,
		TotalTokens:      entry.TotalTokens,
		EstimatedCredits: entry.EstimatedCredits,
		ActualCredits:    entry.ActualCredits,
		Source:           entry.Source,
		CostSource:       entry.CostSource,
		Status:           entry.Status,
		Error:            entry.Error,
		Attempts:         entry.Attempts,
		LatencyMS:        entry.Latency.Milliseconds(),
		CreatedAt:        entry.CreatedAt,
	}
}
