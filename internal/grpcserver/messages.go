package grpcserver

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/MarkoPoloResearchLab/quotagate/pkg/quota"
	"github.com/MarkoPoloResearchLab/quotagate/pkg/wallet"
)

// EstimateCostRequest prices a call. With usage set it prices the completed
// call, preferring ReportedCostUSD; otherwise it estimates from the prompt.
type EstimateCostRequest struct {
	Model            string   `json:"model"`
	PromptParts      []string `json:"prompt_parts,omitempty"`
	MaxTokens        int64    `json:"max_tokens,omitempty"`
	PromptTokens     int64    `json:"prompt_tokens,omitempty"`
	CompletionTokens int64    `json:"completion_tokens,omitempty"`
	ReportedCostUSD  string   `json:"reported_cost_usd,omitempty"`
}

type EstimateCostResponse struct {
	Model          string          `json:"model"`
	Credits        decimal.Decimal `json:"credits"`
	Source         string          `json:"source"`
	RateKey        string          `json:"rate_key,omitempty"`
	TotalTokens    int64           `json:"total_tokens"`
	FallbackReason string          `json:"fallback_reason,omitempty"`
}

type CheckQuotaRequest struct {
	HolderID      string          `json:"holder_id"`
	Priority      string          `json:"priority,omitempty"`
	EstimatedCost decimal.Decimal `json:"estimated_cost"`
}

type CheckQuotaResponse struct {
	Result quota.CheckResult `json:"result"`
}

type DeductQuotaRequest struct {
	HolderID string          `json:"holder_id"`
	Cost     decimal.Decimal `json:"cost"`
	Source   string          `json:"source"`
	TeamID   string          `json:"team_id,omitempty"`
}

type DeductQuotaResponse struct {
	HolderID string          `json:"holder_id"`
	Source   string          `json:"source"`
	TeamID   string          `json:"team_id,omitempty"`
	Amount   decimal.Decimal `json:"amount"`
}

type GetWalletRequest struct {
	WalletID string `json:"wallet_id"`
}

type Wallet struct {
	ID             string          `json:"id"`
	Kind           string          `json:"kind"`
	Status         string          `json:"status"`
	Name           string          `json:"name"`
	HardLimit      decimal.Decimal `json:"hard_limit"`
	EffectiveLimit decimal.Decimal `json:"effective_limit"`
	Used           decimal.Decimal `json:"used"`
	Reserved       decimal.Decimal `json:"reserved"`
	Available      decimal.Decimal `json:"available"`
	ParentID       string          `json:"parent_id,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type LedgerDeductRequest struct {
	WalletID       string          `json:"wallet_id"`
	Amount         decimal.Decimal `json:"amount"`
	RequestID      string          `json:"request_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Description    string          `json:"description,omitempty"`
	MetadataJSON   string          `json:"metadata_json,omitempty"`
}

type LedgerRefundRequest struct {
	WalletID          string          `json:"wallet_id"`
	Amount            decimal.Decimal `json:"amount"`
	OriginalRequestID string          `json:"original_request_id,omitempty"`
	IdempotencyKey    string          `json:"idempotency_key"`
	Description       string          `json:"description,omitempty"`
	MetadataJSON      string          `json:"metadata_json,omitempty"`
}

type LedgerReserveRequest struct {
	WalletID       string          `json:"wallet_id"`
	Amount         decimal.Decimal `json:"amount"`
	RequestID      string          `json:"request_id,omitempty"`
	TTLSeconds     int64           `json:"ttl_seconds,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Description    string          `json:"description,omitempty"`
	MetadataJSON   string          `json:"metadata_json,omitempty"`
}

type LedgerSettleRequest struct {
	ReservationID  string          `json:"reservation_id"`
	ActualCost     decimal.Decimal `json:"actual_cost"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Description    string          `json:"description,omitempty"`
}

type LedgerReleaseRequest struct {
	ReservationID string `json:"reservation_id"`
	Reason        string `json:"reason,omitempty"`
}

type Receipt struct {
	TransactionID    string          `json:"transaction_id"`
	Type             string          `json:"type"`
	Amount           decimal.Decimal `json:"amount"`
	ReleasedAmount   decimal.Decimal `json:"released_amount"`
	ReservationID    string          `json:"reservation_id,omitempty"`
	ExpiresAt        *time.Time      `json:"expires_at,omitempty"`
	Replayed         bool            `json:"replayed"`
	SoftLimitWarning bool            `json:"soft_limit_warning"`
	Wallet           Wallet          `json:"wallet"`
}

func newWallet(record wallet.Wallet) Wallet {
	return Wallet{
		ID:             record.ID.String(),
		Kind:           string(record.Kind),
		Status:         string(record.Status),
		Name:           record.Name,
		HardLimit:      record.HardLimit,
		EffectiveLimit: record.EffectiveLimit(),
		Used:           record.Used,
		Reserved:       record.Reserved,
		Available:      record.Available(),
		ParentID:       record.ParentID.String(),
		UpdatedAt:      record.UpdatedAt,
	}
}

func newReceipt(receipt wallet.Receipt) *Receipt {
	return &Receipt{
		TransactionID:    receipt.Transaction.ID.String(),
		Type:             string(receipt.Transaction.Type),
		Amount:           receipt.Transaction.Amount,
		ReleasedAmount:   receipt.Transaction.ReleasedAmount,
		ReservationID:    receipt.Transaction.ReservationID,
		ExpiresAt:        receipt.Transaction.ExpiresAt,
		Replayed:         receipt.Replayed,
		SoftLimitWarning: receipt.SoftLimitWarning,
		Wallet:           newWallet(receipt.Wallet),
	}
}
