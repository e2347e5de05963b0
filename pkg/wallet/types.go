package wallet

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
)

const (
	maxIdentifierLength     = 64
	maxIdempotencyKeyLength = 128
	maxRequestIDLength      = 128
	defaultCurrency         = "credits"
	maxResetDay             = 31
)

var (
	percentDivisor = decimal.NewFromInt(100)
	maxOverdraft   = decimal.NewFromInt(1000)
)

// WalletID identifies a wallet.
type WalletID struct {
	value string
}

// NewWalletID validates and normalizes a wallet id.
func NewWalletID(raw string) (WalletID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return WalletID{}, fmt.Errorf("%w: empty value", ErrInvalidWalletID)
	}
	if len(trimmed) > maxIdentifierLength {
		return WalletID{}, fmt.Errorf("%w: longer than %d characters", ErrInvalidWalletID, maxIdentifierLength)
	}
	return WalletID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id WalletID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id WalletID) IsZero() bool {
	return id.value == ""
}

// MarshalText encodes the id as its plain string.
func (id WalletID) MarshalText() ([]byte, error) {
	return []byte(id.value), nil
}

// TransactionID identifies a ledger transaction. Reservations are addressed by their transaction id.
type TransactionID struct {
	value string
}

// NewTransactionID validates and normalizes a transaction id.
func NewTransactionID(raw string) (TransactionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TransactionID{}, fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	}
	if len(trimmed) > maxIdentifierLength {
		return TransactionID{}, fmt.Errorf("%w: longer than %d characters", ErrInvalidTransactionID, maxIdentifierLength)
	}
	return TransactionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id TransactionID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id TransactionID) IsZero() bool {
	return id.value == ""
}

// IdempotencyKey scopes duplicate detection. The zero value means "no key".
type IdempotencyKey struct {
	value string
}

// NewIdempotencyKey validates a key: 1 to 128 printable characters without whitespace.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	if raw == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	if len(raw) > maxIdempotencyKeyLength {
		return IdempotencyKey{}, fmt.Errorf("%w: longer than %d characters", ErrInvalidIdempotencyKey, maxIdempotencyKeyLength)
	}
	for _, character := range raw {
		if unicode.IsSpace(character) || !unicode.IsPrint(character) {
			return IdempotencyKey{}, fmt.Errorf("%w: contains whitespace or control characters", ErrInvalidIdempotencyKey)
		}
	}
	return IdempotencyKey{value: raw}, nil
}

// String returns the key.
func (key IdempotencyKey) String() string {
	return key.value
}

// IsZero reports whether no key was supplied.
func (key IdempotencyKey) IsZero() bool {
	return key.value == ""
}

// RequestID correlates a transaction with a gateway request. The zero value means "none".
type RequestID struct {
	value string
}

// NewRequestID validates a correlation id.
func NewRequestID(raw string) (RequestID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return RequestID{}, fmt.Errorf("%w: empty value", ErrInvalidRequestID)
	}
	if len(trimmed) > maxRequestIDLength {
		return RequestID{}, fmt.Errorf("%w: longer than %d characters", ErrInvalidRequestID, maxRequestIDLength)
	}
	return RequestID{value: trimmed}, nil
}

// String returns the correlation id.
func (id RequestID) String() string {
	return id.value
}

// MetadataJSON stores arbitrary transaction metadata.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates metadata (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// Kind classifies the budget holder behind a wallet.
type Kind string

const (
	KindUser         Kind = "user"
	KindTeam         Kind = "team"
	KindOrganization Kind = "organization"
)

// ParseKind validates a wallet kind.
func ParseKind(raw string) (Kind, error) {
	switch kind := Kind(strings.ToLower(strings.TrimSpace(raw))); kind {
	case KindUser, KindTeam, KindOrganization:
		return kind, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidKind, raw)
}

// Status is the wallet lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusClosed    Status = "closed"
)

// ParseStatus validates a wallet status.
func ParseStatus(raw string) (Status, error) {
	switch status := Status(strings.ToLower(strings.TrimSpace(raw))); status {
	case StatusActive, StatusSuspended, StatusClosed:
		return status, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
}

// TransactionType enumerates ledger entry kinds.
type TransactionType string

const (
	TransactionDeduction   TransactionType = "deduction"
	TransactionRefund      TransactionType = "refund"
	TransactionTopUp       TransactionType = "top_up"
	TransactionReservation TransactionType = "reservation"
	TransactionSettlement  TransactionType = "settlement"
	TransactionRelease     TransactionType = "release"
	TransactionReset       TransactionType = "reset"
)

// ParseTransactionType validates a transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch transactionType := TransactionType(strings.ToLower(strings.TrimSpace(raw))); transactionType {
	case TransactionDeduction, TransactionRefund, TransactionTopUp, TransactionReservation,
		TransactionSettlement, TransactionRelease, TransactionReset:
		return transactionType, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
}

// Wallet is a budget-holding account.
type Wallet struct {
	ID                 WalletID
	Kind               Kind
	Status             Status
	Name               string
	OwnerRef           string
	Currency           string
	HardLimit          decimal.Decimal
	Used               decimal.Decimal
	Reserved           decimal.Decimal
	OverdraftEnabled   bool
	OverdraftPercent   decimal.Decimal
	SoftWarningPercent decimal.Decimal
	AutoReset          bool
	ResetDay           int
	ParentID           WalletID
	LastResetAt        *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
	ClosedAt           *time.Time
}

// EffectiveLimit is the hard limit widened by the overdraft allowance when enabled.
func (wallet Wallet) EffectiveLimit() decimal.Decimal {
	if !wallet.OverdraftEnabled {
		return wallet.HardLimit
	}
	factor := decimal.NewFromInt(1).Add(wallet.OverdraftPercent.Div(percentDivisor))
	return wallet.HardLimit.Mul(factor)
}

// Committed is used plus reserved.
func (wallet Wallet) Committed() decimal.Decimal {
	return wallet.Used.Add(wallet.Reserved)
}

// Available is the effective limit minus used and reserved.
func (wallet Wallet) Available() decimal.Decimal {
	return wallet.EffectiveLimit().Sub(wallet.Committed())
}

// SoftWarningReached reports whether committed spend crossed the soft-warning share of the hard limit.
func (wallet Wallet) SoftWarningReached() bool {
	if !wallet.SoftWarningPercent.IsPositive() || !wallet.HardLimit.IsPositive() {
		return false
	}
	threshold := wallet.HardLimit.Mul(wallet.SoftWarningPercent).Div(percentDivisor)
	return wallet.Committed().GreaterThanOrEqual(threshold)
}

// HasParent reports whether the wallet sits under another wallet.
func (wallet Wallet) HasParent() bool {
	return !wallet.ParentID.IsZero()
}

// Transaction is an immutable ledger entry.
type Transaction struct {
	ID TransactionID
	// Sequence is assigned by the store and orders entries within the ledger.
	Sequence int64
	WalletID WalletID
	Type     TransactionType
	// Amount is the value the entry applies: spend for deductions and settlements,
	// the refunded amount after flooring, the held amount for reservations.
	Amount decimal.Decimal
	// ReleasedAmount is the reserved value freed by settlements, releases and resets.
	ReleasedAmount decimal.Decimal
	BalanceBefore  decimal.Decimal
	BalanceAfter   decimal.Decimal
	RequestID      string
	IdempotencyKey string
	ReservationID  string
	ExpiresAt      *time.Time
	Description    string
	Metadata       MetadataJSON
	CreatedAt      time.Time
}

// WalletSpec describes a wallet to create.
type WalletSpec struct {
	ID                 string
	Kind               Kind
	Name               string
	OwnerRef           string
	Currency           string
	HardLimit          decimal.Decimal
	OverdraftEnabled   bool
	OverdraftPercent   decimal.Decimal
	SoftWarningPercent decimal.Decimal
	AutoReset          bool
	ResetDay           int
	ParentID           string
}

// WalletUpdate changes wallet settings. Nil fields are left untouched; an empty
// ParentID detaches the wallet from its parent.
type WalletUpdate struct {
	Name               *string
	HardLimit          *decimal.Decimal
	OverdraftEnabled   *bool
	OverdraftPercent   *decimal.Decimal
	SoftWarningPercent *decimal.Decimal
	AutoReset          *bool
	ResetDay           *int
	ParentID           *string
}

// WalletFilter narrows ListWallets.
type WalletFilter struct {
	Kind     Kind
	Status   Status
	ParentID WalletID
	Limit    int
	Offset   int
}

// TransactionFilter narrows transaction listings. Zero times are open bounds.
type TransactionFilter struct {
	Types []TransactionType
	From  time.Time
	To    time.Time
	// AfterSequence keeps entries written after the given sequence when positive.
	AfterSequence int64
	Limit         int
}

// DeductRequest spends an amount immediately.
type DeductRequest struct {
	WalletID       WalletID
	Amount         decimal.Decimal
	RequestID      RequestID
	IdempotencyKey IdempotencyKey
	Description    string
	Metadata       MetadataJSON
}

// RefundRequest returns previously spent credit. The idempotency key is mandatory.
type RefundRequest struct {
	WalletID          WalletID
	Amount            decimal.Decimal
	OriginalRequestID RequestID
	IdempotencyKey    IdempotencyKey
	Description       string
	Metadata          MetadataJSON
}

// ReserveRequest places a hold for an in-flight request.
type ReserveRequest struct {
	WalletID       WalletID
	Amount         decimal.Decimal
	RequestID      RequestID
	TTL            time.Duration
	IdempotencyKey IdempotencyKey
	Description    string
	Metadata       MetadataJSON
}

// SettleRequest converts a hold into actual spend.
type SettleRequest struct {
	ReservationID  TransactionID
	ActualCost     decimal.Decimal
	IdempotencyKey IdempotencyKey
	Description    string
	Metadata       MetadataJSON
}

// ReleaseRequest cancels a hold without spending.
type ReleaseRequest struct {
	ReservationID TransactionID
	Reason        string
}

// TopUpRequest raises a wallet's hard limit.
type TopUpRequest struct {
	WalletID       WalletID
	Amount         decimal.Decimal
	IdempotencyKey IdempotencyKey
	Description    string
	Metadata       MetadataJSON
}

// Receipt is the outcome of a ledger operation.
type Receipt struct {
	Transaction      Transaction
	Wallet           Wallet
	Replayed         bool
	SoftLimitWarning bool
	// AuditError is set when an operation logger failed; the ledger change itself is committed.
	AuditError error
}
