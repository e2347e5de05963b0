package gormstore

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Wallet mirrors the wallets table.
type Wallet struct {
	ID                 string          `gorm:"size:64;primaryKey"`
	Kind               string          `gorm:"size:16;not null;index"`
	Status             string          `gorm:"size:16;not null;index"`
	Name               string          `gorm:"size:255;not null"`
	OwnerRef           string          `gorm:"size:255;not null;default:''"`
	Currency           string          `gorm:"size:16;not null"`
	HardLimit          decimal.Decimal `gorm:"type:numeric(24,8);not null"`
	Used               decimal.Decimal `gorm:"type:numeric(24,8);not null"`
	Reserved           decimal.Decimal `gorm:"type:numeric(24,8);not null"`
	OverdraftEnabled   bool            `gorm:"not null"`
	OverdraftPercent   decimal.Decimal `gorm:"type:numeric(24,8);not null"`
	SoftWarningPercent decimal.Decimal `gorm:"type:numeric(24,8);not null"`
	AutoReset          bool            `gorm:"not null;index:idx_wallets_reset,priority:1"`
	ResetDay           int             `gorm:"not null;index:idx_wallets_reset,priority:2"`
	ParentID           *string         `gorm:"size:64;index"`
	LastResetAt        *time.Time
	CreatedAt          time.Time `gorm:"not null;autoCreateTime:false"`
	UpdatedAt          time.Time `gorm:"not null;autoUpdateTime:false"`
	ClosedAt           *time.Time
}

func (Wallet) TableName() string { return "wallets" }

// WalletTransaction mirrors the append-only wallet_transactions table.
// Nullable unique columns keep entries without a key or reservation apart.
type WalletTransaction struct {
	Sequence       int64           `gorm:"column:sequence;primaryKey;autoIncrement"`
	TransactionID  string          `gorm:"size:64;not null;uniqueIndex:uniq_wallet_tx_id"`
	WalletID       string          `gorm:"size:64;not null;index:idx_wallet_tx_wallet_created,priority:1"`
	Type           string          `gorm:"size:16;not null;index"`
	Amount         decimal.Decimal `gorm:"type:numeric(24,8);not null"`
	ReleasedAmount decimal.Decimal `gorm:"type:numeric(24,8);not null"`
	BalanceBefore  decimal.Decimal `gorm:"type:numeric(24,8);not null"`
	BalanceAfter   decimal.Decimal `gorm:"type:numeric(24,8);not null"`
	RequestID      string          `gorm:"size:128;not null;default:'';index"`
	IdempotencyKey *string         `gorm:"size:128;uniqueIndex:uniq_wallet_tx_idempotency"`
	ReservationID  *string         `gorm:"size:64;uniqueIndex:uniq_wallet_tx_reservation"`
	ExpiresAt      *time.Time      `gorm:"index"`
	Description    string          `gorm:"size:255;not null;default:''"`
	Metadata       datatypes.JSON  `gorm:"not null"`
	CreatedAt      time.Time       `gorm:"not null;autoCreateTime:false;index:idx_wallet_tx_wallet_created,priority:2"`
}

func (WalletTransaction) TableName() string { return "wallet_transactions" }

// BeforeUpdate keeps ledger rows append-only.
func (*WalletTransaction) BeforeUpdate(*gorm.DB) error {
	return errAppendOnly
}

// BeforeDelete keeps ledger rows append-only.
func (*WalletTransaction) BeforeDelete(*gorm.DB) error {
	return errAppendOnly
}

// QuotaHolder mirrors the quota_holders table.
type QuotaHolder struct {
	ID            string          `gorm:"size:64;primaryKey"`
	Status        string          `gorm:"size:16;not null;index"`
	PersonalQuota decimal.Decimal `gorm:"type:numeric(24,8);not null"`
	UsedTokens    decimal.Decimal `gorm:"type:numeric(24,8);not null"`
	WalletID      *string         `gorm:"size:64"`
	UpdatedAt     time.Time
}

func (QuotaHolder) TableName() string { return "quota_holders" }

// Team mirrors the teams table.
type Team struct {
	ID                      string          `gorm:"size:64;primaryKey"`
	Name                    string          `gorm:"size:255;not null"`
	CommonPool              decimal.Decimal `gorm:"type:numeric(24,8);not null"`
	UsedPool                decimal.Decimal `gorm:"type:numeric(24,8);not null"`
	VacationSharePercentage decimal.Decimal `gorm:"type:numeric(24,8);not null"`
	UpdatedAt               time.Time
}

func (Team) TableName() string { return "teams" }

// TeamMembership links holders to teams. Position orders a holder's own
// teams; the lowest is the primary team.
type TeamMembership struct {
	TeamID    string `gorm:"size:64;primaryKey"`
	HolderID  string `gorm:"size:64;primaryKey;index:idx_team_memberships_holder,priority:1"`
	Position  int    `gorm:"not null;index:idx_team_memberships_holder,priority:2"`
	CreatedAt time.Time
}

func (TeamMembership) TableName() string { return "team_memberships" }

// OrgSettings holds the single organisation policy row.
type OrgSettings struct {
	ID                   uint `gorm:"primaryKey"`
	AllowPriorityBypass  bool `gorm:"not null"`
	AllowVacationSharing bool `gorm:"not null"`
	UpdatedAt            time.Time
}

func (OrgSettings) TableName() string { return "org_settings" }

// RequestLog mirrors the request_logs table written by the gateway.
type RequestLog struct {
	RequestID        string          `gorm:"size:128;primaryKey"`
	HolderID         string          `gorm:"size:64;not null;index"`
	TeamID           string          `gorm:"size:64;not null;default:''"`
	WalletID         string          `gorm:"size:64;not null;default:''"`
	Model            string          `gorm:"size:128;not null"`
	PromptTokens     int64           `gorm:"not null"`
	CompletionTokens int64           `gorm:"not null"`
	TotalTokens      int64           `gorm:"not null"`
	EstimatedCredits decimal.Decimal `gorm:"type:numeric(24,8);not null"`
	ActualCredits    decimal.Decimal `gorm:"type:numeric(24,8);not null"`
	Source           string          `gorm:"size:32;not null"`
	CostSource       string          `gorm:"size:32;not null;default:''"`
	Status           string          `gorm:"size:32;not null;index"`
	Error            string          `gorm:"type:text"`
	Attempts         int             `gorm:"not null"`
	LatencyMS        int64           `gorm:"not null"`
	Metadata         datatypes.JSON  `gorm:"not null"`
	CreatedAt        time.Time       `gorm:"not null;autoCreateTime:false;index"`
}

func (RequestLog) TableName() string { return "request_logs" }

// Models lists every table AutoMigrate manages.
func Models() []any {
	return []any{
		&Wallet{},
		&WalletTransaction{},
		&QuotaHolder{},
		&Team{},
		&TeamMembership{},
		&OrgSettings{},
		&RequestLog{},
	}
}

// AutoMigrate creates or updates every table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}
