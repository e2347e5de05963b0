// Package gormstore persists wallets, the quota directory, organisation
// policy and gateway request logs through GORM. It runs on postgres, mysql
// and sqlite.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	gomysql "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarkoPoloResearchLab/quotagate/pkg/wallet"
)

const (
	defaultMetadataJSON      = "{}"
	pgUniqueViolationCode    = "23505"
	sqliteConstraintCode     = 19
	mysqlDuplicateEntryCode  = 1062
	reservationIndexFragment = "reservation"
	errorOperationStore      = "store"
	errorSubjectWallet       = "wallet"
	errorSubjectTransaction  = "transaction"
	errorCodeCreate          = "create"
	errorCodeGet             = "get"
	errorCodeLock            = "lock"
	errorCodeSave            = "save"
	errorCodeInsert          = "insert"
	errorCodeInvalid         = "invalid"
	errorCodeList            = "list"
	errorCodeLookup          = "lookup"
)

var errAppendOnly = errors.New("wallet transactions are append-only")

// Store implements wallet.Store using GORM.
type Store struct {
	db *gorm.DB
}

var _ wallet.Store = (*Store)(nil)

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore wallet.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) CreateWallet(ctx context.Context, record wallet.Wallet) error {
	model := walletModel(record)
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", wallet.ErrWalletExists, record.ID.String())
	}
	if err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetWallet(ctx context.Context, walletID wallet.WalletID) (wallet.Wallet, error) {
	return store.takeWallet(store.db.WithContext(ctx), walletID, errorCodeGet)
}

// LockWallet selects the row FOR UPDATE. sqlite ignores the locking clause and
// relies on its database-level write lock instead.
func (store *Store) LockWallet(ctx context.Context, walletID wallet.WalletID) (wallet.Wallet, error) {
	return store.takeWallet(store.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), walletID, errorCodeLock)
}

func (store *Store) takeWallet(query *gorm.DB, walletID wallet.WalletID, code string) (wallet.Wallet, error) {
	var model Wallet
	err := query.Where("id = ?", walletID.String()).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return wallet.Wallet{}, wrapStoreError(errorSubjectWallet, code, fmt.Errorf("%w: %s", wallet.ErrUnknownWallet, walletID.String()))
	}
	if err != nil {
		return wallet.Wallet{}, wrapStoreError(errorSubjectWallet, code, err)
	}
	mapped, err := mapWallet(model)
	if err != nil {
		return wallet.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
	}
	return mapped, nil
}

func (store *Store) SaveWallet(ctx context.Context, record wallet.Wallet) error {
	model := walletModel(record)
	result := store.db.WithContext(ctx).
		Model(&Wallet{}).
		Where("id = ?", model.ID).
		Select("*").
		Omit("id", "created_at").
		Updates(&model)
	if result.Error != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeSave, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}
	// MySQL reports zero affected rows for an update that changes nothing.
	var count int64
	if err := store.db.WithContext(ctx).Model(&Wallet{}).Where("id = ?", model.ID).Count(&count).Error; err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeSave, err)
	}
	if count == 0 {
		return wrapStoreError(errorSubjectWallet, errorCodeSave, fmt.Errorf("%w: %s", wallet.ErrUnknownWallet, model.ID))
	}
	return nil
}

func (store *Store) ListWallets(ctx context.Context, filter wallet.WalletFilter) ([]wallet.Wallet, error) {
	query := store.db.WithContext(ctx).Model(&Wallet{})
	if filter.Kind != "" {
		query = query.Where("kind = ?", string(filter.Kind))
	}
	if filter.Status != "" {
		query = query.Where("status = ?", string(filter.Status))
	}
	if !filter.ParentID.IsZero() {
		query = query.Where("parent_id = ?", filter.ParentID.String())
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}
	return store.findWallets(query.Order("id ASC"))
}

func (store *Store) ListChildWallets(ctx context.Context, parentID wallet.WalletID) ([]wallet.Wallet, error) {
	return store.findWallets(store.db.WithContext(ctx).Where("parent_id = ?", parentID.String()).Order("id ASC"))
}

func (store *Store) ListResetCandidates(ctx context.Context, fromDay int, toDay int) ([]wallet.Wallet, error) {
	return store.findWallets(store.db.WithContext(ctx).
		Where("auto_reset = ? AND status = ?", true, string(wallet.StatusActive)).
		Where("reset_day >= ? AND reset_day <= ?", fromDay, toDay).
		Order("id ASC"))
}

func (store *Store) findWallets(query *gorm.DB) ([]wallet.Wallet, error) {
	var rows []Wallet
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectWallet, errorCodeList, err)
	}
	wallets := make([]wallet.Wallet, 0, len(rows))
	for _, row := range rows {
		mapped, err := mapWallet(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
		}
		wallets = append(wallets, mapped)
	}
	return wallets, nil
}

// InsertTransaction appends an entry. A reused idempotency key surfaces as
// wallet.ErrDuplicateIdempotencyKey and a second closing entry for the same
// reservation as wallet.ErrReservationClosed; both are returned unwrapped so
// the service can recover the race.
func (store *Store) InsertTransaction(ctx context.Context, transaction wallet.Transaction) (wallet.Transaction, error) {
	model := transactionModel(transaction)
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		if model.ReservationID != nil && (model.IdempotencyKey == nil || mentionsReservation(err)) {
			return wallet.Transaction{}, fmt.Errorf("%w: %s", wallet.ErrReservationClosed, *model.ReservationID)
		}
		return wallet.Transaction{}, fmt.Errorf("%w: %s", wallet.ErrDuplicateIdempotencyKey, transaction.IdempotencyKey)
	}
	if err != nil {
		return wallet.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	transaction.Sequence = model.Sequence
	transaction.CreatedAt = model.CreatedAt
	return transaction, nil
}

func (store *Store) GetTransaction(ctx context.Context, transactionID wallet.TransactionID) (wallet.Transaction, error) {
	transaction, found, err := store.takeTransaction(ctx, "transaction_id = ?", transactionID.String())
	if err != nil {
		return wallet.Transaction{}, err
	}
	if !found {
		return wallet.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, fmt.Errorf("%w: %s", wallet.ErrUnknownTransaction, transactionID.String()))
	}
	return transaction, nil
}

func (store *Store) FindTransactionByIdempotencyKey(ctx context.Context, key wallet.IdempotencyKey) (wallet.Transaction, bool, error) {
	return store.takeTransaction(ctx, "idempotency_key = ?", key.String())
}

func (store *Store) FindReservationClosure(ctx context.Context, reservationID wallet.TransactionID) (wallet.Transaction, bool, error) {
	return store.takeTransaction(ctx, "reservation_id = ?", reservationID.String())
}

func (store *Store) takeTransaction(ctx context.Context, condition string, value string) (wallet.Transaction, bool, error) {
	var model WalletTransaction
	err := store.db.WithContext(ctx).Where(condition, value).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return wallet.Transaction{}, false, nil
	}
	if err != nil {
		return wallet.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeLookup, err)
	}
	transaction, err := mapTransaction(model)
	if err != nil {
		return wallet.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, true, nil
}

func (store *Store) ListTransactions(ctx context.Context, walletID wallet.WalletID, filter wallet.TransactionFilter) ([]wallet.Transaction, error) {
	query := store.db.WithContext(ctx).Where("wallet_id = ?", walletID.String())
	if len(filter.Types) > 0 {
		query = query.Where("type IN ?", typeNames(filter.Types))
	}
	if !filter.From.IsZero() {
		query = query.Where("created_at >= ?", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		query = query.Where("created_at < ?", filter.To.UTC())
	}
	if filter.AfterSequence > 0 {
		query = query.Where("sequence > ?", filter.AfterSequence)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	return store.findTransactions(query.Order("sequence ASC"))
}

func (store *Store) ListExpiredReservations(ctx context.Context, expiredAt time.Time, limit int) ([]wallet.Transaction, error) {
	closures := store.db.Model(&WalletTransaction{}).
		Select("1").
		Where("closure.reservation_id = wallet_transactions.transaction_id")
	query := store.db.WithContext(ctx).
		Where("type = ?", string(wallet.TransactionReservation)).
		Where("expires_at IS NOT NULL AND expires_at <= ?", expiredAt.UTC()).
		Where("NOT EXISTS (?)", closures.Table("wallet_transactions AS closure")).
		Order("sequence ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	return store.findTransactions(query)
}

func (store *Store) ListTransactionsBetween(ctx context.Context, from time.Time, to time.Time, types []wallet.TransactionType) ([]wallet.Transaction, error) {
	query := store.db.WithContext(ctx).
		Where("created_at >= ? AND created_at < ?", from.UTC(), to.UTC())
	if len(types) > 0 {
		query = query.Where("type IN ?", typeNames(types))
	}
	return store.findTransactions(query.Order("sequence ASC"))
}

func (store *Store) findTransactions(query *gorm.DB) ([]wallet.Transaction, error) {
	var rows []WalletTransaction
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]wallet.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return wallet.WrapError(errorOperationStore, subject, code, err)
}

func walletModel(record wallet.Wallet) Wallet {
	return Wallet{
		ID:                 record.ID.String(),
		Kind:               string(record.Kind),
		Status:             string(record.Status),
		Name:               record.Name,
		OwnerRef:           record.OwnerRef,
		Currency:           record.Currency,
		HardLimit:          record.HardLimit,
		Used:               record.Used,
		Reserved:           record.Reserved,
		OverdraftEnabled:   record.OverdraftEnabled,
		OverdraftPercent:   record.OverdraftPercent,
		SoftWarningPercent: record.SoftWarningPercent,
		AutoReset:          record.AutoReset,
		ResetDay:           record.ResetDay,
		ParentID:           optionalString(record.ParentID.String()),
		LastResetAt:        utcPointer(record.LastResetAt),
		CreatedAt:          record.CreatedAt.UTC(),
		UpdatedAt:          record.UpdatedAt.UTC(),
		ClosedAt:           utcPointer(record.ClosedAt),
	}
}

func mapWallet(model Wallet) (wallet.Wallet, error) {
	walletID, err := wallet.NewWalletID(model.ID)
	if err != nil {
		return wallet.Wallet{}, err
	}
	kind, err := wallet.ParseKind(model.Kind)
	if err != nil {
		return wallet.Wallet{}, err
	}
	status, err := wallet.ParseStatus(model.Status)
	if err != nil {
		return wallet.Wallet{}, err
	}
	var parentID wallet.WalletID
	if model.ParentID != nil && *model.ParentID != "" {
		parentID, err = wallet.NewWalletID(*model.ParentID)
		if err != nil {
			return wallet.Wallet{}, err
		}
	}
	return wallet.Wallet{
		ID:                 walletID,
		Kind:               kind,
		Status:             status,
		Name:               model.Name,
		OwnerRef:           model.OwnerRef,
		Currency:           model.Currency,
		HardLimit:          model.HardLimit,
		Used:               model.Used,
		Reserved:           model.Reserved,
		OverdraftEnabled:   model.OverdraftEnabled,
		OverdraftPercent:   model.OverdraftPercent,
		SoftWarningPercent: model.SoftWarningPercent,
		AutoReset:          model.AutoReset,
		ResetDay:           model.ResetDay,
		ParentID:           parentID,
		LastResetAt:        utcPointer(model.LastResetAt),
		CreatedAt:          model.CreatedAt.UTC(),
		UpdatedAt:          model.UpdatedAt.UTC(),
		ClosedAt:           utcPointer(model.ClosedAt),
	}, nil
}

func transactionModel(transaction wallet.Transaction) WalletTransaction {
	createdAt := transaction.CreatedAt.UTC()
	if transaction.CreatedAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return WalletTransaction{
		TransactionID:  transaction.ID.String(),
		WalletID:       transaction.WalletID.String(),
		Type:           string(transaction.Type),
		Amount:         transaction.Amount,
		ReleasedAmount: transaction.ReleasedAmount,
		BalanceBefore:  transaction.BalanceBefore,
		BalanceAfter:   transaction.BalanceAfter,
		RequestID:      transaction.RequestID,
		IdempotencyKey: optionalString(transaction.IdempotencyKey),
		ReservationID:  optionalString(transaction.ReservationID),
		ExpiresAt:      utcPointer(transaction.ExpiresAt),
		Description:    transaction.Description,
		Metadata:       datatypesJSON(transaction.Metadata.String()),
		CreatedAt:      createdAt,
	}
}

func mapTransaction(model WalletTransaction) (wallet.Transaction, error) {
	transactionID, err := wallet.NewTransactionID(model.TransactionID)
	if err != nil {
		return wallet.Transaction{}, err
	}
	walletID, err := wallet.NewWalletID(model.WalletID)
	if err != nil {
		return wallet.Transaction{}, err
	}
	transactionType, err := wallet.ParseTransactionType(model.Type)
	if err != nil {
		return wallet.Transaction{}, err
	}
	metadata, err := wallet.NewMetadataJSON(string(model.Metadata))
	if err != nil {
		return wallet.Transaction{}, err
	}
	return wallet.Transaction{
		ID:             transactionID,
		Sequence:       model.Sequence,
		WalletID:       walletID,
		Type:           transactionType,
		Amount:         model.Amount,
		ReleasedAmount: model.ReleasedAmount,
		BalanceBefore:  model.BalanceBefore,
		BalanceAfter:   model.BalanceAfter,
		RequestID:      model.RequestID,
		IdempotencyKey: stringOrEmpty(model.IdempotencyKey),
		ReservationID:  stringOrEmpty(model.ReservationID),
		ExpiresAt:      utcPointer(model.ExpiresAt),
		Description:    model.Description,
		Metadata:       metadata,
		CreatedAt:      model.CreatedAt.UTC(),
	}, nil
}

func typeNames(types []wallet.TransactionType) []string {
	names := make([]string, 0, len(types))
	for _, transactionType := range types {
		names = append(names, string(transactionType))
	}
	return names
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func utcPointer(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	utc := value.UTC()
	return &utc
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	var mysqlErr *gomysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == mysqlDuplicateEntryCode
	}
	return false
}

// mentionsReservation tells a reservation_id violation apart from an
// idempotency_key violation on rows that carry both.
func mentionsReservation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.Contains(pgErr.ConstraintName, reservationIndexFragment)
	}
	return strings.Contains(strings.ToLower(err.Error()), reservationIndexFragment)
}
