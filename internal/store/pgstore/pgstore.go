// Package pgstore implements wallet.Store on a pgx connection pool with
// explicit SQL. It shares the schema created by gormstore.AutoMigrate.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/MarkoPoloResearchLab/quotagate/pkg/wallet"
)

const (
	pgUniqueViolationCode   = "23505"
	errorOperationStore     = "store"
	errorSubjectWallet      = "wallet"
	errorSubjectTransaction = "transaction"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeCreate         = "create"
	errorCodeGet            = "get"
	errorCodeLock           = "lock"
	errorCodeSave           = "save"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLookup         = "lookup"

	walletColumns = `
		id, kind, status, name, owner_ref, currency,
		hard_limit::text, used::text, reserved::text,
		overdraft_enabled, overdraft_percent::text, soft_warning_percent::text,
		auto_reset, reset_day, coalesce(parent_id, ''),
		last_reset_at, created_at, updated_at, closed_at
	`

	transactionColumns = `
		sequence, transaction_id, wallet_id, type,
		amount::text, released_amount::text, balance_before::text, balance_after::text,
		request_id, coalesce(idempotency_key, ''), coalesce(reservation_id, ''),
		expires_at, description, coalesce(metadata::text, '{}'), created_at
	`

	sqlInsertWallet = `
		insert into wallets(
			id, kind, status, name, owner_ref, currency,
			hard_limit, used, reserved,
			overdraft_enabled, overdraft_percent, soft_warning_percent,
			auto_reset, reset_day, parent_id,
			last_reset_at, created_at, updated_at, closed_at
		)
		values(
			$1, $2, $3, $4, $5, $6,
			$7::numeric, $8::numeric, $9::numeric,
			$10, $11::numeric, $12::numeric,
			$13, $14, nullif($15, ''),
			$16, $17, $18, $19
		)
	`

	sqlSelectWallet = `select ` + walletColumns + ` from wallets where id = $1`

	sqlLockWallet = sqlSelectWallet + ` for update`

	sqlUpdateWallet = `
		update wallets set
			kind = $2, status = $3, name = $4, owner_ref = $5, currency = $6,
			hard_limit = $7::numeric, used = $8::numeric, reserved = $9::numeric,
			overdraft_enabled = $10, overdraft_percent = $11::numeric, soft_warning_percent = $12::numeric,
			auto_reset = $13, reset_day = $14, parent_id = nullif($15, ''),
			last_reset_at = $16, updated_at = $17, closed_at = $18
		where id = $1
	`

	sqlListChildWallets = `select ` + walletColumns + ` from wallets where parent_id = $1 order by id`

	sqlListResetCandidates = `
		select ` + walletColumns + ` from wallets
		where auto_reset and status = 'active' and reset_day between $1 and $2
		order by id
	`

	sqlInsertTransaction = `
		insert into wallet_transactions(
			transaction_id, wallet_id, type,
			amount, released_amount, balance_before, balance_after,
			request_id, idempotency_key, reservation_id,
			expires_at, description, metadata, created_at
		)
		values(
			$1, $2, $3,
			$4::numeric, $5::numeric, $6::numeric, $7::numeric,
			$8, nullif($9, ''), nullif($10, ''),
			$11, $12, coalesce(nullif($13, ''), '{}')::jsonb, $14
		)
		returning sequence
	`

	sqlSelectTransactionByID = `select ` + transactionColumns + ` from wallet_transactions where transaction_id = $1`

	sqlSelectTransactionByKey = `select ` + transactionColumns + ` from wallet_transactions where idempotency_key = $1`

	sqlSelectReservationClosure = `select ` + transactionColumns + ` from wallet_transactions where reservation_id = $1`

	sqlListExpiredReservations = `
		select ` + transactionColumns + ` from wallet_transactions reservation
		where reservation.type = 'reservation'
			and reservation.expires_at is not null
			and reservation.expires_at <= $1
			and not exists (
				select 1 from wallet_transactions closure
				where closure.reservation_id = reservation.transaction_id
			)
		order by reservation.sequence
		limit $2
	`

	sqlListTransactionsBetween = `
		select ` + transactionColumns + ` from wallet_transactions
		where created_at >= $1 and created_at < $2
			and (cardinality($3::text[]) = 0 or type = any($3::text[]))
		order by sequence
	`

	maxExpiredPage = 10000
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// Store implements wallet.Store using a pgx pool. Inside WithTx the callback
// receives a Store bound to the transaction.
type Store struct {
	pool *pgxpool.Pool
	db   querier
	inTx bool
}

var _ wallet.Store = (*Store)(nil)

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore wallet.Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	if err := fn(ctx, &Store{pool: store.pool, db: tx, inTx: true}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) CreateWallet(ctx context.Context, record wallet.Wallet) error {
	_, err := store.db.Exec(ctx, sqlInsertWallet,
		record.ID.String(),
		string(record.Kind),
		string(record.Status),
		record.Name,
		record.OwnerRef,
		record.Currency,
		record.HardLimit.String(),
		record.Used.String(),
		record.Reserved.String(),
		record.OverdraftEnabled,
		record.OverdraftPercent.String(),
		record.SoftWarningPercent.String(),
		record.AutoReset,
		record.ResetDay,
		record.ParentID.String(),
		utcPointer(record.LastResetAt),
		record.CreatedAt.UTC(),
		record.UpdatedAt.UTC(),
		utcPointer(record.ClosedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", wallet.ErrWalletExists, record.ID.String())
	}
	if err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetWallet(ctx context.Context, walletID wallet.WalletID) (wallet.Wallet, error) {
	return store.selectWallet(ctx, sqlSelectWallet, walletID, errorCodeGet)
}

func (store *Store) LockWallet(ctx context.Context, walletID wallet.WalletID) (wallet.Wallet, error) {
	return store.selectWallet(ctx, sqlLockWallet, walletID, errorCodeLock)
}

func (store *Store) selectWallet(ctx context.Context, query string, walletID wallet.WalletID, code string) (wallet.Wallet, error) {
	record, err := scanWallet(store.db.QueryRow(ctx, query, walletID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return wallet.Wallet{}, wrapStoreError(errorSubjectWallet, code, fmt.Errorf("%w: %s", wallet.ErrUnknownWallet, walletID.String()))
	}
	if err != nil {
		return wallet.Wallet{}, wrapStoreError(errorSubjectWallet, code, err)
	}
	return record, nil
}

func (store *Store) SaveWallet(ctx context.Context, record wallet.Wallet) error {
	tag, err := store.db.Exec(ctx, sqlUpdateWallet,
		record.ID.String(),
		string(record.Kind),
		string(record.Status),
		record.Name,
		record.OwnerRef,
		record.Currency,
		record.HardLimit.String(),
		record.Used.String(),
		record.Reserved.String(),
		record.OverdraftEnabled,
		record.OverdraftPercent.String(),
		record.SoftWarningPercent.String(),
		record.AutoReset,
		record.ResetDay,
		record.ParentID.String(),
		utcPointer(record.LastResetAt),
		record.UpdatedAt.UTC(),
		utcPointer(record.ClosedAt),
	)
	if err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeSave, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectWallet, errorCodeSave, fmt.Errorf("%w: %s", wallet.ErrUnknownWallet, record.ID.String()))
	}
	return nil
}

func (store *Store) ListWallets(ctx context.Context, filter wallet.WalletFilter) ([]wallet.Wallet, error) {
	conditions := make([]string, 0, 3)
	arguments := make([]any, 0, 5)
	if filter.Kind != "" {
		arguments = append(arguments, string(filter.Kind))
		conditions = append(conditions, fmt.Sprintf("kind = $%d", len(arguments)))
	}
	if filter.Status != "" {
		arguments = append(arguments, string(filter.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(arguments)))
	}
	if !filter.ParentID.IsZero() {
		arguments = append(arguments, filter.ParentID.String())
		conditions = append(conditions, fmt.Sprintf("parent_id = $%d", len(arguments)))
	}
	var builder strings.Builder
	builder.WriteString("select " + walletColumns + " from wallets")
	if len(conditions) > 0 {
		builder.WriteString(" where " + strings.Join(conditions, " and "))
	}
	builder.WriteString(" order by id")
	if filter.Limit > 0 {
		arguments = append(arguments, filter.Limit)
		fmt.Fprintf(&builder, " limit $%d", len(arguments))
	}
	if filter.Offset > 0 {
		arguments = append(arguments, filter.Offset)
		fmt.Fprintf(&builder, " offset $%d", len(arguments))
	}
	return store.queryWallets(ctx, builder.String(), arguments...)
}

func (store *Store) ListChildWallets(ctx context.Context, parentID wallet.WalletID) ([]wallet.Wallet, error) {
	return store.queryWallets(ctx, sqlListChildWallets, parentID.String())
}

func (store *Store) ListResetCandidates(ctx context.Context, fromDay int, toDay int) ([]wallet.Wallet, error) {
	return store.queryWallets(ctx, sqlListResetCandidates, fromDay, toDay)
}

func (store *Store) queryWallets(ctx context.Context, query string, arguments ...any) ([]wallet.Wallet, error) {
	rows, err := store.db.Query(ctx, query, arguments...)
	if err != nil {
		return nil, wrapStoreError(errorSubjectWallet, errorCodeList, err)
	}
	defer rows.Close()
	wallets := make([]wallet.Wallet, 0)
	for rows.Next() {
		record, err := scanWallet(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
		}
		wallets = append(wallets, record)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectWallet, errorCodeList, err)
	}
	return wallets, nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction wallet.Transaction) (wallet.Transaction, error) {
	createdAt := transaction.CreatedAt.UTC()
	if transaction.CreatedAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var sequence int64
	err := store.db.QueryRow(ctx, sqlInsertTransaction,
		transaction.ID.String(),
		transaction.WalletID.String(),
		string(transaction.Type),
		transaction.Amount.String(),
		transaction.ReleasedAmount.String(),
		transaction.BalanceBefore.String(),
		transaction.BalanceAfter.String(),
		transaction.RequestID,
		transaction.IdempotencyKey,
		transaction.ReservationID,
		utcPointer(transaction.ExpiresAt),
		transaction.Description,
		transaction.Metadata.String(),
		createdAt,
	).Scan(&sequence)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolationCode {
		if transaction.ReservationID != "" && (transaction.IdempotencyKey == "" || strings.Contains(pgErr.ConstraintName, "reservation")) {
			return wallet.Transaction{}, fmt.Errorf("%w: %s", wallet.ErrReservationClosed, transaction.ReservationID)
		}
		return wallet.Transaction{}, fmt.Errorf("%w: %s", wallet.ErrDuplicateIdempotencyKey, transaction.IdempotencyKey)
	}
	if err != nil {
		return wallet.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	transaction.Sequence = sequence
	transaction.CreatedAt = createdAt
	return transaction, nil
}

func (store *Store) GetTransaction(ctx context.Context, transactionID wallet.TransactionID) (wallet.Transaction, error) {
	transaction, found, err := store.selectTransaction(ctx, sqlSelectTransactionByID, transactionID.String())
	if err != nil {
		return wallet.Transaction{}, err
	}
	if !found {
		return wallet.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, fmt.Errorf("%w: %s", wallet.ErrUnknownTransaction, transactionID.String()))
	}
	return transaction, nil
}

func (store *Store) FindTransactionByIdempotencyKey(ctx context.Context, key wallet.IdempotencyKey) (wallet.Transaction, bool, error) {
	return store.selectTransaction(ctx, sqlSelectTransactionByKey, key.String())
}

func (store *Store) FindReservationClosure(ctx context.Context, reservationID wallet.TransactionID) (wallet.Transaction, bool, error) {
	return store.selectTransaction(ctx, sqlSelectReservationClosure, reservationID.String())
}

func (store *Store) selectTransaction(ctx context.Context, query string, value string) (wallet.Transaction, bool, error) {
	transaction, err := scanTransaction(store.db.QueryRow(ctx, query, value))
	if errors.Is(err, pgx.ErrNoRows) {
		return wallet.Transaction{}, false, nil
	}
	if err != nil {
		return wallet.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeLookup, err)
	}
	return transaction, true, nil
}

func (store *Store) ListTransactions(ctx context.Context, walletID wallet.WalletID, filter wallet.TransactionFilter) ([]wallet.Transaction, error) {
	arguments := []any{walletID.String()}
	var builder strings.Builder
	builder.WriteString("select " + transactionColumns + " from wallet_transactions where wallet_id = $1")
	if len(filter.Types) > 0 {
		arguments = append(arguments, typeNames(filter.Types))
		fmt.Fprintf(&builder, " and type = any($%d::text[])", len(arguments))
	}
	if !filter.From.IsZero() {
		arguments = append(arguments, filter.From.UTC())
		fmt.Fprintf(&builder, " and created_at >= $%d", len(arguments))
	}
	if !filter.To.IsZero() {
		arguments = append(arguments, filter.To.UTC())
		fmt.Fprintf(&builder, " and created_at < $%d", len(arguments))
	}
	if filter.AfterSequence > 0 {
		arguments = append(arguments, filter.AfterSequence)
		fmt.Fprintf(&builder, " and sequence > $%d", len(arguments))
	}
	builder.WriteString(" order by sequence")
	if filter.Limit > 0 {
		arguments = append(arguments, filter.Limit)
		fmt.Fprintf(&builder, " limit $%d", len(arguments))
	}
	return store.queryTransactions(ctx, builder.String(), arguments...)
}

func (store *Store) ListExpiredReservations(ctx context.Context, expiredAt time.Time, limit int) ([]wallet.Transaction, error) {
	if limit <= 0 {
		limit = maxExpiredPage
	}
	return store.queryTransactions(ctx, sqlListExpiredReservations, expiredAt.UTC(), limit)
}

func (store *Store) ListTransactionsBetween(ctx context.Context, from time.Time, to time.Time, types []wallet.TransactionType) ([]wallet.Transaction, error) {
	return store.queryTransactions(ctx, sqlListTransactionsBetween, from.UTC(), to.UTC(), typeNames(types))
}

func (store *Store) queryTransactions(ctx context.Context, query string, arguments ...any) ([]wallet.Transaction, error) {
	rows, err := store.db.Query(ctx, query, arguments...)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	transactions := make([]wallet.Transaction, 0)
	for rows.Next() {
		transaction, err := scanTransaction(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return transactions, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return wallet.WrapError(errorOperationStore, subject, code, err)
}

func scanWallet(row pgx.Row) (wallet.Wallet, error) {
	var (
		idValue, kindValue, statusValue, parentValue string
		name, ownerRef, currency                     string
		hardLimit, used, reserved                    string
		overdraftPct, softWarnPct                    string
		overdraftEnabled, autoReset                  bool
		resetDay                                     int
		lastResetAt, closedAt                        *time.Time
		createdAt, updatedAt                         time.Time
	)
	err := row.Scan(
		&idValue, &kindValue, &statusValue, &name, &ownerRef, &currency,
		&hardLimit, &used, &reserved,
		&overdraftEnabled, &overdraftPct, &softWarnPct,
		&autoReset, &resetDay, &parentValue,
		&lastResetAt, &createdAt, &updatedAt, &closedAt,
	)
	if err != nil {
		return wallet.Wallet{}, err
	}
	walletID, err := wallet.NewWalletID(idValue)
	if err != nil {
		return wallet.Wallet{}, err
	}
	kind, err := wallet.ParseKind(kindValue)
	if err != nil {
		return wallet.Wallet{}, err
	}
	status, err := wallet.ParseStatus(statusValue)
	if err != nil {
		return wallet.Wallet{}, err
	}
	var parentID wallet.WalletID
	if parentValue != "" {
		if parentID, err = wallet.NewWalletID(parentValue); err != nil {
			return wallet.Wallet{}, err
		}
	}
	amounts, err := parseDecimals(hardLimit, used, reserved, overdraftPct, softWarnPct)
	if err != nil {
		return wallet.Wallet{}, err
	}
	return wallet.Wallet{
		ID:                 walletID,
		Kind:               kind,
		Status:             status,
		Name:               name,
		OwnerRef:           ownerRef,
		Currency:           currency,
		HardLimit:          amounts[0],
		Used:               amounts[1],
		Reserved:           amounts[2],
		OverdraftEnabled:   overdraftEnabled,
		OverdraftPercent:   amounts[3],
		SoftWarningPercent: amounts[4],
		AutoReset:          autoReset,
		ResetDay:           resetDay,
		ParentID:           parentID,
		LastResetAt:        utcPointer(lastResetAt),
		CreatedAt:          createdAt.UTC(),
		UpdatedAt:          updatedAt.UTC(),
		ClosedAt:           utcPointer(closedAt),
	}, nil
}

func scanTransaction(row pgx.Row) (wallet.Transaction, error) {
	var (
		sequence                                 int64
		idValue, walletValue, typeValue          string
		amount, releasedAmount                   string
		balanceBefore, balanceAfter              string
		requestID, idempotencyKey, reservationID string
		expiresAt                                *time.Time
		description, metadataValue               string
		createdAt                                time.Time
	)
	err := row.Scan(
		&sequence, &idValue, &walletValue, &typeValue,
		&amount, &releasedAmount, &balanceBefore, &balanceAfter,
		&requestID, &idempotencyKey, &reservationID,
		&expiresAt, &description, &metadataValue, &createdAt,
	)
	if err != nil {
		return wallet.Transaction{}, err
	}
	transactionID, err := wallet.NewTransactionID(idValue)
	if err != nil {
		return wallet.Transaction{}, err
	}
	walletID, err := wallet.NewWalletID(walletValue)
	if err != nil {
		return wallet.Transaction{}, err
	}
	transactionType, err := wallet.ParseTransactionType(typeValue)
	if err != nil {
		return wallet.Transaction{}, err
	}
	metadata, err := wallet.NewMetadataJSON(metadataValue)
	if err != nil {
		return wallet.Transaction{}, err
	}
	amounts, err := parseDecimals(amount, releasedAmount, balanceBefore, balanceAfter)
	if err != nil {
		return wallet.Transaction{}, err
	}
	return wallet.Transaction{
		ID:             transactionID,
		Sequence:       sequence,
		WalletID:       walletID,
		Type:           transactionType,
		Amount:         amounts[0],
		ReleasedAmount: amounts[1],
		BalanceBefore:  amounts[2],
		BalanceAfter:   amounts[3],
		RequestID:      requestID,
		IdempotencyKey: idempotencyKey,
		ReservationID:  reservationID,
		ExpiresAt:      utcPointer(expiresAt),
		Description:    description,
		Metadata:       metadata,
		CreatedAt:      createdAt.UTC(),
	}, nil
}

func parseDecimals(values ...string) ([]decimal.Decimal, error) {
	parsed := make([]decimal.Decimal, 0, len(values))
	for _, value := range values {
		amount, err := decimal.NewFromString(value)
		if err != nil {
			return nil, fmt.Errorf("parse numeric %q: %w", value, err)
		}
		parsed = append(parsed, amount)
	}
	return parsed, nil
}

func typeNames(types []wallet.TransactionType) []string {
	names := make([]string, 0, len(types))
	for _, transactionType := range types {
		names = append(names, string(transactionType))
	}
	return names
}

func utcPointer(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	utc := value.UTC()
	return &utc
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolationCode
}
