package wallet

import (
	"context"
	"time"
)

// Store is the persistence contract used by Service.
//
// Methods called on the Store handed to WithTx's callback run inside that
// transaction. LockWallet must take an exclusive row lock held until commit.
// InsertTransaction must reject a reused idempotency key with
// ErrDuplicateIdempotencyKey and a second closing entry for the same
// reservation with ErrReservationClosed.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	CreateWallet(ctx context.Context, wallet Wallet) error
	GetWallet(ctx context.Context, walletID WalletID) (Wallet, error)
	LockWallet(ctx context.Context, walletID WalletID) (Wallet, error)
	SaveWallet(ctx context.Context, wallet Wallet) error
	ListWallets(ctx context.Context, filter WalletFilter) ([]Wallet, error)
	ListChildWallets(ctx context.Context, parentID WalletID) ([]Wallet, error)
	// ListResetCandidates returns active auto-reset wallets whose reset day is within [fromDay, toDay].
	ListResetCandidates(ctx context.Context, fromDay int, toDay int) ([]Wallet, error)

	InsertTransaction(ctx context.Context, transaction Transaction) (Transaction, error)
	GetTransaction(ctx context.Context, transactionID TransactionID) (Transaction, error)
	FindTransactionByIdempotencyKey(ctx context.Context, key IdempotencyKey) (Transaction, bool, error)
	// FindReservationClosure returns the settlement or release entry that closed a reservation.
	FindReservationClosure(ctx context.Context, reservationID TransactionID) (Transaction, bool, error)
	// ListTransactions returns a wallet's entries oldest first.
	ListTransactions(ctx context.Context, walletID WalletID, filter TransactionFilter) ([]Transaction, error)
	// ListExpiredReservations returns open reservations whose expiry is at or before the given time.
	ListExpiredReservations(ctx context.Context, expiredAt time.Time, limit int) ([]Transaction, error)
	// ListTransactionsBetween returns entries of the given types created in [from, to).
	ListTransactionsBetween(ctx context.Context, from time.Time, to time.Time, types []TransactionType) ([]Transaction, error)
}
