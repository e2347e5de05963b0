package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ResetFailure names a wallet the reset sweep could not process.
type ResetFailure struct {
	WalletID WalletID
	Err      error
}

// ResetSummary reports a reset sweep.
type ResetSummary struct {
	Examined int
	Reset    int
	Skipped  int
	Failures []ResetFailure
}

// ReleaseSummary reports an expired-reservation sweep.
type ReleaseSummary struct {
	Examined int
	Released int
	Failures []error
}

// ResetDue zeroes used and reserved on every active auto-reset wallet whose
// reset day is today. On the last day of a month, wallets configured for a
// day the month lacks reset too. Each wallet resets in its own transaction
// and at most once per calendar month.
func (service *Service) ResetDue(ctx context.Context) (ResetSummary, error) {
	var summary ResetSummary
	now := service.now().UTC()
	fromDay := now.Day()
	toDay := fromDay
	if isLastDayOfMonth(now) {
		toDay = maxResetDay
	}
	candidates, err := service.store.ListResetCandidates(ctx, fromDay, toDay)
	if err != nil {
		return summary, WrapError(operationReset, subjectWallet, codeInvalid, err)
	}
	for _, candidate := range candidates {
		summary.Examined++
		if resetThisMonth(candidate, now) {
			summary.Skipped++
			continue
		}
		reset, resetError := service.resetWallet(ctx, candidate.ID, now)
		switch {
		case resetError != nil:
			summary.Failures = append(summary.Failures, ResetFailure{WalletID: candidate.ID, Err: resetError})
		case reset:
			summary.Reset++
		default:
			summary.Skipped++
		}
	}
	return summary, nil
}

func (service *Service) resetWallet(ctx context.Context, walletID WalletID, now time.Time) (bool, error) {
	var reset bool
	var receipt Receipt
	var priorUsed decimal.Decimal
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		wallet, err := txStore.LockWallet(ctx, walletID)
		if err != nil {
			return err
		}
		if wallet.Status != StatusActive || !wallet.AutoReset || resetThisMonth(wallet, now) {
			return nil
		}
		reset = true
		priorUsed = wallet.Used
		priorReserved := wallet.Reserved
		hadBalance := !priorUsed.IsZero() || !priorReserved.IsZero()
		before := wallet.Available()
		wallet.Used = decimal.Zero
		wallet.Reserved = decimal.Zero
		wallet.LastResetAt = &now
		if !hadBalance {
			wallet.UpdatedAt = now
			receipt = Receipt{Wallet: wallet}
			return txStore.SaveWallet(ctx, wallet)
		}
		receipt, err = service.commit(ctx, txStore, wallet, Transaction{
			Type:           TransactionReset,
			Amount:         priorUsed,
			ReleasedAmount: priorReserved,
			BalanceBefore:  before,
			Description:    "monthly reset",
		})
		return err
	})
	if !reset && operationError == nil {
		return false, nil
	}
	_ = service.logOperation(ctx, OperationLog{
		Operation:     operationReset,
		WalletID:      walletID,
		TransactionID: receipt.Transaction.ID,
		Amount:        priorUsed,
		Error:         operationError,
	})
	return reset && operationError == nil, operationError
}

// ReleaseExpired releases up to limit reservations whose hold has expired.
// A reservation settled concurrently is counted as examined but not released.
func (service *Service) ReleaseExpired(ctx context.Context, limit int) (ReleaseSummary, error) {
	var summary ReleaseSummary
	if limit <= 0 {
		limit = defaultExpiredReservationPage
	}
	now := service.now().UTC()
	expired, err := service.store.ListExpiredReservations(ctx, now, limit)
	if err != nil {
		return summary, WrapError(operationReleaseExpired, subjectReservation, codeInvalid, err)
	}
	for _, reservation := range expired {
		if !expiresBefore(reservation, now) {
			continue
		}
		summary.Examined++
		receipt, releaseError := service.Release(ctx, ReleaseRequest{ReservationID: reservation.ID, Reason: "expired"})
		switch {
		case errors.Is(releaseError, ErrReservationClosed):
		case releaseError != nil:
			summary.Failures = append(summary.Failures, releaseError)
		case !receipt.Replayed:
			summary.Released++
		}
	}
	return summary, errors.Join(summary.Failures...)
}

func isLastDayOfMonth(moment time.Time) bool {
	return moment.AddDate(0, 0, 1).Month() != moment.Month()
}

func resetThisMonth(wallet Wallet, now time.Time) bool {
	if wallet.LastResetAt == nil {
		return false
	}
	last := wallet.LastResetAt.UTC()
	return last.Year() == now.Year() && last.Month() == now.Month()
}
