package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Deduct spends amount immediately when it fits within the effective limit of
// the wallet and of every ancestor.
func (service *Service) Deduct(ctx context.Context, request DeductRequest) (Receipt, error) {
	var receipt Receipt
	operationError := requirePositive(operationDeduct, request.Amount)
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			wallet, err := txStore.LockWallet(ctx, request.WalletID)
			if err != nil {
				return err
			}
			prior, found, err := findPrior(ctx, txStore, operationDeduct, request.IdempotencyKey, wallet.ID, TransactionDeduction)
			if err != nil {
				return err
			}
			if found {
				receipt = replayReceipt(prior, wallet)
				return nil
			}
			if err := requireActive(operationDeduct, wallet); err != nil {
				return err
			}
			if err := checkHardLimit(wallet, request.Amount); err != nil {
				return err
			}
			if err := service.checkHierarchy(ctx, txStore, operationDeduct, wallet, request.Amount); err != nil {
				return err
			}
			before := wallet.Available()
			wallet.Used = wallet.Used.Add(request.Amount)
			receipt, err = service.commit(ctx, txStore, wallet, Transaction{
				Type:           TransactionDeduction,
				Amount:         request.Amount,
				BalanceBefore:  before,
				RequestID:      request.RequestID.String(),
				IdempotencyKey: request.IdempotencyKey.String(),
				Description:    defaultDescription(request.Description, "deduction"),
				Metadata:       request.Metadata,
			})
			return err
		})
		receipt, operationError = service.recoverDuplicate(ctx, operationDeduct, receipt, operationError, request.IdempotencyKey, request.WalletID, TransactionDeduction)
	}
	return service.finish(ctx, receipt, OperationLog{
		Operation:      operationDeduct,
		WalletID:       request.WalletID,
		Amount:         request.Amount,
		IdempotencyKey: request.IdempotencyKey,
		RequestID:      request.RequestID,
	}, operationError)
}

// Refund returns spent credit. used is floored at zero and the entry records the
// amount actually refunded.
func (service *Service) Refund(ctx context.Context, request RefundRequest) (Receipt, error) {
	var receipt Receipt
	operationError := requirePositive(operationRefund, request.Amount)
	if operationError == nil && request.IdempotencyKey.IsZero() {
		operationError = WrapError(operationRefund, subjectTransaction, codeInvalid, fmt.Errorf("%w: refunds require a key", ErrInvalidIdempotencyKey))
	}
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			wallet, err := txStore.LockWallet(ctx, request.WalletID)
			if err != nil {
				return err
			}
			prior, found, err := findPrior(ctx, txStore, operationRefund, request.IdempotencyKey, wallet.ID, TransactionRefund)
			if err != nil {
				return err
			}
			if found {
				receipt = replayReceipt(prior, wallet)
				return nil
			}
			if wallet.Status == StatusClosed {
				return WrapError(operationRefund, subjectWallet, codeClosed, ErrWalletClosed)
			}
			refunded := decimal.Min(request.Amount, wallet.Used)
			if refunded.IsNegative() {
				refunded = decimal.Zero
			}
			before := wallet.Available()
			wallet.Used = wallet.Used.Sub(refunded)
			receipt, err = service.commit(ctx, txStore, wallet, Transaction{
				Type:           TransactionRefund,
				Amount:         refunded,
				BalanceBefore:  before,
				RequestID:      request.OriginalRequestID.String(),
				IdempotencyKey: request.IdempotencyKey.String(),
				Description:    defaultDescription(request.Description, "refund"),
				Metadata:       request.Metadata,
			})
			return err
		})
		receipt, operationError = service.recoverDuplicate(ctx, operationRefund, receipt, operationError, request.IdempotencyKey, request.WalletID, TransactionRefund)
	}
	return service.finish(ctx, receipt, OperationLog{
		Operation:      operationRefund,
		WalletID:       request.WalletID,
		Amount:         request.Amount,
		IdempotencyKey: request.IdempotencyKey,
		RequestID:      request.OriginalRequestID,
	}, operationError)
}

// Reserve holds amount against the wallet until it is settled, released, or expires.
func (service *Service) Reserve(ctx context.Context, request ReserveRequest) (Receipt, error) {
	var receipt Receipt
	operationError := requirePositive(operationReserve, request.Amount)
	if operationError == nil {
		ttl := request.TTL
		if ttl <= 0 {
			ttl = service.defaultReservationTTL
		}
		operationError = service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			wallet, err := txStore.LockWallet(ctx, request.WalletID)
			if err != nil {
				return err
			}
			prior, found, err := findPrior(ctx, txStore, operationReserve, request.IdempotencyKey, wallet.ID, TransactionReservation)
			if err != nil {
				return err
			}
			if found {
				receipt = replayReceipt(prior, wallet)
				return nil
			}
			if err := requireActive(operationReserve, wallet); err != nil {
				return err
			}
			if err := checkHardLimit(wallet, request.Amount); err != nil {
				return err
			}
			if err := service.checkHierarchy(ctx, txStore, operationReserve, wallet, request.Amount); err != nil {
				return err
			}
			before := wallet.Available()
			wallet.Reserved = wallet.Reserved.Add(request.Amount)
			expiresAt := service.now().UTC().Add(ttl)
			receipt, err = service.commit(ctx, txStore, wallet, Transaction{
				Type:           TransactionReservation,
				Amount:         request.Amount,
				BalanceBefore:  before,
				RequestID:      request.RequestID.String(),
				IdempotencyKey: request.IdempotencyKey.String(),
				ExpiresAt:      &expiresAt,
				Description:    defaultDescription(request.Description, "reservation"),
				Metadata:       request.Metadata,
			})
			return err
		})
		receipt, operationError = service.recoverDuplicate(ctx, operationReserve, receipt, operationError, request.IdempotencyKey, request.WalletID, TransactionReservation)
	}
	return service.finish(ctx, receipt, OperationLog{
		Operation:      operationReserve,
		WalletID:       request.WalletID,
		Amount:         request.Amount,
		IdempotencyKey: request.IdempotencyKey,
		RequestID:      request.RequestID,
	}, operationError)
}

// Settle closes a reservation with the actual cost. The full hold is released
// and the actual cost is added to used, which may exceed the estimate.
// Settling an already settled reservation with the same cost replays the
// original settlement.
func (service *Service) Settle(ctx context.Context, request SettleRequest) (Receipt, error) {
	var receipt Receipt
	var walletID WalletID
	operationError := requireNonNegative(operationSettle, request.ActualCost)
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			reservation, err := loadReservation(ctx, txStore, operationSettle, request.ReservationID)
			if err != nil {
				return err
			}
			walletID = reservation.WalletID
			wallet, err := txStore.LockWallet(ctx, reservation.WalletID)
			if err != nil {
				return err
			}
			closure, closed, err := txStore.FindReservationClosure(ctx, reservation.ID)
			if err != nil {
				return err
			}
			if closed {
				if closure.Type == TransactionSettlement && closure.Amount.Equal(request.ActualCost) {
					receipt = replayReceipt(closure, wallet)
					return nil
				}
				return WrapError(operationSettle, subjectReservation, codeClosed, fmt.Errorf("%w: %s closed by %s", ErrReservationClosed, reservation.ID.String(), closure.Type))
			}
			if _, _, err := findPrior(ctx, txStore, operationSettle, request.IdempotencyKey, wallet.ID, TransactionSettlement); err != nil {
				return err
			}
			if wallet.Status == StatusClosed {
				return WrapError(operationSettle, subjectWallet, codeClosed, ErrWalletClosed)
			}
			released, err := heldAmount(ctx, txStore, wallet, reservation)
			if err != nil {
				return WrapError(operationSettle, subjectReservation, codeInvalid, err)
			}
			before := wallet.Available()
			wallet.Reserved = wallet.Reserved.Sub(released)
			wallet.Used = wallet.Used.Add(request.ActualCost)
			metadata := request.Metadata
			if metadata.value == "" {
				metadata = settlementMetadata(reservation.Amount, request.ActualCost)
			}
			receipt, err = service.commit(ctx, txStore, wallet, Transaction{
				Type:           TransactionSettlement,
				Amount:         request.ActualCost,
				ReleasedAmount: released,
				BalanceBefore:  before,
				RequestID:      reservation.RequestID,
				IdempotencyKey: request.IdempotencyKey.String(),
				ReservationID:  reservation.ID.String(),
				Description:    defaultDescription(request.Description, "settlement"),
				Metadata:       metadata,
			})
			return err
		})
		if errors.Is(operationError, ErrReservationClosed) && !isOperationError(operationError) {
			operationError = service.replayClosure(ctx, &receipt, request.ReservationID, TransactionSettlement, request.ActualCost, operationError)
		}
		receipt, operationError = service.recoverDuplicate(ctx, operationSettle, receipt, operationError, request.IdempotencyKey, walletID, TransactionSettlement)
	}
	return service.finish(ctx, receipt, OperationLog{
		Operation:      operationSettle,
		WalletID:       walletID,
		ReservationID:  request.ReservationID,
		Amount:         request.ActualCost,
		IdempotencyKey: request.IdempotencyKey,
	}, operationError)
}

// Release cancels a reservation without spending. Releasing an already
// released reservation replays the original release.
func (service *Service) Release(ctx context.Context, request ReleaseRequest) (Receipt, error) {
	var receipt Receipt
	var walletID WalletID
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		reservation, err := loadReservation(ctx, txStore, operationRelease, request.ReservationID)
		if err != nil {
			return err
		}
		walletID = reservation.WalletID
		wallet, err := txStore.LockWallet(ctx, reservation.WalletID)
		if err != nil {
			return err
		}
		closure, closed, err := txStore.FindReservationClosure(ctx, reservation.ID)
		if err != nil {
			return err
		}
		if closed {
			if closure.Type == TransactionRelease {
				receipt = replayReceipt(closure, wallet)
				return nil
			}
			return WrapError(operationRelease, subjectReservation, codeClosed, fmt.Errorf("%w: %s closed by %s", ErrReservationClosed, reservation.ID.String(), closure.Type))
		}
		released, err := heldAmount(ctx, txStore, wallet, reservation)
		if err != nil {
			return WrapError(operationRelease, subjectReservation, codeInvalid, err)
		}
		before := wallet.Available()
		wallet.Reserved = wallet.Reserved.Sub(released)
		receipt, err = service.commit(ctx, txStore, wallet, Transaction{
			Type:           TransactionRelease,
			Amount:         released,
			ReleasedAmount: released,
			BalanceBefore:  before,
			RequestID:      reservation.RequestID,
			ReservationID:  reservation.ID.String(),
			Description:    defaultDescription(request.Reason, "release"),
		})
		return err
	})
	if errors.Is(operationError, ErrReservationClosed) && !isOperationError(operationError) {
		operationError = service.replayClosure(ctx, &receipt, request.ReservationID, TransactionRelease, decimal.Zero, operationError)
	}
	return service.finish(ctx, receipt, OperationLog{
		Operation:     operationRelease,
		WalletID:      walletID,
		ReservationID: request.ReservationID,
	}, operationError)
}

// TopUp raises the wallet's hard limit. Administrative action.
func (service *Service) TopUp(ctx context.Context, request TopUpRequest) (Receipt, error) {
	var receipt Receipt
	operationError := requirePositive(operationTopUp, request.Amount)
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			wallet, err := txStore.LockWallet(ctx, request.WalletID)
			if err != nil {
				return err
			}
			prior, found, err := findPrior(ctx, txStore, operationTopUp, request.IdempotencyKey, wallet.ID, TransactionTopUp)
			if err != nil {
				return err
			}
			if found {
				receipt = replayReceipt(prior, wallet)
				return nil
			}
			if wallet.Status == StatusClosed {
				return WrapError(operationTopUp, subjectWallet, codeClosed, ErrWalletClosed)
			}
			before := wallet.Available()
			wallet.HardLimit = wallet.HardLimit.Add(request.Amount)
			receipt, err = service.commit(ctx, txStore, wallet, Transaction{
				Type:           TransactionTopUp,
				Amount:         request.Amount,
				BalanceBefore:  before,
				IdempotencyKey: request.IdempotencyKey.String(),
				Description:    defaultDescription(request.Description, "top-up"),
				Metadata:       request.Metadata,
			})
			return err
		})
		receipt, operationError = service.recoverDuplicate(ctx, operationTopUp, receipt, operationError, request.IdempotencyKey, request.WalletID, TransactionTopUp)
	}
	return service.finish(ctx, receipt, OperationLog{
		Operation:      operationTopUp,
		WalletID:       request.WalletID,
		Amount:         request.Amount,
		IdempotencyKey: request.IdempotencyKey,
	}, operationError)
}

// commit persists the mutated wallet and appends the entry describing the change.
func (service *Service) commit(ctx context.Context, txStore Store, wallet Wallet, entry Transaction) (Receipt, error) {
	transactionID, err := NewTransactionID(uuid.NewString())
	if err != nil {
		return Receipt{}, err
	}
	now := service.now().UTC()
	wallet.UpdatedAt = now
	entry.ID = transactionID
	entry.WalletID = wallet.ID
	entry.BalanceAfter = wallet.Available()
	entry.CreatedAt = now
	if entry.ReleasedAmount.IsZero() {
		entry.ReleasedAmount = decimal.Zero
	}
	if err := txStore.SaveWallet(ctx, wallet); err != nil {
		return Receipt{}, err
	}
	stored, err := txStore.InsertTransaction(ctx, entry)
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{
		Transaction:      stored,
		Wallet:           wallet,
		SoftLimitWarning: wallet.SoftWarningReached(),
	}, nil
}

// finish emits the operation log and folds audit failures into the receipt.
func (service *Service) finish(ctx context.Context, receipt Receipt, entry OperationLog, operationError error) (Receipt, error) {
	if operationError != nil {
		receipt = Receipt{}
	} else {
		entry.TransactionID = receipt.Transaction.ID
		entry.Replayed = receipt.Replayed
		if entry.WalletID.IsZero() {
			entry.WalletID = receipt.Wallet.ID
		}
	}
	entry.Error = operationError
	auditError := service.logOperation(ctx, entry)
	if operationError != nil {
		return Receipt{}, operationError
	}
	receipt.AuditError = auditError
	return receipt, nil
}

// recoverDuplicate turns a lost insert race on an idempotency key into a replay
// of the entry that won.
func (service *Service) recoverDuplicate(ctx context.Context, operation string, receipt Receipt, operationError error, key IdempotencyKey, walletID WalletID, transactionType TransactionType) (Receipt, error) {
	if key.IsZero() || !errors.Is(operationError, ErrDuplicateIdempotencyKey) {
		return receipt, operationError
	}
	prior, found, err := findPrior(ctx, service.store, operation, key, walletID, transactionType)
	if err != nil {
		return Receipt{}, err
	}
	if !found {
		return Receipt{}, operationError
	}
	wallet, err := service.store.GetWallet(ctx, prior.WalletID)
	if err != nil {
		return Receipt{}, err
	}
	return replayReceipt(prior, wallet), nil
}

// replayClosure handles a closing entry inserted concurrently by another caller.
func (service *Service) replayClosure(ctx context.Context, receipt *Receipt, reservationID TransactionID, transactionType TransactionType, amount decimal.Decimal, operationError error) error {
	closure, found, err := service.store.FindReservationClosure(ctx, reservationID)
	if err != nil || !found {
		return operationError
	}
	if closure.Type != transactionType || (transactionType == TransactionSettlement && !closure.Amount.Equal(amount)) {
		return operationError
	}
	wallet, err := service.store.GetWallet(ctx, closure.WalletID)
	if err != nil {
		return err
	}
	*receipt = replayReceipt(closure, wallet)
	return nil
}

func findPrior(ctx context.Context, store Store, operation string, key IdempotencyKey, walletID WalletID, transactionType TransactionType) (Transaction, bool, error) {
	if key.IsZero() {
		return Transaction{}, false, nil
	}
	prior, found, err := store.FindTransactionByIdempotencyKey(ctx, key)
	if err != nil || !found {
		return Transaction{}, false, err
	}
	if prior.WalletID != walletID || prior.Type != transactionType {
		return Transaction{}, false, WrapError(operation, subjectTransaction, codeConflict,
			fmt.Errorf("%w: key %s belongs to a %s on wallet %s", ErrIdempotencyKeyConflict, key.String(), prior.Type, prior.WalletID.String()))
	}
	return prior, true, nil
}

func loadReservation(ctx context.Context, store Store, operation string, reservationID TransactionID) (Transaction, error) {
	if reservationID.IsZero() {
		return Transaction{}, WrapError(operation, subjectReservation, codeInvalid, ErrInvalidTransactionID)
	}
	reservation, err := store.GetTransaction(ctx, reservationID)
	if errors.Is(err, ErrUnknownTransaction) {
		return Transaction{}, WrapError(operation, subjectReservation, codeNotFound, fmt.Errorf("%w: %s", ErrUnknownReservation, reservationID.String()))
	}
	if err != nil {
		return Transaction{}, err
	}
	if reservation.Type != TransactionReservation {
		return Transaction{}, WrapError(operation, subjectReservation, codeNotFound, fmt.Errorf("%w: %s is a %s", ErrUnknownReservation, reservationID.String(), reservation.Type))
	}
	return reservation, nil
}

func replayReceipt(prior Transaction, wallet Wallet) Receipt {
	return Receipt{
		Transaction:      prior,
		Wallet:           wallet,
		Replayed:         true,
		SoftLimitWarning: wallet.SoftWarningReached(),
	}
}

func checkHardLimit(wallet Wallet, amount decimal.Decimal) error {
	if wallet.Committed().Add(amount).LessThanOrEqual(wallet.EffectiveLimit()) {
		return nil
	}
	return &LimitExceededError{
		Scope:          LimitScopeHard,
		WalletID:       wallet.ID,
		HardLimit:      wallet.HardLimit,
		EffectiveLimit: wallet.EffectiveLimit(),
		Used:           wallet.Used,
		Reserved:       wallet.Reserved,
		Requested:      amount,
		Available:      floorZero(wallet.Available()),
	}
}

func requireActive(operation string, wallet Wallet) error {
	switch wallet.Status {
	case StatusActive:
		return nil
	case StatusClosed:
		return WrapError(operation, subjectWallet, codeClosed, ErrWalletClosed)
	default:
		return WrapError(operation, subjectWallet, codeNotActive, fmt.Errorf("%w: %s", ErrWalletNotActive, wallet.Status))
	}
}

func requirePositive(operation string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return WrapError(operation, subjectTransaction, codeInvalid, fmt.Errorf("%w: must be positive", ErrInvalidAmount))
	}
	return nil
}

func requireNonNegative(operation string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return WrapError(operation, subjectTransaction, codeInvalid, fmt.Errorf("%w: must not be negative", ErrInvalidAmount))
	}
	return nil
}

func settlementMetadata(estimated decimal.Decimal, actual decimal.Decimal) MetadataJSON {
	return MetadataJSON{value: fmt.Sprintf(`{"estimated":%q,"actual":%q,"difference":%q}`,
		estimated.String(), actual.String(), actual.Sub(estimated).String())}
}

func defaultDescription(description string, fallback string) string {
	if description == "" {
		return fallback
	}
	return description
}

func floorZero(value decimal.Decimal) decimal.Decimal {
	if value.IsNegative() {
		return decimal.Zero
	}
	return value
}

func isOperationError(err error) bool {
	var operationError OperationError
	return errors.As(err, &operationError)
}

func expiresBefore(transaction Transaction, now time.Time) bool {
	return transaction.ExpiresAt != nil && !transaction.ExpiresAt.After(now)
}

// heldAmount is the part of a reservation still counted in wallet.Reserved.
// A reset after the reservation already cleared its hold.
func heldAmount(ctx context.Context, txStore Store, wallet Wallet, reservation Transaction) (decimal.Decimal, error) {
	resets, err := txStore.ListTransactions(ctx, wallet.ID, TransactionFilter{
		Types:         []TransactionType{TransactionReset},
		AfterSequence: reservation.Sequence,
		Limit:         1,
	})
	if err != nil {
		return decimal.Zero, err
	}
	if len(resets) > 0 {
		return decimal.Zero, nil
	}
	return decimal.Min(reservation.Amount, wallet.Reserved), nil
}
