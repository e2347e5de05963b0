// Package wallet implements the authoritative balance store for budget-holding
// accounts: atomic deductions, refunds, two-phase reservations, top-ups,
// monthly resets, and hierarchical parent/child limits over an append-only
// transaction history.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Service contains the domain logic over a Store.
type Service struct {
	store                 Store
	now                   func() time.Time
	loggers               []OperationLogger
	auditErrorHandler     AuditErrorHandler
	defaultReservationTTL time.Duration
	newID                 func() string
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:                 store,
		now:                   now,
		defaultReservationTTL: defaultReservationTTL,
		newID:                 uuid.NewString,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// CreateWallet registers a new wallet. Administrative action.
func (service *Service) CreateWallet(ctx context.Context, spec WalletSpec) (Wallet, error) {
	wallet, operationError := service.walletFromSpec(spec)
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			if wallet.HasParent() {
				if wallet.ParentID == wallet.ID {
					return WrapError(operationCreate, subjectHierarchy, codeCycle, ErrHierarchyCycle)
				}
				parent, err := txStore.GetWallet(ctx, wallet.ParentID)
				if err != nil {
					return err
				}
				if parent.Status == StatusClosed {
					return WrapError(operationCreate, subjectHierarchy, codeClosed, fmt.Errorf("%w: parent %s", ErrWalletClosed, parent.ID.String()))
				}
			}
			return txStore.CreateWallet(ctx, wallet)
		})
	}
	_ = service.logOperation(ctx, OperationLog{Operation: operationCreate, WalletID: wallet.ID, Amount: wallet.HardLimit, Error: operationError})
	if operationError != nil {
		return Wallet{}, operationError
	}
	return wallet, nil
}

// UpdateWallet changes wallet settings. Administrative action.
func (service *Service) UpdateWallet(ctx context.Context, walletID WalletID, update WalletUpdate) (Wallet, error) {
	var updated Wallet
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		wallet, err := txStore.LockWallet(ctx, walletID)
		if err != nil {
			return err
		}
		if wallet.Status == StatusClosed {
			return WrapError(operationUpdate, subjectWallet, codeClosed, ErrWalletClosed)
		}
		if err := applyUpdate(&wallet, update); err != nil {
			return err
		}
		if err := validateSettings(wallet); err != nil {
			return WrapError(operationUpdate, subjectWallet, codeInvalid, err)
		}
		if update.ParentID != nil && wallet.HasParent() {
			if err := service.ensureAcyclic(ctx, txStore, wallet.ID, wallet.ParentID); err != nil {
				return err
			}
		}
		wallet.UpdatedAt = service.now().UTC()
		if err := txStore.SaveWallet(ctx, wallet); err != nil {
			return err
		}
		updated = wallet
		return nil
	})
	_ = service.logOperation(ctx, OperationLog{Operation: operationUpdate, WalletID: walletID, Error: operationError})
	if operationError != nil {
		return Wallet{}, operationError
	}
	return updated, nil
}

// SuspendWallet blocks new spend while letting in-flight holds settle.
func (service *Service) SuspendWallet(ctx context.Context, walletID WalletID) (Wallet, error) {
	return service.changeStatus(ctx, walletID, StatusSuspended, operationSuspend)
}

// ActivateWallet re-enables a suspended wallet.
func (service *Service) ActivateWallet(ctx context.Context, walletID WalletID) (Wallet, error) {
	return service.changeStatus(ctx, walletID, StatusActive, operationActivate)
}

// CloseWallet soft-deletes a wallet. Its transactions are kept.
func (service *Service) CloseWallet(ctx context.Context, walletID WalletID) (Wallet, error) {
	return service.changeStatus(ctx, walletID, StatusClosed, operationClose)
}

// GetWallet returns the current wallet state.
func (service *Service) GetWallet(ctx context.Context, walletID WalletID) (Wallet, error) {
	return service.store.GetWallet(ctx, walletID)
}

// ListWallets returns wallets matching filter.
func (service *Service) ListWallets(ctx context.Context, filter WalletFilter) ([]Wallet, error) {
	return service.store.ListWallets(ctx, filter)
}

// Transactions returns a wallet's entries oldest first.
func (service *Service) Transactions(ctx context.Context, walletID WalletID, filter TransactionFilter) ([]Transaction, error) {
	if _, err := service.store.GetWallet(ctx, walletID); err != nil {
		return nil, err
	}
	return service.store.ListTransactions(ctx, walletID, filter)
}

func (service *Service) changeStatus(ctx context.Context, walletID WalletID, status Status, operation string) (Wallet, error) {
	var updated Wallet
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		wallet, err := txStore.LockWallet(ctx, walletID)
		if err != nil {
			return err
		}
		if wallet.Status == StatusClosed {
			return WrapError(operation, subjectWallet, codeClosed, ErrWalletClosed)
		}
		now := service.now().UTC()
		wallet.Status = status
		wallet.UpdatedAt = now
		if status == StatusClosed {
			wallet.ClosedAt = &now
		}
		if err := txStore.SaveWallet(ctx, wallet); err != nil {
			return err
		}
		updated = wallet
		return nil
	})
	_ = service.logOperation(ctx, OperationLog{Operation: operation, WalletID: walletID, Error: operationError})
	if operationError != nil {
		return Wallet{}, operationError
	}
	return updated, nil
}

func (service *Service) walletFromSpec(spec WalletSpec) (Wallet, error) {
	rawID := strings.TrimSpace(spec.ID)
	if rawID == "" {
		rawID = service.newID()
	}
	walletID, err := NewWalletID(rawID)
	if err != nil {
		return Wallet{}, WrapError(operationCreate, subjectWallet, codeInvalid, err)
	}
	kind, err := ParseKind(string(spec.Kind))
	if err != nil {
		return Wallet{}, WrapError(operationCreate, subjectWallet, codeInvalid, err)
	}
	var parentID WalletID
	if strings.TrimSpace(spec.ParentID) != "" {
		parentID, err = NewWalletID(spec.ParentID)
		if err != nil {
			return Wallet{}, WrapError(operationCreate, subjectWallet, codeInvalid, err)
		}
	}
	currency := strings.TrimSpace(spec.Currency)
	if currency == "" {
		currency = defaultCurrency
	}
	now := service.now().UTC()
	wallet := Wallet{
		ID:                 walletID,
		Kind:               kind,
		Status:             StatusActive,
		Name:               strings.TrimSpace(spec.Name),
		OwnerRef:           strings.TrimSpace(spec.OwnerRef),
		Currency:           currency,
		HardLimit:          spec.HardLimit,
		Used:               decimal.Zero,
		Reserved:           decimal.Zero,
		OverdraftEnabled:   spec.OverdraftEnabled,
		OverdraftPercent:   spec.OverdraftPercent,
		SoftWarningPercent: spec.SoftWarningPercent,
		AutoReset:          spec.AutoReset,
		ResetDay:           spec.ResetDay,
		ParentID:           parentID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := validateSettings(wallet); err != nil {
		return Wallet{}, WrapError(operationCreate, subjectWallet, codeInvalid, err)
	}
	return wallet, nil
}

func applyUpdate(wallet *Wallet, update WalletUpdate) error {
	if update.Name != nil {
		wallet.Name = strings.TrimSpace(*update.Name)
	}
	if update.HardLimit != nil {
		wallet.HardLimit = *update.HardLimit
	}
	if update.OverdraftEnabled != nil {
		wallet.OverdraftEnabled = *update.OverdraftEnabled
	}
	if update.OverdraftPercent != nil {
		wallet.OverdraftPercent = *update.OverdraftPercent
	}
	if update.SoftWarningPercent != nil {
		wallet.SoftWarningPercent = *update.SoftWarningPercent
	}
	if update.AutoReset != nil {
		wallet.AutoReset = *update.AutoReset
	}
	if update.ResetDay != nil {
		wallet.ResetDay = *update.ResetDay
	}
	if update.ParentID != nil {
		if strings.TrimSpace(*update.ParentID) == "" {
			wallet.ParentID = WalletID{}
			return nil
		}
		parentID, err := NewWalletID(*update.ParentID)
		if err != nil {
			return WrapError(operationUpdate, subjectWallet, codeInvalid, err)
		}
		wallet.ParentID = parentID
	}
	return nil
}

func validateSettings(wallet Wallet) error {
	if wallet.HardLimit.IsNegative() {
		return fmt.Errorf("%w: hard limit must not be negative", ErrInvalidWalletSettings)
	}
	if wallet.OverdraftPercent.IsNegative() || wallet.OverdraftPercent.GreaterThan(maxOverdraft) {
		return fmt.Errorf("%w: overdraft percent must be within 0..%s", ErrInvalidWalletSettings, maxOverdraft.String())
	}
	if wallet.SoftWarningPercent.IsNegative() || wallet.SoftWarningPercent.GreaterThan(percentDivisor) {
		return fmt.Errorf("%w: soft warning percent must be within 0..100", ErrInvalidWalletSettings)
	}
	if wallet.ResetDay < 0 || wallet.ResetDay > maxResetDay {
		return fmt.Errorf("%w: reset day must be within 1..%d", ErrInvalidWalletSettings, maxResetDay)
	}
	if wallet.AutoReset && wallet.ResetDay == 0 {
		return fmt.Errorf("%w: auto reset requires a reset day", ErrInvalidWalletSettings)
	}
	return nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) error {
	if len(service.loggers) == 0 {
		return nil
	}
	if entry.Status == "" {
		switch {
		case entry.Error == nil:
			entry.Status = operationStatusOK
		case IsPolicyDenial(entry.Error):
			entry.Status = operationStatusDenied
		default:
			entry.Status = operationStatusError
		}
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = service.now().UTC()
	}
	var failures []error
	for _, logger := range service.loggers {
		if err := logger.LogOperation(ctx, entry); err != nil {
			failures = append(failures, err)
			if service.auditErrorHandler != nil {
				service.auditErrorHandler(ctx, entry, err)
			}
		}
	}
	return errors.Join(failures...)
}
