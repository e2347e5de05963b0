package wallet

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// checkHierarchy walks the ancestors of wallet and verifies that adding delta
// keeps the combined used+reserved of each ancestor's children within that
// ancestor's effective limit. Ancestors are locked on the way up so that
// concurrent siblings serialize on their shared parent.
func (service *Service) checkHierarchy(ctx context.Context, txStore Store, operation string, wallet Wallet, delta decimal.Decimal) error {
	visited := map[WalletID]struct{}{wallet.ID: {}}
	parentID := wallet.ParentID
	for depth := 0; !parentID.IsZero(); depth++ {
		if depth >= maxHierarchyDepth {
			return WrapError(operation, subjectHierarchy, codeCycle, fmt.Errorf("%w: deeper than %d levels", ErrHierarchyCycle, maxHierarchyDepth))
		}
		if _, seen := visited[parentID]; seen {
			return WrapError(operation, subjectHierarchy, codeCycle, fmt.Errorf("%w: %s revisited", ErrHierarchyCycle, parentID.String()))
		}
		visited[parentID] = struct{}{}

		parent, err := txStore.LockWallet(ctx, parentID)
		if err != nil {
			return err
		}
		children, err := txStore.ListChildWallets(ctx, parent.ID)
		if err != nil {
			return err
		}
		used := decimal.Zero
		reserved := decimal.Zero
		for _, child := range children {
			used = used.Add(child.Used)
			reserved = reserved.Add(child.Reserved)
		}
		committed := used.Add(reserved)
		limit := parent.EffectiveLimit()
		if committed.Add(delta).GreaterThan(limit) {
			return &LimitExceededError{
				Scope:          LimitScopeHierarchy,
				WalletID:       parent.ID,
				HardLimit:      parent.HardLimit,
				EffectiveLimit: limit,
				Used:           used,
				Reserved:       reserved,
				Requested:      delta,
				Available:      floorZero(limit.Sub(committed)),
			}
		}
		parentID = parent.ParentID
	}
	return nil
}

// ensureAcyclic rejects attaching walletID under parentID when walletID is
// already one of parentID's ancestors.
func (service *Service) ensureAcyclic(ctx context.Context, txStore Store, walletID WalletID, parentID WalletID) error {
	current := parentID
	for depth := 0; !current.IsZero(); depth++ {
		if current == walletID {
			return WrapError(operationUpdate, subjectHierarchy, codeCycle, fmt.Errorf("%w: %s is an ancestor of %s", ErrHierarchyCycle, walletID.String(), parentID.String()))
		}
		if depth >= maxHierarchyDepth {
			return WrapError(operationUpdate, subjectHierarchy, codeCycle, fmt.Errorf("%w: deeper than %d levels", ErrHierarchyCycle, maxHierarchyDepth))
		}
		ancestor, err := txStore.GetWallet(ctx, current)
		if err != nil {
			return err
		}
		if depth == 0 && ancestor.Status == StatusClosed {
			return WrapError(operationUpdate, subjectHierarchy, codeClosed, fmt.Errorf("%w: parent %s", ErrWalletClosed, ancestor.ID.String()))
		}
		current = ancestor.ParentID
	}
	return nil
}
