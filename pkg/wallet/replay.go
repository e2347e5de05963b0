package wallet

import (
	"context"

	"github.com/shopspring/decimal"
)

// Balances is the used and reserved pair derived from a transaction history.
type Balances struct {
	Used     decimal.Decimal
	Reserved decimal.Decimal
}

// VerifyResult compares stored balances with a replay of the wallet's history.
type VerifyResult struct {
	WalletID         WalletID
	Stored           Balances
	Replayed         Balances
	TransactionCount int
	Consistent       bool
}

// ReplayBalances folds transactions, oldest first, into balances.
func ReplayBalances(transactions []Transaction) Balances {
	balances := Balances{Used: decimal.Zero, Reserved: decimal.Zero}
	for _, transaction := range transactions {
		switch transaction.Type {
		case TransactionDeduction:
			balances.Used = balances.Used.Add(transaction.Amount)
		case TransactionRefund:
			balances.Used = balances.Used.Sub(transaction.Amount)
		case TransactionTopUp:
		case TransactionReservation:
			balances.Reserved = balances.Reserved.Add(transaction.Amount)
		case TransactionSettlement:
			balances.Reserved = balances.Reserved.Sub(transaction.ReleasedAmount)
			balances.Used = balances.Used.Add(transaction.Amount)
		case TransactionRelease:
			balances.Reserved = balances.Reserved.Sub(transaction.ReleasedAmount)
		case TransactionReset:
			balances.Used = decimal.Zero
			balances.Reserved = decimal.Zero
		}
	}
	return balances
}

// Verify replays a wallet's history and reports whether it matches the stored balances.
func (service *Service) Verify(ctx context.Context, walletID WalletID) (VerifyResult, error) {
	wallet, err := service.store.GetWallet(ctx, walletID)
	if err != nil {
		return VerifyResult{}, err
	}
	transactions, err := service.store.ListTransactions(ctx, walletID, TransactionFilter{})
	if err != nil {
		return VerifyResult{}, WrapError(operationVerify, subjectWallet, codeInvalid, err)
	}
	replayed := ReplayBalances(transactions)
	stored := Balances{Used: wallet.Used, Reserved: wallet.Reserved}
	return VerifyResult{
		WalletID:         walletID,
		Stored:           stored,
		Replayed:         replayed,
		TransactionCount: len(transactions),
		Consistent:       stored.Used.Equal(replayed.Used) && stored.Reserved.Equal(replayed.Reserved),
	}, nil
}
