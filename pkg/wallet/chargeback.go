package wallet

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

var chargebackTypes = []TransactionType{TransactionDeduction, TransactionSettlement, TransactionRefund}

// ChargebackQuery selects the report window [From, To).
type ChargebackQuery struct {
	From time.Time
	To   time.Time
}

// ChargebackLine aggregates one wallet's spend over a report window.
type ChargebackLine struct {
	WalletID         WalletID
	Name             string
	Kind             Kind
	OwnerRef         string
	Currency         string
	Deductions       decimal.Decimal
	Settlements      decimal.Decimal
	Refunds          decimal.Decimal
	NetSpend         decimal.Decimal
	TransactionCount int
}

// ChargebackReport is the cost-allocation export over [From, To).
type ChargebackReport struct {
	From        time.Time
	To          time.Time
	GeneratedAt time.Time
	Lines       []ChargebackLine
	Total       decimal.Decimal
}

// Chargeback aggregates deductions, settlements and refunds per wallet over the query window.
func (service *Service) Chargeback(ctx context.Context, query ChargebackQuery) (ChargebackReport, error) {
	from, to := query.From, query.To
	if from.IsZero() || to.IsZero() || !from.Before(to) {
		return ChargebackReport{}, WrapError(operationChargeback, subjectReport, codeInvalid, ErrInvalidDateRange)
	}
	transactions, err := service.store.ListTransactionsBetween(ctx, from.UTC(), to.UTC(), chargebackTypes)
	if err != nil {
		return ChargebackReport{}, err
	}
	lines := make(map[WalletID]*ChargebackLine)
	for _, transaction := range transactions {
		line, ok := lines[transaction.WalletID]
		if !ok {
			line = &ChargebackLine{
				WalletID:    transaction.WalletID,
				Deductions:  decimal.Zero,
				Settlements: decimal.Zero,
				Refunds:     decimal.Zero,
			}
			lines[transaction.WalletID] = line
		}
		switch transaction.Type {
		case TransactionDeduction:
			line.Deductions = line.Deductions.Add(transaction.Amount)
		case TransactionSettlement:
			line.Settlements = line.Settlements.Add(transaction.Amount)
		case TransactionRefund:
			line.Refunds = line.Refunds.Add(transaction.Amount)
		default:
			continue
		}
		line.TransactionCount++
	}

	report := ChargebackReport{
		From:        from.UTC(),
		To:          to.UTC(),
		GeneratedAt: service.now().UTC(),
		Total:       decimal.Zero,
	}
	for walletID, line := range lines {
		wallet, err := service.store.GetWallet(ctx, walletID)
		if err != nil {
			return ChargebackReport{}, err
		}
		line.Name = wallet.Name
		line.Kind = wallet.Kind
		line.OwnerRef = wallet.OwnerRef
		line.Currency = wallet.Currency
		line.NetSpend = line.Deductions.Add(line.Settlements).Sub(line.Refunds)
		report.Total = report.Total.Add(line.NetSpend)
		report.Lines = append(report.Lines, *line)
	}
	sort.Slice(report.Lines, func(left, right int) bool {
		return report.Lines[left].WalletID.String() < report.Lines[right].WalletID.String()
	})
	return report, nil
}

// WriteChargebackCSV renders a report with a header row.
func WriteChargebackCSV(writer io.Writer, report ChargebackReport) error {
	csvWriter := csv.NewWriter(writer)
	header := []string{"wallet_id", "name", "kind", "owner_ref", "currency", "deductions", "settlements", "refunds", "net_spend", "transactions", "period_start", "period_end"}
	if err := csvWriter.Write(header); err != nil {
		return fmt.Errorf("write chargeback header: %w", err)
	}
	for _, line := range report.Lines {
		record := []string{
			line.WalletID.String(),
			line.Name,
			string(line.Kind),
			line.OwnerRef,
			line.Currency,
			line.Deductions.String(),
			line.Settlements.String(),
			line.Refunds.String(),
			line.NetSpend.String(),
			strconv.Itoa(line.TransactionCount),
			report.From.Format(time.RFC3339),
			report.To.Format(time.RFC3339),
		}
		if err := csvWriter.Write(record); err != nil {
			return fmt.Errorf("write chargeback line %s: %w", line.WalletID.String(), err)
		}
	}
	csvWriter.Flush()
	return csvWriter.Error()
}
