// Package grpcserver exposes quota checks and wallet ledger operations over
// gRPC with a JSON codec.
package grpcserver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/quotagate/pkg/credit"
	"github.com/MarkoPoloResearchLab/quotagate/pkg/quota"
	"github.com/MarkoPoloResearchLab/quotagate/pkg/wallet"
)

// QuotaEngine is the cascade surface the service exposes.
type QuotaEngine interface {
	Check(ctx context.Context, policy quota.Policy, request quota.CheckRequest) (quota.CheckResult, error)
	Deduct(ctx context.Context, request quota.DeductRequest) (quota.DeductResult, error)
}

// WalletLedger is the wallet service surface the service exposes.
type WalletLedger interface {
	GetWallet(ctx context.Context, walletID wallet.WalletID) (wallet.Wallet, error)
	Deduct(ctx context.Context, request wallet.DeductRequest) (wallet.Receipt, error)
	Refund(ctx context.Context, request wallet.RefundRequest) (wallet.Receipt, error)
	Reserve(ctx context.Context, request wallet.ReserveRequest) (wallet.Receipt, error)
	Settle(ctx context.Context, request wallet.SettleRequest) (wallet.Receipt, error)
	Release(ctx context.Context, request wallet.ReleaseRequest) (wallet.Receipt, error)
}

// GovernanceServer implements GovernanceService over the domain services.
type GovernanceServer struct {
	calculator *credit.Calculator
	quota      QuotaEngine
	policies   quota.PolicySource
	wallets    WalletLedger
}

var _ GovernanceService = (*GovernanceServer)(nil)

// NewGovernanceServer wires the service.
func NewGovernanceServer(calculator *credit.Calculator, engine QuotaEngine, policies quota.PolicySource, wallets WalletLedger) (*GovernanceServer, error) {
	if calculator == nil || engine == nil || policies == nil || wallets == nil {
		return nil, fmt.Errorf("%w: calculator, quota engine, policy source and wallet ledger are required", ErrInvalidServerConfig)
	}
	return &GovernanceServer{calculator: calculator, quota: engine, policies: policies, wallets: wallets}, nil
}

func (server *GovernanceServer) EstimateCost(_ context.Context, request *EstimateCostRequest) (*EstimateCostResponse, error) {
	if strings.TrimSpace(request.Model) == "" {
		return nil, invalidArgument("model is required")
	}
	var cost credit.Cost
	if request.PromptTokens > 0 || request.CompletionTokens > 0 {
		var report *credit.ProviderReport
		if request.ReportedCostUSD != "" {
			report = &credit.ProviderReport{CostUSD: request.ReportedCostUSD}
		}
		cost = server.calculator.CalculateCost(request.Model, request.PromptTokens, request.CompletionTokens, report)
	} else {
		if request.MaxTokens < 0 {
			return nil, invalidArgument("max_tokens must not be negative")
		}
		cost = server.calculator.EstimateCost(request.Model, credit.EstimateTokens(request.PromptParts, request.MaxTokens))
	}
	response := &EstimateCostResponse{
		Model:       request.Model,
		Credits:     cost.Credits,
		Source:      string(cost.Source),
		RateKey:     cost.RateKey,
		TotalTokens: cost.TotalTokens,
	}
	if cost.FallbackReason != nil {
		response.FallbackReason = cost.FallbackReason.Error()
	}
	return response, nil
}

func (server *GovernanceServer) CheckQuota(ctx context.Context, request *CheckQuotaRequest) (*CheckQuotaResponse, error) {
	priority, err := quota.ParsePriority(request.Priority)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	policy, err := server.policies.LoadPolicy(ctx)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	result, err := server.quota.Check(ctx, policy, quota.CheckRequest{
		HolderID:      request.HolderID,
		Priority:      priority,
		EstimatedCost: request.EstimatedCost,
	})
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return &CheckQuotaResponse{Result: result}, nil
}

func (server *GovernanceServer) DeductQuota(ctx context.Context, request *DeductQuotaRequest) (*DeductQuotaResponse, error) {
	source, err := quota.ParseSource(request.Source)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	result, err := server.quota.Deduct(ctx, quota.DeductRequest{
		HolderID: request.HolderID,
		Cost:     request.Cost,
		Source:   source,
		TeamID:   request.TeamID,
	})
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return &DeductQuotaResponse{
		HolderID: result.HolderID,
		Source:   result.Source.String(),
		TeamID:   result.TeamID,
		Amount:   result.Amount,
	}, nil
}

func (server *GovernanceServer) GetWallet(ctx context.Context, request *GetWalletRequest) (*Wallet, error) {
	walletID, err := wallet.NewWalletID(request.WalletID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	record, err := server.wallets.GetWallet(ctx, walletID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	response := newWallet(record)
	return &response, nil
}

func (server *GovernanceServer) Deduct(ctx context.Context, request *LedgerDeductRequest) (*Receipt, error) {
	walletID, err := wallet.NewWalletID(request.WalletID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	requestID, err := optionalRequestID(request.RequestID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	key, err := optionalIdempotencyKey(request.IdempotencyKey)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	metadata, err := wallet.NewMetadataJSON(request.MetadataJSON)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	receipt, err := server.wallets.Deduct(ctx, wallet.DeductRequest{
		WalletID:       walletID,
		Amount:         request.Amount,
		RequestID:      requestID,
		IdempotencyKey: key,
		Description:    request.Description,
		Metadata:       metadata,
	})
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return newReceipt(receipt), nil
}

func (server *GovernanceServer) Refund(ctx context.Context, request *LedgerRefundRequest) (*Receipt, error) {
	walletID, err := wallet.NewWalletID(request.WalletID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	originalRequestID, err := optionalRequestID(request.OriginalRequestID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	key, err := wallet.NewIdempotencyKey(request.IdempotencyKey)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	metadata, err := wallet.NewMetadataJSON(request.MetadataJSON)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	receipt, err := server.wallets.Refund(ctx, wallet.RefundRequest{
		WalletID:          walletID,
		Amount:            request.Amount,
		OriginalRequestID: originalRequestID,
		IdempotencyKey:    key,
		Description:       request.Description,
		Metadata:          metadata,
	})
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return newReceipt(receipt), nil
}

func (server *GovernanceServer) Reserve(ctx context.Context, request *LedgerReserveRequest) (*Receipt, error) {
	walletID, err := wallet.NewWalletID(request.WalletID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	if request.TTLSeconds < 0 {
		return nil, invalidArgument("ttl_seconds must not be negative")
	}
	requestID, err := optionalRequestID(request.RequestID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	key, err := optionalIdempotencyKey(request.IdempotencyKey)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	metadata, err := wallet.NewMetadataJSON(request.MetadataJSON)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	receipt, err := server.wallets.Reserve(ctx, wallet.ReserveRequest{
		WalletID:       walletID,
		Amount:         request.Amount,
		RequestID:      requestID,
		TTL:            time.Duration(request.TTLSeconds) * time.Second,
		IdempotencyKey: key,
		Description:    request.Description,
		Metadata:       metadata,
	})
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return newReceipt(receipt), nil
}

func (server *GovernanceServer) Settle(ctx context.Context, request *LedgerSettleRequest) (*Receipt, error) {
	reservationID, err := wallet.NewTransactionID(request.ReservationID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	key, err := optionalIdempotencyKey(request.IdempotencyKey)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	receipt, err := server.wallets.Settle(ctx, wallet.SettleRequest{
		ReservationID:  reservationID,
		ActualCost:     request.ActualCost,
		IdempotencyKey: key,
		Description:    request.Description,
	})
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return newReceipt(receipt), nil
}

func (server *GovernanceServer) Release(ctx context.Context, request *LedgerReleaseRequest) (*Receipt, error) {
	reservationID, err := wallet.NewTransactionID(request.ReservationID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	receipt, err := server.wallets.Release(ctx, wallet.ReleaseRequest{
		ReservationID: reservationID,
		Reason:        request.Reason,
	})
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return newReceipt(receipt), nil
}

func optionalRequestID(raw string) (wallet.RequestID, error) {
	if strings.TrimSpace(raw) == "" {
		return wallet.RequestID{}, nil
	}
	return wallet.NewRequestID(raw)
}

func optionalIdempotencyKey(raw string) (wallet.IdempotencyKey, error) {
	if raw == "" {
		return wallet.IdempotencyKey{}, nil
	}
	return wallet.NewIdempotencyKey(raw)
}
