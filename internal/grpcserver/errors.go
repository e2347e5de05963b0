package grpcserver

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/MarkoPoloResearchLab/quotagate/pkg/quota"
	"github.com/MarkoPoloResearchLab/quotagate/pkg/wallet"
)

// ErrInvalidServerConfig is returned when the server is missing a dependency.
var ErrInvalidServerConfig = errors.New("invalid grpc server config")

const (
	errorInvalidArgument    = "invalid_argument"
	errorInvalidWalletID    = "invalid_wallet_id"
	errorInvalidTransaction = "invalid_transaction_id"
	errorInvalidRequestID   = "invalid_request_id"
	errorInvalidKey         = "invalid_idempotency_key"
	errorInvalidAmount      = "invalid_amount"
	errorInvalidMetadata    = "invalid_metadata"
	errorInvalidPriority    = "invalid_priority"
	errorInvalidSource      = "invalid_source"
	errorInvalidHolderID    = "invalid_holder_id"
	errorInvalidCost        = "invalid_cost"
	errorUnknownWallet      = "unknown_wallet"
	errorUnknownReservation = "unknown_reservation"
	errorUnknownHolder      = "unknown_holder"
	errorUnknownTeam        = "unknown_team"
	errorTeamNotMember      = "team_not_member"
	errorDuplicateKey       = "duplicate_idempotency_key"
	errorKeyConflict        = "idempotency_key_conflict"
	errorReservationClosed  = "reservation_closed"
	errorWalletNotActive    = "wallet_not_active"
	errorWalletClosed       = "wallet_closed"
	errorNoTeamForDeduction = "no_team_for_deduction"
	errorNoBudgetSource     = "no_budget_source"
	errorRateLimited        = "rate_limited"
	errorInternal           = "internal_error"
)

type errorMapping struct {
	sentinel error
	code     codes.Code
	message  string
}

var errorMappings = []errorMapping{
	{sentinel: wallet.ErrInvalidWalletID, code: codes.InvalidArgument, message: errorInvalidWalletID},
	{sentinel: wallet.ErrInvalidTransactionID, code: codes.InvalidArgument, message: errorInvalidTransaction},
	{sentinel: wallet.ErrInvalidRequestID, code: codes.InvalidArgument, message: errorInvalidRequestID},
	{sentinel: wallet.ErrInvalidIdempotencyKey, code: codes.InvalidArgument, message: errorInvalidKey},
	{sentinel: wallet.ErrInvalidAmount, code: codes.InvalidArgument, message: errorInvalidAmount},
	{sentinel: wallet.ErrInvalidMetadataJSON, code: codes.InvalidArgument, message: errorInvalidMetadata},
	{sentinel: quota.ErrInvalidPriority, code: codes.InvalidArgument, message: errorInvalidPriority},
	{sentinel: quota.ErrInvalidSource, code: codes.InvalidArgument, message: errorInvalidSource},
	{sentinel: quota.ErrInvalidHolderID, code: codes.InvalidArgument, message: errorInvalidHolderID},
	{sentinel: quota.ErrInvalidCost, code: codes.InvalidArgument, message: errorInvalidCost},
	{sentinel: wallet.ErrUnknownWallet, code: codes.NotFound, message: errorUnknownWallet},
	{sentinel: wallet.ErrUnknownReservation, code: codes.NotFound, message: errorUnknownReservation},
	{sentinel: quota.ErrUnknownHolder, code: codes.NotFound, message: errorUnknownHolder},
	{sentinel: quota.ErrUnknownTeam, code: codes.NotFound, message: errorUnknownTeam},
	{sentinel: quota.ErrTeamNotMember, code: codes.FailedPrecondition, message: errorTeamNotMember},
	{sentinel: wallet.ErrDuplicateIdempotencyKey, code: codes.AlreadyExists, message: errorDuplicateKey},
	{sentinel: wallet.ErrIdempotencyKeyConflict, code: codes.AlreadyExists, message: errorKeyConflict},
	{sentinel: wallet.ErrReservationClosed, code: codes.FailedPrecondition, message: errorReservationClosed},
	{sentinel: wallet.ErrWalletNotActive, code: codes.FailedPrecondition, message: errorWalletNotActive},
	{sentinel: wallet.ErrWalletClosed, code: codes.FailedPrecondition, message: errorWalletClosed},
	{sentinel: quota.ErrNoTeamForDeduction, code: codes.FailedPrecondition, message: errorNoTeamForDeduction},
	{sentinel: quota.ErrNoBudgetSource, code: codes.FailedPrecondition, message: errorNoBudgetSource},
}

func mapToGRPCError(source error) error {
	if source == nil {
		return nil
	}
	if _, ok := status.FromError(source); ok {
		return source
	}
	var limitError *wallet.LimitExceededError
	if errors.As(source, &limitError) {
		return status.Error(codes.FailedPrecondition, limitError.Error())
	}
	if errors.Is(source, context.Canceled) {
		return status.Error(codes.Canceled, source.Error())
	}
	if errors.Is(source, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, source.Error())
	}
	for _, mapping := range errorMappings {
		if errors.Is(source, mapping.sentinel) {
			return status.Error(mapping.code, mapping.message)
		}
	}
	return status.Error(codes.Internal, errorInternal)
}

func invalidArgument(detail string) error {
	return status.Error(codes.InvalidArgument, errorInvalidArgument+": "+detail)
}
