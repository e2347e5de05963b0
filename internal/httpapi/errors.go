package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/quotagate/internal/gateway"
	"github.com/MarkoPoloResearchLab/quotagate/internal/logging"
	"github.com/MarkoPoloResearchLab/quotagate/pkg/credit"
	"github.com/MarkoPoloResearchLab/quotagate/pkg/quota"
	"github.com/MarkoPoloResearchLab/quotagate/pkg/wallet"
)

const (
	codeInvalidPayload   = "invalid_payload"
	codeValidation       = "validation_error"
	codeNotFound         = "not_found"
	codeConflict         = "conflict"
	codeLimitExceeded    = "limit_exceeded"
	codeQuotaExceeded    = "quota_exceeded"
	codeWalletInactive   = "wallet_not_active"
	codeRateLimited      = "rate_limited"
	codeUpstreamFailed   = "upstream_failed"
	codeUnauthorized     = "unauthorized"
	codeForbidden        = "forbidden"
	codeInternal         = "internal_error"
	messageInternalError = "internal error"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func errorResponse(code string, message string) errorEnvelope {
	return errorEnvelope{Error: errorBody{Code: code, Message: message}}
}

func errorWithDetails(code string, message string, details any) errorEnvelope {
	return errorEnvelope{Error: errorBody{Code: code, Message: message, Details: details}}
}

// errorHandler maps one class of domain error onto a response. It returns
// false when err is not its class.
type errorHandler func(ctx *gin.Context, err error) bool

func sentinelHandler(sentinel error, status int, code string) errorHandler {
	return func(ctx *gin.Context, err error) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		ctx.JSON(status, errorResponse(code, err.Error()))
		return true
	}
}

func limitHandler(ctx *gin.Context, err error) bool {
	var limitError *wallet.LimitExceededError
	if !errors.As(err, &limitError) {
		return false
	}
	ctx.JSON(http.StatusPaymentRequired, errorWithDetails(codeLimitExceeded, err.Error(), newLimitPayload(limitError)))
	return true
}

func upstreamHandler(ctx *gin.Context, err error) bool {
	var upstreamError *gateway.UpstreamError
	if !errors.As(err, &upstreamError) {
		return false
	}
	ctx.JSON(http.StatusBadGateway, errorWithDetails(codeUpstreamFailed, "provider request failed", gin.H{
		"request_id":      upstreamError.RequestID,
		"attempts":        upstreamError.Attempts,
		"upstream_status": upstreamError.StatusCode(),
	}))
	return true
}

// errorHandlers is evaluated in order; the first match writes the response.
var errorHandlers = []errorHandler{
	limitHandler,
	upstreamHandler,

	sentinelHandler(wallet.ErrUnknownWallet, http.StatusNotFound, codeNotFound),
	sentinelHandler(wallet.ErrUnknownTransaction, http.StatusNotFound, codeNotFound),
	sentinelHandler(wallet.ErrUnknownReservation, http.StatusNotFound, codeNotFound),
	sentinelHandler(quota.ErrUnknownHolder, http.StatusNotFound, codeNotFound),
	sentinelHandler(quota.ErrUnknownTeam, http.StatusNotFound, codeNotFound),

	sentinelHandler(wallet.ErrWalletExists, http.StatusConflict, codeConflict),
	sentinelHandler(wallet.ErrIdempotencyKeyConflict, http.StatusConflict, codeConflict),
	sentinelHandler(wallet.ErrDuplicateIdempotencyKey, http.StatusConflict, codeConflict),
	sentinelHandler(wallet.ErrReservationClosed, http.StatusConflict, codeConflict),
	sentinelHandler(wallet.ErrHierarchyCycle, http.StatusConflict, codeConflict),
	sentinelHandler(gateway.ErrDuplicateRequest, http.StatusConflict, codeConflict),

	sentinelHandler(wallet.ErrWalletNotActive, http.StatusPaymentRequired, codeWalletInactive),
	sentinelHandler(wallet.ErrWalletClosed, http.StatusPaymentRequired, codeWalletInactive),
	sentinelHandler(quota.ErrNoBudgetSource, http.StatusPaymentRequired, codeQuotaExceeded),

	sentinelHandler(wallet.ErrInvalidWalletID, http.StatusBadRequest, codeValidation),
	sentinelHandler(wallet.ErrInvalidTransactionID, http.StatusBadRequest, codeValidation),
	sentinelHandler(wallet.ErrInvalidRequestID, http.StatusBadRequest, codeValidation),
	sentinelHandler(wallet.ErrInvalidIdempotencyKey, http.StatusBadRequest, codeValidation),
	sentinelHandler(wallet.ErrInvalidAmount, http.StatusBadRequest, codeValidation),
	sentinelHandler(wallet.ErrInvalidKind, http.StatusBadRequest, codeValidation),
	sentinelHandler(wallet.ErrInvalidStatus, http.StatusBadRequest, codeValidation),
	sentinelHandler(wallet.ErrInvalidTransactionType, http.StatusBadRequest, codeValidation),
	sentinelHandler(wallet.ErrInvalidWalletSettings, http.StatusBadRequest, codeValidation),
	sentinelHandler(wallet.ErrInvalidMetadataJSON, http.StatusBadRequest, codeValidation),
	sentinelHandler(wallet.ErrInvalidDateRange, http.StatusBadRequest, codeValidation),
	sentinelHandler(quota.ErrInvalidPriority, http.StatusBadRequest, codeValidation),
	sentinelHandler(quota.ErrInvalidSource, http.StatusBadRequest, codeValidation),
	sentinelHandler(quota.ErrInvalidHolderID, http.StatusBadRequest, codeValidation),
	sentinelHandler(quota.ErrInvalidCost, http.StatusBadRequest, codeValidation),
	sentinelHandler(quota.ErrTeamNotMember, http.StatusBadRequest, codeValidation),
	sentinelHandler(quota.ErrNoTeamForDeduction, http.StatusBadRequest, codeValidation),
	sentinelHandler(credit.ErrInvalidRate, http.StatusBadRequest, codeValidation),
	sentinelHandler(gateway.ErrInvalidRequest, http.StatusBadRequest, codeValidation),
}

// writeError maps err onto the error envelope. Unmatched errors are logged
// and reported as a bare 500 so internals never reach the caller.
func writeError(ctx *gin.Context, err error) {
	for _, handle := range errorHandlers {
		if handle(ctx, err) {
			return
		}
	}
	logging.FromContext(ctx.Request.Context()).Error("request failed",
		zap.String("path", ctx.FullPath()),
		zap.Error(err),
	)
	ctx.JSON(http.StatusInternalServerError, errorResponse(codeInternal, messageInternalError))
}
