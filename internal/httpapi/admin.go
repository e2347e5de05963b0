package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/quotagate/internal/logging"
	"github.com/MarkoPoloResearchLab/quotagate/pkg/wallet"
)

const (
	dateLayout        = "2006-01-02"
	formatCSV         = "csv"
	formatJSON        = "json"
	defaultListLimit  = 100
	maximumListLimit  = 1000
	chargebackCSVName = "chargeback.csv"
)

func (server *Server) handleCreateWallet(ctx *gin.Context) {
	var request walletRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidPayload, err.Error()))
		return
	}
	kind, err := wallet.ParseKind(request.Kind)
	if err != nil {
		writeError(ctx, err)
		return
	}
	created, err := server.dependencies.Wallets.CreateWallet(ctx.Request.Context(), wallet.WalletSpec{
		ID:                 request.ID,
		Kind:               kind,
		Name:               request.Name,
		OwnerRef:           request.OwnerRef,
		Currency:           request.Currency,
		HardLimit:          request.HardLimit,
		OverdraftEnabled:   request.OverdraftEnabled,
		OverdraftPercent:   request.OverdraftPercent,
		SoftWarningPercent: request.SoftWarningPercent,
		AutoReset:          request.AutoReset,
		ResetDay:           request.ResetDay,
		ParentID:           request.ParentID,
	})
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, newWalletPayload(created))
}

func (server *Server) handleListWallets(ctx *gin.Context) {
	filter := wallet.WalletFilter{}
	if raw := ctx.Query("kind"); raw != "" {
		kind, err := wallet.ParseKind(raw)
		if err != nil {
			writeError(ctx, err)
			return
		}
		filter.Kind = kind
	}
	if raw := ctx.Query("status"); raw != "" {
		status, err := wallet.ParseStatus(raw)
		if err != nil {
			writeError(ctx, err)
			return
		}
		filter.Status = status
	}
	if raw := ctx.Query("parent_id"); raw != "" {
		parentID, err := wallet.NewWalletID(raw)
		if err != nil {
			writeError(ctx, err)
			return
		}
		filter.ParentID = parentID
	}
	limit, ok := queryLimit(ctx)
	if !ok {
		return
	}
	filter.Limit = limit
	if raw := ctx.Query("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			ctx.JSON(http.StatusBadRequest, errorResponse(codeValidation, "offset must be a non-negative integer"))
			return
		}
		filter.Offset = offset
	}

	wallets, err := server.dependencies.Wallets.ListWallets(ctx.Request.Context(), filter)
	if err != nil {
		writeError(ctx, err)
		return
	}
	payloads := make([]walletPayload, 0, len(wallets))
	for _, record := range wallets {
		payloads = append(payloads, newWalletPayload(record))
	}
	ctx.JSON(http.StatusOK, gin.H{"wallets": payloads})
}

func (server *Server) handleGetWallet(ctx *gin.Context) {
	walletID, ok := pathWalletID(ctx)
	if !ok {
		return
	}
	record, err := server.dependencies.Wallets.GetWallet(ctx.Request.Context(), walletID)
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, newWalletPayload(record))
}

func (server *Server) handleUpdateWallet(ctx *gin.Context) {
	walletID, ok := pathWalletID(ctx)
	if !ok {
		return
	}
	var request walletUpdateRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidPayload, err.Error()))
		return
	}
	updated, err := server.dependencies.Wallets.UpdateWallet(ctx.Request.Context(), walletID, wallet.WalletUpdate{
		Name:               request.Name,
		HardLimit:          request.HardLimit,
		OverdraftEnabled:   request.OverdraftEnabled,
		OverdraftPercent:   request.OverdraftPercent,
		SoftWarningPercent: request.SoftWarningPercent,
		AutoReset:          request.AutoReset,
		ResetDay:           request.ResetDay,
		ParentID:           request.ParentID,
	})
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, newWalletPayload(updated))
}

func (server *Server) handleCloseWallet(ctx *gin.Context) {
	server.changeStatus(ctx, server.dependencies.Wallets.CloseWallet)
}

func (server *Server) handleSuspendWallet(ctx *gin.Context) {
	server.changeStatus(ctx, server.dependencies.Wallets.SuspendWallet)
}

func (server *Server) handleActivateWallet(ctx *gin.Context) {
	server.changeStatus(ctx, server.dependencies.Wallets.ActivateWallet)
}

func (server *Server) changeStatus(ctx *gin.Context, change func(context.Context, wallet.WalletID) (wallet.Wallet, error)) {
	walletID, ok := pathWalletID(ctx)
	if !ok {
		return
	}
	record, err := change(ctx.Request.Context(), walletID)
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, newWalletPayload(record))
}

func (server *Server) handleTopUp(ctx *gin.Context) {
	walletID, ok := pathWalletID(ctx)
	if !ok {
		return
	}
	var request topUpRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidPayload, err.Error()))
		return
	}
	key, err := wallet.NewIdempotencyKey(request.IdempotencyKey)
	if err != nil {
		writeError(ctx, err)
		return
	}
	receipt, err := server.dependencies.Wallets.TopUp(ctx.Request.Context(), wallet.TopUpRequest{
		WalletID:       walletID,
		Amount:         request.Amount,
		IdempotencyKey: key,
		Description:    request.Description,
	})
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, newReceiptPayload(receipt))
}

func (server *Server) handleTransactions(ctx *gin.Context) {
	walletID, ok := pathWalletID(ctx)
	if !ok {
		return
	}
	filter := wallet.TransactionFilter{}
	if raw := ctx.Query("type"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			transactionType, err := wallet.ParseTransactionType(part)
			if err != nil {
				writeError(ctx, err)
				return
			}
			filter.Types = append(filter.Types, transactionType)
		}
	}
	from, ok := queryTime(ctx, "from")
	if !ok {
		return
	}
	to, ok := queryTime(ctx, "to")
	if !ok {
		return
	}
	filter.From, filter.To = from, to
	limit, ok := queryLimit(ctx)
	if !ok {
		return
	}
	filter.Limit = limit

	transactions, err := server.dependencies.Wallets.Transactions(ctx.Request.Context(), walletID, filter)
	if err != nil {
		writeError(ctx, err)
		return
	}
	payloads := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payloads = append(payloads, newTransactionPayload(transaction))
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": payloads})
}

func (server *Server) handleVerify(ctx *gin.Context) {
	walletID, ok := pathWalletID(ctx)
	if !ok {
		return
	}
	result, err := server.dependencies.Wallets.Verify(ctx.Request.Context(), walletID)
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, verifyPayload{
		WalletID:         result.WalletID.String(),
		Consistent:       result.Consistent,
		TransactionCount: result.TransactionCount,
		StoredUsed:       result.Stored.Used,
		StoredReserved:   result.Stored.Reserved,
		ReplayedUsed:     result.Replayed.Used,
		ReplayedReserved: result.Replayed.Reserved,
	})
}

func (server *Server) handleChargeback(ctx *gin.Context) {
	from, ok := queryTime(ctx, "from")
	if !ok {
		return
	}
	to, ok := queryTime(ctx, "to")
	if !ok {
		return
	}
	format := strings.ToLower(ctx.DefaultQuery("format", formatJSON))
	if format != formatJSON && format != formatCSV {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeValidation, fmt.Sprintf("unknown format %q", format)))
		return
	}
	report, err := server.dependencies.Wallets.Chargeback(ctx.Request.Context(), wallet.ChargebackQuery{From: from, To: to})
	if err != nil {
		writeError(ctx, err)
		return
	}
	if format == formatJSON {
		ctx.JSON(http.StatusOK, newChargebackPayload(report))
		return
	}
	ctx.Header("Content-Type", "text/csv; charset=utf-8")
	ctx.Header("Content-Disposition", "attachment; filename="+chargebackCSVName)
	ctx.Status(http.StatusOK)
	if err := wallet.WriteChargebackCSV(ctx.Writer, report); err != nil {
		logging.FromContext(ctx.Request.Context()).Error("chargeback csv write failed", zap.Error(err))
	}
}

func (server *Server) handleListRequests(ctx *gin.Context) {
	limit, ok := queryLimit(ctx)
	if !ok {
		return
	}
	entries, err := server.dependencies.Requests.ListRequests(ctx.Request.Context(), ctx.Query("holder_id"), limit)
	if err != nil {
		writeError(ctx, err)
		return
	}
	payloads := make([]requestLogPayload, 0, len(entries))
	for _, entry := range entries {
		payloads = append(payloads, newRequestLogPayload(entry))
	}
	ctx.JSON(http.StatusOK, gin.H{"requests": payloads})
}

func pathWalletID(ctx *gin.Context) (wallet.WalletID, bool) {
	walletID, err := wallet.NewWalletID(ctx.Param("id"))
	if err != nil {
		writeError(ctx, err)
		return wallet.WalletID{}, false
	}
	return walletID, true
}

func queryLimit(ctx *gin.Context) (int, bool) {
	raw := ctx.Query("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeValidation, "limit must be a positive integer"))
		return 0, false
	}
	if limit > maximumListLimit {
		limit = maximumListLimit
	}
	return limit, true
}

// queryTime accepts a calendar date (UTC midnight) or an RFC 3339 timestamp.
// A missing parameter yields the zero time.
func queryTime(ctx *gin.Context, name string) (time.Time, bool) {
	raw := strings.TrimSpace(ctx.Query(name))
	if raw == "" {
		return time.Time{}, true
	}
	if parsed, err := time.Parse(dateLayout, raw); err == nil {
		return parsed.UTC(), true
	}
	if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
		return parsed.UTC(), true
	}
	ctx.JSON(http.StatusBadRequest, errorResponse(codeValidation, fmt.Sprintf("%s must be YYYY-MM-DD or RFC 3339", name)))
	return time.Time{}, false
}
