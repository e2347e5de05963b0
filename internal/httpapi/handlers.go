package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/MarkoPoloResearchLab/quotagate/internal/gateway"
	"github.com/MarkoPoloResearchLab/quotagate/internal/provider"
	"github.com/MarkoPoloResearchLab/quotagate/pkg/credit"
	"github.com/MarkoPoloResearchLab/quotagate/pkg/quota"
)

func (server *Server) handleCompletion(ctx *gin.Context) {
	var request completionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidPayload, err.Error()))
		return
	}
	priority, err := quota.ParsePriority(request.Priority)
	if err != nil {
		writeError(ctx, err)
		return
	}
	requestID := request.RequestID
	if requestID == "" {
		requestID = ctx.GetString(contextKeyRequestID)
	}

	outcome, err := server.dependencies.Gateway.Complete(ctx.Request.Context(), gateway.CompletionRequest{
		RequestID: requestID,
		HolderID:  request.HolderID,
		TeamID:    request.TeamID,
		Priority:  priority,
		Model:     request.Model,
		Messages:  request.Messages,
		MaxTokens: request.MaxTokens,
	})
	if err != nil {
		writeError(ctx, err)
		return
	}

	switch outcome.Status {
	case gateway.StatusDenied:
		ctx.JSON(http.StatusPaymentRequired, errorWithDetails(codeQuotaExceeded, outcome.Check.Message, outcome.Check))
		return
	case gateway.StatusWalletLimited:
		if outcome.Limit != nil {
			ctx.JSON(http.StatusPaymentRequired, errorWithDetails(codeLimitExceeded, outcome.Limit.Error(), newLimitPayload(outcome.Limit)))
			return
		}
		ctx.JSON(http.StatusPaymentRequired, errorResponse(codeLimitExceeded, "wallet limit exceeded"))
		return
	}

	response := completionResponse{
		RequestID:    outcome.RequestID,
		Status:       outcome.Status,
		Model:        outcome.Response.Model,
		Content:      outcome.Response.Content,
		FinishReason: outcome.Response.FinishReason,
		Usage:        outcome.Response.Usage,
		Credits:      outcome.Actual.Credits,
		CostSource:   outcome.Actual.Source,
		Source:       outcome.Check.Source,
		TeamID:       outcome.Deduction.TeamID,
		Attempts:     outcome.Attempts,
	}
	if outcome.LedgerError != nil {
		response.LedgerWarning = "spend could not be fully recorded"
	}
	ctx.JSON(http.StatusOK, response)
}

func (server *Server) handleEstimate(ctx *gin.Context) {
	var request estimateRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidPayload, err.Error()))
		return
	}
	if request.MaxTokens < 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeValidation, "max_tokens must not be negative"))
		return
	}
	tokens, cost := server.estimate(request.Model, request.Messages, request.MaxTokens)
	ctx.JSON(http.StatusOK, estimateResponse{
		Model:           request.Model,
		RateKey:         cost.RateKey,
		USDPer1K:        cost.USDPer1K,
		EstimatedTokens: tokens,
		Credits:         cost.Credits,
	})
}

func (server *Server) handleCheck(ctx *gin.Context) {
	var request checkRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidPayload, err.Error()))
		return
	}
	priority, err := quota.ParsePriority(request.Priority)
	if err != nil {
		writeError(ctx, err)
		return
	}
	estimated := request.EstimatedCost
	if estimated.IsZero() && request.Model != "" {
		_, cost := server.estimate(request.Model, request.Messages, request.MaxTokens)
		estimated = cost.Credits
	}
	policy, err := server.dependencies.Policies.LoadPolicy(ctx.Request.Context())
	if err != nil {
		writeError(ctx, err)
		return
	}
	result, err := server.dependencies.Quota.Check(ctx.Request.Context(), policy, quota.CheckRequest{
		HolderID:      request.HolderID,
		Priority:      priority,
		EstimatedCost: estimated,
	})
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, result)
}

func (server *Server) estimate(model string, messages []provider.Message, maxTokens int64) (int64, credit.Cost) {
	parts := make([]string, 0, len(messages))
	for _, message := range messages {
		parts = append(parts, message.Content)
	}
	tokens := credit.EstimateTokens(parts, maxTokens)
	return tokens, server.dependencies.Calculator.EstimateCost(model, tokens)
}
