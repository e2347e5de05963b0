package provider

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// DefaultCostHeader is the header LiteLLM-style proxies use to report spend.
const DefaultCostHeader = "x-litellm-response-cost"

// OpenAIConfig holds the OpenAI-compatible endpoint settings.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	CostHeader string
	Timeout    time.Duration
	Logger     *zap.Logger
}

// OpenAIClient is a Client for any OpenAI-compatible chat completion API.
type OpenAIClient struct {
	client     *openai.Client
	costHeader string
	logger     *zap.Logger
}

var _ Client = (*OpenAIClient)(nil)

// NewOpenAIClient creates an OpenAI-compatible provider client.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.Timeout > 0 {
		clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	costHeader := cfg.CostHeader
	if costHeader == "" {
		costHeader = DefaultCostHeader
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAIClient{
		client:     openai.NewClientWithConfig(clientCfg),
		costHeader: costHeader,
		logger:     logger,
	}
}

// Forward implements Client with a single CreateChatCompletion call.
func (client *OpenAIClient) Forward(ctx context.Context, request Request) (Response, error) {
	if err := ValidateRequest(request); err != nil {
		return Response{}, err
	}
	messages := make([]openai.ChatCompletionMessage, 0, len(request.Messages))
	for _, message := range request.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    string(message.Role),
			Content: message.Content,
		})
	}
	completionRequest := openai.ChatCompletionRequest{
		Model:    request.Model,
		Messages: messages,
		User:     request.User,
	}
	if request.MaxTokens > 0 {
		completionRequest.MaxTokens = int(request.MaxTokens)
	}

	resp, err := client.client.CreateChatCompletion(ctx, completionRequest)
	if err != nil {
		classified := classifyError(err)
		client.logger.Debug("provider call failed",
			zap.String("model", request.Model),
			zap.Bool("retryable", IsRetryable(classified)),
			zap.Error(classified),
		)
		return Response{}, classified
	}
	if len(resp.Choices) == 0 {
		return Response{}, &Error{Message: ErrEmptyResponse.Error(), Err: ErrEmptyResponse}
	}

	response := Response{
		ID:           resp.ID,
		Model:        resp.Model,
		Content:      resp.Choices[0].Message.Content,
		FinishReason: string(resp.Choices[0].FinishReason),
		Usage: Usage{
			PromptTokens:     int64(resp.Usage.PromptTokens),
			CompletionTokens: int64(resp.Usage.CompletionTokens),
			TotalTokens:      int64(resp.Usage.TotalTokens),
		},
	}
	if header := resp.Header(); header != nil {
		response.ReportedCostUSD = strings.TrimSpace(header.Get(client.costHeader))
	}
	return response, nil
}

// classifyError maps go-openai failures onto Error. Context errors pass through
// untouched so callers can tell cancellation apart.
func classifyError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &Error{
			StatusCode: apiErr.HTTPStatusCode,
			Message:    apiErr.Message,
			Retryable:  RetryableStatus(apiErr.HTTPStatusCode),
			Err:        err,
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		message := strings.TrimSpace(string(reqErr.Body))
		if message == "" && reqErr.Err != nil {
			message = reqErr.Err.Error()
		}
		return &Error{
			StatusCode: reqErr.HTTPStatusCode,
			Message:    message,
			Retryable:  RetryableStatus(reqErr.HTTPStatusCode),
			Err:        err,
		}
	}

	return &Error{
		Message:   err.Error(),
		Retryable: IsRetryable(err),
		Err:       err,
	}
}
