// Package provider forwards completion requests to an upstream AI model provider.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Role names the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is a completion request as the gateway forwards it.
type Request struct {
	Model     string
	Messages  []Message
	MaxTokens int64
	// User is passed through for upstream abuse tracking; it carries the holder id.
	User string
}

// Usage is the token count the provider reported.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Response is the provider's answer.
type Response struct {
	ID           string
	Model        string
	Content      string
	FinishReason string
	Usage        Usage
	// ReportedCostUSD is the raw cost header value, empty when the provider sent none.
	ReportedCostUSD string
}

// Client forwards one request upstream. Implementations must not retry.
type Client interface {
	Forward(ctx context.Context, request Request) (Response, error)
}

var (
	ErrEmptyResponse  = errors.New("provider returned no choices")
	ErrInvalidRequest = errors.New("invalid provider request")
)

// Error is an upstream failure with its retry classification.
type Error struct {
	StatusCode int
	Message    string
	Retryable  bool
	Err        error
}

func (providerError *Error) Error() string {
	if providerError.StatusCode > 0 {
		return fmt.Sprintf("provider error %d: %s", providerError.StatusCode, providerError.Message)
	}
	return fmt.Sprintf("provider error: %s", providerError.Message)
}

func (providerError *Error) Unwrap() error {
	return providerError.Err
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var providerError *Error
	if errors.As(err, &providerError) {
		return providerError.Retryable
	}
	var netError net.Error
	return errors.As(err, &netError)
}

// RetryableStatus reports whether an HTTP status is transient.
func RetryableStatus(statusCode int) bool {
	switch {
	case statusCode == http.StatusRequestTimeout, statusCode == http.StatusTooManyRequests:
		return true
	case statusCode >= http.StatusInternalServerError:
		return true
	default:
		return false
	}
}

// ValidateRequest rejects requests that cannot be forwarded.
func ValidateRequest(request Request) error {
	if request.Model == "" {
		return fmt.Errorf("%w: model is required", ErrInvalidRequest)
	}
	if len(request.Messages) == 0 {
		return fmt.Errorf("%w: at least one message is required", ErrInvalidRequest)
	}
	if request.MaxTokens < 0 {
		return fmt.Errorf("%w: max_tokens must not be negative", ErrInvalidRequest)
	}
	return nil
}
