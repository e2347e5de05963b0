package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chatRequestBody struct {
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens"`
	User      string `json:"user"`
	Messages  []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func newFakeProvider(test *testing.T, handler http.HandlerFunc) *OpenAIClient {
	test.Helper()
	server := httptest.NewServer(handler)
	test.Cleanup(server.Close)
	return NewOpenAIClient(OpenAIConfig{APIKey: "test-key", BaseURL: server.URL + "/"})
}

func writeCompletion(writer http.ResponseWriter) {
	writer.Header().Set("Content-Type", "application/json")
	writer.Header().Set(DefaultCostHeader, " 0.0042 ")
	_ = json.NewEncoder(writer).Encode(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"model":   "gpt-4o-mini",
		"choices": []map[string]any{{"index": 0, "finish_reason": "stop", "message": map[string]any{"role": "assistant", "content": "hi there"}}},
		"usage":   map[string]any{"prompt_tokens": 12, "completion_tokens": 30, "total_tokens": 42},
	})
}

func writeAPIError(writer http.ResponseWriter, statusCode int, message string) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(statusCode)
	_ = json.NewEncoder(writer).Encode(map[string]any{
		"error": map[string]any{"message": message, "type": "api_error"},
	})
}

func TestForwardMapsResponse(test *testing.T) {
	test.Parallel()
	var captured chatRequestBody
	client := newFakeProvider(test, func(writer http.ResponseWriter, request *http.Request) {
		assert.Equal(test, "/chat/completions", request.URL.Path)
		assert.Equal(test, "Bearer test-key", request.Header.Get("Authorization"))
		assert.NoError(test, json.NewDecoder(request.Body).Decode(&captured))
		writeCompletion(writer)
	})

	response, err := client.Forward(context.Background(), Request{
		Model:     "gpt-4o-mini",
		Messages:  []Message{{Role: RoleUser, Content: "hello"}},
		MaxTokens: 64,
		User:      "alice",
	})
	require.NoError(test, err)

	assert.Equal(test, "chatcmpl-1", response.ID)
	assert.Equal(test, "hi there", response.Content)
	assert.Equal(test, "stop", response.FinishReason)
	assert.Equal(test, Usage{PromptTokens: 12, CompletionTokens: 30, TotalTokens: 42}, response.Usage)
	assert.Equal(test, "0.0042", response.ReportedCostUSD)

	assert.Equal(test, "gpt-4o-mini", captured.Model)
	assert.Equal(test, 64, captured.MaxTokens)
	assert.Equal(test, "alice", captured.User)
	require.Len(test, captured.Messages, 1)
	assert.Equal(test, "user", captured.Messages[0].Role)
}

func TestForwardClassifiesStatus(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name          string
		statusCode    int
		wantRetryable bool
	}{
		{name: "rate limited", statusCode: http.StatusTooManyRequests, wantRetryable: true},
		{name: "server error", statusCode: http.StatusBadGateway, wantRetryable: true},
		{name: "timeout", statusCode: http.StatusRequestTimeout, wantRetryable: true},
		{name: "bad request", statusCode: http.StatusBadRequest, wantRetryable: false},
		{name: "unauthorized", statusCode: http.StatusUnauthorized, wantRetryable: false},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			client := newFakeProvider(test, func(writer http.ResponseWriter, _ *http.Request) {
				writeAPIError(writer, testCase.statusCode, "upstream said no")
			})
			_, err := client.Forward(context.Background(), Request{Model: "gpt-4o", Messages: []Message{{Role: RoleUser, Content: "x"}}})
			require.Error(test, err)

			var providerError *Error
			require.True(test, errors.As(err, &providerError))
			assert.Equal(test, testCase.statusCode, providerError.StatusCode)
			assert.Equal(test, testCase.wantRetryable, IsRetryable(err))
		})
	}
}

func TestForwardUnparseableErrorBody(test *testing.T) {
	test.Parallel()
	client := newFakeProvider(test, func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusServiceUnavailable)
		_, _ = writer.Write([]byte("upstream overloaded"))
	})
	_, err := client.Forward(context.Background(), Request{Model: "gpt-4o", Messages: []Message{{Role: RoleUser, Content: "x"}}})

	var providerError *Error
	require.True(test, errors.As(err, &providerError))
	assert.Equal(test, http.StatusServiceUnavailable, providerError.StatusCode)
	assert.True(test, IsRetryable(err))
}

func TestForwardCancelledContextIsFatal(test *testing.T) {
	test.Parallel()
	client := newFakeProvider(test, func(writer http.ResponseWriter, _ *http.Request) {
		writeCompletion(writer)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Forward(ctx, Request{Model: "gpt-4o", Messages: []Message{{Role: RoleUser, Content: "x"}}})
	require.Error(test, err)
	assert.ErrorIs(test, err, context.Canceled)
	assert.False(test, IsRetryable(err))
}

func TestForwardRejectsInvalidRequest(test *testing.T) {
	test.Parallel()
	client := NewOpenAIClient(OpenAIConfig{APIKey: "unused"})
	_, err := client.Forward(context.Background(), Request{Model: "gpt-4o"})
	assert.ErrorIs(test, err, ErrInvalidRequest)
	assert.False(test, IsRetryable(err))
}

func TestIsRetryable(test *testing.T) {
	test.Parallel()
	assert.False(test, IsRetryable(nil))
	assert.False(test, IsRetryable(errors.New("plain")))
	assert.True(test, IsRetryable(&Error{Retryable: true}))
	assert.False(test, IsRetryable(&Error{Retryable: true, Err: context.DeadlineExceeded}))
}
