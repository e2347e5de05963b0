package credit

import "unicode/utf8"

const (
	charactersPerToken = 4
	// DefaultCompletionTokens is assumed when a request sets no completion budget.
	DefaultCompletionTokens int64 = 512
)

// EstimateTokens approximates the tokens a request will consume before the
// provider is called: prompt characters over four, plus the completion budget.
func EstimateTokens(promptParts []string, maxCompletionTokens int64) int64 {
	var characters int64
	for _, part := range promptParts {
		characters += int64(utf8.RuneCountInString(part))
	}
	promptTokens := (characters + charactersPerToken - 1) / charactersPerToken
	if maxCompletionTokens <= 0 {
		maxCompletionTokens = DefaultCompletionTokens
	}
	return promptTokens + maxCompletionTokens
}
