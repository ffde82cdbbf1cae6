// Package textgen provides the text generation and embedding backend used by
// detection for semantic matching and attack-variation synthesis. The backend
// is optional: when no endpoint is configured the Offline implementation keeps
// the pipeline functional in a reduced mode.
package textgen

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Client generates text and embeddings. Implementations must be safe for
// concurrent use.
type Client interface {
	// Generate produces a completion for the prompt under the given system
	// instruction.
	Generate(ctx context.Context, prompt, system string) (string, error)

	// Embed returns a vector representation of the text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EstimateCost returns the estimated cost in USD for the given token count.
	EstimateCost(tokens int) float64

	// Available reports whether the backend can serve requests.
	Available() bool
}

// New returns an HTTP-backed client when an endpoint is configured, and the
// deterministic offline fallback otherwise.
func New(endpoint, model, apiKey string, costPer1K float64, logger zerolog.Logger) Client {
	if endpoint == "" {
		logger.Info().Msg("no textgen endpoint configured, using offline fallback")
		return NewOffline()
	}
	return NewHTTPClient(endpoint, model, apiKey, costPer1K, logger)
}

// EstimateTokens gives a conservative token count estimate at 3 chars per
// token, rounding up. Conservative keeps multilingual text and code under
// model context limits.
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	const charsPerToken = 3
	return (len(text) + charsPerToken - 1) / charsPerToken
}

// Truncate caps text to maxTokens, keeping the first 20% and last 50% of the
// budget. Both the initial context and the most recent content survive.
func Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 || EstimateTokens(text) <= maxTokens {
		return text
	}
	maxChars := maxTokens * 3
	keepFirst := maxChars * 20 / 100
	keepLast := maxChars * 50 / 100
	if len(text) <= keepFirst+keepLast {
		return text
	}
	return fmt.Sprintf("%s\n[... truncated ...]\n%s", text[:keepFirst], text[len(text)-keepLast:])
}
