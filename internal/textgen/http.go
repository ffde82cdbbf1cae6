package textgen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// HTTPClient talks to an Ollama-compatible generation API.
type HTTPClient struct {
	endpoint  string
	model     string
	apiKey    string
	costPer1K float64
	client    *http.Client
	logger    zerolog.Logger
}

// NewHTTPClient creates a client for an Ollama-compatible endpoint.
func NewHTTPClient(endpoint, model, apiKey string, costPer1K float64, logger zerolog.Logger) *HTTPClient {
	return &HTTPClient{
		endpoint:  endpoint,
		model:     model,
		apiKey:    apiKey,
		costPer1K: costPer1K,
		client:    &http.Client{Timeout: 60 * time.Second},
		logger:    logger.With().Str("component", "textgen").Logger(),
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	System string `json:"system,omitempty"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Generate produces a completion via the backend.
func (c *HTTPClient) Generate(ctx context.Context, prompt, system string) (string, error) {
	reqBody := generateRequest{
		Model:  c.model,
		Prompt: Truncate(prompt, 2048),
		System: system,
		Stream: false,
	}

	var resp generateResponse
	if err := c.post(ctx, "/api/generate", reqBody, &resp); err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	return resp.Response, nil
}

// Embed returns the backend's vector for the text.
func (c *HTTPClient) Embed(ctx context.Context, text string) ([]float32, error) {
	reqBody := embedRequest{
		Model:  c.model,
		Prompt: Truncate(text, 512),
	}

	var resp embedResponse
	if err := c.post(ctx, "/api/embeddings", reqBody, &resp); err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("embed: backend returned empty vector")
	}
	return resp.Embedding, nil
}

// EstimateCost returns the estimated cost in USD for the given token count.
func (c *HTTPClient) EstimateCost(tokens int) float64 {
	return float64(tokens) / 1000.0 * c.costPer1K
}

// Available reports whether the backend is configured.
func (c *HTTPClient) Available() bool {
	return c.endpoint != ""
}

func (c *HTTPClient) post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, string(payload))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
