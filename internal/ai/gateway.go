// Package ai wraps the external language-model completion endpoint. The hub
// treats it as an opaque async call: one prompt in, one reply (or a
// normalized failure) out.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Gateway is the completion interface the hub depends on. Complete relays a
// prompt and returns the reply text. Any transport error, non-2xx response,
// or error field in the response body is returned as a normal error value
// carrying a human-readable message; the hub degrades it into the reply text
// rather than surfacing an error event.
type Gateway interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Config holds the settings for the HTTP completion gateway.
type Config struct {
	Endpoint string        // OpenAI-compatible chat completions URL
	APIKey   string        // bearer token
	Model    string        // model identifier
	Timeout  time.Duration // per-request timeout
}

// DefaultConfig returns the settings for the Groq-hosted model the hub ships
// with.
func DefaultConfig() Config {
	return Config{
		Endpoint: "https://api.groq.com/openai/v1/chat/completions",
		Model:    "llama-3.3-70b-versatile",
		Timeout:  30 * time.Second,
	}
}

// HTTPGateway calls an OpenAI-compatible chat completions API over HTTP.
type HTTPGateway struct {
	config Config
	client *http.Client
}

// NewHTTPGateway creates a gateway with the given configuration. The HTTP
// client timeout doubles as the completion deadline, so a hung endpoint
// surfaces as a failure rather than a stuck handler.
func NewHTTPGateway(config Config) *HTTPGateway {
	return &HTTPGateway{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

// chatRequest is the OpenAI-compatible request body.
type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatResponse covers the two response shapes we care about: a successful
// completion with choices, or a body-level error object.
type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete sends the prompt as a single user message and returns the first
// choice's content.
func (g *HTTPGateway) Complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:    g.config.Model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("ai: failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("ai: failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.config.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ai: completion request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("ai: failed to read response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("ai: failed to decode response (status %d): %w", resp.StatusCode, err)
	}

	// Body-level errors take precedence: providers return them with varying
	// HTTP status codes.
	if parsed.Error != nil {
		return "", fmt.Errorf("ai: %s", parsed.Error.Message)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("ai: completion endpoint returned status %d", resp.StatusCode)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("ai: completion response contained no choices")
	}

	return parsed.Choices[0].Message.Content, nil
}
