package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Message is one turn of a generation conversation
type Message struct {
	Role    string `json:"role" validate:"required,oneof=user assistant"`
	Content string `json:"content" validate:"required"`
}

// GenerateRequest is a proxied generation request from a sandbox
type GenerateRequest struct {
	ScanID      string    `json:"scan_id,omitempty"`
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages" validate:"required,min=1,dive"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// GenerateResponse carries the generated content and the token count the
// usage ledger bills for. TokensUsed may legitimately be zero.
type GenerateResponse struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	TokensUsed   int64  `json:"tokens_used"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// Generator proxies generation requests through the service's own
// provider credentials
type Generator interface {
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)
}

// Config holds provider client configuration
type Config struct {
	BaseURL      string
	APIKey       string
	DefaultModel string
	Timeout      time.Duration
}

// DefaultConfig returns default provider configuration
func DefaultConfig() *Config {
	return &Config{
		BaseURL: "https://api.anthropic.com",
		Timeout: 120 * time.Second,
	}
}

// Client talks to an Anthropic-compatible messages endpoint
type Client struct {
	config     *Config
	httpClient *http.Client
}

// NewClient creates a provider client
func NewClient(config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

type messagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature,omitempty"`
	Messages    []Message `json:"messages"`
}

type messagesResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

// Generate performs one generation call. The returned token count is the
// sum of input and output tokens as reported by the provider.
func (c *Client) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	model := req.Model
	if model == "" {
		model = c.config.DefaultModel
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	body, err := json.Marshal(&messagesRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		Messages:    req.Messages,
	})
	if err != nil {
		return nil, fmt.Errorf("encode generation request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build generation request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.config.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("generation call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("generation call: provider returned %d: %s", resp.StatusCode, detail)
	}

	var out messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode generation response: %w", err)
	}

	var content string
	for _, block := range out.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	return &GenerateResponse{
		Content:      content,
		Model:        out.Model,
		TokensUsed:   out.Usage.InputTokens + out.Usage.OutputTokens,
		FinishReason: out.StopReason,
	}, nil
}
