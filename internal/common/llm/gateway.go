// internal/common/llm/gateway.go
package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"bnpl-copilot/internal/common/config"
	httpclient "bnpl-copilot/internal/common/http"
)

const generatePath = "/api/ai/generate"

// GatewayCompleter calls an internal GenAI gateway over HTTP.
type GatewayCompleter struct {
	baseURL     string
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	client      *httpclient.Client
}

func NewGatewayCompleter(cfg config.GenAIConfig) *GatewayCompleter {
	return &GatewayCompleter{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		client: httpclient.NewClient(config.GetDuration(cfg.Timeout)).
			WithRetries(cfg.MaxRetries, 100*time.Millisecond),
	}
}

type generateRequest struct {
	Model       string  `json:"model,omitempty"`
	System      string  `json:"system,omitempty"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

type generateResponse struct {
	Text string `json:"text"`
}

func (g *GatewayCompleter) Complete(ctx context.Context, req Request) (string, error) {
	body := generateRequest{
		Model:       g.model,
		System:      req.System,
		Prompt:      req.Prompt,
		MaxTokens:   g.maxTokens,
		Temperature: g.temperature,
	}
	if req.MaxTokens > 0 {
		body.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		body.Temperature = req.Temperature
	}

	headers := map[string]string{}
	if g.apiKey != "" {
		headers["Authorization"] = "Bearer " + g.apiKey
	}

	var resp generateResponse
	if err := g.client.DoJSON(ctx, http.MethodPost, g.baseURL+generatePath, headers, body, &resp); err != nil {
		return "", classify(ctx, err)
	}
	if strings.TrimSpace(resp.Text) == "" {
		return "", fmt.Errorf("%w: gateway returned no text", ErrEmptyResponse)
	}
	return resp.Text, nil
}
