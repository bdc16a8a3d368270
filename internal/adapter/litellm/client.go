// Package litellm implements the model provider port against a LiteLLM
// proxy. One client serves every role; the proxy handles upstream routing,
// keys, and cost tracking.
package litellm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/fabrica-dev/fabrica/internal/config"
	"github.com/fabrica-dev/fabrica/internal/domain"
	"github.com/fabrica-dev/fabrica/internal/port/modelprovider"
	"github.com/fabrica-dev/fabrica/internal/resilience"
)

// costHeader is set by the LiteLLM proxy on completion responses.
const costHeader = "x-litellm-response-cost"

// Client talks to a LiteLLM proxy. It implements modelprovider.Provider.
type Client struct {
	baseURL    string
	masterKey  string
	models     map[modelprovider.Role]string
	maxTokens  int
	httpClient *http.Client
	breaker    *resilience.Breaker
}

// NewClient creates a provider client from the models config section.
func NewClient(cfg config.Models) *Client {
	return &Client{
		baseURL:   cfg.URL,
		masterKey: cfg.MasterKey,
		models: map[modelprovider.Role]string{
			modelprovider.RolePlanner:          cfg.Planner,
			modelprovider.RoleCodeGenerator:    cfg.CodeGenerator,
			modelprovider.RoleValidator:        cfg.Validator,
			modelprovider.RoleSecurityAnalyzer: cfg.SecurityAnalyzer,
		},
		maxTokens: cfg.MaxTokens,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
	}
}

// SetBreaker attaches a circuit breaker to all outgoing HTTP calls.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

// chatRequest is the OpenAI-compatible body LiteLLM accepts.
type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete resolves the role to a configured model and runs one chat
// completion. Network faults, 429s, and 5xx responses are transient; an
// unmapped role or any other 4xx is fatal.
func (c *Client) Complete(ctx context.Context, req modelprovider.Request) (*modelprovider.Completion, error) {
	model, ok := c.models[req.Role]
	if !ok || model == "" {
		return nil, fmt.Errorf("no model configured for role %q: %w", req.Role, domain.ErrModelFatal)
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	var messages []chatMessage
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(chatRequest{Model: model, Messages: messages, MaxTokens: maxTokens})
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	data, hdr, err := c.doRequest(ctx, http.MethodPost, "/chat/completions", body)
	if err != nil {
		return nil, err
	}

	var chat chatResponse
	if err := json.Unmarshal(data, &chat); err != nil {
		return nil, fmt.Errorf("unmarshal completion: %w", err)
	}
	if len(chat.Choices) == 0 {
		return nil, fmt.Errorf("completion returned no choices: %w", domain.ErrModelTransient)
	}

	completion := &modelprovider.Completion{
		Text:  chat.Choices[0].Message.Content,
		Model: chat.Model,
		Usage: modelprovider.Usage{
			PromptTokens:     chat.Usage.PromptTokens,
			CompletionTokens: chat.Usage.CompletionTokens,
		},
	}
	if cost := hdr.Get(costHeader); cost != "" {
		if v, err := strconv.ParseFloat(cost, 64); err == nil {
			completion.Usage.CostUSD = v
		}
	}
	return completion, nil
}

// Model represents a configured model in LiteLLM.
type Model struct {
	ModelName string            `json:"model_name"`
	Provider  string            `json:"litellm_provider,omitempty"`
	ModelID   string            `json:"model_id,omitempty"`
	ModelInfo map[string]any    `json:"model_info,omitempty"`
	Params    map[string]string `json:"litellm_params,omitempty"`
}

// ListModels returns all models configured on the proxy.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	resp, _, err := c.doRequest(ctx, http.MethodGet, "/model/info", nil)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}

	var result struct {
		Data []Model `json:"data"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("unmarshal models: %w", err)
	}
	return result.Data, nil
}

// Health checks if the proxy is healthy.
func (c *Client) Health(ctx context.Context) (bool, error) {
	_, _, err := c.doRequest(ctx, http.MethodGet, "/health/liveliness", nil)
	return err == nil, err
}

func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, http.Header, error) {
	var result []byte
	var header http.Header
	call := func() error {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")
		if c.masterKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.masterKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w: %w", err, domain.ErrModelTransient)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w: %w", err, domain.ErrModelTransient)
		}

		if resp.StatusCode >= 400 {
			return classifyStatus(resp.StatusCode, data)
		}

		result = data
		header = resp.Header
		return nil
	}

	if c.breaker != nil {
		if err := c.breaker.Execute(call); err != nil {
			// An open circuit means the proxy has been failing; the caller's
			// transient-retry path handles it like any provider outage.
			if errors.Is(err, resilience.ErrCircuitOpen) {
				return nil, nil, fmt.Errorf("model provider: %w: %w", err, domain.ErrModelTransient)
			}
			return nil, nil, err
		}
		return result, header, nil
	}

	if err := call(); err != nil {
		return nil, nil, err
	}
	return result, header, nil
}

// classifyStatus maps an HTTP error status to the domain error classes the
// engine branches on.
func classifyStatus(status int, body []byte) error {
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("litellm API error %d: %s: %w", status, string(body), domain.ErrModelTransient)
	default:
		return fmt.Errorf("litellm API error %d: %s: %w", status, string(body), domain.ErrModelFatal)
	}
}
