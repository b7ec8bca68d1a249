package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	worlds "github.com/nivara/worlds"
)

// Provider implements worlds.Provider for any OpenAI-compatible API, using
// the shared helpers in this package (BuildBody, StreamSSE, ParseResponse)
// for body building, streaming, and response parsing.
type Provider struct {
	apiKey  string
	baseURL string
	client  *http.Client
	name    string
	opts    []Option
}

// Compile-time interface check.
var _ worlds.Provider = (*Provider)(nil)

// ProviderOption configures a Provider instance.
type ProviderOption func(*Provider)

// WithName sets the provider name returned by Name() (default "openai").
// The runtime gates tool attachment on the name "ollama".
func WithName(name string) ProviderOption {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient sets a custom HTTP client (e.g. for timeouts or proxies).
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) { p.client = c }
}

// WithOptions appends request-level options (temperature, top_p, etc.)
// applied to every request made by this provider.
func WithOptions(opts ...Option) ProviderOption {
	return func(p *Provider) { p.opts = append(p.opts, opts...) }
}

// NewProvider creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "http://localhost:11434/v1"). The /chat/completions path is appended
// automatically.
func NewProvider(apiKey, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name (default "openai", configurable via WithName).
func (p *Provider) Name() string { return p.name }

// requestOpts merges provider defaults with per-request parameters.
func (p *Provider) requestOpts(req worlds.ChatRequest) []Option {
	opts := make([]Option, len(p.opts), len(p.opts)+2)
	copy(opts, p.opts)
	if req.Temperature != 0 {
		opts = append(opts, WithTemperature(req.Temperature))
	}
	if req.MaxTokens != 0 {
		opts = append(opts, WithMaxTokens(req.MaxTokens))
	}
	return opts
}

// Chat sends a non-streaming chat request and returns the unified response.
func (p *Provider) Chat(ctx context.Context, req worlds.ChatRequest) (worlds.LLMResponse, error) {
	body := BuildBody(req.Messages, req.Tools, req.Model, p.requestOpts(req)...)

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		return worlds.LLMResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return worlds.LLMResponse{}, p.httpErr(resp)
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return worlds.LLMResponse{}, &worlds.ProviderError{
			Provider: p.name, Message: fmt.Sprintf("decode response: %v", err)}
	}
	return ParseResponse(chatResp)
}

// ChatStream streams text deltas into onChunk and returns the final
// accumulated response.
func (p *Provider) ChatStream(ctx context.Context, req worlds.ChatRequest, onChunk worlds.ChunkFunc) (worlds.LLMResponse, error) {
	body := BuildBody(req.Messages, req.Tools, req.Model, p.requestOpts(req)...)
	body.Stream = true
	body.StreamOptions = &StreamOptions{IncludeUsage: true}

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		return worlds.LLMResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return worlds.LLMResponse{}, p.httpErr(resp)
	}
	return StreamSSE(ctx, resp.Body, onChunk)
}

// sendHTTP marshals the request body and posts it to the chat completions
// endpoint.
func (p *Provider) sendHTTP(ctx context.Context, body ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &worlds.ProviderError{
			Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &worlds.ProviderError{
			Provider: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &worlds.ProviderError{Provider: p.name, Message: err.Error()}
	}
	return resp, nil
}

// httpErr reads the response body into a typed error the retry wrapper can
// classify. Parses the Retry-After header when present (429/503).
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &worlds.ProviderError{
		Provider:   p.name,
		Status:     resp.StatusCode,
		Message:    string(body),
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// parseRetryAfter handles the delta-seconds form; the HTTP-date form is
// converted to a delta against now.
func parseRetryAfter(v string) int64 {
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil && secs > 0 {
		return secs
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return int64(d.Seconds())
		}
	}
	return 0
}
