package worlds

import (
	"context"
	"os"
	"time"
)

// ToolDefinition is the provider-facing tool description: a name, a short
// description, and a JSON-schema parameter object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ChatRequest is the unified input to a provider call.
type ChatRequest struct {
	Model       string
	Messages    []AgentMessage
	Tools       []ToolDefinition
	Temperature float64
	MaxTokens   int
	// MessageID identifies the reply being produced; it tags stream chunks.
	MessageID string
}

// ResponseKind discriminates LLMResponse.
type ResponseKind string

const (
	KindText      ResponseKind = "text"
	KindToolCalls ResponseKind = "tool_calls"
)

// LLMResponse is the unified provider output: either final text or a list
// of tool calls. A response containing only invalid tool_use entries
// (empty name) is KindToolCalls with an empty slice, never text, so the
// continuation loop can recognize a zero-effect tool turn.
type LLMResponse struct {
	Kind      ResponseKind
	Content   string
	ToolCalls []ToolCall
}

// ChunkFunc receives streamed content deltas. It must be cheap; the
// subscriber re-emits each chunk through the bus.
type ChunkFunc func(delta string)

// Provider is the capability the call layer consumes. Implementations live
// under provider/ and must never leak provider-specific response objects.
type Provider interface {
	Name() string
	Chat(ctx context.Context, req ChatRequest) (LLMResponse, error)
	ChatStream(ctx context.Context, req ChatRequest, onChunk ChunkFunc) (LLMResponse, error)
}

// DefaultLLMTimeout bounds one provider call including streaming.
const DefaultLLMTimeout = 120 * time.Second

// ollamaToolsEnabled reads ENABLE_OLLAMA_TOOLS per request so runtime
// changes take effect without restart.
func ollamaToolsEnabled() bool {
	v := os.Getenv("ENABLE_OLLAMA_TOOLS")
	return v == "1" || v == "true"
}

// LLMCaller wraps a provider with tool gating, timeout, and retry. One
// caller serves a whole world; it is stateless.
type LLMCaller struct {
	provider Provider
	timeout  time.Duration
	tracer   Tracer
}

// LLMCallerOption configures an LLMCaller.
type LLMCallerOption func(*LLMCaller)

// WithLLMTimeout overrides the default 120 s call deadline.
func WithLLMTimeout(d time.Duration) LLMCallerOption {
	return func(c *LLMCaller) { c.timeout = d }
}

// WithLLMTracer attaches a tracer spanning each provider call.
func WithLLMTracer(t Tracer) LLMCallerOption {
	return func(c *LLMCaller) { c.tracer = t }
}

// NewLLMCaller wraps provider for use by agent subscribers.
func NewLLMCaller(provider Provider, opts ...LLMCallerOption) *LLMCaller {
	c := &LLMCaller{provider: provider, timeout: DefaultLLMTimeout}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// gate strips tool definitions when the provider is ollama and the
// environment flag is not set.
func (c *LLMCaller) gate(req ChatRequest) ChatRequest {
	if c.provider.Name() == "ollama" && !ollamaToolsEnabled() {
		req.Tools = nil
	}
	return req
}

// Call performs a non-streaming chat with retry and the call deadline.
func (c *LLMCaller) Call(ctx context.Context, req ChatRequest) (LLMResponse, error) {
	req = c.gate(req)
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ctx, span := startSpan(ctx, c.tracer, "llm.chat",
		"provider", c.provider.Name(), "model", req.Model)
	resp, err := retryLLM(ctx, func() (LLMResponse, error) {
		return c.provider.Chat(ctx, req)
	})
	endSpan(span, err)
	return resp, wrapTimeout(ctx, err, "llm call")
}

// CallStream performs a streaming chat; chunks flow through onChunk while
// the final unified response is returned. Only the first attempt streams
// chunks to the caller's observer path untouched; retried attempts replay
// from a clean stream because no chunk was emitted on a failed connect.
func (c *LLMCaller) CallStream(ctx context.Context, req ChatRequest, onChunk ChunkFunc) (LLMResponse, error) {
	req = c.gate(req)
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ctx, span := startSpan(ctx, c.tracer, "llm.chat_stream",
		"provider", c.provider.Name(), "model", req.Model)
	started := false
	resp, err := retryLLM(ctx, func() (LLMResponse, error) {
		if started {
			// A stream that already delivered chunks cannot be retried
			// without duplicating observer output.
			return LLMResponse{}, noRetry(&ProviderError{
				Provider: c.provider.Name(), Message: "stream aborted mid-flight"})
		}
		resp, err := c.provider.ChatStream(ctx, req, func(delta string) {
			started = true
			onChunk(delta)
		})
		if err != nil && started {
			return resp, noRetry(err)
		}
		return resp, err
	})
	endSpan(span, err)
	return resp, wrapTimeout(ctx, err, "llm stream")
}

// wrapTimeout converts a deadline-driven failure into TimeoutError while
// leaving cooperative cancellation recognizable.
func wrapTimeout(ctx context.Context, err error, op string) error {
	if err == nil {
		return nil
	}
	if ctx.Err() == context.DeadlineExceeded {
		return &TimeoutError{Op: op}
	}
	return err
}
