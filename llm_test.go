package worlds

import (
	"context"
	"sync"
	"testing"
	"time"
)

// flakyStreamProvider emits chunks and then fails, tracking attempts.
type flakyStreamProvider struct {
	mu       sync.Mutex
	attempts int
	chunks   []string
	err      error
}

func (p *flakyStreamProvider) Name() string { return "flaky" }

func (p *flakyStreamProvider) Chat(ctx context.Context, req ChatRequest) (LLMResponse, error) {
	return LLMResponse{Kind: KindText}, nil
}

func (p *flakyStreamProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk ChunkFunc) (LLMResponse, error) {
	p.mu.Lock()
	p.attempts++
	p.mu.Unlock()
	for _, c := range p.chunks {
		onChunk(c)
	}
	return LLMResponse{}, p.err
}

func (p *flakyStreamProvider) attemptCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

func TestCallStreamDoesNotRetryAfterFirstChunk(t *testing.T) {
	p := &flakyStreamProvider{
		chunks: []string{"partial "},
		err:    &ProviderError{Provider: "flaky", Status: 500, Message: "connection reset"},
	}
	caller := NewLLMCaller(p)

	var got string
	_, err := caller.CallStream(context.Background(), ChatRequest{Model: "m"}, func(delta string) {
		got += delta
	})
	if err == nil {
		t.Fatal("CallStream() error = nil, want failure")
	}
	// A transient failure would normally retry, but chunks already reached
	// the observer path.
	if n := p.attemptCount(); n != 1 {
		t.Errorf("attempts = %d, want 1 after mid-stream failure", n)
	}
	if got != "partial " {
		t.Errorf("observed chunks = %q, want %q", got, "partial ")
	}
}

func TestCallStreamRetriesCleanConnectFailure(t *testing.T) {
	// No chunk was emitted, so the connect failure is retried like any
	// transient fault.
	calls := 0
	p := &funcProvider{
		name: "p",
		stream: func(ctx context.Context, req ChatRequest, onChunk ChunkFunc) (LLMResponse, error) {
			calls++
			if calls < 2 {
				return LLMResponse{}, &ProviderError{Provider: "p", Status: 503, Message: "unavailable"}
			}
			onChunk("ok")
			return LLMResponse{Kind: KindText, Content: "ok"}, nil
		},
	}
	caller := NewLLMCaller(p)
	resp, err := caller.CallStream(context.Background(), ChatRequest{Model: "m"}, func(string) {})
	if err != nil {
		t.Fatalf("CallStream() error = %v", err)
	}
	if calls != 2 {
		t.Errorf("attempts = %d, want 2", calls)
	}
	if resp.Content != "ok" {
		t.Errorf("content = %q, want ok", resp.Content)
	}
}

func TestCallWrapsDeadlineAsTimeout(t *testing.T) {
	p := &funcProvider{
		name: "p",
		chat: func(ctx context.Context, req ChatRequest) (LLMResponse, error) {
			<-ctx.Done()
			return LLMResponse{}, ctx.Err()
		},
	}
	caller := NewLLMCaller(p, WithLLMTimeout(20*time.Millisecond))
	_, err := caller.Call(context.Background(), ChatRequest{Model: "m"})
	if _, ok := err.(*TimeoutError); !ok {
		t.Errorf("error = %v (%T), want *TimeoutError", err, err)
	}
}

func TestOllamaToolGate(t *testing.T) {
	var sawTools []ToolDefinition
	p := &funcProvider{
		name: "ollama",
		chat: func(ctx context.Context, req ChatRequest) (LLMResponse, error) {
			sawTools = req.Tools
			return LLMResponse{Kind: KindText}, nil
		},
	}
	caller := NewLLMCaller(p)
	req := ChatRequest{Model: "m", Tools: []ToolDefinition{{Name: "shell_cmd"}}}

	t.Setenv("ENABLE_OLLAMA_TOOLS", "")
	if _, err := caller.Call(context.Background(), req); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if sawTools != nil {
		t.Errorf("tools passed to gated ollama call: %v", sawTools)
	}

	t.Setenv("ENABLE_OLLAMA_TOOLS", "1")
	if _, err := caller.Call(context.Background(), req); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if len(sawTools) != 1 {
		t.Errorf("tools = %v, want the shell_cmd definition", sawTools)
	}
}

// funcProvider adapts closures to the Provider interface.
type funcProvider struct {
	name   string
	chat   func(ctx context.Context, req ChatRequest) (LLMResponse, error)
	stream func(ctx context.Context, req ChatRequest, onChunk ChunkFunc) (LLMResponse, error)
}

func (p *funcProvider) Name() string { return p.name }

func (p *funcProvider) Chat(ctx context.Context, req ChatRequest) (LLMResponse, error) {
	if p.chat == nil {
		return LLMResponse{Kind: KindText}, nil
	}
	return p.chat(ctx, req)
}

func (p *funcProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk ChunkFunc) (LLMResponse, error) {
	if p.stream == nil {
		return LLMResponse{Kind: KindText}, nil
	}
	return p.stream(ctx, req, onChunk)
}
