package worlds

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultHITLTimeout bounds how long an option request waits for a human.
const DefaultHITLTimeout = 60 * time.Second

// HITLCoordinator manages pending human-in-the-loop option requests for
// one world. Components call RequestOption and block; the facade routes
// the human's answer in through Respond.
type HITLCoordinator struct {
	worldID string
	bus     *Bus
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]chan HITLResponse
}

// HITLOptionFn configures a coordinator.
type HITLOptionFn func(*HITLCoordinator)

// WithHITLTimeout overrides the 60 s default.
func WithHITLTimeout(d time.Duration) HITLOptionFn {
	return func(c *HITLCoordinator) { c.timeout = d }
}

// WithHITLLogger sets the logger.
func WithHITLLogger(l *slog.Logger) HITLOptionFn {
	return func(c *HITLCoordinator) { c.logger = l }
}

// NewHITLCoordinator creates the coordinator for one world.
func NewHITLCoordinator(worldID string, bus *Bus, opts ...HITLOptionFn) *HITLCoordinator {
	c := &HITLCoordinator{
		worldID: worldID,
		bus:     bus,
		timeout: DefaultHITLTimeout,
		logger:  nopLogger,
		pending: make(map[string]chan HITLResponse),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestOption publishes a hitl_option_request system event and blocks
// until a response arrives, the timeout elapses, or ctx is cancelled.
// Timeout and cancellation resolve with Cancelled set rather than an
// error, so callers can treat an unanswered gate as a decline.
func (c *HITLCoordinator) RequestOption(ctx context.Context, chatID, prompt string, options []HITLOption) (HITLResponse, error) {
	requestID := NewID()
	ch := make(chan HITLResponse, 1)
	c.mu.Lock()
	c.pending[requestID] = ch
	c.mu.Unlock()

	c.bus.Publish(Event{
		Kind:   EventSystem,
		ChatID: chatID,
		System: &SystemPayload{
			EventType: SystemHITLOptionRequest,
			ChatID:    chatID,
			CreatedAt: NowMillis(),
			RequestID: requestID,
			Prompt:    prompt,
			Options:   options,
		},
	})

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		c.remove(requestID)
		c.logger.Info("hitl request timed out", "world_id", c.worldID, "request_id", requestID)
		return HITLResponse{RequestID: requestID, Cancelled: true}, nil
	case <-ctx.Done():
		c.remove(requestID)
		return HITLResponse{RequestID: requestID, Cancelled: true}, nil
	}
}

// Respond resolves a pending request with the chosen option. Unknown or
// already resolved requests fail with INVALID_REQUEST.
func (c *HITLCoordinator) Respond(requestID, optionID string) error {
	c.mu.Lock()
	ch, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.mu.Unlock()
	if !ok {
		return &ValidationError{
			Field:   "requestId",
			Message: "unknown or already resolved request: " + requestID,
			CodeStr: "INVALID_REQUEST",
		}
	}
	ch <- HITLResponse{RequestID: requestID, OptionID: optionID}
	return nil
}

// CancelAll resolves every pending request as cancelled. Called when the
// world is cancelled or deleted.
func (c *HITLCoordinator) CancelAll() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan HITLResponse)
	c.mu.Unlock()
	for id, ch := range pending {
		ch <- HITLResponse{RequestID: id, Cancelled: true}
	}
}

func (c *HITLCoordinator) remove(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}
