package worlds

import (
	"context"
	"errors"
	"fmt"
)

// Error kinds follow the facade contract: every error carries a stable Code
// and a user-facing message. Messages surfaced to adapters are prefixed with
// an HTTP-semantic marker ("404 ", "409 ", "400 ") by the facade.

// NotFoundError reports an absent world, agent, chat, or message.
type NotFoundError struct {
	Kind string // "world", "agent", "chat", "message"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("404 %s not found: %s", e.Kind, e.ID)
}

// Code returns the stable error code for adapters.
func (e *NotFoundError) Code() string {
	switch e.Kind {
	case "message":
		return "MESSAGE_NOT_FOUND"
	case "chat":
		return "CHAT_NOT_FOUND"
	case "agent":
		return "AGENT_NOT_FOUND"
	}
	return "WORLD_NOT_FOUND"
}

// ConflictError reports a duplicate id/name or a violated state precondition.
type ConflictError struct {
	CodeStr string // e.g. "WORLD_EXISTS", "PROCESSING_IN_PROGRESS"
	Message string
}

func (e *ConflictError) Error() string { return "409 " + e.Message }
func (e *ConflictError) Code() string  { return e.CodeStr }

// ValidationError reports a missing or invalid field in an operation payload.
type ValidationError struct {
	Field   string
	Message string
	// CodeStr overrides the default code, e.g. "INVALID_REQUEST".
	CodeStr string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("400 invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Code() string {
	if e.CodeStr != "" {
		return e.CodeStr
	}
	return "VALIDATION_ERROR"
}

// PermissionError reports a working-directory containment violation or an
// inline-script execution attempt.
type PermissionError struct {
	Message string
}

func (e *PermissionError) Error() string { return e.Message }

// ProviderError reports an LLM transport failure. Status carries the HTTP
// status when known (429 rate limit, 401/403 auth, 5xx upstream).
type ProviderError struct {
	Provider   string
	Status     int
	Message    string
	RetryAfter int64 // seconds hinted by the provider, 0 = none
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: http %d: %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// Transient reports whether the failure is worth retrying: rate limits,
// upstream 5xx, and transport-level errors. Auth failures are fatal.
func (e *ProviderError) Transient() bool {
	if e.Status == 401 || e.Status == 403 {
		return false
	}
	return e.Status == 0 || e.Status == 429 || e.Status >= 500
}

// TimeoutError reports an exceeded LLM, tool, or HITL deadline.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string { return "timeout: " + e.Op }

// StorageOp classifies a storage failure.
type StorageOp string

const (
	StorageRead      StorageOp = "read"
	StorageWrite     StorageOp = "write"
	StorageSerialize StorageOp = "serialize"
	StorageCascade   StorageOp = "cascade"
)

// StorageError wraps a backend failure with its operation kind.
type StorageError struct {
	Op  StorageOp
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// CancelledError reports cooperative cancellation at a suspension point.
type CancelledError struct {
	WorldID string
	ChatID  string
}

func (e *CancelledError) Error() string { return "cancelled" }

// IsCancelled reports whether err is (or wraps) a cooperative cancellation,
// including plain context cancellation from a suspension point.
func IsCancelled(err error) bool {
	var c *CancelledError
	return errors.As(err, &c) || errors.Is(err, context.Canceled)
}
