package provider

import (
	"context"
	"errors"
	"fmt"
)

// StartCallRequest carries everything the voice platform needs to place a call.
type StartCallRequest struct {
	PhoneNumber string
	AgentID     string
	Metadata    map[string]string
}

// StartCallResult is the provider's acknowledgement of a placed call.
type StartCallResult struct {
	ExternalCallID string
}

// Execution is the provider-side view of a call, used for stale-call probes.
type Execution struct {
	ExternalCallID  string
	Status          string
	DurationSeconds int
	RecordingURL    string
	Transcript      string
}

// Client talks to the external voice platform. Implementations must bound
// every request with the context deadline.
type Client interface {
	StartCall(ctx context.Context, req StartCallRequest) (StartCallResult, error)
	StopCall(ctx context.Context, externalCallID string) error
	GetExecution(ctx context.Context, externalCallID string) (Execution, error)
}

// Error classifies a provider failure. Permanent failures (rejected numbers,
// bad agent config) end the attempt; everything else is retried.
type Error struct {
	StatusCode int
	Message    string
	Permanent  bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider: %s (status %d)", e.Message, e.StatusCode)
}

// IsPermanent reports whether the attempt should not be retried. Errors that
// are not provider.Error values, timeouts included, count as transient.
func IsPermanent(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Permanent
}
