// Package mock provides an in-memory provider client for local development.
package mock

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/acme/call-orchestrator/internal/provider"
)

// Client fakes the voice platform. Every started call is held in memory so
// GetExecution and StopCall behave consistently within a process.
type Client struct {
	mu         sync.Mutex
	executions map[string]*provider.Execution
}

// New builds an empty mock client.
func New() *Client {
	return &Client{executions: make(map[string]*provider.Execution)}
}

// StartCall records a call and returns a generated execution id.
func (c *Client) StartCall(ctx context.Context, req provider.StartCallRequest) (provider.StartCallResult, error) {
	id := "mock-" + uuid.NewString()

	c.mu.Lock()
	c.executions[id] = &provider.Execution{
		ExternalCallID: id,
		Status:         "queued",
	}
	c.mu.Unlock()

	return provider.StartCallResult{ExternalCallID: id}, nil
}

// StopCall marks a recorded call as stopped.
func (c *Client) StopCall(ctx context.Context, externalCallID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	exec, ok := c.executions[externalCallID]
	if !ok {
		return &provider.Error{StatusCode: 404, Message: "unknown execution", Permanent: true}
	}
	exec.Status = "stopped"
	return nil
}

// GetExecution returns the recorded call state.
func (c *Client) GetExecution(ctx context.Context, externalCallID string) (provider.Execution, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	exec, ok := c.executions[externalCallID]
	if !ok {
		return provider.Execution{}, &provider.Error{StatusCode: 404, Message: "unknown execution", Permanent: true}
	}
	return *exec, nil
}

// SetStatus overrides a recorded execution, handy for demos and tests.
func (c *Client) SetStatus(externalCallID, status string, duration int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if exec, ok := c.executions[externalCallID]; ok {
		exec.Status = status
		exec.DurationSeconds = duration
	}
}
