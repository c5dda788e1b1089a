// Package voiceai implements the provider client against the voice platform's
// HTTP API.
package voiceai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/acme/call-orchestrator/internal/provider"
)

// Client is an HTTP client for the voice platform.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New builds a client with a bounded request timeout.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

type startCallRequest struct {
	AgentID     string            `json:"agent_id"`
	PhoneNumber string            `json:"recipient_phone_number"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type startCallResponse struct {
	ID string `json:"id"`
}

// StartCall asks the platform to place a call and returns its execution id.
func (c *Client) StartCall(ctx context.Context, req provider.StartCallRequest) (provider.StartCallResult, error) {
	body := startCallRequest{
		AgentID:     req.AgentID,
		PhoneNumber: req.PhoneNumber,
		Metadata:    req.Metadata,
	}

	var resp startCallResponse
	if err := c.do(ctx, http.MethodPost, "/v1/calls", body, &resp); err != nil {
		return provider.StartCallResult{}, err
	}
	if resp.ID == "" {
		return provider.StartCallResult{}, &provider.Error{Message: "missing execution id in response", Permanent: false}
	}
	return provider.StartCallResult{ExternalCallID: resp.ID}, nil
}

// StopCall asks the platform to hang up an in-flight call.
func (c *Client) StopCall(ctx context.Context, externalCallID string) error {
	return c.do(ctx, http.MethodPost, "/v1/calls/"+externalCallID+"/stop", nil, nil)
}

type executionResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	TelephonyData struct {
		Duration     int    `json:"duration"`
		RecordingURL string `json:"recording_url"`
	} `json:"telephony_data"`
	Transcript string `json:"transcript"`
}

// GetExecution fetches the provider-side state of a call.
func (c *Client) GetExecution(ctx context.Context, externalCallID string) (provider.Execution, error) {
	var resp executionResponse
	if err := c.do(ctx, http.MethodGet, "/v1/executions/"+externalCallID, nil, &resp); err != nil {
		return provider.Execution{}, err
	}
	return provider.Execution{
		ExternalCallID:  resp.ID,
		Status:          resp.Status,
		DurationSeconds: resp.TelephonyData.Duration,
		RecordingURL:    resp.TelephonyData.RecordingURL,
		Transcript:      resp.Transcript,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var reqBody io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("voiceai: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("voiceai: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Transport failures and timeouts are transient.
		return fmt.Errorf("voiceai: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &provider.Error{
			StatusCode: resp.StatusCode,
			Message:    string(msg),
			Permanent:  permanentStatus(resp.StatusCode),
		}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("voiceai: decode response: %w", err)
		}
	}
	return nil
}

// permanentStatus treats client errors as permanent except rate limiting and
// request timeouts. Server errors are always transient.
func permanentStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusRequestTimeout:
		return false
	}
	return code >= 400 && code < 500
}
