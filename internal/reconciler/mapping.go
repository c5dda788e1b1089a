package reconciler

import (
	"strings"

	"github.com/acme/call-orchestrator/internal/domain"
)

// statusVocab is the single authoritative table translating provider status
// vocabulary into the closed internal enum. Provider strings must never be
// interpreted anywhere else; adding a synonym means adding a row here.
var statusVocab = map[string]domain.CallStatus{
	"queued":    domain.CallStatusQueued,
	"initiated": domain.CallStatusInitiated,
	"ringing":   domain.CallStatusRinging,

	"in-progress": domain.CallStatusInProgress,
	"in_progress": domain.CallStatusInProgress,
	"ongoing":     domain.CallStatusInProgress,

	"completed": domain.CallStatusCompleted,
	"ended":     domain.CallStatusCompleted,

	"busy": domain.CallStatusBusy,

	"no-answer": domain.CallStatusNoAnswer,
	"no_answer": domain.CallStatusNoAnswer,

	"canceled":  domain.CallStatusCanceled,
	"cancelled": domain.CallStatusCanceled,

	"failed": domain.CallStatusFailed,
	"error":  domain.CallStatusFailed,

	"disconnected":      domain.CallStatusDisconnected,
	"call_disconnected": domain.CallStatusDisconnected,
	"stopped":           domain.CallStatusDisconnected,
}

// MapStatus normalizes a raw provider status. The second return is false for
// vocabulary the table does not know.
func MapStatus(raw string) (domain.CallStatus, bool) {
	status, ok := statusVocab[strings.ToLower(strings.TrimSpace(raw))]
	return status, ok
}

// WebhookPayload is the provider's call-status delivery. The provider has
// shipped the execution id under both "id" and "call_id" across API versions,
// so both are accepted.
type WebhookPayload struct {
	ID            string `json:"id"`
	CallID        string `json:"call_id"`
	Status        string `json:"status"`
	TelephonyData struct {
		Duration     int    `json:"duration"`
		RecordingURL string `json:"recording_url"`
	} `json:"telephony_data"`
	Transcript   string `json:"transcript"`
	ErrorMessage string `json:"error_message"`
}

// ExternalCallID returns the execution id, preferring the primary field.
func (p WebhookPayload) ExternalCallID() string {
	if p.ID != "" {
		return p.ID
	}
	return p.CallID
}
