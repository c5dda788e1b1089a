package domain

import (
	"testing"
	"time"
)

func TestIsConnected(t *testing.T) {
	cases := []struct {
		name     string
		status   CallStatus
		duration time.Duration
		want     bool
	}{
		{"completed at threshold", CallStatusCompleted, 45 * time.Second, true},
		{"completed above threshold", CallStatusCompleted, 2 * time.Minute, true},
		{"completed just below threshold", CallStatusCompleted, 44 * time.Second, false},
		{"disconnected above threshold", CallStatusDisconnected, 90 * time.Second, true},
		{"disconnected below threshold", CallStatusDisconnected, 10 * time.Second, false},
		{"busy with long duration", CallStatusBusy, 2 * time.Minute, false},
		{"no answer", CallStatusNoAnswer, time.Hour, false},
		{"failed", CallStatusFailed, time.Hour, false},
		{"canceled", CallStatusCanceled, time.Hour, false},
		{"in progress never connected", CallStatusInProgress, time.Hour, false},
		{"completed zero duration", CallStatusCompleted, 0, false},
	}

	for _, tc := range cases {
		if got := IsConnected(tc.status, tc.duration); got != tc.want {
			t.Errorf("%s: IsConnected(%s, %s) = %v, want %v", tc.name, tc.status, tc.duration, got, tc.want)
		}
	}
}

func TestStatusRanksAreMonotonic(t *testing.T) {
	order := []CallStatus{CallStatusQueued, CallStatusInitiated, CallStatusRinging, CallStatusInProgress}
	for i := 1; i < len(order); i++ {
		if order[i].Rank() <= order[i-1].Rank() {
			t.Errorf("rank of %s (%d) must exceed rank of %s (%d)",
				order[i], order[i].Rank(), order[i-1], order[i-1].Rank())
		}
	}

	terminals := []CallStatus{
		CallStatusCompleted, CallStatusBusy, CallStatusNoAnswer,
		CallStatusCanceled, CallStatusFailed, CallStatusDisconnected,
	}
	for _, s := range terminals {
		if !s.IsTerminal() {
			t.Errorf("%s must be terminal", s)
		}
		if s.Rank() != CallStatusCompleted.Rank() {
			t.Errorf("terminal %s must share the terminal rank", s)
		}
		if s.Rank() <= CallStatusInProgress.Rank() {
			t.Errorf("terminal %s must outrank in_progress", s)
		}
	}

	for _, s := range order {
		if s.IsTerminal() {
			t.Errorf("%s must not be terminal", s)
		}
	}
}

func TestUnknownStatusNeverWins(t *testing.T) {
	if CallStatus("bogus").Rank() != 0 {
		t.Fatalf("unknown status must rank zero")
	}
	if CallStatus("bogus").IsTerminal() {
		t.Fatalf("unknown status must not be terminal")
	}
}

func TestDeriveLeadStatus(t *testing.T) {
	cases := []struct {
		status    CallStatus
		connected bool
		want      LeadStatus
	}{
		{CallStatusCompleted, true, LeadStatusConnected},
		{CallStatusDisconnected, true, LeadStatusConnected},
		{CallStatusNoAnswer, false, LeadStatusNoAnswer},
		{CallStatusBusy, false, LeadStatusBusy},
		{CallStatusCompleted, false, LeadStatusFailed},
		{CallStatusFailed, false, LeadStatusFailed},
		{CallStatusCanceled, false, LeadStatusFailed},
	}

	for _, tc := range cases {
		if got := DeriveLeadStatus(tc.status, tc.connected); got != tc.want {
			t.Errorf("DeriveLeadStatus(%s, %v) = %s, want %s", tc.status, tc.connected, got, tc.want)
		}
	}
}

func TestQueueEntryEligible(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	cases := []struct {
		name  string
		entry QueueEntry
		want  bool
	}{
		{"pending", QueueEntry{Status: QueueStatusPending}, true},
		{"retry due", QueueEntry{Status: QueueStatusRetryPending, NextRetryAt: &past}, true},
		{"retry not due", QueueEntry{Status: QueueStatusRetryPending, NextRetryAt: &future}, false},
		{"retry without timestamp", QueueEntry{Status: QueueStatusRetryPending}, false},
		{"in progress", QueueEntry{Status: QueueStatusInProgress}, false},
		{"completed", QueueEntry{Status: QueueStatusCompleted}, false},
		{"max retries", QueueEntry{Status: QueueStatusMaxRetriesReached}, false},
	}

	for _, tc := range cases {
		if got := tc.entry.Eligible(now); got != tc.want {
			t.Errorf("%s: Eligible = %v, want %v", tc.name, got, tc.want)
		}
	}
}
