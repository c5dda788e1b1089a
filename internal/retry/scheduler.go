package retry

import (
	"time"

	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/repository"
)

// Resolve decides the queue entry's next state after a retryable call outcome.
// The retry count is tracked per UTC calendar day: crossing midnight resets it
// lazily, on the next resolution rather than by a sweep job.
//
// The count is incremented first and then compared against the daily cap, so
// an entry in max_retries_reached always carries retry_count >= the cap.
func Resolve(entry domain.QueueEntry, policy domain.RetryPolicy, errorMessage *string, now time.Time) repository.QueueResolution {
	today := dayOf(now)

	count := entry.RetryCount
	if entry.RetryDay == nil || !dayOf(*entry.RetryDay).Equal(today) {
		count = 0
	}
	count++

	maxDaily := policy.MaxDailyRetries
	if maxDaily <= 0 {
		maxDaily = 3
	}

	res := repository.QueueResolution{
		EntryID:      entry.ID,
		RetryCount:   count,
		RetryDay:     &today,
		ErrorMessage: errorMessage,
	}

	if count >= maxDaily {
		res.Status = domain.QueueStatusMaxRetriesReached
		return res
	}

	next := now.Add(Backoff(policy, count))
	res.Status = domain.QueueStatusRetryPending
	res.NextRetryAt = &next
	return res
}

func dayOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
