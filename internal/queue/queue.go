// Package queue implements the ordered working set of unsent messages on top
// of a Store. It holds no state of its own; every call reads the store so that
// deferrals and removals made by a pass are seen by the next selection.
package queue

import (
	"context"
	"fmt"
	"sort"
	"time"

	"mailqueue/internal/models"
	"mailqueue/internal/retry"
)

// Store is the persistence the queue needs. *database.Database implements it.
type Store interface {
	ListEligible(ctx context.Context, now time.Time, exclude []int64, limit int) ([]models.QueuedMessage, error)
	UpdateQueued(ctx context.Context, entry *models.QueuedMessage, logEntry *models.LogEntry) error
	DeleteQueued(ctx context.Context, messageID int64, logEntry *models.LogEntry) error
}

// Less orders entries by priority, then queue time, then message id.
func Less(a, b models.QueuedMessage) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.QueuedAt.Equal(b.QueuedAt) {
		return a.QueuedAt.Before(b.QueuedAt)
	}
	return a.MessageID < b.MessageID
}

// Sort orders entries in place using Less.
func Sort(entries []models.QueuedMessage) {
	sort.Slice(entries, func(i, j int) bool { return Less(entries[i], entries[j]) })
}

// SelectCandidates returns all entries eligible at now, in dequeue order.
func SelectCandidates(ctx context.Context, store Store, now time.Time) ([]models.QueuedMessage, error) {
	entries, err := store.ListEligible(ctx, now, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to select candidates: %w", err)
	}
	return entries, nil
}

// Next returns the first eligible entry whose message id is not in attempted,
// or nil when none is left.
func Next(ctx context.Context, store Store, now time.Time, attempted []int64) (*models.QueuedMessage, error) {
	entries, err := store.ListEligible(ctx, now, attempted, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to select next entry: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

// Defer records a transient failure: the retry count is incremented, the entry
// becomes eligible again after policy.Delay and a deferred log entry is written
// in the same transaction. entry is updated only if the store accepted it.
func Defer(ctx context.Context, store Store, entry *models.QueuedMessage, now time.Time, policy retry.Policy, detail string) error {
	return deferEntry(ctx, store, entry, now, policy, detail, 1)
}

// Postpone defers an entry that was never handed to the server. It is delayed
// as Defer would delay it, but the retry count is left alone.
func Postpone(ctx context.Context, store Store, entry *models.QueuedMessage, now time.Time, policy retry.Policy, detail string) error {
	return deferEntry(ctx, store, entry, now, policy, detail, 0)
}

func deferEntry(ctx context.Context, store Store, entry *models.QueuedMessage, now time.Time, policy retry.Policy, detail string, increment int) error {
	next := *entry
	next.Retries += increment

	delay := policy.Delay(entry.Retries + 1)
	if delay < 0 {
		delay = 0
	}
	until := now.Add(delay)
	next.DeferredUntil = &until

	logEntry := &models.LogEntry{
		MessageID:  entry.MessageID,
		Result:     models.ResultDeferred,
		Date:       now,
		LogMessage: detail,
	}
	if err := store.UpdateQueued(ctx, &next, logEntry); err != nil {
		return fmt.Errorf("failed to defer message %d: %w", entry.MessageID, err)
	}

	*entry = next
	return nil
}

// Remove resolves an entry: it is deleted and a log entry with the terminal
// result is written in the same transaction.
func Remove(ctx context.Context, store Store, entry *models.QueuedMessage, result models.Result, now time.Time, detail string) error {
	if !result.Terminal() {
		return fmt.Errorf("cannot remove message %d with non-terminal result %s", entry.MessageID, result)
	}

	logEntry := &models.LogEntry{
		MessageID:  entry.MessageID,
		Result:     result,
		Date:       now,
		LogMessage: detail,
	}
	if err := store.DeleteQueued(ctx, entry.MessageID, logEntry); err != nil {
		return fmt.Errorf("failed to remove message %d: %w", entry.MessageID, err)
	}
	return nil
}
