package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"mailqueue/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "mailqueue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func enqueueAt(t *testing.T, db *Database, to string, priority models.Priority, at time.Time) int64 {
	t.Helper()
	msg := &models.Message{
		ToAddress:      to,
		FromAddress:    "noreply@example.com",
		Subject:        "hello " + to,
		EncodedMessage: []byte("Subject: hello\r\n\r\nbody\r\n"),
		CreatedAt:      at,
	}
	_, err := db.Enqueue(context.Background(), msg, priority)
	require.NoError(t, err)
	return msg.ID
}

func queuedIDs(entries []models.QueuedMessage) []int64 {
	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.MessageID)
	}
	return ids
}

func TestNew_InvalidPath(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)

	_, err = New("../escape.db")
	assert.Error(t, err)
}

func TestNew_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")

	db, err := New(path)
	require.NoError(t, err)
	id := enqueueAt(t, db, "a@example.com", models.PriorityNormal, baseTime)
	require.NoError(t, db.Close())

	db, err = New(path)
	require.NoError(t, err)
	defer db.Close()

	msg, err := db.GetMessage(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "a@example.com", msg.ToAddress)
}

func TestEnqueue_StoresMessageAndEntry(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	msg := &models.Message{
		ToAddress:      "to@example.com",
		FromAddress:    "from@example.com",
		Subject:        "Report",
		EncodedMessage: []byte("raw\r\nbytes"),
		CreatedAt:      baseTime,
	}
	entry, err := db.Enqueue(ctx, msg, models.PriorityHigh)
	require.NoError(t, err)
	require.NotZero(t, msg.ID)
	assert.Equal(t, msg.ID, entry.MessageID)

	stored, err := db.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, msg.Subject, stored.Subject)
	assert.Equal(t, msg.EncodedMessage, stored.EncodedMessage)
	assert.True(t, baseTime.Equal(stored.CreatedAt))

	queued, err := db.GetQueued(ctx, msg.ID)
	require.NoError(t, err)
	require.NotNil(t, queued)
	assert.Equal(t, models.PriorityHigh, queued.Priority)
	assert.Equal(t, 0, queued.Retries)
	assert.Nil(t, queued.DeferredUntil)
	assert.True(t, baseTime.Equal(queued.QueuedAt))
}

func TestEnqueue_Invalid(t *testing.T) {
	db := setupTestDB(t)

	_, err := db.Enqueue(context.Background(), nil, models.PriorityNormal)
	assert.Error(t, err)

	_, err = db.Enqueue(context.Background(), &models.Message{ToAddress: "a@example.com"}, models.Priority(7))
	assert.Error(t, err)

	entries, err := db.ListQueued(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGetMessage_NotFound(t *testing.T) {
	db := setupTestDB(t)

	msg, err := db.GetMessage(context.Background(), 42)
	assert.NoError(t, err)
	assert.Nil(t, msg)

	entry, err := db.GetQueued(context.Background(), 42)
	assert.NoError(t, err)
	assert.Nil(t, entry)
}

func TestListEligible_Order(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	low := enqueueAt(t, db, "low@example.com", models.PriorityLow, baseTime)
	normalLate := enqueueAt(t, db, "n2@example.com", models.PriorityNormal, baseTime.Add(2*time.Minute))
	normalEarly := enqueueAt(t, db, "n1@example.com", models.PriorityNormal, baseTime.Add(time.Minute))
	high := enqueueAt(t, db, "high@example.com", models.PriorityHigh, baseTime.Add(time.Hour))
	normalTie := enqueueAt(t, db, "n3@example.com", models.PriorityNormal, baseTime.Add(time.Minute))

	entries, err := db.ListEligible(ctx, baseTime.Add(2*time.Hour), nil, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{high, normalEarly, normalTie, normalLate, low}, queuedIDs(entries))

	entries, err = db.ListEligible(ctx, baseTime.Add(2*time.Hour), []int64{high, normalEarly}, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{normalTie, normalLate}, queuedIDs(entries))
}

func TestListEligible_SkipsDeferred(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	a := enqueueAt(t, db, "a@example.com", models.PriorityHigh, baseTime)
	b := enqueueAt(t, db, "b@example.com", models.PriorityNormal, baseTime)

	until := baseTime.Add(10 * time.Minute)
	require.NoError(t, db.UpdateQueued(ctx, &models.QueuedMessage{MessageID: a, Retries: 1, DeferredUntil: &until}, nil))

	entries, err := db.ListEligible(ctx, baseTime.Add(5*time.Minute), nil, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{b}, queuedIDs(entries))

	// deferred_until equal to now is eligible
	entries, err = db.ListEligible(ctx, until, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{a, b}, queuedIDs(entries))
}

func TestUpdateQueued_WritesLogAtomically(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	id := enqueueAt(t, db, "a@example.com", models.PriorityNormal, baseTime)

	until := baseTime.Add(time.Minute)
	err := db.UpdateQueued(ctx, &models.QueuedMessage{MessageID: id, Retries: 1, DeferredUntil: &until},
		&models.LogEntry{MessageID: id, Result: models.ResultDeferred, Date: baseTime, LogMessage: "421 try later"})
	require.NoError(t, err)

	entry, err := db.GetQueued(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, entry.Retries)
	require.NotNil(t, entry.DeferredUntil)
	assert.True(t, until.Equal(*entry.DeferredUntil))

	logs, err := db.ListLog(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.ResultDeferred, logs[0].Result)
	assert.Equal(t, "421 try later", logs[0].LogMessage)
}

func TestUpdateQueued_NotQueuedRollsBack(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	id := enqueueAt(t, db, "a@example.com", models.PriorityNormal, baseTime)
	require.NoError(t, db.DeleteQueued(ctx, id, nil))

	err := db.UpdateQueued(ctx, &models.QueuedMessage{MessageID: id, Retries: 1},
		&models.LogEntry{MessageID: id, Result: models.ResultDeferred})
	assert.True(t, errors.Is(err, ErrNotQueued))

	logs, err := db.ListLog(ctx, id, 0)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestDeleteQueued_KeepsMessage(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	id := enqueueAt(t, db, "a@example.com", models.PriorityNormal, baseTime)

	require.NoError(t, db.DeleteQueued(ctx, id, &models.LogEntry{MessageID: id, Result: models.ResultSent, LogMessage: "sent"}))

	entry, err := db.GetQueued(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, entry)

	msg, err := db.GetMessage(ctx, id)
	require.NoError(t, err)
	assert.NotNil(t, msg)

	err = db.DeleteQueued(ctx, id, &models.LogEntry{MessageID: id, Result: models.ResultSent})
	assert.True(t, errors.Is(err, ErrNotQueued))

	logs, err := db.ListLog(ctx, id, 0)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestListLog_NewestFirst(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	a := enqueueAt(t, db, "a@example.com", models.PriorityNormal, baseTime)
	b := enqueueAt(t, db, "b@example.com", models.PriorityNormal, baseTime)

	until := baseTime.Add(time.Hour)
	require.NoError(t, db.UpdateQueued(ctx, &models.QueuedMessage{MessageID: a, Retries: 1, DeferredUntil: &until},
		&models.LogEntry{MessageID: a, Result: models.ResultDeferred, Date: baseTime}))
	require.NoError(t, db.DeleteQueued(ctx, b, &models.LogEntry{MessageID: b, Result: models.ResultSent, Date: baseTime.Add(time.Minute)}))
	require.NoError(t, db.DeleteQueued(ctx, a, &models.LogEntry{MessageID: a, Result: models.ResultFailed, Date: baseTime.Add(2 * time.Minute)}))

	logs, err := db.ListLog(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, models.ResultFailed, logs[0].Result)
	assert.Equal(t, models.ResultSent, logs[1].Result)
	assert.Equal(t, models.ResultDeferred, logs[2].Result)

	logs, err = db.ListLog(ctx, a, 1)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.ResultFailed, logs[0].Result)
}

func TestRetryDeferred(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	a := enqueueAt(t, db, "a@example.com", models.PriorityNormal, baseTime)
	enqueueAt(t, db, "b@example.com", models.PriorityNormal, baseTime)

	until := baseTime.Add(time.Hour)
	require.NoError(t, db.UpdateQueued(ctx, &models.QueuedMessage{MessageID: a, Retries: 2, DeferredUntil: &until}, nil))

	n, err := db.RetryDeferred(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	entry, err := db.GetQueued(ctx, a)
	require.NoError(t, err)
	assert.Nil(t, entry.DeferredUntil)
	assert.Equal(t, 2, entry.Retries)
}

func TestQueueStats(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	a := enqueueAt(t, db, "a@example.com", models.PriorityHigh, baseTime)
	enqueueAt(t, db, "b@example.com", models.PriorityLow, baseTime)
	enqueueAt(t, db, "c@example.com", models.PriorityLow, baseTime)

	until := baseTime.Add(time.Hour)
	require.NoError(t, db.UpdateQueued(ctx, &models.QueuedMessage{MessageID: a, Retries: 1, DeferredUntil: &until}, nil))

	stats, err := db.QueueStats(ctx, baseTime)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.ByPriority[models.PriorityHigh])
	assert.Equal(t, 2, stats.ByPriority[models.PriorityLow])
	assert.Equal(t, 1, stats.Deferred)

	stats, err = db.QueueStats(ctx, until)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Deferred)
}

func TestCleanupOldRecords(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	old := enqueueAt(t, db, "old@example.com", models.PriorityNormal, baseTime.AddDate(0, 0, -40))
	stillQueued := enqueueAt(t, db, "queued@example.com", models.PriorityNormal, baseTime.AddDate(0, 0, -40))
	recent := enqueueAt(t, db, "recent@example.com", models.PriorityNormal, baseTime.AddDate(0, 0, -1))

	require.NoError(t, db.DeleteQueued(ctx, old, &models.LogEntry{MessageID: old, Result: models.ResultSent, Date: baseTime.AddDate(0, 0, -40)}))
	require.NoError(t, db.DeleteQueued(ctx, recent, &models.LogEntry{MessageID: recent, Result: models.ResultSent, Date: baseTime.AddDate(0, 0, -1)}))

	_, err := db.CleanupOldRecords(ctx, 0, baseTime)
	assert.Error(t, err)

	res, err := db.CleanupOldRecords(ctx, 30, baseTime)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.LogEntries)
	assert.Equal(t, int64(1), res.Messages)

	msg, err := db.GetMessage(ctx, old)
	require.NoError(t, err)
	assert.Nil(t, msg)

	for _, id := range []int64{stillQueued, recent} {
		msg, err := db.GetMessage(ctx, id)
		require.NoError(t, err)
		assert.NotNil(t, msg)
	}
}

func TestBlacklist(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	added, err := db.AddBlacklist(ctx, "a@example.com", baseTime)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = db.AddBlacklist(ctx, "a@example.com", baseTime.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, added)

	_, err = db.AddBlacklist(ctx, "b@example.com", baseTime.Add(time.Minute))
	require.NoError(t, err)

	found, err := db.IsBlacklisted(ctx, "a@example.com")
	require.NoError(t, err)
	assert.True(t, found)

	found, err = db.IsBlacklisted(ctx, "c@example.com")
	require.NoError(t, err)
	assert.False(t, found)

	entries, err := db.ListBlacklist(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "b@example.com", entries[0].Email)
	assert.Equal(t, "a@example.com", entries[1].Email)
	assert.True(t, baseTime.Equal(entries[1].AddedAt))

	removed, err := db.RemoveBlacklist(ctx, "a@example.com")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = db.RemoveBlacklist(ctx, "a@example.com")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestListMessages_CreationOrder(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	second := enqueueAt(t, db, "b@example.com", models.PriorityHigh, baseTime.Add(time.Minute))
	first := enqueueAt(t, db, "a@example.com", models.PriorityLow, baseTime)

	msgs, err := db.ListMessages(ctx, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, first, msgs[0].ID)
	assert.Equal(t, second, msgs[1].ID)
}
