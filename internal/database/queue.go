package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"mailqueue/internal/models"

	sq "github.com/Masterminds/squirrel"
)

var queuedColumns = []string{"message_id", "priority", "deferred_until", "retries", "queued_at"}

// queueOrder is the dequeue order: priority, then age, then id as a final tie-break.
var queueOrder = []string{"priority ASC", "queued_at ASC", "message_id ASC"}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanQueued(row rowScanner) (*models.QueuedMessage, error) {
	var (
		entry    models.QueuedMessage
		priority int
		deferred sql.NullTime
	)
	if err := row.Scan(&entry.MessageID, &priority, &deferred, &entry.Retries, &entry.QueuedAt); err != nil {
		return nil, err
	}
	entry.Priority = models.Priority(priority)
	if deferred.Valid {
		t := deferred.Time.UTC()
		entry.DeferredUntil = &t
	}
	entry.QueuedAt = entry.QueuedAt.UTC()
	return &entry, nil
}

func (d *Database) queryQueued(ctx context.Context, builder sq.SelectBuilder) ([]models.QueuedMessage, error) {
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select query: %w", err)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query queued messages: %w", err)
	}
	defer rows.Close()

	var entries []models.QueuedMessage
	for rows.Next() {
		entry, err := scanQueued(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queued message: %w", err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queued messages: %w", err)
	}

	return entries, nil
}

// ListEligible returns queue entries that are not deferred past now, in
// dequeue order. Entries whose ids are in exclude are left out; limit <= 0
// means no limit.
func (d *Database) ListEligible(ctx context.Context, now time.Time, exclude []int64, limit int) ([]models.QueuedMessage, error) {
	builder := d.sb.Select(queuedColumns...).
		From("queued_messages").
		Where(sq.Or{
			sq.Eq{"deferred_until": nil},
			sq.LtOrEq{"deferred_until": formatTime(now)},
		}).
		OrderBy(queueOrder...)
	if len(exclude) > 0 {
		builder = builder.Where(sq.NotEq{"message_id": exclude})
	}
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}

	return d.queryQueued(ctx, builder)
}

// ListQueued returns every queue entry, deferred or not, in dequeue order.
func (d *Database) ListQueued(ctx context.Context) ([]models.QueuedMessage, error) {
	return d.queryQueued(ctx, d.sb.Select(queuedColumns...).From("queued_messages").OrderBy(queueOrder...))
}

// GetQueued returns the queue entry of a message, or nil if it is not queued.
func (d *Database) GetQueued(ctx context.Context, messageID int64) (*models.QueuedMessage, error) {
	query, args, err := d.sb.Select(queuedColumns...).
		From("queued_messages").
		Where(sq.Eq{"message_id": messageID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select query: %w", err)
	}

	entry, err := scanQueued(d.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queued message: %w", err)
	}
	return entry, nil
}

// UpdateQueued stores the retry state of entry and appends logEntry (if not
// nil) in the same transaction.
func (d *Database) UpdateQueued(ctx context.Context, entry *models.QueuedMessage, logEntry *models.LogEntry) error {
	if entry == nil {
		return fmt.Errorf("queue entry cannot be nil")
	}

	return d.withTx(ctx, "update queued message", func(tx *sql.Tx) error {
		query, args, err := d.sb.Update("queued_messages").
			Set("retries", entry.Retries).
			Set("deferred_until", nullableTime(entry.DeferredUntil)).
			Where(sq.Eq{"message_id": entry.MessageID}).
			ToSql()
		if err != nil {
			return fmt.Errorf("failed to build update query: %w", err)
		}
		if err := execAffectingOne(ctx, tx, query, args); err != nil {
			return fmt.Errorf("failed to update queued message %d: %w", entry.MessageID, err)
		}
		return d.insertLog(ctx, tx, logEntry)
	})
}

// DeleteQueued removes the queue entry of a message and appends logEntry (if
// not nil) in the same transaction. The message itself is kept.
func (d *Database) DeleteQueued(ctx context.Context, messageID int64, logEntry *models.LogEntry) error {
	return d.withTx(ctx, "delete queued message", func(tx *sql.Tx) error {
		query, args, err := d.sb.Delete("queued_messages").
			Where(sq.Eq{"message_id": messageID}).
			ToSql()
		if err != nil {
			return fmt.Errorf("failed to build delete query: %w", err)
		}
		if err := execAffectingOne(ctx, tx, query, args); err != nil {
			return fmt.Errorf("failed to delete queued message %d: %w", messageID, err)
		}
		return d.insertLog(ctx, tx, logEntry)
	})
}

// RetryDeferred clears the deferral of every deferred entry so the next pass
// picks them up again. It returns the number of entries changed.
func (d *Database) RetryDeferred(ctx context.Context) (int64, error) {
	query, args, err := d.sb.Update("queued_messages").
		Set("deferred_until", nil).
		Where(sq.NotEq{"deferred_until": nil}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build update query: %w", err)
	}

	var affected int64
	err = retryableDBOperationNoReturn(ctx, func() error {
		res, err := d.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	}, "retry deferred messages")
	if err != nil {
		return 0, fmt.Errorf("failed to retry deferred messages: %w", err)
	}

	return affected, nil
}

// QueueStats counts queued entries per priority and those deferred past now.
func (d *Database) QueueStats(ctx context.Context, now time.Time) (*models.QueueStats, error) {
	query, args, err := d.sb.Select("priority", "COUNT(*)").
		From("queued_messages").
		GroupBy("priority").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build stats query: %w", err)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue stats: %w", err)
	}
	defer rows.Close()

	stats := &models.QueueStats{ByPriority: make(map[models.Priority]int)}
	for rows.Next() {
		var priority, count int
		if err := rows.Scan(&priority, &count); err != nil {
			return nil, fmt.Errorf("failed to scan queue stats: %w", err)
		}
		stats.ByPriority[models.Priority(priority)] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue stats: %w", err)
	}

	query, args, err = d.sb.Select("COUNT(*)").
		From("queued_messages").
		Where(sq.Gt{"deferred_until": formatTime(now)}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build stats query: %w", err)
	}
	if err := d.db.QueryRowContext(ctx, query, args...).Scan(&stats.Deferred); err != nil {
		return nil, fmt.Errorf("failed to count deferred messages: %w", err)
	}

	return stats, nil
}

func execAffectingOne(ctx context.Context, tx *sql.Tx, query string, args []interface{}) error {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotQueued
	}
	return nil
}
