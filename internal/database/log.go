package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"mailqueue/internal/models"

	sq "github.com/Masterminds/squirrel"
)

func (d *Database) insertLog(ctx context.Context, tx *sql.Tx, entry *models.LogEntry) error {
	if entry == nil {
		return nil
	}
	if entry.Date.IsZero() {
		entry.Date = time.Now().UTC()
	}

	query, args, err := d.sb.Insert("log_entries").
		Columns("message_id", "result", "date", "log_message").
		Values(entry.MessageID, int(entry.Result), formatTime(entry.Date), entry.LogMessage).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert query: %w", err)
	}

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to insert log entry: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}

// ListLog returns activity log entries, newest first. messageID 0 lists the
// entries of all messages; limit <= 0 means no limit.
func (d *Database) ListLog(ctx context.Context, messageID int64, limit int) ([]models.LogEntry, error) {
	builder := d.sb.Select("id", "message_id", "result", "date", "log_message").
		From("log_entries").
		OrderBy("date DESC", "id DESC")
	if messageID != 0 {
		builder = builder.Where(sq.Eq{"message_id": messageID})
	}
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select query: %w", err)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query log entries: %w", err)
	}
	defer rows.Close()

	var entries []models.LogEntry
	for rows.Next() {
		var (
			entry  models.LogEntry
			result int
		)
		if err := rows.Scan(&entry.ID, &entry.MessageID, &result, &entry.Date, &entry.LogMessage); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		entry.Result = models.Result(result)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating log entries: %w", err)
	}

	return entries, nil
}

// CleanupResult reports what CleanupOldRecords removed.
type CleanupResult struct {
	LogEntries int64
	Messages   int64
}

// CleanupOldRecords deletes log entries older than the retention period and
// messages older than it that are no longer queued. Queued messages are never
// removed, however old.
func (d *Database) CleanupOldRecords(ctx context.Context, retentionDays int, now time.Time) (*CleanupResult, error) {
	if retentionDays <= 0 {
		return nil, fmt.Errorf("retention days must be positive, got %d", retentionDays)
	}
	cutoff := formatTime(now.AddDate(0, 0, -retentionDays))

	result := &CleanupResult{}
	err := d.withTx(ctx, "cleanup old records", func(tx *sql.Tx) error {
		query, args, err := d.sb.Delete("log_entries").
			Where(sq.Lt{"date": cutoff}).
			Where(sq.Expr("message_id NOT IN (SELECT message_id FROM queued_messages)")).
			ToSql()
		if err != nil {
			return fmt.Errorf("failed to build delete query: %w", err)
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to cleanup log entries: %w", err)
		}
		if result.LogEntries, err = res.RowsAffected(); err != nil {
			return err
		}

		query, args, err = d.sb.Delete("messages").
			Where(sq.Lt{"created_at": cutoff}).
			Where(sq.Expr("id NOT IN (SELECT message_id FROM queued_messages)")).
			Where(sq.Expr("id NOT IN (SELECT message_id FROM log_entries)")).
			ToSql()
		if err != nil {
			return fmt.Errorf("failed to build delete query: %w", err)
		}
		res, err = tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to cleanup messages: %w", err)
		}
		result.Messages, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}
