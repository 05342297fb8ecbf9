package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"mailqueue/internal/models"

	sq "github.com/Masterminds/squirrel"
)

var messageColumns = []string{"id", "to_address", "from_address", "subject", "encoded_message", "created_at"}

// Enqueue stores msg and its queue entry in one transaction. msg.ID is set on
// success and msg.CreatedAt defaults to the current time.
func (d *Database) Enqueue(ctx context.Context, msg *models.Message, priority models.Priority) (*models.QueuedMessage, error) {
	if msg == nil {
		return nil, fmt.Errorf("message cannot be nil")
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("invalid priority %d", int(priority))
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	entry := &models.QueuedMessage{
		Priority: priority,
		QueuedAt: msg.CreatedAt.UTC(),
	}

	err := d.withTx(ctx, "enqueue message", func(tx *sql.Tx) error {
		query, args, err := d.sb.Insert("messages").
			Columns("to_address", "from_address", "subject", "encoded_message", "created_at").
			Values(msg.ToAddress, msg.FromAddress, msg.Subject, msg.EncodedMessage, formatTime(msg.CreatedAt)).
			ToSql()
		if err != nil {
			return fmt.Errorf("failed to build insert query: %w", err)
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read message id: %w", err)
		}

		query, args, err = d.sb.Insert("queued_messages").
			Columns("message_id", "priority", "retries", "queued_at").
			Values(id, int(priority), 0, formatTime(entry.QueuedAt)).
			ToSql()
		if err != nil {
			return fmt.Errorf("failed to build insert query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to queue message: %w", err)
		}

		msg.ID = id
		entry.MessageID = id
		return nil
	})
	if err != nil {
		return nil, err
	}

	return entry, nil
}

// GetMessage returns the stored message, or nil if it does not exist.
func (d *Database) GetMessage(ctx context.Context, id int64) (*models.Message, error) {
	query, args, err := d.sb.Select(messageColumns...).
		From("messages").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select query: %w", err)
	}

	var msg models.Message
	err = d.db.QueryRowContext(ctx, query, args...).Scan(
		&msg.ID,
		&msg.ToAddress,
		&msg.FromAddress,
		&msg.Subject,
		&msg.EncodedMessage,
		&msg.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	return &msg, nil
}

// ListMessages returns stored messages in creation order, oldest first.
func (d *Database) ListMessages(ctx context.Context, limit int) ([]models.Message, error) {
	builder := d.sb.Select(messageColumns...).
		From("messages").
		OrderBy("created_at ASC", "id ASC")
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select query: %w", err)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(&msg.ID, &msg.ToAddress, &msg.FromAddress, &msg.Subject, &msg.EncodedMessage, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	return messages, nil
}
