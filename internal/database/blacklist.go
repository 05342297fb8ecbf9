package database

import (
	"context"
	"fmt"
	"time"

	"mailqueue/internal/models"

	sq "github.com/Masterminds/squirrel"
)

// AddBlacklist inserts email (already normalized by the caller). It reports
// false if the address was already present; the original AddedAt is kept.
func (d *Database) AddBlacklist(ctx context.Context, email string, addedAt time.Time) (bool, error) {
	query, args, err := d.sb.Insert("blacklist").
		Options("OR IGNORE").
		Columns("email", "added_at").
		Values(email, formatTime(addedAt)).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build insert query: %w", err)
	}

	var added bool
	err = retryableDBOperationNoReturn(ctx, func() error {
		res, err := d.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		added = n > 0
		return err
	}, "add blacklist entry")
	if err != nil {
		return false, fmt.Errorf("failed to add blacklist entry: %w", err)
	}

	return added, nil
}

// IsBlacklisted reports whether email is present.
func (d *Database) IsBlacklisted(ctx context.Context, email string) (bool, error) {
	query, args, err := d.sb.Select("1").
		From("blacklist").
		Where(sq.Eq{"email": email}).
		Limit(1).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build select query: %w", err)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to check blacklist: %w", err)
	}
	defer rows.Close()

	found := rows.Next()
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("failed to check blacklist: %w", err)
	}
	return found, nil
}

// RemoveBlacklist deletes email and reports whether it was present.
func (d *Database) RemoveBlacklist(ctx context.Context, email string) (bool, error) {
	query, args, err := d.sb.Delete("blacklist").
		Where(sq.Eq{"email": email}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build delete query: %w", err)
	}

	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to remove blacklist entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to remove blacklist entry: %w", err)
	}
	return n > 0, nil
}

// ListBlacklist returns all entries, most recently added first.
func (d *Database) ListBlacklist(ctx context.Context) ([]models.BlacklistEntry, error) {
	query, args, err := d.sb.Select("email", "added_at").
		From("blacklist").
		OrderBy("added_at DESC", "email ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select query: %w", err)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query blacklist: %w", err)
	}
	defer rows.Close()

	var entries []models.BlacklistEntry
	for rows.Next() {
		var entry models.BlacklistEntry
		if err := rows.Scan(&entry.Email, &entry.AddedAt); err != nil {
			return nil, fmt.Errorf("failed to scan blacklist entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating blacklist: %w", err)
	}

	return entries, nil
}
