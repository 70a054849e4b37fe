package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Item is one queued request awaiting replay.
type Item struct {
	Seq           int64
	ID            string
	URL           string
	Method        string
	Header        http.Header
	Body          []byte
	Attempts      int
	EnqueuedAt    time.Time
	LastAttemptAt time.Time
	LastError     string
}

const itemColumns = "seq, id, url, method, headers, body, attempts, enqueued_at, last_attempt_at, last_error"

// Insert appends item to the queue and sets its Seq.
func (d *DB) Insert(ctx context.Context, item *Item) error {
	headers, err := json.Marshal(item.Header)
	if err != nil {
		return fmt.Errorf("failed to encode headers: %w", err)
	}
	res, err := d.db.ExecContext(ctx,
		"INSERT INTO pending_sync (id, url, method, headers, body, attempts, enqueued_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		item.ID, item.URL, item.Method, string(headers), item.Body, item.Attempts, item.EnqueuedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert %s: %w", item.ID, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read sequence for %s: %w", item.ID, err)
	}
	item.Seq = seq
	return nil
}

// List returns every queued item in enqueue order.
func (d *DB) List(ctx context.Context) ([]*Item, error) {
	rows, err := d.db.QueryContext(ctx, "SELECT "+itemColumns+" FROM pending_sync ORDER BY seq")
	if err != nil {
		return nil, fmt.Errorf("failed to list pending items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list pending items: %w", err)
	}
	return items, nil
}

// Get retrieves the item with the given id.
func (d *DB) Get(ctx context.Context, id string) (*Item, bool, error) {
	row := d.db.QueryRowContext(ctx, "SELECT "+itemColumns+" FROM pending_sync WHERE id = ?", id)
	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return item, true, nil
}

// Delete removes the item with the given id.
func (d *DB) Delete(ctx context.Context, id string) (bool, error) {
	res, err := d.db.ExecContext(ctx, "DELETE FROM pending_sync WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("failed to delete %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete %s: %w", id, err)
	}
	return n > 0, nil
}

// MarkAttempt records a failed replay in place, keeping the item's position.
func (d *DB) MarkAttempt(ctx context.Context, id string, at time.Time, lastError string) error {
	_, err := d.db.ExecContext(ctx,
		"UPDATE pending_sync SET attempts = attempts + 1, last_attempt_at = ?, last_error = ? WHERE id = ?",
		at.UnixMilli(), lastError, id,
	)
	if err != nil {
		return fmt.Errorf("failed to record attempt for %s: %w", id, err)
	}
	return nil
}

// Count returns the number of queued items.
func (d *DB) Count(ctx context.Context) (int, error) {
	var n int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM pending_sync").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending items: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(s scanner) (*Item, error) {
	var (
		item        Item
		headers     string
		enqueuedAt  int64
		lastAttempt sql.NullInt64
		lastError   sql.NullString
	)
	err := s.Scan(&item.Seq, &item.ID, &item.URL, &item.Method, &headers, &item.Body,
		&item.Attempts, &enqueuedAt, &lastAttempt, &lastError)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan pending item: %w", err)
	}
	if err := json.Unmarshal([]byte(headers), &item.Header); err != nil {
		return nil, fmt.Errorf("failed to decode headers of %s: %w", item.ID, err)
	}
	if item.Header == nil {
		item.Header = http.Header{}
	}
	item.EnqueuedAt = time.UnixMilli(enqueuedAt)
	if lastAttempt.Valid {
		item.LastAttemptAt = time.UnixMilli(lastAttempt.Int64)
	}
	item.LastError = lastError.String
	return &item, nil
}
