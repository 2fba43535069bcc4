package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/gioruanova/fasttrack-push/internal/model"
)

// MaxStoredNotifications is how many notification center records are kept.
const MaxStoredNotifications = 50

type NotificationStore struct {
	db    *sql.DB
	limit int
}

func NewNotificationStore(db *sql.DB) *NotificationStore {
	return &NotificationStore{db: db, limit: MaxStoredNotifications}
}

// Add appends n and trims the list to the most recent records. It reports
// false when a record with the same id already exists.
func (s *NotificationStore) Add(ctx context.Context, n model.StoredNotification) (bool, error) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin add notification: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`INSERT INTO stored_notifications (id, title, body, path, read, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		n.ID, n.Title, n.Body, n.Path, boolToInt(n.Read), n.Timestamp.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("insert notification: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM stored_notifications WHERE seq NOT IN (
			SELECT seq FROM stored_notifications ORDER BY seq DESC LIMIT ?
		)`, s.limit,
	)
	if err != nil {
		return false, fmt.Errorf("trim notifications: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit add notification: %w", err)
	}
	return true, nil
}

// List returns notifications newest first.
func (s *NotificationStore) List(ctx context.Context) ([]model.StoredNotification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, body, path, read, created_at
		 FROM stored_notifications ORDER BY seq DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []model.StoredNotification
	for rows.Next() {
		var n model.StoredNotification
		var read int
		if err := rows.Scan(&n.ID, &n.Title, &n.Body, &n.Path, &read, &n.Timestamp); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Read = read != 0
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *NotificationStore) MarkRead(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE stored_notifications SET read = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *NotificationStore) MarkAllRead(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE stored_notifications SET read = 1 WHERE read = 0`); err != nil {
		return fmt.Errorf("mark all notifications read: %w", err)
	}
	return nil
}

func (s *NotificationStore) UnreadCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stored_notifications WHERE read = 0`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return count, nil
}

func (s *NotificationStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM stored_notifications`); err != nil {
		return fmt.Errorf("clear notifications: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
