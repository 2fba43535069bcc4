package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/gioruanova/fasttrack-push/internal/model"
)

type DecisionStore struct {
	db *sql.DB
}

func NewDecisionStore(db *sql.DB) *DecisionStore {
	return &DecisionStore{db: db}
}

// Get returns the stored decision for userID, or DecisionUndecided.
func (s *DecisionStore) Get(ctx context.Context, userID string) (model.Decision, error) {
	var d string
	err := s.db.QueryRowContext(ctx,
		`SELECT decision FROM notification_decisions WHERE user_id = ?`, userID,
	).Scan(&d)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DecisionUndecided, nil
	}
	if err != nil {
		return model.DecisionUndecided, fmt.Errorf("get notification decision: %w", err)
	}
	return model.Decision(d), nil
}

// Set upserts the decision for userID. Undecided clears it.
func (s *DecisionStore) Set(ctx context.Context, userID string, d model.Decision) error {
	if d == model.DecisionUndecided {
		_, err := s.db.ExecContext(ctx, `DELETE FROM notification_decisions WHERE user_id = ?`, userID)
		if err != nil {
			return fmt.Errorf("clear notification decision: %w", err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_decisions (user_id, decision, decided_at)
		 VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(user_id) DO UPDATE SET decision = excluded.decision, decided_at = excluded.decided_at`,
		userID, string(d),
	)
	if err != nil {
		return fmt.Errorf("set notification decision: %w", err)
	}
	return nil
}
