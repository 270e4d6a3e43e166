package archive

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sentinel/agent/internal/ledger"
)

// Event is one archived ledger mutation.
type Event struct {
	ID       string    `json:"id"`
	Identity string    `json:"identity"`
	RuleID   string    `json:"ruleId,omitempty"`
	Action   string    `json:"action"`
	Count    int       `json:"count,omitempty"`
	At       time.Time `json:"at"`
}

// Filter narrows ListEvents. Zero fields match everything.
type Filter struct {
	Identity string
	Action   string
	Limit    int
}

// Recorder writes and reads the event table. It satisfies ledger.Recorder.
type Recorder struct {
	db *sql.DB
}

func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{db: db}
}

// RecordEvent appends one mutation. Rows are never updated or deleted.
func (r *Recorder) RecordEvent(ctx context.Context, event ledger.Event) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO violation_events (id, identity, rule_id, action, count, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.NewString(), event.Identity, event.RuleID, event.Action, event.Count,
		time.UnixMilli(event.At).UTC())
	if err != nil {
		return fmt.Errorf("insert violation event: %w", err)
	}
	return nil
}

// ListEvents returns archived events, newest first.
func (r *Recorder) ListEvents(ctx context.Context, filter Filter) ([]Event, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, identity, rule_id, action, count, occurred_at
		FROM violation_events
		WHERE ($1 = '' OR identity = $1)
		  AND ($2 = '' OR action = $2)
		ORDER BY occurred_at DESC
		LIMIT $3
	`, filter.Identity, filter.Action, limit)
	if err != nil {
		return nil, fmt.Errorf("query violation events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var event Event
		if err := rows.Scan(&event.ID, &event.Identity, &event.RuleID, &event.Action, &event.Count, &event.At); err != nil {
			return nil, fmt.Errorf("scan violation event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate violation events: %w", err)
	}
	return events, nil
}
