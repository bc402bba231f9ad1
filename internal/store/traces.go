package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pattern-persistence/pps/internal/jsonx"
)

// TraceEvent is one observable step of a background daemon or RPC
// operation. Writes are synchronous with the operation that produced them
// so a trace never claims work that did not happen.
type TraceEvent struct {
	ID         int64            `json:"id"`
	SessionID  string           `json:"session_id,omitempty"`
	DaemonType string           `json:"daemon_type"`
	Timestamp  time.Time        `json:"timestamp"`
	EventType  string           `json:"event_type"`
	EventData  jsonx.RawMessage `json:"event_data"`
	DurationMS int64            `json:"duration_ms"`
}

// RecordTrace appends one trace event. payload may be any
// jsonx-marshalable value; nil records an empty object.
func (s *Store) RecordTrace(ctx context.Context, daemonType, eventType, sessionID string, payload interface{}, duration time.Duration) error {
	data := "{}"
	if payload != nil {
		var err error
		data, err = jsonx.MarshalToString(payload)
		if err != nil {
			return fmt.Errorf("store: encode trace payload: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daemon_traces (session_id, daemon_type, timestamp, event_type, event_data, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, daemonType, formatTime(time.Now()), eventType, data, duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("store: record trace: %w", err)
	}
	return nil
}

// RecentTraces returns the newest trace events first, optionally filtered
// by daemon type.
func (s *Store) RecentTraces(ctx context.Context, daemonType string, limit int) ([]TraceEvent, error) {
	query := `
		SELECT id, session_id, daemon_type, timestamp, event_type, event_data, COALESCE(duration_ms, 0)
		FROM daemon_traces`
	args := []interface{}{}
	if daemonType != "" {
		query += " WHERE daemon_type = ?"
		args = append(args, daemonType)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query traces: %w", err)
	}
	defer rows.Close()

	var out []TraceEvent
	for rows.Next() {
		var (
			ev        TraceEvent
			timestamp string
			data      string
		)
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.DaemonType, &timestamp,
			&ev.EventType, &data, &ev.DurationMS); err != nil {
			return nil, fmt.Errorf("store: scan trace: %w", err)
		}
		ev.Timestamp = parseTime(timestamp)
		ev.EventData = jsonx.RawMessage(data)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// PruneTraces deletes trace events older than cutoff. Returns the number
// removed.
func (s *Store) PruneTraces(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM daemon_traces WHERE timestamp < ?", formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("store: prune traces: %w", err)
	}
	return res.RowsAffected()
}
