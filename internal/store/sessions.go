package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pattern-persistence/pps/internal/jsonx"
)

// Session is one terminal session bracket. EndTime is nil while the
// session is open.
type Session struct {
	SessionID string           `json:"session_id"`
	StartTime time.Time        `json:"start_time"`
	EndTime   *time.Time       `json:"end_time,omitempty"`
	CWD       string           `json:"cwd"`
	Metadata  jsonx.RawMessage `json:"metadata"`
}

// StartSession opens a new session and returns its generated id.
func (s *Store) StartSession(ctx context.Context, cwd string, metadata interface{}) (Session, error) {
	meta := "{}"
	if metadata != nil {
		var err error
		meta, err = jsonx.MarshalToString(metadata)
		if err != nil {
			return Session{}, fmt.Errorf("store: encode session metadata: %w", err)
		}
	}
	sess := Session{
		SessionID: uuid.NewString(),
		StartTime: time.Now().UTC(),
		CWD:       cwd,
		Metadata:  jsonx.RawMessage(meta),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO terminal_sessions (session_id, start_time, cwd, metadata)
		VALUES (?, ?, ?, ?)`,
		sess.SessionID, formatTime(sess.StartTime), cwd, meta)
	if err != nil {
		return Session{}, fmt.Errorf("store: start session: %w", err)
	}
	return sess, nil
}

// EndSession stamps end_time on an open session. Ending an already-closed
// or unknown session is an error.
func (s *Store) EndSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE terminal_sessions SET end_time = ? WHERE session_id = ? AND end_time IS NULL",
		formatTime(time.Now()), sessionID)
	if err != nil {
		return fmt.Errorf("store: end session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: end session: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("store: session %q not found or already ended", sessionID)
	}
	return nil
}

// SessionByID looks up one session.
func (s *Store) SessionByID(ctx context.Context, sessionID string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, start_time, end_time, cwd, metadata
		FROM terminal_sessions WHERE session_id = ?`, sessionID)
	return scanSession(row)
}

// RecentSessions returns the newest sessions first.
func (s *Store) RecentSessions(ctx context.Context, limit int) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, start_time, end_time, cwd, metadata
		FROM terminal_sessions ORDER BY start_time DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func scanSession(row rowScanner) (Session, error) {
	var (
		sess      Session
		startTime string
		endTime   sql.NullString
		meta      string
	)
	if err := row.Scan(&sess.SessionID, &startTime, &endTime, &sess.CWD, &meta); err != nil {
		if err == sql.ErrNoRows {
			return Session{}, err
		}
		return Session{}, fmt.Errorf("store: scan session: %w", err)
	}
	sess.StartTime = parseTime(startTime)
	if endTime.Valid {
		t := parseTime(endTime.String)
		sess.EndTime = &t
	}
	sess.Metadata = jsonx.RawMessage(meta)
	return sess, nil
}
