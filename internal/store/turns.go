package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// MinSummarizableLen excludes trivially short turns ("ok", "y") from
// summarization candidates. They are still stored and still covered when a
// summary range spans them.
const MinSummarizableLen = 10

// Turn is one raw captured message. Append-only; only the scheduler writes
// summary_id and graphiti_batch_id after creation.
type Turn struct {
	ID         int64     `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	Channel    string    `json:"channel"`
	AuthorName string    `json:"author_name"`
	IsOwn      bool      `json:"is_own_utterance"`
	Content    string    `json:"content"`
	SessionID  string    `json:"session_id,omitempty"`
	ExternalID string    `json:"external_id,omitempty"`
	SummaryID  *int64    `json:"summary_id,omitempty"`
	BatchID    *int64    `json:"graphiti_batch_id,omitempty"`
}

// TurnInput carries the caller-supplied fields of a new turn.
type TurnInput struct {
	Content    string
	AuthorName string
	Channel    string
	IsOwn      bool
	SessionID  string
	ExternalID string
}

const turnColumns = "id, created_at, channel, author_name, is_lyra, content, session_id, external_id, summary_id, graphiti_batch_id"

// InsertTurn appends one turn. When ExternalID is set and the same
// (session_id, external_id) pair already exists, the stored turn is
// returned with deduped=true and nothing is written.
func (s *Store) InsertTurn(ctx context.Context, in TurnInput) (Turn, bool, error) {
	if in.Content == "" {
		return Turn{}, false, fmt.Errorf("store: turn content must not be empty")
	}
	if in.Channel == "" {
		in.Channel = "unknown"
	}

	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (created_at, channel, author_name, is_lyra, content, session_id, external_id)
		VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''))
		ON CONFLICT (session_id, external_id) WHERE external_id IS NOT NULL AND external_id != '' DO NOTHING`,
		now, in.Channel, in.AuthorName, boolToInt(in.IsOwn), in.Content, in.SessionID, in.ExternalID)
	if err != nil {
		return Turn{}, false, fmt.Errorf("store: insert turn: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return Turn{}, false, fmt.Errorf("store: insert turn: %w", err)
	}
	if affected == 0 {
		existing, err := s.turnByExternal(ctx, in.SessionID, in.ExternalID)
		if err != nil {
			return Turn{}, false, err
		}
		return existing, true, nil
	}

	id, err := res.LastInsertId()
	if err != nil {
		return Turn{}, false, fmt.Errorf("store: insert turn: %w", err)
	}
	t, err := s.TurnByID(ctx, id)
	return t, false, err
}

func (s *Store) turnByExternal(ctx context.Context, sessionID, externalID string) (Turn, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+turnColumns+" FROM messages WHERE session_id = ? AND external_id = ?",
		sessionID, externalID)
	t, err := scanTurn(row)
	if err != nil {
		return Turn{}, fmt.Errorf("store: lookup deduped turn: %w", err)
	}
	return t, nil
}

// TurnByID fetches one turn.
func (s *Store) TurnByID(ctx context.Context, id int64) (Turn, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+turnColumns+" FROM messages WHERE id = ?", id)
	t, err := scanTurn(row)
	if err != nil {
		return Turn{}, fmt.Errorf("store: turn %d: %w", id, err)
	}
	return t, nil
}

// CountTurns counts all stored turns.
func (s *Store) CountTurns(ctx context.Context) (int, error) {
	return s.countWhere(ctx, "1=1")
}

// LastTurnID returns the highest turn id, 0 when empty. Recall keys its
// response cache on it so any new turn invalidates cached context.
func (s *Store) LastTurnID(ctx context.Context) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(id), 0) FROM messages").Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: last turn id: %w", err)
	}
	return id, nil
}

// CountUnsummarized is the L2 backlog.
func (s *Store) CountUnsummarized(ctx context.Context) (int, error) {
	return s.countWhere(ctx, "summary_id IS NULL")
}

// CountUningested is the L3 backlog.
func (s *Store) CountUningested(ctx context.Context) (int, error) {
	return s.countWhere(ctx, "graphiti_batch_id IS NULL")
}

func (s *Store) countWhere(ctx context.Context, cond string, args ...interface{}) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages WHERE "+cond, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count messages: %w", err)
	}
	return n, nil
}

// FetchUnsummarized returns summarization candidates oldest-first: turns
// with no summary and content long enough to be worth summarizing.
func (s *Store) FetchUnsummarized(ctx context.Context, limit int) ([]Turn, error) {
	return s.queryTurns(ctx, `
		SELECT `+turnColumns+` FROM messages
		WHERE summary_id IS NULL AND length(content) >= ?
		ORDER BY id LIMIT ?`, MinSummarizableLen, limit)
}

// FetchUningested returns the oldest turns not yet claimed by any graph
// batch.
func (s *Store) FetchUningested(ctx context.Context, limit int) ([]Turn, error) {
	return s.queryTurns(ctx, `
		SELECT `+turnColumns+` FROM messages
		WHERE graphiti_batch_id IS NULL
		ORDER BY id LIMIT ?`, limit)
}

// RecentTurns returns the newest turns, newest first.
func (s *Store) RecentTurns(ctx context.Context, limit int) ([]Turn, error) {
	return s.queryTurns(ctx,
		"SELECT "+turnColumns+" FROM messages ORDER BY id DESC LIMIT ?", limit)
}

// TurnsSince returns turns created at or after ts, oldest first.
func (s *Store) TurnsSince(ctx context.Context, ts time.Time, limit int) ([]Turn, error) {
	return s.queryTurns(ctx, `
		SELECT `+turnColumns+` FROM messages
		WHERE created_at >= ? ORDER BY id LIMIT ?`, formatTime(ts), limit)
}

// TurnsAfterLastSummary pages through turns newer than the last summary's
// end marker, oldest first.
func (s *Store) TurnsAfterLastSummary(ctx context.Context, limit, offset int) ([]Turn, error) {
	return s.queryTurns(ctx, `
		SELECT `+turnColumns+` FROM messages
		WHERE id > (SELECT COALESCE(MAX(end_message_id), 0) FROM message_summaries)
		ORDER BY id LIMIT ? OFFSET ?`, limit, offset)
}

// TurnsInRange returns turns with start <= id <= end, oldest first.
func (s *Store) TurnsInRange(ctx context.Context, start, end int64) ([]Turn, error) {
	return s.queryTurns(ctx, `
		SELECT `+turnColumns+` FROM messages
		WHERE id >= ? AND id <= ? ORDER BY id`, start, end)
}

// ActiveChannels lists distinct channels seen since ts.
func (s *Store) ActiveChannels(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT channel FROM messages WHERE created_at >= ? ORDER BY channel",
		formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("store: active channels: %w", err)
	}
	defer rows.Close()

	var channels []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		channels = append(channels, c)
	}
	return channels, rows.Err()
}

func (s *Store) queryTurns(ctx context.Context, query string, args ...interface{}) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query turns: %w", err)
	}
	return scanTurns(rows)
}

func scanTurns(rows *sql.Rows) ([]Turn, error) {
	defer rows.Close()
	var turns []Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTurn(row rowScanner) (Turn, error) {
	var (
		t         Turn
		createdAt string
		isOwn     int
		session   sql.NullString
		external  sql.NullString
		summaryID sql.NullInt64
		batchID   sql.NullInt64
	)
	err := row.Scan(&t.ID, &createdAt, &t.Channel, &t.AuthorName, &isOwn,
		&t.Content, &session, &external, &summaryID, &batchID)
	if err != nil {
		return Turn{}, err
	}
	t.CreatedAt = parseTime(createdAt)
	t.IsOwn = isOwn != 0
	t.SessionID = session.String
	t.ExternalID = external.String
	if summaryID.Valid {
		t.SummaryID = &summaryID.Int64
	}
	if batchID.Valid {
		t.BatchID = &batchID.Int64
	}
	return t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
