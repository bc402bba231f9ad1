package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pattern-persistence/pps/internal/jsonx"
)

// Batch statuses. A batch is born in_flight because the claim transaction
// that creates it also marks its turns; pending never hits the table.
const (
	BatchInFlight = "in_flight"
	BatchComplete = "complete"
	BatchFailed   = "failed"
)

// Batch records one ingestion attempt over a claimed set of turns.
type Batch struct {
	ID            int64     `json:"id"`
	CreatedAt     time.Time `json:"created_at"`
	Status        string    `json:"status"`
	TurnRange     string    `json:"turn_range"`
	Channels      []string  `json:"channels"`
	ErrorCategory string    `json:"error_category,omitempty"`
}

// ClaimGraphBatch atomically claims up to limit uningested turns for one
// ingestion attempt. The insert of the batch row and the marking of the
// turns happen in a single transaction, so two concurrent claimers can
// never receive the same turn. Returns sql.ErrNoRows when the backlog is
// empty.
func (s *Store) ClaimGraphBatch(ctx context.Context, limit int) (Batch, []Turn, error) {
	if limit <= 0 {
		return Batch{}, nil, fmt.Errorf("store: claim limit must be positive, got %d", limit)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Batch{}, nil, fmt.Errorf("store: begin claim tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO graphiti_batches (created_at, status, turn_range, channels)
		VALUES (?, ?, '', '[]')`, formatTime(now), BatchInFlight)
	if err != nil {
		return Batch{}, nil, fmt.Errorf("store: insert batch: %w", err)
	}
	batchID, err := res.LastInsertId()
	if err != nil {
		return Batch{}, nil, fmt.Errorf("store: insert batch: %w", err)
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE messages SET graphiti_batch_id = ?
		WHERE id IN (
			SELECT id FROM messages
			WHERE graphiti_batch_id IS NULL
			ORDER BY id
			LIMIT ?
		)`, batchID, limit)
	if err != nil {
		return Batch{}, nil, fmt.Errorf("store: claim turns: %w", err)
	}
	claimed, err := res.RowsAffected()
	if err != nil {
		return Batch{}, nil, fmt.Errorf("store: claim turns: %w", err)
	}
	if claimed == 0 {
		// Nothing to ingest; roll the empty batch row back.
		return Batch{}, nil, sql.ErrNoRows
	}

	rows, err := tx.QueryContext(ctx,
		"SELECT "+turnColumns+" FROM messages WHERE graphiti_batch_id = ? ORDER BY id", batchID)
	if err != nil {
		return Batch{}, nil, fmt.Errorf("store: read claimed turns: %w", err)
	}
	turns, err := scanTurns(rows)
	if err != nil {
		return Batch{}, nil, err
	}

	turnRange := fmt.Sprintf("%d-%d", turns[0].ID, turns[len(turns)-1].ID)
	channels := channelSet(turns)
	channelsJSON, err := jsonx.MarshalToString(channels)
	if err != nil {
		return Batch{}, nil, err
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE graphiti_batches SET turn_range = ?, channels = ? WHERE id = ?",
		turnRange, channelsJSON, batchID); err != nil {
		return Batch{}, nil, fmt.Errorf("store: stamp batch range: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Batch{}, nil, fmt.Errorf("store: commit claim: %w", err)
	}

	return Batch{
		ID:        batchID,
		CreatedAt: now.UTC(),
		Status:    BatchInFlight,
		TurnRange: turnRange,
		Channels:  channels,
	}, turns, nil
}

// CompleteBatch marks a batch as successfully ingested. The turns keep
// their graphiti_batch_id as a permanent ingestion marker.
func (s *Store) CompleteBatch(ctx context.Context, batchID int64) error {
	return s.setBatchStatus(ctx, batchID, BatchComplete, "")
}

// FailBatch marks a batch failed with its error category. Transient
// categories are expected to be retried by releasing the turns.
func (s *Store) FailBatch(ctx context.Context, batchID int64, category string) error {
	return s.setBatchStatus(ctx, batchID, BatchFailed, category)
}

func (s *Store) setBatchStatus(ctx context.Context, batchID int64, status, category string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE graphiti_batches SET status = ?, error_category = ? WHERE id = ?",
		status, category, batchID)
	if err != nil {
		return fmt.Errorf("store: set batch %d status: %w", batchID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: set batch %d status: %w", batchID, err)
	}
	if n == 0 {
		return fmt.Errorf("store: batch %d not found", batchID)
	}
	return nil
}

// ReleaseBatchTurns clears the ingestion marker on every turn of a batch,
// returning them to the backlog for a later claim.
func (s *Store) ReleaseBatchTurns(ctx context.Context, batchID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE messages SET graphiti_batch_id = NULL WHERE graphiti_batch_id = ?", batchID)
	if err != nil {
		return 0, fmt.Errorf("store: release batch %d: %w", batchID, err)
	}
	return res.RowsAffected()
}

// ReleaseTurns clears the ingestion marker on specific turns of a batch.
// Used when a partial ingestion succeeded for the rest.
func (s *Store) ReleaseTurns(ctx context.Context, batchID int64, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, batchID)
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE messages SET graphiti_batch_id = NULL WHERE graphiti_batch_id = ? AND id IN ("+placeholders(len(ids))+")",
		args...)
	if err != nil {
		return 0, fmt.Errorf("store: release turns from batch %d: %w", batchID, err)
	}
	return res.RowsAffected()
}

// BatchByID looks up one batch.
func (s *Store) BatchByID(ctx context.Context, batchID int64) (Batch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, status, turn_range, channels, COALESCE(error_category, '')
		FROM graphiti_batches WHERE id = ?`, batchID)
	return scanBatch(row)
}

// RecentBatches returns the newest batches first, optionally filtered by
// status.
func (s *Store) RecentBatches(ctx context.Context, status string, limit int) ([]Batch, error) {
	query := `
		SELECT id, created_at, status, turn_range, channels, COALESCE(error_category, '')
		FROM graphiti_batches`
	args := []interface{}{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query batches: %w", err)
	}
	defer rows.Close()

	var out []Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// IngestionStats summarizes backlog depth and batch outcomes.
type IngestionStats struct {
	TotalTurns      int            `json:"total_turns"`
	UningestedTurns int            `json:"uningested_turns"`
	BatchesByStatus map[string]int `json:"batches_by_status"`
	LastBatchAt     *time.Time     `json:"last_batch_at,omitempty"`
}

// Stats gathers ingestion counters for status surfaces.
func (s *Store) Stats(ctx context.Context) (IngestionStats, error) {
	stats := IngestionStats{BatchesByStatus: map[string]int{}}

	var err error
	if stats.TotalTurns, err = s.CountTurns(ctx); err != nil {
		return stats, err
	}
	if stats.UningestedTurns, err = s.CountUningested(ctx); err != nil {
		return stats, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM graphiti_batches GROUP BY status")
	if err != nil {
		return stats, fmt.Errorf("store: batch stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return stats, fmt.Errorf("store: scan batch stats: %w", err)
		}
		stats.BatchesByStatus[status] = n
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	var last sql.NullString
	if err := s.db.QueryRowContext(ctx,
		"SELECT MAX(created_at) FROM graphiti_batches").Scan(&last); err != nil {
		return stats, fmt.Errorf("store: last batch time: %w", err)
	}
	if last.Valid {
		t := parseTime(last.String)
		stats.LastBatchAt = &t
	}
	return stats, nil
}

// ResetIngestionMarkers clears graphiti_batch_id on every turn and removes
// all batch rows, forcing a full re-ingestion. Destructive; offered only
// through the maintenance CLI.
func (s *Store) ResetIngestionMarkers(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin reset tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"UPDATE messages SET graphiti_batch_id = NULL WHERE graphiti_batch_id IS NOT NULL")
	if err != nil {
		return 0, fmt.Errorf("store: reset markers: %w", err)
	}
	cleared, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: reset markers: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM graphiti_batches"); err != nil {
		return 0, fmt.Errorf("store: clear batches: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit reset: %w", err)
	}
	return cleared, nil
}

// ClearMarkersInRange clears ingestion markers on turns in [startID, endID]
// so a specific window can be replayed.
func (s *Store) ClearMarkersInRange(ctx context.Context, startID, endID int64) (int64, error) {
	if endID < startID {
		return 0, fmt.Errorf("store: marker range %d-%d is inverted", startID, endID)
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE messages SET graphiti_batch_id = NULL WHERE id >= ? AND id <= ?",
		startID, endID)
	if err != nil {
		return 0, fmt.Errorf("store: clear marker range: %w", err)
	}
	return res.RowsAffected()
}

func scanBatch(row rowScanner) (Batch, error) {
	var (
		b         Batch
		createdAt string
		channels  string
	)
	if err := row.Scan(&b.ID, &createdAt, &b.Status, &b.TurnRange, &channels, &b.ErrorCategory); err != nil {
		if err == sql.ErrNoRows {
			return Batch{}, err
		}
		return Batch{}, fmt.Errorf("store: scan batch: %w", err)
	}
	b.CreatedAt = parseTime(createdAt)
	if err := jsonx.UnmarshalFromString(channels, &b.Channels); err != nil {
		b.Channels = nil
	}
	return b, nil
}

func channelSet(turns []Turn) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range turns {
		if t.Channel == "" || seen[t.Channel] {
			continue
		}
		seen[t.Channel] = true
		out = append(out, t.Channel)
	}
	if out == nil {
		out = []string{}
	}
	return out
}
