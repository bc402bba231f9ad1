// Package capture is the raw layer: every utterance lands here verbatim
// before anything summarizes or extracts from it. Writes are synchronous;
// a failed insert is the caller's error to deal with.
package capture

import (
	"context"

	"go.uber.org/zap"

	"github.com/pattern-persistence/pps/internal/store"
)

// Service stores and pages raw turns.
type Service struct {
	store  *store.Store
	logger *zap.Logger
}

// New builds the capture service.
func New(st *store.Store, logger *zap.Logger) *Service {
	return &Service{store: st, logger: logger}
}

// Store appends one turn. Duplicate (session_id, external_id) pairs fold
// into the already-stored turn with deduped=true.
func (s *Service) Store(ctx context.Context, in store.TurnInput) (store.Turn, bool, error) {
	turn, deduped, err := s.store.InsertTurn(ctx, in)
	if err != nil {
		return store.Turn{}, false, err
	}
	if deduped {
		s.logger.Debug("Folded duplicate turn",
			zap.Int64("id", turn.ID),
			zap.String("session_id", in.SessionID),
			zap.String("external_id", in.ExternalID))
		return turn, true, nil
	}
	s.logger.Debug("Stored turn",
		zap.Int64("id", turn.ID),
		zap.String("channel", turn.Channel),
		zap.Int("bytes", len(turn.Content)))
	return turn, false, nil
}

// CountUnsummarized is the summarization backlog.
func (s *Service) CountUnsummarized(ctx context.Context) (int, error) {
	return s.store.CountUnsummarized(ctx)
}

// CountUningested is the graph backlog.
func (s *Service) CountUningested(ctx context.Context) (int, error) {
	return s.store.CountUningested(ctx)
}

// FetchUnsummarized pages summarization candidates, oldest first. Turns
// shorter than the floor never show up here.
func (s *Service) FetchUnsummarized(ctx context.Context, limit int) ([]store.Turn, error) {
	return s.store.FetchUnsummarized(ctx, limit)
}

// FetchUningested pages turns the graph pipeline has not claimed yet.
func (s *Service) FetchUningested(ctx context.Context, limit int) ([]store.Turn, error) {
	return s.store.FetchUningested(ctx, limit)
}

// Recent returns the newest turns, newest first.
func (s *Service) Recent(ctx context.Context, limit int) ([]store.Turn, error) {
	return s.store.RecentTurns(ctx, limit)
}
