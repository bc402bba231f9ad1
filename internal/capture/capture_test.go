package capture

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/pattern-persistence/pps/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "pps.db"), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Open store failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, zaptest.NewLogger(t))
}

func TestStoreFoldsDuplicateExternalIDs(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	in := store.TurnInput{
		Content:    "deploy finished without incident",
		AuthorName: "dev",
		Channel:    "terminal",
		SessionID:  "sess-1",
		ExternalID: "evt-42",
	}

	first, deduped, err := svc.Store(ctx, in)
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if deduped {
		t.Error("Expected first store to not dedupe")
	}

	second, deduped, err := svc.Store(ctx, in)
	if err != nil {
		t.Fatalf("Replayed store failed: %v", err)
	}
	if !deduped {
		t.Error("Expected replay to dedupe")
	}
	if second.ID != first.ID {
		t.Errorf("Expected folded turn id %d, got %d", first.ID, second.ID)
	}

	n, err := svc.CountUnsummarized(ctx)
	if err != nil {
		t.Fatalf("CountUnsummarized failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 turn after replay, got %d", n)
	}
}

func TestParsePayloadDefaultsChannelFromSubject(t *testing.T) {
	input, err := parsePayload("pps.turns.discord", []byte(`{"content":"hi","author_name":"ana"}`))
	if err != nil {
		t.Fatalf("parsePayload failed: %v", err)
	}
	if input.Channel != "discord" {
		t.Errorf("Expected channel discord, got %q", input.Channel)
	}
}

func TestParsePayloadKeepsExplicitChannel(t *testing.T) {
	input, err := parsePayload("pps.turns.discord", []byte(`{"content":"hi","channel":"voice"}`))
	if err != nil {
		t.Fatalf("parsePayload failed: %v", err)
	}
	if input.Channel != "voice" {
		t.Errorf("Expected channel voice, got %q", input.Channel)
	}
}

func TestParsePayloadRejectsGarbage(t *testing.T) {
	if _, err := parsePayload("pps.turns.x", []byte("not json")); err == nil {
		t.Error("Expected error for malformed payload")
	}
}

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 30 * time.Second},
		{10, 30 * time.Second},
	}
	for _, c := range cases {
		if got := backoffDelay(c.attempt); got != c.want {
			t.Errorf("backoffDelay(%d): expected %v, got %v", c.attempt, c.want, got)
		}
	}
}
