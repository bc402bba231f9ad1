package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func newTestCache(t *testing.T) *Tiered {
	t.Helper()
	c, err := NewTiered(Options{MaxCost: 1 << 20, TTL: time.Minute}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewTiered: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestSetGetRoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "recall:startup", []byte("cached payload"))
	c.Wait()

	got, ok := c.Get(ctx, "recall:startup")
	if !ok {
		t.Fatalf("Expected hit after Set")
	}
	if string(got) != "cached payload" {
		t.Errorf("Expected cached payload, got %q", got)
	}
}

func TestGetMissWithoutRedis(t *testing.T) {
	c := newTestCache(t)
	if _, ok := c.Get(context.Background(), "absent"); ok {
		t.Errorf("Expected miss for absent key")
	}
	if s := c.Stats(); s.MemMisses != 1 || s.RedisActive {
		t.Errorf("Expected one memory miss and no redis tier, got %+v", s)
	}
}

func TestDelete(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "k", []byte("v"))
	c.Wait()
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := c.Get(ctx, "k"); ok {
		t.Errorf("Expected miss after delete")
	}
}

func TestGetOrComputeRunsOnce(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	calls := 0
	fn := func() ([]byte, error) {
		calls++
		return []byte("computed"), nil
	}

	first, err := c.GetOrCompute(ctx, "expensive", fn)
	if err != nil {
		t.Fatalf("GetOrCompute: %v", err)
	}
	c.Wait()
	second, err := c.GetOrCompute(ctx, "expensive", fn)
	if err != nil {
		t.Fatalf("GetOrCompute second: %v", err)
	}

	if string(first) != "computed" || string(second) != "computed" {
		t.Errorf("Unexpected values %q / %q", first, second)
	}
	if calls != 1 {
		t.Errorf("Expected 1 compute call, got %d", calls)
	}
}

func TestGetOrComputeErrorNotCached(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	wantErr := errors.New("upstream down")
	if _, err := c.GetOrCompute(ctx, "k", func() ([]byte, error) { return nil, wantErr }); !errors.Is(err, wantErr) {
		t.Fatalf("Expected compute error, got %v", err)
	}
	if _, ok := c.Get(ctx, "k"); ok {
		t.Errorf("Expected failed compute to leave no entry")
	}
}

func TestStatsHitRate(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "a", []byte("1"))
	c.Wait()
	c.Get(ctx, "a")
	c.Get(ctx, "missing")

	s := c.Stats()
	if s.MemHits != 1 || s.MemMisses != 1 {
		t.Errorf("Expected 1 hit / 1 miss, got %+v", s)
	}
	if s.HitRate != 0.5 {
		t.Errorf("Expected hit rate 0.5, got %f", s.HitRate)
	}
}
