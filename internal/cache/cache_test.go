package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zedarvates/storycore/internal/reference"
)

func TestKeyComposition(t *testing.T) {
	a := Key("shot-1", "fp1", "fp2")
	b := Key("shot-1", "fp1", "fp2")
	if a != b {
		t.Fatal("same inputs must produce the same key")
	}
	if Key("shot-1", "fp1", "fp3") == a {
		t.Fatal("a changed fingerprint must change the key")
	}
	if Key("shot-2", "fp1", "fp2") == a {
		t.Fatal("a different entity must produce a different key")
	}
	if a[:len("shot-1:")] != "shot-1:" {
		t.Fatalf("the entity id must stay in clear as prefix, got %q", a)
	}
}

func TestMemoryCacheMissThenHit(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()
	calls := 0
	fn := func(context.Context) (reference.ConsistencyScore, error) {
		calls++
		return reference.ConsistencyScore{Overall: 85}, nil
	}

	score, hit, err := c.GetOrCompute(ctx, "k1", time.Minute, fn)
	if err != nil || hit || score.Overall != 85 {
		t.Fatalf("first lookup: score=%v hit=%v err=%v", score, hit, err)
	}
	score, hit, err = c.GetOrCompute(ctx, "k1", time.Minute, fn)
	if err != nil || !hit || score.Overall != 85 {
		t.Fatalf("second lookup must hit: score=%v hit=%v err=%v", score, hit, err)
	}
	if calls != 1 {
		t.Fatalf("compute must run once, ran %d times", calls)
	}
}

func TestMemoryCacheErrorNotCached(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()
	boom := errors.New("provider down")
	calls := 0
	_, _, err := c.GetOrCompute(ctx, "k1", time.Minute, func(context.Context) (reference.ConsistencyScore, error) {
		calls++
		return reference.ConsistencyScore{}, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("compute error must propagate, got %v", err)
	}
	_, hit, err := c.GetOrCompute(ctx, "k1", time.Minute, func(context.Context) (reference.ConsistencyScore, error) {
		calls++
		return reference.ConsistencyScore{Overall: 70}, nil
	})
	if err != nil || hit {
		t.Fatalf("errors must not be cached: hit=%v err=%v", hit, err)
	}
	if calls != 2 {
		t.Fatalf("want 2 compute calls, got %d", calls)
	}
}

func TestMemoryCacheTTLExpiry(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()
	calls := 0
	fn := func(context.Context) (reference.ConsistencyScore, error) {
		calls++
		return reference.ConsistencyScore{Overall: float64(calls)}, nil
	}
	if _, _, err := c.GetOrCompute(ctx, "k1", 10*time.Millisecond, fn); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	score, hit, err := c.GetOrCompute(ctx, "k1", 10*time.Millisecond, fn)
	if err != nil || hit {
		t.Fatalf("expired entry must recompute: hit=%v err=%v", hit, err)
	}
	if score.Overall != 2 {
		t.Fatalf("want recomputed score, got %v", score.Overall)
	}
	if c.Purge() != 0 {
		t.Fatal("recompute must replace the expired entry")
	}
}

func TestMemoryCacheInvalidateByPrefix(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()
	fn := func(context.Context) (reference.ConsistencyScore, error) {
		return reference.ConsistencyScore{Overall: 90}, nil
	}
	for _, key := range []string{Key("shot-1", "a"), Key("shot-1", "b"), Key("shot-2", "a")} {
		if _, _, err := c.GetOrCompute(ctx, key, time.Minute, fn); err != nil {
			t.Fatal(err)
		}
	}
	if n := c.Invalidate(ctx, "shot-1"); n != 2 {
		t.Fatalf("want 2 dropped entries, got %d", n)
	}
	_, hit, _ := c.GetOrCompute(ctx, Key("shot-2", "a"), time.Minute, fn)
	if !hit {
		t.Fatal("other entities must survive invalidation")
	}
	_, hit, _ = c.GetOrCompute(ctx, Key("shot-1", "a"), time.Minute, fn)
	if hit {
		t.Fatal("invalidated keys must recompute")
	}
}
