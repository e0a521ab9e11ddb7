package server

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/zedarvates/storycore/internal/consistency"
	"github.com/zedarvates/storycore/internal/reference"
	"github.com/zedarvates/storycore/internal/store"
	"github.com/zedarvates/storycore/internal/tracker"
)

// Scheduler periodically revalidates shots whose reference tree changed since
// the last pass. Shots become dirty through store change notifications; a pass
// drains the dirty set, re-scores each shot and records fresh issues.
type Scheduler struct {
	Engine  *consistency.Engine
	Tracker *tracker.Tracker
	Stop    chan struct{}
	Rdb     *redis.Client // optional, for the cross-process pass lock
	Cron    string

	mu      sync.Mutex
	dirty   map[string]struct{}
	lastRun time.Time
}

// MarkDirty is the store change listener. Only shot-level changes are queued:
// master and sequence edits surface through fingerprint-composed cache keys on
// the next validation anyway.
func (s *Scheduler) MarkDirty(c store.Change) {
	if c.EntityType != reference.EntityShot {
		return
	}
	s.mu.Lock()
	if s.dirty == nil {
		s.dirty = make(map[string]struct{})
	}
	s.dirty[c.EntityID] = struct{}{}
	s.mu.Unlock()
}

func (s *Scheduler) Start() {
	ticker := time.NewTicker(1 * time.Minute)
	go func() {
		for {
			select {
			case <-s.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

func (s *Scheduler) tick() {
	if !s.due() {
		return
	}
	ctx := context.Background()
	if s.Rdb != nil {
		ok, _ := s.Rdb.SetNX(ctx, "storycore:sched:lock", "1", 2*time.Minute).Result()
		if !ok {
			return
		}
		defer s.Rdb.Del(ctx, "storycore:sched:lock")
	}

	s.mu.Lock()
	batch := s.dirty
	s.dirty = nil
	s.lastRun = time.Now()
	s.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	for shotID := range batch {
		score, issues, err := s.Engine.ValidateShot(ctx, shotID)
		if err != nil {
			log.Printf("[SCHED] revalidate shot %s: %v", shotID, err)
			continue
		}
		if len(issues) > 0 {
			if err := s.Tracker.Record(ctx, issues); err != nil {
				log.Printf("[SCHED] record issues for shot %s: %v", shotID, err)
			}
		}
		if score.Overall < 70 {
			log.Printf("[SCHED] shot %s scored %.0f with %d issues", shotID, score.Overall, len(issues))
		}
	}
}

// due evaluates the configured cron spec against the last pass. Supports
// "@hourly", "@daily" and 5-field cron expressions; an unparsable spec falls
// back to hourly.
func (s *Scheduler) due() bool {
	s.mu.Lock()
	last := s.lastRun
	s.mu.Unlock()
	now := time.Now()
	if last.IsZero() {
		return true
	}
	switch s.Cron {
	case "@daily":
		return now.Sub(last) >= 24*time.Hour
	case "@hourly", "":
		return now.Sub(last) >= time.Hour
	default:
		expr, err := cronexpr.Parse(s.Cron)
		if err != nil {
			return now.Sub(last) >= time.Hour
		}
		return !expr.Next(last).After(now)
	}
}
