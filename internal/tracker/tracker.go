package tracker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/zedarvates/storycore/internal/events"
	"github.com/zedarvates/storycore/internal/reference"
	"github.com/zedarvates/storycore/internal/store"
	"github.com/zedarvates/storycore/internal/telemetry"
)

// Tracker owns the issue lifecycle: Active (initial) -> Resolved (terminal).
// Issues are created by the engines, recorded here, and only ever mutated by the
// single resolution transition. A recurring problem is a new issue, never a reopen.
type Tracker struct {
	store store.IssueStore
	bus   *events.Bus
	tel   *telemetry.Telemetry
	index *issueIndex
}

// New builds a tracker. Bus may be nil; search indexing is always on.
func New(st store.IssueStore, bus *events.Bus, tel *telemetry.Telemetry) (*Tracker, error) {
	idx, err := newIssueIndex()
	if err != nil {
		return nil, fmt.Errorf("issue index: %w", err)
	}
	return &Tracker{store: st, bus: bus, tel: tel, index: idx}, nil
}

// Record persists freshly detected issues, enforcing the auto-fixability
// invariant at the door: transition issues are never auto-fixable.
func (t *Tracker) Record(ctx context.Context, issues []reference.ConsistencyIssue) error {
	if len(issues) == 0 {
		return nil
	}
	for i := range issues {
		issues[i].AutoFixable = issues[i].Type != reference.IssueTransition
	}
	if err := t.store.InsertIssues(ctx, issues); err != nil {
		return err
	}
	for _, iss := range issues {
		if err := t.index.add(iss); err != nil {
			log.Printf("[TRACKER] index issue %s: %v", iss.ID, err)
		}
		t.bus.Publish(events.Envelope{
			EventType:  events.EventIssueCreated,
			EntityID:   iss.ID,
			EntityType: string(iss.Type),
			Payload: map[string]interface{}{
				"shot_id":  iss.ShotID,
				"severity": string(iss.Severity),
			},
		})
	}
	return nil
}

// Resolve transitions an issue to its terminal state. Idempotent by design:
// resolving a missing or already-resolved issue is a no-op, not an error, since
// UI retries are expected. The only rejected input is an illegal strategy —
// auto_fix on an issue that is not auto-fixable.
func (t *Tracker) Resolve(ctx context.Context, issueID string, strategy reference.ResolutionStrategy) error {
	if !reference.ValidStrategy(strategy) {
		return fmt.Errorf("unknown resolution strategy %q", strategy)
	}
	iss, err := t.store.GetIssue(ctx, issueID)
	if err != nil {
		// Missing issue: idempotent no-op.
		return nil
	}
	if strategy == reference.ResolveAutoFix && !iss.AutoFixable {
		return fmt.Errorf("issue %s (%s) is not auto-fixable", issueID, iss.Type)
	}
	changed, err := t.store.MarkResolved(ctx, issueID, strategy, time.Now())
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	t.tel.RecordResolution()
	if err := t.index.markResolved(issueID); err != nil {
		log.Printf("[TRACKER] reindex issue %s: %v", issueID, err)
	}
	t.bus.Publish(events.Envelope{
		EventType:  events.EventIssueResolved,
		EntityID:   issueID,
		EntityType: string(iss.Type),
		Payload:    map[string]interface{}{"strategy": string(strategy)},
	})
	return nil
}

// Get returns one issue by id.
func (t *Tracker) Get(ctx context.Context, issueID string) (*reference.ConsistencyIssue, error) {
	return t.store.GetIssue(ctx, issueID)
}

// Active lists unresolved issues, optionally filtered to one shot.
func (t *Tracker) Active(ctx context.Context, shotID string) ([]reference.ConsistencyIssue, error) {
	return t.store.ListIssues(ctx, shotID, true)
}

// History lists every issue ever recorded for a shot, resolved included, in
// creation order. The issue log is append-mostly, so this doubles as an audit trail.
func (t *Tracker) History(ctx context.Context, shotID string) ([]reference.ConsistencyIssue, error) {
	return t.store.ListIssues(ctx, shotID, false)
}
