package store

import (
	"context"
	"errors"
	"time"

	"github.com/zedarvates/storycore/internal/reference"
)

// Sentinel errors. Callers branch on these with errors.Is; everything else coming
// out of a store is an I/O failure wrapped around ErrStore.
var (
	// ErrNotFound means the entity referenced by id does not exist. Always a caller
	// error, never swallowed.
	ErrNotFound = errors.New("not found")
	// ErrConflict means a write collided with an existing record and no overwrite
	// was requested.
	ErrConflict = errors.New("conflict")
	// ErrStore wraps persistence I/O failures. No retries happen inside the engine;
	// retry policy belongs to the store implementation.
	ErrStore = errors.New("store failure")
)

// Change describes a successful write, consumed by the score cache for proactive
// invalidation and republished on the notification bus.
type Change struct {
	EntityID   string
	EntityType reference.EntityType
}

// ChangeListener receives change notifications. Listener errors or panics must not
// propagate back into the write that triggered them.
type ChangeListener func(Change)

// ReferenceStore persists the three tiers of the reference hierarchy. Pure CRUD:
// all writes are whole-record replaces, no partial-field patches. Every successful
// Put bumps the record version and notifies registered listeners.
type ReferenceStore interface {
	GetMaster(ctx context.Context, projectID string) (*reference.MasterReferenceSheet, error)
	GetMasterSheet(ctx context.Context, sheetID string) (*reference.MasterReferenceSheet, error)
	PutMaster(ctx context.Context, sheet *reference.MasterReferenceSheet) error
	DeleteMaster(ctx context.Context, projectID string) error

	GetSequence(ctx context.Context, sequenceID string) (*reference.SequenceReferenceSheet, error)
	GetSequenceSheet(ctx context.Context, sheetID string) (*reference.SequenceReferenceSheet, error)
	PutSequence(ctx context.Context, sheet *reference.SequenceReferenceSheet) error
	DeleteSequence(ctx context.Context, sequenceID string) error

	GetShot(ctx context.Context, shotID string) (*reference.ShotReference, error)
	PutShot(ctx context.Context, shot *reference.ShotReference) error
	DeleteShot(ctx context.Context, shotID string) error
	ListShots(ctx context.Context, sequenceSheetID string) ([]reference.ShotReference, error)

	OnChange(fn ChangeListener)
}

// IssueStore is the append-mostly issue log. Issues are immutable except for the
// single Active -> Resolved status transition.
type IssueStore interface {
	InsertIssues(ctx context.Context, issues []reference.ConsistencyIssue) error
	GetIssue(ctx context.Context, id string) (*reference.ConsistencyIssue, error)
	// MarkResolved flips an active issue to resolved. Returns false without error
	// when the issue is missing or already resolved, so resolution stays idempotent.
	MarkResolved(ctx context.Context, id string, strategy reference.ResolutionStrategy, at time.Time) (bool, error)
	ListIssues(ctx context.Context, shotID string, activeOnly bool) ([]reference.ConsistencyIssue, error)
}

// EpisodeStore tracks prior-episode link records, one per distinct episode.
type EpisodeStore interface {
	GetLinkedEpisode(ctx context.Context, projectID, episodeID string) (*reference.LinkedEpisode, error)
	PutLinkedEpisode(ctx context.Context, ep *reference.LinkedEpisode) error
	ListLinkedEpisodes(ctx context.Context, projectID string) ([]reference.LinkedEpisode, error)
}

// UserStore backs API authentication.
type UserStore interface {
	CreateUser(ctx context.Context, email, passwordHash string) error
	GetUserByEmail(ctx context.Context, email string) (id, passwordHash string, err error)
}

// Store is the full persistence surface the service wires together.
type Store interface {
	ReferenceStore
	IssueStore
	EpisodeStore
	UserStore
}
