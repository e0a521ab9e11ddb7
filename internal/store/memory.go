package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zedarvates/storycore/internal/reference"
)

// Memory is an in-memory Store used by tests and embedded deployments. Semantics
// match the postgres implementation: whole-record replace, monotonic versions,
// change notification on every successful Put.
type Memory struct {
	mu sync.RWMutex

	masters        map[string]*reference.MasterReferenceSheet // keyed by project id
	mastersBySheet map[string]string                          // sheet id -> project id
	sequences      map[string]*reference.SequenceReferenceSheet
	seqBySheet     map[string]string // sheet id -> sequence id
	shots          map[string]*reference.ShotReference
	issues         map[string]*reference.ConsistencyIssue
	issueOrder     []string
	episodes       map[string]*reference.LinkedEpisode // keyed by projectID/episodeID
	users          map[string]memUser                  // keyed by email

	listenerMu sync.RWMutex
	listeners  []ChangeListener
}

type memUser struct {
	id   string
	hash string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		masters:        map[string]*reference.MasterReferenceSheet{},
		mastersBySheet: map[string]string{},
		sequences:      map[string]*reference.SequenceReferenceSheet{},
		seqBySheet:     map[string]string{},
		shots:          map[string]*reference.ShotReference{},
		issues:         map[string]*reference.ConsistencyIssue{},
		episodes:       map[string]*reference.LinkedEpisode{},
		users:          map[string]memUser{},
	}
}

// OnChange registers a listener invoked after every successful Put.
func (m *Memory) OnChange(fn ChangeListener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Memory) notify(c Change) {
	m.listenerMu.RLock()
	fns := make([]ChangeListener, len(m.listeners))
	copy(fns, m.listeners)
	m.listenerMu.RUnlock()
	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[STORE] change listener panic: %v", r)
				}
			}()
			fn(c)
		}()
	}
}

// clone round-trips through JSON so callers never share memory with the store.
func clone[T any](v *T) *T {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	out := new(T)
	if err := json.Unmarshal(b, out); err != nil {
		return v
	}
	return out
}

func (m *Memory) GetMaster(ctx context.Context, projectID string) (*reference.MasterReferenceSheet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sheet, ok := m.masters[projectID]
	if !ok {
		return nil, fmt.Errorf("master sheet for project %s: %w", projectID, ErrNotFound)
	}
	return clone(sheet), nil
}

func (m *Memory) GetMasterSheet(ctx context.Context, sheetID string) (*reference.MasterReferenceSheet, error) {
	m.mu.RLock()
	projectID, ok := m.mastersBySheet[sheetID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("master sheet %s: %w", sheetID, ErrNotFound)
	}
	return m.GetMaster(ctx, projectID)
}

func (m *Memory) PutMaster(ctx context.Context, sheet *reference.MasterReferenceSheet) error {
	if sheet.ID == "" {
		sheet.ID = uuid.NewString()
	}
	m.mu.Lock()
	now := time.Now().UTC()
	if prev, ok := m.masters[sheet.ProjectID]; ok {
		sheet.CreatedAt = prev.CreatedAt
		sheet.Version = prev.Version + 1
	} else {
		sheet.CreatedAt = now
		sheet.Version = 1
	}
	sheet.UpdatedAt = now
	m.masters[sheet.ProjectID] = clone(sheet)
	m.mastersBySheet[sheet.ID] = sheet.ProjectID
	m.mu.Unlock()
	m.notify(Change{EntityID: sheet.ProjectID, EntityType: reference.EntityMaster})
	return nil
}

func (m *Memory) DeleteMaster(ctx context.Context, projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sheet, ok := m.masters[projectID]
	if !ok {
		return fmt.Errorf("master sheet for project %s: %w", projectID, ErrNotFound)
	}
	delete(m.mastersBySheet, sheet.ID)
	delete(m.masters, projectID)
	return nil
}

func (m *Memory) GetSequence(ctx context.Context, sequenceID string) (*reference.SequenceReferenceSheet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sheet, ok := m.sequences[sequenceID]
	if !ok {
		return nil, fmt.Errorf("sequence sheet for sequence %s: %w", sequenceID, ErrNotFound)
	}
	return clone(sheet), nil
}

func (m *Memory) GetSequenceSheet(ctx context.Context, sheetID string) (*reference.SequenceReferenceSheet, error) {
	m.mu.RLock()
	sequenceID, ok := m.seqBySheet[sheetID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("sequence sheet %s: %w", sheetID, ErrNotFound)
	}
	return m.GetSequence(ctx, sequenceID)
}

func (m *Memory) PutSequence(ctx context.Context, sheet *reference.SequenceReferenceSheet) error {
	if sheet.ID == "" {
		sheet.ID = uuid.NewString()
	}
	m.mu.Lock()
	// Linking a sequence to a nonexistent master is a caller error.
	if _, ok := m.mastersBySheet[sheet.MasterSheetID]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("master sheet %s: %w", sheet.MasterSheetID, ErrNotFound)
	}
	now := time.Now().UTC()
	if prev, ok := m.sequences[sheet.SequenceID]; ok {
		sheet.CreatedAt = prev.CreatedAt
		sheet.Version = prev.Version + 1
	} else {
		sheet.CreatedAt = now
		sheet.Version = 1
	}
	sheet.UpdatedAt = now
	m.sequences[sheet.SequenceID] = clone(sheet)
	m.seqBySheet[sheet.ID] = sheet.SequenceID
	m.mu.Unlock()
	m.notify(Change{EntityID: sheet.SequenceID, EntityType: reference.EntitySequence})
	return nil
}

func (m *Memory) DeleteSequence(ctx context.Context, sequenceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sheet, ok := m.sequences[sequenceID]
	if !ok {
		return fmt.Errorf("sequence sheet for sequence %s: %w", sequenceID, ErrNotFound)
	}
	delete(m.seqBySheet, sheet.ID)
	delete(m.sequences, sequenceID)
	return nil
}

func (m *Memory) GetShot(ctx context.Context, shotID string) (*reference.ShotReference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	shot, ok := m.shots[shotID]
	if !ok {
		return nil, fmt.Errorf("shot reference for shot %s: %w", shotID, ErrNotFound)
	}
	return clone(shot), nil
}

func (m *Memory) PutShot(ctx context.Context, shot *reference.ShotReference) error {
	if shot.ID == "" {
		shot.ID = uuid.NewString()
	}
	m.mu.Lock()
	if _, ok := m.seqBySheet[shot.SequenceSheetID]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("sequence sheet %s: %w", shot.SequenceSheetID, ErrNotFound)
	}
	now := time.Now().UTC()
	if prev, ok := m.shots[shot.ShotID]; ok {
		shot.CreatedAt = prev.CreatedAt
		shot.Version = prev.Version + 1
	} else {
		shot.CreatedAt = now
		shot.Version = 1
	}
	shot.UpdatedAt = now
	m.shots[shot.ShotID] = clone(shot)
	m.mu.Unlock()
	m.notify(Change{EntityID: shot.ShotID, EntityType: reference.EntityShot})
	return nil
}

func (m *Memory) DeleteShot(ctx context.Context, shotID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.shots[shotID]; !ok {
		return fmt.Errorf("shot reference for shot %s: %w", shotID, ErrNotFound)
	}
	delete(m.shots, shotID)
	return nil
}

func (m *Memory) ListShots(ctx context.Context, sequenceSheetID string) ([]reference.ShotReference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []reference.ShotReference
	for _, shot := range m.shots {
		if shot.SequenceSheetID == sequenceSheetID {
			out = append(out, *clone(shot))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (m *Memory) InsertIssues(ctx context.Context, issues []reference.ConsistencyIssue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range issues {
		iss := issues[i]
		m.issues[iss.ID] = clone(&iss)
		m.issueOrder = append(m.issueOrder, iss.ID)
	}
	return nil
}

func (m *Memory) GetIssue(ctx context.Context, id string) (*reference.ConsistencyIssue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	iss, ok := m.issues[id]
	if !ok {
		return nil, fmt.Errorf("issue %s: %w", id, ErrNotFound)
	}
	return clone(iss), nil
}

func (m *Memory) MarkResolved(ctx context.Context, id string, strategy reference.ResolutionStrategy, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	iss, ok := m.issues[id]
	if !ok || iss.Resolved() {
		return false, nil
	}
	resolvedAt := at.UTC()
	iss.ResolvedAt = &resolvedAt
	iss.Resolution = strategy
	return true, nil
}

func (m *Memory) ListIssues(ctx context.Context, shotID string, activeOnly bool) ([]reference.ConsistencyIssue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []reference.ConsistencyIssue
	for _, id := range m.issueOrder {
		iss := m.issues[id]
		if shotID != "" && iss.ShotID != shotID {
			continue
		}
		if activeOnly && iss.Resolved() {
			continue
		}
		out = append(out, *clone(iss))
	}
	return out, nil
}

func episodeKey(projectID, episodeID string) string { return projectID + "/" + episodeID }

func (m *Memory) GetLinkedEpisode(ctx context.Context, projectID, episodeID string) (*reference.LinkedEpisode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ep, ok := m.episodes[episodeKey(projectID, episodeID)]
	if !ok {
		return nil, fmt.Errorf("linked episode %s: %w", episodeID, ErrNotFound)
	}
	return clone(ep), nil
}

func (m *Memory) PutLinkedEpisode(ctx context.Context, ep *reference.LinkedEpisode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.episodes[episodeKey(ep.ProjectID, ep.EpisodeID)] = clone(ep)
	return nil
}

func (m *Memory) ListLinkedEpisodes(ctx context.Context, projectID string) ([]reference.LinkedEpisode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []reference.LinkedEpisode
	for _, ep := range m.episodes {
		if ep.ProjectID == projectID {
			out = append(out, *clone(ep))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EpisodeID < out[j].EpisodeID })
	return out, nil
}

func (m *Memory) CreateUser(ctx context.Context, email, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[email]; ok {
		return fmt.Errorf("user %s: %w", email, ErrConflict)
	}
	m.users[email] = memUser{id: uuid.NewString(), hash: passwordHash}
	return nil
}

func (m *Memory) GetUserByEmail(ctx context.Context, email string) (string, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[email]
	if !ok {
		return "", "", fmt.Errorf("user %s: %w", email, ErrNotFound)
	}
	return u.id, u.hash, nil
}
