package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zedarvates/storycore/internal/reference"
)

func seedTree(t *testing.T, m *Memory) (*reference.MasterReferenceSheet, *reference.SequenceReferenceSheet, *reference.ShotReference) {
	t.Helper()
	ctx := context.Background()
	master := &reference.MasterReferenceSheet{ProjectID: "proj-1"}
	if err := m.PutMaster(ctx, master); err != nil {
		t.Fatalf("PutMaster: %v", err)
	}
	seq := &reference.SequenceReferenceSheet{SequenceID: "seq-1", MasterSheetID: master.ID}
	if err := m.PutSequence(ctx, seq); err != nil {
		t.Fatalf("PutSequence: %v", err)
	}
	shot := &reference.ShotReference{ShotID: "shot-1", SequenceSheetID: seq.ID, Order: 1}
	if err := m.PutShot(ctx, shot); err != nil {
		t.Fatalf("PutShot: %v", err)
	}
	return master, seq, shot
}

func TestMemoryMasterRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	master, _, _ := seedTree(t, m)

	got, err := m.GetMaster(ctx, "proj-1")
	if err != nil {
		t.Fatalf("GetMaster: %v", err)
	}
	if got.ID != master.ID || got.Version != 1 {
		t.Fatalf("unexpected sheet: %+v", got)
	}

	bySheet, err := m.GetMasterSheet(ctx, master.ID)
	if err != nil {
		t.Fatalf("GetMasterSheet: %v", err)
	}
	if bySheet.ProjectID != "proj-1" {
		t.Fatalf("sheet lookup returned wrong project: %+v", bySheet)
	}

	if _, err := m.GetMaster(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing project must be ErrNotFound, got %v", err)
	}
}

func TestMemoryVersionBumpsOnReplace(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	master, _, _ := seedTree(t, m)

	update := &reference.MasterReferenceSheet{ID: master.ID, ProjectID: "proj-1",
		Style: reference.GlobalStyleSheet{ArtStyle: "noir"}}
	if err := m.PutMaster(ctx, update); err != nil {
		t.Fatalf("PutMaster update: %v", err)
	}
	got, _ := m.GetMaster(ctx, "proj-1")
	if got.Version != 2 {
		t.Fatalf("version must bump on replace, got %d", got.Version)
	}
	if got.Style.ArtStyle != "noir" {
		t.Fatal("replace must be whole-record")
	}
	if !got.CreatedAt.Equal(master.CreatedAt) {
		t.Fatal("created timestamp must survive replacement")
	}
}

func TestMemoryParentChecks(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	seq := &reference.SequenceReferenceSheet{SequenceID: "seq-x", MasterSheetID: "ghost"}
	if err := m.PutSequence(ctx, seq); !errors.Is(err, ErrNotFound) {
		t.Fatalf("sequence with missing master must fail, got %v", err)
	}

	shot := &reference.ShotReference{ShotID: "shot-x", SequenceSheetID: "ghost"}
	if err := m.PutShot(ctx, shot); !errors.Is(err, ErrNotFound) {
		t.Fatalf("shot with missing sequence sheet must fail, got %v", err)
	}
}

func TestMemoryChangeNotificationsCarryBusinessIDs(t *testing.T) {
	m := NewMemory()
	var changes []Change
	m.OnChange(func(c Change) { changes = append(changes, c) })
	seedTree(t, m)

	if len(changes) != 3 {
		t.Fatalf("want 3 changes, got %d", len(changes))
	}
	want := []Change{
		{EntityID: "proj-1", EntityType: reference.EntityMaster},
		{EntityID: "seq-1", EntityType: reference.EntitySequence},
		{EntityID: "shot-1", EntityType: reference.EntityShot},
	}
	for i, c := range changes {
		if c != want[i] {
			t.Fatalf("change %d = %+v, want %+v", i, c, want[i])
		}
	}
}

func TestMemoryListenerPanicIsContained(t *testing.T) {
	m := NewMemory()
	m.OnChange(func(Change) { panic("boom") })
	if err := m.PutMaster(context.Background(), &reference.MasterReferenceSheet{ProjectID: "p"}); err != nil {
		t.Fatalf("a panicking listener must not fail the write: %v", err)
	}
}

func TestMemoryCloneIsolation(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedTree(t, m)

	got, _ := m.GetMaster(ctx, "proj-1")
	got.Characters = append(got.Characters, reference.CharacterAppearanceSheet{CharacterID: "intruder"})
	again, _ := m.GetMaster(ctx, "proj-1")
	if len(again.Characters) != 0 {
		t.Fatal("mutating a returned sheet must not touch the store")
	}
}

func TestMemoryListShotsOrdered(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_, seq, _ := seedTree(t, m)
	for i, id := range []string{"shot-3", "shot-2"} {
		if err := m.PutShot(ctx, &reference.ShotReference{ShotID: id, SequenceSheetID: seq.ID, Order: 3 - i}); err != nil {
			t.Fatalf("PutShot %s: %v", id, err)
		}
	}
	shots, err := m.ListShots(ctx, seq.ID)
	if err != nil {
		t.Fatalf("ListShots: %v", err)
	}
	if len(shots) != 3 {
		t.Fatalf("want 3 shots, got %d", len(shots))
	}
	for i := 1; i < len(shots); i++ {
		if shots[i].Order < shots[i-1].Order {
			t.Fatal("shots must come back in shot order")
		}
	}
}

func TestMemoryIssueLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	iss := reference.NewIssue(reference.IssueCharacter, reference.SeverityHigh, "shot-1", "hero looks off", []string{"hero"}, "regenerate")
	if err := m.InsertIssues(ctx, []reference.ConsistencyIssue{iss}); err != nil {
		t.Fatalf("InsertIssues: %v", err)
	}

	active, err := m.ListIssues(ctx, "shot-1", true)
	if err != nil || len(active) != 1 {
		t.Fatalf("want 1 active issue, got %d (%v)", len(active), err)
	}

	done, err := m.MarkResolved(ctx, iss.ID, reference.ResolveRegenerate, time.Now())
	if err != nil || !done {
		t.Fatalf("MarkResolved: done=%v err=%v", done, err)
	}
	// Resolution is terminal and idempotent.
	done, err = m.MarkResolved(ctx, iss.ID, reference.ResolveIgnore, time.Now())
	if err != nil || done {
		t.Fatalf("second MarkResolved must be a no-op, done=%v err=%v", done, err)
	}
	got, _ := m.GetIssue(ctx, iss.ID)
	if got.Resolution != reference.ResolveRegenerate {
		t.Fatalf("resolution must not change after the first transition, got %s", got.Resolution)
	}

	active, _ = m.ListIssues(ctx, "shot-1", true)
	if len(active) != 0 {
		t.Fatal("resolved issues must leave the active list")
	}
	history, _ := m.ListIssues(ctx, "shot-1", false)
	if len(history) != 1 {
		t.Fatal("resolved issues must stay in history")
	}
}

func TestMemoryLinkedEpisodes(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	ep := &reference.LinkedEpisode{EpisodeID: "ep-1", ProjectID: "proj-1", Sequences: []string{"seq-1"}}
	if err := m.PutLinkedEpisode(ctx, ep); err != nil {
		t.Fatalf("PutLinkedEpisode: %v", err)
	}
	got, err := m.GetLinkedEpisode(ctx, "proj-1", "ep-1")
	if err != nil || !got.HasSequence("seq-1") {
		t.Fatalf("GetLinkedEpisode: %+v %v", got, err)
	}
	if _, err := m.GetLinkedEpisode(ctx, "proj-1", "ep-2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing link must be ErrNotFound, got %v", err)
	}
	list, _ := m.ListLinkedEpisodes(ctx, "proj-1")
	if len(list) != 1 {
		t.Fatalf("want 1 linked episode, got %d", len(list))
	}
}

func TestMemoryUserConflict(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if err := m.CreateUser(ctx, "a@b.c", "hash"); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := m.CreateUser(ctx, "a@b.c", "hash2"); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate email must be ErrConflict, got %v", err)
	}
	id, hash, err := m.GetUserByEmail(ctx, "a@b.c")
	if err != nil || id == "" || hash != "hash" {
		t.Fatalf("GetUserByEmail: %s %s %v", id, hash, err)
	}
}
