package episode

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/zedarvates/storycore/internal/reference"
	"github.com/zedarvates/storycore/internal/similarity"
	"github.com/zedarvates/storycore/internal/store"
)

// seedEpisodes builds the current project (proj-2 with sequence seq-1) and a
// prior episode ep-1, itself a project with its own master sheet.
func seedEpisodes(t *testing.T, st *store.Memory) {
	t.Helper()
	ctx := context.Background()

	prior := &reference.MasterReferenceSheet{
		ProjectID: "ep-1",
		Characters: []reference.CharacterAppearanceSheet{
			{CharacterID: "hero", CharacterName: "Hero", Images: []reference.AppearanceImage{{URL: "ep1-hero.png", ViewType: reference.ViewFront}}},
		},
		Locations: []reference.LocationAppearanceSheet{
			{LocationID: "castle", LocationName: "Castle", Images: []reference.ReferenceImage{{URL: "ep1-castle.png", Weight: 1, Source: reference.SourceGenerated}}},
		},
		Style: reference.GlobalStyleSheet{ArtStyle: "watercolor", ColorPalette: []string{"#123"}, LightingStyle: "soft"},
	}
	if err := st.PutMaster(ctx, prior); err != nil {
		t.Fatalf("PutMaster prior: %v", err)
	}

	current := &reference.MasterReferenceSheet{
		ProjectID: "proj-2",
		Characters: []reference.CharacterAppearanceSheet{
			{CharacterID: "hero", CharacterName: "Hero", Images: []reference.AppearanceImage{{URL: "ep2-hero.png", ViewType: reference.ViewFront}}},
			{CharacterID: "newcomer", CharacterName: "Newcomer", Images: []reference.AppearanceImage{{URL: "ep2-newcomer.png", ViewType: reference.ViewFront}}},
		},
		Style: reference.GlobalStyleSheet{ArtStyle: "gouache"},
	}
	if err := st.PutMaster(ctx, current); err != nil {
		t.Fatalf("PutMaster current: %v", err)
	}
	seq := &reference.SequenceReferenceSheet{
		SequenceID:          "seq-1",
		MasterSheetID:       current.ID,
		InheritedCharacters: []string{"hero", "newcomer"},
	}
	if err := st.PutSequence(ctx, seq); err != nil {
		t.Fatalf("PutSequence: %v", err)
	}
}

func TestLinkIsIdempotent(t *testing.T) {
	st := store.NewMemory()
	seedEpisodes(t, st)
	svc := New(st, similarity.NewStub(), nil, nil, 0)
	ctx := context.Background()

	if err := svc.Link(ctx, "seq-1", "ep-1", "Episode One", []string{"ep1-shot-9"}, "hero keeps the scar"); err != nil {
		t.Fatalf("Link: %v", err)
	}
	if err := svc.Link(ctx, "seq-1", "ep-1", "Episode One", nil, ""); err != nil {
		t.Fatalf("second Link: %v", err)
	}

	seq, _ := st.GetSequence(ctx, "seq-1")
	if len(seq.EpisodeReferences) != 1 {
		t.Fatalf("want exactly one episode reference, got %d", len(seq.EpisodeReferences))
	}
	record, err := st.GetLinkedEpisode(ctx, "proj-2", "ep-1")
	if err != nil {
		t.Fatalf("GetLinkedEpisode: %v", err)
	}
	if len(record.Sequences) != 1 || record.Sequences[0] != "seq-1" {
		t.Fatalf("link record sequences: %v", record.Sequences)
	}
}

func TestUnlinkRemovesBothSides(t *testing.T) {
	st := store.NewMemory()
	seedEpisodes(t, st)
	svc := New(st, similarity.NewStub(), nil, nil, 0)
	ctx := context.Background()

	if err := svc.Link(ctx, "seq-1", "ep-1", "Episode One", nil, ""); err != nil {
		t.Fatalf("Link: %v", err)
	}
	if err := svc.Unlink(ctx, "seq-1", "ep-1"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	seq, _ := st.GetSequence(ctx, "seq-1")
	if len(seq.EpisodeReferences) != 0 {
		t.Fatalf("episode reference must be gone, got %+v", seq.EpisodeReferences)
	}
	record, _ := st.GetLinkedEpisode(ctx, "proj-2", "ep-1")
	if record.HasSequence("seq-1") {
		t.Fatal("link record must drop the sequence")
	}
}

func TestImportFirstWriterWins(t *testing.T) {
	st := store.NewMemory()
	seedEpisodes(t, st)
	svc := New(st, similarity.NewStub(), nil, nil, 0)
	ctx := context.Background()

	result, err := svc.ImportReferences(ctx, "ep-1", "seq-1", ImportTypes{Characters: true, Locations: true, Style: true})
	if err != nil {
		t.Fatalf("ImportReferences: %v", err)
	}
	// hero already exists in the target: skipped, reported as a conflict.
	if result.CharactersImported != 0 {
		t.Fatalf("existing character must not be overwritten, imported %d", result.CharactersImported)
	}
	if len(result.Conflicts) != 1 {
		t.Fatalf("want one conflict for hero, got %v", result.Conflicts)
	}
	if result.LocationsImported != 1 || !result.StyleImported {
		t.Fatalf("unexpected result: %+v", result)
	}

	master, _ := st.GetMaster(ctx, "proj-2")
	hero, _ := master.Character("hero")
	if hero.Images[0].URL != "ep2-hero.png" {
		t.Fatal("existing character must keep its own images")
	}
	castle, ok := master.Location("castle")
	if !ok {
		t.Fatal("castle must be imported")
	}
	for _, img := range castle.Images {
		if img.Source != reference.SourceImported {
			t.Fatalf("imported images must be marked imported, got %s", img.Source)
		}
	}

	seq, _ := st.GetSequence(ctx, "seq-1")
	if seq.Style.Overrides.ArtStyle != "watercolor" {
		t.Fatalf("style must land as a sequence override, got %q", seq.Style.Overrides.ArtStyle)
	}
	found := false
	for _, id := range seq.InheritedLocations {
		if id == "castle" {
			found = true
		}
	}
	if !found {
		t.Fatal("imported location must join the sequence's inherited list")
	}
}

func TestReimportIsNoOp(t *testing.T) {
	st := store.NewMemory()
	seedEpisodes(t, st)
	svc := New(st, similarity.NewStub(), nil, nil, 0)
	ctx := context.Background()

	if _, err := svc.ImportReferences(ctx, "ep-1", "seq-1", ImportTypes{Locations: true, Style: true}); err != nil {
		t.Fatalf("first import: %v", err)
	}
	result, err := svc.ImportReferences(ctx, "ep-1", "seq-1", ImportTypes{Locations: true, Style: true})
	if err != nil {
		t.Fatalf("second import: %v", err)
	}
	if result.LocationsImported != 0 || result.StyleImported {
		t.Fatalf("re-import must import nothing new: %+v", result)
	}
	master, _ := st.GetMaster(ctx, "proj-2")
	if len(master.Locations) != 1 {
		t.Fatalf("re-import must not duplicate locations, got %d", len(master.Locations))
	}
}

func TestValidateContinuityRequiresLink(t *testing.T) {
	st := store.NewMemory()
	seedEpisodes(t, st)
	svc := New(st, similarity.NewStub(), nil, nil, 0)

	_, err := svc.ValidateContinuity(context.Background(), "seq-1", "ep-1")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unlinked episode must fail with ErrNotFound, got %v", err)
	}
}

func TestValidateContinuityScoresAndBreaks(t *testing.T) {
	st := store.NewMemory()
	seedEpisodes(t, st)
	stub := &similarity.Stub{
		// Keyed by the prior images, the first argument of CompareEntity.
		EntityScores: map[string]float64{"ep1-hero.png": 0.5},
		StyleScore:   0.9,
	}
	svc := New(st, stub, nil, nil, 0)
	ctx := context.Background()

	if err := svc.Link(ctx, "seq-1", "ep-1", "Episode One", []string{"ep1-shot-9"}, ""); err != nil {
		t.Fatalf("Link: %v", err)
	}

	result, err := svc.ValidateContinuity(ctx, "seq-1", "ep-1")
	if err != nil {
		t.Fatalf("ValidateContinuity: %v", err)
	}
	// newcomer has no prior appearance: excluded, so hero's 50 stands alone.
	if result.CharacterScore != 50 {
		t.Fatalf("character score = %v, want 50", result.CharacterScore)
	}
	// No inherited locations, vacuously continuous.
	if result.LocationScore != 100 {
		t.Fatalf("location score = %v, want 100", result.LocationScore)
	}
	// No mood board on the current master, style comparison skipped.
	if result.StyleScore != 100 {
		t.Fatalf("style score = %v, want 100", result.StyleScore)
	}
	if result.OverallScore != 83 || !result.IsValid {
		t.Fatalf("overall = %v valid = %v, want 83/true", result.OverallScore, result.IsValid)
	}

	if len(result.Entities) != 1 || !result.Entities[0].Broken {
		t.Fatalf("hero must report broken, got %+v", result.Entities)
	}
	if result.Entities[0].PrevShotID != "ep1-shot-9" {
		t.Fatalf("break must point at the prior reference shot, got %q", result.Entities[0].PrevShotID)
	}
	if len(result.Issues) != 1 || result.Issues[0].Type != reference.IssueCharacter {
		t.Fatalf("want one character issue, got %+v", result.Issues)
	}

	breaks, err := svc.FlagContinuityBreaks(ctx, "seq-1", "ep-1")
	if err != nil {
		t.Fatalf("FlagContinuityBreaks: %v", err)
	}
	if len(breaks) != 1 || breaks[0].EntityID != "hero" || breaks[0].PrevEpisode != "ep-1" {
		t.Fatalf("unexpected breaks: %+v", breaks)
	}
}

// faultStore injects transient failures into a backing store.
type faultStore struct {
	store.Store
	failSequencePuts int
	failLinkGets     int
}

func (f *faultStore) PutSequence(ctx context.Context, sheet *reference.SequenceReferenceSheet) error {
	if f.failSequencePuts > 0 {
		f.failSequencePuts--
		return fmt.Errorf("put sequence: %w", store.ErrStore)
	}
	return f.Store.PutSequence(ctx, sheet)
}

func (f *faultStore) GetLinkedEpisode(ctx context.Context, projectID, episodeID string) (*reference.LinkedEpisode, error) {
	if f.failLinkGets > 0 {
		f.failLinkGets--
		return nil, fmt.Errorf("get linked episode: %w", store.ErrStore)
	}
	return f.Store.GetLinkedEpisode(ctx, projectID, episodeID)
}

func TestImportRollsBackMasterOnSequenceWriteFailure(t *testing.T) {
	m := store.NewMemory()
	seedEpisodes(t, m)
	fs := &faultStore{Store: m, failSequencePuts: 1}
	svc := New(fs, similarity.NewStub(), nil, nil, 0)
	ctx := context.Background()

	_, err := svc.ImportReferences(ctx, "ep-1", "seq-1", ImportTypes{Locations: true})
	if !errors.Is(err, store.ErrStore) {
		t.Fatalf("failed sequence write must surface, got %v", err)
	}
	master, _ := m.GetMaster(ctx, "proj-2")
	if _, ok := master.Location("castle"); ok {
		t.Fatal("failed import must roll the master back")
	}

	// Rolled back means retryable: the second attempt imports cleanly instead
	// of reporting the stranded entry as a conflict.
	result, err := svc.ImportReferences(ctx, "ep-1", "seq-1", ImportTypes{Locations: true})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if result.LocationsImported != 1 || len(result.Conflicts) != 0 {
		t.Fatalf("retry must import cleanly, got %+v", result)
	}
	seq, _ := m.GetSequence(ctx, "seq-1")
	found := false
	for _, id := range seq.InheritedLocations {
		if id == "castle" {
			found = true
		}
	}
	if !found {
		t.Fatal("retry must update the sequence tracking list")
	}
}

func TestLinkRecordSurvivesTransientReadFailure(t *testing.T) {
	m := store.NewMemory()
	seedEpisodes(t, m)
	fs := &faultStore{Store: m}
	svc := New(fs, similarity.NewStub(), nil, nil, 0)
	ctx := context.Background()

	if err := svc.Link(ctx, "seq-1", "ep-1", "Episode One", nil, ""); err != nil {
		t.Fatalf("Link: %v", err)
	}
	if _, err := svc.ImportReferences(ctx, "ep-1", "seq-1", ImportTypes{Locations: true, Style: true}); err != nil {
		t.Fatalf("import: %v", err)
	}

	fs.failLinkGets = 1
	_, err := svc.ImportReferences(ctx, "ep-1", "seq-1", ImportTypes{Style: true})
	if !errors.Is(err, store.ErrStore) {
		t.Fatalf("transient read failure must surface, got %v", err)
	}

	record, err := m.GetLinkedEpisode(ctx, "proj-2", "ep-1")
	if err != nil {
		t.Fatalf("GetLinkedEpisode: %v", err)
	}
	if !record.HasSequence("seq-1") || !record.StyleImported || len(record.ImportedLocationIDs) != 1 {
		t.Fatalf("record must keep its history, got %+v", record)
	}
	if record.EpisodeName != "Episode One" {
		t.Fatalf("episode name lost: %q", record.EpisodeName)
	}

	fs.failLinkGets = 1
	if err := svc.Link(ctx, "seq-1", "ep-1", "Episode One", nil, ""); !errors.Is(err, store.ErrStore) {
		t.Fatalf("Link must surface the read failure, got %v", err)
	}
	fs.failLinkGets = 1
	if err := svc.Unlink(ctx, "seq-1", "ep-1"); !errors.Is(err, store.ErrStore) {
		t.Fatalf("Unlink must surface the read failure, got %v", err)
	}
}

func TestValidateContinuityCancellation(t *testing.T) {
	st := store.NewMemory()
	seedEpisodes(t, st)
	svc := New(st, similarity.NewStub(), nil, nil, 0)
	ctx := context.Background()

	if err := svc.Link(ctx, "seq-1", "ep-1", "Episode One", nil, ""); err != nil {
		t.Fatalf("Link: %v", err)
	}
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	result, err := svc.ValidateContinuity(cancelled, "seq-1", "ep-1")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("cancellation must surface, got %v", err)
	}
	if result == nil {
		t.Fatal("cancellation must still return the partial result")
	}
}
