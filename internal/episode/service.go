package episode

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/zedarvates/storycore/internal/events"
	"github.com/zedarvates/storycore/internal/reference"
	"github.com/zedarvates/storycore/internal/similarity"
	"github.com/zedarvates/storycore/internal/store"
	"github.com/zedarvates/storycore/internal/telemetry"
)

// Episodes are produced as their own projects, so an episode id doubles as the
// project id its master sheet is stored under.

// Service handles cross-episode linking, reference import and continuity
// validation against linked prior episodes.
type Service struct {
	store    store.Store
	provider similarity.Provider
	bus      *events.Bus
	tel      *telemetry.Telemetry
	timeout  time.Duration
}

// New wires the episode service. Bus may be nil.
func New(st store.Store, provider similarity.Provider, bus *events.Bus, tel *telemetry.Telemetry, providerTimeout time.Duration) *Service {
	if providerTimeout <= 0 {
		providerTimeout = 10 * time.Second
	}
	return &Service{store: st, provider: provider, bus: bus, tel: tel, timeout: providerTimeout}
}

// Link connects a sequence to a previously produced episode. Idempotent: linking
// an already-linked episode appends the sequence to the existing link record
// instead of duplicating it.
func (s *Service) Link(ctx context.Context, sequenceID, episodeID, episodeName string, referenceShotIDs []string, notes string) error {
	seq, err := s.store.GetSequence(ctx, sequenceID)
	if err != nil {
		return err
	}
	master, err := s.store.GetMasterSheet(ctx, seq.MasterSheetID)
	if err != nil {
		return err
	}
	if _, linked := seq.EpisodeReference(episodeID); !linked {
		seq.EpisodeReferences = append(seq.EpisodeReferences, reference.PreviousEpisodeReference{
			EpisodeID:        episodeID,
			EpisodeName:      episodeName,
			ReferenceShotIDs: referenceShotIDs,
			ContinuityNotes:  notes,
			LinkedAt:         time.Now().UTC(),
		})
		if err := s.store.PutSequence(ctx, seq); err != nil {
			return err
		}
	}

	record, err := s.store.GetLinkedEpisode(ctx, master.ProjectID, episodeID)
	if err != nil {
		// Only a confirmed missing record starts a fresh one; an I/O failure
		// must not overwrite the stored link history.
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		record = &reference.LinkedEpisode{
			EpisodeID:   episodeID,
			EpisodeName: episodeName,
			ProjectID:   master.ProjectID,
			LinkedAt:    time.Now().UTC(),
		}
	}
	if !record.HasSequence(sequenceID) {
		record.Sequences = append(record.Sequences, sequenceID)
		if err := s.store.PutLinkedEpisode(ctx, record); err != nil {
			return err
		}
	}
	s.bus.Publish(events.Envelope{
		EventType:  events.EventEpisodeLinked,
		EntityID:   episodeID,
		EntityType: "episode",
		Payload:    map[string]interface{}{"sequence_id": sequenceID},
	})
	return nil
}

// Unlink removes the link between a sequence and an episode: the reverse of Link.
func (s *Service) Unlink(ctx context.Context, sequenceID, episodeID string) error {
	seq, err := s.store.GetSequence(ctx, sequenceID)
	if err != nil {
		return err
	}
	master, err := s.store.GetMasterSheet(ctx, seq.MasterSheetID)
	if err != nil {
		return err
	}
	kept := seq.EpisodeReferences[:0]
	removed := false
	for _, r := range seq.EpisodeReferences {
		if r.EpisodeID == episodeID {
			removed = true
			continue
		}
		kept = append(kept, r)
	}
	if removed {
		seq.EpisodeReferences = kept
		if err := s.store.PutSequence(ctx, seq); err != nil {
			return err
		}
	}
	record, err := s.store.GetLinkedEpisode(ctx, master.ProjectID, episodeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	seqs := record.Sequences[:0]
	for _, id := range record.Sequences {
		if id != sequenceID {
			seqs = append(seqs, id)
		}
	}
	record.Sequences = seqs
	return s.store.PutLinkedEpisode(ctx, record)
}

// ImportTypes selects which reference kinds an import copies.
type ImportTypes struct {
	Characters bool `json:"characters"`
	Locations  bool `json:"locations"`
	Style      bool `json:"style"`
}

// ImportResult reports per-type import counts and per-entity conflicts.
type ImportResult struct {
	CharactersImported int      `json:"charactersImported"`
	LocationsImported  int      `json:"locationsImported"`
	StyleImported      bool     `json:"styleImported"`
	Conflicts          []string `json:"conflicts,omitempty"`
}

// ImportReferences copies reference entries from the source episode's master
// sheet into the target sequence's project, first-writer-wins: an entry whose
// entity id already exists in the target is skipped, never overwritten.
// Re-importing is therefore a no-op for existing ids. All validation happens
// before the first write, so a failed import leaves both sheets untouched.
func (s *Service) ImportReferences(ctx context.Context, sourceEpisodeID, targetSequenceID string, types ImportTypes) (*ImportResult, error) {
	source, err := s.store.GetMaster(ctx, sourceEpisodeID)
	if err != nil {
		return nil, err
	}
	seq, err := s.store.GetSequence(ctx, targetSequenceID)
	if err != nil {
		return nil, err
	}
	master, err := s.store.GetMasterSheet(ctx, seq.MasterSheetID)
	if err != nil {
		return nil, err
	}

	result := &ImportResult{}
	var importedCharacters, importedLocations []string
	// Pre-import snapshots of the master's entry lists, for rollback if the
	// second write fails.
	priorCharacters, priorLocations := master.Characters, master.Locations

	if types.Characters {
		for _, c := range source.Characters {
			if _, exists := master.Character(c.CharacterID); exists {
				result.Conflicts = append(result.Conflicts, fmt.Sprintf("character %s already exists: %v", c.CharacterID, store.ErrConflict))
				continue
			}
			master.Characters = append(master.Characters, c)
			importedCharacters = append(importedCharacters, c.CharacterID)
		}
	}
	if types.Locations {
		for _, l := range source.Locations {
			if _, exists := master.Location(l.LocationID); exists {
				result.Conflicts = append(result.Conflicts, fmt.Sprintf("location %s already exists: %v", l.LocationID, store.ErrConflict))
				continue
			}
			imported := l
			imported.Images = make([]reference.ReferenceImage, len(l.Images))
			copy(imported.Images, l.Images)
			for i := range imported.Images {
				imported.Images[i].Source = reference.SourceImported
			}
			master.Locations = append(master.Locations, imported)
			importedLocations = append(importedLocations, l.LocationID)
		}
	}

	record, recordErr := s.store.GetLinkedEpisode(ctx, master.ProjectID, sourceEpisodeID)
	if recordErr != nil {
		// An I/O failure here surfaces before any write; creating a fresh
		// record would wipe the stored import history on the next Put.
		if !errors.Is(recordErr, store.ErrNotFound) {
			return nil, recordErr
		}
		record = &reference.LinkedEpisode{
			EpisodeID: sourceEpisodeID,
			ProjectID: master.ProjectID,
			LinkedAt:  time.Now().UTC(),
		}
	}

	styleImported := false
	if types.Style && !record.StyleImported {
		// Style lands as sequence-level overrides so the target's own master
		// style is layered over, not destroyed.
		seq.Style.Overrides = reference.StyleOverrides{
			ArtStyle:      source.Style.ArtStyle,
			ColorPalette:  source.Style.ColorPalette,
			LightingStyle: source.Style.LightingStyle,
		}
		styleImported = true
	}

	mutatedMaster := len(importedCharacters) > 0 || len(importedLocations) > 0
	mutatedSequence := styleImported || mutatedMaster
	if mutatedMaster {
		seq.InheritedCharacters = appendMissing(seq.InheritedCharacters, importedCharacters)
		seq.InheritedLocations = appendMissing(seq.InheritedLocations, importedLocations)
		if err := s.store.PutMaster(ctx, master); err != nil {
			return nil, err
		}
	}
	if mutatedSequence {
		if err := s.store.PutSequence(ctx, seq); err != nil {
			// The import updates both sheets together or not at all: a failed
			// sequence write must not strand the imported entries in the
			// master, where they would report as conflicts on every retry.
			if mutatedMaster {
				restore := *master
				restore.Characters = priorCharacters
				restore.Locations = priorLocations
				if rbErr := s.store.PutMaster(ctx, &restore); rbErr != nil {
					return nil, fmt.Errorf("sequence write failed and master rollback failed (%v): %w", rbErr, err)
				}
			}
			return nil, err
		}
	}

	record.ImportedCharacterIDs = appendMissing(record.ImportedCharacterIDs, importedCharacters)
	record.ImportedLocationIDs = appendMissing(record.ImportedLocationIDs, importedLocations)
	record.StyleImported = record.StyleImported || styleImported
	if err := s.store.PutLinkedEpisode(ctx, record); err != nil {
		return nil, err
	}

	result.CharactersImported = len(importedCharacters)
	result.LocationsImported = len(importedLocations)
	result.StyleImported = styleImported
	s.bus.Publish(events.Envelope{
		EventType:  events.EventEpisodeImported,
		EntityID:   sourceEpisodeID,
		EntityType: "episode",
		Payload: map[string]interface{}{
			"target_sequence_id":  targetSequenceID,
			"characters_imported": result.CharactersImported,
			"locations_imported":  result.LocationsImported,
			"style_imported":      result.StyleImported,
		},
	})
	return result, nil
}

func appendMissing(existing []string, add []string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, id := range existing {
		seen[id] = struct{}{}
	}
	for _, id := range add {
		if _, ok := seen[id]; !ok {
			existing = append(existing, id)
			seen[id] = struct{}{}
		}
	}
	return existing
}

// EntityContinuity is the per-entity readout of a cross-episode validation.
type EntityContinuity struct {
	EntityID   string              `json:"entityId"`
	EntityName string              `json:"entityName"`
	Type       reference.IssueType `json:"type"`
	Score      float64             `json:"score"` // 0-100
	Broken     bool                `json:"broken"`
	PrevShotID string              `json:"prevShotId,omitempty"`
}

// ContinuityValidationResult aggregates cross-episode continuity for a sequence.
type ContinuityValidationResult struct {
	IsValid        bool                         `json:"isValid"`
	OverallScore   float64                      `json:"overallScore"`
	CharacterScore float64                      `json:"characterScore"`
	LocationScore  float64                      `json:"locationScore"`
	StyleScore     float64                      `json:"styleScore"`
	Entities       []EntityContinuity           `json:"entities"`
	Issues         []reference.ConsistencyIssue `json:"issues"`
	Suggestions    []string                     `json:"suggestions,omitempty"`
	Warnings       []string                     `json:"warnings,omitempty"`
}

// ValidateContinuity scores the sequence's current references against their last
// appearance in a linked prior episode. Entities with no prior appearance are
// excluded, not penalized. isValid means overall >= 70.
func (s *Service) ValidateContinuity(ctx context.Context, sequenceID, episodeID string) (*ContinuityValidationResult, error) {
	seq, master, source, epRef, err := s.resolveLink(ctx, sequenceID, episodeID)
	if err != nil {
		return nil, err
	}

	result := &ContinuityValidationResult{}
	prevShotID := ""
	if len(epRef.ReferenceShotIDs) > 0 {
		prevShotID = epRef.ReferenceShotIDs[len(epRef.ReferenceShotIDs)-1]
	}

	charSum, charCount := 0.0, 0
	for _, id := range seq.InheritedCharacters {
		current, ok := master.Character(id)
		if !ok {
			result.Warnings = append(result.Warnings, fmt.Sprintf("inherited character %s missing from master sheet, skipped", id))
			continue
		}
		prior, ok := source.Character(id)
		if !ok || len(prior.Images) == 0 || len(current.Images) == 0 {
			// No prior appearance: excluded from the score.
			continue
		}
		score, err := s.compareEntity(ctx, appearanceImages(prior.Images), appearanceImages(current.Images))
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, fmt.Errorf("continuity validation cancelled with partial results: %w", ctxErr)
		}
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("comparison for character %s failed, skipped: %v", id, err))
			continue
		}
		charSum += score
		charCount++
		ec := EntityContinuity{EntityID: id, EntityName: current.CharacterName, Type: reference.IssueCharacter, Score: score * 100, Broken: score*100 < 70, PrevShotID: prevShotID}
		result.Entities = append(result.Entities, ec)
		if ec.Broken {
			result.Issues = append(result.Issues, reference.NewIssue(
				reference.IssueCharacter,
				reference.SeverityForScore(ec.Score),
				shotIDOrSequence(prevShotID, sequenceID),
				fmt.Sprintf("character %q no longer matches its appearance in episode %s (score %.0f)", current.CharacterName, episodeID, ec.Score),
				[]string{id},
				"Import the character's appearance sheet from the prior episode",
			))
			result.Suggestions = append(result.Suggestions, fmt.Sprintf("Re-import character %s references from episode %s", id, episodeID))
		}
	}

	locSum, locCount := 0.0, 0
	for _, id := range seq.InheritedLocations {
		current, ok := master.Location(id)
		if !ok {
			result.Warnings = append(result.Warnings, fmt.Sprintf("inherited location %s missing from master sheet, skipped", id))
			continue
		}
		prior, ok := source.Location(id)
		if !ok || len(prior.Images) == 0 || len(current.Images) == 0 {
			continue
		}
		score, err := s.compareEntity(ctx, locationImages(prior.Images), locationImages(current.Images))
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, fmt.Errorf("continuity validation cancelled with partial results: %w", ctxErr)
		}
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("comparison for location %s failed, skipped: %v", id, err))
			continue
		}
		locSum += score
		locCount++
		ec := EntityContinuity{EntityID: id, EntityName: current.LocationName, Type: reference.IssueLocation, Score: score * 100, Broken: score*100 < 70, PrevShotID: prevShotID}
		result.Entities = append(result.Entities, ec)
		if ec.Broken {
			result.Issues = append(result.Issues, reference.NewIssue(
				reference.IssueLocation,
				reference.SeverityForScore(ec.Score),
				shotIDOrSequence(prevShotID, sequenceID),
				fmt.Sprintf("location %q drifted from its look in episode %s (score %.0f)", current.LocationName, episodeID, ec.Score),
				[]string{id},
				"Import the location's reference images from the prior episode",
			))
			result.Suggestions = append(result.Suggestions, fmt.Sprintf("Re-import location %s references from episode %s", id, episodeID))
		}
	}

	styleScore := 100.0
	if len(master.Style.MoodBoard) > 0 {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		score, err := s.provider.CompareStyle(callCtx, source.Style, master.Style.MoodBoard)
		cancel()
		s.tel.RecordProviderCall(false, err)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("style comparison against episode %s failed, skipped: %v", episodeID, err))
		} else {
			styleScore = score * 100
			if styleScore < 70 {
				result.Suggestions = append(result.Suggestions, fmt.Sprintf("Import the style sheet from episode %s to realign art direction", episodeID))
			}
		}
	}

	result.CharacterScore = vacuous100(charSum, charCount)
	result.LocationScore = vacuous100(locSum, locCount)
	result.StyleScore = styleScore
	result.OverallScore = math.Round((result.CharacterScore + result.LocationScore + result.StyleScore) / 3)
	result.IsValid = result.OverallScore >= 70
	return result, nil
}

// ContinuityBreak is the UI-facing "what exactly is wrong and where" payload for
// one broken entity, distinct from the aggregate score.
type ContinuityBreak struct {
	EntityID     string              `json:"entityId"`
	EntityName   string              `json:"entityName"`
	Type         reference.IssueType `json:"type"`
	Score        float64             `json:"score"`
	PrevEpisode  string              `json:"prevEpisode"`
	PrevShotID   string              `json:"prevShotId,omitempty"`
	SequenceID   string              `json:"sequenceId"`
	SuggestedFix string              `json:"suggestedFix"`
}

// FlagContinuityBreaks returns one structured break record per entity whose
// cross-episode continuity is broken.
func (s *Service) FlagContinuityBreaks(ctx context.Context, sequenceID, episodeID string) ([]ContinuityBreak, error) {
	result, err := s.ValidateContinuity(ctx, sequenceID, episodeID)
	if err != nil {
		return nil, err
	}
	var breaks []ContinuityBreak
	for _, ec := range result.Entities {
		if !ec.Broken {
			continue
		}
		breaks = append(breaks, ContinuityBreak{
			EntityID:    ec.EntityID,
			EntityName:  ec.EntityName,
			Type:        ec.Type,
			Score:       ec.Score,
			PrevEpisode: episodeID,
			PrevShotID:  ec.PrevShotID,
			SequenceID:  sequenceID,
			SuggestedFix: fmt.Sprintf("Re-import %s %q from episode %s and regenerate affected shots",
				ec.Type, ec.EntityName, episodeID),
		})
	}
	return breaks, nil
}

// LinkedEpisodes lists every episode a project has ever linked to.
func (s *Service) LinkedEpisodes(ctx context.Context, projectID string) ([]reference.LinkedEpisode, error) {
	return s.store.ListLinkedEpisodes(ctx, projectID)
}

func (s *Service) resolveLink(ctx context.Context, sequenceID, episodeID string) (*reference.SequenceReferenceSheet, *reference.MasterReferenceSheet, *reference.MasterReferenceSheet, reference.PreviousEpisodeReference, error) {
	seq, err := s.store.GetSequence(ctx, sequenceID)
	if err != nil {
		return nil, nil, nil, reference.PreviousEpisodeReference{}, err
	}
	epRef, linked := seq.EpisodeReference(episodeID)
	if !linked {
		return nil, nil, nil, reference.PreviousEpisodeReference{}, fmt.Errorf("episode %s is not linked to sequence %s: %w", episodeID, sequenceID, store.ErrNotFound)
	}
	master, err := s.store.GetMasterSheet(ctx, seq.MasterSheetID)
	if err != nil {
		return nil, nil, nil, reference.PreviousEpisodeReference{}, err
	}
	source, err := s.store.GetMaster(ctx, episodeID)
	if err != nil {
		return nil, nil, nil, reference.PreviousEpisodeReference{}, err
	}
	return seq, master, source, epRef, nil
}

func (s *Service) compareEntity(ctx context.Context, prior, current []reference.Image) (float64, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	score, err := s.provider.CompareEntity(callCtx, prior, current)
	s.tel.RecordProviderCall(callCtx.Err() != nil && ctx.Err() == nil, err)
	return score, err
}

func vacuous100(sum float64, count int) float64 {
	if count == 0 {
		return 100
	}
	return sum / float64(count) * 100
}

func shotIDOrSequence(shotID, sequenceID string) string {
	if shotID != "" {
		return shotID
	}
	return sequenceID
}

func appearanceImages(in []reference.AppearanceImage) []reference.Image {
	out := make([]reference.Image, 0, len(in))
	for _, img := range in {
		out = append(out, reference.Image{URL: img.URL, Description: img.Description})
	}
	return out
}

func locationImages(in []reference.ReferenceImage) []reference.Image {
	out := make([]reference.Image, 0, len(in))
	for _, img := range in {
		out = append(out, reference.Image{URL: img.URL})
	}
	return out
}
