package reference

import (
	"math"
	"time"
)

// EntityType identifies the kind of record a change notification or cache key refers to.
type EntityType string

const (
	EntityMaster   EntityType = "master"
	EntitySequence EntityType = "sequence"
	EntityShot     EntityType = "shot"
)

// ViewType enumerates the canonical camera views a character appearance sheet carries.
type ViewType string

const (
	ViewFront        ViewType = "front"
	ViewProfile      ViewType = "profile"
	ViewThreeQuarter ViewType = "three-quarter"
	ViewAction       ViewType = "action"
	ViewExpression   ViewType = "expression"
)

// ImageSource records how a location reference image entered the sheet.
type ImageSource string

const (
	SourceGenerated ImageSource = "generated"
	SourceUploaded  ImageSource = "uploaded"
	SourceImported  ImageSource = "imported"
)

// TransitionType is a shot-to-shot transition. Ordered soft to hard: dissolve < fade < cut.
type TransitionType string

const (
	TransitionCut      TransitionType = "cut"
	TransitionDissolve TransitionType = "dissolve"
	TransitionFade     TransitionType = "fade"
	TransitionWipe     TransitionType = "wipe"
)

// Image is the minimal asset reference handed to a SimilarityProvider. The engine
// never loads pixels itself; URL plus declared description is all it carries.
type Image struct {
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
}

// AppearanceImage is one canonical view of a character.
type AppearanceImage struct {
	URL         string   `json:"url"`
	ViewType    ViewType `json:"viewType"`
	Description string   `json:"description,omitempty"`
}

// CharacterAppearanceSheet declares how a character must look everywhere it appears.
type CharacterAppearanceSheet struct {
	ID              string            `json:"id"`
	CharacterID     string            `json:"characterId"`
	CharacterName   string            `json:"characterName"`
	Images          []AppearanceImage `json:"images"`
	StyleGuidelines []string          `json:"styleGuidelines,omitempty"`
	ColorPalette    []string          `json:"colorPalette,omitempty"`
	Proportions     string            `json:"proportions,omitempty"`
}

// ReferenceImage is a weighted location reference.
type ReferenceImage struct {
	URL    string      `json:"url"`
	Weight float64     `json:"weight"`
	Source ImageSource `json:"source"`
}

// LocationAppearanceSheet declares how a location must look.
type LocationAppearanceSheet struct {
	ID                      string           `json:"id"`
	LocationID              string           `json:"locationId"`
	LocationName            string           `json:"locationName"`
	Images                  []ReferenceImage `json:"images"`
	EnvironmentalGuidelines []string         `json:"environmentalGuidelines,omitempty"`
}

// GlobalStyleSheet is the project-wide art direction every shot is validated against.
type GlobalStyleSheet struct {
	ArtStyle              string   `json:"artStyle"`
	ColorPalette          []string `json:"colorPalette,omitempty"`
	LightingStyle         string   `json:"lightingStyle,omitempty"`
	CompositionGuidelines []string `json:"compositionGuidelines,omitempty"`
	MoodBoard             []Image  `json:"moodBoard,omitempty"`
}

// MasterReferenceSheet is the project-scope root of the reference hierarchy.
// Exactly one exists per project; sequences link to it by sheet id.
type MasterReferenceSheet struct {
	ID         string                     `json:"id"`
	ProjectID  string                     `json:"projectId"`
	Characters []CharacterAppearanceSheet `json:"characters"`
	Locations  []LocationAppearanceSheet  `json:"locations"`
	Style      GlobalStyleSheet           `json:"style"`
	CreatedAt  time.Time                  `json:"createdAt"`
	UpdatedAt  time.Time                  `json:"updatedAt"`
	Version    int64                      `json:"version"`
}

// Character returns the character sheet for the given character id, if present.
func (m *MasterReferenceSheet) Character(characterID string) (CharacterAppearanceSheet, bool) {
	for _, c := range m.Characters {
		if c.CharacterID == characterID {
			return c, true
		}
	}
	return CharacterAppearanceSheet{}, false
}

// Location returns the location sheet for the given location id, if present.
func (m *MasterReferenceSheet) Location(locationID string) (LocationAppearanceSheet, bool) {
	for _, l := range m.Locations {
		if l.LocationID == locationID {
			return l, true
		}
	}
	return LocationAppearanceSheet{}, false
}

// StyleOverrides are sequence-level partial replacements layered over the master
// GlobalStyleSheet. Empty fields inherit the master value.
type StyleOverrides struct {
	ArtStyle      string   `json:"artStyle,omitempty"`
	ColorPalette  []string `json:"colorPalette,omitempty"`
	LightingStyle string   `json:"lightingStyle,omitempty"`
}

// SequenceStyle captures the episode/scene level look and pacing settings.
type SequenceStyle struct {
	Overrides    StyleOverrides   `json:"styleOverrides"`
	Pacing       string           `json:"pacing,omitempty"`
	Transitions  []TransitionType `json:"transitions,omitempty"`
	ColorGrading string           `json:"colorGrading,omitempty"`
}

// PreviousEpisodeReference links a sequence to a prior produced episode.
type PreviousEpisodeReference struct {
	EpisodeID        string    `json:"episodeId"`
	EpisodeName      string    `json:"episodeName"`
	ReferenceShotIDs []string  `json:"referenceShotIds,omitempty"`
	ContinuityNotes  string    `json:"continuityNotes,omitempty"`
	LinkedAt         time.Time `json:"linkedAt"`
}

// SequenceReferenceSheet is the episode/scene tier. Inherited id lists are
// snapshots taken at link/refresh time, not live views; they may drift from the
// master sheet and the engine tolerates dangling ids.
type SequenceReferenceSheet struct {
	ID                  string                     `json:"id"`
	MasterSheetID       string                     `json:"masterSheetId"`
	SequenceID          string                     `json:"sequenceId"`
	InheritedCharacters []string                   `json:"inheritedCharacters"`
	InheritedLocations  []string                   `json:"inheritedLocations"`
	Style               SequenceStyle              `json:"sequenceStyle"`
	EpisodeReferences   []PreviousEpisodeReference `json:"episodeReferences,omitempty"`
	CreatedAt           time.Time                  `json:"createdAt"`
	UpdatedAt           time.Time                  `json:"updatedAt"`
	Version             int64                      `json:"version"`
}

// EpisodeReference returns the link record for the given episode id, if present.
func (s *SequenceReferenceSheet) EpisodeReference(episodeID string) (PreviousEpisodeReference, bool) {
	for _, r := range s.EpisodeReferences {
		if r.EpisodeID == episodeID {
			return r, true
		}
	}
	return PreviousEpisodeReference{}, false
}

// ResolvedStyle layers the sequence overrides on top of the master style.
func (s *SequenceReferenceSheet) ResolvedStyle(master GlobalStyleSheet) GlobalStyleSheet {
	out := master
	ov := s.Style.Overrides
	if ov.ArtStyle != "" {
		out.ArtStyle = ov.ArtStyle
	}
	if len(ov.ColorPalette) > 0 {
		out.ColorPalette = ov.ColorPalette
	}
	if ov.LightingStyle != "" {
		out.LightingStyle = ov.LightingStyle
	}
	return out
}

// StyleTarget is the TargetID that addresses the shot-wide style check, which
// has no per-entity id of its own.
const StyleTarget = "style"

// ConsistencyOverride suppresses one specific check for one specific element on a
// shot. An override for {type: character, targetId: X} means X is never flagged on
// that shot, regardless of its similarity score. An empty TargetID is a wildcard:
// it suppresses every check of the given type on the shot. Style overrides target
// StyleTarget (or the wildcard), since the style check is shot-wide.
type ConsistencyOverride struct {
	Type           IssueType `json:"type"`
	TargetID       string    `json:"targetId"`
	OverrideReason string    `json:"overrideReason"`
}

// CameraPosition is the declared camera placement for a shot, in scene units.
type CameraPosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// ShotMetadata is the declared (non-perceptual) metadata continuity checks run on.
type ShotMetadata struct {
	TimeOfDay      string         `json:"timeOfDay,omitempty"` // dawn, day, dusk, night
	Day            int            `json:"day,omitempty"`
	CameraPosition CameraPosition `json:"cameraPosition"`
	CameraMovement string         `json:"cameraMovement,omitempty"` // static, pan, dolly, handheld
	Transition     TransitionType `json:"transition,omitempty"`     // declared outgoing transition
}

// ShotReference is the shot tier. Inherited ids resolve through the tree at
// validation time; they are not copies.
type ShotReference struct {
	ID                    string                `json:"id"`
	ShotID                string                `json:"shotId"`
	SequenceSheetID       string                `json:"sequenceSheetId"`
	Order                 int                   `json:"order"`
	LocalReferenceImages  []ReferenceImage      `json:"localReferenceImages,omitempty"`
	GeneratedImages       []Image               `json:"generatedImages,omitempty"`
	InheritedFromMaster   []string              `json:"inheritedFromMaster"`
	InheritedFromSequence []string              `json:"inheritedFromSequence"`
	ConsistencyOverrides  []ConsistencyOverride `json:"consistencyOverrides,omitempty"`
	Metadata              ShotMetadata          `json:"metadata"`
	CreatedAt             time.Time             `json:"createdAt"`
	UpdatedAt             time.Time             `json:"updatedAt"`
	Version               int64                 `json:"version"`
}

// Overridden reports whether a check of the given type against the given target id
// is suppressed on this shot.
func (s *ShotReference) Overridden(t IssueType, targetID string) bool {
	for _, o := range s.ConsistencyOverrides {
		if o.Type == t && o.TargetID == targetID {
			return true
		}
	}
	return false
}

// InheritedIDs returns the union of master- and sequence-inherited ids, de-duplicated,
// master order first.
func (s *ShotReference) InheritedIDs() []string {
	seen := make(map[string]struct{}, len(s.InheritedFromMaster)+len(s.InheritedFromSequence))
	out := make([]string, 0, len(s.InheritedFromMaster)+len(s.InheritedFromSequence))
	for _, id := range s.InheritedFromMaster {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, id := range s.InheritedFromSequence {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// ConsistencyScore is a computed value, never persisted as an entity — cache only.
// All components are clamped to [0,100].
type ConsistencyScore struct {
	Overall     float64 `json:"overallScore"`
	Character   float64 `json:"characterScore"`
	Location    float64 `json:"locationScore"`
	Style       float64 `json:"styleScore"`
	Color       float64 `json:"colorScore"`
	Composition float64 `json:"compositionScore"`
}

// Clamp bounds every component to [0,100].
func (s ConsistencyScore) Clamp() ConsistencyScore {
	s.Overall = clamp100(s.Overall)
	s.Character = clamp100(s.Character)
	s.Location = clamp100(s.Location)
	s.Style = clamp100(s.Style)
	s.Color = clamp100(s.Color)
	s.Composition = clamp100(s.Composition)
	return s
}

func clamp100(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// LinkedEpisode tracks one prior episode a project has linked to. One record per
// distinct episode, mutated by link/unlink and import operations.
type LinkedEpisode struct {
	EpisodeID            string    `json:"episodeId"`
	EpisodeName          string    `json:"episodeName"`
	ProjectID            string    `json:"projectId"`
	LinkedAt             time.Time `json:"linkedAt"`
	Sequences            []string  `json:"sequences"`
	ImportedCharacterIDs []string  `json:"importedCharacterIds"`
	ImportedLocationIDs  []string  `json:"importedLocationIds"`
	StyleImported        bool      `json:"styleImported"`
}

// HasSequence reports whether the given sequence already appears in the link record.
func (e *LinkedEpisode) HasSequence(sequenceID string) bool {
	for _, s := range e.Sequences {
		if s == sequenceID {
			return true
		}
	}
	return false
}
