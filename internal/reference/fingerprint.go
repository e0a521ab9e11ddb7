package reference

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Fingerprint returns a stable hash of a record's mutable fields. Cache keys are
// composed from fingerprints, so any edit to a sheet changes every key that
// transitively includes it and stale scores simply stop matching.
//
// Version and timestamps are excluded: two records with identical content must
// fingerprint identically regardless of write history.

func (m *MasterReferenceSheet) Fingerprint() string {
	shadow := struct {
		ProjectID  string                     `json:"p"`
		Characters []CharacterAppearanceSheet `json:"c"`
		Locations  []LocationAppearanceSheet  `json:"l"`
		Style      GlobalStyleSheet           `json:"s"`
	}{m.ProjectID, m.Characters, m.Locations, m.Style}
	return fingerprint(shadow)
}

// CharacterFingerprint hashes a single character sheet. The engine uses it to
// include only the inherited entities a shot actually depends on in its cache key.
func CharacterFingerprint(c CharacterAppearanceSheet) string {
	return fingerprint(c)
}

// LocationFingerprint hashes a single location sheet.
func LocationFingerprint(l LocationAppearanceSheet) string {
	return fingerprint(l)
}

// StyleFingerprint hashes a resolved global style sheet.
func StyleFingerprint(s GlobalStyleSheet) string {
	return fingerprint(s)
}

func (s *SequenceReferenceSheet) Fingerprint() string {
	shadow := struct {
		MasterSheetID       string                     `json:"m"`
		SequenceID          string                     `json:"q"`
		InheritedCharacters []string                   `json:"ic"`
		InheritedLocations  []string                   `json:"il"`
		Style               SequenceStyle              `json:"s"`
		EpisodeReferences   []PreviousEpisodeReference `json:"e"`
	}{s.MasterSheetID, s.SequenceID, s.InheritedCharacters, s.InheritedLocations, s.Style, s.EpisodeReferences}
	return fingerprint(shadow)
}

func (s *ShotReference) Fingerprint() string {
	shadow := struct {
		ShotID    string                `json:"i"`
		SheetID   string                `json:"q"`
		Order     int                   `json:"o"`
		Local     []ReferenceImage      `json:"lr"`
		Generated []Image               `json:"g"`
		Master    []string              `json:"im"`
		Sequence  []string              `json:"is"`
		Overrides []ConsistencyOverride `json:"ov"`
		Metadata  ShotMetadata          `json:"md"`
	}{s.ShotID, s.SequenceSheetID, s.Order, s.LocalReferenceImages, s.GeneratedImages,
		s.InheritedFromMaster, s.InheritedFromSequence, s.ConsistencyOverrides, s.Metadata}
	return fingerprint(shadow)
}

func fingerprint(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		// Only reachable with unmarshalable field types, which these records never hold.
		return "fp-error"
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:16])
}
