package consistency

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/zedarvates/storycore/internal/cache"
	"github.com/zedarvates/storycore/internal/reference"
	"github.com/zedarvates/storycore/internal/similarity"
	"github.com/zedarvates/storycore/internal/store"
	"github.com/zedarvates/storycore/internal/telemetry"
)

// Fixed aggregation weights. Transition is owned by the continuity analyzer and
// contributes 1.0 when a shot is scored in isolation.
const (
	weightCharacter  = 0.4
	weightLocation   = 0.3
	weightStyle      = 0.2
	weightTransition = 0.1

	// flagThreshold is the 0-100 sub-score below which an issue is generated.
	flagThreshold = 70.0
)

// ShotValidation is the result of validating one shot.
type ShotValidation struct {
	ShotID   string                       `json:"shotId"`
	Score    reference.ConsistencyScore   `json:"score"`
	Issues   []reference.ConsistencyIssue `json:"issues"`
	Warnings []string                     `json:"warnings,omitempty"`
	Cached   bool                         `json:"cached"`
	// StyleScored reports whether the style comparison produced a usable score.
	// When false the Style component is a placeholder and is excluded from
	// weighted aggregates. A cached result reports true: the memoized score is
	// returned as stored.
	StyleScored bool `json:"styleScored"`
}

// SequenceValidation is the result of validating a whole sequence, continuity
// checks between consecutive shots included.
type SequenceValidation struct {
	SequenceID   string                       `json:"sequenceId"`
	OverallScore float64                      `json:"overallScore"`
	Shots        []ShotValidation             `json:"shots"`
	Issues       []reference.ConsistencyIssue `json:"issues"`
	Warnings     []string                     `json:"warnings,omitempty"`
}

// PairResult is what sequence validation consumes from the continuity analyzer
// for one adjacent shot pair.
type PairResult struct {
	Issues          []reference.ConsistencyIssue
	TransitionScore float64 // [0,1]
}

// ContinuityChecker analyzes one adjacent shot pair. Implemented by the
// continuity package; kept as an interface here so the engine stays testable
// with a stub.
type ContinuityChecker interface {
	AnalyzePair(ctx context.Context, prev, curr reference.ShotReference, style reference.GlobalStyleSheet) (PairResult, error)
}

// Config carries the engine's collaborators and tuning.
type Config struct {
	Cache           cache.ScoreCache
	Checker         ContinuityChecker
	Telemetry       *telemetry.Telemetry
	TTL             time.Duration // score memoization window, default cache.DefaultTTL
	ProviderTimeout time.Duration // per comparison call, default 10s
}

// Engine computes consistency scores and detects issues for shots and sequences.
// It never persists issues itself; the tracker owns issue lifecycle.
type Engine struct {
	store    store.ReferenceStore
	provider similarity.Provider
	cache    cache.ScoreCache
	checker  ContinuityChecker
	tel      *telemetry.Telemetry
	ttl      time.Duration
	timeout  time.Duration
}

// NewEngine wires an engine. Cache and checker may be nil: a nil cache computes
// every time, a nil checker skips continuity checks in sequence validation.
func NewEngine(st store.ReferenceStore, provider similarity.Provider, cfg Config) *Engine {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = cache.DefaultTTL
	}
	timeout := cfg.ProviderTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Engine{
		store:    st,
		provider: provider,
		cache:    cfg.Cache,
		checker:  cfg.Checker,
		tel:      cfg.Telemetry,
		ttl:      ttl,
		timeout:  timeout,
	}
}

// resolvedShot is a shot with its references resolved through the hierarchy.
type resolvedShot struct {
	shot       *reference.ShotReference
	sequence   *reference.SequenceReferenceSheet
	master     *reference.MasterReferenceSheet
	characters []reference.CharacterAppearanceSheet
	locations  []reference.LocationAppearanceSheet
	style      reference.GlobalStyleSheet
	warnings   []string
}

// resolveShot walks Shot -> Sequence -> Master. Inherited ids are snapshots and
// may dangle after master edits; dangling ids become warnings, never errors.
func (e *Engine) resolveShot(ctx context.Context, shot *reference.ShotReference) (*resolvedShot, error) {
	seq, err := e.store.GetSequenceSheet(ctx, shot.SequenceSheetID)
	if err != nil {
		return nil, err
	}
	master, err := e.store.GetMasterSheet(ctx, seq.MasterSheetID)
	if err != nil {
		return nil, err
	}
	rs := &resolvedShot{
		shot:     shot,
		sequence: seq,
		master:   master,
		style:    seq.ResolvedStyle(master.Style),
	}
	for _, id := range shot.InheritedIDs() {
		if c, ok := master.Character(id); ok {
			rs.characters = append(rs.characters, c)
			continue
		}
		if l, ok := master.Location(id); ok {
			rs.locations = append(rs.locations, l)
			continue
		}
		rs.warnings = append(rs.warnings, fmt.Sprintf("inherited reference %s no longer exists in master sheet %s", id, master.ID))
	}
	return rs, nil
}

// cacheKey composes the shot's dependency fingerprint set. Any edit to the shot,
// its sequence, the resolved style, or any inherited sheet changes the key.
func (e *Engine) cacheKey(rs *resolvedShot) string {
	fps := []string{rs.shot.Fingerprint(), rs.sequence.Fingerprint(), reference.StyleFingerprint(rs.style)}
	for _, c := range rs.characters {
		fps = append(fps, reference.CharacterFingerprint(c))
	}
	for _, l := range rs.locations {
		fps = append(fps, reference.LocationFingerprint(l))
	}
	return cache.Key(rs.shot.ShotID, fps...)
}

// ValidateShot scores one shot and detects its issues. On a cache hit the
// memoized score is returned and detection does not re-run; callers wanting a
// forced re-scan invalidate the shot first.
func (e *Engine) ValidateShot(ctx context.Context, shotID string) (reference.ConsistencyScore, []reference.ConsistencyIssue, error) {
	sv, err := e.ValidateShotDetailed(ctx, shotID)
	return sv.Score, sv.Issues, err
}

// ValidateShotDetailed is ValidateShot with the full readout: warnings and the
// cached flag, so callers can tell "no issues found" from "not re-detected
// within the memoization window".
func (e *Engine) ValidateShotDetailed(ctx context.Context, shotID string) (ShotValidation, error) {
	start := time.Now()
	_, sv, err := e.validateShotInternal(ctx, shotID)
	e.tel.RecordValidation(time.Since(start), len(sv.Issues), err)
	return sv, err
}

func (e *Engine) validateShotInternal(ctx context.Context, shotID string) (reference.ConsistencyScore, ShotValidation, error) {
	shot, err := e.store.GetShot(ctx, shotID)
	if err != nil {
		return reference.ConsistencyScore{}, ShotValidation{ShotID: shotID}, err
	}
	rs, err := e.resolveShot(ctx, shot)
	if err != nil {
		return reference.ConsistencyScore{}, ShotValidation{ShotID: shotID}, err
	}
	return e.validateResolved(ctx, rs)
}

func (e *Engine) validateResolved(ctx context.Context, rs *resolvedShot) (reference.ConsistencyScore, ShotValidation, error) {
	sv := ShotValidation{ShotID: rs.shot.ShotID, Warnings: rs.warnings, StyleScored: true}
	if e.cache == nil {
		out, err := e.scoreShot(ctx, rs)
		if err != nil {
			return reference.ConsistencyScore{}, sv, err
		}
		sv.Score = out.score
		sv.Issues = out.issues
		sv.Warnings = append(sv.Warnings, out.warnings...)
		sv.StyleScored = out.styleOK
		return out.score, sv, nil
	}
	var out *shotOutcome
	score, hit, err := e.cache.GetOrCompute(ctx, e.cacheKey(rs), e.ttl, func(ctx context.Context) (reference.ConsistencyScore, error) {
		o, err := e.scoreShot(ctx, rs)
		if err != nil {
			return reference.ConsistencyScore{}, err
		}
		out = o
		return o.score, nil
	})
	e.tel.RecordCacheLookup(hit)
	if err != nil {
		return reference.ConsistencyScore{}, sv, err
	}
	sv.Score = score
	sv.Cached = hit
	if out != nil {
		sv.Issues = out.issues
		sv.Warnings = append(sv.Warnings, out.warnings...)
		sv.StyleScored = out.styleOK
	}
	return score, sv, nil
}

type shotOutcome struct {
	score    reference.ConsistencyScore
	styleOK  bool
	issues   []reference.ConsistencyIssue
	warnings []string
}

// compare bounds one provider call with the engine timeout and records telemetry.
func (e *Engine) compare(ctx context.Context, fn func(ctx context.Context) (float64, error)) (float64, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	score, err := fn(callCtx)
	timedOut := errors.Is(err, context.DeadlineExceeded)
	e.tel.RecordProviderCall(timedOut, err)
	return score, err
}

// scoreShot runs the per-shot algorithm: per-entity similarity, style comparison,
// weighted aggregation, issue generation. Provider failures soft-skip the entity.
func (e *Engine) scoreShot(ctx context.Context, rs *resolvedShot) (*shotOutcome, error) {
	out := &shotOutcome{styleOK: true}
	shot := rs.shot
	generated := shot.GeneratedImages

	charScore, err := e.scoreEntities(ctx, rs, reference.IssueCharacter, out)
	if err != nil {
		return nil, err
	}
	locScore, err := e.scoreEntities(ctx, rs, reference.IssueLocation, out)
	if err != nil {
		return nil, err
	}

	styleScore, colorScore, compositionScore := 1.0, 1.0, 1.0
	if len(generated) > 0 {
		s, err := e.compare(ctx, func(ctx context.Context) (float64, error) {
			return e.provider.CompareStyle(ctx, rs.style, generated)
		})
		if ctxErr := cancelled(ctx, err); ctxErr != nil {
			return nil, ctxErr
		}
		if err != nil {
			out.styleOK = false
			out.warnings = append(out.warnings, fmt.Sprintf("style comparison failed: %v", err))
		} else {
			styleScore = s
			colorScore = e.styleAspect(ctx, reference.GlobalStyleSheet{ColorPalette: rs.style.ColorPalette}, generated, s, out)
			compositionScore = e.styleAspect(ctx, reference.GlobalStyleSheet{ArtStyle: rs.style.ArtStyle, CompositionGuidelines: rs.style.CompositionGuidelines}, generated, s, out)
			if !e.suppressed(shot, reference.IssueStyle, reference.StyleTarget) && styleScore*100 < flagThreshold {
				iss := reference.NewIssue(
					reference.IssueStyle,
					reference.SeverityForScore(styleScore*100),
					shot.ShotID,
					fmt.Sprintf("shot %s deviates from the %q style direction (score %.0f)", shot.ShotID, rs.style.ArtStyle, styleScore*100),
					[]string{reference.StyleTarget},
					"Adjust the generation prompt to restate the global art style and palette",
				)
				out.issues = append(out.issues, iss)
				e.tel.RecordIssue(string(reference.IssueStyle))
			}
		}
	}

	score := reference.ConsistencyScore{
		Character:   charScore * 100,
		Location:    locScore * 100,
		Style:       styleScore * 100,
		Color:       colorScore * 100,
		Composition: compositionScore * 100,
	}
	score.Overall = overall(charScore, locScore, styleScore, 1.0, out.styleOK)
	out.score = score.Clamp()
	return out, nil
}

// styleAspect scores one facet of the style sheet, falling back to the overall
// style score when the facet comparison fails.
func (e *Engine) styleAspect(ctx context.Context, facet reference.GlobalStyleSheet, generated []reference.Image, fallback float64, out *shotOutcome) float64 {
	s, err := e.compare(ctx, func(ctx context.Context) (float64, error) {
		return e.provider.CompareStyle(ctx, facet, generated)
	})
	if err != nil {
		out.warnings = append(out.warnings, fmt.Sprintf("style facet comparison failed: %v", err))
		return fallback
	}
	return s
}

// scoreEntities scores every referenced character or location that has at least
// one reference image against the shot's generated images. Entities with no
// reference images cannot be validated and are excluded from the mean, never
// counted as a pass. The empty set is vacuously consistent (1.0).
func (e *Engine) scoreEntities(ctx context.Context, rs *resolvedShot, issueType reference.IssueType, out *shotOutcome) (float64, error) {
	shot := rs.shot
	generated := shot.GeneratedImages
	type entity struct {
		id, name string
		images   []reference.Image
	}
	var entities []entity
	if issueType == reference.IssueCharacter {
		for _, c := range rs.characters {
			entities = append(entities, entity{id: c.CharacterID, name: c.CharacterName, images: appearanceImages(c.Images)})
		}
	} else {
		for _, l := range rs.locations {
			entities = append(entities, entity{id: l.LocationID, name: l.LocationName, images: referenceImages(l.Images)})
		}
	}

	var sum float64
	var scored int
	for _, ent := range entities {
		if len(ent.images) == 0 || len(generated) == 0 {
			if len(ent.images) == 0 {
				out.warnings = append(out.warnings, fmt.Sprintf("%s %s has no reference images, skipped", issueType, ent.id))
			}
			continue
		}
		s, err := e.compare(ctx, func(ctx context.Context) (float64, error) {
			return e.provider.CompareEntity(ctx, ent.images, generated)
		})
		if ctxErr := cancelled(ctx, err); ctxErr != nil {
			// Parent cancellation aborts the shot; a per-call timeout does not.
			return 0, ctxErr
		}
		if err != nil {
			out.warnings = append(out.warnings, fmt.Sprintf("comparison for %s %s failed, skipped: %v", issueType, ent.id, err))
			continue
		}
		sum += s
		scored++
		if e.suppressed(shot, issueType, ent.id) {
			continue
		}
		if s*100 < flagThreshold {
			iss := reference.NewIssue(
				issueType,
				reference.SeverityForScore(s*100),
				shot.ShotID,
				fmt.Sprintf("%s %q looks different in shot %s (similarity %.0f)", issueType, ent.name, shot.ShotID, s*100),
				[]string{ent.id},
				fixTextFor(issueType),
			)
			out.issues = append(out.issues, iss)
			e.tel.RecordIssue(string(issueType))
		}
	}
	return vacuousOrMean(sum, scored), nil
}

func vacuousOrMean(sum float64, scored int) float64 {
	if scored == 0 {
		return 1.0
	}
	return sum / float64(scored)
}

func fixTextFor(t reference.IssueType) string {
	if t == reference.IssueCharacter {
		return "Regenerate the shot with the character's appearance sheet as image reference"
	}
	return "Add a stronger location reference image and regenerate"
}

// suppressed applies shot-level consistency overrides. An override with an empty
// target id suppresses every check of its type on the shot.
func (e *Engine) suppressed(shot *reference.ShotReference, t reference.IssueType, targetID string) bool {
	if shot.Overridden(t, targetID) {
		return true
	}
	return shot.Overridden(t, "")
}

// cancelled distinguishes parent-context cancellation (fatal for the validation)
// from a per-call timeout (soft-skip).
func cancelled(parent context.Context, err error) error {
	if parentErr := parent.Err(); parentErr != nil {
		return fmt.Errorf("validation cancelled with partial results: %w", parentErr)
	}
	_ = err
	return nil
}

// overall folds component scores (each in [0,1]) into the 0-100 aggregate with
// the fixed weights. A component whose comparison failed outright is excluded
// and the remaining weights renormalized.
func overall(char, loc, style, transition float64, styleOK bool) float64 {
	sum := char*weightCharacter + loc*weightLocation + transition*weightTransition
	den := weightCharacter + weightLocation + weightTransition
	if styleOK {
		sum += style * weightStyle
		den += weightStyle
	}
	return math.Round(100 * sum / den)
}

func appearanceImages(in []reference.AppearanceImage) []reference.Image {
	out := make([]reference.Image, 0, len(in))
	for _, img := range in {
		out = append(out, reference.Image{URL: img.URL, Description: img.Description})
	}
	return out
}

func referenceImages(in []reference.ReferenceImage) []reference.Image {
	out := make([]reference.Image, 0, len(in))
	for _, img := range in {
		out = append(out, reference.Image{URL: img.URL})
	}
	return out
}

// ValidateSequence validates every shot in the sequence plus continuity between
// consecutive shots, returning the union of issues sorted by severity descending,
// ties broken by shot order. Cancellation returns a partial-result error, never a
// silent truncation.
func (e *Engine) ValidateSequence(ctx context.Context, sequenceID string) (*SequenceValidation, error) {
	start := time.Now()
	result, err := e.validateSequenceInternal(ctx, sequenceID)
	issueCount := 0
	if result != nil {
		issueCount = len(result.Issues)
	}
	e.tel.RecordValidation(time.Since(start), issueCount, err)
	return result, err
}

func (e *Engine) validateSequenceInternal(ctx context.Context, sequenceID string) (*SequenceValidation, error) {
	seq, err := e.store.GetSequence(ctx, sequenceID)
	if err != nil {
		return nil, err
	}
	master, err := e.store.GetMasterSheet(ctx, seq.MasterSheetID)
	if err != nil {
		return nil, err
	}
	shots, err := e.store.ListShots(ctx, seq.ID)
	if err != nil {
		return nil, err
	}
	style := seq.ResolvedStyle(master.Style)

	result := &SequenceValidation{SequenceID: sequenceID}
	shotOrder := make(map[string]int, len(shots))
	transitionScores := make([]float64, len(shots))
	for i := range transitionScores {
		transitionScores[i] = 1.0
	}

	for i := range shots {
		if ctx.Err() != nil {
			return result, fmt.Errorf("sequence validation cancelled after %d of %d shots: %w", i, len(shots), ctx.Err())
		}
		shot := shots[i]
		shotOrder[shot.ShotID] = i
		rs, err := e.resolveShot(ctx, &shot)
		if err != nil {
			return result, err
		}
		_, sv, err := e.validateResolved(ctx, rs)
		if err != nil {
			return result, err
		}
		result.Shots = append(result.Shots, sv)
		result.Issues = append(result.Issues, sv.Issues...)
		result.Warnings = append(result.Warnings, sv.Warnings...)
	}

	if e.checker != nil {
		for i := 1; i < len(shots); i++ {
			if ctx.Err() != nil {
				return result, fmt.Errorf("sequence validation cancelled during continuity checks: %w", ctx.Err())
			}
			pair, err := e.checker.AnalyzePair(ctx, shots[i-1], shots[i], style)
			if err != nil {
				result.Warnings = append(result.Warnings, fmt.Sprintf("continuity check %s -> %s failed: %v", shots[i-1].ShotID, shots[i].ShotID, err))
				continue
			}
			transitionScores[i] = pair.TransitionScore
			result.Issues = append(result.Issues, pair.Issues...)
			for range pair.Issues {
				e.tel.RecordIssue(string(reference.IssueTransition))
			}
		}
	}

	// Sequence overall folds each shot's transition context back into its score.
	// A shot whose style comparison failed keeps style excluded here too.
	var total float64
	for i, sv := range result.Shots {
		char, loc, style := sv.Score.Character/100, sv.Score.Location/100, sv.Score.Style/100
		total += overall(char, loc, style, transitionScores[i], sv.StyleScored)
	}
	if len(result.Shots) > 0 {
		result.OverallScore = math.Round(total / float64(len(result.Shots)))
	} else {
		result.OverallScore = 100
	}

	sortIssues(result.Issues, shotOrder)
	return result, nil
}

// sortIssues orders by severity descending, then by shot order, then created time.
func sortIssues(issues []reference.ConsistencyIssue, shotOrder map[string]int) {
	sort.SliceStable(issues, func(i, j int) bool {
		if issues[i].Severity.Rank() != issues[j].Severity.Rank() {
			return issues[i].Severity.Rank() > issues[j].Severity.Rank()
		}
		return shotOrder[issues[i].ShotID] < shotOrder[issues[j].ShotID]
	})
}

// BatchScore computes scores for a set of shots, reusing the cache for hits.
// Order of computation is unspecified. Failed shots are reported per id.
func (e *Engine) BatchScore(ctx context.Context, shotIDs []string) (map[string]reference.ConsistencyScore, map[string]error) {
	scores := make(map[string]reference.ConsistencyScore, len(shotIDs))
	failures := map[string]error{}
	for _, id := range shotIDs {
		score, _, err := e.ValidateShot(ctx, id)
		if err != nil {
			failures[id] = err
			continue
		}
		scores[id] = score
	}
	return scores, failures
}
