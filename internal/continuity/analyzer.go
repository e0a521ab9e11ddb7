package continuity

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/zedarvates/storycore/internal/consistency"
	"github.com/zedarvates/storycore/internal/reference"
	"github.com/zedarvates/storycore/internal/similarity"
	"github.com/zedarvates/storycore/internal/telemetry"
)

// Axis identifies which continuity dimension broke between two shots.
type Axis string

const (
	AxisVisual   Axis = "visual"
	AxisTemporal Axis = "temporal"
	AxisSpatial  Axis = "spatial"
)

// Break thresholds. Any axis under breakThreshold flags the pair; a transition
// score under transitionThreshold triggers a transition suggestion.
const (
	breakThreshold      = 0.6
	transitionThreshold = 0.7
)

// Issue is one detected continuity break between two consecutive shots.
type Issue struct {
	ID          string  `json:"id"`
	Axis        Axis    `json:"axis"`
	PrevShotID  string  `json:"prevShotId"`
	CurrShotID  string  `json:"currShotId"`
	Confidence  float64 `json:"confidence"`
	Description string  `json:"description"`
}

// TransitionIssue reports a transition that does not fit the visual delta, with
// a softer suggestion.
type TransitionIssue struct {
	PrevShotID string                   `json:"prevShotId"`
	CurrShotID string                   `json:"currShotId"`
	Score      float64                  `json:"score"`
	Declared   reference.TransitionType `json:"declared"`
	Suggested  reference.TransitionType `json:"suggested"`
}

// PairAnalysis is the full continuity readout for one adjacent shot pair.
type PairAnalysis struct {
	Visual          float64          `json:"visual"`
	Temporal        float64          `json:"temporal"`
	Spatial         float64          `json:"spatial"`
	TransitionScore float64          `json:"transitionScore"`
	Issue           *Issue           `json:"issue,omitempty"`
	Transition      *TransitionIssue `json:"transition,omitempty"`
}

// MetadataScorer scores one declared-metadata axis for an adjacent pair, in [0,1].
// Pluggable so tests pin exact axis values.
type MetadataScorer func(prev, curr reference.ShotReference) float64

// Analyzer detects breaks between consecutive shots along three independent
// axes: visual (perception via the similarity provider), temporal and spatial
// (declared shot metadata, no perception).
type Analyzer struct {
	provider similarity.Provider
	tel      *telemetry.Telemetry
	timeout  time.Duration

	// Temporal and Spatial default to the declared-metadata scorers below.
	Temporal MetadataScorer
	Spatial  MetadataScorer
}

// NewAnalyzer builds an analyzer with the default metadata scorers.
func NewAnalyzer(provider similarity.Provider, tel *telemetry.Telemetry, timeout time.Duration) *Analyzer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Analyzer{
		provider: provider,
		tel:      tel,
		timeout:  timeout,
		Temporal: TemporalScore,
		Spatial:  SpatialScore,
	}
}

// Analyze runs the three axis scores for one pair and derives the transition
// evaluation. A failed visual comparison degrades that axis to 1.0 (no evidence
// of a break) rather than aborting.
func (a *Analyzer) Analyze(ctx context.Context, prev, curr reference.ShotReference, style reference.GlobalStyleSheet) (PairAnalysis, error) {
	pa := PairAnalysis{Visual: 1.0, Temporal: a.Temporal(prev, curr), Spatial: a.Spatial(prev, curr)}

	visual, visualOK := 1.0, false
	if len(prev.GeneratedImages) > 0 && len(curr.GeneratedImages) > 0 {
		callCtx, cancel := context.WithTimeout(ctx, a.timeout)
		// Compare the previous shot's last frame with the current shot's first.
		s, err := a.provider.CompareEntity(callCtx,
			[]reference.Image{prev.GeneratedImages[len(prev.GeneratedImages)-1]},
			[]reference.Image{curr.GeneratedImages[0]})
		cancel()
		a.tel.RecordProviderCall(errors.Is(err, context.DeadlineExceeded), err)
		if parentErr := ctx.Err(); parentErr != nil {
			return pa, fmt.Errorf("continuity analysis cancelled: %w", parentErr)
		}
		if err == nil {
			visual = s
			visualOK = true
		}
	}
	pa.Visual = visual

	if worst, score := worstAxis(pa.Visual, pa.Temporal, pa.Spatial); score < breakThreshold {
		confidence := math.Min(pa.Visual, math.Min(pa.Temporal, pa.Spatial))
		pa.Issue = &Issue{
			ID:          newIssueID(),
			Axis:        worst,
			PrevShotID:  prev.ShotID,
			CurrShotID:  curr.ShotID,
			Confidence:  confidence,
			Description: fmt.Sprintf("%s continuity break between shot %s and shot %s (score %.2f)", worst, prev.ShotID, curr.ShotID, score),
		}
	}

	// Transition fit is derived from visual continuity and the style continuity
	// of the adjacent shots; with no usable visual signal the declared transition
	// is trusted.
	styleContinuity := a.styleContinuity(ctx, prev, curr, style)
	pa.TransitionScore = (pa.Visual + styleContinuity) / 2
	if visualOK && pa.TransitionScore < transitionThreshold {
		suggested := SuggestTransition(pa.Visual)
		if suggested != prev.Metadata.Transition {
			pa.Transition = &TransitionIssue{
				PrevShotID: prev.ShotID,
				CurrShotID: curr.ShotID,
				Score:      pa.TransitionScore,
				Declared:   prev.Metadata.Transition,
				Suggested:  suggested,
			}
		}
	}
	return pa, nil
}

// styleContinuity compares both shots' generated imagery against the same style
// sheet and measures how far apart they land. Missing imagery reads as continuous.
func (a *Analyzer) styleContinuity(ctx context.Context, prev, curr reference.ShotReference, style reference.GlobalStyleSheet) float64 {
	if len(prev.GeneratedImages) == 0 || len(curr.GeneratedImages) == 0 {
		return 1.0
	}
	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	prevScore, err1 := a.provider.CompareStyle(callCtx, style, prev.GeneratedImages)
	currScore, err2 := a.provider.CompareStyle(callCtx, style, curr.GeneratedImages)
	if err1 != nil || err2 != nil {
		return 1.0
	}
	return 1.0 - math.Abs(prevScore-currScore)
}

// AnalyzePair adapts Analyze to the engine's ContinuityChecker interface,
// flattening breaks into tracker-ready transition issues.
func (a *Analyzer) AnalyzePair(ctx context.Context, prev, curr reference.ShotReference, style reference.GlobalStyleSheet) (consistency.PairResult, error) {
	pa, err := a.Analyze(ctx, prev, curr, style)
	if err != nil {
		return consistency.PairResult{}, err
	}
	result := consistency.PairResult{TransitionScore: pa.TransitionScore}
	if pa.Issue != nil {
		sev := reference.SeverityMedium
		if pa.Issue.Confidence < 0.4 {
			sev = reference.SeverityHigh
		}
		iss := reference.NewIssue(
			reference.IssueTransition,
			sev,
			curr.ShotID,
			pa.Issue.Description,
			[]string{prev.ShotID, curr.ShotID},
			"Review the cut between these shots manually",
		)
		result.Issues = append(result.Issues, iss)
	}
	if pa.Transition != nil {
		iss := reference.NewIssue(
			reference.IssueTransition,
			reference.SeverityLow,
			curr.ShotID,
			fmt.Sprintf("transition from shot %s does not fit the visual delta, suggest %s instead of %s",
				pa.Transition.PrevShotID, pa.Transition.Suggested, displayTransition(pa.Transition.Declared)),
			[]string{prev.ShotID, curr.ShotID},
			fmt.Sprintf("Use a %s transition", pa.Transition.Suggested),
		)
		result.Issues = append(result.Issues, iss)
	}
	return result, nil
}

func displayTransition(t reference.TransitionType) string {
	if t == "" {
		return "none"
	}
	return string(t)
}

// SuggestTransition picks the softest transition that fits the visual
// continuity. It is monotonic and never recommends anything harder than a plain
// cut: low continuity softens to dissolve, mid to fade, high stays a cut.
func SuggestTransition(visualContinuity float64) reference.TransitionType {
	switch {
	case visualContinuity < 0.5:
		return reference.TransitionDissolve
	case visualContinuity < 0.7:
		return reference.TransitionFade
	default:
		return reference.TransitionCut
	}
}

// worstAxis returns the lowest-scoring axis, tie-break order visual > temporal > spatial.
func worstAxis(visual, temporal, spatial float64) (Axis, float64) {
	axis, score := AxisVisual, visual
	if temporal < score {
		axis, score = AxisTemporal, temporal
	}
	if spatial < score {
		axis, score = AxisSpatial, spatial
	}
	return axis, score
}

func newIssueID() string { return uuid.NewString() }

var timeOfDayOrder = map[string]int{"dawn": 0, "day": 1, "dusk": 2, "night": 3}

// TemporalScore checks declared time-of-day/day progression. Time moving forward
// (or staying put) within a day is continuous; jumping backwards without a day
// change is a break, and larger jumps score worse.
func TemporalScore(prev, curr reference.ShotReference) float64 {
	p, c := prev.Metadata, curr.Metadata
	if p.TimeOfDay == "" || c.TimeOfDay == "" {
		return 1.0 // nothing declared, nothing to contradict
	}
	po, pok := timeOfDayOrder[p.TimeOfDay]
	co, cok := timeOfDayOrder[c.TimeOfDay]
	if !pok || !cok {
		return 1.0
	}
	if c.Day > p.Day {
		return 1.0
	}
	if c.Day < p.Day {
		return 0.0
	}
	delta := co - po
	if delta >= 0 {
		// Forward progression; a single-phase step is seamless, skipping phases
		// inside one scene reads as a gap.
		if delta <= 1 {
			return 1.0
		}
		return 0.7
	}
	// Time ran backwards within the same day.
	return math.Max(0, 0.4-0.2*float64(-delta-1))
}

// SpatialScore checks declared camera placement plausibility. Small moves are
// continuous; teleporting the camera across the scene between consecutive shots
// is a break unless the movement style declares a traveling shot.
func SpatialScore(prev, curr reference.ShotReference) float64 {
	p, c := prev.Metadata, curr.Metadata
	zero := reference.CameraPosition{}
	if p.CameraPosition == zero && c.CameraPosition == zero {
		return 1.0
	}
	dx := c.CameraPosition.X - p.CameraPosition.X
	dy := c.CameraPosition.Y - p.CameraPosition.Y
	dz := c.CameraPosition.Z - p.CameraPosition.Z
	dist := math.Sqrt(dx*dx + dy*dy + dz*dz)
	traveling := p.CameraMovement == "dolly" || p.CameraMovement == "handheld"
	// 10 scene units is treated as the far edge of a plausible reposition.
	score := 1.0 - dist/10.0
	if traveling {
		score += 0.3
	}
	return math.Max(0, math.Min(1, score))
}
