package tracker

import (
	"context"
	"fmt"

	"github.com/zedarvates/storycore/internal/reference"
)

// FixSuggestion is one proposed remediation with a confidence estimate.
type FixSuggestion struct {
	Action      string  `json:"action"`
	Confidence  float64 `json:"confidence"`
	Description string  `json:"description"`
}

// SuggestFix returns the deterministic, type-driven fix menu for an issue, in
// confidence order. Transitions only ever get a manual edit — they are never
// auto-fixable.
func (t *Tracker) SuggestFix(ctx context.Context, issueID string) ([]FixSuggestion, error) {
	iss, err := t.store.GetIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	return suggestionsFor(iss), nil
}

func suggestionsFor(iss *reference.ConsistencyIssue) []FixSuggestion {
	target := ""
	if len(iss.AffectedElements) > 0 {
		target = iss.AffectedElements[0]
	}
	switch iss.Type {
	case reference.IssueCharacter:
		return []FixSuggestion{
			{Action: "regenerate", Confidence: 0.85, Description: fmt.Sprintf("Regenerate shot %s with the appearance sheet for %s as reference", iss.ShotID, target)},
			{Action: "add_reference", Confidence: 0.7, Description: fmt.Sprintf("Add another reference view for %s to strengthen guidance", target)},
			{Action: "adjust_prompt", Confidence: 0.6, Description: "Restate the character's defining features in the generation prompt"},
		}
	case reference.IssueLocation:
		return []FixSuggestion{
			{Action: "add_reference", Confidence: 0.8, Description: fmt.Sprintf("Add a higher-weight reference image for %s", target)},
			{Action: "regenerate", Confidence: 0.75, Description: fmt.Sprintf("Regenerate shot %s with the location references attached", iss.ShotID)},
		}
	case reference.IssueStyle:
		return []FixSuggestion{
			{Action: "adjust_prompt", Confidence: 0.9, Description: "Restate the global art style, palette and lighting in the prompt"},
			{Action: "regenerate", Confidence: 0.7, Description: fmt.Sprintf("Regenerate shot %s with the style sheet applied", iss.ShotID)},
		}
	case reference.IssueTransition:
		return []FixSuggestion{
			{Action: "manual_edit", Confidence: 0.5, Description: "Review the transition in the editor; continuity cuts need a human eye"},
		}
	}
	return nil
}
