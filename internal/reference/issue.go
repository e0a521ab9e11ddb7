package reference

import (
	"time"

	"github.com/google/uuid"
)

// IssueType classifies what a consistency issue is about.
type IssueType string

const (
	IssueCharacter  IssueType = "character"
	IssueLocation   IssueType = "location"
	IssueStyle      IssueType = "style"
	IssueTransition IssueType = "transition"
)

// Severity orders issues for triage. Rank grows with urgency.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank maps a severity to a sortable weight: critical > high > medium > low.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// ResolutionStrategy is how an issue was closed.
type ResolutionStrategy string

const (
	ResolveAutoFix      ResolutionStrategy = "auto_fix"
	ResolveManualReview ResolutionStrategy = "manual_review"
	ResolveIgnore       ResolutionStrategy = "ignore"
	ResolveRegenerate   ResolutionStrategy = "regenerate"
)

// ValidStrategy reports whether s is one of the known resolution strategies.
func ValidStrategy(s ResolutionStrategy) bool {
	switch s {
	case ResolveAutoFix, ResolveManualReview, ResolveIgnore, ResolveRegenerate:
		return true
	}
	return false
}

// ConsistencyIssue is one detected problem on one shot. Lifecycle is
// Active -> Resolved, terminal; a recurring problem is a new issue, never a reopen.
type ConsistencyIssue struct {
	ID               string             `json:"id"`
	Type             IssueType          `json:"type"`
	Severity         Severity           `json:"severity"`
	ShotID           string             `json:"shotId"`
	Description      string             `json:"description"`
	AffectedElements []string           `json:"affectedElements"`
	SuggestedFix     string             `json:"suggestedFix,omitempty"`
	AutoFixable      bool               `json:"autoFixable"`
	CreatedAt        time.Time          `json:"createdAt"`
	ResolvedAt       *time.Time         `json:"resolvedAt,omitempty"`
	Resolution       ResolutionStrategy `json:"resolution,omitempty"`
}

// Resolved reports whether the issue has reached its terminal state.
func (i *ConsistencyIssue) Resolved() bool { return i.ResolvedAt != nil }

// NewIssue builds an issue with a fresh id and the auto-fixability invariant
// applied: transition issues are never auto-fixable, every other type is.
func NewIssue(t IssueType, sev Severity, shotID, description string, affected []string, suggestedFix string) ConsistencyIssue {
	return ConsistencyIssue{
		ID:               uuid.NewString(),
		Type:             t,
		Severity:         sev,
		ShotID:           shotID,
		Description:      description,
		AffectedElements: affected,
		SuggestedFix:     suggestedFix,
		AutoFixable:      t != IssueTransition,
		CreatedAt:        time.Now().UTC(),
	}
}

// SeverityForScore maps a 0-100 sub-score to issue severity using the engine's
// fixed thresholds: below 40 is high, otherwise medium. Scores at or above the
// flagging threshold never reach this function.
func SeverityForScore(score float64) Severity {
	if score < 40 {
		return SeverityHigh
	}
	return SeverityMedium
}
