package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/zedarvates/storycore/internal/episode"
	"github.com/zedarvates/storycore/internal/store"
)

// HTTPError is the unified JSON error body.
type HTTPError struct {
	Error string `json:"error"`
}

// AuthSignupRequest is the signup payload.
type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthLoginRequest is the login payload.
type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LinkEpisodeRequest links a sequence to a prior episode.
type LinkEpisodeRequest struct {
	SequenceID       string   `json:"sequence_id"`
	EpisodeID        string   `json:"episode_id"`
	EpisodeName      string   `json:"episode_name"`
	ReferenceShotIDs []string `json:"reference_shot_ids,omitempty"`
	ContinuityNotes  string   `json:"continuity_notes,omitempty"`
}

// UnlinkEpisodeRequest reverses a link.
type UnlinkEpisodeRequest struct {
	SequenceID string `json:"sequence_id"`
	EpisodeID  string `json:"episode_id"`
}

// ImportReferencesRequest copies references from a prior episode.
type ImportReferencesRequest struct {
	SourceEpisodeID  string              `json:"source_episode_id"`
	TargetSequenceID string              `json:"target_sequence_id"`
	Types            episode.ImportTypes `json:"types"`
}

// ResolveIssueRequest closes an issue with a strategy.
type ResolveIssueRequest struct {
	Strategy string `json:"strategy"`
}

// BatchScoreRequest scores a set of shots in one call.
type BatchScoreRequest struct {
	ShotIDs []string `json:"shot_ids"`
}

// httpError maps store sentinels onto status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
