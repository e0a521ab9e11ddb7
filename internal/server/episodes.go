package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/zedarvates/storycore/internal/episode"
)

// EpisodeHandler serves cross-episode linking, reference import and
// continuity validation.
type EpisodeHandler struct {
	Service *episode.Service
}

func (h *EpisodeHandler) Register(g *echo.Group) {
	g.POST("/episodes/link", h.link)
	g.POST("/episodes/unlink", h.unlink)
	g.POST("/episodes/import", h.importReferences)
	g.GET("/sequences/:sequenceID/continuity/:episodeID", h.validateContinuity)
	g.GET("/sequences/:sequenceID/continuity/:episodeID/breaks", h.breaks)
	g.GET("/projects/:projectID/episodes", h.list)
}

func (h *EpisodeHandler) link(c echo.Context) error {
	var req LinkEpisodeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.SequenceID == "" || req.EpisodeID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "sequence_id and episode_id are required")
	}
	err := h.Service.Link(c.Request().Context(), req.SequenceID, req.EpisodeID, req.EpisodeName, req.ReferenceShotIDs, req.ContinuityNotes)
	if err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *EpisodeHandler) unlink(c echo.Context) error {
	var req UnlinkEpisodeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.SequenceID == "" || req.EpisodeID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "sequence_id and episode_id are required")
	}
	if err := h.Service.Unlink(c.Request().Context(), req.SequenceID, req.EpisodeID); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *EpisodeHandler) importReferences(c echo.Context) error {
	var req ImportReferencesRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.SourceEpisodeID == "" || req.TargetSequenceID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "source_episode_id and target_sequence_id are required")
	}
	result, err := h.Service.ImportReferences(c.Request().Context(), req.SourceEpisodeID, req.TargetSequenceID, req.Types)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *EpisodeHandler) validateContinuity(c echo.Context) error {
	result, err := h.Service.ValidateContinuity(c.Request().Context(), c.Param("sequenceID"), c.Param("episodeID"))
	if err != nil {
		if result != nil {
			return c.JSON(http.StatusOK, result)
		}
		return httpError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *EpisodeHandler) breaks(c echo.Context) error {
	breaks, err := h.Service.FlagContinuityBreaks(c.Request().Context(), c.Param("sequenceID"), c.Param("episodeID"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, breaks)
}

func (h *EpisodeHandler) list(c echo.Context) error {
	episodes, err := h.Service.LinkedEpisodes(c.Request().Context(), c.Param("projectID"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, episodes)
}
