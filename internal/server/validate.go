package server

import (
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/zedarvates/storycore/internal/consistency"
	"github.com/zedarvates/storycore/internal/tracker"
)

// ValidateHandler runs consistency validation and records any issues it finds.
type ValidateHandler struct {
	Engine  *consistency.Engine
	Tracker *tracker.Tracker
}

func (h *ValidateHandler) Register(g *echo.Group) {
	g.POST("/shots/:shotID/validate", h.validateShot)
	g.POST("/sequences/:sequenceID/validate", h.validateSequence)
	g.POST("/shots/batch-score", h.batchScore)
}

// Validate shot
//
//	@Summary	Validate a single shot
//	@Tags		validate
//	@Produce	json
//	@Param		shotID	path		string	true	"Shot id"
//	@Success	200		{object}	consistency.ShotValidation
//	@Failure	404		{object}	HTTPError
//	@Router		/api/shots/{shotID}/validate [post]
func (h *ValidateHandler) validateShot(c echo.Context) error {
	ctx := c.Request().Context()
	sv, err := h.Engine.ValidateShotDetailed(ctx, c.Param("shotID"))
	if err != nil {
		return httpError(err)
	}
	if len(sv.Issues) > 0 {
		if err := h.Tracker.Record(ctx, sv.Issues); err != nil {
			log.Printf("[HTTP] recording issues for shot %s: %v", c.Param("shotID"), err)
		}
	}
	// The cached flag lets clients tell "no issues" from "not re-detected".
	return c.JSON(http.StatusOK, sv)
}

func (h *ValidateHandler) validateSequence(c echo.Context) error {
	ctx := c.Request().Context()
	result, err := h.Engine.ValidateSequence(ctx, c.Param("sequenceID"))
	if err != nil {
		if result != nil {
			// Partial result on cancellation still reaches the client.
			return c.JSON(http.StatusOK, result)
		}
		return httpError(err)
	}
	if len(result.Issues) > 0 {
		if err := h.Tracker.Record(ctx, result.Issues); err != nil {
			log.Printf("[HTTP] recording issues for sequence %s: %v", c.Param("sequenceID"), err)
		}
	}
	return c.JSON(http.StatusOK, result)
}

func (h *ValidateHandler) batchScore(c echo.Context) error {
	var req BatchScoreRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.ShotIDs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "shotIds is required")
	}
	scores, failures := h.Engine.BatchScore(c.Request().Context(), req.ShotIDs)
	failed := make(map[string]string, len(failures))
	for id, err := range failures {
		failed[id] = err.Error()
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"scores":   scores,
		"failures": failed,
	})
}
