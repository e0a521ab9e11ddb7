package server

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/zedarvates/storycore/internal/reference"
	"github.com/zedarvates/storycore/internal/tracker"
)

// IssueHandler serves issue lifecycle: listing, resolution, fix suggestions
// and free-text search.
type IssueHandler struct {
	Tracker *tracker.Tracker
}

func (h *IssueHandler) Register(g *echo.Group) {
	g.GET("/shots/:shotID/issues", h.active)
	g.GET("/shots/:shotID/issues/history", h.history)
	g.GET("/issues/:issueID", h.get)
	g.POST("/issues/:issueID/resolve", h.resolve)
	g.GET("/issues/:issueID/suggestions", h.suggestions)
	g.GET("/issues/search", h.search)
}

func (h *IssueHandler) active(c echo.Context) error {
	issues, err := h.Tracker.Active(c.Request().Context(), c.Param("shotID"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, issues)
}

func (h *IssueHandler) history(c echo.Context) error {
	issues, err := h.Tracker.History(c.Request().Context(), c.Param("shotID"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, issues)
}

func (h *IssueHandler) get(c echo.Context) error {
	iss, err := h.Tracker.Get(c.Request().Context(), c.Param("issueID"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, iss)
}

// Resolve issue
//
//	@Summary	Resolve an issue with a strategy
//	@Tags		issues
//	@Accept		json
//	@Produce	json
//	@Param		issueID	path		string				true	"Issue id"
//	@Param		payload	body		ResolveIssueRequest	true	"Resolution strategy"
//	@Success	204		{string}	string				"No Content"
//	@Failure	400		{object}	HTTPError
//	@Router		/api/issues/{issueID}/resolve [post]
func (h *IssueHandler) resolve(c echo.Context) error {
	var req ResolveIssueRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	strategy := reference.ResolutionStrategy(req.Strategy)
	if err := h.Tracker.Resolve(c.Request().Context(), c.Param("issueID"), strategy); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *IssueHandler) suggestions(c echo.Context) error {
	fixes, err := h.Tracker.SuggestFix(c.Request().Context(), c.Param("issueID"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, fixes)
}

func (h *IssueHandler) search(c echo.Context) error {
	q := c.QueryParam("q")
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	limit := 20
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}
	hits, err := h.Tracker.Search(q, limit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, hits)
}
