package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/zedarvates/storycore/internal/reference"
	"github.com/zedarvates/storycore/internal/store"
)

// ReferenceHandler serves CRUD for master, sequence and shot reference
// sheets.
type ReferenceHandler struct {
	Store store.ReferenceStore
}

func (h *ReferenceHandler) Register(g *echo.Group) {
	g.GET("/projects/:projectID/master", h.getMaster)
	g.PUT("/projects/:projectID/master", h.putMaster)
	g.DELETE("/projects/:projectID/master", h.deleteMaster)

	g.GET("/sequences/:sequenceID", h.getSequence)
	g.PUT("/sequences/:sequenceID", h.putSequence)
	g.DELETE("/sequences/:sequenceID", h.deleteSequence)
	g.POST("/sequences/:sequenceID/refresh", h.refreshSequence)

	g.GET("/shots/:shotID", h.getShot)
	g.PUT("/shots/:shotID", h.putShot)
	g.DELETE("/shots/:shotID", h.deleteShot)
	g.GET("/sequences/:sequenceID/shots", h.listShots)
}

func (h *ReferenceHandler) getMaster(c echo.Context) error {
	sheet, err := h.Store.GetMaster(c.Request().Context(), c.Param("projectID"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sheet)
}

func (h *ReferenceHandler) putMaster(c echo.Context) error {
	var sheet reference.MasterReferenceSheet
	if err := c.Bind(&sheet); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sheet.ProjectID = c.Param("projectID")
	if err := h.Store.PutMaster(c.Request().Context(), &sheet); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sheet)
}

func (h *ReferenceHandler) deleteMaster(c echo.Context) error {
	if err := h.Store.DeleteMaster(c.Request().Context(), c.Param("projectID")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *ReferenceHandler) getSequence(c echo.Context) error {
	sheet, err := h.Store.GetSequence(c.Request().Context(), c.Param("sequenceID"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sheet)
}

func (h *ReferenceHandler) putSequence(c echo.Context) error {
	var sheet reference.SequenceReferenceSheet
	if err := c.Bind(&sheet); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sheet.SequenceID = c.Param("sequenceID")
	if sheet.MasterSheetID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "masterSheetId is required")
	}
	if err := h.Store.PutSequence(c.Request().Context(), &sheet); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sheet)
}

func (h *ReferenceHandler) deleteSequence(c echo.Context) error {
	if err := h.Store.DeleteSequence(c.Request().Context(), c.Param("sequenceID")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// refreshSequence re-snapshots the sequence against the current master:
// inherited ids that no longer resolve on the master are dropped from
// the sequence's inherited lists. Explicit additions are kept.
func (h *ReferenceHandler) refreshSequence(c echo.Context) error {
	ctx := c.Request().Context()
	seq, err := h.Store.GetSequence(ctx, c.Param("sequenceID"))
	if err != nil {
		return httpError(err)
	}
	master, err := h.Store.GetMasterSheet(ctx, seq.MasterSheetID)
	if err != nil {
		return httpError(err)
	}
	kept := seq.InheritedCharacters[:0:0]
	for _, id := range seq.InheritedCharacters {
		if _, ok := master.Character(id); ok {
			kept = append(kept, id)
		}
	}
	seq.InheritedCharacters = kept
	keptLoc := seq.InheritedLocations[:0:0]
	for _, id := range seq.InheritedLocations {
		if _, ok := master.Location(id); ok {
			keptLoc = append(keptLoc, id)
		}
	}
	seq.InheritedLocations = keptLoc
	if err := h.Store.PutSequence(ctx, seq); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, seq)
}

func (h *ReferenceHandler) getShot(c echo.Context) error {
	shot, err := h.Store.GetShot(c.Request().Context(), c.Param("shotID"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, shot)
}

func (h *ReferenceHandler) putShot(c echo.Context) error {
	var shot reference.ShotReference
	if err := c.Bind(&shot); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	shot.ShotID = c.Param("shotID")
	if shot.SequenceSheetID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "sequenceSheetId is required")
	}
	if err := h.Store.PutShot(c.Request().Context(), &shot); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, shot)
}

func (h *ReferenceHandler) deleteShot(c echo.Context) error {
	if err := h.Store.DeleteShot(c.Request().Context(), c.Param("shotID")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *ReferenceHandler) listShots(c echo.Context) error {
	ctx := c.Request().Context()
	seq, err := h.Store.GetSequence(ctx, c.Param("sequenceID"))
	if err != nil {
		return httpError(err)
	}
	shots, err := h.Store.ListShots(ctx, seq.ID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, shots)
}
