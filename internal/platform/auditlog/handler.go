package auditlog

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/assistant/internal/platform/auth"
	"github.com/ehr/assistant/pkg/pagination"
)

type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/audit", auth.RequireRole("admin", "compliance"))
	g.GET("/entries", h.ListEntries)
	g.GET("/entries/:id", h.GetEntry)
	g.POST("/verify", h.VerifyChain)
}

func (h *Handler) ListEntries(c echo.Context) error {
	f, err := filterFromQuery(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	pg := pagination.FromContext(c)
	items, total, err := h.store.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetEntry(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	e, err := h.store.Get(c.Request().Context(), id)
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "audit entry not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) VerifyChain(c echo.Context) error {
	var r Range
	var err error
	if v := c.QueryParam("from_id"); v != "" {
		if r.FromID, err = strconv.ParseInt(v, 10, 64); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid from_id")
		}
	}
	if v := c.QueryParam("to_id"); v != "" {
		if r.ToID, err = strconv.ParseInt(v, 10, 64); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid to_id")
		}
	}
	res, err := Verify(c.Request().Context(), h.store, r)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, res)
}

func filterFromQuery(c echo.Context) (Filter, error) {
	var f Filter
	if v := c.QueryParam("conversation_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, errors.New("invalid conversation_id")
		}
		f.ConversationID = &id
	}
	if v := c.QueryParam("patient_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, errors.New("invalid patient_id")
		}
		f.PatientID = &id
	}
	f.UserID = c.QueryParam("user_id")
	f.Action = c.QueryParam("action")
	if v := c.QueryParam("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New("invalid since, expected RFC3339")
		}
		f.Since = &t
	}
	if v := c.QueryParam("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New("invalid until, expected RFC3339")
		}
		f.Until = &t
	}
	return f, nil
}
