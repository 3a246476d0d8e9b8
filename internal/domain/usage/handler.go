package usage

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/assistant/internal/platform/db"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/usage/today", h.GetToday)
}

type todayResponse struct {
	Budget  Budget   `json:"budget"`
	Counter *Counter `json:"counter"`
}

func (h *Handler) GetToday(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := db.TenantFromContext(ctx)
	counter, err := h.svc.Today(ctx, tenantID)
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "usage ledger unavailable")
	}
	return c.JSON(http.StatusOK, todayResponse{
		Budget:  h.svc.budgetFor(counter.TokensUsed),
		Counter: counter,
	})
}
