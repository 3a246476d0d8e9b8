package actions

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/assistant/internal/domain/clinical"
	"github.com/ehr/assistant/internal/platform/auth"
)

type Handler struct {
	committer *Committer
}

func NewHandler(committer *Committer) *Handler {
	return &Handler{committer: committer}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/actions/commit", h.Commit, auth.RequireRole("physician", "nurse"))
}

type commitRequest struct {
	ConversationID *uuid.UUID `json:"conversation_id"`
	PatientID      *uuid.UUID `json:"patient_id"`
	Actions        []Action   `json:"actions"`
}

type commitFailure struct {
	Error   string           `json:"error"`
	Index   int              `json:"failed_index"`
	Outcome clinical.Outcome `json:"outcome"`
}

var outcomeStatus = map[clinical.Outcome]int{
	clinical.OutcomeInvalid:   http.StatusUnprocessableEntity,
	clinical.OutcomeForbidden: http.StatusForbidden,
	clinical.OutcomeNotFound:  http.StatusNotFound,
	clinical.OutcomeConflict:  http.StatusConflict,
}

// Commit applies a clinician-confirmed batch.
func (h *Handler) Commit(c echo.Context) error {
	var req commitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	res, err := h.committer.Commit(c.Request().Context(), req.Actions, Meta{
		ConversationID: req.ConversationID,
		PatientID:      req.PatientID,
		Source:         "clinician_confirmed",
	})
	if err != nil {
		var aErr *ActionError
		if errors.As(err, &aErr) {
			status, ok := outcomeStatus[aErr.Outcome]
			if !ok {
				status = http.StatusInternalServerError
			}
			return c.JSON(status, commitFailure{Error: err.Error(), Index: aErr.Index, Outcome: aErr.Outcome})
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "commit failed")
	}
	return c.JSON(http.StatusCreated, res)
}
