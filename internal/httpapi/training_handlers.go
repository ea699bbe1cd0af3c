package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"physionet.org/internal/audit"
	"physionet.org/internal/auth"
	"physionet.org/internal/entitlement"
)

type trainingTypeBody struct {
	Name      string `json:"name"`
	ValidDays int    `json:"valid_days"`
}

type trainingBody struct {
	TrainingTypeID string `json:"training_type_id"`
}

type reviewBody struct {
	Status string `json:"status"`
}

func (a *API) createTrainingType(w http.ResponseWriter, r *http.Request) {
	var body trainingTypeBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(body.Name) == "" || body.ValidDays < 0 || body.ValidDays > maxGrantDays {
		writeError(w, r, http.StatusBadRequest, "name is required and valid_days must be between 0 and "+strconv.Itoa(maxGrantDays))
		return
	}
	tt, err := a.entitlements.CreateTrainingType(r.Context(), entitlement.TrainingType{
		Name:          strings.TrimSpace(body.Name),
		ValidDuration: time.Duration(body.ValidDays) * 24 * time.Hour,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tt)
}

// submitTraining records a completion for the caller; it counts once an
// administrator accepts it.
func (a *API) submitTraining(w http.ResponseWriter, r *http.Request) {
	var body trainingBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user := auth.UserFromContext(r.Context())
	t, err := a.entitlements.AddTraining(r.Context(), entitlement.Training{
		UserID:         user.ID,
		TrainingTypeID: strings.TrimSpace(body.TrainingTypeID),
		Status:         entitlement.TrainingReview,
		ProcessedAt:    time.Now().UTC(),
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.TrainingSubmit, map[string]any{"training_id": t.ID, "training_type_id": t.TrainingTypeID})
	w.Header().Set("Location", "/v1/trainings/"+t.ID)
	writeJSON(w, http.StatusCreated, t)
}

func (a *API) reviewTraining(w http.ResponseWriter, r *http.Request) {
	var body reviewBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	st, ok := entitlement.ParseTrainingStatus(strings.ToLower(strings.TrimSpace(body.Status)))
	if !ok || (st != entitlement.TrainingAccepted && st != entitlement.TrainingRejected) {
		writeError(w, r, http.StatusBadRequest, "status must be accepted or rejected, got "+strconv.Quote(body.Status))
		return
	}
	id := chi.URLParam(r, "id")
	t, err := a.entitlements.SetTrainingStatus(r.Context(), id, st, time.Now().UTC())
	if err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.TrainingReview, map[string]any{"training_id": id, "status": st.String()})
	writeJSON(w, http.StatusOK, t)
}
