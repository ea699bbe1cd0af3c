package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"physionet.org/internal/audit"
	"physionet.org/internal/auth"
	"physionet.org/internal/entitlement"
)

type eventBody struct {
	Title     string `json:"title"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

type participantBody struct {
	UserID string `json:"user_id"`
	Cohost bool   `json:"cohost"`
}

type eventDatasetBody struct {
	Slug    string `json:"slug"`
	Version string `json:"version"`
}

type eventDatasetUpdateBody struct {
	IsActive *bool `json:"is_active"`
}

type eventResponse struct {
	Event    entitlement.Event          `json:"event"`
	Datasets []entitlement.EventDataset `json:"datasets"`
}

func parseDay(field, v string) (time.Time, error) {
	d, err := time.Parse(time.DateOnly, strings.TrimSpace(v))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be YYYY-MM-DD", entitlement.ErrInvalidInput, field)
	}
	return d, nil
}

// createEvent opens an event hosted by the caller. Hosts must be
// credentialed.
func (a *API) createEvent(w http.ResponseWriter, r *http.Request) {
	var body eventBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user := auth.UserFromContext(r.Context())
	if !user.IsCredentialed && !user.IsAdmin {
		handleError(w, r, fmt.Errorf("%w: credentialing is required to host events", errForbidden))
		return
	}
	start, err := parseDay("start_date", body.StartDate)
	if err != nil {
		handleError(w, r, err)
		return
	}
	end, err := parseDay("end_date", body.EndDate)
	if err != nil {
		handleError(w, r, err)
		return
	}
	ev, err := a.entitlements.CreateEvent(r.Context(), entitlement.Event{
		Title:     strings.TrimSpace(body.Title),
		HostID:    user.ID,
		StartDate: start,
		EndDate:   end,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventCreate, map[string]any{"event_id": ev.ID, "title": ev.Title})
	w.Header().Set("Location", "/v1/events/"+ev.ID)
	writeJSON(w, http.StatusCreated, ev)
}

// eventFromURL loads the event and checks the caller may act on it. With
// manage set only hosts, co-hosts and administrators pass; otherwise
// participants do too.
func (a *API) eventFromURL(r *http.Request, manage bool) (entitlement.Event, error) {
	ev, err := a.entitlements.GetEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return entitlement.Event{}, err
	}
	user := auth.UserFromContext(r.Context())
	switch {
	case user.IsAdmin, ev.Manages(user.ID):
		return ev, nil
	case !manage && entitlement.HasEventAccess(user.ID, ev):
		return ev, nil
	}
	return entitlement.Event{}, fmt.Errorf("%w: not a host of this event", errForbidden)
}

func (a *API) getEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := a.eventFromURL(r, false)
	if err != nil {
		handleError(w, r, err)
		return
	}
	datasets, err := a.entitlements.EventDatasets(r.Context(), []string{ev.ID})
	if err != nil {
		handleError(w, r, err)
		return
	}
	if datasets == nil {
		datasets = []entitlement.EventDataset{}
	}
	writeJSON(w, http.StatusOK, eventResponse{Event: ev, Datasets: datasets})
}

// addParticipant invites a user. Co-hosts may invite participants; only the
// host names co-hosts.
func (a *API) addParticipant(w http.ResponseWriter, r *http.Request) {
	var body participantBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	ev, err := a.eventFromURL(r, true)
	if err != nil {
		handleError(w, r, err)
		return
	}
	user := auth.UserFromContext(r.Context())
	if body.Cohost && ev.HostID != user.ID && !user.IsAdmin {
		handleError(w, r, fmt.Errorf("%w: only the host names co-hosts", errForbidden))
		return
	}
	invitee := strings.TrimSpace(body.UserID)
	if invitee == "" || invitee == ev.HostID {
		handleError(w, r, fmt.Errorf("%w: user_id must name someone other than the host", entitlement.ErrInvalidInput))
		return
	}
	if a.users != nil {
		if _, err := a.users.GetUser(r.Context(), invitee); err != nil {
			handleError(w, r, err)
			return
		}
	}
	p, err := a.entitlements.AddParticipant(r.Context(), ev.ID, invitee, body.Cohost)
	if err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventParticipantAdd, map[string]any{
		"event_id": ev.ID, "participant_id": invitee, "cohost": body.Cohost,
	})
	writeJSON(w, http.StatusCreated, p)
}

// attachEventDataset shares a published version with the event. Hosts
// can only share projects they may access themselves.
func (a *API) attachEventDataset(w http.ResponseWriter, r *http.Request) {
	var body eventDatasetBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	ev, err := a.eventFromURL(r, true)
	if err != nil {
		handleError(w, r, err)
		return
	}
	user := auth.UserFromContext(r.Context())
	if ev.HostID != user.ID && !user.IsAdmin {
		handleError(w, r, fmt.Errorf("%w: only the host attaches datasets", errForbidden))
		return
	}
	p, err := a.projects.GetPublished(r.Context(), strings.TrimSpace(body.Slug), strings.TrimSpace(body.Version))
	if err != nil {
		handleError(w, r, err)
		return
	}
	if !user.IsAdmin {
		allowed, err := a.engine.CanAccessProject(r.Context(), p, user)
		if err != nil {
			handleError(w, r, err)
			return
		}
		if !allowed {
			handleError(w, r, fmt.Errorf("%w: the host has no access to %s/%s", errForbidden, p.Slug, p.Version))
			return
		}
	}
	d, err := a.entitlements.AttachDataset(r.Context(), ev.ID, p.ID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventDatasetAttach, map[string]any{
		"event_id": ev.ID, "dataset_id": d.ID, "published_id": p.ID,
	})
	w.Header().Set("Location", "/v1/events/"+ev.ID+"/datasets/"+d.ID)
	writeJSON(w, http.StatusCreated, d)
}

func (a *API) updateEventDataset(w http.ResponseWriter, r *http.Request) {
	var body eventDatasetUpdateBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if body.IsActive == nil {
		writeError(w, r, http.StatusBadRequest, "is_active is required")
		return
	}
	ev, err := a.eventFromURL(r, true)
	if err != nil {
		handleError(w, r, err)
		return
	}
	user := auth.UserFromContext(r.Context())
	if ev.HostID != user.ID && !user.IsAdmin {
		handleError(w, r, fmt.Errorf("%w: only the host changes datasets", errForbidden))
		return
	}
	datasets, err := a.entitlements.EventDatasets(r.Context(), []string{ev.ID})
	if err != nil {
		handleError(w, r, err)
		return
	}
	id := chi.URLParam(r, "datasetID")
	for _, d := range datasets {
		if d.ID != id {
			continue
		}
		if err := a.entitlements.SetEventDatasetActive(r.Context(), id, *body.IsActive); err != nil {
			handleError(w, r, err)
			return
		}
		d.IsActive = *body.IsActive
		_ = audit.LogEvent(r.Context(), audit.EventDatasetUpdate, map[string]any{
			"event_id": ev.ID, "dataset_id": id, "is_active": d.IsActive,
		})
		writeJSON(w, http.StatusOK, d)
		return
	}
	handleError(w, r, entitlement.ErrNotFound)
}
