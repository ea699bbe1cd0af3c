package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"physionet.org/internal/auth"
	"physionet.org/internal/project"
)

type createDraftBody struct {
	CoreID             string   `json:"core_id"`
	Title              string   `json:"title"`
	Version            string   `json:"version"`
	AccessPolicy       string   `json:"access_policy"`
	AllowFileDownloads *bool    `json:"allow_file_downloads"`
	RequiredTrainings  []string `json:"required_trainings"`
}

type archiveBody struct {
	Reason     string `json:"reason"`
	ClearFiles bool   `json:"clear_files"`
}

type transitionBody struct {
	Status string `json:"status"`
}

type publishBody struct {
	Slug string `json:"slug"`
}

type uploadResponse struct {
	Path    string              `json:"path"`
	Size    int64               `json:"size"`
	Storage project.StorageInfo `json:"storage"`
}

func (a *API) createDraft(w http.ResponseWriter, r *http.Request) {
	var body createDraftBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	policy, err := project.ParseAccessPolicy(body.AccessPolicy)
	if err != nil {
		handleError(w, r, err)
		return
	}
	allowDownloads := true
	if body.AllowFileDownloads != nil {
		allowDownloads = *body.AllowFileDownloads
	}
	user := auth.UserFromContext(r.Context())
	if body.CoreID != "" && !user.IsAdmin {
		// New versions of an existing project go through the editors.
		handleError(w, r, fmt.Errorf("%w: only administrators may open a new version", errForbidden))
		return
	}
	p, err := a.lifecycle.Create(r.Context(), project.Active{
		CoreID:             body.CoreID,
		Title:              body.Title,
		Version:            body.Version,
		SubmittingAuthor:   user.ID,
		AccessPolicy:       policy,
		AllowFileDownloads: allowDownloads,
		RequiredTrainings:  body.RequiredTrainings,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/active/"+p.ID)
	writeJSON(w, http.StatusCreated, p)
}

// ownedDraft loads the draft named in the URL if the caller authored it or
// is an administrator.
func (a *API) ownedDraft(r *http.Request) (project.Active, error) {
	p, err := a.projects.GetActive(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return project.Active{}, err
	}
	user := auth.UserFromContext(r.Context())
	if p.SubmittingAuthor != user.ID && !user.IsAdmin {
		return project.Active{}, fmt.Errorf("%w: draft belongs to another author", errForbidden)
	}
	return p, nil
}

func (a *API) getDraft(w http.ResponseWriter, r *http.Request) {
	p, err := a.ownedDraft(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) draftStorage(w http.ResponseWriter, r *http.Request) {
	p, err := a.ownedDraft(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	info, err := a.lifecycle.StorageInfo(r.Context(), p.ID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"allowance":       info.Allowance,
		"published_total": info.PublishedTotal,
		"used":            info.Used,
		"remaining":       info.Remaining(),
	})
}

func (a *API) putDraftFile(w http.ResponseWriter, r *http.Request) {
	p, err := a.ownedDraft(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if r.ContentLength > a.opts.MaxUploadBytes {
		writeError(w, r, http.StatusRequestEntityTooLarge, "upload exceeds the per-request limit")
		return
	}
	rel := chi.URLParam(r, "*")
	defer r.Body.Close()
	n, err := a.lifecycle.WriteFile(r.Context(), p.ID, rel, r.Body, r.ContentLength)
	if err != nil {
		handleError(w, r, err)
		return
	}
	info, err := a.lifecycle.StorageInfo(r.Context(), p.ID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, uploadResponse{Path: strings.Trim(rel, "/"), Size: n, Storage: info})
}

// limitUpload caps upload bodies at the configured per-request size.
func (a *API) limitUpload(next http.Handler) http.Handler {
	return MaxBodyBytes(next, a.opts.MaxUploadBytes)
}

func (a *API) deleteDraftFile(w http.ResponseWriter, r *http.Request) {
	p, err := a.ownedDraft(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if err := a.lifecycle.DeleteFile(r.Context(), p.ID, chi.URLParam(r, "*")); err != nil {
		handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) submitDraft(w http.ResponseWriter, r *http.Request) {
	p, err := a.ownedDraft(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	p, err = a.lifecycle.Submit(r.Context(), p.ID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// archiveDraft lets authors delete their own drafts; other reasons are
// reserved for administrators.
func (a *API) archiveDraft(w http.ResponseWriter, r *http.Request) {
	var body archiveBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	p, err := a.ownedDraft(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	reason, ok := parseArchiveReason(body.Reason)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "unknown archive reason")
		return
	}
	user := auth.UserFromContext(r.Context())
	if reason != project.ArchiveDeletedByUser && !user.IsAdmin {
		handleError(w, r, fmt.Errorf("%w: only administrators may archive for %s", errForbidden, reason))
		return
	}
	arch, err := a.lifecycle.Archive(r.Context(), p.ID, reason, body.ClearFiles)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, arch)
}

func (a *API) transitionDraft(w http.ResponseWriter, r *http.Request) {
	var body transitionBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	to, ok := project.ParseSubmissionStatus(strings.TrimSpace(body.Status))
	if !ok {
		writeError(w, r, http.StatusBadRequest, "unknown submission status")
		return
	}
	p, err := a.lifecycle.Transition(r.Context(), chi.URLParam(r, "id"), to)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) publishDraft(w http.ResponseWriter, r *http.Request) {
	var body publishBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	pub, err := a.lifecycle.Publish(r.Context(), chi.URLParam(r, "id"), body.Slug)
	if err != nil {
		handleError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/projects/"+pub.Slug+"/"+pub.Version)
	writeJSON(w, http.StatusCreated, pub)
}

func parseArchiveReason(s string) (project.ArchiveReason, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return project.ArchiveDeletedByUser, true
	}
	for r := project.ArchiveDeletedByUser; r <= project.ArchiveRejected; r++ {
		if r.String() == s {
			return r, true
		}
	}
	return 0, false
}
