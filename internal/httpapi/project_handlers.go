package httpapi

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"physionet.org/internal/audit"
	"physionet.org/internal/auth"
	"physionet.org/internal/entitlement"
	"physionet.org/internal/fileview"
	"physionet.org/internal/project"
	"physionet.org/internal/projectfiles"
)

type projectResponse struct {
	Project   project.Published `json:"project"`
	CanAccess bool              `json:"can_access"`
}

type listProjectsResponse struct {
	Items []project.Published `json:"items"`
}

type directoryResponse struct {
	Path    string               `json:"path"`
	Entries []projectfiles.Entry `json:"entries"`
}

type accessRequestBody struct {
	Reason string `json:"reason"`
}

// maxGrantDays bounds day counts taken from request bodies so the
// conversion to time.Duration cannot overflow.
const maxGrantDays = 36500

type decisionBody struct {
	Status       string `json:"status"`
	DurationDays int    `json:"duration_days"`
}

func (a *API) listProjects(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	items, err := a.engine.AccessibleProjects(r.Context(), user)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if items == nil {
		items = []project.Published{}
	}
	writeJSON(w, http.StatusOK, listProjectsResponse{Items: items})
}

func (a *API) publishedFromURL(r *http.Request) (project.Published, error) {
	return a.projects.GetPublished(r.Context(), chi.URLParam(r, "slug"), chi.URLParam(r, "version"))
}

func (a *API) getProject(w http.ResponseWriter, r *http.Request) {
	p, err := a.publishedFromURL(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	allowed, err := a.engine.CanAccessProject(r.Context(), p, auth.UserFromContext(r.Context()))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, projectResponse{Project: p, CanAccess: allowed})
}

// projectFiles serves a directory listing, a preview, or with ?download=1
// the raw bytes of a published file.
func (a *API) projectFiles(w http.ResponseWriter, r *http.Request) {
	p, err := a.publishedFromURL(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	user := auth.UserFromContext(r.Context())
	allowed, err := a.engine.CanAccessProject(r.Context(), p, user)
	if err != nil {
		handleError(w, r, err)
		return
	}
	rel := chi.URLParam(r, "*")
	if !allowed {
		_ = audit.LogEvent(r.Context(), audit.FileAccessDenied, map[string]any{
			"published_id": p.ID, "slug": p.Slug, "version": p.Version, "path": rel,
		})
		if !user.IsAuthenticated() {
			handleError(w, r, errUnauthenticated)
			return
		}
		handleError(w, r, fmt.Errorf("%w: access to %s/%s", errForbidden, p.Slug, p.Version))
		return
	}

	root := a.files.PublishedRoot(p.Slug, p.Version)
	target, err := projectfiles.Join(root, rel)
	if err != nil {
		handleError(w, r, err)
		return
	}
	entry, err := a.files.Stat(r.Context(), target)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if entry.IsDir {
		entries, err := a.files.ReadDir(r.Context(), target)
		if err != nil {
			handleError(w, r, err)
			return
		}
		if entries == nil {
			entries = []projectfiles.Entry{}
		}
		writeJSON(w, http.StatusOK, directoryResponse{Path: strings.Trim(rel, "/"), Entries: entries})
		return
	}

	body, entry, err := a.files.Open(r.Context(), target)
	if err != nil {
		handleError(w, r, err)
		return
	}
	defer body.Close()

	if download, _ := strconv.ParseBool(r.URL.Query().Get("download")); download {
		serveRaw(w, entry, body)
		return
	}
	preview, err := fileview.Render(body, entry.Name, entry.Size, a.preview)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func serveRaw(w http.ResponseWriter, entry projectfiles.Entry, body io.Reader) {
	ctype := mime.TypeByExtension(path.Ext(entry.Name))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Content-Length", strconv.FormatInt(entry.Size, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": entry.Name}))
	if !entry.ModTime.IsZero() {
		w.Header().Set("Last-Modified", entry.ModTime.UTC().Format(http.TimeFormat))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, body)
}

func (a *API) signDUA(w http.ResponseWriter, r *http.Request) {
	p, err := a.publishedFromURL(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	user := auth.UserFromContext(r.Context())
	switch p.AccessPolicy {
	case project.PolicyRestricted:
	case project.PolicyCredentialed:
		if !user.IsCredentialed {
			handleError(w, r, fmt.Errorf("%w: credentialing is required to sign this agreement", errForbidden))
			return
		}
	default:
		handleError(w, r, fmt.Errorf("%w: %s projects have no data use agreement", project.ErrInvalidInput, p.AccessPolicy))
		return
	}
	sig, err := a.entitlements.SignDUA(r.Context(), p.ID, user.ID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.DUASign, map[string]any{"published_id": p.ID, "slug": p.Slug, "version": p.Version})
	writeJSON(w, http.StatusCreated, sig)
}

func (a *API) createAccessRequest(w http.ResponseWriter, r *http.Request) {
	var body accessRequestBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	p, err := a.publishedFromURL(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if p.AccessPolicy != project.PolicyContributorReview {
		handleError(w, r, fmt.Errorf("%w: %s projects do not take access requests", project.ErrInvalidInput, p.AccessPolicy))
		return
	}
	user := auth.UserFromContext(r.Context())
	if !user.IsCredentialed {
		handleError(w, r, fmt.Errorf("%w: credentialing is required to request access", errForbidden))
		return
	}
	req, err := a.entitlements.CreateAccessRequest(r.Context(), entitlement.DataAccessRequest{
		ProjectID:   p.ID,
		RequesterID: user.ID,
		Reason:      strings.TrimSpace(body.Reason),
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.AccessRequestCreate, map[string]any{"request_id_ref": req.ID, "published_id": p.ID})
	w.Header().Set("Location", "/v1/requests/"+req.ID)
	writeJSON(w, http.StatusCreated, req)
}

// decideAccessRequest lets the requester withdraw and administrators rule
// on a request.
func (a *API) decideAccessRequest(w http.ResponseWriter, r *http.Request) {
	var body decisionBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	status, ok := entitlement.ParseRequestStatus(strings.ToLower(strings.TrimSpace(body.Status)))
	if !ok {
		writeError(w, r, http.StatusBadRequest, "unknown status "+strconv.Quote(body.Status))
		return
	}
	if body.DurationDays < 0 || body.DurationDays > maxGrantDays {
		writeError(w, r, http.StatusBadRequest, "duration_days must be between 0 and "+strconv.Itoa(maxGrantDays))
		return
	}
	user := auth.UserFromContext(r.Context())
	if status != entitlement.RequestWithdrawn && !user.IsAdmin {
		handleError(w, r, fmt.Errorf("%w: only reviewers may decide requests", errForbidden))
		return
	}
	id := chi.URLParam(r, "id")
	req, err := a.entitlements.DecideAccessRequest(r.Context(), id, entitlement.Decision{
		Status:   status,
		ActorID:  user.ID,
		Duration: time.Duration(body.DurationDays) * 24 * time.Hour,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.AccessRequestDecide, map[string]any{
		"request_id_ref": id, "status": status.String(), "duration_days": body.DurationDays,
	})
	writeJSON(w, http.StatusOK, req)
}

// deprecateProject withdraws the files of a published version from every
// user. Its metadata stays readable at the project URL.
func (a *API) deprecateProject(w http.ResponseWriter, r *http.Request) {
	p, err := a.publishedFromURL(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if err := a.projects.SetDeprecated(r.Context(), p.ID, true); err != nil {
		handleError(w, r, err)
		return
	}
	p.DeprecatedFiles = true
	_ = audit.LogEvent(r.Context(), audit.ProjectDeprecate, map[string]any{"published_id": p.ID, "slug": p.Slug, "version": p.Version})
	writeJSON(w, http.StatusOK, p)
}
