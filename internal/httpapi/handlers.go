package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"physionet.org/internal/access"
	"physionet.org/internal/auth"
	"physionet.org/internal/entitlement"
	"physionet.org/internal/fileview"
	"physionet.org/internal/obs"
	"physionet.org/internal/project"
	"physionet.org/internal/projectfiles"
)

const serviceName = "physionet-api"

// Pinger is satisfied by the database store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe checks the dependencies that must answer before traffic is served.
type ReadyProbe struct {
	DB Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.Ping(ctx)
}

// Deps are the collaborators the HTTP layer serves from. Tokens may be nil,
// in which case every request is anonymous.
type Deps struct {
	Projects     project.Store
	Lifecycle    *project.Lifecycle
	Engine       *access.Engine
	Entitlements entitlement.Store
	Users        auth.UserStore
	Tokens       *auth.Tokens
	Ready        ReadyProbe
	Version      string
	Preview      fileview.Limits
}

// Options tune the middleware chain.
type Options struct {
	RateLimitRPS   float64
	RateLimitBurst int
	MaxUploadBytes int64
	CORSOrigins    []string
}

// API is the HTTP layer.
type API struct {
	projects     project.Store
	lifecycle    *project.Lifecycle
	files        projectfiles.Files
	engine       *access.Engine
	entitlements entitlement.Store
	users        auth.UserStore
	tokens       *auth.Tokens
	readyProbe   ReadyProbe
	version      string
	preview      fileview.Limits
	opts         Options
	router       chi.Router
}

func New(d Deps, opts Options) *API {
	if opts.RateLimitRPS <= 0 {
		opts.RateLimitRPS = 50
	}
	if opts.RateLimitBurst <= 0 {
		opts.RateLimitBurst = 100
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 1 << 30
	}
	a := &API{
		projects:     d.Projects,
		lifecycle:    d.Lifecycle,
		engine:       d.Engine,
		entitlements: d.Entitlements,
		users:        d.Users,
		tokens:       d.Tokens,
		readyProbe:   d.Ready,
		version:      d.Version,
		preview:      d.Preview,
		opts:         opts,
	}
	if d.Lifecycle != nil {
		a.files = d.Lifecycle.Files()
	}
	a.router = a.routes()
	return a
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Recover)
	r.Use(LoggingJSON)
	r.Use(SecurityHeaders)
	r.Use(CORS(a.opts.CORSOrigins))
	r.Use(func(next http.Handler) http.Handler {
		return RateLimit(next, a.opts.RateLimitBurst, a.opts.RateLimitRPS)
	})
	r.Use(a.withUser)

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/info", a.Info)

		r.Route("/projects", func(r chi.Router) {
			r.Get("/", a.listProjects)
			r.Route("/{slug}/{version}", func(r chi.Router) {
				r.Get("/", a.getProject)
				r.Get("/files", a.projectFiles)
				r.Get("/files/*", a.projectFiles)
				r.With(RequireUser).Post("/dua", a.signDUA)
				r.With(RequireUser).Post("/requests", a.createAccessRequest)
				r.With(RequireAdmin).Post("/deprecate", a.deprecateProject)
			})
		})

		r.With(RequireUser).Post("/requests/{id}/decision", a.decideAccessRequest)

		r.With(RequireAdmin).Post("/training-types", a.createTrainingType)
		r.With(RequireUser).Post("/trainings", a.submitTraining)
		r.With(RequireAdmin).Post("/trainings/{id}/review", a.reviewTraining)

		r.Route("/events", func(r chi.Router) {
			r.Use(RequireUser)
			r.Post("/", a.createEvent)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", a.getEvent)
				r.Post("/participants", a.addParticipant)
				r.Post("/datasets", a.attachEventDataset)
				r.Patch("/datasets/{datasetID}", a.updateEventDataset)
			})
		})

		r.Route("/active", func(r chi.Router) {
			r.Use(RequireUser)
			r.Post("/", a.createDraft)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", a.getDraft)
				r.Get("/storage", a.draftStorage)
				r.With(a.limitUpload).Put("/files/*", a.putDraftFile)
				r.Delete("/files/*", a.deleteDraftFile)
				r.Post("/submit", a.submitDraft)
				r.Post("/archive", a.archiveDraft)
				r.With(RequireAdmin).Post("/transition", a.transitionDraft)
				r.With(RequireAdmin).Post("/publish", a.publishDraft)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// Handler returns the instrumented router.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.router)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	}
	if a.files != nil {
		info["storage_backend"] = a.files.Backend()
		info["zip_downloads"] = a.files.CanMakeZip()
		info["wget_supported"] = a.files.IsWgetSupported()
		info["lightwave_supported"] = a.files.IsLightwaveSupported()
	}
	writeJSON(w, http.StatusOK, info)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleError maps domain errors to status codes.
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, errUnauthenticated):
		unauthorized(w, r, err.Error())
	case errors.Is(err, errForbidden), errors.Is(err, entitlement.ErrForbidden):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, project.ErrNotFound), errors.Is(err, entitlement.ErrNotFound),
		errors.Is(err, auth.ErrNotFound), errors.Is(err, fs.ErrNotExist),
		errors.Is(err, projectfiles.ErrIsDir), errors.Is(err, projectfiles.ErrNotDir):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, project.ErrConflict), errors.Is(err, entitlement.ErrConflict),
		errors.Is(err, fs.ErrExist), errors.Is(err, project.ErrInvalidTransition),
		errors.Is(err, entitlement.ErrInvalidTransition):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, project.ErrBusy):
		w.Header().Set("Retry-After", "5")
		writeError(w, r, http.StatusLocked, err.Error())
	case errors.Is(err, project.ErrQuotaExceeded), errors.As(err, &tooLarge):
		writeError(w, r, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, project.ErrInvalidInput), errors.Is(err, entitlement.ErrInvalidInput),
		errors.Is(err, auth.ErrInvalidInput), errors.Is(err, projectfiles.ErrInvalidPath):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, projectfiles.ErrUnsupported):
		writeError(w, r, http.StatusNotImplemented, err.Error())
	case errors.Is(err, context.Canceled):
		writeError(w, r, 499, "request canceled")
	default:
		obs.Error("request failed", err, map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"method":     r.Method,
			"path":       r.URL.Path,
		})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
