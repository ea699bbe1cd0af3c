package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"physionet.org/internal/access"
	"physionet.org/internal/auth"
	"physionet.org/internal/entitlement"
	"physionet.org/internal/project"
	"physionet.org/internal/projectfiles"
	"physionet.org/internal/tasks"
)

type apiClient struct {
	baseURL  string
	client   *http.Client
	t        *testing.T
	tokens   *auth.Tokens
	projects *project.InMemory
	ent      *entitlement.InMemory
}

type testUsers struct {
	author, credentialed, admin, other auth.User
}

var people = testUsers{
	author:       auth.User{ID: "author-1", Email: "author@example.org"},
	credentialed: auth.User{ID: "cred-1", Email: "cred@example.org", IsCredentialed: true},
	admin:        auth.User{ID: "admin-1", Email: "admin@example.org", IsCredentialed: true, IsAdmin: true},
	other:        auth.User{ID: "other-1", Email: "other@example.org"},
}

func newTestAPI(t *testing.T, allowance int64) *apiClient {
	t.Helper()

	files, err := projectfiles.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("local files: %v", err)
	}
	tokens, err := auth.NewTokens("test-secret", "physionet-test")
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	projects := project.NewInMemory()
	ent := entitlement.NewInMemory()
	lifecycle := project.NewLifecycle(projects, files, tasks.NewMemoryLocker(), tasks.NewMemoryQueue(16),
		project.LifecycleOptions{DefaultAllowance: allowance})

	api := New(Deps{
		Projects:     projects,
		Lifecycle:    lifecycle,
		Engine:       access.NewEngine(projects, ent),
		Entitlements: ent,
		Users:        auth.NewInMemoryUsers(people.author, people.credentialed, people.admin, people.other),
		Tokens:       tokens,
		Version:      "test",
	}, Options{RateLimitRPS: 1000, RateLimitBurst: 1000})

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL:  srv.URL,
		client:   srv.Client(),
		t:        t,
		tokens:   tokens,
		projects: projects,
		ent:      ent,
	}
}

func (c *apiClient) bearer(u auth.User) map[string]string {
	c.t.Helper()
	token, err := c.tokens.Generate(u.ID, time.Hour)
	if err != nil {
		c.t.Fatalf("generate token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func (c *apiClient) do(method, path string, body io.Reader, headers map[string]string) *http.Response {
	c.t.Helper()
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		c.t.Fatalf("marshal body: %v", err)
	}
	if headers == nil {
		headers = map[string]string{}
	}
	headers["Content-Type"] = "application/json"
	return c.do(http.MethodPost, path, bytes.NewReader(payload), headers)
}

func (c *apiClient) put(path, content string, headers map[string]string) *http.Response {
	c.t.Helper()
	return c.do(http.MethodPut, path, strings.NewReader(content), headers)
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	if params != nil {
		path += "?" + params.Encode()
	}
	return c.do(http.MethodGet, path, nil, headers)
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("%s %s: expected %d, got %d: %s", resp.Request.Method, resp.Request.URL.Path, want, resp.StatusCode, body)
	}
}

// seedPublished publishes a project straight through the store.
func (c *apiClient) seedPublished(slug string, policy project.AccessPolicy, trainings ...string) project.Published {
	c.t.Helper()
	ctx := context.Background()
	core, err := c.projects.CreateCore(ctx, project.Core{StorageAllowance: 1 << 20})
	if err != nil {
		c.t.Fatalf("create core: %v", err)
	}
	draft, err := c.projects.CreateActive(ctx, project.Active{
		CoreID: core.ID, Title: slug, Version: "1.0.0", SubmittingAuthor: people.author.ID,
		AccessPolicy: policy, AllowFileDownloads: true,
	})
	if err != nil {
		c.t.Fatalf("create draft: %v", err)
	}
	pub := project.Published{
		ID: "pub-" + slug, CoreID: core.ID, Slug: slug, Version: "1.0.0", Title: slug,
		AccessPolicy: policy, AllowFileDownloads: true, IsLatestVersion: true,
		RequiredTrainings: trainings, PublishedAt: time.Now().UTC(),
	}
	if err := c.projects.Publish(ctx, draft.ID, pub); err != nil {
		c.t.Fatalf("publish: %v", err)
	}
	return pub
}

func TestHealthAndInfo(t *testing.T) {
	api := newTestAPI(t, 1<<20)

	resp := api.get("/healthz", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	health := decode[map[string]any](t, resp)
	if health["service"] != serviceName {
		t.Fatalf("unexpected service: %v", health["service"])
	}

	resp = api.get("/readyz", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = api.get("/v1/info", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	info := decode[map[string]any](t, resp)
	if info["storage_backend"] != "local" || info["zip_downloads"] != true {
		t.Fatalf("unexpected backend capabilities: %v", info)
	}
}

func TestDraftToPublishedFlow(t *testing.T) {
	api := newTestAPI(t, 1<<20)
	author := api.bearer(people.author)
	admin := api.bearer(people.admin)

	resp := api.post("/v1/active", map[string]any{
		"title":         "Demo Database",
		"access_policy": "restricted",
	}, author)
	expectStatus(t, resp, http.StatusCreated)
	draft := decode[project.Active](t, resp)
	if draft.Version != "1.0.0" || draft.SubmittingAuthor != people.author.ID {
		t.Fatalf("unexpected draft: %+v", draft)
	}
	base := "/v1/active/" + draft.ID

	resp = api.put(base+"/files/README", "hello physionet\n", author)
	expectStatus(t, resp, http.StatusCreated)
	upload := decode[uploadResponse](t, resp)
	if upload.Size != int64(len("hello physionet\n")) || upload.Storage.Used != upload.Size {
		t.Fatalf("unexpected upload response: %+v", upload)
	}
	resp = api.put(base+"/files/data/records.csv", "id,value\n1,2\n", author)
	expectStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	resp = api.get(base, nil, api.bearer(people.other))
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.post(base+"/submit", map[string]any{}, author)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = api.put(base+"/files/late.txt", "too late", author)
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = api.post(base+"/transition", map[string]any{"status": "needs_decision"}, author)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	for _, st := range []string{"needs_decision", "needs_copyedit", "needs_approval", "needs_publication"} {
		resp = api.post(base+"/transition", map[string]any{"status": st}, admin)
		expectStatus(t, resp, http.StatusOK)
		resp.Body.Close()
	}

	resp = api.post(base+"/publish", map[string]any{"slug": "Bad Slug"}, admin)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = api.post(base+"/publish", map[string]any{"slug": "demo-db"}, admin)
	expectStatus(t, resp, http.StatusCreated)
	pub := decode[project.Published](t, resp)
	if resp.Header.Get("Location") != "/v1/projects/demo-db/1.0.0" {
		t.Fatalf("unexpected location: %q", resp.Header.Get("Location"))
	}
	if pub.MainStorageSize == 0 || !pub.IsLatestVersion {
		t.Fatalf("unexpected published record: %+v", pub)
	}

	resp = api.get(base, nil, author)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	// Restricted: anonymous visitors see the landing page but no files.
	resp = api.get("/v1/projects/demo-db/1.0.0", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	landing := decode[projectResponse](t, resp)
	if landing.CanAccess {
		t.Fatal("anonymous user must not access a restricted project")
	}
	resp = api.get("/v1/projects/demo-db/1.0.0/files", nil, nil)
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()
	resp = api.get("/v1/projects/demo-db/1.0.0/files", nil, author)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.post("/v1/projects/demo-db/1.0.0/dua", map[string]any{}, author)
	expectStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	resp = api.get("/v1/projects/demo-db/1.0.0/files", nil, author)
	expectStatus(t, resp, http.StatusOK)
	listing := decode[directoryResponse](t, resp)
	if len(listing.Entries) != 2 {
		t.Fatalf("expected README and data/, got %+v", listing.Entries)
	}

	resp = api.get("/v1/projects/demo-db/1.0.0/files/README", nil, author)
	expectStatus(t, resp, http.StatusOK)
	preview := decode[map[string]any](t, resp)
	if preview["kind"] != "text" || preview["text"] != "hello physionet\n" {
		t.Fatalf("unexpected preview: %v", preview)
	}

	resp = api.get("/v1/projects/demo-db/1.0.0/files/data/records.csv", nil, author)
	expectStatus(t, resp, http.StatusOK)
	table := decode[map[string]any](t, resp)
	if rows, ok := table["rows"].([]any); !ok || len(rows) != 2 {
		t.Fatalf("unexpected table preview: %v", table)
	}

	resp = api.get("/v1/projects/demo-db/1.0.0/files/README", url.Values{"download": {"1"}}, author)
	expectStatus(t, resp, http.StatusOK)
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(raw) != "hello physionet\n" {
		t.Fatalf("unexpected download body: %q", raw)
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Disposition"), "attachment") {
		t.Fatalf("expected attachment disposition, got %q", resp.Header.Get("Content-Disposition"))
	}

	resp = api.get("/v1/projects/demo-db/1.0.0/files/..%2f..%2fetc", nil, author)
	if resp.StatusCode != http.StatusBadRequest && resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected traversal to be refused, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.get("/v1/projects", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	anon := decode[listProjectsResponse](t, resp)
	if len(anon.Items) != 0 {
		t.Fatalf("anonymous listing should be empty, got %d", len(anon.Items))
	}
	resp = api.get("/v1/projects", nil, author)
	expectStatus(t, resp, http.StatusOK)
	mine := decode[listProjectsResponse](t, resp)
	if len(mine.Items) != 1 || mine.Items[0].Slug != "demo-db" {
		t.Fatalf("unexpected listing: %+v", mine.Items)
	}
}

func TestAccessRequestFlow(t *testing.T) {
	api := newTestAPI(t, 1<<20)
	api.seedPublished("reviewed-db", project.PolicyContributorReview)
	path := "/v1/projects/reviewed-db/1.0.0"

	resp := api.post(path+"/requests", map[string]any{"reason": "study"}, api.bearer(people.other))
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	cred := api.bearer(people.credentialed)
	resp = api.post(path+"/dua", map[string]any{}, cred)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = api.post(path+"/requests", map[string]any{"reason": "study"}, cred)
	expectStatus(t, resp, http.StatusCreated)
	req := decode[entitlement.DataAccessRequest](t, resp)
	if req.Status != entitlement.RequestPending {
		t.Fatalf("expected pending request, got %v", req.Status)
	}

	resp = api.post(path+"/requests", map[string]any{"reason": "again"}, cred)
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = api.post("/v1/requests/"+req.ID+"/decision", map[string]any{"status": "accepted"}, cred)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.post("/v1/requests/"+req.ID+"/decision", map[string]any{"status": "accepted", "duration_days": 30}, api.bearer(people.admin))
	expectStatus(t, resp, http.StatusOK)
	decided := decode[entitlement.DataAccessRequest](t, resp)
	if decided.Status != entitlement.RequestAccepted || decided.Duration != 30*24*time.Hour {
		t.Fatalf("unexpected decision: %+v", decided)
	}

	resp = api.get(path, nil, cred)
	expectStatus(t, resp, http.StatusOK)
	if got := decode[projectResponse](t, resp); !got.CanAccess {
		t.Fatal("accepted requester should have access")
	}

	resp = api.post("/v1/requests/"+req.ID+"/decision", map[string]any{"status": "withdrawn"}, cred)
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()
}

func TestOpenProjectServesAnonymous(t *testing.T) {
	api := newTestAPI(t, 1<<20)
	api.seedPublished("open-db", project.PolicyOpen)

	resp := api.get("/v1/projects/open-db/1.0.0", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	if got := decode[projectResponse](t, resp); !got.CanAccess {
		t.Fatal("open project should be accessible anonymously")
	}

	resp = api.post("/v1/projects/open-db/1.0.0/dua", map[string]any{}, nil)
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = api.get("/v1/projects/missing/1.0.0", nil, nil)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestUploadQuotaExceeded(t *testing.T) {
	api := newTestAPI(t, 8)
	author := api.bearer(people.author)

	resp := api.post("/v1/active", map[string]any{"title": "Tiny", "access_policy": "open"}, author)
	expectStatus(t, resp, http.StatusCreated)
	draft := decode[project.Active](t, resp)

	resp = api.put("/v1/active/"+draft.ID+"/files/big.bin", strings.Repeat("x", 32), author)
	expectStatus(t, resp, http.StatusRequestEntityTooLarge)
	resp.Body.Close()

	resp = api.get("/v1/active/"+draft.ID+"/storage", nil, author)
	expectStatus(t, resp, http.StatusOK)
	info := decode[map[string]any](t, resp)
	if info["used"].(float64) != 0 || info["remaining"].(float64) != 8 {
		t.Fatalf("rejected upload must not consume quota: %v", info)
	}
}

func TestArchiveByAuthor(t *testing.T) {
	api := newTestAPI(t, 1<<20)
	author := api.bearer(people.author)

	resp := api.post("/v1/active", map[string]any{"title": "Scratch", "access_policy": "open"}, author)
	expectStatus(t, resp, http.StatusCreated)
	draft := decode[project.Active](t, resp)

	resp = api.post("/v1/active/"+draft.ID+"/archive", map[string]any{"reason": "rejected"}, author)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.post("/v1/active/"+draft.ID+"/archive", map[string]any{"clear_files": true}, author)
	expectStatus(t, resp, http.StatusOK)
	arch := decode[project.Archived](t, resp)
	if arch.Reason != project.ArchiveDeletedByUser {
		t.Fatalf("unexpected archive reason: %v", arch.Reason)
	}
}

func TestAPIEnforcesAuth(t *testing.T) {
	api := newTestAPI(t, 1<<20)

	resp := api.post("/v1/active", map[string]any{"title": "x", "access_policy": "open"}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Fatal("expected WWW-Authenticate header")
	}
	var errBody map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&errBody); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if errBody["error"] == "" {
		t.Fatalf("expected error message")
	}

	bad := api.get("/v1/projects", nil, map[string]string{"Authorization": "Bearer not-a-token"})
	expectStatus(t, bad, http.StatusUnauthorized)
	bad.Body.Close()

	token, err := api.tokens.Generate("ghost", time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	ghost := api.get("/v1/projects", nil, map[string]string{"Authorization": "Bearer " + token})
	expectStatus(t, ghost, http.StatusUnauthorized)
	ghost.Body.Close()
}

func TestCreateDraftValidation(t *testing.T) {
	api := newTestAPI(t, 1<<20)
	author := api.bearer(people.author)

	resp := api.post("/v1/active", map[string]any{"title": "x", "access_policy": "secret"}, author)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = api.post("/v1/active", map[string]any{"title": "x", "access_policy": "open", "core_id": "core-1"}, author)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.post("/v1/active", map[string]any{"title": "x", "unknown": true}, author)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestCredentialedProjectNeedsReviewedTraining(t *testing.T) {
	api := newTestAPI(t, 1<<20)
	admin := api.bearer(people.admin)
	cred := api.bearer(people.credentialed)

	resp := api.post("/v1/training-types", map[string]any{"name": "CITI", "valid_days": 365}, cred)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.post("/v1/training-types", map[string]any{"name": "CITI", "valid_days": 365}, admin)
	expectStatus(t, resp, http.StatusCreated)
	tt := decode[entitlement.TrainingType](t, resp)

	api.seedPublished("cred-db", project.PolicyCredentialed, tt.ID)
	path := "/v1/projects/cred-db/1.0.0"

	resp = api.post(path+"/dua", map[string]any{}, api.bearer(people.other))
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.post(path+"/dua", map[string]any{}, cred)
	expectStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	canAccess := func() bool {
		t.Helper()
		resp := api.get(path, nil, cred)
		expectStatus(t, resp, http.StatusOK)
		return decode[projectResponse](t, resp).CanAccess
	}
	if canAccess() {
		t.Fatal("signature alone must not satisfy a training requirement")
	}

	resp = api.post("/v1/trainings", map[string]any{"training_type_id": tt.ID}, cred)
	expectStatus(t, resp, http.StatusCreated)
	training := decode[entitlement.Training](t, resp)
	if canAccess() {
		t.Fatal("training under review must not grant access")
	}

	resp = api.post("/v1/trainings/"+training.ID+"/review", map[string]any{"status": "review"}, admin)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = api.post("/v1/trainings/"+training.ID+"/review", map[string]any{"status": "accepted"}, admin)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
	if !canAccess() {
		t.Fatal("accepted training plus signature should grant access")
	}

	resp = api.post("/v1/trainings/"+training.ID+"/review", map[string]any{"status": "rejected"}, admin)
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()
}
