package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"physionet.org/internal/entitlement"
	"physionet.org/internal/project"
)

func (c *apiClient) patch(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		c.t.Fatalf("marshal body: %v", err)
	}
	headers["Content-Type"] = "application/json"
	return c.do(http.MethodPatch, path, bytes.NewReader(payload), headers)
}

func (c *apiClient) canAccess(slug string, headers map[string]string) bool {
	c.t.Helper()
	resp := c.get("/v1/projects/"+slug+"/1.0.0", nil, headers)
	expectStatus(c.t, resp, http.StatusOK)
	return decode[projectResponse](c.t, resp).CanAccess
}

func TestEventGrantsParticipantAccess(t *testing.T) {
	api := newTestAPI(t, 1<<20)
	ctx := context.Background()
	host := api.bearer(people.credentialed)
	guest := api.bearer(people.other)

	shared := api.seedPublished("challenge", project.PolicyRestricted)
	api.seedPublished("locked", project.PolicyRestricted)
	if _, err := api.ent.SignDUA(ctx, shared.ID, people.credentialed.ID); err != nil {
		t.Fatal(err)
	}
	if api.canAccess("challenge", guest) {
		t.Fatal("guest has access before the event")
	}

	today := time.Now().UTC()
	window := map[string]any{
		"title":      "Datathon",
		"start_date": today.AddDate(0, 0, -1).Format(time.DateOnly),
		"end_date":   today.AddDate(0, 0, 1).Format(time.DateOnly),
	}
	resp := api.post("/v1/events", window, api.bearer(people.author))
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.post("/v1/events", window, host)
	expectStatus(t, resp, http.StatusCreated)
	ev := decode[entitlement.Event](t, resp)
	if ev.HostID != people.credentialed.ID {
		t.Fatalf("unexpected host %q", ev.HostID)
	}
	base := "/v1/events/" + ev.ID

	resp = api.post(base+"/participants", map[string]any{"user_id": people.author.ID}, guest)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.post(base+"/participants", map[string]any{"user_id": people.other.ID}, host)
	expectStatus(t, resp, http.StatusCreated)
	resp.Body.Close()
	resp = api.post(base+"/participants", map[string]any{"user_id": people.other.ID}, host)
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()
	resp = api.post(base+"/participants", map[string]any{"user_id": "ghost"}, host)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = api.post(base+"/datasets", map[string]any{"slug": "challenge", "version": "1.0.0"}, guest)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()
	resp = api.post(base+"/datasets", map[string]any{"slug": "locked", "version": "1.0.0"}, host)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.post(base+"/datasets", map[string]any{"slug": "challenge", "version": "1.0.0"}, host)
	expectStatus(t, resp, http.StatusCreated)
	ds := decode[entitlement.EventDataset](t, resp)

	if !api.canAccess("challenge", guest) {
		t.Fatal("participant denied during the event")
	}
	resp = api.get("/v1/projects", nil, guest)
	expectStatus(t, resp, http.StatusOK)
	if list := decode[listProjectsResponse](t, resp); len(list.Items) != 1 || list.Items[0].Slug != "challenge" {
		t.Fatalf("unexpected listing %+v", list.Items)
	}

	resp = api.get(base, nil, guest)
	expectStatus(t, resp, http.StatusOK)
	if got := decode[eventResponse](t, resp); len(got.Datasets) != 1 || len(got.Event.Participants) != 1 {
		t.Fatalf("unexpected event %+v", got)
	}
	resp = api.get(base, nil, api.bearer(people.author))
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.patch(base+"/datasets/"+ds.ID, map[string]any{"is_active": false}, guest)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()
	resp = api.patch(base+"/datasets/missing", map[string]any{"is_active": false}, host)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
	resp = api.patch(base+"/datasets/"+ds.ID, map[string]any{"is_active": false}, host)
	expectStatus(t, resp, http.StatusOK)
	if got := decode[entitlement.EventDataset](t, resp); got.IsActive {
		t.Fatal("dataset still active")
	}
	if api.canAccess("challenge", guest) {
		t.Fatal("detached dataset still grants access")
	}
}

func TestCreateEventValidation(t *testing.T) {
	api := newTestAPI(t, 1<<20)
	host := api.bearer(people.credentialed)

	resp := api.post("/v1/events", map[string]any{"title": "x", "start_date": "15/06/2024", "end_date": "2024-06-20"}, host)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = api.post("/v1/events", map[string]any{"title": "x", "start_date": "2024-06-20", "end_date": "2024-06-15"}, host)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = api.post("/v1/events", map[string]any{"title": "x", "start_date": "2024-06-15", "end_date": "2024-06-20"}, nil)
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()
}

func TestDeprecateWithdrawsFiles(t *testing.T) {
	api := newTestAPI(t, 1<<20)
	api.seedPublished("old-db", project.PolicyOpen)
	if !api.canAccess("old-db", nil) {
		t.Fatal("open project denied")
	}

	resp := api.post("/v1/projects/old-db/1.0.0/deprecate", nil, nil)
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()
	resp = api.post("/v1/projects/old-db/1.0.0/deprecate", nil, api.bearer(people.author))
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()
	resp = api.post("/v1/projects/none/1.0.0/deprecate", nil, api.bearer(people.admin))
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = api.post("/v1/projects/old-db/1.0.0/deprecate", nil, api.bearer(people.admin))
	expectStatus(t, resp, http.StatusOK)
	if got := decode[project.Published](t, resp); !got.DeprecatedFiles {
		t.Fatalf("not deprecated: %+v", got)
	}
	if api.canAccess("old-db", nil) || api.canAccess("old-db", api.bearer(people.admin)) {
		t.Fatal("deprecated files still accessible")
	}
	resp = api.get("/v1/projects", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	if list := decode[listProjectsResponse](t, resp); len(list.Items) != 0 {
		t.Fatalf("deprecated project listed: %+v", list.Items)
	}
}

func TestGrantDaysAreBounded(t *testing.T) {
	api := newTestAPI(t, 1<<20)
	admin := api.bearer(people.admin)

	resp := api.post("/v1/training-types", map[string]any{"name": "CITI", "valid_days": 106752}, admin)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
	resp = api.post("/v1/training-types", map[string]any{"name": "CITI", "valid_days": maxGrantDays}, admin)
	expectStatus(t, resp, http.StatusCreated)
	tt := decode[entitlement.TrainingType](t, resp)
	if tt.ValidDuration != time.Duration(maxGrantDays)*24*time.Hour {
		t.Fatalf("unexpected validity %v", tt.ValidDuration)
	}

	resp = api.post("/v1/requests/any/decision", map[string]any{"status": "accepted", "duration_days": 1 << 40}, admin)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}
