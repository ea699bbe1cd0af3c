// Package audit records who changed access-relevant state: signatures,
// access request decisions, denied file reads and project state changes.
// Entries are JSON lines on the shared obs logger, tagged type=audit.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"physionet.org/internal/auth"
	"physionet.org/internal/obs"
)

// Event names an audited action.
type Event string

const (
	DUASign             Event = "dua.sign"
	AccessRequestCreate Event = "access_request.create"
	AccessRequestDecide Event = "access_request.decide"
	FileAccessDenied    Event = "file.access_denied"
	ProjectSubmit       Event = "project.submit"
	ProjectTransition   Event = "project.transition"
	ProjectPublish      Event = "project.publish"
	ProjectArchive      Event = "project.archive"
	ProjectDeprecate    Event = "project.deprecate"
	EventCreate         Event = "event.create"
	EventParticipantAdd Event = "event.participant_add"
	EventDatasetAttach  Event = "event.dataset_attach"
	EventDatasetUpdate  Event = "event.dataset_update"
	TrainingSubmit      Event = "training.submit"
	TrainingReview      Event = "training.review"
)

var known = map[Event]bool{
	DUASign: true, AccessRequestCreate: true, AccessRequestDecide: true, FileAccessDenied: true,
	ProjectSubmit: true, ProjectTransition: true, ProjectPublish: true, ProjectArchive: true,
	ProjectDeprecate: true, EventCreate: true, EventParticipantAdd: true, EventDatasetAttach: true,
	EventDatasetUpdate: true, TrainingSubmit: true, TrainingReview: true,
}

type ctxKey struct{}

// WithRequestID attaches the request identifier recorded on every entry.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	rid, _ := ctx.Value(ctxKey{}).(string)
	return rid
}

type actor struct {
	ID           string `json:"id"`
	Credentialed bool   `json:"credentialed"`
	Admin        bool   `json:"admin"`
}

type entry struct {
	TS        string         `json:"ts"`
	Type      string         `json:"type"`
	Event     Event          `json:"event"`
	RequestID string         `json:"request_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Actor     *actor         `json:"actor,omitempty"`
	Fields    map[string]any `json:"fields"`
}

// LogEvent writes one audit entry. The acting user comes from ctx; anonymous
// actions carry no user.
func LogEvent(ctx context.Context, event Event, fields map[string]any) error {
	if !known[event] {
		return fmt.Errorf("audit: unknown event %q", event)
	}
	e := entry{
		TS:        time.Now().UTC().Format(time.RFC3339Nano),
		Type:      "audit",
		Event:     event,
		RequestID: requestIDFromContext(ctx),
		Fields:    make(map[string]any, len(fields)),
	}
	if u := auth.UserFromContext(ctx); u.IsAuthenticated() {
		e.UserID = u.ID
		e.Actor = &actor{ID: u.ID, Credentialed: u.IsCredentialed, Admin: u.IsAdmin}
	}
	for k, v := range fields {
		e.Fields[k] = v
	}

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
