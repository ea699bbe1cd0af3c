package access

import (
	"context"
	"time"

	"physionet.org/internal/auth"
	"physionet.org/internal/entitlement"
)

// facts answers the entitlement questions asked by decide for one user.
type facts interface {
	signedDUA(ctx context.Context, projectID string) (bool, error)
	trainingsSatisfied(ctx context.Context, required []string) (bool, error)
	activeRequest(ctx context.Context, projectID string) (bool, error)
	eventGranted(ctx context.Context, projectID string) (bool, error)
}

// liveFacts queries the store on demand, for single-project checks.
type liveFacts struct {
	store entitlement.Store
	user  auth.User
	now   time.Time

	valid map[string]struct{}
}

func (f *liveFacts) signedDUA(ctx context.Context, projectID string) (bool, error) {
	return f.store.HasSignedDUA(ctx, projectID, f.user.ID)
}

func (f *liveFacts) trainingsSatisfied(ctx context.Context, required []string) (bool, error) {
	if len(required) == 0 {
		return true, nil
	}
	if f.valid == nil {
		trainings, err := f.store.ValidTrainings(ctx, f.user.ID, f.now)
		if err != nil {
			return false, err
		}
		f.valid = entitlement.ValidTrainingTypes(trainings, f.now)
	}
	return trainingsSatisfied(required, f.valid), nil
}

func (f *liveFacts) activeRequest(ctx context.Context, projectID string) (bool, error) {
	return f.store.HasActiveAccessRequest(ctx, projectID, f.user.ID, f.now)
}

func (f *liveFacts) eventGranted(ctx context.Context, projectID string) (bool, error) {
	granted, err := eventGrants(ctx, f.store, f.user.ID, f.now)
	if err != nil {
		return false, err
	}
	_, ok := granted[projectID]
	return ok, nil
}

// loadedFacts holds every entitlement of one user, loaded once per batch.
type loadedFacts struct {
	signed   map[string]struct{}
	valid    map[string]struct{}
	requests map[string]struct{}
	events   map[string]struct{}
}

func loadFacts(ctx context.Context, store entitlement.Store, user auth.User, now time.Time) (*loadedFacts, error) {
	f := &loadedFacts{}
	if !user.IsAuthenticated() {
		return f, nil
	}
	signed, err := store.SignedProjects(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	f.signed = toSet(signed)
	trainings, err := store.ValidTrainings(ctx, user.ID, now)
	if err != nil {
		return nil, err
	}
	f.valid = entitlement.ValidTrainingTypes(trainings, now)
	requests, err := store.ActiveRequestProjects(ctx, user.ID, now)
	if err != nil {
		return nil, err
	}
	f.requests = toSet(requests)
	if f.events, err = eventGrants(ctx, store, user.ID, now); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *loadedFacts) signedDUA(_ context.Context, projectID string) (bool, error) {
	_, ok := f.signed[projectID]
	return ok, nil
}

func (f *loadedFacts) trainingsSatisfied(_ context.Context, required []string) (bool, error) {
	return trainingsSatisfied(required, f.valid), nil
}

func (f *loadedFacts) activeRequest(_ context.Context, projectID string) (bool, error) {
	_, ok := f.requests[projectID]
	return ok, nil
}

func (f *loadedFacts) eventGranted(_ context.Context, projectID string) (bool, error) {
	_, ok := f.events[projectID]
	return ok, nil
}

// eventGrants collects the projects reachable through the user's events,
// re-checking each attachment against its event.
func eventGrants(ctx context.Context, store entitlement.Store, userID string, now time.Time) (map[string]struct{}, error) {
	events, err := store.UserEvents(ctx, userID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]entitlement.Event, len(events))
	eventIDs := make([]string, 0, len(events))
	for _, ev := range events {
		if !ev.IsActive(now) {
			continue
		}
		byID[ev.ID] = ev
		eventIDs = append(eventIDs, ev.ID)
	}
	granted := make(map[string]struct{})
	if len(eventIDs) == 0 {
		return granted, nil
	}
	datasets, err := store.EventDatasets(ctx, eventIDs)
	if err != nil {
		return nil, err
	}
	for _, ds := range datasets {
		if ev, ok := byID[ds.EventID]; ok && ds.HasAccess(userID, ev, now) {
			granted[ds.ProjectID] = struct{}{}
		}
	}
	return granted, nil
}

func toSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[v] = struct{}{}
	}
	return out
}
