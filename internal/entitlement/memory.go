package entitlement

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"physionet.org/internal/ids"
)

// InMemory implements Store for tests and local runs.
type InMemory struct {
	mu            sync.RWMutex
	signatures    map[[2]string]DUASignature // (project, user)
	trainingTypes map[string]TrainingType
	trainings     map[string]Training
	requests      map[string]DataAccessRequest
	events        map[string]Event
	datasets      map[string]EventDataset
	now           func() time.Time
}

func NewInMemory() *InMemory {
	return &InMemory{
		signatures:    make(map[[2]string]DUASignature),
		trainingTypes: make(map[string]TrainingType),
		trainings:     make(map[string]Training),
		requests:      make(map[string]DataAccessRequest),
		events:        make(map[string]Event),
		datasets:      make(map[string]EventDataset),
		now:           time.Now,
	}
}

var _ Store = (*InMemory)(nil)

func (s *InMemory) SignDUA(_ context.Context, projectID, userID string) (DUASignature, error) {
	if projectID == "" || userID == "" {
		return DUASignature{}, fmt.Errorf("%w: project and user are required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]string{projectID, userID}
	if sig, ok := s.signatures[key]; ok {
		return sig, nil
	}
	sig := DUASignature{ProjectID: projectID, UserID: userID, SignedAt: s.now().UTC()}
	s.signatures[key] = sig
	return sig, nil
}

func (s *InMemory) HasSignedDUA(_ context.Context, projectID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.signatures[[2]string{projectID, userID}]
	return ok, nil
}

func (s *InMemory) SignedProjects(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for key := range s.signatures {
		if key[1] == userID {
			out = append(out, key[0])
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *InMemory) CreateTrainingType(_ context.Context, tt TrainingType) (TrainingType, error) {
	if strings.TrimSpace(tt.Name) == "" || tt.ValidDuration < 0 {
		return TrainingType{}, fmt.Errorf("%w: training type", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tt.ID == "" {
		tt.ID = ids.New()
	}
	if _, ok := s.trainingTypes[tt.ID]; ok {
		return TrainingType{}, ErrConflict
	}
	s.trainingTypes[tt.ID] = tt
	return tt, nil
}

func (s *InMemory) AddTraining(_ context.Context, t Training) (Training, error) {
	if t.UserID == "" {
		return Training{}, fmt.Errorf("%w: user is required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tt, ok := s.trainingTypes[t.TrainingTypeID]
	if !ok {
		return Training{}, fmt.Errorf("%w: training type %s", ErrNotFound, t.TrainingTypeID)
	}
	if t.ID == "" {
		t.ID = ids.New()
	}
	t.ValidDuration = tt.ValidDuration
	s.trainings[t.ID] = t
	return t, nil
}

func (s *InMemory) ValidTrainings(_ context.Context, userID string, now time.Time) ([]Training, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Training
	for _, t := range s.trainings {
		if t.UserID != userID {
			continue
		}
		if tt, ok := s.trainingTypes[t.TrainingTypeID]; ok {
			t.ValidDuration = tt.ValidDuration
		}
		if t.IsValid(now) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SetTrainingStatus records the review outcome of a training.
func (s *InMemory) SetTrainingStatus(_ context.Context, id string, st TrainingStatus, processedAt time.Time) (Training, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trainings[id]
	if !ok {
		return Training{}, ErrNotFound
	}
	if !CanReviewTraining(t.Status, st) {
		return Training{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, st)
	}
	t.Status = st
	t.ProcessedAt = processedAt.UTC()
	s.trainings[id] = t
	if tt, ok := s.trainingTypes[t.TrainingTypeID]; ok {
		t.ValidDuration = tt.ValidDuration
	}
	return t, nil
}

func (s *InMemory) CreateAccessRequest(_ context.Context, r DataAccessRequest) (DataAccessRequest, error) {
	if r.ProjectID == "" || r.RequesterID == "" {
		return DataAccessRequest{}, fmt.Errorf("%w: project and requester are required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.requests {
		if existing.ProjectID == r.ProjectID && existing.RequesterID == r.RequesterID && existing.Status == RequestPending {
			return DataAccessRequest{}, fmt.Errorf("%w: a pending request already exists", ErrConflict)
		}
	}
	if r.ID == "" {
		r.ID = ids.New()
	}
	r.Status = RequestPending
	r.DecidedAt = nil
	r.ResponderID = ""
	r.Duration = 0
	if r.RequestedAt.IsZero() {
		r.RequestedAt = s.now().UTC()
	}
	s.requests[r.ID] = r
	return r, nil
}

func (s *InMemory) GetAccessRequest(_ context.Context, id string) (DataAccessRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return DataAccessRequest{}, ErrNotFound
	}
	return r, nil
}

func (s *InMemory) DecideAccessRequest(_ context.Context, id string, d Decision) (DataAccessRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return DataAccessRequest{}, ErrNotFound
	}
	if err := d.Validate(r); err != nil {
		return DataAccessRequest{}, fmt.Errorf("%w: %s -> %s", err, r.Status, d.Status)
	}
	at := d.At
	if at.IsZero() {
		at = s.now()
	}
	at = at.UTC()
	if d.Status == RequestAccepted {
		r.Duration = d.Duration
	}
	r.Status = d.Status
	r.DecidedAt = &at
	if d.Status != RequestWithdrawn {
		r.ResponderID = d.ActorID
	}
	s.requests[id] = r
	return r, nil
}

func (s *InMemory) HasActiveAccessRequest(_ context.Context, projectID, userID string, now time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.requests {
		if r.ProjectID == projectID && r.RequesterID == userID && r.IsActive(now) {
			return true, nil
		}
	}
	return false, nil
}

func (s *InMemory) ActiveRequestProjects(_ context.Context, userID string, now time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[string]bool{}
	var out []string
	for _, r := range s.requests {
		if r.RequesterID == userID && r.IsActive(now) && !seen[r.ProjectID] {
			seen[r.ProjectID] = true
			out = append(out, r.ProjectID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *InMemory) CreateEvent(_ context.Context, e Event) (Event, error) {
	if strings.TrimSpace(e.Title) == "" || e.HostID == "" {
		return Event{}, fmt.Errorf("%w: title and host are required", ErrInvalidInput)
	}
	if Day(e.EndDate).Before(Day(e.StartDate)) {
		return Event{}, fmt.Errorf("%w: event ends before it starts", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = ids.New()
	}
	e.StartDate = Day(e.StartDate)
	e.EndDate = Day(e.EndDate)
	e.Participants = nil
	s.events[e.ID] = e
	return e, nil
}

func (s *InMemory) GetEvent(_ context.Context, id string) (Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	if !ok {
		return Event{}, ErrNotFound
	}
	e.Participants = append([]EventParticipant(nil), e.Participants...)
	return e, nil
}

func (s *InMemory) AddParticipant(_ context.Context, eventID, userID string, cohost bool) (EventParticipant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[eventID]
	if !ok {
		return EventParticipant{}, ErrNotFound
	}
	for _, p := range e.Participants {
		if p.UserID == userID {
			return EventParticipant{}, fmt.Errorf("%w: already a participant", ErrConflict)
		}
	}
	p := EventParticipant{EventID: eventID, UserID: userID, IsCohost: cohost, AddedAt: s.now().UTC()}
	e.Participants = append(append([]EventParticipant(nil), e.Participants...), p)
	s.events[eventID] = e
	return p, nil
}

func (s *InMemory) AttachDataset(_ context.Context, eventID, projectID string) (EventDataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[eventID]; !ok {
		return EventDataset{}, ErrNotFound
	}
	for _, d := range s.datasets {
		if d.EventID == eventID && d.ProjectID == projectID && d.IsActive {
			return EventDataset{}, fmt.Errorf("%w: dataset already attached", ErrConflict)
		}
	}
	d := EventDataset{ID: ids.New(), EventID: eventID, ProjectID: projectID, IsActive: true, AddedAt: s.now().UTC()}
	s.datasets[d.ID] = d
	return d, nil
}

func (s *InMemory) SetEventDatasetActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.datasets[id]
	if !ok {
		return ErrNotFound
	}
	d.IsActive = active
	s.datasets[id] = d
	return nil
}

func (s *InMemory) UserEvents(_ context.Context, userID string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, e := range s.events {
		if HasEventAccess(userID, e) {
			e.Participants = append([]EventParticipant(nil), e.Participants...)
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemory) EventDatasets(_ context.Context, eventIDs []string) ([]EventDataset, error) {
	want := make(map[string]bool, len(eventIDs))
	for _, id := range eventIDs {
		want[id] = true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []EventDataset
	for _, d := range s.datasets {
		if want[d.EventID] {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
