package entitlement

import (
	"context"
	"time"
)

// Store answers entitlement queries and records entitlement changes.
// Project ids refer to published projects.
type Store interface {
	SignDUA(ctx context.Context, projectID, userID string) (DUASignature, error)
	HasSignedDUA(ctx context.Context, projectID, userID string) (bool, error)
	SignedProjects(ctx context.Context, userID string) ([]string, error)

	CreateTrainingType(ctx context.Context, tt TrainingType) (TrainingType, error)
	AddTraining(ctx context.Context, t Training) (Training, error)
	ValidTrainings(ctx context.Context, userID string, now time.Time) ([]Training, error)
	SetTrainingStatus(ctx context.Context, id string, st TrainingStatus, processedAt time.Time) (Training, error)

	CreateAccessRequest(ctx context.Context, r DataAccessRequest) (DataAccessRequest, error)
	GetAccessRequest(ctx context.Context, id string) (DataAccessRequest, error)
	DecideAccessRequest(ctx context.Context, id string, d Decision) (DataAccessRequest, error)
	HasActiveAccessRequest(ctx context.Context, projectID, userID string, now time.Time) (bool, error)
	ActiveRequestProjects(ctx context.Context, userID string, now time.Time) ([]string, error)

	CreateEvent(ctx context.Context, e Event) (Event, error)
	GetEvent(ctx context.Context, id string) (Event, error)
	AddParticipant(ctx context.Context, eventID, userID string, cohost bool) (EventParticipant, error)
	AttachDataset(ctx context.Context, eventID, projectID string) (EventDataset, error)
	SetEventDatasetActive(ctx context.Context, id string, active bool) error
	UserEvents(ctx context.Context, userID string) ([]Event, error)
	EventDatasets(ctx context.Context, eventIDs []string) ([]EventDataset, error)
}

// Decision changes the status of an access request.
type Decision struct {
	Status   RequestStatus
	ActorID  string
	Duration time.Duration
	At       time.Time
}

// Validate checks the move against the request and the actor.
func (d Decision) Validate(r DataAccessRequest) error {
	if !CanDecide(r.Status, d.Status) {
		return ErrInvalidTransition
	}
	if d.Status == RequestWithdrawn && d.ActorID != r.RequesterID {
		return ErrForbidden
	}
	if d.Status != RequestWithdrawn && d.ActorID == r.RequesterID {
		return ErrForbidden
	}
	if d.Duration < 0 {
		return ErrInvalidInput
	}
	return nil
}
