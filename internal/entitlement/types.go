// Package entitlement holds the facts that grant a user access to a
// dataset: data use agreement signatures, trainings, access requests and
// event grants. Each predicate here is pure.
package entitlement

import (
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("entitlement: not found")
	ErrConflict          = errors.New("entitlement: conflict")
	ErrInvalidInput      = errors.New("entitlement: invalid input")
	ErrInvalidTransition = errors.New("entitlement: invalid status transition")
	ErrForbidden         = errors.New("entitlement: not permitted")
)

// DUASignature records that a user accepted a project's data use agreement.
type DUASignature struct {
	ProjectID string    `json:"project_id"`
	UserID    string    `json:"user_id"`
	SignedAt  time.Time `json:"signed_at"`
}

// TrainingType is a course a project may require. A zero ValidDuration
// means completions never expire.
type TrainingType struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	ValidDuration time.Duration `json:"valid_duration"`
}

type TrainingStatus int

const (
	TrainingReview TrainingStatus = iota
	TrainingWithdrawn
	TrainingRejected
	TrainingAccepted
)

func (s TrainingStatus) String() string {
	switch s {
	case TrainingReview:
		return "review"
	case TrainingWithdrawn:
		return "withdrawn"
	case TrainingRejected:
		return "rejected"
	case TrainingAccepted:
		return "accepted"
	}
	return "unknown"
}

// ParseTrainingStatus accepts the names produced by String.
func ParseTrainingStatus(s string) (TrainingStatus, bool) {
	for st := TrainingReview; st <= TrainingAccepted; st++ {
		if st.String() == s {
			return st, true
		}
	}
	return 0, false
}

// CanReviewTraining reports whether a training may move between states.
// Only trainings under review change.
func CanReviewTraining(from, to TrainingStatus) bool {
	return from == TrainingReview && to != TrainingReview && to <= TrainingAccepted
}

// Training is one user's completion of a TrainingType. ValidDuration is
// copied from the type when loaded.
type Training struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	TrainingTypeID string         `json:"training_type_id"`
	Status         TrainingStatus `json:"status"`
	ProcessedAt    time.Time      `json:"processed_at"`
	ValidDuration  time.Duration  `json:"valid_duration"`
}

// IsValid reports whether the training is accepted and has not expired.
func (t Training) IsValid(now time.Time) bool {
	if t.Status != TrainingAccepted {
		return false
	}
	if t.ValidDuration <= 0 {
		return true
	}
	return t.ProcessedAt.Add(t.ValidDuration).After(now)
}

// ValidTrainingTypes returns the distinct training type ids with at least
// one valid completion.
func ValidTrainingTypes(trainings []Training, now time.Time) map[string]struct{} {
	out := make(map[string]struct{}, len(trainings))
	for _, t := range trainings {
		if t.IsValid(now) {
			out[t.TrainingTypeID] = struct{}{}
		}
	}
	return out
}

type RequestStatus int

const (
	RequestPending RequestStatus = iota
	RequestRejected
	RequestWithdrawn
	RequestAccepted
	RequestRevoked
)

func (s RequestStatus) String() string {
	switch s {
	case RequestPending:
		return "pending"
	case RequestRejected:
		return "rejected"
	case RequestWithdrawn:
		return "withdrawn"
	case RequestAccepted:
		return "accepted"
	case RequestRevoked:
		return "revoked"
	}
	return "unknown"
}

// ParseRequestStatus accepts the names produced by String.
func ParseRequestStatus(s string) (RequestStatus, bool) {
	for st := RequestPending; st <= RequestRevoked; st++ {
		if st.String() == s {
			return st, true
		}
	}
	return 0, false
}

// DataAccessRequest asks the contributors of a Contributor-Review project
// for access. A zero Duration grants access indefinitely once accepted.
type DataAccessRequest struct {
	ID          string        `json:"id"`
	ProjectID   string        `json:"project_id"`
	RequesterID string        `json:"requester_id"`
	Status      RequestStatus `json:"status"`
	Reason      string        `json:"reason,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	RequestedAt time.Time     `json:"requested_at"`
	DecidedAt   *time.Time    `json:"decided_at,omitempty"`
	ResponderID string        `json:"responder_id,omitempty"`
}

// IsActive reports whether the request currently grants access.
func (r DataAccessRequest) IsActive(now time.Time) bool {
	if r.Status != RequestAccepted {
		return false
	}
	if r.Duration <= 0 {
		return true
	}
	if r.DecidedAt == nil {
		return false
	}
	return r.DecidedAt.Add(r.Duration).After(now)
}

// CanDecide reports whether a request may move between the given states.
// Withdrawal is reserved for the requester, which callers enforce.
func CanDecide(from, to RequestStatus) bool {
	switch from {
	case RequestPending:
		return to == RequestAccepted || to == RequestRejected || to == RequestWithdrawn
	case RequestAccepted:
		return to == RequestRevoked
	}
	return false
}

// Event is a time boxed collaboration whose participants gain access to
// the attached datasets. Dates are compared at day granularity in UTC.
type Event struct {
	ID           string             `json:"id"`
	Title        string             `json:"title"`
	HostID       string             `json:"host_id"`
	StartDate    time.Time          `json:"start_date"`
	EndDate      time.Time          `json:"end_date"`
	Participants []EventParticipant `json:"participants,omitempty"`
}

type EventParticipant struct {
	EventID  string    `json:"event_id"`
	UserID   string    `json:"user_id"`
	IsCohost bool      `json:"is_cohost"`
	AddedAt  time.Time `json:"added_at"`
}

// EventDataset attaches a published project to an event.
type EventDataset struct {
	ID        string    `json:"id"`
	EventID   string    `json:"event_id"`
	ProjectID string    `json:"project_id"`
	IsActive  bool      `json:"is_active"`
	AddedAt   time.Time `json:"added_at"`
}

// Day truncates t to its UTC calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// IsActive reports start <= today <= end.
func (e Event) IsActive(now time.Time) bool {
	today := Day(now)
	return !today.Before(Day(e.StartDate)) && !today.After(Day(e.EndDate))
}

// HasEventAccess reports whether the user hosts or participates in the event.
func HasEventAccess(userID string, e Event) bool {
	if userID == "" {
		return false
	}
	if e.HostID == userID {
		return true
	}
	for _, p := range e.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// Manages reports whether the user hosts or co-hosts the event.
func (e Event) Manages(userID string) bool {
	if userID == "" {
		return false
	}
	if e.HostID == userID {
		return true
	}
	for _, p := range e.Participants {
		if p.UserID == userID && p.IsCohost {
			return true
		}
	}
	return false
}

// HasAccess reports whether the attachment currently grants the user access.
func (d EventDataset) HasAccess(userID string, e Event, now time.Time) bool {
	return d.IsActive && d.EventID == e.ID && HasEventAccess(userID, e) && e.IsActive(now)
}
