package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"physionet.org/internal/entitlement"
	"physionet.org/internal/ids"
)

// Activeness predicates shared by the entitlement queries and the access
// pushdown. $now is substituted with the caller's placeholder.
const (
	validTrainingCond = `t.status = 3
		and (tt.valid_duration_seconds <= 0
			or t.processed_at + make_interval(secs => tt.valid_duration_seconds) > $now)`
	activeRequestCond = `q.status = 3
		and (q.duration_seconds <= 0
			or (q.decided_at is not null and q.decided_at + make_interval(secs => q.duration_seconds) > $now))`
)

func bindNow(cond, placeholder string) string {
	return strings.ReplaceAll(cond, "$now", placeholder)
}

func (s *Store) SignDUA(ctx context.Context, projectID, userID string) (entitlement.DUASignature, error) {
	if s.db == nil {
		return entitlement.DUASignature{}, errNoDB
	}
	if projectID == "" || userID == "" {
		return entitlement.DUASignature{}, fmt.Errorf("%w: project and user are required", entitlement.ErrInvalidInput)
	}
	_, err := s.db.ExecContext(ctx, `
		insert into dua_signatures (project_id, user_id, signed_at)
		values ($1, $2, now())
		on conflict (project_id, user_id) do nothing
	`, projectID, userID)
	if err != nil {
		return entitlement.DUASignature{}, mapWriteErr(err, entitlement.ErrConflict, entitlement.ErrNotFound)
	}
	sig := entitlement.DUASignature{ProjectID: projectID, UserID: userID}
	err = s.db.QueryRowContext(ctx, `
		select signed_at from dua_signatures where project_id = $1 and user_id = $2
	`, projectID, userID).Scan(&sig.SignedAt)
	if err != nil {
		return entitlement.DUASignature{}, err
	}
	return sig, nil
}

func (s *Store) HasSignedDUA(ctx context.Context, projectID, userID string) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	var ok bool
	err := s.db.QueryRowContext(ctx, `
		select exists (select 1 from dua_signatures where project_id = $1 and user_id = $2)
	`, projectID, userID).Scan(&ok)
	return ok, err
}

func (s *Store) SignedProjects(ctx context.Context, userID string) ([]string, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	return s.stringColumn(ctx, `select project_id from dua_signatures where user_id = $1 order by project_id`, userID)
}

func (s *Store) CreateTrainingType(ctx context.Context, tt entitlement.TrainingType) (entitlement.TrainingType, error) {
	if s.db == nil {
		return entitlement.TrainingType{}, errNoDB
	}
	if strings.TrimSpace(tt.Name) == "" || tt.ValidDuration < 0 {
		return entitlement.TrainingType{}, fmt.Errorf("%w: training type", entitlement.ErrInvalidInput)
	}
	if tt.ID == "" {
		tt.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into training_types (id, name, valid_duration_seconds) values ($1, $2, $3)
	`, tt.ID, tt.Name, seconds(tt.ValidDuration))
	if err != nil {
		return entitlement.TrainingType{}, mapWriteErr(err, entitlement.ErrConflict, entitlement.ErrNotFound)
	}
	return tt, nil
}

func (s *Store) AddTraining(ctx context.Context, t entitlement.Training) (entitlement.Training, error) {
	if s.db == nil {
		return entitlement.Training{}, errNoDB
	}
	if t.UserID == "" {
		return entitlement.Training{}, fmt.Errorf("%w: user is required", entitlement.ErrInvalidInput)
	}
	var validSecs int64
	err := s.db.QueryRowContext(ctx, `select valid_duration_seconds from training_types where id = $1`, t.TrainingTypeID).Scan(&validSecs)
	if errors.Is(err, sql.ErrNoRows) {
		return entitlement.Training{}, fmt.Errorf("%w: training type %s", entitlement.ErrNotFound, t.TrainingTypeID)
	}
	if err != nil {
		return entitlement.Training{}, err
	}
	if t.ID == "" {
		t.ID = ids.New()
	}
	t.ValidDuration = duration(validSecs)
	_, err = s.db.ExecContext(ctx, `
		insert into trainings (id, user_id, training_type_id, status, processed_at)
		values ($1, $2, $3, $4, $5)
	`, t.ID, t.UserID, t.TrainingTypeID, int(t.Status), t.ProcessedAt)
	if err != nil {
		return entitlement.Training{}, mapWriteErr(err, entitlement.ErrConflict, entitlement.ErrNotFound)
	}
	return t, nil
}

func (s *Store) SetTrainingStatus(ctx context.Context, id string, st entitlement.TrainingStatus, processedAt time.Time) (entitlement.Training, error) {
	if s.db == nil {
		return entitlement.Training{}, errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return entitlement.Training{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		t         entitlement.Training
		status    int
		validSecs int64
	)
	err = tx.QueryRowContext(ctx, `
		select t.id, t.user_id, t.training_type_id, t.status, tt.valid_duration_seconds
		from trainings t
		join training_types tt on tt.id = t.training_type_id
		where t.id = $1
		for update of t
	`, id).Scan(&t.ID, &t.UserID, &t.TrainingTypeID, &status, &validSecs)
	if errors.Is(err, sql.ErrNoRows) {
		return entitlement.Training{}, entitlement.ErrNotFound
	}
	if err != nil {
		return entitlement.Training{}, err
	}
	t.Status = entitlement.TrainingStatus(status)
	if !entitlement.CanReviewTraining(t.Status, st) {
		return entitlement.Training{}, fmt.Errorf("%w: %s -> %s", entitlement.ErrInvalidTransition, t.Status, st)
	}
	t.Status = st
	t.ProcessedAt = processedAt.UTC()
	t.ValidDuration = duration(validSecs)
	if _, err := tx.ExecContext(ctx, `update trainings set status = $2, processed_at = $3 where id = $1`,
		t.ID, int(t.Status), t.ProcessedAt); err != nil {
		return entitlement.Training{}, err
	}
	if err := tx.Commit(); err != nil {
		return entitlement.Training{}, err
	}
	return t, nil
}

func (s *Store) ValidTrainings(ctx context.Context, userID string, now time.Time) ([]entitlement.Training, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select t.id, t.user_id, t.training_type_id, t.status, t.processed_at, tt.valid_duration_seconds
		from trainings t
		join training_types tt on tt.id = t.training_type_id
		where t.user_id = $1 and `+bindNow(validTrainingCond, "$2")+`
		order by t.id
	`, userID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []entitlement.Training
	for rows.Next() {
		var (
			t         entitlement.Training
			status    int
			validSecs int64
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.TrainingTypeID, &status, &t.ProcessedAt, &validSecs); err != nil {
			return nil, err
		}
		t.Status = entitlement.TrainingStatus(status)
		t.ValidDuration = duration(validSecs)
		out = append(out, t)
	}
	return out, rows.Err()
}

const requestColumns = `q.id, q.project_id, q.requester_id, q.status, q.reason, q.duration_seconds,
	q.requested_at, q.decided_at, q.responder_id`

func (s *Store) CreateAccessRequest(ctx context.Context, r entitlement.DataAccessRequest) (entitlement.DataAccessRequest, error) {
	if s.db == nil {
		return entitlement.DataAccessRequest{}, errNoDB
	}
	if r.ProjectID == "" || r.RequesterID == "" {
		return entitlement.DataAccessRequest{}, fmt.Errorf("%w: project and requester are required", entitlement.ErrInvalidInput)
	}
	if r.ID == "" {
		r.ID = ids.New()
	}
	r.Status = entitlement.RequestPending
	r.DecidedAt = nil
	r.ResponderID = ""
	r.Duration = 0
	if r.RequestedAt.IsZero() {
		r.RequestedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into data_access_requests (id, project_id, requester_id, status, reason, duration_seconds, requested_at, responder_id)
		values ($1, $2, $3, 0, $4, 0, $5, '')
	`, r.ID, r.ProjectID, r.RequesterID, r.Reason, r.RequestedAt)
	if err != nil {
		return entitlement.DataAccessRequest{}, mapWriteErr(err,
			fmt.Errorf("%w: a pending request already exists", entitlement.ErrConflict),
			entitlement.ErrNotFound)
	}
	return r, nil
}

func (s *Store) GetAccessRequest(ctx context.Context, id string) (entitlement.DataAccessRequest, error) {
	if s.db == nil {
		return entitlement.DataAccessRequest{}, errNoDB
	}
	row := s.db.QueryRowContext(ctx, `select `+requestColumns+` from data_access_requests q where q.id = $1`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return entitlement.DataAccessRequest{}, entitlement.ErrNotFound
	}
	return r, err
}

func (s *Store) DecideAccessRequest(ctx context.Context, id string, d entitlement.Decision) (entitlement.DataAccessRequest, error) {
	if s.db == nil {
		return entitlement.DataAccessRequest{}, errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return entitlement.DataAccessRequest{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `select `+requestColumns+` from data_access_requests q where q.id = $1 for update`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return entitlement.DataAccessRequest{}, entitlement.ErrNotFound
	}
	if err != nil {
		return entitlement.DataAccessRequest{}, err
	}
	if err := d.Validate(r); err != nil {
		return entitlement.DataAccessRequest{}, fmt.Errorf("%w: %s -> %s", err, r.Status, d.Status)
	}
	at := d.At
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()
	if d.Status == entitlement.RequestAccepted {
		r.Duration = d.Duration
	}
	r.Status = d.Status
	r.DecidedAt = &at
	if d.Status != entitlement.RequestWithdrawn {
		r.ResponderID = d.ActorID
	}
	_, err = tx.ExecContext(ctx, `
		update data_access_requests
		set status = $2, duration_seconds = $3, decided_at = $4, responder_id = $5
		where id = $1
	`, r.ID, int(r.Status), seconds(r.Duration), at, r.ResponderID)
	if err != nil {
		return entitlement.DataAccessRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return entitlement.DataAccessRequest{}, err
	}
	return r, nil
}

func (s *Store) HasActiveAccessRequest(ctx context.Context, projectID, userID string, now time.Time) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	var ok bool
	err := s.db.QueryRowContext(ctx, `
		select exists (
			select 1 from data_access_requests q
			where q.project_id = $1 and q.requester_id = $2 and `+bindNow(activeRequestCond, "$3")+`
		)
	`, projectID, userID, now).Scan(&ok)
	return ok, err
}

func (s *Store) ActiveRequestProjects(ctx context.Context, userID string, now time.Time) ([]string, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	return s.stringColumn(ctx, `
		select distinct q.project_id from data_access_requests q
		where q.requester_id = $1 and `+bindNow(activeRequestCond, "$2")+`
		order by q.project_id
	`, userID, now)
}

func (s *Store) CreateEvent(ctx context.Context, e entitlement.Event) (entitlement.Event, error) {
	if s.db == nil {
		return entitlement.Event{}, errNoDB
	}
	if strings.TrimSpace(e.Title) == "" || e.HostID == "" {
		return entitlement.Event{}, fmt.Errorf("%w: title and host are required", entitlement.ErrInvalidInput)
	}
	if entitlement.Day(e.EndDate).Before(entitlement.Day(e.StartDate)) {
		return entitlement.Event{}, fmt.Errorf("%w: event ends before it starts", entitlement.ErrInvalidInput)
	}
	if e.ID == "" {
		e.ID = ids.New()
	}
	e.StartDate = entitlement.Day(e.StartDate)
	e.EndDate = entitlement.Day(e.EndDate)
	e.Participants = nil
	_, err := s.db.ExecContext(ctx, `
		insert into events (id, title, host_id, start_date, end_date) values ($1, $2, $3, $4, $5)
	`, e.ID, e.Title, e.HostID, e.StartDate, e.EndDate)
	if err != nil {
		return entitlement.Event{}, mapWriteErr(err, entitlement.ErrConflict, entitlement.ErrNotFound)
	}
	return e, nil
}

func (s *Store) GetEvent(ctx context.Context, id string) (entitlement.Event, error) {
	if s.db == nil {
		return entitlement.Event{}, errNoDB
	}
	var e entitlement.Event
	err := s.db.QueryRowContext(ctx, `
		select id, title, host_id, start_date, end_date from events where id = $1
	`, id).Scan(&e.ID, &e.Title, &e.HostID, &e.StartDate, &e.EndDate)
	if errors.Is(err, sql.ErrNoRows) {
		return entitlement.Event{}, entitlement.ErrNotFound
	}
	if err != nil {
		return entitlement.Event{}, err
	}
	rows, err := s.db.QueryContext(ctx, `
		select event_id, user_id, is_cohost, added_at
		from event_participants
		where event_id = $1
		order by added_at
	`, id)
	if err != nil {
		return entitlement.Event{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var p entitlement.EventParticipant
		if err := rows.Scan(&p.EventID, &p.UserID, &p.IsCohost, &p.AddedAt); err != nil {
			return entitlement.Event{}, err
		}
		e.Participants = append(e.Participants, p)
	}
	return e, rows.Err()
}

func (s *Store) AddParticipant(ctx context.Context, eventID, userID string, cohost bool) (entitlement.EventParticipant, error) {
	if s.db == nil {
		return entitlement.EventParticipant{}, errNoDB
	}
	p := entitlement.EventParticipant{EventID: eventID, UserID: userID, IsCohost: cohost, AddedAt: time.Now().UTC()}
	_, err := s.db.ExecContext(ctx, `
		insert into event_participants (event_id, user_id, is_cohost, added_at) values ($1, $2, $3, $4)
	`, eventID, userID, cohost, p.AddedAt)
	if err != nil {
		return entitlement.EventParticipant{}, mapWriteErr(err,
			fmt.Errorf("%w: already a participant", entitlement.ErrConflict),
			entitlement.ErrNotFound)
	}
	return p, nil
}

func (s *Store) AttachDataset(ctx context.Context, eventID, projectID string) (entitlement.EventDataset, error) {
	if s.db == nil {
		return entitlement.EventDataset{}, errNoDB
	}
	d := entitlement.EventDataset{ID: ids.New(), EventID: eventID, ProjectID: projectID, IsActive: true, AddedAt: time.Now().UTC()}
	_, err := s.db.ExecContext(ctx, `
		insert into event_datasets (id, event_id, project_id, is_active, added_at) values ($1, $2, $3, true, $4)
	`, d.ID, eventID, projectID, d.AddedAt)
	if err != nil {
		return entitlement.EventDataset{}, mapWriteErr(err,
			fmt.Errorf("%w: dataset already attached", entitlement.ErrConflict),
			entitlement.ErrNotFound)
	}
	return d, nil
}

func (s *Store) SetEventDatasetActive(ctx context.Context, id string, active bool) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `update event_datasets set is_active = $2 where id = $1`, id, active)
	if err != nil {
		return mapWriteErr(err, fmt.Errorf("%w: dataset already attached", entitlement.ErrConflict), entitlement.ErrNotFound)
	}
	return expectOne(res, entitlement.ErrNotFound)
}

func (s *Store) UserEvents(ctx context.Context, userID string) ([]entitlement.Event, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select e.id, e.title, e.host_id, e.start_date, e.end_date
		from events e
		where e.host_id = $1
			or exists (select 1 from event_participants ep where ep.event_id = e.id and ep.user_id = $1)
		order by e.id
	`, userID)
	if err != nil {
		return nil, err
	}
	var (
		events []entitlement.Event
		index  = map[string]int{}
	)
	for rows.Next() {
		var e entitlement.Event
		if err := rows.Scan(&e.ID, &e.Title, &e.HostID, &e.StartDate, &e.EndDate); err != nil {
			rows.Close()
			return nil, err
		}
		index[e.ID] = len(events)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if len(events) == 0 {
		return nil, nil
	}

	prows, err := s.db.QueryContext(ctx, `
		select ep.event_id, ep.user_id, ep.is_cohost, ep.added_at
		from event_participants ep
		join events e on e.id = ep.event_id
		where e.host_id = $1
			or exists (select 1 from event_participants mine where mine.event_id = e.id and mine.user_id = $1)
		order by ep.event_id, ep.added_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer prows.Close()
	for prows.Next() {
		var p entitlement.EventParticipant
		if err := prows.Scan(&p.EventID, &p.UserID, &p.IsCohost, &p.AddedAt); err != nil {
			return nil, err
		}
		if i, ok := index[p.EventID]; ok {
			events[i].Participants = append(events[i].Participants, p)
		}
	}
	return events, prows.Err()
}

func (s *Store) EventDatasets(ctx context.Context, eventIDs []string) ([]entitlement.EventDataset, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	if len(eventIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, event_id, project_id, is_active, added_at
		from event_datasets
		where event_id = any($1)
		order by id
	`, eventIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []entitlement.EventDataset
	for rows.Next() {
		var d entitlement.EventDataset
		if err := rows.Scan(&d.ID, &d.EventID, &d.ProjectID, &d.IsActive, &d.AddedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanRequest(row scanner) (entitlement.DataAccessRequest, error) {
	var (
		r       entitlement.DataAccessRequest
		status  int
		secs    int64
		decided sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.ProjectID, &r.RequesterID, &status, &r.Reason, &secs,
		&r.RequestedAt, &decided, &r.ResponderID); err != nil {
		return entitlement.DataAccessRequest{}, err
	}
	r.Status = entitlement.RequestStatus(status)
	r.Duration = duration(secs)
	r.DecidedAt = timePtr(decided)
	return r, nil
}

func (s *Store) stringColumn(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
