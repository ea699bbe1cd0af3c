package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"physionet.org/internal/auth"
	"physionet.org/internal/entitlement"
	"physionet.org/internal/project"
)

var publishedCols = []string{
	"id", "core_id", "slug", "version", "title", "access_policy", "allow_file_downloads",
	"deprecated_files", "main_storage_size", "compressed_storage_size", "incremental_storage_size",
	"is_latest_version", "published_at",
}

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func expectationsMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestNilDatabase(t *testing.T) {
	s := &Store{}
	if _, err := s.GetCore(context.Background(), "c"); !errors.Is(err, errNoDB) {
		t.Fatalf("expected errNoDB, got %v", err)
	}
	if _, err := s.AccessiblePublished(context.Background(), auth.Anonymous, time.Now()); !errors.Is(err, errNoDB) {
		t.Fatalf("expected errNoDB, got %v", err)
	}
}

func TestGetPublishedNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from published_projects p where p.slug = ").WithArgs("demo", "1.0").WillReturnError(sql.ErrNoRows)

	if _, err := s.GetPublished(context.Background(), "demo", "1.0"); !errors.Is(err, project.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestGetPublishedLoadsTrainings(t *testing.T) {
	s, mock := newMock(t)
	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("from published_projects p where p.id = ").WithArgs("pub-1").WillReturnRows(
		sqlmock.NewRows(publishedCols).AddRow("pub-1", "core-1", "demo", "1.0", "Demo", 2, true, false, 10, 0, 10, true, at))
	mock.ExpectQuery("from project_required_trainings").WithArgs("pub-1").WillReturnRows(
		sqlmock.NewRows([]string{"training_type_id"}).AddRow("citi").AddRow("hipaa"))

	p, err := s.GetPublishedByID(context.Background(), "pub-1")
	if err != nil {
		t.Fatalf("GetPublishedByID: %v", err)
	}
	if p.AccessPolicy != project.PolicyCredentialed || !p.IsLatestVersion || p.MainStorageSize != 10 {
		t.Fatalf("unexpected project %+v", p)
	}
	if len(p.RequiredTrainings) != 2 || p.RequiredTrainings[0] != "citi" {
		t.Fatalf("unexpected trainings %v", p.RequiredTrainings)
	}
	expectationsMet(t, mock)
}

func TestCreateCoreConflict(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("insert into project_cores").
		WithArgs("core-1", int64(100), int64(0), sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	_, err := s.CreateCore(context.Background(), project.Core{ID: "core-1", StorageAllowance: 100})
	if !errors.Is(err, project.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestPublishTransaction(t *testing.T) {
	s, mock := newMock(t)
	pub := project.Published{
		ID:                     "pub-2",
		CoreID:                 "core-1",
		Slug:                   "demo",
		Version:                "2.0",
		Title:                  "Demo",
		AccessPolicy:           project.PolicyOpen,
		AllowFileDownloads:     true,
		RequiredTrainings:      []string{"citi", "citi"},
		MainStorageSize:        25,
		IncrementalStorageSize: 5,
	}

	mock.ExpectBegin()
	mock.ExpectQuery("select core_id from active_projects where id = ").WithArgs("act-1").
		WillReturnRows(sqlmock.NewRows([]string{"core_id"}).AddRow("core-1"))
	mock.ExpectQuery("select core_id from published_projects where slug = ").WithArgs("demo", "core-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("update published_projects set is_latest_version = false").WithArgs("core-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into published_projects").
		WithArgs("pub-2", "core-1", "demo", "2.0", "Demo", 0, true, false, int64(25), int64(0), int64(5), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into project_required_trainings").WithArgs("pub-2", "citi").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("update project_cores set total_published_size").WithArgs("core-1", int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("delete from active_required_trainings").WithArgs("act-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("delete from active_projects").WithArgs("act-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.Publish(context.Background(), "act-1", pub); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	expectationsMet(t, mock)
}

func TestPublishRejectsForeignSlug(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("select core_id from active_projects").WithArgs("act-1").
		WillReturnRows(sqlmock.NewRows([]string{"core_id"}).AddRow("core-1"))
	mock.ExpectQuery("select core_id from published_projects where slug = ").WithArgs("demo", "core-1").
		WillReturnRows(sqlmock.NewRows([]string{"core_id"}).AddRow("core-9"))
	mock.ExpectRollback()

	err := s.Publish(context.Background(), "act-1", project.Published{CoreID: "core-1", Slug: "demo", Version: "1.0"})
	if !errors.Is(err, project.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestPublishMissingDraft(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("select core_id from active_projects").WithArgs("gone").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := s.Publish(context.Background(), "gone", project.Published{CoreID: "core-1", Slug: "demo", Version: "1.0"})
	if !errors.Is(err, project.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestArchiveMissingDraft(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("delete from active_required_trainings").WithArgs("act-1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("delete from active_projects").WithArgs("act-1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.Archive(context.Background(), "act-1", project.Archived{CoreID: "core-1", Reason: project.ArchiveRejected})
	if !errors.Is(err, project.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestSlugOwner(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("select core_id from published_projects where slug").WithArgs("free").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("select core_id from published_projects where slug").WithArgs("taken").
		WillReturnRows(sqlmock.NewRows([]string{"core_id"}).AddRow("core-1"))

	if _, ok, err := s.SlugOwner(context.Background(), "free"); err != nil || ok {
		t.Fatalf("free slug: ok=%v err=%v", ok, err)
	}
	owner, ok, err := s.SlugOwner(context.Background(), "taken")
	if err != nil || !ok || owner != "core-1" {
		t.Fatalf("taken slug: owner=%q ok=%v err=%v", owner, ok, err)
	}
	expectationsMet(t, mock)
}

func TestCreateAccessRequestPendingConflict(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("insert into data_access_requests").
		WithArgs(sqlmock.AnyArg(), "pub-1", "user-1", "need it", sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	_, err := s.CreateAccessRequest(context.Background(), entitlement.DataAccessRequest{
		ProjectID: "pub-1", RequesterID: "user-1", Reason: "need it",
	})
	if !errors.Is(err, entitlement.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestDecideAccessRequest(t *testing.T) {
	s, mock := newMock(t)
	requested := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	decided := requested.Add(48 * time.Hour)
	cols := []string{"id", "project_id", "requester_id", "status", "reason", "duration_seconds", "requested_at", "decided_at", "responder_id"}

	mock.ExpectBegin()
	mock.ExpectQuery("from data_access_requests q where q.id = ").WithArgs("req-1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("req-1", "pub-1", "user-1", 0, "", 0, requested, nil, ""))
	mock.ExpectExec("update data_access_requests").
		WithArgs("req-1", int(entitlement.RequestAccepted), int64(3600), decided, "reviewer").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	r, err := s.DecideAccessRequest(context.Background(), "req-1", entitlement.Decision{
		Status: entitlement.RequestAccepted, ActorID: "reviewer", Duration: time.Hour, At: decided,
	})
	if err != nil {
		t.Fatalf("DecideAccessRequest: %v", err)
	}
	if r.Status != entitlement.RequestAccepted || r.ResponderID != "reviewer" || r.DecidedAt == nil {
		t.Fatalf("unexpected request %+v", r)
	}
	if !r.IsActive(decided.Add(30*time.Minute)) || r.IsActive(decided.Add(2*time.Hour)) {
		t.Fatalf("expected a one hour grant")
	}
	expectationsMet(t, mock)
}

func TestDecideAccessRequestRejectsSelfApproval(t *testing.T) {
	s, mock := newMock(t)
	cols := []string{"id", "project_id", "requester_id", "status", "reason", "duration_seconds", "requested_at", "decided_at", "responder_id"}
	mock.ExpectBegin()
	mock.ExpectQuery("from data_access_requests q where q.id = ").WithArgs("req-1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("req-1", "pub-1", "user-1", 0, "", 0, time.Now(), nil, ""))
	mock.ExpectRollback()

	_, err := s.DecideAccessRequest(context.Background(), "req-1", entitlement.Decision{
		Status: entitlement.RequestAccepted, ActorID: "user-1",
	})
	if !errors.Is(err, entitlement.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestSignDUAIsIdempotent(t *testing.T) {
	s, mock := newMock(t)
	signed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		mock.ExpectExec("insert into dua_signatures").WithArgs("pub-1", "user-1").WillReturnResult(sqlmock.NewResult(0, int64(1-i)))
		mock.ExpectQuery("select signed_at from dua_signatures").WithArgs("pub-1", "user-1").
			WillReturnRows(sqlmock.NewRows([]string{"signed_at"}).AddRow(signed))
	}
	for i := 0; i < 2; i++ {
		sig, err := s.SignDUA(context.Background(), "pub-1", "user-1")
		if err != nil {
			t.Fatalf("SignDUA: %v", err)
		}
		if !sig.SignedAt.Equal(signed) {
			t.Fatalf("signature time changed: %v", sig.SignedAt)
		}
	}
	expectationsMet(t, mock)
}

func TestAddTrainingUnknownType(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("select valid_duration_seconds from training_types").WithArgs("nope").WillReturnError(sql.ErrNoRows)

	_, err := s.AddTraining(context.Background(), entitlement.Training{UserID: "user-1", TrainingTypeID: "nope"})
	if !errors.Is(err, entitlement.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestSetTrainingStatus(t *testing.T) {
	s, mock := newMock(t)
	at := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectQuery("from trainings t join training_types tt on tt.id = t.training_type_id where t.id = ").
		WithArgs("tr-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "training_type_id", "status", "valid_duration_seconds"}).
			AddRow("tr-1", "user-1", "citi", 0, 86400))
	mock.ExpectExec("update trainings set status").
		WithArgs("tr-1", int(entitlement.TrainingAccepted), at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	got, err := s.SetTrainingStatus(context.Background(), "tr-1", entitlement.TrainingAccepted, at)
	if err != nil {
		t.Fatalf("SetTrainingStatus: %v", err)
	}
	if got.Status != entitlement.TrainingAccepted || got.ValidDuration != 24*time.Hour {
		t.Fatalf("unexpected training %+v", got)
	}
	expectationsMet(t, mock)
}

func TestSetTrainingStatusRejectsReReview(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("from trainings t").
		WithArgs("tr-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "training_type_id", "status", "valid_duration_seconds"}).
			AddRow("tr-1", "user-1", "citi", int(entitlement.TrainingAccepted), 0))
	mock.ExpectRollback()

	_, err := s.SetTrainingStatus(context.Background(), "tr-1", entitlement.TrainingRejected, time.Now())
	if !errors.Is(err, entitlement.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestAccessiblePublishedAnonymous(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2024, 6, 15, 10, 30, 0, 0, time.UTC)
	mock.ExpectQuery("from published_projects p where not p.deprecated_files and p.allow_file_downloads").
		WithArgs("", false, now, entitlement.Day(now)).
		WillReturnRows(sqlmock.NewRows(publishedCols).AddRow("pub-1", "core-1", "open", "1.0", "Open", 0, true, false, 1, 0, 1, true, now))
	mock.ExpectQuery("from project_required_trainings order by").
		WillReturnRows(sqlmock.NewRows([]string{"project_id", "training_type_id"}))

	// A stray id on an anonymous user must not reach the query.
	out, err := s.AccessiblePublished(context.Background(), auth.User{ID: "  "}, now)
	if err != nil {
		t.Fatalf("AccessiblePublished: %v", err)
	}
	if len(out) != 1 || out[0].Slug != "open" {
		t.Fatalf("unexpected result %+v", out)
	}
	expectationsMet(t, mock)
}

func TestAccessibleQueryGatesUnknownPolicies(t *testing.T) {
	q := strings.Join(strings.Fields(accessibleQuery), " ")
	gate := "where not p.deprecated_files and p.allow_file_downloads and p.access_policy in (0, 1, 2, 3) and ("
	if !strings.Contains(q, gate) {
		t.Fatalf("policy gate must precede the grant branches: %s", q)
	}
	if strings.Index(q, gate) > strings.Index(q, "from event_datasets") {
		t.Fatal("event grant evaluated outside the policy gate")
	}
}

func TestAccessiblePublishedCredentialedUser(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2024, 6, 15, 23, 59, 0, 0, time.UTC)
	user := auth.User{ID: "user-1", IsCredentialed: true}
	mock.ExpectQuery("from published_projects p where not p.deprecated_files").
		WithArgs("user-1", true, now, entitlement.Day(now)).
		WillReturnRows(sqlmock.NewRows(publishedCols).
			AddRow("pub-1", "core-1", "a", "1.0", "A", 2, true, false, 1, 0, 1, true, now).
			AddRow("pub-2", "core-2", "b", "1.0", "B", 3, true, false, 1, 0, 1, true, now))
	mock.ExpectQuery("from project_required_trainings order by").
		WillReturnRows(sqlmock.NewRows([]string{"project_id", "training_type_id"}).AddRow("pub-2", "citi"))

	out, err := s.AccessiblePublished(context.Background(), user, now)
	if err != nil {
		t.Fatalf("AccessiblePublished: %v", err)
	}
	if len(out) != 2 || len(out[1].RequiredTrainings) != 1 || out[0].RequiredTrainings != nil {
		t.Fatalf("unexpected result %+v", out)
	}
	expectationsMet(t, mock)
}

func TestGetUser(t *testing.T) {
	s, mock := newMock(t)
	created := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("from users where id = ").WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "is_credentialed", "is_admin", "created_at"}).
			AddRow("user-1", "a@example.org", true, false, created))
	mock.ExpectQuery("from users where id = ").WithArgs("ghost").WillReturnError(sql.ErrNoRows)

	u, err := s.GetUser(context.Background(), "user-1")
	if err != nil || !u.IsCredentialed || u.Email != "a@example.org" {
		t.Fatalf("GetUser: %+v %v", u, err)
	}
	if _, err := s.GetUser(context.Background(), "ghost"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected auth.ErrNotFound, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestSetDeprecated(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("update published_projects set deprecated_files").
		WithArgs("pub-1", true).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update published_projects set deprecated_files").
		WithArgs("pub-2", true).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.SetDeprecated(context.Background(), "pub-1", true); err != nil {
		t.Fatalf("SetDeprecated: %v", err)
	}
	if err := s.SetDeprecated(context.Background(), "pub-2", true); !errors.Is(err, project.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestGetEvent(t *testing.T) {
	s, mock := newMock(t)
	day := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("from events where id").
		WithArgs("ev-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "host_id", "start_date", "end_date"}).
			AddRow("ev-1", "Datathon", "host", day, day.AddDate(0, 0, 2)))
	mock.ExpectQuery("from event_participants where event_id").
		WithArgs("ev-1").
		WillReturnRows(sqlmock.NewRows([]string{"event_id", "user_id", "is_cohost", "added_at"}).
			AddRow("ev-1", "co", true, day))
	mock.ExpectQuery("from events where id").
		WithArgs("ev-2").
		WillReturnError(sql.ErrNoRows)

	ev, err := s.GetEvent(context.Background(), "ev-1")
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if ev.HostID != "host" || len(ev.Participants) != 1 || !ev.Manages("co") {
		t.Fatalf("unexpected event %+v", ev)
	}
	if _, err := s.GetEvent(context.Background(), "ev-2"); !errors.Is(err, entitlement.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	expectationsMet(t, mock)
}
