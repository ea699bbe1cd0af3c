package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"physionet.org/internal/ids"
	"physionet.org/internal/project"
)

const activeColumns = `a.id, a.core_id, a.title, a.version, a.submitting_author, a.access_policy,
	a.allow_file_downloads, a.submission_status, a.created_at, a.modified_at, a.submitted_at`

const publishedColumns = `p.id, p.core_id, p.slug, p.version, p.title, p.access_policy,
	p.allow_file_downloads, p.deprecated_files, p.main_storage_size, p.compressed_storage_size,
	p.incremental_storage_size, p.is_latest_version, p.published_at`

func (s *Store) CreateCore(ctx context.Context, core project.Core) (project.Core, error) {
	if s.db == nil {
		return project.Core{}, errNoDB
	}
	if core.StorageAllowance < 0 {
		return project.Core{}, fmt.Errorf("%w: storage allowance must be >= 0", project.ErrInvalidInput)
	}
	if core.ID == "" {
		core.ID = ids.New()
	}
	if core.CreatedAt.IsZero() {
		core.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into project_cores (id, storage_allowance, total_published_size, created_at)
		values ($1, $2, $3, $4)
	`, core.ID, core.StorageAllowance, core.TotalPublishedSize, core.CreatedAt)
	if err != nil {
		return project.Core{}, mapWriteErr(err, project.ErrConflict, project.ErrNotFound)
	}
	return core, nil
}

func (s *Store) GetCore(ctx context.Context, id string) (project.Core, error) {
	if s.db == nil {
		return project.Core{}, errNoDB
	}
	var c project.Core
	err := s.db.QueryRowContext(ctx, `
		select id, storage_allowance, total_published_size, created_at
		from project_cores
		where id = $1
	`, id).Scan(&c.ID, &c.StorageAllowance, &c.TotalPublishedSize, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return project.Core{}, project.ErrNotFound
	}
	if err != nil {
		return project.Core{}, err
	}
	return c, nil
}

func (s *Store) CreateActive(ctx context.Context, p project.Active) (project.Active, error) {
	if s.db == nil {
		return project.Active{}, errNoDB
	}
	if p.ID == "" {
		p.ID = ids.New()
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.ModifiedAt = now
	p.RequiredTrainings = trainingSet(p.RequiredTrainings)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return project.Active{}, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		insert into active_projects (id, core_id, title, version, submitting_author, access_policy,
			allow_file_downloads, submission_status, created_at, modified_at, submitted_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, p.ID, p.CoreID, p.Title, p.Version, p.SubmittingAuthor, int(p.AccessPolicy),
		p.AllowFileDownloads, int(p.SubmissionStatus), p.CreatedAt, p.ModifiedAt, nullTime(p.SubmittedAt))
	if err != nil {
		return project.Active{}, mapWriteErr(err, project.ErrConflict, fmt.Errorf("%w: core %s", project.ErrNotFound, p.CoreID))
	}
	if err := insertTrainings(ctx, tx, "active_required_trainings", p.ID, p.RequiredTrainings); err != nil {
		return project.Active{}, err
	}
	if err := tx.Commit(); err != nil {
		return project.Active{}, err
	}
	return p, nil
}

func (s *Store) GetActive(ctx context.Context, id string) (project.Active, error) {
	if s.db == nil {
		return project.Active{}, errNoDB
	}
	row := s.db.QueryRowContext(ctx, `select `+activeColumns+` from active_projects a where a.id = $1`, id)
	p, err := scanActive(row)
	if errors.Is(err, sql.ErrNoRows) {
		return project.Active{}, project.ErrNotFound
	}
	if err != nil {
		return project.Active{}, err
	}
	if p.RequiredTrainings, err = s.trainingsOf(ctx, "active_required_trainings", id); err != nil {
		return project.Active{}, err
	}
	return p, nil
}

func (s *Store) UpdateActive(ctx context.Context, p project.Active) error {
	if s.db == nil {
		return errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update active_projects
		set title = $2, version = $3, access_policy = $4, allow_file_downloads = $5,
			submission_status = $6, submitted_at = $7, modified_at = now()
		where id = $1
	`, p.ID, p.Title, p.Version, int(p.AccessPolicy), p.AllowFileDownloads,
		int(p.SubmissionStatus), nullTime(p.SubmittedAt))
	if err != nil {
		return err
	}
	if err := expectOne(res, project.ErrNotFound); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `delete from active_required_trainings where project_id = $1`, p.ID); err != nil {
		return err
	}
	if err := insertTrainings(ctx, tx, "active_required_trainings", p.ID, trainingSet(p.RequiredTrainings)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetPublished(ctx context.Context, slug, version string) (project.Published, error) {
	if s.db == nil {
		return project.Published{}, errNoDB
	}
	row := s.db.QueryRowContext(ctx, `
		select `+publishedColumns+`
		from published_projects p
		where p.slug = $1 and p.version = $2
	`, slug, version)
	return s.publishedRow(ctx, row)
}

func (s *Store) GetPublishedByID(ctx context.Context, id string) (project.Published, error) {
	if s.db == nil {
		return project.Published{}, errNoDB
	}
	row := s.db.QueryRowContext(ctx, `select `+publishedColumns+` from published_projects p where p.id = $1`, id)
	return s.publishedRow(ctx, row)
}

func (s *Store) LatestPublished(ctx context.Context, coreID string) (project.Published, bool, error) {
	if s.db == nil {
		return project.Published{}, false, errNoDB
	}
	row := s.db.QueryRowContext(ctx, `
		select `+publishedColumns+`
		from published_projects p
		where p.core_id = $1 and p.is_latest_version
	`, coreID)
	p, err := s.publishedRow(ctx, row)
	if errors.Is(err, project.ErrNotFound) {
		return project.Published{}, false, nil
	}
	if err != nil {
		return project.Published{}, false, err
	}
	return p, true, nil
}

func (s *Store) ListPublished(ctx context.Context) ([]project.Published, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+publishedColumns+`
		from published_projects p
		order by p.slug, p.version
	`)
	if err != nil {
		return nil, err
	}
	return s.publishedRows(ctx, rows)
}

func (s *Store) SlugOwner(ctx context.Context, slug string) (string, bool, error) {
	if s.db == nil {
		return "", false, errNoDB
	}
	var coreID string
	err := s.db.QueryRowContext(ctx, `select core_id from published_projects where slug = $1 limit 1`, slug).Scan(&coreID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return coreID, true, nil
}

func (s *Store) SetCompressedSize(ctx context.Context, publishedID string, size int64) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `update published_projects set compressed_storage_size = $2 where id = $1`, publishedID, size)
	if err != nil {
		return err
	}
	return expectOne(res, project.ErrNotFound)
}

func (s *Store) SetDeprecated(ctx context.Context, publishedID string, deprecated bool) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `update published_projects set deprecated_files = $2 where id = $1`, publishedID, deprecated)
	if err != nil {
		return err
	}
	return expectOne(res, project.ErrNotFound)
}

func (s *Store) Publish(ctx context.Context, activeID string, pub project.Published) error {
	if s.db == nil {
		return errNoDB
	}
	if pub.ID == "" {
		pub.ID = ids.New()
	}
	if pub.PublishedAt.IsZero() {
		pub.PublishedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var coreID string
	err = tx.QueryRowContext(ctx, `select core_id from active_projects where id = $1 for update`, activeID).Scan(&coreID)
	if errors.Is(err, sql.ErrNoRows) {
		return project.ErrNotFound
	}
	if err != nil {
		return err
	}
	var owner string
	err = tx.QueryRowContext(ctx, `
		select core_id from published_projects where slug = $1 and core_id <> $2 limit 1
	`, pub.Slug, pub.CoreID).Scan(&owner)
	switch {
	case err == nil:
		return fmt.Errorf("%w: slug %s belongs to another project", project.ErrConflict, pub.Slug)
	case !errors.Is(err, sql.ErrNoRows):
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		update published_projects set is_latest_version = false
		where core_id = $1 and is_latest_version
	`, pub.CoreID); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		insert into published_projects (id, core_id, slug, version, title, access_policy,
			allow_file_downloads, deprecated_files, main_storage_size, compressed_storage_size,
			incremental_storage_size, is_latest_version, published_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, true, $12)
	`, pub.ID, pub.CoreID, pub.Slug, pub.Version, pub.Title, int(pub.AccessPolicy),
		pub.AllowFileDownloads, pub.DeprecatedFiles, pub.MainStorageSize, pub.CompressedStorageSize,
		pub.IncrementalStorageSize, pub.PublishedAt)
	if err != nil {
		return mapWriteErr(err,
			fmt.Errorf("%w: %s/%s already published", project.ErrConflict, pub.Slug, pub.Version),
			fmt.Errorf("%w: core %s", project.ErrNotFound, pub.CoreID))
	}
	if err := insertTrainings(ctx, tx, "project_required_trainings", pub.ID, trainingSet(pub.RequiredTrainings)); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		update project_cores set total_published_size = total_published_size + $2 where id = $1
	`, pub.CoreID, pub.IncrementalStorageSize)
	if err != nil {
		return err
	}
	if err := expectOne(res, fmt.Errorf("%w: core %s", project.ErrNotFound, pub.CoreID)); err != nil {
		return err
	}
	if err := deleteActive(ctx, tx, activeID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Archive(ctx context.Context, activeID string, arch project.Archived) error {
	if s.db == nil {
		return errNoDB
	}
	if arch.ID == "" {
		arch.ID = activeID
	}
	if arch.ArchivedAt.IsZero() {
		arch.ArchivedAt = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := deleteActive(ctx, tx, activeID); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		insert into archived_projects (id, core_id, title, version, submitting_author, reason, archived_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, arch.ID, arch.CoreID, arch.Title, arch.Version, arch.SubmittingAuthor, int(arch.Reason), arch.ArchivedAt)
	if err != nil {
		return mapWriteErr(err, project.ErrConflict, project.ErrNotFound)
	}
	return tx.Commit()
}

func (s *Store) GetArchived(ctx context.Context, id string) (project.Archived, error) {
	if s.db == nil {
		return project.Archived{}, errNoDB
	}
	var (
		a      project.Archived
		reason int
	)
	err := s.db.QueryRowContext(ctx, `
		select id, core_id, title, version, submitting_author, reason, archived_at
		from archived_projects
		where id = $1
	`, id).Scan(&a.ID, &a.CoreID, &a.Title, &a.Version, &a.SubmittingAuthor, &reason, &a.ArchivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return project.Archived{}, project.ErrNotFound
	}
	if err != nil {
		return project.Archived{}, err
	}
	a.Reason = project.ArchiveReason(reason)
	return a, nil
}

func deleteActive(ctx context.Context, tx *sql.Tx, activeID string) error {
	if _, err := tx.ExecContext(ctx, `delete from active_required_trainings where project_id = $1`, activeID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `delete from active_projects where id = $1`, activeID)
	if err != nil {
		return err
	}
	return expectOne(res, project.ErrNotFound)
}

func scanActive(row scanner) (project.Active, error) {
	var (
		p              project.Active
		policy, status int
		submitted      sql.NullTime
	)
	if err := row.Scan(&p.ID, &p.CoreID, &p.Title, &p.Version, &p.SubmittingAuthor, &policy,
		&p.AllowFileDownloads, &status, &p.CreatedAt, &p.ModifiedAt, &submitted); err != nil {
		return project.Active{}, err
	}
	p.AccessPolicy = project.AccessPolicy(policy)
	p.SubmissionStatus = project.SubmissionStatus(status)
	p.SubmittedAt = timePtr(submitted)
	return p, nil
}

func scanPublished(row scanner) (project.Published, error) {
	var (
		p      project.Published
		policy int
	)
	if err := row.Scan(&p.ID, &p.CoreID, &p.Slug, &p.Version, &p.Title, &policy,
		&p.AllowFileDownloads, &p.DeprecatedFiles, &p.MainStorageSize, &p.CompressedStorageSize,
		&p.IncrementalStorageSize, &p.IsLatestVersion, &p.PublishedAt); err != nil {
		return project.Published{}, err
	}
	p.AccessPolicy = project.AccessPolicy(policy)
	return p, nil
}

func (s *Store) publishedRow(ctx context.Context, row *sql.Row) (project.Published, error) {
	p, err := scanPublished(row)
	if errors.Is(err, sql.ErrNoRows) {
		return project.Published{}, project.ErrNotFound
	}
	if err != nil {
		return project.Published{}, err
	}
	if p.RequiredTrainings, err = s.trainingsOf(ctx, "project_required_trainings", p.ID); err != nil {
		return project.Published{}, err
	}
	return p, nil
}

// publishedRows drains rows and attaches required trainings with one extra query.
func (s *Store) publishedRows(ctx context.Context, rows *sql.Rows) ([]project.Published, error) {
	defer rows.Close()
	var out []project.Published
	for rows.Next() {
		p, err := scanPublished(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()
	if len(out) == 0 {
		return out, nil
	}
	required, err := s.publishedTrainings(ctx)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].RequiredTrainings = required[out[i].ID]
	}
	return out, nil
}

func (s *Store) publishedTrainings(ctx context.Context) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select project_id, training_type_id
		from project_required_trainings
		order by project_id, training_type_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string][]string)
	for rows.Next() {
		var projectID, typeID string
		if err := rows.Scan(&projectID, &typeID); err != nil {
			return nil, err
		}
		out[projectID] = append(out[projectID], typeID)
	}
	return out, rows.Err()
}

// trainingsOf loads the training ids of one project from table, which is
// one of the two fixed required-training tables.
func (s *Store) trainingsOf(ctx context.Context, table, projectID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select training_type_id from `+table+`
		where project_id = $1
		order by training_type_id
	`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func insertTrainings(ctx context.Context, tx *sql.Tx, table, projectID string, trainings []string) error {
	for _, id := range trainings {
		_, err := tx.ExecContext(ctx, `
			insert into `+table+` (project_id, training_type_id)
			values ($1, $2)
			on conflict do nothing
		`, projectID, id)
		if err != nil {
			return mapWriteErr(err, project.ErrConflict, fmt.Errorf("%w: training type %s", project.ErrInvalidInput, id))
		}
	}
	return nil
}

// trainingSet trims and deduplicates ids, keeping first-seen order.
func trainingSet(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
