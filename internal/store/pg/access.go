package pg

import (
	"context"
	"time"

	"physionet.org/internal/auth"
	"physionet.org/internal/entitlement"
	"physionet.org/internal/project"
)

// accessibleQuery evaluates the access rules for one user over the whole
// catalog. It must stay equivalent to decide in internal/access/engine.go;
// change both together. Parameters: $1 user id ('' when anonymous), $2 credentialed,
// $3 now, $4 today (UTC date).
var accessibleQuery = `
	select ` + publishedColumns + `
	from published_projects p
	where not p.deprecated_files and p.allow_file_downloads
		and p.access_policy in (0, 1, 2, 3) and (
		p.access_policy = 0
		or ($1 <> '' and (
			(p.access_policy = 1 and ` + signedDUA + `)
			or (p.access_policy = 2 and $2 and ` + signedDUA + ` and not exists (` + missingTraining + `))
			or (p.access_policy = 3 and $2 and exists (` + activeRequest + `) and not exists (` + missingTraining + `))
			or exists (` + eventGrant + `)
		))
	)
	order by p.slug, p.version`

const signedDUA = `exists (select 1 from dua_signatures d where d.project_id = p.id and d.user_id = $1)`

// A required training is missing when no valid completion of that type exists.
var missingTraining = `
	select 1 from project_required_trainings r
	where r.project_id = p.id and not exists (
		select 1 from trainings t
		join training_types tt on tt.id = t.training_type_id
		where t.user_id = $1 and t.training_type_id = r.training_type_id and ` + bindNow(validTrainingCond, "$3") + `
	)`

var activeRequest = `
	select 1 from data_access_requests q
	where q.project_id = p.id and q.requester_id = $1 and ` + bindNow(activeRequestCond, "$3")

const eventGrant = `
	select 1 from event_datasets ed
	join events e on e.id = ed.event_id
	where ed.project_id = p.id and ed.is_active
		and e.start_date <= $4 and e.end_date >= $4
		and (e.host_id = $1
			or exists (select 1 from event_participants ep where ep.event_id = e.id and ep.user_id = $1))`

// AccessiblePublished returns the published projects user may access,
// deciding in a single statement.
func (s *Store) AccessiblePublished(ctx context.Context, user auth.User, now time.Time) ([]project.Published, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	userID := ""
	if user.IsAuthenticated() {
		userID = user.ID
	}
	rows, err := s.db.QueryContext(ctx, accessibleQuery, userID, user.IsCredentialed, now, entitlement.Day(now))
	if err != nil {
		return nil, err
	}
	return s.publishedRows(ctx, rows)
}
