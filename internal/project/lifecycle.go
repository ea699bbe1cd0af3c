package project

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"physionet.org/internal/audit"
	"physionet.org/internal/ids"
	"physionet.org/internal/obs"
	"physionet.org/internal/projectfiles"
	"physionet.org/internal/tasks"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

const maxSlugLen = 30

// transitions lists the editorial moves between review states. Submission,
// publication and archival have dedicated operations.
var transitions = map[SubmissionStatus][]SubmissionStatus{
	StatusNeedsAssignment:   {StatusNeedsDecision},
	StatusNeedsDecision:     {StatusNeedsResubmission, StatusNeedsCopyedit},
	StatusNeedsResubmission: {StatusNeedsDecision},
	StatusNeedsCopyedit:     {StatusNeedsApproval},
	StatusNeedsApproval:     {StatusNeedsCopyedit, StatusNeedsPublication},
}

// CanTransition reports whether an editor may move a draft from one state to another.
func CanTransition(from, to SubmissionStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// LifecycleOptions configure a Lifecycle.
type LifecycleOptions struct {
	DefaultAllowance int64
	LockTTL          time.Duration
	Now              func() time.Time
}

// Lifecycle moves projects between draft, published and archived states and
// keeps the database and the file backend in step.
type Lifecycle struct {
	store  Store
	files  projectfiles.Files
	locker tasks.Locker
	queue  tasks.Queue
	opts   LifecycleOptions
}

func NewLifecycle(store Store, files projectfiles.Files, locker tasks.Locker, queue tasks.Queue, opts LifecycleOptions) *Lifecycle {
	if opts.DefaultAllowance <= 0 {
		opts.DefaultAllowance = 100 << 20
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Lifecycle{store: store, files: files, locker: locker, queue: queue, opts: opts}
}

func (l *Lifecycle) now() time.Time { return l.opts.Now().UTC() }

// Files exposes the storage backend the lifecycle operates on.
func (l *Lifecycle) Files() projectfiles.Files { return l.files }

// Create starts a new draft. Without a CoreID a new core is created with the
// default storage allowance.
func (l *Lifecycle) Create(ctx context.Context, p Active) (Active, error) {
	if strings.TrimSpace(p.Title) == "" {
		return Active{}, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if strings.TrimSpace(p.SubmittingAuthor) == "" {
		return Active{}, fmt.Errorf("%w: submitting author is required", ErrInvalidInput)
	}
	if !p.AccessPolicy.Valid() {
		return Active{}, fmt.Errorf("%w: access policy %d", ErrInvalidInput, p.AccessPolicy)
	}
	if strings.TrimSpace(p.Version) == "" {
		p.Version = "1.0.0"
	}
	if p.CoreID == "" {
		core, err := l.store.CreateCore(ctx, Core{StorageAllowance: l.opts.DefaultAllowance})
		if err != nil {
			return Active{}, err
		}
		p.CoreID = core.ID
	}
	p.SubmissionStatus = StatusUnsubmitted
	p.SubmittedAt = nil
	created, err := l.store.CreateActive(ctx, p)
	if err != nil {
		return Active{}, err
	}
	if err := l.files.Mkdir(ctx, l.files.ActiveRoot(created.ID)); err != nil && !errors.Is(err, projectfiles.ErrExists) {
		return Active{}, fmt.Errorf("create draft directory: %w", err)
	}
	return created, nil
}

// Submit hands an unsubmitted draft to the editors.
func (l *Lifecycle) Submit(ctx context.Context, id string) (Active, error) {
	p, err := l.store.GetActive(ctx, id)
	if err != nil {
		return Active{}, err
	}
	if p.SubmissionStatus != StatusUnsubmitted {
		return Active{}, fmt.Errorf("%w: %s cannot be submitted", ErrInvalidTransition, p.SubmissionStatus)
	}
	now := l.now()
	p.SubmissionStatus = StatusNeedsAssignment
	p.SubmittedAt = &now
	if err := l.store.UpdateActive(ctx, p); err != nil {
		return Active{}, err
	}
	_ = audit.LogEvent(ctx, audit.ProjectSubmit, map[string]any{"project_id": id})
	l.enqueue(ctx, tasks.NewMessage(tasks.KindStorage, tasks.Target{Type: tasks.TargetActive, ID: id}))
	return p, nil
}

// Transition applies an editorial move.
func (l *Lifecycle) Transition(ctx context.Context, id string, to SubmissionStatus) (Active, error) {
	p, err := l.store.GetActive(ctx, id)
	if err != nil {
		return Active{}, err
	}
	if !CanTransition(p.SubmissionStatus, to) {
		return Active{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.SubmissionStatus, to)
	}
	from := p.SubmissionStatus
	p.SubmissionStatus = to
	if err := l.store.UpdateActive(ctx, p); err != nil {
		return Active{}, err
	}
	_ = audit.LogEvent(ctx, audit.ProjectTransition, map[string]any{
		"project_id": id, "from": from.String(), "to": to.String(),
	})
	return p, nil
}

// Archive terminates a draft. Files are deleted when clearFiles is set and
// moved to the archived root otherwise.
func (l *Lifecycle) Archive(ctx context.Context, id string, reason ArchiveReason, clearFiles bool) (Archived, error) {
	if !reason.Valid() {
		return Archived{}, fmt.Errorf("%w: archive reason %d", ErrInvalidInput, reason)
	}
	p, err := l.store.GetActive(ctx, id)
	if err != nil {
		return Archived{}, err
	}
	release, err := l.lock(ctx, id)
	if err != nil {
		return Archived{}, err
	}
	defer l.unlock(ctx, release, id)

	draft := l.files.ActiveRoot(id)
	dest := l.files.ArchivedRoot(id)
	moved := false
	if clearFiles {
		if err := l.files.Rmtree(ctx, draft); err != nil && !errors.Is(err, projectfiles.ErrNotFound) {
			return Archived{}, fmt.Errorf("remove draft files: %w", err)
		}
	} else {
		switch err := l.files.Rename(ctx, draft, dest); {
		case err == nil:
			moved = true
		case errors.Is(err, projectfiles.ErrNotFound):
		default:
			return Archived{}, fmt.Errorf("archive draft files: %w", err)
		}
	}

	arch := Archived{
		ID:               p.ID,
		CoreID:           p.CoreID,
		Title:            p.Title,
		Version:          p.Version,
		SubmittingAuthor: p.SubmittingAuthor,
		Reason:           reason,
		ArchivedAt:       l.now(),
	}
	if err := l.store.Archive(ctx, id, arch); err != nil {
		if moved {
			if rerr := l.files.Rename(ctx, dest, draft); rerr != nil {
				obs.Error("restore archived files failed", rerr, map[string]any{"project_id": id})
			}
		}
		return Archived{}, err
	}
	_ = audit.LogEvent(ctx, audit.ProjectArchive, map[string]any{
		"project_id": id, "reason": reason.String(), "files_cleared": clearFiles,
	})
	return arch, nil
}

// StorageInfo reports the allowance and the live size of the draft files.
func (l *Lifecycle) StorageInfo(ctx context.Context, id string) (StorageInfo, error) {
	p, err := l.store.GetActive(ctx, id)
	if err != nil {
		return StorageInfo{}, err
	}
	core, err := l.store.GetCore(ctx, p.CoreID)
	if err != nil {
		return StorageInfo{}, err
	}
	used, err := l.files.StorageUsed(ctx, l.files.ActiveRoot(id))
	if err != nil {
		return StorageInfo{}, fmt.Errorf("measure draft storage: %w", err)
	}
	return StorageInfo{Allowance: core.StorageAllowance, PublishedTotal: core.TotalPublishedSize, Used: used}, nil
}

// CheckQuota fails with ErrQuotaExceeded when extra more bytes would not fit.
func (l *Lifecycle) CheckQuota(ctx context.Context, id string, extra int64) (StorageInfo, error) {
	info, err := l.StorageInfo(ctx, id)
	if err != nil {
		return StorageInfo{}, err
	}
	if extra < 0 {
		extra = 0
	}
	if info.Used+extra > info.Allowance {
		return info, fmt.Errorf("%w: %d used + %d requested > %d allowed", ErrQuotaExceeded, info.Used, extra, info.Allowance)
	}
	return info, nil
}

// WriteFile uploads a file into the draft. size may be -1 when unknown; the
// stream is then cut at the remaining allowance.
func (l *Lifecycle) WriteFile(ctx context.Context, id, rel string, r io.Reader, size int64) (int64, error) {
	p, err := l.store.GetActive(ctx, id)
	if err != nil {
		return 0, err
	}
	if !p.SubmissionStatus.FilesEditable() {
		return 0, fmt.Errorf("%w: files are locked while %s", ErrInvalidTransition, p.SubmissionStatus)
	}
	target, err := projectfiles.Join(l.files.ActiveRoot(id), rel)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if target == l.files.ActiveRoot(id) {
		return 0, fmt.Errorf("%w: file path is required", ErrInvalidInput)
	}
	info, err := l.CheckQuota(ctx, id, size)
	if err != nil {
		return 0, err
	}
	remaining := info.Remaining()
	n, err := l.files.Fwrite(ctx, target, io.LimitReader(r, remaining+1))
	if err != nil {
		return 0, err
	}
	if n > remaining {
		if rerr := l.files.Rm(ctx, target); rerr != nil {
			obs.Error("remove oversized upload failed", rerr, map[string]any{"project_id": id, "path": target})
		}
		return 0, fmt.Errorf("%w: upload exceeds remaining %d bytes", ErrQuotaExceeded, remaining)
	}
	return n, nil
}

// DeleteFile removes a draft file or directory tree.
func (l *Lifecycle) DeleteFile(ctx context.Context, id, rel string) error {
	p, err := l.store.GetActive(ctx, id)
	if err != nil {
		return err
	}
	if !p.SubmissionStatus.FilesEditable() {
		return fmt.Errorf("%w: files are locked while %s", ErrInvalidTransition, p.SubmissionStatus)
	}
	target, err := projectfiles.Join(l.files.ActiveRoot(id), rel)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if target == l.files.ActiveRoot(id) {
		return fmt.Errorf("%w: refusing to delete the project root", ErrInvalidInput)
	}
	err = l.files.Rm(ctx, target)
	if errors.Is(err, projectfiles.ErrIsDir) {
		return l.files.Rmtree(ctx, target)
	}
	return err
}

// Publish releases a draft that is ready for publication under slug. New
// versions of an already published project keep the existing slug; an empty
// slug selects it.
func (l *Lifecycle) Publish(ctx context.Context, id, slug string) (pub Published, err error) {
	defer func() {
		switch {
		case err == nil:
			obs.ObservePublish("ok")
		case errors.Is(err, ErrConflict), errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrInvalidInput), errors.Is(err, ErrBusy):
			obs.ObservePublish("rejected")
		default:
			obs.ObservePublish("error")
		}
	}()

	p, err := l.store.GetActive(ctx, id)
	if err != nil {
		return Published{}, err
	}
	if p.SubmissionStatus != StatusNeedsPublication {
		return Published{}, fmt.Errorf("%w: %s is not ready for publication", ErrInvalidTransition, p.SubmissionStatus)
	}
	previous, hasPrevious, err := l.store.LatestPublished(ctx, p.CoreID)
	if err != nil {
		return Published{}, err
	}
	slug = strings.TrimSpace(slug)
	if hasPrevious {
		if slug == "" {
			slug = previous.Slug
		}
		if slug != previous.Slug {
			return Published{}, fmt.Errorf("%w: new versions must keep slug %q", ErrInvalidInput, previous.Slug)
		}
	}
	if len(slug) > maxSlugLen || !slugPattern.MatchString(slug) {
		return Published{}, fmt.Errorf("%w: slug %q", ErrInvalidInput, slug)
	}
	if owner, ok, err := l.store.SlugOwner(ctx, slug); err != nil {
		return Published{}, err
	} else if ok && owner != p.CoreID {
		return Published{}, fmt.Errorf("%w: slug %q is taken", ErrConflict, slug)
	}

	release, err := l.lock(ctx, id)
	if err != nil {
		return Published{}, err
	}
	locked := true
	defer func() {
		if locked {
			l.unlock(ctx, release, id)
		}
	}()

	if _, err := l.store.GetPublished(ctx, slug, p.Version); err == nil {
		return Published{}, fmt.Errorf("%w: %s/%s already published", ErrConflict, slug, p.Version)
	} else if !errors.Is(err, ErrNotFound) {
		return Published{}, err
	}

	draft := l.files.ActiveRoot(id)
	pubRoot := l.files.PublishedRoot(slug, p.Version)
	if err := l.files.PublishInitial(ctx, draft, pubRoot); err != nil {
		if errors.Is(err, projectfiles.ErrExists) {
			return Published{}, fmt.Errorf("%w: files for %s/%s already exist", ErrConflict, slug, p.Version)
		}
		l.rollback(ctx, id, draft, pubRoot)
		return Published{}, fmt.Errorf("copy draft files: %w", err)
	}

	total, err := l.files.StorageUsed(ctx, pubRoot)
	if err != nil {
		l.rollback(ctx, id, draft, pubRoot)
		return Published{}, fmt.Errorf("measure published files: %w", err)
	}
	var prevTotal int64
	if hasPrevious {
		prevTotal = previous.MainStorageSize
	}
	pub = Published{
		ID:                     ids.New(),
		CoreID:                 p.CoreID,
		Slug:                   slug,
		Version:                p.Version,
		Title:                  p.Title,
		AccessPolicy:           p.AccessPolicy,
		AllowFileDownloads:     p.AllowFileDownloads,
		RequiredTrainings:      cloneStrings(p.RequiredTrainings),
		MainStorageSize:        total,
		IncrementalStorageSize: IncrementalSize(total, prevTotal),
		IsLatestVersion:        true,
		PublishedAt:            l.now(),
	}
	if err := l.store.Publish(ctx, id, pub); err != nil {
		l.rollback(ctx, id, draft, pubRoot)
		return Published{}, err
	}

	if err := l.files.PublishComplete(ctx, draft, pubRoot); err != nil {
		obs.Error("publish cleanup failed", err, map[string]any{"project_id": id, "published_id": pub.ID})
	}
	l.unlock(ctx, release, id)
	locked = false

	l.enqueue(ctx, tasks.NewMessage(tasks.KindChecksums, tasks.Target{Type: tasks.TargetPublished, ID: pub.ID}))
	if l.files.CanMakeZip() {
		l.enqueue(ctx, tasks.NewMessage(tasks.KindZip, tasks.Target{Type: tasks.TargetPublished, ID: pub.ID}))
	}
	_ = audit.LogEvent(ctx, audit.ProjectPublish, map[string]any{
		"project_id": id, "published_id": pub.ID, "slug": slug, "version": pub.Version,
		"main_storage_size": pub.MainStorageSize, "incremental_storage_size": pub.IncrementalStorageSize,
	})
	return pub, nil
}

func (l *Lifecycle) rollback(ctx context.Context, id, draft, pubRoot string) {
	if err := l.files.PublishRollback(context.WithoutCancel(ctx), draft, pubRoot); err != nil {
		obs.Error("publish rollback failed", err, map[string]any{"project_id": id, "published_root": pubRoot})
	}
}

func (l *Lifecycle) lock(ctx context.Context, id string) (tasks.Release, error) {
	key := tasks.Target{Type: tasks.TargetActive, ID: id}.LockKey()
	release, err := l.locker.Acquire(ctx, key, l.opts.LockTTL)
	if errors.Is(err, tasks.ErrLocked) {
		return nil, fmt.Errorf("%w: %s", ErrBusy, id)
	}
	return release, err
}

func (l *Lifecycle) unlock(ctx context.Context, release tasks.Release, id string) {
	if err := release(context.WithoutCancel(ctx)); err != nil {
		obs.Error("project unlock failed", err, map[string]any{"project_id": id})
	}
}

func (l *Lifecycle) enqueue(ctx context.Context, msg tasks.Message) {
	if l.queue == nil {
		return
	}
	if err := l.queue.Enqueue(ctx, msg); err != nil {
		obs.Error("enqueue task failed", err, map[string]any{"kind": string(msg.Kind), "target": msg.Target.String()})
	}
}

// RegisterTasks installs the background handlers for published projects.
func (l *Lifecycle) RegisterTasks(w *tasks.Worker) {
	w.Handle(tasks.KindChecksums, l.handleChecksums)
	w.Handle(tasks.KindZip, l.handleZip)
	w.Handle(tasks.KindStorage, l.handleStorage)
}

func (l *Lifecycle) handleChecksums(ctx context.Context, msg tasks.Message) error {
	pub, err := l.store.GetPublishedByID(ctx, msg.Target.ID)
	if err != nil {
		return err
	}
	return l.files.MakeChecksumFile(ctx, l.files.PublishedRoot(pub.Slug, pub.Version))
}

func (l *Lifecycle) handleZip(ctx context.Context, msg tasks.Message) error {
	pub, err := l.store.GetPublishedByID(ctx, msg.Target.ID)
	if err != nil {
		return err
	}
	if !l.files.CanMakeZip() {
		return nil
	}
	size, err := l.files.MakeZip(ctx, l.files.PublishedRoot(pub.Slug, pub.Version), l.files.ZipPath(pub.Slug, pub.Version))
	if err != nil {
		return err
	}
	return l.store.SetCompressedSize(ctx, pub.ID, size)
}

func (l *Lifecycle) handleStorage(ctx context.Context, msg tasks.Message) error {
	if msg.Target.Type != tasks.TargetActive {
		return fmt.Errorf("%w: storage audit needs an active project", ErrInvalidInput)
	}
	info, err := l.StorageInfo(ctx, msg.Target.ID)
	if err != nil {
		return err
	}
	obs.Info("draft storage", map[string]any{
		"project_id": msg.Target.ID, "used": info.Used, "allowance": info.Allowance,
		"published_total": info.PublishedTotal,
	})
	return nil
}
