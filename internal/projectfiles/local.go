package projectfiles

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const localBackend = "local"

// Local keeps project files under a media root on the local filesystem.
type Local struct {
	root string
}

var _ Files = (*Local)(nil)

// NewLocal creates the media root if needed.
func NewLocal(root string) (*Local, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("local storage root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	return &Local{root: abs}, nil
}

func (l *Local) Backend() string { return localBackend }

func (l *Local) ActiveRoot(projectID string) string        { return activeRoot(projectID) }
func (l *Local) PublishedRoot(slug, version string) string { return publishedRoot(slug, version) }
func (l *Local) ArchivedRoot(projectID string) string      { return archivedRoot(projectID) }
func (l *Local) ZipPath(slug, version string) string       { return zipPath(slug, version) }

func (l *Local) CanMakeZip() bool           { return true }
func (l *Local) IsLightwaveSupported() bool { return true }
func (l *Local) IsWgetSupported() bool      { return true }

func (l *Local) abs(p string) (string, error) {
	c, err := cleanStoragePath(p)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.root, filepath.FromSlash(c)), nil
}

func (l *Local) Mkdir(_ context.Context, p string) (err error) {
	defer observe(localBackend, "mkdir", time.Now(), &err)
	full, err := l.abs(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return mapLocalErr(err, p)
	}
	return mapLocalErr(os.Mkdir(full, 0o755), p)
}

func (l *Local) Fwrite(_ context.Context, p string, r io.Reader) (n int64, err error) {
	defer observe(localBackend, "fwrite", time.Now(), &err)
	full, err := l.abs(p)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return 0, mapLocalErr(err, p)
	}
	dst, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return 0, mapLocalErr(err, p)
	}
	n, err = io.Copy(dst, r)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(full)
		return 0, err
	}
	return n, nil
}

func (l *Local) Fput(ctx context.Context, p, localPath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return mapLocalErr(err, localPath)
	}
	defer src.Close()
	_, err = l.Fwrite(ctx, p, src)
	return err
}

func (l *Local) Open(_ context.Context, p string) (rc io.ReadCloser, e Entry, err error) {
	defer observe(localBackend, "open", time.Now(), &err)
	full, err := l.abs(p)
	if err != nil {
		return nil, Entry{}, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return nil, Entry{}, mapLocalErr(err, p)
	}
	if info.IsDir() {
		return nil, Entry{}, fmt.Errorf("%w: %s", ErrIsDir, p)
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, Entry{}, mapLocalErr(err, p)
	}
	return f, entryFromInfo(info), nil
}

func (l *Local) Stat(_ context.Context, p string) (Entry, error) {
	full, err := l.abs(p)
	if err != nil {
		return Entry{}, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return Entry{}, mapLocalErr(err, p)
	}
	return entryFromInfo(info), nil
}

func (l *Local) ReadDir(_ context.Context, p string) (entries []Entry, err error) {
	defer observe(localBackend, "readdir", time.Now(), &err)
	full, err := l.abs(p)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return nil, mapLocalErr(err, p)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDir, p)
	}
	items, err := os.ReadDir(full)
	if err != nil {
		return nil, mapLocalErr(err, p)
	}
	entries = make([]Entry, 0, len(items))
	for _, item := range items {
		info, err := item.Info()
		if err != nil {
			continue
		}
		entries = append(entries, entryFromInfo(info))
	}
	sortEntries(entries)
	return entries, nil
}

func (l *Local) Rm(_ context.Context, p string) (err error) {
	defer observe(localBackend, "rm", time.Now(), &err)
	full, err := l.abs(p)
	if err != nil {
		return err
	}
	info, err := os.Stat(full)
	if err != nil {
		return mapLocalErr(err, p)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s", ErrIsDir, p)
	}
	return mapLocalErr(os.Remove(full), p)
}

func (l *Local) Rmtree(_ context.Context, p string) (err error) {
	defer observe(localBackend, "rmtree", time.Now(), &err)
	full, err := l.abs(p)
	if err != nil {
		return err
	}
	if _, err := os.Stat(full); err != nil {
		return mapLocalErr(err, p)
	}
	return os.RemoveAll(full)
}

func (l *Local) Rename(_ context.Context, src, dst string) (err error) {
	defer observe(localBackend, "rename", time.Now(), &err)
	from, err := l.abs(src)
	if err != nil {
		return err
	}
	to, err := l.abs(dst)
	if err != nil {
		return err
	}
	if _, err := os.Stat(from); err != nil {
		return mapLocalErr(err, src)
	}
	if _, err := os.Stat(to); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, dst)
	}
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return err
	}
	return mapLocalErr(os.Rename(from, to), src)
}

func (l *Local) CpFile(ctx context.Context, src, dst string) (err error) {
	defer observe(localBackend, "cp_file", time.Now(), &err)
	rc, _, err := l.Open(ctx, src)
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = l.Fwrite(ctx, dst, rc)
	return err
}

func (l *Local) CpDir(ctx context.Context, src, dst string) (err error) {
	defer observe(localBackend, "cp_dir", time.Now(), &err)
	from, err := l.abs(src)
	if err != nil {
		return err
	}
	to, err := l.abs(dst)
	if err != nil {
		return err
	}
	if _, err := os.Stat(to); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, dst)
	}
	return filepath.WalkDir(from, func(cur string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return mapLocalErr(walkErr, src)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(from, cur)
		if err != nil {
			return err
		}
		target := filepath.Join(to, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyLocalFile(cur, target)
	})
}

func (l *Local) Mv(ctx context.Context, src, dstDir string) error {
	info, err := l.Stat(ctx, dstDir)
	if err != nil {
		return err
	}
	if !info.IsDir {
		return fmt.Errorf("%w: %s", ErrNotDir, dstDir)
	}
	return l.Rename(ctx, src, path.Join(dstDir, path.Base(src)))
}

func (l *Local) StorageUsed(_ context.Context, root string) (total int64, err error) {
	defer observe(localBackend, "storage_used", time.Now(), &err)
	full, err := l.abs(root)
	if err != nil {
		return 0, err
	}
	err = filepath.WalkDir(full, func(_ string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	return total, err
}

// PublishInitial moves the draft directory to its permanent location.
func (l *Local) PublishInitial(ctx context.Context, draftRoot, pubRoot string) (err error) {
	defer observe(localBackend, "publish_initial", time.Now(), &err)
	if _, err := l.Stat(ctx, draftRoot); err != nil {
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		// An empty draft never created its directory.
		if err := l.Mkdir(ctx, draftRoot); err != nil {
			return err
		}
	}
	return l.Rename(ctx, draftRoot, pubRoot)
}

// PublishComplete has nothing left to do once the directory was renamed.
func (l *Local) PublishComplete(context.Context, string, string) error { return nil }

// PublishRollback moves the files back to the draft location.
func (l *Local) PublishRollback(ctx context.Context, draftRoot, pubRoot string) (err error) {
	defer observe(localBackend, "publish_rollback", time.Now(), &err)
	if _, err := l.Stat(ctx, pubRoot); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if _, err := l.Stat(ctx, draftRoot); err == nil {
		return l.Rmtree(ctx, pubRoot)
	}
	return l.Rename(ctx, pubRoot, draftRoot)
}

func (l *Local) MakeZip(ctx context.Context, root, dst string) (size int64, err error) {
	defer observe(localBackend, "make_zip", time.Now(), &err)
	from, err := l.abs(root)
	if err != nil {
		return 0, err
	}
	to, err := l.abs(dst)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(to), ".zip-*")
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	zw := zip.NewWriter(tmp)
	prefix := strings.TrimSuffix(path.Base(dst), ".zip")
	err = filepath.WalkDir(from, func(cur string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return mapLocalErr(walkErr, root)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(from, cur)
		if err != nil {
			return err
		}
		w, err := zw.Create(path.Join(prefix, filepath.ToSlash(rel)))
		if err != nil {
			return err
		}
		f, err := os.Open(cur)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
	if err != nil {
		_ = zw.Close()
		_ = tmp.Close()
		return 0, err
	}
	if err = zw.Close(); err != nil {
		_ = tmp.Close()
		return 0, err
	}
	if err = tmp.Close(); err != nil {
		return 0, err
	}
	if err = os.Rename(tmp.Name(), to); err != nil {
		return 0, err
	}
	info, err := os.Stat(to)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (l *Local) MakeChecksumFile(ctx context.Context, root string) (err error) {
	defer observe(localBackend, "make_checksum_file", time.Now(), &err)
	from, err := l.abs(root)
	if err != nil {
		return err
	}
	var lines []string
	err = filepath.WalkDir(from, func(cur string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return mapLocalErr(walkErr, root)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(from, cur)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == ChecksumFile {
			return nil
		}
		f, err := os.Open(cur)
		if err != nil {
			return err
		}
		defer f.Close()
		sum, err := sha256Hex(f)
		if err != nil {
			return err
		}
		lines = append(lines, sum+" "+rel)
		return nil
	})
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(from, ChecksumFile), []byte(checksumManifest(lines)), 0o644)
}

func copyLocalFile(from, to string) error {
	src, err := os.Open(from)
	if err != nil {
		return err
	}
	defer src.Close()
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return err
	}
	dst, err := os.OpenFile(to, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return mapLocalErr(err, to)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return err
	}
	return dst.Close()
}

func entryFromInfo(info fs.FileInfo) Entry {
	e := Entry{Name: info.Name(), IsDir: info.IsDir(), ModTime: info.ModTime().UTC()}
	if !e.IsDir {
		e.Size = info.Size()
	}
	return e
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return entries[i].Name < entries[j].Name
	})
}

func sha256Hex(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func checksumManifest(lines []string) string {
	sort.Slice(lines, func(i, j int) bool {
		return lines[i][65:] < lines[j][65:]
	})
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

func mapLocalErr(err error, p string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %s", ErrNotFound, p)
	case errors.Is(err, fs.ErrExist):
		return fmt.Errorf("%w: %s", ErrExists, p)
	}
	return err
}
