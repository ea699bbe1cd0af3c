// Package projectfiles stores project files behind one capability interface
// with a local filesystem backend and an S3 object-store backend.
package projectfiles

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"
	"time"

	"physionet.org/internal/obs"
)

var (
	ErrExists      = fmt.Errorf("projectfiles: %w", fs.ErrExist)
	ErrNotFound    = fmt.Errorf("projectfiles: %w", fs.ErrNotExist)
	ErrIsDir       = errors.New("projectfiles: is a directory")
	ErrNotDir      = errors.New("projectfiles: not a directory")
	ErrInvalidPath = errors.New("projectfiles: invalid path")
	ErrUnsupported = errors.New("projectfiles: operation not supported by backend")
)

// ChecksumFile is the name of the manifest written by MakeChecksumFile.
const ChecksumFile = "SHA256SUMS.txt"

const (
	activePrefix    = "active-projects"
	publishedPrefix = "published-projects"
	archivedPrefix  = "archived-projects"
)

// Entry describes a file or directory.
type Entry struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	IsDir   bool      `json:"is_dir"`
	ModTime time.Time `json:"mod_time,omitempty"`
}

// Files is the storage contract every backend satisfies. Paths are slash
// separated and relative to the backend root; callers build them with the
// *Root helpers and Join.
type Files interface {
	Backend() string

	ActiveRoot(projectID string) string
	PublishedRoot(slug, version string) string
	ArchivedRoot(projectID string) string
	ZipPath(slug, version string) string

	Mkdir(ctx context.Context, p string) error
	Fwrite(ctx context.Context, p string, r io.Reader) (int64, error)
	Fput(ctx context.Context, p, localPath string) error
	Open(ctx context.Context, p string) (io.ReadCloser, Entry, error)
	Stat(ctx context.Context, p string) (Entry, error)
	ReadDir(ctx context.Context, p string) ([]Entry, error)
	Rm(ctx context.Context, p string) error
	Rmtree(ctx context.Context, p string) error
	Rename(ctx context.Context, src, dst string) error
	CpFile(ctx context.Context, src, dst string) error
	CpDir(ctx context.Context, src, dst string) error
	Mv(ctx context.Context, src, dstDir string) error
	StorageUsed(ctx context.Context, root string) (int64, error)

	PublishInitial(ctx context.Context, draftRoot, publishedRoot string) error
	PublishComplete(ctx context.Context, draftRoot, publishedRoot string) error
	PublishRollback(ctx context.Context, draftRoot, publishedRoot string) error

	MakeZip(ctx context.Context, root, dst string) (int64, error)
	MakeChecksumFile(ctx context.Context, root string) error

	CanMakeZip() bool
	IsLightwaveSupported() bool
	IsWgetSupported() bool
}

// Join appends a user supplied relative path to root, rejecting escapes.
func Join(root, rel string) (string, error) {
	rel = strings.TrimSpace(rel)
	if strings.ContainsRune(rel, 0) || strings.Contains(rel, `\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, rel)
	}
	cleaned := path.Clean("/" + rel)
	for _, seg := range strings.Split(rel, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, rel)
		}
	}
	if cleaned == "/" {
		return root, nil
	}
	return path.Join(root, cleaned), nil
}

func activeRoot(id string) string { return path.Join(activePrefix, id) }
func publishedRoot(slug, version string) string { return path.Join(publishedPrefix, slug, version, "files") }
func archivedRoot(id string) string { return path.Join(archivedPrefix, id) }
func zipPath(slug, version string) string {
	return path.Join(publishedPrefix, slug, version, slug+"-"+version+".zip")
}

func cleanStoragePath(p string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	c := path.Clean(strings.TrimPrefix(p, "/"))
	if c == "." || c == ".." || strings.HasPrefix(c, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return c, nil
}

func observe(backend, op string, start time.Time, err *error) {
	obs.ObserveStorageOp(backend, op, start, *err)
}
