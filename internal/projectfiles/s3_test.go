package projectfiles

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// fakeS3 is an in-memory bucket implementing s3API.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	copies  int
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: map[string][]byte{}} }

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(b))), LastModified: aws.Time(time.Unix(0, 0))}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b)), ContentLength: aws.Int64(int64(len(b)))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = b
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) CopyObject(_ context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	src := aws.ToString(in.CopySource)
	_, escaped, _ := strings.Cut(src, "/")
	key, err := url.PathUnescape(escaped)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[key]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	f.objects[aws.ToString(in.Key)] = append([]byte(nil), b...)
	f.copies++
	return &s3.CopyObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range in.Delete.Objects {
		delete(f.objects, aws.ToString(id.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := aws.ToString(in.Prefix)
	delim := aws.ToString(in.Delimiter)
	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	seen := map[string]bool{}
	for _, k := range keys {
		rest := strings.TrimPrefix(k, prefix)
		if delim != "" {
			if i := strings.Index(rest, delim); i >= 0 {
				cp := prefix + rest[:i+len(delim)]
				if !seen[cp] {
					seen[cp] = true
					out.CommonPrefixes = append(out.CommonPrefixes, s3types.CommonPrefix{Prefix: aws.String(cp)})
				}
				continue
			}
		}
		out.Contents = append(out.Contents, s3types.Object{
			Key:  aws.String(k),
			Size: aws.Int64(int64(len(f.objects[k]))),
		})
	}
	if n := int(aws.ToInt32(in.MaxKeys)); n > 0 && len(out.Contents) > n {
		out.Contents = out.Contents[:n]
	}
	return out, nil
}

func (f *fakeS3) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}

func newTestS3(t *testing.T) (*S3, *fakeS3) {
	t.Helper()
	fake := newFakeS3()
	s, err := NewS3(fake, "physionet", "media")
	if err != nil {
		t.Fatal(err)
	}
	return s, fake
}

func TestS3FwriteAndOpen(t *testing.T) {
	s, fake := newTestS3(t)
	ctx := context.Background()
	write(t, s, "active-projects/p1/notes v1.txt", "hello")
	if !fake.has("media/active-projects/p1/notes v1.txt") {
		t.Fatalf("object not stored under prefix")
	}
	if _, err := s.Fwrite(ctx, "active-projects/p1/notes v1.txt", strings.NewReader("x")); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	rc, e, err := s.Open(ctx, "active-projects/p1/notes v1.txt")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := io.ReadAll(rc)
	rc.Close()
	if string(b) != "hello" || e.Size != 5 {
		t.Fatalf("unexpected %q size=%d", b, e.Size)
	}
	if _, _, err := s.Open(ctx, "active-projects/p1"); !errors.Is(err, ErrIsDir) {
		t.Fatalf("expected ErrIsDir, got %v", err)
	}
	if _, _, err := s.Open(ctx, "active-projects/p1/missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestS3ReadDirAndMkdir(t *testing.T) {
	s, _ := newTestS3(t)
	ctx := context.Background()
	write(t, s, "active-projects/p1/b.txt", "bb")
	write(t, s, "active-projects/p1/sub/c.txt", "c")
	if err := s.Mkdir(ctx, "active-projects/p1/empty"); err != nil {
		t.Fatal(err)
	}
	if err := s.Mkdir(ctx, "active-projects/p1/empty"); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	entries, err := s.ReadDir(ctx, "active-projects/p1")
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	if strings.Join(names, ",") != "empty,sub,b.txt" {
		t.Fatalf("unexpected listing %v", names)
	}
	empty, err := s.ReadDir(ctx, "active-projects/p1/empty")
	if err != nil || len(empty) != 0 {
		t.Fatalf("empty dir: %v %v", empty, err)
	}
	if _, err := s.ReadDir(ctx, "active-projects/p1/b.txt"); !errors.Is(err, ErrNotDir) {
		t.Fatalf("expected ErrNotDir, got %v", err)
	}
	if _, err := s.ReadDir(ctx, "active-projects/nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestS3PublishLifecycle(t *testing.T) {
	s, fake := newTestS3(t)
	ctx := context.Background()
	draft := s.ActiveRoot("p1")
	pub := s.PublishedRoot("demo", "1.0")
	write(t, s, draft+"/a.txt", "hello")
	write(t, s, draft+"/d/b.txt", "world")

	if err := s.PublishInitial(ctx, draft, pub); err != nil {
		t.Fatal(err)
	}
	if fake.copies != 2 {
		t.Fatalf("expected per-object copies, got %d", fake.copies)
	}
	used, err := s.StorageUsed(ctx, pub)
	if err != nil || used != 10 {
		t.Fatalf("used=%d err=%v", used, err)
	}
	if err := s.PublishComplete(ctx, draft, pub); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Stat(ctx, draft); !errors.Is(err, ErrNotFound) {
		t.Fatalf("draft survived publish: %v", err)
	}
	if _, err := s.Stat(ctx, pub+"/d/b.txt"); err != nil {
		t.Fatalf("published object missing: %v", err)
	}
}

func TestS3PublishRollbackKeepsDraft(t *testing.T) {
	s, _ := newTestS3(t)
	ctx := context.Background()
	draft := s.ActiveRoot("p1")
	pub := s.PublishedRoot("demo", "1.0")
	write(t, s, draft+"/a.txt", "hello")

	if err := s.PublishInitial(ctx, draft, pub); err != nil {
		t.Fatal(err)
	}
	if err := s.PublishRollback(ctx, draft, pub); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Stat(ctx, pub); !errors.Is(err, ErrNotFound) {
		t.Fatalf("published copy survived rollback: %v", err)
	}
	if _, err := s.Stat(ctx, draft+"/a.txt"); err != nil {
		t.Fatalf("draft lost: %v", err)
	}
}

func TestS3ChecksumsAndUnsupportedZip(t *testing.T) {
	s, _ := newTestS3(t)
	ctx := context.Background()
	root := s.PublishedRoot("demo", "1.0")
	write(t, s, root+"/a.txt", "hello")
	if err := s.MakeChecksumFile(ctx, root); err != nil {
		t.Fatal(err)
	}
	rc, _, err := s.Open(ctx, root+"/"+ChecksumFile)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := io.ReadAll(rc)
	rc.Close()
	if string(b) != "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824 a.txt\n" {
		t.Fatalf("manifest %q", b)
	}
	if s.CanMakeZip() {
		t.Fatal("s3 should not advertise zips")
	}
	if _, err := s.MakeZip(ctx, root, s.ZipPath("demo", "1.0")); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestCopySourceEscapesSegments(t *testing.T) {
	got := copySource("bkt", "media/a b/c+d.txt")
	if got != "bkt/media/a%20b/c+d.txt" {
		t.Fatalf("got %q", got)
	}
}

func TestNewSelectsBackend(t *testing.T) {
	f, err := New(context.Background(), Config{Backend: "local", MediaRoot: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if f.Backend() != "local" {
		t.Fatalf("backend %s", f.Backend())
	}
	if _, err := New(context.Background(), Config{Backend: "ftp"}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
