package projectfiles

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const s3Backend = "s3"

// deleteBatch is the S3 DeleteObjects limit.
const deleteBatch = 1000

// s3API is the subset of *s3.Client the backend uses.
type s3API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, opts ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, opts ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3 stores project files as objects in one bucket. Directories are key
// prefixes; an empty directory is kept alive by a "dir/" marker object.
type S3 struct {
	client s3API
	bucket string
	prefix string
}

var _ Files = (*S3)(nil)

// NewS3 wraps an S3 client. prefix is prepended to every key.
func NewS3(client s3API, bucket, prefix string) (*S3, error) {
	if client == nil {
		return nil, errors.New("s3 client is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("s3 bucket is required")
	}
	return &S3{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

func (s *S3) Backend() string { return s3Backend }

func (s *S3) ActiveRoot(projectID string) string        { return activeRoot(projectID) }
func (s *S3) PublishedRoot(slug, version string) string { return publishedRoot(slug, version) }
func (s *S3) ArchivedRoot(projectID string) string      { return archivedRoot(projectID) }
func (s *S3) ZipPath(slug, version string) string       { return zipPath(slug, version) }

// Zips and the lightwave/wget integrations need a POSIX tree.
func (s *S3) CanMakeZip() bool           { return false }
func (s *S3) IsLightwaveSupported() bool { return false }
func (s *S3) IsWgetSupported() bool      { return false }

func (s *S3) key(p string) (string, error) {
	c, err := cleanStoragePath(p)
	if err != nil {
		return "", err
	}
	if s.prefix == "" {
		return c, nil
	}
	return s.prefix + "/" + c, nil
}

func (s *S3) head(ctx context.Context, key string) (*s3.HeadObjectOutput, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		return nil, mapS3Err(err, key)
	}
	return out, nil
}

func (s *S3) fileExists(ctx context.Context, key string) (bool, error) {
	_, err := s.head(ctx, key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

func (s *S3) dirExists(ctx context.Context, key string) (bool, error) {
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(key + "/"),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, mapS3Err(err, key)
	}
	return len(out.Contents) > 0 || len(out.CommonPrefixes) > 0, nil
}

type s3Object struct {
	key     string
	size    int64
	modTime time.Time
}

// listAll returns every object under dir, markers included.
func (s *S3) listAll(ctx context.Context, dir string) ([]s3Object, error) {
	var (
		objects []s3Object
		token   *string
	)
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(dir + "/"),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, mapS3Err(err, dir)
		}
		for _, obj := range out.Contents {
			objects = append(objects, s3Object{
				key:     aws.ToString(obj.Key),
				size:    aws.ToInt64(obj.Size),
				modTime: aws.ToTime(obj.LastModified),
			})
		}
		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			return objects, nil
		}
		token = out.NextContinuationToken
	}
}

func (s *S3) Mkdir(ctx context.Context, p string) (err error) {
	defer observe(s3Backend, "mkdir", time.Now(), &err)
	key, err := s.key(p)
	if err != nil {
		return err
	}
	if err := s.ensureAbsent(ctx, key, p); err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key + "/"),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
	})
	return mapS3Err(err, p)
}

func (s *S3) ensureAbsent(ctx context.Context, key, p string) error {
	exists, err := s.fileExists(ctx, key)
	if err != nil {
		return err
	}
	if !exists {
		if exists, err = s.dirExists(ctx, key); err != nil {
			return err
		}
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrExists, p)
	}
	return nil
}

// Fwrite spools r to a temporary file so the upload has a known length.
func (s *S3) Fwrite(ctx context.Context, p string, r io.Reader) (n int64, err error) {
	defer observe(s3Backend, "fwrite", time.Now(), &err)
	key, err := s.key(p)
	if err != nil {
		return 0, err
	}
	if err := s.ensureAbsent(ctx, key, p); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp("", "physionet-upload-*")
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()
	n, err = io.Copy(tmp, r)
	if err != nil {
		return 0, err
	}
	if _, err = tmp.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	if err = s.put(ctx, key, tmp, n); err != nil {
		return 0, mapS3Err(err, p)
	}
	return n, nil
}

func (s *S3) put(ctx context.Context, key string, body io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	return err
}

func (s *S3) Fput(ctx context.Context, p, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return mapLocalErr(err, localPath)
	}
	defer f.Close()
	_, err = s.Fwrite(ctx, p, f)
	return err
}

func (s *S3) Open(ctx context.Context, p string) (rc io.ReadCloser, e Entry, err error) {
	defer observe(s3Backend, "open", time.Now(), &err)
	key, err := s.key(p)
	if err != nil {
		return nil, Entry{}, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		err = mapS3Err(err, p)
		if errors.Is(err, ErrNotFound) {
			if isDir, derr := s.dirExists(ctx, key); derr == nil && isDir {
				return nil, Entry{}, fmt.Errorf("%w: %s", ErrIsDir, p)
			}
		}
		return nil, Entry{}, err
	}
	return out.Body, Entry{
		Name:    path.Base(key),
		Size:    aws.ToInt64(out.ContentLength),
		ModTime: aws.ToTime(out.LastModified).UTC(),
	}, nil
}

func (s *S3) Stat(ctx context.Context, p string) (Entry, error) {
	key, err := s.key(p)
	if err != nil {
		return Entry{}, err
	}
	out, err := s.head(ctx, key)
	if err == nil {
		return Entry{Name: path.Base(key), Size: aws.ToInt64(out.ContentLength), ModTime: aws.ToTime(out.LastModified).UTC()}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Entry{}, err
	}
	isDir, err := s.dirExists(ctx, key)
	if err != nil {
		return Entry{}, err
	}
	if !isDir {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	return Entry{Name: path.Base(key), IsDir: true}, nil
}

func (s *S3) ReadDir(ctx context.Context, p string) (entries []Entry, err error) {
	defer observe(s3Backend, "readdir", time.Now(), &err)
	key, err := s.key(p)
	if err != nil {
		return nil, err
	}
	dirPrefix := key + "/"
	var (
		token *string
		found bool
	)
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(dirPrefix),
			Delimiter:         aws.String("/"),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, mapS3Err(err, p)
		}
		for _, cp := range out.CommonPrefixes {
			found = true
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), dirPrefix), "/")
			entries = append(entries, Entry{Name: name, IsDir: true})
		}
		for _, obj := range out.Contents {
			found = true
			k := aws.ToString(obj.Key)
			if k == dirPrefix {
				continue
			}
			entries = append(entries, Entry{
				Name:    strings.TrimPrefix(k, dirPrefix),
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified).UTC(),
			})
		}
		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}
	if !found {
		isFile, err := s.fileExists(ctx, key)
		if err != nil {
			return nil, err
		}
		if isFile {
			return nil, fmt.Errorf("%w: %s", ErrNotDir, p)
		}
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	sortEntries(entries)
	return entries, nil
}

func (s *S3) Rm(ctx context.Context, p string) (err error) {
	defer observe(s3Backend, "rm", time.Now(), &err)
	key, err := s.key(p)
	if err != nil {
		return err
	}
	if _, err := s.head(ctx, key); err != nil {
		if errors.Is(err, ErrNotFound) {
			if isDir, derr := s.dirExists(ctx, key); derr == nil && isDir {
				return fmt.Errorf("%w: %s", ErrIsDir, p)
			}
		}
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	return mapS3Err(err, p)
}

func (s *S3) Rmtree(ctx context.Context, p string) (err error) {
	defer observe(s3Backend, "rmtree", time.Now(), &err)
	key, err := s.key(p)
	if err != nil {
		return err
	}
	objects, err := s.listAll(ctx, key)
	if err != nil {
		return err
	}
	if len(objects) == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	keys := make([]string, 0, len(objects))
	for _, obj := range objects {
		keys = append(keys, obj.key)
	}
	return s.deleteKeys(ctx, keys)
}

func (s *S3) deleteKeys(ctx context.Context, keys []string) error {
	for start := 0; start < len(keys); start += deleteBatch {
		end := min(start+deleteBatch, len(keys))
		ids := make([]s3types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			ids = append(ids, s3types.ObjectIdentifier{Key: aws.String(k)})
		}
		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &s3types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return err
		}
		if len(out.Errors) > 0 {
			e := out.Errors[0]
			return fmt.Errorf("delete %s: %s", aws.ToString(e.Key), aws.ToString(e.Message))
		}
	}
	return nil
}

func (s *S3) copyKey(ctx context.Context, srcKey, dstKey string) error {
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(copySource(s.bucket, srcKey)),
	})
	return mapS3Err(err, srcKey)
}

func copySource(bucket, key string) string {
	segs := strings.Split(key, "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	return bucket + "/" + strings.Join(segs, "/")
}

func (s *S3) CpFile(ctx context.Context, src, dst string) (err error) {
	defer observe(s3Backend, "cp_file", time.Now(), &err)
	srcKey, err := s.key(src)
	if err != nil {
		return err
	}
	dstKey, err := s.key(dst)
	if err != nil {
		return err
	}
	if _, err := s.head(ctx, srcKey); err != nil {
		return err
	}
	if err := s.ensureAbsent(ctx, dstKey, dst); err != nil {
		return err
	}
	return s.copyKey(ctx, srcKey, dstKey)
}

func (s *S3) CpDir(ctx context.Context, src, dst string) (err error) {
	defer observe(s3Backend, "cp_dir", time.Now(), &err)
	srcKey, err := s.key(src)
	if err != nil {
		return err
	}
	dstKey, err := s.key(dst)
	if err != nil {
		return err
	}
	if err := s.ensureAbsent(ctx, dstKey, dst); err != nil {
		return err
	}
	objects, err := s.listAll(ctx, srcKey)
	if err != nil {
		return err
	}
	if len(objects) == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, src)
	}
	for _, obj := range objects {
		if err := ctx.Err(); err != nil {
			return err
		}
		rel := strings.TrimPrefix(obj.key, srcKey+"/")
		if err := s.copyKey(ctx, obj.key, dstKey+"/"+rel); err != nil {
			return err
		}
	}
	return nil
}

func (s *S3) Rename(ctx context.Context, src, dst string) (err error) {
	defer observe(s3Backend, "rename", time.Now(), &err)
	entry, err := s.Stat(ctx, src)
	if err != nil {
		return err
	}
	if entry.IsDir {
		if err := s.CpDir(ctx, src, dst); err != nil {
			return err
		}
		return s.Rmtree(ctx, src)
	}
	if err := s.CpFile(ctx, src, dst); err != nil {
		return err
	}
	return s.Rm(ctx, src)
}

func (s *S3) Mv(ctx context.Context, src, dstDir string) error {
	entry, err := s.Stat(ctx, dstDir)
	if err != nil {
		return err
	}
	if !entry.IsDir {
		return fmt.Errorf("%w: %s", ErrNotDir, dstDir)
	}
	return s.Rename(ctx, src, path.Join(dstDir, path.Base(src)))
}

func (s *S3) StorageUsed(ctx context.Context, root string) (total int64, err error) {
	defer observe(s3Backend, "storage_used", time.Now(), &err)
	key, err := s.key(root)
	if err != nil {
		return 0, err
	}
	objects, err := s.listAll(ctx, key)
	if err != nil {
		return 0, err
	}
	for _, obj := range objects {
		total += obj.size
	}
	return total, nil
}

// PublishInitial copies the draft objects under the published root. The
// draft stays in place until PublishComplete.
func (s *S3) PublishInitial(ctx context.Context, draftRoot, pubRoot string) (err error) {
	defer observe(s3Backend, "publish_initial", time.Now(), &err)
	err = s.CpDir(ctx, draftRoot, pubRoot)
	if errors.Is(err, ErrNotFound) {
		return s.Mkdir(ctx, pubRoot)
	}
	return err
}

func (s *S3) PublishComplete(ctx context.Context, draftRoot, _ string) (err error) {
	defer observe(s3Backend, "publish_complete", time.Now(), &err)
	if err = s.Rmtree(ctx, draftRoot); errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (s *S3) PublishRollback(ctx context.Context, _, pubRoot string) (err error) {
	defer observe(s3Backend, "publish_rollback", time.Now(), &err)
	if err = s.Rmtree(ctx, pubRoot); errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (s *S3) MakeZip(context.Context, string, string) (int64, error) {
	return 0, fmt.Errorf("%w: zip on %s", ErrUnsupported, s3Backend)
}

// MakeChecksumFile streams every object under root and writes the manifest
// next to them.
func (s *S3) MakeChecksumFile(ctx context.Context, root string) (err error) {
	defer observe(s3Backend, "make_checksum_file", time.Now(), &err)
	key, err := s.key(root)
	if err != nil {
		return err
	}
	objects, err := s.listAll(ctx, key)
	if err != nil {
		return err
	}
	manifestKey := key + "/" + ChecksumFile
	var lines []string
	for _, obj := range objects {
		if strings.HasSuffix(obj.key, "/") || obj.key == manifestKey {
			continue
		}
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(obj.key)})
		if err != nil {
			return mapS3Err(err, obj.key)
		}
		sum, err := sha256Hex(out.Body)
		_ = out.Body.Close()
		if err != nil {
			return err
		}
		lines = append(lines, sum+" "+strings.TrimPrefix(obj.key, key+"/"))
	}
	body := checksumManifest(lines)
	return s.put(ctx, manifestKey, strings.NewReader(body), int64(len(body)))
}

func mapS3Err(err error, p string) error {
	if err == nil {
		return nil
	}
	var (
		nf  *s3types.NotFound
		nsk *s3types.NoSuchKey
	)
	if errors.As(err, &nf) || errors.As(err, &nsk) {
		return fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	var coded interface{ ErrorCode() string }
	if errors.As(err, &coded) && (coded.ErrorCode() == "NotFound" || coded.ErrorCode() == "NoSuchKey") {
		return fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	return err
}
