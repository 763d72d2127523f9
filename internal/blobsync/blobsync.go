// Package blobsync mirrors the SQLite database file to a remote object
// store. The daemon downloads it on a cold start and uploads it after
// mutations; mirror failures are logged and never fail the caller.
package blobsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/abelbrown/happyfeed/internal/logging"
	"github.com/abelbrown/happyfeed/internal/metrics"
)

// Syncer moves a whole file to and from the remote backend.
type Syncer interface {
	// Download writes the remote object to path. It reports false, with no
	// error, when there is no remote copy yet.
	Download(ctx context.Context, path string) (bool, error)
	Upload(ctx context.Context, path string) error
}

// Nop is the Syncer used when no backend is configured.
type Nop struct{}

func (Nop) Download(context.Context, string) (bool, error) { return false, nil }
func (Nop) Upload(context.Context, string) error           { return nil }

// ObjectAPI is the subset of *s3.Client the S3 syncer uses.
type ObjectAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 stores the database as a single object.
type S3 struct {
	client ObjectAPI
	bucket string
	key    string
}

// NewS3 creates an S3 syncer over an existing client.
func NewS3(client ObjectAPI, bucket, key string) *S3 {
	return &S3{client: client, bucket: bucket, key: key}
}

// NewS3FromConfig builds a client from the default AWS credential chain.
// A non-empty endpoint selects an S3-compatible service with path-style
// addressing.
func NewS3FromConfig(ctx context.Context, region, endpoint, bucket, key string) (*S3, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3(client, bucket, key), nil
}

func (s *S3) Download(ctx context.Context, path string) (bool, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("get s3://%s/%s: %w", s.bucket, s.key, err)
	}
	defer out.Body.Close()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".download-*")
	if err != nil {
		return false, err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, out.Body); err != nil {
		tmp.Close()
		return false, fmt.Errorf("failed to write download: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return false, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return false, fmt.Errorf("failed to move download into place: %w", err)
	}
	return true, nil
}

func (s *S3) Upload(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("application/vnd.sqlite3"),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", s.bucket, s.key, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound"
}

// Database is the local file being mirrored.
type Database interface {
	Path() string
	// Checkpoint folds the write-ahead log into the main file.
	Checkpoint(ctx context.Context) error
}

// Mirror uploads a database after mutations, one upload at a time.
type Mirror struct {
	mu     sync.Mutex
	syncer Syncer
	db     Database
}

// NewMirror creates a Mirror. A nil syncer means Nop.
func NewMirror(syncer Syncer, db Database) *Mirror {
	if syncer == nil {
		syncer = Nop{}
	}
	return &Mirror{syncer: syncer, db: db}
}

// Enabled reports whether a real backend is configured.
func (m *Mirror) Enabled() bool {
	_, nop := m.syncer.(Nop)
	return !nop
}

// Push checkpoints and uploads the database. Errors are logged and
// returned for callers that care; the moderation service ignores them.
func (m *Mirror) Push(ctx context.Context) error {
	if !m.Enabled() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	if err := m.db.Checkpoint(ctx); err != nil {
		metrics.BlobSync.WithLabelValues("upload", "error").Inc()
		logging.Warn("Mirror checkpoint failed", "error", err)
		return err
	}
	if err := m.syncer.Upload(ctx, m.db.Path()); err != nil {
		metrics.BlobSync.WithLabelValues("upload", "error").Inc()
		logging.Warn("Mirror upload failed", "error", err)
		return err
	}
	metrics.BlobSync.WithLabelValues("upload", "ok").Inc()
	logging.Debug("Mirrored database", "path", m.db.Path(), "duration", time.Since(start).Round(time.Millisecond))
	return nil
}

// Hydrate downloads the remote copy to path when path does not exist yet.
// It reports whether a file was downloaded.
func Hydrate(ctx context.Context, syncer Syncer, path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	ok, err := syncer.Download(ctx, path)
	switch {
	case err != nil:
		metrics.BlobSync.WithLabelValues("download", "error").Inc()
		return false, err
	case ok:
		metrics.BlobSync.WithLabelValues("download", "ok").Inc()
		logging.Info("Restored database from remote mirror", "path", path)
	default:
		metrics.BlobSync.WithLabelValues("download", "missing").Inc()
	}
	return ok, nil
}
