package blobsync

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/abelbrown/happyfeed/internal/store"
)

// fakeObjects is an in-memory bucket.
type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    atomic.Int32
	putErr  error
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: make(map[string][]byte)}
}

func (f *fakeObjects) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeObjects) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.puts.Add(1)
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	f.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func TestS3DownloadMissing(t *testing.T) {
	s := NewS3(newFakeObjects(), "bucket", "db")
	path := filepath.Join(t.TempDir(), "happyfeed.db")

	ok, err := s.Download(context.Background(), path)
	if err != nil || ok {
		t.Fatalf("missing object should report (false, nil), got (%v, %v)", ok, err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("no file should be created for a missing object")
	}
}

func TestS3RoundTrip(t *testing.T) {
	objects := newFakeObjects()
	s := NewS3(objects, "bucket", "db")
	dir := t.TempDir()

	src := filepath.Join(dir, "src.db")
	if err := os.WriteFile(src, []byte("sqlite bytes"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := s.Upload(context.Background(), src); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	dst := filepath.Join(dir, "nested", "dst.db")
	ok, err := s.Download(context.Background(), dst)
	if err != nil || !ok {
		t.Fatalf("Download = (%v, %v)", ok, err)
	}
	got, _ := os.ReadFile(dst)
	if string(got) != "sqlite bytes" {
		t.Errorf("downloaded %q", got)
	}
}

func TestMirrorPushAndHydrate(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	objects := newFakeObjects()
	syncer := NewS3(objects, "bucket", "happyfeed.db")

	st, err := store.Open(filepath.Join(dir, "primary.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer st.Close()

	now := time.Now()
	item := store.Item{ID: "a", Title: "hello", URL: "https://example.com", SourceGroup: "news", CreatedAt: now, FetchedAt: now}
	if _, err := st.SaveItems(ctx, []store.Item{item}, nil); err != nil {
		t.Fatalf("SaveItems failed: %v", err)
	}

	m := NewMirror(syncer, st)
	if !m.Enabled() {
		t.Fatal("S3 mirror should be enabled")
	}
	if err := m.Push(ctx); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	replica := filepath.Join(dir, "replica.db")
	ok, err := Hydrate(ctx, syncer, replica)
	if err != nil || !ok {
		t.Fatalf("Hydrate = (%v, %v)", ok, err)
	}
	restored, err := store.Open(replica)
	if err != nil {
		t.Fatalf("open replica: %v", err)
	}
	defer restored.Close()
	if got, err := restored.GetItem(ctx, "a"); err != nil || got.Title != "hello" {
		t.Errorf("replica missing item: %+v %v", got, err)
	}

	// An existing file is never overwritten.
	if ok, err := Hydrate(ctx, syncer, replica); err != nil || ok {
		t.Errorf("Hydrate over existing file = (%v, %v)", ok, err)
	}
}

func TestMirrorPushFailure(t *testing.T) {
	objects := newFakeObjects()
	objects.putErr = errors.New("access denied")
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "x.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer st.Close()

	if err := NewMirror(NewS3(objects, "b", "k"), st).Push(context.Background()); err == nil {
		t.Error("expected upload error")
	}
}

func TestNopMirror(t *testing.T) {
	m := NewMirror(nil, nil)
	if m.Enabled() {
		t.Error("nil syncer should disable mirroring")
	}
	if err := m.Push(context.Background()); err != nil {
		t.Errorf("Nop push should succeed, got %v", err)
	}
}
