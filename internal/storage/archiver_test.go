package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type fakePutter struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	deleted []string
	err     error
}

func (f *fakePutter) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, _ := io.ReadAll(in.Body)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = map[string][]byte{}
		f.types = map[string]string{}
	}
	f.objects[aws.ToString(in.Key)] = data
	f.types[aws.ToString(in.Key)] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakePutter) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	f.deleted = append(f.deleted, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func testConfig() Config {
	return Config{
		Region:        "auto",
		AccessKey:     "ak",
		SecretKey:     "sk",
		Bucket:        "images",
		PublicBaseURL: "https://cdn.test/",
		Prefix:        "/gen/",
	}
}

func newTestArchiver(t *testing.T, putter *fakePutter) *Archiver {
	t.Helper()
	a, err := NewArchiver(testConfig(), slog.Default())
	if err != nil {
		t.Fatalf("new archiver: %v", err)
	}
	a.client = putter
	a.now = func() time.Time { return time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC) }
	return a
}

func TestNewArchiverValidation(t *testing.T) {
	cfg := testConfig()
	cfg.Bucket = ""
	if _, err := NewArchiver(cfg, slog.Default()); err == nil {
		t.Error("expected error without bucket")
	}
	cfg = testConfig()
	cfg.SecretKey = ""
	if _, err := NewArchiver(cfg, slog.Default()); err == nil {
		t.Error("expected error without credentials")
	}
	cfg = testConfig()
	cfg.PublicBaseURL = ""
	if _, err := NewArchiver(cfg, slog.Default()); err == nil {
		t.Error("expected error without public base url")
	}
}

func TestUploadKeyLayout(t *testing.T) {
	putter := &fakePutter{}
	a := newTestArchiver(t, putter)

	got, err := a.Upload(context.Background(), []byte("png"), "image/png")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !strings.HasPrefix(got, "https://cdn.test/gen/2026/03/07/") || !strings.HasSuffix(got, ".png") {
		t.Errorf("url = %q", got)
	}
	if len(putter.objects) != 1 {
		t.Errorf("objects = %d, want 1", len(putter.objects))
	}

	if _, err := a.Upload(context.Background(), nil, "image/png"); err == nil {
		t.Error("expected error for empty data")
	}
}

func TestMirror(t *testing.T) {
	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/webp")
		w.Write([]byte("webp-bytes"))
	}))
	defer src.Close()

	putter := &fakePutter{}
	a := newTestArchiver(t, putter)

	got, err := a.Mirror(context.Background(), src.URL+"/img.webp")
	if err != nil {
		t.Fatalf("mirror: %v", err)
	}
	if !strings.HasSuffix(got, ".webp") {
		t.Errorf("url = %q, want .webp suffix", got)
	}
	key := strings.TrimPrefix(got, "https://cdn.test/")
	if string(putter.objects[key]) != "webp-bytes" {
		t.Errorf("stored = %q", putter.objects[key])
	}
	if putter.types[key] != "image/webp" {
		t.Errorf("content type = %q", putter.types[key])
	}
}

func TestMirrorAllKeepsOriginalOnFailure(t *testing.T) {
	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.png" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("ok"))
	}))
	defer src.Close()

	a := newTestArchiver(t, &fakePutter{})
	urls := []string{src.URL + "/a.png", src.URL + "/missing.png"}

	got := a.MirrorAll(context.Background(), urls)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if !strings.HasPrefix(got[0], "https://cdn.test/") {
		t.Errorf("got[0] = %q, want archived url", got[0])
	}
	if got[1] != urls[1] {
		t.Errorf("got[1] = %q, want original %q", got[1], urls[1])
	}
}

func TestMirrorPutFailure(t *testing.T) {
	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("data"))
	}))
	defer src.Close()

	a := newTestArchiver(t, &fakePutter{err: errors.New("access denied")})
	if _, err := a.Mirror(context.Background(), src.URL); err == nil {
		t.Fatal("expected error when bucket rejects the object")
	}
}

func TestDiscardDeletesOnlyArchivedObjects(t *testing.T) {
	putter := &fakePutter{}
	a := newTestArchiver(t, putter)
	ctx := context.Background()

	archived, err := a.Upload(ctx, []byte("png"), "image/png")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	a.Discard(ctx, []string{archived, "https://provider.test/img.png"})

	if len(putter.deleted) != 1 {
		t.Fatalf("deleted = %v, want one key", putter.deleted)
	}
	if want := strings.TrimPrefix(archived, "https://cdn.test/"); putter.deleted[0] != want {
		t.Errorf("deleted key = %q, want %q", putter.deleted[0], want)
	}
	if len(putter.objects) != 0 {
		t.Errorf("objects = %d, want 0", len(putter.objects))
	}
}
