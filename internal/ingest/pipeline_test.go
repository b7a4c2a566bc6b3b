package ingest

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"strings"
	"testing"
	"time"

	"github.com/rflyhigh/filemanager/internal/b2"
	"github.com/rflyhigh/filemanager/internal/metadata"
)

type uploadCall struct {
	account     string
	key         string
	contentType string
	size        int
}

type fakeObjectStore struct {
	uploads   []uploadCall
	deleted   []string
	uploadErr error
	deleteErr error
}

func (f *fakeObjectStore) Upload(ctx context.Context, account, key, contentType string, data []byte) (*b2.UploadResult, error) {
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	f.uploads = append(f.uploads, uploadCall{account, key, contentType, len(data)})
	return &b2.UploadResult{ObjectID: "obj-" + key, SHA1: "da39a3ee"}, nil
}

func (f *fakeObjectStore) Delete(ctx context.Context, account, objectID, key string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeObjectStore) DeleteByKey(ctx context.Context, account, key string) error {
	return f.Delete(ctx, account, "", key)
}

type fakeIndex struct {
	created   []*metadata.FileRecord
	createErr error
}

func (f *fakeIndex) CreateFile(ctx context.Context, rec *metadata.FileRecord) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, rec)
	return nil
}

type fakeInvalidator struct {
	invalidated []string
}

func (f *fakeInvalidator) Invalidate(account string) {
	f.invalidated = append(f.invalidated, account)
}

type fakeProber struct {
	duration    float64
	durationErr error
	frame       []byte
	frameErr    error
}

func (f *fakeProber) ProbeDuration(ctx context.Context, path string) (float64, error) {
	return f.duration, f.durationErr
}

func (f *fakeProber) ExtractFrame(ctx context.Context, path string, offsetSeconds float64) ([]byte, error) {
	return f.frame, f.frameErr
}

func newTestPipeline(store *fakeObjectStore, index *fakeIndex, cache *fakeInvalidator, prober *fakeProber) *Pipeline {
	p := New(store, index, cache, prober)
	p.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return p
}

func jpegBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 30), G: uint8(y * 30), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestIngestCommitsRecord(t *testing.T) {
	store := &fakeObjectStore{}
	index := &fakeIndex{}
	cache := &fakeInvalidator{}
	p := newTestPipeline(store, index, cache, &fakeProber{})

	record, err := p.Ingest(context.Background(), Input{
		Account:      "account1",
		OriginalName: "report.txt",
		ContentType:  "text/plain",
		Data:         []byte("hello"),
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	if record.Title != "report" {
		t.Errorf("title = %q, want %q", record.Title, "report")
	}
	if want := "files/report_1700000000000.txt"; record.StorageKey != want {
		t.Errorf("storage key = %q, want %q", record.StorageKey, want)
	}
	if record.URL != "/files/account1/report_1700000000000.txt" {
		t.Errorf("url = %q", record.URL)
	}
	if record.Size != 5 {
		t.Errorf("size = %d, want 5", record.Size)
	}
	if record.Duration != nil || record.ThumbnailURL != nil {
		t.Error("plain file should have no enrichment")
	}

	if len(store.uploads) != 1 {
		t.Fatalf("expected 1 upload, got %d", len(store.uploads))
	}
	if len(index.created) != 1 {
		t.Fatalf("expected 1 committed record, got %d", len(index.created))
	}
	if len(cache.invalidated) != 1 || cache.invalidated[0] != "account1" {
		t.Errorf("expected listing invalidation for account1, got %v", cache.invalidated)
	}
}

func TestIngestUploadFailureCommitsNothing(t *testing.T) {
	store := &fakeObjectStore{uploadErr: errors.New("remote down")}
	index := &fakeIndex{}
	cache := &fakeInvalidator{}
	p := newTestPipeline(store, index, cache, &fakeProber{})

	_, err := p.Ingest(context.Background(), Input{
		Account:      "account1",
		OriginalName: "x.bin",
		ContentType:  "application/octet-stream",
		Data:         []byte{1, 2, 3},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(index.created) != 0 {
		t.Errorf("nothing should be committed, got %d records", len(index.created))
	}
	if len(cache.invalidated) != 0 {
		t.Errorf("no invalidation expected, got %v", cache.invalidated)
	}
}

func TestIngestCommitFailureDeletesOrphan(t *testing.T) {
	store := &fakeObjectStore{}
	index := &fakeIndex{createErr: errors.New("db down")}
	cache := &fakeInvalidator{}
	p := newTestPipeline(store, index, cache, &fakeProber{})

	_, err := p.Ingest(context.Background(), Input{
		Account:      "account2",
		OriginalName: "doc.pdf",
		ContentType:  "application/pdf",
		Data:         []byte("pdf"),
	})

	var commitErr *CommitError
	if !errors.As(err, &commitErr) {
		t.Fatalf("expected CommitError, got %v", err)
	}
	if len(store.deleted) != 1 || !strings.HasPrefix(store.deleted[0], "files/") {
		t.Errorf("expected orphan cleanup delete, got %v", store.deleted)
	}
}

func TestIngestVideoEnrichmentFailureStillCommits(t *testing.T) {
	store := &fakeObjectStore{}
	index := &fakeIndex{}
	cache := &fakeInvalidator{}
	prober := &fakeProber{
		durationErr: errors.New("ffprobe missing"),
		frameErr:    errors.New("ffmpeg missing"),
	}
	p := newTestPipeline(store, index, cache, prober)

	record, err := p.Ingest(context.Background(), Input{
		Account:      "account1",
		Title:        "Demo Video",
		OriginalName: "demo.mp4",
		ContentType:  "video/mp4",
		Data:         []byte("not really a video"),
	})
	if err != nil {
		t.Fatalf("enrichment failure must not fail the upload: %v", err)
	}
	if record.Duration != nil {
		t.Error("duration should be nil when the probe fails")
	}
	if record.ThumbnailURL != nil {
		t.Error("thumbnail should be nil when extraction fails")
	}
	if len(index.created) != 1 {
		t.Fatalf("expected commit despite failed enrichment, got %d", len(index.created))
	}
}

func TestIngestVideoEnrichment(t *testing.T) {
	store := &fakeObjectStore{}
	index := &fakeIndex{}
	cache := &fakeInvalidator{}
	prober := &fakeProber{duration: 12.5, frame: jpegBytes(t)}
	p := newTestPipeline(store, index, cache, prober)

	record, err := p.Ingest(context.Background(), Input{
		Account:      "account1",
		Title:        "Demo Video",
		OriginalName: "demo.mp4",
		ContentType:  "video/mp4",
		Data:         []byte("video bytes"),
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	if record.Duration == nil || *record.Duration != 12.5 {
		t.Errorf("duration = %v, want 12.5", record.Duration)
	}
	if record.ThumbnailURL == nil {
		t.Fatal("expected a thumbnail URL")
	}
	if want := "/thumbnails/account1/Demo_Video_1700000000000.jpg"; *record.ThumbnailURL != want {
		t.Errorf("thumbnail url = %q, want %q", *record.ThumbnailURL, want)
	}

	var thumbUploads int
	for _, u := range store.uploads {
		if strings.HasPrefix(u.key, "thumbnails/") {
			thumbUploads++
			if u.contentType != "image/jpeg" {
				t.Errorf("thumbnail content type = %q", u.contentType)
			}
		}
	}
	if thumbUploads != 1 {
		t.Errorf("expected 1 thumbnail upload, got %d", thumbUploads)
	}
}

func TestIngestImageThumbnail(t *testing.T) {
	store := &fakeObjectStore{}
	index := &fakeIndex{}
	cache := &fakeInvalidator{}
	p := newTestPipeline(store, index, cache, &fakeProber{})

	record, err := p.Ingest(context.Background(), Input{
		Account:      "account2",
		OriginalName: "photo.jpg",
		ContentType:  "image/jpeg",
		Data:         jpegBytes(t),
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if record.ThumbnailURL == nil {
		t.Fatal("expected an image thumbnail")
	}
	if record.Duration != nil {
		t.Error("images have no duration")
	}
}
