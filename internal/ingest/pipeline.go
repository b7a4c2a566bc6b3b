// Package ingest orchestrates file uploads: key derivation, the remote
// transfer, best-effort media enrichment, and the metadata commit.
package ingest

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rflyhigh/filemanager/internal/b2"
	"github.com/rflyhigh/filemanager/internal/logging"
	"github.com/rflyhigh/filemanager/internal/media"
	"github.com/rflyhigh/filemanager/internal/metadata"
	"github.com/rflyhigh/filemanager/internal/metrics"
)

// ObjectStore is the remote side of ingestion. *b2.Gateway implements it.
type ObjectStore interface {
	Upload(ctx context.Context, account, key, contentType string, data []byte) (*b2.UploadResult, error)
	Delete(ctx context.Context, account, objectID, key string) error
	DeleteByKey(ctx context.Context, account, key string) error
}

// Index commits file records. *postgres.Store implements it.
type Index interface {
	CreateFile(ctx context.Context, f *metadata.FileRecord) error
}

// Invalidator drops cached listings after a mutation.
type Invalidator interface {
	Invalidate(account string)
}

// Prober derives duration and frames from staged video files.
// media.Tools implements it.
type Prober interface {
	ProbeDuration(ctx context.Context, path string) (float64, error)
	ExtractFrame(ctx context.Context, path string, offsetSeconds float64) ([]byte, error)
}

// CommitError marks an upload whose remote transfer succeeded but whose
// metadata commit failed. The remote object is cleaned up best-effort; a
// failed cleanup leaves an orphan under Key.
type CommitError struct {
	Key string
	Err error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit record for %s: %v", e.Key, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

// Input describes one upload request.
type Input struct {
	Account      string
	Title        string // optional; derived from OriginalName when empty
	OriginalName string
	ContentType  string
	FolderID     *string
	Data         []byte
}

// Pipeline runs uploads end to end.
type Pipeline struct {
	store  ObjectStore
	index  Index
	cache  Invalidator
	prober Prober
	now    func() time.Time
}

// New creates an ingestion pipeline.
func New(store ObjectStore, index Index, cache Invalidator, prober Prober) *Pipeline {
	return &Pipeline{
		store:  store,
		index:  index,
		cache:  cache,
		prober: prober,
		now:    time.Now,
	}
}

// Ingest uploads one file and commits its metadata record. Video uploads
// get best-effort duration and thumbnail enrichment; enrichment failures
// never fail the upload.
func (p *Pipeline) Ingest(ctx context.Context, in Input) (*metadata.FileRecord, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = TitleFromFilename(in.OriginalName)
	}
	ext := filepath.Ext(in.OriginalName)
	now := p.now()
	key := StorageKey(title, ext, now)

	result, err := p.store.Upload(ctx, in.Account, key, in.ContentType, in.Data)
	if err != nil {
		metrics.RecordUpload(0, false)
		logging.Error("upload failed",
			zap.String("account", in.Account),
			zap.String("key", key),
			zap.Error(err))
		return nil, fmt.Errorf("upload %s: %w", key, err)
	}

	record := &metadata.FileRecord{
		Account:     in.Account,
		Title:       title,
		FileName:    path.Base(key),
		StorageKey:  key,
		ObjectID:    result.ObjectID,
		Size:        int64(len(in.Data)),
		ContentType: in.ContentType,
		URL:         "/files/" + in.Account + "/" + path.Base(key),
		FolderID:    in.FolderID,
		UploadedAt:  now.UTC(),
	}

	thumbKey := p.enrich(ctx, in, title, now, record)

	if err := p.index.CreateFile(ctx, record); err != nil {
		// The object is uploaded but unindexed: clean it up best-effort
		// so it does not linger as an orphan.
		p.cache.Invalidate(in.Account)
		if delErr := p.store.Delete(ctx, in.Account, record.ObjectID, key); delErr != nil {
			logging.Error("orphan cleanup failed",
				zap.String("account", in.Account),
				zap.String("key", key),
				zap.Error(delErr))
		}
		if thumbKey != "" {
			if delErr := p.store.DeleteByKey(ctx, in.Account, thumbKey); delErr != nil {
				logging.Warn("thumbnail cleanup failed",
					zap.String("key", thumbKey),
					zap.Error(delErr))
			}
		}
		metrics.RecordUpload(0, false)
		return nil, &CommitError{Key: key, Err: err}
	}
	p.cache.Invalidate(in.Account)
	metrics.RecordUpload(record.Size, true)

	logging.Info("ingested file",
		zap.String("account", in.Account),
		zap.String("title", title),
		zap.String("key", key),
		zap.Int64("size", record.Size))
	return record, nil
}

// enrich fills duration and thumbnail on the record for media content.
// Everything here is best-effort: failures are logged and swallowed.
// Returns the uploaded thumbnail key, if any, so commit failures can clean
// it up.
func (p *Pipeline) enrich(ctx context.Context, in Input, title string, now time.Time, record *metadata.FileRecord) string {
	switch {
	case strings.HasPrefix(in.ContentType, "video/"):
		return p.enrichVideo(ctx, in, title, now, record)
	case strings.HasPrefix(in.ContentType, "image/"):
		return p.enrichImage(ctx, in, title, now, record)
	default:
		return ""
	}
}

func (p *Pipeline) enrichVideo(ctx context.Context, in Input, title string, now time.Time, record *metadata.FileRecord) string {
	staged, err := p.stageTemp(in.Data)
	if err != nil {
		metrics.RecordEnrichmentFailure("stage")
		logging.Warn("staging for enrichment failed", zap.Error(err))
		return ""
	}
	defer os.Remove(staged)

	if duration, err := p.prober.ProbeDuration(ctx, staged); err != nil {
		metrics.RecordEnrichmentFailure("probe")
		logging.Warn("duration probe failed",
			zap.String("key", record.StorageKey),
			zap.Error(err))
	} else {
		record.Duration = &duration
	}

	offset := 1.0
	if record.Duration != nil && *record.Duration < 2 {
		offset = *record.Duration / 2
	}
	frame, err := p.prober.ExtractFrame(ctx, staged, offset)
	if err != nil {
		metrics.RecordEnrichmentFailure("frame")
		logging.Warn("frame extraction failed",
			zap.String("key", record.StorageKey),
			zap.Error(err))
		return ""
	}

	thumb, err := media.Thumbnail(bytes.NewReader(frame), 1)
	if err != nil {
		metrics.RecordEnrichmentFailure("thumbnail")
		logging.Warn("thumbnail encode failed", zap.Error(err))
		return ""
	}

	return p.uploadThumbnail(ctx, in.Account, title, now, thumb, record)
}

func (p *Pipeline) enrichImage(ctx context.Context, in Input, title string, now time.Time, record *metadata.FileRecord) string {
	orientation := media.Orientation(in.Data)
	thumb, err := media.Thumbnail(bytes.NewReader(in.Data), orientation)
	if err != nil {
		metrics.RecordEnrichmentFailure("thumbnail")
		logging.Warn("thumbnail encode failed",
			zap.String("key", record.StorageKey),
			zap.Error(err))
		return ""
	}
	return p.uploadThumbnail(ctx, in.Account, title, now, thumb, record)
}

// uploadThumbnail pushes thumbnail bytes under the thumbnails/ namespace
// and sets the record's thumbnail URL. Failures are swallowed.
func (p *Pipeline) uploadThumbnail(ctx context.Context, account, title string, now time.Time, thumb []byte, record *metadata.FileRecord) string {
	key := ThumbnailKey(title, now)
	if _, err := p.store.Upload(ctx, account, key, "image/jpeg", thumb); err != nil {
		metrics.RecordEnrichmentFailure("thumbnail_upload")
		logging.Warn("thumbnail upload failed",
			zap.String("key", key),
			zap.Error(err))
		return ""
	}
	url := "/thumbnails/" + account + "/" + path.Base(key)
	record.ThumbnailURL = &url
	return key
}

// stageTemp writes data to a temporary file for the external tools.
func (p *Pipeline) stageTemp(data []byte) (string, error) {
	f, err := os.CreateTemp("", "ingest-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return f.Name(), nil
}
