// Package api provides the HTTP server and handlers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rflyhigh/filemanager/internal/b2"
	"github.com/rflyhigh/filemanager/internal/config"
	"github.com/rflyhigh/filemanager/internal/events"
	"github.com/rflyhigh/filemanager/internal/ingest"
	"github.com/rflyhigh/filemanager/internal/listing"
	"github.com/rflyhigh/filemanager/internal/logging"
	"github.com/rflyhigh/filemanager/internal/metadata"
	"github.com/rflyhigh/filemanager/internal/metrics"
)

// Index is the metadata side of the API. *postgres.Store implements it.
type Index interface {
	GetFile(ctx context.Context, id string) (*metadata.FileRecord, error)
	ListFiles(ctx context.Context, account string, folderID *string) ([]*metadata.FileRecord, error)
	UpdateFileObject(ctx context.Context, id, title, fileName, storageKey, objectID, url string, thumbnailURL *string) error
	DeleteFile(ctx context.Context, id string) error
	MoveFiles(ctx context.Context, ids []string, folderID *string) (int64, error)
	CreateFolder(ctx context.Context, account, name string, parentID *string) (*metadata.FolderRecord, error)
	GetFolder(ctx context.Context, id string) (*metadata.FolderRecord, error)
	ListFolders(ctx context.Context, account string, parentID *string) ([]*metadata.FolderRecord, error)
	RenameFolder(ctx context.Context, id, newName string) error
	DeleteFolder(ctx context.Context, id string) error
	Breadcrumb(ctx context.Context, folderID string) ([]metadata.Crumb, error)
}

// Remote is the object-store side. *b2.Gateway implements it.
type Remote interface {
	Delete(ctx context.Context, account, objectID, key string) error
	DeleteByKey(ctx context.Context, account, key string) error
	Copy(ctx context.Context, account, sourceObjectID, newKey string) (string, error)
	DownloadURL(ctx context.Context, account, key string, ttl time.Duration) (string, error)
}

// Listings serves cached bucket listings and usage totals.
type Listings interface {
	Usage(ctx context.Context, account string) (listing.UsageStats, error)
	Invalidate(account string)
}

// Ingestor runs uploads end to end. *ingest.Pipeline implements it.
type Ingestor interface {
	Ingest(ctx context.Context, in ingest.Input) (*metadata.FileRecord, error)
}

// Server is the HTTP server.
type Server struct {
	index         Index
	remote        Remote
	listings      Listings
	ingestor      Ingestor
	broadcaster   *events.Broadcaster
	config        *config.Config
	maxUploadSize int64
	downloadTTL   time.Duration
}

// NewServer creates a new server.
func NewServer(
	index Index,
	remote Remote,
	listings Listings,
	ingestor Ingestor,
	broadcaster *events.Broadcaster,
	cfg *config.Config,
) *Server {
	return &Server{
		index:         index,
		remote:        remote,
		listings:      listings,
		ingestor:      ingestor,
		broadcaster:   broadcaster,
		config:        cfg,
		maxUploadSize: cfg.MaxUploadSize,
		downloadTTL:   cfg.DownloadTTL,
	}
}

// Handler returns the HTTP handler with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/bucket-info/{account}", s.handleBucketInfo)

	// Content redirects
	mux.HandleFunc("GET /files/{account}/{filename}", s.handleFileRedirect)
	mux.HandleFunc("GET /thumbnails/{account}/{filename}", s.handleThumbnailRedirect)

	// File endpoints
	mux.HandleFunc("GET /api/files", s.handleListFiles)
	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("POST /api/files/delete", s.handleDeleteFile)
	mux.HandleFunc("POST /api/files/rename", s.handleRenameFile)
	mux.HandleFunc("POST /api/files/move", s.handleMoveFiles)

	// Folder endpoints
	mux.HandleFunc("GET /api/folders", s.handleListFolders)
	mux.HandleFunc("POST /api/folders", s.handleCreateFolder)
	mux.HandleFunc("PUT /api/folders/{id}", s.handleRenameFolder)
	mux.HandleFunc("DELETE /api/folders/{id}", s.handleDeleteFolder)
	mux.HandleFunc("GET /api/folders/{id}/breadcrumb", s.handleBreadcrumb)

	// SSE endpoint
	mux.HandleFunc("GET /api/events", s.handleEvents)

	return metrics.Middleware(logging.Middleware(mux))
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "version": "1.0"})
}

// ─── Bucket info ────────────────────────────────────────────────────────────

func (s *Server) handleBucketInfo(w http.ResponseWriter, r *http.Request) {
	account := r.PathValue("account")
	usage, err := s.listings.Usage(r.Context(), account)
	if err != nil {
		s.sendError(w, statusFor(err), err.Error())
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{
		"account":    account,
		"fileCount":  usage.FileCount,
		"totalBytes": usage.TotalBytes,
	})
}

// ─── Content redirects ──────────────────────────────────────────────────────

func (s *Server) handleFileRedirect(w http.ResponseWriter, r *http.Request) {
	s.redirectToObject(w, r, "files/"+r.PathValue("filename"))
}

func (s *Server) handleThumbnailRedirect(w http.ResponseWriter, r *http.Request) {
	s.redirectToObject(w, r, "thumbnails/"+r.PathValue("filename"))
}

// redirectToObject answers with a 302 to a freshly authorized, time-limited
// direct download URL. Stored URLs stay stable; only the redirect target
// carries the expiring token.
func (s *Server) redirectToObject(w http.ResponseWriter, r *http.Request, key string) {
	account := r.PathValue("account")
	url, err := s.remote.DownloadURL(r.Context(), account, key, s.downloadTTL)
	if err != nil {
		s.sendError(w, statusFor(err), err.Error())
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

// ─── Files ──────────────────────────────────────────────────────────────────

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("account")
	if account == "" {
		s.sendError(w, http.StatusBadRequest, "account required")
		return
	}
	var folderID *string
	if id := r.URL.Query().Get("folderId"); id != "" {
		folderID = &id
	}

	files, err := s.index.ListFiles(r.Context(), account, folderID)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if files == nil {
		files = []*metadata.FileRecord{}
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"files": files})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > s.maxUploadSize {
		s.sendError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file too large: max %d bytes", s.maxUploadSize))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	account := r.FormValue("account")
	if account == "" {
		s.sendError(w, http.StatusBadRequest, "account required")
		return
	}
	var folderID *string
	if id := r.FormValue("folderId"); id != "" {
		if _, err := s.index.GetFolder(r.Context(), id); err != nil {
			s.sendError(w, http.StatusBadRequest, "unknown folder: "+id)
			return
		}
		folderID = &id
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "file part required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		metrics.RecordUpload(0, false)
		s.sendError(w, http.StatusInternalServerError, "failed to read upload")
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		if byExt := mime.TypeByExtension(filepath.Ext(header.Filename)); byExt != "" {
			contentType = byExt
		} else if contentType == "" {
			contentType = "application/octet-stream"
		}
	}

	record, err := s.ingestor.Ingest(r.Context(), ingest.Input{
		Account:      account,
		Title:        r.FormValue("title"),
		OriginalName: header.Filename,
		ContentType:  contentType,
		FolderID:     folderID,
		Data:         data,
	})
	if err != nil {
		s.sendError(w, statusFor(err), err.Error())
		return
	}

	s.publishEvent(events.EventUpload, record.Account, record.ID, record.Title)
	s.sendJSON(w, http.StatusCreated, record)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Account string `json:"account"`
		ID      string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		s.sendError(w, http.StatusBadRequest, "id required")
		return
	}

	record, err := s.index.GetFile(r.Context(), req.ID)
	if err != nil {
		s.sendError(w, statusFor(err), err.Error())
		return
	}

	// A remote object already gone is fine; the index row still goes away.
	if err := s.remote.Delete(r.Context(), record.Account, record.ObjectID, record.StorageKey); err != nil {
		if !b2.IsNotFound(err) {
			s.sendError(w, statusFor(err), err.Error())
			return
		}
		logging.Warn("remote object already gone",
			zap.String("account", record.Account),
			zap.String("key", record.StorageKey))
	}
	// The bucket has changed; stale listings must not outlive this point
	// even if the index delete below fails.
	s.listings.Invalidate(record.Account)

	if record.ThumbnailURL != nil {
		thumbKey := "thumbnails/" + path.Base(*record.ThumbnailURL)
		if err := s.remote.DeleteByKey(r.Context(), record.Account, thumbKey); err != nil && !b2.IsNotFound(err) {
			logging.Warn("thumbnail delete failed",
				zap.String("key", thumbKey),
				zap.Error(err))
		}
	}

	if err := s.index.DeleteFile(r.Context(), req.ID); err != nil {
		s.sendError(w, statusFor(err), err.Error())
		return
	}

	s.publishEvent(events.EventDelete, record.Account, record.ID, record.Title)
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": req.ID})
}

func (s *Server) handleRenameFile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID       string `json:"id"`
		NewTitle string `json:"newTitle"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		s.sendError(w, http.StatusBadRequest, "id required")
		return
	}
	if strings.TrimSpace(req.NewTitle) == "" {
		s.sendError(w, http.StatusBadRequest, "newTitle required")
		return
	}

	record, err := s.index.GetFile(r.Context(), req.ID)
	if err != nil {
		s.sendError(w, statusFor(err), err.Error())
		return
	}

	// The remote has no rename: copy to a key derived from the new title,
	// repoint the record, then drop the old object.
	newKey := ingest.StorageKey(req.NewTitle, path.Ext(record.StorageKey), time.Now())
	newObjectID, err := s.remote.Copy(r.Context(), record.Account, record.ObjectID, newKey)
	if err != nil {
		s.sendError(w, statusFor(err), err.Error())
		return
	}

	newFileName := path.Base(newKey)
	newURL := "/files/" + record.Account + "/" + newFileName
	if err := s.index.UpdateFileObject(r.Context(), record.ID, req.NewTitle,
		newFileName, newKey, newObjectID, newURL, record.ThumbnailURL); err != nil {
		if delErr := s.remote.Delete(r.Context(), record.Account, newObjectID, newKey); delErr != nil {
			logging.Error("cleanup of renamed copy failed",
				zap.String("key", newKey),
				zap.Error(delErr))
		}
		s.listings.Invalidate(record.Account)
		s.sendError(w, statusFor(err), err.Error())
		return
	}

	// Old object is now unreferenced. A failed delete leaves an orphan,
	// which is preferable to a missing object.
	if err := s.remote.Delete(r.Context(), record.Account, record.ObjectID, record.StorageKey); err != nil && !b2.IsNotFound(err) {
		logging.Error("orphaned old object after rename",
			zap.String("account", record.Account),
			zap.String("key", record.StorageKey),
			zap.Error(err))
	}
	s.listings.Invalidate(record.Account)

	record.Title = req.NewTitle
	record.FileName = newFileName
	record.StorageKey = newKey
	record.ObjectID = newObjectID
	record.URL = newURL

	s.publishEvent(events.EventRename, record.Account, record.ID, record.Title)
	s.sendJSON(w, http.StatusOK, record)
}

func (s *Server) handleMoveFiles(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FileIDs  []string `json:"fileIds"`
		FolderID *string  `json:"folderId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.FileIDs) == 0 {
		s.sendError(w, http.StatusBadRequest, "fileIds required")
		return
	}
	if req.FolderID != nil {
		if _, err := s.index.GetFolder(r.Context(), *req.FolderID); err != nil {
			s.sendError(w, http.StatusBadRequest, "unknown folder: "+*req.FolderID)
			return
		}
	}

	moved, err := s.index.MoveFiles(r.Context(), req.FileIDs, req.FolderID)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if record, err := s.index.GetFile(r.Context(), req.FileIDs[0]); err == nil {
		s.publishEvent(events.EventMove, record.Account, record.ID, record.Title)
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"moved": moved})
}

// ─── Folders ────────────────────────────────────────────────────────────────

func (s *Server) handleListFolders(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("account")
	if account == "" {
		s.sendError(w, http.StatusBadRequest, "account required")
		return
	}
	var parentID *string
	if id := r.URL.Query().Get("parentId"); id != "" {
		parentID = &id
	}

	folders, err := s.index.ListFolders(r.Context(), account, parentID)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if folders == nil {
		folders = []*metadata.FolderRecord{}
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"folders": folders})
}

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Account  string  `json:"account"`
		Name     string  `json:"name"`
		ParentID *string `json:"parentId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Account == "" || strings.TrimSpace(req.Name) == "" {
		s.sendError(w, http.StatusBadRequest, "account and name required")
		return
	}

	folder, err := s.index.CreateFolder(r.Context(), req.Account, strings.TrimSpace(req.Name), req.ParentID)
	if err != nil {
		s.sendError(w, statusFor(err), err.Error())
		return
	}

	s.publishEvent(events.EventFolder, folder.Account, folder.ID, folder.Name)
	s.sendJSON(w, http.StatusCreated, folder)
}

func (s *Server) handleRenameFolder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		s.sendError(w, http.StatusBadRequest, "name required")
		return
	}

	if err := s.index.RenameFolder(r.Context(), id, strings.TrimSpace(req.Name)); err != nil {
		s.sendError(w, statusFor(err), err.Error())
		return
	}

	folder, err := s.index.GetFolder(r.Context(), id)
	if err != nil {
		s.sendError(w, statusFor(err), err.Error())
		return
	}
	s.publishEvent(events.EventFolder, folder.Account, folder.ID, folder.Name)
	s.sendJSON(w, http.StatusOK, folder)
}

func (s *Server) handleDeleteFolder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	folder, err := s.index.GetFolder(r.Context(), id)
	if err != nil {
		s.sendError(w, statusFor(err), err.Error())
		return
	}
	if err := s.index.DeleteFolder(r.Context(), id); err != nil {
		s.sendError(w, statusFor(err), err.Error())
		return
	}

	s.publishEvent(events.EventFolder, folder.Account, folder.ID, folder.Name)
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

func (s *Server) handleBreadcrumb(w http.ResponseWriter, r *http.Request) {
	crumbs, err := s.index.Breadcrumb(r.Context(), r.PathValue("id"))
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if crumbs == nil {
		crumbs = []metadata.Crumb{}
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"breadcrumb": crumbs})
}

// ─── SSE Events ─────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// publishEvent publishes an event to the broadcaster if available.
func (s *Server) publishEvent(eventType, account, fileID, title string) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.Publish(events.Event{
		Type:    eventType,
		Account: account,
		FileID:  fileID,
		Title:   title,
	})
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// statusFor maps domain errors to HTTP status codes. Upstream remote
// failures surface as 502 with the upstream message attached.
func statusFor(err error) int {
	switch {
	case errors.Is(err, b2.ErrUnknownAccount):
		return http.StatusBadRequest
	case errors.Is(err, metadata.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, metadata.ErrFolderNotEmpty):
		return http.StatusBadRequest
	case b2.IsNotFound(err):
		return http.StatusNotFound
	}
	var remote *b2.RemoteError
	if errors.As(err, &remote) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error: message,
		Code:  code,
	})
}
