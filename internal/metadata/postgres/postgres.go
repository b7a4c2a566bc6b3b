// Package postgres provides the PostgreSQL-backed metadata index.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/rflyhigh/filemanager/internal/logging"
	"github.com/rflyhigh/filemanager/internal/metadata"
	"github.com/rflyhigh/filemanager/internal/metrics"
)

// Store is a PostgreSQL metadata store.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL metadata store.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpdateConnectionMetrics updates the database connection metrics.
func (s *Store) UpdateConnectionMetrics() {
	metrics.SetDBConnectionsOpen(s.db.Stats().OpenConnections)
}

// Migrate runs SQL migration files.
func (s *Store) Migrate(migrationsDir string) error {
	files, err := filepath.Glob(filepath.Join(migrationsDir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}

	for _, f := range files {
		logging.Info("running migration", zap.String("file", filepath.Base(f)))
		content, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
	}

	return nil
}

const fileColumns = `id, account, title, file_name, storage_key, object_id,
	size, content_type, url, thumbnail_url, folder_id, duration, uploaded_at`

func scanFile(row interface{ Scan(...any) error }) (*metadata.FileRecord, error) {
	var f metadata.FileRecord
	var thumb, folder sql.NullString
	var duration sql.NullFloat64
	err := row.Scan(&f.ID, &f.Account, &f.Title, &f.FileName, &f.StorageKey,
		&f.ObjectID, &f.Size, &f.ContentType, &f.URL, &thumb, &folder,
		&duration, &f.UploadedAt)
	if err != nil {
		return nil, err
	}
	if thumb.Valid {
		f.ThumbnailURL = &thumb.String
	}
	if folder.Valid {
		f.FolderID = &folder.String
	}
	if duration.Valid {
		f.Duration = &duration.Float64
	}
	return &f, nil
}

// CreateFile inserts a file record. A missing ID is generated.
func (s *Store) CreateFile(ctx context.Context, f *metadata.FileRecord) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("create_file", time.Since(start)) }()

	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.UploadedAt.IsZero() {
		f.UploadedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO files (id, account, title, file_name, storage_key, object_id,
			size, content_type, url, thumbnail_url, folder_id, duration, uploaded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		f.ID, f.Account, f.Title, f.FileName, f.StorageKey, f.ObjectID,
		f.Size, f.ContentType, f.URL, f.ThumbnailURL, f.FolderID, f.Duration,
		f.UploadedAt)
	if err != nil {
		return fmt.Errorf("insert file: %w", err)
	}

	logging.Debug("created file record",
		zap.String("id", f.ID),
		zap.String("account", f.Account),
		zap.String("key", f.StorageKey))
	return nil
}

// GetFile returns one file record by id.
func (s *Store) GetFile(ctx context.Context, id string) (*metadata.FileRecord, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_file", time.Since(start)) }()

	f, err := scanFile(s.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("file %s: %w", id, metadata.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query file: %w", err)
	}
	return f, nil
}

// ListFiles returns an account's files in a folder (nil folderID = root),
// newest first.
func (s *Store) ListFiles(ctx context.Context, account string, folderID *string) ([]*metadata.FileRecord, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_files", time.Since(start)) }()

	var rows *sql.Rows
	var err error
	if folderID == nil {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+fileColumns+` FROM files
			 WHERE account = $1 AND folder_id IS NULL
			 ORDER BY uploaded_at DESC, storage_key`, account)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+fileColumns+` FROM files
			 WHERE account = $1 AND folder_id = $2
			 ORDER BY uploaded_at DESC, storage_key`, account, *folderID)
	}
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	defer rows.Close()

	var files []*metadata.FileRecord
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// UpdateFileObject rewrites the record after a rename: the title and the
// new remote identity (key, object id, URLs) together.
func (s *Store) UpdateFileObject(ctx context.Context, id, title, fileName, storageKey, objectID, url string, thumbnailURL *string) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("update_file_object", time.Since(start)) }()

	result, err := s.db.ExecContext(ctx,
		`UPDATE files SET title = $2, file_name = $3, storage_key = $4,
			object_id = $5, url = $6, thumbnail_url = $7
		 WHERE id = $1`,
		id, title, fileName, storageKey, objectID, url, thumbnailURL)
	if err != nil {
		return fmt.Errorf("update file: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("file %s: %w", id, metadata.ErrNotFound)
	}
	return nil
}

// DeleteFile removes a file record.
func (s *Store) DeleteFile(ctx context.Context, id string) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("delete_file", time.Since(start)) }()

	_, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

// MoveFiles reparents files in bulk. Missing ids update zero rows; that is
// deliberate leniency, not an error.
func (s *Store) MoveFiles(ctx context.Context, ids []string, folderID *string) (int64, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("move_files", time.Since(start)) }()

	if len(ids) == 0 {
		return 0, nil
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE files SET folder_id = $1 WHERE id = ANY($2)`,
		folderID, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("move files: %w", err)
	}
	moved, _ := result.RowsAffected()
	logging.Debug("moved files", zap.Int64("count", moved))
	return moved, nil
}

const folderColumns = `id, account, name, parent_id, path, created_at`

func scanFolder(row interface{ Scan(...any) error }) (*metadata.FolderRecord, error) {
	var f metadata.FolderRecord
	var parent sql.NullString
	err := row.Scan(&f.ID, &f.Account, &f.Name, &parent, &f.Path, &f.CreatedAt)
	if err != nil {
		return nil, err
	}
	if parent.Valid {
		f.ParentID = &parent.String
	}
	return &f, nil
}

// CreateFolder inserts a folder, materializing its path from the parent.
func (s *Store) CreateFolder(ctx context.Context, account, name string, parentID *string) (*metadata.FolderRecord, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("create_folder", time.Since(start)) }()

	f := &metadata.FolderRecord{
		ID:        uuid.NewString(),
		Account:   account,
		Name:      name,
		ParentID:  parentID,
		Path:      name,
		CreatedAt: time.Now().UTC(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if parentID != nil {
		var parentPath string
		err := tx.QueryRowContext(ctx,
			`SELECT path FROM folders WHERE id = $1 AND account = $2`,
			*parentID, account).Scan(&parentPath)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("parent folder %s: %w", *parentID, metadata.ErrNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("query parent: %w", err)
		}
		f.Path = parentPath + "/" + name
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO folders (id, account, name, parent_id, path, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		f.ID, f.Account, f.Name, f.ParentID, f.Path, f.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert folder: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	logging.Debug("created folder",
		zap.String("id", f.ID),
		zap.String("path", f.Path))
	return f, nil
}

// GetFolder returns one folder by id.
func (s *Store) GetFolder(ctx context.Context, id string) (*metadata.FolderRecord, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_folder", time.Since(start)) }()

	f, err := scanFolder(s.db.QueryRowContext(ctx,
		`SELECT `+folderColumns+` FROM folders WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("folder %s: %w", id, metadata.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query folder: %w", err)
	}
	return f, nil
}

// ListFolders returns an account's folders under a parent (nil = root).
func (s *Store) ListFolders(ctx context.Context, account string, parentID *string) ([]*metadata.FolderRecord, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_folders", time.Since(start)) }()

	var rows *sql.Rows
	var err error
	if parentID == nil {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+folderColumns+` FROM folders
			 WHERE account = $1 AND parent_id IS NULL ORDER BY name`, account)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+folderColumns+` FROM folders
			 WHERE account = $1 AND parent_id = $2 ORDER BY name`, account, *parentID)
	}
	if err != nil {
		return nil, fmt.Errorf("query folders: %w", err)
	}
	defer rows.Close()

	var folders []*metadata.FolderRecord
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan folder: %w", err)
		}
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

// RenameFolder updates a folder's name and path, cascading the path prefix
// to every descendant in the same transaction.
func (s *Store) RenameFolder(ctx context.Context, id, newName string) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("rename_folder", time.Since(start)) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var account, oldPath string
	var parent sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT account, path, parent_id FROM folders WHERE id = $1 FOR UPDATE`,
		id).Scan(&account, &oldPath, &parent)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("folder %s: %w", id, metadata.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("query folder: %w", err)
	}

	newPath := newName
	if idx := strings.LastIndex(oldPath, "/"); idx >= 0 {
		newPath = oldPath[:idx+1] + newName
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE folders SET name = $2, path = $3 WHERE id = $1`,
		id, newName, newPath)
	if err != nil {
		return fmt.Errorf("rename folder: %w", err)
	}

	// Rewrite the prefix of every descendant path. Plain prefix comparison,
	// not LIKE: folder names may contain `_` and `%`.
	_, err = tx.ExecContext(ctx,
		`UPDATE folders
		 SET path = $1 || substring(path from length($2) + 1)
		 WHERE account = $3 AND left(path, length($2) + 1) = $2 || '/'`,
		newPath, oldPath, account)
	if err != nil {
		return fmt.Errorf("cascade paths: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	logging.Debug("renamed folder",
		zap.String("id", id),
		zap.String("old_path", oldPath),
		zap.String("new_path", newPath))
	return nil
}

// DeleteFolder removes an empty folder. Folders with direct files or
// subfolders are rejected with metadata.ErrFolderNotEmpty.
func (s *Store) DeleteFolder(ctx context.Context, id string) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("delete_folder", time.Since(start)) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var hasChildren bool
	err = tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM folders WHERE parent_id = $1)
		     OR EXISTS(SELECT 1 FROM files WHERE folder_id = $1)`,
		id).Scan(&hasChildren)
	if err != nil {
		return fmt.Errorf("check children: %w", err)
	}
	if hasChildren {
		return fmt.Errorf("folder %s: %w", id, metadata.ErrFolderNotEmpty)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM folders WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete folder: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("folder %s: %w", id, metadata.ErrNotFound)
	}

	return tx.Commit()
}

// Breadcrumb walks parent references from a folder to the root and returns
// the chain root first. An empty or unknown id yields an empty chain.
func (s *Store) Breadcrumb(ctx context.Context, folderID string) ([]metadata.Crumb, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("breadcrumb", time.Since(start)) }()

	var crumbs []metadata.Crumb
	id := folderID
	for id != "" {
		var crumb metadata.Crumb
		var parent sql.NullString
		err := s.db.QueryRowContext(ctx,
			`SELECT id, name, parent_id FROM folders WHERE id = $1`,
			id).Scan(&crumb.ID, &crumb.Name, &parent)
		if errors.Is(err, sql.ErrNoRows) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("query crumb: %w", err)
		}
		crumbs = append([]metadata.Crumb{crumb}, crumbs...)
		if !parent.Valid {
			break
		}
		id = parent.String
	}
	return crumbs, nil
}
