// Package metadata defines the local metadata records for files and
// virtual folders, independent of what the remote store tracks.
package metadata

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrFolderNotEmpty is returned when deleting a folder that still has
// direct files or subfolders.
var ErrFolderNotEmpty = errors.New("folder not empty")

// FileRecord is the local index entry for a stored object. Title is the
// user-editable display name, independent of the storage key.
type FileRecord struct {
	ID           string     `json:"id"`
	Account      string     `json:"account"`
	Title        string     `json:"title"`
	FileName     string     `json:"fileName"`
	StorageKey   string     `json:"storageKey"`
	ObjectID     string     `json:"objectId"`
	Size         int64      `json:"size"`
	ContentType  string     `json:"contentType"`
	URL          string     `json:"url"`
	ThumbnailURL *string    `json:"thumbnailUrl,omitempty"`
	FolderID     *string    `json:"folderId,omitempty"`
	Duration     *float64   `json:"duration,omitempty"`
	UploadedAt   time.Time  `json:"uploadedAt"`
}

// FolderRecord is a virtual folder. Path is the materialized full path:
// parent.path + "/" + name, or just name at the root.
type FolderRecord struct {
	ID        string    `json:"id"`
	Account   string    `json:"account"`
	Name      string    `json:"name"`
	ParentID  *string   `json:"parentId,omitempty"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"createdAt"`
}

// Crumb is one step of a folder breadcrumb, ordered root to leaf.
type Crumb struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
