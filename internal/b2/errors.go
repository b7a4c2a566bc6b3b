package b2

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrUnknownAccount is returned when an operation names an account that is
// not present in the configuration or is an unconfigured placeholder.
var ErrUnknownAccount = errors.New("unknown account")

// Remote operation identifiers used in RemoteError.Op.
const (
	OpAuthorize    = "authorize_account"
	OpListFiles    = "list_file_names"
	OpUploadURL    = "get_upload_url"
	OpUpload       = "upload_file"
	OpDelete       = "delete_file_version"
	OpCopy         = "copy_file"
	OpDownloadAuth = "get_download_authorization"
)

// RemoteError is a failed call against the B2 API. StatusCode is zero for
// transport-level failures.
type RemoteError struct {
	Op         string
	Account    string
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *RemoteError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("b2 %s (%s): %d %s: %s", e.Op, e.Account, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("b2 %s (%s): %v", e.Op, e.Account, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// AuthRejected reports whether the remote rejected our authorization token.
// Callers invalidate the cached token and retry the call once.
func (e *RemoteError) AuthRejected() bool {
	return e.StatusCode == http.StatusUnauthorized
}

// NotFound reports whether the remote object was already gone. Deletion of
// an already-deleted object is tolerated by callers.
func (e *RemoteError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound ||
		e.Code == "file_not_present" || e.Code == "not_found"
}

// IsAuthRejected reports whether err is a RemoteError with a rejected token.
func IsAuthRejected(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.AuthRejected()
}

// IsNotFound reports whether err is a RemoteError for a missing object.
func IsNotFound(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.NotFound()
}
