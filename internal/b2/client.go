// Package b2 implements the Backblaze B2 remote object gateway: the raw
// API client, the per-account token cache, and the gateway that callers use.
package b2

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// DefaultAPIBase is the endpoint for b2_authorize_account. All other calls
// go to the apiUrl returned by authorization.
const DefaultAPIBase = "https://api.backblazeb2.com"

const apiVersion = "/b2api/v2"

// AuthContext is a per-account token bundle returned by authorization.
// Instances are immutable; the token cache replaces them on refresh.
type AuthContext struct {
	Account     string
	APIURL      string
	DownloadURL string
	Token       string
	IssuedAt    time.Time
}

// RemoteFile is one entry from a bucket listing.
type RemoteFile struct {
	FileName        string `json:"fileName"`
	FileID          string `json:"fileId"`
	Size            int64  `json:"contentLength"`
	ContentType     string `json:"contentType"`
	UploadTimestamp int64  `json:"uploadTimestamp"`
}

// Client is the raw B2 API client. It carries no per-account state; every
// call takes the AuthContext to use.
type Client struct {
	apiBase    string
	httpClient *http.Client
}

// NewClient creates a B2 API client. An empty apiBase selects the public
// endpoint; tests point it at a local server.
func NewClient(apiBase string) *Client {
	if apiBase == "" {
		apiBase = DefaultAPIBase
	}
	return &Client{
		apiBase: apiBase,
		httpClient: &http.Client{
			Timeout: 10 * time.Minute,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

// apiError is the JSON error body B2 returns on non-2xx responses.
type apiError struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Authorize exchanges account credentials for an AuthContext.
func (c *Client) Authorize(ctx context.Context, account, keyID, appKey string) (*AuthContext, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.apiBase+apiVersion+"/b2_authorize_account", nil)
	if err != nil {
		return nil, &RemoteError{Op: OpAuthorize, Account: account, Err: err}
	}
	req.SetBasicAuth(keyID, appKey)

	var result struct {
		APIURL      string `json:"apiUrl"`
		DownloadURL string `json:"downloadUrl"`
		Token       string `json:"authorizationToken"`
	}
	if err := c.do(req, OpAuthorize, account, &result); err != nil {
		return nil, err
	}
	return &AuthContext{
		Account:     account,
		APIURL:      result.APIURL,
		DownloadURL: result.DownloadURL,
		Token:       result.Token,
		IssuedAt:    time.Now(),
	}, nil
}

// ListFileNames returns one page of a bucket listing starting at startName.
// nextName is empty on the last page.
func (c *Client) ListFileNames(ctx context.Context, auth *AuthContext, bucketID, prefix, startName string, maxCount int) (files []RemoteFile, nextName string, err error) {
	body := map[string]any{
		"bucketId":     bucketID,
		"maxFileCount": maxCount,
	}
	if prefix != "" {
		body["prefix"] = prefix
	}
	if startName != "" {
		body["startFileName"] = startName
	}

	var result struct {
		Files        []RemoteFile `json:"files"`
		NextFileName *string      `json:"nextFileName"`
	}
	if err := c.post(ctx, auth, OpListFiles, "/b2_list_file_names", body, &result); err != nil {
		return nil, "", err
	}
	if result.NextFileName != nil {
		nextName = *result.NextFileName
	}
	return result.Files, nextName, nil
}

// UploadTarget is a single-use upload URL with its own token.
type UploadTarget struct {
	UploadURL string `json:"uploadUrl"`
	Token     string `json:"authorizationToken"`
}

// GetUploadURL requests a fresh single-use upload URL for a bucket.
func (c *Client) GetUploadURL(ctx context.Context, auth *AuthContext, bucketID string) (*UploadTarget, error) {
	var target UploadTarget
	err := c.post(ctx, auth, OpUploadURL, "/b2_get_upload_url",
		map[string]any{"bucketId": bucketID}, &target)
	if err != nil {
		return nil, err
	}
	return &target, nil
}

// UploadFile submits data to a previously issued upload target. The SHA1
// must be the lowercase hex digest of data.
func (c *Client) UploadFile(ctx context.Context, account string, target *UploadTarget, fileName, contentType, sha1Hex string, data []byte) (fileID string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.UploadURL, bytes.NewReader(data))
	if err != nil {
		return "", &RemoteError{Op: OpUpload, Account: account, Err: err}
	}
	req.Header.Set("Authorization", target.Token)
	req.Header.Set("X-Bz-File-Name", url.PathEscape(fileName))
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Bz-Content-Sha1", sha1Hex)
	req.ContentLength = int64(len(data))

	var result struct {
		FileID string `json:"fileId"`
	}
	if err := c.do(req, OpUpload, account, &result); err != nil {
		return "", err
	}
	return result.FileID, nil
}

// DeleteFileVersion deletes one object version by id and name.
func (c *Client) DeleteFileVersion(ctx context.Context, auth *AuthContext, fileID, fileName string) error {
	return c.post(ctx, auth, OpDelete, "/b2_delete_file_version",
		map[string]any{"fileId": fileID, "fileName": fileName}, &struct{}{})
}

// CopyFile copies an object under a new name, preserving metadata.
func (c *Client) CopyFile(ctx context.Context, auth *AuthContext, sourceFileID, newFileName, destBucketID string) (fileID string, err error) {
	body := map[string]any{
		"sourceFileId": sourceFileID,
		"fileName":     newFileName,
	}
	if destBucketID != "" {
		body["destinationBucketId"] = destBucketID
	}

	var result struct {
		FileID string `json:"fileId"`
	}
	if err := c.post(ctx, auth, OpCopy, "/b2_copy_file", body, &result); err != nil {
		return "", err
	}
	return result.FileID, nil
}

// GetDownloadAuthorization issues a scoped download token for a key prefix.
func (c *Client) GetDownloadAuthorization(ctx context.Context, auth *AuthContext, bucketID, fileNamePrefix string, ttl time.Duration) (token string, err error) {
	var result struct {
		Token string `json:"authorizationToken"`
	}
	err = c.post(ctx, auth, OpDownloadAuth, "/b2_get_download_authorization", map[string]any{
		"bucketId":               bucketID,
		"fileNamePrefix":         fileNamePrefix,
		"validDurationInSeconds": int(ttl.Seconds()),
	}, &result)
	if err != nil {
		return "", err
	}
	return result.Token, nil
}

// post sends an authorized JSON call to apiUrl and decodes the response.
func (c *Client) post(ctx context.Context, auth *AuthContext, op, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &RemoteError{Op: op, Account: auth.Account, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		auth.APIURL+apiVersion+path, bytes.NewReader(payload))
	if err != nil {
		return &RemoteError{Op: op, Account: auth.Account, Err: err}
	}
	req.Header.Set("Authorization", auth.Token)
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, op, auth.Account, out)
}

// do executes a request and decodes either the success body or the B2 error
// shape into a RemoteError.
func (c *Client) do(req *http.Request, op, account string, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &RemoteError{Op: op, Account: account, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var apiErr apiError
		_ = json.Unmarshal(data, &apiErr)
		if apiErr.Message == "" {
			apiErr.Message = string(data)
		}
		return &RemoteError{
			Op:         op,
			Account:    account,
			StatusCode: resp.StatusCode,
			Code:       apiErr.Code,
			Message:    apiErr.Message,
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &RemoteError{Op: op, Account: account, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
