package b2

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rflyhigh/filemanager/internal/logging"
	"github.com/rflyhigh/filemanager/internal/metrics"
)

// listPageSize is the maximum objects requested per listing page.
const listPageSize = 1000

// UploadResult is the outcome of a successful object upload.
type UploadResult struct {
	ObjectID string
	SHA1     string
}

// Gateway performs object operations against B2 on behalf of an account,
// resolving tokens through the TokenCache. Every call invalidates the token
// and retries exactly once when the remote rejects it.
type Gateway struct {
	client *Client
	tokens *TokenCache
}

// NewGateway creates a gateway over a client and token cache.
func NewGateway(client *Client, tokens *TokenCache) *Gateway {
	return &Gateway{client: client, tokens: tokens}
}

// withAuthRetry runs fn with a valid AuthContext, refreshing the token and
// retrying once if the remote rejects it.
func (g *Gateway) withAuthRetry(ctx context.Context, account string, fn func(auth *AuthContext) error) error {
	auth, err := g.tokens.Get(ctx, account)
	if err != nil {
		return err
	}
	err = fn(auth)
	if !IsAuthRejected(err) {
		return err
	}

	logging.Debug("b2 token rejected, refreshing", zap.String("account", account))
	g.tokens.Invalidate(account)
	auth, err = g.tokens.Get(ctx, account)
	if err != nil {
		return err
	}
	return fn(auth)
}

// Upload requests a fresh single-use upload URL and submits data under key.
// The SHA1 checksum is computed here and sent with the transfer.
func (g *Gateway) Upload(ctx context.Context, account, key, contentType string, data []byte) (*UploadResult, error) {
	acct, err := g.tokens.Account(account)
	if err != nil {
		return nil, err
	}

	var target *UploadTarget
	start := time.Now()
	err = g.withAuthRetry(ctx, account, func(auth *AuthContext) error {
		var err error
		target, err = g.client.GetUploadURL(ctx, auth, acct.BucketID)
		return err
	})
	metrics.RecordB2Operation(OpUploadURL, time.Since(start), err == nil)
	if err != nil {
		return nil, err
	}

	sum := sha1.Sum(data)
	sha1Hex := hex.EncodeToString(sum[:])

	start = time.Now()
	objectID, err := g.client.UploadFile(ctx, account, target, key, contentType, sha1Hex, data)
	metrics.RecordB2Operation(OpUpload, time.Since(start), err == nil)
	if err != nil {
		return nil, err
	}

	logging.Debug("uploaded object",
		zap.String("account", account),
		zap.String("key", key),
		zap.Int("size", len(data)))
	return &UploadResult{ObjectID: objectID, SHA1: sha1Hex}, nil
}

// Delete removes one object version. A remote not-found is surfaced as a
// RemoteError for which IsNotFound reports true; callers tolerate it.
func (g *Gateway) Delete(ctx context.Context, account, objectID, key string) error {
	start := time.Now()
	err := g.withAuthRetry(ctx, account, func(auth *AuthContext) error {
		return g.client.DeleteFileVersion(ctx, auth, objectID, key)
	})
	metrics.RecordB2Operation(OpDelete, time.Since(start), err == nil)
	return err
}

// DeleteByKey resolves an object's current version by listing the exact key
// and deletes it. Used where only the key is known, such as thumbnail
// cleanup. A key with no remote object reports not-found.
func (g *Gateway) DeleteByKey(ctx context.Context, account, key string) error {
	acct, err := g.tokens.Account(account)
	if err != nil {
		return err
	}

	var objectID string
	start := time.Now()
	err = g.withAuthRetry(ctx, account, func(auth *AuthContext) error {
		page, _, err := g.client.ListFileNames(ctx, auth, acct.BucketID, key, key, 1)
		if err != nil {
			return err
		}
		if len(page) == 0 || page[0].FileName != key {
			return &RemoteError{
				Op:         OpListFiles,
				Account:    account,
				StatusCode: 404,
				Code:       "not_found",
				Message:    "no such key: " + key,
			}
		}
		objectID = page[0].FileID
		return nil
	})
	metrics.RecordB2Operation(OpListFiles, time.Since(start), err == nil)
	if err != nil {
		return err
	}
	return g.Delete(ctx, account, objectID, key)
}

// Copy duplicates an object under a new key, preserving metadata. The
// caller deletes the old key afterwards; B2 has no native rename.
func (g *Gateway) Copy(ctx context.Context, account, sourceObjectID, newKey string) (string, error) {
	acct, err := g.tokens.Account(account)
	if err != nil {
		return "", err
	}

	var newObjectID string
	start := time.Now()
	err = g.withAuthRetry(ctx, account, func(auth *AuthContext) error {
		var err error
		newObjectID, err = g.client.CopyFile(ctx, auth, sourceObjectID, newKey, acct.BucketID)
		return err
	})
	metrics.RecordB2Operation(OpCopy, time.Since(start), err == nil)
	if err != nil {
		return "", err
	}
	return newObjectID, nil
}

// DownloadURL issues a time-limited direct download URL for one key.
func (g *Gateway) DownloadURL(ctx context.Context, account, key string, ttl time.Duration) (string, error) {
	acct, err := g.tokens.Account(account)
	if err != nil {
		return "", err
	}

	var directURL string
	start := time.Now()
	err = g.withAuthRetry(ctx, account, func(auth *AuthContext) error {
		token, err := g.client.GetDownloadAuthorization(ctx, auth, acct.BucketID, key, ttl)
		if err != nil {
			return err
		}
		directURL = fmt.Sprintf("%s/file/%s/%s?Authorization=%s",
			auth.DownloadURL, acct.BucketName, escapeKey(key), url.QueryEscape(token))
		return nil
	})
	metrics.RecordB2Operation(OpDownloadAuth, time.Since(start), err == nil)
	if err != nil {
		return "", err
	}
	return directURL, nil
}

// ListAll fetches the complete bucket listing for an account, paging
// through the remote at listPageSize objects per call.
func (g *Gateway) ListAll(ctx context.Context, account string) ([]RemoteFile, error) {
	acct, err := g.tokens.Account(account)
	if err != nil {
		return nil, err
	}

	var all []RemoteFile
	startName := ""
	for {
		var page []RemoteFile
		var nextName string
		start := time.Now()
		err := g.withAuthRetry(ctx, account, func(auth *AuthContext) error {
			var err error
			page, nextName, err = g.client.ListFileNames(ctx, auth, acct.BucketID, "", startName, listPageSize)
			return err
		})
		metrics.RecordB2Operation(OpListFiles, time.Since(start), err == nil)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if nextName == "" {
			return all, nil
		}
		startName = nextName
	}
}

// escapeKey percent-encodes a storage key segment by segment, leaving the
// path separators intact.
func escapeKey(key string) string {
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}
