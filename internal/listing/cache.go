// Package listing memoizes per-account bucket listings and usage stats.
package listing

import (
	"context"
	"sort"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/rflyhigh/filemanager/internal/b2"
	"github.com/rflyhigh/filemanager/internal/logging"
	"github.com/rflyhigh/filemanager/internal/metrics"
)

// DefaultTTL is how long a cached listing stays valid.
const DefaultTTL = 5 * time.Minute

// maxAccounts bounds the cache; there are only a handful of accounts.
const maxAccounts = 16

// UsageStats summarizes what a bucket holds.
type UsageStats struct {
	FileCount  int   `json:"fileCount"`
	TotalBytes int64 `json:"totalBytes"`
}

// Fetcher provides the remote bucket listing. *b2.Gateway implements it.
type Fetcher interface {
	ListAll(ctx context.Context, account string) ([]b2.RemoteFile, error)
}

// Cache memoizes listings and usage per account with a TTL. Mutating
// operations call Invalidate before returning their response, so the next
// reader refetches; mutations never repopulate entries themselves.
type Cache struct {
	fetcher Fetcher
	files   *expirable.LRU[string, []b2.RemoteFile]
	usage   *expirable.LRU[string, UsageStats]
}

// New creates a listing cache. A zero ttl selects DefaultTTL.
func New(fetcher Fetcher, ttl time.Duration) *Cache {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		fetcher: fetcher,
		files:   expirable.NewLRU[string, []b2.RemoteFile](maxAccounts, nil, ttl),
		usage:   expirable.NewLRU[string, UsageStats](maxAccounts, nil, ttl),
	}
}

// Files returns the bucket listing for an account, newest first. A valid
// cached entry is returned without a remote call.
func (c *Cache) Files(ctx context.Context, account string) ([]b2.RemoteFile, error) {
	if cached, ok := c.files.Get(account); ok {
		metrics.RecordListingCache("files", true)
		return cached, nil
	}
	metrics.RecordListingCache("files", false)

	files, err := c.fetcher.ListAll(ctx, account)
	if err != nil {
		return nil, err
	}
	sortListing(files)
	c.files.Add(account, files)

	logging.Debug("refreshed listing",
		zap.String("account", account),
		zap.Int("files", len(files)))
	return files, nil
}

// Usage returns usage stats for an account, computed from the listing.
func (c *Cache) Usage(ctx context.Context, account string) (UsageStats, error) {
	if cached, ok := c.usage.Get(account); ok {
		metrics.RecordListingCache("usage", true)
		return cached, nil
	}
	metrics.RecordListingCache("usage", false)

	files, err := c.Files(ctx, account)
	if err != nil {
		return UsageStats{}, err
	}

	stats := UsageStats{FileCount: len(files)}
	for _, f := range files {
		stats.TotalBytes += f.Size
	}
	c.usage.Add(account, stats)
	return stats, nil
}

// Invalidate drops both cache entries for an account. Mutating operations
// call this synchronously before returning.
func (c *Cache) Invalidate(account string) {
	c.files.Remove(account)
	c.usage.Remove(account)
	logging.Debug("invalidated listing cache", zap.String("account", account))
}

// sortListing orders files newest first, ties broken by key ascending so
// listings are deterministic.
func sortListing(files []b2.RemoteFile) {
	sort.Slice(files, func(i, j int) bool {
		if files[i].UploadTimestamp != files[j].UploadTimestamp {
			return files[i].UploadTimestamp > files[j].UploadTimestamp
		}
		return files[i].FileName < files[j].FileName
	})
}
