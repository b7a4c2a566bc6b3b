package listing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rflyhigh/filemanager/internal/b2"
)

type fakeFetcher struct {
	calls int
	files []b2.RemoteFile
	err   error
}

func (f *fakeFetcher) ListAll(ctx context.Context, account string) ([]b2.RemoteFile, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]b2.RemoteFile, len(f.files))
	copy(out, f.files)
	return out, nil
}

func TestFilesCachesUntilInvalidated(t *testing.T) {
	fetcher := &fakeFetcher{files: []b2.RemoteFile{
		{FileName: "files/a.txt", Size: 10, UploadTimestamp: 1},
	}}
	cache := New(fetcher, time.Minute)

	for i := 0; i < 3; i++ {
		if _, err := cache.Files(context.Background(), "account1"); err != nil {
			t.Fatalf("Files: %v", err)
		}
	}
	if fetcher.calls != 1 {
		t.Errorf("expected 1 fetch for repeated reads, got %d", fetcher.calls)
	}

	cache.Invalidate("account1")
	if _, err := cache.Files(context.Background(), "account1"); err != nil {
		t.Fatalf("Files after invalidation: %v", err)
	}
	if fetcher.calls != 2 {
		t.Errorf("expected refetch after invalidation, got %d fetches", fetcher.calls)
	}
}

func TestFilesTTLExpiry(t *testing.T) {
	fetcher := &fakeFetcher{}
	cache := New(fetcher, 30*time.Millisecond)

	if _, err := cache.Files(context.Background(), "account1"); err != nil {
		t.Fatalf("Files: %v", err)
	}
	time.Sleep(80 * time.Millisecond)
	if _, err := cache.Files(context.Background(), "account1"); err != nil {
		t.Fatalf("Files after TTL: %v", err)
	}
	if fetcher.calls != 2 {
		t.Errorf("expected refetch after TTL expiry, got %d fetches", fetcher.calls)
	}
}

func TestFilesSortedNewestFirst(t *testing.T) {
	fetcher := &fakeFetcher{files: []b2.RemoteFile{
		{FileName: "files/old.txt", UploadTimestamp: 100},
		{FileName: "files/b.txt", UploadTimestamp: 300},
		{FileName: "files/a.txt", UploadTimestamp: 300},
		{FileName: "files/mid.txt", UploadTimestamp: 200},
	}}
	cache := New(fetcher, time.Minute)

	files, err := cache.Files(context.Background(), "account1")
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	want := []string{"files/a.txt", "files/b.txt", "files/mid.txt", "files/old.txt"}
	for i, name := range want {
		if files[i].FileName != name {
			t.Errorf("position %d: got %q, want %q", i, files[i].FileName, name)
		}
	}
}

func TestUsageDerivedFromListing(t *testing.T) {
	fetcher := &fakeFetcher{files: []b2.RemoteFile{
		{FileName: "files/a", Size: 100, UploadTimestamp: 1},
		{FileName: "files/b", Size: 250, UploadTimestamp: 2},
	}}
	cache := New(fetcher, time.Minute)

	usage, err := cache.Usage(context.Background(), "account1")
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if usage.FileCount != 2 || usage.TotalBytes != 350 {
		t.Errorf("usage = %+v", usage)
	}

	// Second read hits the usage cache, no extra fetch.
	if _, err := cache.Usage(context.Background(), "account1"); err != nil {
		t.Fatal(err)
	}
	if fetcher.calls != 1 {
		t.Errorf("expected 1 fetch, got %d", fetcher.calls)
	}
}

func TestAccountsCachedIndependently(t *testing.T) {
	fetcher := &fakeFetcher{}
	cache := New(fetcher, time.Minute)

	cache.Files(context.Background(), "account1")
	cache.Files(context.Background(), "account2")
	cache.Invalidate("account1")
	cache.Files(context.Background(), "account2")

	if fetcher.calls != 2 {
		t.Errorf("invalidating one account must not evict the other: %d fetches", fetcher.calls)
	}
}

func TestFetchErrorNotCached(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("remote down")}
	cache := New(fetcher, time.Minute)

	if _, err := cache.Files(context.Background(), "account1"); err == nil {
		t.Fatal("expected error")
	}
	fetcher.err = nil
	if _, err := cache.Files(context.Background(), "account1"); err != nil {
		t.Fatalf("expected recovery after upstream error: %v", err)
	}
	if fetcher.calls != 2 {
		t.Errorf("expected 2 fetches, got %d", fetcher.calls)
	}
}
