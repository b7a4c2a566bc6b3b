package ingest

import (
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// SanitizeTitle reduces a display title to a storage-key-safe slug. Runs of
// disallowed characters collapse to a single underscore.
func SanitizeTitle(title string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	s := strings.Trim(b.String(), "_")
	if s == "" {
		s = "file"
	}
	return s
}

// StorageKey derives the remote key for a file upload. The timestamp suffix
// keeps keys unique across uploads that share a title.
func StorageKey(title, ext string, now time.Time) string {
	return "files/" + SanitizeTitle(title) + "_" + strconv.FormatInt(now.UnixMilli(), 10) + ext
}

// ThumbnailKey derives the remote key for a thumbnail belonging to the file
// uploaded at now.
func ThumbnailKey(title string, now time.Time) string {
	return "thumbnails/" + SanitizeTitle(title) + "_" + strconv.FormatInt(now.UnixMilli(), 10) + ".jpg"
}

// TitleFromFilename derives a display title from an original filename by
// stripping its extension.
func TitleFromFilename(name string) string {
	base := filepath.Base(name)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
