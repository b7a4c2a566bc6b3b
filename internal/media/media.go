// Package media derives duration and thumbnails from uploaded content.
// Video probing shells out to ffprobe/ffmpeg; failures are reported to the
// caller, which treats enrichment as best-effort.
package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"
)

const (
	// ThumbMaxSize bounds thumbnail width and height.
	ThumbMaxSize = 400
	// ThumbQuality is the JPEG quality for encoded thumbnails.
	ThumbQuality = 80
)

// Tools locates the external probing binaries.
type Tools struct {
	FFmpegPath  string
	FFprobePath string
}

// ProbeDuration returns the media duration in seconds for a staged file.
func (t Tools) ProbeDuration(ctx context.Context, path string) (float64, error) {
	out, err := exec.CommandContext(ctx, t.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path).Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	return ParseDuration(string(out))
}

// ParseDuration parses ffprobe's duration output (seconds as a decimal).
func ParseDuration(out string) (float64, error) {
	s := strings.TrimSpace(out)
	if s == "" || s == "N/A" {
		return 0, fmt.Errorf("no duration in probe output")
	}
	d, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", s, err)
	}
	return d, nil
}

// ExtractFrame grabs a single frame from a staged video file at the given
// offset and returns it as JPEG bytes.
func (t Tools) ExtractFrame(ctx context.Context, path string, offsetSeconds float64) ([]byte, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, t.FFmpegPath,
		"-ss", strconv.FormatFloat(offsetSeconds, 'f', 2, 64),
		"-i", path,
		"-frames:v", "1",
		"-f", "image2",
		"-c:v", "mjpeg",
		"pipe:1")
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg frame %s: %w", path, err)
	}
	if out.Len() == 0 {
		return nil, fmt.Errorf("ffmpeg produced no frame for %s", path)
	}
	return out.Bytes(), nil
}

// Thumbnail decodes an image, applies the EXIF orientation, fits it within
// ThumbMaxSize and returns JPEG bytes.
func Thumbnail(r io.Reader, orientation int) ([]byte, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	img = applyOrientation(img, orientation)
	thumb := imaging.Fit(img, ThumbMaxSize, ThumbMaxSize, imaging.Lanczos)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: ThumbQuality}); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

// Orientation reads the EXIF orientation tag from image bytes. Missing or
// unreadable EXIF yields the identity orientation.
func Orientation(data []byte) int {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	o, err := tag.Int(0)
	if err != nil || o < 1 || o > 8 {
		return 1
	}
	return o
}

// applyOrientation transforms an image according to EXIF orientation value.
func applyOrientation(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	default:
		return img
	}
}
