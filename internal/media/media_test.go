package media

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
)

func TestParseDuration(t *testing.T) {
	cases := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{"12.480000\n", 12.48, false},
		{"0.5", 0.5, false},
		{"  3600  ", 3600, false},
		{"N/A\n", 0, true},
		{"", 0, true},
		{"garbage", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseDuration(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseDuration(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseDuration(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseDuration(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func testImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 200, A: 255})
		}
	}
	return img
}

func TestThumbnailFitsWithinBounds(t *testing.T) {
	var src bytes.Buffer
	if err := jpeg.Encode(&src, testImage(1600, 900), nil); err != nil {
		t.Fatal(err)
	}

	out, err := Thumbnail(&src, 1)
	if err != nil {
		t.Fatalf("Thumbnail: %v", err)
	}

	thumb, err := jpeg.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode thumbnail: %v", err)
	}
	bounds := thumb.Bounds()
	if bounds.Dx() > ThumbMaxSize || bounds.Dy() > ThumbMaxSize {
		t.Errorf("thumbnail %dx%d exceeds %d", bounds.Dx(), bounds.Dy(), ThumbMaxSize)
	}
	// Aspect ratio survives the fit (16:9 -> 400x225)
	if bounds.Dx() != ThumbMaxSize {
		t.Errorf("width = %d, want %d", bounds.Dx(), ThumbMaxSize)
	}
}

func TestThumbnailAcceptsPNG(t *testing.T) {
	var src bytes.Buffer
	if err := png.Encode(&src, testImage(64, 64)); err != nil {
		t.Fatal(err)
	}
	if _, err := Thumbnail(&src, 1); err != nil {
		t.Fatalf("Thumbnail on PNG input: %v", err)
	}
}

func TestThumbnailRotatedOrientationSwapsAxes(t *testing.T) {
	var src bytes.Buffer
	if err := jpeg.Encode(&src, testImage(200, 100), nil); err != nil {
		t.Fatal(err)
	}

	// Orientation 6 is a 90° rotation; the output must be portrait.
	out, err := Thumbnail(&src, 6)
	if err != nil {
		t.Fatalf("Thumbnail: %v", err)
	}
	thumb, err := jpeg.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatal(err)
	}
	if b := thumb.Bounds(); b.Dx() >= b.Dy() {
		t.Errorf("expected portrait output after rotation, got %dx%d", b.Dx(), b.Dy())
	}
}

func TestThumbnailRejectsGarbage(t *testing.T) {
	if _, err := Thumbnail(bytes.NewReader([]byte("not an image")), 1); err == nil {
		t.Error("expected decode error")
	}
}

func TestOrientationDefaultsToIdentity(t *testing.T) {
	var src bytes.Buffer
	if err := jpeg.Encode(&src, testImage(10, 10), nil); err != nil {
		t.Fatal(err)
	}
	// Plain encoder output carries no EXIF block.
	if got := Orientation(src.Bytes()); got != 1 {
		t.Errorf("Orientation = %d, want 1", got)
	}
	if got := Orientation([]byte("junk")); got != 1 {
		t.Errorf("Orientation on junk = %d, want 1", got)
	}
}
