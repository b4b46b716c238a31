package optimizer

import (
	"image"
	"strings"
	"testing"
)

func TestFitWithin(t *testing.T) {
	tests := []struct {
		name         string
		w, h         int
		maxW, maxH   int
		wantW, wantH int
	}{
		{"already fits", 800, 600, 1920, 1920, 800, 600},
		{"landscape downscale", 3840, 2160, 1920, 1920, 1920, 1080},
		{"portrait downscale", 2160, 3840, 1920, 1920, 1080, 1920},
		{"square downscale", 4096, 4096, 512, 512, 512, 512},
		{"exact fit", 1920, 1920, 1920, 1920, 1920, 1920},
		{"zero max means no scaling", 4000, 3000, 0, 0, 4000, 3000},
		{"extreme aspect never hits zero", 10000, 10, 16, 16, 16, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotW, gotH := fitWithin(tt.w, tt.h, tt.maxW, tt.maxH)
			if gotW != tt.wantW || gotH != tt.wantH {
				t.Errorf("fitWithin(%d, %d, %d, %d) = (%d, %d), want (%d, %d)",
					tt.w, tt.h, tt.maxW, tt.maxH, gotW, gotH, tt.wantW, tt.wantH)
			}
		})
	}
}

func TestScaleToFitNoUpscale(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 100, 80))
	out := scaleToFit(src, 512, 512)
	if out != image.Image(src) {
		t.Error("images within bounds must be returned unscaled")
	}
}

func TestScaleToFitDownscale(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 1024, 512))
	out := scaleToFit(src, 256, 256)
	b := out.Bounds()
	if b.Dx() != 256 || b.Dy() != 128 {
		t.Errorf("scaled bounds = %dx%d, want 256x128", b.Dx(), b.Dy())
	}
}

func TestEncodeBlurDataURL(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 640, 480))
	for y := 0; y < 480; y++ {
		for x := 0; x < 640; x++ {
			src.Set(x, y, image.White)
		}
	}

	dataURL, err := encodeBlurDataURL(src)
	if err != nil {
		t.Fatalf("encodeBlurDataURL: %v", err)
	}
	if !strings.HasPrefix(dataURL, "data:image/jpeg;base64,") {
		t.Errorf("blur placeholder should be a JPEG data URI, got prefix %q", dataURL[:30])
	}
	// Placeholder payload must stay small enough to inline in list responses.
	if len(dataURL) > 4096 {
		t.Errorf("blur placeholder is %d bytes, should be well under 4KB", len(dataURL))
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate short = %q", got)
	}
	if got := truncate("abcdefghij", 4); got != "abcd..." {
		t.Errorf("truncate = %q, want abcd...", got)
	}
}
