// Package optimizer derives compressed representations of stored images: an
// AVIF rendition, a JPEG thumbnail, and a tiny base64 blur placeholder.
//
// The AVIF encode shells out to ffmpeg (libaom-av1), the same external-binary
// approach used for video transcoding elsewhere in the platform; thumbnail and
// blur are produced in-process with golang.org/x/image scaling. Derivatives
// are uploaded to S3 next to the original under the item's base path.
package optimizer

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// Options bounds the derived representations.
type Options struct {
	MaxWidth         int
	MaxHeight        int
	AvifQuality      int // CRF-style, 0-63, lower is better
	ThumbnailQuality int // JPEG quality 1-100
	ThumbnailSize    int // longest edge of the thumbnail
}

// DefaultOptions matches the platform's standard preview settings.
var DefaultOptions = Options{
	MaxWidth:         1920,
	MaxHeight:        1920,
	AvifQuality:      32,
	ThumbnailQuality: 78,
	ThumbnailSize:    512,
}

// Result carries the URLs of the derived representations.
type Result struct {
	AvifURL      string
	ThumbnailURL string
	BlurDataURL  string
}

// blurWidth is the width of the blur placeholder. 16px keeps the base64
// payload small enough to inline into list responses.
const blurWidth = 16

// maxDownloadBytes caps the source image download (32 MB).
const maxDownloadBytes = 32 << 20

// CheckFFmpegAvailable reports whether ffmpeg is on PATH. Call at startup to
// surface a missing binary before the first completion request needs it.
func CheckFFmpegAvailable() error {
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		return fmt.Errorf("ffmpeg not found in PATH: AVIF derivation unavailable")
	}
	log.Debug().Str("path", path).Msg("ffmpeg found")
	return nil
}

// S3Optimizer implements image optimization against an S3-compatible bucket.
type S3Optimizer struct {
	httpClient *http.Client
	s3Client   *s3.Client
	bucket     string
	// publicBaseURL is the CDN or bucket host derived URLs are served from,
	// without a trailing slash.
	publicBaseURL string
}

// NewS3Optimizer creates an optimizer uploading derivatives to bucket and
// returning URLs under publicBaseURL.
func NewS3Optimizer(s3Client *s3.Client, bucket, publicBaseURL string) *S3Optimizer {
	return &S3Optimizer{
		httpClient:    &http.Client{Timeout: 60 * time.Second},
		s3Client:      s3Client,
		bucket:        bucket,
		publicBaseURL: publicBaseURL,
	}
}

// OptimizeImage downloads the source image, derives the AVIF, thumbnail, and
// blur placeholder, uploads the first two to S3 under basePath, and returns
// their URLs. filename is the extension-less base name for the derived keys.
func (o *S3Optimizer) OptimizeImage(ctx context.Context, url, basePath, filename string, opts Options) (*Result, error) {
	if opts == (Options{}) {
		opts = DefaultOptions
	}
	start := time.Now()

	src, err := o.download(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("download source %s: %w", url, err)
	}

	img, format, err := image.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("decode source %s: %w", url, err)
	}

	avifData, err := encodeAvif(ctx, src, img.Bounds(), opts)
	if err != nil {
		return nil, fmt.Errorf("encode avif: %w", err)
	}

	thumb := scaleToFit(img, opts.ThumbnailSize, opts.ThumbnailSize)
	var thumbBuf bytes.Buffer
	if err := jpeg.Encode(&thumbBuf, thumb, &jpeg.Options{Quality: opts.ThumbnailQuality}); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}

	blurDataURL, err := encodeBlurDataURL(img)
	if err != nil {
		return nil, fmt.Errorf("encode blur placeholder: %w", err)
	}

	avifKey := basePath + "/" + filename + ".avif"
	thumbKey := basePath + "/" + filename + "_thumb.jpg"
	if err := o.upload(ctx, avifKey, avifData, "image/avif"); err != nil {
		return nil, err
	}
	if err := o.upload(ctx, thumbKey, thumbBuf.Bytes(), "image/jpeg"); err != nil {
		return nil, err
	}

	log.Debug().
		Str("url", url).
		Str("format", format).
		Str("avifKey", avifKey).
		Str("thumbKey", thumbKey).
		Int("avifBytes", len(avifData)).
		Int("thumbBytes", thumbBuf.Len()).
		Dur("duration", time.Since(start)).
		Msg("Image optimized")

	return &Result{
		AvifURL:      o.publicBaseURL + "/" + avifKey,
		ThumbnailURL: o.publicBaseURL + "/" + thumbKey,
		BlurDataURL:  blurDataURL,
	}, nil
}

func (o *S3Optimizer) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes))
}

func (o *S3Optimizer) upload(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := o.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &o.bucket,
		Key:         &key,
		Body:        bytes.NewReader(data),
		ContentType: &contentType,
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

// encodeAvif converts the source image to AVIF via ffmpeg. The source bytes
// go through a temp file because ffmpeg needs seekable input for some
// container formats.
func encodeAvif(ctx context.Context, src []byte, bounds image.Rectangle, opts Options) ([]byte, error) {
	in, err := os.CreateTemp("", "opt-in-*")
	if err != nil {
		return nil, err
	}
	defer os.Remove(in.Name())
	if _, err := in.Write(src); err != nil {
		in.Close()
		return nil, err
	}
	in.Close()

	out, err := os.CreateTemp("", "opt-out-*.avif")
	if err != nil {
		return nil, err
	}
	outPath := out.Name()
	out.Close()
	defer os.Remove(outPath)

	args := []string{"-y", "-i", in.Name(), "-c:v", "libaom-av1", "-still-picture", "1",
		"-crf", strconv.Itoa(opts.AvifQuality), "-b:v", "0"}
	if w, h := fitWithin(bounds.Dx(), bounds.Dy(), opts.MaxWidth, opts.MaxHeight); w != bounds.Dx() || h != bounds.Dy() {
		args = append(args, "-vf", fmt.Sprintf("scale=%d:%d", w, h))
	}
	args = append(args, outPath)

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w: %s", err, truncate(stderr.String(), 500))
	}

	return os.ReadFile(outPath)
}

// scaleToFit downscales img so neither edge exceeds the bounds, preserving
// aspect ratio. Images already within bounds are returned as-is, with no
// upscaling.
func scaleToFit(img image.Image, maxWidth, maxHeight int) image.Image {
	b := img.Bounds()
	w, h := fitWithin(b.Dx(), b.Dy(), maxWidth, maxHeight)
	if w == b.Dx() && h == b.Dy() {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

// fitWithin computes the largest dimensions within (maxW, maxH) that preserve
// the w:h aspect ratio, never exceeding the source size.
func fitWithin(w, h, maxW, maxH int) (int, int) {
	if maxW <= 0 || maxH <= 0 || (w <= maxW && h <= maxH) {
		return w, h
	}
	scaleW := float64(maxW) / float64(w)
	scaleH := float64(maxH) / float64(h)
	scale := scaleW
	if scaleH < scale {
		scale = scaleH
	}
	outW := int(float64(w) * scale)
	outH := int(float64(h) * scale)
	if outW < 1 {
		outW = 1
	}
	if outH < 1 {
		outH = 1
	}
	return outW, outH
}

// encodeBlurDataURL produces the inline blur placeholder: a 16px-wide JPEG as
// a base64 data URI.
func encodeBlurDataURL(img image.Image) (string, error) {
	b := img.Bounds()
	h := b.Dy() * blurWidth / b.Dx()
	if h < 1 {
		h = 1
	}
	tiny := image.NewRGBA(image.Rect(0, 0, blurWidth, h))
	draw.ApproxBiLinear.Scale(tiny, tiny.Bounds(), img, b, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, tiny, &jpeg.Options{Quality: 50}); err != nil {
		return "", err
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
