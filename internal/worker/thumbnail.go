package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"content-platform/internal/config"
	"content-platform/internal/models"
)

// ObjectWriter stores a rendered thumbnail and returns where it landed.
type ObjectWriter interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// ThumbnailHandler runs media.thumbnail jobs.
type ThumbnailHandler struct {
	media  config.Media
	client *http.Client
	dirs   ObjectWriter
	bucket ObjectWriter
}

type thumbnailPayload struct {
	SourceURL   string `json:"source_url"`
	OutputKey   string `json:"output_key"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Grayscale   bool   `json:"grayscale"`
	Destination string `json:"destination"`
}

// NewThumbnailHandler wires the local writer and, when a bucket is
// configured, the S3 writer. A nil client gets the SSRF-guarded one.
func NewThumbnailHandler(ctx context.Context, media config.Media, client *http.Client) (*ThumbnailHandler, error) {
	if client == nil {
		client = NewSafeClient(0)
	}
	if media.OutputDir == "" {
		media.OutputDir = "./output"
	}
	h := &ThumbnailHandler{
		media:  media,
		client: client,
		dirs:   dirWriter{root: media.OutputDir},
	}
	if media.S3Bucket != "" {
		c, err := newS3Client(ctx, media)
		if err != nil {
			return nil, err
		}
		h.bucket = &bucketWriter{client: c, bucket: media.S3Bucket}
	}
	return h, nil
}

func newS3Client(ctx context.Context, media config.Media) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(media.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if media.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(media.S3Endpoint)
		}
		o.UsePathStyle = media.S3PathStyle
	}), nil
}

func (h *ThumbnailHandler) Handle(ctx context.Context, job models.Job) error {
	p := thumbnailPayload{}
	if err := decodePayload(job, &p); err != nil {
		return err
	}
	if p.SourceURL == "" {
		return Permanent(errors.New("source_url is required"))
	}
	if p.Width == 0 && p.Height == 0 {
		p.Width, p.Height = h.media.DefaultWidth, h.media.DefaultHeight
		if p.Width == 0 && p.Height == 0 {
			p.Width = 320
		}
	}
	out, err := h.writerFor(p.Destination)
	if err != nil {
		return Permanent(err)
	}

	data, contentType, err := fetch(ctx, h.client, p.SourceURL, h.media.MaxBytes)
	if err != nil {
		return err
	}
	img, decoded, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Permanent(fmt.Errorf("decode image: %w", err))
	}

	if p.Grayscale {
		img = imaging.Grayscale(img)
	}
	img = imaging.Fit(img, nonZero(p.Width, img.Bounds().Dx()), nonZero(p.Height, img.Bounds().Dy()), imaging.Lanczos)

	format := outputFormat(p.OutputKey, decoded, contentType)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, format, imaging.JPEGQuality(85)); err != nil {
		return fmt.Errorf("encode thumbnail: %w", err)
	}

	key := p.OutputKey
	if key == "" {
		// keyed by job id so a redelivery overwrites the same object
		key = "thumbnails/" + job.ID + extensionFor(format)
	}
	key, err = cleanKey(key)
	if err != nil {
		return Permanent(err)
	}
	if _, err := out.Put(ctx, key, buf.Bytes(), mimeFor(format)); err != nil {
		return fmt.Errorf("store thumbnail: %w", err)
	}
	return nil
}

func (h *ThumbnailHandler) writerFor(destination string) (ObjectWriter, error) {
	switch strings.ToLower(destination) {
	case "s3":
		if h.bucket == nil {
			return nil, errors.New("destination s3 requested but MEDIA_S3_BUCKET is not configured")
		}
		return h.bucket, nil
	case "local":
		return h.dirs, nil
	case "":
		if h.bucket != nil {
			return h.bucket, nil
		}
		return h.dirs, nil
	}
	return nil, fmt.Errorf("unknown destination %q", destination)
}

// nonZero keeps one side of the box unbounded when only the other is given.
func nonZero(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func outputFormat(key, decoded, contentType string) imaging.Format {
	if f, err := imaging.FormatFromFilename(key); err == nil && key != "" {
		return f
	}
	if f, err := imaging.FormatFromExtension(decoded); err == nil {
		return f
	}
	if strings.Contains(strings.ToLower(contentType), "png") {
		return imaging.PNG
	}
	return imaging.JPEG
}

func extensionFor(f imaging.Format) string {
	switch f {
	case imaging.PNG:
		return ".png"
	case imaging.GIF:
		return ".gif"
	case imaging.TIFF:
		return ".tiff"
	case imaging.BMP:
		return ".bmp"
	}
	return ".jpg"
}

func mimeFor(f imaging.Format) string {
	switch f {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	case imaging.TIFF:
		return "image/tiff"
	case imaging.BMP:
		return "image/bmp"
	}
	return "image/jpeg"
}

// cleanKey rejects keys that would escape the output root.
func cleanKey(key string) (string, error) {
	k := path.Clean("/" + strings.ReplaceAll(key, "\\", "/"))
	k = strings.TrimPrefix(k, "/")
	if k == "" || k == "." {
		return "", fmt.Errorf("invalid output key %q", key)
	}
	return k, nil
}

type dirWriter struct {
	root string
}

func (d dirWriter) Put(_ context.Context, key string, body []byte, _ string) (string, error) {
	dst := filepath.Join(d.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(dst, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return dst, nil
}

type bucketWriter struct {
	client *s3.Client
	bucket string
}

func (b *bucketWriter) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return "s3://" + b.bucket + "/" + key, nil
}
