package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/joshu-sajeev/jobrunner/internal/dto"
	"github.com/joshu-sajeev/jobrunner/internal/job"
	"golang.org/x/image/draw"
)

const (
	JobThumbnail = "thumbnail"
	JobWebhook   = "webhook"

	defaultThumbnailSize = 200
	maxSourceBytes       = 32 << 20
	maxSourcePixels      = 40_000_000
)

// FileStore is where thumbnail sources are read and results written.
type FileStore interface {
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	Create(ctx context.Context, name string) (io.WriteCloser, error)
}

// DirStore is a FileStore rooted at a local directory.
type DirStore struct {
	Root string
}

func (s DirStore) Open(_ context.Context, name string) (io.ReadCloser, error) {
	p, err := s.path(name)
	if err != nil {
		return nil, err
	}
	return os.Open(p)
}

func (s DirStore) Create(_ context.Context, name string) (io.WriteCloser, error) {
	p, err := s.path(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, err
	}
	return os.Create(p)
}

func (s DirStore) path(name string) (string, error) {
	clean := filepath.Clean("/" + name)
	if clean == "/" {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	return filepath.Join(s.Root, strings.TrimPrefix(clean, "/")), nil
}

// RegisterDefaults registers the built-in thumbnail and webhook handlers.
func RegisterDefaults(reg *job.Registry, files FileStore, client *http.Client) error {
	if client == nil {
		client = http.DefaultClient
	}
	return errors.Join(
		reg.Register(JobThumbnail, job.Typed(ThumbnailHandler(files))),
		reg.Register(JobWebhook, job.Typed(WebhookHandler(client)), job.WithAttempts(3)),
	)
}

// ThumbnailHandler scales an image from files into a PNG thumbnail stored
// next to it. Missing or undecodable sources fail permanently.
func ThumbnailHandler(files FileStore) func(context.Context, dto.ThumbnailPayload, job.Runtime) (any, error) {
	return func(ctx context.Context, p dto.ThumbnailPayload, rt job.Runtime) (any, error) {
		src, err := readSource(ctx, files, p.FileID)
		if err != nil {
			return nil, err
		}
		rt.ReportProgress(10)

		mt := mimetype.Detect(src)
		if !strings.HasPrefix(mt.String(), "image/") {
			return nil, job.Permanent(fmt.Errorf("file %s is %s, not an image", p.FileID, mt.String()))
		}

		cfg, _, err := image.DecodeConfig(bytes.NewReader(src))
		if err != nil {
			return nil, job.Permanent(fmt.Errorf("decode %s: %w", p.FileID, err))
		}
		if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > maxSourcePixels {
			return nil, job.Permanent(fmt.Errorf("image %s is %dx%d, over the %d pixel limit", p.FileID, cfg.Width, cfg.Height, maxSourcePixels))
		}

		img, _, err := image.Decode(bytes.NewReader(src))
		if err != nil {
			return nil, job.Permanent(fmt.Errorf("decode %s: %w", p.FileID, err))
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rt.ReportProgress(40)

		w, h := thumbnailSize(img.Bounds(), p.Width, p.Height)
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)
		rt.ReportProgress(80)

		name := thumbnailName(p.FileID)
		out, err := files.Create(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", name, err)
		}
		if err := png.Encode(out, dst); err != nil {
			_ = out.Close()
			return nil, fmt.Errorf("encode %s: %w", name, err)
		}
		if err := out.Close(); err != nil {
			return nil, fmt.Errorf("write %s: %w", name, err)
		}
		rt.Logf("thumbnail %s written (%dx%d from %s)", name, w, h, mt.String())

		return map[string]any{
			"fileId":    p.FileID,
			"thumbnail": name,
			"width":     w,
			"height":    h,
			"source":    mt.String(),
		}, nil
	}
}

// WebhookHandler delivers the payload body to its URL. Server errors and
// transport failures are retried; client errors are not.
func WebhookHandler(client *http.Client) func(context.Context, dto.WebhookPayload, job.Runtime) (any, error) {
	return func(ctx context.Context, p dto.WebhookPayload, rt job.Runtime) (any, error) {
		timeout := time.Duration(p.Timeout) * time.Second
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		method := p.Method
		if method == "" {
			method = http.MethodPost
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, method, p.URL, bytes.NewReader(p.Body))
		if err != nil {
			return nil, job.Permanent(fmt.Errorf("build webhook request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Jobrunner-Job", rt.Job().ID)
		for k, v := range p.Headers {
			req.Header.Set(k, v)
		}

		rt.Logf("delivering %s %s", method, p.URL)
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("webhook %s: %w", p.URL, err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))

		switch {
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return nil, fmt.Errorf("webhook %s: status %d", p.URL, resp.StatusCode)
		case resp.StatusCode >= 400:
			return nil, job.Permanent(fmt.Errorf("webhook %s: status %d", p.URL, resp.StatusCode))
		}
		rt.ReportProgress(100)

		return map[string]any{
			"url":         p.URL,
			"method":      method,
			"statusCode":  resp.StatusCode,
			"response":    string(body),
			"deliveredAt": time.Now().UTC().Format(time.RFC3339),
		}, nil
	}
}

func readSource(ctx context.Context, files FileStore, fileID string) ([]byte, error) {
	f, err := files.Open(ctx, fileID)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, job.Permanent(fmt.Errorf("source %s not found", fileID))
		}
		return nil, fmt.Errorf("open %s: %w", fileID, err)
	}
	defer f.Close()

	src, err := io.ReadAll(io.LimitReader(f, maxSourceBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", fileID, err)
	}
	if len(src) > maxSourceBytes {
		return nil, job.Permanent(fmt.Errorf("source %s exceeds %d bytes", fileID, maxSourceBytes))
	}
	return src, nil
}

// thumbnailSize fits the source into w x h. A zero side follows the aspect
// ratio; both zero means a default bounding box.
func thumbnailSize(b image.Rectangle, w, h int) (int, int) {
	sw, sh := b.Dx(), b.Dy()
	if sw == 0 || sh == 0 {
		return 1, 1
	}
	switch {
	case w == 0 && h == 0:
		if sw >= sh {
			w = defaultThumbnailSize
		} else {
			h = defaultThumbnailSize
		}
		fallthrough
	case w == 0 || h == 0:
		if w == 0 {
			w = scaleSide(sw, sh, h)
		} else {
			h = scaleSide(sh, sw, w)
		}
	}
	return max(w, 1), max(h, 1)
}

// scaleSide scales a by other/b.
func scaleSide(a, b, other int) int {
	return int(float64(a) * float64(other) / float64(b))
}

func thumbnailName(fileID string) string {
	ext := filepath.Ext(fileID)
	return strings.TrimSuffix(fileID, ext) + ".thumb.png"
}
