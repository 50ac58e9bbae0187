package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/joshu-sajeev/jobrunner/internal/dto"
	"github.com/joshu-sajeev/jobrunner/internal/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRuntime struct {
	mu       sync.Mutex
	progress []int
	logs     []string
}

func (r *stubRuntime) Job() job.Job { return job.Job{ID: "job-1", Name: "test"} }

func (r *stubRuntime) ReportProgress(pct int) {
	r.mu.Lock()
	r.progress = append(r.progress, pct)
	r.mu.Unlock()
}

func (r *stubRuntime) Logf(format string, _ ...any) {
	r.mu.Lock()
	r.logs = append(r.logs, format)
	r.mu.Unlock()
}

func (r *stubRuntime) OnCancelled(func()) func() bool { return func() bool { return false } }

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := range w {
		for y := range h {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

// writeHugePNGHeader writes a tiny PNG whose header claims w x h pixels.
func writeHugePNGHeader(t *testing.T, path string, w, h uint32) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 1, 1))))
	b := buf.Bytes()

	// IHDR data sits after the 8-byte signature and the chunk length and type
	binary.BigEndian.PutUint32(b[16:20], w)
	binary.BigEndian.PutUint32(b[20:24], h)
	binary.BigEndian.PutUint32(b[29:33], crc32.ChecksumIEEE(b[12:29]))
	require.NoError(t, os.WriteFile(path, b, 0o644))
}

func TestThumbnailHandler(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "photo.png"), 400, 200)
	writeHugePNGHeader(t, filepath.Join(dir, "bomb.png"), 50_000, 50_000)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello there"), 0o644))

	store := DirStore{Root: dir}
	handler := ThumbnailHandler(store)

	tests := []struct {
		name          string
		payload       dto.ThumbnailPayload
		wantW, wantH  int
		wantErr       bool
		wantPermanent bool
		errContains   string
	}{
		{name: "default box keeps aspect", payload: dto.ThumbnailPayload{FileID: "photo.png"}, wantW: 200, wantH: 100},
		{name: "explicit width", payload: dto.ThumbnailPayload{FileID: "photo.png", Width: 100}, wantW: 100, wantH: 50},
		{name: "explicit box", payload: dto.ThumbnailPayload{FileID: "photo.png", Width: 64, Height: 64}, wantW: 64, wantH: 64},
		{name: "missing file", payload: dto.ThumbnailPayload{FileID: "nope.png"}, wantErr: true, wantPermanent: true},
		{name: "not an image", payload: dto.ThumbnailPayload{FileID: "notes.txt"}, wantErr: true, wantPermanent: true},
		{name: "oversized dimensions", payload: dto.ThumbnailPayload{FileID: "bomb.png"}, wantErr: true, wantPermanent: true, errContains: "pixel limit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := &stubRuntime{}
			res, err := handler(context.Background(), tt.payload, rt)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.wantPermanent, job.IsPermanent(err))
				if tt.errContains != "" {
					assert.Contains(t, err.Error(), tt.errContains)
				}
				return
			}
			require.NoError(t, err)

			out := res.(map[string]any)
			assert.Equal(t, "photo.thumb.png", out["thumbnail"])
			assert.Equal(t, tt.wantW, out["width"])
			assert.Equal(t, tt.wantH, out["height"])
			assert.Equal(t, "image/png", out["source"])
			assert.Equal(t, []int{10, 40, 80}, rt.progress)

			f, err := os.Open(filepath.Join(dir, "photo.thumb.png"))
			require.NoError(t, err)
			defer f.Close()
			cfg, err := png.DecodeConfig(f)
			require.NoError(t, err)
			assert.Equal(t, tt.wantW, cfg.Width)
			assert.Equal(t, tt.wantH, cfg.Height)
		})
	}
}

func TestDirStore_StaysInsideRoot(t *testing.T) {
	dir := t.TempDir()
	store := DirStore{Root: dir}

	w, err := store.Create(context.Background(), "../../escape.txt")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = os.Stat(filepath.Join(dir, "escape.txt"))
	assert.NoError(t, err)

	_, err = store.Open(context.Background(), "")
	assert.Error(t, err)
}

func TestWebhookHandler(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantErr       bool
		wantPermanent bool
	}{
		{name: "delivered", status: http.StatusOK},
		{name: "server error retries", status: http.StatusBadGateway, wantErr: true},
		{name: "rate limited retries", status: http.StatusTooManyRequests, wantErr: true},
		{name: "client error is permanent", status: http.StatusNotFound, wantErr: true, wantPermanent: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotBody, gotJob, gotHeader string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				b, _ := io.ReadAll(r.Body)
				gotBody = string(b)
				gotJob = r.Header.Get("X-Jobrunner-Job")
				gotHeader = r.Header.Get("X-Custom")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("ack"))
			}))
			defer srv.Close()

			payload := dto.WebhookPayload{
				URL:     srv.URL,
				Method:  http.MethodPost,
				Headers: map[string]string{"X-Custom": "yes"},
				Body:    []byte(`{"event":"done"}`),
				Timeout: 5,
			}

			res, err := WebhookHandler(srv.Client())(context.Background(), payload, &stubRuntime{})
			assert.Equal(t, `{"event":"done"}`, gotBody)
			assert.Equal(t, "job-1", gotJob)
			assert.Equal(t, "yes", gotHeader)

			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.wantPermanent, job.IsPermanent(err))
				return
			}
			require.NoError(t, err)
			out := res.(map[string]any)
			assert.Equal(t, http.StatusOK, out["statusCode"])
			assert.Equal(t, "ack", out["response"])
		})
	}
}

func TestWebhookHandler_DefaultsToPost(t *testing.T) {
	var method string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	res, err := WebhookHandler(srv.Client())(context.Background(), dto.WebhookPayload{URL: srv.URL}, &stubRuntime{})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, http.MethodPost, res.(map[string]any)["method"])
}

func TestRegisterDefaults(t *testing.T) {
	reg := job.NewRegistry()
	require.NoError(t, RegisterDefaults(reg, DirStore{Root: t.TempDir()}, nil))

	assert.Equal(t, []string{JobThumbnail, JobWebhook}, reg.Names())

	webhook, err := reg.Resolve(JobWebhook)
	require.NoError(t, err)
	assert.Equal(t, 3, webhook.Attempts)

	thumb, err := reg.Resolve(JobThumbnail)
	require.NoError(t, err)
	assert.Equal(t, 1, thumb.Attempts)

	assert.ErrorIs(t, RegisterDefaults(reg, DirStore{}, nil), job.ErrDuplicateHandler)
}
