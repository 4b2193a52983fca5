package service

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dental-scribe-server/internal/domain"
)

func pngBytes(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// pngHeader returns just the signature and IHDR chunk of an RGBA PNG. It is
// enough for image.DecodeConfig and costs nothing to build at any size.
func pngHeader(w, h uint32) []byte {
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:4], w)
	binary.BigEndian.PutUint32(ihdr[4:8], h)
	ihdr[8], ihdr[9] = 8, 6

	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	binary.Write(&buf, binary.BigEndian, uint32(len(ihdr)))
	chunk := append([]byte("IHDR"), ihdr...)
	buf.Write(chunk)
	binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk))
	return buf.Bytes()
}

type memArtifacts map[string]*domain.Artifact

func (m memArtifacts) GetArtifact(_ context.Context, id string, kind domain.ArtifactKind) (*domain.Artifact, error) {
	a, ok := m[id+"/"+string(kind)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return a, nil
}

func newTestFetcher(t *testing.T, cfg domain.ImageConfig, opts ...FetcherOption) *HTTPImageFetcher {
	t.Helper()
	f, err := NewHTTPImageFetcher(cfg, nil, opts...)
	require.NoError(t, err)
	return f
}

func TestHTTPImageFetcher_HTTP(t *testing.T) {
	body := pngBytes(t, 4, 3, color.RGBA{R: 255, A: 255})
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "image/png")
		w.Write(body)
	}))
	defer srv.Close()

	f := newTestFetcher(t, domain.ImageConfig{RateLimit: 100})

	img, err := f.Fetch(context.Background(), srv.URL+"/teeth.png")
	require.NoError(t, err)
	assert.Equal(t, 4, img.Bounds().Dx())
	assert.Equal(t, 3, img.Bounds().Dy())

	// Second fetch is served from the decoded cache.
	_, err = f.Fetch(context.Background(), srv.URL+"/teeth.png")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	stats := f.GetCacheStats()
	assert.Equal(t, int64(2), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.MemoryHits)
	assert.Equal(t, int64(1), stats.ExternalCalls)
	assert.Equal(t, int64(0), stats.ErrorCount)

	require.NoError(t, f.Invalidate(context.Background(), srv.URL+"/teeth.png"))
	_, err = f.Fetch(context.Background(), srv.URL+"/teeth.png")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestHTTPImageFetcher_HTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			http.NotFound(w, r)
		case "/garbage":
			w.Write([]byte("not an image"))
		default:
			w.Write(bytes.Repeat([]byte{0}, 2048))
		}
	}))
	defer srv.Close()

	f := newTestFetcher(t, domain.ImageConfig{RateLimit: 100, MaxBytes: 1024, BreakerFailures: 100})

	_, err := f.Fetch(context.Background(), srv.URL+"/missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")

	_, err = f.Fetch(context.Background(), srv.URL+"/garbage")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode")

	_, err = f.Fetch(context.Background(), srv.URL+"/huge")
	assert.ErrorIs(t, err, ErrImageTooLarge)

	assert.Equal(t, int64(3), f.GetCacheStats().ErrorCount)
}

func TestHTTPImageFetcher_BreakerOpens(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := newTestFetcher(t, domain.ImageConfig{RateLimit: 100, BreakerFailures: 2, BreakerTimeout: time.Minute})

	for i := 0; i < 2; i++ {
		_, err := f.Fetch(context.Background(), srv.URL+"/down.png")
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, f.BreakerState())

	_, err := f.Fetch(context.Background(), srv.URL+"/down.png")
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestHTTPImageFetcher_DataURL(t *testing.T) {
	f := newTestFetcher(t, domain.ImageConfig{})

	raw := EncodeDataURL("image/png", pngBytes(t, 2, 2, color.White))
	img, err := f.Fetch(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 2, 2), img.Bounds())

	_, err = f.Fetch(context.Background(), "data:image/png;base64,!!!")
	assert.Error(t, err)
}

func TestDecodeImage_PixelLimit(t *testing.T) {
	cfg, format, err := DecodeImageConfig(pngHeader(12000, 12000), 0)
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, 12000, cfg.Width)

	_, _, err = DecodeImage(pngHeader(12000, 12000), DefaultMaxImagePixels)
	assert.ErrorIs(t, err, ErrImageDimensions)

	_, _, err = DecodeImage(pngHeader(1<<31-1, 1<<31-1), DefaultMaxImagePixels)
	assert.Error(t, err)

	img, _, err := DecodeImage(pngBytes(t, 10, 10, color.White), 100)
	require.NoError(t, err)
	assert.Equal(t, 10, img.Bounds().Dx())

	_, _, err = DecodeImage(pngBytes(t, 10, 11, color.White), 100)
	assert.ErrorIs(t, err, ErrImageDimensions)
}

func TestHTTPImageFetcher_RejectsOversizedCanvas(t *testing.T) {
	f := newTestFetcher(t, domain.ImageConfig{})

	_, err := f.Fetch(context.Background(), EncodeDataURL("image/png", pngHeader(12000, 12000)))
	assert.ErrorIs(t, err, ErrImageDimensions)
	assert.Equal(t, int64(1), f.GetCacheStats().ErrorCount)

	small := newTestFetcher(t, domain.ImageConfig{MaxPixels: 16})
	_, err = small.Fetch(context.Background(), EncodeDataURL("image/png", pngBytes(t, 5, 5, color.Black)))
	assert.ErrorIs(t, err, ErrImageDimensions)
}

func TestHTTPImageFetcher_FileURL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.png")
	require.NoError(t, os.WriteFile(path, pngBytes(t, 5, 5, color.Black), 0o600))

	disabled := newTestFetcher(t, domain.ImageConfig{})
	_, err := disabled.Fetch(context.Background(), "file://"+path)
	assert.ErrorIs(t, err, ErrUnsupportedImageURL)

	enabled := newTestFetcher(t, domain.ImageConfig{AllowFileURLs: true})
	img, err := enabled.Fetch(context.Background(), "file://"+path)
	require.NoError(t, err)
	assert.Equal(t, 5, img.Bounds().Dx())
}

func TestHTTPImageFetcher_LocalArtifacts(t *testing.T) {
	artifacts := memArtifacts{
		"sub-1/annotated_image": {
			SubmissionID: "sub-1",
			Kind:         domain.ArtifactAnnotatedImage,
			Data:         pngBytes(t, 8, 6, color.White),
		},
	}
	f := newTestFetcher(t, domain.ImageConfig{},
		WithArtifactSource(artifacts),
		WithPublicBaseURL("https://scribe.example.com/"),
	)

	img, err := f.Fetch(context.Background(), ArtifactPath("sub-1", domain.ArtifactAnnotatedImage))
	require.NoError(t, err)
	assert.Equal(t, 8, img.Bounds().Dx())

	img, err = f.Fetch(context.Background(), "https://scribe.example.com/api/v1/submissions/sub-1/annotated")
	require.NoError(t, err)
	assert.Equal(t, 6, img.Bounds().Dy())

	_, err = f.Fetch(context.Background(), ArtifactPath("sub-2", domain.ArtifactOriginalImage))
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestHTTPImageFetcher_Unsupported(t *testing.T) {
	f := newTestFetcher(t, domain.ImageConfig{})

	for _, raw := range []string{"", "ftp://host/a.png", "relative/path.png"} {
		_, err := f.Fetch(context.Background(), raw)
		assert.ErrorIs(t, err, ErrUnsupportedImageURL, raw)
	}
}

func TestHTTPImageFetcher_Redis(t *testing.T) {
	redisURL := os.Getenv("TEST_REDIS_URL")
	if redisURL == "" {
		t.Skip("TEST_REDIS_URL not set, skipping Redis tests")
	}

	client, err := NewRedisClient(domain.CacheConfig{RedisURL: redisURL, PoolSize: 2, PoolTimeout: time.Second})
	require.NoError(t, err)
	defer client.Close()

	body := pngBytes(t, 3, 3, color.White)
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write(body)
	}))
	defer srv.Close()

	target := srv.URL + "/redis.png"
	first := newTestFetcher(t, domain.ImageConfig{RateLimit: 100}, WithRedisCache(client, time.Minute))
	defer first.Invalidate(context.Background(), target)

	_, err = first.Fetch(context.Background(), target)
	require.NoError(t, err)

	// A fresh fetcher has an empty memory tier but shares Redis.
	second := newTestFetcher(t, domain.ImageConfig{RateLimit: 100}, WithRedisCache(client, time.Minute))
	_, err = second.Fetch(context.Background(), target)
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, int64(1), second.GetCacheStats().RedisHits)
}

func TestDecodeDataURL(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantData  string
		wantMedia string
		wantErr   bool
	}{
		{name: "base64", raw: "data:text/plain;base64,aGVsbG8=", wantData: "hello", wantMedia: "text/plain"},
		{name: "percent encoded", raw: "data:,a%20b", wantData: "a b", wantMedia: "text/plain"},
		{name: "missing comma", raw: "data:image/png;base64", wantErr: true},
		{name: "not data", raw: "http://x", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, media, err := DecodeDataURL(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantData, string(data))
			assert.Equal(t, tt.wantMedia, media)
		})
	}
}
