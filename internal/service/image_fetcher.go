package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	_ "golang.org/x/image/bmp"  // register BMP decoder
	_ "golang.org/x/image/webp" // register WebP decoder
	"golang.org/x/time/rate"

	"github.com/dental-scribe-server/internal/domain"
)

// Image fetch errors
var (
	ErrUnsupportedImageURL = errors.New("unsupported image URL")
	ErrImageTooLarge       = errors.New("image exceeds size limit")
	ErrImageDimensions     = errors.New("image dimensions exceed pixel limit")
)

// ArtifactSource resolves the server's own artifact URLs without a network
// round trip.
type ArtifactSource interface {
	GetArtifact(ctx context.Context, submissionID string, kind domain.ArtifactKind) (*domain.Artifact, error)
}

// artifactPath matches /api/v1/submissions/{id}/{original|annotated|report}.
var artifactPath = regexp.MustCompile(`^/api/v1/submissions/([^/]+)/(original|annotated|report)$`)

// ArtifactPath returns the URL path under which a review artifact is served.
func ArtifactPath(submissionID string, kind domain.ArtifactKind) string {
	suffix := "original"
	switch kind {
	case domain.ArtifactAnnotatedImage:
		suffix = "annotated"
	case domain.ArtifactReport:
		suffix = "report"
	}
	return "/api/v1/submissions/" + submissionID + "/" + suffix
}

// ImageCacheStats represents image cache performance statistics
type ImageCacheStats struct {
	MemoryHits    int64     `json:"memory_hits"`
	MemoryMisses  int64     `json:"memory_misses"`
	RedisHits     int64     `json:"redis_hits"`
	RedisMisses   int64     `json:"redis_misses"`
	ExternalCalls int64     `json:"external_calls"`
	TotalRequests int64     `json:"total_requests"`
	ErrorCount    int64     `json:"error_count"`
	LastReset     time.Time `json:"last_reset"`
}

// FetcherOption customises an HTTPImageFetcher.
type FetcherOption func(*HTTPImageFetcher)

// WithArtifactSource serves the server's own artifact URLs from src.
func WithArtifactSource(src ArtifactSource) FetcherOption {
	return func(f *HTTPImageFetcher) { f.artifacts = src }
}

// WithPublicBaseURL marks absolute URLs under base as local artifact URLs.
func WithPublicBaseURL(base string) FetcherOption {
	return func(f *HTTPImageFetcher) { f.publicBase = strings.TrimRight(base, "/") }
}

// WithRedisCache enables the shared byte cache.
func WithRedisCache(client *redis.Client, ttl time.Duration) FetcherOption {
	return func(f *HTTPImageFetcher) {
		f.redis = client
		f.redisTTL = ttl
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(client *http.Client) FetcherOption {
	return func(f *HTTPImageFetcher) { f.httpClient = client }
}

// HTTPImageFetcher loads background images for annotation surfaces. Decoded
// images are kept in an in-process LRU (tier 1); remote bytes optionally go
// through Redis (tier 2) before reaching the origin, which is called through
// a rate limiter and a circuit breaker.
type HTTPImageFetcher struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker

	decoded  *lru.Cache[string, image.Image]
	redis    *redis.Client
	redisTTL time.Duration

	artifacts  ArtifactSource
	publicBase string
	maxBytes   int64
	maxPixels  int64
	allowFile  bool

	logger  *logrus.Logger
	stats   ImageCacheStats
	statsMu sync.RWMutex
}

// NewHTTPImageFetcher creates an image fetcher from config.
func NewHTTPImageFetcher(config domain.ImageConfig, logger *logrus.Logger, opts ...FetcherOption) (*HTTPImageFetcher, error) {
	if config.FetchTimeout == 0 {
		config.FetchTimeout = 15 * time.Second
	}
	if config.MaxBytes == 0 {
		config.MaxBytes = 20 << 20
	}
	if config.MaxPixels == 0 {
		config.MaxPixels = DefaultMaxImagePixels
	}
	if config.RateLimit == 0 {
		config.RateLimit = 10
	}
	if config.DecodedCacheSize == 0 {
		config.DecodedCacheSize = 64
	}
	if config.BreakerFailures == 0 {
		config.BreakerFailures = 5
	}
	if config.BreakerTimeout == 0 {
		config.BreakerTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	decoded, err := lru.New[string, image.Image](config.DecodedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create decoded image cache: %w", err)
	}

	failures := uint32(config.BreakerFailures)
	f := &HTTPImageFetcher{
		httpClient: &http.Client{Timeout: config.FetchTimeout},
		limiter:    rate.NewLimiter(rate.Limit(config.RateLimit), 1),
		decoded:    decoded,
		maxBytes:   config.MaxBytes,
		maxPixels:  config.MaxPixels,
		allowFile:  config.AllowFileURLs,
		logger:     logger,
		stats:      ImageCacheStats{LastReset: time.Now()},
	}
	f.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "image-origin",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"circuit_breaker": name,
				"from_state":      from.String(),
				"to_state":        to.String(),
			}).Warn("Circuit breaker state changed")
		},
	})

	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Fetch loads and decodes the image at rawURL. Supported forms are data:
// URLs, the server's own artifact paths, http(s) URLs and, when enabled,
// file:// URLs.
func (f *HTTPImageFetcher) Fetch(ctx context.Context, rawURL string) (image.Image, error) {
	f.incrementStat(func(s *ImageCacheStats) { s.TotalRequests++ })

	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		f.incrementStat(func(s *ImageCacheStats) { s.ErrorCount++ })
		return nil, fmt.Errorf("%w: empty URL", ErrUnsupportedImageURL)
	}

	key := cacheKey(rawURL)
	if img, ok := f.decoded.Get(key); ok {
		f.incrementStat(func(s *ImageCacheStats) { s.MemoryHits++ })
		return img, nil
	}
	f.incrementStat(func(s *ImageCacheStats) { s.MemoryMisses++ })

	data, err := f.load(ctx, rawURL, key)
	if err != nil {
		f.incrementStat(func(s *ImageCacheStats) { s.ErrorCount++ })
		return nil, err
	}

	img, format, err := DecodeImage(data, f.maxPixels)
	if err != nil {
		f.incrementStat(func(s *ImageCacheStats) { s.ErrorCount++ })
		return nil, err
	}
	f.decoded.Add(key, img)

	f.logger.WithFields(logrus.Fields{
		"format": format,
		"width":  img.Bounds().Dx(),
		"height": img.Bounds().Dy(),
		"bytes":  len(data),
	}).Debug("Decoded background image")
	return img, nil
}

// Invalidate drops rawURL from both cache tiers.
func (f *HTTPImageFetcher) Invalidate(ctx context.Context, rawURL string) error {
	key := cacheKey(strings.TrimSpace(rawURL))
	f.decoded.Remove(key)
	if f.redis != nil {
		if err := f.redis.Del(ctx, redisKey(key)).Err(); err != nil {
			return fmt.Errorf("failed to invalidate cached image: %w", err)
		}
	}
	return nil
}

// GetCacheStats returns cache performance statistics
func (f *HTTPImageFetcher) GetCacheStats() ImageCacheStats {
	f.statsMu.RLock()
	defer f.statsMu.RUnlock()
	return f.stats
}

// BreakerState reports the origin circuit breaker state.
func (f *HTTPImageFetcher) BreakerState() gobreaker.State {
	return f.breaker.State()
}

func (f *HTTPImageFetcher) load(ctx context.Context, rawURL, key string) ([]byte, error) {
	if strings.HasPrefix(rawURL, "data:") {
		return f.decodeDataURL(rawURL)
	}

	if id, kind, ok := f.localArtifact(rawURL); ok {
		if f.artifacts == nil {
			return nil, fmt.Errorf("%w: no artifact source for %s", ErrUnsupportedImageURL, rawURL)
		}
		artifact, err := f.artifacts.GetArtifact(ctx, id, kind)
		if err != nil {
			return nil, fmt.Errorf("failed to load artifact %s/%s: %w", id, kind, err)
		}
		return artifact.Data, nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedImageURL, err)
	}

	switch u.Scheme {
	case "file":
		if !f.allowFile {
			return nil, fmt.Errorf("%w: file URLs are disabled", ErrUnsupportedImageURL)
		}
		return f.readFile(u.Path)
	case "http", "https":
		return f.loadRemote(ctx, u.String(), key)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedImageURL, rawURL)
	}
}

func (f *HTTPImageFetcher) loadRemote(ctx context.Context, rawURL, key string) ([]byte, error) {
	if data := f.getFromRedis(ctx, key); data != nil {
		f.incrementStat(func(s *ImageCacheStats) { s.RedisHits++ })
		return data, nil
	}
	if f.redis != nil {
		f.incrementStat(func(s *ImageCacheStats) { s.RedisMisses++ })
	}

	f.incrementStat(func(s *ImageCacheStats) { s.ExternalCalls++ })
	result, err := f.breaker.Execute(func() (interface{}, error) {
		return f.download(ctx, rawURL)
	})
	if err != nil {
		return nil, fmt.Errorf("circuit breaker execution failed: %w", err)
	}
	data := result.([]byte)

	f.setInRedis(ctx, key, data)
	return data, nil
}

func (f *HTTPImageFetcher) download(ctx context.Context, rawURL string) ([]byte, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "image/*")

	start := time.Now()
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("image host returned status %d", resp.StatusCode)
	}

	data, err := readLimited(resp.Body, f.maxBytes)
	if err != nil {
		return nil, err
	}

	f.logger.WithFields(logrus.Fields{
		"url":      rawURL,
		"bytes":    len(data),
		"duration": time.Since(start),
	}).Debug("Fetched image from origin")
	return data, nil
}

func (f *HTTPImageFetcher) readFile(path string) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image file: %w", err)
	}
	defer file.Close()
	return readLimited(file, f.maxBytes)
}

func (f *HTTPImageFetcher) decodeDataURL(rawURL string) ([]byte, error) {
	data, _, err := DecodeDataURL(rawURL)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > f.maxBytes {
		return nil, ErrImageTooLarge
	}
	return data, nil
}

func (f *HTTPImageFetcher) localArtifact(rawURL string) (string, domain.ArtifactKind, bool) {
	path := rawURL
	if f.publicBase != "" && strings.HasPrefix(rawURL, f.publicBase+"/") {
		path = strings.TrimPrefix(rawURL, f.publicBase)
	} else if !strings.HasPrefix(rawURL, "/") {
		return "", "", false
	}

	m := artifactPath.FindStringSubmatch(path)
	if m == nil {
		return "", "", false
	}
	switch m[2] {
	case "annotated":
		return m[1], domain.ArtifactAnnotatedImage, true
	case "report":
		return m[1], domain.ArtifactReport, true
	default:
		return m[1], domain.ArtifactOriginalImage, true
	}
}

func (f *HTTPImageFetcher) getFromRedis(ctx context.Context, key string) []byte {
	if f.redis == nil {
		return nil
	}
	val, err := f.redis.Get(ctx, redisKey(key)).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		f.logger.WithError(err).Warn("Failed to read image from Redis cache")
		return nil
	}
	return val
}

func (f *HTTPImageFetcher) setInRedis(ctx context.Context, key string, data []byte) {
	if f.redis == nil {
		return
	}
	if err := f.redis.Set(ctx, redisKey(key), data, f.redisTTL).Err(); err != nil {
		f.logger.WithError(err).Warn("Failed to store image in Redis cache")
	}
}

func (f *HTTPImageFetcher) incrementStat(update func(*ImageCacheStats)) {
	f.statsMu.Lock()
	update(&f.stats)
	f.statsMu.Unlock()
}

// NewRedisClient connects to Redis using the cache configuration.
func NewRedisClient(config domain.CacheConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opts.PoolSize = config.PoolSize
	opts.PoolTimeout = config.PoolTimeout
	opts.MaxRetries = config.MaxRetries

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// DecodeDataURL returns the payload and media type of a data: URL.
func DecodeDataURL(rawURL string) ([]byte, string, error) {
	rest, ok := strings.CutPrefix(rawURL, "data:")
	if !ok {
		return nil, "", fmt.Errorf("%w: not a data URL", ErrUnsupportedImageURL)
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, "", fmt.Errorf("%w: malformed data URL", ErrUnsupportedImageURL)
	}

	mediaType := meta
	isBase64 := false
	if trimmed, found := strings.CutSuffix(meta, ";base64"); found {
		mediaType = trimmed
		isBase64 = true
	}
	if mediaType == "" {
		mediaType = "text/plain"
	}

	if !isBase64 {
		decoded, err := url.PathUnescape(payload)
		if err != nil {
			return nil, "", fmt.Errorf("failed to unescape data URL: %w", err)
		}
		return []byte(decoded), mediaType, nil
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode data URL: %w", err)
	}
	return data, mediaType, nil
}

// DefaultMaxImagePixels bounds width*height of decoded images when no limit
// is configured.
const DefaultMaxImagePixels = 40_000_000

// DecodeImageConfig reads only the image header and rejects images whose
// width*height exceeds maxPixels.
func DecodeImageConfig(data []byte, maxPixels int64) (image.Config, string, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return image.Config{}, "", fmt.Errorf("failed to decode image: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return image.Config{}, "", fmt.Errorf("failed to decode image: empty %dx%d canvas", cfg.Width, cfg.Height)
	}
	if maxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return image.Config{}, "", fmt.Errorf("%w: %dx%d is over %d pixels", ErrImageDimensions, cfg.Width, cfg.Height, maxPixels)
	}
	return cfg, format, nil
}

// DecodeImage decodes data after checking its dimensions with
// DecodeImageConfig, so oversized images are refused before allocation.
func DecodeImage(data []byte, maxPixels int64) (image.Image, string, error) {
	if _, _, err := DecodeImageConfig(data, maxPixels); err != nil {
		return nil, "", err
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}
	return img, format, nil
}

// EncodeDataURL builds a base64 data: URL.
func EncodeDataURL(mediaType string, data []byte) string {
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, ErrImageTooLarge
	}
	return data, nil
}

func cacheKey(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return hex.EncodeToString(sum[:])
}

func redisKey(key string) string {
	return "dental:image:" + key
}
