package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/dunamismax/pixelcrop/internal/storage"
	"github.com/vincent-petithory/dataurl"
)

// DefaultMaxSourceBytes bounds fetched source images.
const DefaultMaxSourceBytes = 25 << 20

type Fetcher interface {
	Fetch(ctx context.Context, sourceURL string) ([]byte, error)
}

type objectReader interface {
	ReadObjectURL(ctx context.Context, objectURL string) ([]byte, error)
}

// SourceFetcher resolves the URL schemes a crop UI hands over: inline data
// URLs, http(s) URLs, s3:// object URLs and, when enabled, file:// paths.
type SourceFetcher struct {
	HTTPClient *http.Client
	Objects    objectReader
	MaxBytes   int64
	AllowFiles bool
}

func NewSourceFetcher(objects objectReader, maxBytes int64) SourceFetcher {
	return SourceFetcher{
		HTTPClient: &http.Client{Timeout: 20 * time.Second},
		Objects:    objects,
		MaxBytes:   maxBytes,
	}
}

func (f SourceFetcher) Fetch(ctx context.Context, sourceURL string) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	sourceURL = strings.TrimSpace(sourceURL)
	scheme, _, ok := strings.Cut(sourceURL, ":")
	if !ok {
		return nil, fmt.Errorf("%w: missing scheme", ErrUnsupportedSource)
	}

	switch strings.ToLower(scheme) {
	case "data":
		return f.fetchDataURL(sourceURL)
	case "http", "https":
		return f.fetchHTTP(ctx, sourceURL)
	case "s3":
		return f.fetchObject(ctx, sourceURL)
	case "file":
		if !f.AllowFiles {
			return nil, fmt.Errorf("%w: file sources are disabled", ErrUnsupportedSource)
		}
		return f.fetchFile(sourceURL)
	default:
		return nil, fmt.Errorf("%w: scheme %q", ErrUnsupportedSource, scheme)
	}
}

func (f SourceFetcher) maxBytes() int64 {
	if f.MaxBytes <= 0 {
		return DefaultMaxSourceBytes
	}
	return f.MaxBytes
}

func (f SourceFetcher) fetchDataURL(raw string) ([]byte, error) {
	du, err := dataurl.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: data url: %v", ErrUnsupportedSource, err)
	}
	if du.MediaType.Type != "image" {
		return nil, fmt.Errorf("%w: media type %s", ErrUnsupportedSource, du.MediaType.ContentType())
	}
	if int64(len(du.Data)) > f.maxBytes() {
		return nil, fmt.Errorf("%w: data url exceeds %d bytes", ErrUnsupportedSource, f.maxBytes())
	}
	return du.Data, nil
}

func (f SourceFetcher) fetchHTTP(ctx context.Context, raw string) ([]byte, error) {
	client := f.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedSource, err)
	}
	req.Header.Set("Accept", "image/*")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", raw, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("fetch %s: upstream status=%d", raw, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %s returned status=%d", ErrUnsupportedSource, raw, resp.StatusCode)
	}

	limit := f.maxBytes()
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", raw, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrUnsupportedSource, raw, limit)
	}
	return data, nil
}

func (f SourceFetcher) fetchObject(ctx context.Context, raw string) ([]byte, error) {
	if f.Objects == nil {
		return nil, fmt.Errorf("%w: object storage is unavailable", ErrUnsupportedSource)
	}
	data, err := f.Objects.ReadObjectURL(ctx, raw)
	if errors.Is(err, storage.ErrObjectNotFound) || errors.Is(err, storage.ErrObjectTooLarge) {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedSource, err)
	}
	if err != nil {
		return nil, err
	}
	if limit := f.maxBytes(); int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrUnsupportedSource, raw, limit)
	}
	return data, nil
}

func (f SourceFetcher) fetchFile(raw string) ([]byte, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedSource, err)
	}
	data, err := os.ReadFile(u.Path)
	if err != nil {
		return nil, fmt.Errorf("read input file %s: %w", u.Path, err)
	}
	return data, nil
}
