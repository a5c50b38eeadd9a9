package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/kiesman99/tilecrop/pkg/tile"
)

const (
	DefaultUserAgent = "tilecrop/1.0.0"
	DefaultTimeout   = 30 * time.Second
	DefaultRetries   = 2
)

// MapboxURL builds the @2x raster tile template for a Mapbox style
func MapboxURL(styleID, accessToken string) string {
	return fmt.Sprintf("https://api.mapbox.com/styles/v1/%s/tiles/{z}/{x}/{y}@2x?access_token=%s&tilesize=512", styleID, accessToken)
}

// ValidateTemplate checks that a URL template addresses tiles
func ValidateTemplate(template string) error {
	if template == "" {
		return errors.New("tile URL template is empty")
	}
	if !strings.Contains(template, "{z}") ||
		!strings.Contains(template, "{x}") ||
		!strings.Contains(template, "{y}") {
		return errors.Errorf("tile URL template %q must contain {z}, {x}, and {y} placeholders", template)
	}
	return nil
}

// BuildURL replaces URL template tokens
func BuildURL(template string, t tile.Index) string {
	url := template
	url = strings.ReplaceAll(url, "{z}", strconv.Itoa(t.Z))
	url = strings.ReplaceAll(url, "{x}", strconv.Itoa(t.X))
	url = strings.ReplaceAll(url, "{y}", strconv.Itoa(t.Y))
	// Handle {s} for subdomains
	if strings.Contains(url, "{s}") {
		subdomain := string(rune('a' + (t.X+t.Y)%3))
		url = strings.ReplaceAll(url, "{s}", subdomain)
	}
	return url
}

// StatusError is a non-200 tile server response
type StatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Status)
}

// Temporary reports whether a retry could succeed
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// HTTPOptions configures an HTTPFetcher
type HTTPOptions struct {
	UserAgent string
	Headers   map[string]string
	Timeout   time.Duration
	Retries   int
	Backoff   time.Duration
	Client    *http.Client
}

// HTTPFetcher downloads tiles from a URL template
type HTTPFetcher struct {
	template  string
	client    *http.Client
	userAgent string
	headers   map[string]string
	retries   int
	backoff   time.Duration
}

// NewHTTPFetcher creates a fetcher for the given template
func NewHTTPFetcher(template string, opts HTTPOptions) (*HTTPFetcher, error) {
	if err := ValidateTemplate(template); err != nil {
		return nil, err
	}

	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	return &HTTPFetcher{
		template:  template,
		client:    client,
		userAgent: userAgent,
		headers:   opts.Headers,
		retries:   max(opts.Retries, 0),
		backoff:   backoff,
	}, nil
}

// URL returns the tile address for t
func (f *HTTPFetcher) URL(t tile.Index) string {
	return BuildURL(f.template, t)
}

// Fetch downloads a tile, retrying transport errors and temporary statuses
func (f *HTTPFetcher) Fetch(ctx context.Context, t tile.Index) ([]byte, error) {
	url := f.URL(t)

	var lastErr error
	for attempt := 0; attempt <= f.retries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, f.backoff*time.Duration(1<<uint(attempt-1))); err != nil {
				return nil, err
			}
		}

		data, err := f.download(ctx, url)
		if err == nil {
			return data, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var statusErr *StatusError
		if errors.As(err, &statusErr) && !statusErr.Temporary() {
			break
		}
	}

	return nil, lastErr
}

// sleep waits for d or until ctx is done
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// download performs a single GET
func (f *HTTPFetcher) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build tile request")
	}

	req.Header.Set("User-Agent", f.userAgent)
	for key, value := range f.headers {
		req.Header.Set(key, value)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode, Status: resp.Status}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read tile body")
	}
	return data, nil
}
