package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiesman99/tilecrop/internal/mosaic"
	"github.com/kiesman99/tilecrop/pkg/tile"
)

var testTile = tile.Index{X: 3709, Y: 6790, Z: 14}

func TestBuildURL(t *testing.T) {
	testCases := []struct {
		name     string
		template string
		want     string
	}{
		{"osm", "http://a.tile.openstreetmap.org/{z}/{x}/{y}.png", "http://a.tile.openstreetmap.org/14/3709/6790.png"},
		{"subdomain", "http://{s}.tile.example.com/{z}/{x}/{y}.png", "http://c.tile.example.com/14/3709/6790.png"},
		{
			"mapbox",
			MapboxURL("user/style", "pk.token"),
			"https://api.mapbox.com/styles/v1/user/style/tiles/14/3709/6790@2x?access_token=pk.token&tilesize=512",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, BuildURL(tc.template, testTile))
		})
	}
}

func TestValidateTemplate(t *testing.T) {
	assert.NoError(t, ValidateTemplate("https://example.com/{z}/{x}/{y}.png"))
	assert.Error(t, ValidateTemplate(""))
	assert.Error(t, ValidateTemplate("https://example.com/tile.png"))
	assert.Error(t, ValidateTemplate("https://example.com/{z}/{x}.png"))
}

func TestHTTPFetcher_Fetch(t *testing.T) {
	var gotPath, gotAgent, gotReferer string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAgent = r.Header.Get("User-Agent")
		gotReferer = r.Header.Get("Referer")
		w.Write([]byte("tile-bytes"))
	}))
	defer srv.Close()

	f, err := NewHTTPFetcher(srv.URL+"/{z}/{x}/{y}.png", HTTPOptions{
		UserAgent: "test-agent/1.0",
		Headers:   map[string]string{"Referer": "https://example.com"},
	})
	require.NoError(t, err)

	data, err := f.Fetch(context.Background(), testTile)
	require.NoError(t, err)

	assert.Equal(t, []byte("tile-bytes"), data)
	assert.Equal(t, "/14/3709/6790.png", gotPath)
	assert.Equal(t, "test-agent/1.0", gotAgent)
	assert.Equal(t, "https://example.com", gotReferer)
}

func TestHTTPFetcher_NotFoundIsNotRetried(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f, err := NewHTTPFetcher(srv.URL+"/{z}/{x}/{y}.png", HTTPOptions{Retries: 3, Backoff: time.Millisecond})
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), testTile)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr), "got %v", err)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	assert.Equal(t, int64(1), calls.Load())
}

func TestHTTPFetcher_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f, err := NewHTTPFetcher(srv.URL+"/{z}/{x}/{y}.png", HTTPOptions{Retries: 2, Backoff: time.Millisecond})
	require.NoError(t, err)

	data, err := f.Fetch(context.Background(), testTile)
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), data)
	assert.Equal(t, int64(3), calls.Load())
}

func TestHTTPFetcher_RetriesExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f, err := NewHTTPFetcher(srv.URL+"/{z}/{x}/{y}.png", HTTPOptions{Retries: 1, Backoff: time.Millisecond})
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), testTile)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr), "got %v", err)
	assert.True(t, statusErr.Temporary())
}

func TestHTTPFetcher_BackoffStopsOnCancel(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f, err := NewHTTPFetcher(srv.URL+"/{z}/{x}/{y}.png", HTTPOptions{Retries: 3, Backoff: time.Hour})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = f.Fetch(ctx, testTile)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, int64(1), calls.Load())
}

func TestSleep(t *testing.T) {
	assert.NoError(t, sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleep(ctx, time.Hour), context.Canceled)
}

func TestNewHTTPFetcher_InvalidTemplate(t *testing.T) {
	_, err := NewHTTPFetcher("https://example.com/tile.png", HTTPOptions{})
	assert.Error(t, err)
}

// countingFetcher returns fixed bytes and counts calls
type countingFetcher struct {
	calls atomic.Int64
	data  []byte
	err   error
	delay time.Duration
}

func (f *countingFetcher) Fetch(ctx context.Context, t tile.Index) ([]byte, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.data, f.err
}

var _ mosaic.Fetcher = (*countingFetcher)(nil)

func TestMemoryCache_Hit(t *testing.T) {
	next := &countingFetcher{data: []byte("tile")}
	c := NewMemoryCache(next, time.Minute, time.Minute)

	for i := 0; i < 3; i++ {
		data, err := c.Fetch(context.Background(), testTile)
		require.NoError(t, err)
		assert.Equal(t, []byte("tile"), data)
	}

	assert.Equal(t, int64(1), next.calls.Load())
	assert.Equal(t, 1, c.Store().Len())

	c.Store().Flush()
	_, err := c.Fetch(context.Background(), testTile)
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.calls.Load())
}

func TestMemoryCache_ErrorsAreNotCached(t *testing.T) {
	next := &countingFetcher{err: errors.New("boom")}
	c := NewMemoryCache(next, time.Minute, time.Minute)

	_, err := c.Fetch(context.Background(), testTile)
	assert.Error(t, err)
	_, err = c.Fetch(context.Background(), testTile)
	assert.Error(t, err)

	assert.Equal(t, int64(2), next.calls.Load())
	assert.Zero(t, c.Store().Len())
}

func TestMemoryCache_CollapsesConcurrentMisses(t *testing.T) {
	next := &countingFetcher{data: []byte("tile"), delay: 50 * time.Millisecond}
	c := NewMemoryCache(next, time.Minute, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Fetch(context.Background(), testTile)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), next.calls.Load())
}

// gatedFetcher blocks until release is closed and records its context state
type gatedFetcher struct {
	started chan struct{}
	release chan struct{}
	ctxErr  atomic.Value
}

func (f *gatedFetcher) Fetch(ctx context.Context, t tile.Index) ([]byte, error) {
	close(f.started)
	<-f.release
	if err := ctx.Err(); err != nil {
		f.ctxErr.Store(err)
		return nil, err
	}
	return []byte("tile"), nil
}

func TestStore_CancelledCallerDoesNotFailOthers(t *testing.T) {
	store := NewStore(time.Minute, time.Minute)
	next := &gatedFetcher{started: make(chan struct{}), release: make(chan struct{})}
	c := store.Wrap("tpl", next)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := c.Fetch(ctxA, testTile)
		errA <- err
	}()
	<-next.started

	type result struct {
		data []byte
		err  error
	}
	resB := make(chan result, 1)
	go func() {
		data, err := c.Fetch(context.Background(), testTile)
		resB <- result{data, err}
	}()

	cancelA()
	select {
	case err := <-errA:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(next.release)
	select {
	case res := <-resB:
		require.NoError(t, res.err)
		assert.Equal(t, []byte("tile"), res.data)
	case <-time.After(5 * time.Second):
		t.Fatal("waiting caller did not return")
	}

	assert.Nil(t, next.ctxErr.Load())
	assert.Equal(t, 1, store.Len())
}

func TestStore_NamespacesAreIsolated(t *testing.T) {
	store := NewStore(time.Minute, time.Minute)
	a := store.Wrap("a", &countingFetcher{data: []byte("from-a")})
	b := store.Wrap("b", &countingFetcher{data: []byte("from-b")})

	da, err := a.Fetch(context.Background(), testTile)
	require.NoError(t, err)
	db, err := b.Fetch(context.Background(), testTile)
	require.NoError(t, err)

	assert.Equal(t, []byte("from-a"), da)
	assert.Equal(t, []byte("from-b"), db)
	assert.Equal(t, 2, store.Len())
}

func TestDiskCache(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tiles")
	next := &countingFetcher{data: []byte("tile")}

	c, err := NewDiskCache(next, dir)
	require.NoError(t, err)

	data, err := c.Fetch(context.Background(), testTile)
	require.NoError(t, err)
	assert.Equal(t, []byte("tile"), data)

	path := c.Path(testTile)
	assert.Equal(t, filepath.Join(dir, "14_3709_6790.tile"), path)
	stored, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("tile"), stored)

	// A second cache over the same directory serves from disk.
	next2 := &countingFetcher{data: []byte("other")}
	c2, err := NewDiskCache(next2, dir)
	require.NoError(t, err)

	data, err = c2.Fetch(context.Background(), testTile)
	require.NoError(t, err)
	assert.Equal(t, []byte("tile"), data)
	assert.Zero(t, next2.calls.Load())
}

func TestDiskCache_FailureLeavesNoFile(t *testing.T) {
	dir := t.TempDir()
	c, err := NewDiskCache(&countingFetcher{err: errors.New("offline")}, dir)
	require.NoError(t, err)

	_, err = c.Fetch(context.Background(), testTile)
	assert.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
