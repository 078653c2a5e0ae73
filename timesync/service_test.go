package timesync_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ticketmaster/secure-entry-go/timesync"
)

// timeServer serves {"serverTime": now+offset} and counts requests.
type timeServer struct {
	*httptest.Server
	requests atomic.Int32
	queries  chan string
}

func newTimeServer(t *testing.T, offset time.Duration, handler http.HandlerFunc) *timeServer {
	t.Helper()
	ts := &timeServer{queries: make(chan string, 16)}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.requests.Add(1)
		select {
		case ts.queries <- r.URL.Query().Get("cb"):
		default:
		}
		if handler != nil {
			handler(w, r)
			return
		}
		writeServerTime(w, time.Now().Add(offset))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func writeServerTime(w http.ResponseWriter, at time.Time) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"serverTime": at.UTC().Format(time.RFC3339Nano)})
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func int64Ptr(v int64) *int64 {
	return &v
}

func newService(endpoint string, opts ...timesync.Option) *timesync.Service {
	base := []timesync.Option{
		timesync.WithEndpoint(endpoint),
		timesync.WithStorage(timesync.NewMemoryStore()),
		timesync.WithRetryInterval(10 * time.Millisecond),
	}
	return timesync.NewService(append(base, opts...)...)
}

func TestDeltaProvided(t *testing.T) {
	server := newTimeServer(t, time.Hour, nil)
	svc := newService(server.URL)
	ctx := context.Background()

	var got int64
	svc.SyncTime(ctx, int64Ptr(10000), func(delta int64) { got = delta })
	assert.Equal(t, int64(10000), got)

	svc.SyncTime(ctx, nil, func(delta int64) { got = delta })
	assert.Equal(t, int64(10000), got, "cached provided delta is reused")
	assert.Equal(t, int64(10000), svc.CachedDelta(ctx))
	assert.Equal(t, int32(0), server.requests.Load(), "no network call")
}

func TestDeltaFromServer(t *testing.T) {
	server := newTimeServer(t, 10*time.Second, nil)
	store := timesync.NewMemoryStore()
	svc := newService(server.URL, timesync.WithStorage(store))
	ctx := context.Background()

	assert.Equal(t, int64(0), svc.CachedDelta(ctx), "cache starts empty")

	delta := svc.Delta(ctx, nil)
	assert.InDelta(t, 10000, delta, 500)
	assert.InDelta(t, 10000, svc.CachedDelta(ctx), 500)

	raw, err := store.GetItem(ctx, timesync.StorageKey)
	require.NoError(t, err)
	var cached struct {
		TD int64 `json:"td"`
		TS int64 `json:"ts"`
	}
	require.NoError(t, json.Unmarshal([]byte(raw), &cached))
	assert.Equal(t, delta, cached.TD)
	assert.InDelta(t, time.Now().Add(timesync.DefaultCacheTTL).UnixMilli(), cached.TS, 1000)

	// second call is served from cache
	assert.Equal(t, delta, svc.Delta(ctx, nil))
	assert.Equal(t, int32(1), server.requests.Load())

	cb := <-server.queries
	assert.NotEmpty(t, cb, "cache buster is sent")
}

func TestDeltaCacheBusterChangesPerRequest(t *testing.T) {
	server := newTimeServer(t, 0, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	svc := newService(server.URL)
	ctx := context.Background()

	svc.Delta(ctx, nil)
	svc.Delta(ctx, nil)

	first, second := <-server.queries, <-server.queries
	assert.NotEmpty(t, first)
	assert.NotEqual(t, first, second)
}

func TestDeltaServerFailureIsNotCached(t *testing.T) {
	server := newTimeServer(t, 0, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	store := timesync.NewMemoryStore()
	svc := newService(server.URL, timesync.WithStorage(store))
	ctx := context.Background()

	assert.Equal(t, int64(0), svc.Delta(ctx, nil))
	_, err := store.GetItem(ctx, timesync.StorageKey)
	assert.ErrorIs(t, err, timesync.ErrNotFound)

	assert.Equal(t, int64(0), svc.Delta(ctx, nil))
	assert.Equal(t, int32(2), server.requests.Load(), "failure is retried on the next sync")
}

func TestDeltaTimeout(t *testing.T) {
	server := newTimeServer(t, time.Hour, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	svc := newService(server.URL, timesync.WithTimeout(50*time.Millisecond))

	start := time.Now()
	assert.Equal(t, int64(0), svc.Delta(context.Background(), nil))
	assert.Less(t, time.Since(start), time.Second)
}

func TestDeltaUnreachableServer(t *testing.T) {
	server := newTimeServer(t, 0, nil)
	endpoint := server.URL
	server.Close()

	svc := newService(endpoint)
	assert.Equal(t, int64(0), svc.Delta(context.Background(), nil))
}

func TestDeltaFallsBackToDateHeader(t *testing.T) {
	server := newTimeServer(t, 0, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Date", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	svc := newService(server.URL)

	assert.InDelta(t, time.Hour.Milliseconds(), svc.Delta(context.Background(), nil), 2000)
}

func TestDeltaCoalescesConcurrentCallers(t *testing.T) {
	release := make(chan struct{})
	server := newTimeServer(t, 0, func(w http.ResponseWriter, r *http.Request) {
		<-release
		writeServerTime(w, time.Now().Add(10*time.Second))
	})
	svc := newService(server.URL)
	ctx := context.Background()

	const callers = 5
	results := make([]int64, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			svc.SyncTime(ctx, nil, func(delta int64) { results[i] = delta })
		}(i)
	}

	require.Eventually(t, func() bool { return server.requests.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), server.requests.Load())
	for _, delta := range results {
		assert.Equal(t, results[0], delta)
		assert.InDelta(t, 10000, delta, 500)
	}
}

func TestDeltaSharedFailure(t *testing.T) {
	release := make(chan struct{})
	server := newTimeServer(t, 0, func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusBadGateway)
	})
	svc := newService(server.URL)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]int64, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = svc.Delta(ctx, nil)
		}(i)
	}

	require.Eventually(t, func() bool { return server.requests.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), server.requests.Load(), "waiters do not retry the failed request")
	assert.Equal(t, []int64{0, 0, 0}, results)
}

func TestDeltaCancelledWhileWaiting(t *testing.T) {
	release := make(chan struct{})
	server := newTimeServer(t, 0, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	t.Cleanup(func() { close(release) })
	svc := newService(server.URL)

	go svc.Delta(context.Background(), nil)
	require.Eventually(t, func() bool { return server.requests.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.Equal(t, int64(0), svc.Delta(ctx, nil))
}

func TestCachedDeltaExpires(t *testing.T) {
	clock := &fakeClock{now: time.Date(2019, 6, 19, 8, 0, 0, 0, time.UTC)}
	server := newTimeServer(t, 0, nil)
	svc := newService(server.URL, timesync.WithClock(clock.Now))
	ctx := context.Background()

	svc.Delta(ctx, int64Ptr(610))
	clock.Advance(timesync.DefaultCacheTTL - time.Second)
	assert.Equal(t, int64(610), svc.CachedDelta(ctx))

	clock.Advance(2 * time.Second)
	assert.Equal(t, int64(0), svc.CachedDelta(ctx))
	assert.Equal(t, int32(0), server.requests.Load(), "CachedDelta never hits the network")
}

func TestCachedDeltaCustomTTL(t *testing.T) {
	clock := &fakeClock{now: time.Date(2019, 6, 19, 8, 0, 0, 0, time.UTC)}
	svc := newService("http://127.0.0.1:0", timesync.WithClock(clock.Now), timesync.WithCacheTTL(time.Minute))
	ctx := context.Background()

	svc.Delta(ctx, int64Ptr(555))
	clock.Advance(61 * time.Second)
	assert.Equal(t, int64(0), svc.CachedDelta(ctx))
}

func TestCachedDeltaIgnoresBadEntries(t *testing.T) {
	ctx := context.Background()
	future := time.Now().Add(time.Minute).UnixMilli()

	tests := []struct {
		name  string
		value string
		want  int64
	}{
		{name: "valid", value: `{"td":20000,"ts":` + itoa(future) + `}`, want: 20000},
		{name: "not json", value: `not json`, want: 0},
		{name: "non numeric delta", value: `{"td":"foo","ts":` + itoa(future) + `}`, want: 0},
		{name: "missing delta", value: `{"ts":` + itoa(future) + `}`, want: 0},
		{name: "missing expiry", value: `{"td":20000}`, want: 0},
		{name: "expired", value: `{"td":20000,"ts":1}`, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := timesync.NewMemoryStore()
			require.NoError(t, store.SetItem(ctx, timesync.StorageKey, tt.value))
			svc := newService("http://127.0.0.1:0", timesync.WithStorage(store))
			assert.Equal(t, tt.want, svc.CachedDelta(ctx))
		})
	}
}

type brokenStore struct{}

func (brokenStore) GetItem(context.Context, string) (string, error) {
	return "", errors.New("disk on fire")
}

func (brokenStore) SetItem(context.Context, string, string) error {
	return errors.New("disk on fire")
}

func TestDeltaWithBrokenStorage(t *testing.T) {
	server := newTimeServer(t, 10*time.Second, nil)
	svc := newService(server.URL, timesync.WithStorage(brokenStore{}))
	ctx := context.Background()

	assert.Equal(t, int64(42), svc.Delta(ctx, int64Ptr(42)))
	assert.InDelta(t, 10000, svc.Delta(ctx, nil), 500)
	assert.Equal(t, int64(0), svc.CachedDelta(ctx))
}

func TestDateFromTimeDelta(t *testing.T) {
	start := time.Date(2019, 6, 19, 8, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start.Add(time.Hour)}
	svc := newService("http://127.0.0.1:0", timesync.WithClock(clock.Now))

	future := svc.DateFromTimeDelta(10*1000, start)
	assert.Equal(t, 10, future.Second())

	past := svc.DateFromTimeDelta(-10*1000, start)
	assert.Equal(t, 50, past.Second())
	assert.Equal(t, 59, past.Minute())

	assert.Equal(t, 10, svc.DateFromTimeDelta(10*60*1000, start).Minute())
	assert.Equal(t, 50, svc.DateFromTimeDelta(-10*60*1000, start).Minute())

	assert.Equal(t, start.Add(time.Hour+time.Second), svc.DateFromTimeDelta(1000, time.Time{}), "zero base uses the clock")
}

func TestMetrics(t *testing.T) {
	server := newTimeServer(t, 0, nil)
	reg := prometheus.NewRegistry()
	metrics := timesync.NewMetrics(reg)
	svc := newService(server.URL, timesync.WithMetrics(metrics))
	ctx := context.Background()

	svc.Delta(ctx, nil)
	svc.Delta(ctx, nil)
	svc.Delta(ctx, int64Ptr(5))

	expected := `
# HELP secure_entry_timesync_delta_milliseconds Last resolved difference between server and device clock.
# TYPE secure_entry_timesync_delta_milliseconds gauge
secure_entry_timesync_delta_milliseconds 5
# HELP secure_entry_timesync_requests_total Server time requests issued.
# TYPE secure_entry_timesync_requests_total counter
secure_entry_timesync_requests_total 1
# HELP secure_entry_timesync_syncs_total Time delta resolutions by source.
# TYPE secure_entry_timesync_syncs_total counter
secure_entry_timesync_syncs_total{source="cache"} 1
secure_entry_timesync_syncs_total{source="network"} 1
secure_entry_timesync_syncs_total{source="provided"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected)))
}

func TestNilMetrics(t *testing.T) {
	svc := newService("http://127.0.0.1:0", timesync.WithMetrics(nil))
	assert.Equal(t, int64(7), svc.Delta(context.Background(), int64Ptr(7)))
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
