// Package timesync keeps an estimate of how far the device clock is from a
// trusted server clock, so rotating codes line up with the verifier.
//
// Every operation is fail-soft: network and storage problems are logged and
// the worst outcome is a delta of zero, meaning uncorrected device time.
package timesync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultTimeout       = 3000 * time.Millisecond
	DefaultRetryInterval = 500 * time.Millisecond
	DefaultCacheTTL      = 15 * time.Minute
)

// cacheEntry is the stored form of a delta, with millisecond fields.
type cacheEntry struct {
	Delta   *int64 `json:"td"`
	Expires *int64 `json:"ts"`
}

// Service resolves and caches the server/device clock delta. Construct one
// per process and share it; concurrent callers are coalesced onto a single
// network request.
type Service struct {
	storage       Storage
	now           func() time.Time
	httpClient    *http.Client
	endpoint      string
	timeout       time.Duration
	retryInterval time.Duration
	cacheTTL      time.Duration
	logger        zerolog.Logger
	metrics       *Metrics

	mu        sync.Mutex
	inFlight  bool
	lastDelta int64
}

type Option func(*Service)

func WithStorage(storage Storage) Option {
	return func(s *Service) {
		if storage != nil {
			s.storage = storage
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(s *Service) {
		if client != nil {
			s.httpClient = client
		}
	}
}

func WithEndpoint(endpoint string) Option {
	return func(s *Service) {
		if endpoint != "" {
			s.endpoint = endpoint
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithRetryInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.retryInterval = d
		}
	}
}

func WithCacheTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.cacheTTL = d
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// NewService defaults to a FileStore under the user cache directory, or to
// a MemoryStore when there is no such directory.
func NewService(opts ...Option) *Service {
	s := &Service{
		now:           time.Now,
		httpClient:    &http.Client{},
		endpoint:      DefaultEndpoint,
		timeout:       DefaultTimeout,
		retryInterval: DefaultRetryInterval,
		cacheTTL:      DefaultCacheTTL,
		logger:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.storage == nil {
		s.storage = defaultStorage()
	}
	return s
}

func defaultStorage() Storage {
	path, err := DefaultStoragePath()
	if err != nil {
		return NewMemoryStore()
	}
	return NewFileStore(path)
}

// SyncTime resolves the delta like Delta and hands it to done.
func (s *Service) SyncTime(ctx context.Context, provided *int64, done func(deltaMillis int64)) {
	delta := s.Delta(ctx, provided)
	if done != nil {
		done(delta)
	}
}

// Delta returns the server minus device clock difference in milliseconds.
//
// A provided delta is cached and returned as is. Otherwise an unexpired
// cached delta is used, and only then is the server asked. While a request
// is in flight other callers poll every retry interval instead of issuing
// their own; once it finishes they take its result.
func (s *Service) Delta(ctx context.Context, provided *int64) int64 {
	s.logger.Debug().Msg("syncTime: initiated")

	if provided != nil {
		s.logger.Debug().Int64("delta", *provided).Msg("syncTime: using provided time delta")
		s.cacheDelta(ctx, *provided)
		s.metrics.observe(SourceProvided, *provided)
		return *provided
	}

	waited := false
	for {
		if delta, ok := s.cachedDelta(ctx); ok {
			s.logger.Debug().Int64("delta", delta).Msg("syncTime: using cached time delta")
			s.metrics.observe(SourceCache, delta)
			return delta
		}

		s.mu.Lock()
		if !s.inFlight {
			if waited {
				delta := s.lastDelta
				s.mu.Unlock()
				s.logger.Debug().Int64("delta", delta).Msg("syncTime: using result of shared request")
				s.metrics.observe(SourceShared, delta)
				return delta
			}
			s.inFlight = true
			s.mu.Unlock()
			return s.syncFromServer(ctx)
		}
		s.mu.Unlock()

		s.logger.Debug().
			Dur("retry", s.retryInterval).
			Msg("syncTime: network request for time is already in flight")
		waited = true

		timer := time.NewTimer(s.retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return 0
		case <-timer.C:
		}
	}
}

func (s *Service) syncFromServer(ctx context.Context) int64 {
	var delta int64
	source := SourceFallback

	serverTime, err := s.fetchServerTime(ctx)
	if err != nil {
		s.logger.Debug().Err(err).Msg("fetchServerTime: server request failed, using device time")
	} else {
		delta = serverTime.Sub(s.now()).Milliseconds()
		source = SourceNetwork
		s.cacheDelta(ctx, delta)
		s.logger.Debug().
			Time("server_time", serverTime).
			Int64("delta", delta).
			Msg("syncTime: completed server request")
	}

	s.mu.Lock()
	s.inFlight = false
	s.lastDelta = delta
	s.mu.Unlock()

	s.metrics.observe(source, delta)
	return delta
}

// CachedDelta returns the cached delta, or 0 when there is none. It never
// touches the network.
func (s *Service) CachedDelta(ctx context.Context) int64 {
	delta, _ := s.cachedDelta(ctx)
	return delta
}

// DateFromTimeDelta shifts base by deltaMillis. A zero base means now.
func (s *Service) DateFromTimeDelta(deltaMillis int64, base time.Time) time.Time {
	if base.IsZero() {
		base = s.now()
	}
	return base.Add(time.Duration(deltaMillis) * time.Millisecond)
}

func (s *Service) cacheDelta(ctx context.Context, delta int64) {
	expires := s.now().Add(s.cacheTTL).UnixMilli()
	data, err := json.Marshal(cacheEntry{Delta: &delta, Expires: &expires})
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to marshal time delta")
		return
	}
	if err := s.storage.SetItem(ctx, StorageKey, string(data)); err != nil {
		s.logger.Warn().Err(err).Str("key", StorageKey).Msg("Failed to cache time delta")
	}
}

func (s *Service) cachedDelta(ctx context.Context) (int64, bool) {
	data, err := s.storage.GetItem(ctx, StorageKey)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn().Err(err).Str("key", StorageKey).Msg("Failed to read cached time delta")
		}
		return 0, false
	}

	var entry cacheEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		s.logger.Debug().Err(err).Msg("Discarding unreadable cached time delta")
		return 0, false
	}
	if entry.Delta == nil || entry.Expires == nil {
		return 0, false
	}
	if s.now().After(time.UnixMilli(*entry.Expires)) {
		s.logger.Debug().Int64("expires_at", *entry.Expires).Msg("Cached time delta expired")
		return 0, false
	}
	return *entry.Delta, true
}
