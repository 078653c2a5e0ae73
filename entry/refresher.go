package entry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultRefreshInterval matches the TOTP rotation period.
const DefaultRefreshInterval = TOTPInterval * time.Second

// Clock supplies the corrected time used to sign tokens.
// *timesync.Service implements it.
type Clock interface {
	// Delta may block on the network. A nil provided delta means sync.
	Delta(ctx context.Context, provided *int64) int64
	// CachedDelta must not block on the network.
	CachedDelta(ctx context.Context) int64
	DateFromTimeDelta(deltaMillis int64, base time.Time) time.Time
}

// RenderFunc receives every code the refresher produces.
type RenderFunc func(e *EntryData, code string)

// Refresher renders an entry once and, for rotating entries, keeps
// re-rendering it until stopped.
type Refresher struct {
	entry              *EntryData
	clock              Clock
	render             RenderFunc
	interval           time.Duration
	withCounterPadding bool
	logger             zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type RefresherOption func(*Refresher)

func WithRefreshInterval(d time.Duration) RefresherOption {
	return func(r *Refresher) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithoutCounterPadding signs with the plain RFC6238 counter.
func WithoutCounterPadding() RefresherOption {
	return func(r *Refresher) {
		r.withCounterPadding = false
	}
}

func WithRefresherLogger(logger zerolog.Logger) RefresherOption {
	return func(r *Refresher) {
		r.logger = logger
	}
}

func NewRefresher(e *EntryData, clock Clock, render RenderFunc, opts ...RefresherOption) *Refresher {
	r := &Refresher{
		entry:              e,
		clock:              clock,
		render:             render,
		interval:           DefaultRefreshInterval,
		withCounterPadding: true,
		logger:             zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start syncs the clock, renders the first code and, for rotating entries,
// schedules a refresh every interval using the cached delta. It returns
// immediately; calling it on a running refresher does nothing.
func (r *Refresher) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.run(ctx, r.done)
}

// Stop ends the refresh loop and waits for it to exit. No render happens
// after Stop returns. Safe to call more than once.
func (r *Refresher) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Done is closed when the loop exits, or nil if Start was never called.
func (r *Refresher) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

func (r *Refresher) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	delta := r.clock.Delta(ctx, nil)
	if ctx.Err() != nil {
		return
	}
	r.emit(delta)

	if !r.entry.DisplayType().Rotates() {
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			r.emit(r.clock.CachedDelta(ctx))
			r.logger.Debug().Time("at", time.Now()).Msg("Refreshed token")
		}
	}
}

func (r *Refresher) emit(delta int64) {
	at := r.clock.DateFromTimeDelta(delta, time.Time{})
	r.render(r.entry, r.entry.GenerateSignedToken(at, r.withCounterPadding))
}
