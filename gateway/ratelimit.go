package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	prommetrics "github.com/briannadoubt/trebuchet/metrics/prometheus"
	"github.com/briannadoubt/trebuchet/wire"
)

// Rate limiting defaults.
const (
	DefaultRequestsPerSecond = 100
	DefaultBurstSize         = 200
	DefaultLimiterTTL        = 10 * time.Minute
)

// anonymousKey buckets all traffic that reaches the limiter without a
// principal.
const anonymousKey = "anonymous:global"

// WindowLimit is a sliding-window policy: at most Limit admissions within
// any interval of length Window.
type WindowLimit struct {
	Limit  int
	Window time.Duration
}

// RateLimitConfig tunes the rate-limit stage.
type RateLimitConfig struct {
	// RequestsPerSecond is the token-bucket refill rate per key.
	RequestsPerSecond float64

	// BurstSize is the token-bucket capacity per key.
	BurstSize int

	// PerMethod adds a sliding-window limit on top of the bucket for the
	// named methods.
	PerMethod map[string]WindowLimit

	// TTL evicts limiter state for keys idle this long.
	TTL time.Duration

	// KeyFunc derives the limiter key. The default keys by principal when
	// one is present and pools everything else under one anonymous key.
	KeyFunc func(env *wire.Envelope, bag *Bag) string

	// Clock drives refill, window pruning and eviction.
	Clock clockwork.Clock
}

func (c *RateLimitConfig) defaults() {
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if c.BurstSize <= 0 {
		c.BurstSize = DefaultBurstSize
	}
	if c.TTL <= 0 {
		c.TTL = DefaultLimiterTTL
	}
	if c.KeyFunc == nil {
		c.KeyFunc = func(env *wire.Envelope, bag *Bag) string {
			if bag.Principal != "" {
				return bag.Principal
			}
			return anonymousKey
		}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
}

// RateLimitStage admits or rejects per key: a token bucket for overall
// throughput plus an optional sliding window per method. The stage runs
// before authentication, so the key is usually the anonymous pool unless a
// transport-level identity was established earlier.
type RateLimitStage struct {
	cfg RateLimitConfig

	mu      sync.Mutex
	buckets map[string]*bucketEntry
	windows map[string]*windowEntry

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type bucketEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

type windowEntry struct {
	times    []time.Time
	lastSeen time.Time
}

// NewRateLimitStage builds the stage and starts its eviction loop. Call
// Close when the stage is retired.
func NewRateLimitStage(cfg RateLimitConfig) *RateLimitStage {
	cfg.defaults()
	s := &RateLimitStage{
		cfg:     cfg,
		buckets: make(map[string]*bucketEntry),
		windows: make(map[string]*windowEntry),
		stopCh:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.sweepLoop()
	return s
}

func (s *RateLimitStage) Name() string { return "rateLimit" }

func (s *RateLimitStage) Handle(ctx context.Context, env *wire.Envelope, bag *Bag, next Next) (*wire.Envelope, error) {
	key := s.cfg.KeyFunc(env, bag)
	now := s.cfg.Clock.Now()

	if wait, ok := s.admitBucket(key, now); !ok {
		prommetrics.RecordRateLimitRejection("token_bucket")
		return nil, wire.Errorf(wire.KindRateLimitExceeded,
			"rate limit exceeded for %s, retry in %s", key, wait.Round(time.Millisecond))
	}

	method := env.Invocation.TargetIdentifier
	if policy, ok := s.cfg.PerMethod[method]; ok {
		if wait, ok := s.admitWindow(key, method, policy, now); !ok {
			prommetrics.RecordRateLimitRejection("sliding_window")
			return nil, wire.Errorf(wire.KindRateLimitExceeded,
				"rate limit exceeded for %s on %s, retry in %s", key, method, wait.Round(time.Millisecond))
		}
	}

	return next(ctx)
}

// Close stops the background eviction loop.
func (s *RateLimitStage) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *RateLimitStage) admitBucket(key string, now time.Time) (time.Duration, bool) {
	s.mu.Lock()
	entry, ok := s.buckets[key]
	if !ok {
		entry = &bucketEntry{lim: rate.NewLimiter(rate.Limit(s.cfg.RequestsPerSecond), s.cfg.BurstSize)}
		s.buckets[key] = entry
	}
	entry.lastSeen = now
	lim := entry.lim
	s.mu.Unlock()

	if lim.AllowN(now, 1) {
		return 0, true
	}
	// Reserve and cancel to learn when the next token arrives without
	// consuming it.
	res := lim.ReserveN(now, 1)
	wait := res.DelayFrom(now)
	res.CancelAt(now)
	return wait, false
}

func (s *RateLimitStage) admitWindow(key, method string, policy WindowLimit, now time.Time) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wkey := key + "|" + method
	entry, ok := s.windows[wkey]
	if !ok {
		entry = &windowEntry{}
		s.windows[wkey] = entry
	}
	entry.lastSeen = now

	cutoff := now.Add(-policy.Window)
	times := entry.times
	for len(times) > 0 && !times[0].After(cutoff) {
		times = times[1:]
	}
	// Reclaim the backing array once most of it is dead.
	if cap(times) > 16 && len(times)*2 < cap(times) {
		times = append([]time.Time(nil), times...)
	}

	if len(times) >= policy.Limit {
		entry.times = times
		return times[0].Sub(cutoff), false
	}
	entry.times = append(times, now)
	return 0, true
}

func (s *RateLimitStage) sweepLoop() {
	defer s.wg.Done()
	interval := s.cfg.TTL / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := s.cfg.Clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.Chan():
			s.sweep(s.cfg.Clock.Now())
		}
	}
}

func (s *RateLimitStage) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, entry := range s.buckets {
		if now.Sub(entry.lastSeen) >= s.cfg.TTL {
			delete(s.buckets, key)
		}
	}
	for key, entry := range s.windows {
		if now.Sub(entry.lastSeen) >= s.cfg.TTL {
			delete(s.windows, key)
		}
	}
}
