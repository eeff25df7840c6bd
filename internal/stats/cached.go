package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"

	"github.com/ambegh/Living-labs/pkg/metrics"
	pkgredis "github.com/ambegh/Living-labs/pkg/redis"
	"github.com/ambegh/Living-labs/pkg/resilience"
)

const cacheKeyPrefix = "ll:stats:"

// RemoteCache is the shared cache tier. *pkgredis.Client implements it; a
// missing key must be reported with an error for which
// pkgredis.IsNilError is true.
type RemoteCache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	FlushByPattern(ctx context.Context, pattern string) (int64, error)
}

type CacheOptions struct {
	// Size bounds the in-process LRU (entries).
	Size int
	// Remote is optional.
	Remote    RemoteCache
	RemoteTTL time.Duration
	Breaker   resilience.CircuitBreakerConfig
	Metrics   *metrics.Metrics
}

type CacheStats struct {
	LocalHits  int64
	RemoteHits int64
	Misses     int64
}

var errRemoteMiss = errors.New("remote cache miss")

// CachedProvider memoises collection-level statistics of the wrapped
// provider. Document-level lookups always reach the wrapped session. When
// the remote tier fails or its breaker is open, lookups fall through to the
// wrapped session.
type CachedProvider struct {
	inner   Provider
	local   *lru.Cache
	remote  RemoteCache
	ttl     time.Duration
	breaker *resilience.CircuitBreaker
	metrics *metrics.Metrics
	group   singleflight.Group
	logger  *slog.Logger

	localHits  atomic.Int64
	remoteHits atomic.Int64
	misses     atomic.Int64
}

func NewCachedProvider(inner Provider, opts CacheOptions) (*CachedProvider, error) {
	size := opts.Size
	if size <= 0 {
		size = 4096
	}
	local, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("creating statistics lru: %w", err)
	}
	p := &CachedProvider{
		inner:   inner,
		local:   local,
		remote:  opts.Remote,
		ttl:     opts.RemoteTTL,
		metrics: opts.Metrics,
		logger:  slog.Default().With("component", "stats-cache"),
	}
	if p.remote != nil {
		cfg := opts.Breaker
		cfg.IsFailure = func(err error) bool { return err != nil && !errors.Is(err, errRemoteMiss) }
		onChange := cfg.OnStateChange
		cfg.OnStateChange = func(name string, from, to resilience.State) {
			if p.metrics != nil {
				p.metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			}
			if onChange != nil {
				onChange(name, from, to)
			}
		}
		p.breaker = resilience.NewCircuitBreaker("stats-redis", cfg)
	}
	return p, nil
}

func (p *CachedProvider) OpenSession(ctx context.Context) (Session, error) {
	inner, err := p.inner.OpenSession(ctx)
	if err != nil {
		return nil, err
	}
	return &cachedSession{Session: inner, p: p}, nil
}

func (p *CachedProvider) DocumentIDs(ctx context.Context) ([]string, error) {
	if l, ok := p.inner.(Lister); ok {
		return l.DocumentIDs(ctx)
	}
	return nil, ErrListingUnsupported
}

func (p *CachedProvider) Stats() CacheStats {
	return CacheStats{
		LocalHits:  p.localHits.Load(),
		RemoteHits: p.remoteHits.Load(),
		Misses:     p.misses.Load(),
	}
}

// Invalidate drops every cached statistic, locally and in the remote tier.
func (p *CachedProvider) Invalidate(ctx context.Context) error {
	p.local.Purge()
	if p.remote == nil {
		return nil
	}
	deleted, err := p.remote.FlushByPattern(ctx, cacheKeyPrefix+"*")
	if err != nil {
		return fmt.Errorf("invalidating statistics cache: %w", err)
	}
	p.logger.Info("statistics cache invalidated", "keys_deleted", deleted)
	return nil
}

func (p *CachedProvider) count(tier, result string) {
	if p.metrics != nil {
		p.metrics.StatsCacheRequests.WithLabelValues(tier, result).Inc()
	}
}

// lookup serves key from the local tier, then from a shared load collapsed
// across callers. The shared load runs detached from the leading caller's
// cancellation; each caller waits on its own ctx. When the shared load
// failed because the leader's request or session went away, a caller whose
// own ctx is still live loads through its own session.
func (p *CachedProvider) lookup(ctx context.Context, key string, load func(context.Context) (int64, error)) (int64, error) {
	if v, ok := p.local.Get(key); ok {
		p.localHits.Add(1)
		p.count("local", "hit")
		return v.(int64), nil
	}
	p.count("local", "miss")

	shared := context.WithoutCancel(ctx)
	ch := p.group.DoChan(key, func() (any, error) {
		return p.fill(shared, key, load)
	})
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case res := <-ch:
		if res.Err == nil {
			return res.Val.(int64), nil
		}
		if !res.Shared || !leaderFailure(res.Err) || ctx.Err() != nil {
			return 0, res.Err
		}
		return p.fill(ctx, key, load)
	}
}

// leaderFailure reports errors that belong to whoever ran the shared load
// rather than to the statistics themselves.
func leaderFailure(err error) bool {
	return errors.Is(err, ErrSessionClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (p *CachedProvider) fill(ctx context.Context, key string, load func(context.Context) (int64, error)) (int64, error) {
	if n, ok := p.remoteGet(ctx, key); ok {
		p.remoteHits.Add(1)
		p.local.Add(key, n)
		return n, nil
	}
	n, err := load(ctx)
	if err != nil {
		return 0, err
	}
	p.misses.Add(1)
	p.local.Add(key, n)
	p.remoteSet(ctx, key, n)
	return n, nil
}

func (p *CachedProvider) remoteGet(ctx context.Context, key string) (int64, bool) {
	if p.remote == nil {
		return 0, false
	}
	var data []byte
	err := p.breaker.Execute(func() error {
		var err error
		data, err = p.remote.Get(ctx, key)
		if pkgredis.IsNilError(err) {
			return errRemoteMiss
		}
		return err
	})
	if err != nil {
		if !errors.Is(err, errRemoteMiss) && !errors.Is(err, resilience.ErrCircuitOpen) {
			p.logger.Warn("remote cache get failed", "key", key, "error", err)
		}
		p.count("remote", "miss")
		return 0, false
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		p.logger.Warn("remote cache value malformed", "key", key, "error", err)
		p.count("remote", "miss")
		return 0, false
	}
	p.count("remote", "hit")
	return n, true
}

func (p *CachedProvider) remoteSet(ctx context.Context, key string, n int64) {
	if p.remote == nil {
		return
	}
	err := p.breaker.Execute(func() error {
		return p.remote.Set(ctx, key, []byte(strconv.FormatInt(n, 10)), p.ttl)
	})
	if err != nil && !errors.Is(err, resilience.ErrCircuitOpen) {
		p.logger.Warn("remote cache set failed", "key", key, "error", err)
	}
}

func fieldLengthKey(field string) string {
	return fmt.Sprintf("%slen:%d:%s", cacheKeyPrefix, len(field), field)
}

func termCountKey(term, field string) string {
	return fmt.Sprintf("%stf:%d:%s:%s", cacheKeyPrefix, len(field), field, term)
}

type cachedSession struct {
	Session
	p *CachedProvider
}

func (s *cachedSession) CollectionFieldLength(ctx context.Context, field string) (int64, error) {
	return s.p.lookup(ctx, fieldLengthKey(field), func(ctx context.Context) (int64, error) {
		return s.Session.CollectionFieldLength(ctx, field)
	})
}

func (s *cachedSession) CollectionTermCount(ctx context.Context, term, field string) (int64, error) {
	return s.p.lookup(ctx, termCountKey(term, field), func(ctx context.Context) (int64, error) {
		return s.Session.CollectionTermCount(ctx, term, field)
	})
}
