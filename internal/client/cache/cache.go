// Package cache keeps templates, images, user data and other read-mostly
// payloads in bounded per-tier LRU lists.
//
// Each tier has its own byte budget and lock, so eviction decisions for a
// tier are serialized while tiers proceed independently. Refreshes of the
// same key are collapsed with singleflight.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/draftsync/internal/common"
	"github.com/dmitrijs2005/draftsync/internal/logging"
	"golang.org/x/sync/singleflight"
)

// ErrEntryTooLarge is returned for a payload larger than its tier budget.
var ErrEntryTooLarge = errors.New("cache entry larger than tier budget")

// ErrNoFetcher is returned by GetOrFetch on a miss when no fetcher is set.
var ErrNoFetcher = errors.New("cache has no fetcher")

// Fetcher loads a payload from its origin.
type Fetcher interface {
	Fetch(ctx context.Context, tier Tier, key string) ([]byte, error)
}

// Result is the outcome of Get. Payload is nil on a miss.
type Result struct {
	Hit     bool
	Payload []byte
	Stale   bool
}

type tier struct {
	mu    sync.Mutex
	store *tierStore
}

type Manager struct {
	tiers   map[Tier]*tier
	fetcher Fetcher
	now     func() time.Time
	logger  logging.Logger

	group singleflight.Group
	wg    sync.WaitGroup
	ctx   context.Context
	stop  context.CancelFunc
}

type Option func(*Manager)

func WithFetcher(f Fetcher) Option { return func(m *Manager) { m.fetcher = f } }

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func WithLogger(l logging.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithTier overrides the budget and TTL of one tier.
func WithTier(t Tier, cfg TierConfig) Option {
	return func(m *Manager) { m.tiers[t] = &tier{store: newTierStore(cfg)} }
}

func New(opts ...Option) *Manager {
	ctx, stop := context.WithCancel(context.Background())
	m := &Manager{
		tiers:  map[Tier]*tier{},
		now:    time.Now,
		logger: logging.Nop{},
		ctx:    ctx,
		stop:   stop,
	}
	for t, cfg := range DefaultTiers() {
		m.tiers[t] = &tier{store: newTierStore(cfg)}
	}
	for _, o := range opts {
		o(m)
	}
	m.logger = m.logger.With("module", "cache")
	return m
}

func (m *Manager) tier(t Tier) (*tier, error) {
	ts, ok := m.tiers[t]
	if !ok {
		return nil, fmt.Errorf("unknown cache tier %q", t)
	}
	return ts, nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Get looks key up in tier. Stale template entries are returned with
// Stale set and refreshed in the background; expired user data and image
// entries are misses.
func (m *Manager) Get(ctx context.Context, key string, t Tier) Result {
	ts, err := m.tier(t)
	if err != nil {
		return Result{}
	}

	ts.mu.Lock()
	now := m.now()
	e, ok := ts.store.get(key)
	if !ok {
		ts.store.stats.Misses++
		ts.mu.Unlock()
		return Result{}
	}

	stale := t != TierCritical && e.expired(now)
	if stale {
		switch t {
		case TierImage:
			ts.store.remove(key)
			ts.store.stats.Misses++
			ts.mu.Unlock()
			return Result{}
		case TierUserData:
			ts.store.stats.Misses++
			ts.mu.Unlock()
			return Result{}
		}
	}

	ts.store.touch(key, now)
	ts.store.stats.Hits++
	payload := clone(e.Payload)
	ts.mu.Unlock()

	if stale {
		m.refresh(ctx, t, key)
	}
	return Result{Hit: true, Payload: payload, Stale: stale}
}

// Put stores payload under key, evicting least recently used entries of
// the tier until it fits. The critical tier never evicts.
func (m *Manager) Put(key string, payload []byte, t Tier) error {
	ts, err := m.tier(t)
	if err != nil {
		return err
	}
	size := int64(len(payload))

	ts.mu.Lock()
	defer ts.mu.Unlock()

	st := ts.store
	if size > st.cfg.Budget {
		return fmt.Errorf("%w: %s is %d bytes, %s budget is %d", ErrEntryTooLarge, key, size, t, st.cfg.Budget)
	}

	var reclaim int64
	if old, ok := st.get(key); ok {
		reclaim = old.SizeBytes
	}

	if t == TierCritical && st.used-reclaim+size > st.cfg.Budget {
		return &QuotaExceededError{Tier: t, Need: size, Free: st.cfg.Budget - st.used + reclaim, Budget: st.cfg.Budget}
	}

	st.remove(key)
	for st.used+size > st.cfg.Budget {
		if !st.evictOldest() {
			break
		}
	}

	now := m.now()
	e := &Entry{
		Key:            key,
		Payload:        clone(payload),
		Tier:           t,
		LastAccessedAt: now,
		SizeBytes:      size,
	}
	if st.cfg.TTL > 0 && t != TierCritical {
		e.ExpiresAt = now.Add(st.cfg.TTL)
	}
	st.insert(e)
	return nil
}

// Invalidate removes key from tier. It reports whether an entry existed.
func (m *Manager) Invalidate(key string, t Tier) bool {
	ts, err := m.tier(t)
	if err != nil {
		return false
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.store.remove(key)
}

// GetOrFetch returns the payload for key, consulting the origin according
// to the tier policy. User data is fetched network-first and falls back to
// an unexpired cached copy; other tiers fetch only on a miss.
func (m *Manager) GetOrFetch(ctx context.Context, key string, t Tier) ([]byte, error) {
	if t == TierUserData {
		b, err := m.fetch(ctx, t, key)
		if err == nil {
			return b, nil
		}
		if r := m.Get(ctx, key, t); r.Hit {
			m.logger.Debug(ctx, "serving cached user data", "key", key, "error", err)
			return r.Payload, nil
		}
		return nil, err
	}

	if r := m.Get(ctx, key, t); r.Hit {
		return r.Payload, nil
	}
	return m.fetch(ctx, t, key)
}

// fetch loads key from the origin once for all concurrent callers and
// stores the result.
func (m *Manager) fetch(ctx context.Context, t Tier, key string) ([]byte, error) {
	if m.fetcher == nil {
		return nil, ErrNoFetcher
	}
	v, err, _ := m.group.Do(string(t)+"/"+key, func() (any, error) {
		b, err := m.fetcher.Fetch(ctx, t, key)
		if err != nil {
			return nil, err
		}
		if err := m.Put(key, b, t); err != nil {
			m.logger.Warn(ctx, "fetched payload not cached", "tier", string(t), "key", key, "error", err)
		}
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return clone(v.([]byte)), nil
}

// refresh re-fetches a stale template entry in the background. Failures
// leave the stale entry in place.
func (m *Manager) refresh(ctx context.Context, t Tier, key string) {
	if m.fetcher == nil || m.ctx.Err() != nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if _, err := m.fetch(m.ctx, t, key); err != nil {
			m.logger.Debug(ctx, "background refresh failed", "tier", string(t), "key", key, "error", err)
		}
	}()
}

// RevalidateStale schedules a refresh of every expired template entry and
// returns how many were scheduled.
func (m *Manager) RevalidateStale(ctx context.Context) int {
	ts, err := m.tier(TierTemplate)
	if err != nil {
		return 0
	}

	ts.mu.Lock()
	now := m.now()
	var keys []string
	for el := ts.store.ll.Front(); el != nil; el = el.Next() {
		if e := el.Value.(*Entry); e.expired(now) {
			keys = append(keys, e.Key)
		}
	}
	ts.mu.Unlock()

	for _, k := range keys {
		m.refresh(ctx, TierTemplate, k)
	}
	return len(keys)
}

// Stats returns usage counters for every tier.
func (m *Manager) Stats() map[Tier]TierStats {
	out := make(map[Tier]TierStats, len(m.tiers))
	for t, ts := range m.tiers {
		ts.mu.Lock()
		out[t] = ts.store.snapshot()
		ts.mu.Unlock()
	}
	return out
}

// Wait blocks until background refreshes scheduled so far have finished.
func (m *Manager) Wait() { m.wg.Wait() }

// Close cancels background refreshes and waits for them to return.
func (m *Manager) Close() error {
	m.stop()
	m.wg.Wait()
	return nil
}

// IsTransient reports whether a fetch error is worth retrying later.
func IsTransient(err error) bool {
	return errors.Is(err, common.ErrTransientNetwork)
}
