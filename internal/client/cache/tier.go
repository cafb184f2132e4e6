package cache

import (
	"container/list"
	"fmt"
	"time"

	"github.com/dmitrijs2005/draftsync/internal/common"
)

// Tier selects the retention policy of an entry.
type Tier string

const (
	// TierCritical entries are never evicted; a put that does not fit is
	// refused.
	TierCritical Tier = "critical"
	// TierTemplate entries are LRU-evicted and served stale while a
	// background refresh runs.
	TierTemplate Tier = "template"
	// TierUserData entries live for a short TTL and are only a fallback for
	// the network.
	TierUserData Tier = "userData"
	// TierImage entries are strictly LRU-evicted; expired ones are dropped.
	TierImage Tier = "image"
)

// Tiers lists every tier in a stable order.
var Tiers = []Tier{TierCritical, TierTemplate, TierUserData, TierImage}

func ParseTier(s string) (Tier, error) {
	for _, t := range Tiers {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown cache tier %q", s)
}

// TierConfig bounds one tier. A zero TTL means entries never expire.
type TierConfig struct {
	Budget int64
	TTL    time.Duration
}

func DefaultTiers() map[Tier]TierConfig {
	return map[Tier]TierConfig{
		TierCritical: {Budget: 8 << 20},
		TierTemplate: {Budget: 16 << 20, TTL: time.Hour},
		TierUserData: {Budget: 4 << 20, TTL: time.Minute},
		TierImage:    {Budget: 64 << 20, TTL: 24 * time.Hour},
	}
}

// Entry is one cached payload.
type Entry struct {
	Key            string
	Payload        []byte
	Tier           Tier
	ExpiresAt      time.Time
	LastAccessedAt time.Time
	SizeBytes      int64
}

func (e *Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// QuotaExceededError is returned by the critical tier when a put would
// need an eviction.
type QuotaExceededError struct {
	Tier   Tier
	Need   int64
	Free   int64
	Budget int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s tier over budget: need %d bytes, %d of %d free", e.Tier, e.Need, e.Free, e.Budget)
}

func (e *QuotaExceededError) Is(target error) bool { return target == common.ErrQuotaExceeded }

// TierStats is a point-in-time view of one tier.
type TierStats struct {
	Entries   int
	Bytes     int64
	Budget    int64
	Hits      int64
	Misses    int64
	Evictions int64
}

// tierStore is an LRU list of entries with its own lock. The front of the
// list is the most recently accessed entry.
type tierStore struct {
	cfg   TierConfig
	used  int64
	ll    *list.List
	items map[string]*list.Element
	stats TierStats
}

func newTierStore(cfg TierConfig) *tierStore {
	return &tierStore{cfg: cfg, ll: list.New(), items: map[string]*list.Element{}}
}

func (t *tierStore) get(key string) (*Entry, bool) {
	el, ok := t.items[key]
	if !ok {
		return nil, false
	}
	return el.Value.(*Entry), true
}

func (t *tierStore) touch(key string, now time.Time) {
	if el, ok := t.items[key]; ok {
		el.Value.(*Entry).LastAccessedAt = now
		t.ll.MoveToFront(el)
	}
}

func (t *tierStore) remove(key string) bool {
	el, ok := t.items[key]
	if !ok {
		return false
	}
	e := el.Value.(*Entry)
	t.used -= e.SizeBytes
	t.ll.Remove(el)
	delete(t.items, key)
	return true
}

func (t *tierStore) evictOldest() bool {
	el := t.ll.Back()
	if el == nil {
		return false
	}
	t.remove(el.Value.(*Entry).Key)
	t.stats.Evictions++
	return true
}

func (t *tierStore) insert(e *Entry) {
	t.items[e.Key] = t.ll.PushFront(e)
	t.used += e.SizeBytes
}

func (t *tierStore) snapshot() TierStats {
	s := t.stats
	s.Entries = len(t.items)
	s.Bytes = t.used
	s.Budget = t.cfg.Budget
	return s
}
