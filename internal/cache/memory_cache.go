package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryCache is the single-process Throttle used when REDIS_ADDR is unset.
// Counters for past days are dropped when a new day is first counted, and
// sent markers older than dailyTTL go with them.
type MemoryCache struct {
	mu     sync.Mutex
	now    func() time.Time
	claims map[string]time.Time
	// daily is keyed by day, then lead.
	daily map[string]map[string]int64
	sent  map[string]SentMarker
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		now:    time.Now,
		claims: make(map[string]time.Time),
		daily:  make(map[string]map[string]int64),
		sent:   make(map[string]SentMarker),
	}
}

func (c *MemoryCache) WithClock(now func() time.Time) *MemoryCache {
	c.now = now
	return c
}

func (c *MemoryCache) Claim(ctx context.Context, leadID string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if exp, ok := c.claims[leadID]; ok && now.Before(exp) {
		return false, nil
	}
	c.claims[leadID] = now.Add(ttl)
	return true, nil
}

func (c *MemoryCache) Release(_ context.Context, leadID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.claims, leadID)
	return nil
}

func (c *MemoryCache) IncrDaily(ctx context.Context, leadID, day string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	counts, ok := c.daily[day]
	if !ok {
		c.prune(day)
		counts = make(map[string]int64)
		c.daily[day] = counts
	}
	counts[leadID]++
	return counts[leadID], nil
}

func (c *MemoryCache) DailyCount(_ context.Context, leadID, day string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.daily[day][leadID], nil
}

func (c *MemoryCache) StoreSent(_ context.Context, leadID, providerMessageID string, sentAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sent[leadID] = SentMarker{ProviderMessageID: providerMessageID, SentAt: sentAt.UTC()}
	return nil
}

func (c *MemoryCache) LastSent(_ context.Context, leadID string) (SentMarker, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.sent[leadID]
	if !ok || c.now().Sub(m.SentAt) > dailyTTL {
		return SentMarker{}, false, nil
	}
	return m, true, nil
}

// prune drops counters for days before today. Day keys are YYYY-MM-DD so
// they order as strings. Caller holds mu.
func (c *MemoryCache) prune(today string) {
	for day := range c.daily {
		if day < today {
			delete(c.daily, day)
		}
	}
	cutoff := c.now().Add(-dailyTTL)
	for leadID, m := range c.sent {
		if m.SentAt.Before(cutoff) {
			delete(c.sent, leadID)
		}
	}
}

var (
	_ Throttle = (*RedisCache)(nil)
	_ Throttle = (*MemoryCache)(nil)
)
