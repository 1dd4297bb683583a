package sandbox

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/cfdi-analytics/internal/domain"
)

const resultKeyPrefix = "script:"

// resultCache stores SQL results per tenant in an injected domain.Cache.
// The backing cache is shared with other components, so the entry bound
// is kept here: an index in insertion order evicts the oldest result once
// capacity is reached.
type resultCache struct {
	store    domain.Cache
	ttl      time.Duration
	capacity int
	now      func() time.Time

	mu    sync.Mutex
	order *list.List // of *resultEntry, oldest first
	index map[resultSlot]*list.Element
}

type resultSlot struct {
	tenant string
	key    string
}

type resultEntry struct {
	slot    resultSlot
	expires time.Time
}

func newResultCache(store domain.Cache, ttl time.Duration, capacity int) *resultCache {
	return &resultCache{
		store:    store,
		ttl:      ttl,
		capacity: capacity,
		now:      time.Now,
		order:    list.New(),
		index:    make(map[resultSlot]*list.Element),
	}
}

// resultKey hashes the query and the canonical JSON of the filter.
func resultKey(query string, f *domain.Filter) string {
	h := sha256.New()
	h.Write([]byte(query))
	h.Write([]byte{0})
	// Struct fields marshal in declaration order, so equal filters hash equally.
	canonical, _ := json.Marshal(f)
	h.Write(canonical)
	return resultKeyPrefix + hex.EncodeToString(h.Sum(nil))
}

func (c *resultCache) get(ctx context.Context, tenant, key string) (*domain.ScriptResult, bool) {
	if c == nil || c.store == nil {
		return nil, false
	}
	slot := resultSlot{tenant, key}
	c.mu.Lock()
	_, tracked := c.index[slot]
	c.mu.Unlock()
	if !tracked {
		return nil, false
	}

	data, err := c.store.Get(ctx, tenant, key)
	if err != nil || data == nil {
		c.forget(slot)
		return nil, false
	}
	var res domain.ScriptResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, false
	}
	return &res, true
}

func (c *resultCache) put(ctx context.Context, tenant, key string, res *domain.ScriptResult) {
	if c == nil || c.store == nil {
		return
	}
	data, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := c.store.Set(ctx, tenant, key, data, c.ttl); err != nil {
		slog.Warn("failed to cache script result", "tenant_id", tenant, "error", err)
		return
	}

	slot := resultSlot{tenant, key}
	c.mu.Lock()
	if el, ok := c.index[slot]; ok {
		c.order.Remove(el)
	}
	c.index[slot] = c.order.PushBack(&resultEntry{slot: slot, expires: c.now().Add(c.ttl)})
	var evicted []resultSlot
	for c.order.Len() > c.capacity {
		oldest := c.order.Remove(c.order.Front()).(*resultEntry)
		delete(c.index, oldest.slot)
		evicted = append(evicted, oldest.slot)
	}
	c.mu.Unlock()

	for _, s := range evicted {
		if err := c.store.Delete(ctx, s.tenant, s.key); err != nil {
			slog.Warn("failed to evict script result", "tenant_id", s.tenant, "error", err)
		}
	}
}

func (c *resultCache) forget(slot resultSlot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[slot]; ok {
		c.order.Remove(el)
		delete(c.index, slot)
	}
}

func (c *resultCache) clear(ctx context.Context, tenant string) (int, error) {
	if c == nil || c.store == nil {
		return 0, nil
	}
	c.mu.Lock()
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if e := el.Value.(*resultEntry); e.slot.tenant == tenant {
			c.order.Remove(el)
			delete(c.index, e.slot)
		}
		el = next
	}
	c.mu.Unlock()
	return c.store.Clear(ctx, tenant, resultKeyPrefix)
}

// len counts the live results, dropping expired ones from the index.
func (c *resultCache) len() int {
	if c == nil || c.store == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if e := el.Value.(*resultEntry); !now.Before(e.expires) {
			c.order.Remove(el)
			delete(c.index, e.slot)
		}
		el = next
	}
	return c.order.Len()
}
