package swcache

import (
	"context"
	"sort"
	"sync"

	"github.com/jmgilman/go/errors"
)

// MemoryProvider keeps partitions in RAM. Each partition is an LRU bounded by
// maxBytes; zero means unbounded. Evicted entries are gone, so a bounded
// MemoryProvider on its own should only back small sites; put it in front of a
// durable provider with NewTieredProvider otherwise.
type MemoryProvider struct {
	maxBytes int64
	overflow *rateLimitedLogger

	mu         sync.Mutex
	partitions map[string]*ramCache
}

func NewMemoryProvider(maxBytes int64, overflow *rateLimitedLogger) *MemoryProvider {
	return &MemoryProvider{
		maxBytes:   maxBytes,
		overflow:   overflow,
		partitions: map[string]*ramCache{},
	}
}

func (m *MemoryProvider) Open(_ context.Context, name string) (Partition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.partitions[name]
	if !ok {
		c = newRAMCache(name, m.maxBytes, m.overflow)
		m.partitions[name] = c
	}
	return c, nil
}

func (m *MemoryProvider) Names(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.partitions))
	for k := range m.partitions {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryProvider) Delete(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.partitions[name]
	delete(m.partitions, name)
	return ok, nil
}

func (m *MemoryProvider) Close() error { return nil }

type ramItem struct {
	key  string
	ent  Entry
	size int64
	prev *ramItem
	next *ramItem
}

type ramCache struct {
	name     string
	maxBytes int64
	overflow *rateLimitedLogger

	mu    sync.Mutex
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64
}

func newRAMCache(name string, maxBytes int64, overflow *rateLimitedLogger) *ramCache {
	return &ramCache{name: name, maxBytes: maxBytes, overflow: overflow, items: map[string]*ramItem{}}
}

func (c *ramCache) Match(_ context.Context, key string) (Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return Entry{}, false, nil
	}
	c.moveToFront(it)
	return it.ent.clone(), true, nil
}

func (c *ramCache) Put(_ context.Context, key string, ent Entry) error {
	ent = ent.clone()
	sz := entrySize(key, ent)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxBytes > 0 && sz > c.maxBytes {
		return errors.Newf(errors.CodeUnavailable, "partition %s: entry %s is %s, budget is %s",
			c.name, key, formatBytes(uint64(sz)), formatBytes(uint64(c.maxBytes)))
	}

	if it, ok := c.items[key]; ok {
		c.total -= it.size
		it.ent = ent
		it.size = sz
		c.total += sz
		c.moveToFront(it)
		c.evictLocked()
		return nil
	}

	it := &ramItem{key: key, ent: ent, size: sz}
	c.items[key] = it
	c.addToFront(it)
	c.total += sz
	c.evictLocked()
	return nil
}

func (c *ramCache) Len(context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items), nil
}

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// evictLocked drops least-recently-used items until the partition fits its
// budget. The head item is never evicted.
func (c *ramCache) evictLocked() {
	if c.maxBytes <= 0 {
		return
	}
	evicted := 0
	for c.total > c.maxBytes && c.tail != nil && c.tail != c.head {
		it := c.tail
		c.remove(it)
		delete(c.items, it.key)
		c.total -= it.size
		evicted++
	}
	if evicted > 0 {
		c.overflow.Warn("partition over budget, evicting", "partition", c.name, "evicted", evicted)
	}
}

func (c *ramCache) addToFront(it *ramItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *ramCache) remove(it *ramItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *ramCache) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.remove(it)
	c.addToFront(it)
}

func entrySize(key string, ent Entry) int64 {
	n := len(key) + len(ent.Body)
	for k, vs := range ent.Header {
		for _, v := range vs {
			n += len(k) + len(v)
		}
	}
	return int64(n)
}
