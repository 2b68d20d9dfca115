package snapshot

import (
	"sort"
	"sync"
	"time"
)

// Entry is one cached JPEG.
type Entry struct {
	PrinterID  string
	Data       []byte
	CapturedAt time.Time
}

// Cache holds the last snapshot per printer for a short TTL.
type Cache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]Entry
}

// NewCache creates a cache whose entries are served while younger than ttl.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &Cache{ttl: ttl, now: time.Now, entries: make(map[string]Entry)}
}

// TTL returns the configured time to live.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Get returns the entry for printerID while it is fresh. An expired entry is
// removed and reported as a miss.
func (c *Cache) Get(printerID string) (Entry, bool) {
	c.mu.RLock()
	e, ok := c.entries[printerID]
	c.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}
	if c.fresh(e) {
		return e, true
	}

	c.mu.Lock()
	// Only drop the entry we judged stale; a concurrent Put may have replaced it.
	if cur, ok := c.entries[printerID]; ok && cur.CapturedAt.Equal(e.CapturedAt) {
		delete(c.entries, printerID)
	}
	c.mu.Unlock()
	return Entry{}, false
}

// Put stores data for printerID. capturedAt is when the frame left the
// camera, so the TTL bounds the frame's age rather than its time in the
// cache; a zero capturedAt is stamped with the current time.
func (c *Cache) Put(printerID string, data []byte, capturedAt time.Time) Entry {
	if capturedAt.IsZero() {
		capturedAt = c.now()
	}
	e := Entry{PrinterID: printerID, Data: data, CapturedAt: capturedAt}
	c.mu.Lock()
	c.entries[printerID] = e
	c.mu.Unlock()
	return e
}

// Remove drops the entry for printerID.
func (c *Cache) Remove(printerID string) {
	c.mu.Lock()
	delete(c.entries, printerID)
	c.mu.Unlock()
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	clear(c.entries)
	c.mu.Unlock()
}

// Len returns the number of stored entries, fresh or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Entries returns the fresh entries ordered by printer id.
func (c *Cache) Entries() []Entry {
	c.mu.RLock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		if c.fresh(e) {
			out = append(out, e)
		}
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PrinterID < out[j].PrinterID })
	return out
}

func (c *Cache) fresh(e Entry) bool {
	return c.now().Sub(e.CapturedAt) < c.ttl
}
