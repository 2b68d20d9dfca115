package snapshot

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(ttl time.Duration) (*Cache, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	c := NewCache(ttl)
	c.now = clock.Now
	return c, clock
}

func TestCache_TTL(t *testing.T) {
	tests := []struct {
		age  time.Duration
		want bool
	}{
		{0, true},
		{time.Second, true},
		{5*time.Second - time.Nanosecond, true},
		{5 * time.Second, false},
		{6 * time.Second, false},
	}
	for _, tt := range tests {
		c, clock := newTestCache(5 * time.Second)
		c.Put("p1", []byte("jpeg"), time.Time{})
		clock.Advance(tt.age)

		_, ok := c.Get("p1")
		if ok != tt.want {
			t.Errorf("Get after %v = %v, want %v", tt.age, ok, tt.want)
		}
		if !tt.want && c.Len() != 0 {
			t.Errorf("expired entry still stored after %v", tt.age)
		}
	}
}

func TestCache_PutReplacesAndStamps(t *testing.T) {
	c, clock := newTestCache(5 * time.Second)
	first := c.Put("p1", []byte("one"), time.Time{})
	clock.Advance(4 * time.Second)
	second := c.Put("p1", []byte("two"), time.Time{})

	if !second.CapturedAt.After(first.CapturedAt) {
		t.Errorf("CapturedAt not refreshed: %v then %v", first.CapturedAt, second.CapturedAt)
	}
	clock.Advance(4 * time.Second)
	e, ok := c.Get("p1")
	if !ok {
		t.Fatal("replaced entry expired with the old timestamp")
	}
	if string(e.Data) != "two" {
		t.Errorf("Data = %q, want two", e.Data)
	}
	if e.PrinterID != "p1" {
		t.Errorf("PrinterID = %q, want p1", e.PrinterID)
	}
}

func TestCache_TTLCountsFromCapture(t *testing.T) {
	c, clock := newTestCache(5 * time.Second)
	e := c.Put("p1", []byte("jpeg"), clock.Now().Add(-4*time.Second))
	if want := clock.Now().Add(-4 * time.Second); !e.CapturedAt.Equal(want) {
		t.Errorf("CapturedAt = %v, want %v", e.CapturedAt, want)
	}
	if _, ok := c.Get("p1"); !ok {
		t.Fatal("Get missed a 4s old frame")
	}
	clock.Advance(time.Second)
	if _, ok := c.Get("p1"); ok {
		t.Error("Get hit a frame captured 5s ago")
	}
}

func TestCache_EntriesSkipsStaleAndSorts(t *testing.T) {
	c, clock := newTestCache(5 * time.Second)
	c.Put("old", []byte("x"), time.Time{})
	clock.Advance(3 * time.Second)
	c.Put("b", []byte("b"), time.Time{})
	c.Put("a", []byte("a"), time.Time{})
	clock.Advance(3 * time.Second)

	got := c.Entries()
	if len(got) != 2 {
		t.Fatalf("Entries = %d, want 2", len(got))
	}
	if got[0].PrinterID != "a" || got[1].PrinterID != "b" {
		t.Errorf("Entries order = %s, %s, want a, b", got[0].PrinterID, got[1].PrinterID)
	}
}

func TestCache_RemoveAndClear(t *testing.T) {
	c, _ := newTestCache(time.Minute)
	c.Put("p1", []byte("1"), time.Time{})
	c.Put("p2", []byte("2"), time.Time{})

	c.Remove("p1")
	if _, ok := c.Get("p1"); ok {
		t.Error("Get(p1) hit after Remove")
	}
	if _, ok := c.Get("p2"); !ok {
		t.Error("Remove(p1) dropped p2")
	}
	c.Clear()
	if c.Len() != 0 {
		t.Errorf("Len after Clear = %d, want 0", c.Len())
	}
}

func TestNewCache_DefaultTTL(t *testing.T) {
	if got := NewCache(0).TTL(); got != 5*time.Second {
		t.Errorf("TTL = %v, want 5s", got)
	}
}
