// Package pool keeps at most one live camera connection per printer and
// evicts connections nobody has asked for recently.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/mzyy94/bblcam/internal/bbl"
)

// ErrPoolClosed is returned by GetOrCreate and Start after Shutdown.
var ErrPoolClosed = errors.New("pool: closed")

// Device is the part of a camera connection the pool and its users need.
// *bbl.Conn implements it.
type Device interface {
	LatestFrame() (bbl.Frame, bool)
	FrameReady() <-chan struct{}
	IsConnected() bool
	State() bbl.State
	Stats() bbl.ConnStats
	Disconnect() error
}

// DialFunc creates a connected, authenticated, streaming device.
type DialFunc func(ctx context.Context, params bbl.ConnectionParams) (Device, error)

// Dialer returns a DialFunc that opens real camera connections.
func Dialer(opts bbl.DialOptions) DialFunc {
	return func(ctx context.Context, params bbl.ConnectionParams) (Device, error) {
		c, err := bbl.Dial(ctx, params, opts)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Options configures the pool.
type Options struct {
	IdleTimeout     time.Duration // default 5m
	CleanupInterval time.Duration // default 30s

	// OnEvict is called, outside the pool lock, for every printer removed by
	// the idle sweep or Remove.
	OnEvict func(printerID string)
}

// PrinterStats is a point-in-time view of one pooled connection.
type PrinterStats struct {
	ConnID         string    `json:"conn_id"`
	Connected      bool      `json:"connected"`
	State          string    `json:"state"`
	LastAccessed   time.Time `json:"last_accessed"`
	RequestCount   uint64    `json:"request_count"`
	FramesReceived uint64    `json:"frames_received"`
	FramesDropped  uint64    `json:"frames_dropped"`
	LastFrameAt    time.Time `json:"last_frame_at,omitzero"`
}

type entry struct {
	dev          Device
	lastAccessed time.Time
	requestCount uint64
}

// Pool maps printer ids to live devices.
type Pool struct {
	dial DialFunc
	opts Options
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	group singleflight.Group

	cronMu sync.Mutex
	cron   *cron.Cron
}

// New creates an empty pool.
func New(dial DialFunc, opts Options) *Pool {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Minute
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = 30 * time.Second
	}
	return &Pool{
		dial:    dial,
		opts:    opts,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// GetOrCreate returns the live device for printerID, dialing one if needed.
// Concurrent callers for the same printer share a single dial; callers for
// different printers never wait on each other.
func (p *Pool) GetOrCreate(ctx context.Context, printerID string, params bbl.ConnectionParams) (Device, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}
	if dev, ok := p.lookup(printerID, true); ok {
		return dev, nil
	}

	ch := p.group.DoChan(printerID, func() (any, error) {
		// A caller that lost the race to an earlier flight finds the entry here.
		if dev, ok := p.lookup(printerID, false); ok {
			return dev, nil
		}
		// Detached from the first caller so its cancellation does not fail
		// everyone coalesced onto this dial; the dialer enforces its own timeout.
		dev, err := p.dial(context.WithoutCancel(ctx), params)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.disconnect(printerID, dev)
			return nil, ErrPoolClosed
		}
		p.entries[printerID] = &entry{dev: dev, lastAccessed: p.now()}
		p.mu.Unlock()
		slog.Info("connection pooled", "printer", printerID, "conn", dev.Stats().ID)
		return dev, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		dev := res.Val.(Device)
		p.touch(printerID, dev)
		return dev, nil
	}
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// lookup returns a live pooled device, recording the access when bump is
// set. A dead entry is removed and disconnected.
func (p *Pool) lookup(printerID string, bump bool) (Device, bool) {
	p.mu.Lock()
	e, ok := p.entries[printerID]
	if !ok {
		p.mu.Unlock()
		return nil, false
	}
	if e.dev.IsConnected() {
		if bump {
			e.lastAccessed = p.now()
			e.requestCount++
		}
		p.mu.Unlock()
		return e.dev, true
	}
	delete(p.entries, printerID)
	p.mu.Unlock()

	slog.Info("replacing dead connection", "printer", printerID, "state", e.dev.State())
	p.disconnect(printerID, e.dev)
	return nil, false
}

func (p *Pool) touch(printerID string, dev Device) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[printerID]; ok && e.dev == dev {
		e.lastAccessed = p.now()
		e.requestCount++
	}
}

func (p *Pool) disconnect(printerID string, dev Device) {
	if err := dev.Disconnect(); err != nil {
		slog.Warn("disconnect failed", "printer", printerID, "err", err)
	}
}

// CleanupIdle removes entries unused for idle or no longer connected and
// returns their printer ids.
func (p *Pool) CleanupIdle(idle time.Duration) []string {
	now := p.now()
	var victims []string
	var devs []Device

	p.mu.Lock()
	for id, e := range p.entries {
		if now.Sub(e.lastAccessed) > idle || !e.dev.IsConnected() {
			victims = append(victims, id)
			devs = append(devs, e.dev)
			delete(p.entries, id)
		}
	}
	p.mu.Unlock()

	for i, id := range victims {
		slog.Info("evicting idle connection", "printer", id)
		p.disconnect(id, devs[i])
		p.evicted(id)
	}
	sort.Strings(victims)
	return victims
}

// Remove disconnects and forgets printerID. It reports whether an entry existed.
func (p *Pool) Remove(printerID string) bool {
	p.mu.Lock()
	e, ok := p.entries[printerID]
	delete(p.entries, printerID)
	p.mu.Unlock()
	if !ok {
		return false
	}
	p.disconnect(printerID, e.dev)
	p.evicted(printerID)
	return true
}

func (p *Pool) evicted(printerID string) {
	if p.opts.OnEvict != nil {
		p.opts.OnEvict(printerID)
	}
}

// Start schedules the idle sweep. Calling Start twice has no effect.
func (p *Pool) Start() error {
	p.cronMu.Lock()
	defer p.cronMu.Unlock()
	if p.isClosed() {
		return ErrPoolClosed
	}
	if p.cron != nil {
		return nil
	}
	c := cron.New()
	spec := fmt.Sprintf("@every %s", p.opts.CleanupInterval)
	if _, err := c.AddFunc(spec, func() {
		if evicted := p.CleanupIdle(p.opts.IdleTimeout); len(evicted) > 0 {
			slog.Debug("idle sweep", "evicted", evicted, "remaining", p.Len())
		}
	}); err != nil {
		return fmt.Errorf("schedule idle sweep: %w", err)
	}
	c.Start()
	p.cron = c
	slog.Debug("idle sweep started", "interval", p.opts.CleanupInterval, "idle_timeout", p.opts.IdleTimeout)
	return nil
}

// Stop cancels the idle sweep and waits for a running sweep to finish.
func (p *Pool) Stop() {
	p.cronMu.Lock()
	c := p.cron
	p.cron = nil
	p.cronMu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Shutdown stops the sweep and disconnects every device. Failures are logged
// and do not stop the remaining disconnects. A dial still in flight
// disconnects its device when it completes.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	entries := p.entries
	p.entries = make(map[string]*entry)
	p.mu.Unlock()

	p.Stop()

	for id, e := range entries {
		p.disconnect(id, e.dev)
	}
	slog.Info("connection pool shut down", "closed", len(entries))
}

// Len returns the number of pooled devices.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Stats returns per-printer bookkeeping merged with connection counters.
func (p *Pool) Stats() map[string]PrinterStats {
	type row struct {
		id string
		e  entry
	}
	p.mu.Lock()
	rows := make([]row, 0, len(p.entries))
	for id, e := range p.entries {
		rows = append(rows, row{id, *e})
	}
	p.mu.Unlock()

	out := make(map[string]PrinterStats, len(rows))
	for _, r := range rows {
		cs := r.e.dev.Stats()
		out[r.id] = PrinterStats{
			ConnID:         cs.ID,
			Connected:      r.e.dev.IsConnected(),
			State:          cs.State.String(),
			LastAccessed:   r.e.lastAccessed,
			RequestCount:   r.e.requestCount,
			FramesReceived: cs.FramesReceived,
			FramesDropped:  cs.FramesDropped,
			LastFrameAt:    cs.LastFrameAt,
		}
	}
	return out
}
