// Package snapshot serves the latest camera frame of a printer as a JPEG,
// reusing pooled connections and a short-lived cache.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mzyy94/bblcam/internal/bbl"
	"github.com/mzyy94/bblcam/internal/pool"
)

// ErrNoFrameAvailable is returned when the printer is connected but has not
// produced a frame within the first-frame grace period.
var ErrNoFrameAvailable = errors.New("snapshot: no frame available")

// UnavailableError reports that no camera connection could be established.
// Err is typically a *bbl.ConnectError or *bbl.AuthError.
type UnavailableError struct {
	PrinterID string
	Err       error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("snapshot: printer %s unavailable: %v", e.PrinterID, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Options tunes the service.
type Options struct {
	FirstFrameGrace time.Duration // default 3s
}

// Config describes a complete service graph for New.
type Config struct {
	Dial            pool.DialFunc
	FrameTTL        time.Duration
	FirstFrameGrace time.Duration
	IdleTimeout     time.Duration
	CleanupInterval time.Duration
}

// Stats summarizes pool and cache state.
type Stats struct {
	ActiveConnections int                          `json:"active_connections"`
	PooledConnections int                          `json:"pooled_connections"`
	CachedFrames      int                          `json:"cached_frames"`
	Printers          map[string]pool.PrinterStats `json:"printers"`
}

// Service is the snapshot facade.
type Service struct {
	pool  *pool.Pool
	cache *Cache
	opts  Options
}

// NewService wires an existing pool and cache together. The pool's OnEvict
// should purge the cache; New does that.
func NewService(p *pool.Pool, c *Cache, opts Options) *Service {
	if opts.FirstFrameGrace <= 0 {
		opts.FirstFrameGrace = 3 * time.Second
	}
	return &Service{pool: p, cache: c, opts: opts}
}

// New builds cache, pool and service from cfg. Evicted connections drop
// their cached frame.
func New(cfg Config) *Service {
	cache := NewCache(cfg.FrameTTL)
	p := pool.New(cfg.Dial, pool.Options{
		IdleTimeout:     cfg.IdleTimeout,
		CleanupInterval: cfg.CleanupInterval,
		OnEvict:         cache.Remove,
	})
	return NewService(p, cache, Options{FirstFrameGrace: cfg.FirstFrameGrace})
}

// Cache returns the snapshot cache.
func (s *Service) Cache() *Cache { return s.cache }

// Pool returns the connection pool.
func (s *Service) Pool() *pool.Pool { return s.pool }

// GetSnapshot returns the latest JPEG for printerID and its content type.
// A fresh cached frame is served unless forceRefresh is set.
func (s *Service) GetSnapshot(ctx context.Context, printerID string, params bbl.ConnectionParams, forceRefresh bool) ([]byte, string, error) {
	if !forceRefresh {
		if e, ok := s.cache.Get(printerID); ok {
			slog.Debug("snapshot cache hit", "printer", printerID, "age", time.Since(e.CapturedAt))
			return e.Data, bbl.ContentTypeJPEG, nil
		}
	}

	if err := params.Validate(); err != nil {
		return nil, "", fmt.Errorf("printer %s: %w", printerID, err)
	}

	dev, err := s.pool.GetOrCreate(ctx, printerID, params)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, "", ctxErr
		}
		var ae *bbl.AuthError
		if errors.As(err, &ae) {
			slog.Warn("camera login rejected, check the access code", "printer", printerID, "serial", ae.Serial)
		} else {
			slog.Warn("camera unavailable", "printer", printerID, "err", err)
		}
		return nil, "", &UnavailableError{PrinterID: printerID, Err: err}
	}

	frame, ok := dev.LatestFrame()
	if !ok {
		frame, ok, err = s.waitFirstFrame(ctx, dev)
		if err != nil {
			return nil, "", err
		}
		if !ok {
			slog.Info("no frame yet", "printer", printerID, "waited", s.opts.FirstFrameGrace)
			return nil, "", ErrNoFrameAvailable
		}
	}

	s.cache.Put(printerID, frame.Data, frame.CapturedAt)
	slog.Debug("snapshot served", "printer", printerID, "seq", frame.Seq, "bytes", len(frame.Data), "refresh", forceRefresh)
	return frame.Data, bbl.ContentTypeJPEG, nil
}

// waitFirstFrame blocks once, for at most FirstFrameGrace, until the device
// publishes its first frame.
func (s *Service) waitFirstFrame(ctx context.Context, dev pool.Device) (bbl.Frame, bool, error) {
	timer := time.NewTimer(s.opts.FirstFrameGrace)
	defer timer.Stop()
	select {
	case <-dev.FrameReady():
	case <-timer.C:
	case <-ctx.Done():
		return bbl.Frame{}, false, ctx.Err()
	}
	f, ok := dev.LatestFrame()
	return f, ok, nil
}

// ContactSheet renders every fresh cached frame into a PDF.
func (s *Service) ContactSheet() ([]byte, error) {
	return ContactSheetPDF(s.cache.Entries())
}

// Stats returns connection and cache counters.
func (s *Service) Stats() Stats {
	printers := s.pool.Stats()
	st := Stats{
		PooledConnections: len(printers),
		CachedFrames:      s.cache.Len(),
		Printers:          printers,
	}
	for _, ps := range printers {
		if ps.Connected {
			st.ActiveConnections++
		}
	}
	return st
}

// Start begins background idle eviction.
func (s *Service) Start() error {
	return s.pool.Start()
}

// Shutdown disconnects every printer and empties the cache.
func (s *Service) Shutdown() {
	s.pool.Shutdown()
	s.cache.Clear()
}
