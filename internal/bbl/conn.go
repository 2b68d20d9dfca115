package bbl

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DialOptions tunes a camera connection. Zero fields take defaults.
type DialOptions struct {
	Port           int           // default 6000
	ConnectTimeout time.Duration // TCP connect + TLS handshake, default 10s
	AuthGrace      time.Duration // wait for a rejection after login, default 500ms
	StallTimeout   time.Duration // max silence between frames, default 15s; <0 disables
	MinFrameSize   uint32
	MaxFrameSize   uint32
	RootCAs        *x509.CertPool // pinned printer CA
}

func (o DialOptions) withDefaults() DialOptions {
	if o.Port == 0 {
		o.Port = DefaultCameraPort
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.AuthGrace <= 0 {
		o.AuthGrace = 500 * time.Millisecond
	}
	if o.StallTimeout == 0 {
		o.StallTimeout = 15 * time.Second
	}
	if o.MinFrameSize == 0 {
		o.MinFrameSize = DefaultMinFrameSize
	}
	if o.MaxFrameSize == 0 {
		o.MaxFrameSize = DefaultMaxFrameSize
	}
	return o
}

// Conn owns one authenticated camera stream to one printer and keeps the
// newest frame available.
type Conn struct {
	id     string
	params ConnectionParams
	opts   DialOptions
	addr   string
	log    *slog.Logger

	mu          sync.Mutex
	raw         net.Conn
	tls         *tls.Conn
	br          *bufio.Reader
	state       State
	done        chan struct{} // closed when the reader goroutine exits
	closed      bool
	connectedAt time.Time

	stopping atomic.Bool

	frameMu  sync.RWMutex
	latest   Frame
	hasFrame bool

	ready     chan struct{}
	readyOnce sync.Once

	framesReceived atomic.Uint64
	framesDropped  atomic.Uint64
	badMarkers     atomic.Uint64
}

// NewConn creates an unconnected camera connection.
func NewConn(params ConnectionParams, opts DialOptions) *Conn {
	opts = opts.withDefaults()
	id := uuid.NewString()
	return &Conn{
		id:     id,
		params: params,
		opts:   opts,
		addr:   params.Addr(opts.Port),
		log:    slog.With("printer", params.PrinterID, "conn", id[:8]),
		ready:  make(chan struct{}),
	}
}

// Dial connects, authenticates and starts streaming. On failure nothing is left open.
func Dial(ctx context.Context, params ConnectionParams, opts DialOptions) (*Conn, error) {
	c := NewConn(params, opts)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	if err := c.Authenticate(ctx); err != nil {
		c.Disconnect()
		return nil, err
	}
	c.Start()
	return c, nil
}

// ID returns the session id used in logs.
func (c *Conn) ID() string { return c.id }

// Params returns the parameters the connection was created with.
func (c *Conn) Params() ConnectionParams { return c.params }

// Connect opens TCP and performs the TLS handshake with SNI set to the serial.
func (c *Conn) Connect(ctx context.Context) error {
	if err := c.params.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed || c.state != StateDisconnected || c.tls != nil {
		c.mu.Unlock()
		return fmt.Errorf("bbl: connection %s cannot be reused", c.id)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	c.log.Debug("camera connecting", "addr", c.addr)
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		c.setState(StateDisconnected)
		return &ConnectError{Addr: c.addr, Op: "dial", Err: err}
	}
	tc := tls.Client(raw, newTLSConfig(c.params.SerialNumber, c.opts.RootCAs))
	if err := tc.HandshakeContext(ctx); err != nil {
		raw.Close()
		c.setState(StateDisconnected)
		return &ConnectError{Addr: c.addr, Op: "handshake", Err: err}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		raw.Close()
		return &ConnectError{Addr: c.addr, Op: "dial", Err: net.ErrClosed}
	}
	c.raw = raw
	c.tls = tc
	c.br = bufio.NewReaderSize(tc, 64<<10)
	c.connectedAt = time.Now()
	c.mu.Unlock()

	state := tc.ConnectionState()
	c.log.Debug("camera TLS established", "addr", c.addr, "version", tls.VersionName(state.Version))
	return nil
}

// Authenticate sends the login packet. The protocol has no acknowledgement:
// the printer closes the socket on bad credentials, so a close within
// AuthGrace is a rejection and silence (or data) is success.
func (c *Conn) Authenticate(ctx context.Context) error {
	c.mu.Lock()
	tc, br := c.tls, c.br
	if tc == nil || c.closed {
		c.mu.Unlock()
		return errors.New("bbl: authenticate before connect")
	}
	c.state = StateAuthenticating
	c.mu.Unlock()

	pkt, err := BuildAuthPacket(AuthUsername, c.params.AccessCode)
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}

	deadline := time.Now().Add(c.opts.ConnectTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	tc.SetWriteDeadline(deadline)
	if _, err := tc.Write(pkt); err != nil {
		c.setState(StateDisconnected)
		return &ConnectError{Addr: c.addr, Op: "send", Err: err}
	}
	tc.SetWriteDeadline(time.Time{})

	tc.SetReadDeadline(time.Now().Add(c.opts.AuthGrace))
	_, err = br.Peek(1)
	tc.SetReadDeadline(time.Time{})
	if err != nil && !isTimeout(err) {
		c.setState(StateDisconnected)
		c.log.Warn("camera auth rejected", "serial", c.params.SerialNumber, "err", err)
		return &AuthError{Serial: c.params.SerialNumber, Err: err}
	}
	if err := ctx.Err(); err != nil {
		c.setState(StateDisconnected)
		return &ConnectError{Addr: c.addr, Op: "auth", Err: err}
	}
	c.log.Info("camera authenticated", "addr", c.addr)
	return nil
}

// Start launches the frame reader. It is a no-op unless the connection is
// authenticated and not yet streaming.
func (c *Conn) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tls == nil || c.closed || c.done != nil || c.state != StateAuthenticating {
		return
	}
	c.state = StateStreaming
	c.done = make(chan struct{})
	go c.readLoop(c.done)
}

// Done returns a channel closed when the reader exits. Nil before Start.
func (c *Conn) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// LatestFrame returns the newest frame, if any has arrived.
func (c *Conn) LatestFrame() (Frame, bool) {
	c.frameMu.RLock()
	defer c.frameMu.RUnlock()
	return c.latest, c.hasFrame
}

// FrameReady returns a channel closed once the first frame is published.
func (c *Conn) FrameReady() <-chan struct{} { return c.ready }

// IsConnected reports whether the stream is open and the reader still running.
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state != StateStreaming || c.done == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns a snapshot of the connection counters.
func (c *Conn) Stats() ConnStats {
	c.mu.Lock()
	st := ConnStats{ID: c.id, State: c.state, ConnectedAt: c.connectedAt}
	c.mu.Unlock()
	c.frameMu.RLock()
	st.LastFrameAt = c.latest.CapturedAt
	c.frameMu.RUnlock()
	st.FramesReceived = c.framesReceived.Load()
	st.FramesDropped = c.framesDropped.Load()
	st.BadMarkers = c.badMarkers.Load()
	return st
}

// Disconnect stops the reader, waits for it to exit, then closes the socket.
// Safe to call more than once and on a dead connection.
func (c *Conn) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	raw, tc, done := c.raw, c.tls, c.done
	c.mu.Unlock()

	c.stopping.Store(true)
	if tc != nil {
		// Unblocks a pending read without closing the descriptor under it.
		tc.SetReadDeadline(time.Now())
	}
	if done != nil {
		<-done
	}

	var err error
	if raw != nil {
		if cerr := raw.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = fmt.Errorf("bbl: close %s: %w", c.addr, cerr)
		}
	}
	c.setState(StateDisconnected)
	c.log.Info("camera disconnected", "frames", c.framesReceived.Load(), "dropped", c.framesDropped.Load())
	return err
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// maxBadFrames is how many malformed frames in a row end the stream. Past
// that the reader has lost frame alignment and only a reconnect recovers it.
const maxBadFrames = 8

// armDeadline sets the stall deadline relative to the last published frame,
// so bytes that never form a frame do not keep the stream alive. It reports
// false once Disconnect has begun; the check follows the deadline update so
// a concurrent Disconnect cannot be overwritten by a later deadline.
func (c *Conn) armDeadline(lastFrame time.Time) bool {
	if c.opts.StallTimeout > 0 {
		c.tls.SetReadDeadline(lastFrame.Add(c.opts.StallTimeout))
	}
	return !c.stopping.Load()
}

// readLoop reads frames until the stream fails or Disconnect is called.
func (c *Conn) readLoop(done chan struct{}) {
	defer close(done)
	defer c.setState(StateDisconnected)

	c.log.Info("camera streaming started")
	header := make([]byte, FrameHeaderSize)
	lastFrame := time.Now()
	bad := 0
	for {
		if !c.armDeadline(lastFrame) {
			return
		}
		if _, err := io.ReadFull(c.br, header); err != nil {
			c.logReadExit("header", err)
			return
		}
		data, err := c.readPayload(header, lastFrame)
		if err != nil {
			var fe *FrameError
			if errors.As(err, &fe) {
				c.framesDropped.Add(1)
				bad++
				if bad >= maxBadFrames {
					c.log.Warn("camera stream out of sync", "malformed", bad, "err", err)
					return
				}
				c.log.Warn("skipping malformed frame", "err", err)
				continue
			}
			c.logReadExit("payload", err)
			return
		}
		c.publish(data)
		lastFrame = time.Now()
		bad = 0
	}
}

// readPayload validates the header and reads exactly PayloadSize bytes.
func (c *Conn) readPayload(header []byte, lastFrame time.Time) ([]byte, error) {
	hdr, err := ParseFrameHeader(header)
	if err != nil {
		return nil, err
	}
	if err := ValidateJPEGBounds(hdr.PayloadSize, c.opts.MinFrameSize, c.opts.MaxFrameSize); err != nil {
		return nil, err
	}
	if !c.armDeadline(lastFrame) {
		return nil, net.ErrClosed
	}
	data := make([]byte, hdr.PayloadSize)
	if _, err := io.ReadFull(c.br, data); err != nil {
		return nil, err
	}
	if !HasValidJPEGMarkers(data) {
		c.badMarkers.Add(1)
		c.log.Warn("frame lacks JPEG markers", "bytes", len(data), "type", hdr.FrameType)
	}
	return data, nil
}

func (c *Conn) publish(data []byte) {
	f := Frame{Data: data, CapturedAt: time.Now(), Seq: c.framesReceived.Add(1)}
	c.frameMu.Lock()
	c.latest = f
	c.hasFrame = true
	c.frameMu.Unlock()
	c.readyOnce.Do(func() { close(c.ready) })
	c.log.Debug("frame received", "seq", f.Seq, "bytes", len(data))
}

func (c *Conn) logReadExit(stage string, err error) {
	if c.stopping.Load() {
		return
	}
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		c.log.Warn("camera stream closed by printer", "stage", stage)
	case isTimeout(err):
		c.log.Warn("camera stream stalled", "stage", stage, "timeout", c.opts.StallTimeout)
	default:
		c.log.Warn("camera stream failed", "stage", stage, "err", err)
	}
}
