// Package bbltest provides an in-process printer camera endpoint for tests.
package bbltest

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mzyy94/bblcam/internal/bbl"
)

// StreamFunc runs after a printer accepted a login. The connection is closed
// when it returns.
type StreamFunc func(conn net.Conn)

// Printer is a TLS listener on 127.0.0.1 that speaks the camera protocol:
// it reads the 80-byte login, closes the socket when the access code is
// wrong, and otherwise hands the connection to Stream.
type Printer struct {
	Serial     string
	AccessCode string
	Roots      *x509.CertPool // pool trusting the printer certificate

	stream StreamFunc
	ln     net.Listener

	accepted atomic.Int32
	logins   atomic.Int32

	mu       sync.Mutex
	conns    []net.Conn
	closed   bool
	lastSNI  string
	lastAuth []byte
	wg       sync.WaitGroup
}

// NewPrinter starts a printer whose certificate is issued to serial by a
// freshly generated CA. A nil stream holds the connection open silently.
func NewPrinter(t testing.TB, serial, accessCode string, stream StreamFunc) *Printer {
	t.Helper()
	roots, cert := NewPKI(t, serial)
	return newPrinter(t, serial, accessCode, roots, cert, stream)
}

// NewPrinterWithCert starts a printer presenting cert. roots is what clients
// should pin.
func NewPrinterWithCert(t testing.TB, serial, accessCode string, roots *x509.CertPool, cert tls.Certificate, stream StreamFunc) *Printer {
	t.Helper()
	return newPrinter(t, serial, accessCode, roots, cert, stream)
}

func newPrinter(t testing.TB, serial, accessCode string, roots *x509.CertPool, cert tls.Certificate, stream StreamFunc) *Printer {
	p := &Printer{
		Serial:     serial,
		AccessCode: accessCode,
		Roots:      roots,
		stream:     stream,
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		GetConfigForClient: func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			p.mu.Lock()
			p.lastSNI = hello.ServerName
			p.mu.Unlock()
			return nil, nil
		},
	}
	ln, err := tls.Listen("tcp", "127.0.0.1:0", cfg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	p.ln = ln
	p.wg.Add(1)
	go p.acceptLoop()
	t.Cleanup(p.Close)
	return p
}

func (p *Printer) acceptLoop() {
	defer p.wg.Done()
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			return
		}
		p.accepted.Add(1)
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			conn.Close()
			return
		}
		p.conns = append(p.conns, conn)
		p.mu.Unlock()

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer conn.Close()
			p.handle(conn)
		}()
	}
}

func (p *Printer) handle(conn net.Conn) {
	auth := make([]byte, bbl.AuthPacketSize)
	if _, err := io.ReadFull(conn, auth); err != nil {
		return
	}
	p.mu.Lock()
	p.lastAuth = auth
	p.mu.Unlock()

	want, err := bbl.BuildAuthPacket(bbl.AuthUsername, p.AccessCode)
	if err != nil || !bytes.Equal(auth, want) {
		return
	}
	p.logins.Add(1)
	if p.stream == nil {
		HoldOpen(conn)
		return
	}
	p.stream(conn)
}

// Close stops the listener, drops every connection and waits for handlers.
func (p *Printer) Close() {
	p.ln.Close()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, c := range p.conns {
		c.Close()
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Port returns the listening TCP port.
func (p *Printer) Port() int { return p.ln.Addr().(*net.TCPAddr).Port }

// Accepted returns the number of TCP connections accepted so far.
func (p *Printer) Accepted() int { return int(p.accepted.Load()) }

// Logins returns the number of accepted logins.
func (p *Printer) Logins() int { return int(p.logins.Load()) }

// LastSNI returns the server name sent in the most recent ClientHello.
func (p *Printer) LastSNI() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSNI
}

// LastAuth returns the most recent login packet as received.
func (p *Printer) LastAuth() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.lastAuth...)
}

// Params returns connection parameters that log in successfully.
func (p *Printer) Params(printerID string) bbl.ConnectionParams {
	return bbl.ConnectionParams{
		PrinterID:    printerID,
		IP:           "127.0.0.1",
		AccessCode:   p.AccessCode,
		SerialNumber: p.Serial,
	}
}

// DialOptions returns options pointing at this printer, with short waits and
// a frame band that admits the tiny frames produced by JPEG.
func (p *Printer) DialOptions() bbl.DialOptions {
	return bbl.DialOptions{
		Port:           p.Port(),
		ConnectTimeout: 2 * time.Second,
		AuthGrace:      100 * time.Millisecond,
		MinFrameSize:   4,
		MaxFrameSize:   1 << 20,
		RootCAs:        p.Roots,
	}
}

// --------------------------------------------------------------------------
// Stream helpers
// --------------------------------------------------------------------------

// HoldOpen blocks until the peer closes the connection.
func HoldOpen(conn net.Conn) {
	io.Copy(io.Discard, conn)
}

// WriteFrame writes one header + payload.
func WriteFrame(w io.Writer, payload []byte) error {
	hdr := bbl.MarshalFrameHeader(bbl.FrameHeader{PayloadSize: uint32(len(payload))})
	if _, err := w.Write(append(hdr, payload...)); err != nil {
		return err
	}
	return nil
}

// JPEG returns a size-byte payload with JPEG SOI/EOI markers around fill bytes.
func JPEG(size int, fill byte) []byte {
	if size < 4 {
		size = 4
	}
	b := bytes.Repeat([]byte{fill}, size)
	b[0], b[1] = 0xFF, 0xD8
	b[size-2], b[size-1] = 0xFF, 0xD9
	return b
}

// Frames returns a StreamFunc that writes frames in order and then holds the
// connection open.
func Frames(frames ...[]byte) StreamFunc {
	return func(conn net.Conn) {
		for _, f := range frames {
			if err := WriteFrame(conn, f); err != nil {
				return
			}
		}
		HoldOpen(conn)
	}
}

// --------------------------------------------------------------------------
// Certificates
// --------------------------------------------------------------------------

// NewPKI creates a CA and a leaf certificate issued to commonName. Like the
// real printer certificates, the leaf has no SAN and no extended key usage.
func NewPKI(t testing.TB, commonName string) (*x509.CertPool, tls.Certificate) {
	t.Helper()
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate CA key: %v", err)
	}
	now := time.Now()
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Printer CA"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("create CA: %v", err)
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		t.Fatalf("parse CA: %v", err)
	}

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate leaf key: %v", err)
	}
	leafTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTmpl, caCert, &leafKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("create leaf: %v", err)
	}

	roots := x509.NewCertPool()
	roots.AddCert(caCert)
	return roots, tls.Certificate{
		Certificate: [][]byte{leafDER},
		PrivateKey:  leafKey,
	}
}
