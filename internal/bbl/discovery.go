package bbl

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/textproto"
	"strings"
	"time"
)

// SSDP notification type advertised by Bambu printers.
const ssdpPrinterNT = "urn:bambulab-com:device:3dprinter:1"

// ParseAnnouncement parses one SSDP NOTIFY datagram sent by a printer.
//
//	NOTIFY * HTTP/1.1
//	Location: 192.168.1.20
//	NT: urn:bambulab-com:device:3dprinter:1
//	USN: 01P00A000000000
//	DevModel.bambu.com: C11
//	DevName.bambu.com: P1P
//	DevConnect.bambu.com: lan
//	DevBind.bambu.com: free
func ParseAnnouncement(data []byte) (*DeviceInfo, error) {
	r := textproto.NewReader(bufio.NewReader(bytes.NewReader(data)))
	line, err := r.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("read start line: %w", err)
	}
	if !strings.HasPrefix(line, "NOTIFY ") && !strings.HasPrefix(line, "HTTP/1.1 200") {
		return nil, errors.New("not an SSDP announcement")
	}
	hdr, err := r.ReadMIMEHeader()
	if err != nil && len(hdr) == 0 {
		return nil, fmt.Errorf("read headers: %w", err)
	}
	if nt := hdr.Get("NT"); nt != "" && nt != ssdpPrinterNT {
		return nil, fmt.Errorf("not a printer announcement: %s", nt)
	}

	info := &DeviceInfo{
		IP:      strings.TrimSpace(hdr.Get("Location")),
		Serial:  NormalizeSerial(hdr.Get("USN")),
		Model:   hdr.Get("DevModel.bambu.com"),
		Name:    hdr.Get("DevName.bambu.com"),
		Connect: hdr.Get("DevConnect.bambu.com"),
		Bind:    hdr.Get("DevBind.bambu.com"),
	}
	if net.ParseIP(info.IP) == nil {
		return nil, fmt.Errorf("invalid printer location %q", info.IP)
	}
	if info.Serial == "" {
		return nil, errors.New("announcement without serial")
	}
	return info, nil
}

// DiscoveryOptions configures printer discovery.
type DiscoveryOptions struct {
	Serial  string // Empty accepts the first printer heard
	Port    int    // Default DiscoveryPort
	Timeout time.Duration
}

// FindPrinter listens for SSDP announcements until a matching printer is heard.
// Printers announce roughly every 5 seconds.
func FindPrinter(ctx context.Context, opts DiscoveryOptions) (*DeviceInfo, error) {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Port == 0 {
		opts.Port = DiscoveryPort
	}
	want := NormalizeSerial(opts.Serial)
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: opts.Port})
	if err != nil {
		return nil, fmt.Errorf("bind discovery port %d: %w", opts.Port, err)
	}
	defer conn.Close()
	slog.Debug("listening for printer announcements", "port", opts.Port, "serial", want)

	buf := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, remoteAddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return nil, fmt.Errorf("read discovery: %w", err)
		}

		info, err := ParseAnnouncement(buf[:n])
		if err != nil {
			slog.Debug("ignored UDP packet", "from", remoteAddr, "error", err, "bytes", n)
			continue
		}
		if want != "" && info.Serial != want {
			slog.Debug("ignored other printer", "serial", info.Serial, "ip", info.IP)
			continue
		}

		slog.Info("found printer",
			"name", info.Name,
			"serial", info.Serial,
			"model", info.Model,
			"ip", info.IP,
		)
		return info, nil
	}
}

// LocalIP returns the local address the OS would use to reach targetIP.
// With an empty target the all-hosts multicast group picks the LAN interface.
func LocalIP(targetIP string) string {
	if targetIP == "" {
		targetIP = "224.0.0.1"
	}
	conn, err := net.Dial("udp4", net.JoinHostPort(targetIP, "80"))
	if err != nil {
		return "0.0.0.0"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}
