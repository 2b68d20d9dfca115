package bbl

import "time"

// ConnectionParams identifies one printer camera. It is supplied per request
// and never retained beyond establishing a connection.
type ConnectionParams struct {
	PrinterID    string
	IP           string
	AccessCode   string // 8-character LAN access code shown on the printer
	SerialNumber string // used as TLS SNI and verified against the certificate
}

// FrameHeader is the 16-byte little-endian header preceding each JPEG payload.
type FrameHeader struct {
	PayloadSize uint32
	FrameType   uint32
	Flags       uint32
	Reserved    uint32
}

// Frame holds one complete JPEG image. Data must not be modified once published.
type Frame struct {
	Data       []byte
	CapturedAt time.Time
	Seq        uint64 // 1-based count of frames delivered on this connection
}

// State is the lifecycle state of a camera connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// ConnStats holds counters for a single camera connection.
type ConnStats struct {
	ID             string
	State          State
	FramesReceived uint64
	FramesDropped  uint64 // malformed frames skipped by the reader
	BadMarkers     uint64 // delivered frames lacking FF D8 / FF D9
	ConnectedAt    time.Time
	LastFrameAt    time.Time
}

// DeviceInfo holds information about a printer announced over SSDP.
type DeviceInfo struct {
	IP      string
	Serial  string
	Model   string // e.g. "C11" (P1P), "N2S" (A1)
	Name    string
	Connect string // "lan" or "cloud"
	Bind    string // "free" or "occupied"
}
