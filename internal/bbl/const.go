package bbl

// Network ports used by the printer.
const (
	DefaultCameraPort = 6000 // TCP+TLS: JPEG camera stream (A1/P1 series)
	DiscoveryPort     = 2021 // UDP: SSDP NOTIFY announcements
)

// Auth packet layout (camera port).
const (
	AuthPacketSize = 80
	AuthFieldSize  = 32     // NUL-padded username / password
	AuthUsername   = "bblp" // fixed LAN-mode user
)

// Auth packet header values.
const (
	AuthPayloadSize uint32 = 0x40   // username + password fields
	AuthPacketType  uint32 = 0x3000 // camera stream login
)

// FrameHeaderSize is the size of the header preceding every JPEG payload.
const FrameHeaderSize = 16

// Default JPEG payload band. A 1280x720 frame is typically 60-200KB; anything
// outside the band means the stream lost sync.
const (
	DefaultMinFrameSize uint32 = 1 << 10 // 1KB
	DefaultMaxFrameSize uint32 = 8 << 20 // 8MB
)

// JPEG markers.
var (
	jpegSOI = [2]byte{0xFF, 0xD8}
	jpegEOI = [2]byte{0xFF, 0xD9}
)

// ContentTypeJPEG is the MIME type of every frame delivered by the camera.
const ContentTypeJPEG = "image/jpeg"
