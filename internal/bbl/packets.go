package bbl

import (
	"encoding/binary"
	"fmt"
)

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

// putPadded copies s into dst (NUL-padded). s must be ASCII and fit dst.
func putPadded(dst []byte, field, s string) error {
	if len(s) > len(dst) {
		return fmt.Errorf("%w: %s is %d bytes, max %d", ErrEncoding, field, len(s), len(dst))
	}
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7F {
			return fmt.Errorf("%w: %s contains non-ASCII byte 0x%02X at %d", ErrEncoding, field, s[i], i)
		}
	}
	copy(dst, s)
	return nil
}

// --------------------------------------------------------------------------
// Auth packet (client -> printer)
// --------------------------------------------------------------------------

// BuildAuthPacket builds the 80-byte camera login packet.
//
//	[0:4]   payload size = 0x40
//	[4:8]   packet type  = 0x3000
//	[8:12]  flags        = 0
//	[12:16] reserved     = 0
//	[16:48] username, NUL-padded
//	[48:80] access code, NUL-padded
//
// Fields longer than 32 bytes are rejected rather than truncated.
func BuildAuthPacket(username, accessCode string) ([]byte, error) {
	buf := make([]byte, AuthPacketSize)
	binary.LittleEndian.PutUint32(buf[0:4], AuthPayloadSize)
	binary.LittleEndian.PutUint32(buf[4:8], AuthPacketType)
	if err := putPadded(buf[16:48], "username", username); err != nil {
		return nil, err
	}
	if err := putPadded(buf[48:80], "access code", accessCode); err != nil {
		return nil, err
	}
	return buf, nil
}

// --------------------------------------------------------------------------
// Frame stream (printer -> client)
// --------------------------------------------------------------------------

// ParseFrameHeader unpacks a 16-byte little-endian frame header.
func ParseFrameHeader(data []byte) (FrameHeader, error) {
	if len(data) < FrameHeaderSize {
		return FrameHeader{}, &FrameError{Msg: fmt.Sprintf("header too short: %d bytes", len(data))}
	}
	return FrameHeader{
		PayloadSize: binary.LittleEndian.Uint32(data[0:4]),
		FrameType:   binary.LittleEndian.Uint32(data[4:8]),
		Flags:       binary.LittleEndian.Uint32(data[8:12]),
		Reserved:    binary.LittleEndian.Uint32(data[12:16]),
	}, nil
}

// MarshalFrameHeader packs a frame header into its 16-byte wire form.
func MarshalFrameHeader(h FrameHeader) []byte {
	buf := make([]byte, FrameHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.PayloadSize)
	binary.LittleEndian.PutUint32(buf[4:8], h.FrameType)
	binary.LittleEndian.PutUint32(buf[8:12], h.Flags)
	binary.LittleEndian.PutUint32(buf[12:16], h.Reserved)
	return buf
}

// ValidateJPEGBounds rejects payload sizes outside [min, max]. It must run
// before the payload buffer is allocated.
func ValidateJPEGBounds(size, min, max uint32) error {
	if size < min || size > max {
		return &FrameError{Msg: fmt.Sprintf("payload size %d outside [%d, %d]", size, min, max)}
	}
	return nil
}

// HasValidJPEGMarkers reports whether data starts with SOI (FF D8) and ends
// with EOI (FF D9). Advisory only.
func HasValidJPEGMarkers(data []byte) bool {
	n := len(data)
	if n < 4 {
		return false
	}
	return data[0] == jpegSOI[0] && data[1] == jpegSOI[1] &&
		data[n-2] == jpegEOI[0] && data[n-1] == jpegEOI[1]
}
