package bbl

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Validate checks that the parameters are usable for a camera login.
// Failures wrap ErrInvalidParams; an access code that cannot be encoded also
// wraps ErrEncoding.
func (p ConnectionParams) Validate() error {
	if p.IP == "" {
		return fmt.Errorf("%w: printer IP is required", ErrInvalidParams)
	}
	if p.SerialNumber == "" {
		return fmt.Errorf("%w: serial number is required for TLS SNI", ErrInvalidParams)
	}
	if p.AccessCode == "" {
		return fmt.Errorf("%w: access code is required", ErrInvalidParams)
	}
	if len(p.AccessCode) > AuthFieldSize {
		return fmt.Errorf("%w: %w: access code too long (max %d chars, got %d)", ErrInvalidParams, ErrEncoding, AuthFieldSize, len(p.AccessCode))
	}
	if !isASCII(p.AccessCode) {
		return fmt.Errorf("%w: %w: access code must be ASCII", ErrInvalidParams, ErrEncoding)
	}
	return nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7F {
			return false
		}
	}
	return true
}

// Addr returns the host:port of the camera endpoint.
func (p ConnectionParams) Addr(port int) string {
	if port == 0 {
		port = DefaultCameraPort
	}
	return net.JoinHostPort(p.IP, strconv.Itoa(port))
}

// NormalizeSerial strips the whitespace and NUL padding some firmware
// versions leave around the serial in announcements.
func NormalizeSerial(serial string) string {
	return strings.ToUpper(strings.Trim(serial, " \x00\r\n\t"))
}
