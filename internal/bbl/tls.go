package bbl

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// LoadCAPool parses PEM-encoded CA certificates into the pool used to pin
// printer certificates. The system trust store is never consulted.
func LoadCAPool(pemData []byte) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemData) {
		return nil, errors.New("bbl: no CA certificate found in PEM data")
	}
	return pool, nil
}

// LoadCAFile reads a PEM file and returns its certificates as a pinned pool.
func LoadCAFile(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA file: %w", err)
	}
	return LoadCAPool(data)
}

// newTLSConfig returns a client config for one printer. SNI carries the serial.
//
// Printer certificates carry neither a ServerAuth extended key usage nor a SAN,
// so the stock verifier is replaced by verifyPrinterCert, which still checks
// the chain against roots and the certificate name against the serial.
func newTLSConfig(serial string, roots *x509.CertPool) *tls.Config {
	return &tls.Config{
		ServerName:         serial,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: true,
		VerifyConnection: func(cs tls.ConnectionState) error {
			return verifyPrinterCert(cs, serial, roots)
		},
	}
}

func verifyPrinterCert(cs tls.ConnectionState, serial string, roots *x509.CertPool) error {
	if roots == nil {
		return errors.New("bbl: no pinned CA configured")
	}
	if len(cs.PeerCertificates) == 0 {
		return errors.New("bbl: printer presented no certificate")
	}
	leaf := cs.PeerCertificates[0]
	intermediates := x509.NewCertPool()
	for _, cert := range cs.PeerCertificates[1:] {
		intermediates.AddCert(cert)
	}
	_, err := leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return fmt.Errorf("bbl: verify printer certificate: %w", err)
	}

	if len(leaf.DNSNames) > 0 {
		return leaf.VerifyHostname(serial)
	}
	if leaf.Subject.CommonName != serial {
		return fmt.Errorf("bbl: certificate issued to %q, want serial %q", leaf.Subject.CommonName, serial)
	}
	return nil
}
