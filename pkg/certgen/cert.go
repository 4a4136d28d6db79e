// Package certgen generates the self-signed X.509 certificate and RSA key
// used by the proxy-ify TLS listener when no certificate is configured.
//
// Typical usage:
//
//	err := certgen.GenerateCert("cert.pem", "key.pem", "localhost", "127.0.0.1")
//	if err != nil {
//	    return fmt.Errorf("generate cert: %w", err)
//	}
package certgen

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// Organization is the subject organization of generated certificates.
const Organization = "proxy-ify"

// Validity is how long a generated certificate stays valid.
const Validity = 365 * 24 * time.Hour

// GenerateCert generates a self-signed X.509 certificate and a 2048-bit RSA private key.
//
// The certificate and key are written to certFile and keyFile in PEM format.
// If both files already exist, the function returns early without overwriting them.
// Each entry of hosts becomes an IP SAN when it parses as an IP address and a
// DNS SAN otherwise; with no hosts the certificate covers "localhost".
//
// Args:
//
//	certFile: Path to the certificate file to create or check.
//	keyFile:  Path to the private key file to create or check.
//	hosts:    Names and addresses the certificate is valid for.
//
// Returns:
//
//	An error if certificate or key generation fails, or if writing to disk fails.
func GenerateCert(certFile, keyFile string, hosts ...string) error {
	if fileExists(certFile) && fileExists(keyFile) {
		return nil
	}
	if len(hosts) == 0 {
		hosts = []string{"localhost"}
	}

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("failed to generate private key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now()
	tmpl := x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{Organization: []string{Organization}},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(Validity),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else if h != "" {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		return fmt.Errorf("failed to create certificate: %w", err)
	}

	if err := writePemToFile(certFile, "CERTIFICATE", derBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}

	keyBytes := x509.MarshalPKCS1PrivateKey(priv)
	if err := writePemToFile(keyFile, "RSA PRIVATE KEY", keyBytes, 0o600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}

	return nil
}

// fileExists reports whether the named file exists and is not a directory.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// writePemToFile writes bytes as a PEM block of the given type, creating the
// parent directory and truncating any existing file.
func writePemToFile(filename, pemType string, bytes []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer f.Close()
	return pem.Encode(f, &pem.Block{Type: pemType, Bytes: bytes})
}
