package proxy

import (
	"crypto/tls"
	"fmt"

	"proxy-ify/pkg/certgen"
)

// TLSConfig loads the listener certificate, generating a self-signed pair
// covering hosts when the files do not exist yet.
func TLSConfig(certFile, keyFile string, hosts ...string) (*tls.Config, error) {
	if err := certgen.GenerateCert(certFile, keyFile, hosts...); err != nil {
		return nil, fmt.Errorf("generate certificate: %w", err)
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
