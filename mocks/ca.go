package mocks

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// MockCA is a mock of a CA that always returns the cert from PEM in response
// to IssueCertificate.
type MockCA struct {
	PEM []byte
}

// IssueCertificate is a mock
func (ca *MockCA) IssueCertificate(_ context.Context, _ *x509.CertificateRequest, _ int64) ([]byte, error) {
	if ca.PEM == nil {
		return nil, fmt.Errorf("MockCA's PEM field must be set before calling IssueCertificate")
	}
	block, _ := pem.Decode(ca.PEM)
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, err
	}
	return cert.Raw, nil
}
