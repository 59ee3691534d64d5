// Package issuercerts defines types representing a certificate that issues
// other certificates, paired with its private key.
package issuercerts

import (
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"

	"github.com/trellisca/trellis/privatekey"
)

type Issuer struct {
	Cert   *x509.Certificate
	Signer crypto.Signer
}

type ID int64

// loadCert reads the first PEM certificate block from a file.
func loadCert(filename string) (*x509.Certificate, error) {
	certPEM, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("could not read certificate file %q: %w", filename, err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("no PEM formatted certificate block found in %q", filename)
	}
	return x509.ParseCertificate(block.Bytes)
}

// FromFiles reads an issuer certificate and its private key from the given
// files, checks that they belong together, and returns an Issuer capable of
// signing.
func FromFiles(certFile, keyFile string) (*Issuer, error) {
	cert, err := loadCert(certFile)
	if err != nil {
		return nil, err
	}

	signer, err := privatekey.Load(keyFile)
	if err != nil {
		return nil, err
	}
	err = privatekey.Verify(signer)
	if err != nil {
		return nil, err
	}

	certKeyDER, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshalling issuer certificate public key: %w", err)
	}
	signerKeyDER, err := x509.MarshalPKIXPublicKey(signer.Public())
	if err != nil {
		return nil, fmt.Errorf("marshalling issuer signer public key: %w", err)
	}
	if string(certKeyDER) != string(signerKeyDER) {
		return nil, fmt.Errorf("issuer key in %q does not match certificate in %q", keyFile, certFile)
	}

	return &Issuer{Cert: cert, Signer: signer}, nil
}

// FromCert wraps an already-parsed certificate. The resulting Issuer cannot
// sign; it is useful for chain construction and ID computation.
func FromCert(cert *x509.Certificate) *Issuer {
	return &Issuer{Cert: cert}
}

// ID generates a stable ID for an issuer certificate, based on a hash of the
// issuer certificate's bytes.
func (issuer *Issuer) ID() ID {
	h := sha256.Sum256(issuer.Cert.Raw)
	return ID(big.NewInt(0).SetBytes(h[:4]).Int64())
}

// LoadChain loads the certificates in the given files and orders them into
// the chain a subscriber needs to build a path from an end-entity
// certificate to a trusted root: the first certificate is the one that
// signed the leaf, and each subsequent certificate signed the one before it.
// The input files may be in any order. A set of certificates that does not
// form a single chain, or that loops back on itself, is an error.
func LoadChain(certFiles []string) ([]*x509.Certificate, error) {
	if len(certFiles) == 0 {
		return nil, fmt.Errorf("chain must include at least one certificate")
	}

	certs := make([]*x509.Certificate, 0, len(certFiles))
	for _, file := range certFiles {
		cert, err := loadCert(file)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}

	// Find the one certificate that issues no other certificate in the
	// set. It signed the leaf, so it is the start of the chain.
	isIssuer := make(map[string]bool)
	for _, cert := range certs {
		for _, candidate := range certs {
			if cert.Equal(candidate) {
				continue
			}
			if candidate.CheckSignatureFrom(cert) == nil {
				isIssuer[fingerprint(cert)] = true
			}
		}
	}
	var first *x509.Certificate
	for _, cert := range certs {
		if !isIssuer[fingerprint(cert)] {
			if first != nil {
				return nil, fmt.Errorf(
					"certificates do not form a single chain: both %q and %q are chain heads",
					first.Subject, cert.Subject)
			}
			first = cert
		}
	}
	if first == nil {
		return nil, fmt.Errorf("certificates contain an issuance cycle")
	}

	// Walk issuer links from the head, consuming each certificate once.
	remaining := make(map[string]*x509.Certificate)
	for _, cert := range certs {
		remaining[fingerprint(cert)] = cert
	}

	chain := make([]*x509.Certificate, 0, len(certs))
	current := first
	for current != nil {
		delete(remaining, fingerprint(current))
		chain = append(chain, current)

		var next *x509.Certificate
		for _, candidate := range remaining {
			if current.CheckSignatureFrom(candidate) == nil {
				next = candidate
				break
			}
		}
		if next == nil && len(remaining) > 0 {
			return nil, fmt.Errorf(
				"certificate %q is not part of the chain", anyCert(remaining).Subject)
		}
		current = next
	}
	return chain, nil
}

func fingerprint(cert *x509.Certificate) string {
	h := sha256.Sum256(cert.Raw)
	return string(h[:])
}

func anyCert(m map[string]*x509.Certificate) *x509.Certificate {
	for _, cert := range m {
		return cert
	}
	return nil
}
