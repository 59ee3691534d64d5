// Package ca implements the certificate authority: it signs end-entity
// certificates from finalized orders using a single issuer certificate and
// key.
package ca

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/trellisca/trellis/core"
	terrors "github.com/trellisca/trellis/errors"
	"github.com/trellisca/trellis/goodkey"
	"github.com/trellisca/trellis/identifier"
	"github.com/trellisca/trellis/issuercerts"
	blog "github.com/trellisca/trellis/log"
)

// serialRandBytes is the number of random bytes in a serial number, in
// addition to the one-byte instance prefix. 17 bytes gives 136 bits of
// entropy, comfortably above the 64 bits the Baseline Requirements demand.
const serialRandBytes = 17

// CertificateAuthorityImpl represents a CA that signs certificates.
// It can sign CSRs that have been approved and checked by the registration
// authority.
type CertificateAuthorityImpl struct {
	issuer         *issuercerts.Issuer
	keyPolicy      *goodkey.KeyPolicy
	prefix         byte
	validityPeriod time.Duration
	backdate       time.Duration
	maxNames       int
	clk            clock.Clock
	log            blog.Logger

	signatureCount *prometheus.CounterVec
	signErrorCount *prometheus.CounterVec
}

var _ core.CertificateAuthority = (*CertificateAuthorityImpl)(nil)

// NewCertificateAuthorityImpl creates a CA instance that signs with the
// given issuer. The serial prefix distinguishes certificates issued by
// different CA instances sharing a database and must be in the range
// [0x01, 0x7f] so that serials are positive and of fixed length.
func NewCertificateAuthorityImpl(
	issuer *issuercerts.Issuer,
	keyPolicy *goodkey.KeyPolicy,
	serialPrefix byte,
	validityPeriod time.Duration,
	backdate time.Duration,
	maxNames int,
	stats prometheus.Registerer,
	clk clock.Clock,
	logger blog.Logger,
) (*CertificateAuthorityImpl, error) {
	if issuer == nil || issuer.Cert == nil || issuer.Signer == nil {
		return nil, fmt.Errorf("issuer certificate and key are required")
	}
	if serialPrefix < 0x01 || serialPrefix > 0x7f {
		return nil, fmt.Errorf("serial prefix %d must be between 0x01 and 0x7f", serialPrefix)
	}
	if validityPeriod <= 0 {
		return nil, fmt.Errorf("certificate validity period must be positive, got %s", validityPeriod)
	}
	if backdate < 0 {
		return nil, fmt.Errorf("certificate backdate must not be negative, got %s", backdate)
	}
	if maxNames <= 0 {
		return nil, fmt.Errorf("maximum number of names per certificate must be positive")
	}

	signatureCount := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signatures",
			Help: "Number of signatures performed, by purpose",
		},
		[]string{"purpose"})
	stats.MustRegister(signatureCount)

	signErrorCount := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signature_errors",
			Help: "Number of signing errors, by type",
		},
		[]string{"type"})
	stats.MustRegister(signErrorCount)

	return &CertificateAuthorityImpl{
		issuer:         issuer,
		keyPolicy:      keyPolicy,
		prefix:         serialPrefix,
		validityPeriod: validityPeriod,
		backdate:       backdate,
		maxNames:       maxNames,
		clk:            clk,
		log:            logger,
		signatureCount: signatureCount,
		signErrorCount: signErrorCount,
	}, nil
}

// generateSerial produces a positive serial number with ca.prefix as its
// first byte followed by 136 bits of random.
func (ca *CertificateAuthorityImpl) generateSerial() (*big.Int, error) {
	serialBytes := make([]byte, serialRandBytes+1)
	serialBytes[0] = ca.prefix
	_, err := rand.Read(serialBytes[1:])
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial: %w", err)
	}
	return big.NewInt(0).SetBytes(serialBytes), nil
}

// IssueCertificate signs a certificate for the names in the given CSR. The
// registration authority is responsible for checking that the CSR matches a
// fully authorized order before calling this; the CA re-checks only the
// properties it owns (key quality, name count, validity window).
func (ca *CertificateAuthorityImpl) IssueCertificate(ctx context.Context, csr *x509.CertificateRequest, regID int64) ([]byte, error) {
	err := ca.keyPolicy.GoodKey(csr.PublicKey)
	if err != nil {
		ca.signErrorCount.With(prometheus.Labels{"type": "badKey"}).Inc()
		return nil, terrors.BadCSRError("invalid public key in CSR: %s", err)
	}

	idents := identifier.FromCSR(csr)
	if len(idents) == 0 {
		return nil, terrors.BadCSRError("no names in CSR")
	}
	if len(idents) > ca.maxNames {
		return nil, terrors.BadCSRError("CSR contains more than %d DNS names", ca.maxNames)
	}
	names := make([]string, len(idents))
	for i, ident := range idents {
		names[i] = ident.Value
	}

	serialBigInt, err := ca.generateSerial()
	if err != nil {
		ca.signErrorCount.With(prometheus.Labels{"type": "internal"}).Inc()
		return nil, terrors.InternalServerError("%s", err)
	}
	serialHex := core.SerialToString(serialBigInt)

	notBefore := ca.clk.Now().Add(-ca.backdate)
	notAfter := notBefore.Add(ca.validityPeriod)
	if notAfter.After(ca.issuer.Cert.NotAfter) {
		ca.signErrorCount.With(prometheus.Labels{"type": "internal"}).Inc()
		ca.log.AuditErrf("Signing failure: serial=[%s] err=[certificate would expire after issuer certificate]", serialHex)
		return nil, terrors.InternalServerError("cannot issue a certificate that expires after the issuer certificate")
	}

	template := &x509.Certificate{
		SerialNumber:          serialBigInt,
		DNSNames:              names,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  false,
	}

	ca.log.AuditInfof("Signing cert: serial=[%s] regID=[%d] names=[%s] notBefore=[%s] notAfter=[%s]",
		serialHex, regID, strings.Join(names, ", "), notBefore.Format(time.RFC3339), notAfter.Format(time.RFC3339))

	certDER, err := x509.CreateCertificate(rand.Reader, template, ca.issuer.Cert, csr.PublicKey, ca.issuer.Signer)
	ca.signatureCount.With(prometheus.Labels{"purpose": "cert"}).Inc()
	if err != nil {
		ca.signErrorCount.With(prometheus.Labels{"type": "signing"}).Inc()
		ca.log.AuditErrf("Signing failure: serial=[%s] regID=[%d] names=[%s] err=[%s]",
			serialHex, regID, strings.Join(names, ", "), err)
		return nil, terrors.InternalServerError("failed to sign certificate: %s", err)
	}

	// Parse what we just signed, both to make sure the bytes round-trip and
	// so the audit log records exactly what was issued.
	parsed, err := x509.ParseCertificate(certDER)
	if err != nil {
		ca.signErrorCount.With(prometheus.Labels{"type": "parse"}).Inc()
		ca.log.AuditErrf("Signing failure: serial=[%s] err=[signed bytes failed to parse: %s]", serialHex, err)
		return nil, terrors.InternalServerError("signed certificate failed to parse: %s", err)
	}

	ca.log.AuditInfof("Signing cert success: serial=[%s] regID=[%d] names=[%s] certificate=[%s]",
		serialHex, regID, strings.Join(names, ", "), hex.EncodeToString(parsed.Raw))

	return certDER, nil
}
