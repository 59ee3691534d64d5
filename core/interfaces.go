package core

import (
	"context"
	"crypto/x509"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/trellisca/trellis/identifier"
	"github.com/trellisca/trellis/probs"
)

// A RegistrationAuthority is the front line of the CA's business logic. It
// owns every state transition in the account/order/authorization lifecycle.
type RegistrationAuthority interface {
	// NewRegistration stores a new Registration
	NewRegistration(ctx context.Context, reg Registration) (Registration, error)

	// UpdateRegistration updates an existing Registration with new contact
	// information.
	UpdateRegistration(ctx context.Context, base Registration, updates Registration) (Registration, error)

	// UpdateRegistrationKey changes the key a Registration is bound to. The
	// new key must not already be in use by another account.
	UpdateRegistrationKey(ctx context.Context, base Registration, newKey Registration) (Registration, error)

	// DeactivateRegistration deactivates a valid registration
	DeactivateRegistration(ctx context.Context, reg Registration) error

	// NewOrder creates a new Order (and any pending authorizations it needs)
	// for the given account and identifiers.
	NewOrder(ctx context.Context, regID int64, idents []identifier.ACMEIdentifier) (*Order, error)

	// RecomputeOrderStatus updates the order's status in place based on the
	// current state of its authorizations. Orders that have begun processing
	// or reached a terminal state are left alone.
	RecomputeOrderStatus(ctx context.Context, order *Order) error

	// PerformValidation starts validating the indexed challenge of the given
	// authorization. It returns the updated authorization with the challenge
	// moved to processing; the validation itself completes asynchronously.
	PerformValidation(ctx context.Context, authz Authorization, challengeIndex int) (Authorization, error)

	// DeactivateAuthorization deactivates a pending or valid authorization
	DeactivateAuthorization(ctx context.Context, authz Authorization) error

	// FinalizeOrder issues a certificate for a ready order whose CSR has
	// already been syntactically validated.
	FinalizeOrder(ctx context.Context, order *Order, csr *x509.CertificateRequest) (*Order, error)
}

// ValidationAuthority performs the actual network I/O of challenge
// validation.
type ValidationAuthority interface {
	// PerformValidation checks the challenge for the given identifier,
	// returning the records of what it contacted. The expected key
	// authorization is computed by the caller from the challenge token and
	// the account key. A non-nil error means the challenge failed.
	PerformValidation(ctx context.Context, ident identifier.ACMEIdentifier, challenge Challenge, expectedKeyAuthorization string) ([]ValidationRecord, error)
}

// CertificateAuthority signs end-entity certificates.
type CertificateAuthority interface {
	// IssueCertificate signs the CSR and returns the certificate in DER form.
	IssueCertificate(ctx context.Context, csr *x509.CertificateRequest, regID int64) ([]byte, error)
}

// PolicyAuthority decides which identifiers we are willing to issue for and
// which challenges apply to them.
type PolicyAuthority interface {
	WillingToIssue(idents []identifier.ACMEIdentifier) error
	ChallengesFor(ident identifier.ACMEIdentifier) ([]Challenge, error)
}

// StorageGetter are the Trellis SA's read-only methods
type StorageGetter interface {
	GetRegistration(ctx context.Context, id int64) (Registration, error)
	GetRegistrationByKey(ctx context.Context, jwk *jose.JSONWebKey) (Registration, error)
	GetOrder(ctx context.Context, id int64) (*Order, error)
	GetAuthorization(ctx context.Context, id string) (Authorization, error)
	GetAuthorizations(ctx context.Context, ids []string) ([]Authorization, error)

	// GetValidAuthorizations returns the registration's unexpired valid
	// authorizations for the given identifiers, keyed by identifier value.
	// Identifiers with no valid authorization are simply absent from the
	// result.
	GetValidAuthorizations(ctx context.Context, regID int64, idents []identifier.ACMEIdentifier, now time.Time) (map[identifier.ACMEIdentifier]Authorization, error)
	GetCertificate(ctx context.Context, serial string) (Certificate, error)
}

// StorageAdder are the Trellis SA's write/update methods
type StorageAdder interface {
	NewRegistration(ctx context.Context, reg Registration) (Registration, error)
	UpdateRegistration(ctx context.Context, reg Registration) error
	DeactivateRegistration(ctx context.Context, id int64) error

	// NewOrderAndAuthzs persists the given order and any of its authorizations
	// that do not exist yet in a single transaction, and returns the order
	// with its ID and authorization IDs populated.
	NewOrderAndAuthzs(ctx context.Context, order *Order, newAuthzs []Authorization) (*Order, error)
	SetOrderProcessing(ctx context.Context, id int64) error
	SetOrderError(ctx context.Context, id int64, prob *probs.ProblemDetails) error
	FinalizeOrder(ctx context.Context, id int64, certificateSerial string) error

	FinalizeAuthorization(ctx context.Context, authz Authorization) error
	DeactivateAuthorization(ctx context.Context, id string) error
	DeactivateExpiredAuthorizations(ctx context.Context, now time.Time) (int64, error)

	AddCertificate(ctx context.Context, der []byte, regID int64, issued time.Time) (Certificate, error)
}

// StorageAuthority interface represents a simple key/value
// store. The add and get interfaces contained within are divided
// for privilege separation.
type StorageAuthority interface {
	StorageGetter
	StorageAdder
}
