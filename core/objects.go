package core

import (
	"crypto"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/trellisca/trellis/identifier"
	"github.com/trellisca/trellis/probs"
)

// AcmeStatus defines the state of a given authorization
type AcmeStatus string

const (
	StatusUnknown     = AcmeStatus("unknown")     // Unknown status; the default
	StatusPending     = AcmeStatus("pending")     // In process; client has next action
	StatusProcessing  = AcmeStatus("processing")  // In process; server has next action
	StatusReady       = AcmeStatus("ready")       // Order is ready for finalization
	StatusValid       = AcmeStatus("valid")       // Object is valid
	StatusInvalid     = AcmeStatus("invalid")     // Validation failed
	StatusDeactivated = AcmeStatus("deactivated") // Object has been deactivated
	StatusExpired     = AcmeStatus("expired")     // Object has expired
)

// AcmeResource values identify different types of ACME resources
type AcmeResource string

const (
	ResourceNewAccount = AcmeResource("new-account")
	ResourceNewOrder   = AcmeResource("new-order")
	ResourceAccount    = AcmeResource("account")
	ResourceOrder      = AcmeResource("order")
	ResourceAuthz      = AcmeResource("authz")
	ResourceChallenge  = AcmeResource("challenge")
	ResourceCert       = AcmeResource("cert")
)

// AcmeChallenge values identify different types of ACME challenges
type AcmeChallenge string

const (
	// ChallengeTypeHTTP01 is the HTTP challenge of RFC 8555 Section 8.3
	ChallengeTypeHTTP01 = AcmeChallenge("http-01")
	// ChallengeTypeDNS01 is the DNS challenge of RFC 8555 Section 8.4
	ChallengeTypeDNS01 = AcmeChallenge("dns-01")
)

// IsValid tests whether the challenge is a known challenge
func (c AcmeChallenge) IsValid() bool {
	switch c {
	case ChallengeTypeHTTP01, ChallengeTypeDNS01:
		return true
	default:
		return false
	}
}

// Registration objects represent non-public metadata attached
// to account keys.
type Registration struct {
	// Unique identifier
	ID int64 `json:"id,omitempty" db:"id"`

	// Account key to which the details are attached
	Key *jose.JSONWebKey `json:"key"`

	// Contact URIs
	Contact *[]string `json:"contact,omitempty"`

	// Agreement with terms of service
	Agreement string `json:"agreement,omitempty"`

	CreatedAt *time.Time `json:"createdAt,omitempty"`

	Status AcmeStatus `json:"status"`
}

// ValidationRecord represents a validation attempt against a specific URL/hostname
// and the IP addresses that were resolved and used.
type ValidationRecord struct {
	// SimpleHTTP only
	URL string `json:"url,omitempty"`

	// Shared
	Hostname          string   `json:"hostname,omitempty"`
	Port              string   `json:"port,omitempty"`
	AddressesResolved []string `json:"addressesResolved,omitempty"`
	AddressUsed       string   `json:"addressUsed,omitempty"`
}

// Challenge is an aggregate of all data needed for any challenges.
//
// Rather than define individual types for different types of
// challenge, we just throw all the elements into one bucket,
// together with the common metadata elements.
type Challenge struct {
	// Type is the type of challenge encoded in this object.
	Type AcmeChallenge `json:"type"`

	// URL is the URL to which a response can be posted. Required for all types.
	URL string `json:"url,omitempty"`

	// Status is the status of this challenge. Required for all types.
	Status AcmeStatus `json:"status,omitempty"`

	// Validated is the time at which the server validated the challenge.
	// Required if status is valid.
	Validated *time.Time `json:"validated,omitempty"`

	// Error contains the error that occurred during challenge validation, if any.
	// If set, the Status must be "invalid".
	Error *probs.ProblemDetails `json:"error,omitempty"`

	// Token is a random value that uniquely identifies the challenge. It is used
	// by all current challenges (http-01 and dns-01).
	Token string `json:"token,omitempty"`

	// ValidationRecord is the record of the validation attempt, for auditing.
	// It is never directly marshaled into challenge responses.
	ValidationRecord []ValidationRecord `json:"-"`
}

// ExpectedKeyAuthorization computes the expected KeyAuthorization value for
// the challenge.
func (ch Challenge) ExpectedKeyAuthorization(key *jose.JSONWebKey) (string, error) {
	if key == nil {
		return "", fmt.Errorf("Cannot authorize a nil key")
	}

	thumbprint, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", err
	}

	return ch.Token + "." + base64.RawURLEncoding.EncodeToString(thumbprint), nil
}

// StringID generates a stable URL slug for the challenge by hashing the
// challenge token and type and encoding the first 4 bytes of the digest
// using the base64 URL encoding.
func (ch Challenge) StringID() string {
	h := sha256.Sum256([]byte(ch.Token + string(ch.Type)))
	return base64.RawURLEncoding.EncodeToString(h[0:4])
}

// CheckPending ensures that a challenge object received from a client is
// sane: it must have pending status and a token that looks like a token.
func (ch Challenge) CheckPending() error {
	if ch.Status != StatusPending {
		return fmt.Errorf("challenge is not pending")
	}
	if !looksLikeAToken(ch.Token) {
		return fmt.Errorf("token is missing or malformed")
	}
	return nil
}

// Authorization represents the authorization of an account key holder
// to act on behalf of a domain. This struct is intended to be used both
// internally and for JSON marshaling on the wire. Any fields that should be
// suppressed on the wire (e.g. ID, regID) must be marshaled with `json:"-"`.
type Authorization struct {
	// An identifier for this authorization, unique across
	// authorizations and certificates within this instance.
	ID string `json:"-" db:"id"`

	// The identifier for which authorization is being given
	Identifier identifier.ACMEIdentifier `json:"identifier,omitempty" db:"identifier"`

	// The registration ID associated with the authorization
	RegistrationID int64 `json:"-" db:"registrationID"`

	// The status of the authorization
	Status AcmeStatus `json:"status,omitempty" db:"status"`

	// The date after which this authorization will be no
	// longer be considered valid. Note: a certificate may be issued even on the
	// last day of an authorization's lifetime. The last day for which someone
	// can hold a valid certificate based on an authorization is authorization
	// lifetime + certificate lifetime.
	Expires *time.Time `json:"expires,omitempty" db:"expires"`

	// An array of challenges objects used to validate the
	// applicant's control of the identifier. For authorizations where the
	// identifier value was a wildcard domain name the identifier is stored
	// without the "*." prefix and the Wildcard field is set to true.
	Challenges []Challenge `json:"challenges,omitempty" db:"-"`

	// Wildcard indicates the authorization was created for an order name with
	// a `*.` wildcard prefix. It lets responses convey that an Authorization
	// with the identifier `example.com` and one DNS-01 challenge corresponds
	// to a name `*.example.com` from an associated order.
	Wildcard bool `json:"wildcard,omitempty" db:"-"`
}

// FindChallengeByStringID will look for a challenge matching the given ID
// inside this authorization. If found, it will return the index of that
// challenge within the Authorization's Challenges array. Otherwise it will
// return -1.
func (authz *Authorization) FindChallengeByStringID(id string) int {
	for i, c := range authz.Challenges {
		if c.StringID() == id {
			return i
		}
	}
	return -1
}

// SolvedBy will look through the Authorization's challenges and return the
// type of the *first* challenge it finds with Status: valid, or an error if no
// challenge is valid.
func (authz *Authorization) SolvedBy() (AcmeChallenge, error) {
	if len(authz.Challenges) == 0 {
		return "", fmt.Errorf("authorization has no challenges")
	}
	for _, chal := range authz.Challenges {
		if chal.Status == StatusValid {
			return chal.Type, nil
		}
	}
	return "", fmt.Errorf("authorization not solved by any challenge")
}

// Order represents the request to issue a certificate for a set of
// identifiers, along with the authorizations the requester must complete
// before the certificate can be issued.
type Order struct {
	ID                int64
	RegistrationID    int64
	Created           time.Time
	Expires           time.Time
	Identifiers       []identifier.ACMEIdentifier
	AuthzIDs          []string
	Status            AcmeStatus
	Error             *probs.ProblemDetails
	CertificateSerial string
	// BeganProcessing is set once a finalization request has been accepted for
	// this order. It prevents a second finalization racing the first.
	BeganProcessing bool
}

// Certificate objects are entirely internal to the server. The only
// thing exposed on the wire is the certificate itself.
type Certificate struct {
	ID             int64 `db:"id"`
	RegistrationID int64 `db:"registrationID"`

	// The parsed-out serial number
	Serial string `db:"serial"`

	// The displayable digest of the certificate
	Digest string `db:"digest"`

	// The raw bytes of the certificate
	DER []byte `db:"der"`

	// Timestamps
	Issued  time.Time `db:"issued"`
	Expires time.Time `db:"expires"`
}
