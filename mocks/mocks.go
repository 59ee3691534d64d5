package mocks

import (
	"context"
	"crypto/x509"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/jmhodges/clock"

	"github.com/trellisca/trellis/core"
	terrors "github.com/trellisca/trellis/errors"
	"github.com/trellisca/trellis/identifier"
	"github.com/trellisca/trellis/probs"
)

// StorageAuthority is an in-memory implementation of core.StorageAuthority
// for tests. It preserves the semantics tests care about (not-found errors,
// duplicate key detection, the beganProcessing guard) without requiring a
// database.
type StorageAuthority struct {
	sync.Mutex

	clk clock.Clock

	registrations map[int64]core.Registration
	regsByKey     map[string]int64
	orders        map[int64]*core.Order
	authzs        map[string]core.Authorization
	certificates  map[string]core.Certificate

	nextRegID   int64
	nextOrderID int64
}

var _ core.StorageAuthority = (*StorageAuthority)(nil)

// NewStorageAuthority returns an empty in-memory storage authority.
func NewStorageAuthority(clk clock.Clock) *StorageAuthority {
	return &StorageAuthority{
		clk:           clk,
		registrations: make(map[int64]core.Registration),
		regsByKey:     make(map[string]int64),
		orders:        make(map[int64]*core.Order),
		authzs:        make(map[string]core.Authorization),
		certificates:  make(map[string]core.Certificate),
		nextRegID:     1,
		nextOrderID:   1,
	}
}

// GetRegistration is a mock
func (sa *StorageAuthority) GetRegistration(_ context.Context, id int64) (core.Registration, error) {
	sa.Lock()
	defer sa.Unlock()
	reg, ok := sa.registrations[id]
	if !ok {
		return core.Registration{}, terrors.NotFoundError("registration with ID '%d' not found", id)
	}
	return reg, nil
}

// GetRegistrationByKey is a mock
func (sa *StorageAuthority) GetRegistrationByKey(_ context.Context, jwk *jose.JSONWebKey) (core.Registration, error) {
	sha, err := core.KeyDigestB64(jwk)
	if err != nil {
		return core.Registration{}, err
	}
	sa.Lock()
	defer sa.Unlock()
	id, ok := sa.regsByKey[sha]
	if !ok {
		return core.Registration{}, terrors.NotFoundError("no registrations with public key sha256 %q", sha)
	}
	return sa.registrations[id], nil
}

// NewRegistration is a mock
func (sa *StorageAuthority) NewRegistration(_ context.Context, reg core.Registration) (core.Registration, error) {
	sha, err := core.KeyDigestB64(reg.Key)
	if err != nil {
		return core.Registration{}, err
	}
	sa.Lock()
	defer sa.Unlock()
	if _, ok := sa.regsByKey[sha]; ok {
		return core.Registration{}, terrors.DuplicateError("key is already in use for a different account")
	}
	reg.ID = sa.nextRegID
	sa.nextRegID++
	createdAt := sa.clk.Now()
	reg.CreatedAt = &createdAt
	if reg.Status == "" {
		reg.Status = core.StatusValid
	}
	sa.registrations[reg.ID] = reg
	sa.regsByKey[sha] = reg.ID
	return reg, nil
}

// UpdateRegistration is a mock
func (sa *StorageAuthority) UpdateRegistration(_ context.Context, reg core.Registration) error {
	sha, err := core.KeyDigestB64(reg.Key)
	if err != nil {
		return err
	}
	sa.Lock()
	defer sa.Unlock()
	old, ok := sa.registrations[reg.ID]
	if !ok {
		return terrors.NotFoundError("registration with ID '%d' not found", reg.ID)
	}
	if id, ok := sa.regsByKey[sha]; ok && id != reg.ID {
		return terrors.DuplicateError("key is already in use for a different account")
	}
	oldSHA, _ := core.KeyDigestB64(old.Key)
	delete(sa.regsByKey, oldSHA)
	sa.registrations[reg.ID] = reg
	sa.regsByKey[sha] = reg.ID
	return nil
}

// DeactivateRegistration is a mock
func (sa *StorageAuthority) DeactivateRegistration(_ context.Context, id int64) error {
	sa.Lock()
	defer sa.Unlock()
	reg, ok := sa.registrations[id]
	if !ok || reg.Status != core.StatusValid {
		return terrors.NotFoundError("no valid registration with ID '%d'", id)
	}
	reg.Status = core.StatusDeactivated
	sa.registrations[id] = reg
	return nil
}

// NewOrderAndAuthzs is a mock
func (sa *StorageAuthority) NewOrderAndAuthzs(_ context.Context, order *core.Order, newAuthzs []core.Authorization) (*core.Order, error) {
	sa.Lock()
	defer sa.Unlock()
	authzIDs := append([]string{}, order.AuthzIDs...)
	for _, authz := range newAuthzs {
		if authz.ID == "" {
			authz.ID = core.NewToken()
		}
		sa.authzs[authz.ID] = authz
		authzIDs = append(authzIDs, authz.ID)
	}
	stored := *order
	stored.ID = sa.nextOrderID
	sa.nextOrderID++
	stored.Created = sa.clk.Now()
	stored.Status = core.StatusPending
	stored.AuthzIDs = authzIDs
	sa.orders[stored.ID] = &stored
	result := stored
	return &result, nil
}

// GetOrder is a mock
func (sa *StorageAuthority) GetOrder(_ context.Context, id int64) (*core.Order, error) {
	sa.Lock()
	defer sa.Unlock()
	order, ok := sa.orders[id]
	if !ok {
		return nil, terrors.NotFoundError("no order found for ID %d", id)
	}
	result := *order
	return &result, nil
}

// SetOrderProcessing is a mock
func (sa *StorageAuthority) SetOrderProcessing(_ context.Context, id int64) error {
	sa.Lock()
	defer sa.Unlock()
	order, ok := sa.orders[id]
	if !ok || order.BeganProcessing {
		return terrors.InternalServerError("no order updated to processing status")
	}
	order.Status = core.StatusProcessing
	order.BeganProcessing = true
	return nil
}

// SetOrderError is a mock
func (sa *StorageAuthority) SetOrderError(_ context.Context, id int64, prob *probs.ProblemDetails) error {
	sa.Lock()
	defer sa.Unlock()
	order, ok := sa.orders[id]
	if !ok {
		return terrors.NotFoundError("no order found for ID %d", id)
	}
	order.Error = prob
	order.Status = core.StatusInvalid
	return nil
}

// FinalizeOrder is a mock
func (sa *StorageAuthority) FinalizeOrder(_ context.Context, id int64, certificateSerial string) error {
	sa.Lock()
	defer sa.Unlock()
	order, ok := sa.orders[id]
	if !ok || !order.BeganProcessing {
		return terrors.InternalServerError("no order updated to valid status")
	}
	order.CertificateSerial = certificateSerial
	order.Status = core.StatusValid
	return nil
}

// GetAuthorization is a mock
func (sa *StorageAuthority) GetAuthorization(_ context.Context, id string) (core.Authorization, error) {
	sa.Lock()
	defer sa.Unlock()
	authz, ok := sa.authzs[id]
	if !ok {
		return core.Authorization{}, terrors.NotFoundError("authorization %q not found", id)
	}
	return authz, nil
}

// GetAuthorizations is a mock
func (sa *StorageAuthority) GetAuthorizations(_ context.Context, ids []string) ([]core.Authorization, error) {
	sa.Lock()
	defer sa.Unlock()
	var authzs []core.Authorization
	for _, id := range ids {
		if authz, ok := sa.authzs[id]; ok {
			authzs = append(authzs, authz)
		}
	}
	return authzs, nil
}

// GetValidAuthorizations is a mock
func (sa *StorageAuthority) GetValidAuthorizations(_ context.Context, regID int64, idents []identifier.ACMEIdentifier, now time.Time) (map[identifier.ACMEIdentifier]core.Authorization, error) {
	sa.Lock()
	defer sa.Unlock()
	wanted := make(map[identifier.ACMEIdentifier]bool, len(idents))
	for _, ident := range idents {
		wanted[ident.Normalize()] = true
	}
	authzs := make(map[identifier.ACMEIdentifier]core.Authorization)
	for _, authz := range sa.authzs {
		if authz.RegistrationID != regID || authz.Status != core.StatusValid {
			continue
		}
		if authz.Expires == nil || !authz.Expires.After(now) {
			continue
		}
		ident := authz.Identifier.Normalize()
		if !wanted[ident] {
			continue
		}
		existing, ok := authzs[ident]
		if ok && !existing.Expires.Before(*authz.Expires) {
			continue
		}
		authzs[ident] = authz
	}
	return authzs, nil
}

// FinalizeAuthorization is a mock
func (sa *StorageAuthority) FinalizeAuthorization(_ context.Context, authz core.Authorization) error {
	sa.Lock()
	defer sa.Unlock()
	current, ok := sa.authzs[authz.ID]
	if !ok {
		return terrors.NotFoundError("authorization %q not found", authz.ID)
	}
	if current.Status != core.StatusPending {
		return terrors.InternalServerError("authorization %q is not pending", authz.ID)
	}
	sa.authzs[authz.ID] = authz
	return nil
}

// DeactivateAuthorization is a mock
func (sa *StorageAuthority) DeactivateAuthorization(_ context.Context, id string) error {
	sa.Lock()
	defer sa.Unlock()
	authz, ok := sa.authzs[id]
	if !ok || (authz.Status != core.StatusPending && authz.Status != core.StatusValid) {
		return terrors.NotFoundError("no pending or valid authorization %q", id)
	}
	authz.Status = core.StatusDeactivated
	sa.authzs[id] = authz
	return nil
}

// DeactivateExpiredAuthorizations is a mock
func (sa *StorageAuthority) DeactivateExpiredAuthorizations(_ context.Context, now time.Time) (int64, error) {
	sa.Lock()
	defer sa.Unlock()
	var count int64
	for id, authz := range sa.authzs {
		if authz.Status != core.StatusPending && authz.Status != core.StatusValid {
			continue
		}
		if authz.Expires == nil || authz.Expires.After(now) {
			continue
		}
		authz.Status = core.StatusExpired
		sa.authzs[id] = authz
		count++
	}
	return count, nil
}

// AddCertificate is a mock
func (sa *StorageAuthority) AddCertificate(_ context.Context, der []byte, regID int64, issued time.Time) (core.Certificate, error) {
	parsed, err := x509.ParseCertificate(der)
	if err != nil {
		return core.Certificate{}, err
	}
	cert := core.Certificate{
		RegistrationID: regID,
		Serial:         core.SerialToString(parsed.SerialNumber),
		Digest:         core.Fingerprint256(der),
		DER:            der,
		Issued:         issued,
		Expires:        parsed.NotAfter,
	}
	sa.Lock()
	defer sa.Unlock()
	if _, ok := sa.certificates[cert.Serial]; ok {
		return core.Certificate{}, terrors.DuplicateError("cannot add a duplicate certificate for serial %q", cert.Serial)
	}
	sa.certificates[cert.Serial] = cert
	return cert, nil
}

// GetCertificate is a mock
func (sa *StorageAuthority) GetCertificate(_ context.Context, serial string) (core.Certificate, error) {
	sa.Lock()
	defer sa.Unlock()
	cert, ok := sa.certificates[serial]
	if !ok {
		return core.Certificate{}, terrors.NotFoundError("certificate with serial %q not found", serial)
	}
	return cert, nil
}
