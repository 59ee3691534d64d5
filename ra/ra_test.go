package ra

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"math/big"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/trellisca/trellis/core"
	terrors "github.com/trellisca/trellis/errors"
	"github.com/trellisca/trellis/goodkey"
	"github.com/trellisca/trellis/identifier"
	blog "github.com/trellisca/trellis/log"
	"github.com/trellisca/trellis/mocks"
	"github.com/trellisca/trellis/policy"
	"github.com/trellisca/trellis/probs"
	"github.com/trellisca/trellis/test"
)

// dummyVA is a mock
type dummyVA struct {
	err         error
	lastIdent   identifier.ACMEIdentifier
	lastKeyAuth string
}

func (va *dummyVA) PerformValidation(_ context.Context, ident identifier.ACMEIdentifier, _ core.Challenge, keyAuth string) ([]core.ValidationRecord, error) {
	va.lastIdent = ident
	va.lastKeyAuth = keyAuth
	if va.err != nil {
		return nil, va.err
	}
	return []core.ValidationRecord{{Hostname: ident.Value}}, nil
}

// testCA is a mock that self-signs a certificate for whatever CSR it is
// handed.
type testCA struct {
	err error
}

func (ca *testCA) IssueCertificate(_ context.Context, csr *x509.CertificateRequest, _ int64) ([]byte, error) {
	if ca.err != nil {
		return nil, ca.err
	}
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(0).Lsh(big.NewInt(1), 100))
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		DNSNames:     csr.DNSNames,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(90 * 24 * time.Hour),
	}
	return x509.CreateCertificate(rand.Reader, template, template, csr.PublicKey, caKey)
}

type testCtx struct {
	ra  *RegistrationAuthorityImpl
	ssa *mocks.StorageAuthority
	va  *dummyVA
	ca  *testCA
	fc  clock.FakeClock
	log *blog.Mock
}

func setup(t *testing.T) *testCtx {
	t.Helper()
	fc := clock.NewFake()
	fc.Set(time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC))
	logger := blog.NewMock()

	ssa := mocks.NewStorageAuthority(fc)
	pa, err := policy.New(map[core.AcmeChallenge]bool{
		core.ChallengeTypeHTTP01: true,
		core.ChallengeTypeDNS01:  true,
	}, logger)
	test.AssertNotError(t, err, "building policy authority")
	keyPolicy, err := goodkey.NewKeyPolicy("", "")
	test.AssertNotError(t, err, "building key policy")

	va := &dummyVA{}
	ca := &testCA{}
	ra := NewRegistrationAuthorityImpl(
		fc, logger, prometheus.NewRegistry(), &keyPolicy,
		3,                // maxContactsPerReg
		10,               // maxNames
		30*24*time.Hour,  // authorizationLifetime
		7*24*time.Hour,   // pendingAuthorizationLifetime
		7*24*time.Hour,   // orderLifetime
		10*time.Second,   // validationTimeout
	)
	ra.SA = ssa
	ra.PA = pa
	ra.VA = va
	ra.CA = ca

	return &testCtx{ra: ra, ssa: ssa, va: va, ca: ca, fc: fc, log: logger}
}

func newAcctKey(t *testing.T) *jose.JSONWebKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	test.AssertNotError(t, err, "generating account key")
	return &jose.JSONWebKey{Key: key.Public()}
}

func newRegistration(t *testing.T, ctx *testCtx) core.Registration {
	t.Helper()
	reg, err := ctx.ra.NewRegistration(context.Background(), core.Registration{
		Key: newAcctKey(t),
	})
	test.AssertNotError(t, err, "creating registration")
	return reg
}

func TestNewRegistration(t *testing.T) {
	t.Parallel()
	ctx := setup(t)

	contact := []string{"mailto:admin@example.com"}
	reg, err := ctx.ra.NewRegistration(context.Background(), core.Registration{
		Key:     newAcctKey(t),
		Contact: &contact,
	})
	test.AssertNotError(t, err, "creating registration")
	test.Assert(t, reg.ID != 0, "registration was not assigned an ID")
	test.AssertEquals(t, reg.Status, core.StatusValid)
	test.AssertNotNil(t, reg.CreatedAt, "registration has no creation time")
	test.AssertMetricWithLabelsEquals(t, ctx.ra.newRegCounter, prometheus.Labels{}, 1)
}

func TestNewRegistrationContacts(t *testing.T) {
	t.Parallel()
	ctx := setup(t)

	testCases := []struct {
		name    string
		contact string
	}{
		{"wrong scheme", "gopher://example.com"},
		{"empty address", "mailto:"},
		{"no at sign", "mailto:admin"},
		{"hfields", "mailto:admin@example.com?subject=hi"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			contact := []string{tc.contact}
			_, err := ctx.ra.NewRegistration(context.Background(), core.Registration{
				Key:     newAcctKey(t),
				Contact: &contact,
			})
			test.AssertError(t, err, "accepted bad contact")
			var berr *terrors.TrellisError
			test.AssertErrorWraps(t, err, &berr)
			test.AssertEquals(t, berr.Type, terrors.Malformed)
		})
	}
}

func TestNewRegistrationDuplicateKey(t *testing.T) {
	t.Parallel()
	ctx := setup(t)

	key := newAcctKey(t)
	_, err := ctx.ra.NewRegistration(context.Background(), core.Registration{Key: key})
	test.AssertNotError(t, err, "creating registration")
	_, err = ctx.ra.NewRegistration(context.Background(), core.Registration{Key: key})
	test.AssertError(t, err, "second registration with the same key succeeded")
	var berr *terrors.TrellisError
	test.AssertErrorWraps(t, err, &berr)
	test.AssertEquals(t, berr.Type, terrors.Duplicate)
}

func TestUpdateRegistration(t *testing.T) {
	t.Parallel()
	ctx := setup(t)
	reg := newRegistration(t, ctx)

	contact := []string{"mailto:new@example.com"}
	updated, err := ctx.ra.UpdateRegistration(context.Background(), reg, core.Registration{Contact: &contact})
	test.AssertNotError(t, err, "updating contact")
	test.AssertDeepEquals(t, *updated.Contact, contact)

	stored, err := ctx.ssa.GetRegistration(context.Background(), reg.ID)
	test.AssertNotError(t, err, "fetching registration")
	test.AssertDeepEquals(t, *stored.Contact, contact)
}

func TestUpdateRegistrationKey(t *testing.T) {
	t.Parallel()
	ctx := setup(t)
	reg := newRegistration(t, ctx)
	other := newRegistration(t, ctx)

	// Rolling over to another account's key must fail.
	_, err := ctx.ra.UpdateRegistrationKey(context.Background(), reg, core.Registration{Key: other.Key})
	test.AssertError(t, err, "rollover to a key already in use succeeded")
	var berr *terrors.TrellisError
	test.AssertErrorWraps(t, err, &berr)
	test.AssertEquals(t, berr.Type, terrors.Duplicate)

	// Rolling over to the same key must fail.
	_, err = ctx.ra.UpdateRegistrationKey(context.Background(), reg, core.Registration{Key: reg.Key})
	test.AssertError(t, err, "rollover to the account's current key succeeded")

	// Rolling over to a fresh key works and is visible in storage.
	newKey := newAcctKey(t)
	updated, err := ctx.ra.UpdateRegistrationKey(context.Background(), reg, core.Registration{Key: newKey})
	test.AssertNotError(t, err, "key rollover failed")
	test.Assert(t, core.KeyDigestEquals(updated.Key, newKey), "stored key is not the new key")

	stored, err := ctx.ssa.GetRegistrationByKey(context.Background(), newKey)
	test.AssertNotError(t, err, "fetching registration by new key")
	test.AssertEquals(t, stored.ID, reg.ID)
}

func TestDeactivateRegistration(t *testing.T) {
	t.Parallel()
	ctx := setup(t)
	reg := newRegistration(t, ctx)

	err := ctx.ra.DeactivateRegistration(context.Background(), reg)
	test.AssertNotError(t, err, "deactivating registration")

	stored, err := ctx.ssa.GetRegistration(context.Background(), reg.ID)
	test.AssertNotError(t, err, "fetching registration")
	test.AssertEquals(t, stored.Status, core.StatusDeactivated)

	err = ctx.ra.DeactivateRegistration(context.Background(), stored)
	test.AssertError(t, err, "deactivated a non-valid registration")
}

func TestNewOrder(t *testing.T) {
	t.Parallel()
	ctx := setup(t)
	reg := newRegistration(t, ctx)

	order, err := ctx.ra.NewOrder(context.Background(), reg.ID, []identifier.ACMEIdentifier{
		identifier.DNSIdentifier("WWW.Example.com"),
		identifier.DNSIdentifier("www.example.com"),
		identifier.DNSIdentifier("example.com"),
	})
	test.AssertNotError(t, err, "creating order")
	test.AssertEquals(t, order.Status, core.StatusPending)
	test.AssertEquals(t, len(order.Identifiers), 2)
	test.AssertEquals(t, order.Identifiers[0].Value, "example.com")
	test.AssertEquals(t, order.Identifiers[1].Value, "www.example.com")
	test.AssertEquals(t, len(order.AuthzIDs), 2)
	test.AssertEquals(t, order.Expires, ctx.fc.Now().Add(7*24*time.Hour))

	for _, id := range order.AuthzIDs {
		authz, err := ctx.ssa.GetAuthorization(context.Background(), id)
		test.AssertNotError(t, err, "fetching authorization")
		test.AssertEquals(t, authz.Status, core.StatusPending)
		test.AssertEquals(t, authz.RegistrationID, reg.ID)
		test.AssertEquals(t, len(authz.Challenges), 2)
	}
}

func TestNewOrderWildcard(t *testing.T) {
	t.Parallel()
	ctx := setup(t)
	reg := newRegistration(t, ctx)

	order, err := ctx.ra.NewOrder(context.Background(), reg.ID, []identifier.ACMEIdentifier{
		identifier.DNSIdentifier("*.example.com"),
	})
	test.AssertNotError(t, err, "creating wildcard order")
	test.AssertEquals(t, order.Identifiers[0].Value, "*.example.com")

	authz, err := ctx.ssa.GetAuthorization(context.Background(), order.AuthzIDs[0])
	test.AssertNotError(t, err, "fetching authorization")
	// The authorization is stored under the base name with the wildcard flag.
	test.AssertEquals(t, authz.Identifier.Value, "example.com")
	test.Assert(t, authz.Wildcard, "wildcard authorization is not flagged")
	test.AssertEquals(t, len(authz.Challenges), 1)
	test.AssertEquals(t, authz.Challenges[0].Type, core.ChallengeTypeDNS01)
}

func TestNewOrderRejectedIdentifier(t *testing.T) {
	t.Parallel()
	ctx := setup(t)
	reg := newRegistration(t, ctx)

	_, err := ctx.ra.NewOrder(context.Background(), reg.ID, []identifier.ACMEIdentifier{
		identifier.DNSIdentifier("exa mple.com"),
	})
	test.AssertError(t, err, "created order for a malformed name")

	_, err = ctx.ra.NewOrder(context.Background(), reg.ID, nil)
	test.AssertError(t, err, "created order with no identifiers")
}

// validateAuthz drives the authorization with the given ID to valid via the
// normal challenge flow.
func validateAuthz(t *testing.T, ctx *testCtx, authzID string, challType core.AcmeChallenge) {
	t.Helper()
	authz, err := ctx.ssa.GetAuthorization(context.Background(), authzID)
	test.AssertNotError(t, err, "fetching authorization")
	idx := -1
	for i, ch := range authz.Challenges {
		if ch.Type == challType {
			idx = i
		}
	}
	test.Assert(t, idx >= 0, "authorization has no challenge of the wanted type")
	_, err = ctx.ra.PerformValidation(context.Background(), authz, idx)
	test.AssertNotError(t, err, "starting validation")
	ctx.ra.DrainValidations()
}

func TestNewOrderReuse(t *testing.T) {
	t.Parallel()
	ctx := setup(t)
	reg := newRegistration(t, ctx)
	idents := []identifier.ACMEIdentifier{identifier.DNSIdentifier("example.com")}

	first, err := ctx.ra.NewOrder(context.Background(), reg.ID, idents)
	test.AssertNotError(t, err, "creating first order")
	validateAuthz(t, ctx, first.AuthzIDs[0], core.ChallengeTypeHTTP01)

	// A second order for the same name reuses the now-valid authorization
	// and is ready immediately.
	second, err := ctx.ra.NewOrder(context.Background(), reg.ID, idents)
	test.AssertNotError(t, err, "creating second order")
	test.AssertEquals(t, second.AuthzIDs[0], first.AuthzIDs[0])
	test.AssertEquals(t, second.Status, core.StatusReady)

	// Another account gets its own authorization.
	other := newRegistration(t, ctx)
	third, err := ctx.ra.NewOrder(context.Background(), other.ID, idents)
	test.AssertNotError(t, err, "creating order for other account")
	test.Assert(t, third.AuthzIDs[0] != first.AuthzIDs[0], "authorization reused across accounts")
}

func TestNewOrderWildcardNoHTTPReuse(t *testing.T) {
	t.Parallel()
	ctx := setup(t)
	reg := newRegistration(t, ctx)

	first, err := ctx.ra.NewOrder(context.Background(), reg.ID, []identifier.ACMEIdentifier{
		identifier.DNSIdentifier("example.com"),
	})
	test.AssertNotError(t, err, "creating first order")
	validateAuthz(t, ctx, first.AuthzIDs[0], core.ChallengeTypeHTTP01)

	// An authorization solved by http-01 does not satisfy a wildcard name.
	second, err := ctx.ra.NewOrder(context.Background(), reg.ID, []identifier.ACMEIdentifier{
		identifier.DNSIdentifier("*.example.com"),
	})
	test.AssertNotError(t, err, "creating wildcard order")
	test.Assert(t, second.AuthzIDs[0] != first.AuthzIDs[0], "http-01 authorization reused for a wildcard name")
	test.AssertEquals(t, second.Status, core.StatusPending)
}

func TestPerformValidationSuccess(t *testing.T) {
	t.Parallel()
	ctx := setup(t)
	reg := newRegistration(t, ctx)

	order, err := ctx.ra.NewOrder(context.Background(), reg.ID, []identifier.ACMEIdentifier{
		identifier.DNSIdentifier("example.com"),
	})
	test.AssertNotError(t, err, "creating order")

	authz, err := ctx.ssa.GetAuthorization(context.Background(), order.AuthzIDs[0])
	test.AssertNotError(t, err, "fetching authorization")

	updated, err := ctx.ra.PerformValidation(context.Background(), authz, 0)
	test.AssertNotError(t, err, "starting validation")
	test.AssertEquals(t, updated.Challenges[0].Status, core.StatusProcessing)

	ctx.ra.DrainValidations()

	expectedKeyAuth, err := authz.Challenges[0].ExpectedKeyAuthorization(reg.Key)
	test.AssertNotError(t, err, "computing expected key authorization")
	test.AssertEquals(t, ctx.va.lastKeyAuth, expectedKeyAuth)
	test.AssertEquals(t, ctx.va.lastIdent.Value, "example.com")

	final, err := ctx.ssa.GetAuthorization(context.Background(), authz.ID)
	test.AssertNotError(t, err, "fetching finalized authorization")
	test.AssertEquals(t, final.Status, core.StatusValid)
	test.AssertEquals(t, final.Challenges[0].Status, core.StatusValid)
	test.AssertNotNil(t, final.Challenges[0].Validated, "challenge has no validated time")
	test.AssertEquals(t, *final.Expires, ctx.fc.Now().Add(30*24*time.Hour))

	err = ctx.ra.RecomputeOrderStatus(context.Background(), order)
	test.AssertNotError(t, err, "recomputing order status")
	test.AssertEquals(t, order.Status, core.StatusReady)
}

func TestPerformValidationFailure(t *testing.T) {
	t.Parallel()
	ctx := setup(t)
	reg := newRegistration(t, ctx)
	ctx.va.err = terrors.UnauthorizedError("The key authorization file from the server did not match this challenge")

	order, err := ctx.ra.NewOrder(context.Background(), reg.ID, []identifier.ACMEIdentifier{
		identifier.DNSIdentifier("example.com"),
	})
	test.AssertNotError(t, err, "creating order")
	authz, err := ctx.ssa.GetAuthorization(context.Background(), order.AuthzIDs[0])
	test.AssertNotError(t, err, "fetching authorization")

	_, err = ctx.ra.PerformValidation(context.Background(), authz, 0)
	test.AssertNotError(t, err, "starting validation")
	ctx.ra.DrainValidations()

	final, err := ctx.ssa.GetAuthorization(context.Background(), authz.ID)
	test.AssertNotError(t, err, "fetching finalized authorization")
	test.AssertEquals(t, final.Status, core.StatusInvalid)
	test.AssertEquals(t, final.Challenges[0].Status, core.StatusInvalid)
	test.AssertNotNil(t, final.Challenges[0].Error, "failed challenge has no problem")
	test.AssertEquals(t, final.Challenges[0].Error.Type, probs.UnauthorizedProblem)

	err = ctx.ra.RecomputeOrderStatus(context.Background(), order)
	test.AssertNotError(t, err, "recomputing order status")
	test.AssertEquals(t, order.Status, core.StatusInvalid)
}

func TestPerformValidationNotPending(t *testing.T) {
	t.Parallel()
	ctx := setup(t)
	reg := newRegistration(t, ctx)

	order, err := ctx.ra.NewOrder(context.Background(), reg.ID, []identifier.ACMEIdentifier{
		identifier.DNSIdentifier("example.com"),
	})
	test.AssertNotError(t, err, "creating order")
	validateAuthz(t, ctx, order.AuthzIDs[0], core.ChallengeTypeHTTP01)

	authz, err := ctx.ssa.GetAuthorization(context.Background(), order.AuthzIDs[0])
	test.AssertNotError(t, err, "fetching authorization")
	_, err = ctx.ra.PerformValidation(context.Background(), authz, 0)
	test.AssertError(t, err, "validated a non-pending authorization")
}

func TestDeactivateAuthorization(t *testing.T) {
	t.Parallel()
	ctx := setup(t)
	reg := newRegistration(t, ctx)

	order, err := ctx.ra.NewOrder(context.Background(), reg.ID, []identifier.ACMEIdentifier{
		identifier.DNSIdentifier("example.com"),
	})
	test.AssertNotError(t, err, "creating order")
	authz, err := ctx.ssa.GetAuthorization(context.Background(), order.AuthzIDs[0])
	test.AssertNotError(t, err, "fetching authorization")

	err = ctx.ra.DeactivateAuthorization(context.Background(), authz)
	test.AssertNotError(t, err, "deactivating authorization")

	stored, err := ctx.ssa.GetAuthorization(context.Background(), authz.ID)
	test.AssertNotError(t, err, "fetching deactivated authorization")
	test.AssertEquals(t, stored.Status, core.StatusDeactivated)

	err = ctx.ra.DeactivateAuthorization(context.Background(), stored)
	test.AssertError(t, err, "deactivated authorization twice")

	// A deactivated authorization sinks its order.
	err = ctx.ra.RecomputeOrderStatus(context.Background(), order)
	test.AssertNotError(t, err, "recomputing order status")
	test.AssertEquals(t, order.Status, core.StatusInvalid)
}

func makeFinalizeCSR(t *testing.T, names ...string) *x509.CertificateRequest {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	test.AssertNotError(t, err, "generating CSR key")
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		DNSNames: names,
	}, key)
	test.AssertNotError(t, err, "creating CSR")
	csr, err := x509.ParseCertificateRequest(der)
	test.AssertNotError(t, err, "parsing CSR")
	return csr
}

// readyOrder creates an order for the given names and validates all of its
// authorizations.
func readyOrder(t *testing.T, ctx *testCtx, regID int64, names ...string) *core.Order {
	t.Helper()
	idents := make([]identifier.ACMEIdentifier, len(names))
	for i, name := range names {
		idents[i] = identifier.DNSIdentifier(name)
	}
	order, err := ctx.ra.NewOrder(context.Background(), regID, idents)
	test.AssertNotError(t, err, "creating order")
	for _, id := range order.AuthzIDs {
		validateAuthz(t, ctx, id, core.ChallengeTypeDNS01)
	}
	return order
}

func TestFinalizeOrder(t *testing.T) {
	t.Parallel()
	ctx := setup(t)
	reg := newRegistration(t, ctx)
	order := readyOrder(t, ctx, reg.ID, "example.com", "www.example.com")

	csr := makeFinalizeCSR(t, "example.com", "www.example.com")
	finalized, err := ctx.ra.FinalizeOrder(context.Background(), order, csr)
	test.AssertNotError(t, err, "finalizing order")
	test.AssertEquals(t, finalized.Status, core.StatusValid)
	test.Assert(t, finalized.CertificateSerial != "", "no certificate serial on finalized order")

	cert, err := ctx.ssa.GetCertificate(context.Background(), finalized.CertificateSerial)
	test.AssertNotError(t, err, "fetching issued certificate")
	parsed, err := x509.ParseCertificate(cert.DER)
	test.AssertNotError(t, err, "parsing issued certificate")
	test.AssertDeepEquals(t, parsed.DNSNames, []string{"example.com", "www.example.com"})
}

func TestFinalizeOrderNotReady(t *testing.T) {
	t.Parallel()
	ctx := setup(t)
	reg := newRegistration(t, ctx)

	order, err := ctx.ra.NewOrder(context.Background(), reg.ID, []identifier.ACMEIdentifier{
		identifier.DNSIdentifier("example.com"),
	})
	test.AssertNotError(t, err, "creating order")

	_, err = ctx.ra.FinalizeOrder(context.Background(), order, makeFinalizeCSR(t, "example.com"))
	test.AssertError(t, err, "finalized a pending order")
	var berr *terrors.TrellisError
	test.AssertErrorWraps(t, err, &berr)
	test.AssertEquals(t, berr.Type, terrors.OrderNotReady)
}

func TestFinalizeOrderWrongNames(t *testing.T) {
	t.Parallel()
	ctx := setup(t)
	reg := newRegistration(t, ctx)
	order := readyOrder(t, ctx, reg.ID, "example.com")

	_, err := ctx.ra.FinalizeOrder(context.Background(), order, makeFinalizeCSR(t, "other.example.net"))
	test.AssertError(t, err, "finalized with mismatched CSR names")
	test.AssertContains(t, err.Error(), "CSR does not specify same identifiers as Order")
}

func TestFinalizeOrderCAFailureIsTerminal(t *testing.T) {
	t.Parallel()
	ctx := setup(t)
	reg := newRegistration(t, ctx)
	order := readyOrder(t, ctx, reg.ID, "example.com")
	ctx.ca.err = terrors.InternalServerError("HSM on fire")

	failed, err := ctx.ra.FinalizeOrder(context.Background(), order, makeFinalizeCSR(t, "example.com"))
	test.AssertError(t, err, "finalize succeeded despite CA failure")
	test.AssertEquals(t, failed.Status, core.StatusInvalid)
	test.AssertNotNil(t, failed.Error, "failed order has no problem recorded")

	// The failure is terminal: a second attempt must not reach the CA.
	ctx.ca.err = nil
	stored, err := ctx.ssa.GetOrder(context.Background(), order.ID)
	test.AssertNotError(t, err, "fetching failed order")
	test.AssertEquals(t, stored.Status, core.StatusInvalid)
	_, err = ctx.ra.FinalizeOrder(context.Background(), stored, makeFinalizeCSR(t, "example.com"))
	test.AssertError(t, err, "refinalized a failed order")
	var berr *terrors.TrellisError
	test.AssertErrorWraps(t, err, &berr)
	test.AssertEquals(t, berr.Type, terrors.OrderNotReady)
}

func TestExpireAuthorizations(t *testing.T) {
	t.Parallel()
	ctx := setup(t)
	reg := newRegistration(t, ctx)

	order, err := ctx.ra.NewOrder(context.Background(), reg.ID, []identifier.ACMEIdentifier{
		identifier.DNSIdentifier("example.com"),
	})
	test.AssertNotError(t, err, "creating order")

	// Nothing is stale yet.
	ctx.ra.ExpireAuthorizations(context.Background())
	authz, err := ctx.ssa.GetAuthorization(context.Background(), order.AuthzIDs[0])
	test.AssertNotError(t, err, "fetching authorization")
	test.AssertEquals(t, authz.Status, core.StatusPending)

	// Past the pending authorization lifetime the sweeper expires it.
	ctx.fc.Add(8 * 24 * time.Hour)
	ctx.ra.ExpireAuthorizations(context.Background())
	authz, err = ctx.ssa.GetAuthorization(context.Background(), order.AuthzIDs[0])
	test.AssertNotError(t, err, "fetching authorization")
	test.AssertEquals(t, authz.Status, core.StatusExpired)
	test.AssertMetricWithLabelsEquals(t, ctx.ra.expiredAuthzCounter, prometheus.Labels{}, 1)
}

func TestRecomputeOrderStatusExpired(t *testing.T) {
	t.Parallel()
	ctx := setup(t)
	reg := newRegistration(t, ctx)
	order := readyOrder(t, ctx, reg.ID, "example.com")

	ctx.fc.Add(8 * 24 * time.Hour)
	err := ctx.ra.RecomputeOrderStatus(context.Background(), order)
	test.AssertNotError(t, err, "recomputing order status")
	test.AssertEquals(t, order.Status, core.StatusInvalid)
}
