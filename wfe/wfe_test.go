package wfe

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/trellisca/trellis/core"
	"github.com/trellisca/trellis/goodkey"
	"github.com/trellisca/trellis/identifier"
	blog "github.com/trellisca/trellis/log"
	"github.com/trellisca/trellis/mocks"
	"github.com/trellisca/trellis/nonce"
	"github.com/trellisca/trellis/policy"
	"github.com/trellisca/trellis/probs"
	"github.com/trellisca/trellis/ra"
	"github.com/trellisca/trellis/test"
)

const agreementURL = "http://example.invalid/terms"

// stubVA is a mock that treats every challenge as solved unless err is set.
type stubVA struct {
	err error
}

func (va *stubVA) PerformValidation(_ context.Context, ident identifier.ACMEIdentifier, _ core.Challenge, _ string) ([]core.ValidationRecord, error) {
	if va.err != nil {
		return nil, va.err
	}
	return []core.ValidationRecord{{Hostname: ident.Value}}, nil
}

// stubCA is a mock that self-signs a certificate for whatever CSR it is
// handed.
type stubCA struct{}

func (ca *stubCA) IssueCertificate(_ context.Context, csr *x509.CertificateRequest, _ int64) ([]byte, error) {
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
	wfe *WebFrontEndImpl
	ra  *ra.RegistrationAuthorityImpl
	ssa *mocks.StorageAuthority
	va  *stubVA
	fc  clock.FakeClock
	mux http.Handler

	issuerCert *x509.Certificate
}

func setup(t *testing.T) *testCtx {
	t.Helper()
	fc := clock.NewFake()
	fc.Set(time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC))
	logger := blog.NewMock()
	stats := prometheus.NewRegistry()

	ssa := mocks.NewStorageAuthority(fc)
	pa, err := policy.New(map[core.AcmeChallenge]bool{
		core.ChallengeTypeHTTP01: true,
		core.ChallengeTypeDNS01:  true,
	}, logger)
	test.AssertNotError(t, err, "building policy authority")
	keyPolicy, err := goodkey.NewKeyPolicy("", "")
	test.AssertNotError(t, err, "building key policy")

	va := &stubVA{}
	rai := ra.NewRegistrationAuthorityImpl(
		fc, logger, stats, &keyPolicy,
		3,
		10,
		30*24*time.Hour,
		7*24*time.Hour,
		7*24*time.Hour,
		10*time.Second,
	)
	rai.SA = ssa
	rai.PA = pa
	rai.VA = va
	rai.CA = &stubCA{}

	nonceService, err := nonce.NewNonceService(stats, 0)
	test.AssertNotError(t, err, "building nonce service")

	issuerCert := newIssuerCert(t)
	wfe, err := NewWebFrontEndImpl(
		logger, fc, stats, &keyPolicy, nonceService,
		rai, ssa, []*x509.Certificate{issuerCert}, 30*time.Second)
	test.AssertNotError(t, err, "building WFE")
	wfe.SubscriberAgreementURL = agreementURL

	return &testCtx{
		wfe:        wfe,
		ra:         rai,
		ssa:        ssa,
		va:         va,
		fc:         fc,
		mux:        wfe.Handler(),
		issuerCert: issuerCert,
	}
}

func newIssuerCert(t *testing.T) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	test.AssertNotError(t, err, "generating issuer key")
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "trellis test ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	test.AssertNotError(t, err, "self-signing issuer cert")
	cert, err := x509.ParseCertificate(der)
	test.AssertNotError(t, err, "parsing issuer cert")
	return cert
}

// badNonceSource is a mock that always provides the same stale nonce.
type badNonceSource struct{}

func (badNonceSource) Nonce() (string, error) {
	return "notanonce", nil
}

// signEmbedded signs a payload with the given key embedded in the JWS
// protected header, the way new-account and inner key-rollover requests are
// signed.
func signEmbedded(t *testing.T, key *ecdsa.PrivateKey, ns jose.NonceSource, url, payload string) string {
	t.Helper()
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.ES256, Key: key},
		&jose.SignerOptions{
			NonceSource: ns,
			EmbedJWK:    true,
			ExtraHeaders: map[jose.HeaderKey]interface{}{
				jose.HeaderKey("url"): url,
			},
		})
	test.AssertNotError(t, err, "building embedded-JWK signer")
	jws, err := signer.Sign([]byte(payload))
	test.AssertNotError(t, err, "signing payload")
	return jws.FullSerialize()
}

// signKeyID signs a payload with a "kid" protected header naming the
// account URL, the way every post-registration request is signed.
func signKeyID(t *testing.T, key *ecdsa.PrivateKey, kid string, ns jose.NonceSource, url, payload string) string {
	t.Helper()
	jwk := &jose.JSONWebKey{Key: key, KeyID: kid, Algorithm: "ES256"}
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.ES256, Key: jwk},
		&jose.SignerOptions{
			NonceSource: ns,
			EmbedJWK:    false,
			ExtraHeaders: map[jose.HeaderKey]interface{}{
				jose.HeaderKey("url"): url,
			},
		})
	test.AssertNotError(t, err, "building key ID signer")
	jws, err := signer.Sign([]byte(payload))
	test.AssertNotError(t, err, "signing payload")
	return jws.FullSerialize()
}

// post routes a signed body through the full handler stack.
func (ctx *testCtx) post(path, body string) *httptest.ResponseRecorder {
	request := httptest.NewRequest("POST", "http://localhost"+path, strings.NewReader(body))
	request.Header.Set("Content-Type", "application/jose+json")
	request.Header.Set("Content-Length", fmt.Sprintf("%d", len(body)))
	responseWriter := httptest.NewRecorder()
	ctx.mux.ServeHTTP(responseWriter, request)
	return responseWriter
}

func (ctx *testCtx) get(path string) *httptest.ResponseRecorder {
	request := httptest.NewRequest("GET", "http://localhost"+path, nil)
	responseWriter := httptest.NewRecorder()
	ctx.mux.ServeHTTP(responseWriter, request)
	return responseWriter
}

func assertProblemType(t *testing.T, response *httptest.ResponseRecorder, expected probs.ProblemType) {
	t.Helper()
	var prob probs.ProblemDetails
	err := json.Unmarshal(response.Body.Bytes(), &prob)
	test.AssertNotError(t, err, "unmarshaling problem document")
	test.AssertEquals(t, prob.Type, probs.ProblemType(probs.ErrorNS)+expected)
}

// createAccount registers a fresh account through the new-account endpoint
// and returns its key and account URL.
func (ctx *testCtx) createAccount(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	test.AssertNotError(t, err, "generating account key")

	body := signEmbedded(t, key, ctx.wfe.nonceService,
		"http://localhost"+newAcctPath,
		`{"termsOfServiceAgreed": true, "contact": ["mailto:admin@example.com"]}`)
	response := ctx.post(newAcctPath, body)
	test.AssertEquals(t, response.Code, http.StatusCreated)
	acctURL := response.Header().Get("Location")
	test.Assert(t, acctURL != "", "new account response had no Location header")
	return key, acctURL
}

func TestIndex(t *testing.T) {
	t.Parallel()
	ctx := setup(t)

	response := ctx.get("/")
	test.AssertEquals(t, response.Code, http.StatusOK)
	test.AssertContains(t, response.Body.String(), directoryPath)

	response = ctx.get("/nonexistent")
	test.AssertEquals(t, response.Code, http.StatusNotFound)
}

func TestDirectory(t *testing.T) {
	t.Parallel()
	ctx := setup(t)

	response := ctx.get(directoryPath)
	test.AssertEquals(t, response.Code, http.StatusOK)
	test.AssertEquals(t, response.Header().Get("Content-Type"), "application/json")

	var directory map[string]interface{}
	err := json.Unmarshal(response.Body.Bytes(), &directory)
	test.AssertNotError(t, err, "unmarshaling directory")
	test.AssertEquals(t, directory["newAccount"], "http://localhost"+newAcctPath)
	test.AssertEquals(t, directory["newNonce"], "http://localhost"+newNoncePath)
	test.AssertEquals(t, directory["newOrder"], "http://localhost"+newOrderPath)
	test.AssertEquals(t, directory["keyChange"], "http://localhost"+rolloverPath)

	meta, ok := directory["meta"].(map[string]interface{})
	test.Assert(t, ok, "directory had no meta entry")
	test.AssertEquals(t, meta["termsOfService"], agreementURL)
	test.AssertEquals(t, meta["externalAccountRequired"], false)
}

func TestNonceEndpoint(t *testing.T) {
	t.Parallel()
	ctx := setup(t)

	response := ctx.get(newNoncePath)
	test.AssertEquals(t, response.Code, http.StatusNoContent)
	test.Assert(t, response.Header().Get("Replay-Nonce") != "", "GET new-nonce did not include a nonce")

	request := httptest.NewRequest("HEAD", "http://localhost"+newNoncePath, nil)
	responseWriter := httptest.NewRecorder()
	ctx.mux.ServeHTTP(responseWriter, request)
	test.AssertEquals(t, responseWriter.Code, http.StatusOK)
	test.Assert(t, responseWriter.Header().Get("Replay-Nonce") != "", "HEAD new-nonce did not include a nonce")
	test.AssertEquals(t, responseWriter.Header().Get("Cache-Control"), "public, max-age=0, no-cache")
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()
	ctx := setup(t)

	response := ctx.get(newAcctPath)
	test.AssertEquals(t, response.Code, http.StatusMethodNotAllowed)
	test.AssertEquals(t, response.Header().Get("Allow"), "POST")
	assertProblemType(t, response, probs.MalformedProblem)
}

func TestNewAccount(t *testing.T) {
	t.Parallel()
	ctx := setup(t)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	test.AssertNotError(t, err, "generating account key")
	acctURL := "http://localhost" + newAcctPath

	// A key with no account and onlyReturnExisting set gets the RFC 8555
	// accountDoesNotExist problem.
	body := signEmbedded(t, key, ctx.wfe.nonceService, acctURL,
		`{"onlyReturnExisting": true}`)
	response := ctx.post(newAcctPath, body)
	test.AssertEquals(t, response.Code, http.StatusBadRequest)
	assertProblemType(t, response, probs.AccountDoesNotExistProblem)

	// Accounts must agree to the subscriber agreement when one is
	// configured.
	body = signEmbedded(t, key, ctx.wfe.nonceService, acctURL,
		`{"termsOfServiceAgreed": false}`)
	response = ctx.post(newAcctPath, body)
	test.AssertEquals(t, response.Code, http.StatusBadRequest)
	assertProblemType(t, response, probs.MalformedProblem)

	body = signEmbedded(t, key, ctx.wfe.nonceService, acctURL,
		`{"termsOfServiceAgreed": true, "contact": ["mailto:admin@example.com"]}`)
	response = ctx.post(newAcctPath, body)
	test.AssertEquals(t, response.Code, http.StatusCreated)
	location := response.Header().Get("Location")
	test.AssertContains(t, location, acctPath)

	var acct core.Registration
	err = json.Unmarshal(response.Body.Bytes(), &acct)
	test.AssertNotError(t, err, "unmarshaling account")
	test.AssertEquals(t, acct.Status, core.StatusValid)
	test.Assert(t, acct.ID == 0, "account ID leaked into response body")

	// Posting again with the same key returns the existing account.
	body = signEmbedded(t, key, ctx.wfe.nonceService, acctURL, `{}`)
	response = ctx.post(newAcctPath, body)
	test.AssertEquals(t, response.Code, http.StatusOK)
	test.AssertEquals(t, response.Header().Get("Location"), location)
}

func TestBadNonce(t *testing.T) {
	t.Parallel()
	ctx := setup(t)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	test.AssertNotError(t, err, "generating account key")

	body := signEmbedded(t, key, badNonceSource{}, "http://localhost"+newAcctPath,
		`{"termsOfServiceAgreed": true}`)
	response := ctx.post(newAcctPath, body)
	test.AssertEquals(t, response.Code, http.StatusBadRequest)
	assertProblemType(t, response, probs.BadNonceProblem)
}

func TestAccountPOSTAsGET(t *testing.T) {
	t.Parallel()
	ctx := setup(t)
	key, acctURL := ctx.createAccount(t)
	acctSlug := strings.TrimPrefix(acctURL, "http://localhost")

	body := signKeyID(t, key, acctURL, ctx.wfe.nonceService, acctURL, "")
	response := ctx.post(acctSlug, body)
	test.AssertEquals(t, response.Code, http.StatusOK)

	var acct core.Registration
	err := json.Unmarshal(response.Body.Bytes(), &acct)
	test.AssertNotError(t, err, "unmarshaling account")
	test.AssertEquals(t, acct.Status, core.StatusValid)
}

func TestAccountDeactivate(t *testing.T) {
	t.Parallel()
	ctx := setup(t)
	key, acctURL := ctx.createAccount(t)
	acctSlug := strings.TrimPrefix(acctURL, "http://localhost")

	body := signKeyID(t, key, acctURL, ctx.wfe.nonceService, acctURL,
		`{"status": "deactivated"}`)
	response := ctx.post(acctSlug, body)
	test.AssertEquals(t, response.Code, http.StatusOK)

	var acct core.Registration
	err := json.Unmarshal(response.Body.Bytes(), &acct)
	test.AssertNotError(t, err, "unmarshaling account")
	test.AssertEquals(t, acct.Status, core.StatusDeactivated)

	// The deactivated account can no longer authenticate requests.
	body = signKeyID(t, key, acctURL, ctx.wfe.nonceService, acctURL, "")
	response = ctx.post(acctSlug, body)
	test.AssertEquals(t, response.Code, http.StatusForbidden)
	assertProblemType(t, response, probs.UnauthorizedProblem)
}

func TestKeyRollover(t *testing.T) {
	t.Parallel()
	ctx := setup(t)
	oldKey, acctURL := ctx.createAccount(t)

	newKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	test.AssertNotError(t, err, "generating new account key")

	oldJWK := jose.JSONWebKey{Key: oldKey.Public()}
	oldJWKJSON, err := oldJWK.MarshalJSON()
	test.AssertNotError(t, err, "marshaling old JWK")

	rolloverURL := "http://localhost" + rolloverPath
	innerPayload := fmt.Sprintf(`{"account": %q, "oldKey": %s}`, acctURL, oldJWKJSON)

	// The inner JWS is signed by the new key with no nonce.
	innerSigner, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.ES256, Key: newKey},
		&jose.SignerOptions{
			EmbedJWK: true,
			ExtraHeaders: map[jose.HeaderKey]interface{}{
				jose.HeaderKey("url"): rolloverURL,
			},
		})
	test.AssertNotError(t, err, "building inner signer")
	innerJWS, err := innerSigner.Sign([]byte(innerPayload))
	test.AssertNotError(t, err, "signing inner payload")

	body := signKeyID(t, oldKey, acctURL, ctx.wfe.nonceService, rolloverURL, innerJWS.FullSerialize())
	response := ctx.post(rolloverPath, body)
	test.AssertEquals(t, response.Code, http.StatusOK)

	// The account now authenticates with the new key, not the old one.
	acctSlug := strings.TrimPrefix(acctURL, "http://localhost")
	body = signKeyID(t, newKey, acctURL, ctx.wfe.nonceService, acctURL, "")
	response = ctx.post(acctSlug, body)
	test.AssertEquals(t, response.Code, http.StatusOK)

	body = signKeyID(t, oldKey, acctURL, ctx.wfe.nonceService, acctURL, "")
	response = ctx.post(acctSlug, body)
	test.AssertEquals(t, response.Code, http.StatusBadRequest)
}

func TestKeyRolloverToUsedKey(t *testing.T) {
	t.Parallel()
	ctx := setup(t)
	oldKey, acctURL := ctx.createAccount(t)
	otherKey, _ := ctx.createAccount(t)

	oldJWK := jose.JSONWebKey{Key: oldKey.Public()}
	oldJWKJSON, err := oldJWK.MarshalJSON()
	test.AssertNotError(t, err, "marshaling old JWK")

	rolloverURL := "http://localhost" + rolloverPath
	innerPayload := fmt.Sprintf(`{"account": %q, "oldKey": %s}`, acctURL, oldJWKJSON)
	innerSigner, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.ES256, Key: otherKey},
		&jose.SignerOptions{
			EmbedJWK: true,
			ExtraHeaders: map[jose.HeaderKey]interface{}{
				jose.HeaderKey("url"): rolloverURL,
			},
		})
	test.AssertNotError(t, err, "building inner signer")
	innerJWS, err := innerSigner.Sign([]byte(innerPayload))
	test.AssertNotError(t, err, "signing inner payload")

	body := signKeyID(t, oldKey, acctURL, ctx.wfe.nonceService, rolloverURL, innerJWS.FullSerialize())
	response := ctx.post(rolloverPath, body)
	test.AssertEquals(t, response.Code, http.StatusConflict)
	assertProblemType(t, response, probs.ConflictProblem)
}

// createOrder posts a new-order request for the given names and returns the
// parsed order plus its URL.
func (ctx *testCtx) createOrder(t *testing.T, key *ecdsa.PrivateKey, acctURL string, names ...string) (orderJSON, string) {
	t.Helper()
	idents := make([]identifier.ACMEIdentifier, 0, len(names))
	for _, name := range names {
		idents = append(idents, identifier.DNSIdentifier(name))
	}
	payload, err := json.Marshal(map[string]interface{}{"identifiers": idents})
	test.AssertNotError(t, err, "marshaling new-order payload")

	body := signKeyID(t, key, acctURL, ctx.wfe.nonceService,
		"http://localhost"+newOrderPath, string(payload))
	response := ctx.post(newOrderPath, body)
	test.AssertEquals(t, response.Code, http.StatusCreated)
	orderURL := response.Header().Get("Location")
	test.Assert(t, orderURL != "", "new order response had no Location header")

	var order orderJSON
	err = json.Unmarshal(response.Body.Bytes(), &order)
	test.AssertNotError(t, err, "unmarshaling order")
	return order, orderURL
}

// postAsGet signs an empty-payload request for the given URL and returns the
// response.
func (ctx *testCtx) postAsGet(t *testing.T, key *ecdsa.PrivateKey, acctURL, url string) *httptest.ResponseRecorder {
	t.Helper()
	body := signKeyID(t, key, acctURL, ctx.wfe.nonceService, url, "")
	return ctx.post(strings.TrimPrefix(url, "http://localhost"), body)
}

func TestNewOrder(t *testing.T) {
	t.Parallel()
	ctx := setup(t)
	key, acctURL := ctx.createAccount(t)

	order, orderURL := ctx.createOrder(t, key, acctURL, "example.com", "www.example.com")
	test.AssertEquals(t, order.Status, core.StatusPending)
	test.AssertEquals(t, len(order.Identifiers), 2)
	test.AssertEquals(t, len(order.Authorizations), 2)
	test.AssertContains(t, order.Finalize, finalizePath)
	test.AssertContains(t, orderURL, orderPath)
	test.Assert(t, order.Expires.Equal(ctx.fc.Now().Add(7*24*time.Hour)), "wrong order expiry")

	// Orders are visible to their owner via POST-as-GET.
	response := ctx.postAsGet(t, key, acctURL, orderURL)
	test.AssertEquals(t, response.Code, http.StatusOK)
}

func TestNewOrderUnsupportedIdentifier(t *testing.T) {
	t.Parallel()
	ctx := setup(t)
	key, acctURL := ctx.createAccount(t)

	body := signKeyID(t, key, acctURL, ctx.wfe.nonceService,
		"http://localhost"+newOrderPath,
		`{"identifiers": [{"type": "ip", "value": "192.0.2.1"}]}`)
	response := ctx.post(newOrderPath, body)
	test.AssertEquals(t, response.Code, http.StatusBadRequest)
	assertProblemType(t, response, probs.UnsupportedIdentifierProblem)
}

func TestGetOrderWrongAccount(t *testing.T) {
	t.Parallel()
	ctx := setup(t)
	key, acctURL := ctx.createAccount(t)
	otherKey, otherAcctURL := ctx.createAccount(t)

	_, orderURL := ctx.createOrder(t, key, acctURL, "example.com")

	response := ctx.postAsGet(t, otherKey, otherAcctURL, orderURL)
	test.AssertEquals(t, response.Code, http.StatusNotFound)
}

// getAuthz fetches an authorization object via POST-as-GET.
func (ctx *testCtx) getAuthz(t *testing.T, key *ecdsa.PrivateKey, acctURL, authzURL string) core.Authorization {
	t.Helper()
	response := ctx.postAsGet(t, key, acctURL, authzURL)
	test.AssertEquals(t, response.Code, http.StatusOK)
	var authz core.Authorization
	err := json.Unmarshal(response.Body.Bytes(), &authz)
	test.AssertNotError(t, err, "unmarshaling authorization")
	return authz
}

// solveAuthz POSTs the authorization's http-01 challenge and waits for the
// asynchronous validation to land.
func (ctx *testCtx) solveAuthz(t *testing.T, key *ecdsa.PrivateKey, acctURL, authzURL string) {
	t.Helper()
	authz := ctx.getAuthz(t, key, acctURL, authzURL)

	var challURL string
	for _, chall := range authz.Challenges {
		if chall.Type == core.ChallengeTypeHTTP01 || chall.Type == core.ChallengeTypeDNS01 {
			challURL = chall.URL
			break
		}
	}
	test.Assert(t, challURL != "", "authorization had no usable challenge")

	body := signKeyID(t, key, acctURL, ctx.wfe.nonceService, challURL, "{}")
	response := ctx.post(strings.TrimPrefix(challURL, "http://localhost"), body)
	test.AssertEquals(t, response.Code, http.StatusOK)
	ctx.ra.DrainValidations()
}

func TestChallengePOSTAsGET(t *testing.T) {
	t.Parallel()
	ctx := setup(t)
	key, acctURL := ctx.createAccount(t)
	order, _ := ctx.createOrder(t, key, acctURL, "example.com")

	authz := ctx.getAuthz(t, key, acctURL, order.Authorizations[0])
	test.AssertEquals(t, authz.Status, core.StatusPending)
	test.AssertEquals(t, len(authz.Challenges), 2)

	challURL := authz.Challenges[0].URL
	response := ctx.postAsGet(t, key, acctURL, challURL)
	test.AssertEquals(t, response.Code, http.StatusOK)
	test.AssertContains(t, response.Header().Get("Link"), `rel="up"`)

	var chall core.Challenge
	err := json.Unmarshal(response.Body.Bytes(), &chall)
	test.AssertNotError(t, err, "unmarshaling challenge")
	test.AssertEquals(t, chall.Status, core.StatusPending)
	test.Assert(t, chall.Token != "", "challenge had no token")
}

func TestIssuanceRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := setup(t)
	key, acctURL := ctx.createAccount(t)
	order, orderURL := ctx.createOrder(t, key, acctURL, "example.com", "www.example.com")

	for _, authzURL := range order.Authorizations {
		ctx.solveAuthz(t, key, acctURL, authzURL)
	}

	// With every authorization valid the order polls as ready.
	response := ctx.postAsGet(t, key, acctURL, orderURL)
	test.AssertEquals(t, response.Code, http.StatusOK)
	var polled orderJSON
	err := json.Unmarshal(response.Body.Bytes(), &polled)
	test.AssertNotError(t, err, "unmarshaling order")
	test.AssertEquals(t, polled.Status, core.StatusReady)

	// Finalize with a CSR for the order's names.
	csrKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	test.AssertNotError(t, err, "generating CSR key")
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		DNSNames: []string{"example.com", "www.example.com"},
	}, csrKey)
	test.AssertNotError(t, err, "creating CSR")

	finalizePayload := fmt.Sprintf(`{"csr": %q}`, base64.RawURLEncoding.EncodeToString(csrDER))
	body := signKeyID(t, key, acctURL, ctx.wfe.nonceService, polled.Finalize, finalizePayload)
	response = ctx.post(strings.TrimPrefix(polled.Finalize, "http://localhost"), body)
	test.AssertEquals(t, response.Code, http.StatusOK)

	var finalized orderJSON
	err = json.Unmarshal(response.Body.Bytes(), &finalized)
	test.AssertNotError(t, err, "unmarshaling finalized order")
	test.AssertEquals(t, finalized.Status, core.StatusValid)
	test.Assert(t, finalized.Certificate != "", "finalized order had no certificate URL")

	// Download the certificate chain.
	response = ctx.postAsGet(t, key, acctURL, finalized.Certificate)
	test.AssertEquals(t, response.Code, http.StatusOK)
	test.AssertEquals(t, response.Header().Get("Content-Type"), "application/pem-certificate-chain")

	leafBlock, rest := pem.Decode(response.Body.Bytes())
	test.AssertNotNil(t, leafBlock, "certificate response had no PEM block")
	leaf, err := x509.ParseCertificate(leafBlock.Bytes)
	test.AssertNotError(t, err, "parsing leaf certificate")
	test.AssertDeepEquals(t, leaf.DNSNames, []string{"example.com", "www.example.com"})

	chainBlock, _ := pem.Decode(rest)
	test.AssertNotNil(t, chainBlock, "certificate response had no chain")
	chainCert, err := x509.ParseCertificate(chainBlock.Bytes)
	test.AssertNotError(t, err, "parsing chain certificate")
	test.AssertEquals(t, chainCert.Subject.CommonName, ctx.issuerCert.Subject.CommonName)
}

func TestFinalizeNotReady(t *testing.T) {
	t.Parallel()
	ctx := setup(t)
	key, acctURL := ctx.createAccount(t)
	order, _ := ctx.createOrder(t, key, acctURL, "example.com")

	csrKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	test.AssertNotError(t, err, "generating CSR key")
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		DNSNames: []string{"example.com"},
	}, csrKey)
	test.AssertNotError(t, err, "creating CSR")

	finalizePayload := fmt.Sprintf(`{"csr": %q}`, base64.RawURLEncoding.EncodeToString(csrDER))
	body := signKeyID(t, key, acctURL, ctx.wfe.nonceService, order.Finalize, finalizePayload)
	response := ctx.post(strings.TrimPrefix(order.Finalize, "http://localhost"), body)
	test.AssertEquals(t, response.Code, http.StatusForbidden)
	assertProblemType(t, response, probs.OrderNotReadyProblem)
}

func TestCertificateOtherAccount(t *testing.T) {
	t.Parallel()
	ctx := setup(t)
	key, acctURL := ctx.createAccount(t)
	order, _ := ctx.createOrder(t, key, acctURL, "example.com")
	ctx.solveAuthz(t, key, acctURL, order.Authorizations[0])

	csrKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	test.AssertNotError(t, err, "generating CSR key")
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		DNSNames: []string{"example.com"},
	}, csrKey)
	test.AssertNotError(t, err, "creating CSR")
	finalizePayload := fmt.Sprintf(`{"csr": %q}`, base64.RawURLEncoding.EncodeToString(csrDER))
	body := signKeyID(t, key, acctURL, ctx.wfe.nonceService, order.Finalize, finalizePayload)
	response := ctx.post(strings.TrimPrefix(order.Finalize, "http://localhost"), body)
	test.AssertEquals(t, response.Code, http.StatusOK)

	var finalized orderJSON
	err = json.Unmarshal(response.Body.Bytes(), &finalized)
	test.AssertNotError(t, err, "unmarshaling finalized order")

	otherKey, otherAcctURL := ctx.createAccount(t)
	response = ctx.postAsGet(t, otherKey, otherAcctURL, finalized.Certificate)
	test.AssertEquals(t, response.Code, http.StatusForbidden)
	assertProblemType(t, response, probs.UnauthorizedProblem)
}

func TestWildcardAuthzDisplay(t *testing.T) {
	t.Parallel()
	ctx := setup(t)
	key, acctURL := ctx.createAccount(t)

	order, _ := ctx.createOrder(t, key, acctURL, "*.example.com")
	test.AssertEquals(t, order.Identifiers[0].Value, "*.example.com")

	authz := ctx.getAuthz(t, key, acctURL, order.Authorizations[0])
	test.AssertEquals(t, authz.Identifier.Value, "*.example.com")
	test.Assert(t, authz.Wildcard, "wildcard authorization was not flagged")
	test.AssertEquals(t, len(authz.Challenges), 1)
	test.AssertEquals(t, authz.Challenges[0].Type, core.ChallengeTypeDNS01)
}

func TestAuthzDeactivate(t *testing.T) {
	t.Parallel()
	ctx := setup(t)
	key, acctURL := ctx.createAccount(t)
	order, _ := ctx.createOrder(t, key, acctURL, "example.com")

	authzURL := order.Authorizations[0]
	body := signKeyID(t, key, acctURL, ctx.wfe.nonceService, authzURL,
		`{"status": "deactivated"}`)
	response := ctx.post(strings.TrimPrefix(authzURL, "http://localhost"), body)
	test.AssertEquals(t, response.Code, http.StatusOK)

	var authz core.Authorization
	err := json.Unmarshal(response.Body.Bytes(), &authz)
	test.AssertNotError(t, err, "unmarshaling authorization")
	test.AssertEquals(t, authz.Status, core.StatusDeactivated)
}

func TestPOSTAsGETNonEmptyPayload(t *testing.T) {
	t.Parallel()
	ctx := setup(t)
	key, acctURL := ctx.createAccount(t)
	_, orderURL := ctx.createOrder(t, key, acctURL, "example.com")

	body := signKeyID(t, key, acctURL, ctx.wfe.nonceService, orderURL, `{"hi": "there"}`)
	response := ctx.post(strings.TrimPrefix(orderURL, "http://localhost"), body)
	test.AssertEquals(t, response.Code, http.StatusBadRequest)
	assertProblemType(t, response, probs.MalformedProblem)
}
