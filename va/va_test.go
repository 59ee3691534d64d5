package va

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/trellisca/trellis/bdns"
	"github.com/trellisca/trellis/core"
	terrors "github.com/trellisca/trellis/errors"
	"github.com/trellisca/trellis/identifier"
	blog "github.com/trellisca/trellis/log"
	"github.com/trellisca/trellis/test"
)

const expectedToken = "LoqXcYV8q5ONbJQxbmR7SCTNo3tiAXDfowyjxAjEuX0"
const expectedKeyAuthorization = expectedToken + ".9jg46WB3rR_AHD-EBXdN7cBkH1WOu0tA3M9fm21mqTI"

func setupVA(t *testing.T, port int, dnsClient bdns.Client) *ValidationAuthorityImpl {
	t.Helper()
	if dnsClient == nil {
		dnsClient = &bdns.MockClient{}
	}
	va, err := NewValidationAuthorityImpl(
		dnsClient,
		port,
		"trellis-test",
		prometheus.NewRegistry(),
		clock.NewFake(),
		blog.NewMock(),
	)
	test.AssertNotError(t, err, "creating test VA")
	return va
}

// httpChallengeSrv serves the expected key authorization on the well-known
// path and returns the server plus its port.
func httpChallengeSrv(t *testing.T, handler http.HandlerFunc) (*httptest.Server, int) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	parsed, err := url.Parse(server.URL)
	test.AssertNotError(t, err, "parsing test server URL")
	port, err := strconv.Atoi(parsed.Port())
	test.AssertNotError(t, err, "parsing test server port")
	return server, port
}

func TestHTTP01Success(t *testing.T) {
	_, port := httpChallengeSrv(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/.well-known/acme-challenge/"+expectedToken {
			fmt.Fprint(w, expectedKeyAuthorization, "\n")
			return
		}
		http.NotFound(w, r)
	})
	va := setupVA(t, port, nil)

	chall := core.Challenge{Type: core.ChallengeTypeHTTP01, Token: expectedToken}
	records, err := va.PerformValidation(context.Background(), identifier.DNSIdentifier("localhost"), chall, expectedKeyAuthorization)
	test.AssertNotError(t, err, "http-01 validation failed")
	test.AssertEquals(t, len(records), 1)
	test.AssertEquals(t, records[0].Hostname, "localhost")
	test.AssertEquals(t, records[0].AddressUsed, "127.0.0.1")
}

func TestHTTP01WrongBody(t *testing.T) {
	_, port := httpChallengeSrv(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "not the right answer")
	})
	va := setupVA(t, port, nil)

	chall := core.Challenge{Type: core.ChallengeTypeHTTP01, Token: expectedToken}
	_, err := va.PerformValidation(context.Background(), identifier.DNSIdentifier("localhost"), chall, expectedKeyAuthorization)
	test.AssertError(t, err, "expected validation error")
	test.AssertErrorWraps(t, err, new(*terrors.TrellisError))
	test.AssertContains(t, err.Error(), "did not match this challenge")
}

func TestHTTP01NotFound(t *testing.T) {
	_, port := httpChallengeSrv(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	va := setupVA(t, port, nil)

	chall := core.Challenge{Type: core.ChallengeTypeHTTP01, Token: expectedToken}
	_, err := va.PerformValidation(context.Background(), identifier.DNSIdentifier("localhost"), chall, expectedKeyAuthorization)
	test.AssertError(t, err, "expected validation error")
	test.AssertContains(t, err.Error(), "404")
}

func TestHTTP01OversizedBody(t *testing.T) {
	_, port := httpChallengeSrv(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, strings.Repeat("a", maxResponseSize+10))
	})
	va := setupVA(t, port, nil)

	chall := core.Challenge{Type: core.ChallengeTypeHTTP01, Token: expectedToken}
	_, err := va.PerformValidation(context.Background(), identifier.DNSIdentifier("localhost"), chall, expectedKeyAuthorization)
	test.AssertError(t, err, "expected validation error")
	test.AssertContains(t, err.Error(), "content length too large")
}

func TestHTTP01Redirect(t *testing.T) {
	var port int
	_, port = httpChallengeSrv(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/.well-known/") {
			http.Redirect(w, r, fmt.Sprintf("http://localhost:%d/moved", port), http.StatusFound)
			return
		}
		fmt.Fprint(w, expectedKeyAuthorization)
	})
	va := setupVA(t, port, nil)

	chall := core.Challenge{Type: core.ChallengeTypeHTTP01, Token: expectedToken}
	records, err := va.PerformValidation(context.Background(), identifier.DNSIdentifier("localhost"), chall, expectedKeyAuthorization)
	test.AssertNotError(t, err, "http-01 validation with redirect failed")
	test.AssertEquals(t, len(records), 2)
	test.AssertContains(t, records[1].URL, "/moved")
}

func TestDNS01Success(t *testing.T) {
	digest := sha256.Sum256([]byte(expectedKeyAuthorization))
	txtValue := base64.RawURLEncoding.EncodeToString(digest[:])

	dnsClient := &bdns.MockClient{TXT: map[string][]string{
		"_acme-challenge.good-dns01.com": {txtValue},
	}}
	va := setupVA(t, 80, dnsClient)

	chall := core.Challenge{Type: core.ChallengeTypeDNS01, Token: expectedToken}
	records, err := va.PerformValidation(context.Background(), identifier.DNSIdentifier("good-dns01.com"), chall, expectedKeyAuthorization)
	test.AssertNotError(t, err, "dns-01 validation failed")
	test.AssertEquals(t, len(records), 1)
	test.AssertEquals(t, records[0].Hostname, "good-dns01.com")
}

func TestDNS01NoRecord(t *testing.T) {
	va := setupVA(t, 80, &bdns.MockClient{})

	chall := core.Challenge{Type: core.ChallengeTypeDNS01, Token: expectedToken}
	_, err := va.PerformValidation(context.Background(), identifier.DNSIdentifier("empty-txts.com"), chall, expectedKeyAuthorization)
	test.AssertError(t, err, "expected validation error")
	test.AssertContains(t, err.Error(), "No TXT record found at _acme-challenge.empty-txts.com")
}

func TestDNS01WrongRecord(t *testing.T) {
	dnsClient := &bdns.MockClient{TXT: map[string][]string{
		"_acme-challenge.wrong-dns01.com": {"a-very-wrong-value"},
	}}
	va := setupVA(t, 80, dnsClient)

	chall := core.Challenge{Type: core.ChallengeTypeDNS01, Token: expectedToken}
	_, err := va.PerformValidation(context.Background(), identifier.DNSIdentifier("wrong-dns01.com"), chall, expectedKeyAuthorization)
	test.AssertError(t, err, "expected validation error")
	test.AssertContains(t, err.Error(), `Incorrect TXT record "a-very-wrong-value" found at _acme-challenge.wrong-dns01.com`)
}

func TestDNS01Servfail(t *testing.T) {
	va := setupVA(t, 80, &bdns.MockClient{})

	chall := core.Challenge{Type: core.ChallengeTypeDNS01, Token: expectedToken}
	_, err := va.PerformValidation(context.Background(), identifier.DNSIdentifier("servfail.com"), chall, expectedKeyAuthorization)
	test.AssertError(t, err, "expected validation error")
	test.AssertContains(t, err.Error(), "SERVFAIL")
}

func TestUnsupportedChallengeType(t *testing.T) {
	va := setupVA(t, 80, nil)

	chall := core.Challenge{Type: core.AcmeChallenge("tls-alpn-01"), Token: expectedToken}
	_, err := va.PerformValidation(context.Background(), identifier.DNSIdentifier("localhost"), chall, expectedKeyAuthorization)
	test.AssertError(t, err, "expected validation error")
	test.AssertContains(t, err.Error(), "invalid challenge type")
}
