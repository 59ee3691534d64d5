package va

import (
	"context"
	"io"
	"log"
	"net"
	"testing"
	"time"

	"github.com/letsencrypt/challtestsrv"

	"github.com/trellisca/trellis/core"
	"github.com/trellisca/trellis/identifier"
	"github.com/trellisca/trellis/test"
)

// startChallSrv runs a challenge test server bound to the given HTTP-01
// address and tears it down with the test.
func startChallSrv(t *testing.T, httpOneAddr string) *challtestsrv.ChallSrv {
	t.Helper()
	challSrv, err := challtestsrv.New(challtestsrv.Config{
		HTTPOneAddrs: []string{httpOneAddr},
		Log:          log.New(io.Discard, "", 0),
	})
	test.AssertNotError(t, err, "creating challenge test server")
	go challSrv.Run()
	t.Cleanup(challSrv.Shutdown)

	// Wait for the listener to come up before validating against it.
	for i := 0; i < 20; i++ {
		conn, err := net.DialTimeout("tcp", httpOneAddr, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			return challSrv
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("challenge test server did not start on %s", httpOneAddr)
	return nil
}

func TestHTTP01ChallengeTestServer(t *testing.T) {
	challSrv := startChallSrv(t, "127.0.0.1:5002")
	challSrv.AddHTTPOneChallenge(expectedToken, expectedKeyAuthorization)

	va := setupVA(t, 5002, nil)
	chall := core.Challenge{Type: core.ChallengeTypeHTTP01, Token: expectedToken}
	records, err := va.PerformValidation(context.Background(), identifier.DNSIdentifier("localhost"), chall, expectedKeyAuthorization)
	test.AssertNotError(t, err, "http-01 validation against challenge test server failed")
	test.AssertEquals(t, len(records), 1)
	test.AssertEquals(t, records[0].AddressUsed, "127.0.0.1")
}

func TestHTTP01ChallengeTestServerMissingToken(t *testing.T) {
	challSrv := startChallSrv(t, "127.0.0.1:5003")
	challSrv.AddHTTPOneChallenge("some-other-token", expectedKeyAuthorization)

	va := setupVA(t, 5003, nil)
	chall := core.Challenge{Type: core.ChallengeTypeHTTP01, Token: expectedToken}
	_, err := va.PerformValidation(context.Background(), identifier.DNSIdentifier("localhost"), chall, expectedKeyAuthorization)
	test.AssertError(t, err, "http-01 validation succeeded without a provisioned token")
}
