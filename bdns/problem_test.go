package bdns

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/miekg/dns"
)

func TestError(t *testing.T) {
	testCases := []struct {
		err      error
		expected string
	}{
		{
			Error{recordType: dns.TypeA, hostname: "hostname", underlying: MockTimeoutError()},
			"DNS problem: query timed out looking up A for hostname",
		}, {
			Error{recordType: dns.TypeMX, hostname: "hostname", underlying: &net.OpError{Err: errors.New("some net error")}},
			"DNS problem: networking error looking up MX for hostname",
		}, {
			Error{recordType: dns.TypeTXT, hostname: "hostname", rCode: dns.RcodeNameError},
			"DNS problem: NXDOMAIN looking up TXT for hostname - check that a DNS record exists for this domain",
		}, {
			Error{recordType: dns.TypeTXT, hostname: "hostname", rCode: dns.RcodeServerFailure},
			"DNS problem: SERVFAIL looking up TXT for hostname - the domain's nameservers may be malfunctioning",
		}, {
			Error{recordType: dns.TypeTXT, hostname: "hostname", underlying: context.DeadlineExceeded},
			"DNS problem: query timed out looking up TXT for hostname",
		}, {
			Error{recordType: dns.TypeTXT, hostname: "hostname", underlying: context.Canceled},
			"DNS problem: query timed out looking up TXT for hostname",
		},
	}
	for _, tc := range testCases {
		if tc.err.Error() != tc.expected {
			t.Errorf("got %q, expected %q", tc.err.Error(), tc.expected)
		}
	}
}

func TestErrorTimeout(t *testing.T) {
	err := Error{recordType: dns.TypeA, hostname: "hostname", underlying: context.DeadlineExceeded}
	if !err.Timeout() {
		t.Error("expected Timeout() to be true for a deadline-exceeded error")
	}
	err = Error{recordType: dns.TypeA, hostname: "hostname", rCode: dns.RcodeNameError}
	if err.Timeout() {
		t.Error("expected Timeout() to be false for an NXDOMAIN response")
	}
}
