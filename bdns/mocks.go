package bdns

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"os"

	"github.com/miekg/dns"
)

// MockClient is a mock resolver suitable for validation tests. Its answers
// are keyed off the hostname being looked up.
type MockClient struct {
	// TXT maps a query name to the TXT record strings returned for it.
	TXT map[string][]string
}

var _ Client = &MockClient{}

// LookupTXT is a mock
func (mock *MockClient) LookupTXT(_ context.Context, hostname string) ([]string, ResolverAddrs, error) {
	if hostname == "_acme-challenge.servfail.com" {
		return nil, ResolverAddrs{"MockClient"}, Error{recordType: dns.TypeTXT, hostname: hostname, rCode: dns.RcodeServerFailure}
	}
	if txts, ok := mock.TXT[hostname]; ok {
		return txts, ResolverAddrs{"MockClient"}, nil
	}
	return nil, ResolverAddrs{"MockClient"}, nil
}

// LookupHost is a mock
func (mock *MockClient) LookupHost(_ context.Context, hostname string) ([]netip.Addr, ResolverAddrs, error) {
	if hostname == "always.invalid" || hostname == "invalid.invalid" {
		return []netip.Addr{}, ResolverAddrs{"MockClient"}, nil
	}
	if hostname == "always.timeout" {
		return []netip.Addr{}, ResolverAddrs{"MockClient"}, Error{recordType: dns.TypeA, hostname: "always.timeout", underlying: MockTimeoutError()}
	}
	if hostname == "always.error" {
		return []netip.Addr{}, ResolverAddrs{"MockClient"}, Error{
			recordType: dns.TypeA,
			hostname:   "always.error",
			underlying: &net.OpError{Err: errors.New("some net error")},
		}
	}
	// dual-homed host with an IPv6 and an IPv4 address
	if hostname == "ipv4.and.ipv6.localhost" {
		return []netip.Addr{
			netip.MustParseAddr("::1"),
			netip.MustParseAddr("127.0.0.1"),
		}, ResolverAddrs{"MockClient"}, nil
	}
	return []netip.Addr{netip.MustParseAddr("127.0.0.1")}, ResolverAddrs{"MockClient"}, nil
}

// MockTimeoutError returns a net.OpError for which Timeout() returns true.
func MockTimeoutError() *net.OpError {
	return &net.OpError{
		Err: os.NewSyscallError("ugh timeout", timeoutError{}),
	}
}

type timeoutError struct{}

func (t timeoutError) Error() string {
	return "so sloooow"
}
func (t timeoutError) Timeout() bool {
	return true
}
