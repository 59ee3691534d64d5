package bdns

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"

	blog "github.com/trellisca/trellis/log"
	"github.com/trellisca/trellis/test"
)

// fakeExchanger returns canned responses keyed by question name and type.
type fakeExchanger struct {
	responses map[string]*dns.Msg
	err       error
	calls     int
}

func (fe *fakeExchanger) Exchange(m *dns.Msg, _ string) (*dns.Msg, time.Duration, error) {
	fe.calls++
	if fe.err != nil {
		return nil, time.Millisecond, fe.err
	}
	key := m.Question[0].Name + dns.TypeToString[m.Question[0].Qtype]
	resp, ok := fe.responses[key]
	if !ok {
		resp = new(dns.Msg)
		resp.SetReply(m)
	}
	return resp, time.Millisecond, nil
}

func newTestResolver(t *testing.T, exch exchanger) *impl {
	t.Helper()
	servers, err := NewStaticProvider([]string{"127.0.0.1:53"})
	test.AssertNotError(t, err, "creating static provider")
	client := NewTest(time.Second, servers, prometheus.NewRegistry(), clock.NewFake(), 3, blog.NewMock())
	resolver := client.(*impl)
	resolver.dnsClient = exch
	return resolver
}

func txtResponse(name string, values ...string) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(name, dns.TypeTXT)
	resp := new(dns.Msg)
	resp.SetReply(m)
	for _, v := range values {
		resp.Answer = append(resp.Answer, &dns.TXT{
			Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeTXT, Class: dns.ClassINET},
			Txt: []string{v},
		})
	}
	return resp
}

func TestLookupTXT(t *testing.T) {
	name := "_acme-challenge.example.com."
	resolver := newTestResolver(t, &fakeExchanger{
		responses: map[string]*dns.Msg{
			name + "TXT": txtResponse(name, "abc", "def"),
		},
	})

	txts, resolvers, err := resolver.LookupTXT(context.Background(), "_acme-challenge.example.com")
	test.AssertNotError(t, err, "LookupTXT failed")
	test.AssertDeepEquals(t, txts, []string{"abc", "def"})
	test.AssertDeepEquals(t, resolvers, ResolverAddrs{"127.0.0.1:53"})
}

func TestLookupTXTNXDOMAIN(t *testing.T) {
	name := "_acme-challenge.example.com."
	m := new(dns.Msg)
	m.SetQuestion(name, dns.TypeTXT)
	resp := new(dns.Msg)
	resp.SetReply(m)
	resp.Rcode = dns.RcodeNameError

	resolver := newTestResolver(t, &fakeExchanger{
		responses: map[string]*dns.Msg{name + "TXT": resp},
	})

	_, _, err := resolver.LookupTXT(context.Background(), "_acme-challenge.example.com")
	test.AssertError(t, err, "expected error for NXDOMAIN")
	test.AssertContains(t, err.Error(), "NXDOMAIN")
}

func TestLookupTXTRetries(t *testing.T) {
	fe := &fakeExchanger{err: MockTimeoutError()}
	resolver := newTestResolver(t, fe)

	_, _, err := resolver.LookupTXT(context.Background(), "_acme-challenge.example.com")
	test.AssertError(t, err, "expected error after exhausting retries")
	test.AssertEquals(t, fe.calls, 3)
}

func TestLookupHostFiltersReserved(t *testing.T) {
	name := "example.com."
	aResp := new(dns.Msg)
	q := new(dns.Msg)
	q.SetQuestion(name, dns.TypeA)
	aResp.SetReply(q)
	for _, ip := range []string{"10.0.0.1", "93.184.216.34"} {
		aResp.Answer = append(aResp.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET},
			A:   net.ParseIP(ip),
		})
	}

	resolver := newTestResolver(t, &fakeExchanger{
		responses: map[string]*dns.Msg{name + "A": aResp},
	})
	// The NewTest resolver allows reserved addresses, so flip that off to
	// exercise the filter.
	resolver.allowRestrictedAddresses = false

	addrs, _, err := resolver.LookupHost(context.Background(), "example.com")
	test.AssertNotError(t, err, "LookupHost failed")
	test.AssertEquals(t, len(addrs), 1)
	test.AssertEquals(t, addrs[0].String(), "93.184.216.34")
}

func TestLookupHostNoRecords(t *testing.T) {
	resolver := newTestResolver(t, &fakeExchanger{})
	_, _, err := resolver.LookupHost(context.Background(), "example.com")
	test.AssertError(t, err, "expected error when both lookups are empty")
}
