package bdns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmhodges/clock"
	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/trellisca/trellis/iana"
	blog "github.com/trellisca/trellis/log"
)

// ResolverAddrs contains the DNS resolver(s) that were chosen to perform a
// lookup. An entry will be in the form of host:port, A:host:port, or
// AAAA:host:port depending on which type of lookup was done.
type ResolverAddrs []string

// Client queries for DNS records
type Client interface {
	LookupTXT(context.Context, string) (txts []string, resolvers ResolverAddrs, err error)
	LookupHost(context.Context, string) ([]netip.Addr, ResolverAddrs, error)
}

// impl represents a client that talks to an external resolver
type impl struct {
	dnsClient                exchanger
	servers                  ServerProvider
	allowRestrictedAddresses bool
	maxTries                 int
	clk                      clock.Clock
	log                      blog.Logger

	queryTime       *prometheus.HistogramVec
	totalLookupTime *prometheus.HistogramVec
	timeoutCounter  *prometheus.CounterVec
}

var _ Client = &impl{}

type exchanger interface {
	Exchange(m *dns.Msg, a string) (*dns.Msg, time.Duration, error)
}

// New constructs a new DNS resolver object that utilizes the provided list of
// DNS servers for resolution. Queries go out over UDP and are retried over
// TCP when the response comes back truncated.
func New(
	readTimeout time.Duration,
	servers ServerProvider,
	stats prometheus.Registerer,
	clk clock.Clock,
	maxTries int,
	log blog.Logger,
) Client {
	queryTime := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "dns_query_time",
			Help: "Time taken to perform a DNS query",
		},
		[]string{"qtype", "result", "resolver"},
	)
	totalLookupTime := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "dns_total_lookup_time",
			Help: "Time taken to perform a DNS lookup, including all retried queries",
		},
		[]string{"qtype", "result", "retries", "resolver"},
	)
	timeoutCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dns_timeout",
			Help: "Counter of various types of DNS query timeouts",
		},
		[]string{"qtype", "type", "resolver"},
	)
	stats.MustRegister(queryTime, totalLookupTime, timeoutCounter)

	return &impl{
		dnsClient: &udpExchanger{
			udp: &dns.Client{Net: "udp", ReadTimeout: readTimeout},
			tcp: &dns.Client{Net: "tcp", ReadTimeout: readTimeout},
		},
		servers:                  servers,
		allowRestrictedAddresses: false,
		maxTries:                 maxTries,
		clk:                      clk,
		log:                      log,
		queryTime:                queryTime,
		totalLookupTime:          totalLookupTime,
		timeoutCounter:           timeoutCounter,
	}
}

// NewTest acts like New, but the returned resolver will also accept answers
// pointing at loopback and other reserved addresses. This constructor should
// *only* be called from tests.
func NewTest(
	readTimeout time.Duration,
	servers ServerProvider,
	stats prometheus.Registerer,
	clk clock.Clock,
	maxTries int,
	log blog.Logger,
) Client {
	resolver := New(readTimeout, servers, stats, clk, maxTries, log)
	resolver.(*impl).allowRestrictedAddresses = true
	return resolver
}

type dnsResp struct {
	m   *dns.Msg
	err error
}

// exchangeOne performs a single DNS exchange with a server chosen from the
// server list, retrying (and rotating servers) on temporary network errors up
// to maxTries times.
func (dnsClient *impl) exchangeOne(ctx context.Context, hostname string, qtype uint16) (resp *dns.Msg, resolver string, err error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(hostname), qtype)
	// Tell the resolver that we're willing to receive responses up to 4096
	// bytes, to cut down on truncation and TCP retries.
	m.SetEdns0(4096, false)

	servers, err := dnsClient.servers.Addrs()
	if err != nil {
		return nil, "", fmt.Errorf("failed to list DNS servers: %w", err)
	}
	chosenServerIndex := 0
	chosenServer := servers[chosenServerIndex]
	resolver = chosenServer

	// Strip off the port so that the resolver label doesn't blow up in
	// cardinality when we talk to the same server on multiple ports.
	chosenServerIP, _, err := net.SplitHostPort(chosenServer)
	if err != nil {
		return
	}

	start := dnsClient.clk.Now()
	qtypeStr := dns.TypeToString[qtype]
	tries := 1
	defer func() {
		result := "failed"
		if resp != nil {
			result = dns.RcodeToString[resp.Rcode]
		}
		dnsClient.totalLookupTime.With(prometheus.Labels{
			"qtype":    qtypeStr,
			"result":   result,
			"retries":  strconv.Itoa(tries),
			"resolver": chosenServerIP,
		}).Observe(dnsClient.clk.Since(start).Seconds())
	}()
	for {
		ch := make(chan dnsResp, 1)

		chosenServerIP, _, err = net.SplitHostPort(chosenServer)
		if err != nil {
			return
		}

		go func() {
			rsp, rtt, err := dnsClient.dnsClient.Exchange(m, chosenServer)
			result := "failed"
			if rsp != nil {
				result = dns.RcodeToString[rsp.Rcode]
			}
			if err != nil {
				dnsClient.log.Infof("dns error chosenServer=[%s] hostname=[%s] queryType=[%s] err=[%s]",
					chosenServer, hostname, qtypeStr, err)
			}
			dnsClient.queryTime.With(prometheus.Labels{
				"qtype":    qtypeStr,
				"result":   result,
				"resolver": chosenServerIP,
			}).Observe(rtt.Seconds())
			ch <- dnsResp{m: rsp, err: err}
		}()
		select {
		case <-ctx.Done():
			var timeoutType string
			switch {
			case errors.Is(ctx.Err(), context.DeadlineExceeded):
				timeoutType = "deadline exceeded"
			case errors.Is(ctx.Err(), context.Canceled):
				timeoutType = "canceled"
			default:
				timeoutType = "unknown"
			}
			dnsClient.timeoutCounter.With(prometheus.Labels{
				"qtype":    qtypeStr,
				"type":     timeoutType,
				"resolver": chosenServerIP,
			}).Inc()
			err = ctx.Err()
			return
		case r := <-ch:
			if r.err != nil {
				var netErr net.Error
				isRetryable := errors.As(r.err, &netErr) && netErr.Timeout()
				hasRetriesLeft := tries < dnsClient.maxTries
				if isRetryable && hasRetriesLeft {
					tries++
					// Rotate to the next server on retry.
					chosenServerIndex = (chosenServerIndex + 1) % len(servers)
					chosenServer = servers[chosenServerIndex]
					resolver = chosenServer
					continue
				} else if isRetryable && !hasRetriesLeft {
					dnsClient.timeoutCounter.With(prometheus.Labels{
						"qtype":    qtypeStr,
						"type":     "out of retries",
						"resolver": chosenServerIP,
					}).Inc()
				}
			}
			resp, err = r.m, r.err
			return
		}
	}
}

// wrapErr turns a DNS response and transport error into a bdns.Error, or nil
// for a usable response.
func wrapErr(qtype uint16, hostname string, resp *dns.Msg, err error) error {
	if err != nil {
		return Error{recordType: qtype, hostname: hostname, underlying: err}
	}
	if resp.Rcode != dns.RcodeSuccess {
		return Error{recordType: qtype, hostname: hostname, rCode: resp.Rcode}
	}
	return nil
}

// LookupTXT sends a DNS query to find all TXT records associated with the
// provided hostname. Multi-string TXT records are joined without separators,
// per RFC 7208 style concatenation.
func (dnsClient *impl) LookupTXT(ctx context.Context, hostname string) ([]string, ResolverAddrs, error) {
	var txt []string
	dnsType := dns.TypeTXT
	r, resolver, err := dnsClient.exchangeOne(ctx, hostname, dnsType)
	errWrap := wrapErr(dnsType, hostname, r, err)
	if errWrap != nil {
		return nil, ResolverAddrs{resolver}, errWrap
	}

	for _, answer := range r.Answer {
		if answer.Header().Rrtype == dnsType {
			if txtRec, ok := answer.(*dns.TXT); ok {
				txt = append(txt, strings.Join(txtRec.Txt, ""))
			}
		}
	}

	return txt, ResolverAddrs{resolver}, err
}

func (dnsClient *impl) lookupIP(ctx context.Context, hostname string, ipType uint16) ([]dns.RR, string, error) {
	resp, resolver, err := dnsClient.exchangeOne(ctx, hostname, ipType)
	switch ipType {
	case dns.TypeA:
		if resolver != "" {
			resolver = "A:" + resolver
		}
	case dns.TypeAAAA:
		if resolver != "" {
			resolver = "AAAA:" + resolver
		}
	}
	errWrap := wrapErr(ipType, hostname, resp, err)
	if errWrap != nil {
		return nil, resolver, errWrap
	}
	return resp.Answer, resolver, nil
}

// LookupHost sends a DNS query to find all A and AAAA records associated with
// the provided hostname. This method assumes that the external resolver will
// chase CNAME/DNAME aliases and return relevant records. It returns an error
// if both the A and AAAA lookups fail or are empty, but succeeds otherwise.
func (dnsClient *impl) LookupHost(ctx context.Context, hostname string) ([]netip.Addr, ResolverAddrs, error) {
	var recordsA, recordsAAAA []dns.RR
	var errA, errAAAA error
	var resolverA, resolverAAAA string
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		recordsA, resolverA, errA = dnsClient.lookupIP(ctx, hostname, dns.TypeA)
	}()
	go func() {
		defer wg.Done()
		recordsAAAA, resolverAAAA, errAAAA = dnsClient.lookupIP(ctx, hostname, dns.TypeAAAA)
	}()
	wg.Wait()

	resolvers := ResolverAddrs{resolverA, resolverAAAA}
	resolvers = slices.DeleteFunc(resolvers, func(a string) bool {
		return a == ""
	})

	var addrsA []netip.Addr
	if errA == nil {
		for _, answer := range recordsA {
			if answer.Header().Rrtype == dns.TypeA {
				a, ok := answer.(*dns.A)
				if ok && a.A.To4() != nil {
					netIP, ok := netip.AddrFromSlice(a.A)
					if ok && (iana.IsReservedAddr(netIP) == nil || dnsClient.allowRestrictedAddresses) {
						addrsA = append(addrsA, netIP)
					}
				}
			}
		}
		if len(addrsA) == 0 {
			errA = fmt.Errorf("no valid A records found for %s", hostname)
		}
	}

	var addrsAAAA []netip.Addr
	if errAAAA == nil {
		for _, answer := range recordsAAAA {
			if answer.Header().Rrtype == dns.TypeAAAA {
				aaaa, ok := answer.(*dns.AAAA)
				if ok && aaaa.AAAA.To16() != nil {
					netIP, ok := netip.AddrFromSlice(aaaa.AAAA)
					if ok && (iana.IsReservedAddr(netIP) == nil || dnsClient.allowRestrictedAddresses) {
						addrsAAAA = append(addrsAAAA, netIP)
					}
				}
			}
		}
		if len(addrsAAAA) == 0 {
			errAAAA = fmt.Errorf("no valid AAAA records found for %s", hostname)
		}
	}

	if errA != nil && errAAAA != nil {
		// Construct a new error from both underlying errors. We can only use
		// %w for one of them, because error unwrapping doesn't support
		// branching.
		return nil, resolvers, fmt.Errorf("%w; %s", errA, errAAAA)
	}

	return append(addrsA, addrsAAAA...), resolvers, nil
}

// udpExchanger queries over UDP first and falls back to TCP when the
// response comes back truncated.
type udpExchanger struct {
	udp *dns.Client
	tcp *dns.Client
}

func (e *udpExchanger) Exchange(m *dns.Msg, server string) (*dns.Msg, time.Duration, error) {
	resp, rtt, err := e.udp.Exchange(m, server)
	if err == nil && resp != nil && resp.Truncated {
		var tcpRtt time.Duration
		resp, tcpRtt, err = e.tcp.Exchange(m, server)
		rtt += tcpRtt
	}
	return resp, rtt, err
}
