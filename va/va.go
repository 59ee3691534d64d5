package va

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/trellisca/trellis/bdns"
	"github.com/trellisca/trellis/core"
	terrors "github.com/trellisca/trellis/errors"
	"github.com/trellisca/trellis/identifier"
	blog "github.com/trellisca/trellis/log"
)

// DNSPrefix is attached to DNS names in DNS challenges
const DNSPrefix = "_acme-challenge"

// ValidationAuthorityImpl checks challenges by doing the actual network I/O:
// HTTP fetches for http-01 and TXT lookups for dns-01.
type ValidationAuthorityImpl struct {
	log       blog.Logger
	dnsClient bdns.Client
	clk       clock.Clock

	// httpPort is the port used for http-01 validation requests. It is
	// configurable so tests can point validation at a local server.
	httpPort int

	userAgent string

	validationTime *prometheus.HistogramVec
}

var _ core.ValidationAuthority = (*ValidationAuthorityImpl)(nil)

// NewValidationAuthorityImpl constructs a new VA.
func NewValidationAuthorityImpl(
	resolver bdns.Client,
	httpPort int,
	userAgent string,
	stats prometheus.Registerer,
	clk clock.Clock,
	logger blog.Logger,
) (*ValidationAuthorityImpl, error) {
	if httpPort <= 0 || httpPort > 65535 {
		return nil, fmt.Errorf("invalid HTTP port %d", httpPort)
	}

	validationTime := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "validation_time",
			Help: "Time taken to validate a challenge",
		},
		[]string{"type", "result"},
	)
	stats.MustRegister(validationTime)

	return &ValidationAuthorityImpl{
		log:            logger,
		dnsClient:      resolver,
		clk:            clk,
		httpPort:       httpPort,
		userAgent:      userAgent,
		validationTime: validationTime,
	}, nil
}

// PerformValidation validates the challenge for the given identifier. It
// returns the validation records from the attempt regardless of success, so
// that they can be stored for auditing either way.
func (va *ValidationAuthorityImpl) PerformValidation(
	ctx context.Context,
	ident identifier.ACMEIdentifier,
	challenge core.Challenge,
	expectedKeyAuthorization string,
) ([]core.ValidationRecord, error) {
	start := va.clk.Now()

	var records []core.ValidationRecord
	var err error
	switch challenge.Type {
	case core.ChallengeTypeHTTP01:
		records, err = va.validateHTTP01(ctx, ident, challenge.Token, expectedKeyAuthorization)
	case core.ChallengeTypeDNS01:
		records, err = va.validateDNS01(ctx, ident, expectedKeyAuthorization)
	default:
		err = terrors.MalformedError("invalid challenge type %s", challenge.Type)
	}

	result := "valid"
	if err != nil {
		result = "invalid"
	}
	va.validationTime.With(prometheus.Labels{
		"type":   string(challenge.Type),
		"result": result,
	}).Observe(va.clk.Since(start).Seconds())

	if err != nil {
		va.log.Infof("Validation failed type=[%s] identifier=[%s] error=[%s]",
			challenge.Type, ident.Value, err)
	} else {
		va.log.Infof("Validation succeeded type=[%s] identifier=[%s]",
			challenge.Type, ident.Value)
	}

	return records, err
}

// getAddrs will query for all A/AAAA records associated with hostname and
// return the set of usable addresses. If there is an error resolving the
// hostname, or if no usable IP addresses are available, then a DNS typed
// error is returned.
func (va *ValidationAuthorityImpl) getAddrs(ctx context.Context, hostname string) ([]netip.Addr, error) {
	addrs, _, err := va.dnsClient.LookupHost(ctx, hostname)
	if err != nil {
		return nil, terrors.DNSError("%v", err)
	}

	if len(addrs) == 0 {
		// This should be unreachable, as no valid IP addresses being found
		// results in an error being returned from LookupHost.
		return nil, terrors.DNSError("No valid IP addresses found for %s", hostname)
	}
	va.log.Debugf("Resolved addresses for %s: %s", hostname, addrs)
	return addrs, nil
}

// availableAddresses splits a list of addresses into IPv4 and IPv6 groups.
func availableAddresses(allAddrs []netip.Addr) (v4 []netip.Addr, v6 []netip.Addr) {
	for _, addr := range allAddrs {
		if addr.Is4() {
			v4 = append(v4, addr)
		} else {
			v6 = append(v6, addr)
		}
	}
	return
}
