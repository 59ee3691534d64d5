package va

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/trellisca/trellis/core"
	terrors "github.com/trellisca/trellis/errors"
	"github.com/trellisca/trellis/identifier"
)

const (
	// maxRedirect is the maximum number of redirects the VA will follow
	// during an http-01 fetch.
	maxRedirect = 10

	// maxResponseSize is the maximum number of bytes the VA will read from
	// the body of a challenge response.
	maxResponseSize = 128

	// whitespaceCutset is the set of trailing characters tolerated when
	// comparing the fetched body against the key authorization.
	whitespaceCutset = "\n\r\t "
)

// httpTransport constructs an HTTP Transport with settings appropriate for
// HTTP-01 validation. The provided dial function is used as the Transport's
// DialContext handler.
func httpTransport(df func(ctx context.Context, network, addr string) (net.Conn, error)) *http.Transport {
	return &http.Transport{
		DialContext: df,
		// We are talking to a client that does not yet have a certificate,
		// so we accept a temporary, invalid one on HTTPS redirects.
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		// We don't expect to make multiple requests to a client, so close
		// connection immediately.
		DisableKeepAlives: true,
		// We don't want idle connections, but 0 means "unlimited," so we
		// pick 1.
		MaxIdleConns:        1,
		IdleConnTimeout:     time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
}

func (va *ValidationAuthorityImpl) validateHTTP01(ctx context.Context, ident identifier.ACMEIdentifier, token string, keyAuthorization string) ([]core.ValidationRecord, error) {
	if ident.Type != identifier.DNS {
		va.log.Infof("Identifier type for HTTP challenge was not DNS: %s", ident.Value)
		return nil, terrors.MalformedError("Identifier type for HTTP challenge was not DNS")
	}

	path := "/.well-known/acme-challenge/" + token
	body, records, err := va.fetchHTTP(ctx, ident.Value, path)
	if err != nil {
		return records, err
	}

	payload := strings.TrimRight(string(body), whitespaceCutset)
	if payload != keyAuthorization {
		return records, terrors.UnauthorizedError(
			"The key authorization file from the server did not match this challenge %q != %q",
			keyAuthorization, payload)
	}
	return records, nil
}

// pickAddr chooses the address to dial out of a resolved set, preferring
// IPv6 when present.
func pickAddr(addrs []netip.Addr) netip.Addr {
	v4, v6 := availableAddresses(addrs)
	if len(v6) > 0 {
		return v6[0]
	}
	return v4[0]
}

// fetchHTTP fetches the given path from the host over HTTP on va.httpPort,
// following up to maxRedirect redirects. Hostnames are resolved through the
// VA's DNS client rather than the system resolver, and each host contacted
// (the original plus one per redirect) contributes a validation record.
func (va *ValidationAuthorityImpl) fetchHTTP(ctx context.Context, host string, path string) ([]byte, []core.ValidationRecord, error) {
	port := va.httpPort
	urlHost := host
	if port != 80 {
		urlHost = net.JoinHostPort(host, strconv.Itoa(port))
	}
	url := fmt.Sprintf("http://%s%s", urlHost, path)

	records := []core.ValidationRecord{{
		URL:      url,
		Hostname: host,
		Port:     strconv.Itoa(port),
	}}

	// dialer resolves through the VA's DNS client and fills in the current
	// validation record as a side effect.
	dialer := func(ctx context.Context, network, addr string) (net.Conn, error) {
		dialHost, dialPort, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}

		addrs, err := va.getAddrs(ctx, dialHost)
		if err != nil {
			return nil, err
		}

		record := &records[len(records)-1]
		for _, a := range addrs {
			record.AddressesResolved = append(record.AddressesResolved, a.String())
		}
		chosen := pickAddr(addrs)
		record.AddressUsed = chosen.String()

		d := &net.Dialer{}
		return d.DialContext(ctx, network, net.JoinHostPort(chosen.String(), dialPort))
	}

	client := &http.Client{
		Transport: httpTransport(dialer),
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirect {
				return terrors.ConnectionFailureError("Too many redirects")
			}
			if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
				return terrors.ConnectionFailureError("Invalid protocol scheme in redirect target %q", req.URL.String())
			}
			redirPort := req.URL.Port()
			if redirPort == "" {
				redirPort = "80"
				if req.URL.Scheme == "https" {
					redirPort = "443"
				}
			}
			if redirPort != "80" && redirPort != "443" && redirPort != strconv.Itoa(va.httpPort) {
				return terrors.ConnectionFailureError("Invalid port in redirect target %q", req.URL.String())
			}
			records = append(records, core.ValidationRecord{
				URL:      req.URL.String(),
				Hostname: req.URL.Hostname(),
				Port:     redirPort,
			})
			return nil
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, records, terrors.MalformedError("%s", err)
	}
	if va.userAgent != "" {
		req.Header.Set("User-Agent", va.userAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, records, detailedError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, records, terrors.UnauthorizedError("Error reading HTTP response body: %v", err)
	}
	if len(body) > maxResponseSize {
		return nil, records, terrors.UnauthorizedError("Invalid response from %s: content length too large", url)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, records, terrors.UnauthorizedError("Invalid response from %s: %d", records[len(records)-1].URL, resp.StatusCode)
	}

	return body, records, nil
}

// detailedError maps transport errors onto the typed error layer so that
// clients see a connection problem rather than a bare internal error.
func detailedError(err error) error {
	var terr *terrors.TrellisError
	if errors.As(err, &terr) {
		return terr
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return terrors.ConnectionFailureError("Timeout during connect (likely firewall problem)")
	}
	return terrors.ConnectionFailureError("%s", err)
}
