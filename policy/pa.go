// Package policy decides which identifiers the CA is willing to issue for
// and which challenge types apply to them.
package policy

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/weppos/publicsuffix-go/publicsuffix"
	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/norm"

	"github.com/trellisca/trellis/core"
	terrors "github.com/trellisca/trellis/errors"
	"github.com/trellisca/trellis/identifier"
	blog "github.com/trellisca/trellis/log"
	"github.com/trellisca/trellis/strictyaml"
)

// AuthorityImpl enforces CA policy decisions.
type AuthorityImpl struct {
	log blog.Logger

	blocklist              map[string]bool
	exactBlocklist         map[string]bool
	wildcardExactBlocklist map[string]bool
	blocklistMu            sync.RWMutex

	enabledChallenges map[core.AcmeChallenge]bool
	pseudoRNG         *rand.Rand
	rngMu             sync.Mutex
}

// New constructs a Policy Authority.
func New(challengeTypes map[core.AcmeChallenge]bool, log blog.Logger) (*AuthorityImpl, error) {
	pa := AuthorityImpl{
		log:               log,
		enabledChallenges: challengeTypes,
		// We don't need real randomness for this.
		pseudoRNG: rand.New(rand.NewSource(99)),
	}

	return &pa, nil
}

// blockedNamesPolicy is the YAML on-disk format of the hostname policy file.
type blockedNamesPolicy struct {
	// HighRiskBlockedNames is a list of domains which are blocked label-wise:
	// an entry blocks the name itself and every subdomain of it.
	HighRiskBlockedNames []string `yaml:"HighRiskBlockedNames"`
	// ExactBlockedNames is a list of domains blocked only by exact match. The
	// parent domain of each entry lands on the wildcard blocklist so that
	// a wildcard order cannot cover an exact-blocked name.
	ExactBlockedNames []string `yaml:"ExactBlockedNames"`
}

// LoadHostnamePolicyFile loads the hostname policy file once at startup,
// returning an error if it fails.
func (pa *AuthorityImpl) LoadHostnamePolicyFile(f string) error {
	configBytes, err := os.ReadFile(f)
	if err != nil {
		return err
	}
	return pa.processHostnamePolicy(configBytes)
}

func (pa *AuthorityImpl) processHostnamePolicy(b []byte) error {
	var policy blockedNamesPolicy
	err := strictyaml.Unmarshal(b, &policy)
	if err != nil {
		return err
	}
	if len(policy.HighRiskBlockedNames) == 0 {
		return fmt.Errorf("no entries in HighRiskBlockedNames")
	}
	nameMap := make(map[string]bool)
	for _, v := range policy.HighRiskBlockedNames {
		nameMap[v] = true
	}
	exactNameMap := make(map[string]bool)
	wildcardNameMap := make(map[string]bool)
	for _, v := range policy.ExactBlockedNames {
		exactNameMap[v] = true
		// Remove the leftmost label of the exact blocklist entry to make an exact
		// wildcard block list entry that will prevent issuing a wildcard that
		// would include the exact blocklist entry. e.g. if "highvalue.example.com"
		// is on the exact blocklist we want "example.com" to be in the
		// wildcardExactBlocklist so that "*.example.com" cannot be issued.
		parts := strings.SplitN(v, ".", 2)
		if len(parts) < 2 {
			return fmt.Errorf("malformed exact blocklist entry, only one label: %q", v)
		}
		wildcardNameMap[parts[1]] = true
	}
	pa.blocklistMu.Lock()
	pa.blocklist = nameMap
	pa.exactBlocklist = exactNameMap
	pa.wildcardExactBlocklist = wildcardNameMap
	pa.blocklistMu.Unlock()
	return nil
}

const (
	maxLabels = 10

	// RFC 1034 says DNS labels have a max of 63 octets, and names have a max
	// of 255 octets: https://tools.ietf.org/html/rfc1035#page-10. Since two of
	// those octets are taken up by the leading length byte and the trailing
	// root period the actual max length is 253.
	maxLabelLength         = 63
	maxDNSIdentifierLength = 253
)

var dnsLabelRegexp = regexp.MustCompile("^[a-z0-9][a-z0-9-]{0,62}$")
var punycodeRegexp = regexp.MustCompile("^xn--")
var idnReservedRegexp = regexp.MustCompile("^[a-z0-9]{2}--")

func isDNSCharacter(ch byte) bool {
	return ('a' <= ch && ch <= 'z') ||
		('A' <= ch && ch <= 'Z') ||
		('0' <= ch && ch <= '9') ||
		ch == '.' || ch == '-'
}

var (
	errInvalidIdentifier   = terrors.UnsupportedIdentifierError("Invalid identifier type")
	errNonPublic           = terrors.MalformedError("Name does not end in a public suffix")
	errICANNTLD            = terrors.MalformedError("Name is an ICANN TLD")
	errPolicyForbidden     = terrors.RejectedIdentifierError("Policy forbids issuing for name")
	errInvalidDNSCharacter = terrors.MalformedError("Invalid character in DNS name")
	errNameTooLong         = terrors.MalformedError("DNS name too long")
	errIPAddress           = terrors.MalformedError("Issuance for IP addresses not supported")
	errTooManyLabels       = terrors.MalformedError("DNS name has too many labels")
	errEmptyName           = terrors.MalformedError("DNS name was empty")
	errNameEndsInDot       = terrors.MalformedError("DNS name ends in a period")
	errTooFewLabels        = terrors.MalformedError("DNS name does not have enough labels")
	errLabelTooShort       = terrors.MalformedError("DNS label is too short")
	errLabelTooLong        = terrors.MalformedError("DNS label is too long")
	errMalformedIDN        = terrors.MalformedError("DNS label contains malformed punycode")
	errInvalidRLDH         = terrors.RejectedIdentifierError("DNS name contains a R-LDH label")
	errTooManyWildcards    = terrors.MalformedError("DNS name had more than one wildcard")
	errMalformedWildcard   = terrors.MalformedError("DNS name had a malformed wildcard label")
	errICANNTLDWildcard    = terrors.MalformedError("DNS name was a wildcard for an ICANN TLD")
)

// validNonWildcardDomain checks that a domain we are willing to issue for
// meets all of our criteria:
//
//   - MUST contain only bytes in the DNS hostname character set
//   - MUST NOT have more than maxLabels labels
//   - MUST follow the DNS hostname syntax rules in RFC 1035 and RFC 2181
//     In particular: MUST NOT contain underscores
//   - MUST NOT contain IDN labels that fail round-trip punycode normalization
//   - MUST NOT match the syntax of an IP address
//   - MUST end in a public suffix
//   - MUST have at least one label in addition to the public suffix
//
// It expects the domain to be lowercase already.
func validNonWildcardDomain(domain string) error {
	if domain == "" {
		return errEmptyName
	}

	if strings.HasPrefix(domain, "*.") {
		return errMalformedWildcard
	}

	for _, ch := range []byte(domain) {
		if !isDNSCharacter(ch) {
			return errInvalidDNSCharacter
		}
	}

	if len(domain) > maxDNSIdentifierLength {
		return errNameTooLong
	}

	if ip := net.ParseIP(domain); ip != nil {
		return errIPAddress
	}

	if strings.HasSuffix(domain, ".") {
		return errNameEndsInDot
	}

	labels := strings.Split(domain, ".")
	if len(labels) > maxLabels {
		return errTooManyLabels
	}
	if len(labels) < 2 {
		return errTooFewLabels
	}
	for _, label := range labels {
		if len(label) < 1 {
			return errLabelTooShort
		}
		if len(label) > maxLabelLength {
			return errLabelTooLong
		}

		if !dnsLabelRegexp.MatchString(label) {
			return errInvalidDNSCharacter
		}

		if label[len(label)-1] == '-' {
			return errInvalidDNSCharacter
		}

		if punycodeRegexp.MatchString(label) {
			// We don't care about script usage, if a name is resolvable it was
			// registered with a higher power and they should be enforcing their
			// own policy. As long as it was properly encoded that is enough
			// for us.
			ulabel, err := idna.ToUnicode(label)
			if err != nil {
				return errMalformedIDN
			}
			if !norm.NFC.IsNormalString(ulabel) {
				return errMalformedIDN
			}
		} else if idnReservedRegexp.MatchString(label) {
			return errInvalidRLDH
		}
	}

	// Names must end in an ICANN TLD, but they must not be equal to an ICANN TLD.
	icannTLD, err := extractDomainIANASuffix(domain)
	if err != nil {
		return errNonPublic
	}
	if icannTLD == domain {
		return errICANNTLD
	}

	return nil
}

// willingToIssue checks a single identifier, handling both wildcard and
// non-wildcard DNS names. For a wildcard name it enforces:
//
//   - There is at most one `*` wildcard character
//   - The wildcard character is the leftmost label
//   - The wildcard label is not immediately adjacent to a top level ICANN TLD
//   - The wildcard wouldn't cover an exact blocklist entry (e.g. an exact
//     blocklist entry for "foo.example.com" should prevent issuance for
//     "*.example.com")
func (pa *AuthorityImpl) willingToIssue(ident identifier.ACMEIdentifier) error {
	if ident.Type != identifier.DNS {
		return errInvalidIdentifier
	}
	rawDomain := ident.Value

	// If there is more than one wildcard in the domain the ident is invalid
	if strings.Count(rawDomain, "*") > 1 {
		return errTooManyWildcards
	}

	if strings.Count(rawDomain, "*") == 1 {
		// If the rawDomain has a wildcard character, but it isn't the leftmost
		// label of the domain name then the wildcard domain is malformed
		if !strings.HasPrefix(rawDomain, "*.") {
			return errMalformedWildcard
		}
		// The base domain is the wildcard request with the `*.` prefix removed
		baseDomain := strings.TrimPrefix(rawDomain, "*.")
		// Names must end in an ICANN TLD, but they must not be equal to an
		// ICANN TLD: no `*.com`.
		icannTLD, err := extractDomainIANASuffix(baseDomain)
		if err != nil {
			return errNonPublic
		}
		if baseDomain == icannTLD {
			return errICANNTLDWildcard
		}
		err = validNonWildcardDomain(baseDomain)
		if err != nil {
			return err
		}
		// The base domain can't be in the wildcard exact blocklist
		return pa.checkWildcardHostList(baseDomain)
	}

	err := validNonWildcardDomain(rawDomain)
	if err != nil {
		return err
	}
	return pa.checkHostLists(rawDomain)
}

// WillingToIssue determines whether the CA is willing to issue for the
// provided identifiers, each of which may be a wildcard. It expects
// identifiers to be normalized (lowercase) already.
//
// When multiple identifiers are rejected the returned error carries
// a sub-error per rejected identifier.
func (pa *AuthorityImpl) WillingToIssue(idents []identifier.ACMEIdentifier) error {
	var subErrors []terrors.SubTrellisError
	for _, ident := range idents {
		err := pa.willingToIssue(ident)
		if err != nil {
			var tErr *terrors.TrellisError
			if !errors.As(err, &tErr) {
				tErr = &terrors.TrellisError{Type: terrors.RejectedIdentifier, Detail: err.Error()}
			}
			subErrors = append(subErrors, terrors.SubTrellisError{
				Identifier:   ident,
				TrellisError: tErr,
			})
		}
	}
	return combineSubErrors(subErrors)
}

// combineSubErrors returns nil for no sub-errors, the root error directly for
// exactly one, and an aggregate RejectedIdentifier error for more than one.
func combineSubErrors(subErrors []terrors.SubTrellisError) error {
	if len(subErrors) == 0 {
		return nil
	}
	if len(subErrors) == 1 {
		return subErrors[0].TrellisError
	}
	var detail strings.Builder
	fmt.Fprintf(&detail, "Cannot issue for %d identifiers", len(subErrors))
	topErr := &terrors.TrellisError{
		Type:   terrors.RejectedIdentifier,
		Detail: detail.String(),
	}
	return topErr.WithSubErrors(subErrors)
}

// checkWildcardHostList checks the wildcardExactBlocklist for a given domain.
// If the domain is not present on the list nil is returned, otherwise
// errPolicyForbidden is returned.
func (pa *AuthorityImpl) checkWildcardHostList(domain string) error {
	pa.blocklistMu.RLock()
	defer pa.blocklistMu.RUnlock()

	if pa.blocklist == nil {
		return fmt.Errorf("hostname policy not yet loaded")
	}

	if pa.wildcardExactBlocklist[domain] {
		return errPolicyForbidden
	}

	return nil
}

func (pa *AuthorityImpl) checkHostLists(domain string) error {
	pa.blocklistMu.RLock()
	defer pa.blocklistMu.RUnlock()

	if pa.blocklist == nil {
		return fmt.Errorf("hostname policy not yet loaded")
	}

	labels := strings.Split(domain, ".")
	for i := range labels {
		joined := strings.Join(labels[i:], ".")
		if pa.blocklist[joined] {
			return errPolicyForbidden
		}
	}

	if pa.exactBlocklist[domain] {
		return errPolicyForbidden
	}
	return nil
}

// ChallengesFor makes a decision of what challenges are acceptable for the
// given identifier. Wildcard identifiers only ever receive a dns-01
// challenge.
func (pa *AuthorityImpl) ChallengesFor(ident identifier.ACMEIdentifier) ([]core.Challenge, error) {
	var challenges []core.Challenge

	token := core.NewToken()

	if strings.HasPrefix(ident.Value, "*.") {
		// We must have the DNS-01 challenge type enabled to create challenges
		// for a wildcard identifier per CA policy.
		if !pa.enabledChallenges[core.ChallengeTypeDNS01] {
			return nil, fmt.Errorf(
				"challenges requested for wildcard identifier but DNS-01 " +
					"challenge type is not enabled")
		}
		// Only provide a DNS-01 challenge
		challenges = []core.Challenge{core.DNSChallenge01(token)}
	} else {
		// Otherwise we collect up challenges based on what is enabled.
		if pa.enabledChallenges[core.ChallengeTypeHTTP01] {
			challenges = append(challenges, core.HTTPChallenge01(token))
		}

		if pa.enabledChallenges[core.ChallengeTypeDNS01] {
			challenges = append(challenges, core.DNSChallenge01(token))
		}
	}

	// We shuffle the challenges to prevent ACME clients from relying on the
	// specific order that they are returned in.
	shuffled := make([]core.Challenge, len(challenges))

	pa.rngMu.Lock()
	defer pa.rngMu.Unlock()
	for i, challIdx := range pa.pseudoRNG.Perm(len(challenges)) {
		shuffled[i] = challenges[challIdx]
	}

	return shuffled, nil
}

// ChallengeTypeEnabled returns whether the specified challenge type is enabled
func (pa *AuthorityImpl) ChallengeTypeEnabled(t core.AcmeChallenge) bool {
	return pa.enabledChallenges[t]
}

// extractDomainIANASuffix returns the public suffix of the domain using only
// the "ICANN" section of the Public Suffix List database. If the domain does
// not end in a suffix that belongs to an IANA-assigned domain, it returns an
// error.
func extractDomainIANASuffix(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("blank name argument passed to extractDomainIANASuffix")
	}

	rule := publicsuffix.DefaultList.Find(name, &publicsuffix.FindOptions{IgnorePrivate: true, DefaultRule: nil})
	if rule == nil {
		return "", fmt.Errorf("domain %s has no IANA TLD", name)
	}

	suffix := rule.Decompose(name)[1]

	// If the TLD is empty, it means name is actually a suffix.
	// In fact, decompose returns an array of empty strings in this case.
	if suffix == "" {
		suffix = name
	}

	return suffix, nil
}
