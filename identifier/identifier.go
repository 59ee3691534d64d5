// The identifier package defines types for RFC 8555 ACME identifiers.
package identifier

import (
	"crypto/x509"
	"sort"
	"strings"
)

// IdentifierType is a named string type for registered ACME identifier types.
// See https://tools.ietf.org/html/rfc8555#section-9.7.7
type IdentifierType string

const (
	// DNS is specified in RFC 8555 for DNS type identifiers.
	DNS = IdentifierType("dns")
)

// ACMEIdentifier is a struct encoding an identifier that can be validated. The
// protocol allows for different types of identifier to be supported (DNS
// names, IP addresses, etc.), but currently we only support RFC 8555 DNS type
// identifiers for domain names.
type ACMEIdentifier struct {
	// Type is the registered IdentifierType of the identifier.
	Type IdentifierType `json:"type"`
	// Value is the value of the identifier. For a DNS type identifier it is
	// a domain name.
	Value string `json:"value"`
}

// DNSIdentifier is a convenience function for creating an ACMEIdentifier with
// Type DNS for a given domain name.
func DNSIdentifier(domain string) ACMEIdentifier {
	return ACMEIdentifier{
		Type:  DNS,
		Value: domain,
	}
}

// FromCSR extracts the set of identifiers named in a CSR: the Subject Common
// Name (if any) and all dnsName SANs. The result is normalized, deduplicated,
// and sorted.
func FromCSR(csr *x509.CertificateRequest) []ACMEIdentifier {
	var names []string
	if csr.Subject.CommonName != "" {
		names = append(names, csr.Subject.CommonName)
	}
	names = append(names, csr.DNSNames...)

	unique := make(map[string]struct{}, len(names))
	for _, name := range names {
		unique[strings.ToLower(name)] = struct{}{}
	}

	idents := make([]ACMEIdentifier, 0, len(unique))
	for name := range unique {
		idents = append(idents, DNSIdentifier(name))
	}
	sort.Slice(idents, func(i, j int) bool { return idents[i].Value < idents[j].Value })
	return idents
}

// Normalize returns a copy of the identifier with its value lowercased.
// Comparisons between identifiers must always be performed on normalized
// values.
func (i ACMEIdentifier) Normalize() ACMEIdentifier {
	return ACMEIdentifier{
		Type:  i.Type,
		Value: strings.ToLower(i.Value),
	}
}
