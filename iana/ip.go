// Package iana tracks the IANA special-purpose address registries. Addresses
// in these registries must never be contacted during validation.
package iana

import (
	"fmt"
	"net/netip"
	"slices"
)

type reservedPrefix struct {
	addressBlock netip.Prefix
	name         string
	rfc          string
}

// reservedPrefixes collects the IPv4 and IPv6 special-purpose address
// registries:
// https://www.iana.org/assignments/iana-ipv4-special-registry/iana-ipv4-special-registry.xhtml
// https://www.iana.org/assignments/iana-ipv6-special-registry/iana-ipv6-special-registry.xhtml
// plus the multicast blocks, which the registries don't list.
var reservedPrefixes = []reservedPrefix{
	{netip.MustParsePrefix("0.0.0.0/8"), "This network", "[RFC791]"},
	{netip.MustParsePrefix("0.0.0.0/32"), "This host on this network", "[RFC1122]"},
	{netip.MustParsePrefix("10.0.0.0/8"), "Private-Use", "[RFC1918]"},
	{netip.MustParsePrefix("100.64.0.0/10"), "Shared Address Space", "[RFC6598]"},
	{netip.MustParsePrefix("127.0.0.0/8"), "Loopback", "[RFC1122]"},
	{netip.MustParsePrefix("169.254.0.0/16"), "Link Local", "[RFC3927]"},
	{netip.MustParsePrefix("172.16.0.0/12"), "Private-Use", "[RFC1918]"},
	{netip.MustParsePrefix("192.0.0.0/24"), "IETF Protocol Assignments", "[RFC6890]"},
	{netip.MustParsePrefix("192.0.2.0/24"), "Documentation (TEST-NET-1)", "[RFC5737]"},
	{netip.MustParsePrefix("192.88.99.0/24"), "6to4 Relay Anycast", "[RFC7526]"},
	{netip.MustParsePrefix("192.168.0.0/16"), "Private-Use", "[RFC1918]"},
	{netip.MustParsePrefix("198.18.0.0/15"), "Benchmarking", "[RFC2544]"},
	{netip.MustParsePrefix("198.51.100.0/24"), "Documentation (TEST-NET-2)", "[RFC5737]"},
	{netip.MustParsePrefix("203.0.113.0/24"), "Documentation (TEST-NET-3)", "[RFC5737]"},
	{netip.MustParsePrefix("224.0.0.0/4"), "Multicast Addresses", "[RFC3171]"},
	{netip.MustParsePrefix("240.0.0.0/4"), "Reserved", "[RFC1112]"},
	{netip.MustParsePrefix("255.255.255.255/32"), "Limited Broadcast", "[RFC8190]"},

	{netip.MustParsePrefix("::/128"), "Unspecified Address", "[RFC4291]"},
	{netip.MustParsePrefix("::1/128"), "Loopback Address", "[RFC4291]"},
	{netip.MustParsePrefix("::ffff:0:0/96"), "IPv4-mapped Address", "[RFC4291]"},
	{netip.MustParsePrefix("64:ff9b::/96"), "IPv4-IPv6 Translation", "[RFC6052]"},
	{netip.MustParsePrefix("64:ff9b:1::/48"), "IPv4-IPv6 Translation", "[RFC8215]"},
	{netip.MustParsePrefix("100::/64"), "Discard-Only Address Block", "[RFC6666]"},
	{netip.MustParsePrefix("2001::/23"), "IETF Protocol Assignments", "[RFC2928]"},
	{netip.MustParsePrefix("2001::/32"), "TEREDO", "[RFC4380]"},
	{netip.MustParsePrefix("2001:2::/48"), "Benchmarking", "[RFC5180]"},
	{netip.MustParsePrefix("2001:db8::/32"), "Documentation", "[RFC3849]"},
	{netip.MustParsePrefix("2001:10::/28"), "ORCHID", "[RFC4843]"},
	{netip.MustParsePrefix("2001:20::/28"), "ORCHIDv2", "[RFC7343]"},
	{netip.MustParsePrefix("2002::/16"), "6to4", "[RFC3056]"},
	{netip.MustParsePrefix("3fff::/20"), "Documentation", "[RFC9637]"},
	{netip.MustParsePrefix("5f00::/16"), "Segment Routing (SRv6) SIDs", "[RFC9602]"},
	{netip.MustParsePrefix("fc00::/7"), "Unique-Local", "[RFC4193]"},
	{netip.MustParsePrefix("fe80::/10"), "Link-Local Unicast", "[RFC4291]"},
	{netip.MustParsePrefix("ff00::/8"), "Multicast Addresses", "[RFC4291]"},
}

// init sorts the reserved prefixes most-specific first, so checks report the
// narrowest matching block.
func init() {
	slices.SortFunc(reservedPrefixes, func(a, b reservedPrefix) int {
		return b.addressBlock.Bits() - a.addressBlock.Bits()
	})
}

// IsReservedAddr returns an error if an IP address is part of a reserved range.
func IsReservedAddr(ip netip.Addr) error {
	for _, rpx := range reservedPrefixes {
		if rpx.addressBlock.Contains(ip) {
			return fmt.Errorf("IP address is in a reserved address block: %s: %s", rpx.rfc, rpx.name)
		}
	}
	return nil
}

// IsReservedPrefix returns an error if an IP address prefix overlaps with a
// reserved range.
func IsReservedPrefix(prefix netip.Prefix) error {
	for _, rpx := range reservedPrefixes {
		if rpx.addressBlock.Overlaps(prefix) {
			return fmt.Errorf("IP address is in a reserved address block: %s: %s", rpx.rfc, rpx.name)
		}
	}
	return nil
}
