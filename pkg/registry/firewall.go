package registry

// FirewallPolicy decides address-family preference for OR connections.
// It is consulted only from InstallConsensus, when the IPv6 preference
// is recomputed for every record.
type FirewallPolicy interface {
	// PreferIPv6ORPort reports whether the IPv6 OR address should be
	// preferred over IPv4, given which address families the relay
	// actually advertises.
	PreferIPv6ORPort(hasIPv4, hasIPv6 bool) bool
}

// DefaultFirewallPolicy prefers IPv6 only when a relay has no IPv4
// address at all, matching a client with UseIPv4=1, UseIPv6=1 and no
// IPv6-preference override, the common case absent explicit
// configuration.
type DefaultFirewallPolicy struct {
	// ClientPreferIPv6ORPort mirrors the torrc option of the same name:
	// when true, IPv6 is preferred whenever available, not just when
	// IPv4 is absent.
	ClientPreferIPv6ORPort bool
	// ClientUseIPv6 mirrors ClientUseIPv6; when false IPv6 is never used.
	ClientUseIPv6 bool
}

// PreferIPv6ORPort implements FirewallPolicy.
func (p DefaultFirewallPolicy) PreferIPv6ORPort(hasIPv4, hasIPv6 bool) bool {
	if !hasIPv6 {
		return false
	}
	if !p.ClientUseIPv6 {
		return false
	}
	if !hasIPv4 {
		return true
	}
	return p.ClientPreferIPv6ORPort
}
