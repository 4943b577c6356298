package registry

import (
	"crypto/ed25519"
	"net"
	"strings"
)

// AddressFamily distinguishes which address family an accessor result
// came from, so callers can tell IPv4 from IPv6 results apart.
type AddressFamily int

const (
	// AddrNone indicates no usable address was found.
	AddrNone AddressFamily = iota
	AddrIPv4
	AddrIPv6
)

// Nickname returns the record's nickname, preferring the consensus
// entry's over the descriptor's, or (false) if neither has one.
func (r *Registry) Nickname(rec *Record) (string, bool) {
	if rec.consensusEntry != nil && rec.consensusEntry.Nickname != "" {
		return rec.consensusEntry.Nickname, true
	}
	if rec.descriptor != nil && rec.descriptor.Nickname != "" {
		return rec.descriptor.Nickname, true
	}
	return "", false
}

// Ed25519Identity returns the record's Ed25519 identity key: the
// descriptor's signing-cert key if present and non-zero, else the
// microdescriptor's, else (false).
func (r *Registry) Ed25519Identity(rec *Record) (ed25519.PublicKey, bool) {
	if rec.descriptor != nil && rec.descriptor.SigningCert != nil {
		k := rec.descriptor.SigningCert.Ed25519Key
		if len(k) == ed25519.PublicKeySize && !allZero(k) {
			return k, true
		}
	}
	if rec.microdesc != nil && len(rec.microdesc.Ed25519Key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(rec.microdesc.Ed25519Key), true
	}
	return nil, false
}

// RSAIdentity returns the record's primary key, the 20-byte RSA
// identity digest. Always present.
func (r *Registry) RSAIdentity(rec *Record) IdentityDigest { return rec.identity }

// PrimaryIPv4ORPort returns the record's primary (IPv4) OR address and
// port: descriptor first, then consensus entry. Microdescriptors never
// carry an IPv4 address. Fails if neither source yields a valid
// non-zero address and port.
func (r *Registry) PrimaryIPv4ORPort(rec *Record) (net.IP, uint16, bool) {
	return r.primaryIPv4(rec)
}

func (r *Registry) primaryIPv4(rec *Record) (net.IP, uint16, bool) {
	if rec.descriptor != nil && validIPv4Port(rec.descriptor.IPv4, rec.descriptor.ORPort) {
		return rec.descriptor.IPv4, rec.descriptor.ORPort, true
	}
	if rec.consensusEntry != nil && validIPv4Port(rec.consensusEntry.IPv4, rec.consensusEntry.ORPort) {
		return rec.consensusEntry.IPv4, rec.consensusEntry.ORPort, true
	}
	return nil, 0, false
}

// PreferredIPv6ORPort returns the record's preferred IPv6 OR address
// and port, checking the descriptor, then the consensus entry, then
// the microdescriptor.
func (r *Registry) PreferredIPv6ORPort(rec *Record) (net.IP, uint16, bool) {
	if rec.descriptor != nil && validIPv6Port(rec.descriptor.IPv6, rec.descriptor.IPv6ORPort) {
		return rec.descriptor.IPv6, rec.descriptor.IPv6ORPort, true
	}
	if rec.consensusEntry != nil && validIPv6Port(rec.consensusEntry.IPv6, rec.consensusEntry.IPv6ORPort) {
		return rec.consensusEntry.IPv6, rec.consensusEntry.IPv6ORPort, true
	}
	if rec.microdesc != nil && validIPv6Port(rec.microdesc.IPv6Addr, rec.microdesc.IPv6ORPort) {
		return rec.microdesc.IPv6Addr, rec.microdesc.IPv6ORPort, true
	}
	return nil, 0, false
}

// PreferredORPort returns the record's preferred OR address and port
// (IPv6 if the IPv6 preference is set and a usable IPv6 address
// exists, else IPv4) along with which family was returned.
func (r *Registry) PreferredORPort(rec *Record) (net.IP, uint16, AddressFamily) {
	if rec.IPv6Preferred {
		if ip, port, ok := r.PreferredIPv6ORPort(rec); ok {
			return ip, port, AddrIPv6
		}
	}
	if ip, port, ok := r.primaryIPv4(rec); ok {
		return ip, port, AddrIPv4
	}
	if ip, port, ok := r.PreferredIPv6ORPort(rec); ok {
		return ip, port, AddrIPv6
	}
	return nil, 0, AddrNone
}

// AllORAddresses collects one valid IPv4 (descriptor preferred, then
// consensus entry) and one valid IPv6 (descriptor, then consensus
// entry, then microdescriptor) OR address for rec.
func (r *Registry) AllORAddresses(rec *Record) (ipv4 net.IP, ipv4Port uint16, ipv6 net.IP, ipv6Port uint16) {
	ipv4, ipv4Port, _ = r.primaryIPv4(rec)
	ipv6, ipv6Port, _ = r.PreferredIPv6ORPort(rec)
	return
}

// ExitPolicyRejectsAll reports whether rec's exit policy forbids
// everything: either the rejects_all flag is set, the descriptor
// declares policy_is_reject_star, the microdescriptor's compact policy
// is a reject-star, or there is no policy source at all (a relay with
// no known policy is treated as rejecting everything, never as
// permitting it).
func (r *Registry) ExitPolicyRejectsAll(rec *Record) bool {
	if rec.RejectsAll {
		return true
	}
	if rec.descriptor != nil {
		if rec.descriptor.PolicyRejectsAll {
			return true
		}
		if rec.descriptor.Policy != nil {
			return rec.descriptor.Policy.RejectsAll()
		}
	}
	if rec.microdesc != nil && rec.microdesc.Policy != nil {
		return rec.microdesc.Policy.RejectsAll()
	}
	return !r.hasAnyPolicySource(rec)
}

func (r *Registry) hasAnyPolicySource(rec *Record) bool {
	if rec.descriptor != nil && (rec.descriptor.Policy != nil || rec.descriptor.PolicyRejectsAll) {
		return true
	}
	if rec.microdesc != nil && rec.microdesc.Policy != nil {
		return true
	}
	return false
}

// ExitPolicyExactFor reports whether rec's exit-policy information is
// known to be exact (not merely a compact summary) for the given
// address family. Unspecified family is trivially exact. IPv4 is exact
// iff a full descriptor is attached; IPv6 is never exact, since
// microdescriptor policies are summaries.
func (r *Registry) ExitPolicyExactFor(rec *Record, family AddressFamily) bool {
	switch family {
	case AddrNone:
		return true
	case AddrIPv4:
		return rec.HasDescriptor()
	case AddrIPv6:
		return false
	default:
		return false
	}
}

// IsNamed reports whether rec's nickname is present and bound to its
// identity by the current consensus's Named table.
func (r *Registry) IsNamed(rec *Record) bool {
	nick, ok := r.Nickname(rec)
	if !ok || r.consensus == nil || r.consensus.Named == nil {
		return false
	}
	id, ok := r.consensus.Named[strings.ToLower(nick)]
	return ok && id == rec.identity
}

// VerboseNickname renders "$HEXID", "$HEXID=NICK" if named, or
// "$HEXID~NICK" if a nickname is known but not bound.
func (r *Registry) VerboseNickname(rec *Record) string {
	hex := "$" + FormatHexDigest(rec.identity)
	nick, ok := r.Nickname(rec)
	if !ok {
		return hex
	}
	if r.IsNamed(rec) {
		return hex + "=" + nick
	}
	return hex + "~" + nick
}

// VerboseNicknameByID renders the verbose nickname for id, looking the
// record up first. If id isn't in the registry, it falls back to the
// bare "$HEXID" form rather than failing.
func (r *Registry) VerboseNicknameByID(id IdentityDigest) string {
	rec, ok := r.byID[id]
	if !ok {
		return "$" + FormatHexDigest(id)
	}
	return r.VerboseNickname(rec)
}

// splitHexIDGrammar splits s (with any leading "$" already stripped)
// into its hex-digest part and an optional "="/"~" nickname assertion,
// shared by GetByHexID and the family resolver's declared-family
// matching.
func splitHexIDGrammar(s string) (hexPart string, sep byte, nick string) {
	hexPart = s
	if i := strings.IndexAny(s, "=~"); i >= 0 {
		hexPart = s[:i]
		sep = s[i]
		nick = s[i+1:]
	}
	return hexPart, sep, nick
}

// verifyHexIDGrammar reports whether rec satisfies the "="/"~" nickname
// assertion parsed by splitHexIDGrammar: the "=" form asserts the relay
// is Named with that nickname in the current consensus; the "~" form
// asserts only that the nickname matches. sep == 0 (no assertion) is
// always satisfied.
func (r *Registry) verifyHexIDGrammar(rec *Record, sep byte, nick string) bool {
	if sep == 0 {
		return true
	}
	recNick, hasNick := r.Nickname(rec)
	if !hasNick || !strings.EqualFold(recNick, nick) {
		return false
	}
	if sep == '=' && !r.IsNamed(rec) {
		return false
	}
	return true
}

// GetByHexID resolves the identity-string grammar
// ("$"?)HEXDIGEST(("="|"~")NICKNAME)? to a record. Either assertion
// failing, or a malformed string, yields (nil, false), never an error.
func (r *Registry) GetByHexID(s string) (*Record, bool) {
	hexPart, sep, nick := splitHexIDGrammar(strings.TrimPrefix(s, "$"))
	id, ok := parseHexDigest(hexPart)
	if !ok {
		return nil, false
	}
	rec, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	if !r.verifyHexIDGrammar(rec, sep, nick) {
		return nil, false
	}
	return rec, true
}

// unnamedRouterNickname is the reserved nickname the directory
// authorities assign when a name is contested; it never resolves to a
// relay.
const unnamedRouterNickname = "Unnamed"

// GetByNickname resolves a relay by nickname. The argument may also be
// a verbose identifier (DIGEST, $DIGEST, $DIGEST=name, $DIGEST~name),
// which is delegated to GetByHexID. For a plain nickname, the
// consensus's Named binding wins; otherwise the registry is scanned for
// a case-insensitive nickname match and the first match is returned.
//
// When warnIfUnnamed is set and the match is not backed by a Named
// binding, a warning is logged once per record via the
// NameLookupWarned latch: referring to a relay by an unregistered name
// means any relay could claim it.
func (r *Registry) GetByNickname(nickname string, warnIfUnnamed bool) (*Record, bool) {
	if rec, ok := r.GetByHexID(nickname); ok {
		return rec, true
	}
	if strings.EqualFold(nickname, unnamedRouterNickname) {
		return nil, false
	}

	if r.consensus != nil && r.consensus.Named != nil {
		if id, ok := r.consensus.Named[strings.ToLower(nickname)]; ok {
			rec, ok := r.byID[id]
			return rec, ok
		}
	}

	var matches []*Record
	for _, rec := range r.sequence {
		if nick, ok := r.Nickname(rec); ok && strings.EqualFold(nick, nickname) {
			matches = append(matches, rec)
		}
	}
	if len(matches) == 0 {
		return nil, false
	}

	if warnIfUnnamed {
		if len(matches) > 1 {
			anyUnwarned := false
			for _, rec := range matches {
				if !rec.NameLookupWarned {
					rec.NameLookupWarned = true
					anyUnwarned = true
				}
			}
			if anyUnwarned {
				r.log.Warn("multiple relays match a name with no Named binding; choosing one arbitrarily", "nickname", nickname)
			}
		} else if !matches[0].NameLookupWarned {
			matches[0].NameLookupWarned = true
			r.log.Warn("relay specified by unregistered name; refer to it by key to pin it", "nickname", nickname, "identity", FormatHexDigest(matches[0].identity))
		}
	}

	return matches[0], true
}

func validIPv4Port(ip net.IP, port uint16) bool {
	if ip == nil || port == 0 {
		return false
	}
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	return !v4.IsUnspecified()
}

func validIPv6Port(ip net.IP, port uint16) bool {
	if ip == nil || port == 0 {
		return false
	}
	if ip.To4() != nil {
		return false
	}
	return !ip.IsUnspecified()
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// IsMe reports whether rec's identity matches our own, per ownID.
func (r *Registry) IsMe(rec *Record, ownID IdentityDigest) bool {
	return rec.identity == ownID
}

// IsDirectoryCache reports whether rec serves directory information:
// either it advertises a non-zero DirPort, or it carries the HSDir
// flag, which implies directory-cache capability.
func (r *Registry) IsDirectoryCache(rec *Record) bool {
	if rec.descriptor != nil && rec.descriptor.DirPort != 0 {
		return true
	}
	if rec.consensusEntry != nil && rec.consensusEntry.DirPort != 0 {
		return true
	}
	return rec.IsHSDir
}

// HasOnionKey reports whether rec carries a usable ntor onion key,
// sourced from the microdescriptor (full descriptors carry their onion
// key out of band from this core's scope).
func (r *Registry) HasOnionKey(rec *Record) bool {
	return rec.microdesc != nil && rec.microdesc.OnionKey != nil
}
