// Package registry merges relay descriptors, consensus entries, and
// microdescriptors into a single authoritative view of the network,
// used by path selection to build circuits.
//
// The registry does not parse or fetch directory documents; it accepts
// already-validated values from a descriptor parser and a directory
// client and keeps them consistent as they arrive, change, or expire.
package registry

import (
	"crypto/ed25519"
	"net"
	"strings"
	"time"
)

// IdentityDigest is a relay's 20-byte RSA identity fingerprint, the
// primary key of the registry.
type IdentityDigest [20]byte

// MicrodescDigest is the 32-byte digest identifying a microdescriptor.
type MicrodescDigest [32]byte

// Flavor distinguishes the two consensus document formats.
type Flavor int

const (
	// FlavorFull consensus entries reference full descriptors.
	FlavorFull Flavor = iota
	// FlavorMicrodesc consensus entries reference microdescriptors.
	FlavorMicrodesc
)

func (f Flavor) String() string {
	if f == FlavorMicrodesc {
		return "microdesc"
	}
	return "full"
}

// PolicyResult is the outcome of judging an address:port against an
// exit policy.
type PolicyResult int

const (
	// PolicyAccepted means the policy explicitly permits the address:port.
	PolicyAccepted PolicyResult = iota
	// PolicyRejected means the policy explicitly forbids the address:port.
	PolicyRejected
	// PolicyProbablyAccepted means no matching rule was found and the
	// default is permissive.
	PolicyProbablyAccepted
	// PolicyProbablyRejected means no matching rule was found and the
	// default is restrictive (e.g. a compact microdescriptor policy,
	// which only ever lists a port's accept/reject stance loosely).
	PolicyProbablyRejected
)

// Rejected reports whether r forbids (exactly or probably) the address.
func (r PolicyResult) Rejected() bool {
	return r == PolicyRejected || r == PolicyProbablyRejected
}

// Policy is the exit-policy contract a descriptor or microdescriptor
// optionally carries. Parsing the policy text itself is the descriptor
// parser's job; the registry only calls Judge and RejectsAll.
type Policy interface {
	// Judge evaluates addr:port against the policy.
	Judge(addr net.IP, port uint16) PolicyResult
	// RejectsAll reports whether the policy is a blanket "reject *:*".
	RejectsAll() bool
}

// SigningCert carries a relay's Ed25519 signing identity, as attested
// by its descriptor's certificate chain.
type SigningCert struct {
	Ed25519Key ed25519.PublicKey
}

// ParsedDescriptor is the contract the (out-of-scope) descriptor parser
// hands to AttachDescriptor.
type ParsedDescriptor struct {
	Identity                IdentityDigest
	Nickname                string
	Platform                string
	Uptime                  time.Duration
	IPv4                    net.IP
	ORPort                  uint16
	DirPort                 uint16
	IPv6                    net.IP
	IPv6ORPort              uint16
	DeclaredFamily          []string
	Policy                  Policy
	PolicyRejectsAll        bool
	AllowSingleHopExits     bool
	SigningCert             *SigningCert
	SupportsTunnelledDirReq bool
	Protocols               string
	Purpose                 string
}

// ORAddresses returns the set of OR address:port pairs this descriptor
// advertises, used to detect an address change on replacement.
func (d *ParsedDescriptor) ORAddresses() string {
	v4 := ""
	if d.IPv4 != nil {
		v4 = d.IPv4.String()
	}
	v6 := ""
	if d.IPv6 != nil {
		v6 = d.IPv6.String()
	}
	return v4 + ":" + itoa(d.ORPort) + "|" + v6 + ":" + itoa(d.IPv6ORPort)
}

// ParsedMicrodesc is the contract handed to AttachMicrodesc.
type ParsedMicrodesc struct {
	Digest     MicrodescDigest
	Ed25519Key ed25519.PublicKey
	OnionKey   *[32]byte // Curve25519 ntor onion key
	IPv6       net.IP
	IPv6ORPort uint16
	Policy     Policy
	Family     []string
}

// ConsensusFlags mirrors the one-to-one flag set the consensus assigns
// to each relay.
type ConsensusFlags struct {
	IsValid         bool
	IsRunning       bool
	IsFast          bool
	IsStable        bool
	IsPossibleGuard bool
	IsExit          bool
	IsBadExit       bool
	IsHSDir         bool
}

// ConsensusEntry is one relay's row in a consensus document. The
// registry only ever borrows these; their lifetime is owned by the
// consensus document itself.
type ConsensusEntry struct {
	Identity                     IdentityDigest
	Nickname                     string
	DescriptorDigest             []byte // 20 bytes (full) or 32 bytes (microdesc)
	IPv4                         net.IP
	ORPort                       uint16
	DirPort                      uint16
	IPv6                         net.IP
	IPv6ORPort                   uint16
	Flags                        ConsensusFlags
	SupportsEd25519LinkHandshake bool
}

// ParsedConsensus is the contract handed to InstallConsensus.
type ParsedConsensus struct {
	Flavor  Flavor
	Entries []*ConsensusEntry
	// Named maps a bound nickname to the identity the consensus lists it
	// as Named for; used by IsNamed and GetByHexID's "=" assertion.
	Named map[string]IdentityDigest
}

// GeoIPResolver is the out-of-scope collaborator consulted whenever a
// record's primary address changes.
type GeoIPResolver interface {
	// Country returns a resolver-defined country code, or -1 if unknown.
	Country(ip net.IP) int
}

// FetchGate is the Directory Client's contract for readiness: whether
// directory fetches are being deliberately delayed right now, and why.
type FetchGate interface {
	ShouldDelayFetches() (delay bool, reason string)
}

// EntryGuardInfo is the guard-state collaborator's contract for
// readiness: whether the client's entry-guard directory information is
// sufficient to build circuits right now, and why not if not.
type EntryGuardInfo interface {
	HaveEnoughDirInfo() (enough bool, reason string)
}

// PurposeGeneral is the descriptor purpose clear-flags checks against:
// only general-purpose relays have their flags cleared when they lose
// their consensus entry but keep their descriptor. Comparison is
// case-insensitive and treats an empty Purpose as general, since most
// descriptor sources never set it explicitly for ordinary relays.
const PurposeGeneral = "general"

func isGeneralPurpose(purpose string) bool {
	return purpose == "" || strings.EqualFold(purpose, PurposeGeneral)
}

// MicrodescCache is the external cache the reconciler consults to look
// up a microdescriptor by digest when a consensus entry references one
// the registry isn't already holding.
type MicrodescCache interface {
	Lookup(digest MicrodescDigest) (*Microdesc, bool)
}

func itoa(p uint16) string {
	if p == 0 {
		return "0"
	}
	const digits = "0123456789"
	var buf [5]byte
	i := len(buf)
	for p > 0 {
		i--
		buf[i] = digits[p%10]
		p /= 10
	}
	return string(buf[i:])
}
