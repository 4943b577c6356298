package directory

import (
	"encoding/base64"
	"encoding/hex"
	"net"
	"strings"

	"github.com/relaynet/go-tor/pkg/registry"
)

// decodeFingerprint turns a consensus "r" line's base64 fingerprint
// token into a registry.IdentityDigest. Real consensus documents use
// unpadded base64 of the 20-byte RSA identity digest; a 40-character
// hex token is also accepted for authorities or test fixtures that use
// the hex form. Anything else yields the zero digest; callers treat
// that as "no entry" rather than failing the whole consensus, matching
// the parser's existing tolerance of malformed "r" lines.
func decodeFingerprint(fp string) (registry.IdentityDigest, bool) {
	var id registry.IdentityDigest
	if len(fp) == 40 {
		if b, err := hex.DecodeString(fp); err == nil && len(b) == 20 {
			copy(id[:], b)
			return id, true
		}
	}
	if b, err := base64.RawStdEncoding.DecodeString(fp); err == nil && len(b) == 20 {
		copy(id[:], b)
		return id, true
	}
	return id, false
}

// flagsFromRelay translates a relay's consensus "s" line flags into the
// registry's one-to-one ConsensusFlags struct.
func flagsFromRelay(r *Relay) registry.ConsensusFlags {
	return registry.ConsensusFlags{
		IsValid:         r.HasFlag("Valid"),
		IsRunning:       r.IsRunning(),
		IsFast:          r.HasFlag("Fast"),
		IsStable:        r.IsStable(),
		IsPossibleGuard: r.IsGuard(),
		IsExit:          r.IsExit(),
		IsBadExit:       r.HasFlag("BadExit"),
		IsHSDir:         r.HasFlag("HSDir"),
	}
}

// BuildConsensus adapts a fetched []*Relay into the registry's
// ParsedConsensus contract, so InstallConsensus can merge it into a
// Registry. Relays whose fingerprint doesn't decode to a 20-byte
// identity are skipped; this mirrors parseConsensus's own tolerance of
// malformed "r" lines rather than failing the whole document over one
// bad entry. flavor is FlavorFull: this client's "r" lines carry
// descriptor digests (parts[3] of the line, not currently retained on
// Relay), so full-flavor is the only consensus shape this adapter
// produces until Relay grows a DescriptorDigest field.
func BuildConsensus(relays []*Relay, flavor registry.Flavor) *registry.ParsedConsensus {
	ns := &registry.ParsedConsensus{
		Flavor:  flavor,
		Entries: make([]*registry.ConsensusEntry, 0, len(relays)),
		Named:   make(map[string]registry.IdentityDigest),
	}
	for _, r := range relays {
		id, ok := decodeFingerprint(r.Fingerprint)
		if !ok {
			continue
		}
		entry := &registry.ConsensusEntry{
			Identity: id,
			Nickname: r.Nickname,
			IPv4:     net.ParseIP(r.Address),
			ORPort:   uint16(r.ORPort),
			DirPort:  uint16(r.DirPort),
			Flags:    flagsFromRelay(r),
		}
		ns.Entries = append(ns.Entries, entry)
		if r.HasFlag("Named") {
			ns.Named[strings.ToLower(r.Nickname)] = id
		}
	}
	return ns
}
