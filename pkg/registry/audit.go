package registry

import (
	"fmt"

	torerrors "github.com/relaynet/go-tor/pkg/errors"
)

// AssertOK performs a full-registry invariant audit. It panics with a
// diagnostic describing the first violation found; a clean registry
// never trips it. Intended for use in tests and, sparingly, at
// trust boundaries during development, not on every hot-path call.
func (r *Registry) AssertOK() {
	seen := make(map[IdentityDigest]struct{}, len(r.sequence))
	mdRefs := make(map[*Microdesc]int)

	for i, rec := range r.sequence {
		if rec.sequenceIndex != i {
			r.fail("record %x has sequence index %d but sits at position %d", rec.identity, rec.sequenceIndex, i)
		}
		if _, dup := seen[rec.identity]; dup {
			r.fail("duplicate identity %x in sequence", rec.identity)
		}
		seen[rec.identity] = struct{}{}

		byIDRec, ok := r.byID[rec.identity]
		if !ok || byIDRec != rec {
			r.fail("record %x present in sequence but not in identity index", rec.identity)
		}

		if !rec.usable() {
			r.fail("record %x has no descriptor and no consensus entry", rec.identity)
		}

		if rec.HasMicrodesc() && !rec.HasConsensusEntry() {
			r.fail("record %x holds a microdesc with no consensus entry", rec.identity)
		}

		// Any held consensus entry must be listed by the current consensus.
		if rec.HasConsensusEntry() && r.consensus != nil {
			found := false
			for _, e := range r.consensus.Entries {
				if e == rec.consensusEntry {
					found = true
					break
				}
			}
			if !found {
				r.fail("record %x holds a consensus entry absent from the installed consensus", rec.identity)
			}
		}

		if rec.HasMicrodesc() {
			mdRefs[rec.microdesc]++
		}
	}

	if len(r.byID) != len(r.sequence) {
		r.fail("identity index size %d does not match sequence length %d", len(r.byID), len(r.sequence))
	}

	// Every microdesc's refcount must match the number of holders.
	for md, count := range mdRefs {
		if md.heldByNodes != count {
			r.fail("microdesc %x refcount %d does not match %d observed holders", md.Digest, md.heldByNodes, count)
		}
	}
}

func (r *Registry) fail(format string, args ...interface{}) {
	panic(torerrors.New(torerrors.CategoryInternal, torerrors.SeverityCritical,
		fmt.Sprintf("registry: invariant violation: "+format, args...)))
}
