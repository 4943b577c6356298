package registry

import (
	"fmt"

	torerrors "github.com/relaynet/go-tor/pkg/errors"
	"github.com/relaynet/go-tor/pkg/logger"
	"github.com/relaynet/go-tor/pkg/metrics"
)

// Registry is the merged relay directory: an identity-keyed index
// paired with an ordered sequence that supports O(1) index-based
// removal. It runs in a single-threaded cooperative model: callers
// are responsible for not mutating it from more than one goroutine at
// a time.
type Registry struct {
	byID     map[IdentityDigest]*Record
	sequence []*Record

	consensus *ParsedConsensus
	mdCache   MicrodescCache
	geoip     GeoIPResolver
	firewall  FirewallPolicy
	opts      Options

	log *logger.Logger
	met *metrics.Metrics

	readiness *Readiness
}

// SetMetrics wires a metrics sink; subsequent consensus installs and
// purges update its registry gauges. Nil-safe: a registry with no
// metrics sink simply skips recording.
func (r *Registry) SetMetrics(m *metrics.Metrics) { r.met = m }

func (r *Registry) recordMetrics() {
	if r.met == nil {
		return
	}
	r.met.RegistryRelaysKnown.Set(int64(len(r.sequence)))
	withDesc, withMD := int64(0), int64(0)
	for _, rec := range r.sequence {
		if rec.HasDescriptor() {
			withDesc++
		}
		if rec.HasMicrodesc() {
			withMD++
		}
	}
	r.met.RegistryRelaysWithDesc.Set(withDesc)
	r.met.RegistryRelaysWithMicrodesc.Set(withMD)
}

// Options controls policy decisions the reconciler and readiness
// evaluator consult. Construct Options from the client's pkg/config
// settings; the zero value behaves like a non-authority client with no
// router-set restrictions.
type Options struct {
	// DirAuthority, when true, sources flags and guard eligibility from
	// the authority-computed fields rather than the consensus's own
	// flags.
	DirAuthority bool

	// EntryNodes, when non-empty, restricts the guard fraction
	// computation to this router set instead of every possible-guard
	// relay in the consensus.
	EntryNodes RouterSet

	// ExitNodes, when non-empty, further restricts the exit fraction to
	// this router set (with an unflagged-relay fallback, see readiness.go).
	ExitNodes RouterSet

	// ExcludeExitNodes is consulted by FindExactExitEnclave.
	ExcludeExitNodes RouterSet

	// EnforceDistinctSubnets enables the family resolver's /16-subnet rule.
	EnforceDistinctSubnets bool

	// FamilySets are configured family groupings (torrc "NodeFamily"
	// lines); any two records appearing in the same set are family.
	FamilySets []RouterSet

	// MinPathsForCircsPct overrides the network-parameter default (60,
	// clamped to [25, 95]) for the readiness threshold. Zero means "use
	// the default".
	MinPathsForCircsPct int
}

// New creates an empty registry. geoip and mdCache may be nil (country
// resolution becomes a no-op; microdesc consensus entries without an
// already-held microdesc simply stay absent until AttachMicrodesc).
func New(log *logger.Logger, geoip GeoIPResolver, mdCache MicrodescCache, opts Options) *Registry {
	if log == nil {
		log = logger.NewDefault()
	}
	reg := &Registry{
		byID:     make(map[IdentityDigest]*Record),
		sequence: make([]*Record, 0, 256),
		mdCache:  mdCache,
		geoip:    geoip,
		firewall: DefaultFirewallPolicy{ClientUseIPv6: true},
		opts:     opts,
		log:      log.Component("registry"),
	}
	reg.readiness = newReadiness(reg)
	return reg
}

// GetByID looks up a record by identity digest in O(1).
func (r *Registry) GetByID(id IdentityDigest) (*Record, bool) {
	rec, ok := r.byID[id]
	return rec, ok
}

// GetOrCreate returns the existing record for id, or creates and
// registers a new one. New records start with all sources unset,
// country -1, and a sequence index equal to the current sequence
// length.
func (r *Registry) GetOrCreate(id IdentityDigest) *Record {
	if rec, ok := r.byID[id]; ok {
		return rec
	}
	rec := newRecord(id)
	rec.sequenceIndex = len(r.sequence)
	r.sequence = append(r.sequence, rec)
	r.byID[id] = rec
	return rec
}

// Drop removes rec from both the identity index and the ordered
// sequence. To stay O(1), the sequence deletion moves the last element
// into the freed slot and updates its sequence index. Must be called
// exactly once per removal; calling it on a record the registry does
// not hold is a programming error.
func (r *Registry) Drop(rec *Record) {
	if rec == nil {
		return
	}
	cur, ok := r.byID[rec.identity]
	if !ok || cur != rec {
		panic(torerrors.New(torerrors.CategoryInternal, torerrors.SeverityCritical,
			fmt.Sprintf("registry: drop of record %x not in registry", rec.identity)))
	}

	idx := rec.sequenceIndex
	last := len(r.sequence) - 1
	if idx < 0 || idx > last || r.sequence[idx] != rec {
		panic(torerrors.New(torerrors.CategoryInternal, torerrors.SeverityCritical,
			fmt.Sprintf("registry: record %x has inconsistent sequence index %d", rec.identity, idx)))
	}

	if rec.HasMicrodesc() {
		r.releaseMicrodesc(rec)
	}

	if idx != last {
		moved := r.sequence[last]
		r.sequence[idx] = moved
		moved.sequenceIndex = idx
	}
	r.sequence = r.sequence[:last]
	rec.sequenceIndex = -1

	delete(r.byID, rec.identity)
}

// ForEach borrows every record in sequence order. The callback must not
// insert or remove records; toggling flags or the one-shot
// NameLookupWarned latch on the visited record is fine.
func (r *Registry) ForEach(fn func(*Record)) {
	for _, rec := range r.sequence {
		fn(rec)
	}
}

// Len returns the number of records currently registered.
func (r *Registry) Len() int { return len(r.sequence) }

// Consensus returns the currently installed consensus document, or nil
// if none has been installed yet.
func (r *Registry) Consensus() *ParsedConsensus { return r.consensus }

// Readiness returns the registry's readiness evaluator.
func (r *Registry) Readiness() *Readiness { return r.readiness }

// releaseMicrodesc clears rec's microdesc pointer and decrements its
// refcount. No-op if rec holds none.
func (r *Registry) releaseMicrodesc(rec *Record) {
	if rec.microdesc == nil {
		return
	}
	rec.microdesc.decRef()
	rec.microdesc = nil
}

// recomputeCountry asks the configured GeoIP resolver for rec's country
// based on its best-known IPv4 address. No-op if no resolver or no
// usable address is present.
func (r *Registry) recomputeCountry(rec *Record) {
	if r.geoip == nil {
		return
	}
	ip, _, ok := r.primaryIPv4(rec)
	if !ok {
		return
	}
	rec.Country = r.geoip.Country(ip)
}
