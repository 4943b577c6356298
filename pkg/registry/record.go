package registry

import (
	"net"
	"time"

	torerrors "github.com/relaynet/go-tor/pkg/errors"
)

// Microdesc is a shared, reference-counted microdescriptor handle. It
// is owned by an external cache; a Record only ever holds a pointer to
// one and contributes exactly one unit to heldByNodes for as long as it
// holds that pointer.
type Microdesc struct {
	Digest     MicrodescDigest
	Ed25519Key []byte // 32 bytes, or nil if absent
	OnionKey   *[32]byte
	IPv6Addr   net.IP
	IPv6ORPort uint16
	Policy     Policy
	Family     []string

	heldByNodes int
}

// HeldByNodes returns the current refcount. Exposed for auditing and
// for external cache eviction decisions.
func (m *Microdesc) HeldByNodes() int {
	if m == nil {
		return 0
	}
	return m.heldByNodes
}

func (m *Microdesc) incRef() {
	if m == nil {
		return
	}
	m.heldByNodes++
}

func (m *Microdesc) decRef() {
	if m == nil {
		return
	}
	if m.heldByNodes <= 0 {
		panic(torerrors.New(torerrors.CategoryInternal, torerrors.SeverityCritical,
			"registry: microdescriptor refcount underflow"))
	}
	m.heldByNodes--
}

// NewMicrodesc builds a cache-owned microdescriptor from parser output.
// The returned value starts with a zero refcount; AttachMicrodesc and
// InstallConsensus are the only callers that increment it.
func NewMicrodesc(p *ParsedMicrodesc) *Microdesc {
	md := &Microdesc{
		Digest:   p.Digest,
		OnionKey: p.OnionKey,
		Policy:   p.Policy,
		Family:   p.Family,
	}
	if len(p.Ed25519Key) > 0 {
		md.Ed25519Key = []byte(p.Ed25519Key)
	}
	if p.IPv6 != nil {
		md.IPv6Addr = p.IPv6
		md.IPv6ORPort = p.IPv6ORPort
	}
	return md
}

// Record is the merged view of everything the registry knows about a
// single relay, keyed by its RSA identity digest.
type Record struct {
	identity IdentityDigest

	descriptor     *ParsedDescriptor
	consensusEntry *ConsensusEntry
	microdesc      *Microdesc

	IsValid         bool
	IsRunning       bool
	IsFast          bool
	IsStable        bool
	IsPossibleGuard bool
	IsExit          bool
	IsBadExit       bool
	IsHSDir         bool
	RejectsAll      bool

	IPv6Preferred bool

	Country int // -1 = unknown

	LastReachable  time.Time
	LastReachable6 time.Time

	NameLookupWarned bool

	sequenceIndex int
}

// Identity returns the record's immutable primary key.
func (r *Record) Identity() IdentityDigest { return r.identity }

// SequenceIndex returns the record's current position in the
// registry's ordered sequence, or -1 if detached.
func (r *Record) SequenceIndex() int { return r.sequenceIndex }

// HasDescriptor reports whether a full descriptor is currently attached.
func (r *Record) HasDescriptor() bool { return r.descriptor != nil }

// HasConsensusEntry reports whether a current consensus row is attached.
func (r *Record) HasConsensusEntry() bool { return r.consensusEntry != nil }

// HasMicrodesc reports whether a microdescriptor is currently attached.
func (r *Record) HasMicrodesc() bool { return r.microdesc != nil }

// Descriptor returns the attached descriptor, or nil.
func (r *Record) Descriptor() *ParsedDescriptor { return r.descriptor }

// ConsensusEntry returns the attached consensus row, or nil.
func (r *Record) ConsensusEntryView() *ConsensusEntry { return r.consensusEntry }

// MicrodescView returns the attached microdescriptor, or nil.
func (r *Record) MicrodescView() *Microdesc { return r.microdesc }

// usable reports whether at least one of descriptor or consensus entry
// is present; a record with neither must be dropped.
func (r *Record) usable() bool {
	return r.descriptor != nil || r.consensusEntry != nil
}

// newRecord creates a record with all sources unset, country unknown,
// and the sequence index left for the caller (the store) to assign.
func newRecord(id IdentityDigest) *Record {
	return &Record{
		identity:      id,
		Country:       -1,
		sequenceIndex: -1,
	}
}

// clearFlags zeroes every consensus-sourced flag. Called when a
// record's consensus entry disappears but a general-purpose descriptor
// survives; the relay is no longer endorsed by any consensus.
func (r *Record) clearFlags() {
	r.IsValid = false
	r.IsRunning = false
	r.IsFast = false
	r.IsStable = false
	r.IsPossibleGuard = false
	r.IsExit = false
	r.IsBadExit = false
	r.IsHSDir = false
}

// setFlagsFromConsensus overwrites flags from a consensus entry
// one-to-one.
func (r *Record) setFlagsFromConsensus(f ConsensusFlags) {
	r.IsValid = f.IsValid
	r.IsRunning = f.IsRunning
	r.IsFast = f.IsFast
	r.IsStable = f.IsStable
	r.IsPossibleGuard = f.IsPossibleGuard
	r.IsExit = f.IsExit
	r.IsBadExit = f.IsBadExit
	r.IsHSDir = f.IsHSDir
}

// resetAddressState zeroes reachability timestamps and the cached
// country, used whenever a record's OR address changes.
func (r *Record) resetAddressState() {
	r.LastReachable = time.Time{}
	r.LastReachable6 = time.Time{}
	r.Country = -1
}
