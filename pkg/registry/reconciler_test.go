package registry

import (
	"net"
	"testing"
	"time"
)

type fakeMDCache struct {
	byDigest map[MicrodescDigest]*Microdesc
}

func (c *fakeMDCache) Lookup(d MicrodescDigest) (*Microdesc, bool) {
	md, ok := c.byDigest[d]
	return md, ok
}

func digest32(b byte) MicrodescDigest {
	var d MicrodescDigest
	d[0] = b
	return d
}

func TestAttachDescriptorReplacesAndResetsOnAddressChange(t *testing.T) {
	r := newTestRegistry()
	id := testIdentity(1)

	d1 := descFor(id, "relay1", "10.0.0.1", 9001)
	rec, prev := r.AttachDescriptor(d1)
	if prev != nil {
		t.Fatal("first attach should return no previous descriptor")
	}
	rec.LastReachable = time.Now()
	rec.Country = 7

	d2 := descFor(id, "relay1", "10.0.0.2", 9001)
	rec2, prevRet := r.AttachDescriptor(d2)
	if rec2 != rec {
		t.Fatal("attaching a descriptor for the same identity must reuse the record")
	}
	if prevRet != d1 {
		t.Fatal("expected the displaced descriptor to be returned")
	}
	if rec.Country != -1 {
		t.Fatalf("address change must reset cached country, got %d", rec.Country)
	}
	if !rec.LastReachable.IsZero() {
		t.Fatal("address change must reset LastReachable")
	}
}

func TestAttachDescriptorNoResetOnSameAddress(t *testing.T) {
	r := newTestRegistry()
	id := testIdentity(1)
	d1 := descFor(id, "relay1", "10.0.0.1", 9001)
	rec, _ := r.AttachDescriptor(d1)
	rec.Country = 7

	d2 := descFor(id, "relay1", "10.0.0.1", 9001)
	r.AttachDescriptor(d2)
	if rec.Country != 7 {
		t.Fatalf("unchanged address must not reset cached country, got %d", rec.Country)
	}
}

func TestAttachMicrodescRequiresMicrodescConsensus(t *testing.T) {
	r := newTestRegistry()
	md := NewMicrodesc(&ParsedMicrodesc{Digest: digest32(1)})
	r.AttachMicrodesc(md)
	if md.HeldByNodes() != 0 {
		t.Fatal("attaching a microdesc with no installed consensus must be a no-op")
	}
}

func TestInstallConsensusMicrodescFlavorReconciles(t *testing.T) {
	r := newTestRegistry()
	id := testIdentity(1)
	var descDigest [32]byte
	descDigest[0] = 1
	md := NewMicrodesc(&ParsedMicrodesc{Digest: digest32(1)})
	cache := &fakeMDCache{byDigest: map[MicrodescDigest]*Microdesc{digest32(1): md}}
	r.mdCache = cache

	ns := &ParsedConsensus{
		Flavor: FlavorMicrodesc,
		Entries: []*ConsensusEntry{
			{
				Identity:         id,
				Nickname:         "relay1",
				DescriptorDigest: descDigest[:],
				IPv4:             net.ParseIP("10.0.0.1"),
				ORPort:           9001,
				Flags:            ConsensusFlags{IsValid: true, IsRunning: true},
			},
		},
	}
	r.InstallConsensus(ns)

	rec, ok := r.GetByID(id)
	if !ok {
		t.Fatal("expected record to be created from consensus entry")
	}
	if rec.MicrodescView() != md {
		t.Fatal("expected microdesc to be reconciled from the cache")
	}
	if md.HeldByNodes() != 1 {
		t.Fatalf("expected refcount 1 after reconciliation, got %d", md.HeldByNodes())
	}
	r.AssertOK()
}

func TestInstallConsensusRetainsDescriptorOnlyRecordUnderEmptyConsensus(t *testing.T) {
	r := newTestRegistry()
	id := testIdentity(1)
	r.AttachDescriptor(descFor(id, "relay1", "10.0.0.1", 9001))

	ns := &ParsedConsensus{Flavor: FlavorFull}
	r.InstallConsensus(ns)

	if r.Len() != 1 {
		t.Fatalf("a descriptor-only record is still usable and must survive an empty consensus, got len %d", r.Len())
	}
	r.AssertOK()
}

func TestInstallConsensusClearsFlagsForDescriptorOnlySurvivors(t *testing.T) {
	r := newTestRegistry()
	id := testIdentity(1)
	rec, _ := r.AttachDescriptor(descFor(id, "relay1", "10.0.0.1", 9001))

	ns1 := &ParsedConsensus{
		Flavor: FlavorFull,
		Entries: []*ConsensusEntry{
			{Identity: id, Nickname: "relay1", DescriptorDigest: make([]byte, 20),
				IPv4: net.ParseIP("10.0.0.1"), ORPort: 9001,
				Flags: ConsensusFlags{IsValid: true, IsRunning: true, IsFast: true}},
		},
	}
	r.InstallConsensus(ns1)
	if !rec.IsFast {
		t.Fatal("expected IsFast to be set from the first consensus")
	}

	ns2 := &ParsedConsensus{Flavor: FlavorFull}
	r.InstallConsensus(ns2)

	if rec.IsFast {
		t.Fatal("expected flags to be cleared once the consensus entry disappears but the descriptor survives")
	}
	if !rec.HasDescriptor() {
		t.Fatal("descriptor-only survivor should remain in the registry")
	}
	r.AssertOK()
}

func TestInstallConsensusKeepsFlagsForNonGeneralPurposeDescriptor(t *testing.T) {
	r := newTestRegistry()
	id := testIdentity(1)
	d := descFor(id, "bridge1", "10.0.0.1", 9001)
	d.Purpose = "bridge"
	rec, _ := r.AttachDescriptor(d)

	ns1 := &ParsedConsensus{
		Flavor: FlavorFull,
		Entries: []*ConsensusEntry{
			{Identity: id, Nickname: "bridge1", DescriptorDigest: make([]byte, 20),
				IPv4: net.ParseIP("10.0.0.1"), ORPort: 9001,
				Flags: ConsensusFlags{IsValid: true, IsRunning: true, IsFast: true}},
		},
	}
	r.InstallConsensus(ns1)
	if !rec.IsFast {
		t.Fatal("expected IsFast to be set from the first consensus")
	}

	ns2 := &ParsedConsensus{Flavor: FlavorFull}
	r.InstallConsensus(ns2)

	if !rec.IsFast {
		t.Fatal("a non-general-purpose descriptor (e.g. a bridge) must keep its flags when its consensus entry disappears")
	}
	r.AssertOK()
}

func TestConsensusOnlyRecordDroppedOnEmptyConsensus(t *testing.T) {
	r := newTestRegistry()
	id := testIdentity(2)
	r.InstallConsensus(&ParsedConsensus{
		Flavor: FlavorFull,
		Entries: []*ConsensusEntry{
			{Identity: id, DescriptorDigest: make([]byte, 20),
				IPv4: net.ParseIP("10.0.0.2"), ORPort: 9001,
				Flags: ConsensusFlags{IsValid: true, IsRunning: true}},
		},
	})
	if r.Len() != 1 {
		t.Fatalf("expected 1 record after first consensus, got %d", r.Len())
	}

	r.InstallConsensus(&ParsedConsensus{Flavor: FlavorFull})
	if r.Len() != 0 {
		t.Fatalf("a consensus-only record must be purged once the next consensus omits it, got len %d", r.Len())
	}
	r.AssertOK()
}

func TestAttachMicrodescViaConsensusEntry(t *testing.T) {
	r := newTestRegistry()
	id := testIdentity(3)
	var digest [32]byte
	digest[0] = 9
	r.InstallConsensus(&ParsedConsensus{
		Flavor: FlavorMicrodesc,
		Entries: []*ConsensusEntry{
			{Identity: id, DescriptorDigest: digest[:],
				IPv4: net.ParseIP("10.0.0.3"), ORPort: 9001,
				Flags: ConsensusFlags{IsValid: true, IsRunning: true}},
		},
	})

	md := NewMicrodesc(&ParsedMicrodesc{Digest: digest32(9)})
	r.AttachMicrodesc(md)

	rec, _ := r.GetByID(id)
	if rec.MicrodescView() != md {
		t.Fatal("expected the microdesc to be attached via its consensus entry")
	}
	if md.HeldByNodes() != 1 {
		t.Fatalf("expected refcount 1 after attach, got %d", md.HeldByNodes())
	}
	r.AssertOK()
}

func TestNewConsensusWithDifferentDigestReleasesOldMicrodesc(t *testing.T) {
	r := newTestRegistry()
	id := testIdentity(3)
	var old [32]byte
	old[0] = 9
	r.InstallConsensus(&ParsedConsensus{
		Flavor: FlavorMicrodesc,
		Entries: []*ConsensusEntry{
			{Identity: id, DescriptorDigest: old[:],
				IPv4: net.ParseIP("10.0.0.3"), ORPort: 9001,
				Flags: ConsensusFlags{IsValid: true, IsRunning: true}},
		},
	})
	md := NewMicrodesc(&ParsedMicrodesc{Digest: digest32(9)})
	r.AttachMicrodesc(md)

	// The new consensus references a different microdesc that no cache
	// can supply yet.
	var fresh [32]byte
	fresh[0] = 10
	r.InstallConsensus(&ParsedConsensus{
		Flavor: FlavorMicrodesc,
		Entries: []*ConsensusEntry{
			{Identity: id, DescriptorDigest: fresh[:],
				IPv4: net.ParseIP("10.0.0.3"), ORPort: 9001,
				Flags: ConsensusFlags{IsValid: true, IsRunning: true}},
		},
	})

	rec, _ := r.GetByID(id)
	if rec.HasMicrodesc() {
		t.Fatal("expected the stale microdesc to be cleared when its digest no longer matches")
	}
	if md.HeldByNodes() != 0 {
		t.Fatalf("expected the old microdesc refcount to drop to 0, got %d", md.HeldByNodes())
	}
	r.AssertOK()
}

func TestPurgeReleasesMicrodescWithoutConsensusEntry(t *testing.T) {
	r := newTestRegistry()
	rec, _ := r.AttachDescriptor(descFor(testIdentity(6), "relay6", "10.0.0.6", 9001))
	md := NewMicrodesc(&ParsedMicrodesc{Digest: digest32(6)})
	md.incRef()
	rec.microdesc = md

	r.purge()

	if rec.HasMicrodesc() {
		t.Fatal("purge must clear a microdesc held without a consensus entry")
	}
	if md.HeldByNodes() != 0 {
		t.Fatalf("expected refcount 0 after purge, got %d", md.HeldByNodes())
	}
	if r.Len() != 1 {
		t.Fatal("the record still holds a descriptor and must survive purge")
	}
	r.AssertOK()
}

func TestDetachMicrodescIsNoOpIfNotHeld(t *testing.T) {
	r := newTestRegistry()
	id := testIdentity(1)
	r.AttachDescriptor(descFor(id, "relay1", "10.0.0.1", 9001))
	other := NewMicrodesc(&ParsedMicrodesc{Digest: digest32(9)})
	other.incRef()
	r.DetachMicrodesc(id, other)
	if other.HeldByNodes() != 1 {
		t.Fatal("detaching a microdesc the record doesn't hold must not touch its refcount")
	}
}

func TestDetachDescriptorDropsUnusableRecord(t *testing.T) {
	r := newTestRegistry()
	id := testIdentity(1)
	d := descFor(id, "relay1", "10.0.0.1", 9001)
	r.AttachDescriptor(d)
	r.DetachDescriptor(d)
	if r.Len() != 0 {
		t.Fatal("detaching the only backing descriptor must drop the record")
	}
}

func TestPurgeIsIdempotent(t *testing.T) {
	r := newTestRegistry()
	id := testIdentity(1)
	r.AttachDescriptor(descFor(id, "relay1", "10.0.0.1", 9001))
	r.purge()
	r.purge()
	r.AssertOK()
}
