package registry

import (
	"net"
	"testing"
)

func installSimpleConsensus(r *Registry, entries ...*ConsensusEntry) {
	r.InstallConsensus(&ParsedConsensus{Flavor: FlavorFull, Entries: entries})
}

func exitEntry(id IdentityDigest, ip string, port uint16) *ConsensusEntry {
	return &ConsensusEntry{
		Identity: id, DescriptorDigest: make([]byte, 20),
		IPv4: net.ParseIP(ip), ORPort: port,
		Flags: ConsensusFlags{IsValid: true, IsRunning: true, IsExit: true},
	}
}

func TestFindExactExitEnclave(t *testing.T) {
	r := newTestRegistry()
	id := testIdentity(1)
	installSimpleConsensus(r, exitEntry(id, "10.0.0.1", 9001))
	rec, _ := r.AttachDescriptor(descFor(id, "exit1", "10.0.0.1", 9001))
	rec.descriptor.Policy = acceptAllPolicy{}
	rec.IsRunning = true

	found, ok := r.FindExactExitEnclave(net.ParseIP("10.0.0.1"), 443)
	if !ok || found != rec {
		t.Fatal("expected to find the exact exit enclave")
	}

	_, ok = r.FindExactExitEnclave(net.ParseIP("10.0.0.99"), 443)
	if ok {
		t.Fatal("expected no match for an unrelated address")
	}
}

func TestFindExactExitEnclaveHonorsExclusion(t *testing.T) {
	r := newTestRegistry()
	id := testIdentity(1)
	installSimpleConsensus(r, exitEntry(id, "10.0.0.1", 9001))
	rec, _ := r.AttachDescriptor(descFor(id, "exit1", "10.0.0.1", 9001))
	rec.descriptor.Policy = acceptAllPolicy{}
	rec.IsRunning = true
	r.opts.ExcludeExitNodes = NewRouterSet([]string{"exit1"})

	_, ok := r.FindExactExitEnclave(net.ParseIP("10.0.0.1"), 443)
	if ok {
		t.Fatal("expected excluded exit to be skipped")
	}
}

type rejectAllPolicy struct{}

func (rejectAllPolicy) Judge(net.IP, uint16) PolicyResult { return PolicyRejected }
func (rejectAllPolicy) RejectsAll() bool                  { return true }

func TestAllReject(t *testing.T) {
	r := newTestRegistry()
	id1 := testIdentity(1)
	id2 := testIdentity(2)
	rec1, _ := r.AttachDescriptor(descFor(id1, "r1", "10.0.0.1", 9001))
	rec1.descriptor.Policy = rejectAllPolicy{}
	rec1.IsRunning = true
	rec2, _ := r.AttachDescriptor(descFor(id2, "r2", "10.0.0.2", 9002))
	rec2.descriptor.Policy = acceptAllPolicy{}
	rec2.IsRunning = true

	if r.AllReject(net.ParseIP("1.2.3.4"), 80, false) {
		t.Fatal("expected AllReject to be false since one relay accepts")
	}

	rec2.descriptor.Policy = rejectAllPolicy{}
	if !r.AllReject(net.ParseIP("1.2.3.4"), 80, false) {
		t.Fatal("expected AllReject to be true when every running relay rejects")
	}
}

func TestCountUsableRequiresValidAndRunning(t *testing.T) {
	r := newTestRegistry()
	id := testIdentity(1)
	installSimpleConsensus(r, exitEntry(id, "10.0.0.1", 9001))
	rec, _ := r.GetByID(id)

	numUsable, numPresent, _ := r.CountUsable(UsableDescriptorFilter{})
	if numUsable != 1 {
		t.Fatalf("expected 1 usable entry once Valid+Running, got %d", numUsable)
	}
	if numPresent != 0 {
		t.Fatalf("expected 0 present since no descriptor is attached, got %d", numPresent)
	}

	r.AttachDescriptor(descFor(id, "exit1", "10.0.0.1", 9001))
	_, numPresent, _ = r.CountUsable(UsableDescriptorFilter{})
	if numPresent != 1 {
		t.Fatalf("expected 1 present once the descriptor is attached, got %d", numPresent)
	}

	rec.IsRunning = false
	numUsable, _, _ = r.CountUsable(UsableDescriptorFilter{})
	if numUsable != 0 {
		t.Fatalf("expected 0 usable once Running is cleared, got %d", numUsable)
	}
}

func TestCountUsableExitOnlyFilter(t *testing.T) {
	r := newTestRegistry()
	exitID := testIdentity(1)
	midID := testIdentity(2)
	installSimpleConsensus(r,
		exitEntry(exitID, "10.0.0.1", 9001),
		&ConsensusEntry{Identity: midID, DescriptorDigest: make([]byte, 20),
			IPv4: net.ParseIP("10.0.0.2"), ORPort: 9002,
			Flags: ConsensusFlags{IsValid: true, IsRunning: true}},
	)

	numUsable, _, usable := r.CountUsable(UsableDescriptorFilter{ExitOnly: true})
	if numUsable != 1 || len(usable) != 1 || usable[0].identity != exitID {
		t.Fatalf("expected exactly the exit-flagged entry, got %d usable", numUsable)
	}
}
