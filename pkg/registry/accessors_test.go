package registry

import (
	"net"
	"testing"
)

func TestNicknamePrefersConsensusEntry(t *testing.T) {
	r := newTestRegistry()
	id := testIdentity(1)
	r.AttachDescriptor(descFor(id, "descnick", "10.0.0.1", 9001))
	rec, _ := r.GetByID(id)
	rec.consensusEntry = &ConsensusEntry{Nickname: "consnick"}

	nick, ok := r.Nickname(rec)
	if !ok || nick != "consnick" {
		t.Fatalf("expected consensus nickname to win, got %q, %v", nick, ok)
	}
}

func TestPrimaryIPv4ORPortDescriptorThenConsensus(t *testing.T) {
	r := newTestRegistry()
	id := testIdentity(1)
	rec := r.GetOrCreate(id)
	rec.consensusEntry = &ConsensusEntry{IPv4: net.ParseIP("10.0.0.9"), ORPort: 9009}

	ip, port, ok := r.PrimaryIPv4ORPort(rec)
	if !ok || !ip.Equal(net.ParseIP("10.0.0.9")) || port != 9009 {
		t.Fatalf("expected consensus-sourced address, got %v:%d ok=%v", ip, port, ok)
	}

	rec.descriptor = descFor(id, "", "10.0.0.1", 9001)
	ip, port, ok = r.PrimaryIPv4ORPort(rec)
	if !ok || !ip.Equal(net.ParseIP("10.0.0.1")) || port != 9001 {
		t.Fatalf("expected descriptor address to take priority, got %v:%d ok=%v", ip, port, ok)
	}
}

func TestPreferredIPv6ORPortFallsBackToMicrodesc(t *testing.T) {
	r := newTestRegistry()
	rec := r.GetOrCreate(testIdentity(1))
	md := NewMicrodesc(&ParsedMicrodesc{IPv6: net.ParseIP("2001:db8::1"), IPv6ORPort: 9050})
	rec.microdesc = md

	ip, port, ok := r.PreferredIPv6ORPort(rec)
	if !ok || !ip.Equal(net.ParseIP("2001:db8::1")) || port != 9050 {
		t.Fatalf("expected microdesc IPv6 address, got %v:%d ok=%v", ip, port, ok)
	}
}

func TestPreferredORPortRespectsIPv6Preference(t *testing.T) {
	r := newTestRegistry()
	rec := r.GetOrCreate(testIdentity(1))
	rec.descriptor = &ParsedDescriptor{
		IPv4:       net.ParseIP("10.0.0.1"),
		ORPort:     9001,
		IPv6:       net.ParseIP("2001:db8::1"),
		IPv6ORPort: 9002,
	}

	ip, _, fam := r.PreferredORPort(rec)
	if fam != AddrIPv4 || !ip.Equal(net.ParseIP("10.0.0.1")) {
		t.Fatalf("expected IPv4 when not preferred, got %v fam=%v", ip, fam)
	}

	rec.IPv6Preferred = true
	ip, _, fam = r.PreferredORPort(rec)
	if fam != AddrIPv6 || !ip.Equal(net.ParseIP("2001:db8::1")) {
		t.Fatalf("expected IPv6 when preferred, got %v fam=%v", ip, fam)
	}
}

func TestExitPolicyRejectsAllWithNoPolicySource(t *testing.T) {
	r := newTestRegistry()
	rec := r.GetOrCreate(testIdentity(1))
	rec.descriptor = &ParsedDescriptor{}

	if !r.ExitPolicyRejectsAll(rec) {
		t.Fatal("a record with no policy source at all must be treated as rejecting everything")
	}
}

type acceptAllPolicy struct{}

func (acceptAllPolicy) Judge(net.IP, uint16) PolicyResult { return PolicyAccepted }
func (acceptAllPolicy) RejectsAll() bool                  { return false }

func TestExitPolicyRejectsAllWithAcceptingPolicy(t *testing.T) {
	r := newTestRegistry()
	rec := r.GetOrCreate(testIdentity(1))
	rec.descriptor = &ParsedDescriptor{Policy: acceptAllPolicy{}}

	if r.ExitPolicyRejectsAll(rec) {
		t.Fatal("a record with an accepting policy must not be treated as reject-all")
	}
}

func TestExitPolicyExactForFamily(t *testing.T) {
	r := newTestRegistry()
	rec := r.GetOrCreate(testIdentity(1))

	if !r.ExitPolicyExactFor(rec, AddrNone) {
		t.Fatal("AddrNone must be trivially exact")
	}
	if r.ExitPolicyExactFor(rec, AddrIPv4) {
		t.Fatal("IPv4 without a descriptor must not be exact")
	}
	rec.descriptor = &ParsedDescriptor{}
	if !r.ExitPolicyExactFor(rec, AddrIPv4) {
		t.Fatal("IPv4 with a full descriptor must be exact")
	}
	if r.ExitPolicyExactFor(rec, AddrIPv6) {
		t.Fatal("IPv6 must never be reported exact")
	}
}

func TestIsNamedAndVerboseNickname(t *testing.T) {
	r := newTestRegistry()
	id := testIdentity(1)
	rec := r.GetOrCreate(id)
	rec.descriptor = &ParsedDescriptor{Nickname: "relay1"}
	r.consensus = &ParsedConsensus{Named: map[string]IdentityDigest{"relay1": id}}

	if !r.IsNamed(rec) {
		t.Fatal("expected relay1 to be Named-bound to this identity")
	}
	vn := r.VerboseNickname(rec)
	if vn != "$"+FormatHexDigest(id)+"=relay1" {
		t.Fatalf("unexpected verbose nickname %q", vn)
	}

	r.consensus.Named = map[string]IdentityDigest{"relay1": testIdentity(2)}
	if r.IsNamed(rec) {
		t.Fatal("expected relay1 to no longer be Named-bound once rebound to a different identity")
	}
	vn = r.VerboseNickname(rec)
	if vn != "$"+FormatHexDigest(id)+"~relay1" {
		t.Fatalf("unexpected verbose nickname after unbinding %q", vn)
	}
}

func TestVerboseNicknameByID(t *testing.T) {
	r := newTestRegistry()
	id := testIdentity(1)
	rec := r.GetOrCreate(id)
	rec.descriptor = &ParsedDescriptor{Nickname: "relay1"}
	r.consensus = &ParsedConsensus{Named: map[string]IdentityDigest{"relay1": id}}

	if got := r.VerboseNicknameByID(id); got != r.VerboseNickname(rec) {
		t.Fatalf("VerboseNicknameByID(%x) = %q, want %q", id, got, r.VerboseNickname(rec))
	}

	unknown := testIdentity(9)
	if got := r.VerboseNicknameByID(unknown); got != "$"+FormatHexDigest(unknown) {
		t.Fatalf("expected bare hex fallback for an unknown identity, got %q", got)
	}
}

func TestGetByHexID(t *testing.T) {
	r := newTestRegistry()
	id := testIdentity(1)
	rec := r.GetOrCreate(id)
	rec.descriptor = &ParsedDescriptor{Nickname: "relay1"}
	r.consensus = &ParsedConsensus{Named: map[string]IdentityDigest{"relay1": id}}
	hex := FormatHexDigest(id)

	if got, ok := r.GetByHexID("$" + hex); !ok || got != rec {
		t.Fatal("expected bare hex lookup to succeed")
	}
	if got, ok := r.GetByHexID(hex + "=relay1"); !ok || got != rec {
		t.Fatal("expected '=' lookup to succeed when Named")
	}
	if got, ok := r.GetByHexID(hex + "=wrongnick"); ok || got != nil {
		t.Fatal("expected '=' lookup with mismatched nickname to fail")
	}
	if _, ok := r.GetByHexID("not-a-valid-digest"); ok {
		t.Fatal("expected malformed identity string to fail cleanly")
	}
}

func TestGetByNicknamePrefersNamedBinding(t *testing.T) {
	r := newTestRegistry()
	namedID := testIdentity(1)
	squatterID := testIdentity(2)
	named := r.GetOrCreate(namedID)
	named.descriptor = &ParsedDescriptor{Nickname: "alice"}
	squatter := r.GetOrCreate(squatterID)
	squatter.descriptor = &ParsedDescriptor{Nickname: "alice"}
	r.consensus = &ParsedConsensus{Named: map[string]IdentityDigest{"alice": namedID}}

	rec, ok := r.GetByNickname("alice", true)
	if !ok || rec != named {
		t.Fatal("expected the Named binding to resolve the nickname, not the squatter")
	}
	if named.NameLookupWarned || squatter.NameLookupWarned {
		t.Fatal("a Named-bound lookup must not trip the one-shot warning latch")
	}
}

func TestGetByNicknameUnnamedScanWarnsOnce(t *testing.T) {
	r := newTestRegistry()
	rec, _ := r.AttachDescriptor(descFor(testIdentity(1), "bob", "10.0.0.1", 9001))

	got, ok := r.GetByNickname("BOB", true)
	if !ok || got != rec {
		t.Fatal("expected a case-insensitive scan match for an unregistered name")
	}
	if !rec.NameLookupWarned {
		t.Fatal("expected the one-shot warning latch to be set on an unregistered-name lookup")
	}

	// Second lookup still resolves; the latch stays set.
	if _, ok := r.GetByNickname("bob", true); !ok {
		t.Fatal("expected repeated lookups to keep resolving")
	}
}

func TestGetByNicknameAcceptsVerboseIdentifier(t *testing.T) {
	r := newTestRegistry()
	id := testIdentity(1)
	rec, _ := r.AttachDescriptor(descFor(id, "carol", "10.0.0.1", 9001))

	got, ok := r.GetByNickname("$"+FormatHexDigest(id)+"~carol", false)
	if !ok || got != rec {
		t.Fatal("expected a verbose identifier to resolve through the hex-id grammar")
	}
}

func TestGetByNicknameRejectsReservedUnnamed(t *testing.T) {
	r := newTestRegistry()
	r.AttachDescriptor(descFor(testIdentity(1), "Unnamed", "10.0.0.1", 9001))
	if _, ok := r.GetByNickname("unnamed", false); ok {
		t.Fatal("the reserved Unnamed nickname must never resolve")
	}
}

func TestIsDirectoryCacheViaHSDir(t *testing.T) {
	r := newTestRegistry()
	rec := r.GetOrCreate(testIdentity(1))
	rec.descriptor = &ParsedDescriptor{}
	rec.IsHSDir = true
	if !r.IsDirectoryCache(rec) {
		t.Fatal("expected HSDir flag to imply directory-cache capability")
	}
}

func TestHasOnionKeyFromMicrodesc(t *testing.T) {
	r := newTestRegistry()
	rec := r.GetOrCreate(testIdentity(1))
	if r.HasOnionKey(rec) {
		t.Fatal("expected no onion key on a bare record")
	}
	var key [32]byte
	rec.microdesc = &Microdesc{OnionKey: &key}
	if !r.HasOnionKey(rec) {
		t.Fatal("expected onion key to be reported once a microdesc carries one")
	}
}
