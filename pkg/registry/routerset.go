package registry

import "strings"

// RouterSet is a configuration-level set of relays named by identity
// digest, nickname, or IPv4 address. It backs EntryNodes, ExitNodes,
// ExcludeExitNodes, and configured family sets (torrc "NodeFamily").
type RouterSet struct {
	identities map[IdentityDigest]struct{}
	nicknames  map[string]struct{} // lowercased
	addresses  map[string]struct{} // dotted IPv4 string
}

// NewRouterSet builds a RouterSet from a list of entries, each either a
// "$HEXID", a bare nickname, or a dotted IPv4 address.
func NewRouterSet(entries []string) RouterSet {
	rs := RouterSet{
		identities: make(map[IdentityDigest]struct{}),
		nicknames:  make(map[string]struct{}),
		addresses:  make(map[string]struct{}),
	}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.HasPrefix(e, "$") {
			if id, ok := parseHexDigest(e[1:]); ok {
				rs.identities[id] = struct{}{}
				continue
			}
		}
		if id, ok := parseHexDigest(e); ok && len(e) == 40 {
			rs.identities[id] = struct{}{}
			continue
		}
		if strings.Count(e, ".") == 3 {
			rs.addresses[e] = struct{}{}
			continue
		}
		rs.nicknames[strings.ToLower(e)] = struct{}{}
	}
	return rs
}

// Empty reports whether the set has no members at all.
func (rs RouterSet) Empty() bool {
	return len(rs.identities) == 0 && len(rs.nicknames) == 0 && len(rs.addresses) == 0
}

// Contains reports whether rec matches the set by identity, nickname,
// or primary IPv4 address.
func (rs RouterSet) Contains(reg *Registry, rec *Record) bool {
	if rs.Empty() {
		return false
	}
	if _, ok := rs.identities[rec.identity]; ok {
		return true
	}
	if nick, ok := reg.Nickname(rec); ok {
		if _, ok := rs.nicknames[strings.ToLower(nick)]; ok {
			return true
		}
	}
	if ip, _, ok := reg.primaryIPv4(rec); ok {
		if _, ok := rs.addresses[ip.String()]; ok {
			return true
		}
	}
	return false
}
