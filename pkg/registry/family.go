package registry

import "strings"

// InSameFamily reports whether a and b are in the same family under
// any of three rules: the subnet rule (if EnforceDistinctSubnets is
// configured), mutual declared-family membership, or a shared
// configured family set. All three are checked regardless of whether
// an earlier one already matched, since callers only care about the
// boolean result.
func (r *Registry) InSameFamily(a, b *Record) bool {
	if a == b {
		return true
	}
	if r.opts.EnforceDistinctSubnets && r.sameSlash16(a, b) {
		return true
	}
	if r.declaresFamily(a, b) && r.declaresFamily(b, a) {
		return true
	}
	for _, set := range r.opts.FamilySets {
		if set.Contains(r, a) && set.Contains(r, b) {
			return true
		}
	}
	return false
}

func (r *Registry) sameSlash16(a, b *Record) bool {
	ipA, _, ok := r.primaryIPv4(a)
	if !ok {
		return false
	}
	ipB, _, ok := r.primaryIPv4(b)
	if !ok {
		return false
	}
	a4 := ipA.To4()
	b4 := ipB.To4()
	if a4 == nil || b4 == nil {
		return false
	}
	return a4[0] == b4[0] && a4[1] == b4[1]
}

// declaresFamily reports whether from's declared-family list contains
// an entry matching to. Declared-family entries are nickname strings;
// a "$"-prefixed entry matches by hex identity (honoring the Named
// binding), anything else matches by case-insensitive nickname.
func (r *Registry) declaresFamily(from, to *Record) bool {
	var declared []string
	if from.descriptor != nil {
		declared = from.descriptor.DeclaredFamily
	} else if from.microdesc != nil {
		declared = from.microdesc.Family
	}
	for _, entry := range declared {
		if r.hexDigestNicknameMatches(entry, to) {
			return true
		}
	}
	return false
}

// hexDigestNicknameMatches implements the matching rule used by
// declared-family resolution, sharing GetByHexID's grammar: a
// "$"-prefixed entry is HEXDIGEST(("="|"~")NICKNAME)?, matching by
// identity digest and, if present, honoring the "="/"~" nickname
// assertion (including the Named check for "="); anything else matches
// by case-insensitive nickname alone.
func (r *Registry) hexDigestNicknameMatches(entry string, rec *Record) bool {
	if !strings.HasPrefix(entry, "$") {
		nick, ok := r.Nickname(rec)
		return ok && strings.EqualFold(nick, entry)
	}
	hexPart, sep, nick := splitHexIDGrammar(entry[1:])
	id, ok := parseHexDigest(hexPart)
	if !ok || id != rec.identity {
		return false
	}
	return r.verifyHexIDGrammar(rec, sep, nick)
}

// Expand appends to sl: the node itself if it is present in the
// registry, every registry record sharing its /16 subnet (if the
// subnet rule is enabled), every declared-family member that
// reciprocates the declaration, and every member of any configured
// family set containing node. Duplicates are permitted by design;
// callers that need uniqueness deduplicate by identity digest.
func (r *Registry) Expand(sl []*Record, node *Record) []*Record {
	if cur, ok := r.byID[node.identity]; ok && cur == node {
		sl = append(sl, node)
	}

	if r.opts.EnforceDistinctSubnets {
		for _, rec := range r.sequence {
			if rec != node && r.sameSlash16(node, rec) {
				sl = append(sl, rec)
			}
		}
	}

	for _, rec := range r.sequence {
		if rec == node {
			continue
		}
		if r.declaresFamily(node, rec) && r.declaresFamily(rec, node) {
			sl = append(sl, rec)
		}
	}

	for _, set := range r.opts.FamilySets {
		if !set.Contains(r, node) {
			continue
		}
		for _, rec := range r.sequence {
			if set.Contains(r, rec) {
				sl = append(sl, rec)
			}
		}
	}

	return sl
}
