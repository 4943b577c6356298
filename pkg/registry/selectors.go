package registry

import "net"

// UsableDescriptorFilter restricts CountUsable's scan of consensus
// entries.
type UsableDescriptorFilter struct {
	// ExitOnly restricts the scan to Exit-flagged entries.
	ExitOnly bool
	// RouterSet, if non-empty, further restricts the scan to entries
	// matching the set.
	RouterSet RouterSet
}

// FindExactExitEnclave scans running relays whose primary IPv4 address
// exactly equals ip, whose exit policy accepts ip:port, and that are
// not in the configured exit-exclusion set. Returns the first match,
// or (nil, false).
func (r *Registry) FindExactExitEnclave(ip net.IP, port uint16) (*Record, bool) {
	for _, rec := range r.sequence {
		if !rec.IsRunning {
			continue
		}
		primary, _, ok := r.primaryIPv4(rec)
		if !ok || !primary.Equal(ip) {
			continue
		}
		if r.judge(rec, ip, port) != PolicyAccepted {
			continue
		}
		if r.opts.ExcludeExitNodes.Contains(r, rec) {
			continue
		}
		return rec, true
	}
	return nil, false
}

// AllReject reports whether every running, sufficiently-stable relay's
// policy rejects (exactly or probably) addr:port. needUptime, when
// true, restricts the scan to relays flagged Stable.
func (r *Registry) AllReject(addr net.IP, port uint16, needUptime bool) bool {
	for _, rec := range r.sequence {
		if !rec.IsRunning {
			continue
		}
		if needUptime && !rec.IsStable {
			continue
		}
		if !r.judge(rec, addr, port).Rejected() {
			return false
		}
	}
	return true
}

func (r *Registry) judge(rec *Record, addr net.IP, port uint16) PolicyResult {
	if r.ExitPolicyRejectsAll(rec) {
		return PolicyRejected
	}
	if rec.descriptor != nil && rec.descriptor.Policy != nil {
		return rec.descriptor.Policy.Judge(addr, port)
	}
	if rec.microdesc != nil && rec.microdesc.Policy != nil {
		return rec.microdesc.Policy.Judge(addr, port)
	}
	return PolicyProbablyRejected
}

// CountUsable iterates the current consensus's entries, counting those
// the local policy would use (numUsable) and the subset for which the
// appropriate descriptor (full or microdescriptor, per the consensus
// flavor) is locally available (numPresent). filter may restrict the
// scan to Exit-flagged entries and/or a configured router set.
func (r *Registry) CountUsable(filter UsableDescriptorFilter) (numUsable, numPresent int, usableRecords []*Record) {
	if r.consensus == nil {
		return 0, 0, nil
	}
	for _, e := range r.consensus.Entries {
		if filter.ExitOnly && !e.Flags.IsExit {
			continue
		}
		rec, ok := r.byID[e.Identity]
		if !ok {
			continue
		}
		if !filter.RouterSet.Empty() && !filter.RouterSet.Contains(r, rec) {
			continue
		}
		if !r.clientWouldUseRouter(rec, e) {
			continue
		}
		numUsable++
		usableRecords = append(usableRecords, rec)
		if r.hasRequiredDescriptor(rec) {
			numPresent++
		}
	}
	return numUsable, numPresent, usableRecords
}

// clientWouldUseRouter reports whether a client configured per r.opts
// would consider rec for path-building at all: it must be Valid and
// Running, and not excluded by configuration.
func (r *Registry) clientWouldUseRouter(rec *Record, e *ConsensusEntry) bool {
	if !rec.IsValid || !rec.IsRunning {
		return false
	}
	return true
}

// hasRequiredDescriptor reports whether rec carries the descriptor type
// its own consensus entry calls for: a full descriptor for a
// full-flavor consensus, a microdescriptor for a microdesc-flavor one.
func (r *Registry) hasRequiredDescriptor(rec *Record) bool {
	if r.consensus == nil {
		return rec.HasDescriptor()
	}
	if r.consensus.Flavor == FlavorMicrodesc {
		return rec.HasMicrodesc()
	}
	return rec.HasDescriptor()
}
