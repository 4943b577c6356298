package registry

// AttachDescriptor creates or finds the record keyed by d's identity,
// replaces any previously attached descriptor, and returns both the
// record and the displaced descriptor (the caller owns the latter; the
// registry keeps no reference to it after this call).
//
// If a previous descriptor existed and its OR-address set differs from
// d's, this is treated as an address change: both reachability
// timestamps are reset to zero and the cached country is invalidated
// and recomputed via the configured GeoIP resolver.
func (r *Registry) AttachDescriptor(d *ParsedDescriptor) (*Record, *ParsedDescriptor) {
	rec := r.GetOrCreate(d.Identity)
	prev := rec.descriptor

	addressChanged := prev == nil || prev.ORAddresses() != d.ORAddresses()
	rec.descriptor = d
	if addressChanged {
		rec.resetAddressState()
	}
	if rec.Country == -1 {
		r.recomputeCountry(rec)
	}
	r.readiness.markDirty()

	if prev != nil {
		r.log.Debug("descriptor replaced", "identity", FormatHexDigest(d.Identity), "address_changed", addressChanged)
	} else {
		r.log.Debug("descriptor attached", "identity", FormatHexDigest(d.Identity))
	}
	return rec, prev
}

// AttachMicrodesc looks up the current microdesc-flavored consensus,
// finds the entry whose descriptor digest equals md's digest, and
// attaches md to that entry's record. It is a silent no-op if there is
// no microdesc-flavored consensus installed or no matching entry;
// ingestion operations never fail on a stale or unmatched input.
func (r *Registry) AttachMicrodesc(md *Microdesc) {
	if r.consensus == nil || r.consensus.Flavor != FlavorMicrodesc {
		return
	}
	entry := r.findEntryByDescriptorDigest(md.Digest[:])
	if entry == nil {
		return
	}
	rec := r.GetOrCreate(entry.Identity)
	if rec.microdesc != nil && rec.microdesc != md {
		rec.microdesc.decRef()
	}
	rec.microdesc = md
	md.incRef()
	r.readiness.markDirty()
	r.log.Debug("microdesc attached", "identity", FormatHexDigest(entry.Identity))
}

func (r *Registry) findEntryByDescriptorDigest(digest []byte) *ConsensusEntry {
	if r.consensus == nil {
		return nil
	}
	for _, e := range r.consensus.Entries {
		if bytesEqual(e.DescriptorDigest, digest) {
			return e
		}
	}
	return nil
}

// DetachMicrodesc clears rec's microdesc and decrements its refcount,
// but only if the record currently holds exactly md. Detaching a
// microdesc the record no longer holds is a silent no-op.
func (r *Registry) DetachMicrodesc(id IdentityDigest, md *Microdesc) {
	rec, ok := r.byID[id]
	if !ok || rec.microdesc != md {
		return
	}
	r.releaseMicrodesc(rec)
	r.readiness.markDirty()
}

// DetachDescriptor clears the record's descriptor if it matches d
// exactly. If the record now holds neither a descriptor nor a
// consensus entry it is dropped and its microdesc, if any, released.
func (r *Registry) DetachDescriptor(d *ParsedDescriptor) {
	rec, ok := r.byID[d.Identity]
	if !ok || rec.descriptor != d {
		return
	}
	rec.descriptor = nil
	if !rec.usable() {
		r.Drop(rec)
	}
	r.readiness.markDirty()
}

// InstallConsensus replaces the registry's view of the network with ns.
// Every record's previous consensus entry is invalidated first, since a
// new consensus installation supersedes all borrowed pointers from the
// old one. Records that end up with neither a descriptor nor a new
// consensus entry are dropped by purge, which runs after flag
// propagation and before the final "clear flags on descriptor-only
// survivors" step. That final step only clears flags on
// general-purpose descriptors; bridges and other special-purpose
// relays keep whatever flags they last held.
func (r *Registry) InstallConsensus(ns *ParsedConsensus) {
	for _, rec := range r.sequence {
		rec.consensusEntry = nil
	}

	for _, e := range ns.Entries {
		rec := r.GetOrCreate(e.Identity)
		rec.consensusEntry = e

		if ns.Flavor == FlavorMicrodesc {
			r.reconcileMicrodescForEntry(rec, e)
		}

		r.recomputeCountry(rec)

		if !r.opts.DirAuthority {
			rec.setFlagsFromConsensus(e.Flags)
			rec.IPv6Preferred = r.computeIPv6Preferred(rec, e)
		}
	}

	r.consensus = ns
	r.purge()

	if !r.opts.DirAuthority {
		for _, rec := range r.sequence {
			if !rec.HasConsensusEntry() && rec.HasDescriptor() && isGeneralPurpose(rec.descriptor.Purpose) {
				rec.clearFlags()
			}
		}
	}

	r.readiness.markDirty()
	r.recordMetrics()
	r.log.Info("consensus installed", "flavor", ns.Flavor.String(), "entries", len(ns.Entries), "registry_size", len(r.sequence))
}

// reconcileMicrodescForEntry brings rec's microdesc in line with e: if
// the current microdesc is absent or stale relative to e's descriptor
// digest, release it and look up the replacement in the microdesc
// cache (incrementing its refcount if found).
func (r *Registry) reconcileMicrodescForEntry(rec *Record, e *ConsensusEntry) {
	if rec.microdesc != nil && bytesEqual(rec.microdesc.Digest[:], e.DescriptorDigest) {
		return
	}
	if rec.microdesc != nil {
		rec.microdesc.decRef()
		rec.microdesc = nil
	}
	if r.mdCache == nil || len(e.DescriptorDigest) != 32 {
		return
	}
	var digest MicrodescDigest
	copy(digest[:], e.DescriptorDigest)
	if md, ok := r.mdCache.Lookup(digest); ok {
		rec.microdesc = md
		md.incRef()
	}
}

// computeIPv6Preferred recomputes ipv6_preferred from the firewall
// policy against whichever IPv6 address is presently visible: the
// consensus entry's, falling back to the attached microdescriptor's.
func (r *Registry) computeIPv6Preferred(rec *Record, e *ConsensusEntry) bool {
	hasIPv4 := e.IPv4 != nil
	hasIPv6 := e.IPv6 != nil
	if !hasIPv6 && rec.microdesc != nil && rec.microdesc.IPv6Addr != nil {
		hasIPv6 = true
	}
	return r.firewall.PreferIPv6ORPort(hasIPv4, hasIPv6)
}

// purge drops every record that has lost all backing information and
// releases the microdesc of any record that holds one without a
// consensus entry. Idempotent: calling it twice in a row with no
// intervening mutation is a no-op the second time.
func (r *Registry) purge() {
	// Iterate a snapshot since Drop mutates r.sequence in place.
	snapshot := append([]*Record(nil), r.sequence...)
	for _, rec := range snapshot {
		if rec.HasMicrodesc() && !rec.HasConsensusEntry() {
			r.releaseMicrodesc(rec)
		}
	}
	for _, rec := range snapshot {
		if !rec.usable() {
			if cur, ok := r.byID[rec.identity]; ok && cur == rec {
				r.Drop(rec)
				if r.met != nil {
					r.met.RegistryPurgedTotal.Inc()
				}
			}
		}
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
