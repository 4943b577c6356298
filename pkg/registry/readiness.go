package registry

import (
	"fmt"

	"github.com/relaynet/go-tor/pkg/control"
)

// ConsensusPathType records whether the current consensus contains any
// exit relay at all, which governs whether the exit fraction
// participates in the path-availability computation.
type ConsensusPathType int

const (
	// ConsensusPathUnknown is the initial state, before any computation.
	ConsensusPathUnknown ConsensusPathType = iota
	// ConsensusPathExit means the consensus has at least one usable exit.
	ConsensusPathExit
	// ConsensusPathInternal means the consensus has no usable exit;
	// only internal (e.g. onion-service) circuits can be built.
	ConsensusPathInternal
)

const (
	defaultMinPathsForCircsPct = 60
	minMinPathsForCircsPct     = 25
	maxMinPathsForCircsPct     = 95
	statusMaxLen               = 512

	weightForGuard = 1.0
	weightForMid   = 1.0
	weightForExit  = 1.0
)

// Readiness computes and caches whether the registry carries enough
// directory information to build circuits, recomputing on demand after
// any mutation that could affect the answer.
type Readiness struct {
	reg *Registry

	haveMinDirInfo    bool
	haveConsensusPath ConsensusPathType
	needsRecompute    bool
	status            string

	fetchGate      FetchGate
	entryGuardInfo EntryGuardInfo
	dispatcher     *control.EventDispatcher
}

func newReadiness(reg *Registry) *Readiness {
	return &Readiness{reg: reg, needsRecompute: true}
}

// SetFetchGate wires the Directory Client collaborator consulted in
// step 1 of Refresh.
func (rd *Readiness) SetFetchGate(g FetchGate) { rd.fetchGate = g }

// SetEntryGuardInfo wires the guard-state collaborator consulted in
// step 3 of Refresh, before the frac-paths computation.
func (rd *Readiness) SetEntryGuardInfo(g EntryGuardInfo) { rd.entryGuardInfo = g }

// SetEventDispatcher wires the control-protocol event sink used to
// publish ENOUGH_DIR_INFO / NOT_ENOUGH_DIR_INFO transitions.
func (rd *Readiness) SetEventDispatcher(d *control.EventDispatcher) { rd.dispatcher = d }

// markDirty flags the cached result stale; the next call to
// HaveMinDirInfo or Status recomputes it.
func (rd *Readiness) markDirty() { rd.needsRecompute = true }

// HaveMinDirInfo returns the cached (or freshly recomputed) readiness
// boolean.
func (rd *Readiness) HaveMinDirInfo() bool {
	rd.refresh()
	return rd.haveMinDirInfo
}

// Status returns a human-readable explanation of the current readiness
// state, non-empty only when readiness is false.
func (rd *Readiness) Status() string {
	rd.refresh()
	return rd.status
}

// HaveConsensusPath reports whether the current consensus supports
// exit circuits, internal-only circuits, or is not yet known.
func (rd *Readiness) HaveConsensusPath() ConsensusPathType {
	rd.refresh()
	return rd.haveConsensusPath
}

// refresh recomputes readiness if needsRecompute is set, emitting a
// control event on any true<->false transition.
func (rd *Readiness) refresh() {
	if !rd.needsRecompute {
		return
	}
	rd.needsRecompute = false

	prev := rd.haveMinDirInfo
	rd.haveMinDirInfo, rd.status = rd.compute()
	rd.truncateStatus()

	if prev != rd.haveMinDirInfo {
		rd.publishTransition()
		if rd.haveMinDirInfo {
			rd.reg.log.Info("now have enough directory info to build circuits")
		} else {
			rd.reg.log.Info("not enough directory info to build circuits", "status", rd.status, "note", "maybe can't build circuits")
			rd.haveConsensusPath = ConsensusPathUnknown
		}
	}
}

func (rd *Readiness) publishTransition() {
	if rd.dispatcher == nil {
		return
	}
	rd.dispatcher.Dispatch(&control.DirInfoEvent{Enough: rd.haveMinDirInfo, Reason: rd.status})
}

func (rd *Readiness) truncateStatus() {
	if len(rd.status) > statusMaxLen {
		rd.status = rd.status[:statusMaxLen]
	}
}

// compute decides readiness: fetches must not be deliberately delayed,
// a usable consensus must be installed, entry-guard information must
// suffice, and the weighted path fraction must clear the threshold.
func (rd *Readiness) compute() (bool, string) {
	if rd.fetchGate != nil {
		if delay, reason := rd.fetchGate.ShouldDelayFetches(); delay {
			return false, reason
		}
	}
	if rd.reg.consensus == nil || len(rd.reg.consensus.Entries) == 0 {
		return false, "no (recent) usable consensus"
	}
	if rd.entryGuardInfo != nil {
		if enough, reason := rd.entryGuardInfo.HaveEnoughDirInfo(); !enough {
			return false, reason
		}
	}

	fPath, numPresent, numUsable := rd.computeFracPathsAvailable()
	if rd.reg.met != nil {
		rd.reg.met.RegistryPathFractionBp.Set(int64(fPath * 10000))
	}

	threshold := rd.minPathsPct()
	if int(fPath*100) < threshold {
		return false, fmt.Sprintf("%d/%d descriptors usable, only %d%% of paths bw (%d%% needed)",
			numPresent, numUsable, int(fPath*100), threshold)
	}
	return true, ""
}

func (rd *Readiness) minPathsPct() int {
	pct := rd.reg.opts.MinPathsForCircsPct
	if pct == 0 {
		pct = defaultMinPathsForCircsPct
	}
	if pct < minMinPathsForCircsPct {
		pct = minMinPathsForCircsPct
	}
	if pct > maxMinPathsForCircsPct {
		pct = maxMinPathsForCircsPct
	}
	return pct
}

// computeFracPathsAvailable implements compute_frac_paths_available:
// weighted guard/mid/exit fractions multiplied together, with the
// ExitNodes router-set override and the "no exits in consensus" escape
// hatch. Returns the path fraction along with the overall mid present
// and usable counts (used for the status string).
func (rd *Readiness) computeFracPathsAvailable() (fPath float64, numPresent, numUsable int) {
	reg := rd.reg

	numUsable, numPresent, mid := reg.CountUsable(UsableDescriptorFilter{})

	var guards []*Record
	if !reg.opts.EntryNodes.Empty() {
		_, _, guards = reg.CountUsable(UsableDescriptorFilter{RouterSet: reg.opts.EntryNodes})
	} else {
		for _, rec := range mid {
			if reg.opts.DirAuthority {
				if rec.HasConsensusEntry() && rec.consensusEntry.Flags.IsPossibleGuard {
					guards = append(guards, rec)
				}
			} else if rec.IsPossibleGuard {
				guards = append(guards, rec)
			}
		}
	}

	nExitUsable, _, exits := reg.CountUsable(UsableDescriptorFilter{ExitOnly: true})

	oldPath := rd.haveConsensusPath
	if nExitUsable > 0 {
		rd.haveConsensusPath = ConsensusPathExit
	} else {
		rd.haveConsensusPath = ConsensusPathInternal
	}
	if rd.haveConsensusPath == ConsensusPathInternal && oldPath != rd.haveConsensusPath {
		reg.log.Info("current consensus has no exit nodes; only internal paths can be built")
	}

	fGuard := fracNodesWithDescriptors(reg, guards, weightForGuard)
	fMid := fracNodesWithDescriptors(reg, mid, weightForMid)
	fExit := fracNodesWithDescriptors(reg, exits, weightForExit)

	if !reg.opts.ExitNodes.Empty() {
		_, _, myExits := reg.CountUsable(UsableDescriptorFilter{ExitOnly: true, RouterSet: reg.opts.ExitNodes})
		_, _, myExitsUnflagged := reg.CountUsable(UsableDescriptorFilter{RouterSet: reg.opts.ExitNodes})

		filtered := myExitsUnflagged[:0:0]
		for _, rec := range myExitsUnflagged {
			if rec.HasDescriptor() && reg.ExitPolicyRejectsAll(rec) {
				continue
			}
			filtered = append(filtered, rec)
		}
		myExitsUnflagged = filtered

		fMyExit := fracNodesWithDescriptors(reg, myExits, weightForExit)
		fMyExitUnflagged := fracNodesWithDescriptors(reg, myExitsUnflagged, weightForExit)

		if len(myExits) == 0 && len(myExitsUnflagged) > 0 {
			fMyExit = fMyExitUnflagged
		}
		if fMyExit < fExit {
			fExit = fMyExit
		}
	}

	if rd.haveConsensusPath != ConsensusPathExit {
		fExit = 1.0
	}

	return fGuard * fMid * fExit, numPresent, numUsable
}

// fracNodesWithDescriptors returns the share of set whose required
// descriptor is present. The consensus contract carries no bandwidth
// weights, so the fraction is unweighted; the weight parameter is kept
// so the guard/mid/exit call sites stay uniform when a bandwidth-aware
// variant lands.
func fracNodesWithDescriptors(reg *Registry, set []*Record, weight float64) float64 {
	_ = weight
	if len(set) == 0 {
		return 0.0
	}
	present := 0
	for _, rec := range set {
		if reg.hasRequiredDescriptor(rec) {
			present++
		}
	}
	return float64(present) / float64(len(set))
}
