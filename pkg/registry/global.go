package registry

import (
	"sync"

	"github.com/relaynet/go-tor/pkg/logger"
)

var (
	globalMu  sync.Mutex
	globalReg *Registry
)

// Get returns the process-wide registry singleton, creating it lazily
// with default options on first use. Created on first mutation, torn
// down once at shutdown by FreeAll.
func Get() *Registry {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalReg == nil {
		globalReg = New(logger.NewDefault(), nil, nil, Options{})
	}
	return globalReg
}

// SetGlobal installs reg as the process-wide singleton, replacing any
// existing one without tearing it down. Used by startup wiring that
// constructs the registry with non-default collaborators (GeoIP
// resolver, microdesc cache, configured options) before any other
// package calls Get.
func SetGlobal(reg *Registry) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalReg = reg
}

// FreeAll tears down the process-wide singleton: every held
// microdescriptor is detached (decrementing its refcount exactly once
// per prior holder, per P3) and every record's sequence index is reset
// to -1 before storage is released.
func FreeAll() {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalReg == nil {
		return
	}
	globalReg.freeAll()
	globalReg = nil
}

// freeAll is the instance-level teardown, exposed for tests that build
// their own *Registry rather than going through the singleton.
func (r *Registry) freeAll() {
	for _, rec := range r.sequence {
		if rec.HasMicrodesc() {
			r.releaseMicrodesc(rec)
		}
		rec.sequenceIndex = -1
	}
	r.sequence = nil
	r.byID = make(map[IdentityDigest]*Record)
	r.consensus = nil
}
