// Package policy implements the allow-list gate consulted before a native
// module is loaded from disk.
//
// A Gate wraps an optional Checker delegate. Without a delegate every module
// is allowed. A delegate can veto a module name outright, or return a Filter
// that the embedding runtime later applies to individual exported APIs.
package policy

import (
	"sync"

	"github.com/wippyai/nativemod"
)

// Checker is the pluggable policy delegate.
type Checker interface {
	// CheckModuleLoadable reports whether name may be loaded and optionally
	// returns an API allow-list filter for it.
	CheckModuleLoadable(name string, isApp bool) (bool, nativemod.Filter)
	// DiskCheckOnly reports whether the gate should run only on the disk
	// probing path, skipping it for cache hits.
	DiskCheckOnly() bool
}

// CheckerFunc adapts a function to Checker. DiskCheckOnly is false.
type CheckerFunc func(name string, isApp bool) (bool, nativemod.Filter)

// CheckModuleLoadable implements Checker.
func (f CheckerFunc) CheckModuleLoadable(name string, isApp bool) (bool, nativemod.Filter) {
	return f(name, isApp)
}

// DiskCheckOnly implements Checker.
func (f CheckerFunc) DiskCheckOnly() bool { return false }

// Gate is the module load checker installed on a manager.
// Thread-safe; the delegate may be swapped at any time.
type Gate struct {
	delegate Checker
	mu       sync.RWMutex
}

// NewGate creates a gate with an optional delegate.
func NewGate(delegate Checker) *Gate {
	return &Gate{delegate: delegate}
}

// SetDelegate installs or clears the delegate.
func (g *Gate) SetDelegate(delegate Checker) {
	g.mu.Lock()
	g.delegate = delegate
	g.mu.Unlock()
}

// Delegate returns the installed delegate, or nil.
func (g *Gate) Delegate() Checker {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.delegate
}

// Check consults the delegate. Without one, every module is allowed and no
// filter is produced.
func (g *Gate) Check(name string, isApp bool) (bool, nativemod.Filter) {
	d := g.Delegate()
	if d == nil {
		return true, nil
	}
	return d.CheckModuleLoadable(name, isApp)
}

// DiskCheckOnly reports whether the gate is deferred to the disk path.
// Without a delegate the gate has nothing to check, so it reports true.
func (g *Gate) DiskCheckOnly() bool {
	d := g.Delegate()
	if d == nil {
		return true
	}
	return d.DiskCheckOnly()
}
