// Package linkns models linker namespaces used to isolate application native
// code from the embedding host.
//
// A namespace has search paths and directional links to other namespaces.
// A link names the libraries that may be resolved through it, or allows all
// of them. The default ("current") namespace and the NDK namespace always
// exist. Application namespaces are created per module path key:
//
//	system app:      app <-> default, app <-> ndk         (prefer local)
//	non-system app:  app -> default (inherited allow-list only)
//	                 app -> ndk, ndk -> default, default -> ndk
//
// Non-system apps never get unrestricted visibility into the host.
package linkns

import (
	"path"
	"slices"
	"sync"
)

const (
	// DefaultName is the namespace of the embedding process.
	DefaultName = "default"
	// NDKName is the namespace exposing the public native development kit.
	NDKName = "ndk"
)

// Link is a directional visibility edge.
type Link struct {
	// Target namespace name.
	Target string
	// SharedLibs lists the library file names visible through the link.
	// Ignored when AllowAll is set.
	SharedLibs []string
	AllowAll   bool
}

// Allows reports whether lib (a path or file name) is visible through the link.
func (l Link) Allows(lib string) bool {
	if l.AllowAll {
		return true
	}
	return slices.Contains(l.SharedLibs, path.Base(lib))
}

// Namespace is one linker namespace.
type Namespace struct {
	name        string
	searchPaths []string
	links       []Link
	preferLocal bool
	isolated    bool
	closed      bool
	mu          sync.RWMutex
}

func newNamespace(name string, searchPaths []string, isolated, preferLocal bool) *Namespace {
	return &Namespace{
		name:        name,
		searchPaths: append([]string(nil), searchPaths...),
		isolated:    isolated,
		preferLocal: preferLocal,
	}
}

// Name returns the namespace name
func (ns *Namespace) Name() string {
	return ns.name
}

// SearchPaths returns a copy of the namespace's library directories.
func (ns *Namespace) SearchPaths() []string {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return append([]string(nil), ns.searchPaths...)
}

// Isolated reports whether the namespace may only load from its own paths.
func (ns *Namespace) Isolated() bool {
	return ns.isolated
}

// PreferLocal reports whether bundled libraries win over linked ones.
func (ns *Namespace) PreferLocal() bool {
	return ns.preferLocal
}

// Closed reports whether the namespace was replaced or torn down.
func (ns *Namespace) Closed() bool {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return ns.closed
}

// Links returns a copy of the outgoing links.
func (ns *Namespace) Links() []Link {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	out := make([]Link, len(ns.links))
	for i, l := range ns.links {
		l.SharedLibs = append([]string(nil), l.SharedLibs...)
		out[i] = l
	}
	return out
}

// LinkTo returns the outgoing link to target, if any.
func (ns *Namespace) LinkTo(target string) (Link, bool) {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	for _, l := range ns.links {
		if l.Target == target {
			return l, true
		}
	}
	return Link{}, false
}

// Permits reports whether an absolute path may be loaded directly in this
// namespace. Non-isolated namespaces permit everything.
func (ns *Namespace) Permits(p string) bool {
	if !ns.isolated {
		return true
	}
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	dir := path.Dir(path.Clean(p))
	for _, sp := range ns.searchPaths {
		sp = path.Clean(sp)
		if dir == sp || len(dir) > len(sp) && dir[:len(sp)] == sp && dir[len(sp)] == '/' {
			return true
		}
	}
	return false
}

// addLink adds or replaces the link to l.Target.
func (ns *Namespace) addLink(l Link) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	for i := range ns.links {
		if ns.links[i].Target == l.Target {
			ns.links[i] = l
			return
		}
	}
	ns.links = append(ns.links, l)
}

// removeLinksTo drops every link pointing at target.
func (ns *Namespace) removeLinksTo(target string) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.links = slices.DeleteFunc(ns.links, func(l Link) bool { return l.Target == target })
}

func (ns *Namespace) close() {
	ns.mu.Lock()
	ns.closed = true
	ns.links = nil
	ns.mu.Unlock()
}
