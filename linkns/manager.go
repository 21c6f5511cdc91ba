package linkns

import (
	"errors"
	"path"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when a library resolves in no reachable namespace.
	ErrNotFound = errors.New("library not found in namespace")
	// ErrNotPermitted is returned when a path lies outside an isolated namespace.
	ErrNotPermitted = errors.New("library not accessible for namespace")
	// ErrUnknownNamespace is returned for lookups of unregistered names.
	ErrUnknownNamespace = errors.New("unknown namespace")
)

// systemLibs are the bionic and platform libraries an isolated app may link against.
var systemLibs = []string{
	"libc.so",
	"libdl.so",
	"libm.so",
	"libz.so",
	"liblog.so",
	"libc++.so",
	"libc++_shared.so",
	"libEGL.so",
	"libGLESv2.so",
	"libGLESv3.so",
	"libvulkan.so",
	"libandroid.so",
	"libnativewindow.so",
	"libmediandk.so",
	"libace_napi.z.so",
	"libace_ndk.z.so",
	"libhilog_ndk.z.so",
	"librawfile.z.so",
	"libuv.so",
}

var (
	inheritedLibs     string
	inheritedLibsOnce sync.Once
)

// InheritedLibs returns the colon-joined allow-list of system libraries
// visible to isolated app namespaces. Computed once per process.
func InheritedLibs() string {
	inheritedLibsOnce.Do(func() {
		inheritedLibs = strings.Join(systemLibs, ":")
	})
	return inheritedLibs
}

// AppNamespace returns the namespace name used for an application path key.
// App keys such as "default" never collide with the base namespaces.
func AppNamespace(key string) string {
	return "moduleNs_" + key
}

// Options configures the default and NDK namespaces.
type Options struct {
	SystemLibDirs []string
	NDKLibDirs    []string
}

// DefaultOptions returns the device layout for the running word size.
func DefaultOptions() Options {
	lib := "/system/lib"
	if strconv.IntSize == 64 {
		lib = "/system/lib64"
	}
	return Options{
		SystemLibDirs: []string{lib, lib + "/platformsdk"},
		NDKLibDirs:    []string{lib + "/ndk"},
	}
}

// Manager creates and memoizes namespaces.
// Thread-safe.
type Manager struct {
	namespaces map[string]*Namespace
	mu         sync.RWMutex
}

// NewManager creates a manager holding the default and NDK namespaces,
// linked to each other in both directions.
func NewManager(opts Options) *Manager {
	def := newNamespace(DefaultName, opts.SystemLibDirs, false, false)
	ndk := newNamespace(NDKName, opts.NDKLibDirs, false, false)
	def.addLink(Link{Target: NDKName, AllowAll: true})
	ndk.addLink(Link{Target: DefaultName, AllowAll: true})

	return &Manager{
		namespaces: map[string]*Namespace{
			DefaultName: def,
			NDKName:     ndk,
		},
	}
}

// Ensure (re)creates the namespace for an application module path key.
// A previous namespace with the same name is closed and unlinked first.
// The base namespaces cannot be recreated; asking for one returns it as is.
func (m *Manager) Ensure(name, searchPath string, isSystemApp bool) *Namespace {
	dirs := splitPath(searchPath)

	m.mu.Lock()
	defer m.mu.Unlock()

	if name == DefaultName || name == NDKName {
		return m.namespaces[name]
	}

	if old, ok := m.namespaces[name]; ok {
		m.unlinkLocked(name)
		old.close()
	}

	def := m.namespaces[DefaultName]
	ndk := m.namespaces[NDKName]

	var ns *Namespace
	if isSystemApp {
		ns = newNamespace(name, dirs, false, true)
		ns.addLink(Link{Target: DefaultName, AllowAll: true})
		ns.addLink(Link{Target: NDKName, AllowAll: true})
		def.addLink(Link{Target: name, AllowAll: true})
		ndk.addLink(Link{Target: name, AllowAll: true})
	} else {
		ns = newNamespace(name, dirs, true, false)
		ns.addLink(Link{Target: DefaultName, SharedLibs: splitPath(InheritedLibs())})
		ns.addLink(Link{Target: NDKName, AllowAll: true})
		ndk.addLink(Link{Target: DefaultName, AllowAll: true})
		def.addLink(Link{Target: NDKName, AllowAll: true})
	}
	m.namespaces[name] = ns

	Logger().Debug("namespace created",
		zap.String("namespace", name),
		zap.Strings("search_paths", dirs),
		zap.Bool("system_app", isSystemApp))
	return ns
}

// Get returns a namespace by name.
func (m *Manager) Get(name string) (*Namespace, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ns, ok := m.namespaces[name]
	return ns, ok
}

// Names returns all namespace names.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.namespaces))
	for n := range m.namespaces {
		names = append(names, n)
	}
	return names
}

// CanSee reports whether from has a direct link to to that exposes lib.
// An empty lib asks whether the link exposes everything.
func (m *Manager) CanSee(from, to, lib string) bool {
	ns, ok := m.Get(from)
	if !ok {
		return false
	}
	l, ok := ns.LinkTo(to)
	if !ok {
		return false
	}
	if lib == "" {
		return l.AllowAll
	}
	return l.Allows(lib)
}

// Remove closes and unlinks an application namespace.
func (m *Manager) Remove(name string) bool {
	if name == DefaultName || name == NDKName {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.namespaces[name]
	if !ok {
		return false
	}
	m.unlinkLocked(name)
	ns.close()
	delete(m.namespaces, name)
	return true
}

// Close closes every application namespace.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, ns := range m.namespaces {
		if name == DefaultName || name == NDKName {
			continue
		}
		m.unlinkLocked(name)
		ns.close()
		delete(m.namespaces, name)
	}
}

func (m *Manager) unlinkLocked(name string) {
	for n, other := range m.namespaces {
		if n != name {
			other.removeLinksTo(name)
		}
	}
}

// Resolve locates lib for a load inside namespace nsName. exists reports
// whether a candidate file is present.
//
// Absolute paths must be permitted by the namespace. Bare names are searched
// in the namespace's own paths and in the paths of directly linked
// namespaces whose link exposes the library. Links are not transitive.
// Prefer-local namespaces search their own paths first; others resolve
// through links first so that a system library wins over a bundled copy.
func (m *Manager) Resolve(nsName, lib string, exists func(string) bool) (string, error) {
	ns, ok := m.Get(nsName)
	if !ok {
		return "", ErrUnknownNamespace
	}

	if path.IsAbs(lib) {
		if !ns.Permits(lib) {
			return "", ErrNotPermitted
		}
		if !exists(lib) {
			return "", ErrNotFound
		}
		return lib, nil
	}

	if ns.preferLocal {
		if p, ok := searchDirs(ns, lib, exists); ok {
			return p, nil
		}
	}

	for _, l := range ns.Links() {
		if !l.Allows(lib) {
			continue
		}
		target, ok := m.Get(l.Target)
		if !ok {
			continue
		}
		if p, ok := searchDirs(target, lib, exists); ok {
			return p, nil
		}
	}

	if !ns.preferLocal {
		if p, ok := searchDirs(ns, lib, exists); ok {
			return p, nil
		}
	}
	return "", ErrNotFound
}

func searchDirs(ns *Namespace, lib string, exists func(string) bool) (string, bool) {
	for _, dir := range ns.SearchPaths() {
		p := path.Join(dir, lib)
		if exists(p) {
			return p, true
		}
	}
	return "", false
}

func splitPath(joined string) []string {
	var out []string
	for _, p := range strings.Split(joined, ":") {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
