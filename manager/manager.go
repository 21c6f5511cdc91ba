// Package manager is the native module facade.
//
// A Manager owns the module registry, the allow-list gate, the linker
// namespaces and the library opener. It is constructed once by the embedding
// runtime and passed to every call site that loads modules:
//
//	m := manager.New(manager.DefaultOptions())
//	defer m.Close(ctx)
//
//	m.SetAppLibPath(ctx, "default", []string{"/data/app/lib"}, false)
//	mod, err := m.LoadNativeModule(ctx, manager.LoadRequest{
//	    Name:    "mymodule",
//	    PathKey: "default",
//	    IsApp:   true,
//	})
//
// Disk probing is serialized by a single load mutex across all modules.
// Cache lookups and registrations only take the registry list lock.
package manager

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/wippyai/nativemod"
	"github.com/wippyai/nativemod/bytecode"
	"github.com/wippyai/nativemod/errors"
	"github.com/wippyai/nativemod/linkns"
	"github.com/wippyai/nativemod/loader"
	"github.com/wippyai/nativemod/platform"
	"github.com/wippyai/nativemod/policy"
	"github.com/wippyai/nativemod/registry"
	"github.com/wippyai/nativemod/resolve"
)

// Manager resolves, loads and caches native modules.
// Thread-safe.
type Manager struct {
	platform      platform.Policy
	fs            afero.Fs
	opener        loader.Opener
	registry      *registry.Registry
	synth         *resolve.Synthesizer
	gate          *policy.Gate
	namespaces    *linkns.Manager
	validator     *bytecode.Validator
	loading       map[string]int
	loadMu        sync.Mutex
	loadingMu     sync.Mutex
	closed        atomic.Bool
	ownsValidator bool
}

// New creates a manager. A nil Platform, Fs or Opener and empty Namespaces
// fall back to DefaultOptions. ValidateBytecode is used as given, so a zero
// Options runs without bytecode validation.
func New(opts Options) *Manager {
	defaults := DefaultOptions()
	if opts.Platform == nil {
		opts.Platform = defaults.Platform
	}
	if opts.Fs == nil {
		opts.Fs = defaults.Fs
	}
	if opts.Namespaces.SystemLibDirs == nil && opts.Namespaces.NDKLibDirs == nil {
		opts.Namespaces = defaults.Namespaces
	}

	reg := registry.New()
	ns := linkns.NewManager(opts.Namespaces)

	m := &Manager{
		platform:   opts.Platform,
		fs:         opts.Fs,
		registry:   reg,
		synth:      resolve.New(opts.Platform, reg),
		gate:       policy.NewGate(opts.Checker),
		namespaces: ns,
		validator:  opts.Validator,
		loading:    make(map[string]int),
	}

	m.opener = opts.Opener
	if m.opener == nil {
		m.opener = loader.NewDynamic(opts.Fs, opts.OSLoader, ns)
	}
	if m.validator == nil && opts.ValidateBytecode {
		m.validator = bytecode.NewValidator()
		m.ownsValidator = true
	}

	reg.Subscribe(func(e registry.Event) {
		switch e.Type {
		case registry.EventInserted:
			Logger().Debug("module record inserted",
				zap.String("key", e.Key),
				zap.Uint32("handle", uint32(e.Handle)),
				zap.Bool("head", e.Front))
		case registry.EventRemoved:
			Logger().Debug("module record removed",
				zap.String("key", e.Key),
				zap.Uint32("handle", uint32(e.Handle)))
		}
	})

	return m
}

// Platform returns the platform rules in use.
func (m *Manager) Platform() platform.Policy {
	return m.platform
}

// Namespaces returns the linker namespace manager.
func (m *Manager) Namespaces() *linkns.Manager {
	return m.namespaces
}

// Registry returns the module registry.
func (m *Manager) Registry() *registry.Registry {
	return m.registry
}

// Gate returns the allow-list gate.
func (m *Manager) Gate() *policy.Gate {
	return m.gate
}

// SetModuleLoadChecker installs the allow-list delegate. nil allows everything.
func (m *Manager) SetModuleLoadChecker(checker policy.Checker) {
	m.gate.SetDelegate(checker)
}

// SetAppLibPath registers the library search path of an application path key
// and, where the platform has linker namespaces, (re)creates its namespace.
func (m *Manager) SetAppLibPath(ctx context.Context, key string, paths []string, isSystemApp bool) error {
	if m.closed.Load() {
		return errors.Closed(errors.PhaseLink)
	}
	if key == "" {
		return errors.InvalidInput(errors.PhaseLink, "empty app path key")
	}

	var dirs []string
	for _, p := range paths {
		if p == "" {
			continue
		}
		if strings.Contains(p, "..") {
			return errors.PathTraversal(key, p)
		}
		dirs = append(dirs, p)
	}
	if len(dirs) == 0 {
		return errors.InvalidInput(errors.PhaseLink, "no app library paths for "+key)
	}

	joined := resolve.JoinSearchPath(dirs)
	m.registry.SetAppLibPath(key, joined)

	if m.platform.SupportsNamespaces() {
		m.namespaces.Ensure(linkns.AppNamespace(key), joined, isSystemApp)
	}

	Logger().Info("app library path set",
		zap.String("key", key),
		zap.String("path", joined),
		zap.Bool("system_app", isSystemApp))
	return nil
}

// Resolve synthesizes the candidate paths for a request without loading.
func (m *Manager) Resolve(req LoadRequest) (resolve.Candidates, error) {
	return m.synth.Synthesize(req.Name, req.PathKey, req.RelativePath, req.IsApp)
}

// GetModuleFileName returns the path a module was loaded from, or the
// primary candidate it would be loaded from. App modules resolve against
// the "default" path key.
func (m *Manager) GetModuleFileName(name string, isApp bool) (string, error) {
	req := LoadRequest{Name: name, IsApp: isApp}
	if isApp {
		req.PathKey = linkns.DefaultName
	}

	if mod, ok := m.registry.Find(req.Key()); ok {
		if p := mod.ResolvedPath(); p != nativemod.NoPath {
			return p, nil
		}
	}

	c, err := m.Resolve(req)
	if err != nil {
		return "", err
	}
	if len(c.SearchDirs) > 0 && !strings.HasPrefix(c.Primary, "/") {
		return c.SearchDirs[0] + "/" + c.Primary, nil
	}
	return c.Primary, nil
}

// FindNativeModuleByCache returns the first record inserted under key name.
func (m *Manager) FindNativeModuleByCache(name string) (*nativemod.Module, bool) {
	return m.registry.Find(name)
}

// Modules returns a head-to-tail snapshot of the registry.
func (m *Manager) Modules() []*nativemod.Module {
	return m.registry.Modules()
}

// Close closes every library and drops all caches and namespaces.
func (m *Manager) Close(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	m.loadMu.Lock()
	defer m.loadMu.Unlock()

	err := m.registry.Close()
	m.namespaces.Close()
	if m.ownsValidator {
		err = stderrors.Join(err, m.validator.Close(ctx))
	}
	Logger().Info("module manager closed")
	return err
}

// markLoading records that a disk load for key is in progress and returns
// the number of loads for key now in flight.
func (m *Manager) markLoading(key string) int {
	k := strings.ToLower(key)
	m.loadingMu.Lock()
	defer m.loadingMu.Unlock()
	m.loading[k]++
	return m.loading[k]
}

func (m *Manager) unmarkLoading(key string) {
	k := strings.ToLower(key)
	m.loadingMu.Lock()
	defer m.loadingMu.Unlock()
	if m.loading[k] <= 1 {
		delete(m.loading, k)
		return
	}
	m.loading[k]--
}

func (m *Manager) loadingCount(key string) int {
	m.loadingMu.Lock()
	defer m.loadingMu.Unlock()
	return m.loading[strings.ToLower(key)]
}

// insert places a record according to in-flight loads of the same key:
// behind them at the tail when another load of key is running, otherwise at
// the head so that it shadows older records.
func (m *Manager) insert(key string, mod *nativemod.Module, inFlight int) error {
	var err error
	if inFlight > 0 {
		_, err = m.registry.PushBack(key, mod)
	} else {
		_, err = m.registry.PushFront(key, mod)
	}
	return err
}
