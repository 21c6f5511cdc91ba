package manager

import (
	"context"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wippyai/nativemod"
	"github.com/wippyai/nativemod/errors"
	"github.com/wippyai/nativemod/loader"
	"github.com/wippyai/nativemod/registry"
	"github.com/wippyai/nativemod/resolve"
)

// loadToken marks a context as belonging to an in-flight disk load.
// Register calls carrying it complete that load instead of registering a
// new static module.
type loadToken struct {
	registered atomic.Pointer[nativemod.Module]
	manager    *Manager
	key        string
	path       string
}

type loadTokenKey struct{}

func withLoadToken(ctx context.Context, t *loadToken) context.Context {
	return context.WithValue(ctx, loadTokenKey{}, t)
}

// tokenFor returns the in-flight load token of ctx if it belongs to m.
func (m *Manager) tokenFor(ctx context.Context) *loadToken {
	if ctx == nil {
		return nil
	}
	t, _ := ctx.Value(loadTokenKey{}).(*loadToken)
	if t == nil || t.manager != m {
		return nil
	}
	return t
}

// LoadingKey returns the module key of the in-flight load carried by ctx.
func LoadingKey(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	t, _ := ctx.Value(loadTokenKey{}).(*loadToken)
	if t == nil {
		return "", false
	}
	return t.key, true
}

// Register adds a module record.
//
// Called from a library's load hook (ctx carries the in-flight load token)
// the record is appended at the tail under the load's key, already carrying
// the library path, and completed by LoadNativeModule. Lookups skip it until
// then. Any other call registers a static built-in: it is
// appended at the head so that it shadows earlier registrations of the same
// name, or at the tail while another goroutine is loading that name.
func (m *Manager) Register(ctx context.Context, desc nativemod.Descriptor) (*nativemod.Module, error) {
	if m.closed.Load() {
		return nil, errors.Closed(errors.PhaseRegister)
	}
	if desc.Name == "" {
		return nil, errors.InvalidInput(errors.PhaseRegister, "empty module name")
	}

	mod := nativemod.NewModule(desc)

	if t := m.tokenFor(ctx); t != nil && t.registered.CompareAndSwap(nil, mod) {
		mod.SetRequiredName(t.key)
		if err := mod.SetResolvedPath(t.path); err != nil {
			t.registered.Store(nil)
			return nil, err
		}
		if _, err := m.registry.PushBack(t.key, mod); err != nil {
			t.registered.Store(nil)
			return nil, err
		}
		Logger().Debug("module self-registered",
			zap.String("module", desc.Name),
			zap.String("key", t.key))
		return mod, nil
	}

	mod.AddFlags(nativemod.FlagStatic)
	mod.MarkLoaded()
	if err := m.insert(desc.Name, mod, m.loadingCount(desc.Name)); err != nil {
		return nil, err
	}
	Logger().Debug("module registered", zap.String("module", desc.Name))
	return mod, nil
}

// LoadNativeModule returns the record for a module, loading it from disk on
// a cache miss. The returned error describes every attempt that failed.
func (m *Manager) LoadNativeModule(ctx context.Context, req LoadRequest) (*nativemod.Module, error) {
	if m.closed.Load() {
		return nil, errors.Closed(errors.PhaseLoad)
	}
	if req.Name == "" {
		return nil, errors.InvalidInput(errors.PhaseLoad, "empty module name")
	}
	if strings.Contains(req.RelativePath, "..") {
		return nil, errors.PathTraversal(req.Name, req.RelativePath)
	}

	// Pre-cache gate unless the policy only guards disk loads.
	var filter nativemod.Filter
	diskOnly := m.gate.DiskCheckOnly()
	if !diskOnly {
		var ok bool
		if ok, filter = m.gate.Check(req.Name, req.IsApp); !ok {
			Logger().Warn("module blocked", zap.String("module", req.Name))
			return nil, errors.PolicyRejection(req.Name)
		}
	}

	cands, err := m.Resolve(req)
	if err != nil {
		return nil, err
	}

	key := req.Key()
	mod, bounds, ok := m.lookup(key, cands)
	if ok {
		return m.complete(mod, filter), nil
	}
	// A record still being loaded finishes without touching the list.
	pending := mod != nil

	inFlight := m.markLoading(key)
	defer m.unmarkLoading(key)

	m.loadMu.Lock()
	defer m.loadMu.Unlock()

	if m.closed.Load() {
		return nil, errors.Closed(errors.PhaseLoad)
	}

	// Another goroutine finished a registration while we waited.
	if pending || m.registry.Bounds() != bounds {
		if mod, _, ok := m.lookup(key, cands); ok {
			return m.complete(mod, filter), nil
		}
	}

	if diskOnly {
		var ok bool
		if ok, filter = m.gate.Check(req.Name, req.IsApp); !ok {
			Logger().Warn("module blocked", zap.String("module", req.Name))
			return nil, errors.PolicyRejection(req.Name)
		}
	}

	// Loads of the same key that were already running when ours began keep
	// the head; ours goes behind them.
	mod, err = m.loadFromDisk(ctx, req, key, cands, inFlight-1)
	if err != nil {
		return nil, err
	}
	return m.complete(mod, filter), nil
}

// lookup returns a cached record whose resolved path fits the candidates.
// A record still being loaded is a miss and is returned so that the caller
// knows to look again once it holds loadMu. A record loaded from a different
// path is reported and skipped, not evicted.
func (m *Manager) lookup(key string, cands resolve.Candidates) (*nativemod.Module, registry.Bounds, bool) {
	mod, bounds, ok := m.registry.Lookup(key)
	if !ok {
		return nil, bounds, false
	}
	if !mod.Loaded() {
		return mod, bounds, false
	}
	p := mod.ResolvedPath()
	if p == nativemod.NoPath || cands.Matches(p) {
		return mod, bounds, true
	}
	Logger().Warn("cached module path differs from request",
		zap.String("key", key),
		zap.String("path", p),
		zap.String("candidate", cands.Primary),
		zap.Error(errors.New(errors.PhaseLoad, errors.KindCacheInconsistency).
			Module(key).
			Path(p).
			Build()))
	return nil, bounds, false
}

func (m *Manager) complete(mod *nativemod.Module, filter nativemod.Filter) *nativemod.Module {
	mod.AttachFilter(filter)
	mod.Retain()
	return mod
}

// loadFromDisk opens the primary then the secondary library candidate and falls
// back to the bytecode file only when neither library exists.
// Caller holds loadMu.
func (m *Manager) loadFromDisk(ctx context.Context, req LoadRequest, key string, cands resolve.Candidates, place int) (*nativemod.Module, error) {
	var info errors.Info
	allNotFound := true

	if m.platform.DynamicLoading() {
		for _, p := range cands.Libraries() {
			lib, kind, err := m.opener.Open(ctx, loader.Request{
				Path:      p,
				IsApp:     req.IsApp,
				Namespace: req.PathKey,
			})
			if kind == loader.Success {
				return m.attachLibrary(ctx, req, key, lib, place)
			}
			if err != nil {
				info.Add(err.Error())
			}
			if kind != loader.NotFound {
				allNotFound = false
			}
		}
	} else {
		info.Addf("dynamic loading unsupported on %s", m.platform.Name())
	}

	if allNotFound && cands.Abc != "" {
		buf, err := m.readBytecode(key, cands.Abc, &info)
		if err == nil {
			return m.attachBytecode(ctx, req, key, cands.Abc, buf, place)
		}
		if !errors.IsKind(err, errors.KindNotFound) {
			allNotFound = false
		}
	}

	kind := errors.KindNotFound
	if !allNotFound {
		kind = errors.KindLoadFailure
	}
	Logger().Info("module load failed",
		zap.String("module", req.Name),
		zap.String("key", key),
		zap.String("error", info.String()))
	return nil, errors.New(errors.PhaseLoad, kind).
		Module(req.Name).
		Detail("%s", info.String()).
		Build()
}

func (m *Manager) readBytecode(key, path string, info *errors.Info) ([]byte, error) {
	if buf, ok := m.registry.Bytecode(key); ok {
		return buf, nil
	}
	buf, _, err := loader.ReadBytecode(m.fs, path)
	if err != nil {
		info.Add(err.Error())
		return nil, err
	}
	return m.registry.StoreBytecode(key, buf), nil
}

func (m *Manager) validate(ctx context.Context, name string, buf []byte) error {
	if m.validator == nil {
		return nil
	}
	_, err := m.validator.Validate(ctx, name, buf)
	return err
}

func (m *Manager) attachBytecode(ctx context.Context, req LoadRequest, key, path string, buf []byte, place int) (*nativemod.Module, error) {
	if err := m.validate(ctx, req.Name, buf); err != nil {
		m.registry.RemoveBytecode(key)
		return nil, err
	}

	mod := nativemod.NewModule(nativemod.Descriptor{
		Name:  key,
		Flags: requestFlags(req) | nativemod.FlagBytecode,
	})
	mod.SetEmbeddedBytecode(buf)
	if err := mod.SetResolvedPath(path); err != nil {
		return nil, err
	}
	if err := m.insert(key, mod, place); err != nil {
		m.registry.RemoveBytecode(key)
		return nil, err
	}
	mod.MarkLoaded()

	Logger().Info("module loaded",
		zap.String("module", req.Name),
		zap.String("key", key),
		zap.String("path", path),
		zap.Int("bytes", len(buf)))
	return mod, nil
}

func (m *Manager) attachLibrary(ctx context.Context, req LoadRequest, key string, lib loader.Library, place int) (*nativemod.Module, error) {
	token := &loadToken{manager: m, key: key, path: lib.Path()}

	if hook, ok := lib.(loader.Initializer); ok {
		if err := hook.Init(withLoadToken(ctx, token)); err != nil {
			if mod := token.registered.Load(); mod != nil {
				m.registry.RemoveHandle(mod.Handle())
			}
			lib.Close()
			return nil, errors.LoadFailure(req.Name, lib.Path(), err)
		}
	}

	mod := token.registered.Load()
	if mod == nil {
		mod = nativemod.NewModule(nativemod.Descriptor{Name: key})
		if err := mod.SetResolvedPath(lib.Path()); err != nil {
			lib.Close()
			return nil, err
		}
		if err := m.insert(key, mod, place); err != nil {
			lib.Close()
			return nil, err
		}
	}
	mod.AddFlags(requestFlags(req))
	if prev := m.registry.SetLibrary(mod.Handle(), lib); prev != nil && prev != lib {
		prev.Close()
	}

	if !req.Internal {
		symbol := resolve.BytecodeSymbol(req.Name)
		if src, ok := lib.(loader.BytecodeSource); ok {
			if buf, ok := src.EmbeddedBytecode(symbol); ok {
				if err := m.validate(ctx, req.Name, buf); err != nil {
					Logger().Warn("embedded bytecode rejected",
						zap.String("module", req.Name),
						zap.Error(err))
				} else {
					mod.SetEmbeddedBytecode(buf)
				}
			} else {
				Logger().Debug("no embedded bytecode",
					zap.String("module", req.Name),
					zap.String("symbol", symbol))
			}
		}
	}
	mod.MarkLoaded()

	Logger().Info("module loaded",
		zap.String("module", req.Name),
		zap.String("key", key),
		zap.String("path", lib.Path()))
	return mod, nil
}

func requestFlags(req LoadRequest) nativemod.Flags {
	var f nativemod.Flags
	if req.IsApp {
		f |= nativemod.FlagAppModule
	}
	if req.Internal {
		f |= nativemod.FlagInternal
	}
	return f
}
