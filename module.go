package nativemod

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
)

// ErrImmutable is returned when a field of a completed record is modified.
var ErrImmutable = errors.New("module record is immutable after load completion")

// NoPath is the resolved path of a statically registered built-in module.
// Such records satisfy every cache lookup regardless of requested path.
const NoPath = ""

// Flags are bookkeeping bits on a Module record.
type Flags uint32

const (
	// FlagAppModule marks a module that comes from the application package.
	FlagAppModule Flags = 1 << iota
	// FlagInternal marks a module loaded by the runtime itself.
	// Embedded bytecode symbols are not resolved for internal modules.
	FlagInternal
	// FlagBytecode marks a module backed only by a bytecode buffer.
	FlagBytecode
	// FlagStatic marks a module registered in-process without a disk load.
	FlagStatic
)

// Has reports whether all bits of f are set.
func (fl Flags) Has(f Flags) bool { return fl&f == f }

// String returns the set flag names joined by "|".
func (fl Flags) String() string {
	if fl == 0 {
		return "none"
	}
	var parts []string
	for _, n := range []struct {
		f    Flags
		name string
	}{
		{FlagAppModule, "app"},
		{FlagInternal, "internal"},
		{FlagBytecode, "bytecode"},
		{FlagStatic, "static"},
	} {
		if fl.Has(n.f) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Filter reports whether an API path (for example "hilog.info") may be exposed.
// It is produced by the allow-list gate and consulted by the embedding
// runtime when it copies module exports.
type Filter func(apiPath string) bool

// Exports receives the properties a module publishes to the script runtime.
type Exports interface {
	Set(name string, value any) error
}

// RegisterFunc populates the runtime's export object for a loaded module.
type RegisterFunc func(ctx context.Context, exports Exports) error

// BytecodeFunc returns an embedded bytecode payload.
type BytecodeFunc func() []byte

// SourceFunc returns an embedded script source.
type SourceFunc func() string

// Descriptor describes a module at registration time.
type Descriptor struct {
	Register    RegisterFunc
	AbcBytecode BytecodeFunc
	JSSource    SourceFunc
	// Name is the registration name, e.g. "hilog" or "default/foo".
	Name string
	// FileName is the platform-declared source file name, if any.
	FileName string
	Version  int
	Flags    Flags
}

// Handle is a stable arena ID of a Module within a registry.
// Handle 0 is reserved and always invalid.
type Handle uint32

// Module is one loaded or loading native extension.
// Safe for concurrent use.
type Module struct {
	register     RegisterFunc
	abc          BytecodeFunc
	js           SourceFunc
	filter       Filter
	name         string
	requiredName string
	fileName     string
	resolvedPath string
	embedded     []byte
	version      int
	refCount     atomic.Int32
	handle       atomic.Uint32
	flags        Flags
	loaded       bool
	mu           sync.RWMutex
}

// NewModule creates a record from a descriptor.
func NewModule(desc Descriptor) *Module {
	return &Module{
		register:     desc.Register,
		abc:          desc.AbcBytecode,
		js:           desc.JSSource,
		name:         desc.Name,
		requiredName: desc.Name,
		fileName:     desc.FileName,
		version:      desc.Version,
		flags:        desc.Flags,
	}
}

// Name returns the registration name.
func (m *Module) Name() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.name
}

// RequiredName returns the name the importing script asked for.
func (m *Module) RequiredName() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requiredName
}

// SetRequiredName records the name as requested by the importing script.
func (m *Module) SetRequiredName(name string) {
	m.mu.Lock()
	m.requiredName = name
	m.mu.Unlock()
}

// FileName returns the platform-declared source file name.
func (m *Module) FileName() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fileName
}

// ResolvedPath returns the path the module was loaded from, or NoPath.
func (m *Module) ResolvedPath() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resolvedPath
}

// SetResolvedPath records the load path. Fails after completion.
func (m *Module) SetResolvedPath(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loaded {
		return ErrImmutable
	}
	m.resolvedPath = path
	return nil
}

// SetRegister replaces the register callback. Fails after completion.
func (m *Module) SetRegister(fn RegisterFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loaded {
		return ErrImmutable
	}
	m.register = fn
	return nil
}

// HasRegister reports whether the module carries a register callback.
func (m *Module) HasRegister() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.register != nil
}

// Instantiate runs the register callback against exports.
// Legacy native-only modules without a callback succeed without doing anything.
func (m *Module) Instantiate(ctx context.Context, exports Exports) error {
	m.mu.RLock()
	fn := m.register
	m.mu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn(ctx, exports)
}

// SetEmbeddedBytecode stashes a payload read from the module's library or disk.
func (m *Module) SetEmbeddedBytecode(buf []byte) {
	m.mu.Lock()
	m.embedded = buf
	m.mu.Unlock()
}

// Bytecode returns the stashed payload, falling back to the AbcBytecode accessor.
func (m *Module) Bytecode() []byte {
	m.mu.RLock()
	buf, fn := m.embedded, m.abc
	m.mu.RUnlock()
	if buf != nil {
		return buf
	}
	if fn != nil {
		return fn()
	}
	return nil
}

// JSSource returns the embedded script source, if any.
func (m *Module) JSSource() string {
	m.mu.RLock()
	fn := m.js
	m.mu.RUnlock()
	if fn == nil {
		return ""
	}
	return fn()
}

// Handle returns the registry arena handle, or 0 while unregistered.
func (m *Module) Handle() Handle {
	return Handle(m.handle.Load())
}

// SetHandle is called by the registry on insertion and removal.
func (m *Module) SetHandle(h Handle) {
	m.handle.Store(uint32(h))
}

// Flags returns the bookkeeping flags.
func (m *Module) Flags() Flags {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.flags
}

// AddFlags sets additional flag bits.
func (m *Module) AddFlags(f Flags) {
	m.mu.Lock()
	m.flags |= f
	m.mu.Unlock()
}

// Version returns the module's declared version tag.
func (m *Module) Version() int {
	return m.version
}

// RefCount returns the current reference count.
func (m *Module) RefCount() int32 {
	return m.refCount.Load()
}

// Retain increments the reference count and returns the new value.
func (m *Module) Retain() int32 {
	return m.refCount.Add(1)
}

// Release decrements the reference count and returns the new value.
func (m *Module) Release() int32 {
	return m.refCount.Add(-1)
}

// Loaded reports whether registration has completed.
func (m *Module) Loaded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loaded
}

// MarkLoaded completes registration. ResolvedPath and the register
// callback are frozen from here on.
func (m *Module) MarkLoaded() {
	m.mu.Lock()
	m.loaded = true
	m.mu.Unlock()
}

// Filter returns the attached API allow-list filter, or nil.
func (m *Module) Filter() Filter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filter
}

// AttachFilter sets the filter only if none is attached yet.
// Returns true if f was attached.
func (m *Module) AttachFilter(f Filter) bool {
	if f == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.filter != nil {
		return false
	}
	m.filter = f
	return true
}

// APIAllowed reports whether apiPath passes the attached filter.
// Without a filter everything is allowed.
func (m *Module) APIAllowed(apiPath string) bool {
	f := m.Filter()
	if f == nil {
		return true
	}
	return f(apiPath)
}
