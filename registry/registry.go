package registry

import (
	stderrors "errors"
	"math"
	"strings"
	"sync"

	"github.com/wippyai/nativemod"
	"github.com/wippyai/nativemod/errors"
)

// Bounds is a snapshot of the list ends. Gen increases on every list
// mutation so that reused handles are still detected as a change.
type Bounds struct {
	Head nativemod.Handle
	Tail nativemod.Handle
	Gen  uint64
}

// EventType identifies a list mutation.
type EventType int

const (
	EventInserted EventType = iota
	EventRemoved
)

// Event describes a list mutation.
type Event struct {
	Module *nativemod.Module
	Key    string
	Handle nativemod.Handle
	Type   EventType
	Front  bool
}

// Observer is notified after each list mutation, outside the list lock.
type Observer func(Event)

type entry struct {
	module *nativemod.Module
	key    string
	prev   nativemod.Handle
	next   nativemod.Handle
	valid  bool
}

// Registry is the module list plus its three caches.
// Thread-safe.
type Registry struct {
	entries   []entry
	freeList  []nativemod.Handle
	observers []Observer
	head      nativemod.Handle
	tail      nativemod.Handle
	gen       uint64
	count     int
	closed    bool
	mu        sync.Mutex

	libraries map[nativemod.Handle]Library
	libMu     sync.Mutex

	bytecode map[string][]byte
	bcMu     sync.Mutex

	appPaths map[string]string
	pathMu   sync.RWMutex
}

// Library is the subset of an opened shared library the registry owns.
type Library interface {
	Path() string
	Close() error
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		entries:   make([]entry, 0, 32),
		freeList:  make([]nativemod.Handle, 0, 8),
		libraries: make(map[nativemod.Handle]Library),
		bytecode:  make(map[string][]byte),
		appPaths:  make(map[string]string),
	}
}

// Subscribe registers an observer.
func (r *Registry) Subscribe(o Observer) {
	r.mu.Lock()
	r.observers = append(r.observers, o)
	r.mu.Unlock()
}

// PushFront inserts m at the head of the list.
func (r *Registry) PushFront(key string, m *nativemod.Module) (nativemod.Handle, error) {
	return r.insert(key, m, true)
}

// PushBack inserts m at the tail of the list.
func (r *Registry) PushBack(key string, m *nativemod.Module) (nativemod.Handle, error) {
	return r.insert(key, m, false)
}

func (r *Registry) insert(key string, m *nativemod.Module, front bool) (nativemod.Handle, error) {
	if m == nil {
		return 0, errors.InvalidInput(errors.PhaseRegister, "nil module record")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, errors.Closed(errors.PhaseRegister)
	}

	e := entry{module: m, key: key, valid: true}

	var h nativemod.Handle
	if n := len(r.freeList); n > 0 {
		h = r.freeList[n-1]
		r.freeList = r.freeList[:n-1]
		r.entries[h-1] = e
	} else {
		if uint64(len(r.entries)) >= math.MaxUint32-1 {
			r.mu.Unlock()
			return 0, errors.New(errors.PhaseRegister, errors.KindAllocation).
				Module(key).
				Detail("module arena exhausted").
				Build()
		}
		r.entries = append(r.entries, e)
		h = nativemod.Handle(len(r.entries))
	}

	ent := &r.entries[h-1]
	switch {
	case r.head == 0:
		r.head, r.tail = h, h
	case front:
		ent.next = r.head
		r.entries[r.head-1].prev = h
		r.head = h
	default:
		ent.prev = r.tail
		r.entries[r.tail-1].next = h
		r.tail = h
	}
	r.count++
	r.gen++
	m.SetHandle(h)
	observers := r.observers
	r.mu.Unlock()

	notify(observers, Event{Type: EventInserted, Key: key, Handle: h, Module: m, Front: front})
	return h, nil
}

// Bounds returns the current head, tail and generation.
func (r *Registry) Bounds() Bounds {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Bounds{Head: r.head, Tail: r.tail, Gen: r.gen}
}

// Find returns the first record, scanning head to tail, inserted under key
// name ignoring case. "foo" and "default/foo" are distinct keys.
func (r *Registry) Find(name string) (*nativemod.Module, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.findLocked(name)
	if h == 0 {
		return nil, false
	}
	return r.entries[h-1].module, true
}

func (r *Registry) findLocked(name string) nativemod.Handle {
	for h := r.head; h != 0; h = r.entries[h-1].next {
		if strings.EqualFold(r.entries[h-1].key, name) {
			return h
		}
	}
	return 0
}

// Lookup is Find plus the bounds observed under the same lock. Comparing the
// bounds later tells whether the list changed since the lookup.
func (r *Registry) Lookup(name string) (*nativemod.Module, Bounds, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := Bounds{Head: r.head, Tail: r.tail, Gen: r.gen}
	h := r.findLocked(name)
	if h == 0 {
		return nil, b, false
	}
	return r.entries[h-1].module, b, true
}

// Get returns the record at handle h.
func (r *Registry) Get(h nativemod.Handle) (*nativemod.Module, bool) {
	if h == 0 {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(h) > len(r.entries) || !r.entries[h-1].valid {
		return nil, false
	}
	return r.entries[h-1].module, true
}

// Key returns the cache key the record at h was inserted under.
func (r *Registry) Key(h nativemod.Handle) (string, bool) {
	if h == 0 {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(h) > len(r.entries) || !r.entries[h-1].valid {
		return "", false
	}
	return r.entries[h-1].key, true
}

// Remove unlinks the first record matching name and returns it.
// The record's library stays in the cache; take it with TakeLibrary first.
func (r *Registry) Remove(name string) (*nativemod.Module, bool) {
	r.mu.Lock()
	h := r.findLocked(name)
	if h == 0 {
		r.mu.Unlock()
		return nil, false
	}
	e := r.entries[h-1]
	r.unlinkLocked(h)
	observers := r.observers
	r.mu.Unlock()

	notify(observers, Event{Type: EventRemoved, Key: e.key, Handle: h, Module: e.module})
	return e.module, true
}

// RemoveHandle unlinks the record at handle h.
func (r *Registry) RemoveHandle(h nativemod.Handle) bool {
	r.mu.Lock()
	if h == 0 || int(h) > len(r.entries) || !r.entries[h-1].valid {
		r.mu.Unlock()
		return false
	}
	e := r.entries[h-1]
	r.unlinkLocked(h)
	observers := r.observers
	r.mu.Unlock()

	notify(observers, Event{Type: EventRemoved, Key: e.key, Handle: h, Module: e.module})
	return true
}

func (r *Registry) unlinkLocked(h nativemod.Handle) {
	e := &r.entries[h-1]
	if e.prev != 0 {
		r.entries[e.prev-1].next = e.next
	} else {
		r.head = e.next
	}
	if e.next != 0 {
		r.entries[e.next-1].prev = e.prev
	} else {
		r.tail = e.prev
	}
	e.module.SetHandle(0)
	*e = entry{}
	r.freeList = append(r.freeList, h)
	r.count--
	r.gen++
}

// Modules returns a head-to-tail snapshot of the list.
func (r *Registry) Modules() []*nativemod.Module {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*nativemod.Module, 0, r.count)
	for h := r.head; h != 0; h = r.entries[h-1].next {
		out = append(out, r.entries[h-1].module)
	}
	return out
}

// Len returns the number of records in the list.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// SetLibrary stores the opened library of the record at h, replacing any
// previous one. The replaced library is returned so the caller can close it.
// Libraries belong to records, not keys: a shadowed record of the same key
// keeps its own library open.
func (r *Registry) SetLibrary(h nativemod.Handle, lib Library) Library {
	r.libMu.Lock()
	defer r.libMu.Unlock()
	prev := r.libraries[h]
	r.libraries[h] = lib
	return prev
}

// Library returns the opened library of the record at h.
func (r *Registry) Library(h nativemod.Handle) (Library, bool) {
	r.libMu.Lock()
	defer r.libMu.Unlock()
	lib, ok := r.libraries[h]
	return lib, ok
}

// LibraryFor returns the library of the first record inserted under key.
func (r *Registry) LibraryFor(key string) (Library, bool) {
	mod, ok := r.Find(key)
	if !ok {
		return nil, false
	}
	return r.Library(mod.Handle())
}

// TakeLibrary removes and returns the library of the record at h.
func (r *Registry) TakeLibrary(h nativemod.Handle) (Library, bool) {
	r.libMu.Lock()
	defer r.libMu.Unlock()
	lib, ok := r.libraries[h]
	if ok {
		delete(r.libraries, h)
	}
	return lib, ok
}

// StoreBytecode caches buf for key. If a buffer is already cached the
// existing one is kept and returned.
func (r *Registry) StoreBytecode(key string, buf []byte) []byte {
	r.bcMu.Lock()
	defer r.bcMu.Unlock()
	if cur, ok := r.bytecode[key]; ok {
		return cur
	}
	r.bytecode[key] = buf
	return buf
}

// Bytecode returns the cached buffer for key.
func (r *Registry) Bytecode(key string) ([]byte, bool) {
	r.bcMu.Lock()
	defer r.bcMu.Unlock()
	buf, ok := r.bytecode[key]
	return buf, ok
}

// RemoveBytecode drops the cached buffer for key.
func (r *Registry) RemoveBytecode(key string) bool {
	r.bcMu.Lock()
	defer r.bcMu.Unlock()
	if _, ok := r.bytecode[key]; !ok {
		return false
	}
	delete(r.bytecode, key)
	return true
}

// SetAppLibPath records the colon-joined search path for key.
func (r *Registry) SetAppLibPath(key, joined string) {
	r.pathMu.Lock()
	r.appPaths[key] = joined
	r.pathMu.Unlock()
}

// AppLibPath returns the search path for key.
func (r *Registry) AppLibPath(key string) (string, bool) {
	r.pathMu.RLock()
	defer r.pathMu.RUnlock()
	p, ok := r.appPaths[key]
	return p, ok
}

// AppPathKeys returns every registered path key.
func (r *Registry) AppPathKeys() []string {
	r.pathMu.RLock()
	defer r.pathMu.RUnlock()
	keys := make([]string, 0, len(r.appPaths))
	for k := range r.appPaths {
		keys = append(keys, k)
	}
	return keys
}

// Close empties the list and every cache and closes all stored libraries.
// Further insertions fail.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	keys := make(map[nativemod.Handle]string, r.count)
	for h := r.head; h != 0; h = r.entries[h-1].next {
		keys[h] = r.entries[h-1].key
		r.entries[h-1].module.SetHandle(0)
	}
	r.entries = nil
	r.freeList = nil
	r.head, r.tail = 0, 0
	r.count = 0
	r.gen++
	r.mu.Unlock()

	r.libMu.Lock()
	var errs []error
	for h, lib := range r.libraries {
		if err := lib.Close(); err != nil {
			errs = append(errs, errors.New(errors.PhaseUnload, errors.KindLoadFailure).
				Module(keys[h]).
				Path(lib.Path()).
				Cause(err).
				Build())
		}
	}
	r.libraries = make(map[nativemod.Handle]Library)
	r.libMu.Unlock()

	r.bcMu.Lock()
	r.bytecode = make(map[string][]byte)
	r.bcMu.Unlock()

	r.pathMu.Lock()
	r.appPaths = make(map[string]string)
	r.pathMu.Unlock()

	return stderrors.Join(errs...)
}

func notify(observers []Observer, e Event) {
	for _, o := range observers {
		o(e)
	}
}
