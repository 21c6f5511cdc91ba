//go:build darwin || freebsd || linux

package loader

import (
	"bytes"
	"context"
	"fmt"
	"unsafe"

	"github.com/ebitengine/purego"
)

// onLoadSymbol is the optional load hook exported by native modules.
const onLoadSymbol = "napi_onLoad"

type dlLoader struct{}

// Native returns the purego-backed dynamic linker.
func Native() OSLoader {
	return dlLoader{}
}

// Load opens path with RTLD_NOW so that unresolved dependencies fail here
// rather than at first call.
func (dlLoader) Load(path string) (Library, error) {
	h, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_LOCAL)
	if err != nil {
		return nil, err
	}
	return &sharedLibrary{handle: h, path: path}, nil
}

// sharedLibrary wraps a dlopen handle.
type sharedLibrary struct {
	path   string
	handle uintptr
}

func (so *sharedLibrary) Path() string { return so.path }

func (so *sharedLibrary) Lookup(symbol string) (uintptr, error) {
	return purego.Dlsym(so.handle, symbol)
}

func (so *sharedLibrary) Close() error {
	if so.handle == 0 {
		return nil
	}
	err := purego.Dlclose(so.handle)
	so.handle = 0
	return err
}

// Init calls napi_onLoad when the library exports it.
func (so *sharedLibrary) Init(ctx context.Context) error {
	sym, err := so.Lookup(onLoadSymbol)
	if err != nil || sym == 0 {
		return nil
	}
	purego.SyscallN(sym)
	return nil
}

// EmbeddedBytecode calls a void(const uint8_t**, int*) accessor and copies
// the payload into Go memory.
func (so *sharedLibrary) EmbeddedBytecode(symbol string) ([]byte, bool) {
	sym, err := so.Lookup(symbol)
	if err != nil || sym == 0 {
		return nil, false
	}

	var get func(buf **byte, length *int32)
	purego.RegisterFunc(&get, sym)

	var (
		buf *byte
		n   int32
	)
	get(&buf, &n)
	if buf == nil || n <= 0 {
		return nil, false
	}
	return bytes.Clone(unsafe.Slice(buf, n)), true
}

func (so *sharedLibrary) String() string {
	return fmt.Sprintf("sharedLibrary(%s)", so.path)
}
