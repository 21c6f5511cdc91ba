// Package bytecode inspects module bytecode payloads.
//
// Payloads come from .abc files on disk or from the embedded accessor symbol
// of a shared library. Panda abc containers are passed through as is.
// WebAssembly payloads are compiled once with wazero so that a corrupt
// module is rejected at load time instead of at first call.
package bytecode

import (
	"bytes"
	"context"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/nativemod/errors"
)

// Format is a detected payload container.
type Format int

const (
	Unknown Format = iota
	Abc
	Wasm
	// Component is a WebAssembly component-model binary.
	Component
)

func (f Format) String() string {
	switch f {
	case Abc:
		return "abc"
	case Wasm:
		return "wasm"
	case Component:
		return "component"
	default:
		return "unknown"
	}
}

var (
	abcMagic  = []byte("PANDA\x00\x00\x00")
	wasmMagic = []byte("\x00asm")
	// Version field of a core module and of a component (layer 1).
	coreVersion      = []byte{0x01, 0x00, 0x00, 0x00}
	componentVersion = []byte{0x0d, 0x00, 0x01, 0x00}
)

// Detect identifies the container format from the header.
func Detect(buf []byte) Format {
	switch {
	case bytes.HasPrefix(buf, abcMagic):
		return Abc
	case len(buf) >= 8 && bytes.HasPrefix(buf, wasmMagic):
		switch {
		case bytes.Equal(buf[4:8], coreVersion):
			return Wasm
		case bytes.Equal(buf[4:8], componentVersion):
			return Component
		}
	}
	return Unknown
}

// Validator checks payloads before they are attached to a module record.
// Safe for concurrent use.
type Validator struct {
	runtime wazero.Runtime
	once    sync.Once
	mu      sync.Mutex
	closed  bool
}

// NewValidator creates a validator. The wazero runtime is created lazily on
// the first WebAssembly payload.
func NewValidator() *Validator {
	return &Validator{}
}

func (v *Validator) rt(ctx context.Context) wazero.Runtime {
	v.once.Do(func() {
		cfg := wazero.NewRuntimeConfig().WithCoreFeatures(api.CoreFeaturesV2)
		v.runtime = wazero.NewRuntimeWithConfig(ctx, cfg)
	})
	return v.runtime
}

// Validate returns the detected format, or a load_failure error when a
// WebAssembly payload does not compile. Component binaries are rejected.
func (v *Validator) Validate(ctx context.Context, module string, buf []byte) (Format, error) {
	if len(buf) == 0 {
		return Unknown, errors.New(errors.PhaseLoad, errors.KindInvalidData).
			Module(module).
			Detail("empty bytecode").
			Build()
	}

	format := Detect(buf)
	switch format {
	case Wasm:
	case Component:
		return format, errors.New(errors.PhaseLoad, errors.KindLoadFailure).
			Module(module).
			Detail("component binaries are not supported").
			Build()
	default:
		return format, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return format, errors.Closed(errors.PhaseLoad)
	}

	compiled, err := v.rt(ctx).CompileModule(ctx, buf)
	if err != nil {
		return format, errors.New(errors.PhaseLoad, errors.KindLoadFailure).
			Module(module).
			Detail("invalid wasm payload").
			Cause(err).
			Build()
	}
	return format, compiled.Close(ctx)
}

// Close releases the wazero runtime.
func (v *Validator) Close(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	v.closed = true
	if v.runtime != nil {
		return v.runtime.Close(ctx)
	}
	return nil
}
