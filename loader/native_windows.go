//go:build windows

package loader

import (
	"bytes"
	"context"
	"path/filepath"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

const onLoadSymbol = "napi_onLoad"

type winLoader struct{}

// Native returns the LoadLibrary-backed dynamic linker.
func Native() OSLoader {
	return winLoader{}
}

func (winLoader) Load(path string) (Library, error) {
	h, err := windows.LoadLibrary(filepath.FromSlash(path))
	if err != nil {
		return nil, err
	}
	return &dll{handle: h, path: path}, nil
}

type dll struct {
	path   string
	handle windows.Handle
}

func (d *dll) Path() string { return d.path }

func (d *dll) Lookup(symbol string) (uintptr, error) {
	return windows.GetProcAddress(d.handle, symbol)
}

func (d *dll) Close() error {
	if d.handle == 0 {
		return nil
	}
	err := windows.FreeLibrary(d.handle)
	d.handle = 0
	return err
}

func (d *dll) Init(ctx context.Context) error {
	sym, err := d.Lookup(onLoadSymbol)
	if err != nil || sym == 0 {
		return nil
	}
	syscall.SyscallN(sym)
	return nil
}

func (d *dll) EmbeddedBytecode(symbol string) ([]byte, bool) {
	sym, err := d.Lookup(symbol)
	if err != nil || sym == 0 {
		return nil, false
	}
	var (
		buf *byte
		n   int32
	)
	syscall.SyscallN(sym, uintptr(unsafe.Pointer(&buf)), uintptr(unsafe.Pointer(&n)))
	if buf == nil || n <= 0 {
		return nil, false
	}
	return bytes.Clone(unsafe.Slice(buf, n)), true
}
