//go:build !(darwin || freebsd || linux || windows)

package loader

import (
	"errors"
	"runtime"
)

// ErrUnsupported is returned by the native loader on targets without a
// dynamic linker binding.
var ErrUnsupported = errors.New("dynamic loading not supported on " + runtime.GOOS)

// Native returns a loader that always fails.
func Native() OSLoader {
	return OSLoaderFunc(func(string) (Library, error) {
		return nil, ErrUnsupported
	})
}
