// Package loader opens native module shared libraries and bytecode files.
//
// Existence is always checked through an afero.Fs before the OS loader runs,
// so "file absent" is reported as NotFound regardless of how the dynamic
// linker words its errors. Everything else the OS loader rejects is Other.
package loader

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	iofs "io/fs"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/wippyai/nativemod/errors"
	"github.com/wippyai/nativemod/linkns"
)

// ErrorKind classifies an Open or ReadBytecode outcome.
type ErrorKind int

const (
	Success ErrorKind = iota
	NotFound
	Other
)

func (k ErrorKind) String() string {
	switch k {
	case Success:
		return "success"
	case NotFound:
		return "not_found"
	default:
		return "other"
	}
}

// Library is an opened shared library.
type Library interface {
	// Path is the file the library was opened from.
	Path() string
	// Lookup returns the address of an exported symbol.
	Lookup(symbol string) (uintptr, error)
	Close() error
}

// Initializer is implemented by libraries with a load hook. Init runs once
// right after the library is opened, with the in-flight load context, so
// that the library can register itself.
type Initializer interface {
	Init(ctx context.Context) error
}

// BytecodeSource is implemented by libraries that can return the payload of
// an embedded bytecode accessor symbol.
type BytecodeSource interface {
	EmbeddedBytecode(symbol string) ([]byte, bool)
}

// Request describes one open attempt.
type Request struct {
	// Path is an absolute path, or a bare file name when Namespace is set.
	Path  string
	IsApp bool
	// Namespace is the application path key whose linker namespace the
	// library is opened in. Only used for app modules.
	Namespace string
}

// Opener opens shared libraries.
type Opener interface {
	Open(ctx context.Context, req Request) (Library, ErrorKind, error)
}

// OSLoader is the platform dynamic linker.
type OSLoader interface {
	Load(path string) (Library, error)
}

// OSLoaderFunc adapts a function to OSLoader.
type OSLoaderFunc func(path string) (Library, error)

// Load implements OSLoader.
func (f OSLoaderFunc) Load(path string) (Library, error) { return f(path) }

// Dynamic is the default Opener.
// Safe for concurrent use.
type Dynamic struct {
	fs         afero.Fs
	os         OSLoader
	namespaces *linkns.Manager
}

// NewDynamic creates an opener. A nil fs uses the OS filesystem, a nil
// osLoader uses the native dynamic linker. namespaces may be nil on platforms
// without linker namespaces.
func NewDynamic(fs afero.Fs, osLoader OSLoader, namespaces *linkns.Manager) *Dynamic {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if osLoader == nil {
		osLoader = Native()
	}
	return &Dynamic{fs: fs, os: osLoader, namespaces: namespaces}
}

// Fs returns the filesystem used for existence checks.
func (d *Dynamic) Fs() afero.Fs {
	return d.fs
}

// Open implements Opener.
func (d *Dynamic) Open(ctx context.Context, req Request) (Library, ErrorKind, error) {
	path := req.Path

	if req.IsApp && req.Namespace != "" && d.namespaces != nil {
		nsName := linkns.AppNamespace(req.Namespace)
		if _, ok := d.namespaces.Get(nsName); ok {
			resolved, err := d.namespaces.Resolve(nsName, req.Path, d.exists)
			switch {
			case err == nil:
				path = resolved
			case stderrors.Is(err, linkns.ErrNotFound):
				return nil, NotFound, errors.New(errors.PhaseLoad, errors.KindNotFound).
					Path(req.Path).
					Detail("not found in namespace %s", req.Namespace).
					Build()
			default:
				return nil, Other, errors.New(errors.PhaseLink, errors.KindNamespace).
					Path(req.Path).
					Detail("namespace %s", req.Namespace).
					Cause(err).
					Build()
			}
		}
	}

	if !d.exists(path) {
		return nil, NotFound, errors.New(errors.PhaseLoad, errors.KindNotFound).
			Path(path).
			Detail("file does not exist").
			Build()
	}

	lib, err := d.os.Load(path)
	if err != nil {
		Logger().Debug("dynamic linker rejected library",
			zap.String("path", path),
			zap.Error(err))
		return nil, Other, errors.LoadFailure("", path, err)
	}

	Logger().Debug("library opened",
		zap.String("path", path),
		zap.String("namespace", req.Namespace))
	return lib, Success, nil
}

func (d *Dynamic) exists(path string) bool {
	ok, err := afero.Exists(d.fs, path)
	return err == nil && ok
}

// ReadBytecode reads a bytecode container in full.
func ReadBytecode(fs afero.Fs, path string) ([]byte, ErrorKind, error) {
	f, err := fs.Open(path)
	if err != nil {
		if stderrors.Is(err, iofs.ErrNotExist) {
			return nil, NotFound, errors.New(errors.PhaseLoad, errors.KindNotFound).
				Path(path).
				Detail("bytecode file does not exist").
				Build()
		}
		return nil, Other, errors.LoadFailure("", path, err)
	}
	defer f.Close()

	buf, err := io.ReadAll(f)
	if err != nil {
		return nil, Other, errors.LoadFailure("", path, fmt.Errorf("read: %w", err))
	}
	if len(buf) == 0 {
		return nil, Other, errors.New(errors.PhaseLoad, errors.KindInvalidData).
			Path(path).
			Detail("empty bytecode file").
			Build()
	}
	return buf, Success, nil
}
