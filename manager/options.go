package manager

import (
	"github.com/spf13/afero"

	"github.com/wippyai/nativemod/bytecode"
	"github.com/wippyai/nativemod/linkns"
	"github.com/wippyai/nativemod/loader"
	"github.com/wippyai/nativemod/platform"
	"github.com/wippyai/nativemod/policy"
	"github.com/wippyai/nativemod/resolve"
)

// Options configures a Manager.
type Options struct {
	// Platform supplies path and namespace rules. Defaults to platform.Detect().
	Platform platform.Policy

	// Fs is used for existence checks and bytecode reads. Defaults to the OS filesystem.
	Fs afero.Fs

	// Opener opens shared libraries. Defaults to a loader.Dynamic over Fs,
	// OSLoader and the manager's namespaces.
	Opener loader.Opener

	// OSLoader is the dynamic linker used by the default Opener.
	// Ignored when Opener is set.
	OSLoader loader.OSLoader

	// Checker is the initial allow-list delegate. nil allows everything.
	Checker policy.Checker

	// Validator checks bytecode payloads. A shared validator is created
	// when nil and ValidateBytecode is set.
	Validator *bytecode.Validator

	// Namespaces lays out the default and NDK linker namespaces.
	Namespaces linkns.Options

	// ValidateBytecode compiles WebAssembly payloads before registering them.
	// It has no fallback: false turns validation off. DefaultOptions sets it.
	ValidateBytecode bool
}

// DefaultOptions returns options for the running host.
func DefaultOptions() Options {
	return Options{
		Platform:         platform.Detect(),
		Fs:               afero.NewOsFs(),
		Namespaces:       linkns.DefaultOptions(),
		ValidateBytecode: true,
	}
}

// LoadRequest describes one LoadNativeModule call.
type LoadRequest struct {
	// Name is the logical module name, e.g. "multimedia.audio".
	Name string
	// PathKey selects a registered application search path.
	PathKey string
	// RelativePath is appended to the system module root.
	RelativePath string
	IsApp        bool
	// Internal loads skip the embedded bytecode symbol.
	Internal bool
}

// Key returns the cache key of the request.
func (r LoadRequest) Key() string {
	return resolve.ModuleKey(r.Name, r.PathKey, r.IsApp)
}
