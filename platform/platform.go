// Package platform describes the per-OS rules used to locate native modules.
//
// Path and namespace rules are a Policy value injected into the resolver and
// the manager. The same binary can therefore synthesize device paths in tests
// on any host.
package platform

import (
	"runtime"
	"strconv"
	"strings"
)

// Policy is the strategy interface for target-specific module layout.
type Policy interface {
	// Name returns a short identifier such as "ohos" or "windows".
	Name() string
	// SystemModuleDir is the root of system native modules.
	SystemModuleDir() string
	// AbcRoot is the root of system bytecode modules.
	AbcRoot() string
	// LibSuffix is the shared-library file suffix, including the dot.
	LibSuffix() string
	// ZipFix is inserted before LibSuffix in synthesized names (".z" on OHOS).
	ZipFix() string
	// DynamicLoading reports whether shared libraries can be opened at all.
	DynamicLoading() bool
	// SupportsNamespaces reports whether linker namespaces isolate app code.
	SupportsNamespaces() bool
	// SandboxAbcPrefix derives the bytecode prefix for an app library path
	// that contains the platform sandbox marker.
	SandboxAbcPrefix(appLibPath string) (string, bool)
}

// Rules is a table-driven Policy.
type Rules struct {
	name          string
	moduleDir     string
	abcRoot       string
	suffix        string
	zipFix        string
	sandboxMarker string
	sandboxAbc    string
	dynamic       bool
	namespaces    bool
}

// Name implements Policy.
func (r *Rules) Name() string { return r.name }

// SystemModuleDir implements Policy.
func (r *Rules) SystemModuleDir() string { return r.moduleDir }

// AbcRoot implements Policy.
func (r *Rules) AbcRoot() string { return r.abcRoot }

// LibSuffix implements Policy.
func (r *Rules) LibSuffix() string { return r.suffix }

// ZipFix implements Policy.
func (r *Rules) ZipFix() string { return r.zipFix }

// DynamicLoading implements Policy.
func (r *Rules) DynamicLoading() bool { return r.dynamic }

// SupportsNamespaces implements Policy.
func (r *Rules) SupportsNamespaces() bool { return r.namespaces }

// SandboxAbcPrefix implements Policy.
// "/data/app/x/libs/arm64" with marker "/libs/" becomes "/data/app/x/abc/arm64".
func (r *Rules) SandboxAbcPrefix(appLibPath string) (string, bool) {
	if r.sandboxMarker == "" {
		return "", false
	}
	idx := strings.Index(appLibPath, r.sandboxMarker)
	if idx < 0 {
		return "", false
	}
	return appLibPath[:idx] + r.sandboxAbc + appLibPath[idx+len(r.sandboxMarker):], true
}

// WithSystemModuleDir returns a copy with a different system module root.
func (r *Rules) WithSystemModuleDir(dir string) *Rules {
	c := *r
	c.moduleDir = dir
	return &c
}

// WithAbcRoot returns a copy with a different bytecode root.
func (r *Rules) WithAbcRoot(dir string) *Rules {
	c := *r
	c.abcRoot = dir
	return &c
}

// WithDynamicLoading returns a copy with shared-library loading toggled.
func (r *Rules) WithDynamicLoading(enabled bool) *Rules {
	c := *r
	c.dynamic = enabled
	return &c
}

// systemLibDir returns "lib64" on 64-bit targets and "lib" otherwise.
func systemLibDir() string {
	if strconv.IntSize == 64 {
		return "lib64"
	}
	return "lib"
}

// OHOS returns the rules for OpenHarmony devices.
func OHOS() *Rules {
	return &Rules{
		name:       "ohos",
		moduleDir:  "/system/" + systemLibDir() + "/module",
		abcRoot:    "/system/etc/abc",
		suffix:     ".so",
		zipFix:     ".z",
		dynamic:    true,
		namespaces: true,
	}
}

// Android returns the rules for Android hosts embedding the runtime.
func Android() *Rules {
	return &Rules{
		name:          "android",
		moduleDir:     "/system/" + systemLibDir() + "/module",
		abcRoot:       "/system/etc/abc",
		suffix:        ".so",
		sandboxMarker: "/libs/",
		sandboxAbc:    "/abc/",
		dynamic:       true,
		namespaces:    true,
	}
}

// IOS returns the rules for iOS. Shared libraries cannot be opened there;
// modules are either statically registered or loaded from bytecode.
func IOS() *Rules {
	return &Rules{
		name:          "ios",
		moduleDir:     "./module",
		abcRoot:       "./abc",
		suffix:        ".dylib",
		sandboxMarker: "/libs/",
		sandboxAbc:    "/abc/",
	}
}

// Windows returns the rules for Windows preview hosts.
func Windows() *Rules {
	return &Rules{
		name:      "windows",
		moduleDir: "./module",
		abcRoot:   "./abc",
		suffix:    ".dll",
		dynamic:   true,
	}
}

// Darwin returns the rules for macOS preview hosts.
func Darwin() *Rules {
	return &Rules{
		name:      "darwin",
		moduleDir: "./module",
		abcRoot:   "./abc",
		suffix:    ".dylib",
		dynamic:   true,
	}
}

// Linux returns the rules for Linux preview hosts.
func Linux() *Rules {
	return &Rules{
		name:      "linux",
		moduleDir: "./module",
		abcRoot:   "./abc",
		suffix:    ".so",
		dynamic:   true,
	}
}

// ByName returns the rules for a platform identifier.
func ByName(name string) (*Rules, bool) {
	switch strings.ToLower(name) {
	case "ohos", "openharmony":
		return OHOS(), true
	case "android":
		return Android(), true
	case "ios":
		return IOS(), true
	case "windows":
		return Windows(), true
	case "darwin", "macos":
		return Darwin(), true
	case "linux", "preview":
		return Linux(), true
	}
	return nil, false
}

// Detect returns the rules for the running host.
func Detect() *Rules {
	p, ok := ByName(runtime.GOOS)
	if !ok {
		return Linux()
	}
	return p
}

// Names lists the identifiers accepted by ByName.
func Names() []string {
	return []string{"ohos", "android", "ios", "windows", "darwin", "linux"}
}
