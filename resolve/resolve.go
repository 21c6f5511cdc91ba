// Package resolve synthesizes the candidate filesystem paths tried for a
// logical module name.
//
// For a name such as "multimedia.audio" the synthesizer produces, in search
// order:
//
//	<prefix>/multimedia/libaudio<zfix><suffix>        primary
//	<prefix>/multimedia/libaudio_napi<zfix><suffix>   secondary (legacy naming)
//	<abcPrefix>/multimedia/audio.abc                  bytecode fallback
//
// The prefix is the platform system module directory, or the application's
// registered search path for app modules.
package resolve

import (
	"fmt"
	"path"
	"strings"

	"github.com/wippyai/nativemod/errors"
	"github.com/wippyai/nativemod/platform"
)

// MaxPathLen bounds every synthesized path.
const MaxPathLen = 4096

// NapiInfix is the legacy secondary naming convention.
const NapiInfix = "_napi"

// AbcExt is the bytecode container extension.
const AbcExt = ".abc"

// AppPaths provides registered application library search paths.
type AppPaths interface {
	// AppLibPath returns the colon-joined search path registered for key.
	AppLibPath(key string) (string, bool)
}

// Candidates is the ordered result of path synthesis.
type Candidates struct {
	Primary   string
	Secondary string
	Abc       string
	// SearchDirs is set when Primary and Secondary are relative names to be
	// resolved inside a linker namespace spanning these directories.
	SearchDirs []string
	// Exact is set when the name already carried the library suffix.
	// Only Primary is populated in that case.
	Exact bool
}

// Libraries returns the shared-library candidates in search order.
func (c Candidates) Libraries() []string {
	if c.Secondary == "" {
		return []string{c.Primary}
	}
	return []string{c.Primary, c.Secondary}
}

// Matches reports whether a previously resolved path is one of the candidates.
func (c Candidates) Matches(resolved string) bool {
	for _, p := range []string{c.Primary, c.Secondary, c.Abc} {
		if p == "" {
			continue
		}
		if resolved == p {
			return true
		}
		if path.IsAbs(p) || len(c.SearchDirs) == 0 {
			continue
		}
		for _, dir := range c.SearchDirs {
			if resolved == path.Join(dir, p) {
				return true
			}
		}
	}
	return false
}

// Synthesizer builds Candidates for a platform.
// Safe for concurrent use if AppPaths is.
type Synthesizer struct {
	platform platform.Policy
	paths    AppPaths
}

// New creates a synthesizer. paths may be nil when no app modules are used.
func New(p platform.Policy, paths AppPaths) *Synthesizer {
	return &Synthesizer{platform: p, paths: paths}
}

// Platform returns the policy in use.
func (s *Synthesizer) Platform() platform.Policy {
	return s.platform
}

// Synthesize computes the candidates for name.
func (s *Synthesizer) Synthesize(name, pathKey, relativePath string, isApp bool) (Candidates, error) {
	if name == "" {
		return Candidates{}, errors.InvalidInput(errors.PhaseResolve, "empty module name")
	}
	if strings.Contains(name, "..") {
		return Candidates{}, errors.PathTraversal(name, name)
	}
	if strings.Contains(relativePath, "..") {
		return Candidates{}, errors.PathTraversal(name, relativePath)
	}
	if len(name) >= MaxPathLen {
		return Candidates{}, errors.PathSynthesis(name, fmt.Errorf("name length %d exceeds %d", len(name), MaxPathLen))
	}

	lower := strings.ToLower(name)
	prefix, searchDirs, abcPrefix := s.prefixes(pathKey, relativePath, isApp)

	var c Candidates
	c.SearchDirs = searchDirs

	suffix := s.platform.LibSuffix()
	if strings.HasSuffix(lower, suffix) {
		c.Exact = true
		c.Primary = join(prefix, lower)
		if err := checkLen(name, c.Primary); err != nil {
			return Candidates{}, err
		}
		return c, nil
	}

	dirs, leaf := split(lower)
	zfix := s.platform.ZipFix()

	c.Primary = join(prefix, dirs, "lib"+leaf+zfix+suffix)
	c.Secondary = join(prefix, dirs, "lib"+leaf+NapiInfix+zfix+suffix)
	c.Abc = join(abcPrefix, dirs, leaf+AbcExt)

	for _, p := range []string{c.Primary, c.Secondary, c.Abc} {
		if err := checkLen(name, p); err != nil {
			return Candidates{}, err
		}
	}
	return c, nil
}

// prefixes returns the shared-library prefix, the namespace search dirs
// (when candidates are relative) and the bytecode prefix.
func (s *Synthesizer) prefixes(pathKey, relativePath string, isApp bool) (string, []string, string) {
	abcPrefix := s.platform.AbcRoot()

	if isApp && pathKey != "" && s.paths != nil {
		if joined, ok := s.paths.AppLibPath(pathKey); ok && joined != "" {
			dirs := SplitSearchPath(joined)
			if len(dirs) > 0 {
				if p, ok := s.platform.SandboxAbcPrefix(dirs[0]); ok {
					abcPrefix = p
				}
				if s.platform.SupportsNamespaces() {
					return "", dirs, abcPrefix
				}
				return dirs[0], nil, abcPrefix
			}
		}
	}

	prefix := s.platform.SystemModuleDir()
	if rel := strings.Trim(relativePath, "/"); rel != "" {
		prefix = prefix + "/" + rel
	}
	return prefix, nil, abcPrefix
}

// split separates "a.b.c" into the directory part "a/b" and the leaf "c".
func split(name string) (string, string) {
	idx := strings.LastIndexByte(name, '.')
	if idx < 0 {
		return "", name
	}
	return strings.ReplaceAll(name[:idx], ".", "/"), name[idx+1:]
}

func join(parts ...string) string {
	var b strings.Builder
	for _, p := range parts {
		if p == "" {
			continue
		}
		if b.Len() > 0 && !strings.HasSuffix(b.String(), "/") {
			b.WriteByte('/')
		}
		b.WriteString(p)
	}
	return b.String()
}

func checkLen(name, p string) error {
	if len(p) >= MaxPathLen {
		return errors.PathSynthesis(name, fmt.Errorf("path length %d exceeds %d", len(p), MaxPathLen))
	}
	return nil
}

// SplitSearchPath splits a colon-joined search path, dropping empty entries.
func SplitSearchPath(joined string) []string {
	var out []string
	for _, p := range strings.Split(joined, ":") {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// JoinSearchPath joins directories into a colon-separated search path.
func JoinSearchPath(dirs []string) string {
	return strings.Join(dirs, ":")
}

// ModuleKey returns the cache key for a module request.
// App modules with a path key are namespaced as "<pathKey>/<name>".
func ModuleKey(name, pathKey string, isApp bool) string {
	if isApp && pathKey != "" {
		return pathKey + "/" + name
	}
	return name
}

// BytecodeSymbol returns the exported symbol carrying a module's embedded
// bytecode: "NAPI_<name>_GetABCCode" with '.' and '/' replaced by '_'.
func BytecodeSymbol(name string) string {
	r := strings.NewReplacer(".", "_", "/", "_")
	return "NAPI_" + r.Replace(name) + "_GetABCCode"
}
