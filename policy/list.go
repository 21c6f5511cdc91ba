package policy

import (
	"sort"
	"strings"

	"github.com/wippyai/nativemod"
)

// ListChecker is a Checker driven by name lists.
//
// Patterns are either exact names or "prefix.*" wildcards, matched case-insensitively.
type ListChecker struct {
	// APIAllowList maps a module pattern to the API paths it may expose.
	APIAllowList map[string][]string
	// Blocked modules are always refused.
	Blocked []string
	// Allowed, when non-empty, is the exclusive set of loadable modules.
	Allowed []string
	// AppBlocked modules are refused only when requested as app modules.
	AppBlocked []string
	// DiskOnly defers the check to the disk probing path.
	DiskOnly bool
}

// CheckModuleLoadable implements Checker.
func (c *ListChecker) CheckModuleLoadable(name string, isApp bool) (bool, nativemod.Filter) {
	if matchAny(c.Blocked, name) {
		return false, nil
	}
	if isApp && matchAny(c.AppBlocked, name) {
		return false, nil
	}
	if len(c.Allowed) > 0 && !matchAny(c.Allowed, name) {
		return false, nil
	}
	return true, c.filterFor(name)
}

// DiskCheckOnly implements Checker.
func (c *ListChecker) DiskCheckOnly() bool { return c.DiskOnly }

// filterFor collects the API allow-list for name, or nil if none applies.
func (c *ListChecker) filterFor(name string) nativemod.Filter {
	if len(c.APIAllowList) == 0 {
		return nil
	}
	// Deterministic merge order for overlapping patterns
	patterns := make([]string, 0, len(c.APIAllowList))
	for p := range c.APIAllowList {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)

	var apis []string
	found := false
	for _, p := range patterns {
		if match(p, name) {
			found = true
			apis = append(apis, c.APIAllowList[p]...)
		}
	}
	if !found {
		return nil
	}
	return NewAPIFilter(apis)
}

// NewAPIFilter returns a Filter accepting API paths that match any pattern.
func NewAPIFilter(patterns []string) nativemod.Filter {
	list := append([]string(nil), patterns...)
	return func(apiPath string) bool {
		return matchAny(list, apiPath)
	}
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if match(p, name) {
			return true
		}
	}
	return false
}

// match compares name against an exact or "prefix.*" pattern.
func match(pattern, name string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return len(name) > len(prefix)+1 &&
			strings.EqualFold(name[:len(prefix)], prefix) &&
			name[len(prefix)] == '.'
	}
	return strings.EqualFold(pattern, name)
}
