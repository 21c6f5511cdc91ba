package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseResolve  Phase = "resolve"  // candidate path synthesis
	PhasePolicy   Phase = "policy"   // allow-list gate
	PhaseLoad     Phase = "load"     // library or bytecode loading
	PhaseLink     Phase = "link"     // linker namespaces
	PhaseRegister Phase = "register" // registry insertion
	PhaseUnload   Phase = "unload"   // removal and teardown
	PhaseConfig   Phase = "config"   // configuration loading
)

// Kind categorizes the error
type Kind string

const (
	KindPolicyRejection    Kind = "policy_rejection"
	KindPathSynthesis      Kind = "path_synthesis"
	KindPathTraversal      Kind = "path_traversal"
	KindNotFound           Kind = "not_found"
	KindLoadFailure        Kind = "load_failure"
	KindCacheInconsistency Kind = "cache_inconsistency"
	KindInvalidInput       Kind = "invalid_input"
	KindAllocation         Kind = "allocation"
	KindNamespace          Kind = "namespace"
	KindPartialRemoval     Kind = "partial_removal"
	KindClosed             Kind = "closed"
	KindInvalidData        Kind = "invalid_data"
)

// Error is the structured error type used throughout the loader
type Error struct {
	Cause  error
	Phase  Phase
	Kind   Kind
	Module string
	Path   string
	Detail string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Module != "" {
		b.WriteString(" module ")
		b.WriteString(e.Module)
	}

	if e.Path != "" {
		b.WriteString(" at ")
		b.WriteString(e.Path)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error.
// A target with an empty Phase matches any phase.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Phase != "" && e.Phase != t.Phase {
		return false
	}
	return e.Kind == t.Kind
}

// IsKind reports whether any error in err's chain is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Cause
	}
	return false
}

// KindOf returns the kind of the outermost *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Module sets the module name
func (b *Builder) Module(name string) *Builder {
	b.err.Module = name
	return b
}

// Path sets the filesystem path
func (b *Builder) Path(path string) *Builder {
	b.err.Path = path
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// PolicyRejection creates the error returned when the allow-list gate vetoes a module
func PolicyRejection(module string) *Error {
	return &Error{
		Phase:  PhasePolicy,
		Kind:   KindPolicyRejection,
		Module: module,
		Detail: fmt.Sprintf("module %s is in blocklist, loading prohibited", module),
	}
}

// PathTraversal creates an error for names or relative paths containing ".."
func PathTraversal(module, value string) *Error {
	return &Error{
		Phase:  PhaseResolve,
		Kind:   KindPathTraversal,
		Module: module,
		Detail: fmt.Sprintf("%q contains a parent directory reference", value),
	}
}

// PathSynthesis creates an error for a failed candidate path build
func PathSynthesis(module string, cause error) *Error {
	return &Error{
		Phase:  PhaseResolve,
		Kind:   KindPathSynthesis,
		Module: module,
		Detail: "failed to get native file path",
		Cause:  cause,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Module: name,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// LoadFailure creates an error for a candidate that existed but could not be loaded
func LoadFailure(module, path string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindLoadFailure,
		Module: module,
		Path:   path,
		Cause:  cause,
	}
}

// Closed creates an error for operations on a torn-down manager
func Closed(phase Phase) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindClosed,
		Detail: "module manager closed",
	}
}

// Config creates a configuration error
func Config(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseConfig,
		Kind:   KindInvalidData,
		Detail: detail,
		Cause:  cause,
	}
}
