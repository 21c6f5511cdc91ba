package manager

import (
	"strings"

	"go.uber.org/zap"

	"github.com/wippyai/nativemod/errors"
	"github.com/wippyai/nativemod/registry"
)

// UnloadNativeModule drops the bytecode buffer of key, then closes the
// library of the first record under key and unlinks that same record. A
// module without a buffer or a library counts as already released for that
// part. The record itself must exist.
func (m *Manager) UnloadNativeModule(key string) error {
	if m.closed.Load() {
		return errors.Closed(errors.PhaseUnload)
	}
	if key == "" {
		return errors.InvalidInput(errors.PhaseUnload, "empty module key")
	}

	m.registry.RemoveBytecode(key)

	mod, ok := m.registry.Find(key)
	if !ok {
		return errors.NotFound(errors.PhaseUnload, "module", key)
	}
	h := mod.Handle()

	var failed []string
	if lib, ok := m.registry.TakeLibrary(h); ok {
		if err := lib.Close(); err != nil {
			failed = append(failed, "library: "+err.Error())
		}
	}

	if !m.registry.RemoveHandle(h) {
		return errors.NotFound(errors.PhaseUnload, "module", key)
	}

	if len(failed) > 0 {
		return errors.New(errors.PhaseUnload, errors.KindPartialRemoval).
			Module(key).
			Detail("%s", strings.Join(failed, "; ")).
			Build()
	}

	Logger().Info("module unloaded", zap.String("key", key))
	return nil
}

// RemoveNativeModule removes the record and both cache entries of key and
// closes its library. It reports which parts were missing when the cache
// entries outlived the record, or when nothing existed at all.
func (m *Manager) RemoveNativeModule(key string) error {
	if m.closed.Load() {
		return errors.Closed(errors.PhaseUnload)
	}

	hadBytecode := m.registry.RemoveBytecode(key)

	var (
		lib        registry.Library
		hadLibrary bool
		closeErr   error
	)
	mod, hadRecord := m.registry.Find(key)
	if hadRecord {
		h := mod.Handle()
		if lib, hadLibrary = m.registry.TakeLibrary(h); hadLibrary {
			closeErr = lib.Close()
		}
		hadRecord = m.registry.RemoveHandle(h)
	}

	switch {
	case !hadRecord && !hadBytecode:
		return errors.NotFound(errors.PhaseUnload, "module", key)
	case !hadRecord:
		return errors.New(errors.PhaseUnload, errors.KindPartialRemoval).
			Module(key).
			Detail("bytecode removed but no registry record").
			Build()
	case closeErr != nil:
		return errors.New(errors.PhaseUnload, errors.KindPartialRemoval).
			Module(key).
			Path(lib.Path()).
			Detail("record removed but library close failed").
			Cause(closeErr).
			Build()
	}

	Logger().Debug("module removed",
		zap.String("key", key),
		zap.Bool("bytecode", hadBytecode),
		zap.Bool("library", hadLibrary))
	return nil
}
