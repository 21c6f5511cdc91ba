// Package errors provides structured error types for the native module loader.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The Error type carries the module name, the filesystem path involved, the
// accumulated diagnostic text and the cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseLoad, errors.KindLoadFailure).
//		Module("ohos.hilog").
//		Path("/system/lib64/module/libhilog.z.so").
//		Detail("dlopen failed: %s", reason).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.PolicyRejection("ohos.hilog")
//	err := errors.NotFound(errors.PhaseLoad, "native module", name)
//
// A load usually makes several attempts. Info collects the reason for each
// attempt so that the final error shows every one of them and not only the last:
//
//	var info errors.Info
//	info.Addf("primary %s: %v", p1, err1)
//	info.Addf("secondary %s: %v", p2, err2)
//	return errors.New(errors.PhaseLoad, errors.KindNotFound).Detail(info.String()).Build()
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
