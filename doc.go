// Package nativemod provides a pluggable native extension resolver for
// managed script runtimes.
//
// A script asks for a logical module name such as "ohos.hilog" or
// "multimedia.audio". The loader turns it into a loaded, cached and
// callback-registered extension record. Sources in search order are a shared
// library from disk, a raw bytecode buffer, or a statically linked
// registration made at startup.
//
// # Architecture Overview
//
// The library is organized into several packages with distinct responsibilities:
//
//	nativemod/          Root package with the Module record and Descriptor
//	├── manager/        Facade: LoadNativeModule, Register, UnloadNativeModule
//	├── registry/       Module arena, head/tail ordered list and cache maps
//	├── resolve/        Candidate path synthesis
//	├── policy/         Allow-list gate and configurable checkers
//	├── loader/         Shared-library and bytecode loading
//	├── linkns/         Linker namespaces for sandboxed application code
//	├── bytecode/       Bytecode container inspection and validation
//	├── platform/       Per-OS path and namespace rules
//	├── config/         File and environment configuration
//	└── errors/         Structured error types for diagnosis
//
// # Quick Start
//
//	m, err := manager.New(manager.DefaultOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer m.Close()
//
//	// Built-in extension linked into the binary
//	m.Register(ctx, nativemod.Descriptor{
//	    Name:     "hilog",
//	    Register: hilog.Init,
//	})
//
//	// Application extension found on disk
//	m.SetAppLibPath(ctx, "default", []string{"/data/app/lib"}, false)
//	mod, err := m.LoadNativeModule(ctx, manager.LoadRequest{
//	    Name:    "mymodule",
//	    PathKey: "default",
//	    IsApp:   true,
//	})
//
// # Thread Safety
//
// Manager, the registry and Module records are safe for concurrent use.
// LoadNativeModule blocks the calling goroutine for the whole search and
// cannot be cancelled.
package nativemod
