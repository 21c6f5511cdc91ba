package manager

import (
	"context"
	stderrors "errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/wippyai/nativemod"
	"github.com/wippyai/nativemod/errors"
	"github.com/wippyai/nativemod/linkns"
	"github.com/wippyai/nativemod/loader"
	"github.com/wippyai/nativemod/platform"
	"github.com/wippyai/nativemod/policy"
)

// testLib is an opened library double. hook runs as the load hook.
type testLib struct {
	hook     func(ctx context.Context) error
	bytecode map[string][]byte
	path     string
	closed   bool
	closeErr error
}

func (l *testLib) Path() string { return l.path }

func (l *testLib) Lookup(symbol string) (uintptr, error) {
	return 0, stderrors.New("undefined symbol " + symbol)
}

func (l *testLib) Close() error {
	l.closed = true
	return l.closeErr
}

func (l *testLib) Init(ctx context.Context) error {
	if l.hook == nil {
		return nil
	}
	return l.hook(ctx)
}

func (l *testLib) EmbeddedBytecode(symbol string) ([]byte, bool) {
	buf, ok := l.bytecode[symbol]
	return buf, ok
}

// countingOpener records every Open request and delegates to a
// loader.Dynamic whose OS loader hands out testLibs.
type countingOpener struct {
	inner  loader.Opener
	libs   map[string]*testLib
	fail   map[string]error
	calls  []string
	loads  []string
	mu     sync.Mutex
	libsMu sync.Mutex
}

func (o *countingOpener) Open(ctx context.Context, req loader.Request) (loader.Library, loader.ErrorKind, error) {
	o.mu.Lock()
	o.calls = append(o.calls, req.Path)
	o.mu.Unlock()
	return o.inner.Open(ctx, req)
}

func (o *countingOpener) load(path string) (loader.Library, error) {
	o.libsMu.Lock()
	defer o.libsMu.Unlock()
	o.loads = append(o.loads, path)
	if err := o.fail[path]; err != nil {
		return nil, err
	}
	if lib, ok := o.libs[path]; ok {
		return lib, nil
	}
	lib := &testLib{path: path}
	o.libs[path] = lib
	return lib, nil
}

func (o *countingOpener) Calls() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.calls...)
}

func (o *countingOpener) Loads() int {
	o.libsMu.Lock()
	defer o.libsMu.Unlock()
	return len(o.loads)
}

var (
	emptyWasm   = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	corruptWasm = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, 0x01, 0x05, 0x01}
	abcPayload  = []byte("PANDA\x00\x00\x00\x0c\x00\x00\x00")
)

func linuxDevice() platform.Policy {
	return platform.Linux().WithSystemModuleDir("/system/lib64/module").WithAbcRoot("/system/etc/abc")
}

func androidDevice() platform.Policy {
	return platform.Android().WithSystemModuleDir("/system/lib64/module").WithAbcRoot("/system/etc/abc")
}

func newTestManager(t *testing.T, p platform.Policy, files map[string][]byte) (*Manager, *countingOpener) {
	t.Helper()

	fs := afero.NewMemMapFs()
	for name, data := range files {
		if data == nil {
			data = []byte("\x7fELF")
		}
		if err := afero.WriteFile(fs, name, data, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	opener := &countingOpener{libs: make(map[string]*testLib), fail: make(map[string]error)}
	m := New(Options{
		Platform: p,
		Fs:       fs,
		Opener:   opener,
		Namespaces: linkns.Options{
			SystemLibDirs: []string{"/system/lib64"},
			NDKLibDirs:    []string{"/system/lib64/ndk"},
		},
		ValidateBytecode: true,
	})
	opener.inner = loader.NewDynamic(fs, loader.OSLoaderFunc(opener.load), m.Namespaces())
	t.Cleanup(func() { m.Close(context.Background()) })
	return m, opener
}

func TestLoad_Idempotent(t *testing.T) {
	ctx := context.Background()
	m, opener := newTestManager(t, linuxDevice(), map[string][]byte{
		"/system/lib64/module/libhilog.so": nil,
	})

	first, err := m.LoadNativeModule(ctx, LoadRequest{Name: "hilog"})
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	second, err := m.LoadNativeModule(ctx, LoadRequest{Name: "hilog"})
	if err != nil {
		t.Fatalf("second load: %v", err)
	}

	if first != second {
		t.Error("loads should return the same record")
	}
	if n := len(opener.Calls()); n != 1 {
		t.Errorf("disk opens = %d, want 1", n)
	}
	if first.ResolvedPath() != "/system/lib64/module/libhilog.so" {
		t.Errorf("ResolvedPath = %s", first.ResolvedPath())
	}
	if !first.Loaded() || first.RefCount() != 2 {
		t.Errorf("Loaded=%v RefCount=%d", first.Loaded(), first.RefCount())
	}
}

func TestLoad_PathTraversal(t *testing.T) {
	ctx := context.Background()
	m, opener := newTestManager(t, linuxDevice(), nil)

	for _, name := range []string{"foo", "multimedia.audio", "x"} {
		mod, err := m.LoadNativeModule(ctx, LoadRequest{Name: name, PathKey: "default", RelativePath: "../etc"})
		if mod != nil {
			t.Errorf("%s: expected nil record", name)
		}
		if err == nil || err.Error() == "" {
			t.Errorf("%s: expected descriptive error", name)
		}
		if !errors.IsKind(err, errors.KindPathTraversal) {
			t.Errorf("%s: err = %v", name, err)
		}
	}

	if _, err := m.LoadNativeModule(ctx, LoadRequest{Name: "../../bin/sh"}); !errors.IsKind(err, errors.KindPathTraversal) {
		t.Errorf("traversal in name: %v", err)
	}
	if len(opener.Calls()) != 0 || m.Registry().Len() != 0 {
		t.Error("rejected loads must not touch the disk or the registry")
	}
}

func TestLoad_BlocklistShortCircuit(t *testing.T) {
	ctx := context.Background()
	m, opener := newTestManager(t, linuxDevice(), map[string][]byte{
		"/system/lib64/module/libx.so": nil,
	})
	m.SetModuleLoadChecker(policy.CheckerFunc(func(name string, isApp bool) (bool, nativemod.Filter) {
		return name != "x", nil
	}))

	mod, err := m.LoadNativeModule(ctx, LoadRequest{Name: "x"})
	if mod != nil || !errors.IsKind(err, errors.KindPolicyRejection) {
		t.Fatalf("got %v, %v", mod, err)
	}
	if !strings.Contains(err.Error(), "module x is in blocklist, loading prohibited") {
		t.Errorf("message = %q", err.Error())
	}
	if len(opener.Calls()) != 0 {
		t.Errorf("opener invoked: %v", opener.Calls())
	}
}

func TestLoad_DiskOnlyGate(t *testing.T) {
	ctx := context.Background()
	m, opener := newTestManager(t, linuxDevice(), map[string][]byte{
		"/system/lib64/module/libx.so": nil,
	})
	if _, err := m.Register(ctx, nativemod.Descriptor{Name: "x"}); err != nil {
		t.Fatal(err)
	}
	m.SetModuleLoadChecker(&policy.ListChecker{Blocked: []string{"x", "y"}, DiskOnly: true})

	// Cache hits bypass a disk-only gate
	if _, err := m.LoadNativeModule(ctx, LoadRequest{Name: "x"}); err != nil {
		t.Errorf("cached x: %v", err)
	}
	if _, err := m.LoadNativeModule(ctx, LoadRequest{Name: "y"}); !errors.IsKind(err, errors.KindPolicyRejection) {
		t.Errorf("y: %v", err)
	}
	if len(opener.Calls()) != 0 {
		t.Errorf("opener invoked: %v", opener.Calls())
	}
}

func TestLoad_FallbackOrder(t *testing.T) {
	ctx := context.Background()
	m, opener := newTestManager(t, linuxDevice(), map[string][]byte{
		"/system/etc/abc/multimedia/audio.abc": abcPayload,
	})

	mod, err := m.LoadNativeModule(ctx, LoadRequest{Name: "multimedia.audio"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	want := []string{
		"/system/lib64/module/multimedia/libaudio.so",
		"/system/lib64/module/multimedia/libaudio_napi.so",
	}
	calls := opener.Calls()
	if len(calls) != 2 || calls[0] != want[0] || calls[1] != want[1] {
		t.Errorf("search order = %v, want %v", calls, want)
	}
	if mod.ResolvedPath() != "/system/etc/abc/multimedia/audio.abc" {
		t.Errorf("ResolvedPath = %s", mod.ResolvedPath())
	}
	if !mod.Flags().Has(nativemod.FlagBytecode) {
		t.Errorf("flags = %v", mod.Flags())
	}
	if string(mod.Bytecode()) != string(abcPayload) {
		t.Error("bytecode not attached")
	}

	cached, ok := m.Registry().Bytecode("multimedia.audio")
	if !ok || &cached[0] != &mod.Bytecode()[0] {
		t.Error("bytecode buffer should be cached by key")
	}
}

func TestLoad_BytecodeBufferReused(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, linuxDevice(), map[string][]byte{
		"/system/etc/abc/foo.abc": abcPayload,
	})

	first, err := m.LoadNativeModule(ctx, LoadRequest{Name: "foo"})
	if err != nil {
		t.Fatal(err)
	}
	buf := first.Bytecode()
	if _, ok := m.Registry().Remove("foo"); !ok {
		t.Fatal("remove record")
	}

	second, err := m.LoadNativeModule(ctx, LoadRequest{Name: "foo"})
	if err != nil {
		t.Fatal(err)
	}
	if &second.Bytecode()[0] != &buf[0] {
		t.Error("second load should reuse the cached buffer")
	}
}

func TestLoad_LoadFailureSkipsBytecode(t *testing.T) {
	ctx := context.Background()
	m, opener := newTestManager(t, linuxDevice(), map[string][]byte{
		"/system/lib64/module/libfoo.so": nil,
		"/system/etc/abc/foo.abc":        abcPayload,
	})
	opener.fail["/system/lib64/module/libfoo.so"] = stderrors.New("undefined symbol: napi_module_register")

	mod, err := m.LoadNativeModule(ctx, LoadRequest{Name: "foo"})
	if mod != nil {
		t.Fatal("abc fallback must not run after a load failure")
	}
	if !errors.IsKind(err, errors.KindLoadFailure) {
		t.Errorf("err = %v", err)
	}
	msg := err.Error()
	if !strings.Contains(msg, "undefined symbol") || !strings.Contains(msg, "libfoo_napi.so") {
		t.Errorf("error should carry both attempts: %s", msg)
	}
}

func TestLoad_NotFound(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, linuxDevice(), nil)

	_, err := m.LoadNativeModule(ctx, LoadRequest{Name: "nothing"})
	if !errors.IsKind(err, errors.KindNotFound) {
		t.Fatalf("err = %v", err)
	}
	for _, part := range []string{"libnothing.so", "libnothing_napi.so", "nothing.abc"} {
		if !strings.Contains(err.Error(), part) {
			t.Errorf("error missing %s: %s", part, err)
		}
	}
	if m.Registry().Len() != 0 {
		t.Error("failed load must not register")
	}
}

func TestLoad_InvalidWasmBytecode(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, linuxDevice(), map[string][]byte{
		"/system/etc/abc/bad.abc":  corruptWasm,
		"/system/etc/abc/good.abc": emptyWasm,
	})

	if _, err := m.LoadNativeModule(ctx, LoadRequest{Name: "bad"}); !errors.IsKind(err, errors.KindLoadFailure) {
		t.Errorf("bad: %v", err)
	}
	if _, ok := m.Registry().Bytecode("bad"); ok {
		t.Error("rejected buffer should not stay cached")
	}
	if _, err := m.LoadNativeModule(ctx, LoadRequest{Name: "good"}); err != nil {
		t.Errorf("good: %v", err)
	}
}

func TestLoad_NoDynamicLoading(t *testing.T) {
	ctx := context.Background()
	p := platform.IOS().WithAbcRoot("/abc")
	m, opener := newTestManager(t, p, map[string][]byte{
		"/abc/foo.abc": abcPayload,
	})

	mod, err := m.LoadNativeModule(ctx, LoadRequest{Name: "foo"})
	if err != nil {
		t.Fatal(err)
	}
	if mod.ResolvedPath() != "/abc/foo.abc" || len(opener.Calls()) != 0 {
		t.Errorf("path=%s calls=%v", mod.ResolvedPath(), opener.Calls())
	}
}

func TestSetAppLibPath_NamespaceAsymmetry(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name       string
		system     bool
		wantTwoWay bool
	}{
		{"non-system app", false, false},
		{"system app", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestManager(t, androidDevice(), nil)
			if err := m.SetAppLibPath(ctx, "m", []string{"/data/app/lib"}, tt.system); err != nil {
				t.Fatal(err)
			}
			ns := m.Namespaces()
			app := linkns.AppNamespace("m")

			toDefault := ns.CanSee(app, linkns.DefaultName, "")
			fromDefault := ns.CanSee(linkns.DefaultName, app, "")
			if (toDefault && fromDefault) != tt.wantTwoWay {
				t.Errorf("two-way default visibility = %v/%v, want %v", toDefault, fromDefault, tt.wantTwoWay)
			}
			if !ns.CanSee(app, linkns.NDKName, "") {
				t.Error("app must see ndk")
			}
			if !ns.CanSee(app, linkns.DefaultName, "libc.so") {
				t.Error("app must see inherited system libraries")
			}
			if !tt.system && ns.CanSee(linkns.NDKName, app, "") {
				t.Error("ndk must not link back into a non-system app")
			}
		})
	}
}

func TestSetAppLibPath_Validation(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, linuxDevice(), nil)

	if err := m.SetAppLibPath(ctx, "", []string{"/a"}, false); !errors.IsKind(err, errors.KindInvalidInput) {
		t.Errorf("empty key: %v", err)
	}
	if err := m.SetAppLibPath(ctx, "k", nil, false); !errors.IsKind(err, errors.KindInvalidInput) {
		t.Errorf("no paths: %v", err)
	}
	if err := m.SetAppLibPath(ctx, "k", []string{"/data/../etc"}, false); !errors.IsKind(err, errors.KindPathTraversal) {
		t.Errorf("traversal: %v", err)
	}
	if len(m.Namespaces().Names()) != 2 {
		t.Error("platforms without namespaces must not create any")
	}
}

func TestRegister_RoundTrip(t *testing.T) {
	ctx := context.Background()
	m, opener := newTestManager(t, linuxDevice(), nil)

	reg, err := m.Register(ctx, nativemod.Descriptor{
		Name: "hilog",
		Register: func(ctx context.Context, exports nativemod.Exports) error {
			return exports.Set("info", "fn")
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !reg.Loaded() || !reg.Flags().Has(nativemod.FlagStatic) || reg.ResolvedPath() != nativemod.NoPath {
		t.Errorf("static record state: loaded=%v flags=%v path=%q", reg.Loaded(), reg.Flags(), reg.ResolvedPath())
	}

	got, err := m.LoadNativeModule(ctx, LoadRequest{Name: "hilog", RelativePath: "sub"})
	if err != nil {
		t.Fatal(err)
	}
	if got != reg {
		t.Error("load should return the registered record")
	}
	if len(opener.Calls()) != 0 {
		t.Errorf("disk searched: %v", opener.Calls())
	}
}

func TestRegister_HeadShadows(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, linuxDevice(), nil)

	first, _ := m.Register(ctx, nativemod.Descriptor{Name: "hilog", Version: 1})
	second, _ := m.Register(ctx, nativemod.Descriptor{Name: "hilog", Version: 2})

	got, ok := m.FindNativeModuleByCache("hilog")
	if !ok || got != second || got == first {
		t.Error("later registration should shadow the earlier one")
	}
	if mods := m.Modules(); len(mods) != 2 || mods[0] != second {
		t.Error("later registration should be at the head")
	}
	if _, err := m.Register(ctx, nativemod.Descriptor{}); !errors.IsKind(err, errors.KindInvalidInput) {
		t.Errorf("empty name: %v", err)
	}
}

func TestLoad_ConcreteScenario(t *testing.T) {
	ctx := context.Background()

	for _, p := range []platform.Policy{linuxDevice(), androidDevice()} {
		t.Run(p.Name(), func(t *testing.T) {
			m, _ := newTestManager(t, p, map[string][]byte{
				"/data/app/lib/libmymodule.so": nil,
			})
			if err := m.SetAppLibPath(ctx, "default", []string{"/data/app/lib"}, false); err != nil {
				t.Fatal(err)
			}

			mod, err := m.LoadNativeModule(ctx, LoadRequest{Name: "mymodule", PathKey: "default", IsApp: true})
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if mod.ResolvedPath() != "/data/app/lib/libmymodule.so" {
				t.Errorf("ResolvedPath = %s", mod.ResolvedPath())
			}
			if !mod.Flags().Has(nativemod.FlagAppModule) {
				t.Errorf("flags = %v", mod.Flags())
			}
			if mod.Name() != "default/mymodule" {
				t.Errorf("Name = %s", mod.Name())
			}
			if _, ok := m.Registry().LibraryFor("default/mymodule"); !ok {
				t.Error("library handle not cached under the app key")
			}

			again, err := m.LoadNativeModule(ctx, LoadRequest{Name: "mymodule", PathKey: "default", IsApp: true})
			if err != nil || again != mod {
				t.Errorf("cached reload = %v, %v", again, err)
			}
		})
	}
}

func TestLoad_ConcurrentConverges(t *testing.T) {
	ctx := context.Background()
	m, opener := newTestManager(t, linuxDevice(), map[string][]byte{
		"/system/lib64/module/libnet.so": nil,
	})

	const workers = 16
	results := make([]*nativemod.Module, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.LoadNativeModule(ctx, LoadRequest{Name: "net"})
		}(i)
	}
	wg.Wait()

	for i := range results {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if results[i] != results[0] {
			t.Fatal("concurrent loads returned different records")
		}
	}
	if n := opener.Loads(); n != 1 {
		t.Errorf("library opened %d times, want 1", n)
	}
	if m.Registry().Len() != 1 {
		t.Errorf("registry has %d records", m.Registry().Len())
	}
}

func TestLoad_SelfRegistration(t *testing.T) {
	ctx := context.Background()
	m, opener := newTestManager(t, linuxDevice(), map[string][]byte{
		"/system/lib64/module/libselfreg.so": nil,
	})

	var inFlight string
	opener.libs["/system/lib64/module/libselfreg.so"] = &testLib{
		path: "/system/lib64/module/libselfreg.so",
		hook: func(ctx context.Context) error {
			inFlight, _ = LoadingKey(ctx)
			_, err := m.Register(ctx, nativemod.Descriptor{
				Name: "selfreg",
				Register: func(ctx context.Context, exports nativemod.Exports) error {
					return nil
				},
			})
			return err
		},
	}
	static, _ := m.Register(ctx, nativemod.Descriptor{Name: "other"})

	mod, err := m.LoadNativeModule(ctx, LoadRequest{Name: "selfreg"})
	if err != nil {
		t.Fatal(err)
	}
	if inFlight != "selfreg" {
		t.Errorf("load hook saw key %q", inFlight)
	}
	if !mod.HasRegister() || !mod.Loaded() || mod.ResolvedPath() != "/system/lib64/module/libselfreg.so" {
		t.Errorf("self-registered record: register=%v loaded=%v path=%s", mod.HasRegister(), mod.Loaded(), mod.ResolvedPath())
	}
	if mod.Flags().Has(nativemod.FlagStatic) {
		t.Error("self-registered record must not be static")
	}
	mods := m.Modules()
	if len(mods) != 2 || mods[0] != static || mods[1] != mod {
		t.Error("self-registration should append at the tail")
	}
	if err := mod.SetResolvedPath("/elsewhere"); err != nativemod.ErrImmutable {
		t.Errorf("SetResolvedPath after load = %v", err)
	}
}

func TestLoad_HookFailure(t *testing.T) {
	ctx := context.Background()
	m, opener := newTestManager(t, linuxDevice(), map[string][]byte{
		"/system/lib64/module/libbroken.so": nil,
	})
	lib := &testLib{
		path: "/system/lib64/module/libbroken.so",
		hook: func(ctx context.Context) error {
			m.Register(ctx, nativemod.Descriptor{Name: "broken"})
			return stderrors.New("init failed")
		},
	}
	opener.libs[lib.path] = lib

	if _, err := m.LoadNativeModule(ctx, LoadRequest{Name: "broken"}); !errors.IsKind(err, errors.KindLoadFailure) {
		t.Errorf("err = %v", err)
	}
	if !lib.closed || m.Registry().Len() != 0 {
		t.Error("failed hook must close the library and drop its record")
	}
}

func TestLoad_EmbeddedBytecode(t *testing.T) {
	ctx := context.Background()
	m, opener := newTestManager(t, linuxDevice(), map[string][]byte{
		"/system/lib64/module/multimedia/libaudio.so": nil,
		"/system/lib64/module/libinternal.so":         nil,
	})
	payload := []byte("PANDA\x00\x00\x00embedded")
	opener.libs["/system/lib64/module/multimedia/libaudio.so"] = &testLib{
		path:     "/system/lib64/module/multimedia/libaudio.so",
		bytecode: map[string][]byte{"NAPI_multimedia_audio_GetABCCode": payload},
	}
	opener.libs["/system/lib64/module/libinternal.so"] = &testLib{
		path:     "/system/lib64/module/libinternal.so",
		bytecode: map[string][]byte{"NAPI_internal_GetABCCode": payload},
	}

	mod, err := m.LoadNativeModule(ctx, LoadRequest{Name: "multimedia.audio"})
	if err != nil {
		t.Fatal(err)
	}
	if string(mod.Bytecode()) != string(payload) {
		t.Error("embedded bytecode not stashed")
	}

	internal, err := m.LoadNativeModule(ctx, LoadRequest{Name: "internal", Internal: true})
	if err != nil {
		t.Fatal(err)
	}
	if internal.Bytecode() != nil {
		t.Error("internal loads must skip the bytecode symbol")
	}
	if !internal.Flags().Has(nativemod.FlagInternal) {
		t.Errorf("flags = %v", internal.Flags())
	}
}

func TestLoad_MissingBytecodeSymbolIsNotFailure(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, linuxDevice(), map[string][]byte{
		"/system/lib64/module/liblegacy.so": nil,
	})

	mod, err := m.LoadNativeModule(ctx, LoadRequest{Name: "legacy"})
	if err != nil || mod == nil {
		t.Fatalf("legacy load: %v", err)
	}
	if mod.Bytecode() != nil {
		t.Error("legacy module should have no payload")
	}
}

func TestLoad_CacheInconsistencyKeepsStale(t *testing.T) {
	ctx := context.Background()
	m, opener := newTestManager(t, linuxDevice(), map[string][]byte{
		"/system/lib64/module/a/libfoo.so": nil,
		"/system/lib64/module/b/libfoo.so": nil,
	})

	first, err := m.LoadNativeModule(ctx, LoadRequest{Name: "foo", RelativePath: "a"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.LoadNativeModule(ctx, LoadRequest{Name: "foo", RelativePath: "b"})
	if err != nil {
		t.Fatal(err)
	}

	if first == second {
		t.Fatal("different resolved paths must not reuse the record")
	}
	if second.ResolvedPath() != "/system/lib64/module/b/libfoo.so" {
		t.Errorf("second path = %s", second.ResolvedPath())
	}
	if m.Registry().Len() != 2 {
		t.Error("stale record should not be evicted")
	}
	if len(opener.Calls()) != 2 {
		t.Errorf("calls = %v", opener.Calls())
	}
	stale := opener.libs["/system/lib64/module/a/libfoo.so"]
	if stale == nil || stale.closed {
		t.Fatal("stale record's library must stay open")
	}
	if lib, ok := m.Registry().Library(first.Handle()); !ok || lib != stale {
		t.Error("stale record should keep its own library")
	}

	if err := m.UnloadNativeModule("foo"); err != nil {
		t.Fatal(err)
	}
	if !opener.libs["/system/lib64/module/b/libfoo.so"].closed {
		t.Error("unload should close the head record's library")
	}
	if stale.closed || first.Handle() == 0 {
		t.Error("unload must leave the stale record and its library alone")
	}
}

func TestLoad_AppKeyDoesNotShadowSystem(t *testing.T) {
	ctx := context.Background()
	m, opener := newTestManager(t, linuxDevice(), map[string][]byte{
		"/system/lib64/module/libfoo.so": nil,
		"/data/app/lib/libfoo.so":        nil,
	})
	if err := m.SetAppLibPath(ctx, "default", []string{"/data/app/lib"}, false); err != nil {
		t.Fatal(err)
	}

	sys, err := m.LoadNativeModule(ctx, LoadRequest{Name: "foo"})
	if err != nil {
		t.Fatal(err)
	}
	app, err := m.LoadNativeModule(ctx, LoadRequest{Name: "foo", PathKey: "default", IsApp: true})
	if err != nil {
		t.Fatal(err)
	}
	again, err := m.LoadNativeModule(ctx, LoadRequest{Name: "foo"})
	if err != nil {
		t.Fatal(err)
	}

	if sys == app || again != sys {
		t.Fatalf("system and app records mixed up: sys=%p app=%p again=%p", sys, app, again)
	}
	if n := opener.Loads(); n != 2 {
		t.Errorf("libraries opened %d times, want 2", n)
	}

	if err := m.UnloadNativeModule("foo"); err != nil {
		t.Fatal(err)
	}
	if !opener.libs["/system/lib64/module/libfoo.so"].closed {
		t.Error("system library should be closed")
	}
	if opener.libs["/data/app/lib/libfoo.so"].closed {
		t.Error("app library must stay open")
	}
	if got, ok := m.FindNativeModuleByCache("default/foo"); !ok || got != app {
		t.Error("app record should survive a system unload")
	}
	if _, ok := m.FindNativeModuleByCache("foo"); ok {
		t.Error("system record should be gone")
	}
}

func TestLoad_WaitsForSelfRegistration(t *testing.T) {
	ctx := context.Background()
	m, opener := newTestManager(t, linuxDevice(), map[string][]byte{
		"/system/lib64/module/libslow.so": nil,
	})

	registered := make(chan struct{})
	release := make(chan struct{})
	opener.libs["/system/lib64/module/libslow.so"] = &testLib{
		path: "/system/lib64/module/libslow.so",
		hook: func(ctx context.Context) error {
			_, err := m.Register(ctx, nativemod.Descriptor{Name: "slow"})
			close(registered)
			<-release
			return err
		},
	}

	type result struct {
		mod *nativemod.Module
		err error
	}
	firstc := make(chan result, 1)
	go func() {
		mod, err := m.LoadNativeModule(ctx, LoadRequest{Name: "slow"})
		firstc <- result{mod, err}
	}()
	<-registered

	secondc := make(chan result, 1)
	go func() {
		mod, err := m.LoadNativeModule(ctx, LoadRequest{Name: "slow"})
		var loaded bool
		var path string
		if mod != nil {
			loaded, path = mod.Loaded(), mod.ResolvedPath()
		}
		if err == nil && (!loaded || path != "/system/lib64/module/libslow.so") {
			err = stderrors.New("unfinished record returned: loaded=" + strconv.FormatBool(loaded) + " path=" + path)
		}
		secondc <- result{mod, err}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for m.loadingCount("slow") < 2 {
		if time.Now().After(deadline) {
			close(release)
			t.Fatal("second load never started waiting")
		}
		select {
		case r := <-secondc:
			close(release)
			t.Fatalf("second load returned before the first finished: %v, %v", r.mod, r.err)
		default:
		}
		time.Sleep(time.Millisecond)
	}
	close(release)

	first, second := <-firstc, <-secondc
	if first.err != nil || second.err != nil {
		t.Fatalf("first=%v second=%v", first.err, second.err)
	}
	if first.mod != second.mod {
		t.Error("both loads should return the same record")
	}
	if n := opener.Loads(); n != 1 {
		t.Errorf("library opened %d times, want 1", n)
	}
}

func TestNew_ValidateBytecode(t *testing.T) {
	ctx := context.Background()

	m := New(Options{})
	defer m.Close(ctx)
	if m.validator != nil {
		t.Error("zero ValidateBytecode must leave validation off")
	}

	d := New(DefaultOptions())
	defer d.Close(ctx)
	if d.validator == nil {
		t.Error("DefaultOptions should validate bytecode")
	}
}

func TestLoad_FilterFirstWriterWins(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, linuxDevice(), map[string][]byte{
		"/system/lib64/module/libnet.so": nil,
	})

	deny := func(string) bool { return false }
	allow := func(string) bool { return true }

	m.SetModuleLoadChecker(policy.CheckerFunc(func(string, bool) (bool, nativemod.Filter) { return true, deny }))
	mod, err := m.LoadNativeModule(ctx, LoadRequest{Name: "net"})
	if err != nil {
		t.Fatal(err)
	}
	if mod.APIAllowed("net.get") {
		t.Error("first filter should be attached")
	}

	m.SetModuleLoadChecker(policy.CheckerFunc(func(string, bool) (bool, nativemod.Filter) { return true, allow }))
	if _, err := m.LoadNativeModule(ctx, LoadRequest{Name: "net"}); err != nil {
		t.Fatal(err)
	}
	if mod.APIAllowed("net.get") {
		t.Error("second filter must not replace the first")
	}
}

func TestUnloadNativeModule(t *testing.T) {
	ctx := context.Background()
	m, opener := newTestManager(t, linuxDevice(), map[string][]byte{
		"/system/lib64/module/libnet.so": nil,
	})

	if _, err := m.LoadNativeModule(ctx, LoadRequest{Name: "net"}); err != nil {
		t.Fatal(err)
	}
	static, _ := m.Register(ctx, nativemod.Descriptor{Name: "builtin"})

	if err := m.UnloadNativeModule("net"); err != nil {
		t.Fatalf("unload net: %v", err)
	}
	if !opener.libs["/system/lib64/module/libnet.so"].closed {
		t.Error("library should be closed")
	}
	if _, ok := m.FindNativeModuleByCache("net"); ok {
		t.Error("record should be gone")
	}

	// No handle and no buffer still counts as released
	if err := m.UnloadNativeModule("builtin"); err != nil {
		t.Errorf("unload builtin: %v", err)
	}
	if static.Handle() != 0 {
		t.Error("unloaded record keeps its handle")
	}

	if err := m.UnloadNativeModule("net"); !errors.IsKind(err, errors.KindNotFound) {
		t.Errorf("second unload: %v", err)
	}
}

func TestUnloadNativeModule_CloseFailure(t *testing.T) {
	ctx := context.Background()
	m, opener := newTestManager(t, linuxDevice(), map[string][]byte{
		"/system/lib64/module/libnet.so": nil,
	})
	opener.libs["/system/lib64/module/libnet.so"] = &testLib{
		path:     "/system/lib64/module/libnet.so",
		closeErr: stderrors.New("busy"),
	}
	if _, err := m.LoadNativeModule(ctx, LoadRequest{Name: "net"}); err != nil {
		t.Fatal(err)
	}
	if err := m.UnloadNativeModule("net"); !errors.IsKind(err, errors.KindPartialRemoval) {
		t.Errorf("err = %v", err)
	}
}

func TestRemoveNativeModule(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, linuxDevice(), map[string][]byte{
		"/system/etc/abc/foo.abc": abcPayload,
	})

	if _, err := m.LoadNativeModule(ctx, LoadRequest{Name: "foo"}); err != nil {
		t.Fatal(err)
	}
	if err := m.RemoveNativeModule("foo"); err != nil {
		t.Errorf("remove: %v", err)
	}
	if _, ok := m.Registry().Bytecode("foo"); ok {
		t.Error("bytecode should be removed")
	}
	if err := m.RemoveNativeModule("foo"); !errors.IsKind(err, errors.KindNotFound) {
		t.Errorf("second remove: %v", err)
	}

	// Orphaned cache entry without a record
	m.Registry().StoreBytecode("orphan", abcPayload)
	if err := m.RemoveNativeModule("orphan"); !errors.IsKind(err, errors.KindPartialRemoval) {
		t.Errorf("orphan: %v", err)
	}
}

func TestGetModuleFileName(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, androidDevice(), map[string][]byte{
		"/data/app/lib/libmymodule.so": nil,
	})

	if got, err := m.GetModuleFileName("multimedia.audio", false); err != nil || got != "/system/lib64/module/multimedia/libaudio.so" {
		t.Errorf("system = %q, %v", got, err)
	}

	if err := m.SetAppLibPath(ctx, "default", []string{"/data/app/lib"}, false); err != nil {
		t.Fatal(err)
	}
	if got, _ := m.GetModuleFileName("mymodule", true); got != "/data/app/lib/libmymodule.so" {
		t.Errorf("app before load = %q", got)
	}
	if _, err := m.LoadNativeModule(ctx, LoadRequest{Name: "mymodule", PathKey: "default", IsApp: true}); err != nil {
		t.Fatal(err)
	}
	if got, _ := m.GetModuleFileName("mymodule", true); got != "/data/app/lib/libmymodule.so" {
		t.Errorf("app after load = %q", got)
	}
	if _, err := m.GetModuleFileName("../x", false); err == nil {
		t.Error("traversal should fail")
	}
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	m, opener := newTestManager(t, linuxDevice(), map[string][]byte{
		"/system/lib64/module/libnet.so": nil,
	})
	if _, err := m.LoadNativeModule(ctx, LoadRequest{Name: "net"}); err != nil {
		t.Fatal(err)
	}

	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !opener.libs["/system/lib64/module/libnet.so"].closed {
		t.Error("Close should close libraries")
	}
	if _, err := m.LoadNativeModule(ctx, LoadRequest{Name: "net"}); !errors.IsKind(err, errors.KindClosed) {
		t.Errorf("load after close: %v", err)
	}
	if _, err := m.Register(ctx, nativemod.Descriptor{Name: "x"}); !errors.IsKind(err, errors.KindClosed) {
		t.Errorf("register after close: %v", err)
	}
	if err := m.Close(ctx); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
