package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/blacktop/go-macho/types"
	"github.com/blacktop/symbolicator/pkg/symbolication"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSymtab(t *testing.T) {
	syms := []symbol{
		{Name: "_main", Start: 0x1000},
		{Name: "ltmp0", Start: 0x1100},
		{Name: "_helper", Start: 0x1100},
		{Name: "", Start: 0x1180},
		{Name: "_data", Start: 0x3000},
	}
	funcs := []types.Function{
		{StartAddr: 0x1000, EndAddr: 0x1080},
		{StartAddr: 0x1100, EndAddr: 0x1200},
		{StartAddr: 0x1200, EndAddr: 0x1240},
	}
	limit := func(addr uint64) uint64 {
		if addr < 0x2000 {
			return 0x2000
		}
		return 0x4000
	}

	st := newSymtab(syms, funcs, limit)
	want := symtab{
		{Name: "_main", Start: 0x1000, End: 0x1080},
		{Name: "_helper", Start: 0x1100, End: 0x1200},
		{Name: "func_1200", Start: 0x1200, End: 0x1240},
		{Name: "_data", Start: 0x3000, End: 0x4000},
	}
	assert.Equal(t, want, st)

	tests := []struct {
		addr uint64
		want string
		ok   bool
	}{
		{addr: 0xfff},
		{addr: 0x1000, want: "_main", ok: true},
		{addr: 0x107f, want: "_main", ok: true},
		{addr: 0x1080},
		{addr: 0x11ff, want: "_helper", ok: true},
		{addr: 0x1210, want: "func_1200", ok: true},
		{addr: 0x3fff, want: "_data", ok: true},
		{addr: 0x4000},
	}
	for _, tt := range tests {
		sym, ok := st.Lookup(tt.addr)
		assert.Equal(t, tt.ok, ok, "%#x", tt.addr)
		assert.Equal(t, tt.want, sym.Name, "%#x", tt.addr)
	}
}

func TestArchName(t *testing.T) {
	tests := []struct {
		cpu  types.CPU
		sub  types.CPUSubtype
		want string
	}{
		{types.CPUArm64, types.CPUSubtypeArm64All, "arm64"},
		{types.CPUArm64, types.CPUSubtypeArm64E, "arm64e"},
		{types.CPUArm64, types.CPUSubtypeArm64E | 0x80000000, "arm64e"},
		{types.CPUAmd64, types.CPUSubtypeX8664All, "x86_64"},
		{types.CPUArm, types.CPUSubtypeArmV7S, "armv7s"},
		{types.CPUI386, types.CPUSubtypeI386All, "i386"},
		{types.CPUArm6432, types.CPUSubtypeArm6432V8, "arm64_32"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, archName(tt.cpu, tt.sub))
	}
	assert.True(t, archMatches("ARM64E", types.CPUArm64, types.CPUSubtypeArm64E))
	assert.False(t, archMatches("x86_64", types.CPUArm64, types.CPUSubtypeArm64E))
}

// newTestModule builds a module with __TEXT at [0x100000000, 0x100004000)
// holding __text, and __DATA right after it.
func newTestModule(path string) *Module {
	m := &Module{
		path:     path,
		arch:     "arm64e",
		id:       uuid.New(),
		conf:     &Config{},
		symsRead: true,
		dbgRead:  true,
	}
	m.segments = []*symbolication.ModuleSection{
		{Module: path, Name: "__TEXT", FileAddr: 0x100000000, Size: 0x4000},
		{Module: path, Name: "__DATA", FileAddr: 0x100004000, Size: 0x4000},
	}
	m.sections = append(m.sections, m.segments...)
	m.sections = append(m.sections, &symbolication.ModuleSection{
		Module: path, Name: "__TEXT.__text", FileAddr: 0x100001000, Size: 0x2000,
	})
	m.syms = newSymtab([]symbol{
		{Name: "_main", Start: 0x100001000},
		{Name: "__ZN3Foo3barEv", Start: 0x100001100},
	}, []types.Function{
		{StartAddr: 0x100001000, EndAddr: 0x100001100},
		{StartAddr: 0x100001100, EndAddr: 0x100001200},
	}, m.segmentEnd)
	return m
}

func newTestTarget(mods ...*Module) *Target {
	t := newTarget(&Engine{conf: &Config{}, objects: make(map[uuid.UUID]objectRef), objectsIndex: true})
	for _, m := range mods {
		t.add(m)
	}
	return t
}

func TestModuleFindSection(t *testing.T) {
	m := newTestModule("/tmp/MyApp")

	require.NotNil(t, m.FindSection("__TEXT"))
	assert.Equal(t, uint64(0x100000000), m.FindSection("__TEXT").FileAddr)
	require.NotNil(t, m.FindSection("__TEXT.__text"))
	assert.Same(t, m.FindSection("__TEXT.__text"), m.FindSection("__text"))
	assert.Nil(t, m.FindSection("__LINKEDIT"))
}

func TestTargetIdentityMapping(t *testing.T) {
	m := newTestModule("/tmp/MyApp")
	target := newTestTarget(m)

	so, ok := target.ResolveLoadAddress(0x100001010)
	require.True(t, ok)
	assert.Equal(t, "__TEXT", so.Section.Name)
	assert.Equal(t, uint64(0x1010), so.Offset)

	load, ok := target.LoadAddress(so)
	require.True(t, ok)
	assert.Equal(t, uint64(0x100001010), load)

	_, ok = target.ResolveLoadAddress(0x1000)
	assert.False(t, ok)
}

func TestTargetSlide(t *testing.T) {
	m := newTestModule("/tmp/MyApp")
	target := newTestTarget(m)
	require.NoError(t, target.SetModuleLoadAddress(m, 0x4000))

	so, ok := target.ResolveLoadAddress(0x100005010)
	require.True(t, ok)
	assert.Equal(t, "__TEXT", so.Section.Name)
	assert.Equal(t, uint64(0x100001010), so.FileAddress())

	load, ok := target.LoadAddress(so)
	require.True(t, ok)
	assert.Equal(t, uint64(0x100005010), load)

	so, ok = target.ResolveLoadAddress(0x100008000)
	require.True(t, ok)
	assert.Equal(t, "__DATA", so.Section.Name)

	_, ok = target.ResolveLoadAddress(0x100001010)
	assert.False(t, ok, "unslid address of an unloaded range")
}

func TestTargetSectionLoad(t *testing.T) {
	m := newTestModule("/tmp/MyApp")
	target := newTestTarget(m)
	require.NoError(t, target.SetSectionLoadAddress(m.FindSection("__TEXT.__text"), 0x200000000))

	so, ok := target.ResolveLoadAddress(0x200000010)
	require.True(t, ok)
	assert.Equal(t, "__TEXT", so.Section.Name)
	assert.Equal(t, uint64(0x1010), so.Offset)

	load, ok := target.LoadAddress(so)
	require.True(t, ok)
	assert.Equal(t, uint64(0x200000010), load)

	other := newTestModule("/tmp/Other")
	assert.Error(t, target.SetSectionLoadAddress(other.FindSection("__TEXT"), 0x1000))
	assert.Error(t, target.SetModuleLoadAddress(other, 0))
}

func TestTargetOverlappingLoads(t *testing.T) {
	a := newTestModule("/tmp/A")
	b := newTestModule("/tmp/B")
	target := newTestTarget(a, b)
	require.NoError(t, target.SetSectionLoadAddress(b.FindSection("__TEXT"), 0x300002000))
	require.NoError(t, target.SetSectionLoadAddress(a.FindSection("__TEXT"), 0x300000000))

	for i := 0; i < 64; i++ {
		so, ok := target.ResolveLoadAddress(0x300002010)
		require.True(t, ok)
		assert.Equal(t, "/tmp/A", so.Section.Module)
		assert.Equal(t, uint64(0x2010), so.Offset)
	}

	so, ok := target.ResolveLoadAddress(0x300004010)
	require.True(t, ok)
	assert.Equal(t, "/tmp/B", so.Section.Module)
	assert.Equal(t, uint64(0x2010), so.Offset)
}

func TestTargetSymbolContext(t *testing.T) {
	m := newTestModule("/tmp/MyApp")
	m.conf.Demangle = true
	target := newTestTarget(m)

	so, ok := target.ResolveLoadAddress(0x100001008)
	require.True(t, ok)
	sc := target.ResolveSymbolContext(so)
	require.NotNil(t, sc.Symbol)
	assert.Equal(t, "main", sc.Symbol.Name)
	assert.Equal(t, uint64(0x100001000), sc.Symbol.Start.FileAddress())
	assert.Nil(t, sc.Function)

	so, ok = target.ResolveLoadAddress(0x100001104)
	require.True(t, ok)
	sc = target.ResolveSymbolContext(so)
	require.NotNil(t, sc.Symbol)
	assert.Equal(t, "Foo::bar()", sc.Symbol.Name)

	s := symbolication.NewSymbolicatorWithTarget(target)
	got := s.Symbolicate(0x100001104)
	require.Len(t, got, 1)
	assert.Equal(t, "MyApp`Foo::bar() + 4", got[0].Symbolication())
}

func TestTargetAddModule(t *testing.T) {
	m := newTestModule("/tmp/MyApp")
	other := newTestModule("/tmp/Other")
	target := newTestTarget(m)
	target.e.modules = []*Module{m, other}

	got, err := target.AddModule("", "", other.id)
	require.NoError(t, err)
	assert.Same(t, other, got)
	assert.Len(t, target.Modules(), 2)
	assert.Same(t, other, target.FindModule("/tmp/Other"))

	_, err = target.AddModule("", "", uuid.New())
	assert.Error(t, err)
	_, err = target.AddModule("", "", uuid.Nil)
	assert.Error(t, err)
}

func TestEngineClose(t *testing.T) {
	e, err := New(nil)
	require.NoError(t, err)
	require.NoError(t, e.Close())
	_, err = e.CreateTarget("/tmp/MyApp", "")
	assert.Error(t, err)

	_, err = New(&Config{CacheSize: -1})
	assert.Error(t, err)
	_, err = New(&Config{DsymPaths: []string{"/does/not/exist"}})
	assert.Error(t, err)
}

func TestNormalizePlatform(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "", want: ""},
		{in: "iOS", want: "ios"},
		{in: "remote-ios", want: "ios"},
		{in: "remote-macosx", want: "macos"},
		{in: "host", want: "macos"},
		{in: "watchos-simulator", want: "simulator"},
		{in: "android", wantErr: true},
	}
	for _, tt := range tests {
		got, err := NormalizePlatform(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
	assert.Equal(t, []string{"arm64e", "arm64"}, platformArchs("ios"))
	assert.Nil(t, platformArchs(""))

	_, err := New(&Config{Platform: "android"})
	assert.Error(t, err)
	e, err := New(&Config{Platform: "remote-ios"})
	require.NoError(t, err)
	assert.Equal(t, "ios", e.conf.Platform)
}

func TestEngineLocate(t *testing.T) {
	e, err := New(nil)
	require.NoError(t, err)
	defer e.Close()

	path := filepath.Join(t.TempDir(), "MyApp")
	require.NoError(t, os.WriteFile(path, []byte("not a binary"), 0o644))

	img := symbolication.NewImage(path, uuid.Nil)
	assert.True(t, e.Locate(img))
	assert.Equal(t, path, img.ResolvedPath)

	img = symbolication.NewImage(path, uuid.New())
	assert.False(t, e.Locate(img), "file is not a Mach-O with the wanted UUID")
	assert.Empty(t, img.ResolvedPath)

	img = symbolication.NewImage("/does/not/exist", uuid.Nil)
	assert.False(t, e.Locate(img))

	id := uuid.New()
	e.objects[id] = objectRef{path: "/dsyms/MyApp.dSYM/Contents/Resources/DWARF/MyApp", arch: "arm64"}
	img = symbolication.NewImage("/does/not/exist", id)
	require.True(t, e.Locate(img))
	assert.Equal(t, "/dsyms/MyApp.dSYM/Contents/Resources/DWARF/MyApp", img.ResolvedPath)
	assert.Equal(t, "arm64", img.Arch)
}

func TestAddObjectPrefersDsym(t *testing.T) {
	e, err := New(nil)
	require.NoError(t, err)
	e.objectsIndex = true

	id := uuid.New()
	dsym := objectRef{path: filepath.Join("/s", "MyApp.dSYM", "Contents", "Resources", "DWARF", "MyApp"), arch: "arm64"}
	e.addObject(id, dsym)
	e.addObject(id, objectRef{path: "/s/MyApp", arch: "arm64"})
	e.addObject(uuid.Nil, objectRef{path: "/s/Other"})

	ref, err := e.lookupObject(id)
	require.NoError(t, err)
	assert.Equal(t, dsym, ref)
	assert.Len(t, e.objects, 1)
	_, err = e.lookupObject(uuid.New())
	assert.Error(t, err)
}

func TestIndexObjectsSkipsBadPaths(t *testing.T) {
	gone := t.TempDir()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Fake"), []byte{0xcf, 0xfa, 0xed, 0xfe, 0, 0}, 0o644))

	e, err := New(&Config{DsymPaths: []string{gone, dir}})
	require.NoError(t, err)
	defer e.Close()
	require.NoError(t, os.RemoveAll(gone))

	e.indexObjects()
	assert.True(t, e.objectsIndex)
	assert.Empty(t, e.objects)
}
