package manifest

import (
	"orcjit/common"
	"orcjit/jitsym"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleManifest = `
[session]
name = "demo"
orc-version = "0.1.0"
log-level = "debug"
dispatch = "concurrent"
allocator = "simulated"
allocator-base = 0x400000
dump-dir = "ir-dump"
lazy = false
entry = "main"

[[dylibs]]
name = "main"
modules = ["prog.ll"]
host-symbols = true

  [[dylibs.absolutes]]
  name = "answer"
  address = 42
  flags = ["exported"]

[[dylibs]]
name = "libc"
modules = ["/abs/libc.ll"]
add-to-main = true
links = ["main"]

  [[dylibs.reexports]]
  from = "main"
  symbols = ["answer"]
  aliases = { question = "answer" }
  match-non-exported = true

[[dylibs]]
name = "shim"
generate-from = "libc"
`

func TestParseManifest(t *testing.T) {
	m, err := Parse([]byte(sampleManifest), "/work")
	require.NoError(t, err)

	assert.Equal(t, "demo", m.Name)
	assert.Equal(t, "debug", m.LogLevel)
	assert.Equal(t, DispatchConcurrent, m.Dispatch)
	assert.Equal(t, AllocatorSimulated, m.Allocator)
	assert.Equal(t, jitsym.TargetAddress(0x400000), m.AllocatorBase)
	assert.Equal(t, filepath.Join("/work", "ir-dump"), m.DumpDir)
	assert.Equal(t, "main", m.Entry)

	require.Len(t, m.Dylibs, 3)

	main := m.Dylibs[0]
	assert.True(t, main.IsMain())
	assert.Equal(t, []string{filepath.Join("/work", "prog.ll")}, main.Modules)
	assert.True(t, main.HostSymbols)
	assert.Equal(t, []Absolute{{Name: "answer", Address: 42, Flags: jitsym.FlagExported | jitsym.FlagAbsolute}}, main.Absolutes)

	libc, ok := m.Dylib("libc")
	require.True(t, ok)
	assert.Equal(t, []string{"/abs/libc.ll"}, libc.Modules)
	assert.True(t, libc.AddToMain)
	assert.Equal(t, []string{"main"}, libc.Links)
	require.Len(t, libc.ReExports, 1)
	assert.Equal(t, map[string]string{"answer": "answer", "question": "answer"}, libc.ReExports[0].Aliases)
	assert.True(t, libc.ReExports[0].MatchNonExported)

	shim, ok := m.Dylib("shim")
	require.True(t, ok)
	assert.Equal(t, "libc", shim.GenerateFrom)
}

func TestParseDefaults(t *testing.T) {
	m, err := Parse([]byte("[session]\nname = \"tiny\"\norc-version = \"0.1.0\"\n"), "/work")
	require.NoError(t, err)

	assert.Equal(t, DispatchInPlace, m.Dispatch)
	assert.Equal(t, AllocatorSimulated, m.Allocator)
	assert.Equal(t, jitsym.TargetAddress(defaultAllocatorBase), m.AllocatorBase)
	assert.Empty(t, m.DumpDir)
	require.Len(t, m.Dylibs, 1)
	assert.True(t, m.Dylibs[0].IsMain())
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		name     string
		manifest string
		want     string
	}{
		{"missing session", "[[dylibs]]\nname = \"a\"\n", "missing the [session] table"},
		{"bad session name", "[session]\nname = \"9lives\"\n", "valid identifier"},
		{"bad dispatch", "[session]\nname = \"s\"\ndispatch = \"threads\"\n", "unknown dispatch mode"},
		{"bad allocator", "[session]\nname = \"s\"\nallocator = \"heap\"\n", "unknown allocator"},
		{"duplicate dylib", "[session]\nname = \"s\"\n[[dylibs]]\nname = \"a\"\n[[dylibs]]\nname = \"a\"\n", "declared more than once"},
		{"bad module", "[session]\nname = \"s\"\n[[dylibs]]\nname = \"a\"\nmodules = [\"a.c\"]\n", "must be an IR file"},
		{"bad flag", "[session]\nname = \"s\"\n[[dylibs]]\nname = \"a\"\n[[dylibs.absolutes]]\nname = \"x\"\nflags = [\"sticky\"]\n", "unknown symbol flag"},
		{"unknown link", "[session]\nname = \"s\"\n[[dylibs]]\nname = \"a\"\nlinks = [\"b\"]\n", "unknown dylib `b`"},
		{"self reexport", "[session]\nname = \"s\"\n[[dylibs]]\nname = \"a\"\n[[dylibs.reexports]]\nfrom = \"a\"\nsymbols = [\"x\"]\n", "re-exports from itself"},
		{"empty reexport", "[session]\nname = \"s\"\n[[dylibs]]\nname = \"a\"\n[[dylibs.reexports]]\nfrom = \"main\"\n", "names no symbols"},
		{"main added to main", "[session]\nname = \"s\"\n[[dylibs]]\nname = \"main\"\nadd-to-main = true\n", "own search order"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Parse([]byte(c.manifest), "/work")
			assert.ErrorContains(t, err, c.want)
		})
	}
}

func TestInitAndLoad(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Init("hello", dir))

	m, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "hello", m.Name)
	assert.Equal(t, "main", m.Entry)
	require.Len(t, m.Dylibs, 1)
	assert.True(t, m.Dylibs[0].HostSymbols)
	assert.Equal(t, []string{filepath.Join(dir, "hello"+common.IRFileExtension)}, m.Dylibs[0].Modules)

	ir, err := os.ReadFile(m.Dylibs[0].Modules[0])
	require.NoError(t, err)
	assert.Contains(t, string(ir), "define i32 @main()")

	assert.ErrorContains(t, Init("hello", dir), "already exists")
	assert.Error(t, Init("not valid", t.TempDir()))
}
