package cmd

import (
	"bytes"
	"orcjit/build"
	"orcjit/jitsym"
	"orcjit/manifest"
	"orcjit/orc"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManifest(t *testing.T) *manifest.Manifest {
	t.Helper()

	return &manifest.Manifest{
		Name:          "shell",
		Root:          t.TempDir(),
		AllocatorBase: 0x10000,
		Dylibs: []*manifest.Dylib{
			{
				Name: manifest.MainDylibRef,
				Absolutes: []manifest.Absolute{
					{Name: "answer", Address: 42, Flags: jitsym.FlagExported | jitsym.FlagAbsolute},
				},
			},
			{Name: "lib"},
		},
	}
}

func newTestShell(t *testing.T) (*shell, *bytes.Buffer) {
	t.Helper()

	e, err := build.NewEngine(testManifest(t), build.WithHostSymbols(hostSymbols()))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, e.Close()) })

	out := &bytes.Buffer{}
	return newShell(e, out), out
}

func TestShellLookup(t *testing.T) {
	sh, out := newTestShell(t)

	require.NoError(t, sh.exec("lookup answer"))
	assert.Contains(t, out.String(), "answer")
	assert.Contains(t, out.String(), "0x000000000000002a")

	out.Reset()
	err := sh.exec("lookup answer nowhere")
	var snf *orc.SymbolsNotFoundError
	require.ErrorAs(t, err, &snf)
	assert.Contains(t, out.String(), "answer")

	assert.Error(t, sh.exec("lookup"))
}

func TestShellDefineAndRemove(t *testing.T) {
	sh, out := newTestShell(t)

	require.NoError(t, sh.exec("define foo 0x1234 exported callable"))
	require.NoError(t, sh.exec("lookup foo"))
	assert.Contains(t, out.String(), "0x0000000000001234")
	assert.Contains(t, out.String(), "callable")

	var dup *orc.DuplicateDefinitionError
	assert.ErrorAs(t, sh.exec("define foo 0x99"), &dup)

	require.NoError(t, sh.exec("remove foo"))
	var snf *orc.SymbolsNotFoundError
	assert.ErrorAs(t, sh.exec("lookup foo"), &snf)
}

func TestShellDefineErrors(t *testing.T) {
	sh, _ := newTestShell(t)

	for _, line := range []string{
		"define foo",
		"define foo bar",
		"define foo 0x10 sparkly",
		"define foo 0x10 error",
	} {
		assert.Error(t, sh.exec(line), line)
	}
}

func TestShellFlags(t *testing.T) {
	sh, out := newTestShell(t)

	require.NoError(t, sh.exec("flags answer ghost"))
	assert.Contains(t, out.String(), "absolute")
	assert.Contains(t, out.String(), "undefined")
}

func TestShellUse(t *testing.T) {
	sh, out := newTestShell(t)

	assert.Error(t, sh.exec("use nowhere"))

	require.NoError(t, sh.exec("use lib"))
	assert.Equal(t, "lib", sh.jd.Name())
	require.NoError(t, sh.exec("define hidden 0x10"))

	// lib is not in the main dylib's search order
	var snf *orc.SymbolsNotFoundError
	assert.ErrorAs(t, sh.exec("lookup hidden"), &snf)

	require.NoError(t, sh.exec("use main"))
	assert.Same(t, sh.e.Session().MainJITDylib(), sh.jd)
	assert.Contains(t, out.String(), "using dylib `lib`")
}

func TestShellMisc(t *testing.T) {
	sh, out := newTestShell(t)

	assert.NoError(t, sh.exec("   "))
	assert.Error(t, sh.exec("frobnicate"))
	assert.Equal(t, errQuit, sh.exec("quit"))
	assert.Equal(t, errQuit, sh.exec("exit"))

	require.NoError(t, sh.exec("help"))
	assert.Contains(t, out.String(), "lookup <name>")

	out.Reset()
	require.NoError(t, sh.exec("dump"))
	assert.Contains(t, out.String(), "answer")
}

func TestHostSymbols(t *testing.T) {
	syms := hostSymbols()
	require.Len(t, syms, len(hostFunctions))
	assert.Equal(t, jitsym.SkipRelocation, syms["puts"])
}
