package manifest

import (
	"errors"
	"fmt"
	"io/ioutil"
	"orcjit/common"
	"orcjit/jitsym"
	"orcjit/logging"
	"os"
	"path/filepath"
	"strings"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
	"github.com/pelletier/go-toml"
)

// tomlManifestFile represents the manifest file as it is encoded in TOML
type tomlManifestFile struct {
	Session *tomlSession `toml:"session"`
	Dylibs  []*tomlDylib `toml:"dylibs"`
}

// tomlSession represents the session settings as they are encoded in TOML
type tomlSession struct {
	Name          string `toml:"name"`
	Version       string `toml:"orc-version"`
	LogLevel      string `toml:"log-level,omitempty"`
	Dispatch      string `toml:"dispatch"`
	Allocator     string `toml:"allocator"`
	AllocatorBase uint64 `toml:"allocator-base,omitempty"`
	DumpDir       string `toml:"dump-dir,omitempty"`
	Lazy          bool   `toml:"lazy"`
	Entry         string `toml:"entry"`
}

// tomlDylib represents a dylib as it is encoded in TOML
type tomlDylib struct {
	Name         string          `toml:"name"`
	Modules      []string        `toml:"modules,omitempty"`
	Absolutes    []*tomlAbsolute `toml:"absolutes,omitempty"`
	ReExports    []*tomlReExport `toml:"reexports,omitempty"`
	Links        []string        `toml:"links,omitempty"`
	AddToMain    bool            `toml:"add-to-main"`
	HostSymbols  bool            `toml:"host-symbols"`
	GenerateFrom string          `toml:"generate-from,omitempty"`
}

// tomlAbsolute represents an absolute symbol as it is encoded in TOML
type tomlAbsolute struct {
	Name    string   `toml:"name"`
	Address uint64   `toml:"address"`
	Flags   []string `toml:"flags"`
}

// tomlReExport represents a re-export as it is encoded in TOML
type tomlReExport struct {
	From             string            `toml:"from"`
	Symbols          []string          `toml:"symbols,omitempty"`
	Aliases          map[string]string `toml:"aliases,omitempty"`
	MatchNonExported bool              `toml:"match-non-exported"`
}

// defaultAllocatorBase is where the simulated allocator starts when the
// manifest does not say
const defaultAllocatorBase = 0x10000000

// Load loads and validates the manifest in the directory at path
func Load(path string) (*Manifest, error) {
	f, err := os.Open(filepath.Join(path, common.ManifestFileName))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buff, err := ioutil.ReadAll(f)
	if err != nil {
		return nil, err
	}

	root, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	return Parse(buff, root)
}

// Parse decodes and validates manifest contents.  root is the directory
// module paths are relative to.
func Parse(buff []byte, root string) (*Manifest, error) {
	tmf := &tomlManifestFile{}
	if err := toml.Unmarshal(buff, tmf); err != nil {
		return nil, err
	}

	if tmf.Session == nil {
		return nil, errors.New("manifest is missing the [session] table")
	}

	m := &Manifest{Root: root}
	if err := convertSession(m, tmf.Session); err != nil {
		return nil, err
	}

	if err := convertDylibs(m, tmf.Dylibs); err != nil {
		return nil, err
	}

	if err := validateReferences(m); err != nil {
		return nil, err
	}

	return m, nil
}

// convertSession validates the session settings and moves them over
func convertSession(m *Manifest, sess *tomlSession) error {
	if !common.IsValidIdentifier(sess.Name) {
		return fmt.Errorf("session name `%s` must be a valid identifier", sess.Name)
	}

	if sess.Version != common.OrcVersion {
		logging.LogWarning(
			"manifest",
			fmt.Sprintf("manifest of session `%s` targets orc v%s but this is v%s", sess.Name, sess.Version, common.OrcVersion),
		)
	}

	m.Name = sess.Name
	m.LogLevel = sess.LogLevel
	m.Lazy = sess.Lazy
	m.Entry = sess.Entry

	if sess.Dispatch != "" {
		mode, ok := dispatchModeNames[sess.Dispatch]
		if !ok {
			return fmt.Errorf("unknown dispatch mode `%s`", sess.Dispatch)
		}

		m.Dispatch = mode
	}

	if sess.Allocator != "" {
		kind, ok := allocatorKindNames[sess.Allocator]
		if !ok {
			return fmt.Errorf("unknown allocator `%s`", sess.Allocator)
		}

		m.Allocator = kind
	}

	m.AllocatorBase = defaultAllocatorBase
	if sess.AllocatorBase != 0 {
		m.AllocatorBase = jitsym.TargetAddress(sess.AllocatorBase)
	}

	if sess.DumpDir != "" {
		m.DumpDir = filepath.Join(m.Root, sess.DumpDir)
	}

	return nil
}

// convertDylibs validates each dylib and moves it over.  The main dylib is
// created if the manifest does not list it.
func convertDylibs(m *Manifest, dylibs []*tomlDylib) error {
	main := &Dylib{Name: MainDylibRef}
	m.Dylibs = append(m.Dylibs, main)

	seen := map[string]bool{}
	for _, td := range dylibs {
		if seen[td.Name] {
			return fmt.Errorf("dylib `%s` is declared more than once", td.Name)
		}
		seen[td.Name] = true

		d := main
		if td.Name != MainDylibRef {
			if !common.IsValidIdentifier(td.Name) {
				return fmt.Errorf("dylib name `%s` must be a valid identifier", td.Name)
			}

			d = &Dylib{Name: td.Name}
			m.Dylibs = append(m.Dylibs, d)
		} else if td.AddToMain {
			return errors.New("the main dylib cannot be added to its own search order")
		}

		if err := convertDylib(m, d, td); err != nil {
			return fmt.Errorf("in dylib `%s`: %w", td.Name, err)
		}
	}

	return nil
}

func convertDylib(m *Manifest, d *Dylib, td *tomlDylib) error {
	for _, mod := range td.Modules {
		if filepath.Ext(mod) != common.IRFileExtension {
			return fmt.Errorf("module `%s` must be an IR file ending in %s", mod, common.IRFileExtension)
		}

		if !filepath.IsAbs(mod) {
			mod = filepath.Join(m.Root, mod)
		}

		d.Modules = append(d.Modules, mod)
	}

	for _, ta := range td.Absolutes {
		if ta.Name == "" {
			return errors.New("absolute symbol is missing a name")
		}

		flags, err := jitsym.ParseFlags(ta.Flags)
		if err != nil {
			return fmt.Errorf("absolute symbol `%s`: %w", ta.Name, err)
		}

		if flags.HasError() {
			return fmt.Errorf("absolute symbol `%s` cannot carry the error flag", ta.Name)
		}

		d.Absolutes = append(d.Absolutes, Absolute{
			Name:    ta.Name,
			Address: jitsym.TargetAddress(ta.Address),
			Flags:   flags | jitsym.FlagAbsolute,
		})
	}

	for _, tr := range td.ReExports {
		re := ReExport{From: tr.From, Aliases: make(map[string]string), MatchNonExported: tr.MatchNonExported}
		for _, name := range tr.Symbols {
			re.Aliases[name] = name
		}

		for alias, aliasee := range tr.Aliases {
			if _, ok := re.Aliases[alias]; ok {
				return fmt.Errorf("`%s` is re-exported from `%s` twice", alias, tr.From)
			}

			re.Aliases[alias] = aliasee
		}

		if len(re.Aliases) == 0 {
			return fmt.Errorf("re-export from `%s` names no symbols", tr.From)
		}

		d.ReExports = append(d.ReExports, re)
	}

	d.Links = td.Links
	d.AddToMain = td.AddToMain
	d.HostSymbols = td.HostSymbols
	d.GenerateFrom = td.GenerateFrom
	return nil
}

// validateReferences checks that every dylib a dylib refers to is declared
func validateReferences(m *Manifest) error {
	check := func(from *Dylib, role, name string) error {
		if _, ok := m.Dylib(name); !ok {
			return fmt.Errorf("dylib `%s` %s unknown dylib `%s`", from.Name, role, name)
		}

		return nil
	}

	for _, d := range m.Dylibs {
		for _, link := range d.Links {
			if err := check(d, "links", link); err != nil {
				return err
			}
		}

		for _, re := range d.ReExports {
			if err := check(d, "re-exports from", re.From); err != nil {
				return err
			}

			if re.From == d.Name {
				return fmt.Errorf("dylib `%s` re-exports from itself; use aliases within a module instead", d.Name)
			}
		}

		if d.GenerateFrom != "" {
			if err := check(d, "generates from", d.GenerateFrom); err != nil {
				return err
			}
		}
	}

	return nil
}

// -----------------------------------------------------------------------------

// Init creates a new manifest for a session with the given name in the
// directory at path
func Init(name, path string) error {
	manifestPath := filepath.Join(path, common.ManifestFileName)

	_, err := os.Stat(manifestPath)
	if err == nil {
		return errors.New("manifest file already exists")
	}

	if !os.IsNotExist(err) {
		return fmt.Errorf("manifest file error: %s", err.Error())
	}

	if !common.IsValidIdentifier(name) {
		return errors.New("session name must be a valid identifier")
	}

	tmf := &tomlManifestFile{
		Session: &tomlSession{
			Name:      name,
			Version:   common.OrcVersion,
			Dispatch:  DispatchInPlace.String(),
			Allocator: AllocatorSimulated.String(),
			Entry:     "main",
		},
		Dylibs: []*tomlDylib{{
			Name:        MainDylibRef,
			Modules:     []string{strings.ToLower(name) + common.IRFileExtension},
			HostSymbols: true,
		}},
	}

	f, err := os.Create(manifestPath)
	if err != nil {
		return fmt.Errorf("error creating manifest file: %s", err.Error())
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(tmf); err != nil {
		return fmt.Errorf("error encoding TOML %s", err.Error())
	}

	return writeStarterModule(filepath.Join(path, tmf.Dylibs[0].Modules[0]))
}

// writeStarterModule writes an IR file defining a `main` returning zero
// unless the file already exists
func writeStarterModule(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	m := ir.NewModule()
	m.SourceFilename = filepath.Base(path)
	main := m.NewFunc("main", types.I32)
	main.NewBlock("").NewRet(constant.NewInt(types.I32, 0))

	if err := os.WriteFile(path, []byte(m.String()), 0644); err != nil {
		return fmt.Errorf("error writing starter module: %s", err.Error())
	}

	return nil
}
