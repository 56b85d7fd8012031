package backend

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"orcjit/jitsym"
	"orcjit/logging"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/value"
)

// Compiler lowers an IR module to a relocatable object
type Compiler interface {
	Compile(m *ir.Module) (*Object, error)
}

// CompilerFunc adapts a function to the Compiler interface
type CompilerFunc func(m *ir.Module) (*Object, error)

func (cf CompilerFunc) Compile(m *ir.Module) (*Object, error) {
	return cf(m)
}

// Layout constants of the objects produced by SimpleCompiler.  Each function
// body is a 16 byte header (a hash of the function's IR and its number of
// reference slots) followed by one 8 byte slot per global it references.
const (
	funcAlign      = 16
	funcHeaderSize = 16
	slotSize       = 8
	globalSize     = 8
)

// SimpleCompiler produces objects with a deterministic layout: functions are
// laid out in module order in the code section and globals in module order
// in the data section.  Every global value a function references gets a
// relocation slot; so does every global initialized with the address of
// another.
type SimpleCompiler struct {
	// DumpDir, if not empty, is a directory each compiled module's IR is
	// written to before it is compiled
	DumpDir string

	dumped atomic.Uint64
}

func (sc *SimpleCompiler) Compile(m *ir.Module) (*Object, error) {
	obj := &Object{Name: moduleName(m)}

	if sc.DumpDir != "" {
		if err := sc.dump(obj.Name, m); err != nil {
			return nil, err
		}
	}

	for _, def := range jitsym.ModuleDefinitions(m) {
		switch v := def.Value.(type) {
		case *ir.Func:
			sc.compileFunc(obj, def, v)
		case *ir.Global:
			sc.compileGlobal(obj, def, v)
		case *ir.Alias:
			aliasee, ok := referencedGlobal(v.Aliasee)
			if !ok {
				return nil, fmt.Errorf("alias `%s` in %s does not name a global value", def.Name, obj.Name)
			}

			obj.Aliases = append(obj.Aliases, ObjectAlias{Name: def.Name, Flags: def.Flags, Aliasee: aliasee})
		}
	}

	for _, alias := range obj.Aliases {
		if !obj.Defines(alias.Aliasee) {
			return nil, fmt.Errorf("alias `%s` in %s must alias a definition of the same module, not `%s`",
				alias.Name, obj.Name, alias.Aliasee)
		}
	}

	logging.LogDebug("compile", "%s", obj)
	return obj, nil
}

func (sc *SimpleCompiler) compileFunc(obj *Object, def jitsym.GlobalDefinition, f *ir.Func) {
	refs := functionReferences(f)

	offset := uint64(len(obj.Code))
	size := uint64(funcHeaderSize + slotSize*len(refs))
	body := make([]byte, alignUp(size, funcAlign))

	h := fnv.New64a()
	h.Write([]byte(f.LLString()))
	binary.LittleEndian.PutUint64(body[0:], h.Sum64())
	binary.LittleEndian.PutUint64(body[8:], uint64(len(refs)))

	for i, ref := range refs {
		obj.Relocations = append(obj.Relocations, Relocation{
			Section: SectionCode,
			Offset:  offset + funcHeaderSize + uint64(i*slotSize),
			Target:  ref,
		})
	}

	obj.Code = append(obj.Code, body...)
	obj.Symbols = append(obj.Symbols, ObjectSymbol{
		Name:    def.Name,
		Flags:   def.Flags,
		Section: SectionCode,
		Offset:  offset,
		Size:    size,
	})
}

func (sc *SimpleCompiler) compileGlobal(obj *Object, def jitsym.GlobalDefinition, g *ir.Global) {
	offset := uint64(len(obj.Data))
	slot := make([]byte, globalSize)

	switch init := g.Init.(type) {
	case *constant.Int:
		binary.LittleEndian.PutUint64(slot, uint64(init.X.Int64()))
	default:
		if target, ok := referencedGlobal(g.Init); ok {
			obj.Relocations = append(obj.Relocations, Relocation{
				Section: SectionData,
				Offset:  offset,
				Target:  target,
			})
		}
	}

	obj.Data = append(obj.Data, slot...)
	obj.Symbols = append(obj.Symbols, ObjectSymbol{
		Name:    def.Name,
		Flags:   def.Flags,
		Section: SectionData,
		Offset:  offset,
		Size:    globalSize,
	})
}

func (sc *SimpleCompiler) dump(name string, m *ir.Module) error {
	if err := os.MkdirAll(sc.DumpDir, 0755); err != nil {
		return fmt.Errorf("creating IR dump directory: %w", err)
	}

	n := sc.dumped.Add(1)
	path := filepath.Join(sc.DumpDir, fmt.Sprintf("%03d-%s.ll", n, sanitizeFileName(name)))
	if err := os.WriteFile(path, []byte(m.String()), 0644); err != nil {
		return fmt.Errorf("dumping IR of %s: %w", name, err)
	}

	return nil
}

// -----------------------------------------------------------------------------

// functionReferences lists the global values the body of f refers to in order
// of first use
func functionReferences(f *ir.Func) []string {
	var refs []string
	seen := make(map[string]struct{})

	note := func(v value.Value) {
		if name, ok := referencedGlobal(v); ok {
			if _, dup := seen[name]; !dup {
				seen[name] = struct{}{}
				refs = append(refs, name)
			}
		}
	}

	for _, block := range f.Blocks {
		for _, inst := range block.Insts {
			switch inst := inst.(type) {
			case *ir.InstCall:
				note(inst.Callee)
				for _, arg := range inst.Args {
					note(arg)
				}
			case *ir.InstLoad:
				note(inst.Src)
			case *ir.InstStore:
				note(inst.Src)
				note(inst.Dst)
			}
		}
	}

	return refs
}

// referencedGlobal returns the name of v if it is a global value
func referencedGlobal(v value.Value) (string, bool) {
	switch gv := v.(type) {
	case *ir.Func:
		return gv.Name(), true
	case *ir.Global:
		return gv.Name(), true
	case *ir.Alias:
		return gv.Name(), true
	}

	return "", false
}

var moduleCounter atomic.Uint64

func moduleName(m *ir.Module) string {
	if m.SourceFilename != "" {
		return filepath.Base(m.SourceFilename)
	}

	return fmt.Sprintf("module.%d", moduleCounter.Add(1))
}

func sanitizeFileName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '<', '>', ' ':
			return '_'
		}

		return r
	}, name)
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) / align * align
}
