package build

import (
	"fmt"
	"orcjit/jitsym"
	"orcjit/orc"
	"strings"
)

// chainGenerators combines generators: each is offered the names the ones
// before it did not define
func chainGenerators(gens ...orc.DefinitionGenerator) orc.DefinitionGenerator {
	if len(gens) == 1 {
		return gens[0]
	}

	return func(jd *orc.JITDylib, names orc.SymbolNameSet) (orc.MaterializationUnit, error) {
		remaining := names.Clone()
		var units []orc.MaterializationUnit

		for _, gen := range gens {
			if len(remaining) == 0 {
				break
			}

			mu, err := gen(jd, remaining)
			if err != nil {
				return nil, err
			}

			if mu == nil {
				continue
			}

			for name := range mu.SymbolFlags() {
				delete(remaining, name)
			}
			units = append(units, mu)
		}

		switch len(units) {
		case 0:
			return nil, nil
		case 1:
			return units[0], nil
		default:
			return &unitGroup{units: units}, nil
		}
	}
}

// unitGroup is the union of the units several generators produced for one
// lookup.  Materializing it hands each member its own share of the
// responsibility.
type unitGroup struct {
	units []orc.MaterializationUnit
}

func (ug *unitGroup) Name() string {
	names := make([]string, len(ug.units))
	for i, mu := range ug.units {
		names[i] = mu.Name()
	}

	return fmt.Sprintf("<Generated: %s>", strings.Join(names, ", "))
}

func (ug *unitGroup) SymbolFlags() orc.SymbolFlagsMap {
	flags := make(orc.SymbolFlagsMap)
	for _, mu := range ug.units {
		for name, f := range mu.SymbolFlags() {
			flags[name] = f
		}
	}

	return flags
}

func (ug *unitGroup) Materialize(r *orc.MaterializationResponsibility) {
	for _, mu := range ug.units {
		if names := mu.SymbolFlags().Names(); len(names) > 0 {
			mu.Materialize(r.Delegate(names))
		}
	}
}

func (ug *unitGroup) Discard(jd *orc.JITDylib, name jitsym.StringPtr) {
	for _, mu := range ug.units {
		if _, ok := mu.SymbolFlags()[name]; ok {
			mu.Discard(jd, name)
			return
		}
	}
}
