package orc

import (
	"fmt"
	"orcjit/jitsym"
)

// ReExportsMaterializationUnit defines aliases: symbols whose address is the
// address of another symbol, either in a source dylib or, for plain symbol
// aliases, in the dylib the unit is defined in.
type ReExportsMaterializationUnit struct {
	UnitBase

	// sourceJD is nil for aliases into the target dylib itself
	sourceJD         *JITDylib
	matchNonExported bool
	aliases          SymbolAliasMap
}

func newReExportsUnit(sourceJD *JITDylib, aliases SymbolAliasMap, matchNonExported bool) *ReExportsMaterializationUnit {
	own := make(SymbolAliasMap, len(aliases))
	flags := make(SymbolFlagsMap, len(aliases))
	for alias, entry := range aliases {
		own[alias] = entry
		flags[alias] = entry.AliasFlags
	}

	return &ReExportsMaterializationUnit{
		UnitBase:         UnitBase{Flags: flags},
		sourceJD:         sourceJD,
		matchNonExported: matchNonExported,
		aliases:          own,
	}
}

// ReExports creates a unit re-exporting symbols of sourceJD under the names in
// aliases
func ReExports(sourceJD *JITDylib, aliases SymbolAliasMap, matchNonExported bool) *ReExportsMaterializationUnit {
	return newReExportsUnit(sourceJD, aliases, matchNonExported)
}

// SymbolAliases creates a unit defining aliases to other symbols of the dylib
// it is defined in
func SymbolAliases(aliases SymbolAliasMap) *ReExportsMaterializationUnit {
	return newReExportsUnit(nil, aliases, true)
}

func (remu *ReExportsMaterializationUnit) Name() string {
	if remu.sourceJD == nil {
		return "<Symbol Aliases>"
	}

	return fmt.Sprintf("<Reexports from %s>", remu.sourceJD.name)
}

func (remu *ReExportsMaterializationUnit) Discard(jd *JITDylib, name jitsym.StringPtr) {
	if _, ok := remu.aliases[name]; !ok {
		contractViolation("discarding `%s` which %s does not provide", name, remu.Name())
	}

	delete(remu.aliases, name)
	remu.DropSymbol(name)
}

// aliasBatch is one round of aliases resolved by a single lookup
type aliasBatch struct {
	r       *MaterializationResponsibility
	aliases SymbolAliasMap
	names   SymbolNameSet
}

func (remu *ReExportsMaterializationUnit) Materialize(r *MaterializationResponsibility) {
	tgtJD := r.TargetJITDylib()
	srcJD := remu.sourceJD
	if srcJD == nil {
		srcJD = tgtJD
	}
	es := tgtJD.es

	// only requested aliases are resolved now; the rest go back to the dylib
	requested := r.RequestedSymbols()
	requestedAliases := make(SymbolAliasMap, len(requested))
	for name := range requested {
		entry, ok := remu.aliases[name]
		if !ok {
			contractViolation("`%s` requested from %s which does not provide it", name, remu.Name())
		}

		requestedAliases[name] = entry
		delete(remu.aliases, name)
	}

	if len(remu.aliases) > 0 {
		r.Replace(newReExportsUnit(remu.sourceJD, remu.aliases, remu.matchNonExported))
		remu.aliases = nil
	}

	// An alias whose aliasee is itself being aliased in the same dylib must
	// wait for the aliasee's own round.  A round that makes no progress means
	// the remaining aliases form a cycle.
	var batches []aliasBatch
	for len(requestedAliases) > 0 {
		batch := aliasBatch{aliases: make(SymbolAliasMap), names: make(SymbolNameSet)}
		responsibility := make(SymbolNameSet)

		for alias, entry := range requestedAliases {
			if srcJD == tgtJD {
				if _, ok := requestedAliases[entry.Aliasee]; ok {
					continue
				}
			}

			responsibility.Add(alias)
			batch.names.Add(entry.Aliasee)
			batch.aliases[alias] = entry
		}

		if len(batch.aliases) == 0 {
			cyclic := make(SymbolNameSet, len(requestedAliases))
			for alias := range requestedAliases {
				cyclic.Add(alias)
			}

			es.ReportError(&AliasCycleError{Dylib: tgtJD.name, Aliases: cyclic.Strings()})
			r.Delegate(cyclic).FailMaterialization()
			break
		}

		for alias := range batch.aliases {
			delete(requestedAliases, alias)
		}

		batch.r = r.Delegate(responsibility)
		batches = append(batches, batch)
	}

	// Rounds are issued last first.  A later round's aliasees belong to an
	// earlier round's responsibility, so its query lodges on them while they
	// are still Materializing and completes when that earlier round resolves
	// them.
	for i := len(batches) - 1; i >= 0; i-- {
		batch := batches[i]

		registerDeps := func(deps SymbolDependenceMap) {
			srcDeps, ok := deps[srcJD]
			if !ok {
				return
			}

			for alias, entry := range batch.aliases {
				if srcDeps.Contains(entry.Aliasee) {
					batch.r.addDependenciesLocked(alias, SymbolDependenceMap{srcJD: NewSymbolNameSet(entry.Aliasee)})
				}
			}
		}

		onComplete := func(result SymbolMap, err error) {
			if err != nil {
				es.ReportError(err)
				batch.r.FailMaterialization()
				return
			}

			resolution := make(SymbolMap, len(batch.aliases))
			for alias, entry := range batch.aliases {
				resolution[alias] = jitsym.EvaluatedSymbol{
					Address: result[entry.Aliasee].Address,
					Flags:   entry.AliasFlags,
				}
			}

			batch.r.NotifyResolved(resolution)
			batch.r.NotifyEmitted()
		}

		es.Lookup(JITDylibSearchList{{Dylib: srcJD, MatchNonExported: remu.matchNonExported}},
			batch.names, Resolved, onComplete, registerDeps)
	}
}

// BuildSimpleReexportsAliasMap creates an alias map re-exporting each name of
// sourceJD under the same name and flags
func BuildSimpleReexportsAliasMap(sourceJD *JITDylib, names SymbolNameSet) (SymbolAliasMap, error) {
	flags, err := sourceJD.LookupFlags(names)
	if err != nil {
		return nil, err
	}

	if len(flags) != len(names) {
		missing := make(SymbolNameSet)
		for name := range names {
			if _, ok := flags[name]; !ok {
				missing.Add(name)
			}
		}

		return nil, &SymbolsNotFoundError{Symbols: missing.Strings()}
	}

	aliases := make(SymbolAliasMap, len(flags))
	for name, f := range flags {
		aliases[name] = SymbolAliasMapEntry{Aliasee: name, AliasFlags: f}
	}

	return aliases, nil
}

// ReexportsGenerator returns a definition generator that re-exports symbols
// of sourceJD on demand.  If allow is not nil only names it accepts are
// re-exported.
func ReexportsGenerator(sourceJD *JITDylib, matchNonExported bool, allow func(jitsym.StringPtr) bool) DefinitionGenerator {
	return func(jd *JITDylib, names SymbolNameSet) (MaterializationUnit, error) {
		if sourceJD == jd {
			return nil, nil
		}

		aliases := make(SymbolAliasMap)
		for name, flags := range sourceJD.lookupFlagsLocked(names) {
			if allow != nil && !allow(name) {
				continue
			}

			if flags.HasError() || (!flags.IsExported() && !matchNonExported) {
				continue
			}

			aliases[name] = SymbolAliasMapEntry{Aliasee: name, AliasFlags: flags}
		}

		if len(aliases) == 0 {
			return nil, nil
		}

		return ReExports(sourceJD, aliases, matchNonExported), nil
	}
}
