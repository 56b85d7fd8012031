package orc

import (
	"fmt"
	"sort"
	"strings"
)

// DuplicateDefinitionError is returned when a strong definition is added for a
// name that is already defined
type DuplicateDefinitionError struct {
	Name string
}

func (dde *DuplicateDefinitionError) Error() string {
	return fmt.Sprintf("duplicate definition of symbol `%s`", dde.Name)
}

// SymbolsNotFoundError is returned when a lookup or removal names symbols that
// no dylib in the search order defines
type SymbolsNotFoundError struct {
	Symbols []string
}

func (snfe *SymbolsNotFoundError) Error() string {
	return fmt.Sprintf("symbols not found: [%s]", strings.Join(snfe.Symbols, ", "))
}

// SymbolsCouldNotBeRemovedError is returned when a removal names symbols that
// are currently being materialized
type SymbolsCouldNotBeRemovedError struct {
	Symbols []string
}

func (scbre *SymbolsCouldNotBeRemovedError) Error() string {
	return fmt.Sprintf("symbols could not be removed: [%s]", strings.Join(scbre.Symbols, ", "))
}

// FailedToMaterializeError is delivered to every query waiting on a symbol
// whose materialization failed.  Symbols maps dylib names to symbol names.
type FailedToMaterializeError struct {
	Symbols map[string][]string
}

func (ftme *FailedToMaterializeError) Error() string {
	return "failed to materialize symbols: " + formatDylibSymbols(ftme.Symbols)
}

// UnfulfilledResponsibilityError is returned by EndSession when some
// materialization responsibilities were never resolved, emitted or failed
type UnfulfilledResponsibilityError struct {
	Symbols map[string][]string
}

func (ure *UnfulfilledResponsibilityError) Error() string {
	return "materialization responsibilities left unfulfilled: " + formatDylibSymbols(ure.Symbols)
}

// AliasCycleError is reported when re-exports within one dylib form a cycle
type AliasCycleError struct {
	Dylib   string
	Aliases []string
}

func (ace *AliasCycleError) Error() string {
	return fmt.Sprintf("cyclic aliases in `%s`: [%s]", ace.Dylib, strings.Join(ace.Aliases, ", "))
}

func formatDylibSymbols(syms map[string][]string) string {
	dylibs := make([]string, 0, len(syms))
	for name := range syms {
		dylibs = append(dylibs, name)
	}
	sort.Strings(dylibs)

	sb := strings.Builder{}
	sb.WriteRune('{')
	for i, name := range dylibs {
		if i > 0 {
			sb.WriteString(", ")
		}

		sb.WriteString(fmt.Sprintf("%s: [%s]", name, strings.Join(syms[name], ", ")))
	}
	sb.WriteRune('}')

	return sb.String()
}

// -----------------------------------------------------------------------------

// ContractViolation is the panic value raised when a caller breaks one of the
// session's usage contracts: resolving a symbol it is not responsible for,
// emitting before resolving, changing flags on resolution and the like.  These
// are programming errors, never recoverable conditions.
type ContractViolation struct {
	Message string
}

func (cv *ContractViolation) Error() string {
	return "orc contract violation: " + cv.Message
}

func contractViolation(format string, args ...interface{}) {
	panic(&ContractViolation{Message: fmt.Sprintf(format, args...)})
}
