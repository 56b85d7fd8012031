package cmd

import "orcjit/jitsym"

// hostFunctions are the C library functions sessions with host symbols may
// reference.  Their call sites are left unpatched: code placed by the JIT is
// inspected, not run against the host's C library.
var hostFunctions = []string{
	"abort", "calloc", "exit", "free", "malloc", "memcpy", "memset",
	"printf", "putchar", "puts", "realloc", "strlen",
}

func hostSymbols() map[string]jitsym.TargetAddress {
	syms := make(map[string]jitsym.TargetAddress, len(hostFunctions))
	for _, name := range hostFunctions {
		syms[name] = jitsym.SkipRelocation
	}

	return syms
}
