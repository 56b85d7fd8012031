package cmd

import (
	"fmt"
	"orcjit/build"
	"orcjit/common"
	"orcjit/logging"
	"orcjit/manifest"
	"orcjit/orc"
	"os"
	"path/filepath"
	"strings"

	"github.com/ComedicChimera/olive"
)

// Execute runs the main `orc` application
func Execute() {
	// set up the argument parser and all its extended commands and arguments
	cli := olive.NewCLI("orc", "orc is an on-request compilation JIT for LLVM IR", true)
	cli.AddSelectorArg("loglevel", "ll", "the log level", false, []string{"silent", "error", "warn", "verbose", "debug"})

	runCmd := cli.AddSubcommand("run", "materialize a session's entry point", true)
	runCmd.AddPrimaryArg("session-path", "the path to the directory holding the manifest", true)
	runCmd.AddStringArg("entry", "e", "the symbol to look up instead of the manifest's entry", false)
	runCmd.AddStringArg("symbols", "s", "comma separated symbols to look up after the entry", false)
	runCmd.AddFlag("lazy", "lz", "emit modules lazily regardless of the manifest")

	replCmd := cli.AddSubcommand("repl", "open an interactive shell on a session", true)
	replCmd.AddPrimaryArg("session-path", "the path to the directory holding the manifest", true)

	initCmd := cli.AddSubcommand("init", "create a session manifest in the working directory", true)
	initCmd.AddPrimaryArg("session-name", "the name of the new session", true)

	cli.AddSubcommand("serve", "serve executor memory over standard input and output", false)
	cli.AddSubcommand("version", "print the orc version", false)

	// run the argument parser
	result, err := olive.ParseArgs(cli, os.Args)
	if err != nil {
		logging.PrintErrorMessage("CLI Usage Error", err)
		return
	}

	loglevel := ""
	if arg, ok := result.Arguments["loglevel"]; ok {
		loglevel = arg.(string)
	}

	// process the inputed command line
	subcmdName, subResult, _ := result.Subcommand()
	switch subcmdName {
	case "run":
		if !execRunCommand(subResult, loglevel) {
			os.Exit(1)
		}
	case "repl":
		execReplCommand(subResult, loglevel)
	case "init":
		execInitCommand(subResult)
	case "serve":
		if err := execServeCommand(); err != nil {
			logging.PrintErrorMessage("Executor Error", err)
			os.Exit(1)
		}
	case "version":
		logging.PrintInfoMessage("Orc Version", common.OrcVersion)
	}
}

// loadSession loads the manifest at the primary argument of result and
// initializes the logger from it.  A log level given on the command line
// takes precedence over the manifest's.
func loadSession(result *olive.ArgParseResult, loglevel string) (*manifest.Manifest, bool) {
	relPath, _ := result.PrimaryArg()

	path, err := filepath.Abs(relPath)
	if err != nil {
		logging.PrintErrorMessage("Path Error", err)
		return nil, false
	}

	m, err := manifest.Load(path)
	if err != nil {
		logging.PrintErrorMessage("Manifest Load Error", err)
		return nil, false
	}

	if loglevel == "" {
		loglevel = m.LogLevel
	}
	logging.Initialize(loglevel)

	return m, true
}

// execRunCommand executes the run subcommand and handles all errors.  It
// returns false if anything went wrong.
func execRunCommand(result *olive.ArgParseResult, loglevel string) bool {
	m, ok := loadSession(result, loglevel)
	if !ok {
		return false
	}

	if result.HasFlag("lazy") {
		m.Lazy = true
	}

	if entry, ok := result.Arguments["entry"]; ok {
		m.Entry = entry.(string)
	}

	names := []string{m.Entry}
	if syms, ok := result.Arguments["symbols"]; ok {
		for _, name := range strings.Split(syms.(string), ",") {
			if name = strings.TrimSpace(name); name != "" {
				names = append(names, name)
			}
		}
	}

	logging.LogRunHeader(m.Name, m.Dispatch.String(), m.Lazy)
	defer logging.LogRunFinished()

	return runSession(m, names)
}

// runSession builds the session for m and looks up each of names.  It
// returns whether the run finished without logging an error.
func runSession(m *manifest.Manifest, names []string) bool {
	defer fatalOnContractViolation()

	e, closeExecutor, err := newEngine(m)
	if err != nil {
		logging.LogConfigError("Session", err.Error())
		return false
	}
	defer closeExecutor()

	rows := make([][]string, 0, len(names))
	for _, name := range names {
		if name == "" {
			logging.LogConfigError("Session", "no entry symbol given in the manifest or on the command line")
			continue
		}

		sym, err := e.Lookup(name)
		if err != nil {
			logging.LogSessionError("Lookup", err)
			continue
		}

		rows = append(rows, []string{name, sym.Address.String(), sym.Flags.String()})
	}

	if len(rows) > 0 {
		logging.LogSymbolTable([]string{"Symbol", "Address", "Flags"}, rows)
	}

	if err := e.Close(); err != nil {
		logging.LogSessionError("Session", err)
	}

	return logging.ShouldProceed()
}

// fatalOnContractViolation turns a contract violation raised by the session
// into a fatal error.  It must be deferred directly.
func fatalOnContractViolation() {
	if x := recover(); x != nil {
		if cv, ok := x.(*orc.ContractViolation); ok {
			logging.LogFatal("%s", cv.Error())
		}

		panic(x)
	}
}

// execReplCommand executes the repl subcommand
func execReplCommand(result *olive.ArgParseResult, loglevel string) {
	m, ok := loadSession(result, loglevel)
	if !ok {
		return
	}

	defer fatalOnContractViolation()

	e, closeExecutor, err := newEngine(m)
	if err != nil {
		logging.PrintErrorMessage("Session Error", err)
		return
	}
	defer closeExecutor()

	if err := runRepl(e, filepath.Join(m.Root, common.HistoryFileName)); err != nil {
		logging.PrintErrorMessage("REPL Error", err)
	}

	if err := e.Close(); err != nil {
		logging.PrintErrorMessage("Session Error", err)
	}
}

// execInitCommand executes the init subcommand
func execInitCommand(result *olive.ArgParseResult) {
	name, _ := result.PrimaryArg()

	workDir, err := os.Getwd()
	if err != nil {
		logging.PrintErrorMessage("Path Error", err)
		return
	}

	if err := manifest.Init(name, workDir); err != nil {
		logging.PrintErrorMessage("Manifest Init Error", err)
		return
	}

	logging.PrintInfoMessage("Created", fmt.Sprintf("%s for session `%s`", common.ManifestFileName, name))
}

// newEngine builds the engine for m.  Sessions using the remote allocator get
// an executor process; the returned function shuts it down.
func newEngine(m *manifest.Manifest) (*build.Engine, func(), error) {
	opts := []build.Option{build.WithHostSymbols(hostSymbols())}

	closeExecutor := func() {}
	if m.Allocator == manifest.AllocatorRemote {
		ra, stop, err := startExecutor()
		if err != nil {
			return nil, nil, err
		}

		opts = append(opts, build.WithAllocator(ra))
		closeExecutor = stop
	}

	e, err := build.NewEngine(m, opts...)
	if err != nil {
		closeExecutor()
		return nil, nil, err
	}

	return e, closeExecutor, nil
}
