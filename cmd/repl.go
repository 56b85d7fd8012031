package cmd

import (
	"errors"
	"fmt"
	"io"
	"orcjit/build"
	"orcjit/jitsym"
	"orcjit/manifest"
	"orcjit/orc"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/pterm/pterm"
)

const replHelp = `commands:
  lookup <name>...                  materialize and print symbols
  define <name> <address> [flag]... define an absolute symbol
  remove <name>...                  remove symbols that are not materializing
  flags <name>...                   print the flags of defined symbols
  use <dylib>                       switch the dylib define, remove and flags act on
  dump                              print the session state
  help                              print this message
  quit                              leave the shell`

// errQuit is returned by a shell command that ends the session
var errQuit = errors.New("quit")

// shell executes REPL commands against an engine
type shell struct {
	e   *build.Engine
	jd  *orc.JITDylib
	out io.Writer
}

func newShell(e *build.Engine, out io.Writer) *shell {
	return &shell{e: e, jd: e.Session().MainJITDylib(), out: out}
}

// runRepl reads commands from the terminal until the user quits
func runRepl(e *build.Engine, historyFile string) error {
	l, err := readline.NewEx(&readline.Config{
		Prompt:            pterm.FgGreen.Sprint("orc> "),
		HistoryFile:       historyFile,
		InterruptPrompt:   "^C",
		EOFPrompt:         "quit",
		HistorySearchFold: true,
	})
	if err != nil {
		return err
	}
	defer l.Close()

	sh := newShell(e, l.Stdout())
	fmt.Fprintln(sh.out, "orc shell on session", e.Session().ID(), "(type `help` for commands)")

	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				return nil
			}

			continue
		} else if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}

		if err := sh.exec(line); err == errQuit {
			return nil
		} else if err != nil {
			fmt.Fprintln(sh.out, pterm.FgRed.Sprint("error: "), err)
		}
	}
}

// exec runs one line of input
func (sh *shell) exec(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "lookup":
		return sh.lookup(args)
	case "define":
		return sh.define(args)
	case "remove":
		return sh.remove(args)
	case "flags":
		return sh.flags(args)
	case "use":
		return sh.use(args)
	case "dump":
		sh.e.Session().Dump(sh.out)
		return nil
	case "help":
		fmt.Fprintln(sh.out, replHelp)
		return nil
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command `%s`", cmd)
	}
}

func (sh *shell) lookup(names []string) error {
	if len(names) == 0 {
		return errors.New("usage: lookup <name>...")
	}

	rows := [][]string{{"Symbol", "Address", "Flags"}}
	var firstErr error
	for _, name := range names {
		sym, err := sh.e.Lookup(name)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}

			continue
		}

		rows = append(rows, []string{name, sym.Address.String(), sym.Flags.String()})
	}

	if len(rows) > 1 {
		sh.table(rows)
	}

	return firstErr
}

func (sh *shell) define(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: define <name> <address> [flag]...")
	}

	addr, err := strconv.ParseUint(args[1], 0, 64)
	if err != nil {
		return fmt.Errorf("invalid address `%s`", args[1])
	}

	flags := jitsym.FlagExported
	if len(args) > 2 {
		if flags, err = jitsym.ParseFlags(args[2:]); err != nil {
			return err
		}

		if flags.HasError() {
			return errors.New("absolute symbols cannot carry the error flag")
		}
	}

	es := sh.e.Session()
	return sh.jd.Define(orc.AbsoluteSymbols(orc.SymbolMap{
		es.Intern(args[0]): {Address: jitsym.TargetAddress(addr), Flags: flags | jitsym.FlagAbsolute},
	}))
}

func (sh *shell) remove(names []string) error {
	if len(names) == 0 {
		return errors.New("usage: remove <name>...")
	}

	return sh.jd.Remove(sh.e.Session().NameSet(names...))
}

func (sh *shell) flags(names []string) error {
	if len(names) == 0 {
		return errors.New("usage: flags <name>...")
	}

	found, err := sh.jd.LookupFlags(sh.e.Session().NameSet(names...))
	if err != nil {
		return err
	}

	rows := [][]string{{"Symbol", "Flags"}}
	for _, name := range names {
		status := "undefined"
		for sp, f := range found {
			if sp.String() == name {
				status = f.String()
				break
			}
		}

		rows = append(rows, []string{name, status})
	}

	sh.table(rows)
	return nil
}

func (sh *shell) use(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: use <dylib>")
	}

	if jd, ok := sh.e.Dylib(args[0]); ok {
		sh.jd = jd
	} else if args[0] == manifest.MainDylibRef {
		sh.jd = sh.e.Session().MainJITDylib()
	} else {
		return fmt.Errorf("unknown dylib `%s`", args[0])
	}

	fmt.Fprintf(sh.out, "using dylib `%s`\n", sh.jd.Name())
	return nil
}

func (sh *shell) table(rows [][]string) {
	text, err := pterm.DefaultTable.WithHasHeader().WithData(rows).Srender()
	if err != nil {
		fmt.Fprintln(sh.out, err)
		return
	}

	fmt.Fprintln(sh.out, text)
}
