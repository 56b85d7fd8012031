package logging

import (
	"fmt"
	"orcjit/common"
	"strings"

	"github.com/pterm/pterm"
)

var (
	SuccessColorFG = pterm.FgLightGreen
	SuccessStyleBG = pterm.NewStyle(pterm.BgLightGreen, pterm.FgBlack)
	WarnColorFG    = pterm.FgYellow
	WarnStyleBG    = pterm.NewStyle(pterm.BgYellow, pterm.FgBlack)
	ErrorColorFG   = pterm.FgRed
	ErrorStyleBG   = pterm.NewStyle(pterm.BgRed, pterm.FgWhite)
	InfoColorFG    = SuccessColorFG
	InfoStyleBG    = SuccessStyleBG
	DebugColorFG   = pterm.FgGray
)

// debugPrinter prefixes session trace lines
var debugPrinter = &pterm.PrefixPrinter{
	MessageStyle: pterm.NewStyle(DebugColorFG),
	Prefix: pterm.Prefix{
		Style: pterm.NewStyle(pterm.BgGray, pterm.FgBlack),
		Text:  "Trace",
	},
}

// PrintErrorMessage prints a standard Go error to the console
func PrintErrorMessage(tag string, err error) {
	ErrorStyleBG.Print(tag)
	ErrorColorFG.Println(" " + err.Error())
}

// PrintWarningMessage prints a warning message to the console
func PrintWarningMessage(tag, msg string) {
	WarnStyleBG.Print(tag)
	WarnColorFG.Println(" " + msg)
}

// PrintInfoMessage prints an informational message to the user
func PrintInfoMessage(tag, msg string) {
	InfoStyleBG.Print(tag)
	InfoColorFG.Println(" " + msg)
}

// -----------------------------------------------------------------------------

func displayDebug(component, msg string) {
	debugPrinter.Println(fmt.Sprintf("[%s] %s", component, msg))
}

const fatalErrorPostlude = `
This is likely a bug in the JIT.
Please open an issue with the manifest and IR that triggered it.`

func displayFatalError(msg string) {
	fmt.Print("\n\n")
	ErrorStyleBG.Print("Fatal Error ")
	ErrorColorFG.Println(msg)
	InfoColorFG.Println(fatalErrorPostlude)
}

// displayRunHeader displays the JIT information before a run starts
func displayRunHeader(manifestName, dispatch string, lazy bool) {
	fmt.Print("orc ")
	InfoColorFG.Print("v" + common.OrcVersion)
	fmt.Print(" -- manifest: ")
	InfoColorFG.Print(manifestName)
	fmt.Print(" -- dispatch: ")
	InfoColorFG.Println(dispatch)

	if lazy {
		fmt.Println("emitting modules lazily")
	}
}

// displayTable renders lookup results as a table
func displayTable(header []string, rows [][]string) {
	data := pterm.TableData{header}
	data = append(data, rows...)

	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		// fall back to plain output: the table printer only fails on writer
		// errors which we would hit again anyways
		fmt.Println(strings.Join(header, "\t"))
		for _, row := range rows {
			fmt.Println(strings.Join(row, "\t"))
		}
	}
}

// displayRunFinished displays a run finished message
func displayRunFinished(success bool, errorCount, warningCount int) {
	fmt.Print("\n")

	if success {
		SuccessColorFG.Print("All done! ")
	} else {
		ErrorColorFG.Print("Oh no! ")
	}

	fmt.Print("(")

	switch errorCount {
	case 0:
		SuccessColorFG.Print(0)
		fmt.Print(" errors, ")
	case 1:
		ErrorColorFG.Print(1)
		fmt.Print(" error, ")
	default:
		ErrorColorFG.Print(errorCount)
		fmt.Print(" errors, ")
	}

	switch warningCount {
	case 0:
		SuccessColorFG.Print(0)
		fmt.Println(" warnings)")
	case 1:
		WarnColorFG.Print(1)
		fmt.Println(" warning)")
	default:
		WarnColorFG.Print(warningCount)
		fmt.Println(" warnings)")
	}
}
