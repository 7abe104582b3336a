// Command swi-inspect is an interactive terminal viewer for the signature
// of an Arista SWI image or SWIX extension package. It walks the same
// checks verify-swi runs and shows each one, the decoded signature record
// and the signing certificate.
//
// Usage:
//
//	swi-inspect EOS.swi [--CAfile ROOT.crt]
//
// Keys: r re-runs the checks, q quits.
package main

import (
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/swi-tools/swi-tools/internal/inspect"
	"github.com/swi-tools/swi-tools/pkg/buildinfo"
)

func main() {
	caFile := flag.String("CAfile", "", "root certificate to verify against (default: bundled Arista root certificate)")
	version := flag.Bool("version", false, "print version and exit")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: swi-inspect EOS.swi[x] [--CAfile ROOT.crt]")
		fmt.Fprintln(os.Stderr, "Interactive SWI/X signature viewer.")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *version {
		fmt.Println(buildinfo.String())
		return
	}
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	m := inspect.NewModel(flag.Arg(0), *caFile)
	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
