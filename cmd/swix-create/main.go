// Command swix-create bundles RPMs into a SWIX extension package. The
// result is an uncompressed zip holding a generated manifest.txt, the RPMs
// and, optionally, a validated manifest.yaml — ready for swi-signature.
//
// Usage:
//
//	swix-create [-f] [-i manifest.yaml] OUTPUT.swix PACKAGE.rpm [PACKAGE.rpm ...]
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/swi-tools/swi-tools/internal/swix"
	"github.com/swi-tools/swi-tools/internal/swizip"
	"github.com/swi-tools/swi-tools/pkg/buildinfo"
)

func main() {
	var info string
	var force, version bool
	flag.StringVar(&info, "info", "", "location of manifest.yaml file to add metadata to OUTPUT.swix")
	flag.StringVar(&info, "i", "", "shorthand for --info")
	flag.BoolVar(&force, "force", false, "overwrite OUTPUT.swix if it already exists")
	flag.BoolVar(&force, "f", false, "shorthand for --force")
	flag.BoolVar(&version, "version", false, "print version and exit")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: swix-create [-f] [-i manifest.yaml] OUTPUT.swix PACKAGE.rpm [PACKAGE.rpm ...]")
		fmt.Fprintln(os.Stderr, "Create a SWIX extension package from RPMs.")
		flag.PrintDefaults()
	}
	flag.Parse()

	if version {
		fmt.Println(buildinfo.String())
		return
	}
	if flag.NArg() < 2 {
		flag.Usage()
		os.Exit(2)
	}

	outputSwix := flag.Arg(0)
	rpms := flag.Args()[1:]

	if err := swix.Create(outputSwix, rpms, info, force, swizip.ExternalZip{}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("SWIX file %s successfully created.\n", outputSwix)
}
