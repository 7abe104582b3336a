// Command verify-swi verifies the signature of an Arista SWI image or SWIX
// extension package. The exit code reports the outcome; 0 means the image is
// signed by a certificate the root CA issued and the signature matches.
//
// Usage:
//
//	verify-swi EOS.swi [--CAfile ROOT.crt] [--audit-db PATH]
//
// Without --CAfile the compiled-in Arista root certificate is used.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/swi-tools/swi-tools/internal/audit"
	"github.com/swi-tools/swi-tools/internal/verify"
	"github.com/swi-tools/swi-tools/pkg/buildinfo"
)

func main() {
	caFile := flag.String("CAfile", "", "root certificate to verify against (default: bundled Arista root certificate)")
	auditDB := flag.String("audit-db", "", "database recording verification results (or set SWI_AUDIT_DB)")
	version := flag.Bool("version", false, "print version and exit")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: verify-swi EOS.swi[x] [--CAfile ROOT.crt] [--audit-db PATH]")
		fmt.Fprintln(os.Stderr, "Verify Arista SWI or SWIX signature.")
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
	swi := flag.Arg(0)

	res := verify.Image(swi, *caFile)
	for _, w := range res.Warnings {
		fmt.Println(w)
	}
	if res.Detail != "" {
		fmt.Fprintln(os.Stderr, res.Detail)
	}
	fmt.Println(res.Code.Message())

	record(*auditDB, swi, res)
	os.Exit(int(res.Code))
}

// record journals the verification outcome when an audit database is
// configured. Journal trouble never changes the exit code.
func record(flagVal, swi string, res verify.Result) {
	dbPath := flagVal
	if dbPath == "" {
		dbPath = os.Getenv(audit.EnvDB)
	}
	if dbPath == "" {
		return
	}

	logger := log.New(os.Stderr, "[verify-swi] ", log.LstdFlags)
	j, err := audit.Open(dbPath)
	if err != nil {
		logger.Printf("audit journal unavailable: %v", err)
		return
	}
	defer j.Close()

	err = j.Record(context.Background(), audit.Entry{
		Operation: "verify",
		Image:     swi,
		Size:      audit.FileSize(swi),
		Code:      int(res.Code),
		Status:    res.Code.String(),
		Detail:    res.Detail,
	})
	if err != nil {
		logger.Printf("audit record failed: %v", err)
	}
}
