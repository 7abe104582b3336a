// Command swi-signature prepares and signs Arista SWI images and SWIX
// extension packages.
//
// Subcommands:
//
//	prepare         — check for an existing signature, insert a null
//	                  signature and print the SHA-256 digest to be signed
//	sign            — patch a real signature over the null signature and
//	                  verify the result; multi-image SWIs have every
//	                  optimization signed first
//	crc32-collision — print the four bytes that force one file's CRC32
//	                  onto another's
//	audit           — list operations recorded in the audit journal
//
// Usage:
//
//	swi-signature prepare EOS.swi [--outfile PATH] [--size N] [--force-sign]
//	swi-signature sign [--signature FILE | --key FILE] EOS.swi SIGNINGCERT.crt ROOTCERT.crt
//	swi-signature crc32-collision FILE1 FILE2
//	swi-signature audit [--op NAME] [--image PATH] [--limit N]
//
// Exit codes match the signing outcome codes; 0 is success. The audit
// journal is enabled with --audit-db or the SWI_AUDIT_DB environment
// variable.
package main

import (
	"context"
	"flag"
	"fmt"
	"hash/crc32"
	"log"
	"os"

	"github.com/swi-tools/swi-tools/internal/audit"
	"github.com/swi-tools/swi-tools/internal/crcfix"
	"github.com/swi-tools/swi-tools/internal/sigfile"
	"github.com/swi-tools/swi-tools/internal/signing"
	"github.com/swi-tools/swi-tools/internal/swizip"
	"github.com/swi-tools/swi-tools/pkg/buildinfo"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "prepare":
		os.Exit(runPrepare(os.Args[2:]))
	case "sign":
		os.Exit(runSign(os.Args[2:]))
	case "crc32-collision":
		os.Exit(runCollision(os.Args[2:]))
	case "audit":
		os.Exit(runAudit(os.Args[2:]))
	case "version", "--version", "-v":
		fmt.Println(buildinfo.String())
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown subcommand: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Sign an Arista SWI or SWIX.")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  swi-signature prepare EOS.swi[x] [--outfile PATH] [--size N] [--force-sign]")
	fmt.Println("                                     Check SWI/X for existing signature, add a null")
	fmt.Println("                                     signature and print the digest to sign")
	fmt.Println("  swi-signature sign [--signature SIGNATURE.txt | --key SIGNINGKEY.key]")
	fmt.Println("                EOS.swi[x] SIGNINGCERT.crt ROOTCERT.crt")
	fmt.Println("                                     Sign the SWI/X. The SWI/X must have a null")
	fmt.Println("                                     signature, added with \"prepare\"")
	fmt.Println("  swi-signature crc32-collision FILE1 FILE2")
	fmt.Println("                                     Print the four bytes that give FILE2's content")
	fmt.Println("                                     the CRC32 of FILE1")
	fmt.Println("  swi-signature audit [--op NAME] [--image PATH] [--limit N]")
	fmt.Println("                                     List recorded operations")
	fmt.Println()
	fmt.Println("The audit journal is written when --audit-db or SWI_AUDIT_DB names a database.")
}

func runPrepare(args []string) int {
	fs := flag.NewFlagSet("prepare", flag.ExitOnError)
	outfile := fs.String("outfile", "", "path to save SWI/X with null signature, if not replacing the input SWI/X")
	size := fs.Int("size", sigfile.DefaultSize, "size of null signature to add")
	force := fs.Bool("force-sign", false, "force signing the SWI/X if it's already signed")
	auditDB := fs.String("audit-db", "", "database recording signing operations (or set SWI_AUDIT_DB)")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: swi-signature prepare EOS.swi[x] [--outfile PATH] [--size N] [--force-sign]")
		return int(signing.ErrorInputFiles)
	}
	swi := fs.Arg(0)

	params := sigfile.Defaults()
	params.Size = *size
	signer := signing.New(params, swizip.ExternalZip{})

	digest, err := signer.Prepare(swi, *outfile, *force)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	} else {
		fmt.Println(digest)
	}

	code := signing.CodeOf(err)
	recordEntry(*auditDB, audit.Entry{
		Operation: "prepare",
		Image:     swi,
		Size:      int64(*size),
		Digest:    digest,
		Code:      int(code),
		Status:    code.String(),
		Detail:    errText(err),
	})
	return int(code)
}

func runSign(args []string) int {
	fs := flag.NewFlagSet("sign", flag.ExitOnError)
	sigFile := fs.String("signature", "", "path of base64-encoded SHA-256 signature file of the prepared SWI/X")
	keyFile := fs.String("key", "", "path of signing key, used to generate the signature")
	auditDB := fs.String("audit-db", "", "database recording signing operations (or set SWI_AUDIT_DB)")
	fs.Parse(args)

	if fs.NArg() != 3 {
		fmt.Fprintln(os.Stderr, "Usage: swi-signature sign [--signature FILE | --key FILE] EOS.swi[x] SIGNINGCERT.crt ROOTCERT.crt")
		return int(signing.ErrorInputFiles)
	}
	if *sigFile != "" && *keyFile != "" {
		fmt.Fprintln(os.Stderr, "Error: cannot specify both --signature and --key.")
		return int(signing.ErrorInputFiles)
	}
	swi, cert, rootCA := fs.Arg(0), fs.Arg(1), fs.Arg(2)

	signer := signing.New(sigfile.Defaults(), swizip.ExternalZip{})
	j := openJournal(*auditDB)
	if j != nil {
		defer j.Close()
		signer.Journal = j
	}

	err := signer.SignAll(swi, cert, rootCA, *sigFile, *keyFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	} else {
		fmt.Printf("SWI/X file %s successfully signed and verified.\n", swi)
	}

	code := signing.CodeOf(err)
	digest := ""
	if err == nil {
		// Journal the hash of the signed artifact that shipped.
		digest, _ = signing.HashFile(swi)
	}
	if j != nil {
		logRecord(j, audit.Entry{
			Operation: "sign",
			Image:     swi,
			Size:      audit.FileSize(swi),
			Digest:    digest,
			Code:      int(code),
			Status:    code.String(),
			Signer:    audit.SignerName(cert),
			Detail:    errText(err),
		})
	}
	return int(code)
}

func runCollision(args []string) int {
	fs := flag.NewFlagSet("crc32-collision", flag.ExitOnError)
	fs.Parse(args)

	if fs.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "Usage: swi-signature crc32-collision FILE1 FILE2")
		return int(signing.ErrorInputFiles)
	}

	word, err := collisionWord(fs.Arg(0), fs.Arg(1))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return int(signing.ErrorInputFiles)
	}
	fmt.Println(word)
	return int(signing.Success)
}

// collisionWord returns the four forcing bytes for the two files, formatted
// the way the collision helper has always printed them: "0x" followed by the
// bytes in the order they would be appended.
func collisionWord(fileToMatch, fileToChange string) (string, error) {
	match, err := os.ReadFile(fileToMatch)
	if err != nil {
		return "", fmt.Errorf("cannot read %s: %w", fileToMatch, err)
	}
	change, err := os.ReadFile(fileToChange)
	if err != nil {
		return "", fmt.Errorf("cannot read %s: %w", fileToChange, err)
	}

	b := crcfix.MatchingBytes(crc32.ChecksumIEEE(match), crc32.ChecksumIEEE(change))
	return fmt.Sprintf("0x%x%x%x%x", b[0], b[1], b[2], b[3]), nil
}

func runAudit(args []string) int {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	auditDB := fs.String("audit-db", "", "database recording signing operations (or set SWI_AUDIT_DB)")
	op := fs.String("op", "", "only list entries for this operation (prepare, sign, waterfall or verify)")
	image := fs.String("image", "", "only list entries for this image path")
	limit := fs.Int("limit", 20, "maximum number of entries to list")
	fs.Parse(args)

	dbPath := envOrFlag(*auditDB, audit.EnvDB)
	if dbPath == "" {
		fmt.Fprintln(os.Stderr, "Error: no audit database. Pass --audit-db or set SWI_AUDIT_DB.")
		return int(signing.ErrorInputFiles)
	}

	j, err := audit.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot open audit database: %v\n", err)
		return int(signing.ErrorInputFiles)
	}
	defer j.Close()

	entries, err := j.List(context.Background(), audit.Filter{
		Operation: *op,
		Image:     *image,
		Limit:     *limit,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot list audit entries: %v\n", err)
		return int(signing.InternalError)
	}
	for _, e := range entries {
		fmt.Println(formatEntry(e))
	}
	return int(signing.Success)
}

// formatEntry renders one journal row as a single line.
func formatEntry(e audit.Entry) string {
	line := fmt.Sprintf("%s  %-7s  %s  code=%d %s",
		e.Time.UTC().Format("2006-01-02T15:04:05Z"), e.Operation, e.Image, e.Code, e.Status)
	if e.Signer != "" {
		line += fmt.Sprintf("  signer=%q", e.Signer)
	}
	if e.Digest != "" {
		line += "  sha256=" + e.Digest
	}
	if e.Detail != "" {
		line += "  detail=" + e.Detail
	}
	return line
}

var auditLog = log.New(os.Stderr, "[swi-signature] ", log.LstdFlags)

// openJournal opens the journal named by the flag or SWI_AUDIT_DB. Nil means
// auditing is off or the database could not be opened; journal trouble is
// logged and swallowed, auditing never fails an operation that already ran.
func openJournal(flagVal string) *audit.Journal {
	dbPath := envOrFlag(flagVal, audit.EnvDB)
	if dbPath == "" {
		return nil
	}
	j, err := audit.Open(dbPath)
	if err != nil {
		auditLog.Printf("audit journal unavailable: %v", err)
		return nil
	}
	return j
}

func logRecord(j *audit.Journal, e audit.Entry) {
	if err := j.Record(context.Background(), e); err != nil {
		auditLog.Printf("audit record failed: %v", err)
	}
}

// recordEntry opens the journal, writes one row and closes it again.
func recordEntry(flagVal string, e audit.Entry) {
	j := openJournal(flagVal)
	if j == nil {
		return
	}
	defer j.Close()
	logRecord(j, e)
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func envOrFlag(flagVal, envKey string) string {
	if flagVal != "" {
		return flagVal
	}
	return os.Getenv(envKey)
}
