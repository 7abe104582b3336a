package verify

import (
	"crypto/x509"
	"fmt"
	"os"

	"github.com/swi-tools/swi-tools/internal/sigfile"
	"github.com/swi-tools/swi-tools/internal/swizip"
)

// Step statuses for an inspection checklist.
const (
	StatusPass = "pass"
	StatusFail = "fail"
	StatusSkip = "skip"
)

// Step is one verification stage with its outcome.
type Step struct {
	Name   string
	Status string
	Detail string
}

// Inspection is the full picture of one image's signature, gathered for
// display. Fields stay zero valued past the first failing step.
type Inspection struct {
	Path     string
	Member   string
	Region   swizip.Region
	Members  []string
	Optims   []string
	Record   sigfile.Record
	Warnings []string
	Cert     *x509.Certificate
	Root     *x509.Certificate
	Steps    []Step
	Final    Code
}

// Inspect runs the verification stages one at a time, recording each
// outcome instead of stopping at the first failure code. Stages after a
// failure are marked skipped.
func Inspect(path, rootCAPath string) Inspection {
	ins := Inspection{Path: path, Member: sigfile.MemberName(path), Final: Success}

	fail := func(name string, code Code, detail string) {
		ins.Steps = append(ins.Steps, Step{Name: name, Status: StatusFail, Detail: detail})
		ins.Final = code
	}
	pass := func(name, detail string) {
		ins.Steps = append(ins.Steps, Step{Name: name, Status: StatusPass, Detail: detail})
	}

	steps := []struct {
		name string
		run  func(name string) bool
	}{
		{"image archive", func(name string) bool {
			if _, err := os.Stat(path); err != nil {
				fail(name, ErrorVerification, err.Error())
				return false
			}
			if !swizip.IsZip(path) {
				fail(name, ErrorNotASwi, "not a zip archive")
				return false
			}
			ins.Members, _ = swizip.ExternalZip{}.List(path)
			ins.Optims, _ = swizip.Optimizations(path)
			pass(name, fmt.Sprintf("%d members", len(ins.Members)))
			return true
		}},
		{"signature member", func(name string) bool {
			ok, err := swizip.HasMember(path, ins.Member)
			if err != nil {
				fail(name, ErrorVerification, err.Error())
				return false
			}
			if !ok {
				fail(name, ErrorSignatureFile, ins.Member+" not present")
				return false
			}
			region, err := swizip.MemberRegion(path, ins.Member)
			if err != nil {
				fail(name, ErrorVerification, err.Error())
				return false
			}
			ins.Region = region
			pass(name, fmt.Sprintf("%s, %d bytes at offset %d", ins.Member, region.Size, region.Offset))
			return true
		}},
		{"record fields", func(name string) bool {
			raw, err := swizip.ReadMember(path, ins.Member)
			if err != nil {
				fail(name, ErrorVerification, err.Error())
				return false
			}
			ins.Record, ins.Warnings = sigfile.Decode(raw)
			if !ins.Record.Complete() {
				fail(name, ErrorSignatureFormat, "certificate, hash algorithm or signature missing")
				return false
			}
			pass(name, "version "+ins.Record.Version)
			return true
		}},
		{"signing certificate", func(name string) bool {
			cert, err := parseCertPEM(ins.Record.Cert)
			if err != nil {
				fail(name, ErrorInvalidSigningCert, err.Error())
				return false
			}
			ins.Cert = cert
			pass(name, cert.Subject.String())
			return true
		}},
		{"root certificate", func(name string) bool {
			root, err := loadRoot(rootCAPath)
			if err != nil {
				fail(name, ErrorInvalidRootCert, err.Error())
				return false
			}
			ins.Root = root
			pass(name, root.Subject.String())
			return true
		}},
		{"issuer signature", func(name string) bool {
			if err := checkIssued(ins.Root, ins.Cert); err != nil {
				fail(name, ErrorCertMismatch, err.Error())
				return false
			}
			pass(name, "signing certificate issued by root")
			return true
		}},
		{"hash algorithm", func(name string) bool {
			if ins.Record.Hash != "SHA-256" {
				fail(name, ErrorHashAlgorithm, "unsupported algorithm "+ins.Record.Hash)
				return false
			}
			pass(name, ins.Record.Hash)
			return true
		}},
		{"payload signature", func(name string) bool {
			digest, err := zeroFilledDigest(path, ins.Region)
			if err != nil {
				fail(name, ErrorVerification, err.Error())
				return false
			}
			if err := checkSignature(ins.Cert, digest, ins.Record.Signature); err != nil {
				fail(name, ErrorVerification, err.Error())
				return false
			}
			pass(name, fmt.Sprintf("%d signature bytes check out", len(ins.Record.Signature)))
			return true
		}},
	}

	for i, s := range steps {
		if !s.run(s.name) {
			for _, rest := range steps[i+1:] {
				ins.Steps = append(ins.Steps, Step{Name: rest.name, Status: StatusSkip})
			}
			break
		}
	}

	return ins
}
