// Package signing prepares EOS images for signing and patches signature
// records into them. Outcomes carry numeric codes that double as the
// swi-signature process exit codes.
package signing

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/swi-tools/swi-tools/internal/audit"
	"github.com/swi-tools/swi-tools/internal/sigfile"
	"github.com/swi-tools/swi-tools/internal/swizip"
	"github.com/swi-tools/swi-tools/internal/verify"
)

// Code is a signing outcome. The numeric values are the process exit codes
// of swi-signature and are part of its interface.
type Code int

const (
	Success                   Code = 0
	AlreadySigned             Code = 1
	ErrorFailVerification     Code = 2
	ErrorNoNullSig            Code = 3
	ErrorNotASwi              Code = 4
	ErrorInputFiles           Code = 5
	ErrorNoSignatureFile      Code = 6
	ErrorNoSigningService     Code = 7
	ErrorSigningServiceFailed Code = 8
	ErrorSignatureInsertion   Code = 9
	ErrorSignatureExtraction  Code = 10
	InternalError             Code = 11
)

func (c Code) String() string {
	switch c {
	case Success:
		return "success"
	case AlreadySigned:
		return "already-signed"
	case ErrorFailVerification:
		return "fail-verification"
	case ErrorNoNullSig:
		return "no-null-sig"
	case ErrorNotASwi:
		return "not-a-swi"
	case ErrorInputFiles:
		return "input-files"
	case ErrorNoSignatureFile:
		return "no-signature-file"
	case ErrorNoSigningService:
		return "no-signing-service"
	case ErrorSigningServiceFailed:
		return "signing-service-failed"
	case ErrorSignatureInsertion:
		return "signature-insertion-failed"
	case ErrorSignatureExtraction:
		return "signature-extraction-failed"
	case InternalError:
		return "internal-error"
	}
	return fmt.Sprintf("code-%d", int(c))
}

// Error is a signing failure tagged with its outcome code.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func failf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func fail(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf maps an error from this package to its exit code. A nil error is
// Success; errors without a code are internal.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return InternalError
}

// Signer drives null-signature preparation and signing of EOS images.
// Progress lines users rely on, such as image digests, go to Out. With a
// Journal attached, every optimization the waterfall signs appends a row.
type Signer struct {
	Params   sigfile.Params
	Archiver swizip.Archiver
	Out      io.Writer
	Journal  *audit.Journal
}

// New returns a Signer writing progress to stdout.
func New(params sigfile.Params, az swizip.Archiver) *Signer {
	return &Signer{Params: params, Archiver: az, Out: os.Stdout}
}

// Prepare gives the image a null signature placeholder and returns the hex
// SHA-256 digest of the prepared file, the digest a signer must sign. With
// outPath set the input stays untouched and the copy is prepared instead.
// An existing signature is an error unless force is set, in which case it
// is removed first.
func (s *Signer) Prepare(swiPath, outPath string, force bool) (string, error) {
	if _, err := os.Stat(swiPath); err != nil {
		return "", fail(ErrorInputFiles, "cannot read input image", err)
	}

	target := swiPath
	if outPath != "" {
		if err := copyFile(swiPath, outPath); err != nil {
			return "", fail(ErrorInputFiles, "cannot write output image", err)
		}
		target = outPath
	}

	member := sigfile.MemberName(target)
	signed, err := s.signatureExists(target)
	if err != nil {
		return "", err
	}
	if signed {
		if !force {
			return "", failf(AlreadySigned, "SWI/X is already signed. Please check the signature with "+
				"the verify-swi command. To re-sign, use the --force-sign option.")
		}
		if err := s.Archiver.Delete(target, member); err != nil {
			return "", fail(InternalError, "cannot remove existing signature", err)
		}
	}

	// The placeholder is inserted with the external zip tool so a future
	// extract and re-insert cycle reproduces identical member headers.
	workDir, err := os.MkdirTemp("", "swi-nullsig-")
	if err != nil {
		return "", fail(InternalError, "cannot create scratch directory", err)
	}
	defer os.RemoveAll(workDir)

	if err := os.WriteFile(filepath.Join(workDir, member), make([]byte, s.Params.Size), 0644); err != nil {
		return "", fail(InternalError, "cannot write null signature", err)
	}
	if err := s.Archiver.InsertStored(target, []string{member}, workDir); err != nil {
		return "", fail(ErrorSignatureInsertion,
			fmt.Sprintf("cannot insert signature file %q into %q", member, target), err)
	}

	digest, err := HashFile(target)
	if err != nil {
		return "", fail(ErrorInputFiles, "cannot hash prepared image", err)
	}
	return digest, nil
}

// Sign patches a real signature record over the image's null signature and
// verifies the result. The signature comes from sigPath, a base64 signature
// of the prepared image's digest, or is generated with the RSA key at
// keyPath. Exactly one of the two must be set.
func (s *Signer) Sign(swiPath, certPath, rootCAPath, sigPath, keyPath string) error {
	signed, err := s.signatureExists(swiPath)
	if err != nil {
		return err
	}
	if !signed {
		return failf(ErrorNoNullSig, "SWI/X does not have a null signature. Please add one using "+
			"\"swi-signature prepare\" first.")
	}

	var signature []byte
	switch {
	case sigPath != "":
		raw, err := os.ReadFile(sigPath)
		if err != nil {
			return fail(ErrorInputFiles, "cannot read signature file", err)
		}
		signature, err = base64.StdEncoding.DecodeString(string(bytes.TrimSpace(raw)))
		if err != nil {
			return failf(ErrorInputFiles, "signature not in base64")
		}
	case keyPath != "":
		key, err := LoadPrivateKey(keyPath)
		if err != nil {
			return fail(ErrorInputFiles, "cannot load signing key", err)
		}
		digest, err := digestFile(swiPath)
		if err != nil {
			return fail(ErrorInputFiles, "cannot hash image", err)
		}
		signature, err = rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest)
		if err != nil {
			return fail(InternalError, "sign digest", err)
		}
	default:
		return failf(ErrorNoSignatureFile, "without a signing key a signature file is required: "+
			"run \"swi-signature prepare\" first and have the digest it prints signed and passed "+
			"to this command.")
	}

	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return fail(ErrorInputFiles, "cannot read signing certificate", err)
	}

	member := sigfile.MemberName(swiPath)
	region, err := swizip.MemberRegion(swiPath, member)
	if err != nil {
		return fail(InternalError, "locate null signature", err)
	}

	// The record must fill the placeholder exactly, whatever size prepare
	// was run with.
	params := s.Params
	params.Size = int(region.Size)
	record, err := sigfile.Encode(bytes.TrimSpace(certPEM), signature, params)
	if err != nil {
		return fail(ErrorInputFiles, "encode signature record", err)
	}
	if err := swizip.PatchRegion(swiPath, region, record); err != nil {
		return fail(InternalError, "patch signature record", err)
	}

	if res := verify.Image(swiPath, rootCAPath); res.Code != verify.Success {
		return failf(ErrorFailVerification, "verification on the signed SWI/X failed: %s", res.Code.Message())
	}
	return nil
}

// signatureExists reports whether the image already carries its signature
// member.
func (s *Signer) signatureExists(path string) (bool, error) {
	if !swizip.IsZip(path) {
		return false, failf(ErrorNotASwi, "input is not a SWI/X file")
	}
	ok, err := swizip.HasMember(path, sigfile.MemberName(path))
	if err != nil {
		return false, fail(InternalError, "inspect image", err)
	}
	return ok, nil
}

// HashFile returns the hex SHA-256 digest of a file, streamed in blocks.
func HashFile(path string) (string, error) {
	digest, err := digestFile(path)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(digest), nil
}

func digestFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("hash %s: %w", path, err)
	}
	return h.Sum(nil), nil
}

// LoadPrivateKey reads an RSA private key in PKCS#1 or PKCS#8 PEM form.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse key: %w", err)
		}
		return key, nil
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse key: %w", err)
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("key in %s is not RSA", path)
		}
		return rsaKey, nil
	}
	return nil, fmt.Errorf("unsupported key type %q", block.Type)
}

func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
