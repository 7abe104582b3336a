// Package verify implements signature verification of EOS images. Entry
// points return an outcome code rather than an error, so callers can map
// every result, including IO failures, straight to a process exit code.
package verify

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	_ "embed"
	"encoding/pem"
	"fmt"
	"io"
	"os"

	"github.com/swi-tools/swi-tools/internal/sigfile"
	"github.com/swi-tools/swi-tools/internal/swizip"
)

// The root certificate trusted when no --CAfile is given. Images signed for
// release chain up to this authority.
//
//go:embed ARISTA_ROOT_CA.crt
var defaultRootPEM []byte

// Code is a verification outcome. The numeric values are the process exit
// codes of verify-swi and are part of its interface.
type Code int

const (
	Success                 Code = 0
	ErrorSignatureFile      Code = 3
	ErrorVerification       Code = 4
	ErrorHashAlgorithm      Code = 5
	ErrorSignatureFormat    Code = 6
	ErrorNotASwi            Code = 7
	ErrorCertMismatch       Code = 8
	ErrorInvalidSigningCert Code = 9
	ErrorInvalidRootCert    Code = 10
)

// Message returns the sentence verify-swi prints for this outcome.
func (c Code) Message() string {
	switch c {
	case Success:
		return "SWI/X verification successful."
	case ErrorSignatureFile:
		return "SWI/X is not signed."
	case ErrorVerification:
		return "SWI/X verification failed."
	case ErrorHashAlgorithm:
		return "Unsupported hash algorithm for SWI/X verification."
	case ErrorSignatureFormat:
		return "Invalid SWI/X signature file."
	case ErrorNotASwi:
		return "Input does not seem to be a swi/x image."
	case ErrorCertMismatch:
		return "Signing certificate used to sign SWI/X is not signed by root certificate."
	case ErrorInvalidSigningCert:
		return "Signing certificate is not a valid certificate."
	case ErrorInvalidRootCert:
		return "Root certificate is not a valid certificate."
	}
	return fmt.Sprintf("Unknown verification result %d.", int(c))
}

func (c Code) String() string {
	switch c {
	case Success:
		return "success"
	case ErrorSignatureFile:
		return "not-signed"
	case ErrorVerification:
		return "verification-failed"
	case ErrorHashAlgorithm:
		return "unsupported-hash"
	case ErrorSignatureFormat:
		return "invalid-signature-format"
	case ErrorNotASwi:
		return "not-a-swi"
	case ErrorCertMismatch:
		return "cert-mismatch"
	case ErrorInvalidSigningCert:
		return "invalid-signing-cert"
	case ErrorInvalidRootCert:
		return "invalid-root-cert"
	}
	return fmt.Sprintf("code-%d", int(c))
}

// Result is the outcome of verifying one image.
type Result struct {
	Code     Code
	Detail   string   // underlying failure, when one exists beyond the code
	Warnings []string // malformed signature record lines
}

// Image verifies the signature of the image at path. An empty rootCAPath
// selects the compiled-in root certificate.
func Image(path, rootCAPath string) Result {
	if _, err := os.Stat(path); err != nil {
		return Result{Code: ErrorVerification, Detail: err.Error()}
	}
	if !swizip.IsZip(path) {
		return Result{Code: ErrorNotASwi}
	}

	member := sigfile.MemberName(path)
	ok, err := swizip.HasMember(path, member)
	if err != nil {
		return Result{Code: ErrorVerification, Detail: err.Error()}
	}
	if !ok {
		return Result{Code: ErrorSignatureFile}
	}

	region, err := swizip.MemberRegion(path, member)
	if err != nil {
		return Result{Code: ErrorVerification, Detail: err.Error()}
	}
	raw, err := swizip.ReadMember(path, member)
	if err != nil {
		return Result{Code: ErrorVerification, Detail: err.Error()}
	}

	rec, warnings := sigfile.Decode(raw)
	res := Result{Warnings: warnings}
	if !rec.Complete() {
		res.Code = ErrorSignatureFormat
		return res
	}

	leaf, err := parseCertPEM(rec.Cert)
	if err != nil {
		res.Code = ErrorInvalidSigningCert
		res.Detail = err.Error()
		return res
	}

	root, err := loadRoot(rootCAPath)
	if err != nil {
		res.Code = ErrorInvalidRootCert
		res.Detail = err.Error()
		return res
	}

	if err := checkIssued(root, leaf); err != nil {
		res.Code = ErrorCertMismatch
		res.Detail = err.Error()
		return res
	}

	if rec.Hash != "SHA-256" {
		res.Code = ErrorHashAlgorithm
		return res
	}

	digest, err := zeroFilledDigest(path, region)
	if err != nil {
		res.Code = ErrorVerification
		res.Detail = err.Error()
		return res
	}
	if err := checkSignature(leaf, digest, rec.Signature); err != nil {
		res.Code = ErrorVerification
		res.Detail = err.Error()
		return res
	}

	res.Code = Success
	return res
}

// parseCertPEM decodes one PEM certificate from raw text.
func parseCertPEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("no PEM certificate found")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return cert, nil
}

func loadRoot(path string) (*x509.Certificate, error) {
	data := defaultRootPEM
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read root certificate: %w", err)
		}
	}
	return parseCertPEM(data)
}

// checkIssued verifies the leaf certificate's own signature with the root's
// public key. This is a plain signature check: expiry and name chaining do
// not factor into image verification.
func checkIssued(root, leaf *x509.Certificate) error {
	return root.CheckSignature(leaf.SignatureAlgorithm, leaf.RawTBSCertificate, leaf.Signature)
}

// checkSignature verifies the payload signature against the certificate's
// public key.
func checkSignature(leaf *x509.Certificate, digest, signature []byte) error {
	pub, ok := leaf.PublicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("signing certificate does not carry an RSA public key")
	}
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest, signature)
}

// zeroFilledDigest hashes the image with the signature region replaced by
// zero bytes, the same content the image had when its digest was signed.
func zeroFilledDigest(path string, region swizip.Region) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.CopyN(h, f, region.Offset); err != nil {
		return nil, fmt.Errorf("hash %s: %w", path, err)
	}

	var zeros [32 * 1024]byte
	for remaining := region.Size; remaining > 0; {
		n := int64(len(zeros))
		if remaining < n {
			n = remaining
		}
		h.Write(zeros[:n])
		remaining -= n
	}

	if _, err := f.Seek(region.Size, io.SeekCurrent); err != nil {
		return nil, fmt.Errorf("seek past signature in %s: %w", path, err)
	}
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("hash %s: %w", path, err)
	}

	return h.Sum(nil), nil
}
