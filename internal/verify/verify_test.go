package verify

import (
	"archive/zip"
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/swi-tools/swi-tools/internal/sigfile"
	"github.com/swi-tools/swi-tools/internal/swizip"
	"github.com/swi-tools/swi-tools/internal/testcert"
)

// buildImage writes a zip with every member stored uncompressed.
func buildImage(t *testing.T, path string, members map[string][]byte) {
	t.Helper()

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	names := make([]string, 0, len(members))
	for name := range members {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(members[name]); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
}

// signImage patches a real signature over the image's zero placeholder. The
// placeholder member must already be present.
func signImage(t *testing.T, path string, a *testcert.Authority) {
	t.Helper()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	digest := sha256.Sum256(data)

	sig, err := rsa.SignPKCS1v15(rand.Reader, a.Key, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatalf("sign digest: %v", err)
	}

	region, err := swizip.MemberRegion(path, sigfile.MemberName(path))
	if err != nil {
		t.Fatal(err)
	}
	params := sigfile.Defaults()
	params.Size = int(region.Size)
	rec, err := sigfile.Encode(bytes.TrimSpace(a.CertPEM), sig, params)
	if err != nil {
		t.Fatal(err)
	}
	if err := swizip.PatchRegion(path, region, rec); err != nil {
		t.Fatal(err)
	}
}

func preparedImage(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	buildImage(t, path, map[string][]byte{
		"version":                 []byte("4.30.1F"),
		"rootfs":                  bytes.Repeat([]byte("squashfs data "), 512),
		sigfile.MemberName(path): make([]byte, sigfile.DefaultSize),
	})
	return path
}

func TestImage_SignedImageVerifies(t *testing.T) {
	dir := t.TempDir()
	ca := testcert.New(t)
	rootPath, _, _ := ca.WriteFiles(t, dir)

	swi := preparedImage(t, dir, "image.swi")
	signImage(t, swi, ca)

	res := Image(swi, rootPath)
	if res.Code != Success {
		t.Fatalf("Code = %v (%s), want Success; detail: %s", res.Code, res.Code.Message(), res.Detail)
	}
	// Warnings are not asserted: the record's raw CRC bytes can contain
	// ':' or '\n' and trip the line parser on a perfectly good image.
}

func TestImage_SwixUsesOwnMemberName(t *testing.T) {
	dir := t.TempDir()
	ca := testcert.New(t)
	rootPath, _, _ := ca.WriteFiles(t, dir)

	swix := filepath.Join(dir, "ext.swix")
	buildImage(t, swix, map[string][]byte{
		"manifest":       []byte("format: 1\n"),
		"swix-signature": make([]byte, sigfile.DefaultSize),
	})
	signImage(t, swix, ca)

	if res := Image(swix, rootPath); res.Code != Success {
		t.Fatalf("Code = %v, want Success; detail: %s", res.Code, res.Detail)
	}

	// A swix carrying only a swi-signature member counts as unsigned.
	other := filepath.Join(dir, "other.swix")
	buildImage(t, other, map[string][]byte{
		"manifest":      []byte("format: 1\n"),
		"swi-signature": make([]byte, sigfile.DefaultSize),
	})
	if res := Image(other, rootPath); res.Code != ErrorSignatureFile {
		t.Errorf("Code = %v, want ErrorSignatureFile", res.Code)
	}
}

func TestImage_MissingFile(t *testing.T) {
	res := Image(filepath.Join(t.TempDir(), "absent.swi"), "")
	if res.Code != ErrorVerification {
		t.Errorf("Code = %v, want ErrorVerification for unreadable input", res.Code)
	}
	if res.Detail == "" {
		t.Error("Detail should carry the IO error")
	}
}

func TestImage_NotAZip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "junk.swi")
	if err := os.WriteFile(path, []byte("not an archive at all"), 0644); err != nil {
		t.Fatal(err)
	}

	if res := Image(path, ""); res.Code != ErrorNotASwi {
		t.Errorf("Code = %v, want ErrorNotASwi", res.Code)
	}
}

func TestImage_Unsigned(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.swi")
	buildImage(t, path, map[string][]byte{"version": []byte("4.30.1F")})

	if res := Image(path, ""); res.Code != ErrorSignatureFile {
		t.Errorf("Code = %v, want ErrorSignatureFile", res.Code)
	}
}

func TestImage_WrongRoot(t *testing.T) {
	dir := t.TempDir()
	signer := testcert.New(t)
	other := testcert.New(t)

	otherDir := filepath.Join(dir, "other")
	if err := os.MkdirAll(otherDir, 0755); err != nil {
		t.Fatal(err)
	}
	otherRoot, _, _ := other.WriteFiles(t, otherDir)

	swi := preparedImage(t, dir, "image.swi")
	signImage(t, swi, signer)

	res := Image(swi, otherRoot)
	if res.Code != ErrorCertMismatch {
		t.Errorf("Code = %v, want ErrorCertMismatch", res.Code)
	}
}

func TestImage_DefaultRootRejectsTestChain(t *testing.T) {
	dir := t.TempDir()
	ca := testcert.New(t)

	swi := preparedImage(t, dir, "image.swi")
	signImage(t, swi, ca)

	// The compiled-in root did not issue the test signing certificate.
	res := Image(swi, "")
	if res.Code != ErrorCertMismatch {
		t.Errorf("Code = %v, want ErrorCertMismatch against the default root", res.Code)
	}
}

func TestImage_TamperedPayload(t *testing.T) {
	dir := t.TempDir()
	ca := testcert.New(t)
	rootPath, _, _ := ca.WriteFiles(t, dir)

	swi := preparedImage(t, dir, "image.swi")
	signImage(t, swi, ca)

	raw, err := os.ReadFile(swi)
	if err != nil {
		t.Fatal(err)
	}
	idx := bytes.Index(raw, []byte("squashfs data"))
	if idx < 0 {
		t.Fatal("payload marker not found")
	}
	raw[idx] ^= 0xff
	if err := os.WriteFile(swi, raw, 0644); err != nil {
		t.Fatal(err)
	}

	res := Image(swi, rootPath)
	if res.Code != ErrorVerification {
		t.Errorf("Code = %v, want ErrorVerification after payload tampering", res.Code)
	}
}

func TestImage_MalformedRecord(t *testing.T) {
	dir := t.TempDir()
	ca := testcert.New(t)
	rootPath, _, _ := ca.WriteFiles(t, dir)

	path := filepath.Join(dir, "image.swi")
	buildImage(t, path, map[string][]byte{
		"version":       []byte("4.30.1F"),
		"swi-signature": []byte("HashAlgorithm:SHA-256\nVersion:1\n"), // no cert, no signature
	})

	res := Image(path, rootPath)
	if res.Code != ErrorSignatureFormat {
		t.Errorf("Code = %v, want ErrorSignatureFormat", res.Code)
	}
}

func TestImage_UnsupportedHashAlgorithm(t *testing.T) {
	dir := t.TempDir()
	ca := testcert.New(t)
	rootPath, _, _ := ca.WriteFiles(t, dir)

	record := "HashAlgorithm:MD5\n" +
		"IssuerCert:" + base64.StdEncoding.EncodeToString(bytes.TrimSpace(ca.CertPEM)) + "\n" +
		"Signature:" + base64.StdEncoding.EncodeToString([]byte("opaque")) + "\n" +
		"Version:1\n"
	path := filepath.Join(dir, "image.swi")
	buildImage(t, path, map[string][]byte{
		"version":       []byte("4.30.1F"),
		"swi-signature": []byte(record),
	})

	res := Image(path, rootPath)
	if res.Code != ErrorHashAlgorithm {
		t.Errorf("Code = %v, want ErrorHashAlgorithm", res.Code)
	}
}

func TestImage_InvalidSigningCert(t *testing.T) {
	dir := t.TempDir()
	ca := testcert.New(t)
	rootPath, _, _ := ca.WriteFiles(t, dir)

	record := "HashAlgorithm:SHA-256\n" +
		"IssuerCert:" + base64.StdEncoding.EncodeToString([]byte("not a certificate")) + "\n" +
		"Signature:" + base64.StdEncoding.EncodeToString([]byte("opaque")) + "\n" +
		"Version:1\n"
	path := filepath.Join(dir, "image.swi")
	buildImage(t, path, map[string][]byte{
		"version":       []byte("4.30.1F"),
		"swi-signature": []byte(record),
	})

	res := Image(path, rootPath)
	if res.Code != ErrorInvalidSigningCert {
		t.Errorf("Code = %v, want ErrorInvalidSigningCert", res.Code)
	}
}

func TestImage_InvalidRootCert(t *testing.T) {
	dir := t.TempDir()
	ca := testcert.New(t)

	swi := preparedImage(t, dir, "image.swi")
	signImage(t, swi, ca)

	badRoot := filepath.Join(dir, "root.crt")
	if err := os.WriteFile(badRoot, []byte("scrambled"), 0644); err != nil {
		t.Fatal(err)
	}

	res := Image(swi, badRoot)
	if res.Code != ErrorInvalidRootCert {
		t.Errorf("Code = %v, want ErrorInvalidRootCert", res.Code)
	}
}

func TestCode_Messages(t *testing.T) {
	if got := Success.Message(); got != "SWI/X verification successful." {
		t.Errorf("Success message = %q", got)
	}
	if got := ErrorSignatureFile.Message(); got != "SWI/X is not signed." {
		t.Errorf("ErrorSignatureFile message = %q", got)
	}
	if int(ErrorInvalidRootCert) != 10 {
		t.Errorf("ErrorInvalidRootCert = %d, want 10", int(ErrorInvalidRootCert))
	}
}

func TestInspect_SignedImage(t *testing.T) {
	dir := t.TempDir()
	ca := testcert.New(t)
	rootPath, _, _ := ca.WriteFiles(t, dir)

	swi := preparedImage(t, dir, "image.swi")
	signImage(t, swi, ca)

	ins := Inspect(swi, rootPath)
	if ins.Final != Success {
		t.Fatalf("Final = %v, want Success", ins.Final)
	}
	if len(ins.Steps) != 8 {
		t.Fatalf("steps = %d, want 8", len(ins.Steps))
	}
	for _, s := range ins.Steps {
		if s.Status != StatusPass {
			t.Errorf("step %q = %s (%s), want pass", s.Name, s.Status, s.Detail)
		}
	}
	if ins.Cert == nil || ins.Cert.Subject.CommonName != "Test Signing Cert" {
		t.Errorf("Cert not captured: %+v", ins.Cert)
	}
	if ins.Region.Size != sigfile.DefaultSize {
		t.Errorf("Region.Size = %d, want %d", ins.Region.Size, sigfile.DefaultSize)
	}
}

func TestInspect_UnsignedImageSkipsRest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.swi")
	buildImage(t, path, map[string][]byte{"version": []byte("4.30.1F")})

	ins := Inspect(path, "")
	if ins.Final != ErrorSignatureFile {
		t.Fatalf("Final = %v, want ErrorSignatureFile", ins.Final)
	}
	if len(ins.Steps) != 8 {
		t.Fatalf("steps = %d, want 8", len(ins.Steps))
	}
	if ins.Steps[0].Status != StatusPass {
		t.Errorf("archive step = %s, want pass", ins.Steps[0].Status)
	}
	if ins.Steps[1].Status != StatusFail {
		t.Errorf("member step = %s, want fail", ins.Steps[1].Status)
	}
	for _, s := range ins.Steps[2:] {
		if s.Status != StatusSkip {
			t.Errorf("step %q = %s, want skip", s.Name, s.Status)
		}
	}
}
