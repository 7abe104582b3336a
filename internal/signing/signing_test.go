package signing

import (
	"archive/zip"
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"testing"

	"github.com/swi-tools/swi-tools/internal/sigfile"
	"github.com/swi-tools/swi-tools/internal/swizip"
	"github.com/swi-tools/swi-tools/internal/testcert"
	"github.com/swi-tools/swi-tools/internal/verify"
)

func requireZipTools(t *testing.T) {
	t.Helper()
	for _, tool := range []string{"zip", "unzip"} {
		if _, err := exec.LookPath(tool); err != nil {
			t.Skipf("%s not installed", tool)
		}
	}
}

// buildImage writes a zip with every member stored uncompressed. Mode, when
// nonzero, is applied to all members so extracted helpers stay executable.
func buildImage(t *testing.T, path string, members map[string][]byte, mode os.FileMode) {
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
		fh := &zip.FileHeader{Name: name, Method: zip.Store}
		if mode != 0 {
			fh.SetMode(mode)
		}
		w, err := zw.CreateHeader(fh)
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

func plainSWI(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	buildImage(t, path, map[string][]byte{
		"version": []byte("4.30.1F"),
		"rootfs":  bytes.Repeat([]byte("squashfs blocks "), 1024),
	}, 0)
	return path
}

func newSigner() *Signer {
	s := New(sigfile.Defaults(), swizip.ExternalZip{})
	s.Out = io.Discard
	return s
}

func TestPrepare_InsertsPlaceholderAndReturnsDigest(t *testing.T) {
	requireZipTools(t)

	dir := t.TempDir()
	swi := plainSWI(t, dir, "image.swi")
	s := newSigner()

	digest, err := s.Prepare(swi, "", false)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	region, err := swizip.MemberRegion(swi, "swi-signature")
	if err != nil {
		t.Fatalf("placeholder not present: %v", err)
	}
	if region.Size != sigfile.DefaultSize {
		t.Errorf("placeholder size = %d, want %d", region.Size, sigfile.DefaultSize)
	}

	data, err := os.ReadFile(swi)
	if err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256(data)
	if want := hex.EncodeToString(sum[:]); digest != want {
		t.Errorf("digest = %s, want %s", digest, want)
	}
}

func TestPrepare_OutfileLeavesInputUntouched(t *testing.T) {
	requireZipTools(t)

	dir := t.TempDir()
	swi := plainSWI(t, dir, "image.swi")
	before, err := os.ReadFile(swi)
	if err != nil {
		t.Fatal(err)
	}

	out := filepath.Join(dir, "prepared.swi")
	if _, err := newSigner().Prepare(swi, out, false); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	after, err := os.ReadFile(swi)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Error("input image changed although an outfile was given")
	}

	if ok, _ := swizip.HasMember(out, "swi-signature"); !ok {
		t.Error("outfile has no null signature")
	}
}

func TestPrepare_CustomSize(t *testing.T) {
	requireZipTools(t)

	dir := t.TempDir()
	swi := plainSWI(t, dir, "image.swi")

	s := newSigner()
	s.Params.Size = 4096
	if _, err := s.Prepare(swi, "", false); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	region, err := swizip.MemberRegion(swi, "swi-signature")
	if err != nil {
		t.Fatal(err)
	}
	if region.Size != 4096 {
		t.Errorf("placeholder size = %d, want 4096", region.Size)
	}
}

func TestPrepare_AlreadySigned(t *testing.T) {
	requireZipTools(t)

	dir := t.TempDir()
	swi := plainSWI(t, dir, "image.swi")
	s := newSigner()

	if _, err := s.Prepare(swi, "", false); err != nil {
		t.Fatalf("first Prepare: %v", err)
	}

	_, err := s.Prepare(swi, "", false)
	if CodeOf(err) != AlreadySigned {
		t.Fatalf("second Prepare code = %v, want AlreadySigned", CodeOf(err))
	}

	if _, err := s.Prepare(swi, "", true); err != nil {
		t.Fatalf("forced Prepare: %v", err)
	}
	names, err := s.Archiver.List(swi)
	if err != nil {
		t.Fatal(err)
	}
	count := 0
	for _, n := range names {
		if n == "swi-signature" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("swi-signature members = %d, want 1 after forced re-prepare", count)
	}
}

func TestPrepare_NotAZip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "junk.swi")
	if err := os.WriteFile(path, []byte("no archive here"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := newSigner().Prepare(path, "", false)
	if CodeOf(err) != ErrorNotASwi {
		t.Errorf("code = %v, want ErrorNotASwi", CodeOf(err))
	}
}

func TestPrepare_MissingInput(t *testing.T) {
	_, err := newSigner().Prepare(filepath.Join(t.TempDir(), "absent.swi"), "", false)
	if CodeOf(err) != ErrorInputFiles {
		t.Errorf("code = %v, want ErrorInputFiles", CodeOf(err))
	}
}

func TestSign_WithoutPrepare(t *testing.T) {
	requireZipTools(t)

	dir := t.TempDir()
	ca := testcert.New(t)
	_, certPath, keyPath := ca.WriteFiles(t, dir)
	swi := plainSWI(t, dir, "image.swi")

	err := newSigner().Sign(swi, certPath, "", "", keyPath)
	if CodeOf(err) != ErrorNoNullSig {
		t.Errorf("code = %v, want ErrorNoNullSig", CodeOf(err))
	}
}

func TestSign_WithKeyRoundTrip(t *testing.T) {
	requireZipTools(t)

	dir := t.TempDir()
	ca := testcert.New(t)
	rootPath, certPath, keyPath := ca.WriteFiles(t, dir)
	swi := plainSWI(t, dir, "image.swi")
	s := newSigner()

	if _, err := s.Prepare(swi, "", false); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := s.Sign(swi, certPath, rootPath, "", keyPath); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if res := verify.Image(swi, rootPath); res.Code != verify.Success {
		t.Errorf("verification after signing = %v (%s)", res.Code, res.Detail)
	}
}

func TestSign_WithSignatureFile(t *testing.T) {
	requireZipTools(t)

	dir := t.TempDir()
	ca := testcert.New(t)
	rootPath, certPath, _ := ca.WriteFiles(t, dir)
	swi := plainSWI(t, dir, "image.swi")
	s := newSigner()

	digestHex, err := s.Prepare(swi, "", false)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	// Sign the printed digest out of process, as a signing authority would.
	digest, err := hex.DecodeString(digestHex)
	if err != nil {
		t.Fatal(err)
	}
	sig, err := rsa.SignPKCS1v15(rand.Reader, ca.Key, crypto.SHA256, digest)
	if err != nil {
		t.Fatal(err)
	}
	sigPath := filepath.Join(dir, "image.sig")
	if err := os.WriteFile(sigPath, []byte(base64.StdEncoding.EncodeToString(sig)+"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := s.Sign(swi, certPath, rootPath, sigPath, ""); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if res := verify.Image(swi, rootPath); res.Code != verify.Success {
		t.Errorf("verification after signing = %v (%s)", res.Code, res.Detail)
	}
}

func TestSign_BadBase64SignatureFile(t *testing.T) {
	requireZipTools(t)

	dir := t.TempDir()
	ca := testcert.New(t)
	rootPath, certPath, _ := ca.WriteFiles(t, dir)
	swi := plainSWI(t, dir, "image.swi")
	s := newSigner()

	if _, err := s.Prepare(swi, "", false); err != nil {
		t.Fatal(err)
	}
	sigPath := filepath.Join(dir, "image.sig")
	if err := os.WriteFile(sigPath, []byte("!!! not base64 !!!"), 0644); err != nil {
		t.Fatal(err)
	}

	err := s.Sign(swi, certPath, rootPath, sigPath, "")
	if CodeOf(err) != ErrorInputFiles {
		t.Errorf("code = %v, want ErrorInputFiles", CodeOf(err))
	}
}

func TestSign_WrongRootFailsVerification(t *testing.T) {
	requireZipTools(t)

	dir := t.TempDir()
	signer := testcert.New(t)
	other := testcert.New(t)
	_, certPath, keyPath := signer.WriteFiles(t, dir)

	otherDir := filepath.Join(dir, "other")
	if err := os.MkdirAll(otherDir, 0755); err != nil {
		t.Fatal(err)
	}
	otherRoot, _, _ := other.WriteFiles(t, otherDir)

	swi := plainSWI(t, dir, "image.swi")
	s := newSigner()
	if _, err := s.Prepare(swi, "", false); err != nil {
		t.Fatal(err)
	}

	err := s.Sign(swi, certPath, otherRoot, "", keyPath)
	if CodeOf(err) != ErrorFailVerification {
		t.Errorf("code = %v, want ErrorFailVerification", CodeOf(err))
	}
}

func TestSign_OversizedCert(t *testing.T) {
	requireZipTools(t)

	dir := t.TempDir()
	ca := testcert.New(t)
	rootPath, _, keyPath := ca.WriteFiles(t, dir)
	swi := plainSWI(t, dir, "image.swi")
	s := newSigner()

	if _, err := s.Prepare(swi, "", false); err != nil {
		t.Fatal(err)
	}

	bigCert := filepath.Join(dir, "big.crt")
	if err := os.WriteFile(bigCert, bytes.Repeat([]byte{'*'}, 2*sigfile.DefaultSize), 0644); err != nil {
		t.Fatal(err)
	}

	err := s.Sign(swi, bigCert, rootPath, "", keyPath)
	if CodeOf(err) != ErrorInputFiles {
		t.Errorf("code = %v, want ErrorInputFiles", CodeOf(err))
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(nil); got != Success {
		t.Errorf("CodeOf(nil) = %v, want Success", got)
	}
	if got := CodeOf(failf(AlreadySigned, "signed")); got != AlreadySigned {
		t.Errorf("CodeOf(*Error) = %v, want AlreadySigned", got)
	}
	if got := CodeOf(errors.New("plain")); got != InternalError {
		t.Errorf("CodeOf(plain error) = %v, want InternalError", got)
	}
}

func TestHashFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blob")
	content := []byte("digest me")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}

	got, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	sum := sha256.Sum256(content)
	if want := hex.EncodeToString(sum[:]); got != want {
		t.Errorf("HashFile = %s, want %s", got, want)
	}
}
