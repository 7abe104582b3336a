package signing

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"github.com/swi-tools/swi-tools/internal/audit"
	"github.com/swi-tools/swi-tools/internal/sigfile"
	"github.com/swi-tools/swi-tools/internal/swizip"
)

// ServiceName is the remote signer looked up on PATH when neither a key nor
// a signature file is given. It is invoked as:
//
//	swi-signing-service <sha256 hex digest> <output path>
//
// and must leave a base64 signature of the digest at the output path.
const ServiceName = "swi-signing-service"

// SignAll signs an image end to end. A SWI listing several optimizations
// has each of them materialized with the image's own swadapt helper, signed,
// and its signature member folded back into the parent before the parent is
// signed itself. Anything else takes the plain prepare-and-sign path.
func (s *Signer) SignAll(swiPath, certPath, rootCAPath, sigPath, keyPath string) error {
	if !swizip.IsSWI(swiPath) {
		return failf(ErrorNotASwi, "%q does not look like an EOS image", swiPath)
	}

	optims, err := swizip.Optimizations(swiPath)
	if err != nil {
		return fail(InternalError, "read optimization map", err)
	}

	workDir, err := os.MkdirTemp("", "swi-signature-")
	if err != nil {
		return fail(InternalError, "cannot create scratch directory", err)
	}
	defer os.RemoveAll(workDir)

	if len(optims) <= 1 || slices.Contains(optims, "DEFAULT") {
		return s.signSingle(workDir, swiPath, certPath, rootCAPath, sigPath, keyPath)
	}

	// One pre-made signature cannot cover several sub-image digests.
	if sigPath != "" {
		return failf(ErrorInputFiles, "a signature file cannot cover the %d optimizations of %s; "+
			"sign with --key or through the signing service", len(optims), filepath.Base(swiPath))
	}

	fmt.Fprintf(s.Out, "Optimizations in %s: %s\n", swiPath, strings.Join(optims, " "))

	if err := s.Archiver.Extract(swiPath, swizip.SwadaptMember, workDir); err != nil {
		return fail(InternalError, "could not extract swadapt utility from image", err)
	}

	sigNames := make([]string, 0, len(optims))
	for _, optim := range optims {
		sigName, err := s.signOptimization(workDir, swiPath, optim, certPath, rootCAPath, keyPath)
		s.note("waterfall", fmt.Sprintf("%s[%s]", swiPath, optim), certPath, err)
		if err != nil {
			return err
		}
		sigNames = append(sigNames, sigName)
	}

	fmt.Fprintf(s.Out, "Adding signature files to %s: %s\n", swiPath, strings.Join(sigNames, " "))
	if err := s.Archiver.InsertStored(swiPath, sigNames, workDir); err != nil {
		return fail(ErrorSignatureInsertion,
			fmt.Sprintf("cannot insert signature files into %q", swiPath), err)
	}

	digest, err := s.Prepare(swiPath, "", true)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.Out, "%s sha256: %s\n", filepath.Base(swiPath), digest)

	if keyPath == "" {
		sigPath = filepath.Join(workDir, "sig")
		if err := runSigningService(digest, sigPath); err != nil {
			return err
		}
	}
	return s.Sign(swiPath, certPath, rootCAPath, sigPath, keyPath)
}

// signOptimization materializes one optimization of the parent image, signs
// it and leaves its signature member in workDir under <optim>.signature. The
// adapted image itself is discarded once the signature is harvested.
func (s *Signer) signOptimization(workDir, swiPath, optim, certPath, rootCAPath, keyPath string) (string, error) {
	optimImage := filepath.Join(workDir, optim+".swi")
	if err := swizip.Adapt(workDir, swiPath, optimImage, optim); err != nil {
		return "", fail(InternalError,
			fmt.Sprintf("failed to extract optimization %q from %q", optim, swiPath), err)
	}

	optimSig := ""
	if keyPath == "" {
		optimSig = filepath.Join(workDir, "sig")
		if err := s.fetchSignature(optimImage, optimSig); err != nil {
			return "", err
		}
	} else {
		digest, err := s.Prepare(optimImage, "", true)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(s.Out, "%s sha256: %s\n", optim, digest)
	}
	if err := s.Sign(optimImage, certPath, rootCAPath, optimSig, keyPath); err != nil {
		return "", err
	}

	sigName := optim + ".signature"
	if err := s.extractSignature(optimImage, filepath.Join(workDir, sigName)); err != nil {
		return "", err
	}
	os.Remove(optimImage)
	return sigName, nil
}

// note appends a step row to the attached journal. Journal trouble never
// aborts a signing run.
func (s *Signer) note(op, image, certPath string, err error) {
	if s.Journal == nil {
		return
	}
	code := CodeOf(err)
	e := audit.Entry{
		Operation: op,
		Image:     image,
		Size:      int64(s.Params.Size),
		Code:      int(code),
		Status:    code.String(),
		Signer:    audit.SignerName(certPath),
	}
	if err != nil {
		e.Detail = err.Error()
	}
	s.Journal.Record(context.Background(), e)
}

// signSingle handles an image with one root filesystem.
func (s *Signer) signSingle(workDir, swiPath, certPath, rootCAPath, sigPath, keyPath string) error {
	switch {
	case sigPath == "" && keyPath == "":
		sigPath = filepath.Join(workDir, "sig")
		if err := s.fetchSignature(swiPath, sigPath); err != nil {
			return err
		}
	case keyPath != "":
		digest, err := s.Prepare(swiPath, "", true)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.Out, "%s sha256: %s\n", filepath.Base(swiPath), digest)
	}
	return s.Sign(swiPath, certPath, rootCAPath, sigPath, keyPath)
}

// extractSignature pulls the image's signature member out of the archive and
// moves it to destPath.
func (s *Signer) extractSignature(image, destPath string) error {
	destDir := filepath.Dir(destPath)
	member := sigfile.MemberName(image)
	if err := s.Archiver.Extract(image, member, destDir); err != nil {
		return fail(ErrorSignatureExtraction,
			fmt.Sprintf("cannot extract signature file %s from %s", member, image), err)
	}
	if err := os.Rename(filepath.Join(destDir, member), destPath); err != nil {
		return fail(ErrorSignatureExtraction, "rename extracted signature", err)
	}
	return nil
}

// fetchSignature force-prepares the image and has the signing service on
// PATH sign its digest, leaving a base64 signature at sigPath. The service
// is located before the image is touched.
func (s *Signer) fetchSignature(image, sigPath string) error {
	if _, err := exec.LookPath(ServiceName); err != nil {
		return failf(ErrorNoSigningService, "signing service %q not found", ServiceName)
	}

	digest, err := s.Prepare(image, "", true)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.Out, "%s sha256: %s\n", filepath.Base(image), digest)

	return runSigningService(digest, sigPath)
}

func runSigningService(digest, sigPath string) error {
	cmd := exec.Command(ServiceName, digest, sigPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fail(ErrorSigningServiceFailed, fmt.Sprintf("signing service %q failed", ServiceName),
			fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out))))
	}
	return nil
}
