// Package swix assembles SWIX packages: a zip of RPMs plus a manifest.txt
// naming the primary RPM and the SHA1 of every payload, stored uncompressed
// so the result can be signed like any other EOS image.
package swix

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/swi-tools/swi-tools/internal/swizip"
	"github.com/swi-tools/swi-tools/pkg/manifest"
)

// ManifestText is the name of the generated index member.
const ManifestText = "manifest.txt"

// Create builds outputSwix from the given RPMs. When manifestYaml is
// non-empty the file is validated and added as manifest.yaml. An existing
// output file is only replaced when force is set.
func Create(outputSwix string, rpms []string, manifestYaml string, force bool, az swizip.Archiver) error {
	if len(rpms) == 0 {
		return fmt.Errorf("at least one RPM is required")
	}
	if _, err := os.Stat(outputSwix); err == nil {
		if !force {
			return fmt.Errorf("file %q exists: use --force to overwrite", outputSwix)
		}
		if err := os.Remove(outputSwix); err != nil {
			return fmt.Errorf("remove %s: %w", outputSwix, err)
		}
	}
	for _, rpm := range rpms {
		if _, err := os.Stat(rpm); err != nil {
			return fmt.Errorf("cannot read RPM %q: %w", rpm, err)
		}
	}

	workDir, err := os.MkdirTemp("", "swix-create-")
	if err != nil {
		return fmt.Errorf("cannot create scratch directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	// Members are added by basename, so everything is staged in workDir.
	names := []string{ManifestText}
	if err := writeManifestText(workDir, rpms); err != nil {
		return err
	}
	for _, rpm := range rpms {
		name := filepath.Base(rpm)
		if err := copyFile(rpm, filepath.Join(workDir, name)); err != nil {
			return fmt.Errorf("stage %s: %w", rpm, err)
		}
		names = append(names, name)
	}

	if manifestYaml != "" {
		copied := filepath.Join(workDir, manifest.FileName)
		if err := copyFile(manifestYaml, copied); err != nil {
			return fmt.Errorf("stage %s: %w", manifestYaml, err)
		}
		if _, err := manifest.Load(copied); err != nil {
			return err
		}
		names = append(names, manifest.FileName)
	}

	if err := az.InsertStored(outputSwix, names, workDir); err != nil {
		return fmt.Errorf("error occurred during generation of SWIX file: %w", err)
	}
	return nil
}

// writeManifestText writes manifest.txt into dir: the format version, the
// primary RPM and the SHA1 of every RPM.
func writeManifestText(dir string, rpms []string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "format: 1\n")
	fmt.Fprintf(&b, "primaryRpm: %s\n", filepath.Base(rpms[0]))
	for _, rpm := range rpms {
		sum, err := sha1sum(rpm)
		if err != nil {
			return fmt.Errorf("hash %s: %w", rpm, err)
		}
		fmt.Fprintf(&b, "%s-sha1: %s\n", filepath.Base(rpm), sum)
	}
	path := filepath.Join(dir, ManifestText)
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func sha1sum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
