// Package swizip gives the signing flow its view of an EOS image archive:
// read-side inspection of members and the minimal set of mutations performed
// with the system zip tools.
package swizip

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Reserved member names inside an EOS image.
const (
	VersionMember = "version"     // present in every SWI
	SqshMapMember = "swimSqshMap" // lists the optimizations of a multi-image SWI
	SwadaptMember = "swadapt"     // helper binary that materializes one optimization
)

// ErrMemberNotFound reports that an archive does not contain the requested
// member.
var ErrMemberNotFound = errors.New("member not found in archive")

// IsZip reports whether the file at path can be opened as a zip archive.
func IsZip(path string) bool {
	r, err := zip.OpenReader(path)
	if err != nil {
		return false
	}
	r.Close()
	return true
}

// IsSWI reports whether path is an EOS image, identified by a zip archive
// carrying a version member.
func IsSWI(path string) bool {
	ok, err := HasMember(path, VersionMember)
	return err == nil && ok
}

// HasMember reports whether the archive contains a member with the given
// name.
func HasMember(path, name string) (bool, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return false, fmt.Errorf("open %s: %w", path, err)
	}
	defer r.Close()

	for _, f := range r.File {
		if f.Name == name {
			return true, nil
		}
	}
	return false, nil
}

// ReadMember returns the full contents of the named member.
func ReadMember(path, name string) ([]byte, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer r.Close()

	for _, f := range r.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open member %s: %w", name, err)
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, fmt.Errorf("read member %s: %w", name, err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("%s: %w", name, ErrMemberNotFound)
}

// Region is the physical location of a member's data within the archive
// file.
type Region struct {
	Offset int64
	Size   int64
}

// MemberRegion returns where the named member's bytes live in the archive
// file. The member must be stored uncompressed, since the region is patched
// in place without rewriting the archive.
func MemberRegion(path, name string) (Region, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return Region{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer r.Close()

	for _, f := range r.File {
		if f.Name != name {
			continue
		}
		if f.Method != zip.Store {
			return Region{}, fmt.Errorf("member %s is compressed, cannot be patched in place", name)
		}
		offset, err := f.DataOffset()
		if err != nil {
			return Region{}, fmt.Errorf("locate member %s: %w", name, err)
		}
		return Region{Offset: offset, Size: int64(f.CompressedSize64)}, nil
	}
	return Region{}, fmt.Errorf("%s: %w", name, ErrMemberNotFound)
}

// Optimizations returns the optimization names listed in the image's
// swimSqshMap member, or nil when the image has no such member. Each entry
// in the member is a name=path pair.
func Optimizations(path string) ([]string, error) {
	ok, err := HasMember(path, SqshMapMember)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	data, err := ReadMember(path, SqshMapMember)
	if err != nil {
		return nil, err
	}

	optims := []string{}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, _, found := strings.Cut(line, "=")
		if !found {
			return nil, fmt.Errorf("malformed %s entry %q", SqshMapMember, line)
		}
		optims = append(optims, strings.TrimSpace(name))
	}
	return optims, nil
}

// Adapt materializes one optimization of a multi-image SWI by running the
// swadapt helper previously extracted into workDir.
func Adapt(workDir, image, outImage, optim string) error {
	absImage, err := filepath.Abs(image)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", image, err)
	}

	cmd := exec.Command(filepath.Join(workDir, SwadaptMember), absImage, outImage, optim)
	cmd.Dir = workDir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("swadapt %s: %w: %s", optim, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Archiver is the set of archive mutations the signing flow performs.
// Implementations must leave every untouched member bit for bit intact.
type Archiver interface {
	// List returns the names of all members in the archive.
	List(archive string) ([]string, error)
	// InsertStored adds the named files from workDir as uncompressed
	// members.
	InsertStored(archive string, names []string, workDir string) error
	// Delete removes the named member from the archive.
	Delete(archive, name string) error
	// Extract writes the named member into destDir under its member name.
	Extract(archive, name, destDir string) error
}

// ExternalZip shells out to the system zip and unzip tools. The stock tools
// stamp stored members with version-needed-to-extract 1.0, so a signature
// extracted with unzip re-inserts byte identical; zip library writers stamp
// 2.0 and would corrupt a signature computed over the original headers.
type ExternalZip struct{}

// List reads member names without shelling out.
func (ExternalZip) List(archive string) ([]string, error) {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", archive, err)
	}
	defer r.Close()

	names := make([]string, 0, len(r.File))
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	return names, nil
}

// InsertStored runs zip -q -0 -X from workDir so the members are stored
// uncompressed with no extra file attributes.
func (ExternalZip) InsertStored(archive string, names []string, workDir string) error {
	absArchive, err := filepath.Abs(archive)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", archive, err)
	}

	args := append([]string{"-q", "-0", "-X", absArchive}, names...)
	cmd := exec.Command("zip", args...)
	cmd.Dir = workDir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("zip insert into %s: %w: %s", filepath.Base(archive), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Delete runs zip -dq to drop one member.
func (ExternalZip) Delete(archive, name string) error {
	cmd := exec.Command("zip", "-dq", archive, name)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("zip delete %s from %s: %w: %s", name, filepath.Base(archive), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Extract runs unzip -o -q into destDir, preserving the member's timestamp
// and mode bits the way the read-side zip library does not.
func (ExternalZip) Extract(archive, name, destDir string) error {
	absArchive, err := filepath.Abs(archive)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", archive, err)
	}

	cmd := exec.Command("unzip", "-o", "-q", absArchive, name)
	cmd.Dir = destDir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("unzip %s from %s: %w: %s", name, filepath.Base(archive), err, strings.TrimSpace(string(out)))
	}
	return nil
}

var _ Archiver = ExternalZip{}

// PatchRegion overwrites a stored member's data in place. The caller is
// responsible for the replacement matching the region's size and CRC32.
func PatchRegion(path string, region Region, data []byte) error {
	if int64(len(data)) != region.Size {
		return fmt.Errorf("replacement is %d bytes, region holds %d", len(data), region.Size)
	}

	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.WriteAt(data, region.Offset); err != nil {
		return fmt.Errorf("patch %s at offset %d: %w", path, region.Offset, err)
	}
	return nil
}
