// Package sigfile encodes and decodes the fixed-size signature record that
// rides inside an EOS image as a stored zip member. The record is plain text
// except for its last four bytes, which are chosen so the record's CRC32
// matches that of the all-zero placeholder it replaces.
package sigfile

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"hash/crc32"
	"path/filepath"
	"strings"

	"github.com/swi-tools/swi-tools/internal/crcfix"
)

// Signature member names inside an image archive.
const (
	SWIMember  = "swi-signature"
	SWIXMember = "swix-signature"
)

// DefaultSize is the number of bytes reserved for a signature record when no
// explicit size is requested.
const DefaultSize = 8192

// Params fixes the record geometry for one signing or verification run.
// Values are set once when the run starts and passed by value from there on.
type Params struct {
	Size    int    // placeholder size in bytes
	Hash    string // hash algorithm name written into the record
	Version int    // record format version
}

// Defaults returns the parameters used by released EOS images.
func Defaults() Params {
	return Params{Size: DefaultSize, Hash: "SHA-256", Version: 1}
}

// MemberName returns the archive member holding the signature record for the
// image at path. SWIX extensions use a distinct member name.
func MemberName(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".swix") {
		return SWIXMember
	}
	return SWIMember
}

// Record holds the decoded fields of a signature member. Cert and Signature
// are the base64-decoded payloads; a field that was missing or failed to
// decode is left empty.
type Record struct {
	Version   string
	Hash      string
	Cert      []byte // PEM text of the signing certificate
	Signature []byte
}

// Complete reports whether the record carries everything verification needs.
func (r Record) Complete() bool {
	return len(r.Cert) != 0 && r.Hash != "" && len(r.Signature) != 0
}

const crcLabel = "CRCPadding:"

// Encode renders a signature record of exactly p.Size bytes. The textual
// fields come first, then a run of '*' padding sized to land the record on
// p.Size, then the four CRC forcing bytes that collide the record with an
// all-zero placeholder of the same size.
func Encode(certPEM, signature []byte, p Params) ([]byte, error) {
	var b strings.Builder
	b.WriteString("HashAlgorithm:" + p.Hash + "\n")
	b.WriteString("IssuerCert:" + base64.StdEncoding.EncodeToString(certPEM) + "\n")
	b.WriteString("Signature:" + base64.StdEncoding.EncodeToString(signature) + "\n")
	b.WriteString(fmt.Sprintf("Version:%d\n", p.Version))
	b.WriteString("Padding:")

	// The trailing newline of the padding line and the CRC label plus its
	// four raw bytes all count against the record size.
	padding := p.Size - b.Len() - len(crcLabel) - 4 - 1
	if padding < 0 {
		return nil, fmt.Errorf("input data exceeds the null signature size by %d bytes; "+
			"increase the null signature size to at least %d", -padding, p.Size-padding)
	}
	b.WriteString(strings.Repeat("*", padding))
	b.WriteString("\n")
	b.WriteString(crcLabel)

	zeros := make([]byte, p.Size)
	suffix := crcfix.MatchingBytes(crc32.ChecksumIEEE(zeros), crc32.ChecksumIEEE([]byte(b.String())))

	return append([]byte(b.String()), suffix[:]...), nil
}

// Decode parses the textual fields of a signature member. Lines that do not
// split into exactly one key and one value are reported back as warnings,
// matching how images signed by older tools are handled. Base64 fields that
// fail to decode come back empty so Complete can reject the record.
func Decode(raw []byte) (Record, []string) {
	var rec Record
	var warnings []string

	for _, line := range bytes.Split(raw, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		parts := strings.Split(string(line), ":")
		if len(parts) != 2 {
			warnings = append(warnings, fmt.Sprintf("Unexpected format for line in swi[x]-signature file: %q", line))
			continue
		}
		value := strings.TrimSpace(parts[1])
		switch parts[0] {
		case "Version":
			rec.Version = value
		case "HashAlgorithm":
			rec.Hash = value
		case "IssuerCert":
			rec.Cert = decodeBase64(value)
		case "Signature":
			rec.Signature = decodeBase64(value)
		}
	}

	return rec, warnings
}

func decodeBase64(s string) []byte {
	out, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil
	}
	return out
}
