// Package manifest reads and validates manifest.yaml, the optional metadata
// member of a SWIX package. The manifest names the EOS versions each bundled
// RPM is compatible with.
package manifest

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileName is the member name the manifest must have inside a SWIX.
const FileName = "manifest.yaml"

// SupportedVersion is the only metadataVersion this tool understands.
// YAML readers collapse 1 and 1.0 to the same value, so both spellings work.
const SupportedVersion = 1.0

// Load reads and validates the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error opening %s: %w", path, err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Parse decodes and validates manifest.yaml content.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("error parsing manifest: %w", err)
	}
	if m.MetadataVersion == nil {
		return nil, fmt.Errorf("'metadataVersion' not found in manifest")
	}
	if *m.MetadataVersion != SupportedVersion {
		return nil, fmt.Errorf("manifest version %v is not supported (supported versions: %v)",
			*m.MetadataVersion, SupportedVersion)
	}
	for _, v := range m.VersionStrings() {
		if err := ValidateVersion(v); err != nil {
			return nil, fmt.Errorf("version strings validation error: %w", err)
		}
	}
	return &m, nil
}

// VersionStrings returns the EOS version patterns named by the manifest, in
// document order.
func (m *Manifest) VersionStrings() []string {
	var out []string
	for _, entry := range m.Version {
		for pattern := range entry {
			out = append(out, pattern)
		}
	}
	return out
}
