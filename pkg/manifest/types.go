package manifest

// Manifest mirrors the manifest.yaml schema. Each version entry maps one
// EOS version pattern to the artifact it applies to; only the patterns are
// validated, the values are passed through untouched.
type Manifest struct {
	MetadataVersion *float64         `yaml:"metadataVersion"`
	Version         []map[string]any `yaml:"version,omitempty"`
}
