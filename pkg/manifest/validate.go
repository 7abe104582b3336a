package manifest

import (
	"fmt"
	"regexp"
	"strings"
)

// An EOS version pattern is dotted numbers where minor and patch may be a
// range like {3-12} or {7-$} ($ meaning the latest version), optionally
// followed by a release designation like FX and a trailing * wildcard.
// Examples: 4.3.21, 4.19*, 4.14.5FX*, 4.22.{3-$}, 4.{19-21}.{3-5}*
var versionRe = regexp.MustCompile(`^\d+(\.(\d+|\{\d+-(\d+|\$)\}))*[A-Za-z]*\*?$`)

// ValidateVersion checks one version pattern. A pattern may list several
// alternatives separated by commas.
func ValidateVersion(s string) error {
	for _, part := range strings.Split(s, ",") {
		if !versionRe.MatchString(strings.TrimSpace(part)) {
			return fmt.Errorf("unable to parse version %q", s)
		}
	}
	return nil
}
