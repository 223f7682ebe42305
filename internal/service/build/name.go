package build

import (
	"fmt"
	"regexp"
	"strings"
)

var nameSanitizer = regexp.MustCompile(`[^a-z0-9-]`)

// ResourceName derives the deterministic container and image name for a
// pull request: "<owner>-<repo>-pr-<n>", lowercased with every character
// outside [a-z0-9-] replaced by a dash. The same PR always maps to the
// same name, which is what makes pre-removal and reconciliation safe.
func ResourceName(repoOwner, repoName string, prNumber int) string {
	raw := strings.ToLower(fmt.Sprintf("%s-%s-pr-%d", repoOwner, repoName, prNumber))
	return nameSanitizer.ReplaceAllString(raw, "-")
}
