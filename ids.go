package flotilla

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ValidIdentifier reports whether s is safe to use as a path component or
// routing key. The pattern is deliberately conservative: an alphanumeric
// first character followed by alphanumerics, underscores, and hyphens.
// Everything else (path separators, "..", NUL, control characters, spaces,
// non-ASCII) is rejected.
func ValidIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '_' || c == '-':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// SafePath joins identifier-validated parts onto base and verifies that the
// resolved path still lies under base. An optional suffix (e.g. ".json") is
// appended to the last part; the suffix is not identifier-checked but must
// not contain a separator.
//
// Every place that turns an externally supplied name (agent name, job ID,
// conversation key) into a file path goes through this function. Returns
// ErrPathTraversal on any violation, before any filesystem access.
func SafePath(base string, parts ...string) (string, error) {
	return SafePathSuffix(base, "", parts...)
}

// SafePathSuffix is SafePath with a filename suffix appended to the final part.
func SafePathSuffix(base, suffix string, parts ...string) (string, error) {
	if len(parts) == 0 {
		return "", fmt.Errorf("%w: no path parts", ErrPathTraversal)
	}
	if strings.ContainsAny(suffix, `/\`) || strings.ContainsRune(suffix, 0) {
		return "", fmt.Errorf("%w: invalid suffix %q", ErrPathTraversal, suffix)
	}
	for _, p := range parts {
		if !ValidIdentifier(p) {
			return "", fmt.Errorf("%w: invalid path component %q", ErrPathTraversal, p)
		}
	}
	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", fmt.Errorf("%w: resolve base %q: %v", ErrPathTraversal, base, err)
	}
	joined := filepath.Join(append([]string{absBase}, parts...)...) + suffix
	resolved := filepath.Clean(joined)
	if resolved != absBase && !strings.HasPrefix(resolved, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes base %q", ErrPathTraversal, resolved, absBase)
	}
	return resolved, nil
}

// NewJobID generates a job identifier of the form YYYY-MM-DD-<suffix>.
// The suffix is 12 hex characters from a random UUID, enough to make daily
// collisions negligible. The result always satisfies ValidIdentifier.
func NewJobID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return now.Format("2006-01-02") + "-" + suffix
}
