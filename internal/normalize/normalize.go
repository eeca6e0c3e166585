package normalize

import "strings"

// Identity returns a normalized form of a caller identity suitable for
// storage and comparisons. Identities are issued externally (in practice
// email addresses); normalization currently trims surrounding whitespace
// and lower-cases the value.
func Identity(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
