package nat

import "strings"

// Field separators of the textual grammar.
const (
	RuleSeparator     = ","
	EndpointSeparator = ":"
	OctetSeparator    = "."
)

// Tokenize splits s on every occurrence of delim. The text after the last
// delimiter is always the final element, so a string without delim yields a
// single element holding the whole string.
func Tokenize(s, delim string) []string {
	return strings.Split(s, delim)
}
