package manifest

import (
	"regexp"
	"strings"
)

// strict semver 2.0.0, no leading "v"
var semverPattern = regexp.MustCompile(
	`^(0|[1-9]\d*)\.(0|[1-9]\d*)\.(0|[1-9]\d*)` +
		`(?:-((?:0|[1-9]\d*|\d*[a-zA-Z-][0-9a-zA-Z-]*)(?:\.(?:0|[1-9]\d*|\d*[a-zA-Z-][0-9a-zA-Z-]*))*))?` +
		`(?:\+([0-9a-zA-Z-]+(?:\.[0-9a-zA-Z-]+)*))?$`)

const partialVersion = `v?(?:0|[1-9]\d*|[xX*])(?:\.(?:0|[1-9]\d*|[xX*])){0,2}` +
	`(?:-[0-9A-Za-z-]+(?:\.[0-9A-Za-z-]+)*)?(?:\+[0-9A-Za-z-]+(?:\.[0-9A-Za-z-]+)*)?`

var (
	partialPattern    = regexp.MustCompile(`^` + partialVersion + `$`)
	comparatorPattern = regexp.MustCompile(`^(?:<=|>=|<|>|=|~>?|\^)?` + partialVersion + `$`)
	operatorPattern   = regexp.MustCompile(`^(?:<=|>=|<|>|=|~>?|\^)$`)
)

// ValidVersion reports whether s is a strict semantic version
func ValidVersion(s string) bool {
	return semverPattern.MatchString(s)
}

// ValidRange reports whether s is a version range: comparator sets separated by
// "||", each a whitespace separated list of comparators or a hyphen range.
// Operators may be separated from their version by whitespace.
func ValidRange(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	for _, set := range strings.Split(s, "||") {
		if !validComparatorSet(strings.TrimSpace(set)) {
			return false
		}
	}
	return true
}

func validComparatorSet(set string) bool {
	if set == "" {
		return false
	}
	if lo, hi, ok := strings.Cut(set, " - "); ok {
		return partialPattern.MatchString(strings.TrimSpace(lo)) &&
			partialPattern.MatchString(strings.TrimSpace(hi))
	}

	tokens := strings.Fields(set)
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		if operatorPattern.MatchString(tok) {
			if i+1 == len(tokens) {
				return false
			}
			i++
			tok += tokens[i]
		}
		if !comparatorPattern.MatchString(tok) {
			return false
		}
	}
	return true
}
