package syncer

import (
	"strings"
	"unicode"
)

// DeriveName splits a display name (or, failing that, the email local part)
// into first and last name. Both the CSV path and the SCIM adapter use this
// one rule:
//
//   - a display name with whitespace splits on it ("Ann van Lee" → "Ann",
//     "Van Lee")
//   - otherwise a dotted display name splits on the first dot
//   - otherwise the email local part splits on its first dot
//   - when nothing splits, the whole local part is the first name and the
//     last name is empty
func DeriveName(displayName, email string) (first, last string) {
	displayName = strings.TrimSpace(displayName)

	if parts := strings.Fields(displayName); len(parts) > 1 {
		return capitalize(parts[0]), titleWords(parts[1:])
	}

	if strings.Contains(displayName, ".") {
		return splitDotted(displayName)
	}

	local := email
	if at := strings.Index(email, "@"); at >= 0 {
		local = email[:at]
	}
	if strings.Contains(local, ".") {
		return splitDotted(local)
	}
	return capitalize(local), ""
}

func splitDotted(value string) (string, string) {
	parts := strings.SplitN(value, ".", 2)
	first := capitalize(parts[0])
	last := ""
	if len(parts) > 1 {
		last = capitalize(parts[1])
	}
	return first, last
}

// capitalize upper-cases the first rune and lower-cases the rest.
func capitalize(token string) string {
	runes := []rune(strings.ToLower(token))
	if len(runes) == 0 {
		return ""
	}
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

// titleWords capitalizes each whitespace-separated word.
func titleWords(words []string) string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		out = append(out, capitalize(w))
	}
	return strings.Join(out, " ")
}
