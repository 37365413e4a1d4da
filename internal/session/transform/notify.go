package transform

import (
	"regexp"
	"strings"
)

// notifyRe matches line-oriented "::notify <subject>" directives inside
// assistant text.
var notifyRe = regexp.MustCompile(`(?m)^::notify[ \t]+(.+)$`)

// ExtractNotify strips ::notify directive lines from text and returns
// the cleaned remainder plus the subject of the last directive. ok is
// false when no directive is present. The notification fires even when
// the cleaned text ends up empty.
func ExtractNotify(text string) (cleaned, subject string, ok bool) {
	matches := notifyRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return text, "", false
	}
	subject = strings.TrimSpace(matches[len(matches)-1][1])

	cleaned = notifyRe.ReplaceAllString(text, "")
	// Collapse the blank lines the stripped directives leave behind.
	var kept []string
	for _, line := range strings.Split(cleaned, "\n") {
		if strings.TrimSpace(line) == "" && len(kept) > 0 && kept[len(kept)-1] == "" {
			continue
		}
		kept = append(kept, strings.TrimRight(line, " \t"))
	}
	cleaned = strings.TrimSpace(strings.Join(kept, "\n"))
	return cleaned, subject, true
}
