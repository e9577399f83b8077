package consent

import (
	"strings"
	"unicode"
)

var optOutKeywords = map[string]struct{}{
	"STOP":        {},
	"UNSUBSCRIBE": {},
	"CANCEL":      {},
	"END":         {},
	"QUIT":        {},
	"OPTOUT":      {},
	"OPT OUT":     {},
	"REMOVE":      {},
	"DELETE":      {},
}

// IsOptOut reports whether an inbound message is an opt-out request. The
// whole message must be a keyword once case, punctuation and spacing are
// normalized, so "Stop." matches but "please stop the car" does not.
func IsOptOut(text string) bool {
	_, ok := optOutKeywords[normalize(text)]
	return ok
}

func normalize(text string) string {
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) {
			return unicode.ToUpper(r)
		}
		return ' '
	}, text)
	return strings.Join(strings.Fields(mapped), " ")
}
