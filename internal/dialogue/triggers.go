package dialogue

import (
	"regexp"
	"strings"

	"github.com/antzucaro/matchr"
)

// The trigger patterns are fixed; anything beyond them is answered with the
// help message, not interpreted.
var (
	leasePattern    = regexp.MustCompile(`(?i)\b(lease|rent|available|free)( an)? +apartments?\b`)
	leaseAltPattern = regexp.MustCompile(`(?i)\bapartments? *(available\b|to rent\b|to lease\b|free)\b`)
	lockPattern     = regexp.MustCompile(`(?i)\b(change|rename)\b.*\b(locks?|passcode|apartment)\b`)

	// roomIDPattern matches a realm room identifier: '#' plus 20 word chars.
	roomIDPattern = regexp.MustCompile(`#(\w{20})\b`)

	noPattern = regexp.MustCompile(`(?i)\bno\b`)

	// passphrasePattern admits only word characters and hyphens, so the
	// derived unit identifier stays usable as an exit key.
	passphrasePattern = regexp.MustCompile(`^[\w-]+$`)

	nonWordPattern = regexp.MustCompile(`\W+`)
	tokenPattern   = regexp.MustCompile(`[A-Za-z]+`)
)

// fuzzyThreshold is the Jaro-Winkler score above which a token counts as a
// near-miss of a trigger keyword ("aparment" for "apartment").
const fuzzyThreshold = 0.93

var (
	leaseVerbs = []string{"lease", "rent", "available", "free"}
	lockVerbs  = []string{"change", "rename"}
	lockNouns  = []string{"locks", "lock", "passcode"}
)

// intent is the classified purpose of an idle-state message.
type intent int

const (
	intentNone intent = iota
	intentLease
	intentLockChange
)

// classify maps a message to an intent: exact patterns first, then a fuzzy
// pass that tolerates small misspellings of the keywords.
func classify(msg string) intent {
	if leasePattern.MatchString(msg) || leaseAltPattern.MatchString(msg) {
		return intentLease
	}
	if lockPattern.MatchString(msg) {
		return intentLockChange
	}

	tokens := tokenPattern.FindAllString(strings.ToLower(msg), -1)
	if !fuzzyHas(tokens, "apartment", "apartments") {
		return intentNone
	}
	if fuzzyHas(tokens, leaseVerbs...) {
		return intentLease
	}
	if fuzzyHas(tokens, lockVerbs...) || fuzzyHas(tokens, lockNouns...) {
		return intentLockChange
	}
	return intentNone
}

// fuzzyHas reports whether any token scores above the threshold against any
// of the given keywords. longTolerance is false for standard scoring.
func fuzzyHas(tokens []string, keywords ...string) bool {
	for _, tok := range tokens {
		for _, kw := range keywords {
			if tok == kw {
				return true
			}
			if matchr.JaroWinkler(tok, kw, false) >= fuzzyThreshold {
				return true
			}
		}
	}
	return false
}

// stripNonWord removes everything but word characters, matching how unit
// identifiers are derived from display names.
func stripNonWord(s string) string {
	return nonWordPattern.ReplaceAllString(s, "")
}

// roomRef extracts a room identifier reference from msg, if present.
func roomRef(msg string) (string, bool) {
	m := roomIDPattern.FindStringSubmatch(msg)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// isDecline reports whether msg declines the room-attachment offer.
func isDecline(msg string) bool {
	return noPattern.MatchString(msg)
}
