package protocol

import (
	"strings"
	"unicode"

	"grovesync/internal/state"
)

// MaxTextLen caps every free-text field after sanitization.
const MaxTextLen = 200

// SanitizeText trims whitespace, strips control characters and caps the
// result at MaxTextLen runes.
func SanitizeText(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) > MaxTextLen {
		s = string(runes[:MaxTextLen])
	}
	return s
}

// ValidHealth reports whether h is a multiple of 5 within [5, 100].
func ValidHealth(h int) bool {
	return h >= 5 && h <= 100 && h%5 == 0
}

// ValidWorldID reports whether id belongs to the fixed world catalog.
func ValidWorldID(id, worldCount int) bool {
	return id >= 1 && id <= worldCount
}

// ValidMsFromNow reports whether a spawn-timer offset is a positive integer
// within the two-hour ceiling.
func ValidMsFromNow(ms int64) bool {
	return ms > 0 && ms <= state.SpawnTimerMaxMs
}

var knownStatuses = map[state.TreeStatus]struct{}{
	state.StatusNone:    {},
	state.StatusSapling: {},
	state.StatusMature:  {},
	state.StatusAlive:   {},
	state.StatusDead:    {},
}

// ValidSeedEntry reports whether one bulk-seed world entry is acceptable.
// Seed entries are filtered, not rejected: a false here drops the single
// entry and the rest of the batch goes through.
func ValidSeedEntry(id, worldCount int, ws state.WorldState) bool {
	if !ValidWorldID(id, worldCount) {
		return false
	}
	if _, ok := knownStatuses[ws.TreeStatus]; !ok {
		return false
	}
	if ws.Health != 0 && !ValidHealth(ws.Health) {
		return false
	}
	if ws.NextSpawnTarget > 0 && ws.HasTree() {
		return false
	}
	return true
}

// SanitizeSeedEntry normalizes the free-text fields of a seed entry.
func SanitizeSeedEntry(ws state.WorldState) state.WorldState {
	ws.TreeType = SanitizeText(ws.TreeType)
	ws.Hint = SanitizeText(ws.Hint)
	ws.ExactLocation = SanitizeText(ws.ExactLocation)
	return ws
}
