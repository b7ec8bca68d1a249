package worlds

import (
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowUnix returns current time as Unix seconds.
func NowUnix() int64 {
	return time.Now().Unix()
}

// NowMillis returns current time as Unix milliseconds. Message timestamps
// use millisecond resolution so removal cascades can compare them.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Kebab derives a stable kebab-case id from a display name: NFKD-normalize,
// lowercase, collapse every run of non-alphanumeric runes into a single
// hyphen, and strip leading/trailing hyphens. Digits are preserved and
// unicode letters are lowercased, so "Café Crème 2" becomes "cafe-creme-2".
func Kebab(name string) string {
	decomposed := norm.NFKD.String(name)

	var b strings.Builder
	b.Grow(len(decomposed))
	pendingHyphen := false
	for _, r := range decomposed {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if pendingHyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingHyphen = false
			b.WriteRune(unicode.ToLower(r))
		case unicode.Is(unicode.Mn, r):
			// Combining marks split off by NFKD (accents) are dropped
			// without breaking the current word.
		default:
			pendingHyphen = true
		}
	}
	return b.String()
}
