// Package macaddr normalizes the MAC addresses of intercom and door-phone
// devices into the bare upper-case form the vendor API and the account store
// key on.
package macaddr

import (
	"strings"
	"unicode"
)

// MAC is a normalized MAC address, e.g. AABBCCDDEEFF.
type MAC string

// Normalize strips colon, hyphen, dot and whitespace separators and upper-cases
// the rest. It does not validate length or hex digits: the vendor owns the
// decision of what a MAC is. Normalize(Normalize(s)) == Normalize(s).
func Normalize(raw string) MAC {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch {
		case r == ':' || r == '-' || r == '.':
		case unicode.IsSpace(r):
		default:
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return MAC(b.String())
}

func (m MAC) String() string {
	return string(m)
}

// Colon renders m as colon separated octets (AA:BB:CC:DD:EE:FF) for display.
// Values that are not twelve characters long are returned unchanged.
func (m MAC) Colon() string {
	if len(m) != 12 {
		return string(m)
	}
	parts := make([]string, 0, 6)
	for i := 0; i < len(m); i += 2 {
		parts = append(parts, string(m[i:i+2]))
	}
	return strings.Join(parts, ":")
}
