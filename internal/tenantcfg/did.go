package tenantcfg

import (
	"errors"
	"regexp"
	"strings"
	"unicode"
)

var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

var ErrBadDID = errors.New("tenantcfg: not an E.164 number")

// NormalizeDID strips all whitespace from a dialled number and checks E.164
// shape. Normalisation is idempotent.
func NormalizeDID(raw string) (string, error) {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(r)
	}
	did := b.String()
	if did == "" || !e164Pattern.MatchString(did) {
		return "", ErrBadDID
	}
	return did, nil
}
