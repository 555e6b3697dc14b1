package vault

import (
	"strings"

	"ai_routing/internal/utils"
)

const maskDots = 8

// Secret is an unsealed credential. Printing or marshalling it yields the
// mask; only Reveal returns the raw value.
type Secret struct {
	raw string
}

// Reveal returns the raw credential for the upstream call
func (s Secret) Reveal() string {
	return s.raw
}

// String returns the masked form
func (s Secret) String() string {
	return Mask(utils.LastN(s.raw, 4))
}

// MarshalText keeps the raw value out of JSON and logs
func (s Secret) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Mask renders a stored key from its last four characters. The dot count
// is fixed so the mask does not reveal the secret length.
func Mask(lastFour string) string {
	return strings.Repeat("•", maskDots) + lastFour
}
