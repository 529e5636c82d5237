// Package eventid generates identifiers used to correlate one logical event
// across every destination it is fanned out to.
package eventid

import (
	"math/rand/v2"
	"strconv"
	"time"
)

// Category prefixes for high-commitment events.
const (
	PrefixContact    = "whatsapp_"
	PrefixLead       = "lead_"
	PrefixCalculator = "calc_"
)

const (
	suffixLen = 9
	alphabet  = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// now is replaced in tests.
var now = time.Now

// New returns "<prefix><unix-millis>_<9 base36 chars>".
//
// The random suffix keeps ids distinct when several events are generated in
// the same millisecond. It is not cryptographically strong; ids are used for
// analytics deduplication only.
func New(prefix string) string {
	var suffix [suffixLen]byte
	for i := range suffix {
		suffix[i] = alphabet[rand.IntN(len(alphabet))]
	}

	b := make([]byte, 0, len(prefix)+13+1+suffixLen)
	b = append(b, prefix...)
	b = strconv.AppendInt(b, now().UnixMilli(), 10)
	b = append(b, '_')
	b = append(b, suffix[:]...)
	return string(b)
}
