package encoding

import (
	"strings"

	"golang.org/x/text/encoding/charmap"
)

// ToUTF8 converts a slice of bytes (WIN1252) to a UTF-8 string
// Clinical legacy tables store names and notes in WIN1252
func ToUTF8(b []byte) string {
	if len(b) == 0 {
		return ""
	}

	decoded, err := charmap.Windows1252.NewDecoder().Bytes(b)
	if err != nil {
		// Fallback: return raw string if decoding fails (better than crashing)
		return string(b)
	}

	return strings.TrimSpace(string(decoded))
}

// FromUTF8 encodes s for a WIN1252 column. Runes without a WIN1252 mapping are
// replaced so a stray emoji never fails a clinical write.
func FromUTF8(s string) string {
	encoded, err := charmap.Windows1252.NewEncoder().String(s)
	if err != nil {
		var b strings.Builder
		enc := charmap.Windows1252.NewEncoder()
		for _, r := range s {
			if out, err := enc.String(string(r)); err == nil {
				b.WriteString(out)
			} else {
				b.WriteByte('?')
			}
		}
		return b.String()
	}
	return encoded
}
