package ytdlp

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	maxFilenameRunes = 100
	fallbackFilename = "Unknown_Video"
)

// letters that do not decompose into base + mark under NFD.
var foldSpecial = strings.NewReplacer(
	"ł", "l", "Ł", "L",
	"ø", "o", "Ø", "O",
	"ß", "ss", "đ", "d", "Đ", "D",
)

// CleanFilename turns a free-form title into a safe file name: reserved and
// control characters become '_', accented letters are folded to ASCII, the
// result is at most 100 runes with no leading or trailing '_', '.' or space.
// A title with nothing usable left yields "Unknown_Video".
func CleanFilename(title string) string {
	s := foldSpecial.Replace(title)
	if folded, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), s); err == nil {
		s = folded
	}

	var b strings.Builder
	prevUnderscore := false
	for _, r := range s {
		if strings.ContainsRune(`<>:"/\|?*`, r) || unicode.IsControl(r) {
			r = '_'
		}
		if r == '_' {
			if prevUnderscore {
				continue
			}
			prevUnderscore = true
		} else {
			prevUnderscore = false
		}
		b.WriteRune(r)
	}
	s = b.String()

	// Trim before and after truncating so the cut cannot expose a separator.
	s = strings.Trim(s, "_. ")
	if rs := []rune(s); len(rs) > maxFilenameRunes {
		s = string(rs[:maxFilenameRunes])
	}
	s = strings.Trim(s, "_. ")

	if s == "" {
		return fallbackFilename
	}
	return s
}
