package export

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// RemoveDiacritics removes diacritical marks from a string (e.g., "Jiří" -> "Jiri").
func RemoveDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	result, _, _ := transform.String(t, s)
	return result
}

// FlatName turns a slash-separated identifier into a single ASCII-friendly
// file name ("2019/Jiří.jpg" -> "2019_Jiri.jpg").
func FlatName(id string) string {
	name := RemoveDiacritics(id)
	name = strings.ReplaceAll(name, "/", "_")
	return strings.ReplaceAll(name, `\`, "_")
}
