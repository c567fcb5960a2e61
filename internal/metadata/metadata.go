// Package metadata holds the pure canonicalization helpers used to compare
// book metadata coming from untrusted sources against a request. All
// functions are stateless and deterministic.
package metadata

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	isbnSepRe      = regexp.MustCompile(`[\s-]+`)
	isbn10Re       = regexp.MustCompile(`^\d{9}[\dX]$`)
	isbn13Re       = regexp.MustCompile(`^\d{13}$`)
	subtitleRe     = regexp.MustCompile(`[:\x{2013}\x{2014}].*$|\s-\s.*$`)
	bracketRe      = regexp.MustCompile(`\[[^\]]*\]|\([^)]*\)|\{[^}]*\}`)
	punctRe        = regexp.MustCompile(`[^\pL\pN\s]`)
	whitespaceRe   = regexp.MustCompile(`\s+`)
	yearRe         = regexp.MustCompile(`\b(19|20)\d{2}\b`)
	editionRe      = regexp.MustCompile(`\b(\d+(st|nd|rd|th)\s+)?(anniversary|annotated|illustrated|unabridged|abridged|revised|expanded|updated|special|deluxe|collectors?|limited|international)\s+(edition|ed)\b|\b(\d+(st|nd|rd|th))\s+(edition|ed)\b|\bedition\b|\bretail\b`)
	formatTokenRe  = regexp.MustCompile(`\b(epub|pdf|mobi|azw3?|djvu|fb2|cbz|cbr|txt|rtf|doc[x]?|ebook|audiobook|mp3|m4[ab]|kindle)\b`)
	honorificRe    = regexp.MustCompile(`^(dr|mr|mrs|ms|prof|professor|sir|lady|rev)\.?\s+`)
	nameSuffixRe   = regexp.MustCompile(`\s+(jr|sr|ii|iii|iv|phd|md|esq)\.?$`)
	authorSplitRe  = regexp.MustCompile(`\s*(?:,|&|;|\band\b)\s*`)
	leadingArticle = regexp.MustCompile(`^(the|a|an)\s+`)
)

// languageNames maps common codes and spellings to one canonical name.
var languageNames = map[string]string{
	"en": "english", "eng": "english", "english": "english", "en-us": "english", "en-gb": "english",
	"de": "german", "ger": "german", "deu": "german", "german": "german", "deutsch": "german",
	"fr": "french", "fre": "french", "fra": "french", "french": "french", "francais": "french", "français": "french",
	"es": "spanish", "spa": "spanish", "spanish": "spanish", "espanol": "spanish", "español": "spanish",
	"it": "italian", "ita": "italian", "italian": "italian", "italiano": "italian",
	"pt": "portuguese", "por": "portuguese", "portuguese": "portuguese", "pt-br": "portuguese",
	"nl": "dutch", "dut": "dutch", "nld": "dutch", "dutch": "dutch",
	"ru": "russian", "rus": "russian", "russian": "russian",
	"ja": "japanese", "jp": "japanese", "jpn": "japanese", "japanese": "japanese",
	"zh": "chinese", "chi": "chinese", "zho": "chinese", "chinese": "chinese",
	"pl": "polish", "pol": "polish", "polish": "polish",
	"sv": "swedish", "swe": "swedish", "swedish": "swedish",
	"no": "norwegian", "nor": "norwegian", "norwegian": "norwegian",
	"da": "danish", "dan": "danish", "danish": "danish",
	"fi": "finnish", "fin": "finnish", "finnish": "finnish",
	"cs": "czech", "cze": "czech", "ces": "czech", "czech": "czech",
	"hu": "hungarian", "hun": "hungarian", "hungarian": "hungarian",
	"tr": "turkish", "tur": "turkish", "turkish": "turkish",
	"ar": "arabic", "ara": "arabic", "arabic": "arabic",
	"ko": "korean", "kor": "korean", "korean": "korean",
	"hi": "hindi", "hin": "hindi", "hindi": "hindi",
}

// NormalizeISBN strips separators and uppercases the check digit.
// Returns the cleaned string and whether it looks like a valid ISBN-10 or -13.
func NormalizeISBN(raw string) (string, bool) {
	cleaned := strings.ToUpper(isbnSepRe.ReplaceAllString(strings.TrimSpace(raw), ""))
	if cleaned == "" {
		return "", false
	}

	return cleaned, isbn10Re.MatchString(cleaned) || isbn13Re.MatchString(cleaned)
}

// IsISBN13 reports whether the normalized form has thirteen digits.
func IsISBN13(isbn string) bool {
	return isbn13Re.MatchString(isbn)
}

// ISBNEquivalent reports whether two ISBNs identify the same book, accepting
// the 978-prefixed conversion between the 10 and 13 digit forms. The check
// digit differs between the two forms, so the comparison ignores it.
func ISBNEquivalent(a, b string) bool {
	na, okA := NormalizeISBN(a)
	nb, okB := NormalizeISBN(b)

	if !okA || !okB {
		return false
	}

	if na == nb {
		return true
	}

	return isbnCore(na) == isbnCore(nb) && isbnCore(na) != ""
}

// isbnCore returns the nine digits shared by both forms: an ISBN-13 must
// carry the 978 bookland prefix to have an ISBN-10 counterpart.
func isbnCore(isbn string) string {
	switch {
	case isbn13Re.MatchString(isbn):
		if !strings.HasPrefix(isbn, "978") {
			return ""
		}

		return isbn[3:12]
	case isbn10Re.MatchString(isbn):
		return isbn[:9]
	default:
		return ""
	}
}

// NormalizeTitle canonicalizes a title for fuzzy comparison: lowercase, drop
// the subtitle, edition qualifiers, format tokens, bracketed content,
// punctuation and a leading article, then collapse whitespace.
func NormalizeTitle(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = subtitleRe.ReplaceAllString(s, "")
	s = bracketRe.ReplaceAllString(s, " ")
	s = editionRe.ReplaceAllString(s, " ")
	s = formatTokenRe.ReplaceAllString(s, " ")
	s = punctRe.ReplaceAllString(s, " ")
	s = whitespaceRe.ReplaceAllString(strings.TrimSpace(s), " ")
	s = leadingArticle.ReplaceAllString(s, "")

	return strings.TrimSpace(s)
}

// NormalizeAuthor canonicalizes a single author name: lowercase, strip
// honorifics and suffixes, convert "Last, First" to "First Last", strip
// punctuation and collapse whitespace.
func NormalizeAuthor(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = honorificRe.ReplaceAllString(s, "")
	s = nameSuffixRe.ReplaceAllString(s, "")

	// "tolkien, j.r.r." -> "j.r.r. tolkien"; only for a single comma, since
	// more than one means a multi-author string.
	if parts := strings.Split(s, ","); len(parts) == 2 {
		s = strings.TrimSpace(parts[1]) + " " + strings.TrimSpace(parts[0])
	}

	s = punctRe.ReplaceAllString(s, " ")

	return whitespaceRe.ReplaceAllString(strings.TrimSpace(s), " ")
}

// SplitAuthors splits a multi-author string on commas, ampersands, "and" and
// semicolons, normalizing each resulting name. A two-part comma split that
// looks like "Last, First" is treated as one name.
func SplitAuthors(raw string) []string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return nil
	}

	parts := authorSplitRe.Split(s, -1)
	if len(parts) == 2 && strings.Contains(s, ",") && len(strings.Fields(parts[1])) == 1 {
		// "Tolkien, J.R.R." is a reversed single name, not two authors.
		return []string{NormalizeAuthor(raw)}
	}

	var out []string

	for _, p := range parts {
		if a := NormalizeAuthor(p); a != "" {
			out = append(out, a)
		}
	}

	return out
}

// ReverseName swaps the first and last tokens of a normalized name, so
// "john ronald tolkien" becomes "tolkien ronald john" ordering comparisons
// tolerate sources that emit surname-first names.
func ReverseName(name string) string {
	fields := strings.Fields(name)
	if len(fields) < 2 {
		return name
	}

	for i, j := 0, len(fields)-1; i < j; i, j = i+1, j-1 {
		fields[i], fields[j] = fields[j], fields[i]
	}

	return strings.Join(fields, " ")
}

// ExtractYear returns the first plausible publication year (1900-2099) found
// in the string, or 0 when none is present.
func ExtractYear(raw string) int {
	match := yearRe.FindString(raw)
	if match == "" {
		return 0
	}

	year, err := strconv.Atoi(match)
	if err != nil {
		return 0
	}

	return year
}

// NormalizeLanguage maps a language code or spelling to its canonical name.
// Unknown values are lowercased and trimmed but otherwise passed through.
func NormalizeLanguage(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if canonical, ok := languageNames[s]; ok {
		return canonical
	}

	return s
}

// KnownLanguage reports whether the value maps to a canonical language name.
func KnownLanguage(raw string) bool {
	_, ok := languageNames[strings.ToLower(strings.TrimSpace(raw))]

	return ok
}
