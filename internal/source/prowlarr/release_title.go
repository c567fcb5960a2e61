package prowlarr

import (
	"regexp"
	"strings"

	"github.com/bookhoundapp/bookhound/internal/metadata"
)

// ParsedRelease holds whatever structure could be recovered from an
// unstructured release name.
type ParsedRelease struct {
	Title    string
	Author   string
	Year     int
	Format   string
	Language string
}

var (
	byAuthorRe   = regexp.MustCompile(`(?i)\s+by\s+([^()\[\]-]+?)\s*$`)
	yearTokenRe  = regexp.MustCompile(`[(\[]?\b((?:19|20)\d{2})\b[)\]]?`)
	formatRe     = regexp.MustCompile(`(?i)\b(epub|pdf|mobi|azw3|azw|djvu|fb2|m4b|mp3)\b`)
	langTokenRe  = regexp.MustCompile(`(?i)[(\[](english|german|french|spanish|italian|portuguese|dutch|russian|japanese|chinese|polish|en|de|fr|es|it|pt|nl|ru|ja|zh|pl)[)\]]`)
	bracketedRe  = regexp.MustCompile(`[(\[][^)\]]*[)\]]`)
	multiSpaceRe = regexp.MustCompile(`\s+`)
)

// ParseReleaseTitle recovers year, format, language, author and title from a
// release name using ordered heuristics. An explicit "by AUTHOR" suffix wins;
// otherwise a dash-separated "A - B" pair is disambiguated by word count,
// with the side holding fewer words taken as the author.
func ParseReleaseTitle(raw string) ParsedRelease {
	parsed := ParsedRelease{}
	working := strings.TrimSpace(raw)

	if m := yearTokenRe.FindStringSubmatch(working); m != nil {
		parsed.Year = metadata.ExtractYear(m[1])
	}

	if m := formatRe.FindStringSubmatch(working); m != nil {
		parsed.Format = strings.ToLower(m[1])
	}

	if m := langTokenRe.FindStringSubmatch(working); m != nil {
		parsed.Language = metadata.NormalizeLanguage(m[1])
	}

	// Bracketed qualifiers carry no title text once mined for the above.
	working = bracketedRe.ReplaceAllString(working, " ")
	working = formatRe.ReplaceAllString(working, " ")
	working = yearTokenRe.ReplaceAllString(working, " ")
	working = strings.Trim(multiSpaceRe.ReplaceAllString(working, " "), " -")

	if m := byAuthorRe.FindStringSubmatch(working); m != nil {
		parsed.Author = strings.TrimSpace(m[1])
		parsed.Title = strings.TrimSpace(byAuthorRe.ReplaceAllString(working, ""))

		return parsed
	}

	if left, right, found := strings.Cut(working, " - "); found {
		left, right = strings.TrimSpace(left), strings.TrimSpace(right)

		// The side with fewer words is more likely the author.
		if len(strings.Fields(left)) <= len(strings.Fields(right)) {
			parsed.Author = left
			parsed.Title = right
		} else {
			parsed.Author = right
			parsed.Title = left
		}

		return parsed
	}

	parsed.Title = working

	return parsed
}
