package annas

import (
	"html"
	"regexp"
	"strconv"
	"strings"

	"github.com/bookhoundapp/bookhound/internal/metadata"
	"github.com/bookhoundapp/bookhound/internal/source"
)

// The marketplace has no API; search pages are parsed straight out of the
// rendered HTML. Every result card is keyed by the 32-char hex content hash
// in its /md5/ link. Extraction is best effort: fields that cannot be parsed
// stay empty, only cards without a title are dropped entirely.

var (
	contentHashRe = regexp.MustCompile(`href="/md5/([0-9a-fA-F]{32})`)
	titleTagRe    = regexp.MustCompile(`(?s)<h3[^>]*>(.*?)</h3>`)
	authorTagRe   = regexp.MustCompile(`(?s)<div[^>]*class="[^"]*italic[^"]*"[^>]*>(.*?)</div>`)
	publisherRe   = regexp.MustCompile(`(?s)<div[^>]*class="[^"]*text-sm[^"]*"[^>]*>(.*?)</div>`)
	metaLineRe    = regexp.MustCompile(`(?s)<div[^>]*class="[^"]*text-gray-500[^"]*"[^>]*>(.*?)</div>`)
	tagStripRe    = regexp.MustCompile(`<[^>]+>`)
	langCodeRe    = regexp.MustCompile(`^(.+?)\s*\[([a-zA-Z-]{2,5})\]$`)
	sizeRe        = regexp.MustCompile(`(?i)^([\d.]+)\s*(B|KB|MB|GB)$`)
)

var knownFormats = map[string]bool{
	"epub": true, "pdf": true, "mobi": true, "azw3": true, "azw": true,
	"djvu": true, "fb2": true, "cbz": true, "cbr": true, "txt": true, "rtf": true,
}

// parseSearchResults extracts candidate records from a search page. Cards
// are deduplicated by content hash, preserving first-seen order.
func parseSearchResults(page string) []source.Candidate {
	hashes := contentHashRe.FindAllStringSubmatchIndex(page, -1)
	if len(hashes) == 0 {
		return nil
	}

	var (
		out  []source.Candidate
		seen = map[string]bool{}
	)

	for i, loc := range hashes {
		hash := strings.ToLower(page[loc[2]:loc[3]])
		if seen[hash] {
			continue
		}

		// The card markup is everything up to the next result's link.
		end := len(page)
		if i+1 < len(hashes) {
			end = hashes[i+1][0]
		}

		card := page[loc[0]:end]

		candidate, ok := parseCard(hash, card)
		if !ok {
			continue
		}

		seen[hash] = true
		out = append(out, candidate)
	}

	return out
}

// parseCard pulls whatever metadata the sibling markup offers. A missing
// title invalidates the card; every other field may stay empty.
func parseCard(hash, card string) (source.Candidate, bool) {
	candidate := source.Candidate{
		ID:     hash,
		Source: source.SourceMarketplace,
	}

	candidate.Title = extractText(titleTagRe, card)
	if candidate.Title == "" {
		return candidate, false
	}

	candidate.Author = extractText(authorTagRe, card)

	if meta := extractText(metaLineRe, card); meta != "" {
		parseMetaLine(&candidate, meta)
	}

	if candidate.Publisher == "" {
		if pub := extractText(publisherRe, card); pub != "" && pub != candidate.Title {
			candidate.Publisher = pub
		}
	}

	if candidate.Year == 0 {
		candidate.Year = metadata.ExtractYear(card)
	}

	return candidate, true
}

// parseMetaLine decodes the comma-separated summary line, e.g.
// "English [en], epub, 1.2MB, 2012, Houghton Mifflin".
func parseMetaLine(candidate *source.Candidate, meta string) {
	var leftovers []string

	for _, part := range strings.Split(meta, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		switch {
		case candidate.Language == "" && looksLikeLanguage(part):
			candidate.Language = normalizeLangPart(part)
		case candidate.Format == "" && knownFormats[strings.ToLower(part)]:
			candidate.Format = strings.ToLower(part)
		case candidate.SizeBytes == 0 && sizeRe.MatchString(part):
			candidate.SizeBytes = parseSize(part)
		case candidate.Year == 0 && metadata.ExtractYear(part) != 0 && len(part) == 4:
			candidate.Year = metadata.ExtractYear(part)
		default:
			leftovers = append(leftovers, part)
		}
	}

	if candidate.Publisher == "" && len(leftovers) > 0 {
		candidate.Publisher = strings.Join(leftovers, ", ")
	}
}

func looksLikeLanguage(part string) bool {
	return langCodeRe.MatchString(part) || metadata.KnownLanguage(part)
}

func normalizeLangPart(part string) string {
	if m := langCodeRe.FindStringSubmatch(part); m != nil {
		return metadata.NormalizeLanguage(m[2])
	}

	return metadata.NormalizeLanguage(part)
}

func parseSize(part string) int64 {
	m := sizeRe.FindStringSubmatch(part)
	if m == nil {
		return 0
	}

	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}

	switch strings.ToUpper(m[2]) {
	case "KB":
		value *= 1 << 10
	case "MB":
		value *= 1 << 20
	case "GB":
		value *= 1 << 30
	}

	return int64(value)
}

func extractText(re *regexp.Regexp, card string) string {
	m := re.FindStringSubmatch(card)
	if m == nil {
		return ""
	}

	text := tagStripRe.ReplaceAllString(m[1], " ")
	text = html.UnescapeString(text)

	return strings.Join(strings.Fields(text), " ")
}
