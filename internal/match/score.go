// Package match scores how well a candidate file from an external source
// matches a book request, using Jaro-Winkler similarity over normalized
// metadata and a weighted composite confidence score.
package match

import (
	"fmt"

	"github.com/bookhoundapp/bookhound/internal/metadata"
)

// Composite weights. They sum to 100 so the score reads as a percentage.
const (
	WeightISBN     = 50.0
	WeightTitle    = 25.0
	WeightAuthor   = 15.0
	WeightYear     = 5.0
	WeightLanguage = 5.0
)

// Confidence levels derived from the composite score.
const (
	LevelHigh   = "high"
	LevelMedium = "medium"
	LevelLow    = "low"
)

const similarityWarningFloor = 0.7

// Book is the scorer's view of either side of a comparison. Empty fields are
// simply not scored.
type Book struct {
	Title    string
	Author   string
	ISBN10   string
	ISBN13   string
	Year     int
	Language string
}

// MatchResult is the outcome of scoring one candidate against a request.
// Score and Level grade the absolute evidence. Normalized rescales Score
// when the ISBN criterion could not be scored at all, so ISBN-less sources
// (release indexers, requests without an ISBN) are graded over the weight
// they can actually reach instead of being capped at 50.
type MatchResult struct {
	Score      float64            `json:"score"`
	Normalized float64            `json:"normalized_score"`
	Level      string             `json:"level"`
	Breakdown  map[string]float64 `json:"breakdown"`
	Warnings   []string           `json:"warnings,omitempty"`
}

// Score computes the weighted confidence score of candidate against request.
// The result is always within [0,100]; criteria missing on either side
// contribute zero without penalty.
func Score(candidate, request Book) MatchResult {
	result := MatchResult{Breakdown: map[string]float64{}}

	scoreISBN(&result, candidate, request)
	scoreTitle(&result, candidate, request)
	scoreAuthor(&result, candidate, request)
	scoreYear(&result, candidate, request)
	scoreLanguage(&result, candidate, request)

	for _, points := range result.Breakdown {
		result.Score += points
	}

	result.Normalized = result.Score
	if _, scored := result.Breakdown["isbn"]; !scored {
		result.Normalized = result.Score * 100 / (100 - WeightISBN)
	}

	switch {
	case result.Score >= 80:
		result.Level = LevelHigh
	case result.Score >= 50:
		result.Level = LevelMedium
	default:
		result.Level = LevelLow
	}

	return result
}

func scoreISBN(result *MatchResult, candidate, request Book) {
	candISBNs := presentISBNs(candidate)
	reqISBNs := presentISBNs(request)

	// Only scored when both sides provide one.
	if len(candISBNs) == 0 || len(reqISBNs) == 0 {
		return
	}

	for _, c := range candISBNs {
		for _, r := range reqISBNs {
			if metadata.ISBNEquivalent(c, r) {
				result.Breakdown["isbn"] = WeightISBN

				return
			}
		}
	}

	result.Breakdown["isbn"] = 0
	result.Warnings = append(result.Warnings, "isbn mismatch")
}

func scoreTitle(result *MatchResult, candidate, request Book) {
	if candidate.Title == "" || request.Title == "" {
		return
	}

	sim := JaroWinkler(metadata.NormalizeTitle(candidate.Title), metadata.NormalizeTitle(request.Title))
	result.Breakdown["title"] = WeightTitle * sim

	if sim < similarityWarningFloor {
		result.Warnings = append(result.Warnings, fmt.Sprintf("low title similarity (%.2f)", sim))
	}
}

func scoreAuthor(result *MatchResult, candidate, request Book) {
	if candidate.Author == "" || request.Author == "" {
		return
	}

	sim := authorSimilarity(candidate.Author, request.Author)
	result.Breakdown["author"] = WeightAuthor * sim

	if sim < similarityWarningFloor {
		result.Warnings = append(result.Warnings, fmt.Sprintf("low author similarity (%.2f)", sim))
	}
}

// authorSimilarity takes the best similarity across the full normalized
// strings, every pairing of split-out individual authors, and name-reversed
// forms, so "Tolkien, J.R.R." still lines up with "J.R.R. Tolkien".
func authorSimilarity(candidate, request string) float64 {
	best := JaroWinkler(metadata.NormalizeAuthor(candidate), metadata.NormalizeAuthor(request))

	candAuthors := metadata.SplitAuthors(candidate)
	reqAuthors := metadata.SplitAuthors(request)

	for _, c := range candAuthors {
		for _, r := range reqAuthors {
			if sim := JaroWinkler(c, r); sim > best {
				best = sim
			}

			if sim := JaroWinkler(metadata.ReverseName(c), r); sim > best {
				best = sim
			}

			if sim := JaroWinkler(c, metadata.ReverseName(r)); sim > best {
				best = sim
			}
		}
	}

	return best
}

func scoreYear(result *MatchResult, candidate, request Book) {
	if candidate.Year == 0 || request.Year == 0 {
		return
	}

	diff := candidate.Year - request.Year
	if diff < 0 {
		diff = -diff
	}

	switch diff {
	case 0:
		result.Breakdown["year"] = WeightYear
	case 1:
		result.Breakdown["year"] = WeightYear * 0.8
	case 2:
		result.Breakdown["year"] = WeightYear * 0.5
	default:
		result.Breakdown["year"] = 0
		result.Warnings = append(result.Warnings, fmt.Sprintf("publication year differs by %d", diff))
	}
}

func scoreLanguage(result *MatchResult, candidate, request Book) {
	if request.Language == "" {
		return
	}

	if candidate.Language == "" {
		// No language info on the candidate is not a mismatch.
		result.Breakdown["language"] = WeightLanguage * 0.5

		return
	}

	if metadata.NormalizeLanguage(candidate.Language) == metadata.NormalizeLanguage(request.Language) {
		result.Breakdown["language"] = WeightLanguage

		return
	}

	result.Breakdown["language"] = 0
	result.Warnings = append(result.Warnings, "language mismatch")
}

func presentISBNs(b Book) []string {
	var out []string

	if b.ISBN13 != "" {
		out = append(out, b.ISBN13)
	}

	if b.ISBN10 != "" {
		out = append(out, b.ISBN10)
	}

	return out
}

// SelectBestMatch scores every candidate and returns the index of the best
// one at or above minScore, together with its result. Ties keep the earliest
// candidate; callers relying on that must pass candidates in a deterministic
// order. Returns index -1 when nothing reaches minScore.
func SelectBestMatch(candidates []Book, request Book, minScore float64) (int, MatchResult) {
	bestIdx := -1

	var bestResult MatchResult

	for i, candidate := range candidates {
		result := Score(candidate, request)
		if result.Score < minScore {
			continue
		}

		if bestIdx == -1 || result.Score > bestResult.Score {
			bestIdx = i
			bestResult = result
		}
	}

	return bestIdx, bestResult
}
