// Package source defines the model shared by the external book sources and
// the error taxonomy surfaced by them.
package source

import (
	"github.com/bookhoundapp/bookhound/internal/match"
)

// Source names as persisted on a download row.
const (
	SourceMarketplace = "marketplace"
	SourceAggregator  = "aggregator"
)

// Search methods describing how a candidate was located.
const (
	MethodISBN        = "isbn"
	MethodTitleAuthor = "title_author"
	MethodManual      = "manual"
)

// Candidate is one downloadable file offered by an external source.
type Candidate struct {
	// ID identifies the file within its source: a 32-char hex content hash
	// for the marketplace, a release GUID for the aggregator.
	ID     string `json:"id"`
	Source string `json:"source"`

	Title     string `json:"title"`
	Author    string `json:"author,omitempty"`
	Publisher string `json:"publisher,omitempty"`
	Year      int    `json:"year,omitempty"`
	Language  string `json:"language,omitempty"`
	ISBN      string `json:"isbn,omitempty"`
	Format    string `json:"format,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`

	// DownloadURL is set when the source already resolved a direct URL.
	DownloadURL string `json:"download_url,omitempty"`
	// Protocol is the transfer protocol of an aggregator release.
	Protocol string `json:"protocol,omitempty"`
	// Indexer names the aggregator index that produced the release.
	Indexer string `json:"indexer,omitempty"`
	// Grabs counts how often the release was fetched, a popularity signal.
	Grabs int `json:"grabs,omitempty"`
	// PublishDate is RFC 3339 when the source provides one.
	PublishDate string `json:"publish_date,omitempty"`
}

// MatchBook converts the candidate into the scorer's comparison shape.
func (c Candidate) MatchBook() match.Book {
	book := match.Book{
		Title:    c.Title,
		Author:   c.Author,
		Year:     c.Year,
		Language: c.Language,
	}

	if c.ISBN != "" {
		if len(c.ISBN) == 13 {
			book.ISBN13 = c.ISBN
		} else {
			book.ISBN10 = c.ISBN
		}
	}

	return book
}
