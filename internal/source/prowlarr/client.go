// Package prowlarr is the REST client for the locally-run indexer
// aggregation service. Searches span many specialized indexes selected by
// category codes; the service authenticates via an API key header.
package prowlarr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/bookhoundapp/bookhound/internal/logctx"
	"github.com/bookhoundapp/bookhound/internal/source"
)

// ProtocolUsenet is the only protocol the downstream queue client consumes.
const ProtocolUsenet = "usenet"

const apiKeyHeader = "X-Api-Key"

type Client struct {
	client  *http.Client
	baseURL string
	apiKey  string
	limit   int
}

// NewClient creates a new aggregator client.
func NewClient(baseURL, apiKey string, searchLimit int) *Client {
	return &Client{
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: baseURL,
		apiKey:  apiKey,
		limit:   searchLimit,
	}
}

// Release is one result returned by the aggregation service.
type Release struct {
	GUID        string    `json:"guid"`
	Title       string    `json:"title"`
	Size        int64     `json:"size"`
	DownloadURL string    `json:"downloadUrl"`
	InfoURL     string    `json:"infoUrl"`
	Indexer     string    `json:"indexer"`
	IndexerID   int       `json:"indexerId"`
	Protocol    string    `json:"protocol"`
	PublishDate time.Time `json:"publishDate"`
	Grabs       int       `json:"grabs"`
	Categories  []struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	} `json:"categories"`
}

// SystemStatus is the health payload of the aggregation service.
type SystemStatus struct {
	AppName string `json:"appName"`
	Version string `json:"version"`
}

// Indexer describes one configured index.
type Indexer struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Protocol string `json:"protocol"`
	Enable   bool   `json:"enable"`
}

// Ping verifies the service is reachable and the API key is accepted.
func (c *Client) Ping(ctx context.Context) (*SystemStatus, error) {
	var status SystemStatus
	if err := c.getJSON(ctx, "/api/v1/system/status", nil, &status); err != nil {
		return nil, err
	}

	return &status, nil
}

// ListIndexers returns the configured indexes.
func (c *Client) ListIndexers(ctx context.Context) ([]Indexer, error) {
	var indexers []Indexer
	if err := c.getJSON(ctx, "/api/v1/indexer", nil, &indexers); err != nil {
		return nil, err
	}

	return indexers, nil
}

// Search queries the aggregation service across the given category codes,
// optionally restricted to specific indexer ids. Only releases on the
// protocol the queue client can consume are returned.
func (c *Client) Search(ctx context.Context, query string, categories, indexerIDs []string) ([]source.Candidate, error) {
	logger := logctx.LoggerFromContext(ctx).With("source", "aggregator", "query", query)

	params := url.Values{}
	params.Set("query", query)
	params.Set("limit", strconv.Itoa(c.limit))
	params.Set("type", "search")

	for _, cat := range categories {
		params.Add("categories[]", cat)
	}

	for _, id := range indexerIDs {
		params.Add("indexerIds[]", id)
	}

	var releases []Release
	if err := c.getJSON(ctx, "/api/v1/search", params, &releases); err != nil {
		return nil, err
	}

	var candidates []source.Candidate

	for _, release := range releases {
		if release.Protocol != ProtocolUsenet {
			continue
		}

		candidates = append(candidates, release.toCandidate())
	}

	logger.Debug("aggregator search results", "total", len(releases), "usable", len(candidates))

	if len(candidates) == 0 {
		return nil, &source.NotFoundError{Source: source.SourceAggregator, Query: query}
	}

	return candidates, nil
}

func (r Release) toCandidate() source.Candidate {
	parsed := ParseReleaseTitle(r.Title)

	candidate := source.Candidate{
		ID:          r.GUID,
		Source:      source.SourceAggregator,
		Title:       parsed.Title,
		Author:      parsed.Author,
		Year:        parsed.Year,
		Language:    parsed.Language,
		Format:      parsed.Format,
		SizeBytes:   r.Size,
		DownloadURL: r.DownloadURL,
		Protocol:    r.Protocol,
		Indexer:     r.Indexer,
		Grabs:       r.Grabs,
	}

	if !r.PublishDate.IsZero() {
		candidate.PublishDate = r.PublishDate.Format(time.RFC3339)
	}

	return candidate
}

// SortByQuality orders candidates by the release quality heuristic: larger
// size first, then higher grab count, then more recent publish date.
func SortByQuality(candidates []source.Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].SizeBytes != candidates[j].SizeBytes {
			return candidates[i].SizeBytes > candidates[j].SizeBytes
		}

		if candidates[i].Grabs != candidates[j].Grabs {
			return candidates[i].Grabs > candidates[j].Grabs
		}

		return candidates[i].PublishDate > candidates[j].PublishDate
	})
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	target := c.baseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set(apiKeyHeader, c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return &source.NetworkError{Operation: "aggregator_get", Target: path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &source.NetworkError{
			Operation:  "aggregator_get",
			Target:     path,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}
