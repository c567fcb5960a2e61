// Package annas talks to the HTML-rendered marketplace catalog. The catalog
// has no stable API and is served from rotating mirror domains, so every
// call walks an ordered mirror list until one succeeds.
package annas

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/dustin/go-humanize"

	"github.com/bookhoundapp/bookhound/internal/logctx"
	"github.com/bookhoundapp/bookhound/internal/source"
)

const dirPerm = 0755

// defaultMirrors are tried after any operator-configured ones.
var defaultMirrors = []string{
	"https://annas-archive.org",
	"https://annas-archive.se",
	"https://annas-archive.li",
}

type Client struct {
	mirrors         []string
	fastDownloadKey string
	searchTimeout   time.Duration
	downloadTimeout time.Duration
	httpClient      *http.Client
}

// NewClient builds a marketplace client. Operator mirrors are prepended to
// the built-in defaults; duplicates keep their first position.
func NewClient(operatorMirrors []string, fastDownloadKey string, searchTimeout, downloadTimeout time.Duration) *Client {
	seen := map[string]bool{}

	var mirrors []string

	for _, m := range append(append([]string{}, operatorMirrors...), defaultMirrors...) {
		m = strings.TrimRight(strings.TrimSpace(m), "/")
		if m == "" || seen[m] {
			continue
		}

		seen[m] = true
		mirrors = append(mirrors, m)
	}

	return &Client{
		mirrors:         mirrors,
		fastDownloadKey: fastDownloadKey,
		searchTimeout:   searchTimeout,
		downloadTimeout: downloadTimeout,
		httpClient:      &http.Client{},
	}
}

// Mirrors returns the resolved mirror order, operator entries first.
func (c *Client) Mirrors() []string {
	return c.mirrors
}

// SearchByISBN looks the ISBN up in the catalog, fast-download-eligible
// results first, everything second.
func (c *Client) SearchByISBN(ctx context.Context, isbn string) ([]source.Candidate, error) {
	return c.search(ctx, isbn)
}

// SearchByTitleAuthor runs a free-text search over title and author.
func (c *Client) SearchByTitleAuthor(ctx context.Context, title, author string) ([]source.Candidate, error) {
	query := strings.TrimSpace(title + " " + author)

	return c.search(ctx, query)
}

// search runs the two-phase query: the fast-download-eligible subset is
// preferred, with the unfiltered catalog as fallback when it comes up empty.
func (c *Client) search(ctx context.Context, query string) ([]source.Candidate, error) {
	logger := logctx.LoggerFromContext(ctx).With("source", "marketplace", "query", query)

	for _, fastOnly := range []bool{true, false} {
		page, err := c.fetchSearchPage(ctx, query, fastOnly)
		if err != nil {
			return nil, err
		}

		candidates := parseSearchResults(page)
		if len(candidates) > 0 {
			logger.Debug("search results", "fast_only", fastOnly, "count", len(candidates))

			return candidates, nil
		}
	}

	return nil, &source.NotFoundError{Source: source.SourceMarketplace, Query: query}
}

func (c *Client) fetchSearchPage(ctx context.Context, query string, fastOnly bool) (string, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("display", "table")

	if fastOnly {
		params.Set("acc", "aa_download")
	}

	var page string

	err := c.forEachMirror(ctx, "search", c.searchTimeout, func(ctx context.Context, mirror string) error {
		body, err := c.get(ctx, mirror+"/search?"+params.Encode(), "")
		if err != nil {
			return err
		}

		page = body

		return nil
	})
	if err != nil {
		return "", err
	}

	return page, nil
}

// GetAvailableFiles returns every file variant the catalog offers for the
// content hash, parsed off the detail page.
func (c *Client) GetAvailableFiles(ctx context.Context, contentHash string) ([]source.Candidate, error) {
	var page string

	err := c.forEachMirror(ctx, "detail", c.searchTimeout, func(ctx context.Context, mirror string) error {
		body, err := c.get(ctx, mirror+"/md5/"+contentHash, "")
		if err != nil {
			return err
		}

		page = body

		return nil
	})
	if err != nil {
		return nil, err
	}

	candidates := parseSearchResults(page)
	if len(candidates) == 0 {
		return nil, &source.NotFoundError{Source: source.SourceMarketplace, Query: contentHash}
	}

	return candidates, nil
}

type fastDownloadResponse struct {
	DownloadURL string `json:"download_url"`
	Error       string `json:"error,omitempty"`

	AccountFastDownloadInfo *struct {
		DownloadsLeft    int `json:"downloads_left"`
		DownloadsPerDay  int `json:"downloads_per_day"`
		RecentDownloads  int `json:"recently_downloaded_md5s_count"`
		TelegramURLToken any `json:"telegram_url,omitempty"`
	} `json:"account_fast_download_info,omitempty"`
}

// GetFastDownloadURL resolves a content hash into a time-limited direct URL
// using the operator's API key. A missing key fails fast without touching
// the network.
func (c *Client) GetFastDownloadURL(ctx context.Context, contentHash string) (string, error) {
	if c.fastDownloadKey == "" {
		return "", &source.ConfigurationError{
			Setting: "MARKETPLACE_FAST_DOWNLOAD_KEY",
			Reason:  "fast download resolution requires an API key",
		}
	}

	params := url.Values{}
	params.Set("md5", contentHash)
	params.Set("key", c.fastDownloadKey)
	params.Set("url_index", "0")
	params.Set("domain_index", "0")

	var downloadURL string

	err := c.forEachMirror(ctx, "fast_download", c.searchTimeout, func(ctx context.Context, mirror string) error {
		body, err := c.get(ctx, mirror+"/dyn/api/fast_download.json?"+params.Encode(), "application/json")
		if err != nil {
			return err
		}

		var resp fastDownloadResponse
		if err := json.Unmarshal([]byte(body), &resp); err != nil {
			return fmt.Errorf("malformed fast download response: %w", err)
		}

		if resp.Error != "" {
			return fmt.Errorf("fast download rejected: %s", resp.Error)
		}

		if resp.DownloadURL == "" {
			return errors.New("fast download response missing download_url")
		}

		downloadURL = resp.DownloadURL

		return nil
	})
	if err != nil {
		return "", err
	}

	return downloadURL, nil
}

// DownloadFile streams the resolved URL to targetPath, returning the number
// of bytes written. It uses the long transfer timeout, not the search one.
func (c *Client) DownloadFile(ctx context.Context, downloadURL, targetPath string) (int64, error) {
	logger := logctx.LoggerFromContext(ctx)

	ctx, cancel := context.WithTimeoutCause(ctx, c.downloadTimeout,
		fmt.Errorf("file transfer timed out after %s", c.downloadTimeout))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create download request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, &source.NetworkError{Operation: "download", Target: downloadURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, &source.NetworkError{
			Operation:  "download",
			Target:     downloadURL,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	if err := os.MkdirAll(filepath.Dir(targetPath), dirPerm); err != nil {
		return 0, fmt.Errorf("failed to create target directory: %w", err)
	}

	out, err := os.Create(targetPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create target file: %w", err)
	}
	defer out.Close()

	written, err := io.Copy(out, resp.Body)
	if err != nil {
		if cause := context.Cause(ctx); cause != nil && ctx.Err() != nil {
			err = cause
		}

		return written, fmt.Errorf("failed to stream file: %w", err)
	}

	if err := out.Sync(); err != nil {
		return written, fmt.Errorf("failed to sync file: %w", err)
	}

	logger.Info("downloaded file", "target", targetPath, "size", humanize.Bytes(uint64(written)))

	return written, nil
}

// forEachMirror tries fn against every mirror in order and stops at the
// first success. When all fail, the per-domain errors are aggregated into a
// single ExhaustedError.
func (c *Client) forEachMirror(ctx context.Context, operation string, timeout time.Duration, fn func(ctx context.Context, mirror string) error) error {
	logger := logctx.LoggerFromContext(ctx)

	attempts := make(map[string]string, len(c.mirrors))

	for _, mirror := range c.mirrors {
		attemptCtx, cancel := context.WithTimeoutCause(ctx, timeout,
			fmt.Errorf("%s timed out after %s", operation, timeout))

		err := fn(attemptCtx, mirror)
		if err != nil {
			// Read the cause before cancel, which would overwrite it with
			// context.Canceled and hide the real per-mirror failure.
			if cause := context.Cause(attemptCtx); attemptCtx.Err() != nil && cause != nil {
				err = cause
			}
		}

		cancel()

		if err == nil {
			return nil
		}

		logger.Debug("mirror attempt failed", "operation", operation, "mirror", mirror, "err", err)

		attempts[mirror] = err.Error()

		if ctx.Err() != nil {
			break
		}
	}

	return &source.ExhaustedError{Operation: operation, Attempts: attempts}
}

// get fetches a URL with a bounded transient retry inside the single mirror
// attempt and returns the response body.
func (c *Client) get(ctx context.Context, rawURL, accept string) (string, error) {
	var body string

	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
			if err != nil {
				return retry.Unrecoverable(err)
			}

			if accept != "" {
				req.Header.Set("Accept", accept)
			}

			resp, err := c.httpClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				err := &source.NetworkError{
					Operation:  "get",
					Target:     rawURL,
					StatusCode: resp.StatusCode,
					Err:        fmt.Errorf("unexpected status %s", resp.Status),
				}
				if resp.StatusCode >= 400 && resp.StatusCode < 500 {
					return retry.Unrecoverable(err)
				}

				return err
			}

			raw, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}

			body = string(raw)

			return nil
		},
		retry.Context(ctx),
		retry.Attempts(2),
		retry.Delay(500*time.Millisecond),
		retry.LastErrorOnly(true),
	)

	return body, err
}
