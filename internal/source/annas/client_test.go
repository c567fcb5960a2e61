package annas

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookhoundapp/bookhound/internal/source"
)

// newTestClient clears the built-in mirror list so tests only ever talk to
// their httptest servers.
func newTestClient(t *testing.T, key string, mirrors ...string) *Client {
	t.Helper()

	orig := defaultMirrors
	defaultMirrors = nil

	t.Cleanup(func() { defaultMirrors = orig })

	return NewClient(mirrors, key, 2*time.Second, 2*time.Second)
}

func TestNewClient_MirrorOrder(t *testing.T) {
	client := NewClient(
		[]string{"https://mirror.example/", "https://annas-archive.org"},
		"", time.Second, time.Second,
	)

	mirrors := client.Mirrors()
	require.NotEmpty(t, mirrors)
	assert.Equal(t, "https://mirror.example", mirrors[0])
	assert.Equal(t, "https://annas-archive.org", mirrors[1])

	seen := map[string]int{}
	for _, m := range mirrors {
		seen[m]++
	}

	for m, n := range seen {
		assert.Equal(t, 1, n, m)
	}
}

func TestSearchByISBN(t *testing.T) {
	var queries []string

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		queries = append(queries, r.URL.Query().Encode())
		_, _ = w.Write([]byte(sampleSearchPage))
	}))
	defer ts.Close()

	client := newTestClient(t, "", ts.URL)

	candidates, err := client.SearchByISBN(context.Background(), "9780547928227")
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	// The first phase restricts to fast-download-eligible results.
	require.Len(t, queries, 1)
	assert.Contains(t, queries[0], "acc=aa_download")
	assert.Contains(t, queries[0], "q=9780547928227")
}

func TestSearch_FallsBackToUnfilteredPhase(t *testing.T) {
	var phases []string

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		phases = append(phases, r.URL.Query().Get("acc"))

		if r.URL.Query().Get("acc") == "aa_download" {
			_, _ = w.Write([]byte("<html>No files found.</html>"))

			return
		}

		_, _ = w.Write([]byte(sampleSearchPage))
	}))
	defer ts.Close()

	client := newTestClient(t, "", ts.URL)

	candidates, err := client.SearchByTitleAuthor(context.Background(), "The Hobbit", "Tolkien")
	require.NoError(t, err)
	assert.Len(t, candidates, 2)
	assert.Equal(t, []string{"aa_download", ""}, phases)
}

func TestSearch_NotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>No files found.</html>"))
	}))
	defer ts.Close()

	client := newTestClient(t, "", ts.URL)

	_, err := client.SearchByISBN(context.Background(), "9780547928227")

	var notFound *source.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, source.SourceMarketplace, notFound.Source)
}

func TestSearch_MirrorFallback(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer broken.Close()

	var served int

	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served++
		_, _ = w.Write([]byte(sampleSearchPage))
	}))
	defer healthy.Close()

	client := newTestClient(t, "", broken.URL, healthy.URL)

	candidates, err := client.SearchByISBN(context.Background(), "9780547928227")
	require.NoError(t, err)
	assert.Len(t, candidates, 2)
	assert.Equal(t, 1, served)
}

func TestSearch_AllMirrorsExhausted(t *testing.T) {
	first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "blocked", http.StatusForbidden)
	}))
	defer first.Close()

	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer second.Close()

	client := newTestClient(t, "", first.URL, second.URL)

	_, err := client.SearchByISBN(context.Background(), "9780547928227")

	var exhausted *source.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "search", exhausted.Operation)
	assert.Len(t, exhausted.Attempts, 2)
	assert.Contains(t, exhausted.Attempts, first.URL)
	assert.Contains(t, exhausted.Attempts, second.URL)
}

func TestGetFastDownloadURL(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/dyn/api/fast_download.json", r.URL.Path)
		assert.Equal(t, "abcdefabcdefabcdefabcdefabcdefab", r.URL.Query().Get("md5"))
		assert.Equal(t, "secret-key", r.URL.Query().Get("key"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"download_url":"https://cdn.example/file.epub"}`))
	}))
	defer ts.Close()

	client := newTestClient(t, "secret-key", ts.URL)

	url, err := client.GetFastDownloadURL(context.Background(), "abcdefabcdefabcdefabcdefabcdefab")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/file.epub", url)
}

func TestGetFastDownloadURL_MissingKeyFailsFast(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected without an API key")
	}))
	defer ts.Close()

	client := newTestClient(t, "", ts.URL)

	_, err := client.GetFastDownloadURL(context.Background(), "abcdefabcdefabcdefabcdefabcdefab")

	var confErr *source.ConfigurationError
	require.ErrorAs(t, err, &confErr)
	assert.Equal(t, "MARKETPLACE_FAST_DOWNLOAD_KEY", confErr.Setting)
}

func TestGetFastDownloadURL_Rejected(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":"Invalid secret key"}`))
	}))
	defer ts.Close()

	client := newTestClient(t, "bad-key", ts.URL)

	_, err := client.GetFastDownloadURL(context.Background(), "abcdefabcdefabcdefabcdefabcdefab")

	var exhausted *source.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Contains(t, exhausted.Attempts[ts.URL], "Invalid secret key")
}

func TestDownloadFile(t *testing.T) {
	payload := []byte("epub bytes go here")

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer ts.Close()

	client := newTestClient(t, "")
	target := filepath.Join(t.TempDir(), "books", "1 - The Hobbit.epub")

	written, err := client.DownloadFile(context.Background(), ts.URL+"/file.epub", target)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), written)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDownloadFile_NonOKStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "expired", http.StatusGone)
	}))
	defer ts.Close()

	client := newTestClient(t, "")
	target := filepath.Join(t.TempDir(), "file.epub")

	_, err := client.DownloadFile(context.Background(), ts.URL, target)

	var netErr *source.NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, http.StatusGone, netErr.StatusCode)
	assert.NoFileExists(t, target)
}

func TestGetAvailableFiles(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/md5/0123456789abcdef0123456789abcdef", r.URL.Path)
		_, _ = w.Write([]byte(sampleSearchPage))
	}))
	defer ts.Close()

	client := newTestClient(t, "", ts.URL)

	candidates, err := client.GetAvailableFiles(context.Background(), "0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	assert.Len(t, candidates, 2)
}
