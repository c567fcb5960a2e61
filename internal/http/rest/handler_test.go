package rest_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookhoundapp/bookhound/internal/http/rest"
	"github.com/bookhoundapp/bookhound/internal/orchestrator"
	"github.com/bookhoundapp/bookhound/internal/queue/sabnzbd"
	"github.com/bookhoundapp/bookhound/internal/source"
	"github.com/bookhoundapp/bookhound/internal/storage"
	"github.com/bookhoundapp/bookhound/internal/storage/sqlite"
)

type stubMarketplace struct {
	candidates []source.Candidate
	searchErr  error
}

func (s *stubMarketplace) SearchByISBN(context.Context, string) ([]source.Candidate, error) {
	return s.candidates, s.searchErr
}

func (s *stubMarketplace) SearchByTitleAuthor(context.Context, string, string) ([]source.Candidate, error) {
	return s.candidates, s.searchErr
}

func (s *stubMarketplace) GetFastDownloadURL(context.Context, string) (string, error) {
	return "https://cdn.example/file.epub", nil
}

func (s *stubMarketplace) DownloadFile(context.Context, string, string) (int64, error) {
	return 1, nil
}

type stubAggregator struct{}

func (stubAggregator) Search(context.Context, string, []string, []string) ([]source.Candidate, error) {
	return nil, &source.NotFoundError{Source: source.SourceAggregator}
}

type stubQueue struct {
	jobs    []sabnzbd.JobStatus
	listErr error
}

func (s *stubQueue) AddURL(context.Context, string, string) (string, error) {
	return "SABnzbd_nzo_test", nil
}

func (s *stubQueue) GetStatus(_ context.Context, jobID string) (*sabnzbd.JobStatus, error) {
	return &sabnzbd.JobStatus{JobID: jobID, Status: sabnzbd.StatusNotFound}, nil
}

func (s *stubQueue) Delete(context.Context, string) bool { return true }

func (s *stubQueue) ListCategory(context.Context, string) ([]sabnzbd.JobStatus, error) {
	return s.jobs, s.listErr
}

type testServer struct {
	*httptest.Server

	db        *sql.DB
	downloads *sqlite.DownloadRepository
	stats     *sqlite.StatsRepository
	market    *stubMarketplace
	queue     *stubQueue
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	db, err := sqlite.InitDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	requests := sqlite.NewRequestRepository(db)
	downloads := sqlite.NewDownloadRepository(db)
	stats := sqlite.NewStatsRepository(db)
	market := &stubMarketplace{}
	queue := &stubQueue{}

	orch := orchestrator.New(requests, downloads, stats, market, stubAggregator{}, queue, nil, nil, orchestrator.Config{
		DownloadDir:   t.TempDir(),
		DailyLimit:    25,
		AutoSelect:    true,
		FormatOrder:   []string{"epub", "pdf"},
		MinMatchScore: 50,
	})

	handler := rest.NewHandler(orch, downloads, queue, "books", nil)
	ts := httptest.NewServer(handler.Routes())
	t.Cleanup(ts.Close)

	return &testServer{Server: ts, db: db, downloads: downloads, stats: stats, market: market, queue: queue}
}

func (ts *testServer) seedRequest(t *testing.T, id int64) {
	t.Helper()

	_, err := ts.db.Exec(`INSERT INTO book_requests
		(id, title, author, isbn13, publish_year, language, status, created_at, updated_at)
		VALUES (?, 'The Hobbit', 'J.R.R. Tolkien', '9780547928227', 2012, 'en', 'approved', ?, ?)`,
		id, time.Now().UTC().Format(time.RFC3339), time.Now().UTC().Format(time.RFC3339))
	require.NoError(t, err)
}

func (ts *testServer) seedDownload(t *testing.T, id string, requestID int64, status string) {
	t.Helper()

	d := &storage.Download{
		ID:        id,
		RequestID: requestID,
		Source:    source.SourceMarketplace,
		Status:    storage.DownloadPending,
	}
	require.NoError(t, ts.downloads.CreateDownload(context.Background(), d))

	if status == storage.DownloadFailed {
		require.NoError(t, ts.downloads.MarkDownloadFailed(context.Background(), id, "mirror exhausted"))
	}
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()

	var body bytes.Buffer
	if payload != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(payload))
	}

	resp, err := http.Post(url, "application/json", &body)
	require.NoError(t, err)

	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	return body
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decodeBody(t, resp)["status"])
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestInitiateEndpoint_Accepted(t *testing.T) {
	ts := newTestServer(t)
	ts.seedRequest(t, 1)
	ts.market.candidates = []source.Candidate{{
		ID: "a1b2c3", Source: source.SourceMarketplace,
		Title: "The Hobbit", Author: "J.R.R. Tolkien",
		ISBN: "9780547928227", Year: 2012, Language: "en", Format: "epub",
	}}

	resp := postJSON(t, ts.URL+"/api/v1/requests/1/download", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.NotEmpty(t, body["download_id"])
}

func TestInitiateEndpoint_UnknownRequest(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/requests/42/download", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInitiateEndpoint_BadID(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/requests/abc/download", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestInitiateEndpoint_QuotaConflict(t *testing.T) {
	ts := newTestServer(t)
	ts.seedRequest(t, 1)

	today := time.Now().UTC().Format("2006-01-02")
	for range 25 {
		require.NoError(t, ts.stats.IncrementCompleted(context.Background(), today))
	}

	resp := postJSON(t, ts.URL+"/api/v1/requests/1/download", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Contains(t, body["error"], "25/25")
}

func TestInitiateEndpoint_LowConfidence(t *testing.T) {
	ts := newTestServer(t)
	ts.seedRequest(t, 1)
	ts.market.candidates = []source.Candidate{{
		ID: "fff", Source: source.SourceMarketplace,
		Title: "Advanced Plumbing Techniques", Author: "Somebody Else",
	}}

	resp := postJSON(t, ts.URL+"/api/v1/requests/1/download", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.NotEmpty(t, body["error"])
	assert.NotEmpty(t, body["candidates"])
}

func TestInitiateEndpoint_SelectionRequired(t *testing.T) {
	ts := newTestServer(t)
	ts.seedRequest(t, 1)
	ts.market.candidates = []source.Candidate{
		{ID: "one", Source: source.SourceMarketplace, Title: "The Hobbit", Author: "J.R.R. Tolkien", ISBN: "9780547928227", Format: "epub"},
		{ID: "two", Source: source.SourceMarketplace, Title: "The Hobbit", Author: "J.R.R. Tolkien", ISBN: "9780547928227", Format: "pdf"},
	}

	resp := postJSON(t, ts.URL+"/api/v1/requests/1/download", orchestrator.Options{DisableAutoSelect: true})
	assert.Equal(t, http.StatusMultipleChoices, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Len(t, body["candidates"], 2)
}

func TestRetryEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.seedRequest(t, 1)
	ts.seedDownload(t, "dl-failed", 1, storage.DownloadFailed)

	resp := postJSON(t, ts.URL+"/api/v1/downloads/dl-failed/retry", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	download, err := ts.downloads.GetDownload(context.Background(), "dl-failed")
	require.NoError(t, err)
	assert.Equal(t, storage.DownloadPending, download.Status)
	assert.Empty(t, download.ErrorMessage)
}

func TestRetryEndpoint_NotRetriable(t *testing.T) {
	ts := newTestServer(t)
	ts.seedRequest(t, 1)
	ts.seedDownload(t, "dl-active", 1, storage.DownloadPending)

	resp := postJSON(t, ts.URL+"/api/v1/downloads/dl-active/retry", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRetryEndpoint_Missing(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/downloads/missing/retry", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.seedRequest(t, 1)
	ts.seedDownload(t, "dl-active", 1, storage.DownloadPending)

	resp := postJSON(t, ts.URL+"/api/v1/downloads/dl-active/cancel", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	download, err := ts.downloads.GetDownload(context.Background(), "dl-active")
	require.NoError(t, err)
	assert.Equal(t, storage.DownloadCancelled, download.Status)

	// A second cancel hits the terminal guard.
	resp = postJSON(t, ts.URL+"/api/v1/downloads/dl-active/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestListDownloadsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.seedRequest(t, 1)
	ts.seedRequest(t, 2)
	ts.seedDownload(t, "dl-1", 1, storage.DownloadPending)
	ts.seedDownload(t, "dl-2", 2, storage.DownloadFailed)

	resp, err := http.Get(ts.URL + "/api/v1/downloads")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Len(t, body["downloads"], 2)

	resp, err = http.Get(ts.URL + "/api/v1/downloads?status=failed")
	require.NoError(t, err)

	body = decodeBody(t, resp)
	require.Len(t, body["downloads"], 1)

	views := body["downloads"].([]any)
	view := views[0].(map[string]any)
	assert.Equal(t, "dl-2", view["id"])
	assert.Equal(t, "mirror exhausted", view["error_message"])
}

func TestGetDownloadEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.seedRequest(t, 1)
	ts.seedDownload(t, "dl-1", 1, storage.DownloadPending)

	resp, err := http.Get(ts.URL + "/api/v1/downloads/dl-1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "dl-1", body["id"])
	assert.Equal(t, "marketplace", body["source"])

	resp, err = http.Get(ts.URL + "/api/v1/downloads/missing")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestQueueEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.queue.jobs = []sabnzbd.JobStatus{
		{JobID: "job-1", Name: "The Hobbit", Status: sabnzbd.StatusDownloading, Progress: 0.4},
	}

	resp, err := http.Get(ts.URL + "/api/v1/queue")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Len(t, body["jobs"], 1)
}

func TestQueueEndpoint_Unavailable(t *testing.T) {
	ts := newTestServer(t)
	ts.queue.listErr = errors.New("connection refused")

	resp, err := http.Get(ts.URL + "/api/v1/queue")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}
