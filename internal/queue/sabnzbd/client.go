// Package sabnzbd is the client for the local queue-managed downloader. The
// service exposes a JSON "RPC" keyed by a mode query parameter under a
// single /api path and authenticates with an API key query parameter. Its
// vocabulary is translated into the unified JobStatus shape here so nothing
// upstream knows the downloader's own status names.
package sabnzbd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bookhoundapp/bookhound/internal/logctx"
	"github.com/bookhoundapp/bookhound/internal/source"
)

// Unified job statuses.
const (
	StatusQueued      = "queued"
	StatusDownloading = "downloading"
	StatusPaused      = "paused"
	StatusProcessing  = "processing"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusNotFound    = "not_found"
)

type Client struct {
	client   *http.Client
	baseURL  string
	apiKey   string
	category string
	priority int
}

// NewClient creates a queue downloader client.
func NewClient(baseURL, apiKey, category string, priority int) *Client {
	return &Client{
		client:   &http.Client{Timeout: 30 * time.Second},
		baseURL:  baseURL,
		apiKey:   apiKey,
		category: category,
		priority: priority,
	}
}

// JobStatus is the unified view of a queued or finished job.
type JobStatus struct {
	JobID        string  `json:"job_id"`
	Name         string  `json:"name"`
	Status       string  `json:"status"`
	Progress     float64 `json:"progress"` // 0..1
	SizeBytes    int64   `json:"size_bytes"`
	FilePath     string  `json:"file_path,omitempty"`
	ErrorMessage string  `json:"error_message,omitempty"`
	Category     string  `json:"category,omitempty"`
}

// IsTerminal reports whether the job finished, successfully or not.
func (s *JobStatus) IsTerminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed
}

type addResponse struct {
	Status bool     `json:"status"`
	NzoIDs []string `json:"nzo_ids"`
	Error  string   `json:"error,omitempty"`
}

type versionResponse struct {
	Version string `json:"version"`
}

type queueSlot struct {
	NzoID    string `json:"nzo_id"`
	Filename string `json:"filename"`
	Status   string `json:"status"`
	MB       string `json:"mb"`
	MBLeft   string `json:"mbleft"`
	Category string `json:"cat"`
}

type queueResponse struct {
	Queue struct {
		Slots []queueSlot `json:"slots"`
	} `json:"queue"`
}

type historySlot struct {
	NzoID       string `json:"nzo_id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Storage     string `json:"storage"`
	FailMessage string `json:"fail_message"`
	Bytes       int64  `json:"bytes"`
	Category    string `json:"category"`
}

type historyResponse struct {
	History struct {
		Slots []historySlot `json:"slots"`
	} `json:"history"`
}

// Version performs the handshake and returns the downloader version.
func (c *Client) Version(ctx context.Context) (string, error) {
	var resp versionResponse
	if err := c.call(ctx, "version", nil, &resp); err != nil {
		return "", err
	}

	return resp.Version, nil
}

// AddURL submits a job by reference URL, tagged with the configured category
// and priority, and returns the opaque job id.
func (c *Client) AddURL(ctx context.Context, jobURL, name string) (string, error) {
	params := url.Values{}
	params.Set("name", jobURL)
	params.Set("cat", c.category)
	params.Set("priority", strconv.Itoa(c.priority))

	if name != "" {
		params.Set("nzbname", name)
	}

	var resp addResponse
	if err := c.call(ctx, "addurl", params, &resp); err != nil {
		return "", err
	}

	return jobIDFromAdd(resp)
}

// AddFile submits raw job content via multipart POST and returns the job id.
func (c *Client) AddFile(ctx context.Context, content []byte, filename string) (string, error) {
	var body bytes.Buffer

	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("name", filename)
	if err != nil {
		return "", fmt.Errorf("failed to create multipart form: %w", err)
	}

	if _, err := part.Write(content); err != nil {
		return "", fmt.Errorf("failed to write multipart content: %w", err)
	}

	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize multipart form: %w", err)
	}

	params := c.baseParams("addfile")
	params.Set("cat", c.category)
	params.Set("priority", strconv.Itoa(c.priority))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api?"+params.Encode(), &body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", writer.FormDataContentType())

	var resp addResponse
	if err := c.do(req, &resp); err != nil {
		return "", err
	}

	return jobIDFromAdd(resp)
}

func jobIDFromAdd(resp addResponse) (string, error) {
	if !resp.Status || len(resp.NzoIDs) == 0 {
		if resp.Error != "" {
			return "", fmt.Errorf("submission rejected: %s", resp.Error)
		}

		return "", fmt.Errorf("submission rejected without a job id")
	}

	return resp.NzoIDs[0], nil
}

// GetStatus looks a job up in the active queue first, then in history.
// A job in neither is reported as StatusNotFound, which is not an error:
// the caller leaves its own state untouched.
func (c *Client) GetStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	queue, err := c.queue(ctx)
	if err != nil {
		return nil, err
	}

	for _, slot := range queue {
		if slot.NzoID == jobID {
			status := slot.toJobStatus()

			return &status, nil
		}
	}

	history, err := c.history(ctx)
	if err != nil {
		return nil, err
	}

	for _, slot := range history {
		if slot.NzoID == jobID {
			status := slot.toJobStatus()

			return &status, nil
		}
	}

	return &JobStatus{JobID: jobID, Status: StatusNotFound}, nil
}

// ListCategory merges the live queue and history into one dashboard view,
// fetched concurrently.
func (c *Client) ListCategory(ctx context.Context, category string) ([]JobStatus, error) {
	var (
		queueSlots   []queueSlot
		historySlots []historySlot
	)

	wg, ctx := errgroup.WithContext(ctx)

	wg.Go(func() error {
		var err error
		queueSlots, err = c.queue(ctx)

		return err
	})

	wg.Go(func() error {
		var err error
		historySlots, err = c.history(ctx)

		return err
	})

	if err := wg.Wait(); err != nil {
		return nil, err
	}

	var jobs []JobStatus

	for _, slot := range queueSlots {
		if category == "" || slot.Category == category {
			jobs = append(jobs, slot.toJobStatus())
		}
	}

	for _, slot := range historySlots {
		if category == "" || slot.Category == category {
			jobs = append(jobs, slot.toJobStatus())
		}
	}

	return jobs, nil
}

// Pause pauses a job. Control operations report success as a boolean and
// log failures instead of surfacing them.
func (c *Client) Pause(ctx context.Context, jobID string) bool {
	return c.control(ctx, "pause", url.Values{"value": {jobID}})
}

// Resume resumes a paused job.
func (c *Client) Resume(ctx context.Context, jobID string) bool {
	return c.control(ctx, "resume", url.Values{"value": {jobID}})
}

// Retry re-queues a failed history job.
func (c *Client) Retry(ctx context.Context, jobID string) bool {
	return c.control(ctx, "retry", url.Values{"value": {jobID}})
}

// Delete removes a job from the queue, deleting its files.
func (c *Client) Delete(ctx context.Context, jobID string) bool {
	return c.control(ctx, "delete", url.Values{"value": {jobID}, "del_files": {"1"}})
}

func (c *Client) control(ctx context.Context, mode string, params url.Values) bool {
	logger := logctx.LoggerFromContext(ctx).With("method", mode)

	var resp struct {
		Status bool `json:"status"`
	}

	if err := c.call(ctx, mode, params, &resp); err != nil {
		logger.Warn("queue control operation failed", "err", err)

		return false
	}

	if !resp.Status {
		logger.Warn("queue control operation rejected")
	}

	return resp.Status
}

func (c *Client) queue(ctx context.Context) ([]queueSlot, error) {
	var resp queueResponse
	if err := c.call(ctx, "queue", nil, &resp); err != nil {
		return nil, err
	}

	return resp.Queue.Slots, nil
}

func (c *Client) history(ctx context.Context) ([]historySlot, error) {
	var resp historyResponse
	if err := c.call(ctx, "history", nil, &resp); err != nil {
		return nil, err
	}

	return resp.History.Slots, nil
}

func (s queueSlot) toJobStatus() JobStatus {
	job := JobStatus{
		JobID:    s.NzoID,
		Name:     s.Filename,
		Category: s.Category,
	}

	switch s.Status {
	case "Downloading":
		job.Status = StatusDownloading
	case "Paused":
		job.Status = StatusPaused
	case "Queued", "Grabbing", "Propagating":
		job.Status = StatusQueued
	default:
		job.Status = StatusProcessing
	}

	total, _ := strconv.ParseFloat(s.MB, 64)
	remaining, _ := strconv.ParseFloat(s.MBLeft, 64)

	job.SizeBytes = int64(total * (1 << 20))
	job.Progress = clampProgress(total, remaining)

	return job
}

func (s historySlot) toJobStatus() JobStatus {
	job := JobStatus{
		JobID:     s.NzoID,
		Name:      s.Name,
		SizeBytes: s.Bytes,
		Category:  s.Category,
	}

	switch s.Status {
	case "Completed":
		job.Status = StatusCompleted
		job.Progress = 1
		job.FilePath = s.Storage
	case "Failed":
		job.Status = StatusFailed
		job.ErrorMessage = s.FailMessage
	default:
		// Verifying, Repairing, Extracting and friends still run.
		job.Status = StatusProcessing
	}

	return job
}

func clampProgress(total, remaining float64) float64 {
	if total <= 0 {
		return 0
	}

	progress := (total - remaining) / total
	if progress < 0 {
		return 0
	}

	if progress > 1 {
		return 1
	}

	return progress
}

func (c *Client) baseParams(mode string) url.Values {
	params := url.Values{}
	params.Set("mode", mode)
	params.Set("apikey", c.apiKey)
	params.Set("output", "json")

	return params
}

func (c *Client) call(ctx context.Context, mode string, params url.Values, out any) error {
	merged := c.baseParams(mode)

	for key, values := range params {
		for _, v := range values {
			merged.Add(key, v)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api?"+merged.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return &source.NetworkError{Operation: "queue_api", Target: req.URL.Path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)

		return &source.NetworkError{
			Operation:  "queue_api",
			Target:     req.URL.Path,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %s: %s", resp.Status, string(body)),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}
