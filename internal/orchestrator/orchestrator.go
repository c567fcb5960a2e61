// Package orchestrator owns the download lifecycle: it reconciles the book
// request metadata with the external sources, scores candidates, persists
// state transitions and drives processing to a file on disk.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/bookhoundapp/bookhound/internal/logctx"
	"github.com/bookhoundapp/bookhound/internal/match"
	"github.com/bookhoundapp/bookhound/internal/notifier"
	"github.com/bookhoundapp/bookhound/internal/queue/sabnzbd"
	"github.com/bookhoundapp/bookhound/internal/source"
	"github.com/bookhoundapp/bookhound/internal/storage"
	"github.com/bookhoundapp/bookhound/internal/telemetry"
)

// MarketplaceClient is the slice of the marketplace surface the orchestrator
// needs. Markup-parsing internals stay behind it.
type MarketplaceClient interface {
	SearchByISBN(ctx context.Context, isbn string) ([]source.Candidate, error)
	SearchByTitleAuthor(ctx context.Context, title, author string) ([]source.Candidate, error)
	GetFastDownloadURL(ctx context.Context, contentHash string) (string, error)
	DownloadFile(ctx context.Context, downloadURL, targetPath string) (int64, error)
}

// AggregatorClient searches the indexer-aggregation service.
type AggregatorClient interface {
	Search(ctx context.Context, query string, categories, indexerIDs []string) ([]source.Candidate, error)
}

// QueueClient submits and controls jobs on the queue-managed downloader.
type QueueClient interface {
	AddURL(ctx context.Context, jobURL, name string) (string, error)
	GetStatus(ctx context.Context, jobID string) (*sabnzbd.JobStatus, error)
	Delete(ctx context.Context, jobID string) bool
}

// Config carries the orchestrator's tunables, resolved from the
// configuration provider at startup.
type Config struct {
	DownloadDir    string
	DailyLimit     int
	AutoSelect     bool
	FormatOrder    []string
	MinMatchScore  float64
	BookCategories []string
}

type Orchestrator struct {
	requests  storage.RequestRepository
	downloads storage.DownloadRepository
	stats     storage.StatsRepository

	market MarketplaceClient
	agg    AggregatorClient
	queue  QueueClient

	notif notifier.Notifier
	tel   *telemetry.Telemetry
	cfg   Config

	// now is swapped in tests to pin the quota date.
	now func() time.Time

	tasks chan string // download ids awaiting background processing
}

func New(
	requests storage.RequestRepository,
	downloads storage.DownloadRepository,
	stats storage.StatsRepository,
	market MarketplaceClient,
	agg AggregatorClient,
	queue QueueClient,
	notif notifier.Notifier,
	tel *telemetry.Telemetry,
	cfg Config,
) *Orchestrator {
	return &Orchestrator{
		requests:  requests,
		downloads: downloads,
		stats:     stats,
		market:    market,
		agg:       agg,
		queue:     queue,
		notif:     notif,
		tel:       tel,
		cfg:       cfg,
		now:       time.Now,
		tasks:     make(chan string, 64),
	}
}

// Options steer a single initiation.
type Options struct {
	// Source selects the acquisition path; defaults to the marketplace.
	Source string `json:"source,omitempty"`
	// CandidateID skips searching and downloads the given candidate directly.
	CandidateID string `json:"candidate_id,omitempty"`
	// Format is an explicit file-type preference for auto-selection.
	Format string `json:"format,omitempty"`
	// DisableAutoSelect forces a selection round-trip when several match.
	DisableAutoSelect bool `json:"disable_auto_select,omitempty"`
}

// Result is the immediate outcome of InitiateDownload. Processing continues
// in the background; callers never wait on third-party network I/O.
type Result struct {
	DownloadID        string             `json:"download_id,omitempty"`
	RequiresSelection bool               `json:"requires_selection,omitempty"`
	Candidates        []source.Candidate `json:"candidates,omitempty"`
	Match             *match.MatchResult `json:"match,omitempty"`
}

// Start runs the background worker that drains queued processing tasks.
// Completion writes all happen on this single goroutine.
func (o *Orchestrator) Start(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	go func() {
		for {
			select {
			case <-ctx.Done():
				logger.Info("orchestrator worker shutting down")

				return
			case downloadID := <-o.tasks:
				o.process(ctx, downloadID)
			}
		}
	}()
}

// InitiateDownload resolves the request, finds and selects a candidate,
// persists a pending download and hands it to the background worker.
func (o *Orchestrator) InitiateDownload(ctx context.Context, requestID int64, opts Options) (*Result, error) {
	logger := logctx.LoggerFromContext(ctx).With("request_id", requestID)

	src := opts.Source
	if src == "" {
		src = source.SourceMarketplace
	}

	// The quota gates the marketplace path before anything else happens.
	if src == source.SourceMarketplace {
		if err := o.checkQuota(ctx); err != nil {
			return nil, err
		}
	}

	request, err := o.requests.GetRequest(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve book request: %w", err)
	}

	candidate, method, result, err := o.resolveCandidate(ctx, request, src, opts)
	if err != nil {
		var lowConfidence *source.LowConfidenceError
		if errors.As(err, &lowConfidence) {
			// Surface the raw list so an operator can override manually.
			return &Result{RequiresSelection: true, Candidates: lowConfidence.Candidates}, err
		}

		if markErr := o.requests.UpdateRequestStatus(ctx, requestID, storage.RequestDownloadProblem); markErr != nil {
			return nil, fmt.Errorf("failed to record search failure: %w", markErr)
		}

		return nil, err
	}

	if result != nil && result.RequiresSelection {
		return result, nil
	}

	download := &storage.Download{
		ID:           uuid.New().String(),
		RequestID:    requestID,
		Source:       src,
		ExternalID:   candidate.ID,
		SearchMethod: method,
		FileType:     candidate.Format,
		Status:       storage.DownloadPending,
	}

	if raw, err := json.Marshal(candidate); err == nil {
		download.CandidateJSON = string(raw)
	}

	if err := o.downloads.CreateDownload(ctx, download); err != nil {
		return nil, fmt.Errorf("failed to persist download: %w", err)
	}

	logger.Info("download initiated",
		"download_id", download.ID,
		"source", src,
		"search_method", method,
		"candidate_id", candidate.ID,
	)

	o.tasks <- download.ID

	res := &Result{DownloadID: download.ID}
	if result != nil {
		res.Match = result.Match
	}

	return res, nil
}

// RetryDownload re-enters processing for a failed download with its stored
// candidate; there is no re-search. Legal only from the failed status.
func (o *Orchestrator) RetryDownload(ctx context.Context, downloadID string) error {
	download, err := o.downloads.GetDownload(ctx, downloadID)
	if err != nil {
		return err
	}

	if download.Status != storage.DownloadFailed {
		return fmt.Errorf("%w: cannot retry download in status %q", storage.ErrInvalidTransition, download.Status)
	}

	if download.Source == source.SourceMarketplace {
		if err := o.checkQuota(ctx); err != nil {
			return err
		}
	}

	if err := o.downloads.ResetDownloadForRetry(ctx, downloadID); err != nil {
		return err
	}

	if err := o.requests.UpdateRequestStatus(ctx, download.RequestID, storage.RequestApproved); err != nil {
		return err
	}

	o.tasks <- downloadID

	return nil
}

// CancelDownload aborts a non-terminal download. On the aggregator path the
// downstream queue job is deleted best effort; there is no mid-flight abort
// beyond that and the transfer timeout.
func (o *Orchestrator) CancelDownload(ctx context.Context, downloadID string) error {
	logger := logctx.LoggerFromContext(ctx).With("download_id", downloadID)

	download, err := o.downloads.GetDownload(ctx, downloadID)
	if err != nil {
		return err
	}

	if storage.IsTerminalDownloadStatus(download.Status) {
		return fmt.Errorf("%w: cannot cancel download in status %q", storage.ErrInvalidTransition, download.Status)
	}

	if download.Source == source.SourceAggregator && download.ExternalID != "" {
		if !o.queue.Delete(ctx, download.ExternalID) {
			logger.Warn("failed to delete downstream queue job", "job_id", download.ExternalID)
		}
	}

	return o.downloads.UpdateDownloadStatus(ctx, downloadID, storage.DownloadCancelled)
}

// resolveCandidate finds the candidate to download: the manual path skips
// searching entirely, otherwise the tiers run ISBN-13, ISBN-10, then
// title+author, first non-empty tier winning.
func (o *Orchestrator) resolveCandidate(ctx context.Context, request *storage.BookRequest, src string, opts Options) (source.Candidate, string, *Result, error) {
	if opts.CandidateID != "" {
		candidate := source.Candidate{
			ID:     opts.CandidateID,
			Source: src,
			Title:  request.Title,
			Author: request.Author,
			Format: opts.Format,
		}

		return candidate, source.MethodManual, nil, nil
	}

	candidates, method, err := o.searchTiers(ctx, request, src)
	if err != nil {
		return source.Candidate{}, "", nil, err
	}

	requestBook := requestToBook(request)

	autoSelect := o.cfg.AutoSelect && !opts.DisableAutoSelect
	if !autoSelect && len(candidates) > 1 {
		return source.Candidate{}, "", &Result{RequiresSelection: true, Candidates: candidates}, nil
	}

	selected, matchResult := o.autoSelect(candidates, requestBook, opts.Format)

	return selected, method, &Result{Match: &matchResult}, nil
}

// searchTiers walks the fallback tiers in order. Tier failures are logged
// and swallowed; only complete exhaustion surfaces.
func (o *Orchestrator) searchTiers(ctx context.Context, request *storage.BookRequest, src string) ([]source.Candidate, string, error) {
	logger := logctx.LoggerFromContext(ctx).With("request_id", request.ID, "source", src)
	requestBook := requestToBook(request)

	type tier struct {
		method string
		run    func(context.Context) ([]source.Candidate, error)
	}

	var tiers []tier

	if request.ISBN13 != "" {
		isbn := request.ISBN13
		tiers = append(tiers, tier{source.MethodISBN, func(ctx context.Context) ([]source.Candidate, error) {
			return o.searchBySource(ctx, src, isbn, "", "")
		}})
	}

	if request.ISBN10 != "" {
		isbn := request.ISBN10
		tiers = append(tiers, tier{source.MethodISBN, func(ctx context.Context) ([]source.Candidate, error) {
			return o.searchBySource(ctx, src, isbn, "", "")
		}})
	}

	tiers = append(tiers, tier{source.MethodTitleAuthor, func(ctx context.Context) ([]source.Candidate, error) {
		return o.searchBySource(ctx, src, "", request.Title, request.Author)
	}})

	var lastLowConfidence *source.LowConfidenceError

	for _, t := range tiers {
		candidates, err := t.run(ctx)
		if err != nil {
			logger.Debug("search tier failed", "method", t.method, "err", err)
			o.tel.RecordSearch(src, t.method, "error")

			continue
		}

		if len(candidates) == 0 {
			o.tel.RecordSearch(src, t.method, "empty")

			continue
		}

		// Low confidence counts as not found for fallback purposes.
		eligible, best := o.filterByConfidence(candidates, requestBook)
		if len(eligible) == 0 {
			logger.Debug("search tier below confidence threshold", "method", t.method, "best_score", best)
			o.tel.RecordSearch(src, t.method, "low_confidence")

			lastLowConfidence = &source.LowConfidenceError{
				Source:     src,
				BestScore:  best,
				MinScore:   o.cfg.MinMatchScore,
				Candidates: candidates,
			}

			continue
		}

		o.tel.RecordSearch(src, t.method, "hit")

		return eligible, t.method, nil
	}

	if lastLowConfidence != nil {
		return nil, "", lastLowConfidence
	}

	return nil, "", &source.NotFoundError{Source: src, Query: request.Title}
}

func (o *Orchestrator) searchBySource(ctx context.Context, src, isbn, title, author string) ([]source.Candidate, error) {
	switch src {
	case source.SourceAggregator:
		query := isbn
		if query == "" {
			query = strings.TrimSpace(title + " " + author)
		}

		return o.agg.Search(ctx, query, o.cfg.BookCategories, nil)
	default:
		if isbn != "" {
			return o.market.SearchByISBN(ctx, isbn)
		}

		return o.market.SearchByTitleAuthor(ctx, title, author)
	}
}

// filterByConfidence keeps the candidates whose normalized score reaches the
// minimum, preserving first-seen order, and reports the best score observed.
// The normalized score is gated rather than the raw one so a pairing where
// no ISBN could be scored is not capped below a threshold above 50.
func (o *Orchestrator) filterByConfidence(candidates []source.Candidate, request match.Book) ([]source.Candidate, float64) {
	var (
		eligible []source.Candidate
		best     float64
	)

	for _, candidate := range candidates {
		result := match.Score(candidate.MatchBook(), request)
		if result.Normalized > best {
			best = result.Normalized
		}

		if result.Normalized >= o.cfg.MinMatchScore {
			eligible = append(eligible, candidate)
		}
	}

	return eligible, best
}

// autoSelect picks one candidate: explicit format match first, then the
// configured preference order, then the highest-scoring candidate.
func (o *Orchestrator) autoSelect(candidates []source.Candidate, request match.Book, explicitFormat string) (source.Candidate, match.MatchResult) {
	pick := func(format string) *source.Candidate {
		for i := range candidates {
			if strings.EqualFold(candidates[i].Format, format) {
				return &candidates[i]
			}
		}

		return nil
	}

	var selected *source.Candidate

	if explicitFormat != "" {
		selected = pick(explicitFormat)
	} else {
		for _, format := range o.cfg.FormatOrder {
			if selected = pick(format); selected != nil {
				break
			}
		}
	}

	if selected == nil {
		books := make([]match.Book, len(candidates))
		for i, candidate := range candidates {
			books[i] = candidate.MatchBook()
		}

		idx, result := match.SelectBestMatch(books, request, 0)
		if idx >= 0 {
			return candidates[idx], result
		}

		selected = &candidates[0]
	}

	return *selected, match.Score(selected.MatchBook(), request)
}

func (o *Orchestrator) checkQuota(ctx context.Context) error {
	today := o.today()

	used, err := o.stats.CompletedOn(ctx, today)
	if err != nil {
		return fmt.Errorf("failed to read download stats: %w", err)
	}

	if used >= o.cfg.DailyLimit {
		return &source.QuotaExceededError{Used: used, Limit: o.cfg.DailyLimit}
	}

	return nil
}

func (o *Orchestrator) today() string {
	return o.now().UTC().Format("2006-01-02")
}

func requestToBook(request *storage.BookRequest) match.Book {
	return match.Book{
		Title:    request.Title,
		Author:   request.Author,
		ISBN10:   request.ISBN10,
		ISBN13:   request.ISBN13,
		Year:     request.PublishYear,
		Language: request.Language,
	}
}

var unsafePathRe = regexp.MustCompile(`[^\w.\- ]+`)

// targetPath builds the destination file name from the request metadata.
func (o *Orchestrator) targetPath(request *storage.BookRequest, candidate source.Candidate) string {
	name := strings.TrimSpace(unsafePathRe.ReplaceAllString(request.Title, ""))
	if name == "" {
		name = candidate.ID
	}

	ext := candidate.Format
	if ext == "" {
		ext = "epub"
	}

	return filepath.Join(o.cfg.DownloadDir, fmt.Sprintf("%d - %s.%s", request.ID, name, ext))
}

// process is the detached continuation after a download row is persisted.
// It runs on the worker goroutine, so terminal writes are serialized.
func (o *Orchestrator) process(ctx context.Context, downloadID string) {
	logger := logctx.LoggerFromContext(ctx).With("download_id", downloadID)
	start := time.Now()

	o.tel.IncrementActiveDownloads()
	defer o.tel.DecrementActiveDownloads()

	download, err := o.downloads.GetDownload(ctx, downloadID)
	if err != nil {
		logger.Error("failed to load download for processing", "err", err)

		return
	}

	var candidate source.Candidate
	if download.CandidateJSON != "" {
		if err := json.Unmarshal([]byte(download.CandidateJSON), &candidate); err != nil {
			o.failDownload(ctx, download, fmt.Sprintf("stored candidate is unreadable: %v", err))

			return
		}
	} else {
		candidate = source.Candidate{ID: download.ExternalID, Source: download.Source, Format: download.FileType}
	}

	switch download.Source {
	case source.SourceAggregator:
		err = o.processAggregator(ctx, download, candidate)
	default:
		err = o.processMarketplace(ctx, download, candidate)
	}

	status := "success"
	if err != nil {
		status = "error"

		logger.Error("download processing failed", "err", err)
		o.failDownload(ctx, download, err.Error())
	}

	o.tel.RecordDownload(download.Source, status, time.Since(start))
}

// processMarketplace resolves the direct URL, streams the file and flips the
// download and request to completed.
func (o *Orchestrator) processMarketplace(ctx context.Context, download *storage.Download, candidate source.Candidate) error {
	logger := logctx.LoggerFromContext(ctx).With("download_id", download.ID)

	if err := o.downloads.UpdateDownloadStatus(ctx, download.ID, storage.DownloadDownloading); err != nil {
		return fmt.Errorf("failed to mark download as downloading: %w", err)
	}

	downloadURL := candidate.DownloadURL
	if downloadURL == "" {
		resolved, err := o.market.GetFastDownloadURL(ctx, candidate.ID)
		if err != nil {
			return fmt.Errorf("failed to resolve download url: %w", err)
		}

		downloadURL = resolved
	}

	request, err := o.requests.GetRequest(ctx, download.RequestID)
	if err != nil {
		return fmt.Errorf("failed to resolve book request: %w", err)
	}

	targetPath := o.targetPath(request, candidate)

	written, err := o.market.DownloadFile(ctx, downloadURL, targetPath)
	if err != nil {
		return err
	}

	if err := o.downloads.MarkDownloadCompleted(ctx, download.ID, targetPath, written); err != nil {
		return fmt.Errorf("failed to record completed download: %w", err)
	}

	if err := o.requests.UpdateRequestStatus(ctx, download.RequestID, storage.RequestCompleted); err != nil {
		return fmt.Errorf("failed to mark request completed: %w", err)
	}

	if err := o.stats.IncrementCompleted(ctx, o.today()); err != nil {
		logger.Error("failed to increment daily stats", "err", err)
	}

	logger.Info("download completed", "target", targetPath, "size", humanize.Bytes(uint64(written)))
	o.notify("✅ Downloaded: " + request.Title)

	return nil
}

// processAggregator submits the release to the queue client; the poller
// observes completion from there.
func (o *Orchestrator) processAggregator(ctx context.Context, download *storage.Download, candidate source.Candidate) error {
	logger := logctx.LoggerFromContext(ctx).With("download_id", download.ID)

	if candidate.DownloadURL == "" {
		return fmt.Errorf("aggregator candidate %s has no download url", candidate.ID)
	}

	jobID, err := o.queue.AddURL(ctx, candidate.DownloadURL, candidate.Title)
	if err != nil {
		return fmt.Errorf("failed to submit job to queue downloader: %w", err)
	}

	download.ExternalID = jobID

	if err := o.downloads.SetExternalID(ctx, download.ID, jobID); err != nil {
		return fmt.Errorf("failed to store queue job id: %w", err)
	}

	if err := o.downloads.UpdateDownloadStatus(ctx, download.ID, storage.DownloadQueued); err != nil {
		return fmt.Errorf("failed to mark download as queued: %w", err)
	}

	logger.Info("submitted to queue downloader", "job_id", jobID)

	return nil
}

// failDownload records the terminal failure pair: download failed with a
// readable message, request download_problem.
func (o *Orchestrator) failDownload(ctx context.Context, download *storage.Download, message string) {
	logger := logctx.LoggerFromContext(ctx).With("download_id", download.ID)

	if err := o.downloads.MarkDownloadFailed(ctx, download.ID, message); err != nil {
		logger.Error("failed to record download failure", "err", err)
	}

	if err := o.requests.UpdateRequestStatus(ctx, download.RequestID, storage.RequestDownloadProblem); err != nil {
		logger.Error("failed to mark request as download_problem", "err", err)
	}

	o.notify("❌ Download failed: " + message)
}

func (o *Orchestrator) notify(content string) {
	if o.notif == nil {
		return
	}

	// Fire and forget: notification failures never affect download state.
	go func() {
		if err := o.notif.Notify(content); err != nil {
			slog.Error("failed to send notification", "err", err)
		}
	}()
}
