package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/bookhoundapp/bookhound/internal/logctx"
	"github.com/bookhoundapp/bookhound/internal/notifier"
	"github.com/bookhoundapp/bookhound/internal/queue/sabnzbd"
	"github.com/bookhoundapp/bookhound/internal/source"
	"github.com/bookhoundapp/bookhound/internal/storage"
	"github.com/bookhoundapp/bookhound/internal/telemetry"
)

// Poller reconciles aggregator-path downloads against the queue downloader.
// None of the externals push events, so state only advances here.
type Poller struct {
	downloads storage.DownloadRepository
	requests  storage.RequestRepository
	stats     storage.StatsRepository
	queue     QueueClient
	notif     notifier.Notifier
	tel       *telemetry.Telemetry

	startupDelay time.Duration
	interval     time.Duration

	now func() time.Time
}

func NewPoller(
	downloads storage.DownloadRepository,
	requests storage.RequestRepository,
	stats storage.StatsRepository,
	queue QueueClient,
	notif notifier.Notifier,
	tel *telemetry.Telemetry,
	startupDelay, interval time.Duration,
) *Poller {
	return &Poller{
		downloads:    downloads,
		requests:     requests,
		stats:        stats,
		queue:        queue,
		notif:        notif,
		tel:          tel,
		startupDelay: startupDelay,
		interval:     interval,
		now:          time.Now,
	}
}

// Run starts the reconciliation loop. Ticks never overlap: a full iteration
// completes before the next one is considered.
func (p *Poller) Run(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("reconciliation poller panic", "panic", r, "stack", string(debug.Stack()))

				if ctx.Err() == nil {
					time.Sleep(time.Second)
					p.Run(ctx)
				}
			}
		}()

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.startupDelay):
		}

		logger.Info("reconciliation poller started", "interval", p.interval.String())

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("reconciliation poller shutting down")

				return
			case <-ticker.C:
				if err := p.Reconcile(ctx); err != nil {
					logger.Error("reconciliation tick failed", "err", err)
					p.tel.RecordReconcileTick("error")
				} else {
					p.tel.RecordReconcileTick("success")
				}
			}
		}
	}()
}

// Reconcile runs one tick: every non-terminal aggregator download is
// re-queried against the queue client and advanced. Per-job failures are
// logged and do not abort the remaining jobs.
func (p *Poller) Reconcile(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	downloads, err := p.downloads.ListActiveBySource(ctx, source.SourceAggregator)
	if err != nil {
		return fmt.Errorf("failed to list active downloads: %w", err)
	}

	for i := range downloads {
		download := &downloads[i]

		if err := p.reconcileJob(ctx, download); err != nil {
			logger.Error("failed to reconcile download",
				"download_id", download.ID,
				"job_id", download.ExternalID,
				"err", err,
			)
		}
	}

	return nil
}

func (p *Poller) reconcileJob(ctx context.Context, download *storage.Download) error {
	logger := logctx.LoggerFromContext(ctx).With("download_id", download.ID, "job_id", download.ExternalID)

	if download.ExternalID == "" {
		// Still awaiting submission by the worker; nothing to reconcile.
		return nil
	}

	job, err := p.queue.GetStatus(ctx, download.ExternalID)
	if err != nil {
		return fmt.Errorf("failed to query job status: %w", err)
	}

	switch job.Status {
	case sabnzbd.StatusCompleted:
		return p.completeJob(ctx, download, job)

	case sabnzbd.StatusFailed:
		message := job.ErrorMessage
		if message == "" {
			message = "queue downloader reported failure"
		}

		if err := p.downloads.MarkDownloadFailed(ctx, download.ID, message); err != nil {
			return err
		}

		if err := p.requests.UpdateRequestStatus(ctx, download.RequestID, storage.RequestDownloadProblem); err != nil {
			return err
		}

		logger.Info("download failed downstream", "message", message)
		p.notify("❌ Download failed: " + message)

		return nil

	case sabnzbd.StatusNotFound:
		// Neither queued nor in history: leave the row untouched.
		logger.Warn("job missing from queue and history, leaving download unchanged")

		return nil

	default:
		// downloading, queued, paused, processing: the job is still moving.
		if download.Status != storage.DownloadDownloading {
			if err := p.downloads.UpdateDownloadStatus(ctx, download.ID, storage.DownloadDownloading); err != nil {
				return err
			}
		}

		logger.Debug("download in progress", "status", job.Status, "progress", job.Progress)

		return nil
	}
}

func (p *Poller) completeJob(ctx context.Context, download *storage.Download, job *sabnzbd.JobStatus) error {
	logger := logctx.LoggerFromContext(ctx).With("download_id", download.ID)

	if err := p.downloads.MarkDownloadCompleted(ctx, download.ID, job.FilePath, job.SizeBytes); err != nil {
		return err
	}

	if err := p.requests.UpdateRequestStatus(ctx, download.RequestID, storage.RequestCompleted); err != nil {
		return err
	}

	if err := p.stats.IncrementCompleted(ctx, p.now().UTC().Format("2006-01-02")); err != nil {
		logger.Error("failed to increment daily stats", "err", err)
	}

	logger.Info("download completed downstream", "path", job.FilePath)
	p.notify("✅ Downloaded: " + job.Name)

	return nil
}

func (p *Poller) notify(content string) {
	if p.notif == nil {
		return
	}

	go func() {
		if err := p.notif.Notify(content); err != nil {
			slog.Error("failed to send notification", "err", err)
		}
	}()
}
