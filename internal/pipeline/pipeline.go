// Shoal is a Redfish aggregator service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package pipeline runs the fixed sequence every ingested FileRef goes
// through: dedup by remote identity, download, dedup by content, persist,
// extract, scan for indicators, record. A Pipeline owns a bounded queue and
// a fixed pool of worker goroutines; each worker processes one FileRef at a
// time, so the goroutine count is itself the concurrency limit.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"ingestor/internal/metrics"
	"ingestor/internal/model"
	"ingestor/internal/pathguard"
)

// queueDepthFactor sets the bounded queue's capacity as a multiple of the
// worker count, giving producers room to get ahead of the pool without
// letting an unbounded backlog build up in memory.
const queueDepthFactor = 3

// maxJobErrorLen bounds the error text persisted on a failed job record.
const maxJobErrorLen = 200

// Downloader fetches the archive referenced by a FileRef to destPath.
type Downloader interface {
	Download(ctx context.Context, ref model.FileRef, destPath string) error
}

// Deduper performs the pipeline's two deduplication checks.
type Deduper interface {
	ShouldProcessByRemoteID(ctx context.Context, f model.FileRef) (bool, error)
	ShouldProcessByContent(ctx context.Context, r io.Reader) (shouldProcess bool, fingerprint string, err error)
}

// Extractor expands an archive into a target directory.
type Extractor interface {
	Extract(archivePath, target string) error
}

// Scanner walks an extracted archive for indicators.
type Scanner interface {
	Scan(root, fingerprint string, channelID int64) ([]model.Indicator, error)
}

// Store provides scratch isolation and content-addressed persistence.
type Store interface {
	NewScratchDir() (string, error)
	CleanupScratch(path string)
	Persist(tempPath, fingerprint, originalFilename string) (string, error)
}

// Repository is the slice of persistence operations the pipeline drives.
type Repository interface {
	LogJob(ctx context.Context, j model.Job) error
	UpdateJob(ctx context.Context, id string, status model.JobStatus, fingerprint, errMsg *string) error
	RecordProcessedFile(ctx context.Context, f model.ProcessedFile) error
	UpsertIndicator(ctx context.Context, ind model.Indicator) (inserted bool, err error)
}

// Config controls pool sizing.
type Config struct {
	// WorkerCount is the number of concurrent job processors. Defaults to 4.
	WorkerCount int
}

// Pipeline owns the bounded queue and worker pool that drains it.
type Pipeline struct {
	repo       Repository
	store      Store
	dedup      Deduper
	extractor  Extractor
	scanner    Scanner
	downloader Downloader
	logger     *log.Logger

	workerCount int
	queue       chan model.FileRef
}

// New builds a Pipeline over its collaborators. logger may be nil to
// discard log output.
func New(cfg Config, repo Repository, store Store, dedup Deduper, extractor Extractor, scanner Scanner, downloader Downloader, logger *log.Logger) *Pipeline {
	if cfg.WorkerCount < 1 {
		cfg.WorkerCount = 4
	}
	if logger == nil {
		logger = log.New(os.Stderr, "", 0)
	}
	return &Pipeline{
		repo:        repo,
		store:       store,
		dedup:       dedup,
		extractor:   extractor,
		scanner:     scanner,
		downloader:  downloader,
		logger:      logger,
		workerCount: cfg.WorkerCount,
		queue:       make(chan model.FileRef, queueDepthFactor*cfg.WorkerCount),
	}
}

// Queue returns the send side of the bounded work queue. A RemoteSource's
// Listen loop feeds FileRefs into it; Run drains it with the worker pool.
func (p *Pipeline) Queue() chan<- model.FileRef { return p.queue }

// Run starts the worker pool and blocks until ctx is cancelled and every
// worker has unwound. Cancellation stops workers between jobs; a job
// already in flight finishes or aborts at its next context-aware
// operation, but it is never marked FAILED purely because of cancellation
// -- an interrupted job is left QUEUED/PROCESSING for a future run to
// retry.
func (p *Pipeline) Run(ctx context.Context) {
	p.logf("starting pipeline workers=%d queue_capacity=%d", p.workerCount, cap(p.queue))
	defer p.logf("pipeline stopped")

	var wg sync.WaitGroup
	for i := 0; i < p.workerCount; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.runWorker(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (p *Pipeline) runWorker(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case ref, ok := <-p.queue:
			if !ok {
				return
			}
			p.processJob(ctx, id, ref)
		}
	}
}

func (p *Pipeline) processJob(ctx context.Context, workerID int, ref model.FileRef) {
	job := model.Job{
		ID:        uuid.NewString(),
		RemoteKey: ref.RemoteKey,
		Status:    model.JobQueued,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := p.repo.LogJob(ctx, job); err != nil {
		p.logf("worker %d: log job for %s: %v", workerID, ref.RemoteKey, err)
		return
	}
	if err := p.repo.UpdateJob(ctx, job.ID, model.JobProcessing, nil, nil); err != nil {
		p.logf("worker %d: job %s: mark processing: %v", workerID, job.ID, err)
	}

	step := "dedup-remote"
	shouldProcess, err := p.dedup.ShouldProcessByRemoteID(ctx, ref)
	if err != nil {
		p.fail(ctx, workerID, job.ID, step, err)
		return
	}
	if !shouldProcess {
		p.skip(ctx, workerID, job.ID, ref.RemoteKey, "already recorded by remote id", nil)
		return
	}

	step = "download"
	scratchDir, err := p.store.NewScratchDir()
	if err != nil {
		p.fail(ctx, workerID, job.ID, step, err)
		return
	}
	defer p.store.CleanupScratch(scratchDir)

	tempPath := filepath.Join(scratchDir, pathguard.SanitizeFilename(ref.Filename))
	if err := p.downloader.Download(ctx, ref, tempPath); err != nil {
		if p.cancelledDuring(ctx, workerID, job.ID, step) {
			return
		}
		p.fail(ctx, workerID, job.ID, step, err)
		return
	}

	step = "dedup-content"
	fingerprint, shouldProcess, err := p.dedupByContent(ctx, tempPath)
	if err != nil {
		p.fail(ctx, workerID, job.ID, step, err)
		return
	}
	if !shouldProcess {
		p.skip(ctx, workerID, job.ID, ref.RemoteKey, "already recorded by content fingerprint", &fingerprint)
		return
	}

	step = "persist"
	finalPath, err := p.store.Persist(tempPath, fingerprint, ref.Filename)
	if err != nil {
		p.fail(ctx, workerID, job.ID, step, err)
		return
	}

	step = "record-processed-file"
	pf := model.ProcessedFile{
		RemoteKey:    ref.RemoteKey,
		ChannelID:    ref.ChannelID,
		ChannelTitle: ref.ChannelTitle,
		Filename:     ref.Filename,
		SizeBytes:    ref.SizeBytes,
		Fingerprint:  fingerprint,
		StoragePath:  finalPath,
	}
	if err := p.repo.RecordProcessedFile(ctx, pf); err != nil {
		p.fail(ctx, workerID, job.ID, step, err)
		return
	}
	// Record the fingerprint on the job row before extraction starts, so a
	// crash mid-extraction leaves enough state for a re-run to short-circuit
	// at the content-dedup stage.
	if err := p.repo.UpdateJob(ctx, job.ID, model.JobProcessing, &fingerprint, nil); err != nil {
		p.logf("worker %d: job %s: record fingerprint: %v", workerID, job.ID, err)
	}

	step = "extract"
	extractDir, err := p.store.NewScratchDir()
	if err != nil {
		p.fail(ctx, workerID, job.ID, step, err)
		return
	}
	defer p.store.CleanupScratch(extractDir)

	if err := p.extractor.Extract(finalPath, extractDir); err != nil {
		// An archive the extractor refuses (bomb guard, unsupported
		// format) still counts as a processed file: it is already
		// recorded above. Mark the job failed so operators can see it,
		// but do not treat it as a pipeline defect.
		p.fail(ctx, workerID, job.ID, step, err)
		return
	}

	step = "scan"
	indicators, err := p.scanner.Scan(extractDir, fingerprint, ref.ChannelID)
	if err != nil {
		p.fail(ctx, workerID, job.ID, step, err)
		return
	}

	step = "index"
	newCount := 0
	for _, ind := range indicators {
		inserted, err := p.repo.UpsertIndicator(ctx, ind)
		if err != nil {
			p.logf("worker %d: job %s: upsert indicator kind=%s value=%s: %v", workerID, job.ID, ind.Kind, ind.Value, err)
			continue
		}
		if inserted {
			newCount++
		}
	}

	if err := p.repo.UpdateJob(ctx, job.ID, model.JobCompleted, &fingerprint, nil); err != nil {
		p.logf("worker %d: job %s: mark completed: %v", workerID, job.ID, err)
	}
	metrics.IncJobsProcessed()
	metrics.AddIndicatorsFound(len(indicators))
	p.logf("worker %d: job %s completed remote_key=%s fingerprint=%s indicators=%d new_indicators=%d",
		workerID, job.ID, ref.RemoteKey, fingerprint, len(indicators), newCount)
}

func (p *Pipeline) dedupByContent(ctx context.Context, tempPath string) (fingerprint string, should bool, err error) {
	f, err := os.Open(tempPath)
	if err != nil {
		return "", false, fmt.Errorf("pipeline: open downloaded file: %w", err)
	}
	defer f.Close()
	should, fingerprint, err = p.dedup.ShouldProcessByContent(ctx, f)
	return fingerprint, should, err
}

// cancelledDuring reports whether ctx was cancelled, logging the
// interruption at step if so. A cancelled job is left for a future run
// rather than marked FAILED.
func (p *Pipeline) cancelledDuring(ctx context.Context, workerID int, jobID, step string) bool {
	if ctx.Err() == nil {
		return false
	}
	p.logf("worker %d: job %s: cancelled during %s", workerID, jobID, step)
	return true
}

func (p *Pipeline) fail(ctx context.Context, workerID int, jobID, step string, cause error) {
	if p.cancelledDuring(ctx, workerID, jobID, step) {
		return
	}
	msg := truncate(fmt.Sprintf("%s: %s", step, cause.Error()), maxJobErrorLen)
	if err := p.repo.UpdateJob(context.Background(), jobID, model.JobFailed, nil, &msg); err != nil {
		p.logf("worker %d: job %s: mark failed (after %s error %v): %v", workerID, jobID, step, cause, err)
	}
	metrics.IncJobsFailed()
	p.logf("worker %d: job %s failed at %s: %v", workerID, jobID, step, cause)
}

func (p *Pipeline) skip(ctx context.Context, workerID int, jobID, remoteKey, reason string, fingerprint *string) {
	if err := p.repo.UpdateJob(ctx, jobID, model.JobCompleted, fingerprint, nil); err != nil {
		p.logf("worker %d: job %s: mark skipped: %v", workerID, jobID, err)
	}
	metrics.IncFilesDeduplicated()
	p.logf("worker %d: job %s skipped remote_key=%s: %s", workerID, jobID, remoteKey, reason)
}

func (p *Pipeline) logf(format string, args ...any) {
	p.logger.Printf(format, args...)
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max]
}
