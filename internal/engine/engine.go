// Package engine implements the download orchestration: a stateful,
// resumable, page-by-page crawl of the portal's results table that
// coordinates DOM reads, trigger/confirmation correlation, retry policy,
// deduplication, and progress reporting. Runs execute in their own goroutine
// and outlive whichever caller started them.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jpvasquez/sri-downloader/internal/config"
	"github.com/jpvasquez/sri-downloader/internal/history"
	"github.com/jpvasquez/sri-downloader/internal/progress"
	"github.com/jpvasquez/sri-downloader/internal/sri"
)

// pageVerifyPolls divides the page timeout into bounded pagination polls.
const pageVerifyPolls = 8

// Engine owns the single RunState and drives full and selected runs.
type Engine struct {
	reader  sri.PageReader
	nav     sri.Navigator
	trigger sri.DownloadTrigger
	history *history.Repository
	hub     progress.Emitter
	clock   sri.Clock
	ids     sri.RunIDGenerator
	logger  *zap.Logger

	mu     sync.Mutex
	state  sri.RunState
	buffer []sri.SessionOutcome
	dedup  map[string]struct{}
	tun    config.Tunables

	pending pendingConfirmation
}

// New constructs an Engine. The hub may be nil when no observers exist.
func New(
	reader sri.PageReader,
	nav sri.Navigator,
	trigger sri.DownloadTrigger,
	hist *history.Repository,
	hub progress.Emitter,
	clock sri.Clock,
	ids sri.RunIDGenerator,
	tun config.Tunables,
	logger *zap.Logger,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		reader:  reader,
		nav:     nav,
		trigger: trigger,
		history: hist,
		hub:     hub,
		clock:   clock,
		ids:     ids,
		tun:     tun,
		logger:  logger,
	}
}

// Snapshot returns a copy of the current run state. The state persists after
// a run ends so a UI reopening mid- or post-run can still query it; only the
// next run overwrites it.
func (e *Engine) Snapshot() sri.RunState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Tunables returns the currently applied timing/retry parameters.
func (e *Engine) Tunables() config.Tunables {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tun
}

// SetTunables validates and applies new parameters. They take effect at the
// next use of each value, including mid-run.
func (e *Engine) SetTunables(t config.Tunables) error {
	if err := t.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tun = t
	return nil
}

// Stop requests a graceful stop. The flag is observed at loop boundaries; an
// in-flight document download finishes first. Returns false when no run is
// active. Stopping is not an error: whatever the session buffer holds is
// still flushed.
func (e *Engine) Stop() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.state.Active {
		return false
	}
	e.state.Stopped = true
	return true
}

// ConfirmDownload is invoked by the browser's download listener for every
// newly observed download. It resolves the pending trigger, if any, by the
// timing-only correlation rule.
func (e *Engine) ConfirmDownload() {
	if e.pending.Confirm(e.clock.Now()) {
		e.logger.Debug("download confirmed")
	}
}

// StartFullRun begins a full multi-page crawl and returns its run ID.
// Fire-and-forget: progress is observed through the hub and Snapshot. A
// second start while a run is active fails with sri.ErrRunActive.
func (e *Engine) StartFullRun(tabID string, artifact sri.ArtifactType, ignoreHistory bool) (string, error) {
	runID, err := e.beginRun(tabID, artifact)
	if err != nil {
		return "", err
	}
	go e.runFull(context.Background(), tabID, artifact, ignoreHistory)
	return runID, nil
}

// StartSelectedRun begins a run over a caller-supplied subset of row indices
// on the current page. No pagination occurs.
func (e *Engine) StartSelectedRun(tabID string, artifact sri.ArtifactType, indices []int) (string, error) {
	if len(indices) == 0 {
		return "", fmt.Errorf("at least one document index required")
	}
	runID, err := e.beginRun(tabID, artifact)
	if err != nil {
		return "", err
	}
	go e.runSelected(context.Background(), tabID, artifact, indices)
	return runID, nil
}

// beginRun claims the singleton run slot and resets all per-run state.
func (e *Engine) beginRun(tabID string, artifact sri.ArtifactType) (string, error) {
	runID, err := e.ids.NewRunID()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Active {
		return "", sri.ErrRunActive
	}
	e.state = sri.RunState{
		Active:       true,
		ArtifactType: artifact,
		TabID:        tabID,
		RunID:        runID,
		StartedAt:    e.clock.Now(),
	}
	e.buffer = nil
	e.dedup = make(map[string]struct{})
	return runID, nil
}

func (e *Engine) runFull(ctx context.Context, tabID string, artifact sri.ArtifactType, ignoreHistory bool) {
	e.pruneHistory(ctx)
	e.rebuildDedup(ctx, artifact, ignoreHistory)
	e.emit(progress.StageRunStart, nil, "")

	data, err := e.reader.ReadPage(ctx, tabID)
	if err != nil {
		// A missing table means wrong page, not a transient fault.
		e.finishWithError(err)
		return
	}

	e.mu.Lock()
	e.state.TotalPages = data.Pagination.Total
	e.state.CurrentPage = data.Pagination.Current
	e.state.TaxpayerRUC = data.TaxpayerRUC
	// First-page density times page count; an estimate, never recomputed.
	e.state.TotalDocuments = len(data.Documents) * data.Pagination.Total
	totalPages := data.Pagination.Total
	e.mu.Unlock()
	e.emit(progress.StageUpdate, nil, "")

	if data.Pagination.Current > 1 {
		if err := e.nav.GoFirstPage(ctx, tabID); err != nil {
			e.logger.Warn("first-page navigation failed", zap.Error(err))
		}
		e.awaitPage(ctx, tabID, 1)
	}

	for page := 1; page <= totalPages && !e.stopped(); page++ {
		e.setCurrentPage(page)

		data, err := e.reader.ReadPage(ctx, tabID)
		if err != nil {
			e.logger.Error("page read failed mid-run", zap.Int("page", page), zap.Error(err))
			e.setError(err)
			break
		}

		for _, doc := range data.Documents {
			if e.stopped() {
				break
			}
			e.processDocument(ctx, tabID, doc, artifact, page)
		}

		if page < totalPages && !e.stopped() {
			if _, err := e.nav.GoNextPage(ctx, tabID); err != nil {
				e.logger.Warn("next-page navigation failed", zap.Int("page", page), zap.Error(err))
			}
			e.awaitPage(ctx, tabID, page+1)
		}
	}

	e.finish(ctx)
}

func (e *Engine) runSelected(ctx context.Context, tabID string, artifact sri.ArtifactType, indices []int) {
	e.pruneHistory(ctx)
	e.rebuildDedup(ctx, artifact, false)
	e.emit(progress.StageRunStart, nil, "")

	data, err := e.reader.ReadPage(ctx, tabID)
	if err != nil {
		e.finishWithError(err)
		return
	}

	wanted := make(map[int]struct{}, len(indices))
	for _, idx := range indices {
		wanted[idx] = struct{}{}
	}

	e.mu.Lock()
	e.state.TotalPages = 1
	e.state.CurrentPage = data.Pagination.Current
	e.state.TaxpayerRUC = data.TaxpayerRUC
	// Selection size is exact, no density estimate needed.
	e.state.TotalDocuments = len(wanted)
	e.mu.Unlock()
	e.emit(progress.StageUpdate, nil, "")

	for _, doc := range data.Documents {
		if e.stopped() {
			break
		}
		if _, ok := wanted[doc.Index]; !ok {
			continue
		}
		e.processDocument(ctx, tabID, doc, artifact, data.Pagination.Current)
	}

	e.finish(ctx)
}

// processDocument downloads the requested artifacts for one row and records
// the outcome. Errors never escape: they land in the outcome's error field.
func (e *Engine) processDocument(ctx context.Context, tabID string, doc sri.DocumentRecord, artifact sri.ArtifactType, page int) {
	e.mu.Lock()
	e.state.CurrentDocument++
	skip := false
	if _, ok := e.dedup[doc.AccessKey]; ok {
		e.state.Skipped++
		skip = true
	}
	tun := e.tun
	e.mu.Unlock()

	if skip {
		e.logger.Debug("skipping already-downloaded document", zap.String("access_key", doc.AccessKey))
		e.emit(progress.StageUpdate, nil, "")
		return
	}

	// An artifact absent from the row is vacuously successful, not attempted.
	xmlOK, pdfOK := true, true
	errMsg := ""

	if artifact.WantsXML() && doc.HasXML {
		xmlOK = e.triggerWithRetry(ctx, tabID, doc.XMLLinkID, tun)
		if !xmlOK {
			errMsg = "error descargando XML"
		}
		e.sleep(tun.DownloadDelay())
	}
	if artifact.WantsPDF() && doc.HasPDF {
		pdfOK = e.triggerWithRetry(ctx, tabID, doc.PDFLinkID, tun)
		if !pdfOK {
			if errMsg != "" {
				errMsg = "error descargando XML y PDF"
			} else {
				errMsg = "error descargando PDF"
			}
		}
		e.sleep(tun.DownloadDelay())
	}

	success := xmlOK && pdfOK
	outcome := sri.SessionOutcome{
		AccessKey:    doc.AccessKey,
		RUC:          doc.RUC,
		RazonSocial:  doc.RazonSocial,
		DocType:      doc.DocType,
		Series:       doc.Series,
		IssuedAt:     doc.IssuedAt,
		AuthorizedAt: doc.AuthorizedAt,
		Page:         page,
		Success:      success,
		XMLSuccess:   xmlOK,
		PDFSuccess:   pdfOK,
		Error:        errMsg,
		DownloadedAt: e.clock.Now(),
	}

	e.mu.Lock()
	if success {
		// Track within-run so a duplicate later in the same run is skipped.
		e.dedup[doc.AccessKey] = struct{}{}
		e.state.Succeeded++
	} else {
		e.state.Failed++
	}
	e.buffer = append(e.buffer, outcome)
	e.updateETALocked()
	e.mu.Unlock()

	e.emit(progress.StageUpdate, nil, "")
}

// triggerWithRetry attempts a download up to MaxRetries+1 times with a fixed
// inter-retry delay. The portal's failure mode is a transiently dropped
// event, not load, so no backoff.
func (e *Engine) triggerWithRetry(ctx context.Context, tabID, linkID string, tun config.Tunables) bool {
	attempts := tun.MaxRetries + 1
	for i := 0; i < attempts; i++ {
		if e.triggerOnce(ctx, tabID, linkID, tun) {
			return true
		}
		if i < attempts-1 {
			e.logger.Debug("retrying download trigger",
				zap.String("link_id", linkID), zap.Int("attempt", i+1))
			e.sleep(tun.RetryDelay())
		}
	}
	return false
}

// triggerOnce arms the confirmation slot, fires the trigger, and waits for
// the listener or the timeout to resolve it.
func (e *Engine) triggerOnce(ctx context.Context, tabID, linkID string, tun config.Tunables) bool {
	wait, err := e.pending.Arm(e.clock.Now(), tun.DownloadTimeout())
	if err != nil {
		e.logger.Warn("confirmation slot busy", zap.Error(err))
		return false
	}
	if err := e.trigger.Trigger(ctx, tabID, linkID); err != nil {
		e.pending.Disarm()
		e.logger.Debug("download trigger failed", zap.String("link_id", linkID), zap.Error(err))
		return false
	}
	return <-wait
}

// awaitPage polls the paginator until it shows the expected page, bounded by
// the page timeout; on timeout it falls back to a blind delay and proceeds
// optimistically. A genuinely broken page surfaces at the next table read.
func (e *Engine) awaitPage(ctx context.Context, tabID string, want int) {
	tun := e.Tunables()
	interval := tun.PageTimeout() / pageVerifyPolls
	for i := 0; i < pageVerifyPolls; i++ {
		p, err := e.reader.ReadPagination(ctx, tabID)
		if err == nil && p.Current == want {
			return
		}
		e.sleep(interval)
	}
	e.logger.Debug("page change poll timed out, using fixed delay", zap.Int("want", want))
	e.sleep(tun.PageDelay())
}

func (e *Engine) pruneHistory(ctx context.Context) {
	// Best effort; pruning never blocks a run.
	if err := e.history.PruneOlderThan(ctx, e.Tunables().HistoryMaxAge()); err != nil {
		e.logger.Warn("history pruning failed", zap.Error(err))
	}
}

func (e *Engine) rebuildDedup(ctx context.Context, artifact sri.ArtifactType, ignoreHistory bool) {
	if ignoreHistory {
		return
	}
	index, err := e.history.BuildDedupIndex(ctx, artifact)
	if err != nil {
		// Storage failures degrade to re-downloading, never abort.
		e.logger.Warn("dedup index rebuild failed", zap.Error(err))
		return
	}
	e.mu.Lock()
	e.dedup = index
	e.mu.Unlock()
}

// finish flushes the session buffer as one run record and marks the run
// inactive. Called on normal completion and on stop.
func (e *Engine) finish(ctx context.Context) {
	e.mu.Lock()
	buffer := append([]sri.SessionOutcome(nil), e.buffer...)
	ruc := e.state.TaxpayerRUC
	runID := e.state.RunID
	artifact := e.state.ArtifactType
	e.mu.Unlock()

	if err := e.history.FlushRun(ctx, ruc, runID, artifact, buffer); err != nil {
		e.logger.Error("history flush failed", zap.Error(err))
	}

	e.mu.Lock()
	e.state.Active = false
	e.state.RemainingSeconds = 0
	e.buffer = nil
	summary := sri.Summarize(buffer)
	e.mu.Unlock()

	e.emit(progress.StageUpdate, nil, "")
	e.emit(progress.StageRunDone, &summary, "")
	e.logger.Info("run finished",
		zap.String("run_id", runID),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("total", summary.Total))
}

// finishWithError terminates a run that never got past its first page read.
func (e *Engine) finishWithError(err error) {
	e.setError(err)
	e.mu.Lock()
	e.state.Active = false
	e.state.RemainingSeconds = 0
	runID := e.state.RunID
	e.mu.Unlock()
	e.emit(progress.StageRunError, nil, err.Error())
	e.logger.Error("run aborted", zap.String("run_id", runID), zap.Error(err))
}

func (e *Engine) setError(err error) {
	e.mu.Lock()
	e.state.Error = err.Error()
	e.mu.Unlock()
}

func (e *Engine) setCurrentPage(page int) {
	e.mu.Lock()
	e.state.CurrentPage = page
	e.mu.Unlock()
}

func (e *Engine) stopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Stopped
}

// updateETALocked derives remaining seconds from the average per-document
// pace so far. Callers hold e.mu.
func (e *Engine) updateETALocked() {
	processed := e.state.CurrentDocument
	remaining := e.state.TotalDocuments - processed
	if processed <= 0 || remaining <= 0 {
		e.state.RemainingSeconds = 0
		return
	}
	elapsed := e.clock.Now().Sub(e.state.StartedAt)
	perDoc := elapsed / time.Duration(processed)
	e.state.RemainingSeconds = int((perDoc * time.Duration(remaining)).Seconds())
}

func (e *Engine) emit(stage progress.Stage, summary *sri.RunSummary, note string) {
	if e.hub == nil {
		return
	}
	e.mu.Lock()
	state := e.state
	e.mu.Unlock()
	e.hub.Emit(progress.Event{
		RunID:   state.RunID,
		TS:      e.clock.Now(),
		Stage:   stage,
		State:   state,
		Summary: summary,
		Note:    note,
	})
}

func (e *Engine) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	time.Sleep(d)
}
