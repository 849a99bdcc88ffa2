package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jpvasquez/sri-downloader/internal/config"
	"github.com/jpvasquez/sri-downloader/internal/history"
	"github.com/jpvasquez/sri-downloader/internal/id/runid"
	"github.com/jpvasquez/sri-downloader/internal/progress"
	"github.com/jpvasquez/sri-downloader/internal/sri"
	kvmemory "github.com/jpvasquez/sri-downloader/internal/storage/kv/memory"
)

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// fakeReader serves scripted pages. Navigation moves the current page via
// the paired fakeNav.
type fakeReader struct {
	mu      sync.Mutex
	pages   [][]sri.DocumentRecord
	current int
	ruc     string
	err     error
	gate    chan struct{}
}

func (f *fakeReader) ReadPage(_ context.Context, _ string) (sri.PageData, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return sri.PageData{}, f.err
	}
	return sri.PageData{
		Documents:   f.pages[f.current-1],
		Pagination:  sri.PaginationState{Current: f.current, Total: len(f.pages)},
		TaxpayerRUC: f.ruc,
	}, nil
}

func (f *fakeReader) ReadPagination(_ context.Context, _ string) (sri.PaginationState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return sri.PaginationState{Current: f.current, Total: len(f.pages)}, nil
}

type fakeNav struct {
	reader *fakeReader
}

func (n *fakeNav) GoFirstPage(_ context.Context, _ string) error {
	n.reader.mu.Lock()
	defer n.reader.mu.Unlock()
	n.reader.current = 1
	return nil
}

func (n *fakeNav) GoNextPage(_ context.Context, _ string) (bool, error) {
	n.reader.mu.Lock()
	defer n.reader.mu.Unlock()
	if n.reader.current >= len(n.reader.pages) {
		return false, nil
	}
	n.reader.current++
	return true, nil
}

// fakeTrigger records trigger calls. Unless a link is marked silent it
// invokes confirm synchronously, simulating the download listener firing.
type fakeTrigger struct {
	mu      sync.Mutex
	calls   []string
	silent  map[string]bool
	err     error
	confirm func()
	after   func(linkID string)
}

func (f *fakeTrigger) Trigger(_ context.Context, _ string, linkID string) error {
	f.mu.Lock()
	f.calls = append(f.calls, linkID)
	silent := f.silent[linkID]
	f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if !silent && f.confirm != nil {
		f.confirm()
	}
	if f.after != nil {
		f.after(linkID)
	}
	return nil
}

func (f *fakeTrigger) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Stage, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.Stage)
	}
	return out
}

func testTunables() config.Tunables {
	return config.Tunables{
		DownloadDelayMs:   1,
		PageDelayMs:       1,
		RetryDelayMs:      1,
		DownloadTimeoutMs: 60,
		PageTimeoutMs:     40,
		MaxRetries:        2,
		HistoryMaxAgeDays: 30,
	}
}

func testDoc(index int, key string) sri.DocumentRecord {
	return sri.DocumentRecord{
		Index:       index,
		RUC:         "0990054321001",
		RazonSocial: "EMPRESA EJEMPLO S.A.",
		DocType:     "Factura",
		Series:      fmt.Sprintf("001-001-%09d", index+1),
		AccessKey:   key,
		IssuedAt:    "23/08/2025",
		HasXML:      true,
		HasPDF:      true,
		XMLLinkID:   fmt.Sprintf("frmPrincipal:tabla:%d:lnkXml", index),
		PDFLinkID:   fmt.Sprintf("frmPrincipal:tabla:%d:lnkPdf", index),
	}
}

type harness struct {
	engine  *Engine
	reader  *fakeReader
	trigger *fakeTrigger
	repo    *history.Repository
	emitter *recordingEmitter
}

func newHarness(t *testing.T, pages [][]sri.DocumentRecord) *harness {
	t.Helper()
	reader := &fakeReader{pages: pages, current: 1, ruc: "1712345678001"}
	trigger := &fakeTrigger{}
	repo := history.NewRepository(kvmemory.New(), realClock{}, nil)
	emitter := &recordingEmitter{}
	eng := New(reader, &fakeNav{reader: reader}, trigger, repo, emitter,
		realClock{}, runid.New(), testTunables(), nil)
	trigger.confirm = eng.ConfirmDownload
	return &harness{engine: eng, reader: reader, trigger: trigger, repo: repo, emitter: emitter}
}

func waitForRunEnd(t *testing.T, eng *Engine) sri.RunState {
	t.Helper()
	require.Eventually(t, func() bool {
		return !eng.Snapshot().Active
	}, 5*time.Second, 5*time.Millisecond)
	return eng.Snapshot()
}

func TestFullRunDownloadsAllPages(t *testing.T) {
	t.Parallel()

	h := newHarness(t, [][]sri.DocumentRecord{
		{testDoc(0, "key-a"), testDoc(1, "key-b")},
		{testDoc(0, "key-c"), testDoc(1, "key-d")},
	})

	runID, err := h.engine.StartFullRun("tab-1", sri.ArtifactBoth, false)
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	state := waitForRunEnd(t, h.engine)
	require.Equal(t, 4, state.Succeeded)
	require.Zero(t, state.Failed)
	require.Zero(t, state.Skipped)
	require.Equal(t, 2, state.CurrentPage)
	require.Equal(t, "1712345678001", state.TaxpayerRUC)
	// Two artifacts per document.
	require.Equal(t, 8, h.trigger.callCount())

	all, err := h.repo.All(context.Background())
	require.NoError(t, err)
	record, ok := all["1712345678001"].Runs[runID]
	require.True(t, ok)
	require.Len(t, record.Outcomes, 4)
	require.Equal(t, 4, record.Summary.Succeeded)

	stages := h.emitter.stages()
	require.Equal(t, progress.StageRunStart, stages[0])
	require.Equal(t, progress.StageRunDone, stages[len(stages)-1])
}

func TestSecondRunDeduplicatesAgainstHistory(t *testing.T) {
	t.Parallel()

	pages := [][]sri.DocumentRecord{{testDoc(0, "key-a"), testDoc(1, "key-b")}}
	h := newHarness(t, pages)

	_, err := h.engine.StartFullRun("tab-1", sri.ArtifactBoth, false)
	require.NoError(t, err)
	waitForRunEnd(t, h.engine)
	firstCalls := h.trigger.callCount()

	h.reader.mu.Lock()
	h.reader.current = 1
	h.reader.mu.Unlock()

	_, err = h.engine.StartFullRun("tab-1", sri.ArtifactBoth, false)
	require.NoError(t, err)
	state := waitForRunEnd(t, h.engine)

	require.Equal(t, 2, state.Skipped)
	require.Zero(t, state.Succeeded)
	require.Equal(t, firstCalls, h.trigger.callCount())
}

func TestIgnoreHistoryRedownloads(t *testing.T) {
	t.Parallel()

	pages := [][]sri.DocumentRecord{{testDoc(0, "key-a")}}
	h := newHarness(t, pages)

	_, err := h.engine.StartFullRun("tab-1", sri.ArtifactXML, false)
	require.NoError(t, err)
	waitForRunEnd(t, h.engine)

	h.reader.mu.Lock()
	h.reader.current = 1
	h.reader.mu.Unlock()

	_, err = h.engine.StartFullRun("tab-1", sri.ArtifactXML, true)
	require.NoError(t, err)
	state := waitForRunEnd(t, h.engine)

	require.Equal(t, 1, state.Succeeded)
	require.Zero(t, state.Skipped)
	require.Equal(t, 2, h.trigger.callCount())
}

func TestConcurrentRunRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t, [][]sri.DocumentRecord{{testDoc(0, "key-a")}})
	gate := make(chan struct{})
	h.reader.gate = gate

	_, err := h.engine.StartFullRun("tab-1", sri.ArtifactBoth, false)
	require.NoError(t, err)

	_, err = h.engine.StartFullRun("tab-1", sri.ArtifactBoth, false)
	require.ErrorIs(t, err, sri.ErrRunActive)
	_, err = h.engine.StartSelectedRun("tab-1", sri.ArtifactBoth, []int{0})
	require.ErrorIs(t, err, sri.ErrRunActive)

	close(gate)
	waitForRunEnd(t, h.engine)
}

func TestStopFlushesPartialBuffer(t *testing.T) {
	t.Parallel()

	pages := [][]sri.DocumentRecord{{testDoc(0, "key-a"), testDoc(1, "key-b"), testDoc(2, "key-c")}}
	h := newHarness(t, pages)
	h.trigger.after = func(string) {
		// Stop after the first trigger; remaining documents must not run.
		h.engine.Stop()
	}

	runID, err := h.engine.StartFullRun("tab-1", sri.ArtifactXML, false)
	require.NoError(t, err)
	state := waitForRunEnd(t, h.engine)

	require.True(t, state.Stopped)
	require.Equal(t, 1, state.Succeeded)
	require.Equal(t, 1, h.trigger.callCount())

	all, err := h.repo.All(context.Background())
	require.NoError(t, err)
	record, ok := all["1712345678001"].Runs[runID]
	require.True(t, ok)
	require.Len(t, record.Outcomes, 1)
}

func TestStopWithoutActiveRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, [][]sri.DocumentRecord{{testDoc(0, "key-a")}})
	require.False(t, h.engine.Stop())
}

func TestRetryExhaustionMarksFailure(t *testing.T) {
	t.Parallel()

	doc := testDoc(0, "key-a")
	h := newHarness(t, [][]sri.DocumentRecord{{doc}})
	h.trigger.silent = map[string]bool{doc.XMLLinkID: true}

	runID, err := h.engine.StartFullRun("tab-1", sri.ArtifactXML, false)
	require.NoError(t, err)
	state := waitForRunEnd(t, h.engine)

	require.Equal(t, 1, state.Failed)
	require.Zero(t, state.Succeeded)
	// MaxRetries(2) + 1 initial attempt.
	require.Equal(t, 3, h.trigger.callCount())

	all, err := h.repo.All(context.Background())
	require.NoError(t, err)
	record := all["1712345678001"].Runs[runID]
	require.Len(t, record.Outcomes, 1)
	require.False(t, record.Outcomes[0].Success)
	require.Equal(t, "error descargando XML", record.Outcomes[0].Error)
}

func TestPartialArtifactFailureMessage(t *testing.T) {
	t.Parallel()

	doc := testDoc(0, "key-a")
	h := newHarness(t, [][]sri.DocumentRecord{{doc}})
	h.trigger.silent = map[string]bool{doc.PDFLinkID: true}

	runID, err := h.engine.StartFullRun("tab-1", sri.ArtifactBoth, false)
	require.NoError(t, err)
	state := waitForRunEnd(t, h.engine)

	require.Equal(t, 1, state.Failed)

	all, err := h.repo.All(context.Background())
	require.NoError(t, err)
	outcome := all["1712345678001"].Runs[runID].Outcomes[0]
	require.True(t, outcome.XMLSuccess)
	require.False(t, outcome.PDFSuccess)
	require.Equal(t, "error descargando PDF", outcome.Error)
}

func TestPartialSuccessSkipsMatchingArtifactRerun(t *testing.T) {
	t.Parallel()

	doc := testDoc(0, "key-a")
	h := newHarness(t, [][]sri.DocumentRecord{{doc}})
	h.trigger.silent = map[string]bool{doc.PDFLinkID: true}

	_, err := h.engine.StartFullRun("tab-1", sri.ArtifactBoth, false)
	require.NoError(t, err)
	waitForRunEnd(t, h.engine)
	callsAfterFirst := h.trigger.callCount()

	h.reader.mu.Lock()
	h.reader.current = 1
	h.reader.mu.Unlock()

	// The XML already arrived during the failed ambos run, so an xml-only
	// run skips the document instead of re-triggering it.
	_, err = h.engine.StartFullRun("tab-1", sri.ArtifactXML, false)
	require.NoError(t, err)
	state := waitForRunEnd(t, h.engine)
	require.Equal(t, 1, state.Skipped)
	require.Zero(t, state.Succeeded)
	require.Equal(t, callsAfterFirst, h.trigger.callCount())

	h.reader.mu.Lock()
	h.reader.current = 1
	h.reader.mu.Unlock()

	// The PDF never arrived, so a pdf-only run retries it.
	h.trigger.mu.Lock()
	h.trigger.silent = nil
	h.trigger.mu.Unlock()
	_, err = h.engine.StartFullRun("tab-1", sri.ArtifactPDF, false)
	require.NoError(t, err)
	state = waitForRunEnd(t, h.engine)
	require.Equal(t, 1, state.Succeeded)
	require.Zero(t, state.Skipped)
	require.Equal(t, callsAfterFirst+1, h.trigger.callCount())
}

func TestMissingArtifactIsVacuouslySuccessful(t *testing.T) {
	t.Parallel()

	doc := testDoc(0, "key-a")
	doc.HasXML = false
	doc.XMLLinkID = ""
	h := newHarness(t, [][]sri.DocumentRecord{{doc}})

	_, err := h.engine.StartFullRun("tab-1", sri.ArtifactBoth, false)
	require.NoError(t, err)
	state := waitForRunEnd(t, h.engine)

	require.Equal(t, 1, state.Succeeded)
	// Only the PDF was attempted.
	require.Equal(t, 1, h.trigger.callCount())
}

func TestMixedArtifactPageThenRerun(t *testing.T) {
	t.Parallel()

	noPDF := testDoc(2, "key-c")
	noPDF.HasPDF = false
	noPDF.PDFLinkID = ""
	pages := [][]sri.DocumentRecord{{testDoc(0, "key-a"), testDoc(1, "key-b"), noPDF}}
	h := newHarness(t, pages)

	runID, err := h.engine.StartFullRun("tab-1", sri.ArtifactBoth, false)
	require.NoError(t, err)
	state := waitForRunEnd(t, h.engine)

	require.Equal(t, 3, state.Succeeded)
	// 2 XML+PDF pairs plus 1 lone XML.
	require.Equal(t, 5, h.trigger.callCount())

	all, err := h.repo.All(context.Background())
	require.NoError(t, err)
	outcomes := all["1712345678001"].Runs[runID].Outcomes
	require.Len(t, outcomes, 3)
	for _, o := range outcomes {
		require.True(t, o.XMLSuccess)
		require.True(t, o.PDFSuccess)
	}

	// Same run again: everything skips, including the vacuous-PDF document.
	h.reader.mu.Lock()
	h.reader.current = 1
	h.reader.mu.Unlock()

	_, err = h.engine.StartFullRun("tab-1", sri.ArtifactBoth, false)
	require.NoError(t, err)
	state = waitForRunEnd(t, h.engine)
	require.Equal(t, 3, state.Skipped)
	require.Equal(t, 5, h.trigger.callCount())
}

func TestSelectedRunProcessesOnlyRequestedIndices(t *testing.T) {
	t.Parallel()

	pages := [][]sri.DocumentRecord{{testDoc(0, "key-a"), testDoc(1, "key-b"), testDoc(2, "key-c")}}
	h := newHarness(t, pages)

	_, err := h.engine.StartSelectedRun("tab-1", sri.ArtifactXML, []int{0, 2})
	require.NoError(t, err)
	state := waitForRunEnd(t, h.engine)

	require.Equal(t, 2, state.Succeeded)
	require.Equal(t, 2, state.TotalDocuments)
	require.Equal(t, 2, h.trigger.callCount())
}

func TestSelectedRunRequiresIndices(t *testing.T) {
	t.Parallel()

	h := newHarness(t, [][]sri.DocumentRecord{{testDoc(0, "key-a")}})
	_, err := h.engine.StartSelectedRun("tab-1", sri.ArtifactXML, nil)
	require.Error(t, err)
	require.False(t, h.engine.Snapshot().Active)
}

func TestFirstPageReadFailureAbortsRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, [][]sri.DocumentRecord{{testDoc(0, "key-a")}})
	h.reader.mu.Lock()
	h.reader.err = sri.ErrTableNotFound
	h.reader.mu.Unlock()

	_, err := h.engine.StartFullRun("tab-1", sri.ArtifactBoth, false)
	require.NoError(t, err)
	state := waitForRunEnd(t, h.engine)

	require.NotEmpty(t, state.Error)
	require.Zero(t, h.trigger.callCount())

	all, err := h.repo.All(context.Background())
	require.NoError(t, err)
	require.Empty(t, all)

	stages := h.emitter.stages()
	require.Equal(t, progress.StageRunError, stages[len(stages)-1])
}

func TestTriggerErrorCountsAsAttempt(t *testing.T) {
	t.Parallel()

	h := newHarness(t, [][]sri.DocumentRecord{{testDoc(0, "key-a")}})
	h.trigger.err = errors.New("evaluate failed")

	_, err := h.engine.StartFullRun("tab-1", sri.ArtifactXML, false)
	require.NoError(t, err)
	state := waitForRunEnd(t, h.engine)

	require.Equal(t, 1, state.Failed)
	require.Equal(t, 3, h.trigger.callCount())
}

func TestSetTunablesValidates(t *testing.T) {
	t.Parallel()

	h := newHarness(t, [][]sri.DocumentRecord{{testDoc(0, "key-a")}})

	bad := testTunables()
	bad.DownloadTimeoutMs = 0
	require.Error(t, h.engine.SetTunables(bad))

	good := testTunables()
	good.MaxRetries = 5
	require.NoError(t, h.engine.SetTunables(good))
	require.Equal(t, 5, h.engine.Tunables().MaxRetries)
}

func TestUnknownTaxpayerLandsInFallbackBucket(t *testing.T) {
	t.Parallel()

	h := newHarness(t, [][]sri.DocumentRecord{{testDoc(0, "key-a")}})
	h.reader.mu.Lock()
	h.reader.ruc = ""
	h.reader.mu.Unlock()

	runID, err := h.engine.StartFullRun("tab-1", sri.ArtifactXML, false)
	require.NoError(t, err)
	waitForRunEnd(t, h.engine)

	all, err := h.repo.All(context.Background())
	require.NoError(t, err)
	_, ok := all[sri.UnknownTaxpayerBucket].Runs[runID]
	require.True(t, ok)
}
