// Package history persists run records and answers dedup/export queries.
//
// The layout under the storage key mirrors what the engine flushes: taxpayer
// RUC -> run ID -> run record. Run records are append-only; the only mutation
// ever applied is whole-record deletion during age-based pruning.
package history

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/jpvasquez/sri-downloader/internal/sri"
	"github.com/jpvasquez/sri-downloader/internal/storage/kv"
)

// storageKey is the fixed KV key holding the whole history document.
const storageKey = "sri:history"

// csvHeader matches the export format of the original tooling so downstream
// spreadsheets keep working.
var csvHeader = []string{
	"RUC Emisor", "Razon Social", "Tipo Doc", "Serie", "Clave Acceso",
	"Fecha Emision", "Fecha Autorizacion", "Estado", "Error", "Fecha Descarga",
}

// Repository is the single write/read path for persisted session outcomes.
type Repository struct {
	store  kv.Store
	clock  sri.Clock
	logger *zap.Logger
}

// NewRepository wires the repository to a KV store.
func NewRepository(store kv.Store, clock sri.Clock, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{store: store, clock: clock, logger: logger}
}

func (r *Repository) load(ctx context.Context) (sri.History, error) {
	raw, found, err := r.store.Get(ctx, storageKey)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if !found {
		return sri.History{}, nil
	}
	var h sri.History
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return h, nil
}

func (r *Repository) save(ctx context.Context, h sri.History) error {
	raw, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	if err := r.store.Set(ctx, storageKey, raw); err != nil {
		return fmt.Errorf("save history: %w", err)
	}
	return nil
}

// FlushRun writes one run's buffered outcomes as a single record. It is a
// no-op when the buffer is empty. This is the only write path for session
// outcomes; partial progress is never persisted.
func (r *Repository) FlushRun(
	ctx context.Context,
	taxpayerRUC, runID string,
	artifact sri.ArtifactType,
	outcomes []sri.SessionOutcome,
) error {
	if len(outcomes) == 0 {
		return nil
	}
	h, err := r.load(ctx)
	if err != nil {
		return err
	}
	if taxpayerRUC == "" {
		taxpayerRUC = sri.UnknownTaxpayerBucket
	}
	bucket, ok := h[taxpayerRUC]
	if !ok {
		bucket = sri.TaxpayerHistory{Runs: make(map[string]sri.RunRecord)}
	}
	now := r.clock.Now()
	bucket.Runs[runID] = sri.RunRecord{
		Timestamp:    now,
		ArtifactType: artifact,
		Outcomes:     append([]sri.SessionOutcome(nil), outcomes...),
		Summary:      sri.Summarize(outcomes),
	}
	bucket.LastUpdated = now
	h[taxpayerRUC] = bucket
	if err := r.save(ctx, h); err != nil {
		return err
	}
	r.logger.Debug("run flushed",
		zap.String("taxpayer", taxpayerRUC),
		zap.String("run_id", runID),
		zap.Int("outcomes", len(outcomes)))
	return nil
}

// PruneOlderThan deletes run records older than maxAge, and taxpayer buckets
// that become empty. Idempotent: a second call with the same clock deletes
// nothing further.
func (r *Repository) PruneOlderThan(ctx context.Context, maxAge time.Duration) error {
	h, err := r.load(ctx)
	if err != nil {
		return err
	}
	cutoff := r.clock.Now().Add(-maxAge)
	pruned := 0
	for ruc, bucket := range h {
		for runID, rec := range bucket.Runs {
			if rec.Timestamp.Before(cutoff) {
				delete(bucket.Runs, runID)
				pruned++
			}
		}
		if len(bucket.Runs) == 0 {
			delete(h, ruc)
		}
	}
	if pruned == 0 {
		return nil
	}
	if err := r.save(ctx, h); err != nil {
		return err
	}
	r.logger.Debug("history pruned", zap.Int("runs_removed", pruned))
	return nil
}

// BuildDedupIndex scans all history and returns the access keys whose
// recorded outcome satisfies the requested artifact type. The per-artifact
// flags decide on their own: a document whose XML arrived but whose PDF
// failed still counts for an xml index. `ambos` requires both flags.
func (r *Repository) BuildDedupIndex(ctx context.Context, artifact sri.ArtifactType) (map[string]struct{}, error) {
	h, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	index := make(map[string]struct{})
	for _, bucket := range h {
		for _, rec := range bucket.Runs {
			for _, o := range rec.Outcomes {
				if downloadedFor(o, artifact) {
					index[o.AccessKey] = struct{}{}
				}
			}
		}
	}
	return index, nil
}

func downloadedFor(o sri.SessionOutcome, artifact sri.ArtifactType) bool {
	switch artifact {
	case sri.ArtifactXML:
		return o.XMLSuccess
	case sri.ArtifactPDF:
		return o.PDFSuccess
	case sri.ArtifactBoth:
		return o.XMLSuccess && o.PDFSuccess
	default:
		return false
	}
}

// All returns the full history document.
func (r *Repository) All(ctx context.Context) (sri.History, error) {
	return r.load(ctx)
}

// ForTaxpayer returns one taxpayer's bucket; found is false when absent.
func (r *Repository) ForTaxpayer(ctx context.Context, ruc string) (sri.TaxpayerHistory, bool, error) {
	h, err := r.load(ctx)
	if err != nil {
		return sri.TaxpayerHistory{}, false, err
	}
	bucket, ok := h[ruc]
	return bucket, ok, nil
}

// FailedDocuments flattens every failed outcome across all history, most
// recent download first.
func (r *Repository) FailedDocuments(ctx context.Context) ([]sri.FailedDocument, error) {
	h, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	var failed []sri.FailedDocument
	for ruc, bucket := range h {
		for runID, rec := range bucket.Runs {
			for _, o := range rec.Outcomes {
				if o.Success {
					continue
				}
				failed = append(failed, sri.FailedDocument{
					SessionOutcome: o,
					TaxpayerRUC:    ruc,
					RunID:          runID,
					RunDate:        rec.Timestamp,
				})
			}
		}
	}
	sort.Slice(failed, func(i, j int) bool {
		return failed[i].DownloadedAt.After(failed[j].DownloadedAt)
	})
	return failed, nil
}

// Clear removes the whole history document.
func (r *Repository) Clear(ctx context.Context) error {
	if err := r.store.Delete(ctx, storageKey); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

// ExportCSV writes all outcomes as UTF-8 CSV with a byte-order mark, one row
// per outcome, and returns the number of data rows written. Rows are ordered
// by taxpayer, then run timestamp, for stable exports.
func (r *Repository) ExportCSV(ctx context.Context, w io.Writer) (int, error) {
	h, err := r.load(ctx)
	if err != nil {
		return 0, err
	}
	if _, err := w.Write([]byte("\ufeff")); err != nil {
		return 0, fmt.Errorf("write bom: %w", err)
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return 0, fmt.Errorf("write csv header: %w", err)
	}

	rows := 0
	for _, ruc := range sortedKeys(h) {
		bucket := h[ruc]
		for _, runID := range runsByTimestamp(bucket.Runs) {
			for _, o := range bucket.Runs[runID].Outcomes {
				status := "OK"
				if !o.Success {
					status = "FALLIDO"
				}
				record := []string{
					o.RUC, o.RazonSocial, o.DocType, o.Series, o.AccessKey,
					o.IssuedAt, o.AuthorizedAt, status, o.Error,
					o.DownloadedAt.UTC().Format(time.RFC3339),
				}
				if err := cw.Write(record); err != nil {
					return rows, fmt.Errorf("write csv row: %w", err)
				}
				rows++
			}
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return rows, fmt.Errorf("flush csv: %w", err)
	}
	return rows, nil
}

func sortedKeys(h sri.History) []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func runsByTimestamp(runs map[string]sri.RunRecord) []string {
	ids := make([]string, 0, len(runs))
	for id := range runs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ti, tj := runs[ids[i]].Timestamp, runs[ids[j]].Timestamp
		if ti.Equal(tj) {
			return ids[i] < ids[j]
		}
		return ti.Before(tj)
	})
	return ids
}
