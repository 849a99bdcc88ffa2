// Package sri defines core types shared across subsystems.
package sri

import (
	"fmt"
	"time"
)

// ArtifactType selects which file formats a run requests.
type ArtifactType string

// Artifact types accepted by the engine. The values mirror the portal's own
// vocabulary so persisted history stays readable next to exported files.
const (
	ArtifactXML  ArtifactType = "xml"
	ArtifactPDF  ArtifactType = "pdf"
	ArtifactBoth ArtifactType = "ambos"
)

// ParseArtifactType validates a wire value.
func ParseArtifactType(s string) (ArtifactType, error) {
	switch t := ArtifactType(s); t {
	case ArtifactXML, ArtifactPDF, ArtifactBoth:
		return t, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidArtifactType, s)
	}
}

// WantsXML reports whether the run should attempt XML downloads.
func (t ArtifactType) WantsXML() bool {
	return t == ArtifactXML || t == ArtifactBoth
}

// WantsPDF reports whether the run should attempt PDF downloads.
func (t ArtifactType) WantsPDF() bool {
	return t == ArtifactPDF || t == ArtifactBoth
}

// DocumentRecord is one row of the portal's results table. Records live for a
// single page read; navigation invalidates the trigger link IDs.
type DocumentRecord struct {
	Index        int    `json:"index"`
	RUC          string `json:"ruc"`
	RazonSocial  string `json:"razon_social"`
	DocType      string `json:"doc_type"`
	Series       string `json:"series"`
	AccessKey    string `json:"access_key"`
	IssuedAt     string `json:"issued_at"`
	AuthorizedAt string `json:"authorized_at"`
	HasXML       bool   `json:"has_xml"`
	HasPDF       bool   `json:"has_pdf"`
	XMLLinkID    string `json:"xml_link_id,omitempty"`
	PDFLinkID    string `json:"pdf_link_id,omitempty"`
}

// PaginationState is the portal's paginator position, 1-based.
type PaginationState struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// PageData is everything a single page read yields.
type PageData struct {
	Documents   []DocumentRecord `json:"documents"`
	Pagination  PaginationState  `json:"pagination"`
	TaxpayerRUC string           `json:"taxpayer_ruc"`
}

// RunState is the engine's single run-state object. The engine hands out
// value copies only; external callers never see the mutable instance.
type RunState struct {
	Active           bool         `json:"active"`
	Stopped          bool         `json:"stopped"`
	Succeeded        int          `json:"succeeded"`
	Failed           int          `json:"failed"`
	Skipped          int          `json:"skipped"`
	CurrentDocument  int          `json:"current_document"`
	TotalDocuments   int          `json:"total_documents"`
	CurrentPage      int          `json:"current_page"`
	TotalPages       int          `json:"total_pages"`
	ArtifactType     ArtifactType `json:"artifact_type"`
	TabID            string       `json:"tab_id"`
	RunID            string       `json:"run_id"`
	TaxpayerRUC      string       `json:"taxpayer_ruc"`
	StartedAt        time.Time    `json:"started_at"`
	RemainingSeconds int          `json:"remaining_seconds"`
	Error            string       `json:"error,omitempty"`
}

// SessionOutcome records the result of one attempted document.
type SessionOutcome struct {
	AccessKey    string    `json:"access_key"`
	RUC          string    `json:"ruc"`
	RazonSocial  string    `json:"razon_social"`
	DocType      string    `json:"doc_type"`
	Series       string    `json:"series"`
	IssuedAt     string    `json:"issued_at"`
	AuthorizedAt string    `json:"authorized_at"`
	Page         int       `json:"page"`
	Success      bool      `json:"success"`
	XMLSuccess   bool      `json:"xml_success"`
	PDFSuccess   bool      `json:"pdf_success"`
	Error        string    `json:"error,omitempty"`
	DownloadedAt time.Time `json:"downloaded_at"`
}

// RunSummary aggregates a run's outcome counts.
type RunSummary struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// RunRecord is the persisted record of one run. Once written it is immutable;
// pruning removes whole records, never individual outcomes.
type RunRecord struct {
	Timestamp    time.Time        `json:"timestamp"`
	ArtifactType ArtifactType     `json:"artifact_type"`
	Outcomes     []SessionOutcome `json:"outcomes"`
	Summary      RunSummary       `json:"summary"`
}

// TaxpayerHistory groups run records for one taxpayer RUC.
type TaxpayerHistory struct {
	Runs        map[string]RunRecord `json:"runs"`
	LastUpdated time.Time            `json:"last_updated"`
}

// History maps taxpayer RUC to that taxpayer's run records.
type History map[string]TaxpayerHistory

// FailedDocument is a SessionOutcome annotated with its run provenance, used
// by the failed-documents listing.
type FailedDocument struct {
	SessionOutcome
	TaxpayerRUC string    `json:"taxpayer_ruc"`
	RunID       string    `json:"run_id"`
	RunDate     time.Time `json:"run_date"`
}

// UnknownTaxpayerBucket is the history bucket used when the taxpayer RUC
// could not be read from the page.
const UnknownTaxpayerBucket = "sin_ruc"

// Summarize derives a RunSummary from a set of outcomes.
func Summarize(outcomes []SessionOutcome) RunSummary {
	s := RunSummary{Total: len(outcomes)}
	for _, o := range outcomes {
		if o.Success {
			s.Succeeded++
		} else {
			s.Failed++
		}
	}
	return s
}
