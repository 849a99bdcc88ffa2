// Package progress defines the events the engine emits while a run advances
// and the hub that fans them out to observers.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/jpvasquez/sri-downloader/internal/sri"
)

// Stage denotes the milestone an Event represents.
type Stage string

// Supported progress stages.
const (
	StageRunStart Stage = "RUN_START"
	StageUpdate   Stage = "PROGRESS_UPDATE"
	StageRunDone  Stage = "RUN_COMPLETE"
	StageRunError Stage = "RUN_ERROR"
)

// Event carries a run-state snapshot at one milestone. Observers only ever
// see copies; the engine's mutable state never leaves the engine.
type Event struct {
	RunID   string          `json:"run_id"`
	TS      time.Time       `json:"ts"`
	Stage   Stage           `json:"stage"`
	State   sri.RunState    `json:"state"`
	Summary *sri.RunSummary `json:"summary,omitempty"`
	Note    string          `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageUpdate, StageRunError:
	case StageRunDone:
		if e.Summary == nil {
			return errors.New("run completion requires a summary")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	return nil
}
