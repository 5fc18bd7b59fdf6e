package hpo

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sync"
)

// Progress statuses emitted by the controller.
const (
	ProgressRunning     = "running"
	ProgressCompleted   = "complete"
	ProgressInterrupted = "interrupted"
	ProgressFailed      = "failed"
)

// ProgressRecord is one JSON line of machine-readable progress, meant for a
// supervising process (a GUI launcher, a job runner) reading our stdout.
type ProgressRecord struct {
	Progress     float64  `json:"progress"` // percent of maxTrials, 0 when unbounded
	Status       string   `json:"status"`
	StudyID      string   `json:"study_id,omitempty"`
	CurrentTrial int      `json:"current_trial"`
	TotalTrials  int      `json:"total_trials,omitempty"`
	BestValue    *float64 `json:"best_value,omitempty"`
	BestParams   *Params  `json:"best_params,omitempty"` // final record only
}

// ProgressReporter writes ProgressRecords as JSON lines (goroutine-safe).
type ProgressReporter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewProgressReporter creates a reporter writing to w.
func NewProgressReporter(w io.Writer) *ProgressReporter {
	return &ProgressReporter{enc: json.NewEncoder(w)}
}

// Report writes one record followed by a newline.
func (p *ProgressReporter) Report(rec ProgressRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enc.Encode(rec); err != nil {
		return fmt.Errorf("writing progress: %w", err)
	}
	return nil
}

func roundTo(x float64, digits int) float64 {
	scale := math.Pow(10, float64(digits))
	return math.Round(x*scale) / scale
}
