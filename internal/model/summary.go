package model

import "time"

// Result is the per-item outcome of a drain pass.
type Result string

const (
	ResultAcknowledged   Result = "acknowledged"
	ResultReacknowledged Result = "re-acknowledged"
	ResultAckFailed      Result = "ack_failed"
	ResultError          Result = "error"
)

// Succeeded reports whether the partner queue no longer needs the item.
func (r Result) Succeeded() bool {
	return r == ResultAcknowledged || r == ResultReacknowledged
}

// Outcome records what happened to a single GUID.
type Outcome struct {
	GUID            string `json:"guid"`
	Result          Result `json:"result"`
	AccessionNumber string `json:"accession_number,omitempty"`
	Error           string `json:"error,omitempty"`
}

// Summary is returned by every drain pass and serialised as the HTTP
// response body.
type Summary struct {
	RunID      string `json:"run_id"`
	Family     Family `json:"family"`
	TotalCount int    `json:"total_count"`
	Batches    int    `json:"batches"`
	Processed  int    `json:"processed"`
	Succeeded  int    `json:"succeeded"`
	Failed     int    `json:"failed"`

	Items []Outcome `json:"items"`

	// DrainError is set when a list call after the first batch failed and
	// ended a multi-batch drain early. Work from earlier batches stands.
	DrainError string `json:"drain_error,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// NewSummary starts an empty summary.
func NewSummary(runID string, family Family, startedAt time.Time) *Summary {
	return &Summary{
		RunID:     runID,
		Family:    family,
		Items:     []Outcome{},
		StartedAt: startedAt,
	}
}

// Add appends an outcome and updates the counters.
func (s *Summary) Add(o Outcome) {
	s.Items = append(s.Items, o)
	s.Processed++
	if o.Result.Succeeded() {
		s.Succeeded++
	} else {
		s.Failed++
	}
}

// Errors returns the outcomes that did not succeed.
func (s *Summary) Errors() []Outcome {
	var out []Outcome
	for _, o := range s.Items {
		if !o.Result.Succeeded() {
			out = append(out, o)
		}
	}
	return out
}
