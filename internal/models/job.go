package models

import (
	"time"
)

// Job statuses persisted in Postgres. Transitions are strictly forward;
// StatusError is absorbing and reachable from any non-terminal state.
const (
	StatusQueued             = "queued"
	StatusParsingFinancials  = "parsing_financials"
	StatusMiningDocuments    = "mining_documents"
	StatusFetchingPublicData = "fetching_public_data"
	StatusBuildingSlides     = "building_slides"
	StatusFinalizing         = "finalizing"
	StatusComplete           = "complete"
	StatusError              = "error"
)

// stageOrder fixes the forward path of the pipeline.
var stageOrder = []string{
	StatusQueued,
	StatusParsingFinancials,
	StatusMiningDocuments,
	StatusFetchingPublicData,
	StatusBuildingSlides,
	StatusFinalizing,
	StatusComplete,
}

// stageProgress maps each persisted status to the progress percentage a job
// shows once that status is committed. Non-decreasing by construction.
var stageProgress = map[string]int{
	StatusQueued:             0,
	StatusParsingFinancials:  15,
	StatusMiningDocuments:    35,
	StatusFetchingPublicData: 50,
	StatusBuildingSlides:     85,
	StatusFinalizing:         95,
	StatusComplete:           100,
}

// NextStatus returns the status that follows s on the forward path.
// ok is false for terminal states and unknown values.
func NextStatus(s string) (next string, ok bool) {
	for i, st := range stageOrder {
		if st == s && i+1 < len(stageOrder) {
			return stageOrder[i+1], true
		}
	}
	return "", false
}

// ProgressFor returns the persisted progress percentage for a status.
func ProgressFor(status string) int {
	if p, ok := stageProgress[status]; ok {
		return p
	}
	return 0
}

// IsTerminal reports whether no further stage may run for the status.
func IsTerminal(status string) bool {
	return status == StatusComplete || status == StatusError
}

// Job is a single deck-generation unit of work persisted in Postgres.
// The row is the only entity with external identity; everything a stage
// produces is either folded into the output artifact or logged as usage.
type Job struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	CompanyName     string    `json:"company_name"`
	Website         *string   `json:"website,omitempty"`
	PullPublicData  bool      `json:"pull_public_data"`
	TemplateKey     string    `json:"template_key"`
	FinancialsKey   *string   `json:"financials_key,omitempty"`
	BundleKey       *string   `json:"bundle_key,omitempty"`
	Status          string    `json:"status"`
	Progress        int       `json:"progress"`
	Message         string    `json:"message"`
	OutputKey       *string   `json:"output_key,omitempty"`
	CostCents       int       `json:"cost_cents"`
	CancelRequested bool      `json:"cancel_requested"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// LogEntry is one appended line of a job's ordered progress log.
type LogEntry struct {
	JobID    string    `json:"job_id"`
	Seq      int       `json:"seq"`
	Line     string    `json:"line"`
	Recorded time.Time `json:"recorded_at"`
}

// UsageEvent is an append-only usage row, written once per stage transition
// and per billable operation. Never read back by the pipeline itself.
type UsageEvent struct {
	JobID    string         `json:"job_id"`
	Event    string         `json:"event"`
	Metadata map[string]any `json:"metadata"`
	Recorded time.Time      `json:"recorded_at"`
}
