package crawler

import "time"

// RunStatus represents the lifecycle state of a catalog run.
type RunStatus string

// Run status values persisted in the run store.
const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCanceled:
		return true
	default:
		return false
	}
}

// Run is the metadata kept for each catalog scrape.
type Run struct {
	ID        string      `json:"id"`
	Status    RunStatus   `json:"status"`
	Trigger   string      `json:"trigger"`
	Sites     []string    `json:"sites,omitempty"`
	Submitted time.Time   `json:"submitted_at"`
	Started   *time.Time  `json:"started_at,omitempty"`
	Finished  *time.Time  `json:"finished_at,omitempty"`
	ErrorText string      `json:"error_text,omitempty"`
	OutputURI string      `json:"output_uri,omitempty"`
	Counters  RunCounters `json:"counters"`
}

// RunCounters tracks per-run statistics.
type RunCounters struct {
	PagesSucceeded int `json:"pages_succeeded"`
	PagesFailed    int `json:"pages_failed"`
	// PagesExhausted counts pages where every egress configuration failed.
	PagesExhausted int `json:"pages_exhausted"`
	Attempts       int `json:"attempts"`
	Products       int `json:"products"`
	ImagesStored   int `json:"images_stored"`
	ImagesFailed   int `json:"images_failed"`
}

// Add folds other into c.
func (c *RunCounters) Add(other RunCounters) {
	c.PagesSucceeded += other.PagesSucceeded
	c.PagesFailed += other.PagesFailed
	c.PagesExhausted += other.PagesExhausted
	c.Attempts += other.Attempts
	c.Products += other.Products
	c.ImagesStored += other.ImagesStored
	c.ImagesFailed += other.ImagesFailed
}

// Product is one catalog item as it appeared on the listing page. Text fields are kept
// verbatim apart from whitespace collapsing.
type Product struct {
	RunID     string    `json:"run_id"`
	Site      string    `json:"site"`
	Name      string    `json:"name"`
	Price     string    `json:"price"`
	Material  string    `json:"material"`
	Weight    string    `json:"weight"`
	ImageURL  string    `json:"image_url"`
	SourceURL string    `json:"source_url"`
	ImageURI  string    `json:"image_uri,omitempty"`
	Scraped   time.Time `json:"scraped_at"`
	// Thumbnail holds PNG bytes for embedding in the workbook.
	Thumbnail []byte `json:"-"`
}

// PageTask is one listing page queued for a run.
type PageTask struct {
	RunID   string
	Request TargetRequest
	// Seq is the page's position within the run; output rows follow it.
	Seq int
}

// RunSummary is published when a run finishes.
type RunSummary struct {
	RunID      string      `json:"run_id"`
	Status     RunStatus   `json:"status"`
	Trigger    string      `json:"trigger"`
	OutputURI  string      `json:"output_uri,omitempty"`
	ErrorText  string      `json:"error_text,omitempty"`
	Counters   RunCounters `json:"counters"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
}

// Attributes returns message attributes for event transports.
func (s RunSummary) Attributes() map[string]string {
	return map[string]string{
		"run_id":  s.RunID,
		"status":  string(s.Status),
		"trigger": s.Trigger,
	}
}
