package builder

import (
	"fmt"
	"strings"
	"time"

	"github.com/vyvo/compute/reviewci/pkg/revision"
)

// Result is the terminal outcome of a build, ordered from best to worst.
type Result string

const (
	ResultSuccess  Result = "SUCCESS"
	ResultUnstable Result = "UNSTABLE"
	ResultFailure  Result = "FAILURE"
	ResultNotBuilt Result = "NOT_BUILT"
	ResultAborted  Result = "ABORTED"
)

var severity = map[Result]int{
	ResultSuccess:  0,
	ResultUnstable: 1,
	ResultFailure:  2,
	ResultNotBuilt: 3,
	ResultAborted:  4,
}

// ParseResult converts a case-insensitive result name.
func ParseResult(s string) (Result, error) {
	r := Result(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := severity[r]; !ok {
		return "", fmt.Errorf("unknown build result %q", s)
	}
	return r, nil
}

// Valid reports whether r is one of the known results.
func (r Result) Valid() bool {
	_, ok := severity[r]
	return ok
}

// IsBetterOrEqualTo reports whether r is at least as good as other.
// Unknown results rank below every known one.
func (r Result) IsBetterOrEqualTo(other Result) bool {
	return r.rank() <= other.rank()
}

// IsWorseThan reports whether r is strictly worse than other.
func (r Result) IsWorseThan(other Result) bool {
	return r.rank() > other.rank()
}

func (r Result) rank() int {
	if v, ok := severity[r]; ok {
		return v
	}
	return len(severity)
}

// Status represents the lifecycle state of a build.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusRunning   Status = "running"
	StatusFinishing Status = "finishing"
	StatusFinished  Status = "finished"
)

// Build describes one build of a job for a selected revision.
type Build struct {
	ID         string        `json:"id"`
	Job        string        `json:"job"`
	Number     int           `json:"number"`
	Revision   string        `json:"revision"`
	CommitTime time.Time     `json:"commit_time,omitempty"`
	Lane       revision.Lane `json:"lane,omitempty"`
	Status     Status        `json:"status"`
	Result     Result        `json:"result,omitempty"`
	URL        string        `json:"url,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Candidate returns the revision this build was started for.
func (b Build) Candidate() revision.Candidate {
	return revision.Candidate{Commit: revision.Commit{ID: b.Revision, When: b.CommitTime}, Lane: b.Lane}
}

// CompleteRequest is the payload a runner posts when a build finishes.
type CompleteRequest struct {
	Result    Result            `json:"result"`
	Workspace string            `json:"workspace"`
	Env       map[string]string `json:"env,omitempty"`
}
