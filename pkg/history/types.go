package history

import (
	"time"

	"github.com/vyvo/compute/reviewci/pkg/builder"
	"github.com/vyvo/compute/reviewci/pkg/revision"
)

// BuildRecord is the outcome of one completed build. It is never modified
// after it has been recorded.
type BuildRecord struct {
	Revision    revision.Commit `json:"revision"`
	BuildNumber int             `json:"buildNumber"`
	Result      builder.Result  `json:"result"`
	Lane        revision.Lane   `json:"lane,omitempty"`
	RecordedAt  time.Time       `json:"recordedAt"`
}

// BuildHistory is the per-job memory of what has been built.
type BuildHistory struct {
	Job       string                        `json:"job"`
	LastBuilt *BuildRecord                  `json:"lastBuilt,omitempty"`
	Lanes     map[revision.Lane]BuildRecord `json:"lanes"`
}

// New returns an empty history for job.
func New(job string) BuildHistory {
	return BuildHistory{Job: job, Lanes: make(map[revision.Lane]BuildRecord)}
}

// LaneRecord returns the most recent build recorded on lane.
func (h BuildHistory) LaneRecord(lane revision.Lane) (BuildRecord, bool) {
	rec, ok := h.Lanes[lane]
	return rec, ok
}

// Apply records rec as the job's last build and, when it belongs to a lane,
// as that lane's most recent build.
func (h *BuildHistory) Apply(rec BuildRecord) {
	if h.Lanes == nil {
		h.Lanes = make(map[revision.Lane]BuildRecord)
	}
	last := rec
	h.LastBuilt = &last
	if rec.Lane != "" {
		h.Lanes[rec.Lane] = rec
	}
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (h BuildHistory) Clone() BuildHistory {
	out := BuildHistory{Job: h.Job, Lanes: make(map[revision.Lane]BuildRecord, len(h.Lanes))}
	if h.LastBuilt != nil {
		last := *h.LastBuilt
		out.LastBuilt = &last
	}
	for lane, rec := range h.Lanes {
		out.Lanes[lane] = rec
	}
	return out
}
