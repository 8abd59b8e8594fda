package chooser

import (
	"context"
	"fmt"
	"time"

	"github.com/vyvo/compute/reviewci/pkg/builder"
	"github.com/vyvo/compute/reviewci/pkg/history"
	"github.com/vyvo/compute/reviewci/pkg/revision"
)

// BuildChooser decides which revisions a job should build and is told when
// one of its candidates has been built.
type BuildChooser interface {
	SelectCandidates(ctx context.Context, req Request) ([]revision.Candidate, error)
	OnBuildComplete(ctx context.Context, job string, candidate revision.Candidate, number int, result builder.Result) error
}

// Request carries the inputs of one selection cycle.
type Request struct {
	Job string
	// Commits is every commit visible in this poll, newest first.
	Commits []revision.Commit
	// PollOnly is set when the caller only wants to know whether a build
	// should be triggered.
	PollOnly bool
}

// TimeBased selects revisions by commit time and tracks them on the
// "timebased" lane. It ignores branches.
type TimeBased struct {
	history history.Repository
}

var _ BuildChooser = (*TimeBased)(nil)

func NewTimeBased(repo history.Repository) *TimeBased {
	return &TimeBased{history: repo}
}

// Lane returns the lane this chooser records its builds on.
func (c *TimeBased) Lane() revision.Lane {
	return revision.LaneTimeBased
}

func (c *TimeBased) SelectCandidates(ctx context.Context, req Request) ([]revision.Candidate, error) {
	h, err := c.history.Load(ctx, req.Job)
	if err != nil {
		return nil, fmt.Errorf("load history for %s: %w", req.Job, err)
	}
	return Select(req.Commits, h, req.PollOnly), nil
}

func (c *TimeBased) OnBuildComplete(ctx context.Context, job string, candidate revision.Candidate, number int, result builder.Result) error {
	rec := history.BuildRecord{
		Revision:    candidate.Commit,
		BuildNumber: number,
		Result:      result,
		Lane:        candidate.Lane,
		RecordedAt:  time.Now().UTC(),
	}
	if _, err := c.history.Record(ctx, job, rec); err != nil {
		return fmt.Errorf("record build %d of %s: %w", number, job, err)
	}
	return nil
}

// Select computes the candidates for one cycle from commits ordered newest
// first and the job's history.
//
// Without a previous lane revision only the newest commit is built. With one,
// every commit newer than it is returned oldest first. When nothing is new a
// build invocation gets the previous revision back, a poll gets nothing.
func Select(commits []revision.Commit, h history.BuildHistory, pollOnly bool) []revision.Candidate {
	prev, hasPrev := previousLaneRevision(h)

	var pending []revision.Commit
	for _, c := range commits {
		if hasPrev && c.Equal(prev) {
			break
		}
		pending = append(pending, c)
	}

	if !hasPrev {
		if len(pending) > 1 {
			pending = pending[:1]
		}
		return tag(pending)
	}
	if len(pending) == 0 {
		if pollOnly {
			return []revision.Candidate{}
		}
		return tag([]revision.Commit{prev})
	}

	reversed := make([]revision.Commit, len(pending))
	for i, c := range pending {
		reversed[len(pending)-1-i] = c
	}
	return tag(reversed)
}

// previousLaneRevision returns the last revision built on the time-based
// lane. If the job's most recent build came from a different lane, the lane
// has lost continuity and is treated as never built.
func previousLaneRevision(h history.BuildHistory) (revision.Commit, bool) {
	rec, ok := h.LaneRecord(revision.LaneTimeBased)
	if !ok {
		return revision.Commit{}, false
	}
	if h.LastBuilt != nil && !h.LastBuilt.Revision.Equal(rec.Revision) {
		return revision.Commit{}, false
	}
	return rec.Revision, true
}

func tag(commits []revision.Commit) []revision.Candidate {
	out := make([]revision.Candidate, len(commits))
	for i, c := range commits {
		out[i] = revision.Candidate{Commit: c, Lane: revision.LaneTimeBased}
	}
	return out
}
