package trigger

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/vyvo/compute/reviewci/pkg/builder"
	"github.com/vyvo/compute/reviewci/pkg/chooser"
	"github.com/vyvo/compute/reviewci/pkg/gitlog"
	"github.com/vyvo/compute/reviewci/pkg/notifier"
	"github.com/vyvo/compute/reviewci/pkg/revision"
	"github.com/vyvo/compute/reviewci/pkg/telemetry"
)

type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Reporter publishes the result of a finished build.
type Reporter interface {
	Perform(ctx context.Context, b notifier.Build, console io.Writer) (notifier.Outcome, error)
}

// Job ties a polled repository to a build chooser and a reporter.
type Job struct {
	Name       string
	Repository string

	log      gitlog.LogSource
	chooser  chooser.BuildChooser
	reporter Reporter
	logger   Logger
}

func NewJob(name, repository string, log gitlog.LogSource, c chooser.BuildChooser, r Reporter, logger Logger) *Job {
	return &Job{Name: name, Repository: repository, log: log, chooser: c, reporter: r, logger: logger}
}

// Candidates reads the full commit log and returns the revisions to build.
// A malformed log aborts the cycle without a partial list.
func (j *Job) Candidates(ctx context.Context, pollOnly bool) ([]revision.Candidate, error) {
	ctx, span := telemetry.Tracer("trigger").Start(ctx, "trigger.Candidates")
	defer span.End()
	span.SetAttributes(attribute.String("job", j.Name), attribute.Bool("poll_only", pollOnly))

	dump, err := j.log.AllLogEntries(ctx, j.Repository)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read log")
		return nil, err
	}
	commits, err := revision.ParseOrdered(dump)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "parse log")
		return nil, fmt.Errorf("job %s: %w", j.Name, err)
	}

	candidates, err := j.chooser.SelectCandidates(ctx, chooser.Request{Job: j.Name, Commits: commits, PollOnly: pollOnly})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("job %s: select candidates: %w", j.Name, err)
	}
	span.SetAttributes(attribute.Int("candidates", len(candidates)))
	return candidates, nil
}

// Poll reports whether there is anything new to build.
func (j *Job) Poll(ctx context.Context) (bool, error) {
	candidates, err := j.Candidates(ctx, true)
	if err != nil {
		return false, err
	}
	return len(candidates) > 0, nil
}

// Finish reports a finished build and records it in the job's history. The
// history is updated even when reporting fails or the build was interrupted,
// so the next cycle starts after this revision.
func (j *Job) Finish(ctx context.Context, b notifier.Build, number int, c revision.Candidate, console io.Writer) (builder.Result, error) {
	ctx, span := telemetry.Tracer("trigger").Start(ctx, "trigger.Finish")
	defer span.End()
	span.SetAttributes(attribute.String("job", j.Name), attribute.Int("build.number", number), attribute.String("revision", c.ID))

	outcome, err := j.reporter.Perform(ctx, b, console)
	result := outcome.Result
	if result == "" {
		result = b.Result
	}
	if errors.Is(err, notifier.ErrInterrupted) {
		result = builder.ResultAborted
	}
	if err != nil {
		span.RecordError(err)
		j.logger.Error("trigger: report build", "job", j.Name, "number", number, "error", err)
	}

	if herr := j.chooser.OnBuildComplete(context.WithoutCancel(ctx), j.Name, c, number, result); herr != nil {
		span.RecordError(herr)
		j.logger.Error("trigger: record history", "job", j.Name, "number", number, "error", herr)
		err = errors.Join(err, fmt.Errorf("record history: %w", herr))
	}
	if err != nil {
		span.SetStatus(codes.Error, "finish")
	}
	return result, err
}
