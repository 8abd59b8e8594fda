package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vyvo/compute/reviewci/pkg/config"
	"github.com/vyvo/compute/reviewci/pkg/history"
	"github.com/vyvo/compute/reviewci/pkg/registry"
)

type historyFlags struct {
	path     string
	redisURL string
}

func (f *historyFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.path, "history", "./data/history.json", "path to the build history file")
	cmd.Flags().StringVar(&f.redisURL, "redis-url", "", "keep build history in redis instead of a file")
}

func (f *historyFlags) open(ctx context.Context) (history.Repository, func(), error) {
	if f.redisURL != "" {
		s, err := history.NewRedisStoreFromURL(ctx, f.redisURL, "reviewci")
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	}
	s, err := history.NewStore(f.path)
	if err != nil {
		return nil, nil, err
	}
	return s, func() {}, nil
}

func newCandidatesCmd() *cobra.Command {
	var (
		jobPath  string
		pollOnly bool
		hist     historyFlags
	)

	cmd := &cobra.Command{
		Use:   "candidates",
		Short: "List the revisions the next build would pick",
		Long:  "Reads the job's full commit log, orders it by commit time and prints the revisions not yet built, oldest first.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			def, err := config.LoadJob(jobPath)
			if err != nil {
				return err
			}
			repo, closeRepo, err := hist.open(ctx)
			if err != nil {
				return err
			}
			defer closeRepo()

			entry := registry.Wiring{History: repo, Logger: newLogger(cmd.ErrOrStderr())}.Build(def)
			candidates, err := entry.Job.Candidates(ctx, pollOnly)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(candidates) == 0 {
				fmt.Fprintln(out, "No changes")
				return nil
			}
			for _, c := range candidates {
				fmt.Fprintf(out, "%s %s\n", c.ID, c.When.Format("2006-01-02T15:04:05Z07:00"))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&jobPath, "job", "j", "", "path to the job definition")
	cmd.Flags().BoolVar(&pollOnly, "poll", false, "report no candidates when nothing changed")
	hist.register(cmd)
	_ = cmd.MarkFlagRequired("job")
	return cmd
}
