package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vyvo/compute/reviewci/pkg/builder"
	"github.com/vyvo/compute/reviewci/pkg/config"
	"github.com/vyvo/compute/reviewci/pkg/gitlog"
	"github.com/vyvo/compute/reviewci/pkg/notifier"
	"github.com/vyvo/compute/reviewci/pkg/registry"
	"github.com/vyvo/compute/reviewci/pkg/remote"
	"github.com/vyvo/compute/reviewci/pkg/revision"
)

func newNotifyCmd() *cobra.Command {
	var (
		jobPath    string
		resultName string
		workspace  string
		buildURL   string
		knownHosts string
		rev        string
		number     int
		hist       historyFlags
	)

	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Vote on the review server for a finished build",
		Long: "Resolves HEAD of the job's repository inside the build workspace and sends the review command for the build result. " +
			"With --revision and --number the build is also recorded in the job history.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			result, err := builder.ParseResult(resultName)
			if err != nil {
				return err
			}
			def, err := config.LoadJob(jobPath)
			if err != nil {
				return err
			}

			var opts []remote.Option
			if knownHosts != "" {
				cb, err := remote.KnownHostsCallback(knownHosts)
				if err != nil {
					return err
				}
				opts = append(opts, remote.WithHostKeyCallback(cb))
			}

			repo, closeRepo, err := hist.open(ctx)
			if err != nil {
				return err
			}
			defer closeRepo()

			entry := registry.Wiring{
				History:  repo,
				Sessions: func() remote.Session { return remote.NewSSHSession(opts...) },
				Logger:   newLogger(cmd.ErrOrStderr()),
			}.Build(def)

			b := notifier.Build{Result: result, Workspace: workspace}
			if buildURL != "" {
				b.Env = map[string]string{notifier.BuildURLEnv: buildURL}
			}

			console := cmd.OutOrStdout()
			if rev == "" {
				_, err := entry.Notifier.Perform(ctx, b, console)
				return err
			}
			if !revision.ValidID(rev) {
				return fmt.Errorf("invalid revision %q", rev)
			}
			id := revision.NormalizeID(rev)
			when, err := gitlog.CommitTime(def.Repository, id)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "commit time of %s unknown: %v\n", id, err)
			}
			cand := revision.Candidate{
				Commit: revision.Commit{ID: id, When: when},
				Lane:   revision.LaneTimeBased,
			}
			final, err := entry.Job.Finish(ctx, b, number, cand, console)
			fmt.Fprintf(console, "Finished: %s\n", final)
			return err
		},
	}

	cmd.Flags().StringVarP(&jobPath, "job", "j", "", "path to the job definition")
	cmd.Flags().StringVarP(&resultName, "result", "r", "", "build result (SUCCESS, UNSTABLE, FAILURE, NOT_BUILT, ABORTED)")
	cmd.Flags().StringVarP(&workspace, "workspace", "w", ".", "build workspace containing the repository checkout")
	cmd.Flags().StringVar(&buildURL, "build-url", "", "build URL embedded in the review message")
	cmd.Flags().StringVar(&knownHosts, "known-hosts", "", "verify the review server against a known_hosts file")
	cmd.Flags().StringVar(&rev, "revision", "", "revision the build was started for")
	cmd.Flags().IntVar(&number, "number", 1, "build number recorded with --revision")
	hist.register(cmd)
	_ = cmd.MarkFlagRequired("job")
	_ = cmd.MarkFlagRequired("result")
	return cmd
}
