package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vyvo/compute/reviewci/pkg/builder"
	"github.com/vyvo/compute/reviewci/pkg/client"
	"github.com/vyvo/compute/reviewci/pkg/notifier"
)

func newRunCmd() *cobra.Command {
	var (
		serverURL string
		token     string
		job       string
		workspace string
		wait      time.Duration
		poll      bool
	)

	cmd := &cobra.Command{
		Use:   "run -- <build command>",
		Short: "Claim the next queued build from reviewci-server and run it",
		Long: "Claims one queued revision of a job, runs the build command in the workspace with BUILD_URL, BUILD_NUMBER " +
			"and REVIEWCI_REVISION set, and reports SUCCESS, FAILURE or ABORTED back to the server.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c := client.NewClient(serverURL, token)
			out := cmd.OutOrStdout()

			if poll {
				if _, err := c.Poll(ctx, job); err != nil {
					return err
				}
			}
			b, err := c.Claim(ctx, job, wait)
			if err != nil {
				return err
			}
			if b == nil {
				fmt.Fprintln(out, "Nothing to build")
				return nil
			}
			fmt.Fprintf(out, "Building %s #%d at %s\n", job, b.Number, b.Revision)

			result := runBuild(ctx, *b, workspace, strings.Join(args, " "), cmd)

			env := map[string]string{}
			if b.URL != "" {
				env[notifier.BuildURLEnv] = b.URL
			}
			done, err := c.Complete(context.WithoutCancel(ctx), b.ID, builder.CompleteRequest{
				Result:    result,
				Workspace: workspace,
				Env:       env,
			})
			if done.Result != "" {
				fmt.Fprintf(out, "Finished: %s\n", done.Result)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8090", "reviewci-server base URL")
	cmd.Flags().StringVar(&token, "token", os.Getenv("REVIEWCI_API_TOKEN"), "API token")
	cmd.Flags().StringVarP(&job, "job", "j", "", "job name")
	cmd.Flags().StringVarP(&workspace, "workspace", "w", ".", "build workspace")
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Second, "how long to wait for a queued build")
	cmd.Flags().BoolVar(&poll, "poll", false, "poll the job before claiming")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}

func runBuild(ctx context.Context, b builder.Build, workspace, command string, cmd *cobra.Command) builder.Result {
	sh := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	sh.Dir = workspace
	sh.Env = append(os.Environ(),
		"BUILD_URL="+b.URL,
		"BUILD_NUMBER="+strconv.Itoa(b.Number),
		"REVIEWCI_JOB="+b.Job,
		"REVIEWCI_REVISION="+b.Revision,
	)
	sh.Stdout = cmd.OutOrStdout()
	sh.Stderr = cmd.ErrOrStderr()

	err := sh.Run()
	switch {
	case err == nil:
		return builder.ResultSuccess
	case ctx.Err() != nil:
		fmt.Fprintf(cmd.ErrOrStderr(), "build interrupted: %v\n", ctx.Err())
		return builder.ResultAborted
	default:
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			fmt.Fprintf(cmd.ErrOrStderr(), "build command failed to start: %v\n", err)
		}
		return builder.ResultFailure
	}
}
