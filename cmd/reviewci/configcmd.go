package main

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vyvo/compute/reviewci/pkg/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect job configuration",
	}
	cmd.AddCommand(newConfigShowCmd())
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	var jobPath string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective job definition with defaults applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := config.LoadJob(jobPath)
			if err != nil {
				return err
			}
			def.Notifier = def.Notifier.Redacted()

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(def)
		},
	}

	cmd.Flags().StringVarP(&jobPath, "job", "j", "", "path to the job definition")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}
