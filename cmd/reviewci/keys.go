package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vyvo/compute/reviewci/pkg/remote"
)

func newCheckKeyCmd() *cobra.Command {
	var keyPath, passphrase string

	cmd := &cobra.Command{
		Use:   "check-key",
		Short: "Check that a private key file is usable",
		Long:  "Validates the private key file and, for encrypted keys, the passphrase. Without --key the default ~/.ssh keys are tried.",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := keyPath
			if path == "" {
				path = remote.GuessKeyFile()
				if path == "" {
					return errors.New("no private key found in ~/.ssh")
				}
			}
			if err := remote.ValidatePrivateKeyFile(path); err != nil {
				return err
			}
			if err := remote.CheckPassphrase(path, passphrase); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", remote.ExpandHome(path))
			return nil
		},
	}

	cmd.Flags().StringVarP(&keyPath, "key", "k", "", "path to the private key")
	cmd.Flags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase of the private key")
	return cmd
}
