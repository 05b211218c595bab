package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"postbox/pkg/keys"
)

func keygenCmd() *cobra.Command {
	var (
		out   string
		bits  int
		force bool
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an RSA signing key",
		Long:  `Write a new PEM encoded RSA private key and print its public half.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				return errors.New("--out is required")
			}
			if !force {
				if _, err := os.Stat(out); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", out)
				}
			}

			kp, err := keys.Generate(bits)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, kp.MarshalPrivateKeyPEM(), 0o600); err != nil {
				return fmt.Errorf("failed to write key: %w", err)
			}

			pub, err := keys.MarshalPublicKeyPEM(kp.PublicKey())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %d-bit key to %s\n", bits, out)
			_, err = cmd.OutOrStdout().Write(pub)
			return err
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "private key output file")
	cmd.Flags().IntVar(&bits, "bits", keys.DefaultBits, "key size in bits")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	return cmd
}
