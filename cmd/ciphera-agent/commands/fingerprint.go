package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"ciphera/internal/crypto"
)

// fingerprintCmd prints the short fingerprint of the local identity key so
// peers can verify it out of band.
func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Show your identity key fingerprint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := appCtx.Identity.LoadIdentity(passphrase)
			if err != nil {
				return fmt.Errorf("loading identity: %w", err)
			}
			fmt.Println(crypto.Fingerprint(id.XPub[:]))
			return nil
		},
	}
}
