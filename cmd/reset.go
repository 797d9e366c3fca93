package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var resetForceProvisioning bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Erase the identity store",
	Long: `Erases every stored namespace. With --force-provisioning the store is
kept and the next run surfaces need-provisioning instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		if resetForceProvisioning {
			if err := st.SetProvisioningForced(cmd.Context()); err != nil {
				return fmt.Errorf("failed to arm reprovision: %w", err)
			}
			logger.Info("Reprovision armed for next run")
			return nil
		}

		if err := st.FactoryReset(cmd.Context()); err != nil {
			return fmt.Errorf("factory reset failed: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(resetCmd)
	resetCmd.Flags().BoolVar(&resetForceProvisioning, "force-provisioning", false, "arm the one-shot reprovision flag instead of erasing")
}
