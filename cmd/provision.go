package cmd

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	provisionSSID     string
	provisionPassword string
	provisionServer   string
)

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Store Wi-Fi credentials and the config server",
	Long: `Writes the same entries the captive portal writes, so the next run
starts a normal provisioning handshake.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.StoreWiFi(cmd.Context(), provisionSSID, provisionPassword); err != nil {
			return fmt.Errorf("failed to store wifi credentials: %w", err)
		}
		if provisionServer != "" {
			if err := st.StoreServerURL(cmd.Context(), provisionServer); err != nil {
				return fmt.Errorf("failed to store server url: %w", err)
			}
		}

		logger.WithFields(logrus.Fields{
			"ssid":       provisionSSID,
			"server_url": provisionServer,
		}).Info("Provisioning stored")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(provisionCmd)

	provisionCmd.Flags().StringVar(&provisionSSID, "ssid", "", "Wi-Fi network name")
	provisionCmd.Flags().StringVar(&provisionPassword, "password", "", "Wi-Fi password")
	provisionCmd.Flags().StringVar(&provisionServer, "server", "", "provisioning service base URL")
	provisionCmd.MarkFlagRequired("ssid")
}
