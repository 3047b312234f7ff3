package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tiflis-io/tiflis-hub/internal/auth"
	"github.com/tiflis-io/tiflis-hub/internal/config"
)

func newTokenCmd() *cobra.Command {
	var cfgPath string
	var deviceID string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a device token signed with the hub's shared secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if cfg.Auth.Mode != "secret" {
				return fmt.Errorf("token minting requires auth.mode secret, hub is configured for %q", cfg.Auth.Mode)
			}

			token, err := auth.NewDeviceToken(cfg.Auth.Secret, deviceID, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}

	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&deviceID, "device", "", "device id the token is bound to")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (0 means no expiry)")
	_ = cmd.MarkFlagRequired("device")

	return cmd
}
