package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Prismer-AI/threadsync"
)

var initUserID string

func init() {
	initCmd.Flags().StringVar(&initUserID, "user-id", "", "user id for opaque (non-JWT) tokens")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store the session token in ~/.threadsync/config.toml",
	Long:  "Initialize the threadsync CLI by storing your session token in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}

		cfg.Auth.Token = token
		cfg.Auth.UserID = initUserID
		if cfg.Auth.UserID == "" {
			cfg.Auth.UserID = threadsync.NewTokenAuth(token).CurrentUserID()
		}
		if cfg.Default.Environment == "" {
			cfg.Default.Environment = string(threadsync.Production)
		}

		if err := saveConfig(cfg); err != nil {
			return errors.Wrap(err, "failed to save config")
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		if cfg.Auth.UserID == "" {
			fmt.Println("No user id found in the token. Set one with 'threadsync config set auth.user_id <id>'.")
		}
		return nil
	},
}
