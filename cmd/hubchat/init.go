package main

import (
	"fmt"

	"github.com/spf13/cobra"

	hubchat "github.com/innovision/productivityhub/sdk/golang"
)

var initBaseURL string

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "Workspace base URL (default "+hubchat.DefaultBaseURL+")")
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store a bearer token in ~/.hubchat/config.toml",
	Long:  "Initialize hubchat by storing your workspace bearer token. When the token is a JWT its name claim becomes the sender name.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = token
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}
		if cfg.Default.BaseURL == "" {
			cfg.Default.BaseURL = hubchat.DefaultBaseURL
		}

		if info, err := hubchat.InspectToken(token); err == nil {
			if name := info.DisplayName(); name != "" && cfg.Auth.UserName == "" {
				cfg.Auth.UserName = name
			}
			if !info.ExpiresAt.IsZero() {
				fmt.Printf("Token expires %s\n", info.ExpiresAt.Format("2006-01-02 15:04:05 MST"))
			}
		} else {
			logger.Debug().Err(err).Msg("token is not a JWT, storing as is")
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		if cfg.Auth.UserName == "" {
			fmt.Println("Set your display name with 'hubchat config set auth.user_name <name>'.")
		}
		return nil
	},
}
