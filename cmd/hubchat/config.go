package main

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

var configShowEffective bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)

	configShowCmd.Flags().BoolVar(&configShowEffective, "effective", false, "Show the configuration after HUBCHAT_* overrides, token masked")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage hubchat configuration",
	Long:  "View or modify the hubchat CLI configuration stored in ~/.hubchat/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if configShowEffective {
			cfg, err := loadEffectiveConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cfg.Auth.Token != "" {
				cfg.Auth.Token = maskKey(cfg.Auth.Token)
			}
			data, err := toml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("cannot marshal config: %w", err)
			}
			fmt.Print(string(data))
			return nil
		}

		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Println("No configuration file found. Run 'hubchat init <token>' to create one.")
				return nil
			}
			return fmt.Errorf("cannot read config file: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: hubchat config set default.base_url https://hub.example.com",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if key == "auth.token" {
			value = maskKey(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
