package main

import (
	"errors"
	"os"

	"github.com/MarcoPoloResearchLab/entitysync/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "entitysync-api",
		Short: "Entity synchronization and cache service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("allowed-origins", defaults.GetString("http.allowed_origins"), "Comma-separated CORS origins")
	cmd.PersistentFlags().String("signing-secret", "", "API token signing secret (overrides env)")
	cmd.PersistentFlags().String("storage-driver", defaults.GetString("storage.driver"), "Storage driver (sqlite, mysql, postgres, pebble)")
	cmd.PersistentFlags().String("storage-dsn", defaults.GetString("storage.dsn"), "Storage DSN, file path or directory")
	cmd.PersistentFlags().Int64("my-user-id", defaults.GetInt64("engine.my_user_id"), "Account user ID")
	cmd.PersistentFlags().Int("telegram-api-id", defaults.GetInt("telegram.api_id"), "Telegram API ID, 0 runs offline")
	cmd.PersistentFlags().String("telegram-api-hash", "", "Telegram API hash (overrides env)")
	cmd.PersistentFlags().String("telegram-session-path", defaults.GetString("telegram.session_path"), "Telegram session file")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "storage.driver", "storage-driver")
	bindFlag(cmd, "storage.dsn", "storage-dsn")
	bindFlag(cmd, "engine.my_user_id", "my-user-id")
	bindFlag(cmd, "telegram.api_id", "telegram-api-id")
	bindFlag(cmd, "telegram.api_hash", "telegram-api-hash")
	bindFlag(cmd, "telegram.session_path", "telegram-session-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
