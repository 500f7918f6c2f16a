package main

import (
	"context"
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/foxzi/groupsend/internal/app"
	"github.com/foxzi/groupsend/internal/config"
)

var (
	cfgFile   string
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "groupsend",
	Short: "groupsend - bulk WhatsApp group messaging",
	Long:  `groupsend sends one message, optionally with an image, to many WhatsApp groups now or at a scheduled time.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dispatch server",
	Long:  `Start the HTTP API, the chat session and the scheduler.`,
	RunE:  runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

var configHashKeyCmd = &cobra.Command{
	Use:   "hash-key",
	Short: "Hash an API key for api.api_key_hash",
	Long:  `Read an API key from the terminal and print its bcrypt hash for use as api.api_key_hash.`,
	RunE:  runConfigHashKey,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("groupsend version %s\n", version)
		if commit != "unknown" {
			fmt.Printf("  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Printf("  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")

	configCmd.AddCommand(configValidateCmd, configHashKeyCmd)
	rootCmd.AddCommand(serveCmd, configCmd, versionCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	application, err := app.New(cfg, version)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return application.Run(context.Background())
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  API: %s (tls: %v, auth: %v)\n", cfg.API.ListenAddr, cfg.API.TLS.Enabled(), cfg.API.HasAPIAuth())
	fmt.Printf("  Session store: %s\n", cfg.WhatsApp.StorePath)
	fmt.Printf("  Storage: %s\n", cfg.Storage.Path)
	fmt.Printf("  Send delay: %s\n", cfg.Dispatch.SendDelay)
	if cfg.Metrics.Enabled {
		fmt.Printf("  Metrics: %s%s\n", cfg.Metrics.ListenAddr, cfg.Metrics.Path)
	}
	if cfg.Notify.Enabled {
		fmt.Printf("  Notify: %s -> %v\n", cfg.Notify.SMTPAddr, cfg.Notify.To)
	}
	if cfg.Relay.Enabled {
		fmt.Printf("  Relay: exchange %s\n", cfg.Relay.Exchange)
	}

	return nil
}

func runConfigHashKey(cmd *cobra.Command, args []string) error {
	fmt.Print("Enter API key: ")
	key, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return fmt.Errorf("failed to read key: %w", err)
	}
	fmt.Println()

	fmt.Print("Confirm API key: ")
	confirm, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return fmt.Errorf("failed to read key: %w", err)
	}
	fmt.Println()

	if string(key) != string(confirm) {
		return fmt.Errorf("keys do not match")
	}

	hash, err := hashKey(string(key))
	if err != nil {
		return err
	}

	fmt.Println(hash)
	return nil
}

func hashKey(key string) (string, error) {
	if len(key) < 16 {
		return "", fmt.Errorf("API key must be at least 16 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash key: %w", err)
	}
	return string(hash), nil
}
