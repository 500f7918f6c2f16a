package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	initOutput    string
	initAPIKey    string
	initDataDir   string
	initTimezone  string
	initACME      bool
	initACMEHost  string
	initACMEEmail string
	initForce     bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize groupsend configuration",
	Long: `Interactive wizard to create a groupsend configuration file.

Examples:
  # Interactive mode - prompts for missing values
  groupsend init

  # Serve HTTPS with Let's Encrypt
  groupsend init --acme --acme-host send.example.com --acme-email ops@example.com

  # Quick local setup
  groupsend init --data-dir ./data -o local.yaml`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "config.yaml", "Output configuration file path")
	initCmd.Flags().StringVar(&initAPIKey, "api-key", "", "API key (auto-generated if not provided)")
	initCmd.Flags().StringVar(&initDataDir, "data-dir", "/var/lib/groupsend", "Data directory for the session and schedule stores")
	initCmd.Flags().StringVar(&initTimezone, "timezone", "", "Zone for schedule times without an offset (default: local)")
	initCmd.Flags().BoolVar(&initACME, "acme", false, "Enable Let's Encrypt TLS for the API")
	initCmd.Flags().StringVar(&initACMEHost, "acme-host", "", "Public hostname of the API")
	initCmd.Flags().StringVar(&initACMEEmail, "acme-email", "", "Email for Let's Encrypt account")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config file")

	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("groupsend Configuration Wizard")
	fmt.Println("==============================")
	fmt.Println()

	initDataDir = prompt(reader, "Data directory", initDataDir)

	if initTimezone == "" {
		initTimezone = prompt(reader, "Schedule timezone (empty for local)", "")
	}
	if initTimezone != "" {
		if _, err := time.LoadLocation(initTimezone); err != nil {
			return fmt.Errorf("unknown timezone %q: %w", initTimezone, err)
		}
	}

	if !initACME {
		answer := prompt(reader, "Enable Let's Encrypt TLS? [y/N]", "n")
		initACME = strings.ToLower(answer) == "y" || strings.ToLower(answer) == "yes"
	}
	if initACME {
		if initACMEHost == "" {
			initACMEHost = prompt(reader, "Public hostname", "")
			if initACMEHost == "" {
				return fmt.Errorf("hostname is required for Let's Encrypt")
			}
		}
		if initACMEEmail == "" {
			initACMEEmail = prompt(reader, "Email for Let's Encrypt", "")
		}
	}

	if initAPIKey == "" {
		initAPIKey = generateRandomString(32)
		fmt.Printf("  Generated API key: %s\n", initAPIKey)
	}

	if !initForce {
		if _, err := os.Stat(initOutput); err == nil {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", initOutput)
		}
	}

	fmt.Println()
	fmt.Println("Creating configuration...")

	if err := os.MkdirAll(initDataDir, 0700); err != nil {
		fmt.Printf("  Warning: Could not create data directory: %v\n", err)
	}

	if err := os.WriteFile(initOutput, []byte(generateConfig()), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("  Configuration saved to: %s\n", initOutput)
	fmt.Println()

	printNextSteps()
	return nil
}

func prompt(reader *bufio.Reader, question, defaultValue string) string {
	if defaultValue != "" {
		fmt.Printf("%s [%s]: ", question, defaultValue)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultValue
	}
	return input
}

func generateRandomString(length int) string {
	bytes := make([]byte, length/2)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

func generateConfig() string {
	tlsSection := `  # Uncomment to serve HTTPS with Let's Encrypt
  # tls:
  #   acme:
  #     enabled: true
  #     email: "ops@example.com"
  #     domains:
  #       - "send.example.com"
  #     cache_dir: "` + filepath.Join(initDataDir, "certs") + `"`
	if initACME {
		email := ""
		if initACMEEmail != "" {
			email = fmt.Sprintf("\n      email: %q", initACMEEmail)
		}
		tlsSection = fmt.Sprintf(`  tls:
    acme:
      enabled: true%s
      domains:
        - %q
      cache_dir: %q`, email, initACMEHost, filepath.Join(initDataDir, "certs"))
	}

	timezone := "# timezone: \"Europe/Berlin\""
	if initTimezone != "" {
		timezone = fmt.Sprintf("timezone: %q", initTimezone)
	}

	return fmt.Sprintf(`# groupsend configuration
# Generated by: groupsend init

api:
  listen_addr: ":5000"
  api_key: %q
  max_upload_bytes: 16777216  # 16MB
  cors_origins:
    - "*"
%s

whatsapp:
  store_path: %q
  reconnect_delay: 3s
  groups_cache_ttl: 1m

dispatch:
  send_delay: 1.2s
  %s

storage:
  path: %q

rate_limit:
  enabled: false
  per_recipient:
    messages_per_hour: 10
    messages_per_day: 50

logging:
  level: "info"
  format: "json"

metrics:
  enabled: false
  listen_addr: ":9090"
`,
		initAPIKey,
		tlsSection,
		filepath.Join(initDataDir, "whatsapp.db"),
		timezone,
		filepath.Join(initDataDir, "groupsend.db"),
	)
}

func printNextSteps() {
	scheme := "http"
	host := "localhost:5000"
	if initACME {
		scheme, host = "https", initACMEHost+":5000"
	}

	fmt.Println("Next Steps")
	fmt.Println("==========")
	fmt.Println()
	fmt.Println("1. Start the server:")
	fmt.Printf("   groupsend serve -c %s\n", initOutput)
	fmt.Println()
	fmt.Println("2. Pair the device by scanning the code returned by:")
	fmt.Printf("   curl -H \"Authorization: Bearer %s\" %s://%s/whatsapp-qr\n", initAPIKey, scheme, host)
	fmt.Println()
	fmt.Println("3. Send a test message:")
	fmt.Printf("   curl -X POST %s://%s/send-messages \\\n", scheme, host)
	fmt.Printf("     -H \"Authorization: Bearer %s\" \\\n", initAPIKey)
	fmt.Println("     -F message='Hello!' \\")
	fmt.Println("     -F recipients='[{\"group_id\":\"<id>@g.us\"}]'")
	fmt.Println()
	fmt.Println("Credentials")
	fmt.Println("-----------")
	fmt.Printf("API Key: %s\n", initAPIKey)
	fmt.Println()
}
