package cmd

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"southwinds.dev/fanvault"
	"southwinds.dev/fanvault/audit"
	"southwinds.dev/fanvault/persist"
)

var (
	cfgFile     string
	basePath    string
	passphrase  string
	store       persist.Store
	manifests   *fanvault.ManifestStore
	registry    *fanvault.KeyRegistry
	reconciler  *fanvault.Reconciler
	engine      *fanvault.Engine
	auditLogger audit.Logger
	cliContext  *CLIContext
)

type CLIContext struct {
	UserID    string
	SessionID string
	Source    string // hostname/IP
	StartTime time.Time
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "fanvault",
	Short: "Multi-recipient file encryption with key lifecycle management",
	Long: `Fanvault seals files into archives encrypted to up to four independent
keys at once; any single one of them can decrypt. It keeps a local key
registry with full lifecycle tracking, a per-vault manifest, and can
rebuild its bookkeeping from a bare archive plus one working key.`,
	PersistentPreRunE: initializeApp,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if registry != nil {
			return registry.Close()
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags - consistent with config file structure
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.fanvault.yaml)")
	rootCmd.PersistentFlags().StringVarP(&basePath, "base-path", "p", "", "path to fanvault storage")
	rootCmd.PersistentFlags().StringVar(&passphrase, "passphrase", "", "passphrase for the local identity (or use FANVAULT_PASSPHRASE env var)")
	rootCmd.PersistentFlags().String("store-type", "", "storage backend type (file, s3)")
	rootCmd.PersistentFlags().String("grace-window", "", "deactivation grace window (e.g. 720h)")
	rootCmd.PersistentFlags().String("actor", "", "actor recorded in lifecycle history")

	bindFlagOrPanic("fanvault.path", "base-path")
	bindFlagOrPanic("fanvault.passphrase", "passphrase")
	bindFlagOrPanic("fanvault.store_type", "store-type")
	bindFlagOrPanic("fanvault.grace_window", "grace-window")
	bindFlagOrPanic("fanvault.actor", "actor")

	// Audit flags
	rootCmd.PersistentFlags().Bool("audit", false, "enable audit logging")
	rootCmd.PersistentFlags().String("audit-type", "", "audit logger type (file, syslog)")
	rootCmd.PersistentFlags().String("audit-file", "", "audit log file path")

	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.type", "audit-type")
	bindFlagOrPanic("audit.options.file_path", "audit-file")

	// S3 flags (for direct CLI usage)
	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3 endpoint URL")
	rootCmd.PersistentFlags().String("s3-region", "", "S3 region")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket name")
	rootCmd.PersistentFlags().String("s3-prefix", "", "S3 key prefix")
	rootCmd.PersistentFlags().String("s3-access-key", "", "S3 access key ID")
	rootCmd.PersistentFlags().String("s3-secret-key", "", "S3 secret access key")
	rootCmd.PersistentFlags().Bool("s3-use-ssl", true, "Use SSL for S3 connections")

	bindFlagOrPanic("fanvault.s3.endpoint", "s3-endpoint")
	bindFlagOrPanic("fanvault.s3.region", "s3-region")
	bindFlagOrPanic("fanvault.s3.bucket", "s3-bucket")
	bindFlagOrPanic("fanvault.s3.prefix", "s3-prefix")
	bindFlagOrPanic("fanvault.s3.access_key_id", "s3-access-key")
	bindFlagOrPanic("fanvault.s3.secret_access_key", "s3-secret-key")
	bindFlagOrPanic("fanvault.s3.use_ssl", "s3-use-ssl")
}

func bindFlagOrPanic(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/fanvault")

		viper.SetConfigType("yaml")
		viper.SetConfigName(".fanvault")
	}

	viper.SetEnvPrefix("FANVAULT")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file found but error reading it
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	} else {
		if os.Getenv("DEBUG") == "true" {
			fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
		}
	}
}

func setDefaults() {
	viper.SetDefault("fanvault.path", ".fanvault")
	viper.SetDefault("fanvault.store_type", "file")

	// S3 defaults
	viper.SetDefault("fanvault.s3.region", "us-east-1")
	viper.SetDefault("fanvault.s3.prefix", "fanvault/")
	viper.SetDefault("fanvault.s3.use_ssl", true)

	// Audit defaults
	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.type", "file")
	viper.SetDefault("audit.options.max_size", 100)
	viper.SetDefault("audit.options.max_backups", 5)
	viper.SetDefault("audit.log_level", "info")

	// Set audit file path based on base path - will be updated in initializeApp
	viper.SetDefault("audit.options.file_path", "audit.log")
}

func initializeApp(cmd *cobra.Command, args []string) error {
	// Skip initialization for help and completion commands
	if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "__complete" || cmd.Name() == "config" {
		return nil
	}

	basePath = viper.GetString("fanvault.path")

	// Set audit file path relative to base path if not explicitly set
	if viper.GetString("audit.options.file_path") == "audit.log" {
		viper.Set("audit.options.file_path", filepath.Join(basePath, "audit.log"))
	}

	passphrase = viper.GetString("fanvault.passphrase")
	if passphrase == "" {
		passphrase = os.Getenv("FANVAULT_PASSPHRASE")
	}

	if err := os.MkdirAll(basePath, 0700); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}

	cliContext = &CLIContext{
		UserID:    getCurrentUser(),
		SessionID: generateSessionID(),
		Source:    getHostname(),
		StartTime: time.Now(),
	}

	var err error
	auditLogger, err = createAuditLogger()
	if err != nil {
		return fmt.Errorf("failed to create audit logger: %w", err)
	}

	store, err = createStore(viper.GetString("fanvault.store_type"))
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}

	opts := fanvault.Options{Actor: viper.GetString("fanvault.actor")}
	if opts.Actor == "" {
		opts.Actor = cliContext.UserID
	}
	if gw := viper.GetString("fanvault.grace_window"); gw != "" {
		d, err := time.ParseDuration(gw)
		if err != nil {
			return fmt.Errorf("invalid grace window %q: %w", gw, err)
		}
		opts.GraceWindow = d
	}

	manifests = fanvault.NewManifestStore(store)

	registry, err = fanvault.NewKeyRegistry(store, manifests, nil, auditLogger, opts)
	if err != nil {
		return fmt.Errorf("failed to open key registry: %w", err)
	}

	reconciler, err = fanvault.NewReconciler(registry, manifests, auditLogger)
	if err != nil {
		return fmt.Errorf("failed to create reconciler: %w", err)
	}

	engine, err = fanvault.NewEngine(registry, manifests, nil, reconciler, auditLogger)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	return nil
}

// requireIdentity derives the local passphrase identity and resolves its
// registry entry when one exists. Commands that touch ciphertext call it;
// registry-only commands do not need a passphrase.
func requireIdentity(label string) (*fanvault.Identity, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("a passphrase is required. Use --passphrase or the FANVAULT_PASSPHRASE environment variable")
	}

	identity, err := fanvault.NewPassphraseIdentity(store, passphrase, label)
	if err != nil {
		return nil, err
	}

	// Resolve the registry entry backing this public key, if any.
	listings, err := registry.List(cmdContext(), fanvault.ListFilter{Scope: fanvault.FilterAll})
	if err != nil {
		return nil, err
	}
	for _, l := range listings {
		if l.Key.PublicKey == identity.PublicKey {
			identity.KeyID = l.Key.ID
			identity.Label = l.Key.Label
			break
		}
	}
	return identity, nil
}

func createAuditLogger() (audit.Logger, error) {
	return audit.NewLogger(&audit.Config{
		Enabled: viper.GetBool("audit.enabled"),
		Type:    audit.ConfigType(viper.GetString("audit.type")),
		Options: map[string]interface{}{
			"file_path":   viper.GetString("audit.options.file_path"),
			"max_size":    viper.GetInt("audit.options.max_size"),
			"max_backups": viper.GetInt("audit.options.max_backups"),
		},
		LogLevel: viper.GetString("audit.log_level"),
	})
}

func createStore(storeType string) (persist.Store, error) {
	switch strings.ToLower(storeType) {
	case "file":
		return persist.NewFileSystemStore(viper.GetString("fanvault.path"))

	case "s3":
		s3Config := persist.S3Config{
			Endpoint:        viper.GetString("fanvault.s3.endpoint"),
			AccessKeyID:     viper.GetString("fanvault.s3.access_key_id"),
			SecretAccessKey: viper.GetString("fanvault.s3.secret_access_key"),
			Bucket:          viper.GetString("fanvault.s3.bucket"),
			KeyPrefix:       viper.GetString("fanvault.s3.prefix"),
			UseSSL:          viper.GetBool("fanvault.s3.use_ssl"),
			Region:          viper.GetString("fanvault.s3.region"),
		}

		if err := validateS3Config(s3Config); err != nil {
			return nil, fmt.Errorf("invalid S3 configuration: %w", err)
		}

		return persist.NewS3Store(s3Config)

	default:
		return nil, fmt.Errorf("unsupported store type: %s. Supported types: file, s3", storeType)
	}
}

func validateS3Config(config persist.S3Config) error {
	var missing []string

	if config.Bucket == "" {
		missing = append(missing, "fanvault.s3.bucket")
	}
	if config.Region == "" {
		missing = append(missing, "fanvault.s3.region")
	}

	hasAccessKey := config.AccessKeyID != ""
	hasSecretKey := config.SecretAccessKey != ""

	if hasAccessKey && !hasSecretKey {
		missing = append(missing, "fanvault.s3.secret_access_key")
	}
	if !hasAccessKey && hasSecretKey {
		missing = append(missing, "fanvault.s3.access_key_id")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	return nil
}

// getStoreConfigSummary returns a summary of the current store configuration (for logging/debugging)
func getStoreConfigSummary(storeType string) string {
	switch strings.ToLower(storeType) {
	case "file":
		return fmt.Sprintf("File store: path=%s", viper.GetString("fanvault.path"))
	case "s3":
		return fmt.Sprintf("S3 store: bucket=%s, region=%s, prefix=%s",
			viper.GetString("fanvault.s3.bucket"),
			viper.GetString("fanvault.s3.region"),
			viper.GetString("fanvault.s3.prefix"))
	default:
		return fmt.Sprintf("Unknown store type: %s", storeType)
	}
}

// Helper function to check if a flag name is sensitive (for logging purposes)
func isSensitiveFlag(name string) bool {
	sensitive := []string{"passphrase", "password", "secret", "key", "token"}
	lower := strings.ToLower(name)
	for _, s := range sensitive {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// getCurrentUser retrieves the username of the currently logged-in user.
// It returns "unknown_user" if the user cannot be determined.
func getCurrentUser() string {
	currentUser, err := user.Current()
	if err != nil {
		// This can happen in restricted environments (e.g. scratch Docker
		// images without /etc/passwd).
		envUser := os.Getenv("USER")
		if envUser != "" {
			return envUser
		}
		return "unknown_user"
	}
	return currentUser.Username
}

// generateSessionID creates a new unique session identifier.
// Uses UUID v4.
func generateSessionID() string {
	id := uuid.New()
	return id.String()
}

// getHostname retrieves the hostname of the machine.
// It returns "unknown_host" if the hostname cannot be determined.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		log.Printf("Warning: could not get hostname: %v. Falling back to 'unknown_host'.", err)
		return "unknown_host"
	}
	return hostname
}

// Debug command to show current configuration
var debugConfigCmd = &cobra.Command{
	Use:   "debug-config",
	Short: "Show current configuration values",
	Long:  "Display the current configuration values read from files, environment variables, and defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("Configuration Debug Information\n")
		fmt.Printf("==============================\n\n")

		if viper.ConfigFileUsed() != "" {
			fmt.Printf("Config file: %s\n", viper.ConfigFileUsed())
		} else {
			fmt.Printf("Config file: none found\n")
		}

		fmt.Printf("\nEnvironment Variables (FANVAULT_* prefix):\n")
		for _, env := range os.Environ() {
			if strings.HasPrefix(env, "FANVAULT_") {
				parts := strings.SplitN(env, "=", 2)
				if len(parts) == 2 {
					if isSensitiveFlag(parts[0]) {
						fmt.Printf("  %s=***REDACTED***\n", parts[0])
					} else {
						fmt.Printf("  %s=%s\n", parts[0], parts[1])
					}
				}
			}
		}

		fmt.Printf("\nCurrent Configuration:\n")
		fmt.Printf("  Store Type: %s\n", viper.GetString("fanvault.store_type"))
		fmt.Printf("  Base Path: %s\n", viper.GetString("fanvault.path"))
		fmt.Printf("  Grace Window: %s\n", viper.GetString("fanvault.grace_window"))
		fmt.Printf("  Passphrase: %s\n", func() string {
			if viper.GetString("fanvault.passphrase") != "" {
				return "***SET***"
			}
			return "***NOT SET***"
		}())

		fmt.Printf("\nAudit Configuration:\n")
		fmt.Printf("  Enabled: %v\n", viper.GetBool("audit.enabled"))
		fmt.Printf("  Type: %s\n", viper.GetString("audit.type"))
		fmt.Printf("  File Path: %s\n", viper.GetString("audit.options.file_path"))

		storeType := viper.GetString("fanvault.store_type")
		if strings.ToLower(storeType) == "s3" {
			fmt.Printf("\nS3 Configuration:\n")
			fmt.Printf("  Endpoint: %s\n", viper.GetString("fanvault.s3.endpoint"))
			fmt.Printf("  Region: %s\n", viper.GetString("fanvault.s3.region"))
			fmt.Printf("  Bucket: %s\n", viper.GetString("fanvault.s3.bucket"))
			fmt.Printf("  Prefix: %s\n", viper.GetString("fanvault.s3.prefix"))
			fmt.Printf("  Use SSL: %v\n", viper.GetBool("fanvault.s3.use_ssl"))
			fmt.Printf("  Access Key: %s\n", func() string {
				if viper.GetString("fanvault.s3.access_key_id") != "" {
					return "***SET***"
				}
				return "***NOT SET***"
			}())
			fmt.Printf("  Secret Key: %s\n", func() string {
				if viper.GetString("fanvault.s3.secret_access_key") != "" {
					return "***SET***"
				}
				return "***NOT SET***"
			}())
		}

		fmt.Printf("\nStore Configuration Summary:\n")
		fmt.Printf("  %s\n", getStoreConfigSummary(storeType))

		return nil
	},
}

func init() {
	rootCmd.AddCommand(debugConfigCmd)
}

func auditCmdStart(cmd *cobra.Command, args []string) time.Time {
	now := time.Now()
	err := auditLogger.Log("command_start", true, map[string]interface{}{
		"command":    cmd.CommandPath(),
		"args":       sanitizeArgs(args),
		"flags":      sanitizeFlags(cmd),
		"actor":      cliContext.UserID,
		"session_id": cliContext.SessionID,
		"source":     cliContext.Source,
	})
	if err != nil {
		log.Printf("ERROR: %v\n", err)
	}
	return now
}

func auditCmdComplete(cmd *cobra.Command, err error, startedTime time.Time) error {
	if auditLogger != nil {
		auditLogger.Log("command_complete", err == nil, map[string]interface{}{
			"command":     cmd.CommandPath(),
			"duration_ms": time.Since(startedTime).Milliseconds(),
			"success":     err == nil,
			"error":       formatError(err),
			"actor":       cliContext.UserID,
			"session_id":  cliContext.SessionID,
		})
	}
	return err
}

func formatError(err error) string {
	if err == nil {
		return ""
	}

	var messages []string

	// Unwrap the error chain and collect all messages
	for err != nil {
		messages = append(messages, err.Error())
		err = errors.Unwrap(err)
	}

	// If we have multiple errors in the chain, show the hierarchy
	if len(messages) > 1 {
		// Remove duplicates that might occur from unwrapping
		uniqueMessages := make([]string, 0, len(messages))
		seen := make(map[string]bool)

		for _, msg := range messages {
			if !seen[msg] {
				uniqueMessages = append(uniqueMessages, msg)
				seen[msg] = true
			}
		}

		if len(uniqueMessages) > 1 {
			return fmt.Sprintf("Error: %s (caused by: %s)",
				uniqueMessages[0],
				strings.Join(uniqueMessages[1:], " -> "))
		}
	}

	// Single error or all messages were the same
	message := messages[0]

	// Basic formatting
	if len(message) > 0 {
		first := string(message[0])
		if first != strings.ToUpper(first) {
			message = strings.ToUpper(first) + message[1:]
		}
	}

	return fmt.Sprintf("Error: %s", message)
}

func sanitizeFlags(cmd *cobra.Command) map[string]interface{} {
	flags := make(map[string]interface{})
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if flag.Changed {
			if isSensitiveFlag(flag.Name) {
				flags[flag.Name] = "[REDACTED]"
			} else {
				flags[flag.Name] = flag.Value.String()
			}
		}
	})
	return flags
}

func sanitizeArgs(args []string) []string {
	sanitized := make([]string, len(args))
	copy(sanitized, args)
	return sanitized
}
