package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "radsync",
	Short: "Subscription to RADIUS access lifecycle engine",
	Long: `radsync keeps billing subscriptions in line with the FreeRADIUS
check/reply/group tables, enforces time and data entitlements, drops live
sessions when access is revoked and tells customers what happened.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if envFile == "" {
			return nil
		}
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the scheduler and metrics server",
	RunE:  runRadsync,
}

var (
	configFile  string
	envFile     string
	logLevel    string
	metricsAddr string

	dbDialect string
	dbDSN     string
	dbDSNFile string

	sweepInterval  time.Duration
	renewLookahead time.Duration
	disableUsage   bool

	// Disconnect channels
	coaSecret       string
	coaSecretFile   string
	coaPort         int
	radclientPath   string
	routerUser      string
	routerPass      string
	routerPassFile  string
	routerPort      int
	routerInsecure  bool
	snmpCommunity   string
	snmpOIDPrefix   string
	disconnectBatch int

	// Notification channels
	smsURL          string
	smsToken        string
	smsTokenFile    string
	smsSender       string
	smtpHost        string
	smtpPort        int
	smtpUser        string
	smtpPass        string
	smtpPassFile    string
	smtpFrom        string
	smtpFromName    string
	telegramToken   string
	telegramTokFile string
	notifyFallback  string
	notifyDisabled  string
	ratePerMinute   int
	ratePerHour     int
	redisAddr       string
	redisPassword   string
	redisDB         int
	auditRetention  int
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/radsync/config.yaml",
		"Configuration file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env",
		"Environment file loaded before flags are resolved")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info",
		"Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&dbDialect, "db-dialect", "sqlite",
		"Database dialect: sqlite, postgres or memory")
	rootCmd.PersistentFlags().StringVar(&dbDSN, "db-dsn", "radsync.db",
		"Database DSN")
	rootCmd.PersistentFlags().StringVar(&dbDSNFile, "db-dsn-file", "",
		"Path to file containing the database DSN")

	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090",
		"Prometheus metrics listen address")
	runCmd.Flags().DurationVar(&sweepInterval, "sweep-interval", time.Minute,
		"Interval between lifecycle sweeps")
	runCmd.Flags().DurationVar(&renewLookahead, "renew-lookahead", 24*time.Hour,
		"Longest lead before expiry at which auto-renewal reserves the next period")
	runCmd.Flags().BoolVar(&disableUsage, "disable-usage-sweep", false,
		"Skip usage recomputation and quota enforcement")
	runCmd.Flags().IntVar(&auditRetention, "audit-retention-days", 90,
		"Default audit event retention")

	addDisconnectFlags(rootCmd.PersistentFlags())
	addNotifyFlags(runCmd.Flags())
	addNotifyFlags(sweepCmd.Flags())

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(disconnectCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(subscriptionCmd)
	rootCmd.AddCommand(auditCmd)
}

func addDisconnectFlags(fs *pflag.FlagSet) {
	fs.StringVar(&coaSecret, "coa-secret", "",
		"Shared secret for RFC 5176 Disconnect-Request (deprecated: use --coa-secret-file)")
	fs.StringVar(&coaSecretFile, "coa-secret-file", "",
		"Path to file containing the CoA shared secret")
	fs.IntVar(&coaPort, "coa-port", 3799,
		"NAS dynamic authorization port")
	fs.StringVar(&radclientPath, "radclient-path", "",
		"Path to an external radclient binary (enables the radclient channel)")
	fs.StringVar(&routerUser, "router-api-user", "",
		"Router REST API username (enables the router API channel)")
	fs.StringVar(&routerPass, "router-api-password", "",
		"Router REST API password (deprecated: use --router-api-password-file)")
	fs.StringVar(&routerPassFile, "router-api-password-file", "",
		"Path to file containing the router REST API password")
	fs.IntVar(&routerPort, "router-api-port", 0,
		"Router REST API port (default per scheme)")
	fs.BoolVar(&routerInsecure, "router-api-insecure", false,
		"Accept self-signed router certificates")
	fs.StringVar(&snmpCommunity, "snmp-community", "private",
		"SNMP write community")
	fs.StringVar(&snmpOIDPrefix, "snmp-oid-prefix", "",
		"SNMP OID whose username-indexed SET drops a session (enables the SNMP channel)")
	fs.IntVar(&disconnectBatch, "disconnect-batch-threshold", 10,
		"Batch size above which disconnects are paced")
}

func addNotifyFlags(fs *pflag.FlagSet) {
	fs.StringVar(&smsURL, "sms-url", "",
		"SMS gateway endpoint (enables the sms channel)")
	fs.StringVar(&smsToken, "sms-token", "",
		"SMS gateway bearer token (deprecated: use --sms-token-file)")
	fs.StringVar(&smsTokenFile, "sms-token-file", "",
		"Path to file containing the SMS gateway token")
	fs.StringVar(&smsSender, "sms-sender", "",
		"SMS sender ID")
	fs.StringVar(&smtpHost, "smtp-host", "",
		"SMTP server (enables the email channel)")
	fs.IntVar(&smtpPort, "smtp-port", 587,
		"SMTP port")
	fs.StringVar(&smtpUser, "smtp-user", "",
		"SMTP username")
	fs.StringVar(&smtpPass, "smtp-password", "",
		"SMTP password (deprecated: use --smtp-password-file)")
	fs.StringVar(&smtpPassFile, "smtp-password-file", "",
		"Path to file containing the SMTP password")
	fs.StringVar(&smtpFrom, "smtp-from", "",
		"Sender address")
	fs.StringVar(&smtpFromName, "smtp-from-name", "",
		"Sender display name")
	fs.StringVar(&telegramToken, "telegram-token", "",
		"Telegram bot token (deprecated: use --telegram-token-file)")
	fs.StringVar(&telegramTokFile, "telegram-token-file", "",
		"Path to file containing the Telegram bot token (enables the message channel)")
	fs.StringVar(&notifyFallback, "notify-fallback", "email",
		"Channel tried once when every primary channel fails")
	fs.StringVar(&notifyDisabled, "notify-disabled", "",
		"Channels never used (comma-separated: sms,email,message)")
	fs.IntVar(&ratePerMinute, "notify-rate-per-minute", 2,
		"Notices per recipient per minute (0 disables)")
	fs.IntVar(&ratePerHour, "notify-rate-per-hour", 10,
		"Notices per recipient per hour (0 disables)")
	fs.StringVar(&redisAddr, "redis-addr", "",
		"Redis address for the shared notification rate limiter")
	fs.StringVar(&redisPassword, "redis-password", "",
		"Redis password")
	fs.IntVar(&redisDB, "redis-db", 0,
		"Redis database")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("radsync version %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
	},
}

func runRadsync(cmd *cobra.Command, args []string) error {
	logger, err := initLogger(logLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	// CLI flags that were explicitly set take precedence.
	if err := loadConfigFile(cmd, logger); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger.Info("Starting radsync",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("db_dialect", dbDialect),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := buildApp(ctx, logger, true)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.metrics.Register(); err != nil {
		logger.Warn("Failed to register metrics", zap.Error(err))
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", app.metrics.Handler())
	mux.HandleFunc("/health", app.healthHandler)
	server := &http.Server{
		Addr:              metricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Starting metrics server", zap.String("addr", metricsAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		app.metrics.StartCollector(gctx, 15*time.Second)
		return nil
	})

	app.scheduler.Start(gctx)
	logger.Info("radsync started",
		zap.Strings("disconnect_channels", app.dispatcher.Channels()),
		zap.Duration("sweep_interval", sweepInterval),
		zap.String("metrics", metricsAddr),
	)

	err = g.Wait()
	app.scheduler.Stop()
	app.notifier.Wait()

	logger.Info("radsync stopped")
	return err
}

func initLogger(level string) (*zap.Logger, error) {
	var zapLevel zap.AtomicLevel
	switch level {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	config := zap.NewProductionConfig()
	config.Level = zapLevel
	config.Encoding = "json"

	return config.Build()
}

// loadConfigFile applies RADSYNC_* environment variables and then the YAML
// config file to flags that were not set on the command line. The
// environment wins over the file.
func loadConfigFile(cmd *cobra.Command, logger *zap.Logger) error {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if cmd.Flags().Changed(f.Name) {
			return
		}
		if val, ok := os.LookupEnv(envName(f.Name)); ok {
			if err := cmd.Flags().Set(f.Name, val); err != nil {
				logger.Warn("Failed to set value from environment",
					zap.String("env", envName(f.Name)),
					zap.Error(err),
				)
			}
		}
	})

	data, err := os.ReadFile(configFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg map[string]string
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", configFile, err)
	}

	logger.Info("Loaded config file", zap.String("path", configFile), zap.Int("keys", len(cfg)))

	for key, val := range cfg {
		f := cmd.Flags().Lookup(key)
		if f == nil {
			logger.Warn("Unknown config key, skipping", zap.String("key", key))
			continue
		}
		if cmd.Flags().Changed(key) {
			continue
		}
		if err := cmd.Flags().Set(key, val); err != nil {
			logger.Warn("Failed to set config value",
				zap.String("key", key),
				zap.String("value", val),
				zap.Error(err),
			)
		}
	}

	return nil
}

// envName maps a flag name to its environment variable, e.g. db-dsn to
// RADSYNC_DB_DSN.
func envName(flag string) string {
	return "RADSYNC_" + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

// resolveSecret reads a secret from a file if the file flag is set,
// falling back to the direct string flag. When the direct flag is used,
// a deprecation warning is logged because CLI arguments are visible in
// process listings (ps output).
func resolveSecret(direct, filePath, directFlag, fileFlag string, logger *zap.Logger) string {
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			logger.Error("Failed to read secret file",
				zap.String("flag", fileFlag),
				zap.String("path", filePath),
				zap.Error(err),
			)
			return ""
		}
		secret := strings.TrimSpace(string(data))
		if direct != "" {
			logger.Warn("Both --"+directFlag+" and --"+fileFlag+" set; using file",
				zap.String("file", filePath),
			)
		}
		return secret
	}
	if direct != "" {
		logger.Warn("--"+directFlag+" is deprecated: secret is visible in process listings. Use --"+fileFlag+" instead.",
			zap.String("flag", directFlag),
		)
	}
	return direct
}

func splitAndTrim(s string) []string {
	var result []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
