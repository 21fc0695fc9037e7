package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radsync/pkg/radius"
	"github.com/codelaboratoryltd/radsync/pkg/store"
	"github.com/codelaboratoryltd/radsync/pkg/subscription"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLogger(cmd, func(ctx context.Context, logger *zap.Logger) error {
			if dbDialect == "memory" {
				return fmt.Errorf("nothing to migrate for the memory dialect")
			}
			cfg := store.DefaultConfig()
			cfg.Dialect = store.Dialect(dbDialect)
			cfg.DSN = dbDSN
			if dbDSNFile != "" {
				data, err := os.ReadFile(dbDSNFile)
				if err != nil {
					return fmt.Errorf("failed to read --db-dsn-file: %w", err)
				}
				cfg.DSN = strings.TrimSpace(string(data))
			}
			db, err := store.Open(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()
			return db.Migrate(ctx)
		})
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit trail maintenance",
}

var auditPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete audit events past their retention",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLogger(cmd, func(ctx context.Context, logger *zap.Logger) error {
			a, err := buildApp(ctx, logger, false)
			if err != nil {
				return err
			}
			defer a.Close()

			deleted, err := a.audit.Purge(ctx)
			if err != nil {
				return fmt.Errorf("failed to purge audit events: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d expired audit events\n", deleted)
			return nil
		})
	},
}

var sweepOnce bool

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run the lifecycle sweeps",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLogger(cmd, func(ctx context.Context, logger *zap.Logger) error {
			a, err := buildApp(ctx, logger, true)
			if err != nil {
				return err
			}
			defer a.Close()

			for {
				failed := 0
				for _, r := range a.scheduler.RunOnce(ctx) {
					fmt.Printf("%-14s processed=%d failed=%d duration=%s\n", r.Sweep, r.Processed, r.Failed, r.Duration.Round(time.Millisecond))
					failed += r.Failed
				}
				if sweepOnce {
					if failed > 0 {
						return fmt.Errorf("%d sweep items failed", failed)
					}
					return nil
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(sweepInterval):
				}
			}
		})
	},
}

var (
	disconnectReason string
	disconnectNAS    string
	disconnectID     string
)

var disconnectCmd = &cobra.Command{
	Use:   "disconnect <username>",
	Short: "Drop the live sessions of a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLogger(cmd, func(ctx context.Context, logger *zap.Logger) error {
			a, err := buildApp(ctx, logger, false)
			if err != nil {
				return err
			}
			defer a.Close()

			username := args[0]
			if disconnectID != "" {
				res := a.dispatcher.Disconnect(ctx, disconnectID, disconnectNAS, username, disconnectReason)
				printDisconnect(res.Success, res.Channel, len(res.Attempts))
				if !res.Success {
					return fmt.Errorf("session %s not disconnected", disconnectID)
				}
				return nil
			}

			sessions, err := a.accounting.ActiveSessions(ctx, username)
			if err != nil {
				return err
			}
			batch := a.dispatcher.DisconnectAll(ctx, sessions, disconnectReason)
			for _, res := range batch.Results {
				fmt.Printf("%s@%s: ", res.Target.SessionID, res.Target.NASAddress)
				printDisconnect(res.Success, res.Channel, len(res.Attempts))
			}
			fmt.Printf("%d/%d disconnected (%.0f%%)\n", batch.Succeeded, batch.Total, batch.SuccessRate())
			if batch.Failed > 0 {
				return fmt.Errorf("%d sessions not disconnected", batch.Failed)
			}
			return nil
		})
	},
}

func printDisconnect(ok bool, channel string, attempts int) {
	if ok {
		fmt.Printf("disconnected via %s after %d attempts\n", channel, attempts)
		return
	}
	fmt.Printf("failed after %d attempts\n", attempts)
}

var (
	probeServer string
	probeSecret string
)

var probeCmd = &cobra.Command{
	Use:   "probe <username> <password>",
	Short: "Send an Access-Request and show what the RADIUS server decides",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLogger(cmd, func(ctx context.Context, logger *zap.Logger) error {
			host, port := probeServer, 1812
			if i := strings.LastIndex(probeServer, ":"); i > 0 {
				host = probeServer[:i]
				if _, err := fmt.Sscanf(probeServer[i+1:], "%d", &port); err != nil {
					return fmt.Errorf("invalid --server port: %w", err)
				}
			}
			prober, err := radius.NewProber(radius.ProberConfig{
				Servers: []radius.ServerConfig{{Host: host, Port: port, Secret: probeSecret}},
			}, logger)
			if err != nil {
				return err
			}
			res, err := prober.Probe(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			decision := "reject"
			if res.Accepted {
				decision = "accept"
			}
			fmt.Printf("%s from %s", decision, res.Server)
			if res.ReplyMessage != "" {
				fmt.Printf(": %s", res.ReplyMessage)
			}
			if res.SessionTimeout > 0 {
				fmt.Printf(" (session timeout %ds)", res.SessionTimeout)
			}
			fmt.Println()
			return nil
		})
	},
}

var subscriptionCmd = &cobra.Command{
	Use:     "subscription",
	Aliases: []string{"sub"},
	Short:   "Manage subscriptions",
}

var (
	createCustomer  string
	createPackage   string
	createRenewal   string
	createAutoRenew bool
	createActivate  bool
	transitionNote  string
	renewPackage    string
)

func init() {
	disconnectCmd.Flags().StringVar(&disconnectReason, "reason", "Admin-Reset",
		"Terminate cause recorded on the accounting row")
	disconnectCmd.Flags().StringVar(&disconnectNAS, "nas", "",
		"NAS address of a single session (with --session-id)")
	disconnectCmd.Flags().StringVar(&disconnectID, "session-id", "",
		"Acct-Session-Id of a single session")

	sweepCmd.Flags().BoolVar(&sweepOnce, "once", false,
		"Run one round and exit")
	sweepCmd.Flags().DurationVar(&sweepInterval, "interval", time.Minute,
		"Interval between rounds")
	sweepCmd.Flags().DurationVar(&renewLookahead, "renew-lookahead", 24*time.Hour,
		"Longest lead before expiry at which auto-renewal reserves the next period")

	probeCmd.Flags().StringVar(&probeServer, "server", "127.0.0.1:1812",
		"RADIUS server host:port")
	probeCmd.Flags().StringVar(&probeSecret, "secret", "testing123",
		"RADIUS shared secret")

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a subscription",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, func(ctx context.Context, m *subscription.Manager) (*subscription.Subscription, error) {
				return m.Create(ctx, subscription.CreateRequest{
					CustomerID:       createCustomer,
					PackageID:        createPackage,
					RenewalPackageID: createRenewal,
					AutoRenew:        createAutoRenew,
					Activate:         createActivate,
				})
			})
		},
	}
	createCmd.Flags().StringVar(&createCustomer, "customer", "", "Customer ID")
	createCmd.Flags().StringVar(&createPackage, "package", "", "Package ID")
	createCmd.Flags().StringVar(&createRenewal, "renewal-package", "", "Package used for renewals")
	createCmd.Flags().BoolVar(&createAutoRenew, "auto-renew", false, "Renew automatically before expiry")
	createCmd.Flags().BoolVar(&createActivate, "activate", false, "Activate immediately")
	_ = createCmd.MarkFlagRequired("customer")
	_ = createCmd.MarkFlagRequired("package")

	renewCmd := transitionCmd("renew <id>", "Renew a subscription", func(ctx context.Context, m *subscription.Manager, id string) (*subscription.Subscription, error) {
		return m.Renew(ctx, id, renewPackage)
	})
	renewCmd.Flags().StringVar(&renewPackage, "package", "", "Renew onto another package")

	overrideCmd := &cobra.Command{
		Use:   "override-expiry <id> <RFC3339 time>",
		Short: "Set the expiry of a subscription",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := time.Parse(time.RFC3339, args[1])
			if err != nil {
				return fmt.Errorf("invalid time: %w", err)
			}
			actor := os.Getenv("USER")
			return withManager(cmd, func(ctx context.Context, m *subscription.Manager) (*subscription.Subscription, error) {
				return m.AdminOverrideExpiry(ctx, args[0], at, actor)
			})
		},
	}

	auditCmd.AddCommand(auditPurgeCmd)

	subscriptionCmd.AddCommand(
		createCmd,
		renewCmd,
		overrideCmd,
		transitionCmd("show <id>", "Show a subscription", func(ctx context.Context, m *subscription.Manager, id string) (*subscription.Subscription, error) {
			return m.Get(ctx, id)
		}),
		transitionCmd("activate <id>", "Activate a subscription", func(ctx context.Context, m *subscription.Manager, id string) (*subscription.Subscription, error) {
			return m.Activate(ctx, id)
		}),
		transitionCmd("suspend <id>", "Suspend a subscription", func(ctx context.Context, m *subscription.Manager, id string) (*subscription.Subscription, error) {
			return m.Suspend(ctx, id, transitionNote)
		}),
		transitionCmd("block <id>", "Block a subscription", func(ctx context.Context, m *subscription.Manager, id string) (*subscription.Subscription, error) {
			return m.Block(ctx, id, transitionNote)
		}),
		transitionCmd("unblock <id>", "Unblock a subscription", func(ctx context.Context, m *subscription.Manager, id string) (*subscription.Subscription, error) {
			return m.Unblock(ctx, id)
		}),
		transitionCmd("expire <id>", "Expire a subscription now", func(ctx context.Context, m *subscription.Manager, id string) (*subscription.Subscription, error) {
			return m.Expire(ctx, id)
		}),
		transitionCmd("cancel <id>", "Cancel a subscription", func(ctx context.Context, m *subscription.Manager, id string) (*subscription.Subscription, error) {
			return m.Cancel(ctx, id, transitionNote)
		}),
	)
	subscriptionCmd.PersistentFlags().StringVar(&transitionNote, "reason", "", "Reason shown to the user and kept in the audit trail")
}

func transitionCmd(use, short string, fn func(context.Context, *subscription.Manager, string) (*subscription.Subscription, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, func(ctx context.Context, m *subscription.Manager) (*subscription.Subscription, error) {
				return fn(ctx, m, args[0])
			})
		},
	}
}

func withManager(cmd *cobra.Command, fn func(context.Context, *subscription.Manager) (*subscription.Subscription, error)) error {
	return withLogger(cmd, func(ctx context.Context, logger *zap.Logger) error {
		a, err := buildApp(ctx, logger, true)
		if err != nil {
			return err
		}
		defer a.Close()

		sub, err := fn(ctx, a.manager)
		if sub != nil {
			printSubscription(sub)
		}
		return err
	})
}

func withLogger(cmd *cobra.Command, fn func(context.Context, *zap.Logger) error) error {
	logger, err := initLogger(logLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	if err := loadConfigFile(cmd, logger); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return fn(ctx, logger)
}

func printSubscription(sub *subscription.Subscription) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID\t%s\n", sub.ID)
	fmt.Fprintf(w, "Username\t%s\n", sub.Username)
	fmt.Fprintf(w, "Package\t%s\n", sub.PackageID)
	fmt.Fprintf(w, "Status\t%s\n", sub.Status)
	if sub.StatusReason != "" {
		fmt.Fprintf(w, "Reason\t%s\n", sub.StatusReason)
	}
	fmt.Fprintf(w, "Starts\t%s\n", sub.StartsAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Expires\t%s\n", sub.ExpiresAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Data used\t%d bytes\n", sub.DataUsed)
	fmt.Fprintf(w, "Auto-renew\t%t\n", sub.AutoRenew)
	if sub.RenewedToID != "" {
		fmt.Fprintf(w, "Renewed to\t%s\n", sub.RenewedToID)
	}
	for _, n := range sub.Notes {
		fmt.Fprintf(w, "Note\t%s\n", n)
	}
	w.Flush()
}
