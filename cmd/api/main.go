package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/mcclellann/loandesk/pkg/auth"
	"github.com/mcclellann/loandesk/pkg/config"
	"github.com/mcclellann/loandesk/pkg/ledger"
	"github.com/mcclellann/loandesk/pkg/models"
	"github.com/mcclellann/loandesk/pkg/payment"
	"github.com/mcclellann/loandesk/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "loandesk",
	Short:         "Loan origination, disbursement and EMI collection service",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a TOML config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(emiCmd)

	reconcileCmd.Flags().Duration("older-than", 0, "Only reconcile payments pending longer than this (default reconcile.stale_after)")

	tokenCmd.Flags().String("user", "", "User id to put in the token subject")
	tokenCmd.Flags().String("role", string(models.RoleUser), "Role: user or admin")
	tokenCmd.Flags().String("email", "", "Customer email")
	tokenCmd.Flags().String("phone", "", "Customer phone")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	_ = tokenCmd.MarkFlagRequired("user")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the background payment reconciliation",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		s, err := openStore(cmd.Context(), cfg.Database)
		if err != nil {
			return err
		}
		return s.Close()
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reconcile stale pending EMI payments once and exit",
	RunE:  runReconcile,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token for local testing",
	RunE:  runToken,
}

var emiCmd = &cobra.Command{
	Use:   "emi AMOUNT ANNUAL_RATE_PERCENT TENURE_MONTHS",
	Short: "Print the monthly installment for a loan",
	Args:  cobra.ExactArgs(3),
	RunE:  runEMI,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func openStore(ctx context.Context, db config.DatabaseConfig) (store.Storage, error) {
	switch db.Driver {
	case "postgres":
		return store.NewPostgresStore(ctx, db.DSN)
	case "sqlite3":
		return store.NewSQLiteStore(db.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", db.Driver)
	}
}

func newGateway(cfg config.GatewayConfig) *payment.CashfreeClient {
	return payment.NewCashfreeClient(payment.CashfreeConfig{
		BaseURL:      cfg.BaseURL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		APIVersion:   cfg.APIVersion,
		ReturnURL:    cfg.ReturnURL,
		NotifyURL:    cfg.NotifyURL,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
	})
}

func newServer(cfg config.Config, s store.Storage) *Server {
	return NewServer(s, newGateway(cfg.Gateway), auth.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer), payment.Options{
		Currency:       cfg.Gateway.Currency,
		GatewayTimeout: cfg.Gateway.Timeout,
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	storage, err := openStore(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer storage.Close()

	server := newServer(cfg, storage)
	handler := handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(
		handlers.CombinedLoggingHandler(os.Stdout, server.Router(cfg.Metrics.Enabled)),
	)

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	if cfg.Reconcile.Enabled {
		go func() {
			ticker := time.NewTicker(cfg.Reconcile.Interval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					settled, err := server.payments.ReconcilePending(ctx, cfg.Reconcile.StaleAfter)
					if err != nil && !errors.Is(err, context.Canceled) {
						log.Printf("Error running payment reconciliation: %v", err)
						continue
					}
					if settled > 0 {
						log.Printf("Payment reconciliation settled %d transactions.", settled)
					}
				}
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Server starting on %s", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Println("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Println("Server exited.")
	return nil
}

func runReconcile(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	olderThan, _ := cmd.Flags().GetDuration("older-than")
	if olderThan <= 0 {
		olderThan = cfg.Reconcile.StaleAfter
	}

	storage, err := openStore(cmd.Context(), cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer storage.Close()

	settled, err := newServer(cfg, storage).payments.ReconcilePending(cmd.Context(), olderThan)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Settled %d pending payments.\n", settled)
	return nil
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	user, _ := cmd.Flags().GetString("user")
	role, _ := cmd.Flags().GetString("role")
	email, _ := cmd.Flags().GetString("email")
	phone, _ := cmd.Flags().GetString("phone")
	ttl, _ := cmd.Flags().GetDuration("ttl")

	switch models.Role(role) {
	case models.RoleUser, models.RoleAdmin:
	default:
		return fmt.Errorf("role must be %q or %q", models.RoleUser, models.RoleAdmin)
	}

	token, err := auth.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer).Issue(models.Principal{
		UserID: user,
		Role:   models.Role(role),
		Email:  email,
		Phone:  phone,
	}, ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func runEMI(cmd *cobra.Command, args []string) error {
	amount, err := decimal.NewFromString(args[0])
	if err != nil {
		return fmt.Errorf("invalid amount %q", args[0])
	}
	rate, err := decimal.NewFromString(args[1])
	if err != nil {
		return fmt.Errorf("invalid rate %q", args[1])
	}
	var tenure int
	if _, err := fmt.Sscan(args[2], &tenure); err != nil {
		return fmt.Errorf("invalid tenure %q", args[2])
	}

	emi, err := ledger.CalculateEMI(amount, rate, tenure)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "EMI:             %s\n", emi.StringFixed(2))
	fmt.Fprintf(out, "Total repayable: %s\n", emi.Mul(decimal.NewFromInt(int64(tenure))).StringFixed(2))
	fmt.Fprintf(out, "Total interest:  %s\n", emi.Mul(decimal.NewFromInt(int64(tenure))).Sub(amount).StringFixed(2))
	return nil
}
