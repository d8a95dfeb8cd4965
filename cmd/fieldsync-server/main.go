package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fieldsync-go/internal/app"
	"fieldsync-go/internal/auth"
	"fieldsync-go/internal/backend"
	"fieldsync-go/internal/config"
	"fieldsync-go/internal/httpapi"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setting returns the flag when given on the command line, else the
// environment variable, else fallback. Environment is read at run time so
// values from .env apply.
func setting(cmd *cobra.Command, flag, env, fallback string) string {
	if cmd.Flags().Changed(flag) {
		v, _ := cmd.Flags().GetString(flag)
		return v
	}
	if v := os.Getenv(env); v != "" {
		return v
	}
	return fallback
}

func newIssuer(ttl time.Duration) (*auth.Issuer, error) {
	secret := os.Getenv("FIELDSYNC_JWT_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("FIELDSYNC_JWT_SECRET must be set")
	}
	return auth.NewIssuer(secret, ttl)
}

// backendConfig builds the storage the server fronts from flags, falling
// back to FIELDSYNC_SERVER_* environment variables.
func backendConfig(cmd *cobra.Command) (config.BackendConfig, error) {
	cfg := config.BackendConfig{
		Type:        setting(cmd, "backend", "FIELDSYNC_SERVER_BACKEND", "filesystem"),
		FSRoot:      setting(cmd, "fs-root", "FIELDSYNC_SERVER_FS_ROOT", "./data"),
		PostgresDSN: setting(cmd, "postgres-dsn", "DATABASE_URL", ""),
		S3Bucket:    setting(cmd, "s3-bucket", "FIELDSYNC_SERVER_S3_BUCKET", ""),
		S3Prefix:    setting(cmd, "s3-prefix", "FIELDSYNC_SERVER_S3_PREFIX", ""),
		S3Region:    setting(cmd, "s3-region", "FIELDSYNC_SERVER_S3_REGION", ""),
		S3Endpoint:  setting(cmd, "s3-endpoint", "FIELDSYNC_SERVER_S3_ENDPOINT", ""),
	}
	if cfg.Type == "http" {
		return cfg, fmt.Errorf("the server cannot front another http backend")
	}
	return cfg, nil
}

var rootCmd = &cobra.Command{
	Use:          "fieldsync-server",
	Short:        "Serve a shared fieldsync backend over HTTP",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept pushes and pulls from devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		addr := setting(cmd, "addr", "FIELDSYNC_SERVER_ADDR", ":8080")
		logger := app.NewStderrLogger("serve", app.ParseLevel(os.Getenv("FIELDSYNC_LOG_LEVEL")))

		issuer, err := newIssuer(auth.DefaultTTL)
		if err != nil {
			return err
		}
		bcfg, err := backendConfig(cmd)
		if err != nil {
			return err
		}
		b, err := backend.NewBackendFromConfig(ctx, bcfg, nil, nil)
		if err != nil {
			return fmt.Errorf("creating backend: %w", err)
		}
		defer b.Close()

		srv := &http.Server{
			Addr:              addr,
			Handler:           httpapi.NewServer(b, issuer, logger, httpapi.ServerConfig{}),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Info("listening", "addr", addr, "backend", bcfg.Type)
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		case <-ctx.Done():
		}

		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token SUBJECT DEVICE_ID",
	Short: "Issue a session token for a device",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ttl, _ := cmd.Flags().GetDuration("ttl")
		issuer, err := newIssuer(ttl)
		if err != nil {
			return err
		}
		token, err := issuer.Issue(args[0], args[1], time.Now())
		if err != nil {
			return fmt.Errorf("issuing token: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func registerServeFlags(cmd *cobra.Command) {
	cmd.Flags().String("addr", "", "Listen address (env FIELDSYNC_SERVER_ADDR, default :8080)")
	cmd.Flags().String("backend", "", "Backend type: filesystem, postgres, s3 or memory (env FIELDSYNC_SERVER_BACKEND, default filesystem)")
	cmd.Flags().String("fs-root", "", "Root directory for the filesystem backend (env FIELDSYNC_SERVER_FS_ROOT, default ./data)")
	cmd.Flags().String("postgres-dsn", "", "DSN for the postgres backend (env DATABASE_URL)")
	cmd.Flags().String("s3-bucket", "", "Bucket for the s3 backend (env FIELDSYNC_SERVER_S3_BUCKET)")
	cmd.Flags().String("s3-prefix", "", "Key prefix for the s3 backend (env FIELDSYNC_SERVER_S3_PREFIX)")
	cmd.Flags().String("s3-region", "", "Region for the s3 backend (env FIELDSYNC_SERVER_S3_REGION)")
	cmd.Flags().String("s3-endpoint", "", "Custom endpoint for S3-compatible stores (env FIELDSYNC_SERVER_S3_ENDPOINT)")
}

func init() {
	registerServeFlags(serveCmd)
	tokenCmd.Flags().Duration("ttl", auth.DefaultTTL, "Token lifetime")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tokenCmd)
}
