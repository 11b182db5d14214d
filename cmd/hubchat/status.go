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

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	hubchat "github.com/innovision/productivityhub/sdk/golang"
)

var statusMetricsAddr string

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusMetricsAddr, "metrics-addr", "", "Stay connected and serve Prometheus metrics on this address (e.g. :9090)")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and broker status",
	Long:  "Display the current configuration, check whether the token has expired and try a broker handshake.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", baseURL(cfg))
		fmt.Printf("  Broker URL:  %s\n", brokerURL(cfg))
		fmt.Printf("  History:     %d messages\n", historyLimit(cfg))

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  User Name:   %s\n", valueOrDefault(cfg.Auth.UserName, "(not set)"))
		if cfg.Auth.Token == "" {
			fmt.Println("  Token:       (not set)")
			return nil
		}
		fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))
		fmt.Printf("  Validity:    %s\n", tokenStatus(cfg.Auth.Token, time.Now()))

		fmt.Println()
		fmt.Println("Broker:")
		if statusMetricsAddr == "" {
			conn := newConnection(cfg, false)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := conn.Connect(ctx); err != nil {
				fmt.Printf("  State:       %s (%v)\n", conn.State(), err)
				return nil
			}
			fmt.Printf("  State:       %s\n", conn.State())
			return conn.Disconnect()
		}
		return serveStatus(cfg)
	},
}

// serveStatus keeps a connection up and exposes the client metrics until interrupted.
func serveStatus(cfg *Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn := newConnection(cfg, true)
	conn.OnStateChange(func(s hubchat.ConnectionState) {
		fmt.Printf("  State:       %s\n", s)
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", hubchat.MetricsHandler())
	srv := &http.Server{Addr: statusMetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", statusMetricsAddr).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		if err := conn.Connect(dialCtx); err != nil {
			logger.Warn().Err(err).Msg("initial connect failed, retrying in background")
		}
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return conn.Disconnect()
	})
	return g.Wait()
}

func tokenStatus(token string, now time.Time) string {
	info, err := hubchat.InspectToken(token)
	if err != nil {
		return "present (not a JWT, expiry unknown)"
	}
	if info.ExpiresAt.IsZero() {
		return "present (no expiry set)"
	}
	if info.Expired(now) {
		return fmt.Sprintf("EXPIRED (expired %s)", info.ExpiresAt.Format(time.RFC3339))
	}
	return fmt.Sprintf("valid (expires %s)", info.ExpiresAt.Format(time.RFC3339))
}
