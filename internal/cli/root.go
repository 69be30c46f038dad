// Package cli implements the dcrf command line tool.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/lightforgemedia/go-dcrf/pkg/client"
	"github.com/lightforgemedia/go-dcrf/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const Version = "0.3.0"

var (
	// RootCmd is the base command when called without any subcommands.
	RootCmd = &cobra.Command{
		Use:   "dcrf",
		Short: "Django Channels REST Framework websocket client",
		Long: fmt.Sprintf(`dcrf (v%s)

Talks to a Django Channels REST Framework server over one multiplexed
websocket: CRUD requests, instance subscriptions and subscription
manifests that are reconciled whenever the file changes.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dcrf",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dcrf v%s\n", Version)
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.AddCommand(versionCmd)
	RootCmd.AddCommand(listCmd, createCmd, retrieveCmd, updateCmd, patchCmd, deleteCmd, requestCmd)
	RootCmd.AddCommand(subscribeCmd)
	RootCmd.AddCommand(watchCmd)
	RootCmd.AddCommand(devServerCmd)

	flags := RootCmd.PersistentFlags()
	flags.String("url", "ws://localhost:8000/ws/", wrapString("websocket endpoint of the server"))
	flags.Duration("timeout", 10*time.Second, wrapString("default timeout for each request"))
	flags.String("pk-field", "pk", wrapString("primary key field name of the application models"))
	flags.String("log-level", "warn", wrapString("log level (debug, info, warn, error)"))
	flags.Bool("reconnect", true, wrapString("reconnect automatically when the connection drops"))
	flags.Int("reconnect-attempts", 0, wrapString("maximum reconnect attempts, 0 retries forever"))
	flags.String("metrics-addr", "", wrapString("serve prometheus metrics on this address, e.g. :9090"))
}

// Execute runs RootCmd. It is called by main.main().
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// session is what a connected command gets to work with.
type session struct {
	cli    *client.Client
	logger *slog.Logger
}

// withClient binds flags, connects and runs fn. The client and the metrics
// endpoint are torn down when fn returns.
func withClient(fn func(cmd *cobra.Command, args []string, s *session) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := bindCommandFlags(cmd); err != nil {
			return err
		}
		logger, err := newLogger(cmd.ErrOrStderr())
		if err != nil {
			return err
		}

		opts := []client.Option{
			client.WithLogger(logger),
			client.WithDefaultRequestTimeout(viper.GetDuration("timeout")),
			client.WithPKField(viper.GetString("pk-field")),
		}
		if viper.GetBool("reconnect") {
			opts = append(opts, client.WithAutoReconnect(viper.GetInt("reconnect-attempts"), 500*time.Millisecond, 10*time.Second))
		}

		stopMetrics := func() {}
		if addr := viper.GetString("metrics-addr"); addr != "" {
			var collector metrics.Collector
			collector, stopMetrics = serveMetrics(addr, logger)
			opts = append(opts, client.WithMetrics(collector))
		}
		defer stopMetrics()

		cli, err := client.Connect(viper.GetString("url"), opts...)
		if err != nil {
			return fmt.Errorf("connect %s: %w", viper.GetString("url"), err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), viper.GetDuration("timeout"))
			defer cancel()
			if err := cli.Close(ctx, true); err != nil {
				logger.Warn("Close failed", "error", err)
			}
		}()

		return fn(cmd, args, &session{cli: cli, logger: logger})
	}
}

// serveMetrics exposes a fresh registry on addr.
func serveMetrics(addr string, logger *slog.Logger) (metrics.Collector, func()) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewPrometheus(reg, "dcrf")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", "address", addr, "error", err)
		}
	}()
	logger.Info("Serving metrics", "address", addr)

	return collector, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
