// comsrv gateway CLI
//
// An industrial communication gateway that polls field devices over
// Modbus, IEC 60870-5-104 and CAN, mirrors their points into a Redis
// real-time store and batches outbound commands back to the wire.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/opengrid/comsrv/pkg/config"
	"github.com/opengrid/comsrv/pkg/core"
)

var (
	version   = "1.0.0"
	buildTime = "dev"
	gitCommit = "unknown"
)

var (
	cfgFile     string
	verbose     bool
	jsonOutput  bool
	metricsAddr string
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "comsrv",
		Short:   "comsrv - Industrial Communication Gateway",
		Long:    "comsrv polls field devices over Modbus, IEC 104 and CAN,\nmirrors their points into a Redis real-time store and batches\noutbound commands back to the wire.",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: ./comsrv.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "log in JSON format")

	rootCmd.AddCommand(
		newStartCmd(),
		newChannelsCmd(),
		newValidateCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newStartCmd creates the start command.
func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the gateway",
		Long:  "Start the gateway with every enabled channel from the configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart()
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9100", "Prometheus metrics listen address (empty to disable)")
	return cmd
}

func runStart() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if jsonOutput {
		cfg.Logging.Format = "json"
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine, err := core.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	var metricsSrv *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	fmt.Println("Starting comsrv...")
	engine.Start(ctx)
	fmt.Println("comsrv is running. Press Ctrl+C to stop.")

	<-sigCh
	fmt.Println("\nShutting down...")

	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "error stopping metrics server: %v\n", err)
		}
		shutdownCancel()
	}

	engine.Stop(context.Background())
	fmt.Println("comsrv stopped.")
	return nil
}

// newChannelsCmd creates the channels command.
func newChannelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "channels",
		Short: "List the channels in the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if len(cfg.Channels) == 0 {
				fmt.Println("No channels configured.")
				return nil
			}
			fmt.Println("Configured channels:")
			for _, ch := range cfg.Channels {
				state := "enabled"
				if !ch.Enabled {
					state = "disabled"
				}
				fmt.Printf("  %3d  %-20s %-12s %-8s points=%d poll=%s\n",
					ch.ID, ch.Name, ch.Protocol, state, len(ch.Points), ch.PollInterval())
			}
			return nil
		},
	}
}

// newValidateCmd creates the validate command.
func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("config invalid: %w", err)
			}
			fmt.Printf("Config OK: %d channels, redis at %s\n", len(cfg.Channels), cfg.Redis.Addr)
			return nil
		},
	}
}

// newVersionCmd creates the version command.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("comsrv %s\n  commit: %s\n  built:  %s\n", version, gitCommit, buildTime)
		},
	}
}
