// Package main provides the CLI entry point for the SIM tunnel broker.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/mobileatlas/simtunnel/internal/config"
	"github.com/mobileatlas/simtunnel/internal/control"
	"github.com/mobileatlas/simtunnel/internal/health"
	"github.com/mobileatlas/simtunnel/internal/logging"
	"github.com/mobileatlas/simtunnel/internal/metrics"
	"github.com/mobileatlas/simtunnel/internal/sysinfo"
	"github.com/mobileatlas/simtunnel/internal/tunnel"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "simtunnel",
		Short: "SIM tunnel broker",
		Long: `simtunnel pairs measurement probes with the SIM providers that host
the SIM cards they want to use, and relays APDU traffic between them.

Probes and providers connect to separate listeners, authenticate with a
token and are matched per provider in FIFO order.`,
		Version: sysinfo.Version,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(reloadCmd())
	rootCmd.AddCommand(genTokenCmd())
	rootCmd.AddCommand(hashTokenCmd())
	rootCmd.AddCommand(certCmd())
	rootCmd.AddCommand(probeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the broker",
		Long:  "Start the probe and provider listeners with the specified configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			logger := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
			slog.SetDefault(logger)

			srv, err := tunnel.FromConfig(cfg, logger, metrics.Default())
			if err != nil {
				return fmt.Errorf("failed to create broker: %w", err)
			}
			if err := srv.Start(context.Background()); err != nil {
				return fmt.Errorf("failed to start broker: %w", err)
			}

			reload := func() error {
				next, err := config.Load(configPath)
				if err != nil {
					return err
				}
				return srv.Reload(next)
			}

			var healthSrv *health.Server
			if cfg.Health.Enabled {
				healthSrv = health.NewServer(health.ServerConfig{
					Address:      cfg.Health.Address,
					ReadTimeout:  cfg.Health.ReadTimeout,
					WriteTimeout: cfg.Health.WriteTimeout,
					Pprof:        cfg.Health.Pprof,
				}, srv)
				if err := healthSrv.Start(); err != nil {
					srv.Stop()
					return fmt.Errorf("failed to start health server: %w", err)
				}
				logger.Info("health server started", logging.KeyAddress, healthSrv.Address().String())
			}

			var controlSrv *control.Server
			if cfg.Control.Enabled {
				ccfg := control.DefaultServerConfig()
				ccfg.SocketPath = cfg.Control.SocketPath
				controlSrv = control.NewServer(ccfg, srv, reload)
				if err := controlSrv.Start(); err != nil {
					if healthSrv != nil {
						healthSrv.Stop()
					}
					srv.Stop()
					return fmt.Errorf("failed to start control server: %w", err)
				}
				logger.Info("control socket listening", logging.KeyAddress, ccfg.SocketPath)
			}

			st := srv.Status()
			fmt.Printf("Probe listener:    %s\n", st.ProbeAddress)
			fmt.Printf("Provider listener: %s\n", st.ProviderAddress)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
			defer signal.Stop(sigCh)

			for sig := range sigCh {
				if sig == syscall.SIGHUP {
					if err := reload(); err != nil {
						logger.Error("reload failed", logging.KeyError, err)
					}
					continue
				}
				fmt.Printf("\nReceived signal %v, shutting down...\n", sig)
				break
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			var stopErr error
			if controlSrv != nil {
				stopErr = multierr.Append(stopErr, controlSrv.Stop())
			}
			if healthSrv != nil {
				stopErr = multierr.Append(stopErr, healthSrv.Stop())
			}
			stopErr = multierr.Append(stopErr, srv.StopWithContext(ctx))
			if stopErr != nil {
				fmt.Printf("Shutdown error: %v\n", stopErr)
				return stopErr
			}

			fmt.Println("Broker stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func configCmd() *cobra.Command {
	var (
		configPath  string
		showDefault bool
		checkOnly   bool
	)

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print or check the configuration",
		Long:  "Print the effective configuration with secrets redacted, print the defaults, or only validate a file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if showDefault {
				fmt.Print(config.Default().String())
				return nil
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if checkOnly {
				fmt.Printf("%s: configuration OK\n", configPath)
				return nil
			}
			fmt.Print(cfg.String())
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	cmd.Flags().BoolVar(&showDefault, "default", false, "Print the default configuration")
	cmd.Flags().BoolVar(&checkOnly, "check", false, "Only validate the configuration")

	return cmd
}

func statusCmd() *cobra.Command {
	var (
		socketPath string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show broker status",
		Long:  "Display the status of a running broker through its control socket.",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := control.NewClient(socketPath)
			defer client.Close()

			st, err := client.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to query broker: %w", err)
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			printStatus(st)
			return nil
		},
	}

	cmd.Flags().StringVarP(&socketPath, "socket", "s", "./simtunnel.sock", "Path to the control socket")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print raw JSON")

	return cmd
}

func printStatus(st *tunnel.Status) {
	state := "stopped"
	if st.Running {
		state = "running"
	}
	fmt.Printf("Status:            %s (up %s)\n", state, st.Uptime.Round(time.Second))
	fmt.Printf("Version:           %s (%s, %s/%s)\n", st.Build.Version, st.Build.GoVersion, st.Build.OS, st.Build.Arch)
	fmt.Printf("Host:              %s (pid %d)\n", st.Build.Hostname, st.Build.PID)
	fmt.Printf("Probe listener:    %s\n", st.ProbeAddress)
	fmt.Printf("Provider listener: %s\n", st.ProviderAddress)
	fmt.Printf("Connections:       %d\n", st.Connections)
	for name, n := range st.ConnectionsByState {
		fmt.Printf("  %-16s %d\n", name, n)
	}
	fmt.Printf("API tokens:        %d\n", st.APITokens)
	fmt.Printf("Sessions in use:   %d\n", st.SessionTokensInUse)
	fmt.Printf("Pending requests:  %d\n", st.PendingRequests)

	if len(st.Queues) > 0 {
		fmt.Println("\nProvider queues:")
		for _, q := range st.Queues {
			fmt.Printf("  %s  pending=%d idle_workers=%d oldest=%s\n",
				q.ProviderID, q.Pending, q.Waiters, q.OldestAge.Round(time.Second))
		}
	}
	if len(st.Sessions) > 0 {
		fmt.Println("\nRelay sessions:")
		for _, s := range st.Sessions {
			fmt.Printf("  %s  %s via %s  started %s  to-provider %s  to-probe %s\n",
				s.ID, s.Identifier, s.ProviderID,
				humanize.Time(s.StartedAt),
				humanize.Bytes(uint64(s.BytesToProvider)),
				humanize.Bytes(uint64(s.BytesToProbe)))
		}
	}
}

func reloadCmd() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "reload",
		Short: "Reload the API token allow-list",
		Long:  "Ask a running broker to re-read its configuration file and apply the token allow-list and static directory.",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := control.NewClient(socketPath)
			defer client.Close()

			result, err := client.Reload(cmd.Context())
			if err != nil {
				return fmt.Errorf("reload failed: %w", err)
			}
			fmt.Printf("Reloaded (%d API tokens)\n", result.APITokens)
			return nil
		},
	}

	cmd.Flags().StringVarP(&socketPath, "socket", "s", "./simtunnel.sock", "Path to the control socket")

	return cmd
}
