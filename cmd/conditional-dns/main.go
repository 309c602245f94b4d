package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"conditional-dns/pkg/config"
	"conditional-dns/pkg/dns"
	"conditional-dns/pkg/identity"
	"conditional-dns/pkg/logging"
	"conditional-dns/pkg/resolver"
	"conditional-dns/pkg/rules"
	"conditional-dns/pkg/storage"
	"conditional-dns/pkg/telemetry"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

var errNoTransport = errors.New("at least one of --tcp or --udp is required")

type options struct {
	configPath string
	port       int
	tcp        bool
	udp        bool
	version    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opt options
	cmd := &cobra.Command{
		Use:   "conditional-dns --udp|--tcp [flags]",
		Short: "Conditional DNS forwarding proxy",
		Long: `Conditional DNS forwarding proxy.

Classifies every query name against an ordered rule set and answers
from the primary resolver, the secondary resolver, a fixed redirect
address or locally. Unmatched names are sent to both resolvers; a
primary answer inside the block network wins, otherwise the secondary
answer is returned.`,
		Example:      `  conditional-dns --udp --tcp --port 53 --config /etc/conditional-dns.yml`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opt.version {
				fmt.Fprintf(cmd.OutOrStdout(), "conditional-dns %s (built %s)\n", version, buildTime)
				return nil
			}

			cfg, err := loadConfig(cmd, opt)
			if err != nil {
				return err
			}
			if err := cfg.RequireTransport(); err != nil {
				_ = cmd.Usage()
				return errNoTransport
			}

			return run(cmd.Context(), cfg, watchPath(opt.configPath))
		},
	}

	cmd.PersistentFlags().StringVarP(&opt.configPath, "config", "c", config.DefaultPath, "Path to configuration file")
	cmd.Flags().IntVarP(&opt.port, "port", "p", 5053, "Port to listen on")
	cmd.Flags().BoolVar(&opt.tcp, "tcp", false, "Enable the TCP listener")
	cmd.Flags().BoolVar(&opt.udp, "udp", false, "Enable the UDP listener")
	cmd.Flags().BoolVarP(&opt.version, "version", "v", false, "Print version and exit")

	cmd.AddCommand(newRecentCmd(&opt))

	return cmd
}

// loadConfig reads the configuration and lays the command line over its
// server section. A missing file is only tolerated at the default path.
func loadConfig(cmd *cobra.Command, opt options) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if cmd.Flags().Changed("config") {
		cfg, err = config.Load(opt.configPath)
	} else {
		cfg, err = config.LoadOrDefault(opt.configPath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	applyFlags(cmd, opt, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyFlags(cmd *cobra.Command, opt options, cfg *config.Config) {
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = opt.port
	}
	if opt.tcp {
		cfg.Server.TCPEnabled = true
	}
	if opt.udp {
		cfg.Server.UDPEnabled = true
	}
}

// watchPath returns the config file to watch, or "" when it does not exist
func watchPath(path string) string {
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

func run(ctx context.Context, cfg *config.Config, cfgPath string) error {
	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Close() }()
	logging.SetGlobal(logger)

	logger.Info("conditional-dns starting",
		"version", version,
		"build_time", buildTime,
	)

	telem, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	metrics, err := telem.InitMetrics()
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	idset, names, err := identity.Discover(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to build identity set: %w", err)
	}
	logger.Info("Identity set built", "names", names)

	rs, err := rules.New(&cfg.Rules, idset)
	if err != nil {
		return fmt.Errorf("failed to build rule set: %w", err)
	}
	logger.Info("Rules loaded", "counts", rs.Stats())

	primary := resolver.New("primary", cfg.Upstreams.Primary, logger)
	secondary := resolver.New("secondary", cfg.Upstreams.Secondary, logger)
	synth := dns.NewSynthesizer(rs, primary, secondary, cfg.Server.LocalHostname)

	stor, err := storage.New(&cfg.QueryLog)
	if err != nil {
		return fmt.Errorf("failed to open request log: %w", err)
	}
	queryLogger := dns.NewQueryLogger(stor, logger, cfg.QueryLog.BufferSize, cfg.QueryLog.Workers)
	queryLogger.SetMetrics(metrics)

	handler := dns.NewHandler(rs, synth)
	handler.SetLogger(logger)
	handler.SetMetrics(metrics)
	handler.SetQueryLogger(queryLogger)
	handler.SetTracer(telem.Tracer())
	handler.ServfailOnError = cfg.Server.ServfailOnError

	server := dns.NewServer(&cfg.Server, handler, logger)

	serverCtx, serverCancel := context.WithCancel(ctx)
	defer serverCancel()

	if cfg.WatchConfig && cfgPath != "" {
		watcher, err := config.NewWatcher(cfgPath, cfg, logger.Logger)
		if err != nil {
			logger.Warn("Config watcher disabled", "error", err)
		} else {
			defer func() { _ = watcher.Close() }()
			go func() {
				if err := watcher.Start(serverCtx); err != nil {
					logger.Warn("Config watcher stopped", "error", err)
				}
			}()
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Start(serverCtx)
	}()

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", "signal", sig.String())
	case runErr = <-errChan:
		if runErr != nil {
			logger.Error("Server error", "error", runErr)
		}
	}

	serverCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", "error", err)
	}
	if err := queryLogger.Close(); err != nil {
		logger.Error("Error closing query logger", "error", err)
	}
	if err := stor.Close(); err != nil {
		logger.Error("Error closing request log", "error", err)
	}
	if err := telem.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during telemetry shutdown", "error", err)
	}

	logger.Info("conditional-dns stopped")
	return runErr
}
