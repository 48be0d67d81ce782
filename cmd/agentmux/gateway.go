package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentmux/agentmux/pkg/config"
	"github.com/agentmux/agentmux/pkg/events"
	"github.com/agentmux/agentmux/pkg/gateway"
	"github.com/agentmux/agentmux/pkg/gitmon"
	"github.com/agentmux/agentmux/pkg/history"
	"github.com/agentmux/agentmux/pkg/hooks"
	"github.com/agentmux/agentmux/pkg/log"
	"github.com/agentmux/agentmux/pkg/metrics"
	"github.com/agentmux/agentmux/pkg/pty"
	"github.com/agentmux/agentmux/pkg/storage"
	"github.com/agentmux/agentmux/pkg/telemetry"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the control-plane gateway",
	Long: `Run the gateway process: the control-plane TCP listener, the
telemetry HTTP listener, the session registry, and the background
pollers. Persisted state lives under the runtime root.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		controlAddr, _ := cmd.Flags().GetString("control-addr")
		telemetryAddr, _ := cmd.Flags().GetString("telemetry-addr")

		cfg := config.Default()
		if configPath != "" {
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
		}
		if controlAddr != "" {
			cfg.ControlAddr = controlAddr
		}
		if telemetryAddr != "" {
			cfg.TelemetryAddr = telemetryAddr
		}
		if token := os.Getenv("AGENTMUX_AUTH_TOKEN"); token != "" {
			cfg.AuthToken = token
		}

		return runGateway(cfg)
	},
}

func init() {
	gatewayCmd.Flags().String("config", "", "Path to yaml config file")
	gatewayCmd.Flags().String("control-addr", "", "Control-plane listen address (overrides config)")
	gatewayCmd.Flags().String("telemetry-addr", "", "Telemetry listen address (overrides config)")
}

func runGateway(cfg *config.Config) error {
	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	metrics.SetVersion(Version)

	runtimeRoot, err := cfg.ResolveRuntimeRoot()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(runtimeRoot, 0o755); err != nil {
		return fmt.Errorf("failed to create runtime root: %w", err)
	}

	store, err := storage.NewBoltStore(config.StorePath(runtimeRoot))
	if err != nil {
		return err
	}
	defer store.Close()
	metrics.RegisterComponent("store", true, "")

	bus := events.NewBus(cfg.Stream.MaxJournalEntries)
	tokens := telemetry.NewTokenRegistry()
	dispatcher := hooks.NewDispatcher(cfg.Hooks)

	var monitor *gitmon.Monitor
	svc := gateway.NewService(gateway.ServiceDeps{
		Config:  cfg,
		Store:   store,
		Factory: &pty.ExecFactory{},
		Bus:     bus,
		Tokens:  tokens,
		Hooks:   dispatcher,
		GitTrigger: func(directoryID string) {
			if monitor != nil {
				monitor.Trigger(directoryID)
			}
		},
	})

	telemetryServer := telemetry.NewServer(telemetry.ServerConfig{
		Addr:          cfg.TelemetryAddr,
		LifecycleFast: cfg.Telemetry.IngestMode == config.IngestLifecycleFast,
	}, tokens, svc.IngestTelemetry)
	if err := telemetryServer.Start(); err != nil {
		return err
	}

	host, port, err := splitHostPort(telemetryServer.Addr())
	if err != nil {
		return err
	}
	svc.SetTelemetryEndpoint(host, port)

	controlServer := gateway.NewServer(cfg, svc)
	if err := controlServer.Start(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.GitMonitor.Enabled {
		monitor = gitmon.NewMonitor(gitmon.Config{
			PollMs:                cfg.GitMonitor.PollMs,
			ActivePollMs:          cfg.GitMonitor.ActivePollMs,
			IdlePollMs:            cfg.GitMonitor.IdlePollMs,
			BurstPollMs:           cfg.GitMonitor.BurstPollMs,
			MaxConcurrency:        cfg.GitMonitor.MaxConcurrency,
			MinDirectoryRefreshMs: cfg.GitMonitor.MinDirectoryRefreshMs,
			TriggerDebounceMs:     cfg.GitMonitor.TriggerDebounceMs,
		}, store, gitmon.ExecGitReader, svc.PublishGitStatus)
		monitor.Start(ctx)
	}

	var tailer *history.Tailer
	if cfg.History.Enabled && cfg.History.Path != "" {
		tailer = history.NewTailer(history.Config{
			Path:   cfg.History.Path,
			PollMs: cfg.History.PollMs,
		}, func(evs []telemetry.Event) { svc.IngestTelemetry("", evs) })
		tailer.Start(ctx)
	}

	svc.AutoStart(ctx)

	fmt.Printf("Gateway running.\n")
	fmt.Printf("  Control: %s\n", controlServer.Addr())
	fmt.Printf("  Telemetry: %s\n", telemetryServer.Addr())
	fmt.Printf("  State: %s\n", config.StorePath(runtimeRoot))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down")
	cancel()
	if tailer != nil {
		tailer.Stop()
	}
	if monitor != nil {
		monitor.Stop()
	}
	controlServer.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = telemetryServer.Stop(shutdownCtx)

	svc.Shutdown()
	return nil
}

func splitHostPort(addr net.Addr) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "", 0, fmt.Errorf("failed to parse telemetry address: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("failed to parse telemetry port: %w", err)
	}
	return host, port, nil
}
