// Package main implements axeagent, which polls BitAxe miners and forwards
// their metrics to an InfluxDB v2 write endpoint.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/bardlex/poolaudit/internal/agent"
	"github.com/bardlex/poolaudit/internal/config"
	"github.com/bardlex/poolaudit/internal/device"
	"github.com/bardlex/poolaudit/internal/ingest"
	"github.com/bardlex/poolaudit/pkg/log"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

const healthTimeout = 5 * time.Second

// agentFlags holds flag values that need parsing before they reach the config
type agentFlags struct {
	ips      string
	names    string
	interval int
}

func newRootCommand() *cobra.Command {
	cfg := config.LoadAgent()
	f := agentFlags{
		ips:      strings.Join(cfg.DeviceIPs, ","),
		names:    strings.Join(cfg.MinerNames, ","),
		interval: int(cfg.Interval / time.Second),
	}

	cmd := &cobra.Command{
		Use:   "axeagent",
		Short: "Send BitAxe metrics to BitAxeLuck",
		Example: `  axeagent --bitaxe-ip 192.168.1.50 --token abc123
  axeagent --bitaxe-ip 192.168.1.50,192.168.1.51 --token abc123 --miner-names "Garage,Office"
  BITAXE_IP=192.168.1.50 BITAXELUCK_TOKEN=abc123 axeagent`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := applyFlags(cfg, f); err != nil {
				return err
			}

			logger := log.NewWithWriter(cmd.OutOrStdout(), cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, logger)
		},
	}

	devices := pflag.NewFlagSet("Devices", pflag.ContinueOnError)
	devices.StringVarP(&f.ips, "bitaxe-ip", "b", f.ips, "IP address(es) of your BitAxe, comma-separated")
	devices.StringVarP(&f.names, "miner-names", "n", f.names, "Custom names for the miners, same order as the IPs")
	devices.IntVarP(&f.interval, "interval", "i", f.interval, "Polling interval in seconds")
	devices.IntVar(&cfg.MaxWorkers, "max-workers", cfg.MaxWorkers, "Maximum concurrent device requests")
	cmd.Flags().AddFlagSet(devices)

	ingestFlags := pflag.NewFlagSet("Ingest", pflag.ContinueOnError)
	ingestFlags.StringVarP(&cfg.IngestToken, "token", "t", cfg.IngestToken, "Your BitAxeLuck API token")
	ingestFlags.StringVar(&cfg.IngestURL, "influx-url", cfg.IngestURL, "InfluxDB v2 base URL")
	ingestFlags.StringVar(&cfg.IngestOrg, "influx-org", cfg.IngestOrg, "InfluxDB organization")
	ingestFlags.StringVar(&cfg.IngestBucket, "influx-bucket", cfg.IngestBucket, "InfluxDB bucket")
	cmd.Flags().AddFlagSet(ingestFlags)

	logging := pflag.NewFlagSet("Logging", pflag.ContinueOnError)
	logging.BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "Log each line sent")
	logging.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	logging.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "text or json")
	cmd.Flags().AddFlagSet(logging)

	return cmd
}

// applyFlags moves parsed flag values into cfg and validates the result
func applyFlags(cfg *config.AgentConfig, f agentFlags) error {
	cfg.DeviceIPs = config.ParseList(f.ips)
	cfg.MinerNames = config.ParseList(f.names)
	cfg.Interval = time.Duration(f.interval) * time.Second
	if cfg.Verbose {
		cfg.LogLevel = "debug"
	}
	return cfg.Validate()
}

func run(ctx context.Context, cfg *config.AgentConfig, logger *log.Logger) error {
	miners := agent.Miners(cfg.DeviceIPs, cfg.MinerNames)
	for i, m := range miners {
		logger.Info(fmt.Sprintf("monitoring %d. %s", i+1, label(m)), "device_ip", m.Addr)
	}

	writer := ingest.NewWriter(ingest.Config{
		URL:     cfg.IngestURL,
		Token:   cfg.IngestToken,
		Org:     cfg.IngestOrg,
		Bucket:  cfg.IngestBucket,
		Timeout: cfg.WriteTimeout,
	}, logger)
	defer writer.Close()
	checkIngest(ctx, writer, cfg.IngestURL, logger)

	a := agent.New(miners, device.NewClient(cfg.DeviceTimeout), writer, agent.Config{
		Interval:    cfg.Interval,
		MaxWorkers:  cfg.MaxWorkers,
		MaxFailures: cfg.MaxFailures,
	}, logger)

	return a.Run(ctx)
}

type healthChecker interface {
	Health(ctx context.Context) error
}

// checkIngest warns when the ingestion endpoint is unreachable at startup.
// Collection starts either way.
func checkIngest(ctx context.Context, h healthChecker, url string, logger *log.Logger) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	if err := h.Health(ctx); err != nil {
		logger.WithError(err).Warn("ingestion endpoint health check failed", "url", url)
		return false
	}
	logger.Info("ingestion endpoint healthy", "url", url)
	return true
}

func label(m agent.Miner) string {
	if m.Name != "" {
		return fmt.Sprintf("%s (%s)", m.Addr, m.Name)
	}
	return m.Addr
}
