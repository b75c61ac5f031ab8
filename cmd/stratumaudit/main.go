// Package main implements stratumaudit, a one-shot probe of a Stratum v1
// pool that records what the pool reveals in its handshake and first job.
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/bardlex/poolaudit/internal/audit"
	"github.com/bardlex/poolaudit/internal/config"
	"github.com/bardlex/poolaudit/internal/messaging"
	"github.com/bardlex/poolaudit/internal/stratum"
	"github.com/bardlex/poolaudit/pkg/log"
)

func main() {
	cmd, err := newRootCommand()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCommand builds the command with flag defaults taken from the
// environment
func newRootCommand() (*cobra.Command, error) {
	cfg, err := config.LoadAudit()
	if err != nil {
		return nil, err
	}

	var brokers string
	cmd := &cobra.Command{
		Use:   "stratumaudit",
		Short: "Audit a Stratum v1 mining pool endpoint",
		Long: `stratumaudit connects to a pool, subscribes and authorizes with a
placeholder wallet, waits for the first job and inspects its coinbase.
It writes pool_audit.json, pool_audit.md and risk_assessment.md.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("kafka-brokers") {
				cfg.KafkaBrokers = config.ParseList(brokers)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := log.NewWithWriter(cmd.ErrOrStderr(), cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runAudit(ctx, cfg, logger, cmd.OutOrStdout())
		},
	}

	target := pflag.NewFlagSet("Target", pflag.ContinueOnError)
	target.StringVar(&cfg.Host, "host", cfg.Host, "Stratum host")
	target.IntVar(&cfg.Port, "port", cfg.Port, "Stratum port")
	target.StringVar(&cfg.Wallet, "wallet", cfg.Wallet, "Payout address used in mining.authorize")
	target.StringVar(&cfg.Worker, "worker", cfg.Worker, "Worker name appended to the wallet")
	cmd.Flags().AddFlagSet(target)

	timing := pflag.NewFlagSet("Timing", pflag.ContinueOnError)
	timing.DurationVar(&cfg.ConnectTimeout, "connect-timeout", cfg.ConnectTimeout, "TCP connect timeout")
	timing.DurationVar(&cfg.ReceiveTimeout, "receive-timeout", cfg.ReceiveTimeout, "Wait for each response")
	timing.DurationVar(&cfg.JobTimeout, "job-timeout", cfg.JobTimeout, "Wait for the first mining.notify")
	cmd.Flags().AddFlagSet(timing)

	output := pflag.NewFlagSet("Output", pflag.ContinueOnError)
	output.StringVarP(&cfg.OutputDir, "output-dir", "o", cfg.OutputDir, "Directory for the reports")
	output.StringVar(&brokers, "kafka-brokers", strings.Join(cfg.KafkaBrokers, ","), "Comma-separated Kafka brokers to publish the JSON result to")
	output.StringVar(&cfg.KafkaTopic, "kafka-topic", cfg.KafkaTopic, "Kafka topic for the JSON result")
	output.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	output.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "text or json")
	cmd.Flags().AddFlagSet(output)

	return cmd, nil
}

// runAudit probes the pool, writes the reports, optionally publishes the
// result and prints the summary. Only report I/O failures are returned;
// an unreachable or misbehaving pool is a finding, not an error.
func runAudit(ctx context.Context, cfg *config.AuditConfig, logger *log.Logger, out io.Writer) error {
	fmt.Fprintln(out, strings.Repeat("=", 60))
	fmt.Fprintf(out, "  STRATUM AUDIT: %s:%d\n", cfg.Host, cfg.Port)
	fmt.Fprintln(out, strings.Repeat("=", 60))

	probe := stratum.NewProbe(stratum.ProbeConfig{
		Host:           cfg.Host,
		Port:           cfg.Port,
		ConnectTimeout: cfg.ConnectTimeout,
		ReceiveTimeout: cfg.ReceiveTimeout,
		JobTimeout:     cfg.JobTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		Username:       cfg.Username(),
	}, logger)

	run := probe.Run(ctx)
	result := audit.FromRun(run)

	paths, writeErr := audit.WriteReports(cfg.OutputDir, result)
	for _, p := range paths {
		fmt.Fprintf(out, "[+] Report: %s\n", p)
	}
	if writeErr != nil {
		logger.WithError(writeErr).Error("failed to write reports")
	}

	if len(cfg.KafkaBrokers) > 0 {
		publish(ctx, cfg, logger, result)
	}

	fmt.Fprintln(out, strings.Repeat("-", 60))
	fmt.Fprintln(out, "SUMMARY")
	fmt.Fprintln(out, strings.Repeat("-", 60))
	fmt.Fprintln(out, result.SummaryText())
	fmt.Fprintln(out, strings.Repeat("-", 60))

	return writeErr
}

func publish(ctx context.Context, cfg *config.AuditConfig, logger *log.Logger, result *audit.Result) {
	client := messaging.NewKafkaClient(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.ServiceName, logger)
	defer func() {
		if err := client.Close(); err != nil {
			logger.WithError(err).Warn("failed to close Kafka client")
		}
	}()

	key := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	if err := client.PublishJSON(ctx, key, result); err != nil {
		logger.WithError(err).Warn("failed to publish audit result", "topic", client.Topic())
		return
	}
	logger.Info("published audit result", "topic", client.Topic(), "key", key)
}
