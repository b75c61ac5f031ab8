// Package agent polls BitAxe miners on an interval and forwards their
// metrics to the ingestion endpoint.
package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"golang.org/x/sync/errgroup"

	"github.com/bardlex/poolaudit/internal/device"
	"github.com/bardlex/poolaudit/internal/ingest"
	"github.com/bardlex/poolaudit/pkg/log"
)

// Fetcher reads a device's metrics
type Fetcher interface {
	Fetch(ctx context.Context, addr string) (*device.SystemInfo, error)
}

// PointWriter forwards a converted sample
type PointWriter interface {
	WritePoint(ctx context.Context, p *write.Point) error
}

// Miner is one polled device. Name is the sanitized custom name, empty when
// none was configured.
type Miner struct {
	Addr string
	Name string
}

// Miners pairs addresses with custom names by position. Addresses past the
// end of names get no custom name.
func Miners(addrs, names []string) []Miner {
	miners := make([]Miner, len(addrs))
	for i, addr := range addrs {
		miners[i] = Miner{Addr: addr}
		if i < len(names) {
			miners[i].Name = device.SanitizeMinerName(names[i])
		}
	}
	return miners
}

// Config holds the polling settings
type Config struct {
	Interval    time.Duration
	MaxWorkers  int
	MaxFailures int
}

// Sample is the outcome of polling one miner
type Sample struct {
	Miner Miner
	Info  *device.SystemInfo
	Err   error
}

// CycleReport summarizes one polling cycle
type CycleReport struct {
	Sent    int
	Total   int
	Failed  []string
	Skipped []string
}

// Agent runs the polling loop
type Agent struct {
	miners  []Miner
	fetcher Fetcher
	writer  PointWriter
	logger  *log.Logger
	cfg     Config
	now     func() time.Time

	// consecutive fetch failures per address, only touched by Cycle
	failures map[string]int
}

// New creates an agent for miners
func New(miners []Miner, fetcher Fetcher, writer PointWriter, cfg Config, logger *log.Logger) *Agent {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}

	failures := make(map[string]int, len(miners))
	for _, m := range miners {
		failures[m.Addr] = 0
	}

	return &Agent{
		miners:   miners,
		fetcher:  fetcher,
		writer:   writer,
		logger:   logger.WithComponent("agent"),
		cfg:      cfg,
		now:      time.Now,
		failures: failures,
	}
}

// Collect polls every miner with at most MaxWorkers requests in flight.
// Samples come back in miner order.
func (a *Agent) Collect(ctx context.Context) []Sample {
	samples := make([]Sample, len(a.miners))
	if len(samples) == 0 {
		return samples
	}

	var g errgroup.Group
	g.SetLimit(min(len(a.miners), a.cfg.MaxWorkers))
	for i, m := range a.miners {
		g.Go(func() error {
			info, err := a.fetcher.Fetch(ctx, m.Addr)
			samples[i] = Sample{Miner: m, Info: info, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	return samples
}

// Cycle runs one collect-convert-write pass
func (a *Agent) Cycle(ctx context.Context) CycleReport {
	report := CycleReport{Total: len(a.miners)}
	ts := a.now()

	for _, s := range a.Collect(ctx) {
		logger := a.logger.WithDevice(s.Miner.Addr, s.Miner.Name)

		if s.Err != nil {
			report.Failed = append(report.Failed, s.Miner.Addr)
			logger.WithError(s.Err).Error("failed to fetch metrics")
			a.failures[s.Miner.Addr]++
			if n := a.failures[s.Miner.Addr]; n >= a.cfg.MaxFailures {
				logger.Warn("consecutive failures", "count", n)
				a.failures[s.Miner.Addr] = 0
			}
			continue
		}
		a.failures[s.Miner.Addr] = 0

		point, err := device.ToPoint(s.Info, s.Miner.Addr, s.Miner.Name, ts)
		if err != nil {
			report.Skipped = append(report.Skipped, s.Miner.Addr)
			logger.WithError(err).Warn("sample skipped")
			continue
		}
		if a.logger.Enabled(ctx, slog.LevelDebug) {
			logger.Debug("line protocol", "line", truncate(write.PointToLineProtocol(point, time.Second), 80))
		}

		if err := a.writer.WritePoint(ctx, point); err != nil {
			if ingest.IsRateLimited(err) {
				logger.Warn("rate limited, waiting")
			} else {
				logger.WithError(err).Error("failed to send metrics")
			}
			continue
		}

		report.Sent++
		logger.LogSample(device.DisplayName(s.Info, s.Miner.Addr, s.Miner.Name), value(s.Info.HashRate), value(s.Info.Temp))
	}

	if report.Total > 1 {
		a.logger.LogCycle(report.Sent, report.Total)
	}
	return report
}

// Run polls until ctx is done. The first cycle starts immediately.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("starting metrics collection",
		"miners", len(a.miners),
		"interval", a.cfg.Interval.String(),
	)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("agent stopped")
			return nil
		case <-timer.C:
		}

		a.Cycle(ctx)
		timer.Reset(a.cfg.Interval)
	}
}

func value(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
