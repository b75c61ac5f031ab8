// Package ingest writes device points to the InfluxDB v2 write endpoint.
package ingest

import (
	"context"
	"net/http"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	ihttp "github.com/influxdata/influxdb-client-go/v2/api/http"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/poolaudit/pkg/circuit"
	"github.com/bardlex/poolaudit/pkg/errors"
	"github.com/bardlex/poolaudit/pkg/log"
)

// Failure reasons attached to ingest errors under the "reason" context key
const (
	ReasonRateLimited = "rate_limited"
	ReasonCircuitOpen = "circuit_open"
	ReasonRejected    = "rejected"
)

// Config holds the write endpoint settings
type Config struct {
	URL     string
	Token   string
	Org     string
	Bucket  string
	Timeout time.Duration
}

// Writer sends points one request at a time with second precision
type Writer struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	breaker  *circuit.Breaker
	timeout  time.Duration
	logger   *log.Logger
}

// NewWriter creates a writer for cfg. No request is made until the first write.
func NewWriter(cfg Config, logger *log.Logger) *Writer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	opts := influxdb2.DefaultOptions().
		SetPrecision(time.Second).
		SetHTTPRequestTimeout(uint(max(cfg.Timeout/time.Second, 1)))
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)

	breakerCfg := circuit.DefaultConfig()
	breakerCfg.Name = "influx"

	return &Writer{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		breaker:  circuit.New(breakerCfg),
		timeout:  cfg.Timeout,
		logger:   logger.WithComponent("ingest"),
	}
}

// WritePoint writes p. After repeated failures writes are skipped for a
// cool-down and return a circuit_open error.
func (w *Writer) WritePoint(ctx context.Context, p *write.Point) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	err := w.breaker.Execute(ctx, func() error {
		return w.writeAPI.WritePoint(ctx, p)
	})
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, circuit.ErrOpen):
		return errors.Wrap(err, errors.ErrorTypeIngest, "write_point", "writes paused after repeated failures").
			WithContext("reason", ReasonCircuitOpen)
	case rateLimited(err):
		return errors.Wrap(err, errors.ErrorTypeIngest, "write_point", "rate limited").
			WithContext("reason", ReasonRateLimited)
	}

	se := errors.Wrap(err, errors.ErrorTypeIngest, "write_point", "failed to send metrics").
		WithContext("reason", ReasonRejected)
	var herr *ihttp.Error
	if errors.As(err, &herr) && herr.StatusCode != 0 {
		se.WithContext("status", herr.StatusCode)
	}
	return se
}

// rateLimited reports whether err is an HTTP 429 from the write endpoint
func rateLimited(err error) bool {
	var herr *ihttp.Error
	if errors.As(err, &herr) && herr.StatusCode == http.StatusTooManyRequests {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "too many requests") || strings.Contains(msg, "status code 429")
}

// Reason returns the "reason" context of an ingest error, or ""
func Reason(err error) string {
	reason, _ := errors.GetContext(err)["reason"].(string)
	return reason
}

// IsRateLimited reports whether err is a rate_limited ingest error
func IsRateLimited(err error) bool {
	return Reason(err) == ReasonRateLimited
}

// Health checks the endpoint's /health
func (w *Writer) Health(ctx context.Context) error {
	health, err := w.client.Health(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeIngest, "health_check", "failed to check health")
	}
	if health.Status != "pass" {
		msg := string(health.Status)
		if health.Message != nil {
			msg = *health.Message
		}
		return errors.New(errors.ErrorTypeIngest, "health_check", "health check failed: "+msg)
	}
	return nil
}

// Close releases the client's idle connections
func (w *Writer) Close() {
	w.client.Close()
}
