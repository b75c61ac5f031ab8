package agent

import (
	"bytes"
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/poolaudit/internal/device"
	"github.com/bardlex/poolaudit/internal/ingest"
	"github.com/bardlex/poolaudit/pkg/errors"
	"github.com/bardlex/poolaudit/pkg/log"
)

type fakeFetcher struct {
	infos map[string]*device.SystemInfo
	delay time.Duration

	inFlight atomic.Int32
	peak     atomic.Int32
	calls    atomic.Int32
}

func (f *fakeFetcher) Fetch(ctx context.Context, addr string) (*device.SystemInfo, error) {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	info, ok := f.infos[addr]
	if !ok {
		return nil, errors.New(errors.ErrorTypeDevice, "fetch_metrics", "failed to fetch metrics").
			WithContext("device", addr)
	}
	return info, nil
}

type fakeWriter struct {
	mu     sync.Mutex
	points []*write.Point
	err    error
}

func (w *fakeWriter) WritePoint(_ context.Context, p *write.Point) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.points = append(w.points, p)
	return nil
}

func (w *fakeWriter) hosts() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var hosts []string
	for _, p := range w.points {
		for _, tag := range p.TagList() {
			if tag.Key == "host" {
				hosts = append(hosts, tag.Value)
			}
		}
	}
	return hosts
}

func sampleInfo(hostname string, ghs float64) *device.SystemInfo {
	temp := 55.0
	return &device.SystemInfo{Hostname: &hostname, HashRate: &ghs, Temp: &temp}
}

func bufferLogger(buf *bytes.Buffer) *log.Logger {
	return log.NewWithWriter(buf, "axeagent", "test", "info", "json")
}

func TestMiners(t *testing.T) {
	got := Miners([]string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}, []string{"Garage Rig", "office"})
	want := []Miner{
		{Addr: "10.0.0.1", Name: "GarageRig"},
		{Addr: "10.0.0.2", Name: "office"},
		{Addr: "10.0.0.3"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Miners() = %+v, want %+v", got, want)
	}
}

func TestAgent_Cycle(t *testing.T) {
	fetcher := &fakeFetcher{infos: map[string]*device.SystemInfo{
		"10.0.0.1": sampleInfo("bitaxe-1", 500),
		"10.0.0.2": sampleInfo("bitaxe-2", 610),
	}}
	writer := &fakeWriter{}
	var buf bytes.Buffer

	miners := Miners([]string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}, []string{"", "Office"})
	a := New(miners, fetcher, writer, Config{MaxFailures: 5}, bufferLogger(&buf))

	report := a.Cycle(context.Background())

	if report.Sent != 2 || report.Total != 3 {
		t.Errorf("report = %+v, want 2/3", report)
	}
	if !reflect.DeepEqual(report.Failed, []string{"10.0.0.3"}) {
		t.Errorf("Failed = %v", report.Failed)
	}
	if got := writer.hosts(); !reflect.DeepEqual(got, []string{"bitaxe-1", "Office"}) {
		t.Errorf("hosts = %v", got)
	}

	out := buf.String()
	for _, want := range []string{"bitaxe-1: 500.0 GH/s | 55.0°C", "Office: 610.0 GH/s | 55.0°C", "Summary: 2/3 miners reporting"} {
		if !strings.Contains(out, want) {
			t.Errorf("log missing %q", want)
		}
	}
}

func TestAgent_Cycle_SingleMinerHasNoSummary(t *testing.T) {
	fetcher := &fakeFetcher{infos: map[string]*device.SystemInfo{"10.0.0.1": sampleInfo("solo", 1)}}
	var buf bytes.Buffer
	a := New(Miners([]string{"10.0.0.1"}, nil), fetcher, &fakeWriter{}, Config{}, bufferLogger(&buf))

	if r := a.Cycle(context.Background()); r.Sent != 1 {
		t.Errorf("Sent = %d, want 1", r.Sent)
	}
	if strings.Contains(buf.String(), "Summary:") {
		t.Error("single miner should not log a summary")
	}
}

func TestAgent_ConsecutiveFailures(t *testing.T) {
	fetcher := &fakeFetcher{infos: map[string]*device.SystemInfo{}}
	var buf bytes.Buffer
	a := New(Miners([]string{"10.0.0.9"}, nil), fetcher, &fakeWriter{}, Config{MaxFailures: 3}, bufferLogger(&buf))
	ctx := context.Background()

	wantCounts := []int{1, 2, 0, 1}
	for i, want := range wantCounts {
		a.Cycle(ctx)
		if got := a.failures["10.0.0.9"]; got != want {
			t.Fatalf("after cycle %d failures = %d, want %d", i+1, got, want)
		}
	}
	if n := strings.Count(buf.String(), "consecutive failures"); n != 1 {
		t.Errorf("warned %d times, want 1", n)
	}

	// a success clears the streak
	fetcher.infos["10.0.0.9"] = sampleInfo("back", 1)
	a.Cycle(ctx)
	if a.failures["10.0.0.9"] != 0 {
		t.Errorf("failures = %d after success, want 0", a.failures["10.0.0.9"])
	}
}

func TestAgent_Cycle_WriteErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantLog string
	}{
		{
			name: "rate limited",
			err: errors.New(errors.ErrorTypeIngest, "write_point", "rate limited").
				WithContext("reason", ingest.ReasonRateLimited),
			wantLog: "rate limited, waiting",
		},
		{
			name:    "rejected",
			err:     errors.New(errors.ErrorTypeIngest, "write_point", "failed to send metrics"),
			wantLog: "failed to send metrics",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetcher := &fakeFetcher{infos: map[string]*device.SystemInfo{"10.0.0.1": sampleInfo("a", 1)}}
			var buf bytes.Buffer
			a := New(Miners([]string{"10.0.0.1"}, nil), fetcher, &fakeWriter{err: tt.err}, Config{}, bufferLogger(&buf))

			r := a.Cycle(context.Background())
			if r.Sent != 0 {
				t.Errorf("Sent = %d, want 0", r.Sent)
			}
			if a.failures["10.0.0.1"] != 0 {
				t.Error("a write failure should not count as a device failure")
			}
			if !strings.Contains(buf.String(), tt.wantLog) {
				t.Errorf("log missing %q:\n%s", tt.wantLog, buf.String())
			}
		})
	}
}

func TestAgent_Cycle_EmptyReport(t *testing.T) {
	fetcher := &fakeFetcher{infos: map[string]*device.SystemInfo{"10.0.0.1": {}}}
	writer := &fakeWriter{}
	a := New(Miners([]string{"10.0.0.1"}, nil), fetcher, writer, Config{}, log.Discard())

	r := a.Cycle(context.Background())
	if r.Sent != 0 || len(r.Skipped) != 1 || len(writer.hosts()) != 0 {
		t.Errorf("report = %+v, writes = %d", r, len(writer.hosts()))
	}
}

func TestAgent_Collect_BoundedConcurrency(t *testing.T) {
	const n = 25
	infos := make(map[string]*device.SystemInfo, n)
	addrs := make([]string, n)
	for i := range n {
		addrs[i] = fmt.Sprintf("10.0.1.%d", i)
		infos[addrs[i]] = sampleInfo(fmt.Sprintf("m%d", i), float64(i))
	}
	fetcher := &fakeFetcher{infos: infos, delay: 20 * time.Millisecond}
	a := New(Miners(addrs, nil), fetcher, &fakeWriter{}, Config{MaxWorkers: 10}, log.Discard())

	samples := a.Collect(context.Background())

	if peak := fetcher.peak.Load(); peak > 10 || peak < 2 {
		t.Errorf("peak concurrency = %d, want 2..10", peak)
	}
	for i, s := range samples {
		if s.Err != nil || s.Miner.Addr != addrs[i] || *s.Info.HashRate != float64(i) {
			t.Fatalf("sample %d = %+v", i, s)
		}
	}
}

func TestAgent_Run_StopsOnCancel(t *testing.T) {
	fetcher := &fakeFetcher{infos: map[string]*device.SystemInfo{"10.0.0.1": sampleInfo("a", 1)}}
	writer := &fakeWriter{}
	a := New(Miners([]string{"10.0.0.1"}, nil), fetcher, writer, Config{Interval: 20 * time.Millisecond}, log.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for len(writer.hosts()) < 2 {
		select {
		case <-deadline:
			t.Fatal("agent did not complete two cycles")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
