package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bardlex/poolaudit/pkg/log"
)

func TestNewRootCommand_EnvDefaults(t *testing.T) {
	t.Setenv("BITAXE_IP", "10.0.0.1, 10.0.0.2")
	t.Setenv("BITAXELUCK_TOKEN", "abc123")
	t.Setenv("INTERVAL", "30")
	t.Setenv("MINER_NAMES", "Garage,Office")

	cmd := newRootCommand()

	tests := []struct {
		flag string
		want string
	}{
		{"bitaxe-ip", "10.0.0.1,10.0.0.2"},
		{"token", "abc123"},
		{"interval", "30"},
		{"miner-names", "Garage,Office"},
		{"influx-org", "hashluck"},
		{"influx-bucket", "miners"},
		{"max-workers", "10"},
		{"verbose", "false"},
	}
	for _, tt := range tests {
		f := cmd.Flags().Lookup(tt.flag)
		if f == nil {
			t.Errorf("flag --%s not defined", tt.flag)
			continue
		}
		if f.DefValue != tt.want {
			t.Errorf("--%s default = %q, want %q", tt.flag, f.DefValue, tt.want)
		}
	}

	for short, long := range map[string]string{"b": "bitaxe-ip", "t": "token", "i": "interval", "v": "verbose", "n": "miner-names"} {
		if f := cmd.Flags().ShorthandLookup(short); f == nil || f.Name != long {
			t.Errorf("-%s should map to --%s", short, long)
		}
	}
}

func TestRootCommand_Validation(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"missing ip", []string{"--token", "abc"}, "--bitaxe-ip is required"},
		{"missing token", []string{"-b", "10.0.0.1"}, "--token is required"},
		{"zero interval", []string{"-b", "10.0.0.1", "-t", "abc", "-i", "0"}, "INTERVAL must be positive"},
		{"blank ips", []string{"-b", " , ", "-t", "abc"}, "--bitaxe-ip is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("BITAXE_IP", "")
			t.Setenv("BITAXELUCK_TOKEN", "")

			cmd := newRootCommand()
			cmd.SetArgs(tt.args)
			cmd.SetOut(io.Discard)
			cmd.SetErr(io.Discard)

			err := cmd.Execute()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Execute() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestRootCommand_ForwardsMetrics(t *testing.T) {
	device := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/system/info" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"hashRate":480,"temp":52,"hostname":"bitaxe-garage","sharesAccepted":12,"bestDiff":"1.2M"}`)
	}))
	defer device.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu    sync.Mutex
		lines []string
		auth  string

		stopOnce sync.Once
	)
	influx := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"name":"influxdb","status":"pass","version":"2.7.0"}`)
			return
		}
		if r.URL.Path != "/api/v2/write" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		lines = append(lines, strings.TrimSpace(string(body)))
		auth = r.Header.Get("Authorization")
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
		// stop once the agent has seen the response
		stopOnce.Do(func() { time.AfterFunc(100*time.Millisecond, cancel) })
	}))
	defer influx.Close()

	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{
		"-b", strings.TrimPrefix(device.URL, "http://"),
		"-t", "abc123",
		"-n", "Garage Rig",
		"--influx-url", influx.URL,
		"--log-format", "json",
	})

	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop after the first write")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(lines) == 0 {
		t.Fatal("no points written")
	}
	if !strings.HasPrefix(lines[0], "bitaxe,host=GarageRig ") {
		t.Errorf("line = %q", lines[0])
	}
	for _, want := range []string{"hashrate=", "shares_accepted=12i", `best_diff="1.2M"`} {
		if !strings.Contains(lines[0], want) {
			t.Errorf("line missing %s: %q", want, lines[0])
		}
	}
	if auth != "Token abc123" {
		t.Errorf("Authorization = %q", auth)
	}
	for _, want := range []string{"ingestion endpoint healthy", "GarageRig: 480.0 GH/s"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("log missing %q:\n%s", want, out.String())
		}
	}
}

type fakeHealth struct{ err error }

func (f fakeHealth) Health(context.Context) error { return f.err }

func TestCheckIngest(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		want    bool
		wantLog string
	}{
		{"healthy", nil, true, "ingestion endpoint healthy"},
		{"unreachable", errors.New("connection refused"), false, "ingestion endpoint health check failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := log.NewWithWriter(&buf, "axeagent", "test", "info", "json")

			if got := checkIngest(context.Background(), fakeHealth{tt.err}, "http://influx.local", logger); got != tt.want {
				t.Errorf("checkIngest() = %v, want %v", got, tt.want)
			}
			if !strings.Contains(buf.String(), tt.wantLog) {
				t.Errorf("log missing %q:\n%s", tt.wantLog, buf.String())
			}
		})
	}
}
