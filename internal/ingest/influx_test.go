package ingest

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/poolaudit/pkg/circuit"
	"github.com/bardlex/poolaudit/pkg/errors"
	"github.com/bardlex/poolaudit/pkg/log"
)

type writeRequest struct {
	query  map[string]string
	auth   string
	body   string
	status int
}

type fakeInflux struct {
	mu       sync.Mutex
	requests []writeRequest
	status   int
	body     string
}

func newFakeInflux(t *testing.T, status int, body string) (*fakeInflux, *httptest.Server) {
	t.Helper()
	f := &fakeInflux{status: status, body: body}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"name":"influxdb","message":"ready for queries and writes","status":"pass","checks":[]}`)
			return
		case "/api/v2/write":
		default:
			http.NotFound(w, r)
			return
		}

		raw, _ := io.ReadAll(r.Body)
		q := r.URL.Query()

		f.mu.Lock()
		f.requests = append(f.requests, writeRequest{
			query:  map[string]string{"org": q.Get("org"), "bucket": q.Get("bucket"), "precision": q.Get("precision")},
			auth:   r.Header.Get("Authorization"),
			body:   string(raw),
			status: f.status,
		})
		status, body := f.status, f.body
		f.mu.Unlock()

		if body != "" {
			w.Header().Set("Content-Type", "application/json")
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeInflux) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func newTestWriter(url string) *Writer {
	return NewWriter(Config{
		URL:     url,
		Token:   "secret-token",
		Org:     "hashluck",
		Bucket:  "miners",
		Timeout: 2 * time.Second,
	}, log.Discard())
}

func testPoint() *write.Point {
	return write.NewPointWithMeasurement("bitaxe").
		AddTag("host", "rig1").
		AddField("temperature", 58.5).
		AddField("shares_accepted", int64(10)).
		SetTime(time.Unix(1760000000, 0))
}

func TestWriter_WritePoint(t *testing.T) {
	fake, srv := newFakeInflux(t, http.StatusNoContent, "")
	w := newTestWriter(srv.URL)
	defer w.Close()

	if err := w.WritePoint(context.Background(), testPoint()); err != nil {
		t.Fatalf("WritePoint() error = %v", err)
	}

	if fake.count() != 1 {
		t.Fatalf("got %d requests, want 1", fake.count())
	}
	req := fake.requests[0]
	if req.query["org"] != "hashluck" || req.query["bucket"] != "miners" || req.query["precision"] != "s" {
		t.Errorf("query = %v", req.query)
	}
	if req.auth != "Token secret-token" {
		t.Errorf("Authorization = %q", req.auth)
	}

	line := strings.TrimSpace(req.body)
	if !strings.HasPrefix(line, "bitaxe,host=rig1 ") || !strings.HasSuffix(line, " 1760000000") {
		t.Errorf("line = %q", line)
	}
	if !strings.Contains(line, "shares_accepted=10i") || !strings.Contains(line, "temperature=58.5") {
		t.Errorf("line = %q", line)
	}
}

func TestWriter_WritePoint_Errors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantReason string
	}{
		{
			name:       "rate limited",
			status:     http.StatusTooManyRequests,
			body:       `{"code":"too many requests","message":"org has exceeded limited_write plan limit"}`,
			wantReason: ReasonRateLimited,
		},
		{
			name:       "unauthorized",
			status:     http.StatusUnauthorized,
			body:       `{"code":"unauthorized","message":"unauthorized access"}`,
			wantReason: ReasonRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, srv := newFakeInflux(t, tt.status, tt.body)
			w := newTestWriter(srv.URL)
			defer w.Close()

			err := w.WritePoint(context.Background(), testPoint())
			if !errors.IsType(err, errors.ErrorTypeIngest) {
				t.Fatalf("WritePoint() error = %v, want ingest error", err)
			}
			if got := Reason(err); got != tt.wantReason {
				t.Errorf("Reason() = %q, want %q (err: %v)", got, tt.wantReason, err)
			}
			if IsRateLimited(err) != (tt.wantReason == ReasonRateLimited) {
				t.Errorf("IsRateLimited() = %v", IsRateLimited(err))
			}
		})
	}
}

func TestWriter_BreakerOpens(t *testing.T) {
	fake, srv := newFakeInflux(t, http.StatusInternalServerError, `{"code":"internal error","message":"boom"}`)
	w := newTestWriter(srv.URL)
	defer w.Close()

	maxFailures := circuit.DefaultConfig().MaxFailures
	for range maxFailures {
		if err := w.WritePoint(context.Background(), testPoint()); err == nil {
			t.Fatal("WritePoint() succeeded against a failing endpoint")
		}
	}
	if w.breaker.State() != circuit.StateOpen {
		t.Fatalf("breaker = %s, want open", w.breaker.State())
	}

	err := w.WritePoint(context.Background(), testPoint())
	if Reason(err) != ReasonCircuitOpen {
		t.Errorf("Reason() = %q, want %q", Reason(err), ReasonCircuitOpen)
	}
	if fake.count() != maxFailures {
		t.Errorf("endpoint saw %d requests, want %d", fake.count(), maxFailures)
	}
}

func TestWriter_Health(t *testing.T) {
	_, srv := newFakeInflux(t, http.StatusNoContent, "")
	w := newTestWriter(srv.URL)
	defer w.Close()

	if err := w.Health(context.Background()); err != nil {
		t.Errorf("Health() error = %v", err)
	}
}

func TestRateLimited(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{errors.New(errors.ErrorTypeIngest, "w", "Unexpected status code 429"), true},
		{errors.New(errors.ErrorTypeIngest, "w", "too many requests: slow down"), true},
		{errors.New(errors.ErrorTypeIngest, "w", "unauthorized"), false},
	}

	for _, tt := range tests {
		if got := rateLimited(tt.err); got != tt.want {
			t.Errorf("rateLimited(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
