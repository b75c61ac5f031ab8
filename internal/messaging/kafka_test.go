package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	perrors "github.com/bardlex/poolaudit/pkg/errors"
	"github.com/bardlex/poolaudit/pkg/log"
	"github.com/bardlex/poolaudit/pkg/retry"
)

type fakeWriter struct {
	mu       sync.Mutex
	failures []error
	calls    int
	messages []kafka.Message
	closed   bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return err
	}
	f.messages = append(f.messages, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func fastRetry() *retry.Config {
	return &retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func TestNewKafkaClient(t *testing.T) {
	client := NewKafkaClient([]string{"localhost:9092"}, "", "stratumaudit", log.Discard())

	if client.Topic() != TopicAuditResults {
		t.Errorf("Topic() = %q, want %q", client.Topic(), TopicAuditResults)
	}

	w, ok := client.writer.(*kafka.Writer)
	if !ok {
		t.Fatalf("writer is %T, want *kafka.Writer", client.writer)
	}
	if w.Topic != TopicAuditResults || w.Addr.String() != "localhost:9092" {
		t.Errorf("writer = %s %s", w.Topic, w.Addr)
	}
}

func TestKafkaClient_PublishJSON(t *testing.T) {
	fw := &fakeWriter{}
	client := newKafkaClient(fw, "audits", "stratumaudit", log.Discard())

	payload := map[string]any{"target_host": "pool.example", "target_port": 3333}
	if err := client.PublishJSON(context.Background(), "pool.example:3333", payload); err != nil {
		t.Fatalf("PublishJSON() error = %v", err)
	}

	if len(fw.messages) != 1 {
		t.Fatalf("wrote %d messages, want 1", len(fw.messages))
	}
	msg := fw.messages[0]
	if string(msg.Key) != "pool.example:3333" {
		t.Errorf("Key = %q", msg.Key)
	}

	var decoded map[string]any
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("Value is not JSON: %v", err)
	}
	if decoded["target_host"] != "pool.example" {
		t.Errorf("decoded = %v", decoded)
	}

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers[HeaderContentType] != ContentTypeJSON || headers[HeaderTool] != "stratumaudit" {
		t.Errorf("Headers = %v", headers)
	}
}

func TestKafkaClient_PublishJSON_Retry(t *testing.T) {
	tests := []struct {
		name      string
		failures  []error
		wantCalls int
		wantErr   bool
	}{
		{
			name:      "transient errors are retried",
			failures:  []error{kafka.LeaderNotAvailable, errors.New("dial tcp: connection refused")},
			wantCalls: 3,
		},
		{
			name:      "non-temporary broker error stops",
			failures:  []error{kafka.TopicAuthorizationFailed},
			wantCalls: 1,
			wantErr:   true,
		},
		{
			name:      "gives up after max attempts",
			failures:  []error{kafka.LeaderNotAvailable, kafka.LeaderNotAvailable, kafka.LeaderNotAvailable},
			wantCalls: 3,
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fw := &fakeWriter{failures: tt.failures}
			client := newKafkaClient(fw, "audits", "stratumaudit", log.Discard())
			client.retryConfig = fastRetry()

			err := client.PublishJSON(context.Background(), "k", map[string]int{"a": 1})
			if (err != nil) != tt.wantErr {
				t.Fatalf("PublishJSON() error = %v, wantErr %v", err, tt.wantErr)
			}
			if fw.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", fw.calls, tt.wantCalls)
			}
			if err != nil && !perrors.IsType(err, perrors.ErrorTypePublish) {
				t.Errorf("error type = %s, want publish", perrors.TypeOf(err))
			}
		})
	}
}

func TestKafkaClient_PublishJSON_MarshalError(t *testing.T) {
	fw := &fakeWriter{}
	client := newKafkaClient(fw, "audits", "stratumaudit", log.Discard())

	err := client.PublishJSON(context.Background(), "k", make(chan int))
	if err == nil || fw.calls != 0 {
		t.Fatalf("PublishJSON() error = %v, calls = %d", err, fw.calls)
	}
}

func TestKafkaClient_Close(t *testing.T) {
	fw := &fakeWriter{}
	client := newKafkaClient(fw, "audits", "stratumaudit", log.Discard())
	if err := client.Close(); err != nil || !fw.closed {
		t.Errorf("Close() error = %v, closed = %v", err, fw.closed)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{kafka.LeaderNotAvailable, true},
		{kafka.RequestTimedOut, true},
		{kafka.MessageSizeTooLarge, false},
		{context.Canceled, false},
		{errors.New("broken pipe"), true},
	}

	for _, tt := range tests {
		if got := isTransient(tt.err); got != tt.want {
			t.Errorf("isTransient(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
