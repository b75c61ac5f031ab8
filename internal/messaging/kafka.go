// Package messaging publishes audit results to Kafka.
package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/bardlex/poolaudit/pkg/errors"
	"github.com/bardlex/poolaudit/pkg/log"
	"github.com/bardlex/poolaudit/pkg/retry"
)

// messageWriter is the part of kafka.Writer the client uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaClient publishes JSON documents to a single topic
type KafkaClient struct {
	writer      messageWriter
	topic       string
	tool        string
	logger      *log.Logger
	retryConfig *retry.Config
}

// NewKafkaClient creates a client for topic on brokers. No connection is
// made until the first publish.
func NewKafkaClient(brokers []string, topic, tool string, logger *log.Logger) *KafkaClient {
	if topic == "" {
		topic = TopicAuditResults
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchSize:              1,
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           10 * time.Second,
		AllowAutoTopicCreation: true,
	}

	return newKafkaClient(writer, topic, tool, logger)
}

func newKafkaClient(w messageWriter, topic, tool string, logger *log.Logger) *KafkaClient {
	return &KafkaClient{
		writer:      w,
		topic:       topic,
		tool:        tool,
		logger:      logger.WithComponent("kafka"),
		retryConfig: retry.PublishConfig(),
	}
}

// Topic returns the topic messages are written to
func (k *KafkaClient) Topic() string {
	return k.topic
}

// PublishJSON encodes v and writes it under key, retrying transient broker
// errors with backoff
func (k *KafkaClient) PublishJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypePublish, "json_marshal",
			"failed to encode message").
			WithContext("topic", k.topic)
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: data,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: HeaderContentType, Value: []byte(ContentTypeJSON)},
			{Key: HeaderTool, Value: []byte(k.tool)},
		},
	}

	return retry.Do(ctx, k.retryConfig, func() error {
		if err := k.writer.WriteMessages(ctx, msg); err != nil {
			se := errors.Wrap(err, errors.ErrorTypePublish, "publish_json",
				"failed to publish message to Kafka").
				WithContext("topic", k.topic).
				WithContext("key", key).
				WithContext("message_size", len(data))
			se.Retryable = isTransient(err)
			k.logger.WithError(err).Warn("publish attempt failed", "topic", k.topic, "key", key)
			return se
		}

		k.logger.Debug("published message", "topic", k.topic, "key", key, "size", len(data))
		return nil
	})
}

// isTransient reports whether a broker error is worth another attempt
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var kerr kafka.Error
	if errors.As(err, &kerr) {
		return kerr.Temporary()
	}
	return true
}

// Close flushes and closes the writer
func (k *KafkaClient) Close() error {
	if err := k.writer.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypePublish, "close_writer", "failed to close Kafka writer").
			WithContext("topic", k.topic)
	}
	return nil
}
