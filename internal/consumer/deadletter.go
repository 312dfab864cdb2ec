package consumer

import (
	"context"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// Dead-letter headers added to the original message.
const (
	HeaderReason   = "x-dlq-reason"
	HeaderError    = "x-dlq-error"
	HeaderAttempts = "x-dlq-attempts"
	HeaderSource   = "x-dlq-source"
)

// Dead-letter reasons.
const (
	ReasonMalformed          = "malformed"
	ReasonStorageUnavailable = "storage_unavailable"
	ReasonHandlerError       = "handler_error"
)

// Writer is the part of *kafka.Writer the sinks need.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// DeadLetterSink parks messages that will never be handled successfully.
type DeadLetterSink interface {
	Send(ctx context.Context, msg kafka.Message, reason string, attempts int, cause error) error
}

// KafkaDeadLetter writes dead letters to a topic configured on the writer.
type KafkaDeadLetter struct {
	writer Writer
}

func NewKafkaDeadLetter(w Writer) *KafkaDeadLetter {
	return &KafkaDeadLetter{writer: w}
}

// Send copies msg with its key, so one order's dead letters stay together.
func (d *KafkaDeadLetter) Send(ctx context.Context, msg kafka.Message, reason string, attempts int, cause error) error {
	headers := make([]kafka.Header, 0, len(msg.Headers)+4)
	headers = append(headers, msg.Headers...)
	errText := ""
	if cause != nil {
		errText = cause.Error()
	}
	headers = append(headers,
		kafka.Header{Key: HeaderReason, Value: []byte(reason)},
		kafka.Header{Key: HeaderError, Value: []byte(errText)},
		kafka.Header{Key: HeaderAttempts, Value: []byte(strconv.Itoa(attempts))},
		kafka.Header{Key: HeaderSource, Value: []byte(source(msg))},
	)
	return d.writer.WriteMessages(ctx, kafka.Message{
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
		Time:    time.Now(),
	})
}

func source(msg kafka.Message) string {
	return msg.Topic + "/" + strconv.Itoa(msg.Partition) + "/" + strconv.FormatInt(msg.Offset, 10)
}
