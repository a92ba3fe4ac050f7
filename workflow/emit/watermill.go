package emit

import (
	"errors"
	"time"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

// DefaultTopic is the topic events are published to when none is given.
const DefaultTopic = "dagflow.events"

// Message metadata keys set on every published event.
const (
	MetadataEvent       = "event"
	MetadataWorkflow    = "workflow"
	MetadataExecutionID = "execution_id"
)

// WireEvent is the JSON payload of a published event.
type WireEvent struct {
	WorkflowName string         `json:"workflow"`
	ExecutionID  string         `json:"execution_id"`
	NodeName     string         `json:"node,omitempty"`
	Msg          string         `json:"msg"`
	Time         time.Time      `json:"time"`
	Meta         map[string]any `json:"meta,omitempty"`
}

// WatermillEmitter publishes events to a watermill publisher, which may be
// an in-process gochannel or a Kafka topic.
//
// Publish failures are logged and otherwise ignored. Kafka publishing is a
// synchronous network call, so wrap the emitter in an AsyncEmitter when it
// sits on the scheduling path.
type WatermillEmitter struct {
	publisher message.Publisher
	topic     string
	logger    *zap.Logger
}

// NewWatermillEmitter returns an emitter publishing to topic. An empty
// topic uses DefaultTopic.
func NewWatermillEmitter(publisher message.Publisher, topic string, logger *zap.Logger) *WatermillEmitter {
	if topic == "" {
		topic = DefaultTopic
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WatermillEmitter{publisher: publisher, topic: topic, logger: logger}
}

// Topic returns the destination topic.
func (w *WatermillEmitter) Topic() string { return w.topic }

func (w *WatermillEmitter) Emit(event Event) {
	payload, err := json.Marshal(WireEvent{
		WorkflowName: event.WorkflowName,
		ExecutionID:  event.ExecutionID,
		NodeName:     event.NodeName,
		Msg:          event.Msg,
		Time:         event.Time,
		Meta:         event.Meta,
	})
	if err != nil {
		w.logger.Warn("encode event", zap.String("event", event.Msg), zap.Error(err))
		return
	}

	msg := message.NewMessage("evt-"+watermill.NewULID(), payload)
	msg.Metadata.Set(MetadataEvent, event.Msg)
	msg.Metadata.Set(MetadataWorkflow, event.WorkflowName)
	msg.Metadata.Set(MetadataExecutionID, event.ExecutionID)

	if err := w.publisher.Publish(w.topic, msg); err != nil {
		w.logger.Warn("publish event",
			zap.String("event", event.Msg),
			zap.String("topic", w.topic),
			zap.Error(err))
	}
}

// Close closes the underlying publisher.
func (w *WatermillEmitter) Close() error { return w.publisher.Close() }

// DecodeEvent parses a payload published by WatermillEmitter.
func DecodeEvent(payload []byte) (WireEvent, error) {
	var e WireEvent
	err := json.Unmarshal(payload, &e)
	return e, err
}

// NewGoChannel returns an in-process pub/sub suitable for local runs and
// tests. Publish does not wait for subscribers.
func NewGoChannel(logger watermill.LoggerAdapter) *gochannel.GoChannel {
	return gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            1000,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		},
		logger,
	)
}

// NewKafkaPublisher returns a synchronous Kafka publisher for brokers.
func NewKafkaPublisher(brokers []string, logger watermill.LoggerAdapter) (*kafka.Publisher, error) {
	if len(brokers) == 0 || brokers[0] == "" {
		return nil, errors.New("kafka publisher: no brokers configured")
	}
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.Return.Successes = true
	return kafka.NewPublisher(
		kafka.PublisherConfig{
			Brokers:               brokers,
			Marshaler:             kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: saramaConfig,
		},
		logger,
	)
}

// ZapLogger adapts a zap logger to watermill.LoggerAdapter. Trace messages
// are logged at debug.
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger wraps logger; nil yields a no-op adapter.
func NewZapLogger(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{logger: logger}
}

func (z *ZapLogger) Error(msg string, err error, fields watermill.LogFields) {
	z.logger.Error(msg, append(zapFields(fields), zap.Error(err))...)
}

func (z *ZapLogger) Info(msg string, fields watermill.LogFields) {
	z.logger.Info(msg, zapFields(fields)...)
}

func (z *ZapLogger) Debug(msg string, fields watermill.LogFields) {
	z.logger.Debug(msg, zapFields(fields)...)
}

func (z *ZapLogger) Trace(msg string, fields watermill.LogFields) {
	z.logger.Debug(msg, zapFields(fields)...)
}

func (z *ZapLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &ZapLogger{logger: z.logger.With(zapFields(fields)...)}
}

func zapFields(fields watermill.LogFields) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}
