package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/kjstillabower/city-weather-service/internal/models"
	"github.com/kjstillabower/city-weather-service/internal/observability"
)

const (
	TypeCityCreated         = "city.created"
	TypeCityDeleted         = "city.deleted"
	TypeObservationRecorded = "observation.recorded"
)

// Event is a city lifecycle or observation notification.
type Event struct {
	Type        string              `json:"event_type"`
	CityID      int64               `json:"city_id"`
	CityName    string              `json:"city_name"`
	Observation *models.Observation `json:"observation,omitempty"`
	OccurredAt  time.Time           `json:"occurred_at"`
}

// Publisher delivers events. Publishing is best effort: callers log failures
// and never fail the originating operation on them.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NopPublisher discards every event. Used when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }

// messageWriter is the subset of *kafkago.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// KafkaPublisher writes events as JSON to a single topic, keyed by city id so a
// city's events stay ordered within one partition.
type KafkaPublisher struct {
	writer messageWriter
	logger *zap.Logger
}

func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireOne,
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return &KafkaPublisher{writer: w, logger: logger}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	msg, err := serializeToMessage(event)
	if err != nil {
		observability.EventsPublishedTotal.WithLabelValues(event.Type, "error").Inc()
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		observability.EventsPublishedTotal.WithLabelValues(event.Type, "error").Inc()
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	observability.EventsPublishedTotal.WithLabelValues(event.Type, "success").Inc()
	p.logger.Debug("event published", zap.String("event_type", event.Type), zap.Int64("city_id", event.CityID))
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func serializeToMessage(event Event) (kafkago.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize %s event: %w", event.Type, err)
	}
	return kafkago.Message{
		Key:   []byte(strconv.FormatInt(event.CityID, 10)),
		Value: data,
		Time:  event.OccurredAt,
		Headers: []kafkago.Header{
			{Key: "event_type", Value: []byte(event.Type)},
			{Key: "occurred_at", Value: []byte(event.OccurredAt.Format(time.RFC3339))},
		},
	}, nil
}
