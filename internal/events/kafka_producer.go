// Package events publishes and decodes ride-offered notifications on Kafka.
package events

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-composer/internal/models"
)

// RideOffered is emitted after the backend accepted a new ride.
type RideOffered struct {
	RideID        int64                `json:"rideId"`
	UserID        int64                `json:"userId"`
	Mode          models.Mode          `json:"mode"`
	From          models.LocationPoint `json:"from"`
	To            models.LocationPoint `json:"to"`
	RecurringDays []models.Weekday     `json:"recurringDays,omitempty"`
	OccurredAt    time.Time            `json:"occurredAt"`
}

// SearchEntry is the recency record the event implies for its user.
func (e RideOffered) SearchEntry() models.SearchEntry {
	return models.SearchEntry{
		From:          e.From,
		To:            e.To,
		Timestamp:     e.OccurredAt,
		Recurring:     e.Mode == models.ModeRecurring,
		RecurringDays: e.RecurringDays,
	}
}

// Publisher is satisfied by KafkaProducer and by test doubles.
type Publisher interface {
	PublishRideOffered(ctx context.Context, e RideOffered) error
}

type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.Hash{}})
	return &KafkaProducer{writer: w}
}

// PublishRideOffered keys messages by user so one user's events stay ordered.
func (k *KafkaProducer) PublishRideOffered(ctx context.Context, e RideOffered) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(strconv.FormatInt(e.UserID, 10)), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// Decode parses a RideOffered message value.
func Decode(value []byte) (RideOffered, error) {
	var e RideOffered
	err := json.Unmarshal(value, &e)
	return e, err
}

// Nop discards events. It is used when no brokers are configured.
type Nop struct{}

func (Nop) PublishRideOffered(context.Context, RideOffered) error { return nil }
