package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/example/course-dispatch/internal/models"
)

// SampleMessage is the wire shape of one accepted position sample.
type SampleMessage struct {
	DriverID uuid.UUID  `json:"driver_id"`
	Fix      models.Fix `json:"fix"`
}

// KafkaProducer publishes accepted samples keyed by driver so a partition
// always sees one driver's samples in order.
type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.Hash{}})
	return &KafkaProducer{writer: w}
}

// Send implements the sampler's Transmitter.
func (k *KafkaProducer) Send(ctx context.Context, driverID uuid.UUID, f models.Fix) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(SampleMessage{DriverID: driverID, Fix: f})
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(driverID.String()), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
