package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/hackgods/patient-flow-orchestrator/internal/logger"
)

// LogDeliverer writes notifications to the log. It is used when no
// transport is configured.
type LogDeliverer struct {
	log *logrus.Entry
}

func NewLogDeliverer(log *logrus.Entry) *LogDeliverer {
	if log == nil {
		log = logger.Discard().WithComponent("notify")
	}
	return &LogDeliverer{log: log}
}

func (d *LogDeliverer) Deliver(ctx context.Context, n Notification) error {
	d.log.WithContext(ctx).WithFields(logrus.Fields{
		"notification_id": n.ID,
		"kind":            n.Kind,
		"appointment_id":  n.AppointmentID,
		"payload_digest":  n.PayloadDigest,
		"attempt":         n.Attempts,
	}).Info("notification delivered")
	return nil
}

// message is the record published for the SMS/email/push transport.
type message struct {
	ID                   string    `json:"id"`
	Kind                 Kind      `json:"kind"`
	AppointmentID        string    `json:"appointment_id"`
	ScheduledFor         time.Time `json:"scheduled_for"`
	PayloadDigest        string    `json:"payload_digest"`
	Position             int       `json:"position,omitempty"`
	EstimatedWaitSeconds int64     `json:"estimated_wait_seconds,omitempty"`
}

// KafkaDeliverer publishes notifications to a Kafka topic consumed by the
// delivery transport. Records are keyed by appointment so one patient's
// notices stay ordered within a partition.
type KafkaDeliverer struct {
	client *kgo.Client
	topic  string
}

func NewKafkaDeliverer(brokers []string, topic string, opts ...kgo.Opt) (*KafkaDeliverer, error) {
	base := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchMaxBytes(1 << 20),
		kgo.RecordRetries(1),
	}
	client, err := kgo.NewClient(append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &KafkaDeliverer{client: client, topic: topic}, nil
}

// Ping checks that at least one broker is reachable.
func (d *KafkaDeliverer) Ping(ctx context.Context) error {
	return d.client.Ping(ctx)
}

func (d *KafkaDeliverer) Deliver(ctx context.Context, n Notification) error {
	value, err := json.Marshal(message{
		ID:                   n.ID,
		Kind:                 n.Kind,
		AppointmentID:        n.AppointmentID,
		ScheduledFor:         n.ScheduledFor.UTC(),
		PayloadDigest:        n.PayloadDigest,
		Position:             n.Position,
		EstimatedWaitSeconds: int64(n.EstimatedWait / time.Second),
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	rec := &kgo.Record{
		Topic: d.topic,
		Key:   []byte(n.AppointmentID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "kind", Value: []byte(n.Kind)},
			{Key: "notification_id", Value: []byte(n.ID)},
		},
	}
	if err := d.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce notification: %w", err)
	}
	return nil
}

func (d *KafkaDeliverer) Close() {
	d.client.Close()
}
