package main

import (
	"context"
	"encoding/json"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/pkg/errors"
)

// Notifier announces a finished run to downstream consumers.
type Notifier interface {
	Notify(ctx context.Context, report *RunReport) error
	Close()
}

type KafkaNotifier struct {
	producer *kafka.Producer
	topic    string
}

func NewKafkaNotifier(address string, topic string) (*KafkaNotifier, error) {
	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": address,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create kafka producer")
	}

	return &KafkaNotifier{
		producer: producer,
		topic:    topic,
	}, nil
}

// Notify publishes the report keyed by its month tag and waits for delivery.
func (n *KafkaNotifier) Notify(ctx context.Context, report *RunReport) error {
	value, err := json.Marshal(report)
	if err != nil {
		return errors.Wrap(err, "failed to marshal run report")
	}

	delivery := make(chan kafka.Event, 1)
	err = n.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &n.topic, Partition: kafka.PartitionAny},
		Key:            []byte(report.Tag),
		Value:          value,
	}, delivery)
	if err != nil {
		return errors.Wrap(err, "failed to produce run report")
	}

	select {
	case ev := <-delivery:
		switch e := ev.(type) {
		case *kafka.Message:
			return errors.Wrap(e.TopicPartition.Error, "failed to deliver run report")
		case kafka.Error:
			return errors.Wrap(e, "failed to deliver run report")
		default:
			return errors.Errorf("unexpected delivery event %v", e)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *KafkaNotifier) Close() {
	n.producer.Flush(15 * 1000)
	n.producer.Close()
}

type FakeNotifier struct {
	reports []*RunReport
}

func NewFakeNotifier() *FakeNotifier {
	return &FakeNotifier{}
}

func (n *FakeNotifier) Notify(ctx context.Context, report *RunReport) error {
	n.reports = append(n.reports, report)
	return nil
}

func (n *FakeNotifier) Close() {}
