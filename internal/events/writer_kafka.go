package events

import (
	"context"

	"github.com/IBM/sarama"
	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/pkg/errors"
)

// KafkaWriter publishes events to a kafka topic through a synchronous
// producer. Event kind and id travel as message headers.
type KafkaWriter struct {
	producer sarama.SyncProducer
}

func NewKafkaWriter(brokers []string, clientID string, version string) (*KafkaWriter, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	if version != "" {
		v, err := sarama.ParseKafkaVersion(version)
		if err != nil {
			return nil, errors.Wrap(err, "parsing kafka version")
		}
		cfg.Version = v
	}
	if clientID != "" {
		cfg.ClientID = clientID
	}

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "creating kafka producer")
	}
	return &KafkaWriter{producer: producer}, nil
}

func (w *KafkaWriter) Write(ctx context.Context, topic string, e cloudevents.Event) error {
	payload, err := e.MarshalJSON()
	if err != nil {
		return errors.Wrap(err, "encoding event")
	}
	_, _, err = w.producer.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(e.ID()),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("ce_type"), Value: []byte(e.Type())},
			{Key: []byte("ce_source"), Value: []byte(e.Source())},
		},
	})
	return err
}

func (w *KafkaWriter) Close(_ context.Context) error {
	return w.producer.Close()
}
