package mq

import (
	"fmt"

	"mlmledger/internal/config"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog/log"
)

// Publisher sends keyed messages to a topic.
type Publisher interface {
	Publish(topic, key, value string, headers map[string]string) error
	Close() error
}

// KafkaPublisher wraps a sarama SyncProducer.
type KafkaPublisher struct {
	producer sarama.SyncProducer
}

// InitKafka creates a producer that waits for all in-sync replicas.
func InitKafka(cfg *config.KafkaConfig) (*KafkaPublisher, error) {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.ClientID = cfg.ClientID
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll
	kafkaConfig.Producer.Retry.Max = 3
	kafkaConfig.Producer.Return.Successes = true
	kafkaConfig.Producer.Idempotent = cfg.Idempotent
	if cfg.Idempotent {
		kafkaConfig.Net.MaxOpenRequests = 1
		kafkaConfig.Version = sarama.V2_1_0_0
	}

	producer, err := sarama.NewSyncProducer(cfg.Brokers, kafkaConfig)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	log.Info().Str("section", "kafka").Strs("brokers", cfg.Brokers).Msg("Kafka producer created")
	return NewKafkaPublisher(producer), nil
}

func NewKafkaPublisher(producer sarama.SyncProducer) *KafkaPublisher {
	return &KafkaPublisher{producer: producer}
}

func (p *KafkaPublisher) Publish(topic, key, value string, headers map[string]string) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder(value),
	}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	_, _, err := p.producer.SendMessage(msg)
	return err
}

func (p *KafkaPublisher) Close() error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}
