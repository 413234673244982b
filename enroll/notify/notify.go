// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package notify publishes provisioning lifecycle events to Kafka, so that
// downstream services can react to issued certificates and device changes
// without polling the registry.
package notify

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/relabs-tech/provisio/core/logger"
)

// the lifecycle event operations
const (
	OperationTokenIssued       = "token_issued"
	OperationCertificateIssued = "certificate_issued"
	OperationDeviceCreated     = "device_created"
	OperationDeviceUpdated     = "device_updated"
	OperationDeviceDeleted     = "device_deleted"
	OperationDeviceAttached    = "device_attached"
	OperationDeviceDetached    = "device_detached"
)

// Event is one provisioning lifecycle notification.
type Event struct {
	Operation string    `json:"operation"`
	Subject   string    `json:"subject"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher emits lifecycle events. A nil Publisher drops all events, so
// callers do not need to special-case a deployment without Kafka.
type Publisher struct {
	writer *kafka.Writer
}

// Builder is a builder helper for the Publisher
type Builder struct {
	// Brokers is the list of Kafka broker addresses. This is mandatory.
	Brokers []string
	// Topic is the topic events are published to.
	// Default is "provisioning_notification".
	Topic string
}

// New returns a new Publisher.
func New(b *Builder) *Publisher {
	if len(b.Brokers) == 0 {
		panic("kafka brokers are missing")
	}
	topic := b.Topic
	if len(topic) == 0 {
		topic = "provisioning_notification"
	}
	logger.Default().Debugln("kafka notifications enabled, topic:", topic)
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(b.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
		},
	}
}

// Publish emits one event. Events are best effort: a failed write is logged
// and never fails the operation that triggered it.
func (p *Publisher) Publish(ctx context.Context, operation, subject string) {
	if p == nil {
		return
	}
	event := Event{
		Operation: operation,
		Subject:   subject,
		Timestamp: time.Now().UTC(),
	}
	value, err := json.Marshal(event)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("cannot marshal event", operation)
		return
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(subject),
		Value: value,
	})
	if err != nil {
		logger.FromContext(ctx).WithError(err).Warnln("cannot publish event", operation, "for", subject)
	}
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.writer.Close()
}
