// Package kafka publishes execution lifecycle events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/nodeflow-io/nodeflow/internal/engine"
	"github.com/nodeflow-io/nodeflow/internal/platform/logger"
	"github.com/nodeflow-io/nodeflow/internal/workflow/model"
)

// Config holds Kafka configuration
type Config struct {
	Brokers []string
	Topic   string
}

// Event is the wire form of an execution lifecycle event.
type Event struct {
	Type         string      `json:"type"`
	ExecutionID  string      `json:"executionId"`
	WorkflowID   string      `json:"workflowId,omitempty"`
	WorkflowName string      `json:"workflowName"`
	NodeName     string      `json:"nodeName,omitempty"`
	Status       string      `json:"status,omitempty"`
	Error        string      `json:"error,omitempty"`
	Timestamp    time.Time   `json:"timestamp"`
	Payload      interface{} `json:"payload,omitempty"`
}

// EventPublisher publishes events to Kafka
type EventPublisher struct {
	producer sarama.AsyncProducer
	config   *Config
	log      logger.Logger
}

// NewEventPublisher creates a new Kafka event publisher
func NewEventPublisher(config *Config, log logger.Logger) (*EventPublisher, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Retry.Max = 5
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true
	saramaConfig.Producer.Compression = sarama.CompressionSnappy
	saramaConfig.Version = sarama.V3_3_1_0

	producer, err := sarama.NewAsyncProducer(config.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}

	publisher := &EventPublisher{
		producer: producer,
		config:   config,
		log:      log,
	}

	go publisher.handleErrors()
	go publisher.handleSuccesses()

	return publisher, nil
}

// Publish enqueues an event; delivery is asynchronous.
func (p *EventPublisher) Publish(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	message := &sarama.ProducerMessage{
		Topic: p.config.Topic,
		Key:   sarama.StringEncoder(event.ExecutionID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("eventType"), Value: []byte(event.Type)},
		},
		Timestamp: event.Timestamp,
	}

	select {
	case p.producer.Input() <- message:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close shuts down the producer, flushing pending messages.
func (p *EventPublisher) Close() error {
	return p.producer.Close()
}

func (p *EventPublisher) handleErrors() {
	for err := range p.producer.Errors() {
		p.log.Error("kafka produce failed", "topic", err.Msg.Topic, "error", err.Err)
	}
}

func (p *EventPublisher) handleSuccesses() {
	for msg := range p.producer.Successes() {
		p.log.Debug("kafka event delivered", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)
	}
}

// Sink forwards engine events to Kafka. Publishing is fire and forget;
// a full producer queue drops the event rather than stalling execution.
type Sink struct {
	publisher *EventPublisher
	log       logger.Logger
}

// NewSink creates an engine event sink backed by the publisher.
func NewSink(publisher *EventPublisher, log logger.Logger) *Sink {
	return &Sink{publisher: publisher, log: log}
}

// ExecutionStarted publishes an execution.started event.
func (s *Sink) ExecutionStarted(ec *engine.ExecutionContext) {
	s.publish(&Event{
		Type:         "execution.started",
		ExecutionID:  ec.ExecutionID,
		WorkflowID:   ec.Workflow.ID,
		WorkflowName: ec.Workflow.Name,
		Status:       string(engine.StatusRunning),
	})
}

// NodeStarted publishes a node.started event.
func (s *Sink) NodeStarted(ec *engine.ExecutionContext, nodeName, nodeType string) {
	s.publish(&Event{
		Type:         "node.started",
		ExecutionID:  ec.ExecutionID,
		WorkflowID:   ec.Workflow.ID,
		WorkflowName: ec.Workflow.Name,
		NodeName:     nodeName,
		Payload:      map[string]interface{}{"nodeType": nodeType},
	})
}

// NodeCompleted publishes a node.completed event with the item count.
func (s *Sink) NodeCompleted(ec *engine.ExecutionContext, nodeName string, items []model.Item, duration time.Duration) {
	s.publish(&Event{
		Type:         "node.completed",
		ExecutionID:  ec.ExecutionID,
		WorkflowID:   ec.Workflow.ID,
		WorkflowName: ec.Workflow.Name,
		NodeName:     nodeName,
		Payload: map[string]interface{}{
			"itemCount":  len(items),
			"durationMs": duration.Milliseconds(),
		},
	})
}

// NodeFailed publishes a node.failed event.
func (s *Sink) NodeFailed(ec *engine.ExecutionContext, nodeName string, err error) {
	s.publish(&Event{
		Type:         "node.failed",
		ExecutionID:  ec.ExecutionID,
		WorkflowID:   ec.Workflow.ID,
		WorkflowName: ec.Workflow.Name,
		NodeName:     nodeName,
		Error:        err.Error(),
	})
}

// ExecutionCompleted publishes an execution.completed event with the
// final status.
func (s *Sink) ExecutionCompleted(ec *engine.ExecutionContext) {
	event := &Event{
		Type:         "execution.completed",
		ExecutionID:  ec.ExecutionID,
		WorkflowID:   ec.Workflow.ID,
		WorkflowName: ec.Workflow.Name,
		Status:       string(ec.Status),
	}
	if len(ec.Errors) > 0 {
		event.Error = ec.Errors[0].Message
	}
	s.publish(event)
}

func (s *Sink) publish(event *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.log.Warn("dropping execution event", "type", event.Type, "error", err)
	}
}
