package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Type names a domain event.
type Type string

const (
	InvestigationStarted Type = "investigation.started"
	FlagResolved         Type = "flag.resolved"
	TripCompleted        Type = "trip.completed"
	// TripCompletionFailed marks a resolved flag on a trip that stayed
	// active and needs manual reconciliation.
	TripCompletionFailed Type = "trip.completion_failed"
)

// Event is published after a successful state change.
type Event struct {
	Type        Type      `json:"type"`
	TripID      string    `json:"trip_id"`
	CostEntryID string    `json:"cost_entry_id,omitempty"`
	Actor       string    `json:"actor,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Publisher sends domain events to interested consumers.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// mqttClient is the part of mqtt.Client the publisher uses.
type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTPublisher publishes events as JSON on <prefix>/<type path>.
type MQTTPublisher struct {
	client mqttClient
	prefix string
	qos    byte
}

// NewMQTTPublisher creates a publisher over an already connected client.
func NewMQTTPublisher(client mqttClient, prefix string) *MQTTPublisher {
	return &MQTTPublisher{
		client: client,
		prefix: strings.TrimSuffix(prefix, "/"),
		qos:    1,
	}
}

// ConnectMQTT connects to broker and returns the live client.
func ConnectMQTT(broker, clientID string, timeout time.Duration) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(timeout)
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("mqtt connect to %s timed out", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect error: %w", err)
	}
	return client, nil
}

// Topic returns the topic an event type is published on.
func (p *MQTTPublisher) Topic(t Type) string {
	return p.prefix + "/" + strings.ReplaceAll(string(t), ".", "/")
}

// Publish sends e and waits for the broker acknowledgement or ctx.
func (p *MQTTPublisher) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	token := p.client.Publish(p.Topic(e.Type), p.qos, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
