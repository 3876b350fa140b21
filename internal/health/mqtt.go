package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/orion-defect-station/internal/trigger"
)

// healthMessage is the retained payload published per workflow.
type healthMessage struct {
	DeviceID   string    `json:"device_id"`
	WorkflowID string    `json:"workflow_id"`
	Status     string    `json:"status"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Updated    time.Time `json:"updated"`
}

// MQTTPublisher publishes trigger health changes as retained messages on
// <prefix>/<workflow_id>.
type MQTTPublisher struct {
	client   mqtt.Client
	deviceID string
	prefix   string
	qos      byte
}

// NewMQTTPublisher returns a publisher; prefix defaults to
// "defect/<deviceID>/health".
func NewMQTTPublisher(client mqtt.Client, deviceID, prefix string, qos byte) *MQTTPublisher {
	if prefix == "" {
		prefix = "defect/" + deviceID + "/health"
	}
	return &MQTTPublisher{client: client, deviceID: deviceID, prefix: prefix, qos: qos}
}

// Topic returns the topic used for workflowID.
func (p *MQTTPublisher) Topic(workflowID string) string {
	return p.prefix + "/" + workflowID
}

// Publish sends h without waiting for the broker; delivery failures are
// logged.
func (p *MQTTPublisher) Publish(workflowID string, h trigger.Health) {
	if !p.client.IsConnected() {
		slog.Debug("health: mqtt not connected, dropping health update", "workflow_id", workflowID)
		return
	}

	payload, err := json.Marshal(healthMessage{
		DeviceID:   p.deviceID,
		WorkflowID: workflowID,
		Status:     h.Status.String(),
		ErrorKind:  h.ErrorKind,
		Updated:    h.Updated,
	})
	if err != nil {
		slog.Error("health: failed to marshal health update", "workflow_id", workflowID, "error", err)
		return
	}

	topic := p.Topic(workflowID)
	token := p.client.Publish(topic, p.qos, true, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			slog.Warn("health: publish timeout", "topic", topic)
			return
		}
		if err := token.Error(); err != nil {
			slog.Warn("health: publish failed", "topic", topic, "error", err)
		}
	}()
}

// BrokerCheck reports the broker connection as a component check. A lost
// connection degrades the device; paho reconnects on its own.
func BrokerCheck(client mqtt.Client) Checker {
	return CheckFunc{
		CheckName: "mqtt",
		Fn: func(_ context.Context) CheckResult {
			if client.IsConnectionOpen() {
				return CheckResult{Status: StatusHealthy}
			}
			return CheckResult{Status: StatusDegraded, Message: "broker connection lost"}
		},
	}
}
