// Package broker connects the device to its MQTT broker.
//
// The shadow service and the health publisher share one client.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/orion-defect-station/internal/retry"
)

// Config describes the broker connection.
type Config struct {
	Broker         string        // host:port or full URL (tcp://, ssl://)
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration // per attempt (default: 5s)
}

// URL returns the broker address with a scheme.
func (c Config) URL() string {
	if strings.Contains(c.Broker, "://") {
		return c.Broker
	}
	return "tcp://" + c.Broker
}

// Connect establishes the MQTT connection, retrying with backoff.
//
// The returned client reconnects on its own after the first success.
func Connect(ctx context.Context, cfg Config, backoff retry.Config) (mqtt.Client, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("broker: address is required")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.URL())
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		slog.Info("broker: mqtt connection established",
			"broker", cfg.Broker,
			"client_id", cfg.ClientID,
		)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		slog.Warn("broker: mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", cfg.Broker,
		)
	}

	client := mqtt.NewClient(opts)

	slog.Info("broker: connecting to mqtt broker", "broker", cfg.Broker)

	err := retry.Do(ctx, "mqtt connect", backoff, func(ctx context.Context) error {
		token := client.Connect()
		if !token.WaitTimeout(cfg.ConnectTimeout) {
			return fmt.Errorf("broker: mqtt connection timeout")
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("broker: mqtt connection failed: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Disconnect closes the client with a short grace period.
func Disconnect(client mqtt.Client) {
	if client != nil && client.IsConnected() {
		client.Disconnect(250)
		slog.Info("broker: mqtt disconnected")
	}
}
