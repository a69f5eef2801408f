// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package fanout

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig configures the broker bridge.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// Topic returns {prefix}/exams/{examId}/sessions/{sessionId}/{kind}.
// Messages without an exam use "_" in its place.
func Topic(prefix string, msg Message) string {
	exam := msg.ExamID
	if exam == "" {
		exam = "_"
	}
	return strings.TrimSuffix(prefix, "/") + "/exams/" + exam + "/sessions/" + msg.SessionID + "/" + string(msg.Kind)
}

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
}

// MQTTBridge is a [Sink] that republishes every message to an MQTT
// broker. Publishes are fire-and-forget; outcomes are counted
// asynchronously.
type MQTTBridge struct {
	client    mqtt.Client
	publisher publisher
	prefix    string
	qos       byte
	logger    *slog.Logger

	published atomic.Uint64
	failed    atomic.Uint64
}

// ConnectMQTT connects to the broker, retrying in the background after
// the first connection, and returns the bridge.
func ConnectMQTT(cfg MQTTConfig, logger *slog.Logger) (*MQTTBridge, error) {
	if cfg.Broker == "" {
		return nil, errors.New("fanout: mqtt broker is required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		logger.Info("mqtt connection established", "broker", broker, "client_id", cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost, will auto-reconnect", "broker", broker, "error", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, fmt.Errorf("fanout: mqtt connection to %s timed out", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("fanout: mqtt connection to %s: %w", broker, err)
	}

	bridge := newMQTTBridge(client, cfg, logger)
	bridge.client = client
	return bridge, nil
}

func newMQTTBridge(pub publisher, cfg MQTTConfig, logger *slog.Logger) *MQTTBridge {
	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = "vigil"
	}
	return &MQTTBridge{publisher: pub, prefix: prefix, qos: cfg.QoS, logger: logger}
}

func (b *MQTTBridge) Deliver(msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		b.failed.Add(1)
		b.logger.Error("mqtt payload encoding failed", "kind", msg.Kind, "error", err)
		return
	}
	topic := Topic(b.prefix, msg)
	token := b.publisher.Publish(topic, b.qos, false, payload)
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			b.failed.Add(1)
			b.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
			return
		}
		b.published.Add(1)
	}()
}

// Counts returns how many publishes completed and failed.
func (b *MQTTBridge) Counts() (published, failed uint64) {
	return b.published.Load(), b.failed.Load()
}

// Close disconnects with a short grace period.
func (b *MQTTBridge) Close() {
	if b.client != nil && b.client.IsConnected() {
		b.client.Disconnect(250)
		b.logger.Info("mqtt disconnected")
	}
}
