// Package telemetry publishes periodic heartbeat messages to an MQTT
// broker so an operator dashboard can track bot instances. Entirely
// optional: when no broker is configured the reporter is never started.
package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/wrenbot/wren/internal/config"
	"github.com/wrenbot/wren/internal/stats"
)

// Heartbeat is the JSON payload published on each interval.
type Heartbeat struct {
	InstanceID      string    `json:"instance_id"`
	BotName         string    `json:"bot_name"`
	Version         string    `json:"version"`
	UptimeSec       int64     `json:"uptime_sec"`
	MessagesHandled int64     `json:"messages_handled"`
	RepliesSent     int64     `json:"replies_sent"`
	Streams         int       `json:"streams"`
	SentAt          time.Time `json:"sent_at"`
}

// StatsSource provides runtime data for heartbeat payloads. The
// concrete adapter is wired in main.go to avoid coupling telemetry to
// the chat manager or stats store.
type StatsSource interface {
	// Uptime returns the process uptime.
	Uptime() time.Duration
	// Version returns the software version string.
	Version() string
	// StreamCount returns the number of known chat streams.
	StreamCount() int
	// Summary returns the aggregated runtime statistics.
	Summary() (*stats.Summary, error)
}

// Reporter manages the MQTT connection and runs a periodic loop that
// pushes heartbeat messages to the broker.
type Reporter struct {
	cfg        config.TelemetryConfig
	botName    string
	instanceID string
	source     StatsSource
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// New creates a Reporter but does not connect. Call [Reporter.Run] to
// begin the connection and publish loop.
func New(cfg config.TelemetryConfig, botName, instanceID string, source StatsSource, logger *slog.Logger) *Reporter {
	return &Reporter{
		cfg:        cfg,
		botName:    botName,
		instanceID: instanceID,
		source:     source,
		logger:     logger,
	}
}

// Run connects to the MQTT broker and publishes heartbeats until ctx is
// cancelled. On every (re-)connect it publishes an "online" status; the
// broker-side will message flips it to "offline" on an unclean drop.
func (r *Reporter) Run(ctx context.Context) error {
	brokerURL, err := url.Parse(r.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse telemetry broker URL: %w", err)
	}

	statusTopic := r.statusTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: r.cfg.Username,
		ConnectPassword: []byte(r.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   statusTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			r.logger.Info("telemetry connected to broker", "broker", r.cfg.Broker)
			r.publishStatus(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			r.logger.Warn("telemetry connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "wren-" + r.instanceID,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("telemetry connect: %w", err)
	}
	r.cm = cm

	// Wait for the initial connection before starting the publish loop.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// Log but don't fail — autopaho keeps retrying in the background.
		r.logger.Warn("telemetry initial connection timed out, will retry in background", "error", err)
	}

	r.runLoop(ctx)
	return nil
}

// Stop gracefully disconnects by publishing an "offline" status before
// closing the MQTT connection.
func (r *Reporter) Stop(ctx context.Context) error {
	if r.cm == nil {
		return nil
	}
	r.publishStatus(ctx, r.cm, "offline")
	return r.cm.Disconnect(ctx)
}

func (r *Reporter) baseTopic() string {
	return r.cfg.TopicPrefix + "/" + r.botName
}

func (r *Reporter) statusTopic() string {
	return r.baseTopic() + "/status"
}

func (r *Reporter) heartbeatTopic() string {
	return r.baseTopic() + "/heartbeat"
}

func (r *Reporter) publishStatus(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   r.statusTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		r.logger.Warn("telemetry status publish failed", "status", status, "error", err)
	} else {
		r.logger.Info("telemetry status published", "status", status)
	}
}

func (r *Reporter) runLoop(ctx context.Context) {
	interval := time.Duration(r.cfg.IntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Publish immediately on start.
	r.publishHeartbeat(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.publishHeartbeat(ctx)
		}
	}
}

func (r *Reporter) publishHeartbeat(ctx context.Context) {
	if r.cm == nil {
		return
	}

	payload, err := json.Marshal(r.buildHeartbeat())
	if err != nil {
		r.logger.Error("telemetry marshal heartbeat", "error", err)
		return
	}

	if _, err := r.cm.Publish(ctx, &paho.Publish{
		Topic:   r.heartbeatTopic(),
		Payload: payload,
		QoS:     0,
		Retain:  true,
	}); err != nil {
		r.logger.Debug("telemetry heartbeat publish failed", "error", err)
		return
	}
	r.logger.Debug("telemetry heartbeat published", "topic", r.heartbeatTopic())
}

func (r *Reporter) buildHeartbeat() Heartbeat {
	hb := Heartbeat{
		InstanceID: r.instanceID,
		BotName:    r.botName,
		Version:    r.source.Version(),
		UptimeSec:  int64(r.source.Uptime().Seconds()),
		Streams:    r.source.StreamCount(),
		SentAt:     time.Now().UTC(),
	}

	if sum, err := r.source.Summary(); err != nil {
		r.logger.Warn("telemetry stats summary failed", "error", err)
	} else {
		hb.MessagesHandled = sum.MessagesHandled
		hb.RepliesSent = sum.RepliesSent
	}
	return hb
}
