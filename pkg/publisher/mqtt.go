package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/sunsynk/pkg/log"
	"github.com/raterudder/sunsynk/pkg/types"
)

const (
	mqttTimeout = 5 * time.Second
	// DefaultTopicPrefix roots every topic the MQTT sink uses.
	DefaultTopicPrefix = "sunsynk"
)

// CommandFunc applies a command received for serial's channel.
type CommandFunc func(ctx context.Context, serial, channel, value string) error

// MQTT publishes each channel to <prefix>/<serial>/<channel> as a retained
// message and accepts commands on <prefix>/<serial>/<channel>/set.
type MQTT struct {
	client paho.Client
	prefix string
}

// NewMQTT returns a sink publishing through client.
func NewMQTT(client paho.Client, prefix string) *MQTT {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return &MQTT{
		client: client,
		prefix: strings.TrimSuffix(prefix, "/"),
	}
}

// MQTTConfig holds the broker settings read from flags.
type MQTTConfig struct {
	Broker   string
	Username string
	Password string
	Prefix   string
}

// Enabled reports whether a broker was configured.
func (c MQTTConfig) Enabled() bool {
	return c.Broker != ""
}

// Client builds a paho client for the configured broker. Its will marks the
// bridge offline.
func (c MQTTConfig) Client() paho.Client {
	opts := paho.NewClientOptions().
		AddBroker(c.Broker).
		SetClientID(fmt.Sprintf("sunsynk-%d", time.Now().UnixNano())).
		SetUsername(c.Username).
		SetPassword(c.Password).
		SetAutoReconnect(true).
		SetOrderMatters(false).
		SetConnectTimeout(mqttTimeout).
		SetWill(strings.TrimSuffix(c.Prefix, "/")+"/bridge/status", "offline", 1, true)
	return paho.NewClient(opts)
}

// ConfiguredMQTT registers the MQTT flags.
func ConfiguredMQTT() *MQTTConfig {
	cfg := &MQTTConfig{}
	broker := lflag.String("mqtt-broker", "", "MQTT broker URL (e.g. tcp://localhost:1883); empty disables MQTT")
	username := lflag.String("mqtt-username", "", "MQTT username")
	password := lflag.String("mqtt-password", "", "MQTT password")
	prefix := lflag.String("mqtt-topic-prefix", DefaultTopicPrefix, "prefix of every MQTT topic")

	lflag.Do(func() {
		cfg.Broker = *broker
		cfg.Username = *username
		cfg.Password = *password
		cfg.Prefix = *prefix
	})
	return cfg
}

func wait(token paho.Token) error {
	if !token.WaitTimeout(mqttTimeout) {
		return errors.New("timed out waiting for broker")
	}
	return token.Error()
}

// Connect connects to the broker and announces the bridge.
func (m *MQTT) Connect(ctx context.Context) error {
	if err := wait(m.client.Connect()); err != nil {
		return fmt.Errorf("failed to connect to mqtt broker: %w", err)
	}
	log.Ctx(ctx).InfoContext(ctx, "connected to mqtt broker")
	return m.publish(m.prefix+"/bridge/status", "online")
}

// Close announces the bridge going away and disconnects.
func (m *MQTT) Close() {
	_ = m.publish(m.prefix+"/bridge/status", "offline")
	m.client.Disconnect(250)
}

func (m *MQTT) publish(topic, payload string) error {
	if err := wait(m.client.Publish(topic, 1, true, payload)); err != nil {
		return fmt.Errorf("failed to publish %s: %w", topic, err)
	}
	return nil
}

func (m *MQTT) Publish(ctx context.Context, serial string, values []types.ChannelValue) error {
	var errs []error
	for _, cv := range values {
		if err := m.publish(fmt.Sprintf("%s/%s/%s", m.prefix, serial, cv.Channel), FormatValue(cv.Value)); err != nil {
			errs = append(errs, err)
		}
	}
	log.Ctx(ctx).DebugContext(ctx, "published inverter values to mqtt", slog.String("serial", serial), slog.Int("values", len(values)), slog.Int("failed", len(errs)))
	return errors.Join(errs...)
}

func (m *MQTT) MarkOnline(ctx context.Context, serial string) error {
	return m.publish(fmt.Sprintf("%s/%s/status", m.prefix, serial), "online")
}

func (m *MQTT) MarkOffline(ctx context.Context, serial string, reason string) error {
	return errors.Join(
		m.publish(fmt.Sprintf("%s/%s/status", m.prefix, serial), "offline"),
		m.publish(fmt.Sprintf("%s/%s/status/reason", m.prefix, serial), reason),
	)
}

func (m *MQTT) RequestReauthentication(ctx context.Context, serial string) error {
	return m.publish(fmt.Sprintf("%s/%s/status/reason", m.prefix, serial), "credentials rejected, reconfigure the account")
}

// commandQueueSize bounds the commands waiting for the worker. Further
// commands are dropped until it catches up.
const commandQueueSize = 64

type mqttCommand struct {
	ctx                    context.Context
	serial, channel, value string
}

// Subscribe routes messages on <prefix>/+/+/set to fn. fn runs on a single
// worker goroutine, in arrival order, so the paho callback never waits on the
// inverter.
func (m *MQTT) Subscribe(ctx context.Context, fn CommandFunc) error {
	queue := make(chan mqttCommand, commandQueueSize)
	go runCommands(ctx, queue, fn)

	filter := m.prefix + "/+/+/set"
	token := m.client.Subscribe(filter, 1, func(_ paho.Client, msg paho.Message) {
		serial, channel, ok := m.parseCommandTopic(msg.Topic())
		if !ok {
			return
		}
		cmd := mqttCommand{
			ctx:     log.WithAttrs(ctx, slog.String("serial", serial), slog.String("channel", channel)),
			serial:  serial,
			channel: channel,
			value:   strings.TrimSpace(string(msg.Payload())),
		}
		select {
		case queue <- cmd:
		default:
			log.Ctx(cmd.ctx).WarnContext(cmd.ctx, "mqtt command queue full, dropping command", slog.String("value", cmd.value))
		}
	})
	if err := wait(token); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", filter, err)
	}
	return nil
}

func runCommands(ctx context.Context, queue <-chan mqttCommand, fn CommandFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-queue:
			if err := fn(cmd.ctx, cmd.serial, cmd.channel, cmd.value); err != nil {
				log.Ctx(cmd.ctx).WarnContext(cmd.ctx, "mqtt command rejected", slog.String("value", cmd.value), slog.Any("error", err))
				continue
			}
			log.Ctx(cmd.ctx).InfoContext(cmd.ctx, "mqtt command applied", slog.String("value", cmd.value))
		}
	}
}

func (m *MQTT) parseCommandTopic(topic string) (serial, channel string, ok bool) {
	rest, found := strings.CutPrefix(topic, m.prefix+"/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "set" || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
