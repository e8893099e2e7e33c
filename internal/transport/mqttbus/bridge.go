package mqttbus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ChuLiYu/aigc-gateway/internal/gateway"
	"github.com/ChuLiYu/aigc-gateway/pkg/types"
)

// Config is shared by the gateway bridge and the unit agent.
type Config struct {
	Broker         string // host:port or a full URL
	ClientID       string
	Prefix         string
	QoS            byte
	Username       string
	Password       string
	ConnectTimeout time.Duration
	Logger         *slog.Logger

	// NewClient builds the client from the prepared options; nil uses paho.
	NewClient func(*mqtt.ClientOptions) mqtt.Client
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.QoS > 2 {
		c.QoS = 1
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.NewClient == nil {
		c.NewClient = mqtt.NewClient
	}
	return c
}

func (c Config) options() *mqtt.ClientOptions {
	broker := c.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(c.ClientID)
	if c.Username != "" {
		opts.SetUsername(c.Username)
		opts.SetPassword(c.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetCleanSession(true)
	// handlers may block on the worker pool
	opts.SetOrderMatters(false)
	return opts
}

func wait(token mqtt.Token, timeout time.Duration, what string) error {
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt %s timeout", what)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt %s failed: %w", what, err)
	}
	return nil
}

// ============================================================================
// Gateway side
// ============================================================================

// Bridge joins every unit that says hello on the broker to the gateway.
type Bridge struct {
	gw     *gateway.Gateway
	cfg    Config
	topics Topics
	client mqtt.Client
	log    *slog.Logger
}

func NewBridge(gw *gateway.Gateway, cfg Config) *Bridge {
	cfg = cfg.withDefaults()
	if cfg.ClientID == "" {
		cfg.ClientID = "aigc-gateway"
	}
	b := &Bridge{
		gw:     gw,
		cfg:    cfg,
		topics: Topics{Prefix: cfg.Prefix},
		log:    cfg.Logger.With("component", "mqttbus", "broker", cfg.Broker),
	}

	opts := cfg.options()
	opts.SetOnConnectHandler(func(mqtt.Client) { b.onConnect() })
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		b.log.Warn("mqtt connection lost, will auto-reconnect", "error", err)
	})
	b.client = cfg.NewClient(opts)
	return b
}

// Start connects to the broker. Subscriptions are (re)made on every connect.
func (b *Bridge) Start() error {
	b.log.Info("connecting to mqtt broker")
	return wait(b.client.Connect(), b.cfg.ConnectTimeout, "connect")
}

// Close disconnects. Units joined through the bridge stay in the routing
// table until their leases lapse.
func (b *Bridge) Close() {
	b.client.Disconnect(250)
}

func (b *Bridge) onConnect() {
	handlers := map[string]mqtt.MessageHandler{
		topicHello:     b.onHello,
		topicHeartbeat: b.onHeartbeat,
		topicReply:     b.onReply,
		topicBye:       b.onBye,
	}
	for kind, h := range handlers {
		filter := b.topics.AnyUnit(kind)
		if err := wait(b.client.Subscribe(filter, b.cfg.QoS, h), b.cfg.ConnectTimeout, "subscribe"); err != nil {
			b.log.Error("subscribe failed", "topic", filter, "error", err)
		}
	}
	// units that were already up announce themselves again
	b.client.Publish(b.topics.GatewayOnline(), b.cfg.QoS, false, []byte{})
	b.log.Info("mqtt connection established")
}

func (b *Bridge) onHello(_ mqtt.Client, msg mqtt.Message) {
	id, _, ok := b.topics.Parse(msg.Topic())
	if !ok {
		return
	}
	var info types.WorkerInfo
	if err := decode(msg.Payload(), &info); err != nil {
		b.log.Warn("malformed hello dropped", "topic", msg.Topic(), "error", err)
		return
	}
	// the topic is authoritative for the id
	info.ID = id
	b.gw.Join(info, &unitLink{bridge: b, id: id})
}

func (b *Bridge) onHeartbeat(_ mqtt.Client, msg mqtt.Message) {
	id, _, ok := b.topics.Parse(msg.Topic())
	if !ok {
		return
	}
	if !b.gw.Heartbeat(id) {
		b.client.Publish(b.topics.Unit(id, topicRejoin), b.cfg.QoS, false, []byte{})
	}
}

func (b *Bridge) onReply(_ mqtt.Client, msg mqtt.Message) {
	var r types.Reply
	if err := decode(msg.Payload(), &r); err != nil {
		b.log.Warn("malformed reply dropped", "topic", msg.Topic(), "error", err)
		return
	}
	b.gw.HandleReply(r)
}

func (b *Bridge) onBye(_ mqtt.Client, msg mqtt.Message) {
	id, _, ok := b.topics.Parse(msg.Topic())
	if !ok {
		return
	}
	reason := string(msg.Payload())
	if reason == "" {
		reason = "unit offline"
	}
	b.gw.Leave(id, reason)
}

func (b *Bridge) publish(ctx context.Context, topic string, v any) error {
	payload, err := encode(v)
	if err != nil {
		return err
	}
	timeout := b.cfg.ConnectTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	return wait(b.client.Publish(topic, b.cfg.QoS, false, payload), timeout, "publish")
}

// unitLink reaches one unit through its topics.
type unitLink struct {
	bridge *Bridge
	id     string
}

func (l *unitLink) Dispatch(ctx context.Context, d types.Dispatch) error {
	return l.bridge.publish(ctx, l.bridge.topics.Unit(l.id, topicDispatch), d)
}

func (l *unitLink) Interrupt(ctx context.Context, i types.Interrupt) error {
	return l.bridge.publish(ctx, l.bridge.topics.Unit(l.id, topicInterrupt), i)
}
