package mqttbus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ChuLiYu/aigc-gateway/internal/worker"
	"github.com/ChuLiYu/aigc-gateway/pkg/types"
)

// ============================================================================
// Unit side
// ============================================================================

// Agent connects a worker.Node to the broker. The will message on the bye
// topic tells the gateway when the unit drops without saying goodbye.
type Agent struct {
	node      *worker.Node
	cfg       Config
	topics    Topics
	heartbeat time.Duration
	client    mqtt.Client
	log       *slog.Logger
}

func NewAgent(node *worker.Node, heartbeat time.Duration, cfg Config) *Agent {
	cfg = cfg.withDefaults()
	id := node.Info().ID
	if cfg.ClientID == "" {
		cfg.ClientID = "aigc-unit-" + id
	}
	if heartbeat <= 0 {
		heartbeat = 3 * time.Second
	}
	a := &Agent{
		node:      node,
		cfg:       cfg,
		topics:    Topics{Prefix: cfg.Prefix},
		heartbeat: heartbeat,
		log:       cfg.Logger.With("component", "mqttbus-agent", "worker_id", id),
	}

	opts := cfg.options()
	opts.SetWill(a.topics.Unit(id, topicBye), "connection lost", cfg.QoS, false)
	opts.SetOnConnectHandler(func(mqtt.Client) { a.onConnect() })
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		a.log.Warn("mqtt connection lost, will auto-reconnect", "error", err)
	})
	a.client = cfg.NewClient(opts)
	return a
}

// Reply implements worker.Uplink.
func (a *Agent) Reply(ctx context.Context, r types.Reply) error {
	payload, err := encode(r)
	if err != nil {
		return err
	}
	timeout := a.cfg.ConnectTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	return wait(a.client.Publish(a.unitTopic(topicReply), a.cfg.QoS, false, payload), timeout, "publish")
}

// Run starts the node, connects and heartbeats until ctx ends, then says
// goodbye and stops the node.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.node.Start(a); err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	defer a.node.Stop()

	if err := wait(a.client.Connect(), a.cfg.ConnectTimeout, "connect"); err != nil {
		return err
	}

	ticker := time.NewTicker(a.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.client.Publish(a.unitTopic(topicBye), a.cfg.QoS, false, []byte("shutdown")).WaitTimeout(time.Second)
			a.client.Disconnect(250)
			return nil
		case <-ticker.C:
			if a.client.IsConnected() {
				a.client.Publish(a.unitTopic(topicHeartbeat), a.cfg.QoS, false, []byte{})
			}
		}
	}
}

func (a *Agent) unitTopic(kind string) string {
	return a.topics.Unit(a.node.Info().ID, kind)
}

func (a *Agent) onConnect() {
	subs := map[string]mqtt.MessageHandler{
		a.unitTopic(topicDispatch):  a.onDispatch,
		a.unitTopic(topicInterrupt): a.onInterrupt,
		a.unitTopic(topicRejoin):    a.onRejoin,
		a.topics.GatewayOnline():    a.onRejoin,
	}
	for topic, h := range subs {
		if err := wait(a.client.Subscribe(topic, a.cfg.QoS, h), a.cfg.ConnectTimeout, "subscribe"); err != nil {
			a.log.Error("subscribe failed", "topic", topic, "error", err)
		}
	}
	a.hello()
	a.log.Info("mqtt connection established")
}

func (a *Agent) hello() {
	payload, err := encode(a.node.Info())
	if err != nil {
		a.log.Error("encode hello", "error", err)
		return
	}
	a.client.Publish(a.unitTopic(topicHello), a.cfg.QoS, false, payload)
}

func (a *Agent) onRejoin(mqtt.Client, mqtt.Message) {
	a.hello()
}

func (a *Agent) onDispatch(_ mqtt.Client, msg mqtt.Message) {
	var d types.Dispatch
	if err := decode(msg.Payload(), &d); err != nil {
		a.log.Warn("malformed dispatch dropped", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ConnectTimeout)
	defer cancel()
	if err := a.node.Dispatch(ctx, d); err != nil {
		_ = a.Reply(context.Background(), types.Reply{
			ResourceKey: d.Envelope.ResourceKey,
			Sequence:    d.Envelope.Sequence,
			Status:      types.ReplyFailure,
			ErrorKind:   "unit_busy",
			Message:     err.Error(),
		})
	}
}

func (a *Agent) onInterrupt(_ mqtt.Client, msg mqtt.Message) {
	var i types.Interrupt
	if err := decode(msg.Payload(), &i); err != nil {
		return
	}
	_ = a.node.Interrupt(context.Background(), i)
}
