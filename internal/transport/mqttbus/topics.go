// Package mqttbus connects units to the gateway through an MQTT broker.
//
// Topic layout under a configurable prefix:
//
//	{prefix}/gateway/online            gateway → units, asks every unit to say hello
//	{prefix}/units/{id}/hello          unit → gateway, WorkerInfo
//	{prefix}/units/{id}/heartbeat      unit → gateway
//	{prefix}/units/{id}/reply          unit → gateway, Reply
//	{prefix}/units/{id}/bye            unit → gateway, also the will message
//	{prefix}/units/{id}/dispatch       gateway → unit, Dispatch
//	{prefix}/units/{id}/interrupt      gateway → unit, Interrupt
//	{prefix}/units/{id}/rejoin         gateway → unit, lease lost
//
// Payloads are msgpack.
package mqttbus

import (
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

const DefaultPrefix = "aigc"

const (
	topicHello     = "hello"
	topicHeartbeat = "heartbeat"
	topicReply     = "reply"
	topicBye       = "bye"
	topicDispatch  = "dispatch"
	topicInterrupt = "interrupt"
	topicRejoin    = "rejoin"
)

// Topics builds topic names under one prefix.
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return DefaultPrefix
	}
	return strings.TrimSuffix(t.Prefix, "/")
}

func (t Topics) GatewayOnline() string { return t.prefix() + "/gateway/online" }

// Unit returns the topic of one unit and message kind.
func (t Topics) Unit(id, kind string) string {
	return t.prefix() + "/units/" + id + "/" + kind
}

// AnyUnit is the subscription filter for kind across all units.
func (t Topics) AnyUnit(kind string) string {
	return t.prefix() + "/units/+/" + kind
}

// Parse splits a unit topic into its unit id and message kind.
func (t Topics) Parse(topic string) (id, kind string, ok bool) {
	rest, found := strings.CutPrefix(topic, t.prefix()+"/units/")
	if !found {
		return "", "", false
	}
	id, kind, found = strings.Cut(rest, "/")
	if !found || id == "" || kind == "" || strings.Contains(kind, "/") {
		return "", "", false
	}
	return id, kind, true
}

func encode(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func decode(b []byte, v any) error {
	return msgpack.Unmarshal(b, v)
}
