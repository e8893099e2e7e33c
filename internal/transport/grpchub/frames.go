// ============================================================================
// gRPC WorkerHub 訊框
// ============================================================================
//
// Package: internal/transport/grpchub
// File: frames.go
// Purpose: One bidirectional stream per unit. Every message is a
//          google.protobuf.Struct with two string fields:
//
//   type  hello | welcome | dispatch | interrupt | reply | heartbeat
//   body  JSON of the matching pkg/types value
//
// The body stays a JSON string so sequence numbers keep full uint64
// precision; Struct numbers are float64.
//
// ============================================================================

package grpchub

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	frameHello     = "hello"
	frameWelcome   = "welcome"
	frameDispatch  = "dispatch"
	frameInterrupt = "interrupt"
	frameReply     = "reply"
	frameHeartbeat = "heartbeat"
)

const (
	serviceName  = "aigc.gateway.v1.WorkerHub"
	connectPath  = "/" + serviceName + "/Connect"
	fieldType    = "type"
	fieldBody    = "body"
	maxFrameBody = 8 << 20
)

// welcome 伺服端對 hello 的回應
type welcome struct {
	LeaseMillis int64 `json:"lease_ms"`
}

// heartbeat 帶著 unit 目前的負載
type heartbeat struct {
	Running int `json:"running"`
}

// WorkerHubServer is implemented by Hub.
type WorkerHubServer interface {
	Connect(stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*WorkerHubServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Connect",
		Handler:       connectHandler,
		ServerStreams: true,
		ClientStreams: true,
	}},
	Metadata: "aigc/gateway/v1/worker_hub.proto",
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(WorkerHubServer).Connect(stream)
}

func encodeFrame(kind string, body any) (*structpb.Struct, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", kind, err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldType: structpb.NewStringValue(kind),
		fieldBody: structpb.NewStringValue(string(b)),
	}}, nil
}

func decodeFrame(s *structpb.Struct) (kind string, body []byte, err error) {
	t, ok := s.GetFields()[fieldType]
	if !ok || t.GetStringValue() == "" {
		return "", nil, fmt.Errorf("frame without type")
	}
	raw := s.GetFields()[fieldBody].GetStringValue()
	if len(raw) > maxFrameBody {
		return "", nil, fmt.Errorf("%s frame body too large: %d bytes", t.GetStringValue(), len(raw))
	}
	return t.GetStringValue(), []byte(raw), nil
}

// frameStream is the part of grpc.ServerStream and grpc.ClientStream the
// frame helpers need.
type frameStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

func sendFrame(s frameStream, kind string, body any) error {
	f, err := encodeFrame(kind, body)
	if err != nil {
		return err
	}
	return s.SendMsg(f)
}

func recvFrame(s frameStream) (string, []byte, error) {
	f := new(structpb.Struct)
	if err := s.RecvMsg(f); err != nil {
		return "", nil, err
	}
	return decodeFrame(f)
}
