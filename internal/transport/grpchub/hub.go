package grpchub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/aigc-gateway/internal/gateway"
	"github.com/ChuLiYu/aigc-gateway/pkg/types"
)

// Hub accepts unit streams and joins each of them to the gateway.
type Hub struct {
	gw  *gateway.Gateway
	log *slog.Logger
}

func NewHub(gw *gateway.Gateway, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{gw: gw, log: logger.With("component", "grpchub")}
}

// Register installs the WorkerHub service on s.
func (h *Hub) Register(s *grpc.Server) {
	s.RegisterService(&serviceDesc, h)
}

// streamLink sends frames to one connected unit. gRPC streams allow only one
// concurrent sender.
type streamLink struct {
	mu     sync.Mutex
	stream grpc.ServerStream
}

func (l *streamLink) send(kind string, body any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return sendFrame(l.stream, kind, body)
}

func (l *streamLink) Dispatch(ctx context.Context, d types.Dispatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.send(frameDispatch, d)
}

func (l *streamLink) Interrupt(ctx context.Context, i types.Interrupt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.send(frameInterrupt, i)
}

// Connect serves one unit until its stream ends.
func (h *Hub) Connect(stream grpc.ServerStream) error {
	kind, body, err := recvFrame(stream)
	if err != nil {
		return err
	}
	if kind != frameHello {
		return status.Errorf(codes.InvalidArgument, "first frame must be hello, got %s", kind)
	}
	var info types.WorkerInfo
	if err := json.Unmarshal(body, &info); err != nil || info.ID == "" {
		return status.Error(codes.InvalidArgument, "hello without unit id")
	}

	link := &streamLink{stream: stream}
	h.gw.Join(info, link)
	log := h.log.With("worker_id", info.ID)

	reason := "stream closed"
	defer func() { h.leave(info.ID, link, reason) }()

	if err := link.send(frameWelcome, welcome{LeaseMillis: h.gw.Routes().Lease().Milliseconds()}); err != nil {
		reason = "welcome not delivered"
		return err
	}

	for {
		kind, body, err := recvFrame(stream)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if status.Code(err) == codes.Canceled || errors.Is(err, context.Canceled) {
				reason = "stream cancelled"
				return nil
			}
			reason = err.Error()
			return err
		}

		switch kind {
		case frameReply:
			var r types.Reply
			if err := json.Unmarshal(body, &r); err != nil {
				log.Warn("malformed reply frame dropped", "error", err)
				continue
			}
			h.gw.HandleReply(r)
		case frameHeartbeat:
			if !h.gw.Heartbeat(info.ID) {
				// lease lapsed but the stream is still healthy
				log.Info("lease expired while connected, rejoining")
				h.gw.Join(info, link)
			}
		default:
			log.Debug("unexpected frame ignored", "type", kind)
		}
	}
}

// leave removes the unit unless a newer stream already replaced it.
func (h *Hub) leave(id string, link *streamLink, reason string) {
	if cur, ok := h.gw.Routes().Link(id); ok && cur != link {
		return
	}
	h.gw.Leave(id, reason)
}
