package grpchub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"

	"github.com/ChuLiYu/aigc-gateway/internal/worker"
	"github.com/ChuLiYu/aigc-gateway/pkg/types"
)

var errNotConnected = errors.New("not connected to gateway")

// queueWait bounds how long a dispatch may wait for a free slot in the pool
// before it is refused.
const queueWait = 2 * time.Second

// AgentConfig configures the unit side of the stream.
type AgentConfig struct {
	// Heartbeat overrides the interval derived from the gateway's lease.
	Heartbeat  time.Duration
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Logger     *slog.Logger
}

// Agent keeps a worker.Node connected to a gateway, reconnecting with
// backoff until its context ends.
type Agent struct {
	node *worker.Node
	cfg  AgentConfig
	log  *slog.Logger

	mu      sync.Mutex
	session *session
}

func NewAgent(node *worker.Node, cfg AgentConfig) *Agent {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{node: node, cfg: cfg, log: logger.With("component", "grpchub-agent", "worker_id", node.Info().ID)}
}

// Reply implements worker.Uplink over the current session.
func (a *Agent) Reply(_ context.Context, r types.Reply) error {
	a.mu.Lock()
	s := a.session
	a.mu.Unlock()
	if s == nil {
		return errNotConnected
	}
	return s.send(frameReply, r)
}

// Run starts the node and serves sessions over conn until ctx ends. The node
// is stopped on return.
func (a *Agent) Run(ctx context.Context, conn *grpc.ClientConn) error {
	if err := a.node.Start(a); err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	defer a.node.Stop()

	backoff := a.cfg.MinBackoff
	for {
		started := time.Now()
		err := a.serve(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > a.cfg.MaxBackoff {
			backoff = a.cfg.MinBackoff
		}
		a.log.Warn("gateway session ended, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, a.cfg.MaxBackoff)
	}
}

type session struct {
	mu     sync.Mutex
	stream grpc.ClientStream
}

func (s *session) send(kind string, body any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sendFrame(s.stream, kind, body)
}

func (a *Agent) serve(ctx context.Context, conn *grpc.ClientConn) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := conn.NewStream(sctx, &serviceDesc.Streams[0], connectPath)
	if err != nil {
		return err
	}
	s := &session{stream: stream}
	if err := s.send(frameHello, a.node.Info()); err != nil {
		return err
	}

	kind, body, err := recvFrame(stream)
	if err != nil {
		return err
	}
	if kind != frameWelcome {
		return fmt.Errorf("expected welcome, got %s", kind)
	}
	var w welcome
	if err := json.Unmarshal(body, &w); err != nil {
		return fmt.Errorf("decode welcome: %w", err)
	}

	a.mu.Lock()
	a.session = s
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		if a.session == s {
			a.session = nil
		}
		a.mu.Unlock()
	}()
	a.log.Info("connected to gateway", "lease_ms", w.LeaseMillis)

	go a.heartbeat(sctx, s, a.heartbeatInterval(w.LeaseMillis))

	for {
		kind, body, err := recvFrame(stream)
		if err != nil {
			return err
		}
		switch kind {
		case frameDispatch:
			var d types.Dispatch
			if err := json.Unmarshal(body, &d); err != nil {
				a.log.Warn("malformed dispatch frame dropped", "error", err)
				continue
			}
			a.dispatch(sctx, s, d)
		case frameInterrupt:
			var i types.Interrupt
			if err := json.Unmarshal(body, &i); err != nil {
				continue
			}
			_ = a.node.Interrupt(sctx, i)
		default:
			a.log.Debug("unexpected frame ignored", "type", kind)
		}
	}
}

// dispatch hands d to the node. A refused job is reported back at once so
// the gateway does not wait for its deadline.
func (a *Agent) dispatch(ctx context.Context, s *session, d types.Dispatch) {
	qctx, cancel := context.WithTimeout(ctx, queueWait)
	defer cancel()
	if err := a.node.Dispatch(qctx, d); err != nil {
		_ = s.send(frameReply, types.Reply{
			ResourceKey: d.Envelope.ResourceKey,
			Sequence:    d.Envelope.Sequence,
			Status:      types.ReplyFailure,
			ErrorKind:   "unit_busy",
			Message:     err.Error(),
		})
	}
}

func (a *Agent) heartbeatInterval(leaseMillis int64) time.Duration {
	if a.cfg.Heartbeat > 0 {
		return a.cfg.Heartbeat
	}
	if leaseMillis <= 0 {
		return 3 * time.Second
	}
	return time.Duration(leaseMillis) * time.Millisecond / 3
}

func (a *Agent) heartbeat(ctx context.Context, s *session, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.send(frameHeartbeat, heartbeat{Running: a.node.Running()}); err != nil {
				return
			}
		}
	}
}
