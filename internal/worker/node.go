package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/aigc-gateway/pkg/types"
)

// Uplink carries replies from a node back to the gateway.
type Uplink interface {
	Reply(ctx context.Context, r types.Reply) error
}

// UplinkFunc adapts a function to Uplink.
type UplinkFunc func(ctx context.Context, r types.Reply) error

func (f UplinkFunc) Reply(ctx context.Context, r types.Reply) error { return f(ctx, r) }

// NodeConfig configures one unit host.
type NodeConfig struct {
	ID          string
	Workers     int
	Buffer      int
	TaskTimeout time.Duration
	Logger      *slog.Logger
}

// Node hosts AI handlers behind a worker pool. It satisfies routing.Link so an
// in-process gateway can drive it directly; remote transports wrap it.
type Node struct {
	info        types.WorkerInfo
	pool        *Pool
	taskTimeout time.Duration
	log         *slog.Logger

	mu     sync.RWMutex
	uplink Uplink

	wg sync.WaitGroup
}

func NewNode(cfg NodeConfig, handlers Handlers) *Node {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = cfg.Workers * 4
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Node{
		info: types.WorkerInfo{
			ID:           cfg.ID,
			Capabilities: handlers.Kinds(),
			Capacity:     cfg.Workers,
		},
		pool:        NewPool(cfg.Buffer, handlers),
		taskTimeout: cfg.TaskTimeout,
		log:         logger.With("worker_id", cfg.ID),
	}
}

// Info describes the node for routing.
func (n *Node) Info() types.WorkerInfo { return n.info }

// Start launches the pool and begins forwarding results to up.
func (n *Node) Start(up Uplink) error {
	n.SetUplink(up)
	if err := n.pool.Start(n.info.Capacity); err != nil {
		return err
	}
	n.wg.Add(1)
	go n.resultLoop()
	return nil
}

// SetUplink swaps the reply path, e.g. after a reconnect.
func (n *Node) SetUplink(up Uplink) {
	n.mu.Lock()
	n.uplink = up
	n.mu.Unlock()
}

// Dispatch queues the job and acknowledges it.
func (n *Node) Dispatch(ctx context.Context, d types.Dispatch) error {
	timeout := n.taskTimeout
	if ms := d.Envelope.TimeoutMillis; ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	key, seq := d.Envelope.ResourceKey, d.Envelope.Sequence

	task := Task{
		Dispatch: d,
		Timeout:  timeout,
		Progress: func(p json.RawMessage) {
			n.send(types.Reply{ResourceKey: key, Sequence: seq, Status: types.ReplyAck, Payload: p})
		},
	}
	if err := n.pool.Submit(ctx, task); err != nil {
		return err
	}
	n.send(types.Reply{ResourceKey: key, Sequence: seq, Status: types.ReplyAck})
	return nil
}

// Interrupt cancels a running job. Unknown jobs are ignored.
func (n *Node) Interrupt(_ context.Context, i types.Interrupt) error {
	if n.pool.Cancel(i.ResourceKey, i.Sequence) {
		n.log.Info("job interrupted", "key", i.ResourceKey, "seq", i.Sequence)
	}
	return nil
}

// Running counts jobs currently executing.
func (n *Node) Running() int { return n.pool.Running() }

// Stop cancels running jobs and waits for the pool to drain.
func (n *Node) Stop() {
	n.pool.Stop()
	n.wg.Wait()
}

func (n *Node) resultLoop() {
	defer n.wg.Done()
	for {
		result, err := n.pool.ReceiveResult()
		if err != nil {
			return
		}
		n.send(replyFor(result))
	}
}

func (n *Node) send(r types.Reply) {
	n.mu.RLock()
	up := n.uplink
	n.mu.RUnlock()
	if up == nil {
		n.log.Warn("no uplink, reply dropped", "key", r.ResourceKey, "seq", r.Sequence)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := up.Reply(ctx, r); err != nil {
		n.log.Warn("reply not delivered", "key", r.ResourceKey, "seq", r.Sequence, "status", r.Status, "error", err)
	}
}

func replyFor(res Result) types.Reply {
	r := types.Reply{ResourceKey: res.Key, Sequence: res.Sequence}
	switch {
	case res.Err == nil:
		r.Status = types.ReplySuccess
		r.Payload = res.Output
	case res.Interrupted:
		r.Status = types.ReplyFailure
		r.ErrorKind = "interrupted"
		r.Message = "interrupted by client"
	default:
		r.Status = types.ReplyFailure
		var ue *UnitError
		if errors.As(res.Err, &ue) {
			r.ErrorKind = ue.Kind
			r.Message = ue.Message
		} else {
			r.ErrorKind = "execution_failed"
			r.Message = res.Err.Error()
		}
	}
	return r
}
