// ============================================================================
// AIGC Gateway RPC bridge
// ============================================================================
//
// Package: internal/gateway
// File: gateway.go
// Purpose: Turns engine dispatches into frames for a capable unit, and routes
//          unit replies back into the engine.
//
// Flow:
//   Dispatch ─▶ routing.Table.Pick(kind) ─▶ record assignment ─▶ Link.Dispatch
//   unit reply ─▶ HandleReply ─▶ drop assignment ─▶ sink.DeliverReply
//   unit lost  ─▶ Leave ─▶ synthesized transport_error reply per assignment
//
// The assignment is recorded before the frame is sent because a fast unit can
// reply before Link.Dispatch returns.
//
// Sync calls are not handled here: the engine waits on the future, so sync
// and async replies take the same path.
//
// ============================================================================

package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/aigc-gateway/internal/routing"
	"github.com/ChuLiYu/aigc-gateway/pkg/types"
)

var (
	ErrNoCapableWorker = types.NewError(types.ErrNoCapableWorker, "no connected unit offers this operation")
	ErrTransport       = types.NewError(types.ErrTransport, "unit unreachable")
)

// ReplySink receives every reply, matched or not.
type ReplySink interface {
	DeliverReply(r types.Reply) bool
}

type assignKey struct {
	key string
	seq uint64
}

// Gateway bridges the engine and the connected units.
type Gateway struct {
	routes *routing.Table
	log    *slog.Logger

	interruptTimeout time.Duration

	mu          sync.Mutex
	sink        ReplySink
	assignments map[assignKey]string
	byWorker    map[string]map[assignKey]struct{}
}

func New(routes *routing.Table, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		routes:           routes,
		log:              logger.With("component", "gateway"),
		interruptTimeout: 2 * time.Second,
		assignments:      make(map[assignKey]string),
		byWorker:         make(map[string]map[assignKey]struct{}),
	}
}

// Bind sets where replies go.
func (g *Gateway) Bind(sink ReplySink) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sink = sink
}

// Routes exposes the routing table for status endpoints.
func (g *Gateway) Routes() *routing.Table { return g.routes }

// ============================================================================
// Membership
// ============================================================================

// Join registers a unit reachable through link.
func (g *Gateway) Join(info types.WorkerInfo, link routing.Link) {
	g.routes.Register(info, link)
	g.log.Info("unit joined", "worker_id", info.ID, "capabilities", info.Capabilities)
}

// Heartbeat renews a unit's lease. False asks the unit to join again.
func (g *Gateway) Heartbeat(workerID string) bool {
	return g.routes.Heartbeat(workerID)
}

// Leave removes a unit and fails every job still assigned to it.
func (g *Gateway) Leave(workerID, reason string) {
	g.routes.Remove(workerID)

	g.mu.Lock()
	keys := g.byWorker[workerID]
	delete(g.byWorker, workerID)
	for k := range keys {
		delete(g.assignments, k)
	}
	sink := g.sink
	g.mu.Unlock()

	g.log.Warn("unit left", "worker_id", workerID, "reason", reason, "orphaned_jobs", len(keys))
	if sink == nil {
		return
	}
	for k := range keys {
		sink.DeliverReply(types.Reply{
			ResourceKey: k.key,
			Sequence:    k.seq,
			Status:      types.ReplyFailure,
			ErrorKind:   string(types.ErrTransport),
			Message:     "unit disconnected: " + reason,
		})
	}
}

// ExpireLeases removes units whose lease lapsed.
func (g *Gateway) ExpireLeases(now time.Time) []string {
	expired := g.routes.Expired(now)
	for _, id := range expired {
		g.Leave(id, "lease expired")
	}
	return expired
}

// ============================================================================
// Dispatch
// ============================================================================

// Dispatch sends d to a unit offering its operation and returns the unit id.
func (g *Gateway) Dispatch(ctx context.Context, d types.Dispatch) (string, error) {
	workerID, link, ok := g.routes.Pick(d.Envelope.Operation)
	if !ok {
		return "", ErrNoCapableWorker
	}

	k := assignKey{key: d.Envelope.ResourceKey, seq: d.Envelope.Sequence}
	g.assign(k, workerID)

	if err := link.Dispatch(ctx, d); err != nil {
		g.unassign(k)
		g.log.Warn("dispatch failed", "worker_id", workerID, "key", k.key, "seq", k.seq, "error", err)
		return workerID, types.Errorf(types.ErrTransport, "dispatch to %s: %v", workerID, err)
	}
	return workerID, nil
}

// Interrupt asks the unit holding (key, seq) to stop. It never blocks and
// failures are only logged.
func (g *Gateway) Interrupt(key string, seq uint64) {
	g.mu.Lock()
	workerID, ok := g.assignments[assignKey{key: key, seq: seq}]
	g.mu.Unlock()
	if !ok {
		return
	}
	link, ok := g.routes.Link(workerID)
	if !ok {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), g.interruptTimeout)
		defer cancel()
		if err := link.Interrupt(ctx, types.Interrupt{ResourceKey: key, Sequence: seq}); err != nil {
			g.log.Debug("interrupt not delivered", "worker_id", workerID, "key", key, "seq", seq, "error", err)
		}
	}()
}

// Forget drops the assignment of a job resolved without a final reply
// (timeout, stop). Late replies for it are then plain unmatched replies.
func (g *Gateway) Forget(key string, seq uint64) {
	g.unassign(assignKey{key: key, seq: seq})
}

// HandleReply accepts a reply from a unit and forwards it to the sink.
func (g *Gateway) HandleReply(r types.Reply) bool {
	if r.Status != types.ReplyAck {
		g.unassign(assignKey{key: r.ResourceKey, seq: r.Sequence})
	}

	g.mu.Lock()
	sink := g.sink
	g.mu.Unlock()
	if sink == nil {
		return false
	}
	return sink.DeliverReply(r)
}

// Assigned reports which unit holds (key, seq).
func (g *Gateway) Assigned(key string, seq uint64) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.assignments[assignKey{key: key, seq: seq}]
	return id, ok
}

func (g *Gateway) assign(k assignKey, workerID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.assignments[k] = workerID
	set, ok := g.byWorker[workerID]
	if !ok {
		set = make(map[assignKey]struct{})
		g.byWorker[workerID] = set
	}
	set[k] = struct{}{}
}

func (g *Gateway) unassign(k assignKey) {
	g.mu.Lock()
	workerID, ok := g.assignments[k]
	if ok {
		delete(g.assignments, k)
		if set := g.byWorker[workerID]; set != nil {
			delete(set, k)
			if len(set) == 0 {
				delete(g.byWorker, workerID)
			}
		}
	}
	g.mu.Unlock()

	if ok {
		g.routes.Done(workerID)
	}
}
