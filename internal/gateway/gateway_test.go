package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/aigc-gateway/internal/routing"
	"github.com/ChuLiYu/aigc-gateway/pkg/types"
)

type fakeLink struct {
	mu         sync.Mutex
	dispatched []types.Dispatch
	interrupts chan types.Interrupt
	failWith   error
}

func newFakeLink() *fakeLink {
	return &fakeLink{interrupts: make(chan types.Interrupt, 8)}
}

func (l *fakeLink) Dispatch(_ context.Context, d types.Dispatch) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failWith != nil {
		return l.failWith
	}
	l.dispatched = append(l.dispatched, d)
	return nil
}

func (l *fakeLink) Interrupt(_ context.Context, i types.Interrupt) error {
	l.interrupts <- i
	return nil
}

type recordingSink struct {
	mu      sync.Mutex
	replies []types.Reply
}

func (s *recordingSink) DeliverReply(r types.Reply) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, r)
	return true
}

func (s *recordingSink) all() []types.Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Reply(nil), s.replies...)
}

func dispatchFor(key string, seq uint64) types.Dispatch {
	return types.Dispatch{Envelope: types.Envelope{Operation: types.KindASR, ResourceKey: key, Sequence: seq}}
}

func newTestGateway() (*Gateway, *recordingSink) {
	g := New(routing.NewTable(time.Minute), nil)
	sink := &recordingSink{}
	g.Bind(sink)
	return g, sink
}

func TestDispatchNoCapableWorker(t *testing.T) {
	g, _ := newTestGateway()
	_, err := g.Dispatch(context.Background(), dispatchFor("f1", 1))
	assert.True(t, errors.Is(err, ErrNoCapableWorker))
}

func TestDispatchAndReply(t *testing.T) {
	g, sink := newTestGateway()
	link := newFakeLink()
	g.Join(types.WorkerInfo{ID: "asr-1", Capabilities: []types.JobKind{types.KindASR}}, link)

	id, err := g.Dispatch(context.Background(), dispatchFor("f1", 1))
	require.NoError(t, err)
	assert.Equal(t, "asr-1", id)
	require.Len(t, link.dispatched, 1)

	owner, ok := g.Assigned("f1", 1)
	require.True(t, ok)
	assert.Equal(t, "asr-1", owner)

	// ack keeps the assignment, the final reply clears it
	g.HandleReply(types.Reply{ResourceKey: "f1", Sequence: 1, Status: types.ReplyAck})
	_, ok = g.Assigned("f1", 1)
	assert.True(t, ok)

	g.HandleReply(types.Reply{ResourceKey: "f1", Sequence: 1, Status: types.ReplySuccess})
	_, ok = g.Assigned("f1", 1)
	assert.False(t, ok)
	assert.Len(t, sink.all(), 2)
	assert.Equal(t, 0, g.Routes().Load()[types.KindASR])
}

func TestDispatchTransportFailure(t *testing.T) {
	g, _ := newTestGateway()
	link := newFakeLink()
	link.failWith = errors.New("stream closed")
	g.Join(types.WorkerInfo{ID: "asr-1", Capabilities: []types.JobKind{types.KindASR}}, link)

	_, err := g.Dispatch(context.Background(), dispatchFor("f1", 1))
	require.Error(t, err)
	assert.Equal(t, types.ErrTransport, types.KindOf(err))
	_, ok := g.Assigned("f1", 1)
	assert.False(t, ok)
}

func TestLeaveFailsAssignedJobs(t *testing.T) {
	g, sink := newTestGateway()
	g.Join(types.WorkerInfo{ID: "asr-1", Capabilities: []types.JobKind{types.KindASR}}, newFakeLink())

	_, err := g.Dispatch(context.Background(), dispatchFor("f1", 1))
	require.NoError(t, err)
	_, err = g.Dispatch(context.Background(), dispatchFor("f2", 2))
	require.NoError(t, err)

	g.Leave("asr-1", "stream closed")

	replies := sink.all()
	require.Len(t, replies, 2)
	for _, r := range replies {
		assert.Equal(t, types.ReplyFailure, r.Status)
		assert.Equal(t, string(types.ErrTransport), r.ErrorKind)
	}
	_, err = g.Dispatch(context.Background(), dispatchFor("f3", 3))
	assert.True(t, errors.Is(err, ErrNoCapableWorker))
}

func TestInterruptReachesAssignedUnit(t *testing.T) {
	g, _ := newTestGateway()
	link := newFakeLink()
	g.Join(types.WorkerInfo{ID: "llm", Capabilities: []types.JobKind{types.KindASR}}, link)
	_, err := g.Dispatch(context.Background(), dispatchFor("f1", 4))
	require.NoError(t, err)

	g.Interrupt("f1", 4)
	select {
	case got := <-link.interrupts:
		assert.Equal(t, types.Interrupt{ResourceKey: "f1", Sequence: 4}, got)
	case <-time.After(time.Second):
		t.Fatal("interrupt not delivered")
	}

	// unknown assignment: nothing is sent
	g.Interrupt("f9", 9)
	g.Forget("f1", 4)
	_, ok := g.Assigned("f1", 4)
	assert.False(t, ok)
}

func TestExpireLeases(t *testing.T) {
	tbl := routing.NewTable(time.Millisecond)
	g := New(tbl, nil)
	sink := &recordingSink{}
	g.Bind(sink)
	g.Join(types.WorkerInfo{ID: "a", Capabilities: []types.JobKind{types.KindASR}}, newFakeLink())

	expired := g.ExpireLeases(time.Now().Add(time.Second))
	assert.Equal(t, []string{"a"}, expired)
	assert.Equal(t, 0, tbl.Len())
}
