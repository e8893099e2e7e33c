package engine

// ============================================================================
// Engine 測試檔案
// 職責：驗證單飛互斥、解決冪等、停止、同步逾時、限流與端到端流程
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/aigc-gateway/internal/admission"
	"github.com/ChuLiYu/aigc-gateway/internal/channel"
	"github.com/ChuLiYu/aigc-gateway/internal/gateway"
	"github.com/ChuLiYu/aigc-gateway/internal/snapshot"
	"github.com/ChuLiYu/aigc-gateway/pkg/types"
)

// ============================================================================
// Helpers
// ============================================================================

// fakeLink 接受分派但不回覆；需要回覆時由測試呼叫 DeliverReply
type fakeLink struct {
	mu         sync.Mutex
	dispatched []types.Dispatch
	interrupts chan types.Interrupt
	failWith   error

	// 設定後在分派後非同步回覆
	replyVia *gateway.Gateway
	reply    func(d types.Dispatch) types.Reply
}

func newFakeLink() *fakeLink {
	return &fakeLink{interrupts: make(chan types.Interrupt, 16)}
}

func (l *fakeLink) Dispatch(_ context.Context, d types.Dispatch) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failWith != nil {
		return l.failWith
	}
	l.dispatched = append(l.dispatched, d)
	if l.replyVia != nil && l.reply != nil {
		r := l.reply(d)
		go l.replyVia.HandleReply(r)
	}
	return nil
}

func (l *fakeLink) Interrupt(_ context.Context, i types.Interrupt) error {
	l.interrupts <- i
	return nil
}

func (l *fakeLink) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.dispatched)
}

type memRecorder struct {
	mu      sync.Mutex
	entries map[string][]types.HistoryEntry
}

func (r *memRecorder) Record(code string, entry types.HistoryEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries == nil {
		r.entries = make(map[string][]types.HistoryEntry)
	}
	r.entries[code] = append(r.entries[code], entry)
}

func (r *memRecorder) ListHistory(_ context.Context, code string, limit int) ([]types.HistoryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := append([]types.HistoryEntry(nil), r.entries[code]...)
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

type chanPublisher chan *types.JobFuture

func (p chanPublisher) Publish(f *types.JobFuture) {
	select {
	case p <- f:
	default:
	}
}

func newTestEngine(t *testing.T, deps Deps) (*Engine, *fakeLink) {
	t.Helper()
	e := New(Config{}, deps)
	link := newFakeLink()
	e.Gateway().Join(types.WorkerInfo{ID: "unit-1", Capabilities: types.AllKinds, Capacity: 4}, link)
	t.Cleanup(e.Stop)
	return e, link
}

func asr(key string) SubmitRequest {
	return SubmitRequest{Operation: types.KindASR, ResourceKey: key, Token: "tok", CallerIP: "10.0.0.1"}
}

func chat(code, query string) SubmitRequest {
	return SubmitRequest{
		Operation: types.KindTextGeneration,
		Channel:   code,
		Token:     "tok",
		CallerIP:  "10.0.0.1",
		Payload:   json.RawMessage(fmt.Sprintf(`{"query":%q}`, query)),
	}
}

// ============================================================================
// 端到端
// ============================================================================

func TestEndToEndASRAsync(t *testing.T) {
	e, link := newTestEngine(t, Deps{})

	res, err := e.Submit(context.Background(), asr("f1"))
	require.NoError(t, err)
	assert.Equal(t, "f1", res.Key)
	assert.NotZero(t, res.Sequence)
	assert.Equal(t, types.StatePending, res.State)
	assert.Equal(t, 1, link.count())

	f, err := e.Poll("f1")
	require.NoError(t, err)
	assert.Equal(t, types.StatePending, f.State)

	result := json.RawMessage(`{"text":"hello"}`)
	assert.True(t, e.DeliverReply(types.Reply{ResourceKey: "f1", Sequence: res.Sequence, Status: types.ReplySuccess, Payload: result}))

	first, err := e.Poll("f1")
	require.NoError(t, err)
	assert.Equal(t, types.StateCompleted, first.State)
	assert.JSONEq(t, `{"text":"hello"}`, string(first.Result))

	// 第二個回覆被丟棄，結果不變
	assert.False(t, e.DeliverReply(types.Reply{ResourceKey: "f1", Sequence: res.Sequence, Status: types.ReplySuccess, Payload: json.RawMessage(`{"text":"other"}`)}))
	second, err := e.Poll("f1")
	require.NoError(t, err)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("poll after duplicate reply changed the future (-first +second):\n%s", diff)
	}
}

func TestAckMarksProcessingWithProgress(t *testing.T) {
	e, _ := newTestEngine(t, Deps{})
	res, err := e.Submit(context.Background(), asr("f1"))
	require.NoError(t, err)

	assert.True(t, e.DeliverReply(types.Reply{ResourceKey: "f1", Sequence: res.Sequence, Status: types.ReplyAck, Payload: json.RawMessage(`{"progress":40}`)}))
	f, _ := e.Poll("f1")
	assert.Equal(t, types.StateProcessing, f.State)
	assert.JSONEq(t, `{"progress":40}`, string(f.Progress))
}

// ============================================================================
// 單飛互斥與解決冪等
// ============================================================================

func TestSingleFlightPerChannel(t *testing.T) {
	e, _ := newTestEngine(t, Deps{})

	const n = 50
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		ok   int
		busy int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.Submit(context.Background(), chat("room", fmt.Sprintf("q%d", i)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, channel.ErrBusy):
				busy++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, busy)
	view, err := e.GetChannel("room")
	require.NoError(t, err)
	assert.True(t, view.Busy)
}

func TestSingleFlightPerResource(t *testing.T) {
	e, _ := newTestEngine(t, Deps{})

	_, err := e.Submit(context.Background(), asr("f1"))
	require.NoError(t, err)
	_, err = e.Submit(context.Background(), asr("f1"))
	assert.Equal(t, types.ErrConflict, types.KindOf(err))
}

func TestRacingRepliesExactlyOneWins(t *testing.T) {
	e, _ := newTestEngine(t, Deps{})
	res, err := e.Submit(context.Background(), asr("f1"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	wins := make(chan types.ReplyStatus, 20)
	for i := 0; i < 10; i++ {
		for _, status := range []types.ReplyStatus{types.ReplySuccess, types.ReplyFailure} {
			wg.Add(1)
			go func(s types.ReplyStatus) {
				defer wg.Done()
				r := types.Reply{ResourceKey: "f1", Sequence: res.Sequence, Status: s, Payload: json.RawMessage(`{}`), ErrorKind: "model_error"}
				if e.DeliverReply(r) {
					wins <- s
				}
			}(status)
		}
	}
	wg.Wait()
	close(wins)

	require.Len(t, wins, 1)
	winner := <-wins
	f, _ := e.Poll("f1")
	if winner == types.ReplySuccess {
		assert.Equal(t, types.StateCompleted, f.State)
		assert.Nil(t, f.Error)
	} else {
		assert.Equal(t, types.StateFailed, f.State)
		require.NotNil(t, f.Error)
		assert.Equal(t, "model_error", f.Error.WorkerKind)
	}
}

func TestStaleSequenceReplyDropped(t *testing.T) {
	e, _ := newTestEngine(t, Deps{})
	res, err := e.Submit(context.Background(), asr("f1"))
	require.NoError(t, err)

	assert.False(t, e.DeliverReply(types.Reply{ResourceKey: "f1", Sequence: res.Sequence - 1, Status: types.ReplySuccess}))
	assert.False(t, e.DeliverReply(types.Reply{ResourceKey: "unknown", Sequence: 1, Status: types.ReplySuccess}))
	f, _ := e.Poll("f1")
	assert.Equal(t, types.StatePending, f.State)
}

// ============================================================================
// 停止與取消
// ============================================================================

func TestStopReleasesChannelForImmediateResubmit(t *testing.T) {
	recorder := &memRecorder{}
	e, link := newTestEngine(t, Deps{Recorder: recorder})

	res, err := e.Submit(context.Background(), chat("room", "tell me a story"))
	require.NoError(t, err)
	assert.Equal(t, types.StatePending, res.State)

	view, err := e.StopChannel("room", "tok")
	require.NoError(t, err)
	assert.False(t, view.Busy)
	assert.Nil(t, view.CurrentJob)

	f, err := e.Poll("room")
	require.NoError(t, err)
	assert.Equal(t, types.StateInterrupted, f.State)
	assert.Nil(t, f.Error)
	var answer struct {
		Query       string `json:"query"`
		Answer      string `json:"answer"`
		Interrupted bool   `json:"interrupted"`
	}
	require.NoError(t, json.Unmarshal(f.Result, &answer))
	assert.Equal(t, "tell me a story", answer.Query)
	assert.Equal(t, AnswerInterrupted, answer.Answer)
	assert.True(t, answer.Interrupted)

	select {
	case i := <-link.interrupts:
		assert.Equal(t, types.Interrupt{ResourceKey: "room", Sequence: res.Sequence}, i)
	case <-time.After(time.Second):
		t.Fatal("interrupt not delivered to the unit")
	}

	// 新的提交立即成功
	next, err := e.Submit(context.Background(), chat("room", "again"))
	require.NoError(t, err)
	assert.Greater(t, next.Sequence, res.Sequence)

	// 晚到的回覆被丟棄
	assert.False(t, e.DeliverReply(types.Reply{ResourceKey: "room", Sequence: res.Sequence, Status: types.ReplySuccess}))

	// 被停止的一輪寫入歷史
	history, err := e.GetChannel("room")
	require.NoError(t, err)
	require.Len(t, history.History, 1)
	assert.Equal(t, types.StateInterrupted, history.History[0].State)
	assert.JSONEq(t, `{"query":"tell me a story"}`, string(history.History[0].Query))
	assert.Len(t, recorder.entries["room"], 1)
}

func TestStopIsIdempotent(t *testing.T) {
	e, _ := newTestEngine(t, Deps{})
	_, err := e.OpenChannel("room", "tok", "alice")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		view, err := e.StopChannel("room", "tok")
		require.NoError(t, err)
		assert.False(t, view.Busy)
	}
}

func TestStopErrors(t *testing.T) {
	e, _ := newTestEngine(t, Deps{})
	_, err := e.Submit(context.Background(), chat("room", "hi"))
	require.NoError(t, err)

	tests := []struct {
		name  string
		code  string
		token string
		want  types.ErrorKind
	}{
		{"unknown channel", "nope", "tok", types.ErrNotFound},
		{"missing token", "room", "", types.ErrNoToken},
		{"foreign token", "room", "other", types.ErrInconsistentToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.StopChannel(tt.code, tt.token)
			assert.Equal(t, tt.want, types.KindOf(err))
		})
	}
}

func TestCancelReportKeepsProgressAsPartial(t *testing.T) {
	e, _ := newTestEngine(t, Deps{})
	res, err := e.Submit(context.Background(), SubmitRequest{Operation: types.KindReport, Token: "tok"})
	require.NoError(t, err)
	assert.Equal(t, strconv.FormatUint(res.Sequence, 10), res.Key)

	require.True(t, e.DeliverReply(types.Reply{ResourceKey: res.Key, Sequence: res.Sequence, Status: types.ReplyAck, Payload: json.RawMessage(`{"progress":60}`)}))

	f, err := e.Cancel(res.Key, "tok")
	require.NoError(t, err)
	assert.Equal(t, types.StateInterrupted, f.State)
	assert.JSONEq(t, fmt.Sprintf(`{"interrupted":true,"sn":%d,"partial":{"progress":60}}`, res.Sequence), string(f.Result))

	// 已在終態：回傳相同的值
	again, err := e.Cancel(res.Key, "tok")
	require.NoError(t, err)
	assert.Equal(t, f, again)

	_, err = e.Cancel("missing", "tok")
	assert.Equal(t, types.ErrNotFound, types.KindOf(err))
}

func TestResetInterruptsPrevious(t *testing.T) {
	e, _ := newTestEngine(t, Deps{})
	first, err := e.Submit(context.Background(), asr("f1"))
	require.NoError(t, err)

	req := asr("f1")
	req.Reset = true
	second, err := e.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Greater(t, second.Sequence, first.Sequence)

	f, _ := e.Poll("f1")
	assert.Equal(t, second.Sequence, f.Sequence)
	assert.Equal(t, types.StatePending, f.State)
	assert.False(t, e.DeliverReply(types.Reply{ResourceKey: "f1", Sequence: first.Sequence, Status: types.ReplySuccess}))
}

// ============================================================================
// 同步模式
// ============================================================================

func TestSyncTimeoutThenLateReplyDropped(t *testing.T) {
	e, _ := newTestEngine(t, Deps{})

	req := asr("f1")
	req.Mode = ModeSync
	req.TimeoutMillis = 50

	start := time.Now()
	res, err := e.Submit(context.Background(), req)
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)
	assert.Equal(t, types.StateFailed, res.State)
	require.NotNil(t, res.Future)
	assert.Equal(t, types.ErrTimeout, res.Future.Error.Kind)

	assert.False(t, e.DeliverReply(types.Reply{ResourceKey: "f1", Sequence: res.Sequence, Status: types.ReplySuccess}))
	f, _ := e.Poll("f1")
	assert.Equal(t, types.StateFailed, f.State)
}

func TestSyncReturnsReply(t *testing.T) {
	e, link := newTestEngine(t, Deps{})
	link.replyVia = e.Gateway()
	link.reply = func(d types.Dispatch) types.Reply {
		return types.Reply{ResourceKey: d.Envelope.ResourceKey, Sequence: d.Envelope.Sequence, Status: types.ReplySuccess, Payload: json.RawMessage(`{"speakers":2}`)}
	}

	req := SubmitRequest{Operation: types.KindDiarization, ResourceKey: "f2", Token: "tok", Mode: ModeSync, TimeoutMillis: 2000}
	res, err := e.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, types.StateCompleted, res.State)
	assert.JSONEq(t, `{"speakers":2}`, string(res.Future.Result))
}

// slowLink 分派時不理會 ctx，模擬卡在送出的 unit
type slowLink struct {
	delay      time.Duration
	interrupts chan types.Interrupt
}

func (l *slowLink) Dispatch(context.Context, types.Dispatch) error {
	time.Sleep(l.delay)
	return nil
}

func (l *slowLink) Interrupt(_ context.Context, i types.Interrupt) error {
	l.interrupts <- i
	return nil
}

func TestSyncTimeoutIncludesDispatch(t *testing.T) {
	e := New(Config{}, Deps{})
	t.Cleanup(e.Stop)
	link := &slowLink{delay: 400 * time.Millisecond, interrupts: make(chan types.Interrupt, 4)}
	e.Gateway().Join(types.WorkerInfo{ID: "slow", Capabilities: types.AllKinds, Capacity: 4}, link)

	req := asr("f1")
	req.Mode = ModeSync
	req.TimeoutMillis = 50

	start := time.Now()
	res, err := e.Submit(context.Background(), req)
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.Less(t, elapsed, 300*time.Millisecond)
	assert.Equal(t, types.StateFailed, res.State)
	require.NotNil(t, res.Future)
	assert.Equal(t, types.ErrTimeout, res.Future.Error.Kind)

	select {
	case i := <-link.interrupts:
		assert.Equal(t, res.Sequence, i.Sequence)
	case <-time.After(time.Second):
		t.Fatal("unit was not told to stop")
	}
}

// consumingLink 在分派返回前就回覆，並由另一個呼叫端取走結果
type consumingLink struct {
	e *Engine
}

func (l *consumingLink) Dispatch(_ context.Context, d types.Dispatch) error {
	key, seq := d.Envelope.ResourceKey, d.Envelope.Sequence
	l.e.DeliverReply(types.Reply{ResourceKey: key, Sequence: seq, Status: types.ReplySuccess, Payload: json.RawMessage(`{"text":"hi"}`)})
	l.e.Consume(key)
	return nil
}

func (l *consumingLink) Interrupt(context.Context, types.Interrupt) error { return nil }

func TestSyncResultSurvivesConcurrentConsume(t *testing.T) {
	e := New(Config{}, Deps{})
	t.Cleanup(e.Stop)
	e.Gateway().Join(types.WorkerInfo{ID: "unit-1", Capabilities: types.AllKinds, Capacity: 4}, &consumingLink{e: e})

	req := asr("f1")
	req.Mode = ModeSync
	req.TimeoutMillis = 2000
	res, err := e.Submit(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, types.StateCompleted, res.State)
	require.NotNil(t, res.Future)
	assert.JSONEq(t, `{"text":"hi"}`, string(res.Future.Result))

	_, err = e.Poll("f1")
	assert.Equal(t, types.ErrNotFound, types.KindOf(err))
}

// ============================================================================
// 拒絕與失敗
// ============================================================================

func TestRateLimitRejectThenAdmit(t *testing.T) {
	limiter := admission.NewLimiter(map[string]int64{string(types.KindASR): 80}, 0)
	e, _ := newTestEngine(t, Deps{Admission: limiter})

	_, err := e.Submit(context.Background(), asr("f1"))
	require.NoError(t, err)
	_, err = e.Submit(context.Background(), asr("f2"))
	assert.Equal(t, types.ErrRateLimited, types.KindOf(err))

	time.Sleep(100 * time.Millisecond)
	_, err = e.Submit(context.Background(), asr("f2"))
	assert.NoError(t, err)
}

func TestSubmitValidation(t *testing.T) {
	e, _ := newTestEngine(t, Deps{})

	tests := []struct {
		name string
		req  SubmitRequest
		want types.ErrorKind
	}{
		{"missing token", SubmitRequest{Operation: types.KindASR, ResourceKey: "f"}, types.ErrNoToken},
		{"unknown operation", SubmitRequest{Operation: "paint", ResourceKey: "f", Token: "t"}, types.ErrInvalidParameter},
		{"chat without channel", SubmitRequest{Operation: types.KindTextGeneration, Token: "t"}, types.ErrInvalidParameter},
		{"asr without key", SubmitRequest{Operation: types.KindASR, Token: "t"}, types.ErrInvalidParameter},
		{"bad mode", SubmitRequest{Operation: types.KindASR, ResourceKey: "f", Token: "t", Mode: "later"}, types.ErrInvalidParameter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Submit(context.Background(), tt.req)
			assert.Equal(t, tt.want, types.KindOf(err))
		})
	}
}

func TestInconsistentTokenOnChannel(t *testing.T) {
	e, _ := newTestEngine(t, Deps{})
	_, err := e.OpenChannel("room", "alice", "Alice")
	require.NoError(t, err)

	req := chat("room", "hi")
	req.Token = "mallory"
	_, err = e.Submit(context.Background(), req)
	assert.Equal(t, types.ErrInconsistentToken, types.KindOf(err))
}

func TestResetOnForeignChannelLeavesOwnerJob(t *testing.T) {
	e, link := newTestEngine(t, Deps{})
	_, err := e.OpenChannel("room", "alice", "Alice")
	require.NoError(t, err)

	req := chat("room", "hi")
	req.Token = "alice"
	first, err := e.Submit(context.Background(), req)
	require.NoError(t, err)

	intruder := chat("room", "never mind")
	intruder.Token = "mallory"
	intruder.Reset = true
	_, err = e.Submit(context.Background(), intruder)
	assert.Equal(t, types.ErrInconsistentToken, types.KindOf(err))

	f, _ := e.Poll("room")
	assert.Equal(t, first.Sequence, f.Sequence)
	assert.Equal(t, types.StatePending, f.State)
	view, err := e.GetChannel("room")
	require.NoError(t, err)
	assert.True(t, view.Busy)
	assert.Never(t, func() bool { return len(link.interrupts) > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	// 擁有者自己可以重來
	again := chat("room", "again")
	again.Token = "alice"
	again.Reset = true
	second, err := e.Submit(context.Background(), again)
	require.NoError(t, err)
	assert.Greater(t, second.Sequence, first.Sequence)
	assert.False(t, e.DeliverReply(types.Reply{ResourceKey: "room", Sequence: first.Sequence, Status: types.ReplySuccess}))
}

func TestCloseChannelEvictsAnswer(t *testing.T) {
	e, _ := newTestEngine(t, Deps{})
	_, err := e.OpenChannel("room", "tok", "Alice")
	require.NoError(t, err)

	res, err := e.Submit(context.Background(), chat("room", "hi"))
	require.NoError(t, err)
	require.True(t, e.DeliverReply(types.Reply{ResourceKey: "room", Sequence: res.Sequence, Status: types.ReplySuccess, Payload: json.RawMessage(`{"answer":"hello"}`)}))
	_, err = e.Poll("room")
	require.NoError(t, err)

	require.NoError(t, e.CloseChannel("room", "tok"))
	_, err = e.Poll("room")
	assert.Equal(t, types.ErrNotFound, types.KindOf(err))
}

func TestDispatchFailureResolvesAndReleases(t *testing.T) {
	e := New(Config{}, Deps{})
	t.Cleanup(e.Stop)

	res, err := e.Submit(context.Background(), chat("room", "hi"))
	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, res.State)
	require.NotNil(t, res.Future)
	assert.Equal(t, types.ErrNoCapableWorker, res.Future.Error.Kind)

	view, err := e.GetChannel("room")
	require.NoError(t, err)
	assert.False(t, view.Busy)

	link := newFakeLink()
	link.failWith = errors.New("connection reset")
	e.Gateway().Join(types.WorkerInfo{ID: "unit-1", Capabilities: types.AllKinds}, link)

	res, err = e.Submit(context.Background(), asr("f1"))
	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, res.State)
	assert.Equal(t, types.ErrTransport, res.Future.Error.Kind)
}

func TestWorkerLeaveFailsAssignedJobs(t *testing.T) {
	e, _ := newTestEngine(t, Deps{})
	res, err := e.Submit(context.Background(), chat("room", "hi"))
	require.NoError(t, err)

	e.Gateway().Leave("unit-1", "connection lost")

	f, _ := e.Poll("room")
	assert.Equal(t, types.StateFailed, f.State)
	assert.Equal(t, types.ErrTransport, f.Error.Kind)
	assert.Equal(t, res.Sequence, f.Sequence)

	view, _ := e.GetChannel("room")
	assert.False(t, view.Busy)
}

func TestSubmitAfterStop(t *testing.T) {
	e, _ := newTestEngine(t, Deps{})
	e.Stop()
	_, err := e.Submit(context.Background(), asr("f1"))
	assert.ErrorIs(t, err, ErrStopped)
}

// ============================================================================
// 查詢、推播、歷史
// ============================================================================

func TestConsumeDeliversOnce(t *testing.T) {
	e, _ := newTestEngine(t, Deps{})
	res, err := e.Submit(context.Background(), SubmitRequest{Operation: types.KindTextToFile, Token: "tok"})
	require.NoError(t, err)

	// 未完成時只回傳狀態
	f, err := e.Consume(res.Key)
	require.NoError(t, err)
	assert.Equal(t, types.StatePending, f.State)

	require.True(t, e.DeliverReply(types.Reply{ResourceKey: res.Key, Sequence: res.Sequence, Status: types.ReplySuccess, Payload: json.RawMessage(`{"file":"a.docx"}`)}))
	f, err = e.Consume(res.Key)
	require.NoError(t, err)
	assert.Equal(t, types.StateCompleted, f.State)

	_, err = e.Consume(res.Key)
	assert.Equal(t, types.ErrNotFound, types.KindOf(err))
}

func TestPublishAndHistory(t *testing.T) {
	pub := make(chanPublisher, 4)
	recorder := &memRecorder{}
	e, _ := newTestEngine(t, Deps{Publisher: pub, Recorder: recorder, History: recorder})

	for i := 0; i < 3; i++ {
		res, err := e.Submit(context.Background(), chat("room", fmt.Sprintf("q%d", i)))
		require.NoError(t, err)
		require.True(t, e.DeliverReply(types.Reply{ResourceKey: "room", Sequence: res.Sequence, Status: types.ReplySuccess, Payload: json.RawMessage(`{"answer":"a"}`)}))

		select {
		case f := <-pub:
			assert.Equal(t, res.Sequence, f.Sequence)
		case <-time.After(time.Second):
			t.Fatal("no publish")
		}
	}

	entries, err := e.History(context.Background(), "room", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Less(t, entries[0].Sequence, entries[1].Sequence)
	assert.JSONEq(t, `{"query":"q2"}`, string(entries[1].Query))

	view, err := e.GetChannel("room")
	require.NoError(t, err)
	assert.Equal(t, 3, view.Rounds)
}

// ============================================================================
// 清理與恢復
// ============================================================================

func TestSweepTimesOutAndEvicts(t *testing.T) {
	e, _ := newTestEngine(t, Deps{})
	_, err := e.Submit(context.Background(), chat("room", "hi"))
	require.NoError(t, err)

	rep := e.Sweep(time.Now().Add(e.cfg.AsyncDeadline + time.Second))
	assert.Equal(t, 1, rep.TimedOut)

	f, _ := e.Poll("room")
	assert.Equal(t, types.StateFailed, f.State)
	assert.Equal(t, types.ErrTimeout, f.Error.Kind)

	rep = e.Sweep(time.Now().Add(e.cfg.FutureRetention + time.Hour))
	assert.Equal(t, 1, rep.Evicted)
	assert.Equal(t, 1, rep.ChannelsEvicted)
	_, err = e.Poll("room")
	assert.Equal(t, types.ErrNotFound, types.KindOf(err))
}

func TestSnapshotRestore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")

	e1, _ := newTestEngine(t, Deps{Snapshots: snapshot.NewManager(path)})
	require.NoError(t, e1.Start())

	done, err := e1.Submit(context.Background(), asr("f1"))
	require.NoError(t, err)
	require.True(t, e1.DeliverReply(types.Reply{ResourceKey: "f1", Sequence: done.Sequence, Status: types.ReplySuccess, Payload: json.RawMessage(`{"text":"ok"}`)}))
	running, err := e1.Submit(context.Background(), chat("room", "hi"))
	require.NoError(t, err)
	e1.Stop()

	e2, _ := newTestEngine(t, Deps{Snapshots: snapshot.NewManager(path)})
	require.NoError(t, e2.Start())

	f, err := e2.Poll("f1")
	require.NoError(t, err)
	assert.Equal(t, types.StateCompleted, f.State)

	f, err = e2.Poll("room")
	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, f.State)
	assert.Equal(t, types.ErrTransport, f.Error.Kind)

	// 頻道恢復為閒置，序號不倒退
	next, err := e2.Submit(context.Background(), chat("room", "again"))
	require.NoError(t, err)
	assert.Greater(t, next.Sequence, running.Sequence)
}

func TestStartTwice(t *testing.T) {
	e, _ := newTestEngine(t, Deps{})
	require.NoError(t, e.Start())
	assert.Error(t, e.Start())
}
