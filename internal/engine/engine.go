// ============================================================================
// AIGC Gateway 引擎 - 關聯、互斥與 Future 解決的核心
// ============================================================================
//
// Package: internal/engine
// 文件: engine.go
// 功能: 組合 Admission / Channel Registry / Future Store / Gateway，
//       提供 Submit、Poll、Consume、DeliverReply 等對外操作
//
// 提交流程:
//   1. 驗證（token、操作種類、資源 key）
//   2. Admission 檢查（每個來源 IP + 操作的最小間隔）
//   3. 分配序號與 job id
//   4. 頻道 Acquire 與 Future Register 在同一個臨界區完成
//   5. Gateway Dispatch；失敗時立即 Failed 並釋放頻道
//   6. 同步模式：分派在背景進行，等待 Future 進入終態；
//      期限在註冊時決定，逾時則 Failed(Timeout)
//
// 回覆流程:
//   DeliverReply ─▶ CAS 解決 Future ─▶ finish（歷史、釋放頻道、推播、指標）
//   finish 的所有副作用都不阻塞，回覆處理維持 O(1)
//
// 鎖順序:
//   registry map ─▶ channel ─▶ future shard，反向永不發生
//
// ============================================================================

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/aigc-gateway/internal/admission"
	"github.com/ChuLiYu/aigc-gateway/internal/channel"
	"github.com/ChuLiYu/aigc-gateway/internal/futures"
	"github.com/ChuLiYu/aigc-gateway/internal/gateway"
	"github.com/ChuLiYu/aigc-gateway/internal/metrics"
	"github.com/ChuLiYu/aigc-gateway/internal/routing"
	"github.com/ChuLiYu/aigc-gateway/internal/snapshot"
	"github.com/ChuLiYu/aigc-gateway/pkg/types"
)

// ErrStopped 引擎已停止，拒絕新的提交
var ErrStopped = types.NewError(types.ErrUnavailable, "engine is stopped")

// ============================================================================
// 資料結構定義
// ============================================================================

// Mode 呼叫模式
type Mode string

const (
	ModeAsync Mode = "async"
	ModeSync  Mode = "sync"
)

// Config 引擎配置
type Config struct {
	DefaultSyncTimeout time.Duration // 同步模式未指定 timeout 時使用
	DispatchTimeout    time.Duration // 單次送出到 unit 的上限
	AsyncDeadline      time.Duration // 非同步任務無回覆的上限
	FutureRetention    time.Duration // 終態 Future 保留時間
	SweepInterval      time.Duration // 清理循環間隔
	ChannelIdleTimeout time.Duration // 頻道閒置多久後移除，負值表示不移除
	SnapshotInterval   time.Duration // 快照間隔，負值表示只在停止時寫入
	SnapshotBackups    int           // >0 時保留舊快照為備份
}

// DefaultConfig 預設配置
func DefaultConfig() Config {
	return Config{
		DefaultSyncTimeout: 30 * time.Second,
		DispatchTimeout:    5 * time.Second,
		AsyncDeadline:      5 * time.Minute,
		FutureRetention:    time.Hour,
		SweepInterval:      time.Minute,
		ChannelIdleTimeout: 30 * time.Minute,
		SnapshotInterval:   30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DefaultSyncTimeout <= 0 {
		c.DefaultSyncTimeout = d.DefaultSyncTimeout
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = d.DispatchTimeout
	}
	if c.AsyncDeadline <= 0 {
		c.AsyncDeadline = d.AsyncDeadline
	}
	if c.FutureRetention <= 0 {
		c.FutureRetention = d.FutureRetention
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.ChannelIdleTimeout == 0 {
		c.ChannelIdleTimeout = d.ChannelIdleTimeout
	}
	if c.SnapshotInterval == 0 {
		c.SnapshotInterval = d.SnapshotInterval
	}
	return c
}

// HistoryRecorder 持久化頻道歷史；Record 不得阻塞
type HistoryRecorder interface {
	Record(code string, entry types.HistoryEntry)
}

// HistoryReader 讀取持久化的頻道歷史
type HistoryReader interface {
	ListHistory(ctx context.Context, code string, limit int) ([]types.HistoryEntry, error)
}

// Publisher 推播進入終態的 Future；Publish 不得阻塞
type Publisher interface {
	Publish(f *types.JobFuture)
}

// Deps 引擎依賴；nil 欄位使用預設實作或停用該功能
type Deps struct {
	Futures   *futures.Store
	Channels  *channel.Registry
	Gateway   *gateway.Gateway
	Admission admission.Controller
	Snapshots *snapshot.Manager
	Recorder  HistoryRecorder
	History   HistoryReader
	Publisher Publisher
	Metrics   *metrics.Collector
	Logger    *slog.Logger
}

// Engine 核心引擎
type Engine struct {
	cfg       Config
	futures   *futures.Store
	channels  *channel.Registry
	gateway   *gateway.Gateway
	admission admission.Controller
	snapshots *snapshot.Manager
	recorder  HistoryRecorder
	history   HistoryReader
	publisher Publisher
	metrics   *metrics.Collector
	log       *slog.Logger

	seq     atomic.Uint64
	queries sync.Map // job id → 頻道任務的請求內容，寫入歷史用

	mu      sync.Mutex
	started bool
	stopped atomic.Bool
	stopCh  chan struct{}
	loopWg  sync.WaitGroup

	now func() time.Time
}

// SubmitRequest 一次提交
type SubmitRequest struct {
	Operation     types.JobKind
	ResourceKey   string // 檔案代碼或知識庫名稱
	Channel       string // 頻道代碼
	Token         string
	CallerIP      string
	Participant   string
	Payload       json.RawMessage
	Mode          Mode
	TimeoutMillis int64 // 僅同步模式
	Reset         bool  // 中斷 key 上未完成的任務後重新提交
}

// SubmitResult 提交結果；序號在提交時即回傳
type SubmitResult struct {
	Key      string           `json:"key"`
	Sequence uint64           `json:"sn"`
	JobID    string           `json:"job_id"`
	State    types.JobState   `json:"state"`
	Future   *types.JobFuture `json:"future,omitempty"`
}

// New 建立引擎並綁定為 Gateway 的回覆接收端
func New(cfg Config, deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Futures == nil {
		deps.Futures = futures.NewStore()
	}
	if deps.Channels == nil {
		deps.Channels = channel.NewRegistry(channel.DefaultHistoryLimit)
	}
	if deps.Gateway == nil {
		deps.Gateway = gateway.New(routing.NewTable(routing.DefaultLease), logger)
	}

	e := &Engine{
		cfg:       cfg.withDefaults(),
		futures:   deps.Futures,
		channels:  deps.Channels,
		gateway:   deps.Gateway,
		admission: deps.Admission,
		snapshots: deps.Snapshots,
		recorder:  deps.Recorder,
		history:   deps.History,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		log:       logger.With("component", "engine"),
		stopCh:    make(chan struct{}),
		now:       time.Now,
	}
	e.seq.Store(uint64(time.Now().UnixMilli()))
	e.gateway.Bind(e)
	return e
}

// Gateway 回傳引擎使用的 Gateway，供傳輸層加入 unit
func (e *Engine) Gateway() *gateway.Gateway { return e.gateway }

// nextSeq 全域單調遞增的序號
func (e *Engine) nextSeq() uint64 {
	return e.seq.Add(1)
}

// bumpSeq 確保之後分配的序號大於 floor
func (e *Engine) bumpSeq(floor uint64) {
	for {
		cur := e.seq.Load()
		if cur >= floor || e.seq.CompareAndSwap(cur, floor) {
			return
		}
	}
}

// ============================================================================
// 提交
// ============================================================================

// Submit 受理一個操作
//
// 返回值：
//   - SubmitResult: 序號與目前狀態；同步模式或分派失敗時附帶 Future
//   - error: 只有被拒絕時（驗證、限流、busy、conflict、停止）才回傳
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if e.stopped.Load() {
		return SubmitResult{}, ErrStopped
	}
	key, err := e.validate(&req)
	if err != nil {
		return SubmitResult{}, e.reject(err)
	}
	if e.admission != nil {
		if err := e.admission.Admit(ctx, req.CallerIP, string(req.Operation)); err != nil {
			return SubmitResult{}, e.reject(err)
		}
	}

	seq := e.nextSeq()
	if req.Operation.Scope() == types.ScopeSequence {
		key = strconv.FormatUint(seq, 10)
	}
	jobID := uuid.NewString()

	if req.Reset {
		// 只有頻道擁有者能中斷頻道上的任務
		if req.Channel != "" {
			if err := e.checkOwner(req.Channel, req.Token); err != nil && !errors.Is(err, channel.ErrNotFound) {
				return SubmitResult{}, e.reject(err)
			}
		}
		if cur, ok := e.futures.Get(key); ok && !cur.State.IsTerminal() {
			e.log.Info("reset interrupts previous job", "key", key, "seq", cur.Sequence)
			e.interrupt(cur)
		}
	}

	timeout := e.cfg.AsyncDeadline
	if req.Mode == ModeSync {
		timeout = e.cfg.DefaultSyncTimeout
		if req.TimeoutMillis > 0 {
			timeout = time.Duration(req.TimeoutMillis) * time.Millisecond
		}
	}
	// 同步等待與分派共用同一個期限
	deadline := time.Now().Add(timeout)
	reg := futures.Registration{
		Kind:     req.Operation,
		JobID:    jobID,
		Sequence: seq,
		Channel:  req.Channel,
		Deadline: e.now().Add(timeout),
	}

	var (
		future *types.JobFuture
		wait   futures.Waiter
	)
	register := func() error {
		f, err := e.futures.Register(key, reg)
		if err != nil {
			return err
		}
		future = f
		wait, _ = e.futures.Watch(key, seq)
		return nil
	}

	if req.Channel != "" {
		// 快速的回覆可能早於 Acquire 返回，先存起來
		e.queries.Store(jobID, req.Payload)
		_, err = e.channels.Acquire(channel.AcquireRequest{
			Code:        req.Channel,
			Owner:       req.Token,
			Participant: req.Participant,
			Exclusive:   req.Operation.Exclusive(),
			Job:         types.JobRef{ID: jobID, Key: key, Sequence: seq, Kind: req.Operation},
		}, register)
		if err != nil {
			e.queries.Delete(jobID)
		}
	} else {
		err = register()
	}
	if err != nil {
		return SubmitResult{}, e.reject(err)
	}
	e.metrics.RecordSubmitted(string(req.Operation))

	res := SubmitResult{Key: key, Sequence: seq, JobID: jobID, State: future.State}

	d := types.Dispatch{
		Envelope: types.Envelope{
			CallerToken:   req.Token,
			Operation:     req.Operation,
			ResourceKey:   key,
			Sequence:      seq,
			TimeoutMillis: req.TimeoutMillis,
		},
		Payload: req.Payload,
	}
	dispatchBy := time.Now().Add(e.cfg.DispatchTimeout)
	if deadline.Before(dispatchBy) {
		dispatchBy = deadline
	}
	dctx, cancel := context.WithDeadline(context.WithoutCancel(ctx), dispatchBy)

	if req.Mode != ModeSync {
		e.dispatch(dctx, d)
		cancel()
		return e.current(res), nil
	}

	// unit 端可能不理會 ctx；同步呼叫不等分派返回，失敗會直接解決 Future
	go func() {
		defer cancel()
		e.dispatch(dctx, d)
	}()
	return e.await(ctx, res, wait, deadline, timeout)
}

// dispatch 送出任務；失敗時把 Future 解決為 Failed
func (e *Engine) dispatch(ctx context.Context, d types.Dispatch) {
	key, seq := d.Envelope.ResourceKey, d.Envelope.Sequence
	workerID, err := e.gateway.Dispatch(ctx, d)
	if err != nil {
		e.log.Warn("dispatch failed", "key", key, "seq", seq, "error", err)
		if f, ok := e.futures.ResolveFailed(key, seq, types.AsJobError(err)); ok {
			e.finish(f)
		}
		return
	}
	e.log.Debug("job dispatched", "key", key, "seq", seq, "kind", d.Envelope.Operation, "worker_id", workerID)

	// 分派期間已逾時或被停止：abandon 當時還沒有分派紀錄
	if f, ok := e.futures.Get(key); !ok || f.Sequence != seq || f.State.IsTerminal() {
		if _, held := e.gateway.Assigned(key, seq); held {
			e.gateway.Interrupt(key, seq)
			e.gateway.Forget(key, seq)
		}
	}
}

// validate 檢查請求並回傳 Future 的 key（序號型的 key 稍後決定）
func (e *Engine) validate(req *SubmitRequest) (string, error) {
	if req.Token == "" {
		return "", types.NewError(types.ErrNoToken, "missing caller token")
	}
	kind, err := types.ParseJobKind(string(req.Operation))
	if err != nil {
		return "", err
	}
	req.Operation = kind
	if req.Mode == "" {
		req.Mode = ModeAsync
	}
	if req.Mode != ModeAsync && req.Mode != ModeSync {
		return "", types.Errorf(types.ErrInvalidParameter, "unknown mode %q", req.Mode)
	}
	if req.TimeoutMillis < 0 {
		return "", types.NewError(types.ErrInvalidParameter, "negative timeout")
	}

	if kind.RequiresChannel() && req.Channel == "" {
		return "", types.Errorf(types.ErrInvalidParameter, "%s requires a channel", kind)
	}
	switch kind.Scope() {
	case types.ScopeChannel:
		return req.Channel, nil
	case types.ScopeSequence:
		return "", nil
	default:
		if req.ResourceKey == "" {
			return "", types.Errorf(types.ErrInvalidParameter, "%s requires a resource key", kind)
		}
		return req.ResourceKey, nil
	}
}

// await 同步模式：等待終態，逾時由引擎權威地解決為 Failed(Timeout)
func (e *Engine) await(ctx context.Context, res SubmitResult, wait futures.Waiter, deadline time.Time, timeout time.Duration) (SubmitResult, error) {
	if wait == nil {
		return e.current(res), nil
	}
	wctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	f, err := wait(wctx)
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		jerr := types.Errorf(types.ErrTimeout, "no reply within %s", timeout)
		resolved, ok := e.futures.ResolveFailed(res.Key, res.Sequence, jerr)
		if ok {
			e.abandon(resolved)
			e.finish(resolved)
			f = resolved
		} else {
			// 輸給了同時到達的回覆，Future 已在終態
			f, _ = wait(context.Background())
		}
	default:
		// 呼叫端離開，任務繼續以非同步方式執行，之後可 Poll
		return e.current(res), ctx.Err()
	}
	res.State, res.Future = f.State, f
	return res, nil
}

// current 以 Future 的最新狀態填入結果
func (e *Engine) current(res SubmitResult) SubmitResult {
	if f, ok := e.futures.Get(res.Key); ok && f.Sequence == res.Sequence {
		res.State = f.State
		res.Future = f
	}
	return res
}

func (e *Engine) reject(err error) error {
	e.metrics.RecordRejected(string(types.KindOf(err)))
	return err
}

// ============================================================================
// 查詢
// ============================================================================

// Poll 純讀取，永不阻塞；終態之後每次都回傳相同的值
func (e *Engine) Poll(key string) (*types.JobFuture, error) {
	f, ok := e.futures.Get(key)
	if !ok {
		return nil, futures.ErrNotFound
	}
	return f, nil
}

// Consume 讀取並確認；終態 Future 只會交付一次
func (e *Engine) Consume(key string) (*types.JobFuture, error) {
	f, ok := e.futures.Consume(key)
	if !ok {
		return nil, futures.ErrNotFound
	}
	return f, nil
}

// ============================================================================
// 回覆處理
// ============================================================================

// DeliverReply 將 unit 回覆合併進 Future Store
// 可從任意 goroutine 呼叫任意次數；找不到對應 Future 的回覆會被丟棄並記錄
func (e *Engine) DeliverReply(r types.Reply) bool {
	var (
		f  *types.JobFuture
		ok bool
	)
	switch r.Status {
	case types.ReplyAck:
		ok = e.futures.MarkProcessing(r.ResourceKey, r.Sequence, r.Payload)
	case types.ReplySuccess:
		f, ok = e.futures.ResolveCompleted(r.ResourceKey, r.Sequence, r.Payload)
	case types.ReplyFailure:
		f, ok = e.futures.ResolveFailed(r.ResourceKey, r.Sequence, replyError(r))
	}
	if !ok {
		e.metrics.RecordDroppedReply()
		e.log.Debug("reply dropped", "key", r.ResourceKey, "seq", r.Sequence, "status", r.Status)
		return false
	}
	if f != nil {
		e.finish(f)
	}
	return true
}

func replyError(r types.Reply) *types.JobError {
	msg := r.Message
	if msg == "" {
		msg = "unit reported failure"
	}
	if r.ErrorKind == string(types.ErrTransport) {
		return types.NewError(types.ErrTransport, msg)
	}
	return types.WorkerError(r.ErrorKind, msg)
}

// finish 在贏得解決之後執行的副作用，全部不阻塞
//
// 順序：先寫歷史再釋放頻道，讓下一個任務一定看得到上一輪
func (e *Engine) finish(f *types.JobFuture) {
	if f.Channel != "" {
		var query json.RawMessage
		if q, ok := e.queries.LoadAndDelete(f.JobID); ok {
			query, _ = q.(json.RawMessage)
		}
		entry := types.HistoryEntry{
			Sequence:  f.Sequence,
			JobID:     f.JobID,
			Kind:      f.Kind,
			State:     f.State,
			Query:     query,
			Answer:    f.Result,
			Timestamp: f.ResolvedAt,
		}
		e.channels.Finish(f.Channel, f.JobID, &entry)
		if e.recorder != nil {
			e.recorder.Record(f.Channel, entry)
		}
	}
	if e.publisher != nil {
		e.publisher.Publish(f)
	}

	latency := time.Duration(f.ResolvedAt-f.SubmittedAt) * time.Millisecond
	e.metrics.RecordResolved(string(f.Kind), string(f.State), latency)
	e.log.Debug("job resolved", "key", f.Key, "seq", f.Sequence, "state", f.State, "latency", latency)
}

// abandon 引擎單方面解決（逾時、停止）後，通知 unit 並丟掉分派紀錄
func (e *Engine) abandon(f *types.JobFuture) {
	e.gateway.Interrupt(f.Key, f.Sequence)
	e.gateway.Forget(f.Key, f.Sequence)
}

// ============================================================================
// 狀態
// ============================================================================

// Status 系統狀態摘要
type Status struct {
	Futures      map[string]int        `json:"futures"`
	Channels     int                   `json:"channels"`
	BusyChannels int                   `json:"busy_channels"`
	Workers      []routing.MemberView  `json:"workers"`
	Load         map[types.JobKind]int `json:"load"`
	LastSequence uint64                `json:"last_sn"`
}

// Status 取得目前狀態
func (e *Engine) Status() Status {
	open, busy := e.channels.Stats()
	routes := e.gateway.Routes()
	return Status{
		Futures:      e.futures.Stats(),
		Channels:     open,
		BusyChannels: busy,
		Workers:      routes.Members(),
		Load:         routes.Load(),
		LastSequence: e.seq.Load(),
	}
}
