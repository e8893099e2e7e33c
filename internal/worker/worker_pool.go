// ============================================================================
// AIGC Unit Worker Pool - 並發任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個 Worker goroutine 的生命週期、任務分發與中斷
//
// 架構組件:
//   ┌─────────────┐
//   │    Node     │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//   ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  └────────┘ │
//   └─────────────┘
//
// 中斷:
//   每個執行中的任務以 (key, sn) 登記其 cancel 函數，
//   Cancel() 取消 Context，handler 觀察到 ctx.Done() 後返回
//
// 優雅關閉:
//   Stop() 關閉 stopCh；taskCh 不關閉，
//   因此 Submit() 與 Stop() 之間沒有向已關閉 channel 發送的競爭
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// DefaultTaskTimeout 任務未指定逾時時使用
const DefaultTaskTimeout = 5 * time.Minute

type runKey struct {
	key string
	seq uint64
}

type running struct {
	cancel      context.CancelFunc
	interrupted chan struct{}
	once        sync.Once
}

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	handlers       Handlers
	defaultTimeout time.Duration

	workers  []*Worker
	taskCh   chan Task
	resultCh chan Result
	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  bool
	stopped  bool
	mu       sync.Mutex

	runMu   sync.Mutex
	running map[runKey]*running
}

// NewPool 建立新的 Worker Pool
// 參數：
//   - bufferSize: 任務和結果通道的緩衝大小
//   - handlers: 各操作種類的執行函數
func NewPool(bufferSize int, handlers Handlers) *Pool {
	return &Pool{
		handlers:       handlers,
		defaultTimeout: DefaultTaskTimeout,
		workers:        make([]*Worker, 0),
		taskCh:         make(chan Task, bufferSize),
		resultCh:       make(chan Result, bufferSize),
		stopCh:         make(chan struct{}),
		running:        make(map[runKey]*running),
	}
}

// Start 啟動指定數量的 Worker
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	return nil
}

// Submit 提交任務到 Worker Pool；ctx 結束或 Pool 關閉時放棄
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReceiveResult 從結果通道接收執行結果
func (p *Pool) ReceiveResult() (Result, error) {
	select {
	case result := <-p.resultCh:
		return result, nil
	case <-p.stopCh:
		return Result{}, ErrPoolClosed
	}
}

// Cancel 中斷 (key, sn) 對應的執行中任務；找不到時回傳 false
func (p *Pool) Cancel(key string, seq uint64) bool {
	p.runMu.Lock()
	r, ok := p.running[runKey{key: key, seq: seq}]
	p.runMu.Unlock()
	if !ok {
		return false
	}
	r.once.Do(func() { close(r.interrupted) })
	r.cancel()
	return true
}

// Running 目前執行中的任務數
func (p *Pool) Running() int {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	return len(p.running)
}

func (p *Pool) track(key string, seq uint64, cancel context.CancelFunc) <-chan struct{} {
	r := &running{cancel: cancel, interrupted: make(chan struct{})}
	p.runMu.Lock()
	p.running[runKey{key: key, seq: seq}] = r
	p.runMu.Unlock()
	return r.interrupted
}

func (p *Pool) untrack(key string, seq uint64) {
	p.runMu.Lock()
	delete(p.running, runKey{key: key, seq: seq})
	p.runMu.Unlock()
}

// Stop 優雅地關閉 Worker Pool
// 關閉流程：
//  1. 設定 stopped 標誌
//  2. 取消所有執行中任務
//  3. 關閉 stopCh，通知所有 Worker 結束
//  4. 等待所有 Worker 退出
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.runMu.Lock()
	for _, r := range p.running {
		r.cancel()
	}
	p.runMu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
