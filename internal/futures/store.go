// ============================================================================
// AIGC Gateway Future 儲存 - 操作結果的狀態機
// ============================================================================
//
// Package: internal/futures
// 文件: store.go
// 功能: 保存每個資源 key 上的未完成/已完成操作，保證每個操作只被解決一次
//
// 狀態轉換 (State Machine):
//   Pending (已註冊)
//      ↓ MarkProcessing()           (worker 確認接手)
//   Processing (處理中)
//      ↓ ResolveCompleted() / ResolveFailed() / ResolveInterrupted()
//   Completed / Failed / Interrupted (終態，不可變)
//
//   Pending 也可直接進入終態：傳輸失敗、使用者停止、或回覆比確認先到。
//
// 解決規則:
//   - 每次解決都是 compare-and-set：檢查前一狀態與序號 (sn)
//   - 第一個寫入者勝出，其餘回傳 false（遲到或重複的回覆直接丟棄）
//   - sn 為 0 表示不比對序號
//
// 數據結構:
//   固定數量的分片，每個分片一把 RWMutex 與一個 map
//   key 經 FNV-1a 雜湊選擇分片，不同 key 之間不互相阻塞
//
// 快照支持:
//   - Snapshot() 拷貝所有 Future
//   - Restore() 恢復；未完成的 Future 以 transport_error 失敗收尾
//
// ============================================================================

package futures

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"
	"time"

	"github.com/ChuLiYu/aigc-gateway/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrConflict 同一 key 上已有未完成的 Future
	ErrConflict = types.NewError(types.ErrConflict, "an unresolved job already exists for this key")
	// ErrNotFound 找不到 Future
	ErrNotFound = types.NewError(types.ErrNotFound, "no job for this key")
)

const shardCount = 32

// Registration 註冊新 Future 所需的資訊
type Registration struct {
	Kind     types.JobKind
	JobID    string
	Sequence uint64
	Channel  string
	Deadline time.Time // 零值表示無期限
}

type entry struct {
	future *types.JobFuture
	done   chan struct{} // 進入終態時關閉
}

type shard struct {
	mu    sync.RWMutex
	items map[string]*entry
}

// Store Future 儲存體
type Store struct {
	shards [shardCount]*shard
	now    func() time.Time
}

// NewStore 建立空的 Future 儲存體
func NewStore() *Store {
	s := &Store{now: time.Now}
	for i := range s.shards {
		s.shards[i] = &shard{items: make(map[string]*entry)}
	}
	return s
}

func (s *Store) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()%shardCount]
}

// ============================================================================
// 註冊與狀態轉換
// ============================================================================

// Register 在 key 上建立 Pending Future
//
// 返回值：
//   - *types.JobFuture: 新 Future 的拷貝
//   - error: key 上已有未完成 Future 時回傳 ErrConflict
//
// 已在終態的舊 Future 會被取代。
func (s *Store) Register(key string, reg Registration) (*types.JobFuture, error) {
	if key == "" {
		return nil, types.NewError(types.ErrInvalidParameter, "empty resource key")
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if e, ok := sh.items[key]; ok && !e.future.State.IsTerminal() {
		return e.future.Clone(), ErrConflict
	}

	f := &types.JobFuture{
		Key:         key,
		Kind:        reg.Kind,
		JobID:       reg.JobID,
		Sequence:    reg.Sequence,
		State:       types.StatePending,
		Channel:     reg.Channel,
		SubmittedAt: s.now().UnixMilli(),
	}
	if !reg.Deadline.IsZero() {
		f.Deadline = reg.Deadline.UnixMilli()
	}
	sh.items[key] = &entry{future: f, done: make(chan struct{})}
	return f.Clone(), nil
}

// MarkProcessing Pending → Processing；可同時更新進度
// 已在 Processing 時只更新進度。終態或序號不符時回傳 false。
func (s *Store) MarkProcessing(key string, seq uint64, progress json.RawMessage) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.items[key]
	if !ok || !matches(e.future, seq) || e.future.State.IsTerminal() {
		return false
	}
	e.future.State = types.StateProcessing
	if len(progress) > 0 {
		e.future.Progress = append(json.RawMessage(nil), progress...)
	}
	return true
}

// ResolveCompleted 以成功結果解決 Future
func (s *Store) ResolveCompleted(key string, seq uint64, result json.RawMessage) (*types.JobFuture, bool) {
	return s.resolve(key, seq, types.StateCompleted, result, nil)
}

// ResolveFailed 以錯誤解決 Future
func (s *Store) ResolveFailed(key string, seq uint64, jerr *types.JobError) (*types.JobFuture, bool) {
	if jerr == nil {
		jerr = types.NewError(types.ErrInternal, "unspecified failure")
	}
	return s.resolve(key, seq, types.StateFailed, nil, jerr)
}

// ResolveInterrupted 以中斷解決 Future；partial 為已追蹤的部分結果
func (s *Store) ResolveInterrupted(key string, seq uint64, partial json.RawMessage) (*types.JobFuture, bool) {
	return s.resolve(key, seq, types.StateInterrupted, partial, nil)
}

// resolve 是所有終態轉換的唯一入口（compare-and-set）
func (s *Store) resolve(key string, seq uint64, state types.JobState, result json.RawMessage, jerr *types.JobError) (*types.JobFuture, bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.items[key]
	if !ok || !matches(e.future, seq) || e.future.State.IsTerminal() {
		return nil, false
	}

	f := e.future
	f.State = state
	if result != nil {
		f.Result = append(json.RawMessage(nil), result...)
	}
	if jerr != nil {
		je := *jerr
		f.Error = &je
	}
	f.ResolvedAt = s.now().UnixMilli()
	close(e.done)
	return f.Clone(), true
}

func matches(f *types.JobFuture, seq uint64) bool {
	return seq == 0 || f.Sequence == seq
}

// ============================================================================
// 查詢
// ============================================================================

// Get 純讀取，不改變任何狀態
func (s *Store) Get(key string) (*types.JobFuture, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	e, ok := sh.items[key]
	if !ok {
		return nil, false
	}
	return e.future.Clone(), true
}

// Waiter 等待單一 Future 進入終態
type Waiter func(ctx context.Context) (*types.JobFuture, error)

// Watch 取得 (key, seq) 的 Waiter
// Future 之後被 Consume 取走或被新任務取代時，Waiter 仍回傳它的終態
func (s *Store) Watch(key string, seq uint64) (Waiter, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	e, ok := sh.items[key]
	sh.mu.RUnlock()
	if !ok || !matches(e.future, seq) {
		return nil, false
	}

	return func(ctx context.Context) (*types.JobFuture, error) {
		select {
		case <-e.done:
			sh.mu.RLock()
			defer sh.mu.RUnlock()
			return e.future.Clone(), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, true
}

// Wait 阻塞直到 (key, seq) 進入終態或 ctx 結束
// ctx 結束時回傳 ctx.Err()，Future 本身不變
func (s *Store) Wait(ctx context.Context, key string, seq uint64) (*types.JobFuture, error) {
	wait, ok := s.Watch(key, seq)
	if !ok {
		return nil, ErrNotFound
	}
	return wait(ctx)
}

// Consume 取得並確認：終態 Future 回傳後即移除；未完成時只回傳目前狀態
func (s *Store) Consume(key string) (*types.JobFuture, bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.items[key]
	if !ok {
		return nil, false
	}
	if e.future.State.IsTerminal() {
		delete(sh.items, key)
	}
	return e.future.Clone(), true
}

// Evict 移除 key 上的終態 Future；未完成的 Future 保留，回傳 false
func (s *Store) Evict(key string) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.items[key]
	if !ok || !e.future.State.IsTerminal() {
		return false
	}
	delete(sh.items, key)
	return true
}

// Sweep 移除解決時間早於 now-retention 的終態 Future，回傳被移除的 key
func (s *Store) Sweep(now time.Time, retention time.Duration) []string {
	cutoff := now.Add(-retention).UnixMilli()
	var evicted []string
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, e := range sh.items {
			if e.future.State.IsTerminal() && e.future.ResolvedAt <= cutoff {
				delete(sh.items, key)
				evicted = append(evicted, key)
			}
		}
		sh.mu.Unlock()
	}
	return evicted
}

// Expired 回傳已超過期限但仍未完成的 Future（拷貝）
func (s *Store) Expired(now time.Time) []*types.JobFuture {
	ms := now.UnixMilli()
	var expired []*types.JobFuture
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, e := range sh.items {
			f := e.future
			if !f.State.IsTerminal() && f.Deadline > 0 && ms >= f.Deadline {
				expired = append(expired, f.Clone())
			}
		}
		sh.mu.RUnlock()
	}
	return expired
}

// Stats 回傳各狀態的 Future 數量
func (s *Store) Stats() map[string]int {
	stats := map[string]int{
		string(types.StatePending):     0,
		string(types.StateProcessing):  0,
		string(types.StateCompleted):   0,
		string(types.StateFailed):      0,
		string(types.StateInterrupted): 0,
		"total":                        0,
	}
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, e := range sh.items {
			stats[string(e.future.State)]++
			stats["total"]++
		}
		sh.mu.RUnlock()
	}
	return stats
}

// ============================================================================
// 快照
// ============================================================================

// Snapshot 拷貝所有 Future
func (s *Store) Snapshot() map[string]*types.JobFuture {
	out := make(map[string]*types.JobFuture)
	for _, sh := range s.shards {
		sh.mu.RLock()
		for key, e := range sh.items {
			out[key] = e.future.Clone()
		}
		sh.mu.RUnlock()
	}
	return out
}

// Restore 從快照恢復
//
// 未完成的 Future 無法再收到回覆（worker 連線已不存在），
// 因此以 transport_error 失敗收尾。回傳被收尾的數量。
func (s *Store) Restore(futures map[string]*types.JobFuture) int {
	now := s.now().UnixMilli()
	failed := 0
	for key, f := range futures {
		if f == nil {
			continue
		}
		c := f.Clone()
		c.Key = key
		if !c.State.IsTerminal() {
			c.State = types.StateFailed
			c.Error = types.NewError(types.ErrTransport, "gateway restarted before the job resolved")
			c.ResolvedAt = now
			failed++
		}
		done := make(chan struct{})
		close(done)

		sh := s.shardFor(key)
		sh.mu.Lock()
		sh.items[key] = &entry{future: c, done: done}
		sh.mu.Unlock()
	}
	return failed
}
