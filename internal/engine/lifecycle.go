package engine

// ============================================================================
// 生命週期與背景循環
//
// 啟動：
//   1. restore() - 從快照恢復 Future 與頻道，序號不倒退
//   2. sweepLoop - 週期性清理（TTL、逾時、卡住的頻道、閒置頻道、unit 租約）
//   3. snapshotLoop - 週期性快照
//
// 關閉順序：
//   1. stopped 設為 true → 拒絕新的提交
//   2. close(stopCh) → 通知所有循環
//   3. loopWg.Wait() → 等待循環退出
//   4. 最後一次快照
// ============================================================================

import (
	"fmt"
	"time"

	"github.com/ChuLiYu/aigc-gateway/pkg/types"
)

// Start 恢復狀態並啟動背景循環
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("engine already started")
	}
	if e.stopped.Load() {
		return ErrStopped
	}

	if err := e.restore(); err != nil {
		return fmt.Errorf("restore failed: %w", err)
	}

	e.loopWg.Add(1)
	go e.sweepLoop()
	if e.snapshots != nil && e.cfg.SnapshotInterval > 0 {
		e.loopWg.Add(1)
		go e.snapshotLoop()
	}
	e.started = true

	e.log.Info("engine started",
		"sweep_interval", e.cfg.SweepInterval,
		"future_retention", e.cfg.FutureRetention,
		"async_deadline", e.cfg.AsyncDeadline)
	return nil
}

// Stop 優雅關閉；重複呼叫無效果
func (e *Engine) Stop() {
	if !e.stopped.CompareAndSwap(false, true) {
		return
	}
	e.log.Info("stopping engine...")

	close(e.stopCh)
	e.loopWg.Wait()

	if err := e.takeSnapshot(); err != nil {
		e.log.Error("failed to take final snapshot", "error", err)
	}
	e.log.Info("engine stopped")
}

// restore 從快照恢復
func (e *Engine) restore() error {
	if e.snapshots == nil {
		return nil
	}
	start := time.Now()

	data, err := e.snapshots.Load()
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	failed := e.futures.Restore(data.Futures)
	e.channels.Restore(data.Channels)
	e.bumpSeq(data.LastSeq)

	recovery := time.Since(start)
	e.metrics.SetRecoveryTime(recovery)
	e.log.Info("snapshot loaded",
		"duration", recovery,
		"futures", len(data.Futures),
		"channels", len(data.Channels),
		"failed_unfinished", failed,
		"last_seq", data.LastSeq)
	return nil
}

// takeSnapshot 寫入目前狀態
func (e *Engine) takeSnapshot() error {
	if e.snapshots == nil {
		return nil
	}
	start := time.Now()
	data := types.SnapshotData{
		Futures:  e.futures.Snapshot(),
		Channels: e.channels.Snapshot(),
		LastSeq:  e.seq.Load(),
	}
	write := e.snapshots.Write
	if e.cfg.SnapshotBackups > 0 {
		write = func(d types.SnapshotData) error { return e.snapshots.WriteWithBackup(d, e.cfg.SnapshotBackups) }
	}
	if err := write(data); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	e.log.Debug("snapshot taken", "duration", time.Since(start), "futures", len(data.Futures), "channels", len(data.Channels))
	return nil
}

func (e *Engine) snapshotLoop() {
	defer e.loopWg.Done()
	ticker := time.NewTicker(e.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			if err := e.takeSnapshot(); err != nil {
				e.log.Error("failed to take snapshot", "error", err)
			}
		}
	}
}

func (e *Engine) sweepLoop() {
	defer e.loopWg.Done()
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.Sweep(e.now())
		}
	}
}

// SweepReport 一次清理的結果
type SweepReport struct {
	Evicted         int
	TimedOut        int
	Repaired        int
	ChannelsEvicted int
	WorkersExpired  int
	WindowsDropped  int
}

// Sweep 執行一次清理；背景循環定期呼叫，測試可直接呼叫
func (e *Engine) Sweep(now time.Time) SweepReport {
	var rep SweepReport

	// 1. 超過期限仍無回覆的 Future
	for _, cur := range e.futures.Expired(now) {
		jerr := types.NewError(types.ErrTimeout, "no reply before the job deadline")
		if f, ok := e.futures.ResolveFailed(cur.Key, cur.Sequence, jerr); ok {
			e.abandon(f)
			e.finish(f)
			rep.TimedOut++
		}
	}

	// 2. 已過保留期的終態 Future
	rep.Evicted = len(e.futures.Sweep(now, e.cfg.FutureRetention))

	// 3. 頻道佔用超過期限但對應 Future 已終態或消失
	for _, s := range e.channels.Stale(now, e.cfg.AsyncDeadline) {
		f, ok := e.futures.Get(s.Job.Key)
		if ok && f.JobID == s.Job.ID && !f.State.IsTerminal() {
			continue
		}
		if e.channels.Release(s.Code, s.Job.ID) {
			e.log.Warn("released stuck channel", "code", s.Code, "job_id", s.Job.ID)
			rep.Repaired++
		}
	}

	// 4. 閒置頻道
	if e.cfg.ChannelIdleTimeout > 0 {
		evicted := e.channels.Sweep(now, e.cfg.ChannelIdleTimeout)
		rep.ChannelsEvicted = len(evicted)
		if len(evicted) > 0 {
			e.log.Info("idle channels evicted", "count", len(evicted))
		}
	}

	// 5. unit 租約與限流視窗
	rep.WorkersExpired = len(e.gateway.ExpireLeases(now))
	if s, ok := e.admission.(interface{ Sweep(time.Time) int }); ok {
		rep.WindowsDropped = s.Sweep(now)
	}

	e.updateGauges()
	return rep
}

func (e *Engine) updateGauges() {
	if e.metrics == nil {
		return
	}
	e.metrics.UpdateFutureStats(e.futures.Stats())
	e.metrics.UpdateChannelStats(e.channels.Stats())
	e.metrics.UpdateUnits(e.gateway.Routes().Len())
}
