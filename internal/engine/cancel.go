package engine

// ============================================================================
// 取消管理
// 職責：把使用者的「停止」轉成 Future 的 Interrupted 終態並釋放頻道，
//       再以盡力而為的方式通知 unit 中斷執行
//
// 引擎端是權威的：不等待 unit 確認，之後到達的回覆一律丟棄。
// Interrupted 屬於成功結果，對話生成會得到一則「已停止」的回答。
// ============================================================================

import (
	"encoding/json"

	"github.com/ChuLiYu/aigc-gateway/internal/channel"
	"github.com/ChuLiYu/aigc-gateway/internal/futures"
	"github.com/ChuLiYu/aigc-gateway/pkg/types"
)

// AnswerInterrupted 對話生成被停止時的固定回答
const AnswerInterrupted = "I have stopped the response."

// StopChannel 停止頻道上正在執行的任務
//
// 返回值：
//   - types.ChannelView: 停止後的頻道狀態
//   - error: 頻道不存在（NotFound）或 token 不一致
//
// 冪等：頻道閒置時直接回傳目前狀態。
func (e *Engine) StopChannel(code, token string) (types.ChannelView, error) {
	if err := e.checkOwner(code, token); err != nil {
		return types.ChannelView{}, err
	}
	ref, view, err := e.channels.Interrupt(code)
	if err != nil {
		return types.ChannelView{}, err
	}
	if ref == nil {
		return view, nil
	}

	if cur, ok := e.futures.Get(ref.Key); ok && cur.JobID == ref.ID {
		e.interrupt(cur)
	} else {
		// 頻道指向的 Future 已不存在，直接修復卡住的 slot
		e.channels.Release(code, ref.ID)
	}

	view, ok := e.channels.Get(code)
	if !ok {
		return types.ChannelView{}, channel.ErrNotFound
	}
	return view, nil
}

// Cancel 依 key 停止任務（未綁定頻道的報告、檔案處理等）
// 已在終態時回傳原本的值。
func (e *Engine) Cancel(key, token string) (*types.JobFuture, error) {
	if token == "" {
		return nil, types.NewError(types.ErrNoToken, "missing caller token")
	}
	cur, ok := e.futures.Get(key)
	if !ok {
		return nil, futures.ErrNotFound
	}
	if cur.State.IsTerminal() {
		return cur, nil
	}
	if f, ok := e.interrupt(cur); ok {
		return f, nil
	}
	// 輸給了同時到達的回覆
	f, _ := e.futures.Get(key)
	return f, nil
}

func (e *Engine) checkOwner(code, token string) error {
	if token == "" {
		return types.NewError(types.ErrNoToken, "missing caller token")
	}
	owner, ok := e.channels.Owner(code)
	if !ok {
		return channel.ErrNotFound
	}
	if owner != "" && owner != token {
		return channel.ErrInconsistentToken
	}
	return nil
}

// interrupt 將 cur 解決為 Interrupted；只有贏得 CAS 時才有副作用
func (e *Engine) interrupt(cur *types.JobFuture) (*types.JobFuture, bool) {
	var query json.RawMessage
	if q, ok := e.queries.Load(cur.JobID); ok {
		query, _ = q.(json.RawMessage)
	}
	f, ok := e.futures.ResolveInterrupted(cur.Key, cur.Sequence, interruptedResult(cur, query))
	if !ok {
		return nil, false
	}
	e.metrics.RecordInterrupt()
	e.abandon(f)
	e.finish(f)
	e.log.Info("job interrupted", "key", f.Key, "seq", f.Sequence, "kind", f.Kind)
	return f, true
}

// interruptedResult 各種類被停止時的部分結果
//
//   - text_generation: 帶原始問題的固定回答
//   - 其他種類: 最後一次進度（若有）
func interruptedResult(f *types.JobFuture, query json.RawMessage) json.RawMessage {
	out := map[string]any{"interrupted": true, "sn": f.Sequence}
	switch f.Kind {
	case types.KindTextGeneration:
		var q struct {
			Query string `json:"query"`
		}
		_ = json.Unmarshal(query, &q)
		out["query"] = q.Query
		out["answer"] = AnswerInterrupted
	default:
		if len(f.Progress) > 0 {
			out["partial"] = f.Progress
		}
	}
	b, err := json.Marshal(out)
	if err != nil {
		return json.RawMessage(`{"interrupted":true}`)
	}
	return b
}
