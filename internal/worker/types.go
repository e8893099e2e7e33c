package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ChuLiYu/aigc-gateway/pkg/types"
)

// Task 一個要在本地 AI 單元上執行的工作
type Task struct {
	Dispatch types.Dispatch
	Timeout  time.Duration

	// Progress 由 handler 呼叫以回報進度（可為 nil）
	Progress func(json.RawMessage)
}

// Key 回傳工作的關聯 key
func (t Task) Key() string { return t.Dispatch.Envelope.ResourceKey }

// Sequence 回傳工作的序號
func (t Task) Sequence() uint64 { return t.Dispatch.Envelope.Sequence }

// Result 工作執行結果
type Result struct {
	Key         string
	Sequence    uint64
	Output      json.RawMessage
	Err         error
	Interrupted bool
	Duration    time.Duration
}

// Handler 執行某一種操作；ctx 在逾時或被中斷時結束
type Handler func(ctx context.Context, d types.Dispatch, progress func(json.RawMessage)) (json.RawMessage, error)

// Handlers 以操作種類索引的 handler 表
type Handlers map[types.JobKind]Handler

// Kinds 回傳有 handler 的操作種類
func (h Handlers) Kinds() []types.JobKind {
	kinds := make([]types.JobKind, 0, len(h))
	for _, k := range types.AllKinds {
		if _, ok := h[k]; ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// UnitError 單元自己分類的錯誤，Kind 原樣回傳給 gateway
type UnitError struct {
	Kind    string
	Message string
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}
