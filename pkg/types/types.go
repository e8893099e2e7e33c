// Package types 定義了 aigc-gateway 系統中使用的核心領域模型
package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ============================================================================
// 任務種類 (JobKind)
// ============================================================================

// JobKind 後端 AI 單元所提供的操作種類
type JobKind string

const (
	KindASR              JobKind = "asr"               // 語音辨識
	KindDiarization      JobKind = "diarization"       // 說話人分離
	KindFacialExpression JobKind = "facial_expression" // 表情辨識
	KindObjectDetection  JobKind = "object_detection"  // 物件偵測
	KindSpeechEmotion    JobKind = "speech_emotion"    // 語音情緒
	KindKnowledgeImport  JobKind = "knowledge_import"  // 知識庫匯入
	KindKnowledgeReset   JobKind = "knowledge_reset"   // 知識庫重置
	KindReport           JobKind = "report_generation" // 報告生成
	KindTextGeneration   JobKind = "text_generation"   // 對話生成
	KindTextToFile       JobKind = "text_to_file"      // 文字轉檔
)

// AllKinds 所有已知的任務種類
var AllKinds = []JobKind{
	KindASR, KindDiarization, KindFacialExpression, KindObjectDetection,
	KindSpeechEmotion, KindKnowledgeImport, KindKnowledgeReset,
	KindReport, KindTextGeneration, KindTextToFile,
}

// KeyScope 決定 Future 以哪一種資源識別碼為 key
type KeyScope int

const (
	ScopeResource KeyScope = iota // 由呼叫端提供（檔案代碼、知識庫名稱）
	ScopeSequence                 // 由引擎分配的序號
	ScopeChannel                  // 對話頻道代碼
)

// ParseJobKind 解析操作名稱，未知名稱回傳 InvalidParameter
func ParseJobKind(s string) (JobKind, error) {
	k := JobKind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllKinds {
		if k == known {
			return k, nil
		}
	}
	return "", NewError(ErrInvalidParameter, fmt.Sprintf("unknown operation %q", s))
}

// Scope 回傳該種類的 key 來源
func (k JobKind) Scope() KeyScope {
	switch k {
	case KindTextGeneration:
		return ScopeChannel
	case KindReport, KindTextToFile:
		return ScopeSequence
	default:
		return ScopeResource
	}
}

// Exclusive 表示該操作在頻道上需要互斥（同一時間只允許一個）
func (k JobKind) Exclusive() bool {
	return k == KindTextGeneration || k == KindReport
}

// RequiresChannel 表示該操作必須綁定頻道
func (k JobKind) RequiresChannel() bool {
	return k == KindTextGeneration
}

// ============================================================================
// Future 狀態
// ============================================================================

// JobState Future 狀態
type JobState string

const (
	StatePending     JobState = "pending"     // 已註冊，尚未確認分派
	StateProcessing  JobState = "processing"  // worker 已接手
	StateCompleted   JobState = "completed"   // 成功完成
	StateFailed      JobState = "failed"      // 失敗（含逾時、傳輸錯誤）
	StateInterrupted JobState = "interrupted" // 被使用者停止，屬於成功結果
)

// IsTerminal 終態之後不再有任何轉換
func (s JobState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateInterrupted
}

// ============================================================================
// 關聯封包與 Future
// ============================================================================

// Envelope 關聯封包，隨每次分派送往 worker，並在回覆中帶回
type Envelope struct {
	CallerToken   string  `json:"caller_token,omitempty" msgpack:"caller_token,omitempty"`
	Operation     JobKind `json:"operation" msgpack:"operation"`
	ResourceKey   string  `json:"resource_key" msgpack:"resource_key"`
	Sequence      uint64  `json:"sn" msgpack:"sn"`
	TimeoutMillis int64   `json:"timeout_ms,omitempty" msgpack:"timeout_ms,omitempty"`
}

// JobFuture 一個操作的最終結果；終態後不可變
type JobFuture struct {
	Key      string          `json:"key"`
	Kind     JobKind         `json:"kind"`
	JobID    string          `json:"job_id"`
	Sequence uint64          `json:"sn"`
	State    JobState        `json:"state"`
	Result   json.RawMessage `json:"result,omitempty"`
	Progress json.RawMessage `json:"progress,omitempty"`
	Error    *JobError       `json:"error,omitempty"`
	Channel  string          `json:"channel,omitempty"`

	// 時間皆為 Unix 毫秒
	SubmittedAt int64 `json:"submitted_at"`
	ResolvedAt  int64 `json:"resolved_at,omitempty"`
	Deadline    int64 `json:"deadline_ms,omitempty"`
}

// Envelope 由 Future 重建分派時使用的關聯封包
func (f *JobFuture) Envelope() Envelope {
	return Envelope{Operation: f.Kind, ResourceKey: f.Key, Sequence: f.Sequence}
}

// Clone 深拷貝，呼叫端取得的值與儲存體無共享
func (f *JobFuture) Clone() *JobFuture {
	if f == nil {
		return nil
	}
	c := *f
	c.Result = cloneRaw(f.Result)
	c.Progress = cloneRaw(f.Progress)
	if f.Error != nil {
		e := *f.Error
		c.Error = &e
	}
	return &c
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}

// ============================================================================
// 頻道
// ============================================================================

// JobRef 頻道對目前任務的引用（不擁有 Future）
type JobRef struct {
	ID       string  `json:"job_id"`
	Key      string  `json:"key"`
	Sequence uint64  `json:"sn"`
	Kind     JobKind `json:"kind"`
}

// HistoryEntry 頻道歷史中的一輪；只會追加，不會修改
type HistoryEntry struct {
	Sequence  uint64          `json:"sn"`
	JobID     string          `json:"job_id"`
	Kind      JobKind         `json:"kind"`
	State     JobState        `json:"state"`
	Query     json.RawMessage `json:"query,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// ChannelView 頻道狀態快照（唯讀拷貝）
type ChannelView struct {
	Code           string         `json:"code"`
	Participant    string         `json:"participant,omitempty"`
	Busy           bool           `json:"busy"`
	CurrentJob     *JobRef        `json:"current_job,omitempty"`
	LastSequence   uint64         `json:"last_sn"`
	Rounds         int            `json:"rounds"`
	History        []HistoryEntry `json:"history,omitempty"`
	CreatedAt      int64          `json:"created_at"`
	LastActivityAt int64          `json:"last_activity_at"`
}

// ChannelState 快照持久化用；包含 owner token
type ChannelState struct {
	ChannelView
	OwnerToken string `json:"owner_token"`
}

// ============================================================================
// Worker 訊息
// ============================================================================

// ReplyStatus worker 回覆的標記
type ReplyStatus string

const (
	ReplySuccess ReplyStatus = "success"
	ReplyFailure ReplyStatus = "failure"
	ReplyAck     ReplyStatus = "ack" // 已接手，可附帶進度
)

// Reply worker 回覆；以 (ResourceKey, Sequence) 關聯到 Future
type Reply struct {
	ResourceKey string          `json:"resource_key" msgpack:"resource_key"`
	Sequence    uint64          `json:"sn" msgpack:"sn"`
	Status      ReplyStatus     `json:"status" msgpack:"status"`
	Payload     json.RawMessage `json:"payload,omitempty" msgpack:"payload,omitempty"`
	ErrorKind   string          `json:"error_kind,omitempty" msgpack:"error_kind,omitempty"`
	Message     string          `json:"message,omitempty" msgpack:"message,omitempty"`
}

// Dispatch 送往 worker 的工作
type Dispatch struct {
	Envelope Envelope        `json:"envelope" msgpack:"envelope"`
	Payload  json.RawMessage `json:"payload,omitempty" msgpack:"payload,omitempty"`
}

// Interrupt 停止 worker 上正在執行的工作（盡力而為）
type Interrupt struct {
	ResourceKey string `json:"resource_key" msgpack:"resource_key"`
	Sequence    uint64 `json:"sn" msgpack:"sn"`
}

// WorkerInfo worker 宣告的能力
type WorkerInfo struct {
	ID           string    `json:"id" msgpack:"id"`
	Capabilities []JobKind `json:"capabilities" msgpack:"capabilities"`
	Capacity     int       `json:"capacity" msgpack:"capacity"`
}

// ============================================================================
// 快照
// ============================================================================

// SnapshotData 快照資料，用於系統狀態的持久化和恢復
type SnapshotData struct {
	Futures   map[string]*JobFuture `json:"futures"`
	Channels  []ChannelState        `json:"channels,omitempty"`
	SchemaVer int                   `json:"schema_ver"`
	LastSeq   uint64                `json:"last_seq"` // 最後分配的序號
}
