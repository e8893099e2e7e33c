package storage

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/aigc-gateway/pkg/types"
)

// DefaultRecorderBuffer bounds the rounds waiting to be written.
const DefaultRecorderBuffer = 1024

type record struct {
	code  string
	entry types.HistoryEntry
}

// Recorder writes history rounds in the background so the reply path never
// waits on disk. When the queue is full the round is dropped and counted;
// the in-memory copy in the registry still has it.
type Recorder struct {
	store   *Store
	log     *slog.Logger
	queue   chan record
	dropped atomic.Int64

	mu     sync.RWMutex // 保護 queue 的關閉
	closed bool
	done   chan struct{}
}

func NewRecorder(store *Store, buffer int, logger *slog.Logger) *Recorder {
	if buffer <= 0 {
		buffer = DefaultRecorderBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		store: store,
		log:   logger.With("component", "history"),
		queue: make(chan record, buffer),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

// Record queues one round. It never blocks. Rounds recorded after Close are
// dropped.
func (r *Recorder) Record(code string, entry types.HistoryEntry) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.queue <- record{code: code, entry: entry}:
	default:
		r.dropped.Add(1)
		r.log.Warn("history queue full, round not persisted", "code", code, "seq", entry.Sequence)
	}
}

// ListHistory reads through to the store.
func (r *Recorder) ListHistory(ctx context.Context, code string, limit int) ([]types.HistoryEntry, error) {
	return r.store.ListHistory(ctx, code, limit)
}

// Dropped reports rounds that were never written.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close flushes the queue and stops the writer.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)
	for rec := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.store.AppendHistory(ctx, rec.code, rec.entry); err != nil {
			r.dropped.Add(1)
			r.log.Error("failed to persist history", "code", rec.code, "seq", rec.entry.Sequence, "error", err)
		}
		cancel()
	}
}
