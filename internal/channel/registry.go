// ============================================================================
// AIGC Gateway Channel Registry - conversation mutual exclusion
// ============================================================================
//
// Package: internal/channel
// File: registry.go
// Purpose: Tracks conversation channels and enforces at most one exclusive job
//          per channel at a time.
//
// Locking:
//   The registry map is guarded by an RWMutex that is held only for lookup,
//   insert and eviction. Every channel carries its own mutex; all state of a
//   channel changes under that mutex. Acquire runs the caller's register
//   callback (future registration) inside the channel's critical section, so
//   "channel busy" and "future exists" become visible together.
//
//   Lock order: registry → channel → future shard. Nothing takes the registry
//   lock while holding a channel lock.
//
// Lifecycle:
//   Channels are created on first reference or by Open, and destroyed by
//   Close or idle eviction. A busy channel is never destroyed.
//
// ============================================================================

package channel

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/aigc-gateway/pkg/types"
)

var (
	ErrBusy              = types.NewError(types.ErrBusy, "channel is processing another job")
	ErrNotFound          = types.NewError(types.ErrNotFound, "channel not found")
	ErrInconsistentToken = types.NewError(types.ErrInconsistentToken, "token does not own this channel")
)

// DefaultHistoryLimit bounds in-memory history per channel.
const DefaultHistoryLimit = 2048

type channel struct {
	mu sync.Mutex

	code        string
	owner       string
	participant string
	history     []types.HistoryEntry
	busy        bool
	current     *types.JobRef
	busySince   time.Time
	lastSeq     uint64
	rounds      int
	createdAt   time.Time
	lastActive  time.Time
	removed     bool
}

// Registry owns every live channel.
type Registry struct {
	mu           sync.RWMutex
	channels     map[string]*channel
	historyLimit int
	now          func() time.Time
}

func NewRegistry(historyLimit int) *Registry {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Registry{
		channels:     make(map[string]*channel),
		historyLimit: historyLimit,
		now:          time.Now,
	}
}

// NewCode returns a fresh 16 character channel code.
func NewCode() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// AcquireRequest describes the job that wants the channel.
type AcquireRequest struct {
	Code        string
	Owner       string
	Participant string
	Exclusive   bool
	Job         types.JobRef
}

// Acquire claims the channel for req.Job and runs register inside the same
// critical section. Unknown codes are created. It never blocks on a busy
// channel: exclusive requests on a busy channel fail with ErrBusy. When
// register fails the channel is left untouched and its error is returned.
func (r *Registry) Acquire(req AcquireRequest, register func() error) (types.ChannelView, error) {
	if req.Code == "" {
		return types.ChannelView{}, types.NewError(types.ErrInvalidParameter, "empty channel code")
	}
	for {
		ch := r.getOrCreate(req.Code, req.Owner, req.Participant)
		ch.mu.Lock()
		if ch.removed {
			// lost a race with eviction, look again
			ch.mu.Unlock()
			continue
		}
		view, err := r.acquireLocked(ch, req, register)
		ch.mu.Unlock()
		return view, err
	}
}

func (r *Registry) acquireLocked(ch *channel, req AcquireRequest, register func() error) (types.ChannelView, error) {
	if ch.owner != "" && req.Owner != ch.owner {
		return ch.view(false), ErrInconsistentToken
	}
	if req.Exclusive && ch.busy {
		return ch.view(false), ErrBusy
	}
	if register != nil {
		if err := register(); err != nil {
			return ch.view(false), err
		}
	}

	now := r.now()
	if req.Exclusive {
		job := req.Job
		ch.busy = true
		ch.current = &job
		ch.busySince = now
	}
	if req.Job.Sequence > ch.lastSeq {
		ch.lastSeq = req.Job.Sequence
	}
	ch.lastActive = now
	return ch.view(false), nil
}

func (r *Registry) getOrCreate(code, owner, participant string) *channel {
	r.mu.RLock()
	ch, ok := r.channels[code]
	r.mu.RUnlock()
	if ok {
		return ch
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.channels[code]; ok {
		return ch
	}
	now := r.now()
	ch = &channel{
		code:        code,
		owner:       owner,
		participant: participant,
		createdAt:   now,
		lastActive:  now,
	}
	r.channels[code] = ch
	return ch
}

func (r *Registry) lookup(code string) (*channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[code]
	return ch, ok
}

// Release clears the busy slot, but only if jobID still owns it. A stale
// release from an older job is a no-op.
func (r *Registry) Release(code, jobID string) bool {
	return r.Finish(code, jobID, nil)
}

// Finish appends entry (when non-nil) to the history and releases the slot
// held by jobID, in one step, so the next job on the channel always sees the
// previous round.
func (r *Registry) Finish(code, jobID string, entry *types.HistoryEntry) bool {
	ch, ok := r.lookup(code)
	if !ok {
		return false
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if entry != nil && !ch.removed {
		r.appendLocked(ch, *entry)
	}
	if !ch.busy || ch.current == nil || ch.current.ID != jobID {
		return false
	}
	ch.busy = false
	ch.current = nil
	ch.busySince = time.Time{}
	ch.lastActive = r.now()
	return true
}

// AppendHistory appends one entry. Existing entries are never modified.
func (r *Registry) AppendHistory(code string, entry types.HistoryEntry) error {
	ch, ok := r.lookup(code)
	if !ok {
		return ErrNotFound
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	r.appendLocked(ch, entry)
	return nil
}

func (r *Registry) appendLocked(ch *channel, entry types.HistoryEntry) {
	entry.Query = cloneRaw(entry.Query)
	entry.Answer = cloneRaw(entry.Answer)
	ch.history = append(ch.history, entry)
	if len(ch.history) > r.historyLimit {
		ch.history = append([]types.HistoryEntry(nil), ch.history[len(ch.history)-r.historyLimit:]...)
	}
	ch.rounds++
	ch.lastActive = r.now()
}

// Interrupt returns the job currently holding the channel, or nil when idle.
// It does not release the slot; the caller resolves the future first.
func (r *Registry) Interrupt(code string) (*types.JobRef, types.ChannelView, error) {
	ch, ok := r.lookup(code)
	if !ok {
		return nil, types.ChannelView{}, ErrNotFound
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.removed {
		return nil, types.ChannelView{}, ErrNotFound
	}
	ch.lastActive = r.now()
	if !ch.busy || ch.current == nil {
		return nil, ch.view(false), nil
	}
	job := *ch.current
	return &job, ch.view(false), nil
}

// Open creates a channel or returns the existing one. An empty code gets a
// generated one.
func (r *Registry) Open(code, owner, participant string) (types.ChannelView, bool, error) {
	if code == "" {
		code = NewCode()
	}
	for {
		_, exists := r.lookup(code)
		ch := r.getOrCreate(code, owner, participant)
		ch.mu.Lock()
		if ch.removed {
			ch.mu.Unlock()
			continue
		}
		if ch.owner != "" && owner != ch.owner {
			ch.mu.Unlock()
			return types.ChannelView{}, false, ErrInconsistentToken
		}
		if participant != "" {
			ch.participant = participant
		}
		ch.lastActive = r.now()
		view := ch.view(false)
		ch.mu.Unlock()
		return view, !exists, nil
	}
}

// Get returns a copy of the channel including its history.
func (r *Registry) Get(code string) (types.ChannelView, bool) {
	ch, ok := r.lookup(code)
	if !ok {
		return types.ChannelView{}, false
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.removed {
		return types.ChannelView{}, false
	}
	return ch.view(true), true
}

// Owner reports the owner token of a channel.
func (r *Registry) Owner(code string) (string, bool) {
	ch, ok := r.lookup(code)
	if !ok {
		return "", false
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.owner, !ch.removed
}

// KeepAlive refreshes the idle timer.
func (r *Registry) KeepAlive(code string) error {
	ch, ok := r.lookup(code)
	if !ok {
		return ErrNotFound
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.removed {
		return ErrNotFound
	}
	ch.lastActive = r.now()
	return nil
}

// Close removes a channel. Busy channels cannot be closed.
func (r *Registry) Close(code, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[code]
	if !ok {
		return ErrNotFound
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.owner != "" && owner != ch.owner {
		return ErrInconsistentToken
	}
	if ch.busy {
		return ErrBusy
	}
	ch.removed = true
	delete(r.channels, code)
	return nil
}

// Sweep evicts idle channels whose last activity is older than idle. Busy
// channels are skipped.
func (r *Registry) Sweep(now time.Time, idle time.Duration) []string {
	cutoff := now.Add(-idle)
	var evicted []string

	r.mu.Lock()
	defer r.mu.Unlock()
	for code, ch := range r.channels {
		ch.mu.Lock()
		if !ch.busy && ch.lastActive.Before(cutoff) {
			ch.removed = true
			delete(r.channels, code)
			evicted = append(evicted, code)
		}
		ch.mu.Unlock()
	}
	return evicted
}

// StaleJob is a busy slot held for longer than allowed.
type StaleJob struct {
	Code string
	Job  types.JobRef
}

// Stale lists channels that have been busy for longer than maxBusy.
func (r *Registry) Stale(now time.Time, maxBusy time.Duration) []StaleJob {
	r.mu.RLock()
	chans := make([]*channel, 0, len(r.channels))
	for _, ch := range r.channels {
		chans = append(chans, ch)
	}
	r.mu.RUnlock()

	var stale []StaleJob
	for _, ch := range chans {
		ch.mu.Lock()
		if ch.busy && ch.current != nil && now.Sub(ch.busySince) > maxBusy {
			stale = append(stale, StaleJob{Code: ch.code, Job: *ch.current})
		}
		ch.mu.Unlock()
	}
	return stale
}

// Stats returns open and busy channel counts.
func (r *Registry) Stats() (open, busy int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ch := range r.channels {
		ch.mu.Lock()
		if ch.busy {
			busy++
		}
		ch.mu.Unlock()
	}
	return len(r.channels), busy
}

// Snapshot copies every channel for persistence.
func (r *Registry) Snapshot() []types.ChannelState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.ChannelState, 0, len(r.channels))
	for _, ch := range r.channels {
		ch.mu.Lock()
		out = append(out, types.ChannelState{ChannelView: ch.view(true), OwnerToken: ch.owner})
		ch.mu.Unlock()
	}
	return out
}

// Restore loads channels from a snapshot. Busy flags are not restored: the
// jobs that held them did not survive the restart.
func (r *Registry) Restore(states []types.ChannelState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range states {
		if s.Code == "" {
			continue
		}
		r.channels[s.Code] = &channel{
			code:        s.Code,
			owner:       s.OwnerToken,
			participant: s.Participant,
			history:     append([]types.HistoryEntry(nil), s.History...),
			lastSeq:     s.LastSequence,
			rounds:      s.Rounds,
			createdAt:   time.UnixMilli(s.CreatedAt),
			lastActive:  time.UnixMilli(s.LastActivityAt),
		}
	}
}

func (ch *channel) view(withHistory bool) types.ChannelView {
	v := types.ChannelView{
		Code:           ch.code,
		Participant:    ch.participant,
		Busy:           ch.busy,
		LastSequence:   ch.lastSeq,
		Rounds:         ch.rounds,
		CreatedAt:      ch.createdAt.UnixMilli(),
		LastActivityAt: ch.lastActive.UnixMilli(),
	}
	if ch.current != nil {
		job := *ch.current
		v.CurrentJob = &job
	}
	if withHistory && len(ch.history) > 0 {
		v.History = make([]types.HistoryEntry, len(ch.history))
		copy(v.History, ch.history)
	}
	return v
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}
