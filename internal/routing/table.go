// Package routing keeps the set of connected units, what each of them can do,
// and how to reach it. Membership is a lease renewed by heartbeats.
package routing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/aigc-gateway/pkg/types"
)

// DefaultLease is how long a unit stays routable without a heartbeat.
const DefaultLease = 10 * time.Second

// Link delivers frames to one unit over whatever substrate it joined through.
type Link interface {
	Dispatch(ctx context.Context, d types.Dispatch) error
	Interrupt(ctx context.Context, i types.Interrupt) error
}

type member struct {
	info     types.WorkerInfo
	link     Link
	caps     map[types.JobKind]struct{}
	inflight int
	lastSeen time.Time
	expiry   time.Time
}

// MemberView is a read-only copy of one routing entry.
type MemberView struct {
	ID           string          `json:"id"`
	Capabilities []types.JobKind `json:"capabilities"`
	Capacity     int             `json:"capacity"`
	Inflight     int             `json:"inflight"`
	LastSeen     int64           `json:"last_seen"`
	ExpiresAt    int64           `json:"expires_at"`
}

// Table is the routing table.
type Table struct {
	mu      sync.RWMutex
	members map[string]*member
	cursor  map[types.JobKind]int
	lease   time.Duration
	now     func() time.Time
}

func NewTable(lease time.Duration) *Table {
	if lease <= 0 {
		lease = DefaultLease
	}
	return &Table{
		members: make(map[string]*member),
		cursor:  make(map[types.JobKind]int),
		lease:   lease,
		now:     time.Now,
	}
}

// Lease returns the lease duration handed to units.
func (t *Table) Lease() time.Duration { return t.lease }

// Register adds or replaces a unit. Replacing keeps the in-flight count.
func (t *Table) Register(info types.WorkerInfo, link Link) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	m := &member{
		info:     info,
		link:     link,
		caps:     make(map[types.JobKind]struct{}, len(info.Capabilities)),
		lastSeen: now,
		expiry:   now.Add(t.lease),
	}
	for _, k := range info.Capabilities {
		m.caps[k] = struct{}{}
	}
	if old, ok := t.members[info.ID]; ok {
		m.inflight = old.inflight
	}
	t.members[info.ID] = m
}

// Heartbeat extends the lease. False means the unit must register again.
func (t *Table) Heartbeat(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.members[id]
	if !ok {
		return false
	}
	now := t.now()
	m.lastSeen = now
	m.expiry = now.Add(t.lease)
	return true
}

// Remove drops a unit.
func (t *Table) Remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.members[id]; !ok {
		return false
	}
	delete(t.members, id)
	return true
}

// Pick chooses the least loaded live unit offering kind and counts one more
// job against it. Ties rotate so equal units share the work.
func (t *Table) Pick(kind types.JobKind) (string, Link, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	candidates := make([]*member, 0, len(t.members))
	for _, m := range t.members {
		if _, ok := m.caps[kind]; ok && now.Before(m.expiry) {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return "", nil, false
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].info.ID < candidates[j].info.ID })

	start := t.cursor[kind] % len(candidates)
	t.cursor[kind]++

	best := candidates[start]
	for i := 1; i < len(candidates); i++ {
		c := candidates[(start+i)%len(candidates)]
		if c.inflight < best.inflight {
			best = c
		}
	}
	best.inflight++
	return best.info.ID, best.link, true
}

// Done releases one job slot on a unit.
func (t *Table) Done(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.members[id]; ok && m.inflight > 0 {
		m.inflight--
	}
}

// Link returns the link of a unit.
func (t *Table) Link(id string) (Link, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.members[id]
	if !ok {
		return nil, false
	}
	return m.link, true
}

// Expired lists units whose lease has lapsed.
func (t *Table) Expired(now time.Time) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var ids []string
	for id, m := range t.members {
		if !now.Before(m.expiry) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Members returns every unit, sorted by id.
func (t *Table) Members() []MemberView {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]MemberView, 0, len(t.members))
	for _, m := range t.members {
		out = append(out, MemberView{
			ID:           m.info.ID,
			Capabilities: append([]types.JobKind(nil), m.info.Capabilities...),
			Capacity:     m.info.Capacity,
			Inflight:     m.inflight,
			LastSeen:     m.lastSeen.UnixMilli(),
			ExpiresAt:    m.expiry.UnixMilli(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Load sums in-flight jobs per capability.
func (t *Table) Load() map[types.JobKind]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	load := make(map[types.JobKind]int)
	for _, m := range t.members {
		for k := range m.caps {
			load[k] += m.inflight
		}
	}
	return load
}

// Len is the number of registered units.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.members)
}
