package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/aigc-gateway/pkg/types"
)

func job(id string, seq uint64) types.JobRef {
	return types.JobRef{ID: id, Key: "chan-1", Sequence: seq, Kind: types.KindTextGeneration}
}

func acquireReq(code, id string, seq uint64) AcquireRequest {
	return AcquireRequest{Code: code, Owner: "tok", Exclusive: true, Job: job(id, seq)}
}

func TestAcquireCreatesAndMarksBusy(t *testing.T) {
	r := NewRegistry(0)

	registered := false
	view, err := r.Acquire(acquireReq("chan-1", "j1", 5), func() error {
		registered = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, registered)
	assert.True(t, view.Busy)
	assert.Equal(t, uint64(5), view.LastSequence)
	require.NotNil(t, view.CurrentJob)
	assert.Equal(t, "j1", view.CurrentJob.ID)

	_, err = r.Acquire(acquireReq("chan-1", "j2", 6), func() error {
		t.Fatal("register must not run on a busy channel")
		return nil
	})
	assert.True(t, errors.Is(err, ErrBusy))
}

func TestAcquireRegisterFailureLeavesChannelIdle(t *testing.T) {
	r := NewRegistry(0)
	boom := types.NewError(types.ErrConflict, "exists")

	_, err := r.Acquire(acquireReq("chan-1", "j1", 1), func() error { return boom })
	assert.ErrorIs(t, err, boom)

	view, ok := r.Get("chan-1")
	require.True(t, ok)
	assert.False(t, view.Busy)
	assert.Nil(t, view.CurrentJob)
}

func TestAcquireTokenMismatch(t *testing.T) {
	r := NewRegistry(0)
	_, _, err := r.Open("chan-1", "owner", "alice")
	require.NoError(t, err)

	req := acquireReq("chan-1", "j1", 1)
	req.Owner = "intruder"
	_, err = r.Acquire(req, nil)
	assert.True(t, errors.Is(err, ErrInconsistentToken))
}

func TestNonExclusiveDoesNotBlock(t *testing.T) {
	r := NewRegistry(0)
	_, err := r.Acquire(acquireReq("chan-1", "j1", 1), nil)
	require.NoError(t, err)

	req := AcquireRequest{Code: "chan-1", Owner: "tok", Job: types.JobRef{ID: "asr", Sequence: 2}}
	view, err := r.Acquire(req, nil)
	require.NoError(t, err)
	assert.True(t, view.Busy)
	assert.Equal(t, "j1", view.CurrentJob.ID)
	assert.Equal(t, uint64(2), view.LastSequence)
}

// N goroutines race for one channel: exactly one gets it.
func TestConcurrentAcquireSingleFlight(t *testing.T) {
	r := NewRegistry(0)
	const n = 100

	var wins, busy int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.Acquire(acquireReq("hot", fmt.Sprintf("j%d", i), uint64(i+1)), func() error { return nil })
			switch {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case errors.Is(err, ErrBusy):
				atomic.AddInt32(&busy, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	assert.Equal(t, int32(n-1), busy)
}

func TestReleaseOnlyByOwnerJob(t *testing.T) {
	r := NewRegistry(0)
	_, err := r.Acquire(acquireReq("chan-1", "j1", 1), nil)
	require.NoError(t, err)

	assert.False(t, r.Release("chan-1", "stale"))
	view, _ := r.Get("chan-1")
	assert.True(t, view.Busy)

	assert.True(t, r.Release("chan-1", "j1"))
	assert.False(t, r.Release("chan-1", "j1"))
	assert.False(t, r.Release("missing", "j1"))

	_, err = r.Acquire(acquireReq("chan-1", "j2", 2), nil)
	assert.NoError(t, err)
}

func TestFinishAppendsBeforeRelease(t *testing.T) {
	r := NewRegistry(0)
	_, err := r.Acquire(acquireReq("chan-1", "j1", 1), nil)
	require.NoError(t, err)

	entry := &types.HistoryEntry{Sequence: 1, JobID: "j1", State: types.StateCompleted, Answer: json.RawMessage(`"hi"`)}
	assert.True(t, r.Finish("chan-1", "j1", entry))

	view, ok := r.Get("chan-1")
	require.True(t, ok)
	assert.False(t, view.Busy)
	assert.Equal(t, 1, view.Rounds)
	require.Len(t, view.History, 1)
	assert.Equal(t, uint64(1), view.History[0].Sequence)
}

func TestHistoryLimit(t *testing.T) {
	r := NewRegistry(3)
	_, _, err := r.Open("chan-1", "tok", "")
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		require.NoError(t, r.AppendHistory("chan-1", types.HistoryEntry{Sequence: uint64(i)}))
	}
	view, _ := r.Get("chan-1")
	require.Len(t, view.History, 3)
	assert.Equal(t, uint64(3), view.History[0].Sequence)
	assert.Equal(t, uint64(5), view.History[2].Sequence)
	assert.Equal(t, 5, view.Rounds)

	assert.ErrorIs(t, r.AppendHistory("missing", types.HistoryEntry{}), ErrNotFound)
}

func TestInterrupt(t *testing.T) {
	r := NewRegistry(0)

	_, _, err := r.Interrupt("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = r.Open("chan-1", "tok", "")
	require.NoError(t, err)
	ref, view, err := r.Interrupt("chan-1")
	require.NoError(t, err)
	assert.Nil(t, ref)
	assert.False(t, view.Busy)

	_, err = r.Acquire(acquireReq("chan-1", "j1", 3), nil)
	require.NoError(t, err)
	ref, _, err = r.Interrupt("chan-1")
	require.NoError(t, err)
	require.NotNil(t, ref)
	assert.Equal(t, "j1", ref.ID)
	assert.Equal(t, uint64(3), ref.Sequence)
}

func TestOpenGeneratesCode(t *testing.T) {
	r := NewRegistry(0)
	view, created, err := r.Open("", "tok", "bob")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Len(t, view.Code, 16)
	assert.Equal(t, "bob", view.Participant)

	again, created, err := r.Open(view.Code, "tok", "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "bob", again.Participant)

	_, _, err = r.Open(view.Code, "other", "")
	assert.ErrorIs(t, err, ErrInconsistentToken)
}

func TestCloseRefusesBusy(t *testing.T) {
	r := NewRegistry(0)
	_, err := r.Acquire(acquireReq("chan-1", "j1", 1), nil)
	require.NoError(t, err)

	assert.ErrorIs(t, r.Close("chan-1", "tok"), ErrBusy)
	r.Release("chan-1", "j1")
	assert.ErrorIs(t, r.Close("chan-1", "other"), ErrInconsistentToken)
	assert.NoError(t, r.Close("chan-1", "tok"))
	assert.ErrorIs(t, r.Close("chan-1", "tok"), ErrNotFound)
}

func TestSweepSkipsBusy(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	r := NewRegistry(0)
	r.now = func() time.Time { return base }

	_, _, _ = r.Open("idle", "tok", "")
	_, err := r.Acquire(acquireReq("busy", "j1", 1), nil)
	require.NoError(t, err)

	evicted := r.Sweep(base.Add(time.Hour), 30*time.Minute)
	assert.Equal(t, []string{"idle"}, evicted)

	_, ok := r.Get("idle")
	assert.False(t, ok)
	_, ok = r.Get("busy")
	assert.True(t, ok)

	stale := r.Stale(base.Add(10*time.Minute), 5*time.Minute)
	require.Len(t, stale, 1)
	assert.Equal(t, "busy", stale[0].Code)
	assert.Equal(t, "j1", stale[0].Job.ID)

	open, busy := r.Stats()
	assert.Equal(t, 1, open)
	assert.Equal(t, 1, busy)
}

func TestSnapshotRestoreClearsBusy(t *testing.T) {
	r := NewRegistry(0)
	_, err := r.Acquire(acquireReq("chan-1", "j1", 9), nil)
	require.NoError(t, err)
	require.NoError(t, r.AppendHistory("chan-1", types.HistoryEntry{Sequence: 8}))

	states := r.Snapshot()
	require.Len(t, states, 1)
	assert.Equal(t, "tok", states[0].OwnerToken)

	restored := NewRegistry(0)
	restored.Restore(states)
	view, ok := restored.Get("chan-1")
	require.True(t, ok)
	assert.False(t, view.Busy)
	assert.Equal(t, uint64(9), view.LastSequence)
	assert.Len(t, view.History, 1)

	owner, ok := restored.Owner("chan-1")
	assert.True(t, ok)
	assert.Equal(t, "tok", owner)
}
