package engine

import (
	"context"

	"github.com/ChuLiYu/aigc-gateway/internal/channel"
	"github.com/ChuLiYu/aigc-gateway/pkg/types"
)

// OpenChannel creates a channel, or returns the existing one when the token
// matches its owner. An empty code gets a generated one.
func (e *Engine) OpenChannel(code, token, participant string) (types.ChannelView, error) {
	if token == "" {
		return types.ChannelView{}, types.NewError(types.ErrNoToken, "missing caller token")
	}
	view, created, err := e.channels.Open(code, token, participant)
	if err != nil {
		return types.ChannelView{}, err
	}
	if created {
		e.log.Info("channel opened", "code", view.Code, "participant", participant)
	}
	return view, nil
}

// GetChannel returns the channel with its in-memory history.
func (e *Engine) GetChannel(code string) (types.ChannelView, error) {
	view, ok := e.channels.Get(code)
	if !ok {
		return types.ChannelView{}, channel.ErrNotFound
	}
	return view, nil
}

// KeepAlive renews the channel's idle timer.
func (e *Engine) KeepAlive(code string) error {
	return e.channels.KeepAlive(code)
}

// CloseChannel tears the channel down and drops the last answer kept under
// its code. Busy channels are refused.
func (e *Engine) CloseChannel(code, token string) error {
	if token == "" {
		return types.NewError(types.ErrNoToken, "missing caller token")
	}
	if err := e.channels.Close(code, token); err != nil {
		return err
	}
	evicted := e.futures.Evict(code)
	e.log.Info("channel closed", "code", code, "future_evicted", evicted)
	return nil
}

// History returns up to limit entries, oldest first. The durable store is
// preferred because the in-memory copy is capped.
func (e *Engine) History(ctx context.Context, code string, limit int) ([]types.HistoryEntry, error) {
	if e.history != nil {
		entries, err := e.history.ListHistory(ctx, code, limit)
		if err == nil {
			return entries, nil
		}
		e.log.Warn("history store unavailable, serving memory copy", "code", code, "error", err)
	}
	view, ok := e.channels.Get(code)
	if !ok {
		return nil, channel.ErrNotFound
	}
	entries := view.History
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}
