package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ChuLiYu/aigc-gateway/pkg/types"
)

const writeWait = 10 * time.Second

var errNoHub = types.NewError(types.ErrUnavailable, "push is not enabled")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleWatch streams every resolution on the topic named by param (a channel
// code or a resource key) as JSON text frames until either side closes.
func (s *server) handleWatch(param string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.hub == nil {
			writeError(w, errNoHub)
			return
		}
		topic := chi.URLParam(r, param)

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Debug("ws upgrade failed", "topic", topic, "error", err)
			return
		}
		defer ws.Close()

		sub := s.hub.Subscribe(topic)
		defer sub.Close()

		// the read side only notices the peer going away
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case f, ok := <-sub.C:
				if !ok {
					// dropped by the hub as a slow consumer
					ws.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too slow"),
						time.Now().Add(writeWait))
					return
				}
				ws.SetWriteDeadline(time.Now().Add(writeWait))
				if err := ws.WriteJSON(f); err != nil {
					return
				}
			case <-gone:
				return
			case <-r.Context().Done():
				return
			}
		}
	}
}
