package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxrelay/internal/event"
)

const (
	// eventBuffer is the per-client backlog; a client that falls further
	// behind loses events rather than slowing the relay.
	eventBuffer = 64

	writeTimeout = 5 * time.Second
)

// KindStatus is the kind of the snapshot sent when a client connects. It is
// never published on the bus.
const KindStatus event.Kind = "status"

// handleEvents upgrades to a websocket and streams every bus event as one
// JSON text frame. The first frame is a status snapshot. Client messages are
// ignored.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.origins,
	})
	if err != nil {
		s.logger.Debug("control: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	events, unsubscribe := s.relay.Bus().Subscribe(eventBuffer)
	defer unsubscribe()

	ctx := conn.CloseRead(r.Context())
	s.logger.Debug("control: event client connected", "remote", r.RemoteAddr)

	snapshot := event.Event{Kind: KindStatus, Time: time.Now(), Data: s.relay.Status()}
	if err := writeEvent(ctx, conn, snapshot); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "shutting down")
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				if !errors.Is(err, context.Canceled) {
					s.logger.Debug("control: event client dropped", "remote", r.RemoteAddr, "err", err)
				}
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
