package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/listenpipe/internal/listen"
	"github.com/MrWong99/listenpipe/internal/observe"
)

// eventFilter parses ?types=a,b into a set. An empty set passes everything.
func eventFilter(r *http.Request) map[listen.EventType]bool {
	raw := r.URL.Query().Get("types")
	if raw == "" {
		return nil
	}
	set := make(map[listen.EventType]bool)
	for t := range strings.SplitSeq(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			set[listen.EventType(t)] = true
		}
	}
	return set
}

// handleEvents streams bus events to the client. The first message is a
// state-changed event carrying the current snapshot, so a client that
// connects mid-session starts from a known state.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	filter := eventFilter(r)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observe.Logger(r.Context()).Warn("events upgrade failed", "error", err)
		return
	}
	defer conn.CloseNow()

	events, cancel := s.bus.Subscribe(s.eventBuffer)
	defer cancel()

	// Nothing is read from this connection; CloseRead handles control
	// frames and cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	log := observe.Logger(r.Context()).With("remote", r.RemoteAddr)
	log.Debug("events subscriber connected")

	st := s.session.State()
	initial := listen.Event{
		Type:      listen.EventStateChanged,
		Time:      time.Now(),
		SessionID: st.SessionID,
		State:     &st,
	}
	if len(filter) == 0 || filter[initial.Type] {
		if err := s.writeEvent(ctx, conn, initial); err != nil {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if len(filter) > 0 && !filter[e.Type] {
				continue
			}
			if err := s.writeEvent(ctx, conn, e); err != nil {
				log.Debug("events subscriber dropped", "error", err)
				return
			}
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, e listen.Event) error {
	if e.Err != nil && e.Message == "" {
		e.Message = e.Err.Error()
	}
	ctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, e)
}
