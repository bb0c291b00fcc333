package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/boardcast/recorder/internal/logging"
	"github.com/boardcast/recorder/internal/recording"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Access is gated by the API token; the board app is served from its
	// own origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEvents streams controller events, plus a status tick every second
// while a recording is running.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", logging.KeyError, err)
		return
	}
	s.conns.Add(1)
	defer s.conns.Done()

	events, unsubscribe := s.rec.Subscribe()
	defer unsubscribe()

	done := make(chan struct{})
	go readPump(conn, done)
	s.writePump(conn, events, done)
	conn.Close()
}

// readPump discards client messages and closes done when the peer goes away.
func readPump(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("event stream read error", logging.KeyError, err)
			}
			return
		}
	}
}

func (s *Server) writePump(conn *websocket.Conn, events <-chan recording.Event, done <-chan struct{}) {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	tick := time.NewTicker(s.tick)
	defer tick.Stop()

	send := func(ev recording.Event) bool {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(ev); err != nil {
			log.Debug("event stream write error", logging.KeyError, err)
			return false
		}
		return true
	}

	st := s.rec.Status()
	if !send(recording.Event{Type: recording.EventStatus, At: time.Now(), Status: &st}) {
		return
	}

	for {
		select {
		case <-done:
			return
		case <-s.stop:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !send(ev) {
				return
			}
		case <-tick.C:
			st := s.rec.Status()
			if st.State != "recording" && st.State != "paused" {
				continue
			}
			if !send(recording.Event{Type: recording.EventTick, At: time.Now(), Status: &st}) {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
