package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/foxzi/groupsend/internal/events"
	"github.com/foxzi/groupsend/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4096
	eventBuffer    = 64
)

// Frame is one message pushed to event stream clients
type Frame struct {
	Event events.Kind  `json:"event"`
	Data  events.Event `json:"data"`
}

// handleEvents handles GET /events. Clients receive every event published
// after the upgrade; anything they send is ignored.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	ch, unsubscribe := s.deps.Bus.Subscribe(eventBuffer)
	metrics.AddEventSubscribers(1)
	s.logger.Debug("event client connected", "remote_addr", r.RemoteAddr)

	done := make(chan struct{})
	go s.readPump(conn, done)
	s.writePump(conn, ch, done)

	unsubscribe()
	metrics.AddEventSubscribers(-1)
	s.logger.Debug("event client disconnected", "remote_addr", r.RemoteAddr)
}

// readPump consumes control frames until the client goes away
func (s *Server) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("event client read error", "error", err)
			}
			return
		}
	}
}

// writePump forwards bus events and keeps the connection alive with pings
func (s *Server) writePump(conn *websocket.Conn, ch <-chan events.Event, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-done:
			return

		case e, ok := <-ch:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(Frame{Event: e.Kind, Data: e}); err != nil {
				s.logger.Debug("event client write error", "error", err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
