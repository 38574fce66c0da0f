package monitoring

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sarchlab/coretiming/sim/timing"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ClientMessage is a command sent over /api/stream.
type ClientMessage struct {
	Type string `json:"type"`
}

// ServerMessage is pushed over /api/stream.
type ServerMessage struct {
	Type   string        `json:"type"`
	Paused *bool         `json:"paused,omitempty"`
	Stats  *timing.Stats `json:"stats,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// safeConn wraps a WebSocket connection with a mutex to prevent concurrent
// writes.
type safeConn struct {
	*websocket.Conn
	writeMu sync.Mutex
}

func (sc *safeConn) WriteJSON(v interface{}) error {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()

	return sc.Conn.WriteJSON(v)
}

func (m *Monitor) stream(w http.ResponseWriter, r *http.Request) {
	t := m.targetOr503(w)
	if t == nil {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Error upgrading connection: %v", err)
		return
	}
	defer conn.Close()

	sc := &safeConn{Conn: conn}
	stop := make(chan struct{})
	defer close(stop)

	err = sc.WriteJSON(m.statusMessage(t))
	if err != nil {
		return
	}

	go m.pushStats(sc, t, stop)

	for {
		var msg ClientMessage

		err := conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("Error reading message: %v", err)
			}

			return
		}

		switch msg.Type {
		case "pause":
			t.Pause()
		case "continue":
			t.Continue()
		case "status":
		default:
			_ = sc.WriteJSON(ServerMessage{
				Type:  "error",
				Error: "unknown command " + msg.Type,
			})

			continue
		}

		_ = sc.WriteJSON(m.statusMessage(t))
	}
}

func (m *Monitor) statusMessage(t Target) ServerMessage {
	paused := t.IsPaused()

	return ServerMessage{Type: "status", Paused: &paused}
}

func (m *Monitor) pushStats(sc *safeConn, t Target, stop <-chan struct{}) {
	ticker := time.NewTicker(m.streamInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			stats := t.Stats()

			err := sc.WriteJSON(ServerMessage{Type: "stats", Stats: &stats})
			if err != nil {
				return
			}
		}
	}
}
