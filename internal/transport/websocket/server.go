// Package websocket provides WebSocket-based push delivery for ChronoQ.
//
// Clients open a WebSocket connection to:
//
//	GET /topics/{topic}/ws
//
// The server subscribes to the topic and pushes every fired timer as it
// happens. Delivery is fire-and-forget: frames are not acknowledged.
//
// Server → client frame:
//
//	{"type":"fired","id":"<ULID>","topic":"...","body":"<base64>","fire_at":...,"fired_at":...}
//
// Client → server control frame:
//
//	{"type":"ping"}   → answered with {"type":"pong"}
package websocket

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"

	gorillaws "github.com/gorilla/websocket"
	"github.com/snehjoshi/chronoq/internal/dispatcher"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     sameOrigin,
}

// sameOrigin accepts upgrade requests whose Origin host matches the request
// Host, ignoring the scheme. Requests that carry no Origin header at all
// (native clients, curl) are let through.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Host == r.Host
}

// Handler serves the WebSocket endpoint for a topic's fired-timer stream.
// It is mounted by the HTTP server and reads the topic from r.PathValue.
type Handler struct {
	Dispatcher *dispatcher.Dispatcher
}

// serverFrame is the JSON structure the server sends to the client.
type serverFrame struct {
	Type      string            `json:"type"` // "fired" | "pong"
	ID        string            `json:"id,omitempty"`
	Topic     string            `json:"topic,omitempty"`
	Body      string            `json:"body,omitempty"` // base64
	FireAt    int64             `json:"fire_at,omitempty"`
	FiredAt   int64             `json:"fired_at,omitempty"`
	CreatedAt int64             `json:"created_at,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// clientFrame is what the client may send over the socket.
type clientFrame struct {
	Type string `json:"type"` // "ping"
}

// ServeHTTP upgrades the connection and streams fired timers until the
// client disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	topic := r.PathValue("topic")

	sub, err := h.Dispatcher.Subscribe(topic)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer sub.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	// Read loop: answers pings and detects client disconnect. handlerDone
	// unblocks a send the handler will never consume, so the goroutine
	// cannot outlive the handler.
	handlerDone := make(chan struct{})
	defer close(handlerDone)
	controlCh := make(chan clientFrame, 16)
	go func() {
		defer close(controlCh)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cf clientFrame
			if jsonErr := json.Unmarshal(raw, &cf); jsonErr != nil {
				continue
			}
			select {
			case controlCh <- cf:
			case <-handlerDone:
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return

		case cf, ok := <-controlCh:
			if !ok {
				return // client disconnected
			}
			if cf.Type == "ping" {
				if writeErr := writeFrame(conn, serverFrame{Type: "pong"}); writeErr != nil {
					return
				}
			}

		case fired := <-sub.C():
			frame := serverFrame{
				Type:      "fired",
				ID:        fired.ID,
				Topic:     fired.Topic,
				Body:      base64.StdEncoding.EncodeToString(fired.Body),
				FireAt:    fired.FireAt,
				FiredAt:   fired.FiredAt,
				CreatedAt: fired.CreatedAt,
				Metadata:  fired.Metadata,
			}
			if writeErr := writeFrame(conn, frame); writeErr != nil {
				return
			}
		}
	}
}

func writeFrame(conn *gorillaws.Conn, f serverFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return conn.WriteMessage(gorillaws.TextMessage, data)
}
