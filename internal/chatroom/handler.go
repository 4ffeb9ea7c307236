package chatroom

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"ksms-live/internal/chat"
	myMiddleware "ksms-live/internal/middleware"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for now (Dev mode)
	},
}

type Handler struct {
	hub *Hub
}

func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// ServeWs must run behind AuthMiddleware.Handle. The chat identity is the
// token's account; user_name and user_image only decorate it.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	q := r.URL.Query()
	if claimed := q.Get("user_id"); claimed != "" && claimed != userID {
		http.Error(w, "user_id does not match token", http.StatusForbidden)
		return
	}
	name := q.Get("user_name")
	if name == "" {
		name = userID
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.log.Warn("upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		hub:      h.hub,
		conn:     conn,
		user:     chat.User{ID: userID, Name: name, ImageURL: q.Get("user_image")},
		connID:   uuid.NewString(),
		send:     make(chan []byte, 256),
		watching: make(map[string]string),
	}

	hello, _ := json.Marshal(chat.Frame{Type: chat.FrameHealthCheck, ConnectionID: client.connID, Me: &client.user})
	client.send <- hello

	select {
	case h.hub.register <- client:
	case <-h.hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
