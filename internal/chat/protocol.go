package chat

import "time"

// User is a chat identity.
type User struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ImageURL string `json:"image,omitempty"`
}

type Message struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	User      User      `json:"user"`
}

// Frame types on the chat socket.
const (
	FrameHealthCheck  = "health.check"
	FrameMessageNew   = "message.new"
	FrameResponse     = "response"
	FrameWatch        = "watch"
	FrameStopWatching = "stop_watching"
	FrameQuery        = "query"
	FrameSend         = "send"
)

// Frame is one JSON text message on the chat socket. Requests carry an ID
// that the matching response echoes.
type Frame struct {
	Type         string    `json:"type"`
	ID           string    `json:"id,omitempty"`
	ConnectionID string    `json:"connection_id,omitempty"`
	Me           *User     `json:"me,omitempty"`
	ChannelID    string    `json:"channel_id,omitempty"`
	LivestreamID string    `json:"livestream_id,omitempty"`
	Text         string    `json:"text,omitempty"`
	Limit        int       `json:"limit,omitempty"`
	Message      *Message  `json:"message,omitempty"`
	Messages     []Message `json:"messages,omitempty"`
	Error        string    `json:"error,omitempty"`
}
