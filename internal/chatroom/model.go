package chatroom

import "ksms-live/internal/chat"

// envelope travels over Redis between instances.
type envelope struct {
	ChannelID string `json:"channel_id"`
	Payload   []byte `json:"payload"`
}

// watchRequest asks Run to add or remove a watcher. ack is closed once Run
// has applied it.
type watchRequest struct {
	client    *Client
	channelID string
	on        bool
	ack       chan struct{}
}

const (
	defaultHistoryLimit = 25
	maxHistoryLimit     = 100
	maxTextLength       = 1000
)

func newMessageFrame(channelID string, m chat.Message) chat.Frame {
	return chat.Frame{Type: chat.FrameMessageNew, ChannelID: channelID, Message: &m}
}
