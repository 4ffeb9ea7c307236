package realtime

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// VoteUpdate is the payload of ReceiveVoteUpdate.
type VoteUpdate struct {
	RegistrationID string `json:"registrationId"`
	VoteCount      int    `json:"voteCount"`
}

// ShowStatusUpdate carries the two arguments of ReceiveShowStatusUpdate.
type ShowStatusUpdate struct {
	ShowID string
	Status string
}

// Notification is a ReceiveNotification push. The hub sends either a bare
// string or an object with a message field.
type Notification struct {
	Title   string          `json:"title,omitempty"`
	Message string          `json:"message"`
	Raw     json.RawMessage `json:"-"`
}

func arg(args []json.RawMessage, i int, v any) error {
	if i >= len(args) {
		return fmt.Errorf("missing argument %d", i)
	}
	return json.Unmarshal(args[i], v)
}

// stringArg accepts a JSON string or number.
func stringArg(args []json.RawMessage, i int) (string, error) {
	var s string
	if err := arg(args, i, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := arg(args, i, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}

func (m *Manager) OnVoteUpdate(fn func(VoteUpdate)) (func(), error) {
	return m.Subscribe(ChannelVote, EventReceiveVoteUpdate, func(args []json.RawMessage) {
		var u VoteUpdate
		if err := arg(args, 0, &u); err != nil {
			m.log.Warn("bad vote update", zap.Error(err))
			return
		}
		fn(u)
	})
}

func (m *Manager) OnShowStatusUpdate(fn func(ShowStatusUpdate)) (func(), error) {
	return m.Subscribe(ChannelShowStatus, EventReceiveShowStatusUpdate, func(args []json.RawMessage) {
		showID, err := stringArg(args, 0)
		if err != nil {
			m.log.Warn("bad show status update", zap.Error(err))
			return
		}
		status, err := stringArg(args, 1)
		if err != nil {
			m.log.Warn("bad show status update", zap.Error(err))
			return
		}
		fn(ShowStatusUpdate{ShowID: showID, Status: status})
	})
}

func (m *Manager) OnNotification(fn func(Notification)) (func(), error) {
	return m.Subscribe(ChannelNotification, EventReceiveNotification, func(args []json.RawMessage) {
		if len(args) == 0 {
			return
		}
		n := Notification{Raw: args[0]}
		if err := json.Unmarshal(args[0], &n.Message); err != nil {
			if err := json.Unmarshal(args[0], &n); err != nil {
				m.log.Warn("bad notification", zap.Error(err))
				return
			}
		}
		fn(n)
	})
}

// OnForceLogout fires when the server revokes this session. The optional
// argument is the message to show the user.
func (m *Manager) OnForceLogout(fn func(message string)) (func(), error) {
	return m.Subscribe(ChannelNotification, EventForceLogout, func(args []json.RawMessage) {
		var msg string
		if len(args) > 0 {
			_ = json.Unmarshal(args[0], &msg)
		}
		fn(msg)
	})
}
