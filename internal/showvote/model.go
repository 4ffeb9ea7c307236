package showvote

import (
	"errors"
	"time"

	"ksms-live/internal/api"
)

var (
	ErrShowNotFound         = errors.New("show not found")
	ErrRegistrationNotFound = errors.New("registration not found")
	ErrAlreadyActive        = errors.New("voting is already active for this show")
	ErrEndInPast            = errors.New("voting end time must be in the future")
	ErrVotingClosed         = errors.New("voting is not open")
	ErrAlreadyVoted         = errors.New("you have already voted in this show")
	ErrInvalidStatus        = errors.New("invalid show status")
)

// Session is the voting window of one show.
type Session struct {
	ShowID   string
	IsActive bool
	EndTime  *time.Time
}

// Open reports whether votes are accepted at now.
func (s Session) Open(now time.Time) bool {
	return s.IsActive && (s.EndTime == nil || now.Before(*s.EndTime))
}

type Show struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

var ShowStatuses = []string{"Upcoming", "RegistrationOpen", "InProgress", "Finished", "Cancelled"}

type EnableRequest = api.EnableVotingRequest

type StatusRequest struct {
	Status string `json:"status"`
}

type VoteResponse struct {
	RegistrationID string `json:"registrationId"`
	VoteCount      int    `json:"voteCount"`
}
