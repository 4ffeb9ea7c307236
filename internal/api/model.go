package api

import "time"

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"fullName"`
}

type LoginResponse struct {
	Token string `json:"token"`
	ID    string `json:"id"`
	Role  string `json:"role"`
}

type Account struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FullName  string `json:"fullName"`
	Role      string `json:"role"`
	AvatarURL string `json:"avatar,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

type MediaType string

const (
	MediaImage MediaType = "Image"
	MediaVideo MediaType = "Video"
)

type Media struct {
	MediaType MediaType `json:"mediaType"`
	MediaURL  string    `json:"mediaUrl"`
}

// VotingStatus only ever rides on the first row of a voting list.
type VotingStatus struct {
	IsActive bool       `json:"isActive"`
	EndTime  *time.Time `json:"endTime"`
}

// VoteEntry is one registration in the audience vote of a show.
type VoteEntry struct {
	RegistrationID     string        `json:"registrationId"`
	RegistrationNumber string        `json:"registrationNumber"`
	KoiName            string        `json:"koiName"`
	KoiVariety         string        `json:"koiVariety"`
	Size               float64       `json:"size"`
	OwnerName          string        `json:"ownerName"`
	VoteCount          int           `json:"voteCount"`
	Media              []Media       `json:"koiMedia"`
	VotingStatus       *VotingStatus `json:"votingStatus,omitempty"`
}

// VoteResult is the tally after a member's vote.
type VoteResult struct {
	RegistrationID string `json:"registrationId"`
	VoteCount      int    `json:"voteCount"`
}

type EnableVotingRequest struct {
	Enable time.Time `json:"enable"`
}

// ErrorBody is the JSON body of a failed request.
type ErrorBody struct {
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}
