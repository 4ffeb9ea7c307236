package showvote

import (
	"context"
	"slices"
	"time"

	"go.uber.org/zap"

	"ksms-live/internal/api"
	"ksms-live/internal/realtime"
)

// Broadcaster pushes an invocation to every client of a hub.
type Broadcaster interface {
	Broadcast(ctx context.Context, target string, args ...any) error
}

type Service struct {
	repo      Repository
	voteHub   Broadcaster
	statusHub Broadcaster
	log       *zap.Logger
	now       func() time.Time
}

func NewService(repo Repository, voteHub, statusHub Broadcaster, log *zap.Logger) *Service {
	return &Service{
		repo:      repo,
		voteHub:   voteHub,
		statusHub: statusHub,
		log:       log,
		now:       time.Now,
	}
}

// session loads the show's voting window, closing it when its end time has
// passed.
func (s *Service) session(ctx context.Context, showID string) (Session, error) {
	sess, err := s.repo.GetSession(ctx, showID)
	if err != nil {
		return sess, err
	}
	if sess.IsActive && !sess.Open(s.now()) {
		sess.IsActive = false
		if err := s.repo.SaveSession(ctx, sess); err != nil {
			return sess, err
		}
		s.log.Info("voting window elapsed", zap.String("show_id", showID))
	}
	return sess, nil
}

// RegistrationsForVoting lists the show's entries. The first entry carries
// the voting status.
func (s *Service) RegistrationsForVoting(ctx context.Context, showID string) ([]api.VoteEntry, error) {
	entries, err := s.repo.ListRegistrations(ctx, showID)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []api.VoteEntry{}
	}
	if len(entries) == 0 {
		return entries, nil
	}
	sess, err := s.session(ctx, showID)
	if err != nil {
		return nil, err
	}
	entries[0].VotingStatus = &api.VotingStatus{IsActive: sess.IsActive, EndTime: sess.EndTime}
	return entries, nil
}

func (s *Service) EnableVoting(ctx context.Context, showID string, endTime time.Time) error {
	if !endTime.After(s.now()) {
		return ErrEndInPast
	}
	sess, err := s.session(ctx, showID)
	if err != nil {
		return err
	}
	if sess.IsActive {
		return ErrAlreadyActive
	}
	end := endTime.UTC()
	if err := s.repo.SaveSession(ctx, Session{ShowID: showID, IsActive: true, EndTime: &end}); err != nil {
		return err
	}
	s.log.Info("🗳️ voting enabled", zap.String("show_id", showID), zap.Time("end_time", end))
	return nil
}

// DisableVoting closes voting. Closing an already closed show succeeds.
func (s *Service) DisableVoting(ctx context.Context, showID string) error {
	sess, err := s.repo.GetSession(ctx, showID)
	if err != nil {
		return err
	}
	sess.IsActive = false
	if err := s.repo.SaveSession(ctx, sess); err != nil {
		return err
	}
	s.log.Info("🗳️ voting disabled", zap.String("show_id", showID))
	return nil
}

// CastVote records accountID's vote and pushes the new count to the vote
// hub.
func (s *Service) CastVote(ctx context.Context, registrationID, accountID string) (int, error) {
	showID, err := s.repo.ShowOfRegistration(ctx, registrationID)
	if err != nil {
		return 0, err
	}
	sess, err := s.session(ctx, showID)
	if err != nil {
		return 0, err
	}
	if !sess.Open(s.now()) {
		return 0, ErrVotingClosed
	}
	count, err := s.repo.AddVote(ctx, showID, registrationID, accountID)
	if err != nil {
		return 0, err
	}

	update := realtime.VoteUpdate{RegistrationID: registrationID, VoteCount: count}
	if err := s.voteHub.Broadcast(ctx, realtime.EventReceiveVoteUpdate, update); err != nil {
		// The vote is stored; clients catch up on their next fetch.
		s.log.Warn("push vote update", zap.Error(err))
	}
	return count, nil
}

func (s *Service) SetShowStatus(ctx context.Context, showID, status string) error {
	if !slices.Contains(ShowStatuses, status) {
		return ErrInvalidStatus
	}
	if err := s.repo.SetShowStatus(ctx, showID, status); err != nil {
		return err
	}
	if err := s.statusHub.Broadcast(ctx, realtime.EventReceiveShowStatusUpdate, showID, status); err != nil {
		s.log.Warn("push show status", zap.Error(err))
	}
	return nil
}
