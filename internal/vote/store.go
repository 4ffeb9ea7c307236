package vote

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"ksms-live/internal/api"
	"ksms-live/internal/realtime"
)

var (
	ErrInvalidDuration = errors.New("vote: voting duration must be positive")
	ErrDisableInFlight = errors.New("vote: disable already in progress")
)

const callTimeout = 15 * time.Second

type Backend interface {
	GetRegistrationsForVoting(ctx context.Context, showID string) ([]api.VoteEntry, *api.VotingStatus, error)
	EnableVoting(ctx context.Context, showID string, endTime time.Time) error
	DisableVoting(ctx context.Context, showID string) error
}

type Notifier interface {
	Info(msg string)
	Error(msg string)
}

// Session is the client's view of the show's voting window. A zero EndTime
// means none was given.
type Session struct {
	ShowID  string
	Active  bool
	EndTime time.Time
}

type RankedEntry struct {
	api.VoteEntry
	Top bool
}

type fetchResult struct {
	entries []api.VoteEntry
	status  *api.VotingStatus
}

// Store holds the vote list of one show and folds pushed counts into it.
// Every mutation overwrites whole fields, so a REST reply and a push that
// race each other leave a valid state in either order.
type Store struct {
	showID    string
	backend   Backend
	notify    Notifier
	log       *zap.Logger
	countdown *Countdown
	now       func() time.Time

	fetches   singleflight.Group
	disabling atomic.Bool

	mu          sync.Mutex
	entries     []api.VoteEntry
	index       map[string]int
	previous    map[string]int
	lastUpdated string
	session     Session
	err         error
	listeners   map[int]func()
	nextID      int
}

func NewStore(showID string, backend Backend, notify Notifier, log *zap.Logger) *Store {
	return &Store{
		showID:    showID,
		backend:   backend,
		notify:    notify,
		log:       log.With(zap.String("show_id", showID)),
		countdown: NewCountdown(),
		now:       time.Now,
		index:     make(map[string]int),
		previous:  make(map[string]int),
		session:   Session{ShowID: showID},
		listeners: make(map[int]func()),
	}
}

// Fetch replaces the list with the server's and returns the voting status
// embedded in the first row, if any. Concurrent calls share one request.
func (s *Store) Fetch(ctx context.Context) ([]api.VoteEntry, *api.VotingStatus, error) {
	v, err, _ := s.fetches.Do("fetch", func() (any, error) {
		return s.fetch(ctx)
	})
	if err != nil {
		return nil, nil, err
	}
	res := v.(fetchResult)
	return slices.Clone(res.entries), res.status, nil
}

func (s *Store) fetch(ctx context.Context) (fetchResult, error) {
	res, err := s.load(ctx)
	if err != nil {
		s.fail("Failed to load votes", err)
	}
	return res, err
}

// refresh reloads the list after a successful disable. Its failure is only
// logged; the disable already went through.
func (s *Store) refresh(ctx context.Context) {
	if _, err, _ := s.fetches.Do("refresh", func() (any, error) {
		return s.load(ctx)
	}); err != nil {
		s.log.Warn("refetch after disable", zap.Error(err))
	}
}

func (s *Store) load(ctx context.Context) (fetchResult, error) {
	rows, status, err := s.backend.GetRegistrationsForVoting(ctx, s.showID)
	if err != nil {
		return fetchResult{}, err
	}

	s.mu.Lock()
	old := s.index
	oldEntries := s.entries
	s.entries = slices.Clone(rows)
	s.index = make(map[string]int, len(rows))
	previous := make(map[string]int)
	for i, e := range s.entries {
		s.index[e.RegistrationID] = i
		if j, ok := old[e.RegistrationID]; ok && oldEntries[j].VoteCount != e.VoteCount {
			previous[e.RegistrationID] = oldEntries[j].VoteCount
		}
	}
	s.previous = previous
	if status != nil {
		s.session.Active = status.IsActive
		s.session.EndTime = time.Time{}
		if status.EndTime != nil {
			s.session.EndTime = *status.EndTime
		}
	}
	s.err = nil
	sess := s.session
	s.mu.Unlock()

	s.syncCountdown(sess)
	s.emit()
	return fetchResult{entries: rows, status: status}, nil
}

// ApplyDelta sets one entry's count. An id the list does not hold yet is
// resolved by re-fetching the list.
func (s *Store) ApplyDelta(ctx context.Context, registrationID string, voteCount int) error {
	if s.apply(registrationID, voteCount) {
		return nil
	}
	s.log.Debug("vote update for unknown registration, refetching", zap.String("registration_id", registrationID))
	_, _, err := s.Fetch(ctx)
	return err
}

// HandleVoteUpdate is the vote hub subscription. Misses are re-fetched off
// the connection's read goroutine.
func (s *Store) HandleVoteUpdate(u realtime.VoteUpdate) {
	if s.apply(u.RegistrationID, u.VoteCount) {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		defer cancel()
		if err := s.ApplyDelta(ctx, u.RegistrationID, u.VoteCount); err != nil {
			s.log.Warn("refetch after vote update", zap.Error(err))
		}
	}()
}

func (s *Store) apply(registrationID string, voteCount int) bool {
	s.mu.Lock()
	i, ok := s.index[registrationID]
	if ok {
		s.previous[registrationID] = s.entries[i].VoteCount
		s.entries[i].VoteCount = voteCount
		s.lastUpdated = registrationID
	}
	s.mu.Unlock()
	if ok {
		s.emit()
	}
	return ok
}

// EnableVoting opens voting until endTime. The local session turns active as
// soon as the server accepts; no push is awaited.
func (s *Store) EnableVoting(ctx context.Context, endTime time.Time) error {
	if err := s.backend.EnableVoting(ctx, s.showID, endTime); err != nil {
		s.fail("Failed to enable voting", err)
		return err
	}

	s.mu.Lock()
	s.session = Session{ShowID: s.showID, Active: true, EndTime: endTime}
	s.err = nil
	sess := s.session
	s.mu.Unlock()

	s.syncCountdown(sess)
	s.notify.Info(fmt.Sprintf("Voting enabled until %s", endTime.Local().Format("15:04:05")))
	s.emit()
	return nil
}

// EnableVotingFor opens voting for d from now.
func (s *Store) EnableVotingFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ErrInvalidDuration
	}
	return s.EnableVoting(ctx, s.now().Add(d))
}

// DisableVoting closes voting. Only one disable runs at a time; a call made
// while another is in flight returns ErrDisableInFlight without reaching the
// server. isTimeout only changes the message shown.
func (s *Store) DisableVoting(ctx context.Context, isTimeout bool) error {
	if !s.disabling.CompareAndSwap(false, true) {
		return ErrDisableInFlight
	}
	return s.disable(ctx, isTimeout)
}

// disable runs with the disabling flag held and releases it.
func (s *Store) disable(ctx context.Context, isTimeout bool) error {
	err := s.backend.DisableVoting(ctx, s.showID)
	if err != nil {
		s.disabling.Store(false)
		s.fail("Failed to disable voting", err)
		return err
	}

	s.mu.Lock()
	s.session.Active = false
	s.err = nil
	s.mu.Unlock()
	s.countdown.Cancel()
	s.disabling.Store(false)

	if isTimeout {
		s.notify.Info("Voting time is over. Voting has been closed.")
	} else {
		s.notify.Info("Voting has been disabled.")
	}
	s.emit()

	// Final counts.
	s.refresh(ctx)
	return nil
}

func (s *Store) syncCountdown(sess Session) {
	if !sess.Active || sess.EndTime.IsZero() {
		s.countdown.Cancel()
		return
	}
	s.countdown.Arm(sess.EndTime, s.onDeadline)
}

// onDeadline takes the disabling flag before reading the session, so a
// manual disable that finishes in between cannot cause a second call.
func (s *Store) onDeadline() {
	if !s.disabling.CompareAndSwap(false, true) {
		s.log.Debug("deadline reached while a disable was in flight")
		return
	}
	if !s.Session().Active {
		s.disabling.Store(false)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	if err := s.disable(ctx, true); err != nil {
		s.log.Warn("disable at deadline", zap.Error(err))
	}
}

func (s *Store) fail(action string, err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.log.Warn(action, zap.Error(err))
	s.notify.Error(action + ": " + message(err))
	s.emit()
}

func message(err error) string {
	var serr *api.StatusError
	if errors.As(err, &serr) && serr.Message != "" {
		return serr.Message
	}
	return err.Error()
}

// Ranked sorts by count, highest first. Every entry holding the maximum
// count is top, unless that maximum is zero.
func (s *Store) Ranked() []RankedEntry {
	s.mu.Lock()
	entries := slices.Clone(s.entries)
	s.mu.Unlock()

	slices.SortStableFunc(entries, func(a, b api.VoteEntry) int {
		return cmp.Compare(b.VoteCount, a.VoteCount)
	})
	out := make([]RankedEntry, len(entries))
	best := 0
	if len(entries) > 0 {
		best = entries[0].VoteCount
	}
	for i, e := range entries {
		out[i] = RankedEntry{VoteEntry: e, Top: best > 0 && e.VoteCount == best}
	}
	return out
}

func (s *Store) Entries() []api.VoteEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.entries)
}

// Previous is the count an entry had before its last change.
func (s *Store) Previous(registrationID string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.previous[registrationID]
	return v, ok
}

func (s *Store) LastUpdated() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUpdated
}

func (s *Store) Session() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// Err is the last failure, cleared by the next success.
func (s *Store) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Store) Remaining() time.Duration { return s.countdown.Remaining() }

// Subscribe registers fn to run after every change. Listeners run without
// the store lock held.
func (s *Store) Subscribe(fn func()) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Store) emit() {
	s.mu.Lock()
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.listeners[id])
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Close stops the countdown.
func (s *Store) Close() { s.countdown.Cancel() }
