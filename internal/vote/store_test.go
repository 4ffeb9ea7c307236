package vote

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ksms-live/internal/api"
	"ksms-live/internal/realtime"
)

type fakeBackend struct {
	mu         sync.Mutex
	rows       []api.VoteEntry
	active     bool
	endTime    *time.Time
	fetches    int
	enables    int
	disables   int
	fetchErr   error
	enableErr  error
	disableErr error
	// When set, DisableVoting waits for a value before returning.
	disableGate chan struct{}
	disableHit  chan struct{}
}

func (f *fakeBackend) GetRegistrationsForVoting(_ context.Context, _ string) ([]api.VoteEntry, *api.VotingStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return nil, nil, f.fetchErr
	}
	rows := make([]api.VoteEntry, len(f.rows))
	copy(rows, f.rows)
	if len(rows) == 0 {
		return rows, nil, nil
	}
	rows[0].VotingStatus = &api.VotingStatus{IsActive: f.active, EndTime: f.endTime}
	return rows, rows[0].VotingStatus, nil
}

func (f *fakeBackend) EnableVoting(_ context.Context, _ string, endTime time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enables++
	if f.enableErr != nil {
		return f.enableErr
	}
	f.active, f.endTime = true, &endTime
	return nil
}

func (f *fakeBackend) DisableVoting(_ context.Context, _ string) error {
	f.mu.Lock()
	f.disables++
	gate, hit := f.disableGate, f.disableHit
	f.mu.Unlock()
	if hit != nil {
		hit <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disableErr != nil {
		return f.disableErr
	}
	f.active, f.endTime = false, nil
	return nil
}

func (f *fakeBackend) counts() (fetches, enables, disables int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches, f.enables, f.disables
}

type notes struct {
	mu     sync.Mutex
	infos  []string
	errors []string
}

func (n *notes) Info(msg string) {
	n.mu.Lock()
	n.infos = append(n.infos, msg)
	n.mu.Unlock()
}

func (n *notes) Error(msg string) {
	n.mu.Lock()
	n.errors = append(n.errors, msg)
	n.mu.Unlock()
}

func (n *notes) snapshot() (infos, errs []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.infos...), append([]string(nil), n.errors...)
}

func entries(pairs ...any) []api.VoteEntry {
	var out []api.VoteEntry
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, api.VoteEntry{RegistrationID: pairs[i].(string), VoteCount: pairs[i+1].(int)})
	}
	return out
}

func newTestStore(t *testing.T, b *fakeBackend) (*Store, *notes) {
	t.Helper()
	n := &notes{}
	s := NewStore("42", b, n, zap.NewNop())
	t.Cleanup(s.Close)
	return s, n
}

func counts(rs []RankedEntry) map[string]int {
	out := make(map[string]int)
	for _, r := range rs {
		out[r.RegistrationID] = r.VoteCount
	}
	return out
}

func TestApplyDelta_OverwritesOnlyThatEntry(t *testing.T) {
	b := &fakeBackend{rows: entries("A", 3, "B", 5, "C", 0)}
	s, _ := newTestStore(t, b)
	ctx := context.Background()

	_, _, err := s.Fetch(ctx)
	require.NoError(t, err)
	require.NoError(t, s.ApplyDelta(ctx, "C", 7))

	got := s.Entries()
	assert.Equal(t, 3, got[0].VoteCount)
	assert.Equal(t, 5, got[1].VoteCount)
	assert.Equal(t, 7, got[2].VoteCount)

	prev, ok := s.Previous("C")
	assert.True(t, ok)
	assert.Equal(t, 0, prev)
	assert.Equal(t, "C", s.LastUpdated())
	_, ok = s.Previous("A")
	assert.False(t, ok)

	fetches, _, _ := b.counts()
	assert.Equal(t, 1, fetches)
}

func TestApplyDelta_UnknownIDRefetchesOnce(t *testing.T) {
	b := &fakeBackend{rows: entries("A", 1)}
	s, _ := newTestStore(t, b)
	ctx := context.Background()
	_, _, err := s.Fetch(ctx)
	require.NoError(t, err)

	b.mu.Lock()
	b.rows = entries("A", 1, "Z", 2)
	b.mu.Unlock()

	require.NoError(t, s.ApplyDelta(ctx, "Z", 2))
	fetches, _, _ := b.counts()
	assert.Equal(t, 2, fetches)
	assert.Len(t, s.Entries(), 2)
}

func TestHandleVoteUpdate_MissRefetchesInBackground(t *testing.T) {
	b := &fakeBackend{}
	s, _ := newTestStore(t, b)

	b.mu.Lock()
	b.rows = entries("R", 9)
	b.mu.Unlock()
	s.HandleVoteUpdate(realtime.VoteUpdate{RegistrationID: "R", VoteCount: 9})

	require.Eventually(t, func() bool { return len(s.Entries()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 9, s.Entries()[0].VoteCount)
}

func TestRanked_TiesShareTop(t *testing.T) {
	b := &fakeBackend{rows: entries("A", 4, "B", 2, "C", 4)}
	s, _ := newTestStore(t, b)
	_, _, err := s.Fetch(context.Background())
	require.NoError(t, err)

	r := s.Ranked()
	require.Len(t, r, 3)
	assert.Equal(t, "A", r[0].RegistrationID)
	assert.Equal(t, "C", r[1].RegistrationID)
	assert.True(t, r[0].Top)
	assert.True(t, r[1].Top)
	assert.False(t, r[2].Top)
}

func TestRanked_AllZeroHasNoTop(t *testing.T) {
	b := &fakeBackend{rows: entries("A", 0, "B", 0)}
	s, _ := newTestStore(t, b)
	_, _, err := s.Fetch(context.Background())
	require.NoError(t, err)

	for _, r := range s.Ranked() {
		assert.False(t, r.Top, r.RegistrationID)
	}
	assert.Empty(t, (&Store{}).Ranked())
}

func TestScenario_DeltaReordersRanking(t *testing.T) {
	b := &fakeBackend{rows: entries("A", 3, "B", 5)}
	s, _ := newTestStore(t, b)
	ctx := context.Background()
	_, _, err := s.Fetch(ctx)
	require.NoError(t, err)

	require.NoError(t, s.ApplyDelta(ctx, "A", 4))
	r := s.Ranked()
	require.Len(t, r, 2)
	assert.Equal(t, "B", r[0].RegistrationID)
	assert.Equal(t, 5, r[0].VoteCount)
	assert.True(t, r[0].Top)
	assert.Equal(t, "A", r[1].RegistrationID)
	assert.Equal(t, 4, r[1].VoteCount)
	assert.False(t, r[1].Top)
}

func TestFetch_ReadsSessionFromFirstRow(t *testing.T) {
	end := time.Now().Add(time.Hour)
	b := &fakeBackend{rows: entries("A", 1), active: true, endTime: &end}
	s, _ := newTestStore(t, b)

	_, status, err := s.Fetch(context.Background())
	require.NoError(t, err)
	require.NotNil(t, status)
	sess := s.Session()
	assert.True(t, sess.Active)
	assert.True(t, end.Equal(sess.EndTime))
	assert.Greater(t, s.Remaining(), 59*time.Minute)
}

func TestFetch_FailureLeavesListUntouched(t *testing.T) {
	b := &fakeBackend{rows: entries("A", 1)}
	s, n := newTestStore(t, b)
	ctx := context.Background()
	_, _, err := s.Fetch(ctx)
	require.NoError(t, err)

	b.mu.Lock()
	b.fetchErr = errors.New("boom")
	b.mu.Unlock()
	_, _, err = s.Fetch(ctx)
	require.Error(t, err)
	assert.Equal(t, "A", s.Entries()[0].RegistrationID)
	assert.Error(t, s.Err())
	_, errs := n.snapshot()
	assert.Len(t, errs, 1)
}

func TestEnableVoting_FailureLeavesSessionInactive(t *testing.T) {
	b := &fakeBackend{enableErr: &api.StatusError{StatusCode: 409, Message: "voting already active"}}
	s, n := newTestStore(t, b)

	err := s.EnableVoting(context.Background(), time.Now().Add(time.Minute))
	require.Error(t, err)
	assert.False(t, s.Session().Active)
	assert.Zero(t, s.Remaining())
	_, errs := n.snapshot()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "voting already active")
}

func TestEnableVotingFor_RejectsNonPositiveDuration(t *testing.T) {
	b := &fakeBackend{}
	s, _ := newTestStore(t, b)

	assert.ErrorIs(t, s.EnableVotingFor(context.Background(), 0), ErrInvalidDuration)
	assert.ErrorIs(t, s.EnableVotingFor(context.Background(), -time.Minute), ErrInvalidDuration)
	_, enables, _ := b.counts()
	assert.Equal(t, 0, enables)

	require.NoError(t, s.EnableVotingFor(context.Background(), time.Hour))
	assert.True(t, s.Session().Active)
}

func TestEnableTwice_DeadlineDisablesOnce(t *testing.T) {
	b := &fakeBackend{rows: entries("A", 1)}
	s, n := newTestStore(t, b)
	ctx := context.Background()

	require.NoError(t, s.EnableVoting(ctx, time.Now().Add(40*time.Millisecond)))
	require.NoError(t, s.EnableVoting(ctx, time.Now().Add(60*time.Millisecond)))

	require.Eventually(t, func() bool {
		_, _, d := b.counts()
		return d == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)

	_, _, disables := b.counts()
	assert.Equal(t, 1, disables)
	assert.False(t, s.Session().Active)
	infos, _ := n.snapshot()
	assert.Contains(t, infos, "Voting time is over. Voting has been closed.")
}

func TestDeadlineRacingManualDisable_DisablesOnce(t *testing.T) {
	b := &fakeBackend{
		rows:        entries("A", 1),
		disableGate: make(chan struct{}),
		disableHit:  make(chan struct{}, 4),
	}
	s, _ := newTestStore(t, b)
	ctx := context.Background()

	require.NoError(t, s.EnableVoting(ctx, time.Now().Add(20*time.Millisecond)))

	// The deadline fires and its disable call blocks at the server.
	select {
	case <-b.disableHit:
	case <-time.After(time.Second):
		t.Fatal("deadline never fired")
	}
	assert.ErrorIs(t, s.DisableVoting(ctx, false), ErrDisableInFlight)
	close(b.disableGate)

	require.Eventually(t, func() bool { return !s.Session().Active }, time.Second, 5*time.Millisecond)
	_, _, disables := b.counts()
	assert.Equal(t, 1, disables)
}

func TestDisableVoting_FlagResetsAfterFailure(t *testing.T) {
	b := &fakeBackend{disableErr: errors.New("network down")}
	s, n := newTestStore(t, b)
	ctx := context.Background()
	require.NoError(t, s.EnableVoting(ctx, time.Now().Add(time.Hour)))

	require.Error(t, s.DisableVoting(ctx, false))
	assert.True(t, s.Session().Active)

	b.mu.Lock()
	b.disableErr = nil
	b.mu.Unlock()
	require.NoError(t, s.DisableVoting(ctx, false))
	assert.False(t, s.Session().Active)
	assert.Zero(t, s.Remaining())

	_, _, disables := b.counts()
	assert.Equal(t, 2, disables)
	infos, _ := n.snapshot()
	assert.Contains(t, infos, "Voting has been disabled.")
}

func TestSubscribe_NotifiesUntilUnsubscribed(t *testing.T) {
	b := &fakeBackend{rows: entries("A", 1)}
	s, _ := newTestStore(t, b)
	ctx := context.Background()

	var calls int
	unsub := s.Subscribe(func() { calls++ })
	_, _, err := s.Fetch(ctx)
	require.NoError(t, err)
	require.NoError(t, s.ApplyDelta(ctx, "A", 2))
	assert.Equal(t, 2, calls)

	unsub()
	require.NoError(t, s.ApplyDelta(ctx, "A", 3))
	assert.Equal(t, 2, calls)
	assert.Equal(t, 3, counts(s.Ranked())["A"])
}

func TestCountdown_CancelAndRearmDropStaleFires(t *testing.T) {
	c := NewCountdown()
	fired := make(chan int, 4)

	c.Arm(time.Now().Add(20*time.Millisecond), func() { fired <- 1 })
	c.Cancel()
	c.Arm(time.Now().Add(20*time.Millisecond), func() { fired <- 2 })
	c.Arm(time.Now().Add(40*time.Millisecond), func() { fired <- 3 })
	assert.True(t, c.Armed())

	select {
	case v := <-fired:
		assert.Equal(t, 3, v)
	case <-time.After(time.Second):
		t.Fatal("countdown never fired")
	}
	select {
	case v := <-fired:
		t.Fatalf("stale fire %d", v)
	case <-time.After(80 * time.Millisecond):
	}
	assert.False(t, c.Armed())
	assert.Zero(t, c.Remaining())
}

func TestCountdown_PastDeadlineFiresImmediately(t *testing.T) {
	c := NewCountdown()
	done := make(chan struct{})
	c.Arm(time.Now().Add(-time.Minute), func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("countdown never fired")
	}
}

func TestDeadlineTakesGuardBeforeReadingSession(t *testing.T) {
	b := &fakeBackend{rows: entries("A", 1)}
	s, _ := newTestStore(t, b)
	ctx := context.Background()
	require.NoError(t, s.EnableVoting(ctx, time.Now().Add(time.Hour)))

	// Hold the store lock so the deadline path stalls on the session read.
	s.mu.Lock()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.onDeadline()
	}()
	require.Eventually(t, s.disabling.Load, time.Second, time.Millisecond)

	// A manual disable in this window must not reach the server.
	assert.ErrorIs(t, s.DisableVoting(ctx, false), ErrDisableInFlight)
	s.mu.Unlock()
	<-done

	_, _, disables := b.counts()
	assert.Equal(t, 1, disables)
	assert.False(t, s.Session().Active)
	assert.False(t, s.disabling.Load())
}

func TestDeadlineAfterManualDisable_DoesNothing(t *testing.T) {
	b := &fakeBackend{rows: entries("A", 1)}
	s, _ := newTestStore(t, b)
	ctx := context.Background()
	require.NoError(t, s.EnableVoting(ctx, time.Now().Add(time.Hour)))
	require.NoError(t, s.DisableVoting(ctx, false))

	s.onDeadline()

	_, _, disables := b.counts()
	assert.Equal(t, 1, disables)
	assert.False(t, s.disabling.Load())
}

func TestDisableVoting_RefreshFailureIsNotReported(t *testing.T) {
	b := &fakeBackend{rows: entries("A", 1), fetchErr: errors.New("list unavailable")}
	s, n := newTestStore(t, b)
	ctx := context.Background()
	require.NoError(t, s.EnableVoting(ctx, time.Now().Add(time.Hour)))

	require.NoError(t, s.DisableVoting(ctx, false))

	fetches, _, _ := b.counts()
	assert.Equal(t, 1, fetches)
	assert.NoError(t, s.Err())
	assert.False(t, s.Session().Active)
	infos, errs := n.snapshot()
	assert.Empty(t, errs)
	assert.Contains(t, infos, "Voting has been disabled.")
}

func TestRanked_HugeCounts(t *testing.T) {
	b := &fakeBackend{rows: entries("A", 0, "B", math.MaxInt, "C", 7)}
	s, _ := newTestStore(t, b)
	_, _, err := s.Fetch(context.Background())
	require.NoError(t, err)

	ranked := s.Ranked()
	require.Len(t, ranked, 3)
	assert.Equal(t, []string{"B", "C", "A"}, []string{ranked[0].RegistrationID, ranked[1].RegistrationID, ranked[2].RegistrationID})
	assert.True(t, ranked[0].Top)
	assert.False(t, ranked[1].Top)
}
