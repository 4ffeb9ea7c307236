package showvote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ksms-live/internal/api"
	"ksms-live/internal/hub"
	myMiddleware "ksms-live/internal/middleware"
	"ksms-live/internal/realtime"
	"ksms-live/internal/vote"
)

type memRepo struct {
	mu       sync.Mutex
	entries  map[string][]api.VoteEntry // show -> entries
	sessions map[string]Session
	votes    map[string]string // show/account -> registration
	status   map[string]string
}

func newMemRepo() *memRepo {
	return &memRepo{
		entries: map[string][]api.VoteEntry{
			"42": {
				{RegistrationID: "A", RegistrationNumber: "001", KoiName: "Hana", KoiVariety: "Kohaku", Size: 45.5, OwnerName: "Lan",
					Media: []api.Media{{MediaType: api.MediaImage, MediaURL: "https://cdn.example/hana.jpg"}}},
				{RegistrationID: "B", RegistrationNumber: "002", KoiName: "Sora", KoiVariety: "Showa", Size: 52, OwnerName: "Minh"},
			},
		},
		sessions: make(map[string]Session),
		votes:    make(map[string]string),
		status:   map[string]string{"42": "Upcoming"},
	}
}

func (m *memRepo) ListRegistrations(_ context.Context, showID string) ([]api.VoteEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]api.VoteEntry, len(m.entries[showID]))
	copy(out, m.entries[showID])
	for i := range out {
		for _, reg := range m.votes {
			if reg == out[i].RegistrationID {
				out[i].VoteCount++
			}
		}
	}
	return out, nil
}

func (m *memRepo) ShowOfRegistration(_ context.Context, registrationID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for show, entries := range m.entries {
		for _, e := range entries {
			if e.RegistrationID == registrationID {
				return show, nil
			}
		}
	}
	return "", ErrRegistrationNotFound
}

func (m *memRepo) GetSession(_ context.Context, showID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[showID]
	if !ok {
		return Session{ShowID: showID}, nil
	}
	return s, nil
}

func (m *memRepo) SaveSession(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.status[s.ShowID]; !ok {
		return ErrShowNotFound
	}
	m.sessions[s.ShowID] = s
	return nil
}

func (m *memRepo) AddVote(_ context.Context, showID, registrationID, accountID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := showID + "/" + accountID
	if _, ok := m.votes[key]; ok {
		return 0, ErrAlreadyVoted
	}
	m.votes[key] = registrationID
	n := 0
	for _, reg := range m.votes {
		if reg == registrationID {
			n++
		}
	}
	return n, nil
}

func (m *memRepo) SetShowStatus(_ context.Context, showID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.status[showID]; !ok {
		return ErrShowNotFound
	}
	m.status[showID] = status
	return nil
}

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) Broadcast(_ context.Context, target string, args ...any) error {
	b, _ := json.Marshal(args)
	r.mu.Lock()
	r.calls = append(r.calls, target+" "+string(b))
	r.mu.Unlock()
	return nil
}

func TestService_EnableRejectsPastAndActive(t *testing.T) {
	s := NewService(newMemRepo(), &recorder{}, &recorder{}, zap.NewNop())
	ctx := context.Background()

	assert.ErrorIs(t, s.EnableVoting(ctx, "42", time.Now().Add(-time.Second)), ErrEndInPast)
	require.NoError(t, s.EnableVoting(ctx, "42", time.Now().Add(time.Hour)))
	assert.ErrorIs(t, s.EnableVoting(ctx, "42", time.Now().Add(2*time.Hour)), ErrAlreadyActive)
	assert.ErrorIs(t, s.EnableVoting(ctx, "nope", time.Now().Add(time.Hour)), ErrShowNotFound)

	require.NoError(t, s.DisableVoting(ctx, "42"))
	require.NoError(t, s.DisableVoting(ctx, "42"))
	require.NoError(t, s.EnableVoting(ctx, "42", time.Now().Add(time.Hour)))
}

func TestService_ElapsedWindowClosesItself(t *testing.T) {
	repo := newMemRepo()
	s := NewService(repo, &recorder{}, &recorder{}, zap.NewNop())
	ctx := context.Background()
	require.NoError(t, s.EnableVoting(ctx, "42", time.Now().Add(time.Minute)))

	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	entries, err := s.RegistrationsForVoting(ctx, "42")
	require.NoError(t, err)
	require.NotNil(t, entries[0].VotingStatus)
	assert.False(t, entries[0].VotingStatus.IsActive)
	assert.Nil(t, entries[1].VotingStatus)

	_, err = s.CastVote(ctx, "A", "acc-1")
	assert.ErrorIs(t, err, ErrVotingClosed)
	require.NoError(t, s.EnableVoting(ctx, "42", time.Now().Add(time.Hour)))
}

func TestService_CastVotePushesCount(t *testing.T) {
	votes := &recorder{}
	s := NewService(newMemRepo(), votes, &recorder{}, zap.NewNop())
	ctx := context.Background()
	require.NoError(t, s.EnableVoting(ctx, "42", time.Now().Add(time.Hour)))

	n, err := s.CastVote(ctx, "B", "acc-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.CastVote(ctx, "B", "acc-2")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, err = s.CastVote(ctx, "A", "acc-2")
	assert.ErrorIs(t, err, ErrAlreadyVoted)
	_, err = s.CastVote(ctx, "ZZ", "acc-3")
	assert.ErrorIs(t, err, ErrRegistrationNotFound)

	assert.Equal(t, []string{
		`ReceiveVoteUpdate [{"registrationId":"B","voteCount":1}]`,
		`ReceiveVoteUpdate [{"registrationId":"B","voteCount":2}]`,
	}, votes.calls)
}

func TestService_SetShowStatusPushes(t *testing.T) {
	status := &recorder{}
	s := NewService(newMemRepo(), &recorder{}, status, zap.NewNop())
	ctx := context.Background()

	assert.ErrorIs(t, s.SetShowStatus(ctx, "42", "Paused"), ErrInvalidStatus)
	assert.ErrorIs(t, s.SetShowStatus(ctx, "7", "Finished"), ErrShowNotFound)
	require.NoError(t, s.SetShowStatus(ctx, "42", "InProgress"))
	assert.Equal(t, []string{`ReceiveShowStatusUpdate ["42","InProgress"]`}, status.calls)
}

type tokens map[string][2]string // token -> id, role

func (tk tokens) ValidateToken(tok string) (string, string, error) {
	v, ok := tk[tok]
	if !ok {
		return "", "", errors.New("bad token")
	}
	return v[0], v[1], nil
}

type staticToken string

func (s staticToken) Token() string { return string(s) }

type notes struct {
	mu   sync.Mutex
	msgs []string
}

func (n *notes) Info(msg string) { n.add(msg) }
func (n *notes) Error(msg string) { n.add(msg) }

func (n *notes) add(msg string) {
	n.mu.Lock()
	n.msgs = append(n.msgs, msg)
	n.mu.Unlock()
}

// liveServer wires the handlers and the vote/show-status hubs like the real
// server does.
func liveServer(t *testing.T) (string, *hub.Hub, *hub.Hub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	voteHub := hub.NewHub("vote", nil, zap.NewNop())
	statusHub := hub.NewHub("show-status", nil, zap.NewNop())
	go voteHub.Run(ctx)
	go statusHub.Run(ctx)

	h := NewHandler(NewService(newMemRepo(), voteHub, statusHub, zap.NewNop()))
	am := myMiddleware.NewAuthMiddleware(tokens{
		"staff": {"staff-1", "Staff"},
		"fan-1": {"acc-1", "Member"},
		"fan-2": {"acc-2", "Member"},
	})

	r := chi.NewRouter()
	r.Route("/vote", func(r chi.Router) {
		r.Use(am.Handle)
		r.With(myMiddleware.RequireRole("Admin", "Manager", "Staff")).Get("/staff/get-registration-for-voting/{showId}", h.GetRegistrationsForVoting)
		r.With(myMiddleware.RequireRole("Admin", "Manager", "Staff")).Put("/enable-voting/{showId}", h.EnableVoting)
		r.With(myMiddleware.RequireRole("Admin", "Manager", "Staff")).Put("/disable-voting/{showId}", h.DisableVoting)
		r.Post("/{registrationId}", h.CastVote)
	})
	r.With(am.Handle, myMiddleware.RequireRole("Admin", "Manager", "Staff")).Put("/show/{showId}/status", h.SetShowStatus)
	r.With(am.Optional).Get("/hubs/vote", voteHub.ServeWs)
	r.With(am.Optional).Get("/hubs/show-status", statusHub.ServeWs)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv.URL, voteHub, statusHub
}

func waitClients(t *testing.T, h *hub.Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.ClientCount(context.Background()) == n
	}, 2*time.Second, 10*time.Millisecond)
}

func castVote(t *testing.T, base, registrationID, token string) int {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, fmt.Sprintf("%s/vote/%s", base, registrationID), nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestLive_VotesFlowIntoStaffStore(t *testing.T) {
	base, voteHub, statusHub := liveServer(t)
	ctx := context.Background()

	client := api.NewClient(base, staticToken("staff"), zap.NewNop())
	n := &notes{}
	store := vote.NewStore("42", client, n, zap.NewNop())
	t.Cleanup(store.Close)

	_, status, err := store.Fetch(ctx)
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.False(t, status.IsActive)
	require.Len(t, store.Entries(), 2)
	assert.Equal(t, api.MediaImage, store.Entries()[0].Media[0].MediaType)

	mgr := realtime.NewManager("ws"+strings.TrimPrefix(base, "http")+"/hubs", staticToken(""), zap.NewNop(), realtime.Options{})
	t.Cleanup(func() { mgr.Close() })
	_, err = mgr.OnVoteUpdate(store.HandleVoteUpdate)
	require.NoError(t, err)
	statuses := make(chan realtime.ShowStatusUpdate, 1)
	_, err = mgr.OnShowStatusUpdate(func(u realtime.ShowStatusUpdate) { statuses <- u })
	require.NoError(t, err)
	require.NoError(t, mgr.Start(ctx, realtime.ChannelVote))
	require.NoError(t, mgr.Start(ctx, realtime.ChannelShowStatus))
	waitClients(t, voteHub, 1)
	waitClients(t, statusHub, 1)

	assert.Equal(t, http.StatusConflict, castVote(t, base, "A", "fan-1"))

	require.NoError(t, store.EnableVotingFor(ctx, time.Hour))
	err = client.EnableVoting(ctx, "42", time.Now().Add(time.Hour))
	var serr *api.StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusConflict, serr.StatusCode)
	assert.Contains(t, serr.Message, "already active")

	require.Equal(t, http.StatusOK, castVote(t, base, "B", "fan-1"))
	require.Equal(t, http.StatusOK, castVote(t, base, "B", "fan-2"))
	assert.Equal(t, http.StatusConflict, castVote(t, base, "A", "fan-2"))

	require.Eventually(t, func() bool {
		r := store.Ranked()
		return r[0].RegistrationID == "B" && r[0].VoteCount == 2
	}, 2*time.Second, 10*time.Millisecond)
	r := store.Ranked()
	assert.True(t, r[0].Top)
	assert.False(t, r[1].Top)

	req, _ := http.NewRequest(http.MethodPut, base+"/show/42/status", strings.NewReader(`{"status":"Finished"}`))
	req.Header.Set("Authorization", "Bearer staff")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	select {
	case u := <-statuses:
		assert.Equal(t, realtime.ShowStatusUpdate{ShowID: "42", Status: "Finished"}, u)
	case <-time.After(2 * time.Second):
		t.Fatal("no show status update")
	}

	require.NoError(t, store.DisableVoting(ctx, false))
	assert.False(t, store.Session().Active)
	assert.Equal(t, http.StatusConflict, castVote(t, base, "A", "fan-2"))
}

func TestLive_MembersCannotManageVoting(t *testing.T) {
	base, _, _ := liveServer(t)
	client := api.NewClient(base, staticToken("fan-1"), zap.NewNop())

	err := client.EnableVoting(context.Background(), "42", time.Now().Add(time.Hour))
	var serr *api.StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusForbidden, serr.StatusCode)
}
