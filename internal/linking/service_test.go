package linking

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ashureev/helpme-slack/internal/domain"
	"github.com/ashureev/helpme-slack/internal/helpme"
	"github.com/ashureev/helpme-slack/internal/secret"
	"github.com/ashureev/helpme-slack/internal/store"
)

type fakeExchanger struct {
	mu        sync.Mutex
	calls     int
	redirects []string
	results   []exchangeResult
}

type exchangeResult struct {
	ex  *helpme.Exchange
	err error
}

func (f *fakeExchanger) ExchangeCode(_ context.Context, _, redirectURI string) (*helpme.Exchange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	f.redirects = append(f.redirects, redirectURI)
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	return f.results[i].ex, f.results[i].err
}

type fakeNotifier struct {
	mu     sync.Mutex
	linked []string
}

func (n *fakeNotifier) NotifyLinked(_ context.Context, st *domain.LinkState, _ *domain.UserLink) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.linked = append(n.linked, st.UserID)
	return nil
}

type outcomes struct {
	mu  sync.Mutex
	got []string
}

func (o *outcomes) LinkOutcome(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.got = append(o.got, outcome)
}

func newRepo(t *testing.T) *store.SQLiteStore {
	t.Helper()
	key, err := secret.DeriveKey(make([]byte, secret.KeySize), secret.PurposeTokenSealing)
	require.NoError(t, err)
	sealer, err := secret.NewSealer(key)
	require.NoError(t, err)
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "link.db"), sealer)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func newService(t *testing.T, repo Store, ex Exchanger, mutate func(*Options)) *Service {
	t.Helper()
	opts := Options{
		HelpMeBaseURL: "https://helpme.example.com",
		CallbackURL:   "https://bot.example.com/link/callback",
		OrgID:         "2",
		RetryBase:     time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	svc, err := NewService(repo, ex, opts)
	require.NoError(t, err)
	return svc
}

var goodExchange = &helpme.Exchange{
	UserID: 42, Email: "ada@example.com", Name: "Ada", ChatToken: "chat-42",
	Courses: []domain.Course{{ID: 1, Name: "COSC 304"}},
}

func TestIssueBuildsURLAndClampsTTL(t *testing.T) {
	repo := newRepo(t)
	svc := newService(t, repo, &fakeExchanger{}, nil)
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	tests := []struct {
		ttl  time.Duration
		want time.Duration
	}{
		{0, 600 * time.Second},
		{10 * time.Second, 60 * time.Second},
		{time.Hour, 600 * time.Second},
		{120 * time.Second, 120 * time.Second},
	}
	for _, tt := range tests {
		issued, err := svc.Issue(context.Background(), IssueRequest{TeamID: "T1", UserID: "U1", ChannelID: "C1", TTL: tt.ttl})
		require.NoError(t, err)
		require.Equal(t, fixed.Add(tt.want), issued.ExpiresAt)
		require.Len(t, issued.StateID, 43)

		u, err := url.Parse(issued.URL)
		require.NoError(t, err)
		require.Equal(t, "helpme.example.com", u.Host)
		require.Equal(t, "/api/v1/auth/slack/start", u.Path)
		require.Equal(t, issued.StateID, u.Query().Get("state"))
		require.Equal(t, "https://bot.example.com/link/callback", u.Query().Get("redirect_uri"))
		require.Equal(t, "2", u.Query().Get("oid"))
	}
}

func TestIssueRedirectOverride(t *testing.T) {
	ctx := context.Background()
	ex := &fakeExchanger{results: []exchangeResult{{ex: goodExchange}}}
	svc := newService(t, newRepo(t), ex, nil)

	issued, err := svc.Issue(ctx, IssueRequest{TeamID: "T1", UserID: "U1", RedirectURI: "https://alt.example.com/cb"})
	require.NoError(t, err)
	u, err := url.Parse(issued.URL)
	require.NoError(t, err)
	require.Equal(t, "https://alt.example.com/cb", u.Query().Get("redirect_uri"))

	_, err = svc.Complete(ctx, issued.StateID, "code-1")
	require.NoError(t, err)
	require.Equal(t, []string{"https://alt.example.com/cb"}, ex.redirects)

	issued, err = svc.Issue(ctx, IssueRequest{TeamID: "T1", UserID: "U1", RedirectURI: "  "})
	require.NoError(t, err)
	u, err = url.Parse(issued.URL)
	require.NoError(t, err)
	require.Equal(t, "https://bot.example.com/link/callback", u.Query().Get("redirect_uri"))
}

func TestIssueStatesAreUnique(t *testing.T) {
	svc := newService(t, newRepo(t), &fakeExchanger{}, nil)
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		issued, err := svc.Issue(context.Background(), IssueRequest{TeamID: "T", UserID: "U"})
		require.NoError(t, err)
		require.False(t, seen[issued.StateID])
		seen[issued.StateID] = true
	}
}

func TestCompleteLinksOnce(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	notifier := &fakeNotifier{}
	rec := &outcomes{}
	ex := &fakeExchanger{results: []exchangeResult{{ex: goodExchange}}}
	svc := newService(t, repo, ex, func(o *Options) { o.Notifier = notifier; o.Recorder = rec })

	issued, err := svc.Issue(ctx, IssueRequest{TeamID: "T1", UserID: "U1", ChannelID: "C1"})
	require.NoError(t, err)

	linked, err := svc.Complete(ctx, issued.StateID, "code-1")
	require.NoError(t, err)
	require.Equal(t, "C1", linked.State.ChannelID)

	link, err := repo.GetLink(ctx, "T1", "U1")
	require.NoError(t, err)
	require.Equal(t, "chat-42", link.ChatToken)
	require.Equal(t, int64(42), link.BackendUserID)

	uc, err := repo.GetUserCourses(ctx, "T1", "U1")
	require.NoError(t, err)
	require.Equal(t, []string{"COSC 304"}, uc.Names())

	// Duplicate delivery of the same callback.
	_, err = svc.Complete(ctx, issued.StateID, "code-1")
	require.ErrorIs(t, err, domain.ErrStateNotFound)
	require.Equal(t, 1, ex.calls)
	require.Equal(t, []string{"U1"}, notifier.linked)
	require.Equal(t, []string{"linked", "state_not_found"}, rec.got)

	after, err := repo.GetLink(ctx, "T1", "U1")
	require.NoError(t, err)
	require.Equal(t, link.UpdatedAt, after.UpdatedAt)
}

func TestCompleteConcurrentCallbacks(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	ex := &fakeExchanger{results: []exchangeResult{{ex: goodExchange}}}
	svc := newService(t, repo, ex, nil)

	issued, err := svc.Issue(ctx, IssueRequest{TeamID: "T1", UserID: "U1"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 6)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Complete(ctx, issued.StateID, "code")
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		require.ErrorIs(t, err, domain.ErrStateNotFound)
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, ex.calls)
}

func TestCompleteRetriesTransientExchange(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	notYet := &helpme.Error{Kind: helpme.KindNotFound, Status: http.StatusNotFound, Message: "unknown code"}
	tooEarly := &helpme.Error{Kind: helpme.KindRejected, Status: http.StatusTooEarly}
	ex := &fakeExchanger{results: []exchangeResult{{err: notYet}, {err: tooEarly}, {ex: goodExchange}}}
	svc := newService(t, repo, ex, nil)

	issued, err := svc.Issue(ctx, IssueRequest{TeamID: "T1", UserID: "U1"})
	require.NoError(t, err)

	_, err = svc.Complete(ctx, issued.StateID, "code")
	require.NoError(t, err)
	require.Equal(t, 3, ex.calls)
}

func TestCompleteGivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	conflict := &helpme.Error{Kind: helpme.KindRejected, Status: http.StatusConflict}
	ex := &fakeExchanger{results: []exchangeResult{{err: conflict}}}
	svc := newService(t, repo, ex, nil)

	issued, err := svc.Issue(ctx, IssueRequest{TeamID: "T1", UserID: "U1"})
	require.NoError(t, err)

	_, err = svc.Complete(ctx, issued.StateID, "code")
	require.ErrorIs(t, err, ErrExchangeFailed)
	require.ErrorIs(t, err, helpme.ErrRejected)
	require.Equal(t, 3, ex.calls)

	link, err := repo.GetLink(ctx, "T1", "U1")
	require.NoError(t, err)
	require.Nil(t, link)
}

func TestCompleteTerminalErrorNotRetried(t *testing.T) {
	ctx := context.Background()
	for _, terminal := range []error{
		&helpme.Error{Kind: helpme.KindUnauthorized, Status: http.StatusUnauthorized},
		&helpme.Error{Kind: helpme.KindNotFound, Status: http.StatusForbidden},
		&helpme.Error{Kind: helpme.KindUnavailable, Status: http.StatusBadGateway},
		errors.New("boom"),
	} {
		repo := newRepo(t)
		ex := &fakeExchanger{results: []exchangeResult{{err: terminal}}}
		svc := newService(t, repo, ex, nil)
		issued, err := svc.Issue(ctx, IssueRequest{TeamID: "T1", UserID: "U1"})
		require.NoError(t, err)

		_, err = svc.Complete(ctx, issued.StateID, "code")
		require.ErrorIs(t, err, ErrExchangeFailed)
		require.Equal(t, 1, ex.calls, terminal.Error())
	}
}

func TestCompleteExpiredState(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	ex := &fakeExchanger{results: []exchangeResult{{ex: goodExchange}}}
	svc := newService(t, repo, ex, nil)

	start := time.Now()
	svc.now = func() time.Time { return start }
	issued, err := svc.Issue(ctx, IssueRequest{TeamID: "T1", UserID: "U1", TTL: time.Minute})
	require.NoError(t, err)

	svc.now = func() time.Time { return start.Add(61 * time.Second) }
	_, err = svc.Complete(ctx, issued.StateID, "code")
	require.ErrorIs(t, err, domain.ErrStateNotFound)
	require.Zero(t, ex.calls)
}

func TestCompleteRejectsMissingInput(t *testing.T) {
	svc := newService(t, newRepo(t), &fakeExchanger{}, nil)
	_, err := svc.Complete(context.Background(), "state", "")
	require.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = svc.Complete(context.Background(), " ", "code")
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestInjectTokenAndUnlink(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	svc := newService(t, repo, &fakeExchanger{}, nil)

	require.ErrorIs(t, svc.InjectToken(ctx, "T1", "U1", ""), domain.ErrInvalidInput)
	require.NoError(t, svc.InjectToken(ctx, "T1", "U1", "direct-token"))

	link, err := repo.GetLink(ctx, "T1", "U1")
	require.NoError(t, err)
	require.Equal(t, "direct-token", link.ChatToken)

	require.NoError(t, svc.Unlink(ctx, "T1", "U1"))
	require.NoError(t, svc.Unlink(ctx, "T1", "U1"))
	link, err = repo.GetLink(ctx, "T1", "U1")
	require.NoError(t, err)
	require.Nil(t, link)
}

type sweepCount struct{ n int64 }

func (s *sweepCount) StatesSwept(n int64) { s.n += n }

func TestSweep(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	svc := newService(t, repo, &fakeExchanger{}, nil)

	start := time.Now()
	svc.now = func() time.Time { return start }
	_, err := svc.Issue(ctx, IssueRequest{TeamID: "T", UserID: "U", TTL: time.Minute})
	require.NoError(t, err)
	live, err := svc.Issue(ctx, IssueRequest{TeamID: "T", UserID: "U2", TTL: 10 * time.Minute})
	require.NoError(t, err)

	svc.now = func() time.Time { return start.Add(2 * time.Minute) }
	rec := &sweepCount{}
	require.Equal(t, int64(1), svc.sweep(ctx, rec))
	require.Equal(t, int64(1), rec.n)

	_, err = svc.Consume(ctx, live.StateID)
	require.NoError(t, err)
}

func TestRunSweeperStopsOnCancel(t *testing.T) {
	svc := newService(t, newRepo(t), &fakeExchanger{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.RunSweeper(ctx, 5*time.Millisecond, nil) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
