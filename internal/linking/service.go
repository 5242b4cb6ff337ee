// Package linking binds Slack identities to HelpMe accounts through a
// single-use state and an authorization-code exchange.
package linking

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ashureev/helpme-slack/internal/domain"
	"github.com/ashureev/helpme-slack/internal/helpme"
)

const stateBytes = 32

// ErrExchangeFailed is returned when a consumed state could not be turned
// into a link. The user must start linking again.
var ErrExchangeFailed = errors.New("linking: code exchange failed")

// Store is the persistence the service needs.
type Store interface {
	CreateLinkState(ctx context.Context, state *domain.LinkState) error
	ConsumeLinkState(ctx context.Context, stateID string, now time.Time) (*domain.LinkState, error)
	DeleteExpiredLinkStates(ctx context.Context, now time.Time) (int64, error)
	SaveLink(ctx context.Context, link *domain.UserLink) error
	SaveLinkToken(ctx context.Context, teamID, userID, token string) error
	SaveUserCourses(ctx context.Context, courses *domain.UserCourses) error
	DeleteLink(ctx context.Context, teamID, userID string) error
}

// Exchanger redeems authorization codes.
type Exchanger interface {
	ExchangeCode(ctx context.Context, code, redirectURI string) (*helpme.Exchange, error)
}

// Notifier tells the user in Slack that linking finished. Optional.
type Notifier interface {
	NotifyLinked(ctx context.Context, state *domain.LinkState, link *domain.UserLink) error
}

// Recorder counts linking outcomes. Optional.
type Recorder interface {
	LinkOutcome(outcome string)
}

// Options configures a Service.
type Options struct {
	// HelpMeBaseURL is the web origin users are sent to for authorization.
	HelpMeBaseURL string
	// CallbackURL is where HelpMe redirects back with state and code.
	CallbackURL string
	OrgID       string
	DefaultTTL  time.Duration
	MinTTL      time.Duration
	MaxTTL      time.Duration
	MaxAttempts int
	// RetryBase is the first backoff delay between exchange attempts.
	RetryBase time.Duration
	Notifier  Notifier
	Recorder  Recorder
}

// Service runs the linking state machine.
type Service struct {
	store     Store
	exchanger Exchanger
	opts      Options
	now       func() time.Time
	random    func([]byte) (int, error)
}

// NewService creates a Service.
func NewService(store Store, exchanger Exchanger, opts Options) (*Service, error) {
	if store == nil || exchanger == nil {
		return nil, errors.New("linking: store and exchanger are required")
	}
	if _, err := url.ParseRequestURI(opts.HelpMeBaseURL); err != nil {
		return nil, fmt.Errorf("linking: invalid HelpMe base url: %w", err)
	}
	if opts.MinTTL <= 0 {
		opts.MinTTL = 60 * time.Second
	}
	if opts.MaxTTL < opts.MinTTL {
		opts.MaxTTL = 600 * time.Second
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = opts.MaxTTL
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 250 * time.Millisecond
	}
	return &Service{store: store, exchanger: exchanger, opts: opts, now: time.Now, random: rand.Read}, nil
}

// IssueRequest starts a linking attempt.
type IssueRequest struct {
	TeamID    string
	UserID    string
	ChannelID string
	// RedirectURI overrides Options.CallbackURL for this attempt.
	RedirectURI string
	// TTL is clamped to the configured bounds. Zero uses the default.
	TTL time.Duration
}

// Issued is a stored state plus the URL the user must open.
type Issued struct {
	StateID   string
	URL       string
	ExpiresAt time.Time
}

// Issue creates and stores a new LinkState.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*Issued, error) {
	if req.TeamID == "" || req.UserID == "" {
		return nil, fmt.Errorf("issue link state: %w", domain.ErrInvalidInput)
	}
	buf := make([]byte, stateBytes)
	if _, err := s.random(buf); err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}
	stateID := base64.RawURLEncoding.EncodeToString(buf)

	redirect := strings.TrimSpace(req.RedirectURI)
	if redirect == "" {
		redirect = s.opts.CallbackURL
	}

	now := s.now()
	state := &domain.LinkState{
		StateID:     stateID,
		TeamID:      req.TeamID,
		UserID:      req.UserID,
		ChannelID:   req.ChannelID,
		RedirectURI: redirect,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.clampTTL(req.TTL)),
	}
	if err := s.store.CreateLinkState(ctx, state); err != nil {
		return nil, fmt.Errorf("store link state: %w", err)
	}

	slog.Info("Link state issued",
		"team_id", req.TeamID,
		"user_id", req.UserID,
		"state_prefix", stateID[:8],
		"expires_at", state.ExpiresAt)

	return &Issued{StateID: stateID, URL: s.authorizeURL(stateID, redirect), ExpiresAt: state.ExpiresAt}, nil
}

func (s *Service) clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = s.opts.DefaultTTL
	}
	if ttl < s.opts.MinTTL {
		return s.opts.MinTTL
	}
	if ttl > s.opts.MaxTTL {
		return s.opts.MaxTTL
	}
	return ttl
}

func (s *Service) authorizeURL(stateID, redirect string) string {
	q := url.Values{}
	q.Set("state", stateID)
	q.Set("redirect_uri", redirect)
	if s.opts.OrgID != "" {
		q.Set("oid", s.opts.OrgID)
	}
	return strings.TrimRight(s.opts.HelpMeBaseURL, "/") + "/api/v1/auth/slack/start?" + q.Encode()
}

// Consume atomically reads and deletes a state. Unknown, used and expired
// states all return domain.ErrStateNotFound.
func (s *Service) Consume(ctx context.Context, stateID string) (*domain.LinkState, error) {
	if strings.TrimSpace(stateID) == "" {
		return nil, fmt.Errorf("consume link state: %w", domain.ErrInvalidInput)
	}
	return s.store.ConsumeLinkState(ctx, stateID, s.now())
}

// Linked is the result of a completed link.
type Linked struct {
	State   *domain.LinkState
	Link    *domain.UserLink
	Courses []domain.Course
}

// Complete consumes the state, exchanges the code and persists the link.
// A second call with the same state fails with domain.ErrStateNotFound and
// changes nothing.
func (s *Service) Complete(ctx context.Context, stateID, code string) (*Linked, error) {
	if strings.TrimSpace(code) == "" {
		s.record("invalid_input")
		return nil, fmt.Errorf("complete link: missing code: %w", domain.ErrInvalidInput)
	}
	state, err := s.Consume(ctx, stateID)
	if err != nil {
		if errors.Is(err, domain.ErrStateNotFound) {
			s.record("state_not_found")
		} else if errors.Is(err, domain.ErrInvalidInput) {
			s.record("invalid_input")
		} else {
			s.record("store_error")
		}
		return nil, err
	}

	ex, err := s.exchange(ctx, code, state.RedirectURI)
	if err != nil {
		s.record("exchange_failed")
		slog.Warn("Code exchange failed",
			"team_id", state.TeamID,
			"user_id", state.UserID,
			"error", err)
		return nil, fmt.Errorf("%w: %w", ErrExchangeFailed, err)
	}

	link := &domain.UserLink{
		TeamID:         state.TeamID,
		UserID:         state.UserID,
		BackendUserID:  ex.UserID,
		BackendEmail:   ex.Email,
		BackendName:    ex.Name,
		OrganizationID: ex.OrganizationID,
		ChatToken:      ex.ChatToken,
	}
	if err := s.store.SaveLink(ctx, link); err != nil {
		s.record("store_error")
		return nil, fmt.Errorf("save link: %w", err)
	}
	if ex.Courses != nil {
		if err := s.store.SaveUserCourses(ctx, &domain.UserCourses{
			TeamID:    state.TeamID,
			UserID:    state.UserID,
			Courses:   ex.Courses,
			FetchedAt: s.now(),
		}); err != nil {
			slog.Warn("Failed to cache courses after link", "team_id", state.TeamID, "user_id", state.UserID, "error", err)
		}
	}

	s.record("linked")
	slog.Info("Account linked",
		"team_id", state.TeamID,
		"user_id", state.UserID,
		"backend_user_id", ex.UserID,
		"courses", len(ex.Courses))

	if s.opts.Notifier != nil {
		if err := s.opts.Notifier.NotifyLinked(ctx, state, link); err != nil {
			slog.Warn("Failed to notify user about link", "user_id", state.UserID, "error", err)
		}
	}
	return &Linked{State: state, Link: link, Courses: ex.Courses}, nil
}

// exchange retries only while the backend has not yet seen the code.
func (s *Service) exchange(ctx context.Context, code, redirectURI string) (*helpme.Exchange, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.RetryBase
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxInterval = 8 * s.opts.RetryBase

	attempt := 0
	op := func() (*helpme.Exchange, error) {
		attempt++
		ex, err := s.exchanger.ExchangeCode(ctx, code, redirectURI)
		if err == nil {
			return ex, nil
		}
		if !transientExchangeError(err) {
			return nil, backoff.Permanent(err)
		}
		slog.Debug("Exchange code not yet recognized, retrying", "attempt", attempt, "error", err)
		return nil, err
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.opts.MaxAttempts)),
	)
}

// transientExchangeError matches the "code not yet recognized" responses.
func transientExchangeError(err error) bool {
	var he *helpme.Error
	if !errors.As(err, &he) {
		return false
	}
	switch he.Status {
	case http.StatusNotFound, http.StatusConflict, http.StatusTooEarly:
		return true
	}
	return false
}

// InjectToken stores a chat token delivered directly by HelpMe, bypassing
// the state exchange.
func (s *Service) InjectToken(ctx context.Context, teamID, userID, token string) error {
	if strings.TrimSpace(teamID) == "" || strings.TrimSpace(userID) == "" || strings.TrimSpace(token) == "" {
		return fmt.Errorf("inject token: %w", domain.ErrInvalidInput)
	}
	if err := s.store.SaveLinkToken(ctx, teamID, userID, token); err != nil {
		s.record("store_error")
		return fmt.Errorf("save injected token: %w", err)
	}
	s.record("injected")
	slog.Info("Link token injected", "team_id", teamID, "user_id", userID, "token_len", len(token))
	return nil
}

// Unlink removes a user's link and course cache.
func (s *Service) Unlink(ctx context.Context, teamID, userID string) error {
	if err := s.store.DeleteLink(ctx, teamID, userID); err != nil {
		return fmt.Errorf("unlink: %w", err)
	}
	s.record("unlinked")
	slog.Info("Account unlinked", "team_id", teamID, "user_id", userID)
	return nil
}

func (s *Service) record(outcome string) {
	if s.opts.Recorder != nil {
		s.opts.Recorder.LinkOutcome(outcome)
	}
}
