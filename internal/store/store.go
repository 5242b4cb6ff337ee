// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/helpme-slack/internal/domain"
)

// LinkStore persists UserLink records keyed by (teamID, userID).
type LinkStore interface {
	// SaveLink creates or overwrites the link for (link.TeamID, link.UserID).
	SaveLink(ctx context.Context, link *domain.UserLink) error

	// SaveLinkToken stores only the chat token, keeping any identity fields
	// already present for the key.
	SaveLinkToken(ctx context.Context, teamID, userID, token string) error

	// GetLink retrieves a link. It returns (nil, nil) when none exists.
	GetLink(ctx context.Context, teamID, userID string) (*domain.UserLink, error)

	// DeleteLink removes the link and the cached course list. Deleting a
	// missing link is not an error.
	DeleteLink(ctx context.Context, teamID, userID string) error
}

// StateStore persists ephemeral link states.
type StateStore interface {
	// CreateLinkState stores a newly issued state.
	CreateLinkState(ctx context.Context, state *domain.LinkState) error

	// ConsumeLinkState atomically reads and deletes a state. It returns
	// domain.ErrStateNotFound when the state is absent or expired at now.
	ConsumeLinkState(ctx context.Context, stateID string, now time.Time) (*domain.LinkState, error)

	// DeleteExpiredLinkStates removes states that expired before now.
	DeleteExpiredLinkStates(ctx context.Context, now time.Time) (int64, error)
}

// CourseStore persists the course cache and the default-course preference.
type CourseStore interface {
	// SaveUserCourses replaces the cached course list.
	SaveUserCourses(ctx context.Context, courses *domain.UserCourses) error

	// GetUserCourses returns the cached course list, or (nil, nil).
	GetUserCourses(ctx context.Context, teamID, userID string) (*domain.UserCourses, error)

	// SetDefaultCourse records the user's default course.
	SetDefaultCourse(ctx context.Context, teamID, userID string, courseID int64) error

	// GetDefaultCourse returns the default course ID, or 0 when unset.
	GetDefaultCourse(ctx context.Context, teamID, userID string) (int64, error)
}

// InteractionStore persists the append-only question log.
type InteractionStore interface {
	// RecordQuestion appends a question. With a zero rec.InteractionID it
	// reuses the interaction bound to rec.ThreadKey, or creates one.
	RecordQuestion(ctx context.Context, rec *domain.QuestionRecord) (interactionID, questionID int64, err error)

	// ListInteractions returns the newest interactions for a user together
	// with their questions, and the total interaction count.
	ListInteractions(ctx context.Context, teamID, userID string, limit int) ([]domain.Interaction, int, error)

	// UpdateQuestionScore sets the user's score on a question they asked.
	UpdateQuestionScore(ctx context.Context, teamID, userID string, questionID int64, score int) error
}

// Repository is the full credential store used by the application.
type Repository interface {
	LinkStore
	StateStore
	CourseStore
	InteractionStore

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error

	// MigrateLegacyLinks moves rows from the single-token links table into
	// user_links and drops the legacy table.
	MigrateLegacyLinks(ctx context.Context, open func(sealed string) (string, error)) (int64, error)
}
