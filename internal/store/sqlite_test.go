package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ashureev/helpme-slack/internal/domain"
	"github.com/ashureev/helpme-slack/internal/secret"
)

func testSealer(t *testing.T) *secret.Sealer {
	t.Helper()
	key, err := secret.DeriveKey(make([]byte, secret.KeySize), secret.PurposeTokenSealing)
	require.NoError(t, err)
	s, err := secret.NewSealer(key)
	require.NoError(t, err)
	return s
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"), testSealer(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLinkRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	org := int64(7)
	require.NoError(t, s.SaveLink(ctx, &domain.UserLink{
		TeamID: "T1", UserID: "U1",
		BackendUserID: 42, BackendEmail: "ada@example.com", BackendName: "Ada",
		OrganizationID: &org, ChatToken: "tok-1",
	}))

	got, err := s.GetLink(ctx, "T1", "U1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "tok-1", got.ChatToken)
	require.Equal(t, int64(42), got.BackendUserID)
	require.Equal(t, "Ada", got.DisplayName())
	require.NotNil(t, got.OrganizationID)
	require.Equal(t, int64(7), *got.OrganizationID)

	var raw string
	require.NoError(t, s.db.QueryRow(`SELECT chat_token_sealed FROM user_links`).Scan(&raw))
	require.NotContains(t, raw, "tok-1")
}

func TestLinkOverwriteAndIsolation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SaveLink(ctx, &domain.UserLink{TeamID: "T1", UserID: "U1", BackendUserID: 1, ChatToken: "old"}))
	require.NoError(t, s.SaveLink(ctx, &domain.UserLink{TeamID: "T1", UserID: "U1", BackendUserID: 2, ChatToken: "new"}))
	require.NoError(t, s.SaveLink(ctx, &domain.UserLink{TeamID: "T2", UserID: "U1", BackendUserID: 3, ChatToken: "other"}))

	got, err := s.GetLink(ctx, "T1", "U1")
	require.NoError(t, err)
	require.Equal(t, "new", got.ChatToken)
	require.Equal(t, int64(2), got.BackendUserID)

	other, err := s.GetLink(ctx, "T2", "U1")
	require.NoError(t, err)
	require.Equal(t, "other", other.ChatToken)

	missing, err := s.GetLink(ctx, "T3", "U1")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestSaveLinkTokenKeepsIdentity(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SaveLink(ctx, &domain.UserLink{TeamID: "T1", UserID: "U1", BackendUserID: 9, BackendEmail: "x@y.z", ChatToken: "a"}))
	require.NoError(t, s.SaveLinkToken(ctx, "T1", "U1", "b"))

	got, err := s.GetLink(ctx, "T1", "U1")
	require.NoError(t, err)
	require.Equal(t, "b", got.ChatToken)
	require.Equal(t, int64(9), got.BackendUserID)
	require.Equal(t, "x@y.z", got.BackendEmail)

	require.ErrorIs(t, s.SaveLinkToken(ctx, "T1", "U1", ""), domain.ErrInvalidInput)
}

func TestDeleteLinkKeepsPrefs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SaveLink(ctx, &domain.UserLink{TeamID: "T1", UserID: "U1", ChatToken: "a"}))
	require.NoError(t, s.SaveUserCourses(ctx, &domain.UserCourses{TeamID: "T1", UserID: "U1", Courses: []domain.Course{{ID: 1, Name: "COSC 304"}}}))
	require.NoError(t, s.SetDefaultCourse(ctx, "T1", "U1", 1))

	require.NoError(t, s.DeleteLink(ctx, "T1", "U1"))
	require.NoError(t, s.DeleteLink(ctx, "T1", "U1"))

	link, err := s.GetLink(ctx, "T1", "U1")
	require.NoError(t, err)
	require.Nil(t, link)

	courses, err := s.GetUserCourses(ctx, "T1", "U1")
	require.NoError(t, err)
	require.Nil(t, courses)

	def, err := s.GetDefaultCourse(ctx, "T1", "U1")
	require.NoError(t, err)
	require.Equal(t, int64(1), def)
}

func TestConsumeLinkStateOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()

	require.NoError(t, s.CreateLinkState(ctx, &domain.LinkState{
		StateID: "abc", TeamID: "T1", UserID: "U1", ChannelID: "C1",
		CreatedAt: now, ExpiresAt: now.Add(10 * time.Minute),
	}))

	got, err := s.ConsumeLinkState(ctx, "abc", now)
	require.NoError(t, err)
	require.Equal(t, "U1", got.UserID)
	require.Equal(t, "C1", got.ChannelID)

	_, err = s.ConsumeLinkState(ctx, "abc", now)
	require.ErrorIs(t, err, domain.ErrStateNotFound)
}

func TestConsumeLinkStateConcurrent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()

	require.NoError(t, s.CreateLinkState(ctx, &domain.LinkState{
		StateID: "race", TeamID: "T1", UserID: "U1",
		CreatedAt: now, ExpiresAt: now.Add(time.Minute),
	}))

	var wins, misses atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ConsumeLinkState(ctx, "race", now)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, domain.ErrStateNotFound):
				misses.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), wins.Load())
	require.Equal(t, int32(7), misses.Load())
}

func TestConsumeExpiredState(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()

	require.NoError(t, s.CreateLinkState(ctx, &domain.LinkState{
		StateID: "old", TeamID: "T1", UserID: "U1",
		CreatedAt: now.Add(-11 * time.Minute), ExpiresAt: now.Add(-time.Minute),
	}))

	_, err := s.ConsumeLinkState(ctx, "old", now)
	require.ErrorIs(t, err, domain.ErrStateNotFound)
}

func TestDeleteExpiredLinkStates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()

	for id, exp := range map[string]time.Time{
		"gone-1": now.Add(-time.Hour),
		"gone-2": now.Add(-time.Second),
		"live":   now.Add(time.Minute),
	} {
		require.NoError(t, s.CreateLinkState(ctx, &domain.LinkState{StateID: id, TeamID: "T", UserID: "U", CreatedAt: now, ExpiresAt: exp}))
	}

	n, err := s.DeleteExpiredLinkStates(ctx, now)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	_, err = s.ConsumeLinkState(ctx, "live", now)
	require.NoError(t, err)
}

func TestCoursesAndDefault(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	def, err := s.GetDefaultCourse(ctx, "T1", "U1")
	require.NoError(t, err)
	require.Zero(t, def)

	require.NoError(t, s.SaveUserCourses(ctx, &domain.UserCourses{
		TeamID: "T1", UserID: "U1",
		Courses: []domain.Course{{ID: 12, Name: "COSC 304 Databases"}, {ID: 14, Name: "COSC 200"}},
	}))
	uc, err := s.GetUserCourses(ctx, "T1", "U1")
	require.NoError(t, err)
	require.Equal(t, []string{"COSC 304 Databases", "COSC 200"}, uc.Names())

	require.NoError(t, s.SaveUserCourses(ctx, &domain.UserCourses{TeamID: "T1", UserID: "U1"}))
	uc, err = s.GetUserCourses(ctx, "T1", "U1")
	require.NoError(t, err)
	require.Empty(t, uc.Courses)

	require.NoError(t, s.SetDefaultCourse(ctx, "T1", "U1", 14))
	def, err = s.GetDefaultCourse(ctx, "T1", "U1")
	require.NoError(t, err)
	require.Equal(t, int64(14), def)
}

func TestInteractionLog(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	iid, q1, err := s.RecordQuestion(ctx, &domain.QuestionRecord{
		CourseID: 12, TeamID: "T1", UserID: "U1", QuestionText: "What is 3NF?", ResponseText: "A normal form.",
	})
	require.NoError(t, err)
	require.NotZero(t, iid)

	iid2, q2, err := s.RecordQuestion(ctx, &domain.QuestionRecord{
		InteractionID: iid, CourseID: 12, TeamID: "T1", UserID: "U1",
		QuestionText: "And BCNF?", ResponseText: "Stricter.", IsPreviousQuestion: true,
	})
	require.NoError(t, err)
	require.Equal(t, iid, iid2)
	require.NotEqual(t, q1, q2)

	_, _, err = s.RecordQuestion(ctx, &domain.QuestionRecord{
		InteractionID: iid, CourseID: 12, TeamID: "T1", UserID: "intruder", QuestionText: "x",
	})
	require.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, s.UpdateQuestionScore(ctx, "T1", "U1", q2, 1))
	require.ErrorIs(t, s.UpdateQuestionScore(ctx, "T1", "U2", q2, -1), domain.ErrNotFound)

	list, total, err := s.ListInteractions(ctx, "T1", "U1", 10)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, list, 1)
	require.Len(t, list[0].Questions, 2)
	require.Equal(t, "What is 3NF?", list[0].Questions[0].QuestionText)
	require.Nil(t, list[0].Questions[0].UserScore)
	require.NotNil(t, list[0].Questions[1].UserScore)
	require.Equal(t, 1, *list[0].Questions[1].UserScore)
	require.True(t, list[0].Questions[1].IsPreviousQuestion)
}

func TestInteractionThreadKey(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first, _, err := s.RecordQuestion(ctx, &domain.QuestionRecord{
		ThreadKey: "C1:1700.1", CourseID: 12, TeamID: "T1", UserID: "U1", QuestionText: "q1",
	})
	require.NoError(t, err)

	again, _, err := s.RecordQuestion(ctx, &domain.QuestionRecord{
		ThreadKey: "C1:1700.1", CourseID: 12, TeamID: "T1", UserID: "U1", QuestionText: "q2",
	})
	require.NoError(t, err)
	require.Equal(t, first, again)

	other, _, err := s.RecordQuestion(ctx, &domain.QuestionRecord{
		ThreadKey: "C1:1700.1", CourseID: 12, TeamID: "T1", UserID: "U2", QuestionText: "q3",
	})
	require.NoError(t, err)
	require.NotEqual(t, first, other, "threads are grouped per user")

	fresh, _, err := s.RecordQuestion(ctx, &domain.QuestionRecord{
		CourseID: 12, TeamID: "T1", UserID: "U1", QuestionText: "q4",
	})
	require.NoError(t, err)
	require.NotEqual(t, first, fresh)

	list, total, err := s.ListInteractions(ctx, "T1", "U1", 10)
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Len(t, list, 2)
}

func TestMigrateLegacyLinks(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	legacyKey := make([]byte, secret.KeySize)
	legacyKey[0] = 1
	legacy, err := secret.NewSealer(legacyKey)
	require.NoError(t, err)
	enc, err := legacy.Seal("legacy-token")
	require.NoError(t, err)

	_, err = s.db.Exec(`CREATE TABLE links (
		team_id TEXT NOT NULL, user_id TEXT NOT NULL,
		helpme_user_token_enc TEXT NOT NULL,
		created_at TEXT DEFAULT (datetime('now')),
		PRIMARY KEY (team_id, user_id))`)
	require.NoError(t, err)
	_, err = s.db.Exec(`INSERT INTO links (team_id, user_id, helpme_user_token_enc) VALUES (?, ?, ?), (?, ?, ?), (?, ?, ?)`,
		"T1", "U1", enc,
		"T1", "U2", "not-base64!",
		"T1", "U3", enc,
	)
	require.NoError(t, err)
	require.NoError(t, s.SaveLink(ctx, &domain.UserLink{TeamID: "T1", UserID: "U3", BackendUserID: 5, ChatToken: "current"}))

	n, err := s.MigrateLegacyLinks(ctx, legacy.Open)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	got, err := s.GetLink(ctx, "T1", "U1")
	require.NoError(t, err)
	require.Equal(t, "legacy-token", got.ChatToken)
	require.Zero(t, got.BackendUserID)

	kept, err := s.GetLink(ctx, "T1", "U3")
	require.NoError(t, err)
	require.Equal(t, "current", kept.ChatToken)

	var name string
	err = s.db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name='links'`).Scan(&name)
	require.ErrorIs(t, err, sql.ErrNoRows)

	n, err = s.MigrateLegacyLinks(ctx, legacy.Open)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestIsBusy(t *testing.T) {
	require.False(t, IsBusy(nil))
	require.True(t, IsBusy(errors.New("database is locked (5) (SQLITE_BUSY)")))
	require.False(t, IsBusy(errors.New("no such table")))
}
