package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/helpme-slack/internal/domain"
	_ "modernc.org/sqlite"
)

// TokenSealer encrypts chat tokens before they reach disk.
type TokenSealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	sealer TokenSealer
	now    func() time.Time
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string, sealer TokenSealer) (*SQLiteStore, error) {
	if sealer == nil {
		return nil, errors.New("token sealer is required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, sealer: sealer, now: time.Now}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS user_links (
		team_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		backend_user_id INTEGER NOT NULL DEFAULT 0,
		backend_email TEXT NOT NULL DEFAULT '',
		backend_name TEXT NOT NULL DEFAULT '',
		organization_id INTEGER,
		chat_token_sealed TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (team_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS link_states (
		state_id TEXT PRIMARY KEY,
		team_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		channel_id TEXT NOT NULL DEFAULT '',
		redirect_uri TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_link_states_expires ON link_states(expires_at);

	CREATE TABLE IF NOT EXISTS user_courses (
		team_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		courses_json TEXT NOT NULL,
		fetched_at INTEGER NOT NULL,
		PRIMARY KEY (team_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS user_prefs (
		team_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		default_course_id INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (team_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS chatbot_interactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		course_id INTEGER NOT NULL,
		team_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_interactions_user ON chatbot_interactions(team_id, user_id, created_at);

	CREATE TABLE IF NOT EXISTS chatbot_questions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		interaction_id INTEGER NOT NULL REFERENCES chatbot_interactions(id) ON DELETE CASCADE,
		question_text TEXT NOT NULL,
		response_text TEXT NOT NULL,
		external_ref_id TEXT NOT NULL DEFAULT '',
		suggested INTEGER NOT NULL DEFAULT 0,
		is_previous_question INTEGER NOT NULL DEFAULT 0,
		user_score INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_questions_interaction ON chatbot_questions(interaction_id);

	CREATE TABLE IF NOT EXISTS interaction_threads (
		team_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		thread_key TEXT NOT NULL,
		interaction_id INTEGER NOT NULL REFERENCES chatbot_interactions(id) ON DELETE CASCADE,
		PRIMARY KEY (team_id, user_id, thread_key)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// SaveLink creates or overwrites a link, sealing the chat token.
func (s *SQLiteStore) SaveLink(ctx context.Context, link *domain.UserLink) error {
	if link == nil || link.TeamID == "" || link.UserID == "" {
		return fmt.Errorf("save link: %w", domain.ErrInvalidInput)
	}
	sealed, err := s.sealer.Seal(link.ChatToken)
	if err != nil {
		return fmt.Errorf("seal chat token: %w", err)
	}

	query := `
	INSERT INTO user_links (team_id, user_id, backend_user_id, backend_email, backend_name,
	                        organization_id, chat_token_sealed, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(team_id, user_id) DO UPDATE SET
		backend_user_id = excluded.backend_user_id,
		backend_email = excluded.backend_email,
		backend_name = excluded.backend_name,
		organization_id = excluded.organization_id,
		chat_token_sealed = excluded.chat_token_sealed,
		updated_at = excluded.updated_at`

	var orgID interface{}
	if link.OrganizationID != nil {
		orgID = *link.OrganizationID
	}
	now := s.now().Unix()

	return withBusyRetry(ctx, "save_link", func() error {
		_, err := s.db.ExecContext(ctx, query,
			link.TeamID, link.UserID, link.BackendUserID, link.BackendEmail, link.BackendName,
			orgID, sealed, now, now,
		)
		if err != nil {
			return fmt.Errorf("upsert link: %w", err)
		}
		return nil
	})
}

// SaveLinkToken stores a token without touching identity fields.
func (s *SQLiteStore) SaveLinkToken(ctx context.Context, teamID, userID, token string) error {
	if teamID == "" || userID == "" || token == "" {
		return fmt.Errorf("save link token: %w", domain.ErrInvalidInput)
	}
	sealed, err := s.sealer.Seal(token)
	if err != nil {
		return fmt.Errorf("seal chat token: %w", err)
	}

	query := `
	INSERT INTO user_links (team_id, user_id, chat_token_sealed, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(team_id, user_id) DO UPDATE SET
		chat_token_sealed = excluded.chat_token_sealed,
		updated_at = excluded.updated_at`
	now := s.now().Unix()

	return withBusyRetry(ctx, "save_link_token", func() error {
		if _, err := s.db.ExecContext(ctx, query, teamID, userID, sealed, now, now); err != nil {
			return fmt.Errorf("upsert link token: %w", err)
		}
		return nil
	})
}

// GetLink retrieves a link and opens its token.
func (s *SQLiteStore) GetLink(ctx context.Context, teamID, userID string) (*domain.UserLink, error) {
	query := `
		SELECT team_id, user_id, backend_user_id, backend_email, backend_name,
		       organization_id, chat_token_sealed, created_at, updated_at
		FROM user_links WHERE team_id = ? AND user_id = ?`

	var link domain.UserLink
	var orgID sql.NullInt64
	var sealed string
	var createdAt, updatedAt int64

	err := s.db.QueryRowContext(ctx, query, teamID, userID).Scan(
		&link.TeamID, &link.UserID, &link.BackendUserID, &link.BackendEmail, &link.BackendName,
		&orgID, &sealed, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan link row: %w", err)
	}

	token, err := s.sealer.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("open chat token for %s/%s: %w", teamID, userID, err)
	}
	link.ChatToken = token
	if orgID.Valid {
		v := orgID.Int64
		link.OrganizationID = &v
	}
	link.CreatedAt = time.Unix(createdAt, 0)
	link.UpdatedAt = time.Unix(updatedAt, 0)
	return &link, nil
}

// DeleteLink removes the link and cached courses. Preferences are kept.
func (s *SQLiteStore) DeleteLink(ctx context.Context, teamID, userID string) error {
	return withBusyRetry(ctx, "delete_link", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin delete link: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM user_links WHERE team_id = ? AND user_id = ?`, teamID, userID); err != nil {
			return fmt.Errorf("delete link: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM user_courses WHERE team_id = ? AND user_id = ?`, teamID, userID); err != nil {
			return fmt.Errorf("delete course cache: %w", err)
		}
		return tx.Commit()
	})
}

// CreateLinkState stores a new link state. Timestamps are kept in milliseconds.
func (s *SQLiteStore) CreateLinkState(ctx context.Context, state *domain.LinkState) error {
	if state == nil || state.StateID == "" {
		return fmt.Errorf("create link state: %w", domain.ErrInvalidInput)
	}
	query := `
	INSERT INTO link_states (state_id, team_id, user_id, channel_id, redirect_uri, created_at, expires_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	return withBusyRetry(ctx, "create_link_state", func() error {
		_, err := s.db.ExecContext(ctx, query,
			state.StateID, state.TeamID, state.UserID, state.ChannelID, state.RedirectURI,
			state.CreatedAt.UnixMilli(), state.ExpiresAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert link state: %w", err)
		}
		return nil
	})
}

// ConsumeLinkState deletes the state in a single statement so concurrent
// callers cannot both observe it.
func (s *SQLiteStore) ConsumeLinkState(ctx context.Context, stateID string, now time.Time) (*domain.LinkState, error) {
	query := `
		DELETE FROM link_states WHERE state_id = ?
		RETURNING state_id, team_id, user_id, channel_id, redirect_uri, created_at, expires_at`

	var state domain.LinkState
	var createdAt, expiresAt int64
	err := withBusyRetry(ctx, "consume_link_state", func() error {
		return s.db.QueryRowContext(ctx, query, stateID).Scan(
			&state.StateID, &state.TeamID, &state.UserID, &state.ChannelID, &state.RedirectURI,
			&createdAt, &expiresAt,
		)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consume link state: %w", err)
	}

	state.CreatedAt = time.UnixMilli(createdAt)
	state.ExpiresAt = time.UnixMilli(expiresAt)
	if state.Expired(now) {
		return nil, domain.ErrStateNotFound
	}
	return &state, nil
}

// DeleteExpiredLinkStates removes states that expired before now.
func (s *SQLiteStore) DeleteExpiredLinkStates(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := withBusyRetry(ctx, "delete_expired_link_states", func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM link_states WHERE expires_at < ?`, now.UnixMilli())
		if err != nil {
			return fmt.Errorf("delete expired link states: %w", err)
		}
		n, err = result.RowsAffected()
		return err
	})
	return n, err
}

// SaveUserCourses replaces the cached course list.
func (s *SQLiteStore) SaveUserCourses(ctx context.Context, courses *domain.UserCourses) error {
	if courses == nil || courses.TeamID == "" || courses.UserID == "" {
		return fmt.Errorf("save courses: %w", domain.ErrInvalidInput)
	}
	list := courses.Courses
	if list == nil {
		list = []domain.Course{}
	}
	payload, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("marshal courses: %w", err)
	}
	fetchedAt := courses.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = s.now()
	}

	query := `
	INSERT INTO user_courses (team_id, user_id, courses_json, fetched_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(team_id, user_id) DO UPDATE SET
		courses_json = excluded.courses_json,
		fetched_at = excluded.fetched_at`

	return withBusyRetry(ctx, "save_user_courses", func() error {
		if _, err := s.db.ExecContext(ctx, query, courses.TeamID, courses.UserID, string(payload), fetchedAt.Unix()); err != nil {
			return fmt.Errorf("upsert courses: %w", err)
		}
		return nil
	})
}

// GetUserCourses returns the cached course list.
func (s *SQLiteStore) GetUserCourses(ctx context.Context, teamID, userID string) (*domain.UserCourses, error) {
	var payload string
	var fetchedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT courses_json, fetched_at FROM user_courses WHERE team_id = ? AND user_id = ?`,
		teamID, userID,
	).Scan(&payload, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan courses row: %w", err)
	}

	uc := &domain.UserCourses{TeamID: teamID, UserID: userID, FetchedAt: time.Unix(fetchedAt, 0)}
	if err := json.Unmarshal([]byte(payload), &uc.Courses); err != nil {
		return nil, fmt.Errorf("decode courses_json: %w", err)
	}
	return uc, nil
}

// SetDefaultCourse records the user's default course.
func (s *SQLiteStore) SetDefaultCourse(ctx context.Context, teamID, userID string, courseID int64) error {
	query := `
	INSERT INTO user_prefs (team_id, user_id, default_course_id, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(team_id, user_id) DO UPDATE SET
		default_course_id = excluded.default_course_id,
		updated_at = excluded.updated_at`
	now := s.now().Unix()

	return withBusyRetry(ctx, "set_default_course", func() error {
		if _, err := s.db.ExecContext(ctx, query, teamID, userID, courseID, now, now); err != nil {
			return fmt.Errorf("upsert prefs: %w", err)
		}
		return nil
	})
}

// GetDefaultCourse returns the default course ID, or 0 when unset.
func (s *SQLiteStore) GetDefaultCourse(ctx context.Context, teamID, userID string) (int64, error) {
	var id sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT default_course_id FROM user_prefs WHERE team_id = ? AND user_id = ?`,
		teamID, userID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("scan prefs row: %w", err)
	}
	return id.Int64, nil
}

// RecordQuestion appends a question to the interaction log.
func (s *SQLiteStore) RecordQuestion(ctx context.Context, rec *domain.QuestionRecord) (int64, int64, error) {
	if rec == nil || rec.TeamID == "" || rec.UserID == "" {
		return 0, 0, fmt.Errorf("record question: %w", domain.ErrInvalidInput)
	}
	now := s.now().Unix()
	var interactionID, questionID int64

	err := withBusyRetry(ctx, "record_question", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin record question: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		interactionID = rec.InteractionID
		if interactionID == 0 && rec.ThreadKey != "" {
			err := tx.QueryRowContext(ctx,
				`SELECT interaction_id FROM interaction_threads WHERE team_id = ? AND user_id = ? AND thread_key = ?`,
				rec.TeamID, rec.UserID, rec.ThreadKey,
			).Scan(&interactionID)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("lookup thread interaction: %w", err)
			}
		}
		if interactionID == 0 {
			res, err := tx.ExecContext(ctx,
				`INSERT INTO chatbot_interactions (course_id, team_id, user_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
				rec.CourseID, rec.TeamID, rec.UserID, now, now,
			)
			if err != nil {
				return fmt.Errorf("insert interaction: %w", err)
			}
			if interactionID, err = res.LastInsertId(); err != nil {
				return fmt.Errorf("interaction id: %w", err)
			}
			if rec.ThreadKey != "" {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO interaction_threads (team_id, user_id, thread_key, interaction_id) VALUES (?, ?, ?, ?)`,
					rec.TeamID, rec.UserID, rec.ThreadKey, interactionID,
				); err != nil {
					return fmt.Errorf("bind thread interaction: %w", err)
				}
			}
		} else {
			res, err := tx.ExecContext(ctx,
				`UPDATE chatbot_interactions SET updated_at = ? WHERE id = ? AND team_id = ? AND user_id = ?`,
				now, interactionID, rec.TeamID, rec.UserID,
			)
			if err != nil {
				return fmt.Errorf("touch interaction: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("interaction %d: %w", interactionID, domain.ErrNotFound)
			}
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO chatbot_questions (interaction_id, question_text, response_text, external_ref_id,
			                               suggested, is_previous_question, created_at)
			VALUES (?, ?, ?, ?, 0, ?, ?)`,
			interactionID, rec.QuestionText, rec.ResponseText, rec.ExternalRefID, rec.IsPreviousQuestion, now,
		)
		if err != nil {
			return fmt.Errorf("insert question: %w", err)
		}
		if questionID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("question id: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, 0, err
	}
	return interactionID, questionID, nil
}

// ListInteractions returns the newest interactions, each with its questions in order.
func (s *SQLiteStore) ListInteractions(ctx context.Context, teamID, userID string, limit int) ([]domain.Interaction, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chatbot_interactions WHERE team_id = ? AND user_id = ?`,
		teamID, userID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count interactions: %w", err)
	}
	if total == 0 || limit <= 0 {
		return nil, total, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, course_id, created_at FROM chatbot_interactions
		WHERE team_id = ? AND user_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`,
		teamID, userID, limit,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("query interactions: %w", err)
	}
	var out []domain.Interaction
	for rows.Next() {
		it := domain.Interaction{TeamID: teamID, UserID: userID}
		var createdAt int64
		if err := rows.Scan(&it.ID, &it.CourseID, &createdAt); err != nil {
			_ = rows.Close()
			return nil, 0, fmt.Errorf("scan interaction row: %w", err)
		}
		it.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, 0, fmt.Errorf("iterate interactions: %w", err)
	}
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close interaction rows", "error", err)
	}

	for i := range out {
		qs, err := s.listQuestions(ctx, out[i].ID)
		if err != nil {
			return nil, 0, err
		}
		out[i].Questions = qs
	}
	return out, total, nil
}

func (s *SQLiteStore) listQuestions(ctx context.Context, interactionID int64) ([]domain.Question, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, question_text, response_text, external_ref_id, suggested,
		       is_previous_question, user_score, created_at
		FROM chatbot_questions WHERE interaction_id = ? ORDER BY id`,
		interactionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query questions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close question rows", "error", closeErr)
		}
	}()

	var qs []domain.Question
	for rows.Next() {
		q := domain.Question{InteractionID: interactionID}
		var score sql.NullInt64
		var createdAt int64
		if err := rows.Scan(&q.ID, &q.QuestionText, &q.ResponseText, &q.ExternalRefID,
			&q.Suggested, &q.IsPreviousQuestion, &score, &createdAt); err != nil {
			return nil, fmt.Errorf("scan question row: %w", err)
		}
		if score.Valid {
			v := int(score.Int64)
			q.UserScore = &v
		}
		q.CreatedAt = time.Unix(createdAt, 0)
		qs = append(qs, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate questions: %w", err)
	}
	return qs, nil
}

// UpdateQuestionScore sets the score on a question owned by the user.
func (s *SQLiteStore) UpdateQuestionScore(ctx context.Context, teamID, userID string, questionID int64, score int) error {
	query := `
		UPDATE chatbot_questions SET user_score = ?
		WHERE id = ? AND interaction_id IN (
			SELECT id FROM chatbot_interactions WHERE team_id = ? AND user_id = ?
		)`

	return withBusyRetry(ctx, "update_question_score", func() error {
		res, err := s.db.ExecContext(ctx, query, score, questionID, teamID, userID)
		if err != nil {
			return fmt.Errorf("update score: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("question %d: %w", questionID, domain.ErrNotFound)
		}
		return nil
	})
}

// MigrateLegacyLinks copies rows from the old links table into user_links.
// Tokens are opened with open, resealed, and stored with empty identity
// fields. Existing user_links rows win. The legacy table is dropped after a
// successful copy.
func (s *SQLiteStore) MigrateLegacyLinks(ctx context.Context, open func(sealed string) (string, error)) (int64, error) {
	var name string
	err := s.db.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'links'`,
	).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("probe legacy table: %w", err)
	}

	column, encrypted, err := s.legacyTokenColumn(ctx)
	if err != nil {
		return 0, err
	}

	type legacyRow struct{ teamID, userID, token string }
	rows, err := s.db.QueryContext(ctx, `SELECT team_id, user_id, `+column+` FROM links`)
	if err != nil {
		return 0, fmt.Errorf("query legacy links: %w", err)
	}
	var legacy []legacyRow
	for rows.Next() {
		var r legacyRow
		var raw sql.NullString
		if err := rows.Scan(&r.teamID, &r.userID, &raw); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("scan legacy link: %w", err)
		}
		if !raw.Valid || raw.String == "" {
			continue
		}
		r.token = raw.String
		legacy = append(legacy, r)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, fmt.Errorf("iterate legacy links: %w", err)
	}
	_ = rows.Close()

	now := s.now().Unix()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin legacy migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var migrated int64
	for _, r := range legacy {
		token := r.token
		if encrypted {
			if token, err = open(r.token); err != nil {
				slog.Warn("Skipping unreadable legacy link", "team_id", r.teamID, "user_id", r.userID, "error", err)
				continue
			}
		}
		sealed, err := s.sealer.Seal(token)
		if err != nil {
			return 0, fmt.Errorf("reseal legacy token: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO user_links (team_id, user_id, chat_token_sealed, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(team_id, user_id) DO NOTHING`,
			r.teamID, r.userID, sealed, now, now,
		)
		if err != nil {
			return 0, fmt.Errorf("insert migrated link: %w", err)
		}
		n, _ := res.RowsAffected()
		migrated += n
	}

	if _, err := tx.ExecContext(ctx, `DROP TABLE links`); err != nil {
		return 0, fmt.Errorf("drop legacy table: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit legacy migration: %w", err)
	}
	return migrated, nil
}

// legacyTokenColumn finds the token column of the old links table. Two
// layouts exist: an encrypted helpme_user_token_enc and a plain
// helpme_user_chat_token.
func (s *SQLiteStore) legacyTokenColumn(ctx context.Context) (string, bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM pragma_table_info('links')`)
	if err != nil {
		return "", false, fmt.Errorf("inspect legacy table: %w", err)
	}
	defer func() { _ = rows.Close() }()

	cols := map[string]bool{}
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return "", false, fmt.Errorf("scan legacy column: %w", err)
		}
		cols[col] = true
	}
	if err := rows.Err(); err != nil {
		return "", false, fmt.Errorf("iterate legacy columns: %w", err)
	}

	switch {
	case cols["helpme_user_token_enc"]:
		return "helpme_user_token_enc", true, nil
	case cols["helpme_user_chat_token"]:
		return "helpme_user_chat_token", false, nil
	default:
		return "", false, errors.New("legacy links table has no token column")
	}
}

var _ Repository = (*SQLiteStore)(nil)
