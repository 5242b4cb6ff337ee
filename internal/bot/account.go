package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/helpme-slack/internal/courses"
	"github.com/ashureev/helpme-slack/internal/domain"
	"github.com/ashureev/helpme-slack/internal/linking"
)

const (
	linkUsage      = "Usage: `/link`, `/link refresh` or `/link token YOUR_CHAT_TOKEN`"
	minPastedToken = 12
)

// link handles /link, /link refresh and /link token <token>.
func (b *Bot) link(ctx context.Context, cmd Command) error {
	fields := strings.Fields(cmd.Text)
	refresh := len(fields) == 1 && strings.EqualFold(fields[0], "refresh")

	switch {
	case len(fields) == 0 || refresh:
	case strings.EqualFold(fields[0], "token"):
		if len(fields) != 2 || !validPastedToken(fields[1]) {
			return noticef(resultInvalidInput, "❌ That does not look like a HelpMe chat token. %s", linkUsage)
		}
		if err := b.linker.InjectToken(ctx, cmd.TeamID, cmd.UserID, fields[1]); err != nil {
			return fmt.Errorf("store pasted token: %w", err)
		}
		b.respond(ctx, cmd.Route(), "✅ Saved your HelpMe chat token. You can use `/ask` now.")
		return nil
	default:
		return noticef(resultInvalidInput, "❓ Unknown option `%s`. %s", fields[0], linkUsage)
	}

	if !refresh {
		existing, err := b.store.GetLink(ctx, cmd.TeamID, cmd.UserID)
		if err != nil {
			return fmt.Errorf("load link: %w", err)
		}
		if existing.HasToken() {
			b.respond(ctx, cmd.Route(), fmt.Sprintf(
				"✅ You are already linked to HelpMe as *%s*. You can use `/ask` to ask questions, or `/link refresh` to link again.",
				existing.DisplayName()))
			return nil
		}
	}

	issued, err := b.linker.Issue(ctx, linking.IssueRequest{
		TeamID:    cmd.TeamID,
		UserID:    cmd.UserID,
		ChannelID: cmd.ChannelID,
	})
	if err != nil {
		return fmt.Errorf("issue link: %w", err)
	}

	minutes := int(issued.ExpiresAt.Sub(b.now()).Round(time.Minute).Minutes())
	if minutes < 1 {
		minutes = 1
	}
	b.respond(ctx, cmd.Route(), fmt.Sprintf(
		"🔗 To link your Slack account with HelpMe, open this link within %d minutes:\n\n<%s|Link my HelpMe account>\n\n"+
			"You will log in to HelpMe and authorize the connection. The link works once.",
		minutes, issued.URL))
	return nil
}

func (b *Bot) unlink(ctx context.Context, cmd Command) error {
	existing, err := b.store.GetLink(ctx, cmd.TeamID, cmd.UserID)
	if err != nil {
		return fmt.Errorf("load link: %w", err)
	}
	if existing == nil {
		return noticef(resultNotLinked, "❌ Your account is not linked to HelpMe. Run `/link` if you want to connect it.")
	}
	if err := b.linker.Unlink(ctx, cmd.TeamID, cmd.UserID); err != nil {
		return err
	}
	b.respond(ctx, cmd.Route(), "✅ Your Slack account has been unlinked from HelpMe. Run `/link` to link again.")
	return nil
}

func (b *Bot) courses(ctx context.Context, cmd Command) error {
	existing, err := b.store.GetLink(ctx, cmd.TeamID, cmd.UserID)
	if err != nil {
		return fmt.Errorf("load link: %w", err)
	}
	if existing == nil {
		return domain.ErrNotLinked
	}
	cached, err := b.store.GetUserCourses(ctx, cmd.TeamID, cmd.UserID)
	if err != nil {
		return fmt.Errorf("load courses: %w", err)
	}
	if cached == nil {
		return noticef(resultNoCourse, "📚 No courses found for your account. Run `/link refresh` to reload your enrollment.")
	}
	if len(cached.Courses) == 0 {
		return noticef(resultNoCourse, "📚 You are not enrolled in any courses yet. Run `/link refresh` after you enroll.")
	}
	defaultID, err := b.store.GetDefaultCourse(ctx, cmd.TeamID, cmd.UserID)
	if err != nil {
		return fmt.Errorf("load default course: %w", err)
	}
	b.respond(ctx, cmd.Route(), formatCourses(cached, defaultID))
	return nil
}

func (b *Bot) defaultCourse(ctx context.Context, cmd Command) error {
	ident := unquote(strings.TrimSpace(cmd.Text))
	if ident == "" {
		return noticef(resultInvalidInput,
			"Please provide a course. Usage: `/default-course COURSE_ID` or `/default-course \"Course Name\"`")
	}
	cached, err := b.store.GetUserCourses(ctx, cmd.TeamID, cmd.UserID)
	if err != nil {
		return fmt.Errorf("load courses: %w", err)
	}
	if cached == nil {
		return noticef(resultNoCourse, "No courses found. Please run `/link` to connect your account first.")
	}
	course, ok := courses.Resolve(ident, cached.Courses)
	if !ok {
		return courseNotFound(ident, cached)
	}
	if err := b.store.SetDefaultCourse(ctx, cmd.TeamID, cmd.UserID, course.ID); err != nil {
		return fmt.Errorf("set default course: %w", err)
	}
	b.respond(ctx, cmd.Route(), fmt.Sprintf("✅ Default course set to *%s*.", course.Name))
	return nil
}

func (b *Bot) aboutMe(ctx context.Context, cmd Command) error {
	existing, err := b.store.GetLink(ctx, cmd.TeamID, cmd.UserID)
	if err != nil {
		return fmt.Errorf("load link: %w", err)
	}
	if existing == nil {
		return noticef(resultNotLinked, "Not linked yet. Run `/link` to connect your account.")
	}
	cached, err := b.store.GetUserCourses(ctx, cmd.TeamID, cmd.UserID)
	if err != nil {
		return fmt.Errorf("load courses: %w", err)
	}
	defaultID, err := b.store.GetDefaultCourse(ctx, cmd.TeamID, cmd.UserID)
	if err != nil {
		return fmt.Errorf("load default course: %w", err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "*Name:* %s\n*Email:* %s\n*Courses:*", orDefault(existing.BackendName), orDefault(existing.BackendEmail))
	if cached == nil || len(cached.Courses) == 0 {
		sb.WriteString("\nNo courses available.")
	} else {
		for _, c := range cached.Courses {
			fmt.Fprintf(&sb, "\n- %s", c.Name)
		}
	}
	if c, ok := cached.Find(defaultID); ok {
		fmt.Fprintf(&sb, "\n*Default course:* %s", c.Name)
	}
	if !existing.HasToken() {
		sb.WriteString("\n\n⚠️ No chat token is stored. Run `/link refresh` before asking questions.")
	}
	b.respond(ctx, cmd.Route(), sb.String())
	return nil
}

// pickCourse resolves ident against the cached courses, or falls back to the
// user's default course and then the deployment default.
func (b *Bot) pickCourse(ctx context.Context, teamID, userID, ident string) (domain.Course, error) {
	cached, err := b.store.GetUserCourses(ctx, teamID, userID)
	if err != nil {
		return domain.Course{}, fmt.Errorf("load courses: %w", err)
	}

	if ident != "" {
		var list []domain.Course
		if cached != nil {
			list = cached.Courses
		}
		if c, ok := courses.Resolve(ident, list); ok {
			return c, nil
		}
		if len(list) == 0 {
			if id, err := strconv.ParseInt(ident, 10, 64); err == nil && id > 0 && !b.opts.LinkingRequired {
				return domain.Course{ID: id, Name: fmt.Sprintf("Course %d", id)}, nil
			}
			return domain.Course{}, noticef(resultNoCourse,
				"No courses are cached for your account. Run `/link refresh` to reload them.")
		}
		return domain.Course{}, courseNotFound(ident, cached)
	}

	id, err := b.store.GetDefaultCourse(ctx, teamID, userID)
	if err != nil {
		return domain.Course{}, fmt.Errorf("load default course: %w", err)
	}
	if id == 0 {
		id = b.opts.DefaultCourseID
	}
	if id == 0 {
		return domain.Course{}, noticef(resultNoCourse,
			"No default course set. Use `--course=COURSE_ID` or set one with `/default-course`.")
	}
	if c, ok := cached.Find(id); ok {
		return c, nil
	}
	return domain.Course{ID: id, Name: fmt.Sprintf("Course %d", id)}, nil
}

func courseNotFound(ident string, cached *domain.UserCourses) error {
	return noticef(resultNoCourse, "Course %q not found. Available courses: %s",
		ident, strings.Join(cached.Names(), ", "))
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return strings.TrimSpace(s[1 : len(s)-1])
		}
	}
	// Slack clients turn straight quotes into curly ones.
	return strings.TrimSpace(strings.Trim(s, "“”‘’"))
}

// validPastedToken rejects values that cannot be a chat token.
func validPastedToken(tok string) bool {
	if len(tok) < minPastedToken {
		return false
	}
	for _, r := range tok {
		if r <= ' ' || r > '~' {
			return false
		}
	}
	return true
}
