package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/ashureev/helpme-slack/internal/domain"
	"github.com/ashureev/helpme-slack/internal/helpme"
)

const (
	courseFlag = "--course="
	threadFlag = "--thread="

	// threadHistoryLimit caps the prior turns sent with a threaded question.
	threadHistoryLimit = 10
)

// splitFlag removes "--name=value" from text and returns the rest and value.
// A quoted value ends at the closing quote. Otherwise a greedy flag takes the
// remainder of the text and a non-greedy one stops at whitespace.
func splitFlag(text, flag string, greedy bool) (string, string) {
	i := strings.Index(text, flag)
	if i < 0 {
		return strings.TrimSpace(text), ""
	}
	before, after := text[:i], text[i+len(flag):]

	var value, rest string
	switch {
	case strings.HasPrefix(after, `"`):
		if end := strings.Index(after[1:], `"`); end >= 0 {
			value, rest = after[1:end+1], after[end+2:]
		} else {
			value = after[1:]
		}
	case greedy:
		value = after
	default:
		if end := strings.IndexAny(after, " \t\n"); end >= 0 {
			value, rest = after[:end], after[end:]
		} else {
			value = after
		}
	}
	question := strings.TrimSpace(strings.TrimSpace(before) + " " + strings.TrimSpace(rest))
	return question, strings.TrimSpace(value)
}

func (b *Bot) ask(ctx context.Context, cmd Command) error {
	question, courseIdent := splitFlag(cmd.Text, courseFlag, true)
	if question == "" {
		return noticef(resultInvalidInput,
			"Please provide a question. Usage: `/ask your question` or `/ask your question --course=COURSE_ID`")
	}

	acct, err := b.account(ctx, cmd.TeamID, cmd.UserID)
	if err != nil {
		return err
	}
	course, err := b.pickCourse(ctx, cmd.TeamID, cmd.UserID, courseIdent)
	if err != nil {
		return err
	}

	b.respond(ctx, cmd.Route(), fmt.Sprintf("🤔 Asking about *%s*...", course.Name))

	ans, err := b.gateway.Ask(ctx, acct.token, course.ID, helpme.AskRequest{Question: question})
	if err != nil {
		return err
	}
	qid := b.recordAnswer(ctx, cmd.TeamID, cmd.UserID, "", course.ID, question, ans)
	b.reply(ctx, cmd.Route(), answerReply(formatAnswer(question, course.Name, ans), ans, qid))
	return nil
}

// thread handles /chatbot-thread. With --thread=TS the thread's earlier
// messages are sent as history; without it a new thread is started.
func (b *Bot) thread(ctx context.Context, cmd Command) error {
	question, threadTS := splitFlag(cmd.Text, threadFlag, false)
	if question == "" {
		return noticef(resultInvalidInput,
			"Please provide a question. Usage: `/chatbot-thread your question` or `/chatbot-thread your question --thread=THREAD_TS`")
	}

	acct, err := b.account(ctx, cmd.TeamID, cmd.UserID)
	if err != nil {
		return err
	}
	course, err := b.pickCourse(ctx, cmd.TeamID, cmd.UserID, "")
	if err != nil {
		return err
	}

	var history []domain.HistoryMessage
	if threadTS == "" {
		ts, err := b.messenger.Post(ctx, cmd.ChannelID, "", Reply{
			Text: fmt.Sprintf("<@%s> asked about *%s*: %s", cmd.UserID, course.Name, question),
		})
		if err != nil {
			slog.Warn("Failed to start thread", "channel_id", cmd.ChannelID, "error", err)
			return noticef("post_failed",
				"I couldn't post in this channel. Invite me to the channel, or use `/ask` for a private answer.")
		}
		threadTS = ts
	} else {
		msgs, err := b.messenger.ThreadReplies(ctx, cmd.ChannelID, threadTS)
		if err != nil {
			slog.Warn("Failed to read thread history", "channel_id", cmd.ChannelID, "thread_ts", threadTS, "error", err)
		}
		history = threadHistory(msgs)
	}

	slog.Info("Asking threaded question",
		"team_id", cmd.TeamID,
		"user_id", cmd.UserID,
		"thread_ts", threadTS,
		"history", len(history))

	ans, err := b.gateway.Ask(ctx, acct.token, course.ID, helpme.AskRequest{Question: question, History: history})
	if err != nil {
		return err
	}
	// Follow-ups in the same thread extend one interaction.
	qid := b.recordAnswer(ctx, cmd.TeamID, cmd.UserID, cmd.ChannelID+":"+threadTS, course.ID, question, ans)

	text := "🤖 *AI Response:*\n\n" + ans.Text + formatSources(ans.SourceDocuments)
	reply := answerReply(text, ans, qid)
	if _, err := b.messenger.Post(ctx, cmd.ChannelID, threadTS, reply); err != nil {
		slog.Warn("Failed to post in thread, replying privately", "channel_id", cmd.ChannelID, "error", err)
		b.reply(ctx, cmd.Route(), reply)
	}
	return nil
}

// threadHistory keeps the last human turns of a thread, skipping bot posts
// and the command invocations themselves.
func threadHistory(msgs []ThreadMessage) []domain.HistoryMessage {
	var out []domain.HistoryMessage
	for _, m := range msgs {
		if m.BotID != "" || strings.HasPrefix(m.Text, "/chatbot-thread") {
			continue
		}
		role := "assistant"
		if m.UserID != "" {
			role = "user"
		}
		out = append(out, domain.HistoryMessage{Role: role, Content: m.Text, Timestamp: m.Timestamp})
	}
	if len(out) > threadHistoryLimit {
		out = out[len(out)-threadHistoryLimit:]
	}
	return out
}

// Feedback is a 👍/👎 click on an answer.
type Feedback struct {
	TeamID      string
	UserID      string
	ChannelID   string
	ResponseURL string
	QuestionID  int64
	Helpful     bool
}

// HandleFeedback stores the user's score on a logged question.
func (b *Bot) HandleFeedback(ctx context.Context, fb Feedback) {
	to := Route{ChannelID: fb.ChannelID, UserID: fb.UserID, ResponseURL: fb.ResponseURL}
	score := -1
	if fb.Helpful {
		score = 1
	}
	err := b.store.UpdateQuestionScore(ctx, fb.TeamID, fb.UserID, fb.QuestionID, score)
	switch {
	case err == nil:
		b.respond(ctx, to, "🙏 Thanks for the feedback!")
		b.record("feedback", "ok")
	case errors.Is(err, domain.ErrNotFound):
		b.respond(ctx, to, "That answer is no longer available for feedback. Ask again with `/ask` to rate a new one.")
		b.record("feedback", "not_found")
	default:
		b.record("feedback", b.fail(ctx, to, "feedback", fb.TeamID, fb.UserID, err))
	}
}

func (b *Bot) history(ctx context.Context, cmd Command) error {
	if _, err := b.account(ctx, cmd.TeamID, cmd.UserID); err != nil {
		return err
	}
	interactions, total, err := b.store.ListInteractions(ctx, cmd.TeamID, cmd.UserID, historyLimit)
	if err != nil {
		return fmt.Errorf("list interactions: %w", err)
	}
	if len(interactions) == 0 {
		b.respond(ctx, cmd.Route(), "📝 No chatbot history found. Try asking a question with `/ask` to get started!")
		return nil
	}
	b.respond(ctx, cmd.Route(), formatHistory(interactions, total))
	return nil
}

// settings handles /chatbot-settings [course] [reset | set key=value ...].
func (b *Bot) settings(ctx context.Context, cmd Command) error {
	fields := strings.Fields(cmd.Text)
	reset := len(fields) > 0 && strings.EqualFold(fields[len(fields)-1], "reset")
	if reset {
		fields = fields[:len(fields)-1]
	}
	var assignments []string
	for i, f := range fields {
		if strings.EqualFold(f, "set") {
			assignments = fields[i+1:]
			fields = fields[:i]
			break
		}
	}
	var patch helpme.SettingsPatch
	if assignments != nil {
		var err error
		if patch, err = parseSettingsPatch(assignments); err != nil {
			return err
		}
	}
	ident := unquote(strings.Join(fields, " "))

	acct, err := b.account(ctx, cmd.TeamID, cmd.UserID)
	if err != nil {
		return err
	}
	course, err := b.pickCourse(ctx, cmd.TeamID, cmd.UserID, ident)
	if err != nil {
		return err
	}

	switch {
	case reset:
		s, err := b.gateway.ResetCourseSettings(ctx, acct.token, course.ID)
		if err != nil {
			return err
		}
		slog.Info("Course settings reset", "team_id", cmd.TeamID, "user_id", cmd.UserID, "course_id", course.ID)
		b.respond(ctx, cmd.Route(), "♻️ Settings were reset to the defaults.\n\n"+formatSettings(course, s))
	case assignments != nil:
		s, err := b.gateway.UpdateCourseSettings(ctx, acct.token, course.ID, patch)
		if err != nil {
			return err
		}
		slog.Info("Course settings updated", "team_id", cmd.TeamID, "user_id", cmd.UserID, "course_id", course.ID)
		b.respond(ctx, cmd.Route(), "✅ Settings updated.\n\n"+formatSettings(course, s))
	default:
		s, err := b.gateway.CourseSettings(ctx, acct.token, course.ID)
		if err != nil {
			return err
		}
		b.respond(ctx, cmd.Route(), formatSettings(course, s))
	}
	return nil
}

const settingsUsage = "Usage: `/chatbot-settings [course] set model=NAME temperature=0.7 top_k=5 threshold=0.6`"

func parseSettingsPatch(assignments []string) (helpme.SettingsPatch, error) {
	var patch helpme.SettingsPatch
	for _, a := range assignments {
		key, value, ok := strings.Cut(a, "=")
		if !ok || value == "" {
			return patch, noticef(resultInvalidInput, "Could not read %q. %s", a, settingsUsage)
		}
		switch strings.ToLower(key) {
		case "model":
			patch.ModelName = &value
		case "temperature":
			f, err := strconv.ParseFloat(value, 64)
			if err != nil || f < 0 || f > 2 {
				return patch, noticef(resultInvalidInput, "Temperature must be a number between 0 and 2.")
			}
			patch.Temperature = &f
		case "top_k", "topk":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return patch, noticef(resultInvalidInput, "Top K must be a positive whole number.")
			}
			patch.TopK = &n
		case "threshold", "similarity_threshold":
			f, err := strconv.ParseFloat(value, 64)
			if err != nil || f < 0 || f > 1 {
				return patch, noticef(resultInvalidInput, "Similarity threshold must be between 0 and 1.")
			}
			patch.SimilarityThresholdDocuments = &f
		default:
			return patch, noticef(resultInvalidInput, "Unknown setting %q. %s", key, settingsUsage)
		}
	}
	if patch.Empty() {
		return patch, noticef(resultInvalidInput, "Nothing to change. %s", settingsUsage)
	}
	return patch, nil
}

func (b *Bot) models(ctx context.Context, cmd Command) error {
	acct, err := b.account(ctx, cmd.TeamID, cmd.UserID)
	if err != nil {
		return err
	}
	models, err := b.gateway.Models(ctx, acct.token)
	if err != nil {
		return err
	}
	b.respond(ctx, cmd.Route(), formatModels(models))
	return nil
}
