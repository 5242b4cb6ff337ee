package bot

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/slack-go/slack"

	"github.com/ashureev/helpme-slack/internal/domain"
	"github.com/ashureev/helpme-slack/internal/helpme"
)

// Block kit identifiers for answer feedback.
const (
	FeedbackBlockID    = "answer_feedback"
	ActionFeedbackUp   = "feedback_up"
	ActionFeedbackDown = "feedback_down"
)

// sectionLimit is Slack's cap on a section block's text.
const sectionLimit = 3000

// SplitText cuts s into pieces of at most limit bytes, preferring line
// breaks and never splitting a UTF-8 sequence.
func SplitText(s string, limit int) []string {
	if limit <= 0 || len(s) <= limit {
		return []string{s}
	}
	var parts []string
	for len(s) > limit {
		cut := strings.LastIndexByte(s[:limit], '\n')
		if cut <= 0 {
			cut = limit
			for cut > 0 && !utf8.RuneStart(s[cut]) {
				cut--
			}
			if cut == 0 {
				cut = limit
			}
		}
		parts = append(parts, s[:cut])
		s = strings.TrimPrefix(s[cut:], "\n")
	}
	if s != "" {
		parts = append(parts, s)
	}
	return parts
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}

func formatSources(docs []helpme.SourceDocument) string {
	if len(docs) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("\n\n*Sources:*")
	for i, d := range docs {
		fmt.Fprintf(&sb, "\n%d. %s", i+1, d.Name)
		if d.Page > 0 {
			fmt.Fprintf(&sb, " (p. %d)", d.Page)
		}
	}
	return sb.String()
}

func formatAnswer(question, courseName string, ans *helpme.Answer) string {
	return fmt.Sprintf("*Question:* %s\n*Course:* %s\n\n*Answer:*\n%s%s",
		question, courseName, ans.Text, formatSources(ans.SourceDocuments))
}

// answerReply renders an answer as sections plus feedback buttons when the
// question was logged.
func answerReply(text string, ans *helpme.Answer, questionID int64) Reply {
	var blocks []slack.Block
	for _, part := range SplitText(text, sectionLimit) {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, part, false, false), nil, nil))
	}
	if ans.IsPreviousQuestion {
		blocks = append(blocks, slack.NewContextBlock("",
			slack.NewTextBlockObject(slack.MarkdownType, "_Answered from a previously asked question._", false, false)))
	}
	if questionID > 0 {
		value := strconv.FormatInt(questionID, 10)
		blocks = append(blocks, slack.NewActionBlock(FeedbackBlockID,
			slack.NewButtonBlockElement(ActionFeedbackUp, value,
				slack.NewTextBlockObject(slack.PlainTextType, "👍 Helpful", true, false)),
			slack.NewButtonBlockElement(ActionFeedbackDown, value,
				slack.NewTextBlockObject(slack.PlainTextType, "👎 Not helpful", true, false)),
		))
	}
	return Reply{Text: text, Blocks: blocks}
}

func formatCourses(cached *domain.UserCourses, defaultID int64) string {
	var sb strings.Builder
	sb.WriteString("📚 *Your Enrolled Courses:*\n")
	for _, c := range cached.Courses {
		fmt.Fprintf(&sb, "\n• %s (ID: %d)", c.Name, c.ID)
		if c.ID == defaultID {
			sb.WriteString(" ⭐ default")
		}
	}
	fmt.Fprintf(&sb, "\n\n_Last updated: %s. Run `/link refresh` to reload._", cached.FetchedAt.UTC().Format("2006-01-02 15:04 MST"))
	return sb.String()
}

const historyLimit = 10

func formatHistory(interactions []domain.Interaction, total int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "📝 *Your Recent Chatbot History* (showing last %d interactions):\n", len(interactions))
	for _, in := range interactions {
		fmt.Fprintf(&sb, "\n*%s* (Course ID: %d)", in.CreatedAt.UTC().Format("2006-01-02 at 15:04 MST"), in.CourseID)
		for _, q := range in.Questions {
			fmt.Fprintf(&sb, "\n• *Q:* %s", truncate(q.QuestionText, 100))
			if q.ResponseText != "" {
				fmt.Fprintf(&sb, "\n   *A:* %s", truncate(q.ResponseText, 150))
			}
		}
		sb.WriteString("\n")
	}
	if more := total - len(interactions); more > 0 {
		fmt.Fprintf(&sb, "\n_... and %d more interactions. Use `/ask` to continue chatting!_", more)
	}
	return sb.String()
}

func formatSettings(course domain.Course, s *helpme.Settings) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "⚙️ *Chatbot Settings for %s* (ID: %d)\n\n", course.Name, course.ID)
	fmt.Fprintf(&sb, "*Model:* %s\n", orDefault(s.Model))
	fmt.Fprintf(&sb, "*Temperature:* %s\n", floatOrDefault(s.Temperature))
	fmt.Fprintf(&sb, "*Top K:* %s\n", intOrDefault(s.TopK))
	fmt.Fprintf(&sb, "*Similarity Threshold:* %s\n", floatOrDefault(s.SimilarityThreshold))
	if s.MaxTokens != nil {
		fmt.Fprintf(&sb, "*Max Tokens:* %d\n", *s.MaxTokens)
	}
	if s.TopP != nil {
		fmt.Fprintf(&sb, "*Top P:* %s\n", strconv.FormatFloat(*s.TopP, 'f', -1, 64))
	}
	if s.Prompt != "" {
		fmt.Fprintf(&sb, "\n*Prompt:* %s\n", truncate(s.Prompt, 200))
	}
	sb.WriteString("\n_Change settings with `/chatbot-settings <course> set key=value`, or restore defaults with `/chatbot-settings <course> reset`._")
	return sb.String()
}

func formatModels(models []helpme.Model) string {
	var sb strings.Builder
	sb.WriteString("🤖 *Available AI Models*\n")
	if len(models) == 0 {
		sb.WriteString("\n_No models available._")
	}
	for _, m := range models {
		if m.Description != "" && m.Description != m.ID {
			fmt.Fprintf(&sb, "\n• *%s:* %s", m.ID, m.Description)
		} else {
			fmt.Fprintf(&sb, "\n• *%s*", m.ID)
		}
	}
	sb.WriteString("\n\n_To change the model for a course, use the HelpMe web interface or contact your course administrator._")
	return sb.String()
}

func orDefault(s string) string {
	if s == "" {
		return "Default"
	}
	return s
}

func floatOrDefault(f *float64) string {
	if f == nil {
		return "Default"
	}
	return strconv.FormatFloat(*f, 'f', -1, 64)
}

func intOrDefault(i *int) string {
	if i == nil {
		return "Default"
	}
	return strconv.Itoa(*i)
}
