package bot

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"github.com/ashureev/helpme-slack/internal/domain"
	"github.com/ashureev/helpme-slack/internal/helpme"
)

func TestSplitText(t *testing.T) {
	require.Equal(t, []string{"short"}, SplitText("short", 10))

	parts := SplitText("line one\nline two\nline three", 12)
	require.Equal(t, []string{"line one", "line two", "line three"}, parts)

	long := strings.Repeat("é", 10) // 20 bytes
	parts = SplitText(long, 5)
	for _, p := range parts {
		require.True(t, utf8.ValidString(p), "part %q", p)
		require.LessOrEqual(t, len(p), 5)
	}
	require.Equal(t, long, strings.Join(parts, ""))
}

func TestSplitFlag(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		flag     string
		greedy   bool
		question string
		value    string
	}{
		{"absent", "what is SQL?", courseFlag, true, "what is SQL?", ""},
		{"greedy rest", "what is SQL? --course=COSC 304", courseFlag, true, "what is SQL?", "COSC 304"},
		{"quoted", `--course="COSC 304" what is SQL?`, courseFlag, true, "what is SQL?", "COSC 304"},
		{"word", "why? --thread=123.456 more", threadFlag, false, "why? more", "123.456"},
		{"word at end", "why? --thread=123.456", threadFlag, false, "why?", "123.456"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, v := splitFlag(tt.text, tt.flag, tt.greedy)
			require.Equal(t, tt.question, q)
			require.Equal(t, tt.value, v)
		})
	}
}

func TestThreadHistoryKeepsLastTurns(t *testing.T) {
	var msgs []ThreadMessage
	for i := 0; i < 15; i++ {
		msgs = append(msgs, ThreadMessage{UserID: "U1", Text: strings.Repeat("x", i+1)})
	}
	got := threadHistory(msgs)
	require.Len(t, got, threadHistoryLimit)
	require.Equal(t, strings.Repeat("x", 6), got[0].Content)
	require.Equal(t, strings.Repeat("x", 15), got[len(got)-1].Content)
}

func TestFormatHistoryFooter(t *testing.T) {
	score := 1
	interactions := []domain.Interaction{{
		CourseID:  304,
		CreatedAt: time.Date(2026, 2, 3, 9, 15, 0, 0, time.UTC),
		Questions: []domain.Question{{QuestionText: "What is 3NF?", ResponseText: "A normal form.", UserScore: &score}},
	}}
	out := formatHistory(interactions, 13)
	require.Contains(t, out, "showing last 1 interactions")
	require.Contains(t, out, "*2026-02-03 at 09:15 UTC* (Course ID: 304)")
	require.Contains(t, out, "*Q:* What is 3NF?")
	require.Contains(t, out, "*A:* A normal form.")
	require.Contains(t, out, "... and 12 more interactions")
}

func TestFormatAnswerSources(t *testing.T) {
	ans := &helpme.Answer{
		Text: "Use an index.",
		SourceDocuments: []helpme.SourceDocument{
			{Name: "Lecture 5", Page: 12},
			{Name: "Syllabus"},
		},
	}
	out := formatAnswer("How do I speed up queries?", "COSC 304", ans)
	require.Contains(t, out, "*Course:* COSC 304")
	require.Contains(t, out, "1. Lecture 5 (p. 12)")
	require.Contains(t, out, "2. Syllabus")
	require.NotContains(t, out, "Syllabus (p.")
}

func TestAnswerReplyWithoutQuestionID(t *testing.T) {
	r := answerReply("hello", &helpme.Answer{Text: "hello"}, 0)
	require.Len(t, r.Blocks, 1)
	require.Equal(t, "hello", r.Text)
}
