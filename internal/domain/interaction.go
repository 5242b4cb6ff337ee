package domain

import (
	"time"
)

// Interaction groups the questions one user asked in one course.
type Interaction struct {
	ID        int64
	CourseID  int64
	TeamID    string
	UserID    string
	CreatedAt time.Time
	Questions []Question
}

// Question is a single asked question and the backend's answer.
// UserScore is the only field that changes after creation.
type Question struct {
	ID                 int64
	InteractionID      int64
	QuestionText       string
	ResponseText       string
	ExternalRefID      string
	Suggested          bool
	IsPreviousQuestion bool
	UserScore          *int
	CreatedAt          time.Time
}

// QuestionRecord is the input for appending a question to the interaction log.
// A zero InteractionID starts a new interaction unless ThreadKey names a
// Slack thread the user already asked in.
type QuestionRecord struct {
	InteractionID      int64
	ThreadKey          string
	CourseID           int64
	TeamID             string
	UserID             string
	QuestionText       string
	ResponseText       string
	ExternalRefID      string
	IsPreviousQuestion bool
}

// HistoryMessage is a prior conversation turn sent along with a question.
type HistoryMessage struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp,omitempty"`
}
