package helpme

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/ashureev/helpme-slack/internal/domain"
)

// Exchange is the identity returned for a redeemed authorization code.
type Exchange struct {
	UserID         int64
	Email          string
	Name           string
	OrganizationID *int64
	ChatToken      string
	// Courses is nil when the backend did not include an enrollment list.
	Courses []domain.Course
}

type exchangeWire struct {
	UserID         flexInt64     `json:"userId"`
	Email          string        `json:"email"`
	Name           string        `json:"name"`
	OrganizationID *flexInt64    `json:"organizationId"`
	ChatToken      string        `json:"chatToken"`
	Courses        *[]courseWire `json:"courses"`
}

type courseWire struct {
	ID       flexInt64 `json:"id"`
	CourseID flexInt64 `json:"courseId"`
	Name     string    `json:"name"`
	Title    string    `json:"courseName"`
}

func (w courseWire) course() domain.Course {
	c := domain.Course{ID: int64(w.ID), Name: strings.TrimSpace(w.Name)}
	if c.ID == 0 {
		c.ID = int64(w.CourseID)
	}
	if c.Name == "" {
		c.Name = strings.TrimSpace(w.Title)
	}
	return c
}

// ExchangeCode redeems an authorization code. Only the service key is sent.
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURI string) (*Exchange, error) {
	var wire exchangeWire
	err := c.Call(ctx, CallRequest{
		Method:   http.MethodPost,
		Path:     "auth/slack/exchange",
		Endpoint: "auth/slack/exchange",
		Body:     map[string]string{"code": code, "redirect_uri": redirectURI},
	}, &wire)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(wire.ChatToken) == "" {
		return nil, &Error{Kind: KindUnavailable, Status: http.StatusOK, Message: "exchange response has no chat token"}
	}

	ex := &Exchange{
		UserID:    int64(wire.UserID),
		Email:     wire.Email,
		Name:      wire.Name,
		ChatToken: wire.ChatToken,
	}
	if wire.OrganizationID != nil {
		v := int64(*wire.OrganizationID)
		ex.OrganizationID = &v
	}
	if wire.Courses != nil {
		ex.Courses = make([]domain.Course, 0, len(*wire.Courses))
		for _, cw := range *wire.Courses {
			if course := cw.course(); course.ID != 0 {
				ex.Courses = append(ex.Courses, course)
			}
		}
	}
	return ex, nil
}

// SourceDocument is a citation attached to an answer.
type SourceDocument struct {
	Name string
	Page int
}

// Answer is the normalized chatbot reply.
type Answer struct {
	Text               string
	QuestionRef        string
	SourceDocuments    []SourceDocument
	IsPreviousQuestion bool
}

type answerWire struct {
	Answer             string          `json:"answer"`
	Response           string          `json:"response"`
	QuestionID         json.RawMessage `json:"questionId"`
	SourceDocuments    []sourceDocWire `json:"sourceDocuments"`
	IsPreviousQuestion bool            `json:"isPreviousQuestion"`
}

type sourceDocWire struct {
	DocName  string `json:"docName"`
	Metadata struct {
		Name string `json:"name"`
		Loc  struct {
			PageNumber int `json:"pageNumber"`
		} `json:"loc"`
	} `json:"metadata"`
	PageNumbers []int `json:"pageNumbers"`
}

func (w answerWire) answer() *Answer {
	a := &Answer{
		Text:               w.Answer,
		QuestionRef:        rawString(w.QuestionID),
		IsPreviousQuestion: w.IsPreviousQuestion,
	}
	if a.Text == "" {
		a.Text = w.Response
	}
	for _, d := range w.SourceDocuments {
		doc := SourceDocument{Name: d.Metadata.Name, Page: d.Metadata.Loc.PageNumber}
		if doc.Name == "" {
			doc.Name = d.DocName
		}
		if doc.Name == "" {
			doc.Name = "Unknown document"
		}
		if doc.Page == 0 && len(d.PageNumbers) > 0 {
			doc.Page = d.PageNumbers[0]
		}
		a.SourceDocuments = append(a.SourceDocuments, doc)
	}
	return a
}

// AskRequest is a question with optional prior turns.
type AskRequest struct {
	Question string                  `json:"question"`
	History  []domain.HistoryMessage `json:"history"`
}

// Ask sends a question to the course chatbot.
func (c *Client) Ask(ctx context.Context, token string, courseID int64, req AskRequest) (*Answer, error) {
	if req.History == nil {
		req.History = []domain.HistoryMessage{}
	}
	var wire answerWire
	err := c.Call(ctx, CallRequest{
		Method:   http.MethodPost,
		Path:     fmt.Sprintf("chatbot/%d/ask", courseID),
		Endpoint: "chatbot/ask",
		Token:    token,
		Body:     req,
	}, &wire)
	if err != nil {
		return nil, err
	}
	return wire.answer(), nil
}

// FileQuestion is a question about an uploaded file.
type FileQuestion struct {
	Question    string
	FileName    string
	ContentType string
	Data        []byte
}

// AskAboutFile sends a file with a question as multipart form data.
// It uses the heavy timeout.
func (c *Client) AskAboutFile(ctx context.Context, token string, courseID int64, q FileQuestion) (*Answer, error) {
	var wire answerWire
	err := c.Call(ctx, CallRequest{
		Method:   http.MethodPost,
		Path:     fmt.Sprintf("chatbot/%d/ask", courseID),
		Endpoint: "chatbot/ask_file",
		Token:    token,
		Timeout:  c.heavyTimeout,
		Form: &Form{
			Fields:      map[string]string{"question": q.Question, "history": "[]"},
			FileField:   "file",
			FileName:    q.FileName,
			ContentType: q.ContentType,
			Data:        q.Data,
		},
	}, &wire)
	if err != nil {
		return nil, err
	}
	return wire.answer(), nil
}

// Settings are a course's chatbot settings. Nil pointers mean the backend default.
type Settings struct {
	Model               string
	Temperature         *float64
	TopK                *int
	SimilarityThreshold *float64
	MaxTokens           *int
	TopP                *float64
	Prompt              string
}

type settingsFields struct {
	ModelName                    string   `json:"modelName"`
	Model                        string   `json:"model"`
	Temperature                  *float64 `json:"temperature"`
	TopK                         *int     `json:"topK"`
	SimilarityThresholdDocuments *float64 `json:"similarityThresholdDocuments"`
	SimilarityThreshold          *float64 `json:"similarityThreshold"`
	MaxTokens                    *int     `json:"maxTokens"`
	TopP                         *float64 `json:"topP"`
	Prompt                       string   `json:"prompt"`
}

// settingsWire accepts the fields either under "metadata" or at the top level.
type settingsWire struct {
	Metadata *settingsFields `json:"metadata"`
	settingsFields
}

func (w settingsWire) settings() *Settings {
	f := w.settingsFields
	if w.Metadata != nil {
		f = *w.Metadata
	}
	s := &Settings{
		Model:               f.ModelName,
		Temperature:         f.Temperature,
		TopK:                f.TopK,
		SimilarityThreshold: f.SimilarityThresholdDocuments,
		MaxTokens:           f.MaxTokens,
		TopP:                f.TopP,
		Prompt:              f.Prompt,
	}
	if s.Model == "" {
		s.Model = f.Model
	}
	if s.SimilarityThreshold == nil {
		s.SimilarityThreshold = f.SimilarityThreshold
	}
	return s
}

// SettingsPatch holds the settings fields to change.
type SettingsPatch struct {
	ModelName                    *string  `json:"modelName,omitempty"`
	Temperature                  *float64 `json:"temperature,omitempty"`
	TopK                         *int     `json:"topK,omitempty"`
	SimilarityThresholdDocuments *float64 `json:"similarityThresholdDocuments,omitempty"`
	Prompt                       *string  `json:"prompt,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p SettingsPatch) Empty() bool {
	return p.ModelName == nil && p.Temperature == nil && p.TopK == nil &&
		p.SimilarityThresholdDocuments == nil && p.Prompt == nil
}

// CourseSettings fetches a course's chatbot settings.
func (c *Client) CourseSettings(ctx context.Context, token string, courseID int64) (*Settings, error) {
	return c.settingsCall(ctx, CallRequest{
		Method:   http.MethodGet,
		Path:     fmt.Sprintf("course-setting/%d", courseID),
		Endpoint: "course-setting/get",
		Token:    token,
	})
}

// UpdateCourseSettings applies a patch and returns the resulting settings.
func (c *Client) UpdateCourseSettings(ctx context.Context, token string, courseID int64, patch SettingsPatch) (*Settings, error) {
	return c.settingsCall(ctx, CallRequest{
		Method:   http.MethodPatch,
		Path:     fmt.Sprintf("course-setting/%d", courseID),
		Endpoint: "course-setting/update",
		Token:    token,
		Body:     patch,
	})
}

// ResetCourseSettings restores the backend defaults.
func (c *Client) ResetCourseSettings(ctx context.Context, token string, courseID int64) (*Settings, error) {
	return c.settingsCall(ctx, CallRequest{
		Method:   http.MethodPatch,
		Path:     fmt.Sprintf("course-setting/%d/reset", courseID),
		Endpoint: "course-setting/reset",
		Token:    token,
	})
}

func (c *Client) settingsCall(ctx context.Context, req CallRequest) (*Settings, error) {
	var wire settingsWire
	if err := c.Call(ctx, req, &wire); err != nil {
		return nil, err
	}
	return wire.settings(), nil
}

// Model is one selectable chatbot model.
type Model struct {
	ID          string
	Description string
}

// Models lists the available chatbot models. The backend answers with either
// an object keyed by model ID or an array of model objects.
func (c *Client) Models(ctx context.Context, token string) ([]Model, error) {
	var raw json.RawMessage
	err := c.Call(ctx, CallRequest{
		Method:   http.MethodGet,
		Path:     "chatbot/models",
		Endpoint: "chatbot/models",
		Token:    token,
	}, &raw)
	if err != nil {
		return nil, err
	}
	models, err := decodeModels(raw)
	if err != nil {
		return nil, &Error{Kind: KindUnavailable, Status: http.StatusOK, Message: "unexpected models response", Err: err}
	}
	return models, nil
}

func decodeModels(raw json.RawMessage) ([]Model, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	if raw[0] == '[' {
		var list []struct {
			ID          string `json:"id"`
			ModelName   string `json:"modelName"`
			Name        string `json:"name"`
			Description string `json:"description"`
			Label       string `json:"label"`
		}
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, err
		}
		out := make([]Model, 0, len(list))
		for _, m := range list {
			id := firstNonEmpty(m.ID, m.ModelName, m.Name)
			if id == "" {
				continue
			}
			out = append(out, Model{ID: id, Description: firstNonEmpty(m.Description, m.Label, m.Name)})
		}
		return out, nil
	}

	var byKey map[string]json.RawMessage
	if err := json.Unmarshal(raw, &byKey); err != nil {
		return nil, err
	}
	out := make([]Model, 0, len(byKey))
	for id, v := range byKey {
		out = append(out, Model{ID: id, Description: rawString(v)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// flexInt64 decodes a JSON number or numeric string.
type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(b)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		fl, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return fmt.Errorf("not an integer: %s", s)
		}
		n = int64(fl)
	}
	*f = flexInt64(n)
	return nil
}

// rawString renders a JSON scalar as text.
func rawString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
