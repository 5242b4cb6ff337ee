package helpme

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ashureev/helpme-slack/internal/domain"
)

type recordedCall struct {
	endpoint, outcome string
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []recordedCall
}

func (r *fakeRecorder) ObserveBackendCall(endpoint, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, recordedCall{endpoint, outcome})
}

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *fakeRecorder) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	rec := &fakeRecorder{}
	c, err := New(Options{APIURL: srv.URL + "/api/v1/", APIKey: "svc-key", Timeout: time.Second, HeavyTimeout: 2 * time.Second, Recorder: rec})
	require.NoError(t, err)
	c.newKey = func() string { return "idem-1" }
	return c, rec
}

func TestCallSendsHeaders(t *testing.T) {
	var got http.Header
	var path string
	var body map[string]any
	c, rec := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = io.WriteString(w, `{"answer":"A stack is LIFO.","questionId":"q-9","isPreviousQuestion":true,
			"sourceDocuments":[{"metadata":{"name":"Lecture 3","loc":{"pageNumber":4}}},{"docName":"Notes"}]}`)
	})

	ans, err := c.Ask(context.Background(), "user-tok", 12, AskRequest{Question: "What is a stack?"})
	require.NoError(t, err)

	require.Equal(t, "/api/v1/chatbot/12/ask", path)
	require.Equal(t, "svc-key", got.Get("HMS-API-KEY"))
	require.Equal(t, "Bearer user-tok", got.Get("Authorization"))
	require.Equal(t, "user-tok", got.Get("HMS-API-TOKEN"))
	require.Equal(t, "idem-1", got.Get("Idempotency-Key"))
	require.Equal(t, "What is a stack?", body["question"])
	require.Equal(t, []any{}, body["history"])

	require.Equal(t, "A stack is LIFO.", ans.Text)
	require.Equal(t, "q-9", ans.QuestionRef)
	require.True(t, ans.IsPreviousQuestion)
	require.Equal(t, []SourceDocument{{Name: "Lecture 3", Page: 4}, {Name: "Notes"}}, ans.SourceDocuments)
	require.Equal(t, []recordedCall{{"chatbot/ask", "ok"}}, rec.calls)
}

func TestGetHasNoIdempotencyKey(t *testing.T) {
	var got http.Header
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		_, _ = io.WriteString(w, `{"metadata":{"model":"gpt-4o","similarityThreshold":0.6,"topK":5}}`)
	})

	s, err := c.CourseSettings(context.Background(), "tok", 3)
	require.NoError(t, err)
	require.Empty(t, got.Get("Idempotency-Key"))
	require.Equal(t, "gpt-4o", s.Model)
	require.NotNil(t, s.SimilarityThreshold)
	require.InDelta(t, 0.6, *s.SimilarityThreshold, 1e-9)
	require.Equal(t, 5, *s.TopK)
	require.Nil(t, s.Temperature)
}

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		status   int
		body     string
		sentinel error
		message  string
	}{
		{http.StatusUnauthorized, `{"error":"token expired"}`, ErrUnauthorized, "token expired"},
		{http.StatusForbidden, `{}`, ErrNotFound, "Forbidden"},
		{http.StatusNotFound, `{"message":"no course"}`, ErrNotFound, "no course"},
		{http.StatusBadRequest, `{"message":["question must not be empty","bad"]}`, ErrValidation, "question must not be empty; bad"},
		{http.StatusUnprocessableEntity, `not json`, ErrValidation, "Unprocessable Entity"},
		{http.StatusConflict, `{"error":"dup"}`, ErrRejected, "dup"},
		{http.StatusBadGateway, ``, ErrUnavailable, "Bad Gateway"},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})
			_, err := c.Models(context.Background(), "tok")
			require.ErrorIs(t, err, tt.sentinel)

			var he *Error
			require.True(t, errors.As(err, &he))
			require.Equal(t, tt.status, he.Status)
			require.Equal(t, tt.message, he.Message)
		})
	}
}

func TestQuotaResetAt(t *testing.T) {
	tests := []struct {
		name string
		body string
		want time.Time
	}{
		{"rfc3339", `{"error":"quota","resetAt":"2026-10-16T00:00:00Z"}`, time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)},
		{"seconds", `{"resetAt":1792108800}`, time.Unix(1792108800, 0).UTC()},
		{"millis", `{"resetAt":1792108800000}`, time.Unix(1792108800, 0).UTC()},
		{"numeric string", `{"resetAt":"1792108800"}`, time.Unix(1792108800, 0).UTC()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = io.WriteString(w, tt.body)
			})
			_, err := c.Ask(context.Background(), "tok", 1, AskRequest{Question: "q"})
			require.ErrorIs(t, err, ErrQuotaExceeded)
			var he *Error
			require.ErrorAs(t, err, &he)
			require.NotNil(t, he.ResetAt)
			require.True(t, tt.want.Equal(*he.ResetAt), "got %s", he.ResetAt)
		})
	}
}

func TestQuotaRetryAfterHeader(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	fixed := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	_, err := c.Ask(context.Background(), "tok", 1, AskRequest{Question: "q"})
	var he *Error
	require.ErrorAs(t, err, &he)
	require.Equal(t, fixed.Add(2*time.Minute), *he.ResetAt)
}

func TestTimeoutIsUnavailable(t *testing.T) {
	release := make(chan struct{})
	c, rec := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)
	c.timeout = 50 * time.Millisecond

	_, err := c.CourseSettings(context.Background(), "tok", 1)
	require.ErrorIs(t, err, ErrUnavailable)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, "unavailable", rec.calls[0].outcome)
}

func TestExchangeCode(t *testing.T) {
	var got http.Header
	var body map[string]string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		require.Equal(t, "/api/v1/auth/slack/exchange", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = io.WriteString(w, `{"userId":"42","email":"ada@example.com","name":"Ada","organizationId":3,
			"chatToken":"chat-1","courses":[{"id":1,"name":"COSC 304"},{"courseId":2,"courseName":"COSC 200"},{"name":"no id"}]}`)
	})

	ex, err := c.ExchangeCode(context.Background(), "code-1", "http://bot/link/callback")
	require.NoError(t, err)
	require.Empty(t, got.Get("Authorization"))
	require.Equal(t, "svc-key", got.Get("HMS-API-KEY"))
	require.Equal(t, "code-1", body["code"])
	require.Equal(t, int64(42), ex.UserID)
	require.Equal(t, int64(3), *ex.OrganizationID)
	require.Equal(t, "chat-1", ex.ChatToken)
	require.Equal(t, []domain.Course{{ID: 1, Name: "COSC 304"}, {ID: 2, Name: "COSC 200"}}, ex.Courses)
}

func TestExchangeWithoutCourses(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"userId":7,"email":"b@example.com","chatToken":"t"}`)
	})
	ex, err := c.ExchangeCode(context.Background(), "c", "r")
	require.NoError(t, err)
	require.Nil(t, ex.Courses)
	require.Nil(t, ex.OrganizationID)
}

func TestExchangeRequiresToken(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"userId":7}`)
	})
	_, err := c.ExchangeCode(context.Background(), "c", "r")
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestModelsShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []Model
	}{
		{"object", `{"gpt-4o":"OpenAI GPT-4o","llama3":"Meta Llama 3"}`, []Model{{"gpt-4o", "OpenAI GPT-4o"}, {"llama3", "Meta Llama 3"}}},
		{"array", `[{"modelName":"gpt-4o","description":"fast"},{"id":"mistral","label":"Mistral"},{}]`, []Model{{"gpt-4o", "fast"}, {"mistral", "Mistral"}}},
		{"null", `null`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, tt.body)
			})
			got, err := c.Models(context.Background(), "tok")
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestAskAboutFileMultipart(t *testing.T) {
	c, rec := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		require.Equal(t, "Summarize this", r.FormValue("question"))
		require.Equal(t, "[]", r.FormValue("history"))
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		data, _ := io.ReadAll(f)
		require.Equal(t, "notes.pdf", hdr.Filename)
		require.Equal(t, "application/pdf", hdr.Header.Get("Content-Type"))
		require.Equal(t, "%PDF-1.4", string(data))
		_, _ = io.WriteString(w, `{"response":"It is a PDF."}`)
	})

	ans, err := c.AskAboutFile(context.Background(), "tok", 5, FileQuestion{
		Question: "Summarize this", FileName: "notes.pdf", ContentType: "application/pdf", Data: []byte("%PDF-1.4"),
	})
	require.NoError(t, err)
	require.Equal(t, "It is a PDF.", ans.Text)
	require.Equal(t, "chatbot/ask_file", rec.calls[0].endpoint)
}

func TestUpdateAndResetSettings(t *testing.T) {
	var methods, paths []string
	var patch map[string]any
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method)
		paths = append(paths, r.URL.Path)
		if r.URL.Path == "/api/v1/course-setting/9" {
			_ = json.NewDecoder(r.Body).Decode(&patch)
		}
		_, _ = io.WriteString(w, `{"modelName":"gpt-4o","temperature":0.2}`)
	})

	temp := 0.2
	s, err := c.UpdateCourseSettings(context.Background(), "tok", 9, SettingsPatch{Temperature: &temp})
	require.NoError(t, err)
	require.Equal(t, "gpt-4o", s.Model)
	require.Equal(t, map[string]any{"temperature": 0.2}, patch)

	_, err = c.ResetCourseSettings(context.Background(), "tok", 9)
	require.NoError(t, err)
	require.Equal(t, []string{http.MethodPatch, http.MethodPatch}, methods)
	require.Equal(t, "/api/v1/course-setting/9/reset", paths[1])
	require.True(t, SettingsPatch{}.Empty())
}
