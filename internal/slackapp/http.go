package slackapp

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/slack-go/slack"
)

const maxPayloadBytes = 1 << 20

// NewHTTPHandler serves Slack's request URLs for slash commands and
// interactivity. Mount it under /slack.
func NewHTTPHandler(d *Dispatcher, signingSecret string) http.Handler {
	h := &httpHandler{dispatcher: d}
	r := chi.NewRouter()
	r.Use(verifySignature(signingSecret))
	r.Post("/commands", h.command)
	r.Post("/interactions", h.interaction)
	return r
}

type httpHandler struct {
	dispatcher *Dispatcher
}

func (h *httpHandler) command(w http.ResponseWriter, r *http.Request) {
	sc, err := slack.SlashCommandParse(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	h.dispatcher.SlashCommand(r.Context(), sc)
	w.WriteHeader(http.StatusOK)
}

func (h *httpHandler) interaction(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	var cb slack.InteractionCallback
	if err := json.Unmarshal([]byte(r.PostFormValue("payload")), &cb); err != nil {
		slog.Warn("Invalid interaction payload", "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	h.dispatcher.Interaction(r.Context(), cb)
	// An empty 200 closes a submitted modal.
	w.WriteHeader(http.StatusOK)
}

// verifySignature rejects requests without a valid Slack signature and
// restores the body for the handlers.
func verifySignature(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
			if err != nil {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			sv, err := slack.NewSecretsVerifier(r.Header, secret)
			if err != nil {
				slog.Warn("Slack request without signature headers", "path", r.URL.Path, "error", err)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if _, err := sv.Write(body); err != nil {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			if err := sv.Ensure(); err != nil {
				slog.Warn("Slack signature mismatch", "path", r.URL.Path)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}
