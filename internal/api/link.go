package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/helpme-slack/internal/domain"
	"github.com/ashureev/helpme-slack/internal/linking"
	"github.com/ashureev/helpme-slack/web"
)

// maxCallbackBody bounds the legacy token callback payload.
const maxCallbackBody = 16 << 10

// Linker is the part of the linking service the callbacks drive.
type Linker interface {
	Complete(ctx context.Context, stateID, code string) (*linking.Linked, error)
	Consume(ctx context.Context, stateID string) (*domain.LinkState, error)
	InjectToken(ctx context.Context, teamID, userID, token string) error
}

// LinkHandler serves the browser redirect and the legacy token callback.
type LinkHandler struct {
	linker Linker
	pages  *web.Pages
}

// NewLinkHandler creates a LinkHandler.
func NewLinkHandler(linker Linker, pages *web.Pages) *LinkHandler {
	return &LinkHandler{linker: linker, pages: pages}
}

// Redirect handles GET /link/callback?state=..&code=.. from HelpMe.
func (h *LinkHandler) Redirect(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := strings.TrimSpace(q.Get("state"))
	code := strings.TrimSpace(q.Get("code"))

	if denied := q.Get("error"); denied != "" {
		// The user backed out on the HelpMe side; burn the state so it cannot be replayed.
		if state != "" {
			if _, err := h.linker.Consume(r.Context(), state); err != nil && !errors.Is(err, domain.ErrStateNotFound) {
				slog.Warn("Failed to discard denied link state", "error", err)
			}
		}
		slog.Info("Link authorization denied", "reason", denied)
		h.pages.Failure(w, http.StatusBadRequest, web.LinkFailure{
			Title:   "Linking cancelled",
			Message: "HelpMe did not authorize the link. Run /link in Slack to try again.",
		})
		return
	}

	if state == "" || code == "" {
		h.pages.Failure(w, http.StatusBadRequest, web.LinkFailure{
			Title:   "Invalid link request",
			Message: "The link is missing required parameters. Run /link in Slack to get a new one.",
		})
		return
	}

	linked, err := h.linker.Complete(r.Context(), state, code)
	switch {
	case err == nil:
		h.pages.Success(w, web.LinkSuccess{Name: linked.Link.BackendName, Email: linked.Link.BackendEmail})
	case errors.Is(err, domain.ErrStateNotFound):
		h.pages.Failure(w, http.StatusGone, web.LinkFailure{
			Title:   "Link expired",
			Message: "This link has expired or was already used. Run /link in Slack to get a new one.",
		})
	case errors.Is(err, linking.ErrExchangeFailed):
		h.pages.Failure(w, http.StatusBadGateway, web.LinkFailure{
			Title:   "HelpMe could not confirm your account",
			Message: "Something went wrong talking to HelpMe. Run /link in Slack to start over.",
		})
	default:
		slog.Error("Link callback failed", "error", err)
		h.pages.Failure(w, http.StatusInternalServerError, web.LinkFailure{
			Title:   "Something went wrong",
			Message: "We could not save your link. Please try again in a minute.",
		})
	}
}

type tokenCallback struct {
	TeamID          string `json:"teamId"`
	UserID          string `json:"userId"`
	HelpMeUserToken string `json:"helpmeUserToken"`
}

// Inject handles POST /link/callback, where HelpMe pushes a token directly.
// Callers must sit behind the shared secret middleware.
func (h *LinkHandler) Inject(w http.ResponseWriter, r *http.Request) {
	var body tokenCallback
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCallbackBody))
	if err := dec.Decode(&body); err != nil {
		Error(w, http.StatusBadRequest, "invalid json body")
		return
	}
	err := h.linker.InjectToken(r.Context(), body.TeamID, body.UserID, body.HelpMeUserToken)
	switch {
	case err == nil:
		JSON(w, http.StatusOK, map[string]bool{"ok": true})
	case errors.Is(err, domain.ErrInvalidInput):
		Error(w, http.StatusBadRequest, "teamId, userId and helpmeUserToken are required")
	default:
		slog.Error("Token injection failed", "error", err)
		Error(w, http.StatusInternalServerError, "failed to store token")
	}
}
