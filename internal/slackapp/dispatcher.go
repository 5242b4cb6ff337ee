package slackapp

import (
	"context"
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/slack-go/slack"

	"github.com/ashureev/helpme-slack/internal/bot"
)

// Handler is what the dispatcher drives.
type Handler interface {
	HandleCommand(ctx context.Context, cmd bot.Command)
	HandleFeedback(ctx context.Context, fb bot.Feedback)
	HandleUploadSubmission(ctx context.Context, sub bot.UploadSubmission)
}

// Dispatcher turns Slack payloads into bot calls. Every call runs in its own
// goroutine so the payload can be acknowledged within Slack's three seconds.
type Dispatcher struct {
	handler Handler
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. Each call is cut off after timeout.
func NewDispatcher(h Handler, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Dispatcher{handler: h, timeout: timeout}
}

// SlashCommand dispatches a slash command.
func (d *Dispatcher) SlashCommand(ctx context.Context, sc slack.SlashCommand) {
	cmd := bot.Command{
		Name:        sc.Command,
		Text:        sc.Text,
		TeamID:      sc.TeamID,
		UserID:      sc.UserID,
		ChannelID:   sc.ChannelID,
		TriggerID:   sc.TriggerID,
		ResponseURL: sc.ResponseURL,
	}
	slog.Info("Slash command received", "command", sc.Command, "team_id", sc.TeamID, "user_id", sc.UserID, "channel_id", sc.ChannelID)
	d.run(ctx, sc.Command, func(ctx context.Context) {
		d.handler.HandleCommand(ctx, cmd)
	})
}

// Interaction dispatches button clicks and modal submissions. It reports
// whether the payload was recognized.
func (d *Dispatcher) Interaction(ctx context.Context, cb slack.InteractionCallback) bool {
	switch cb.Type {
	case slack.InteractionTypeBlockActions:
		handled := false
		for _, action := range cb.ActionCallback.BlockActions {
			if fb, ok := feedbackFrom(cb, action); ok {
				d.run(ctx, "feedback", func(ctx context.Context) {
					d.handler.HandleFeedback(ctx, fb)
				})
				handled = true
			}
		}
		return handled

	case slack.InteractionTypeViewSubmission:
		if cb.View.CallbackID != bot.UploadCallbackID {
			return false
		}
		sub := uploadFrom(cb)
		d.run(ctx, "upload-file", func(ctx context.Context) {
			d.handler.HandleUploadSubmission(ctx, sub)
		})
		return true
	}
	slog.Debug("Ignoring interaction", "type", cb.Type)
	return false
}

// Wait blocks until every dispatched call has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) run(ctx context.Context, name string, fn func(ctx context.Context)) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Handler panicked", "name", name, "panic", r, "stack", string(debug.Stack()))
			}
		}()
		fn(ctx)
	}()
}

func feedbackFrom(cb slack.InteractionCallback, action *slack.BlockAction) (bot.Feedback, bool) {
	var helpful bool
	switch action.ActionID {
	case bot.ActionFeedbackUp:
		helpful = true
	case bot.ActionFeedbackDown:
	default:
		return bot.Feedback{}, false
	}
	qid, err := strconv.ParseInt(action.Value, 10, 64)
	if err != nil || qid <= 0 {
		slog.Warn("Feedback with bad question id", "value", action.Value)
		return bot.Feedback{}, false
	}
	return bot.Feedback{
		TeamID:      cb.Team.ID,
		UserID:      cb.User.ID,
		ChannelID:   cb.Channel.ID,
		ResponseURL: cb.ResponseURL,
		QuestionID:  qid,
		Helpful:     helpful,
	}, true
}

func uploadFrom(cb slack.InteractionCallback) bot.UploadSubmission {
	sub := bot.UploadSubmission{
		TeamID:   cb.Team.ID,
		UserID:   cb.User.ID,
		Metadata: cb.View.PrivateMetadata,
	}
	if cb.View.State == nil {
		return sub
	}
	if block, ok := cb.View.State.Values[bot.UploadQuestionBlock]; ok {
		sub.Question = block[bot.UploadQuestionInput].Value
	}
	if block, ok := cb.View.State.Values[bot.UploadFileBlock]; ok {
		for _, f := range block[bot.UploadFileInput].Files {
			sub.FileIDs = append(sub.FileIDs, f.ID)
		}
	}
	return sub
}
