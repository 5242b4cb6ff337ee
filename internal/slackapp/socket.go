package slackapp

import (
	"context"
	"log/slog"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"
)

// SocketRunner receives payloads over a Socket Mode connection.
type SocketRunner struct {
	client     *socketmode.Client
	dispatcher *Dispatcher
}

// NewSocketRunner creates a runner. api must carry the app-level token.
func NewSocketRunner(api *slack.Client, d *Dispatcher, debug bool) *SocketRunner {
	return &SocketRunner{
		client:     socketmode.New(api, socketmode.OptionDebug(debug)),
		dispatcher: d,
	}
}

// Run blocks until ctx is cancelled or the connection fails for good.
func (s *SocketRunner) Run(ctx context.Context) error {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-s.client.Events:
				if !ok {
					return
				}
				s.handle(ctx, evt)
			}
		}
	}()
	return s.client.RunContext(ctx)
}

func (s *SocketRunner) handle(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		slog.Info("Connecting to Slack Socket Mode")
	case socketmode.EventTypeConnected:
		slog.Info("Connected to Slack Socket Mode")
	case socketmode.EventTypeConnectionError:
		slog.Warn("Slack Socket Mode connection error", "error", evt.Data)

	case socketmode.EventTypeSlashCommand:
		cmd, ok := evt.Data.(slack.SlashCommand)
		if !ok {
			slog.Warn("Unexpected slash command payload", "type", evt.Type)
			return
		}
		s.client.Ack(*evt.Request)
		s.dispatcher.SlashCommand(ctx, cmd)

	case socketmode.EventTypeInteractive:
		cb, ok := evt.Data.(slack.InteractionCallback)
		if !ok {
			slog.Warn("Unexpected interaction payload", "type", evt.Type)
			return
		}
		s.client.Ack(*evt.Request)
		s.dispatcher.Interaction(ctx, cb)

	case socketmode.EventTypeEventsAPI:
		if evt.Request != nil {
			s.client.Ack(*evt.Request)
		}

	default:
		slog.Debug("Ignoring Socket Mode event", "type", evt.Type)
	}
}
